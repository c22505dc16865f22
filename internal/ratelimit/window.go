// Package ratelimit keeps the process-wide request budget for the source.
//
// Window is a sliding-window log: every admitted request occupies a slot
// timestamp and no span of one window length ever holds more than quota slots.
// Requests are never rejected. When the window is full the caller is handed
// the delay until the oldest slot ages out and the slot is reserved for it at
// that instant, so concurrent callers queue in admission order.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Window tracks request timestamps in a sliding window. Safe for concurrent use.
type Window struct {
	quota  int
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	slots []time.Time
	pacer *rate.Limiter
}

// Option customises a Window.
type Option func(*Window)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Window) {
		if now != nil {
			w.now = now
		}
	}
}

// WithMinInterval enforces a minimum spacing between consecutive slots on top
// of the window quota.
func WithMinInterval(d time.Duration) Option {
	return func(w *Window) {
		if d > 0 {
			w.pacer = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// New builds a window admitting at most quota requests per window.
func New(quota int, window time.Duration, opts ...Option) (*Window, error) {
	if quota <= 0 {
		return nil, fmt.Errorf("ratelimit: quota must be positive, got %d", quota)
	}
	if window <= 0 {
		return nil, fmt.Errorf("ratelimit: window must be positive, got %s", window)
	}
	w := &Window{quota: quota, window: window, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Admit reserves the next slot and returns how long the caller must wait
// before issuing its request. Zero means proceed immediately.
func (w *Window) Admit() time.Duration {
	_, delay := w.reserve()
	return delay
}

func (w *Window) reserve() (time.Time, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)

	slot := now
	if n := len(w.slots); n > 0 && w.slots[n-1].After(slot) {
		slot = w.slots[n-1]
	}
	if n := len(w.slots); n >= w.quota {
		if earliest := w.slots[n-w.quota].Add(w.window); earliest.After(slot) {
			slot = earliest
		}
	}
	if w.pacer != nil {
		r := w.pacer.ReserveN(slot, 1)
		slot = slot.Add(r.DelayFrom(slot))
	}
	w.slots = append(w.slots, slot)
	return slot, slot.Sub(now)
}

// Wait blocks until a slot is available or ctx ends. The observed delay is
// returned either way. A cancelled wait gives its slot back.
func (w *Window) Wait(ctx context.Context) (time.Duration, error) {
	slot, delay := w.reserve()
	if delay <= 0 {
		return 0, nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return delay, nil
	case <-ctx.Done():
		w.release(slot)
		return delay, fmt.Errorf("ratelimit: wait: %w", ctx.Err())
	}
}

func (w *Window) release(slot time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.slots) - 1; i >= 0; i-- {
		if w.slots[i].Equal(slot) {
			w.slots = append(w.slots[:i], w.slots[i+1:]...)
			return
		}
	}
}

// prune drops slots that left the window. Caller holds mu.
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	idx := 0
	for idx < len(w.slots) && !w.slots[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.slots = append(w.slots[:0], w.slots[idx:]...)
	}
}

// Status is a point-in-time view of the budget.
type Status struct {
	Quota    int           `json:"quota"`
	Window   time.Duration `json:"window"`
	Used     int           `json:"used"`
	Pending  int           `json:"pending"`
	NextSlot time.Time     `json:"nextSlot"`
}

// Status reports slots used within the current window and reservations still in the future.
func (w *Window) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.prune(now)

	st := Status{Quota: w.quota, Window: w.window, NextSlot: now}
	for _, slot := range w.slots {
		if slot.After(now) {
			st.Pending++
		} else {
			st.Used++
		}
	}
	if n := len(w.slots); n >= w.quota {
		st.NextSlot = w.slots[n-w.quota].Add(w.window)
	}
	if n := len(w.slots); n > 0 && w.slots[n-1].After(st.NextSlot) {
		st.NextSlot = w.slots[n-1]
	}
	return st
}
