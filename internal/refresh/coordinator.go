// Package refresh owns fetching: it deduplicates concurrent refreshes of a key,
// retries transient failures with backoff, keeps per-key cooldown and
// suspension state, and publishes results to the cache.
//
// Per-key state machine: idle -> fetching -> idle (success) or
// idle (cooldown) after a failed cycle. Fatal source errors suspend the key
// until Reconfigure. At most one fetch per key is in flight; triggers that
// arrive meanwhile share its Result.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/l0p7/sheetsync/internal/cache"
	"github.com/l0p7/sheetsync/internal/fingerprint"
	"github.com/l0p7/sheetsync/internal/mirror"
	"github.com/l0p7/sheetsync/internal/source"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Reason records what started a refresh.
type Reason string

const (
	ReasonScheduled   Reason = "scheduled"
	ReasonManual      Reason = "manual"
	ReasonFirstAccess Reason = "first_access"
)

var (
	// ErrSuspended is returned for keys whose last refresh failed fatally. The
	// returned error also wraps the original source error.
	ErrSuspended = errors.New("refresh: key suspended until the source is reconfigured")
	// ErrCoolingDown is returned when a non-manual trigger arrives during cooldown.
	ErrCoolingDown = errors.New("refresh: key cooling down after failure")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("refresh: coordinator closed")
)

// Limiter admits outbound requests.
type Limiter interface {
	Wait(ctx context.Context) (time.Duration, error)
}

// Metrics receives refresh telemetry. *metrics.Recorder satisfies it.
type Metrics interface {
	ObserveFetch(tab, outcome string, duration time.Duration)
	ObserveRateLimitWait(duration time.Duration)
	ObserveRetry(tab string)
	ObserveChange(tab string)
	ObserveSuppressed(tab, reason string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveFetch(string, string, time.Duration) {}
func (noopMetrics) ObserveRateLimitWait(time.Duration)         {}
func (noopMetrics) ObserveRetry(string)                        {}
func (noopMetrics) ObserveChange(string)                       {}
func (noopMetrics) ObserveSuppressed(string, string)           {}

// Options wires a Coordinator.
type Options struct {
	Store   *cache.Store
	Fetcher source.Fetcher
	Limiter Limiter
	Mirror  mirror.Mirror
	Metrics Metrics
	Logger  *slog.Logger
	Backoff Backoff
	// Concurrency bounds RefreshAll fan-out. Zero means 4.
	Concurrency int
	Clock       func() time.Time
}

// Result is the outcome of one refresh cycle, shared by every trigger that attached to it.
type Result struct {
	Key         source.CacheKey
	Reason      Reason
	Fingerprint fingerprint.Fingerprint
	FetchedAt   time.Time
	Changed     bool
	Attempts    int
	Err         error
}

type keyState struct {
	inflight      int
	reason        Reason
	cooldownUntil time.Time
	suspended     error
	parseStreak   int
	lastAttempt   time.Time
	last          *Result
}

// Coordinator runs refresh cycles. Construct with New.
type Coordinator struct {
	store       *cache.Store
	limiter     Limiter
	mirror      mirror.Mirror
	metrics     Metrics
	logger      *slog.Logger
	backoff     Backoff
	concurrency int
	now         func() time.Time
	hub         *Hub

	// ctx ends on Close and interrupts waits between attempts. Fetches
	// themselves run on a context that Close never cancels.
	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group
	wg     sync.WaitGroup

	mu         sync.Mutex
	fetcher    source.Fetcher
	generation uint64
	keys       map[source.CacheKey]*keyState
	closed     bool
}

// New validates options and returns a running coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("refresh: cache store required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("refresh: fetcher required")
	}
	c := &Coordinator{
		store:       opts.Store,
		limiter:     opts.Limiter,
		mirror:      opts.Mirror,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		backoff:     opts.Backoff.normalized(),
		concurrency: opts.Concurrency,
		now:         opts.Clock,
		hub:         NewHub(),
		fetcher:     opts.Fetcher,
		keys:        make(map[source.CacheKey]*keyState),
	}
	if c.mirror == nil {
		c.mirror = mirror.NewNoop()
	}
	if c.metrics == nil {
		c.metrics = noopMetrics{}
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if c.concurrency <= 0 {
		c.concurrency = 4
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Hub exposes change notifications.
func (c *Coordinator) Hub() *Hub { return c.hub }

// Store returns the cache the coordinator writes to.
func (c *Coordinator) Store() *cache.Store { return c.store }

func (c *Coordinator) stateLocked(key source.CacheKey) *keyState {
	st, ok := c.keys[key]
	if !ok {
		st = &keyState{}
		c.keys[key] = st
	}
	return st
}

// Trigger starts a refresh of key or attaches to the one in flight. The
// channel yields exactly one Result. Manual triggers bypass cooldown; no
// trigger bypasses suspension.
func (c *Coordinator) Trigger(key source.CacheKey, reason Reason) (<-chan Result, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("refresh: invalid key %q", key.String())
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	st := c.stateLocked(key)
	if st.suspended != nil {
		cause := st.suspended
		c.mu.Unlock()
		c.metrics.ObserveSuppressed(key.Tab, "suspended")
		return nil, fmt.Errorf("%w: %w", ErrSuspended, cause)
	}
	if reason != ReasonManual && c.now().Before(st.cooldownUntil) {
		until := st.cooldownUntil
		c.mu.Unlock()
		c.metrics.ObserveSuppressed(key.Tab, "cooldown")
		return nil, fmt.Errorf("%w until %s", ErrCoolingDown, until.Format(time.RFC3339))
	}
	c.wg.Add(1)
	c.mu.Unlock()

	flight := c.group.DoChan(flightKey(key), func() (any, error) {
		return c.run(key, reason), nil
	})
	out := make(chan Result, 1)
	go func() {
		defer c.wg.Done()
		res := <-flight
		out <- res.Val.(Result)
		close(out)
	}()
	return out, nil
}

// Refresh triggers and waits for the result or ctx. A ctx that ends early
// stops the wait only; the fetch carries on.
func (c *Coordinator) Refresh(ctx context.Context, key source.CacheKey, reason Reason) (Result, error) {
	ch, err := c.Trigger(key, reason)
	if err != nil {
		return Result{Key: key, Reason: reason, Err: err}, err
	}
	select {
	case res := <-ch:
		return res, res.Err
	case <-ctx.Done():
		return Result{Key: key, Reason: reason}, ctx.Err()
	}
}

// Outcome pairs a key with its refresh result.
type Outcome struct {
	Key    source.CacheKey
	Result Result
	Err    error
}

// RefreshAll refreshes keys with bounded concurrency. Failures of one key never
// stop the others.
func (c *Coordinator) RefreshAll(ctx context.Context, keys []source.CacheKey, reason Reason) []Outcome {
	out := make([]Outcome, len(keys))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, key := range keys {
		g.Go(func() error {
			res, err := c.Refresh(ctx, key, reason)
			out[i] = Outcome{Key: key, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Read returns the cached view without blocking. A key never fetched before
// gets a first-access refresh in the background.
func (c *Coordinator) Read(key source.CacheKey) cache.View {
	view := c.store.Read(key)
	if view.State == cache.StateNoData {
		c.mu.Lock()
		st := c.stateLocked(key)
		idle := st.inflight == 0
		c.mu.Unlock()
		if idle {
			if _, err := c.Trigger(key, ReasonFirstAccess); err != nil && !errors.Is(err, ErrClosed) {
				c.logger.Debug("first access refresh not started", slog.String("tab", key.Tab), slog.Any("error", err))
			}
		}
	}
	return view
}

// Reconfigure swaps the source client and lifts every suspension and cooldown.
// Fetches already in flight finish with the previous client, but a fatal error
// from them no longer suspends the key. The previous fetcher is returned so
// the caller can release it once in-flight work settles.
func (c *Coordinator) Reconfigure(fetcher source.Fetcher) (source.Fetcher, error) {
	if fetcher == nil {
		return nil, errors.New("refresh: fetcher required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	prev := c.fetcher
	c.fetcher = fetcher
	c.generation++
	for _, st := range c.keys {
		st.suspended = nil
		st.cooldownUntil = time.Time{}
		st.parseStreak = 0
	}
	c.logger.Info("source reconfigured", slog.Int("keys", len(c.keys)))
	return prev, nil
}

// Close stops accepting triggers, interrupts backoff and limiter waits, and
// waits for in-flight fetches to settle or ctx to end. It may be called again
// to keep waiting after ctx expired.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("refresh: close: %w", ctx.Err())
	}
	c.hub.close()
	return nil
}

func (c *Coordinator) run(key source.CacheKey, reason Reason) Result {
	c.mu.Lock()
	st := c.stateLocked(key)
	st.inflight++
	st.reason = reason
	st.lastAttempt = c.now()
	gen := c.generation
	fetcher := c.fetcher
	c.mu.Unlock()

	logger := c.logger.With(
		slog.String("spreadsheet", key.Spreadsheet),
		slog.String("tab", key.Tab),
		slog.String("reason", string(reason)),
	)
	res := c.cycle(logger, fetcher, gen, key, reason)

	c.mu.Lock()
	st.inflight--
	last := res
	st.last = &last
	c.mu.Unlock()
	return res
}

func (c *Coordinator) cycle(logger *slog.Logger, fetcher source.Fetcher, gen uint64, key source.CacheKey, reason Reason) Result {
	res := Result{Key: key, Reason: reason}
	var (
		lastErr error
		delay   time.Duration
	)
	for attempt := 1; attempt <= c.backoff.Attempts; attempt++ {
		if attempt > 1 {
			c.metrics.ObserveRetry(key.Tab)
			if err := c.sleep(delay); err != nil {
				break
			}
		}
		if c.limiter != nil {
			waited, err := c.limiter.Wait(c.ctx)
			c.metrics.ObserveRateLimitWait(waited)
			if err != nil {
				break
			}
		}
		res.Attempts = attempt

		started := c.now()
		grid, err := fetcher.Fetch(context.WithoutCancel(c.ctx), key)
		completed := c.now()
		c.metrics.ObserveFetch(key.Tab, outcomeLabel(err), completed.Sub(started))

		if err == nil {
			return c.publish(logger, key, grid, completed, res)
		}
		lastErr = err
		// Readers see the failure while the remaining attempts back off.
		c.store.RecordFailure(key, err)
		attemptLog := logger.With(slog.Int("attempt", attempt), slog.Any("error", err))

		switch {
		case source.IsFatal(err):
			c.mu.Lock()
			if gen == c.generation {
				c.stateLocked(key).suspended = err
			}
			c.mu.Unlock()
			attemptLog.Error("refresh failed permanently, key suspended")
			res.Err = err
			return res
		case source.IsParse(err):
			c.mu.Lock()
			st := c.stateLocked(key)
			st.parseStreak++
			streak := st.parseStreak
			c.mu.Unlock()
			if streak > 1 {
				attemptLog.Error("repeated malformed response, ending cycle", slog.Int("streak", streak))
				return c.fail(key, err, res)
			}
			attemptLog.Warn("malformed response, retrying")
			delay = c.backoff.Delay(attempt)
		case source.IsRateLimit(err):
			delay = c.backoff.Delay(attempt)
			if delay < c.backoff.RateLimitPause {
				delay = c.backoff.RateLimitPause
			}
			attemptLog.Warn("source throttled request", slog.Duration("backoff", delay))
		default:
			delay = c.backoff.Delay(attempt)
			attemptLog.Warn("refresh attempt failed", slog.Duration("backoff", delay))
		}
	}

	if lastErr == nil {
		// Interrupted by Close before any fetch was issued.
		res.Err = ErrClosed
		return res
	}
	if c.ctx.Err() != nil {
		res.Err = lastErr
		return res
	}
	logger.Warn("refresh attempts exhausted", slog.Int("attempts", res.Attempts), slog.Any("error", lastErr))
	return c.fail(key, lastErr, res)
}

// fail ends a cycle on a transient failure and starts the cooldown.
func (c *Coordinator) fail(key source.CacheKey, err error, res Result) Result {
	c.mu.Lock()
	c.stateLocked(key).cooldownUntil = c.now().Add(c.backoff.Cooldown)
	c.mu.Unlock()
	res.Err = err
	return res
}

func (c *Coordinator) publish(logger *slog.Logger, key source.CacheKey, grid source.Grid, fetchedAt time.Time, res Result) Result {
	fp := fingerprint.Of(grid)
	put := c.store.Put(key, grid, fp, fetchedAt)

	c.mu.Lock()
	st := c.stateLocked(key)
	st.parseStreak = 0
	st.cooldownUntil = time.Time{}
	c.mu.Unlock()

	res.Fingerprint = fp
	res.FetchedAt = fetchedAt
	res.Changed = put.Applied && put.Changed
	if !put.Applied {
		logger.Debug("newer fetch already stored, result discarded")
		return res
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), 5*time.Second)
	if err := c.mirror.Save(saveCtx, mirror.Snapshot{Key: key, Rows: grid, FetchedAt: fetchedAt}); err != nil {
		logger.Warn("snapshot mirror save failed", slog.Any("error", err))
	}
	cancel()

	if res.Changed {
		c.metrics.ObserveChange(key.Tab)
		c.hub.publish(ChangeEvent{
			Key:         key,
			Fingerprint: fp,
			Previous:    put.Previous,
			FetchedAt:   fetchedAt,
			Rows:        len(grid),
		})
		logger.Info("tab content changed", slog.String("fingerprint", fp.String()), slog.Int("rows", len(grid)))
	} else {
		logger.Debug("tab refreshed without changes", slog.String("fingerprint", fp.String()))
	}
	return res
}

func (c *Coordinator) sleep(d time.Duration) error {
	if d <= 0 {
		return c.ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// Phase is the externally visible state of a key.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseFetching  Phase = "fetching"
	PhaseCooldown  Phase = "cooldown"
	PhaseSuspended Phase = "suspended"
)

// KeyStatus describes a key for operators.
type KeyStatus struct {
	Key           source.CacheKey `json:"key"`
	Phase         Phase           `json:"phase"`
	Reason        Reason          `json:"reason,omitempty"`
	CooldownUntil time.Time       `json:"cooldownUntil,omitempty"`
	Suspended     error           `json:"-"`
	LastAttempt   time.Time       `json:"lastAttempt,omitempty"`
	LastResult    *Result         `json:"-"`
}

// Status reports every key the coordinator has seen, sorted.
func (c *Coordinator) Status() []KeyStatus {
	c.mu.Lock()
	now := c.now()
	out := make([]KeyStatus, 0, len(c.keys))
	for key, st := range c.keys {
		ks := KeyStatus{
			Key:           key,
			Phase:         PhaseIdle,
			Reason:        st.reason,
			CooldownUntil: st.cooldownUntil,
			Suspended:     st.suspended,
			LastAttempt:   st.lastAttempt,
			LastResult:    st.last,
		}
		switch {
		case st.inflight > 0:
			ks.Phase = PhaseFetching
		case st.suspended != nil:
			ks.Phase = PhaseSuspended
		case now.Before(st.cooldownUntil):
			ks.Phase = PhaseCooldown
		}
		out = append(out, ks)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

func flightKey(key source.CacheKey) string {
	return key.Spreadsheet + "\x00" + key.Tab
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(source.KindOf(err))
}
