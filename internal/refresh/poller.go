package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/sheetsync/internal/source"
)

// Interval bounds accepted by the poller.
const (
	MinInterval = 2 * time.Second
	MaxInterval = 60 * time.Second
)

// ErrInterval rejects out-of-range polling intervals.
var ErrInterval = fmt.Errorf("refresh: interval must be between %s and %s", MinInterval, MaxInterval)

// Triggerer starts refreshes without waiting on them.
type Triggerer interface {
	Trigger(key source.CacheKey, reason Reason) (<-chan Result, error)
}

// Poller fires scheduled triggers while live mode is enabled. Toggling live
// mode or changing the interval restarts the ticker only; fetches already
// running are never cancelled.
type Poller struct {
	coord  Triggerer
	keys   func() []source.CacheKey
	logger *slog.Logger

	mu       sync.Mutex
	parent   context.Context
	interval time.Duration
	live     bool
	stop     context.CancelFunc
	done     chan struct{}
}

// NewPoller validates interval and returns a stopped poller. keys is consulted
// on every tick so the tab set may change at runtime.
func NewPoller(coord Triggerer, keys func() []source.CacheKey, interval time.Duration, logger *slog.Logger) (*Poller, error) {
	if coord == nil || keys == nil {
		return nil, errors.New("refresh: poller needs a coordinator and a key source")
	}
	if err := checkInterval(interval); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Poller{coord: coord, keys: keys, interval: interval, logger: logger}, nil
}

func checkInterval(d time.Duration) error {
	if d < MinInterval || d > MaxInterval {
		return fmt.Errorf("%w: got %s", ErrInterval, d)
	}
	return nil
}

// Start binds the poller to ctx. The loop runs only while live mode is on.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parent = ctx
	if p.live {
		p.restartLocked()
	}
}

// SetLive turns scheduled refreshing on or off.
func (p *Poller) SetLive(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live == enabled {
		return
	}
	p.live = enabled
	if enabled {
		p.restartLocked()
	} else {
		p.haltLocked()
	}
	p.logger.Info("live mode changed", slog.Bool("enabled", enabled), slog.Duration("interval", p.interval))
}

// SetInterval changes the tick period. Out-of-range values are rejected and
// the current interval is kept.
func (p *Poller) SetInterval(d time.Duration) error {
	if err := checkInterval(d); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.interval == d {
		return nil
	}
	p.interval = d
	if p.live {
		p.restartLocked()
	}
	return nil
}

// Live reports whether live mode is on.
func (p *Poller) Live() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Interval returns the current tick period.
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// Stop halts the loop and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.haltLocked()
	p.parent = nil
}

func (p *Poller) restartLocked() {
	p.haltLocked()
	if p.parent == nil {
		return
	}
	ctx, cancel := context.WithCancel(p.parent)
	done := make(chan struct{})
	p.stop = cancel
	p.done = done
	go p.loop(ctx, p.interval, done)
}

func (p *Poller) haltLocked() {
	if p.stop == nil {
		return
	}
	p.stop()
	<-p.done
	p.stop = nil
	p.done = nil
}

func (p *Poller) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	p.tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Poller) tick() {
	for _, key := range p.keys() {
		if _, err := p.coord.Trigger(key, ReasonScheduled); err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			p.logger.Debug("scheduled refresh skipped", slog.String("tab", key.Tab), slog.Any("error", err))
		}
	}
}
