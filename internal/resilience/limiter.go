package resilience

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LimiterConfig controls the per-domain gate. RequestsPerMinute caps starts
// per domain within the trailing Window. Window defaults to one minute; with
// any other Window the field reads as "requests per Window".
type LimiterConfig struct {
	RequestsPerMinute int
	Window            time.Duration
	MinInterval       time.Duration
	MaxConcurrent     int
	Jitter            bool
	JitterMax         time.Duration
}

// DefaultLimiterConfig mirrors the production scraping cadence.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		RequestsPerMinute: 30,
		Window:            time.Minute,
		MinInterval:       time.Second,
		MaxConcurrent:     3,
		Jitter:            true,
		JitterMax:         200 * time.Millisecond,
	}
}

// Validate rejects settings that would make Acquire block forever.
func (c LimiterConfig) Validate() error {
	switch {
	case c.RequestsPerMinute < 1:
		return &ConfigError{Field: "requests_per_minute", Reason: "must be >= 1"}
	case c.Window <= 0:
		return &ConfigError{Field: "window", Reason: "must be > 0"}
	case c.MinInterval < 0:
		return &ConfigError{Field: "min_interval", Reason: "must be >= 0"}
	case c.MaxConcurrent < 1:
		return &ConfigError{Field: "max_concurrent", Reason: "must be >= 1"}
	case c.JitterMax < 0:
		return &ConfigError{Field: "jitter_max", Reason: "must be >= 0"}
	}
	return nil
}

// Ticket is proof of admission through a domain gate. Pass it to Release.
type Ticket struct {
	Domain string
	Start  time.Time
	Waited time.Duration

	state    *DomainState
	released atomic.Bool
}

// RateLimiter enforces the interval, window and concurrency gate per domain.
// Waiters are not served in FIFO order.
type RateLimiter struct {
	cfg      LimiterConfig
	registry *Registry
	jitter   JitterSource
	observer Observer
	logger   *zap.Logger

	throttleLog rate.Sometimes
}

// NewRateLimiter constructs a limiter over registry.
func NewRateLimiter(cfg LimiterConfig, registry *Registry, logger *zap.Logger) (*RateLimiter, error) {
	if cfg.Window == 0 {
		cfg.Window = time.Minute
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		cfg:         cfg,
		registry:    registry,
		jitter:      cryptoJitter,
		observer:    nopObserver{},
		logger:      logger,
		throttleLog: rate.Sometimes{Interval: 5 * time.Second},
	}, nil
}

// Acquire blocks until domain's gate admits one more start, then records it.
// It fails only when ctx ends, in which case no state was changed.
func (l *RateLimiter) Acquire(ctx context.Context, domain string) (*Ticket, error) {
	state := l.registry.GetOrCreate(domain)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire %s: %w", state.domain, err)
	}
	pad := l.pad()
	begin := time.Now()
	parked := false

	for {
		state.mu.Lock()
		now := time.Now()
		state.prune(now, l.cfg.Window)
		wait, slotFree := l.delay(state, now, pad)
		if slotFree && wait <= 0 {
			state.starts = append(state.starts, now)
			state.lastStart = now
			state.inFlight++
			inFlight := state.inFlight
			state.mu.Unlock()

			var waited time.Duration
			if parked {
				waited = now.Sub(begin)
			}
			l.observer.SetInFlight(state.domain, inFlight)
			l.observer.ObserveWait(state.domain, waited)
			return &Ticket{Domain: state.domain, Start: now, Waited: waited, state: state}, nil
		}
		changed := state.changed
		state.mu.Unlock()

		l.throttleLog.Do(func() {
			l.logger.Debug("domain gate closed, waiting",
				zap.String("domain", state.domain),
				zap.Duration("wait", wait),
				zap.Bool("slot_free", slotFree),
			)
		})

		if err := park(ctx, changed, wait); err != nil {
			return nil, fmt.Errorf("acquire %s: %w", state.domain, err)
		}
		parked = true
	}
}

// Release returns the ticket's concurrency slot. Releasing twice is a no-op.
func (l *RateLimiter) Release(t *Ticket) {
	if t == nil || t.state == nil || !t.released.CompareAndSwap(false, true) {
		return
	}
	s := t.state
	s.mu.Lock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	n := s.inFlight
	s.broadcast()
	s.mu.Unlock()
	l.observer.SetInFlight(s.domain, n)
}

// Domains returns a snapshot of every known gate.
func (l *RateLimiter) Domains() []DomainSnapshot {
	return l.registry.Snapshot(time.Now(), l.cfg.Window)
}

func (l *RateLimiter) pad() time.Duration {
	if !l.cfg.Jitter || l.cfg.JitterMax <= 0 {
		return 0
	}
	return l.jitter(l.cfg.JitterMax)
}

// delay reports how long the time-based conditions still need and whether a
// concurrency slot is free. Callers hold s.mu and have pruned s.
func (l *RateLimiter) delay(s *DomainState, now time.Time, pad time.Duration) (time.Duration, bool) {
	var wait time.Duration
	if !s.lastStart.IsZero() {
		if d := s.lastStart.Add(l.cfg.MinInterval + pad).Sub(now); d > wait {
			wait = d
		}
	}
	if n := len(s.starts); n >= l.cfg.RequestsPerMinute {
		oldest := s.starts[n-l.cfg.RequestsPerMinute]
		if d := oldest.Add(l.cfg.Window).Sub(now); d > wait {
			wait = d
		}
	}
	return wait, s.inFlight < l.cfg.MaxConcurrent
}

func park(ctx context.Context, changed <-chan struct{}, wait time.Duration) error {
	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-changed:
		return nil
	case <-timeout:
		return nil
	}
}
