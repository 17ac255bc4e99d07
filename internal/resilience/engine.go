package resilience

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Config is everything needed to construct an Engine.
type Config struct {
	Limiter LimiterConfig
	Retry   RetryPolicy

	// FatalKinds widens the classifier's fatal set beyond DefaultFatalKinds.
	FatalKinds []Kind
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Limiter: DefaultLimiterConfig(),
		Retry:   DefaultRetryPolicy(),
	}
}

// Validate checks both the limiter and the default retry policy.
func (c Config) Validate() error {
	if err := c.Limiter.Validate(); err != nil {
		return err
	}
	return c.Retry.Validate()
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithObserver routes engine telemetry to o.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithPauser replaces the backoff sleeper.
func WithPauser(p Pauser) Option {
	return func(e *Engine) {
		if p != nil {
			e.pauser = p
		}
	}
}

// WithJitterSource replaces the random source used for gate and backoff jitter.
func WithJitterSource(j JitterSource) Option {
	return func(e *Engine) {
		if j != nil {
			e.jitter = j
		}
	}
}

// WithClock sets the clock used for statistics.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine gates, retries and accounts for every outbound operation. Construct
// one per process and share it.
type Engine struct {
	cfg      Config
	limiter  *RateLimiter
	retry    *RetryExecutor
	stats    *StatsCollector
	logger   *zap.Logger
	observer Observer
	pauser   Pauser
	jitter   JitterSource
	now      func() time.Time
}

// New validates cfg and assembles an Engine.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.Limiter.Window == 0 {
		cfg.Limiter.Window = time.Minute
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		logger:   zap.NewNop(),
		observer: nopObserver{},
		pauser:   timerPauser{},
		jitter:   cryptoJitter,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	limiter, err := NewRateLimiter(cfg.Limiter, NewRegistry(), e.logger.Named("limiter"))
	if err != nil {
		return nil, err
	}
	limiter.jitter = e.jitter
	limiter.observer = e.observer

	retry := NewRetryExecutor(NewClassifier(cfg.FatalKinds...), e.logger.Named("retry"))
	retry.pauser = e.pauser
	retry.jitter = e.jitter
	retry.observer = e.observer

	e.limiter = limiter
	e.retry = retry
	e.stats = NewStatsCollector(e.now)
	return e, nil
}

// CallOption customizes a single Execute call.
type CallOption func(*call)

type call struct {
	policy RetryPolicy
	log    *TaskLog
}

// WithPolicy overrides the engine's default retry policy for one call.
func WithPolicy(p RetryPolicy) CallOption {
	return func(c *call) { c.policy = p }
}

// WithTaskLog records the call's failures into log.
func WithTaskLog(log *TaskLog) CallOption {
	return func(c *call) { c.log = log }
}

// Execute acquires domain's gate, runs op under the retry policy, records
// stats and releases the gate on every exit path. A failed acquire (ctx
// ended while waiting) is returned as-is and not counted in stats.
func (e *Engine) Execute(ctx context.Context, domain string, op Operation, opts ...CallOption) error {
	c := call{policy: e.cfg.Retry}
	for _, opt := range opts {
		opt(&c)
	}
	if c.log == nil {
		c.log = NewTaskLog("", e.logger)
	}
	if err := c.policy.Validate(); err != nil {
		c.log.LogError("retry policy rejected", err)
		return err
	}

	ticket, err := e.limiter.Acquire(ctx, domain)
	if err != nil {
		return err
	}
	defer e.limiter.Release(ticket)

	err = e.retry.run(ctx, ticket.Domain, op, c.policy, c.log)
	e.stats.RecordAttempt(ticket.Domain, ticket.Waited, err == nil)
	if err != nil {
		var execErr *ExecutionError
		if errors.As(err, &execErr) && execErr.Domain == "" {
			execErr.Domain = ticket.Domain
		}
	}
	return err
}

// Do is Execute for operations that produce a value.
func Do[T any](
	ctx context.Context,
	e *Engine,
	domain string,
	fn func(ctx context.Context) (T, error),
	opts ...CallOption,
) (T, error) {
	var out T
	err := e.Execute(ctx, domain, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Snapshot returns the current execution statistics.
func (e *Engine) Snapshot() ExecutionStats {
	return e.stats.Snapshot()
}

// ResetStats zeroes the execution statistics.
func (e *Engine) ResetStats() {
	e.stats.Reset()
}

// Domains returns the state of every domain gate seen so far.
func (e *Engine) Domains() []DomainSnapshot {
	return e.limiter.Domains()
}

// DefaultPolicy returns the policy used when a call does not override it.
func (e *Engine) DefaultPolicy() RetryPolicy {
	return e.cfg.Retry
}
