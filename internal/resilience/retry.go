package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// Operation is one unit of network-bound work. It may be invoked several times.
type Operation func(ctx context.Context) error

// RetryPolicy bounds how an operation is retried. Attempts are 1-indexed.
type RetryPolicy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	ExponentialBase   float64
	Jitter            bool
	NonRetryableKinds []Kind
}

// DefaultRetryPolicy allows three attempts with 1s, 2s backoff capped at 60s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        time.Minute,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

// Validate reports the first invalid field.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return &ConfigError{Field: "max_attempts", Reason: "must be >= 1"}
	case p.BaseDelay < 0:
		return &ConfigError{Field: "base_delay", Reason: "must be >= 0"}
	case p.MaxDelay < p.BaseDelay:
		return &ConfigError{Field: "max_delay", Reason: "must be >= base_delay"}
	case p.ExponentialBase < 1:
		return &ConfigError{Field: "exponential_base", Reason: "must be >= 1"}
	}
	return nil
}

// Delay returns min(MaxDelay, BaseDelay * ExponentialBase^(attempt-1)) before jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(p.BaseDelay) * math.Pow(p.ExponentialBase, float64(attempt-1))
	if math.IsInf(raw, 0) || math.IsNaN(raw) || raw >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(raw)
}

func (p RetryPolicy) excludes(kind Kind) bool {
	for _, k := range p.NonRetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// RetryExecutor runs operations under a RetryPolicy.
type RetryExecutor struct {
	classifier *Classifier
	pauser     Pauser
	jitter     JitterSource
	observer   Observer
	logger     *zap.Logger
}

// NewRetryExecutor builds an executor. A nil classifier uses the default fatal set.
func NewRetryExecutor(classifier *Classifier, logger *zap.Logger) *RetryExecutor {
	if classifier == nil {
		classifier = NewClassifier()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryExecutor{
		classifier: classifier,
		pauser:     timerPauser{},
		jitter:     cryptoJitter,
		observer:   nopObserver{},
		logger:     logger,
	}
}

// Run executes op until it succeeds, fails fatally or exhausts the policy.
// Every failure is recorded in log before the next attempt or before Run
// returns. The returned error is an *ExecutionError.
func (r *RetryExecutor) Run(ctx context.Context, op Operation, policy RetryPolicy, log *TaskLog) error {
	return r.run(ctx, "", op, policy, log)
}

func (r *RetryExecutor) run(ctx context.Context, domain string, op Operation, policy RetryPolicy, log *TaskLog) error {
	if err := policy.Validate(); err != nil {
		log.LogError("retry policy rejected", err)
		return err
	}
	if op == nil {
		err := Tag(KindInvalidArgument, errors.New("nil operation"))
		log.LogError("operation rejected", err)
		return &ExecutionError{Domain: domain, Attempts: 0, Kind: KindInvalidArgument, Verdict: Fatal, Err: err}
	}

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			r.observer.ObserveOutcome(domain, true, attempt)
			if attempt > 1 {
				r.logger.Info("operation succeeded after retry",
					zap.String("domain", domain),
					zap.Int("attempt", attempt),
				)
			}
			return nil
		}

		kind, verdict := r.verdict(ctx, err, policy)
		log.LogError(fmt.Sprintf("attempt %d/%d failed", attempt, policy.MaxAttempts), err)
		r.observer.ObserveAttempt(domain, kind, verdict)

		if verdict == Fatal || attempt >= policy.MaxAttempts {
			r.observer.ObserveOutcome(domain, false, attempt)
			r.logger.Warn("operation failed",
				zap.String("domain", domain),
				zap.Int("attempt", attempt),
				zap.String("kind", string(kind)),
				zap.Stringer("verdict", verdict),
				zap.Error(err),
			)
			return &ExecutionError{Domain: domain, Attempts: attempt, Kind: kind, Verdict: verdict, Err: err}
		}

		delay := r.backoff(policy, attempt)
		r.logger.Debug("retrying operation",
			zap.String("domain", domain),
			zap.Int("attempt", attempt),
			zap.String("kind", string(kind)),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if perr := r.pauser.Pause(ctx, delay); perr != nil {
			log.LogError("backoff canceled", perr)
			r.observer.ObserveOutcome(domain, false, attempt)
			return &ExecutionError{
				Domain:   domain,
				Attempts: attempt,
				Kind:     KindCanceled,
				Verdict:  Fatal,
				Err:      errors.Join(perr, err),
			}
		}
	}
}

// verdict combines the classifier, the policy's exclusions and the caller's
// context. Policy exclusions can only turn retryable into fatal.
func (r *RetryExecutor) verdict(ctx context.Context, err error, policy RetryPolicy) (Kind, Verdict) {
	kind := KindOf(err)
	if ctx.Err() != nil {
		return KindCanceled, Fatal
	}
	verdict := r.classifier.ClassifyKind(kind)
	if verdict == Retryable && policy.excludes(kind) {
		verdict = Fatal
	}
	return kind, verdict
}

func (r *RetryExecutor) backoff(policy RetryPolicy, attempt int) time.Duration {
	delay := policy.Delay(attempt)
	if policy.Jitter {
		return r.jitter(delay)
	}
	return delay
}
