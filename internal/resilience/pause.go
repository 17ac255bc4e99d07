package resilience

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// Pauser suspends the caller between retry attempts.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration) error
}

type timerPauser struct{}

// Pause blocks for delay or until ctx is done.
func (timerPauser) Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// JitterSource draws a duration uniformly from [0, limit].
type JitterSource func(limit time.Duration) time.Duration

func cryptoJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)+1))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}
