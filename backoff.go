package insureops

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// backoffPolicy produces reconnect delays. It grows geometrically from the
// base delay, never exceeds the ceiling and never gives up.
type backoffPolicy struct {
	exp     *backoff.ExponentialBackOff
	ceiling time.Duration
}

func newBackoffPolicy(cfg *RealtimeConfig) *backoffPolicy {
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(cfg.ReconnectBaseDelay),
		backoff.WithMaxInterval(cfg.ReconnectMaxDelay),
		backoff.WithMultiplier(cfg.ReconnectMultiplier),
		backoff.WithRandomizationFactor(cfg.ReconnectJitter),
		backoff.WithMaxElapsedTime(0),
	)
	return &backoffPolicy{exp: exp, ceiling: cfg.ReconnectMaxDelay}
}

// Next returns the delay before the next reconnect attempt and advances the
// policy.
func (b *backoffPolicy) Next() time.Duration {
	d := b.exp.NextBackOff()
	// MaxInterval caps the base interval only; jitter can push past it.
	if d > b.ceiling || d == backoff.Stop {
		d = b.ceiling
	}
	return d
}

// Reset restarts the sequence from the base delay.
func (b *backoffPolicy) Reset() {
	b.exp.Reset()
}
