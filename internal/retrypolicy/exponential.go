package retrypolicy

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ExponentialPolicy implements delay = min(initialDelay * multiplier^(n-1), maxDelay)
// using cenkalti/backoff's ExponentialBackOff to drive the curve rather
// than hand-rolling the power series.
type ExponentialPolicy struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	maxRetries   int
	filter       Filter
}

var _ Policy = (*ExponentialPolicy)(nil)

// NewExponentialPolicy returns an exponential-backoff Policy.
func NewExponentialPolicy(initialDelay, maxDelay time.Duration, multiplier float64, maxRetries int, filter Filter) *ExponentialPolicy {
	return &ExponentialPolicy{
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		multiplier:   multiplier,
		maxRetries:   maxRetries,
		filter:       filter,
	}
}

func (p *ExponentialPolicy) ShouldRetry(err error) bool { return retryable(p.filter, err) }

func (p *ExponentialPolicy) NextDelay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return p.initialDelay
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialDelay
	b.MaxInterval = p.maxDelay
	b.Multiplier = p.multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // never let the clock cap attempts; the caller owns maxRetries
	b.Reset()

	var delay time.Duration
	for i := 0; i < retryCount; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (p *ExponentialPolicy) MaxRetries() int { return p.maxRetries }
