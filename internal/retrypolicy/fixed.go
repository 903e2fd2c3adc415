package retrypolicy

import "time"

// FixedPolicy retries with a constant delay until maxRetries is reached.
type FixedPolicy struct {
	delay      time.Duration
	maxRetries int
	filter     Filter
}

var _ Policy = (*FixedPolicy)(nil)

// NewFixedPolicy returns a Policy that always waits delay between
// attempts, up to maxRetries failures. An optional filter narrows which
// errors are considered retryable at all.
func NewFixedPolicy(delay time.Duration, maxRetries int, filter Filter) *FixedPolicy {
	return &FixedPolicy{delay: delay, maxRetries: maxRetries, filter: filter}
}

func (p *FixedPolicy) ShouldRetry(err error) bool { return retryable(p.filter, err) }

func (p *FixedPolicy) NextDelay(_ int) time.Duration { return p.delay }

func (p *FixedPolicy) MaxRetries() int { return p.maxRetries }
