// Package retrypolicy implements the Retry Policy component (section 4.8):
// built-in fixed, exponential, and jittered policies deciding whether a
// failed record should be retried and how long to wait before the next
// attempt.
package retrypolicy

import "time"

// Policy decides, per handler failure, whether to retry and how long to
// wait before the next attempt.
type Policy interface {
	// ShouldRetry reports whether err is worth retrying at all, independent
	// of how many attempts remain.
	ShouldRetry(err error) bool
	// NextDelay returns the wait before the (retryCount+1)-th attempt.
	NextDelay(retryCount int) time.Duration
	// MaxRetries is the number of failures tolerated before a record is
	// marked FAILED.
	MaxRetries() int
}

// Filter optionally classifies an error as retryable. A nil Filter
// retries everything (the common case); spec section 4.8 allows a policy
// to filter by error kind via an include/exclude list, which callers
// express by supplying a Filter.
type Filter func(err error) bool

func retryable(filter Filter, err error) bool {
	if err == nil {
		return false
	}
	if filter == nil {
		return true
	}
	return filter(err)
}
