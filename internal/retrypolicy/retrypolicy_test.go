package retrypolicy

import (
	"errors"
	"testing"
	"time"
)

func TestFixedPolicy(t *testing.T) {
	p := NewFixedPolicy(2*time.Second, 5, nil)

	if got := p.NextDelay(1); got != 2*time.Second {
		t.Errorf("NextDelay(1) = %v, want 2s", got)
	}
	if got := p.NextDelay(4); got != 2*time.Second {
		t.Errorf("NextDelay(4) = %v, want 2s", got)
	}
	if p.MaxRetries() != 5 {
		t.Errorf("MaxRetries() = %d, want 5", p.MaxRetries())
	}
	if !p.ShouldRetry(errors.New("boom")) {
		t.Error("ShouldRetry(err) = false, want true")
	}
	if p.ShouldRetry(nil) {
		t.Error("ShouldRetry(nil) = true, want false")
	}
}

func TestFixedPolicyFilter(t *testing.T) {
	sentinel := errors.New("retryable")
	filter := func(err error) bool { return errors.Is(err, sentinel) }
	p := NewFixedPolicy(time.Second, 3, filter)

	if !p.ShouldRetry(sentinel) {
		t.Error("expected sentinel to be retryable")
	}
	if p.ShouldRetry(errors.New("other")) {
		t.Error("expected unrelated error to not be retryable")
	}
}

func TestExponentialPolicyCurve(t *testing.T) {
	p := NewExponentialPolicy(100*time.Millisecond, 1*time.Second, 2.0, 10, nil)

	want := []time.Duration{
		100 * time.Millisecond, // retryCount=0 special-cased to initialDelay
		100 * time.Millisecond, // retryCount=1
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1 * time.Second, // capped at maxDelay
	}

	for n, w := range want {
		got := p.NextDelay(n)
		if got != w {
			t.Errorf("NextDelay(%d) = %v, want %v", n, got, w)
		}
	}
}

func TestExponentialPolicyIsPure(t *testing.T) {
	p := NewExponentialPolicy(50*time.Millisecond, 5*time.Second, 3.0, 8, nil)

	first := p.NextDelay(3)
	second := p.NextDelay(3)
	if first != second {
		t.Errorf("NextDelay(3) not stable across calls: %v vs %v", first, second)
	}
}

func TestJitteredPolicyBounds(t *testing.T) {
	base := NewFixedPolicy(1*time.Second, 5, nil)
	jitter := 200 * time.Millisecond
	p := NewJitteredPolicy(base, jitter)

	for i := 0; i < 50; i++ {
		got := p.NextDelay(1)
		if got < 1*time.Second || got >= 1*time.Second+jitter {
			t.Fatalf("NextDelay = %v, want in [1s, 1.2s)", got)
		}
	}

	if p.MaxRetries() != base.MaxRetries() {
		t.Errorf("MaxRetries() = %d, want delegated %d", p.MaxRetries(), base.MaxRetries())
	}
}

func TestJitteredPolicyZeroJitter(t *testing.T) {
	base := NewFixedPolicy(3*time.Second, 5, nil)
	p := NewJitteredPolicy(base, 0)

	if got := p.NextDelay(1); got != 3*time.Second {
		t.Errorf("NextDelay(1) = %v, want 3s with zero jitter", got)
	}
}

func TestJitteredPolicyDelegatesShouldRetry(t *testing.T) {
	sentinel := errors.New("retryable")
	filter := func(err error) bool { return errors.Is(err, sentinel) }
	base := NewFixedPolicy(time.Second, 3, filter)
	p := NewJitteredPolicy(base, 10*time.Millisecond)

	if !p.ShouldRetry(sentinel) {
		t.Error("expected sentinel to be retryable through wrapper")
	}
	if p.ShouldRetry(errors.New("other")) {
		t.Error("expected unrelated error to not be retryable through wrapper")
	}
}
