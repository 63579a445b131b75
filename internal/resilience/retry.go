// Package resilience provides the hub's failure-handling primitives: an
// exponential-backoff retry policy, a periodic watchdog and a supervised
// goroutine wrapper.
package resilience

import (
	"log"
	"time"
)

// RetryPolicy computes exponential backoff delays for retried operations.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Factor     float64
	MaxDelay   time.Duration
}

// DefaultRetryPolicy matches the transport's send retry defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Base:       500 * time.Millisecond,
		Factor:     2.0,
		MaxDelay:   10 * time.Second,
	}
}

// Delay returns the backoff before attempt i (0-based):
// min(base * factor^i, maxDelay).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
	}
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	return time.Duration(d)
}

var retryLogger = log.New(log.Writer(), "[RETRY] ", log.LstdFlags)

// RetrySend invokes fn until it reports success or the attempts are
// exhausted, sleeping the policy delay between tries. A panic inside fn
// counts as a failure and is logged, never propagated.
func (p RetryPolicy) RetrySend(name string, fn func() bool) bool {
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(p.Delay(attempt - 1))
		}
		if callSafely(name, fn) {
			return true
		}
	}
	return false
}

func callSafely(name string, fn func() bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			retryLogger.Printf("⚠️  %s panicked: %v", name, r)
			ok = false
		}
	}()
	return fn()
}
