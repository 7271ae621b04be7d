package workflow

import "time"

// RetryPolicy configures an Action step's retry behavior. Unlike
// graph.RetryPolicy's exponential backoff (tuned for low-level node
// infrastructure retries), this uses linear backoff (delay*attempt),
// grounded on engine.py's
// `asyncio.sleep(retry_delay * (attempt + 1))`.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy matches engine.py's `{"max_retries": 3, "delay": 1}`.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Delay: time.Second}

// backoff returns the linear delay before the given zero-based attempt
// (the attempt that just failed).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	return p.Delay * time.Duration(attempt+1)
}

func (p RetryPolicy) orDefault() RetryPolicy {
	if p.MaxAttempts <= 0 {
		return DefaultRetryPolicy
	}
	return p
}
