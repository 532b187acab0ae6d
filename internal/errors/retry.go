package errors

import (
	"context"
	"math/rand"
	"time"
)

// RetryController implements exponential backoff with jitter for retry logic.
type RetryController struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	maxRetries   int           // negative means bounded only by budget
	budget       time.Duration // zero means no time bound
}

type RetryOption func(*RetryController)

// WithMaxRetries caps the number of retries after the first attempt.
// A negative n leaves the count unbounded.
func WithMaxRetries(n int) RetryOption {
	return func(rc *RetryController) { rc.maxRetries = n }
}

// WithBudget stops retrying once another delay would exceed d since the first attempt.
func WithBudget(d time.Duration) RetryOption {
	return func(rc *RetryController) { rc.budget = d }
}

// NewRetryController creates a new retry controller.
// Default: initial delay 10ms, max delay 1s, max retries 5
func NewRetryController(opts ...RetryOption) *RetryController {
	rc := &RetryController{
		initialDelay: 10 * time.Millisecond,
		maxDelay:     1 * time.Second,
		maxRetries:   5,
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// Retry runs fn until it succeeds or returns an error the classifier does not
// allow retrying. It gives up with fn's last error when retries or budget run
// out, or when ctx is done.
func (rc *RetryController) Retry(ctx context.Context, fn func() error, classifier *Classifier) error {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !classifier.ShouldRetry(classifier.Classify(err)) {
			return err
		}
		if rc.maxRetries >= 0 && attempt >= rc.maxRetries {
			return err
		}

		delay := rc.calculateDelay(attempt)
		if rc.budget > 0 && time.Since(start)+delay > rc.budget {
			return err
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}

// calculateDelay is initialDelay * 2^attempt, capped at maxDelay, with ±25% jitter.
func (rc *RetryController) calculateDelay(attempt int) time.Duration {
	delay := rc.maxDelay
	if attempt < 30 {
		if d := rc.initialDelay * time.Duration(1<<uint(attempt)); d < delay {
			delay = d
		}
	}

	jitter := time.Duration(float64(delay) * 0.25 * (rand.Float64()*2 - 1))
	delay += jitter
	if delay < 0 {
		delay = rc.initialDelay
	}
	return delay
}
