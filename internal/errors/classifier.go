package errors

import (
	"context"
	"errors"
)

// ErrorCategory tells a caller what it can do about an error.
type ErrorCategory int

const (
	ErrorRecoverable ErrorCategory = iota // Re-read and re-apply, or abandon
	ErrorTransient                        // Retry the whole transaction later
	ErrorProgramming                      // Caller bug - never retried
	ErrorPermanent                        // Anything else
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrorRecoverable:
		return "recoverable"
	case ErrorTransient:
		return "transient"
	case ErrorProgramming:
		return "programming"
	default:
		return "permanent"
	}
}

// Classifier categorizes errors returned by sessions and conversations.
type Classifier struct{}

// NewClassifier creates a new error classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify determines the category of an error.
func (c *Classifier) Classify(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorPermanent
	case errors.Is(err, ErrVersionConflict):
		return ErrorRecoverable
	case errors.Is(err, ErrLockTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorTransient
	case errors.Is(err, ErrInvalidSessionState), errors.Is(err, ErrRecordAttached),
		errors.Is(err, ErrRecordDetached), errors.Is(err, ErrConversationState):
		return ErrorProgramming
	}
	return ErrorPermanent
}

// ShouldRetry returns true if the category allows retrying the transaction.
// The core never retries on its own; this is advice for drivers.
func (c *Classifier) ShouldRetry(category ErrorCategory) bool {
	return category == ErrorTransient
}
