package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown or expired jobs.
	ErrNotFound = errors.New("not_found")
	// ErrNotReady is returned when a result is requested before the job is
	// terminal.
	ErrNotReady = errors.New("not_ready")
	// ErrInvalidTransition is returned when a write would break the
	// lifecycle order.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError reports malformed job input.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// FailedError is returned by GetResult for failed jobs.
type FailedError struct {
	JobID   string
	Reason  string
	Message string
}

func (e FailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("job %s failed: %s", e.JobID, e.Reason)
	}
	return fmt.Sprintf("job %s failed: %s: %s", e.JobID, e.Reason, e.Message)
}
