package jobs

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a job, step, or progress row does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned by compare-and-set updates when the row was
// modified since it was read.
var ErrVersionConflict = errors.New("version conflict")

// ErrCancellationRequested signals a cooperative stop. Workers observing it
// finish at the current boundary and the job ends CANCELLED, not FAILED.
var ErrCancellationRequested = errors.New("cancellation requested")

// ValidationError reports bad job configuration. It is rejected at creation
// time and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid config: " + e.Reason
	}
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError reports an illegal status transition attempt.
type InvalidTransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.JobID, e.From, e.To)
}
