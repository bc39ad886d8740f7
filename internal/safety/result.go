package safety

import (
	"errors"
	"fmt"
)

// ErrUnsafe marks content the classifier flagged.
var ErrUnsafe = errors.New("content flagged unsafe")

// JobStatus is the remote job state as reported by the service.
type JobStatus string

const (
	StatusInQueue    JobStatus = "IN_QUEUE"
	StatusInProgress JobStatus = "IN_PROGRESS"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
	StatusCancelled  JobStatus = "CANCELLED"
	StatusTimedOut   JobStatus = "TIMED_OUT"
)

// Terminal reports whether polling can stop. Unknown states are treated as
// terminal so a misbehaving service cannot pin a poller.
func (s JobStatus) Terminal() bool {
	return s != StatusInQueue && s != StatusInProgress && s != ""
}

// Outcome is the discriminant of a Result.
type Outcome string

const (
	OutcomeSafe    Outcome = "safe"
	OutcomeUnsafe  Outcome = "unsafe"
	OutcomeUnknown Outcome = "unknown"
	OutcomeSkipped Outcome = "skipped"
	OutcomeTimeout Outcome = "timeout"
	OutcomeError   Outcome = "error"
)

type Classification struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Result is the outcome of a content check. Only OutcomeUnsafe blocks; every
// other outcome lets the caller proceed.
type Result struct {
	Outcome        Outcome
	JobID          string
	Status         JobStatus
	Classification *Classification
	Err            error
}

func (r Result) Unsafe() bool { return r.Outcome == OutcomeUnsafe }

// Proceed reports whether the caller may continue past the check.
func (r Result) Proceed() bool { return !r.Unsafe() }

func (r Result) String() string {
	switch {
	case r.Classification != nil:
		return fmt.Sprintf("%s (%s %.2f)", r.Outcome, r.Classification.Label, r.Classification.Score)
	case r.Err != nil:
		return fmt.Sprintf("%s: %v", r.Outcome, r.Err)
	case r.Status != "":
		return fmt.Sprintf("%s (status %s)", r.Outcome, r.Status)
	default:
		return string(r.Outcome)
	}
}
