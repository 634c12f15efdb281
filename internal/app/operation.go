package app

import (
	"time"
)

// Operation tracks one CLI invocation. Its RunID tags every log line the
// invocation writes; the status is logged when the App closes.
type Operation struct {
	RunID      string
	Name       string
	Parameters string
	Status     string // "running", "success" or "error"
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// NewOperation creates a running operation started at now.
func NewOperation(name, parameters string, now time.Time) *Operation {
	return &Operation{
		RunID:      now.UTC().Format("20060102T150405Z"),
		Name:       name,
		Parameters: parameters,
		Status:     "running",
		StartedAt:  now,
	}
}

// Finish records the outcome. Only the first call counts.
func (op *Operation) Finish(err error, now time.Time) {
	if op.Finished() {
		return
	}
	op.FinishedAt = now
	op.Err = err
	if err != nil {
		op.Status = "error"
	} else {
		op.Status = "success"
	}
}

// Finished reports whether Finish has been called.
func (op *Operation) Finished() bool {
	return !op.FinishedAt.IsZero()
}

// Duration is the running time of a finished operation, or zero.
func (op *Operation) Duration() time.Duration {
	if !op.Finished() {
		return 0
	}
	return op.FinishedAt.Sub(op.StartedAt)
}
