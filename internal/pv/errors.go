package pv

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Orchestrators classify failures with errors.Is against these.
var (
	// ErrValidation marks a malformed or incomplete request. Terminal.
	ErrValidation = errors.New("validation error")

	// ErrUnknownProfile marks a profile that names no known collection. Terminal.
	ErrUnknownProfile = errors.New("unknown profile")

	// ErrStagingIO marks a local filesystem problem while staging. Terminal
	// for the current message.
	ErrStagingIO = errors.New("staging I/O error")

	// ErrContainerFormat marks a broken container invariant, which is a defect.
	ErrContainerFormat = errors.New("container format error")

	// ErrUploadFailed means too many pillars failed to store a file. Terminal.
	ErrUploadFailed = errors.New("upload failed")

	// ErrRepositoryUnavailable means the repository could not be reached.
	// Orchestrators retry it a bounded number of times.
	ErrRepositoryUnavailable = errors.New("repository unavailable")

	// ErrChecksumMismatch means retrieved content did not match its expected
	// checksum. Terminal.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrTransport marks broker connectivity failures.
	ErrTransport = errors.New("transport error")

	// ErrDelivery marks a failed import delivery.
	ErrDelivery = errors.New("delivery failed")

	// ErrInFlight is returned when a request id already has an in-flight
	// state object.
	ErrInFlight = errors.New("request already in flight")

	// ErrNotFound is returned by pillars for absent files.
	ErrNotFound = errors.New("not found")
)

// PillarFailure records why one pillar did not acknowledge an operation.
type PillarFailure struct {
	PillarID string `json:"pillar_id"`
	Detail   string `json:"detail"`
	Err      error  `json:"-"`
}

// UploadError is returned when more pillars failed than the collection
// tolerates. It always matches ErrUploadFailed, and also matches
// ErrRepositoryUnavailable when every failure was a connectivity failure.
type UploadError struct {
	CollectionID string
	Required     int
	Acknowledged []string
	Failed       []PillarFailure
}

func (e *UploadError) Error() string {
	ids := e.FailedPillars()
	kind := ErrUploadFailed
	if e.Unavailable() {
		kind = ErrRepositoryUnavailable
	}
	return fmt.Sprintf("%v: collection %s: %d of %d required pillars acknowledged, failed pillars: %s",
		kind, e.CollectionID, len(e.Acknowledged), e.Required, strings.Join(ids, ", "))
}

func (e *UploadError) Unwrap() []error {
	if e.Unavailable() {
		return []error{ErrUploadFailed, ErrRepositoryUnavailable}
	}
	return []error{ErrUploadFailed}
}

// Unavailable reports whether every failed pillar was unreachable.
func (e *UploadError) Unavailable() bool {
	if len(e.Failed) == 0 {
		return false
	}
	for _, f := range e.Failed {
		if !errors.Is(f.Err, ErrRepositoryUnavailable) {
			return false
		}
	}
	return true
}

// FailedPillars returns the ids of the pillars that failed.
func (e *UploadError) FailedPillars() []string {
	ids := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		ids[i] = f.PillarID
	}
	return ids
}

var kinds = []error{
	ErrValidation, ErrUnknownProfile, ErrStagingIO, ErrContainerFormat,
	ErrUploadFailed, ErrRepositoryUnavailable, ErrChecksumMismatch,
	ErrTransport, ErrDelivery, ErrInFlight, ErrNotFound,
}

// Classified reports whether err belongs to one of the error kinds above.
// Anything else reaching an orchestrator is an internal failure.
func Classified(err error) bool {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}
