package pv

import (
	"strings"
	"time"

	"preserve-go/internal/model"
	"preserve-go/internal/warc"
)

// Kind says which orchestrator owns a request.
type Kind string

const (
	KindPreservation Kind = "preservation"
	KindImport       Kind = "import"
)

// State is a state machine tag. Every state has a paired "_FAILURE" state.
type State string

// Preservation states.
const (
	StateReceived          State = "RECEIVED"
	StateValidated         State = "VALIDATED"
	StateMetadataPackaged  State = "METADATA_PACKAGED"
	StateContainerUploaded State = "CONTAINER_UPLOADED"
)

// Import states.
const (
	StateRequestReceivedAndValidated State = "REQUEST_RECEIVED_AND_VALIDATED"
	StateRetrievalInitiated          State = "RETRIEVAL_FROM_REPOSITORY_INITIATED"
	StateDeliveryInitiated           State = "DELIVERY_INITIATED"
)

// Shared states.
const (
	StateFinished        State = "FINISHED"
	StateInternalFailure State = "INTERNAL_FAILURE"
)

const failureSuffix = "_FAILURE"

// Failure returns the failure state paired with s.
func (s State) Failure() State {
	if s.IsFailure() {
		return s
	}
	return s + failureSuffix
}

// IsFailure reports whether s is a failure state.
func (s State) IsFailure() bool {
	return strings.HasSuffix(string(s), failureSuffix)
}

// IsTerminal reports whether no further transition follows s.
func (s State) IsTerminal() bool {
	return s == StateFinished || s.IsFailure()
}

// Artifacts are the locally staged files of a request.
type Artifacts struct {
	Content   *StagedFile `json:"content,omitempty"`
	Metadata  *StagedFile `json:"metadata,omitempty"`
	Container string      `json:"container,omitempty"`
}

// RequestState is the persisted in-flight state of one request. It is
// mutated once per transition by its owning orchestrator.
type RequestState struct {
	RequestID string `json:"request_id"`
	Kind      Kind   `json:"kind"`
	State     State  `json:"state"`
	EventID   string `json:"event_id"`
	Detail    string `json:"detail,omitempty"`

	Preservation *model.PreservationRequest `json:"preservation,omitempty"`
	Import       *model.ImportRequest       `json:"import,omitempty"`

	ContainerID string           `json:"container_id,omitempty"`
	Artifacts   Artifacts        `json:"artifacts"`
	Records     []warc.RecordRef `json:"records,omitempty"`
	Upload      *UploadOutcome   `json:"upload,omitempty"`
	Delivery    *DeliveryReceipt `json:"delivery,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transition is one journal entry: a state a request entered.
type Transition struct {
	RequestID string    `json:"request_id"`
	EventID   string    `json:"event_id"`
	Kind      Kind      `json:"kind"`
	State     State     `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}
