package pv

import "context"

// StateStore is the durable mapping from request id to in-flight state,
// together with the correlation ids and the transition journal.
type StateStore interface {
	// Put creates or replaces the live entry for st.RequestID.
	Put(ctx context.Context, st *RequestState) error

	// Get returns the live entry, or nil if there is none.
	Get(ctx context.Context, requestID string) (*RequestState, error)

	// Delete retires the live entry. Deleting an absent entry is not an error.
	Delete(ctx context.Context, requestID string) error

	// ListOutstandingIDs returns the ids of all live entries, sorted.
	ListOutstandingIDs(ctx context.Context) ([]string, error)

	// EventID returns the correlation id of objectID, storing newID() as the
	// id on first use. Correlation ids outlive the live entries.
	EventID(ctx context.Context, objectID string, newID func() string) (string, error)

	// RecordTransition appends to the journal.
	RecordTransition(ctx context.Context, t Transition) error

	// History returns the journal of requestID, oldest first.
	History(ctx context.Context, requestID string) ([]Transition, error)

	// Cleanup removes everything. Used for teardown, not in production.
	Cleanup(ctx context.Context) error

	// Close releases the store.
	Close() error
}
