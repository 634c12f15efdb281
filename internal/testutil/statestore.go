package testutil

import (
	"testing"

	"preserve-go/internal/pv"
	"preserve-go/internal/statestore"
)

// NewTestStateStore opens an in-memory sqlite state store with migrations
// applied. It is closed when the test completes.
func NewTestStateStore(t *testing.T, clock pv.Clock) *statestore.SQLiteStateStore {
	t.Helper()
	s, err := statestore.NewSQLiteStateStore(":memory:", clock)
	if err != nil {
		t.Fatalf("failed to open state store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
