package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"preserve-go/internal/pv"
)

// MemoryStateStore keeps everything in maps. Entries are stored as JSON so
// callers never share pointers with the store, as with the durable stores.
type MemoryStateStore struct {
	mu      sync.Mutex
	states  map[string][]byte
	events  map[string]string
	journal map[string][]pv.Transition
}

var _ pv.StateStore = (*MemoryStateStore)(nil)

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		states:  make(map[string][]byte),
		events:  make(map[string]string),
		journal: make(map[string][]pv.Transition),
	}
}

func (m *MemoryStateStore) Put(ctx context.Context, st *pv.RequestState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding state of %s: %w", st.RequestID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.RequestID] = data
	return nil
}

func (m *MemoryStateStore) Get(ctx context.Context, requestID string) (*pv.RequestState, error) {
	m.mu.Lock()
	data, ok := m.states[requestID]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var st pv.RequestState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding state of %s: %w", requestID, err)
	}
	return &st, nil
}

func (m *MemoryStateStore) Delete(ctx context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, requestID)
	return nil
}

func (m *MemoryStateStore) ListOutstandingIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *MemoryStateStore) EventID(ctx context.Context, objectID string, newID func() string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.events[objectID]; ok {
		return id, nil
	}
	id := newID()
	m.events[objectID] = id
	return id, nil
}

func (m *MemoryStateStore) RecordTransition(ctx context.Context, t pv.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal[t.RequestID] = append(m.journal[t.RequestID], t)
	return nil
}

func (m *MemoryStateStore) History(ctx context.Context, requestID string) ([]pv.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.journal[requestID]), nil
}

func (m *MemoryStateStore) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.states)
	clear(m.events)
	clear(m.journal)
	return nil
}

func (m *MemoryStateStore) Close() error { return nil }
