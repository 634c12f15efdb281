package pv

import (
	"fmt"
	"sync"
)

// InFlight is the registry of request ids currently held by a worker. It
// keeps two workers from holding state objects for the same id at once.
type InFlight struct {
	mu  sync.Mutex
	ids map[string]Kind
}

func NewInFlight() *InFlight {
	return &InFlight{ids: make(map[string]Kind)}
}

// Claim takes the id for kind. The returned release function gives it back.
func (f *InFlight) Claim(requestID string, kind Kind) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if holder, ok := f.ids[requestID]; ok {
		return nil, fmt.Errorf("%w: %s (held by %s)", ErrInFlight, requestID, holder)
	}
	f.ids[requestID] = kind
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.ids, requestID)
			f.mu.Unlock()
		})
	}, nil
}

// Held reports whether requestID is currently claimed.
func (f *InFlight) Held(requestID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.ids[requestID]
	return ok
}
