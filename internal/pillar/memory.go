package pillar

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"sync"

	"preserve-go/internal/digest"
	"preserve-go/internal/pv"
)

// MemoryPillar keeps files in memory. Failures can be injected, which makes
// it the pillar of choice for tolerance tests. Safe for concurrent use.
type MemoryPillar struct {
	id string

	mu          sync.RWMutex
	files       map[string][]byte
	unavailable bool
	putErr      error
	puts        int
}

var _ pv.Pillar = (*MemoryPillar)(nil)

func NewMemoryPillar(id string) *MemoryPillar {
	return &MemoryPillar{id: id, files: make(map[string][]byte)}
}

func (m *MemoryPillar) ID() string { return m.id }

// SetUnavailable makes every subsequent call fail with
// pv.ErrRepositoryUnavailable until it is reset.
func (m *MemoryPillar) SetUnavailable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = v
}

// FailPuts makes PutFile return err until it is called again with nil.
func (m *MemoryPillar) FailPuts(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putErr = err
}

// Corrupt flips the first byte of a stored file.
func (m *MemoryPillar) Corrupt(fileID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data := m.files[fileID]; len(data) > 0 {
		data[0] ^= 0xff
	}
}

// Files returns the sorted ids of the stored files.
func (m *MemoryPillar) Files() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.files))
	for id := range m.files {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Puts returns the number of PutFile calls that stored a file.
func (m *MemoryPillar) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

func (m *MemoryPillar) available() error {
	if m.unavailable {
		return fmt.Errorf("%w: pillar %s is offline", pv.ErrRepositoryUnavailable, m.id)
	}
	return nil
}

func (m *MemoryPillar) PutFile(ctx context.Context, fileID string, r io.Reader, size int64, checksum digest.Digest) error {
	if err := checkFileID(fileID); err != nil {
		return err
	}
	m.mu.RLock()
	err := m.available()
	if err == nil {
		err = m.putErr
	}
	m.mu.RUnlock()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := receive(&buf, r, size, checksum); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.files[fileID]; ok {
		if bytes.Equal(existing, buf.Bytes()) {
			return nil
		}
		return fmt.Errorf("%w: %s already stored with different content", pv.ErrUploadFailed, fileID)
	}
	m.files[fileID] = buf.Bytes()
	m.puts++
	return nil
}

func (m *MemoryPillar) get(fileID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.available(); err != nil {
		return nil, err
	}
	data, ok := m.files[fileID]
	if !ok {
		return nil, fmt.Errorf("%w: %s on pillar %s", pv.ErrNotFound, fileID, m.id)
	}
	return data, nil
}

func (m *MemoryPillar) GetFile(ctx context.Context, fileID string, w io.Writer) error {
	data, err := m.get(fileID)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", fileID, err)
	}
	return nil
}

func (m *MemoryPillar) GetFileRange(ctx context.Context, fileID string, offset, length int64, w io.Writer) error {
	data, err := m.get(fileID)
	if err != nil {
		return err
	}
	if err := checkRange(fileID, offset, length, int64(len(data))); err != nil {
		return err
	}
	if _, err := w.Write(data[offset : offset+length]); err != nil {
		return fmt.Errorf("writing %s: %w", fileID, err)
	}
	return nil
}

func (m *MemoryPillar) HasFile(ctx context.Context, fileID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.available(); err != nil {
		return false, err
	}
	_, ok := m.files[fileID]
	return ok, nil
}

func (m *MemoryPillar) ValidateSetup(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.available()
}
