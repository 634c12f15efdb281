package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"preserve-go/internal/model"
	"preserve-go/internal/pv"
)

type envelope struct {
	typ     model.MessageType
	payload []byte
}

// MemoryTransport keeps queues in process. Payloads are encoded on publish and
// decoded on receive, so it exercises the same boundary as the broker.
type MemoryTransport struct {
	poll time.Duration

	mu     sync.Mutex
	queues map[string][]envelope
	closed bool

	// failures makes the next n operations fail with ErrTransport.
	failures int
}

var _ pv.Transport = (*MemoryTransport)(nil)

func NewMemoryTransport(poll time.Duration) *MemoryTransport {
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	return &MemoryTransport{
		poll:   poll,
		queues: make(map[string][]envelope),
	}
}

// FailNext makes the next n Publish or Receive calls fail with ErrTransport.
func (m *MemoryTransport) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

func (m *MemoryTransport) Publish(_ context.Context, queue string, msg model.Message) error {
	typ, payload, err := model.Encode(msg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.queues[queue] = append(m.queues[queue], envelope{typ: typ, payload: payload})
	return nil
}

// PublishRaw enqueues a payload as-is, bypassing encoding.
func (m *MemoryTransport) PublishRaw(queue string, typ model.MessageType, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[queue] = append(m.queues[queue], envelope{typ: typ, payload: append([]byte(nil), payload...)})
}

func (m *MemoryTransport) Receive(ctx context.Context, queue string) (model.Message, error) {
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		env, ok, err := m.pop(queue)
		if err != nil {
			return nil, err
		}
		if ok {
			return model.Decode(env.typ, env.payload), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *MemoryTransport) pop(queue string) (envelope, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return envelope{}, false, err
	}
	q := m.queues[queue]
	if len(q) == 0 {
		return envelope{}, false, nil
	}
	env := q[0]
	m.queues[queue] = q[1:]
	return env, true, nil
}

func (m *MemoryTransport) check() error {
	if m.closed {
		return fmt.Errorf("%w: transport closed", pv.ErrTransport)
	}
	if m.failures > 0 {
		m.failures--
		return fmt.Errorf("%w: injected failure", pv.ErrTransport)
	}
	return nil
}

// Len reports how many messages wait on queue.
func (m *MemoryTransport) Len(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queue])
}

// Drain removes and decodes every message waiting on queue.
func (m *MemoryTransport) Drain(queue string) []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Message
	for _, env := range m.queues[queue] {
		out = append(out, model.Decode(env.typ, env.payload))
	}
	delete(m.queues, queue)
	return out
}

func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
