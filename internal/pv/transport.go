package pv

import (
	"context"

	"preserve-go/internal/model"
)

// Transport is a durable named-queue publish/consume abstraction.
// Connectivity failures are reported as ErrTransport; implementations make at
// most one reconnect attempt per operation.
type Transport interface {
	// Publish enqueues msg on queue.
	Publish(ctx context.Context, queue string, msg model.Message) error

	// Receive blocks, polling with back-off, until a message arrives on queue
	// or ctx is done. Payloads are decoded once here; malformed payloads come
	// back as *model.Undecodable.
	Receive(ctx context.Context, queue string) (model.Message, error)

	// Close releases the connection.
	Close() error
}
