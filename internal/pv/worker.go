package pv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"preserve-go/internal/model"
)

// Handler is an orchestrator as seen by its worker loop.
type Handler interface {
	Kind() Kind
	Handle(ctx context.Context, msg model.Message) error
	Resume(ctx context.Context, st *RequestState) error
}

var (
	_ Handler = (*PreservationOrchestrator)(nil)
	_ Handler = (*ImportOrchestrator)(nil)
)

// DefaultBackoff is the pause after a failed receive.
const DefaultBackoff = 2 * time.Second

// Worker is the single-threaded loop of one orchestrator: it receives a
// message, handles it to completion, and only then receives again.
type Worker struct {
	queue     string
	transport Transport
	store     StateStore
	handler   Handler
	logger    Logger
	backoff   time.Duration
}

func NewWorker(queue string, transport Transport, store StateStore, handler Handler, logger Logger, backoff time.Duration) *Worker {
	if logger == nil {
		logger = NewNopLogger()
	}
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	return &Worker{
		queue:     queue,
		transport: transport,
		store:     store,
		handler:   handler,
		logger:    With(logger, "worker", string(handler.Kind()), "queue", queue),
		backoff:   backoff,
	}
}

// Run resumes outstanding requests and then serves the queue until a
// shutdown message arrives (nil) or ctx is done (ctx.Err()). A message that
// was already received is always handled to completion, even if ctx is
// cancelled meanwhile.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Resume(ctx); err != nil {
		w.logger.Error("resuming outstanding requests failed", "error", err)
	}
	w.logger.Info("worker started")
	for {
		msg, err := w.transport.Receive(ctx, w.queue)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopped", "reason", ctx.Err())
				return ctx.Err()
			}
			if errors.Is(err, ErrTransport) {
				w.logger.Error("receive failed, backing off", "error", err, "backoff", w.backoff)
			} else {
				w.logger.Error("unexpected receive error, backing off", "error", err, "backoff", w.backoff)
			}
			if !sleep(ctx, w.backoff) {
				return ctx.Err()
			}
			continue
		}

		if s, ok := msg.(*model.Shutdown); ok {
			w.logger.Info("shutdown received, worker stopping", "reason", s.Reason)
			return nil
		}
		w.dispatch(context.WithoutCancel(ctx), msg)
	}
}

// Resume continues every outstanding request of this worker's kind, in
// request id order.
func (w *Worker) Resume(ctx context.Context) error {
	ids, err := w.store.ListOutstandingIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing outstanding requests: %w", err)
	}
	for _, id := range ids {
		st, err := w.store.Get(ctx, id)
		if err != nil {
			w.logger.Error("loading outstanding request failed", "request_id", id, "error", err)
			continue
		}
		if st == nil || st.Kind != w.handler.Kind() {
			continue
		}
		w.guard(id, func() error { return w.handler.Resume(ctx, st) })
	}
	return nil
}

func (w *Worker) dispatch(ctx context.Context, msg model.Message) {
	w.guard("", func() error { return w.handler.Handle(ctx, msg) })
}

// guard runs fn and keeps the loop alive whatever happens inside it.
// Orchestrators turn panics into INTERNAL_FAILURE themselves once a state
// exists; this catches the rest.
func (w *Worker) guard(requestID string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panicked", "request_id", requestID, "panic", fmt.Sprint(r))
		}
	}()
	if err := fn(); err != nil {
		w.logger.Warn("message ended in failure", "request_id", requestID, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
