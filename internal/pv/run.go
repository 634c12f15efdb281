package pv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"preserve-go/internal/model"
)

// Run is the explicit context of one request flow. It is created when a
// flow starts or resumes and handed to every step; nothing about a flow is
// kept anywhere else in the process.
type Run struct {
	RequestID string
	EventID   string
	Kind      Kind
	Log       Logger
}

func newRun(base Logger, kind Kind, requestID, eventID string) *Run {
	return &Run{
		RequestID: requestID,
		EventID:   eventID,
		Kind:      kind,
		Log:       With(base, "kind", string(kind), "request_id", requestID, "event_id", eventID),
	}
}

// flow carries the persistence and reporting shared by both orchestrators.
// Every transition is persisted, journaled and published, in that order.
type flow struct {
	kind      Kind
	store     StateStore
	transport Transport
	staging   StagingArea
	clock     Clock
	logger    Logger

	respond func(st *RequestState) (queue string, msg model.Message)
}

// advance moves st into state. Persistence failures are returned; publish
// failures are logged since there is no channel left to report them on.
// Terminal states retire the live entry after publishing.
func (f *flow) advance(ctx context.Context, run *Run, st *RequestState, state State, detail string) error {
	st.State = state
	st.Detail = detail
	st.UpdatedAt = f.clock.Now()

	var persistErr error
	if err := f.store.Put(ctx, st); err != nil {
		persistErr = fmt.Errorf("persisting %s: %w", state, err)
		run.Log.Error("persisting state failed", "state", string(state), "error", err)
	}
	f.journal(ctx, run, st)
	f.publish(ctx, run, st)

	if state.IsTerminal() {
		f.retire(ctx, run)
	}
	return persistErr
}

// reject reports a request that never gets a live entry.
func (f *flow) reject(ctx context.Context, run *Run, st *RequestState, state State, detail string) {
	st.State = state
	st.Detail = detail
	st.UpdatedAt = f.clock.Now()
	if st.RequestID != "" {
		f.journal(ctx, run, st)
	}
	f.publish(ctx, run, st)
}

// refuse reports a request whose id belongs to another live flow. The
// journal under that id is left to the live flow.
func (f *flow) refuse(ctx context.Context, run *Run, st *RequestState, state State, detail string) {
	st.State = state
	st.Detail = detail
	st.UpdatedAt = f.clock.Now()
	f.publish(ctx, run, st)
}

// fail moves st into the failure state paired with state. Errors outside the
// known kinds become INTERNAL_FAILURE.
func (f *flow) fail(ctx context.Context, run *Run, st *RequestState, state State, cause error) error {
	failure := state.Failure()
	switch {
	case !Classified(cause):
		failure = StateInternalFailure
		run.Log.Error("internal failure", "state", string(state), "error", cause)
	case errors.Is(cause, ErrContainerFormat):
		run.Log.Error("container invariant violated", "state", string(state), "error", cause)
	default:
		run.Log.Warn("request failed", "state", string(failure), "error", cause)
	}
	if err := f.advance(ctx, run, st, failure, cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// recoverInternal turns a panic in a step into INTERNAL_FAILURE. Use as
// defer f.recoverInternal(ctx, run, st, &err).
func (f *flow) recoverInternal(ctx context.Context, run *Run, st *RequestState, err *error) {
	r := recover()
	if r == nil {
		return
	}
	*err = f.fail(ctx, run, st, StateInternalFailure, fmt.Errorf("internal error: %v", r))
}

func (f *flow) journal(ctx context.Context, run *Run, st *RequestState) {
	t := Transition{
		RequestID: st.RequestID,
		EventID:   st.EventID,
		Kind:      f.kind,
		State:     st.State,
		Detail:    st.Detail,
		At:        st.UpdatedAt,
	}
	if err := f.store.RecordTransition(ctx, t); err != nil {
		run.Log.Error("journaling transition failed", "state", string(st.State), "error", err)
	}
}

func (f *flow) publish(ctx context.Context, run *Run, st *RequestState) {
	queue, msg := f.respond(st)
	if queue == "" {
		run.Log.Warn("no response queue, state not published", "state", string(st.State))
		return
	}
	if err := f.transport.Publish(ctx, queue, msg); err != nil {
		run.Log.Error("publishing state failed", "state", string(st.State), "queue", queue, "error", err)
		return
	}
	run.Log.Info("state published", "state", string(st.State), "queue", queue)
}

func (f *flow) retire(ctx context.Context, run *Run) {
	if err := f.store.Delete(ctx, run.RequestID); err != nil {
		run.Log.Error("retiring state failed", "error", err)
	}
	if f.staging != nil {
		if err := f.staging.Remove(run.RequestID); err != nil {
			run.Log.Warn("removing staged files failed", "error", err)
		}
	}
}

// start claims the request id, resolves its event id and builds the run.
func (f *flow) start(ctx context.Context, inflight *InFlight, ids IDGenerator, requestID string) (*Run, func(), error) {
	release, err := inflight.Claim(requestID, f.kind)
	if err != nil {
		return nil, nil, err
	}
	eventID, err := f.store.EventID(ctx, requestID, ids.New)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("resolving event id: %w", err)
	}
	return newRun(f.logger, f.kind, requestID, eventID), release, nil
}

// retryUnavailable calls fn until it succeeds, fails with anything other than
// ErrRepositoryUnavailable, or attempts run out.
func retryUnavailable(ctx context.Context, run *Run, attempts int, delay time.Duration, what string, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, ErrRepositoryUnavailable) || attempt >= attempts {
			return err
		}
		run.Log.Warn("repository unavailable, retrying", "operation", what, "attempt", attempt, "of", attempts, "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
}
