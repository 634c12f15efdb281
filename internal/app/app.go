package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"preserve-go/internal/auth"
	"preserve-go/internal/bitrepo"
	"preserve-go/internal/config"
	"preserve-go/internal/delivery"
	"preserve-go/internal/digest"
	"preserve-go/internal/encryption"
	"preserve-go/internal/metadata"
	"preserve-go/internal/model"
	"preserve-go/internal/pv"
	"preserve-go/internal/staging"
	"preserve-go/internal/statestore"
	"preserve-go/internal/transport"
)

// App is the application layer between the CLI and the orchestrators. It
// builds every dependency from config, exposes the CLI operations, and
// releases resources on Close. The transport and the repository are only
// opened by the operations that need them.
type App struct {
	cfg     *config.Config
	op      *Operation
	clock   pv.Clock
	logger  pv.Logger
	logFile *os.File
	store   pv.StateStore
	staging *staging.FileSystemStagingArea

	passphrase func(prompt string) (string, error)

	transport pv.Transport
	repo      *bitrepo.Client
	unlocked  bool
}

// Option customizes an App.
type Option func(*App)

// WithPassphrase replaces the source of the key passphrase.
func WithPassphrase(fn func(prompt string) (string, error)) Option {
	return func(a *App) { a.passphrase = fn }
}

// NewApp creates an App from the given config. operation names the CLI
// command being run. The caller must call Close when done.
func NewApp(cfg *config.Config, operation string, opts ...Option) (*App, error) {
	clock := pv.RealClock{}
	op := NewOperation(operation, "", clock.Now())

	l, logFile, err := newLogger(cfg.LogDir, op.RunID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := pv.With(&slogAdapter{l: l}, "host", cfg.HostID)

	store, err := statestore.NewStateStoreFromConfig(cfg.StateStore, cfg.HostID, clock)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating state store: %w", err)
	}
	if s, ok := store.(*statestore.SQLiteStateStore); ok {
		if err := s.CheckMigrations(); err != nil {
			store.Close()
			logFile.Close()
			return nil, fmt.Errorf("state store schema out of date: %w", err)
		}
	}

	sa, err := staging.NewStagingAreaFromConfig(cfg.Staging, cfg.Digest, logger)
	if err != nil {
		store.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating staging area: %w", err)
	}

	a := &App{
		cfg:        cfg,
		op:         op,
		clock:      clock,
		logger:     logger,
		logFile:    logFile,
		store:      store,
		staging:    sa,
		passphrase: ReadPassphrase,
	}
	for _, opt := range opts {
		opt(a)
	}
	logger.Info("operation started", "operation", operation)
	return a, nil
}

// record notes a failed operation for the closing log line.
func (a *App) record(err error) error {
	if err != nil && a.op.Err == nil {
		a.op.Err = err
	}
	return err
}

func (a *App) openTransport(ctx context.Context) (pv.Transport, error) {
	if a.transport != nil {
		return a.transport, nil
	}
	t, err := transport.NewTransportFromConfig(ctx, a.cfg.Transport, a.logger)
	if err != nil {
		return nil, fmt.Errorf("creating transport: %w", err)
	}
	a.transport = t
	return t, nil
}

// openRepository builds the bit-repository client. Reading encrypted pillars
// needs the private key, so unlock asks for the passphrase when any pillar
// is encrypted.
func (a *App) openRepository(ctx context.Context, unlock bool) (*bitrepo.Client, error) {
	if a.repo != nil && (a.unlocked || !unlock) {
		return a.repo, nil
	}

	var enc pv.Encryptor
	var dec pv.Decryptor
	if a.hasEncryptedPillars() {
		e, err := encryption.NewEncryptorFromConfig(a.cfg.Encryption)
		if err != nil {
			return nil, fmt.Errorf("creating encryptor: %w", err)
		}
		if !e.IsConfigured() {
			return nil, errors.New("encrypted pillars configured but no key pair found: run 'pv keys init'")
		}
		enc = e
		if unlock {
			pass, err := a.passphrase("Key passphrase: ")
			if err != nil {
				return nil, err
			}
			if dec, err = e.Unlock(pass); err != nil {
				return nil, fmt.Errorf("unlocking private key: %w", err)
			}
		}
	}

	repo, err := bitrepo.NewClientFromConfig(ctx, a.cfg, enc, dec, a.logger)
	if err != nil {
		return nil, fmt.Errorf("creating repository client: %w", err)
	}
	a.repo = repo
	a.unlocked = unlock
	return repo, nil
}

func (a *App) hasEncryptedPillars() bool {
	for _, c := range a.cfg.Collections {
		for _, p := range c.Pillars {
			if p.Encrypted {
				return true
			}
		}
	}
	return false
}

// workers builds the preservation and import workers over one shared
// in-flight registry.
func (a *App) workers(ctx context.Context) ([]*pv.Worker, error) {
	t, err := a.openTransport(ctx)
	if err != nil {
		return nil, err
	}
	repo, err := a.openRepository(ctx, true)
	if err != nil {
		return nil, err
	}

	deps := pv.Deps{
		Store:      a.store,
		Transport:  t,
		Repository: repo,
		Staging:    a.staging,
		Metadata:   metadata.NewRenderer(a.logger),
		Deliverer:  delivery.NewDelivererFromConfig(a.cfg.Import, a.logger),
		Tokens:     auth.NewVerifierFromConfig(a.cfg.Import),
		InFlight:   pv.NewInFlight(),
		Logger:     a.logger,
		Clock:      a.clock,
		IDs:        pv.UUIDGenerator{},
	}
	retry := a.cfg.Retry

	preservation := pv.NewPreservationOrchestrator(pv.PreservationConfig{
		DigestAlgorithm: a.cfg.Digest.Algorithm,
		DigestEncoding:  digest.Encoding(a.cfg.Digest.Encoding),
		Compress:        a.cfg.Container.Compress,
		UploadAttempts:  retry.UploadAttempts,
		RetryDelay:      retry.Delay.Duration,
		Software:        a.cfg.Container.Software,
		Host:            a.cfg.HostID,
	}, deps)
	importer := pv.NewImportOrchestrator(pv.ImportConfig{
		ResponseQueue:     a.cfg.Transport.ImportResponseQueue,
		RetrievalAttempts: retry.RetrievalAttempts,
		RetryDelay:        retry.Delay.Duration,
		Compress:          a.cfg.Container.Compress,
	}, deps)

	backoff := retry.ReceiveBackoff.Duration
	return []*pv.Worker{
		pv.NewWorker(a.cfg.Transport.PreservationQueue, t, a.store, preservation, a.logger, backoff),
		pv.NewWorker(a.cfg.Transport.ImportQueue, t, a.store, importer, a.logger, backoff),
	}, nil
}

// Serve runs the preservation and import workers until each has received a
// shutdown message or ctx is done. Outstanding requests are resumed first.
func (a *App) Serve(ctx context.Context) error {
	workers, err := a.workers(ctx)
	if err != nil {
		return a.record(err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, w := range workers {
		wg.Go(func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return a.record(errors.Join(errs...))
}

// Resume continues every outstanding request without serving the queues.
func (a *App) Resume(ctx context.Context) error {
	workers, err := a.workers(ctx)
	if err != nil {
		return a.record(err)
	}
	var errs []error
	for _, w := range workers {
		errs = append(errs, w.Resume(ctx))
	}
	return a.record(errors.Join(errs...))
}

// SubmitPreservation publishes the preservation request read from r to the
// preservation queue and returns its id.
func (a *App) SubmitPreservation(ctx context.Context, r io.Reader) (string, error) {
	msg, err := decodeRequest(model.TypePreservationRequest, r)
	if err != nil {
		return "", a.record(err)
	}
	req := msg.(*model.PreservationRequest)
	if err := a.publish(ctx, a.cfg.Transport.PreservationQueue, req); err != nil {
		return "", err
	}
	return req.ID, nil
}

// SubmitImport publishes the import request read from r to the import queue
// and returns its id.
func (a *App) SubmitImport(ctx context.Context, r io.Reader) (string, error) {
	msg, err := decodeRequest(model.TypeImportRequest, r)
	if err != nil {
		return "", a.record(err)
	}
	req := msg.(*model.ImportRequest)
	if err := a.publish(ctx, a.cfg.Transport.ImportQueue, req); err != nil {
		return "", err
	}
	return req.ID, nil
}

// SubmitShutdown asks both workers to stop.
func (a *App) SubmitShutdown(ctx context.Context, reason string) error {
	for _, q := range []string{a.cfg.Transport.PreservationQueue, a.cfg.Transport.ImportQueue} {
		if err := a.publish(ctx, q, &model.Shutdown{Reason: reason}); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) publish(ctx context.Context, queue string, msg model.Message) error {
	t, err := a.openTransport(ctx)
	if err != nil {
		return a.record(err)
	}
	if err := t.Publish(ctx, queue, msg); err != nil {
		return a.record(fmt.Errorf("publishing to %s: %w", queue, err))
	}
	a.logger.Info("message submitted", "queue", queue, "type", string(msg.MessageType()))
	return nil
}

func decodeRequest(typ model.MessageType, r io.Reader) (model.Message, error) {
	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading request: %w", err)
	}
	msg := model.Decode(typ, payload)
	if u, ok := msg.(*model.Undecodable); ok {
		return nil, fmt.Errorf("%w: %w", pv.ErrValidation, u.Err)
	}
	return msg, nil
}

// States returns the outstanding requests, in request id order.
func (a *App) States(ctx context.Context) ([]*pv.RequestState, error) {
	ids, err := a.store.ListOutstandingIDs(ctx)
	if err != nil {
		return nil, a.record(err)
	}
	out := make([]*pv.RequestState, 0, len(ids))
	for _, id := range ids {
		st, err := a.store.Get(ctx, id)
		if err != nil {
			return nil, a.record(err)
		}
		if st != nil {
			out = append(out, st)
		}
	}
	return out, nil
}

// State returns the live entry of requestID, or nil.
func (a *App) State(ctx context.Context, requestID string) (*pv.RequestState, error) {
	st, err := a.store.Get(ctx, requestID)
	return st, a.record(err)
}

// History returns the transition journal of requestID.
func (a *App) History(ctx context.Context, requestID string) ([]pv.Transition, error) {
	h, err := a.store.History(ctx, requestID)
	return h, a.record(err)
}

// Purge drops the live entry and staged files of one request, so it is no
// longer resumed. The journal is kept.
func (a *App) Purge(ctx context.Context, requestID string) error {
	if err := a.store.Delete(ctx, requestID); err != nil {
		return a.record(err)
	}
	if err := a.staging.Remove(requestID); err != nil {
		return a.record(err)
	}
	a.logger.Warn("request purged", "request_id", requestID)
	return nil
}

// Cleanup empties the state store and the staging area.
func (a *App) Cleanup(ctx context.Context) error {
	if err := a.store.Cleanup(ctx); err != nil {
		return a.record(err)
	}
	ids, err := a.staging.Requests()
	if err != nil {
		return a.record(err)
	}
	for _, id := range ids {
		if err := a.staging.Remove(id); err != nil {
			return a.record(err)
		}
	}
	a.logger.Warn("state store and staging area cleaned up", "staged_requests", len(ids))
	return nil
}

// Collections checks every configured pillar. The result is sorted by
// collection, then in configured pillar order.
func (a *App) Collections(ctx context.Context) ([]bitrepo.PillarStatus, error) {
	repo, err := a.openRepository(ctx, false)
	if err != nil {
		return nil, a.record(err)
	}
	statuses := repo.ValidateSetup(ctx)
	if slices.ContainsFunc(statuses, func(s bitrepo.PillarStatus) bool { return s.Err != nil }) {
		a.record(errors.New("pillar setup invalid"))
	}
	return statuses, nil
}

// Close logs the outcome of the operation and releases all resources.
func (a *App) Close() error {
	var errs []error

	if a.transport != nil {
		if err := a.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing transport: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing state store: %w", err))
	}

	a.op.Finish(a.op.Err, a.clock.Now())
	args := []any{"operation", a.op.Name, "status", a.op.Status, "duration", a.op.Duration()}
	if a.op.Err != nil {
		a.logger.Error("operation finished", append(args, "error", a.op.Err)...)
	} else {
		a.logger.Info("operation finished", args...)
	}

	if a.logFile != nil {
		a.logFile.Close()
	}
	return errors.Join(errs...)
}
