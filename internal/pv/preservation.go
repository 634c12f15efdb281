package pv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"preserve-go/internal/digest"
	"preserve-go/internal/model"
	"preserve-go/internal/warc"
)

// PreservationConfig is the snapshot of settings the preservation flow uses.
type PreservationConfig struct {
	DigestAlgorithm string
	DigestEncoding  digest.Encoding
	Compress        bool
	UploadAttempts  int
	RetryDelay      time.Duration
	Software        string
	Host            string
}

// Deps are the collaborators shared by the orchestrators.
type Deps struct {
	Store      StateStore
	Transport  Transport
	Repository Repository
	Staging    StagingArea
	Metadata   MetadataRenderer
	Deliverer  Deliverer
	Tokens     TokenVerifier
	InFlight   *InFlight
	Logger     Logger
	Clock      Clock
	IDs        IDGenerator
}

func (d *Deps) defaults() {
	if d.Logger == nil {
		d.Logger = NewNopLogger()
	}
	if d.Clock == nil {
		d.Clock = RealClock{}
	}
	if d.IDs == nil {
		d.IDs = UUIDGenerator{}
	}
	if d.InFlight == nil {
		d.InFlight = NewInFlight()
	}
}

// PreservationOrchestrator drives preservation requests through
// RECEIVED, VALIDATED, METADATA_PACKAGED, CONTAINER_UPLOADED and FINISHED.
type PreservationOrchestrator struct {
	flow
	cfg      PreservationConfig
	repo     Repository
	metadata MetadataRenderer
	inflight *InFlight
	ids      IDGenerator
}

func NewPreservationOrchestrator(cfg PreservationConfig, deps Deps) *PreservationOrchestrator {
	deps.defaults()
	if cfg.DigestAlgorithm == "" {
		cfg.DigestAlgorithm = digest.SHA1
	}
	if cfg.DigestEncoding == "" {
		cfg.DigestEncoding = digest.Base32
	}
	if cfg.Software == "" {
		cfg.Software = "pv"
	}
	o := &PreservationOrchestrator{
		flow: flow{
			kind:      KindPreservation,
			store:     deps.Store,
			transport: deps.Transport,
			staging:   deps.Staging,
			clock:     deps.Clock,
			logger:    deps.Logger,
		},
		cfg:      cfg,
		repo:     deps.Repository,
		metadata: deps.Metadata,
		inflight: deps.InFlight,
		ids:      deps.IDs,
	}
	o.respond = o.response
	return o
}

func (o *PreservationOrchestrator) Kind() Kind { return KindPreservation }

// Handle processes one message from the preservation queue to completion.
func (o *PreservationOrchestrator) Handle(ctx context.Context, msg model.Message) error {
	switch m := msg.(type) {
	case *model.PreservationRequest:
		return o.Preserve(ctx, m)
	case *model.Undecodable:
		o.logger.Error("discarding undecodable message", "type", string(m.Type), "error", m.Err)
		return fmt.Errorf("%w: %v", ErrValidation, m.Err)
	default:
		o.logger.Warn("discarding unexpected message on preservation queue", "type", string(msg.MessageType()))
		return nil
	}
}

// Preserve runs a preservation request from RECEIVED to a terminal state.
func (o *PreservationOrchestrator) Preserve(ctx context.Context, req *model.PreservationRequest) (err error) {
	now := o.clock.Now()
	st := &RequestState{
		RequestID:    req.ID,
		Kind:         KindPreservation,
		Preservation: req,
		CreatedAt:    now,
	}

	if invalid := req.InvalidFields(); len(invalid) > 0 {
		cause := fmt.Errorf("%w: missing or invalid %s", ErrValidation, strings.Join(invalid, ", "))
		run := newRun(o.logger, KindPreservation, req.ID, "")
		run.Log.Warn("rejecting invalid request", "error", cause)
		o.reject(ctx, run, st, StateValidated.Failure(), cause.Error())
		return cause
	}

	run, release, err := o.start(ctx, o.inflight, o.ids, req.ID)
	if err != nil {
		run := newRun(o.logger, KindPreservation, req.ID, "")
		run.Log.Error("cannot accept request", "error", err)
		if errors.Is(err, ErrInFlight) {
			o.refuse(ctx, run, st, StateReceived.Failure(), err.Error())
		} else {
			o.reject(ctx, run, st, StateReceived.Failure(), err.Error())
		}
		return err
	}
	defer release()
	st.EventID = run.EventID

	defer o.recoverInternal(ctx, run, st, &err)
	run.Log.Info("preservation request received", "profile", req.Profile)
	if err := o.advance(ctx, run, st, StateReceived, ""); err != nil {
		return o.fail(ctx, run, st, StateReceived, err)
	}
	return o.drive(ctx, run, st)
}

// Resume continues a persisted request from its last state. Packaging is
// redone from scratch when the container is missing; upload is re-attempted.
func (o *PreservationOrchestrator) Resume(ctx context.Context, st *RequestState) (err error) {
	if st.Preservation == nil {
		return fmt.Errorf("resuming %s: state carries no preservation request", st.RequestID)
	}
	release, err := o.inflight.Claim(st.RequestID, KindPreservation)
	if err != nil {
		return err
	}
	defer release()
	run := newRun(o.logger, KindPreservation, st.RequestID, st.EventID)
	defer o.recoverInternal(ctx, run, st, &err)

	if st.State.IsTerminal() {
		run.Log.Info("retiring terminal state left by an interrupted run", "state", string(st.State))
		o.retire(ctx, run)
		return nil
	}
	if st.State == StateMetadataPackaged && !fileExists(st.Artifacts.Container) {
		run.Log.Warn("container missing, packaging again", "container", st.Artifacts.Container)
		st.State = StateValidated
	}
	run.Log.Info("resuming preservation request", "state", string(st.State))
	return o.drive(ctx, run, st)
}

func (o *PreservationOrchestrator) drive(ctx context.Context, run *Run, st *RequestState) error {
	for !st.State.IsTerminal() {
		var next State
		var step func(context.Context, *Run, *RequestState) error
		switch st.State {
		case StateReceived:
			next, step = StateValidated, o.validate
		case StateValidated:
			next, step = StateMetadataPackaged, o.pack
		case StateMetadataPackaged:
			next, step = StateContainerUploaded, o.upload
		case StateContainerUploaded:
			next = StateFinished
		default:
			return o.fail(ctx, run, st, StateInternalFailure, fmt.Errorf("unexpected preservation state %q", st.State))
		}
		if step != nil {
			if err := step(ctx, run, st); err != nil {
				return o.fail(ctx, run, st, next, err)
			}
		}
		if err := o.advance(ctx, run, st, next, ""); err != nil {
			return o.fail(ctx, run, st, next, err)
		}
	}
	return nil
}

func (o *PreservationOrchestrator) validate(ctx context.Context, run *Run, st *RequestState) error {
	known, err := o.repo.KnownCollections(ctx)
	if err != nil {
		return fmt.Errorf("listing collections: %w", err)
	}
	if !slices.Contains(known, st.Preservation.Profile) {
		return fmt.Errorf("%w: %q is not one of %s", ErrUnknownProfile, st.Preservation.Profile, strings.Join(known, ", "))
	}
	return nil
}

func (o *PreservationOrchestrator) pack(ctx context.Context, run *Run, st *RequestState) error {
	req := st.Preservation
	if err := o.staging.Remove(req.ID); err != nil {
		return err
	}
	st.Artifacts = Artifacts{}
	st.Records = nil
	if st.ContainerID == "" {
		st.ContainerID = o.ids.New()
	}

	rendered, err := o.metadata.Render(ctx, req)
	if err != nil {
		return fmt.Errorf("rendering metadata: %w", err)
	}
	metaFile, err := o.staging.Stage(req.ID, "metadata.xml", bytes.NewReader(rendered))
	if err != nil {
		return err
	}
	metaFile.ContentType = "text/xml"
	st.Artifacts.Metadata = metaFile

	if req.Content != nil {
		content, err := o.staging.StageSource(ctx, req.ID, req.Content)
		if err != nil {
			return err
		}
		st.Artifacts.Content = content
	}

	dir, err := o.staging.Dir(req.ID)
	if err != nil {
		return err
	}
	w, err := warc.Open(dir, st.ContainerID, warc.Options{
		Compress: o.cfg.Compress,
		NewID:    o.ids.New,
		Now:      o.clock.Now,
	})
	if err != nil {
		return containerErr("opening container", err)
	}
	defer w.Close()
	if !w.Created() {
		run.Log.Debug("reusing empty container file", "path", w.Path())
	}

	if err := o.writeRecords(run, st, w); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: sealing container: %v", ErrStagingIO, err)
	}
	st.Artifacts.Container = w.Path()
	st.Records = w.Records()
	run.Log.Info("container packaged", "container_id", st.ContainerID, "records", len(st.Records), "size", w.Size())
	return nil
}

// writeRecords writes the info record, the payload and its metadata. Without
// a content file the metadata document is the payload and the preservation
// event document describes it.
func (o *PreservationOrchestrator) writeRecords(run *Run, st *RequestState, w *warc.Writer) error {
	req := st.Preservation
	info := []warc.Field{
		{Name: "software", Value: o.cfg.Software},
		{Name: "format", Value: "WARC File Format 1.0"},
		{Name: "conformsTo", Value: "http://iipc.github.io/warc-specifications/specifications/warc-format/warc-1.0/"},
		{Name: "isPartOf", Value: req.Profile},
		{Name: "description", Value: "preservation package for " + req.ID},
		{Name: "eventID", Value: st.EventID},
	}
	if o.cfg.Host != "" {
		info = append(info, warc.Field{Name: "host", Value: o.cfg.Host})
	}
	if _, err := w.WriteInfoRecord(info, digest.Digest{}); err != nil {
		return containerErr("writing info record", err)
	}

	target := warc.WithTargetURI("info:pv/" + req.ID)
	meta := st.Artifacts.Metadata

	if content := st.Artifacts.Content; content != nil {
		resID, err := writeStaged(w, content, "", target)
		if err != nil {
			return containerErr("writing resource record", err)
		}
		if _, err := writeStaged(w, meta, resID, target); err != nil {
			return containerErr("writing metadata record", err)
		}
		return nil
	}

	resID, err := writeStaged(w, meta, "", target)
	if err != nil {
		return containerErr("writing resource record", err)
	}
	event, err := o.metadata.RenderEvent(PreservationEvent{
		EventID:     st.EventID,
		ObjectID:    req.ID,
		Profile:     req.Profile,
		ContainerID: st.ContainerID,
		Time:        o.clock.Now(),
		Outcome:     "packaged",
	})
	if err != nil {
		return fmt.Errorf("rendering preservation event: %w", err)
	}
	d, err := digest.Bytes(o.cfg.DigestAlgorithm, event, o.cfg.DigestEncoding)
	if err != nil {
		return containerErr("digesting preservation event", err)
	}
	if _, err := w.WriteMetadataRecord(bytes.NewReader(event), int64(len(event)), "text/xml", d, resID, target); err != nil {
		return containerErr("writing metadata record", err)
	}
	run.Log.Debug("packaged metadata without content file")
	return nil
}

func writeStaged(w *warc.Writer, sf *StagedFile, refersTo string, opts ...warc.RecordOption) (string, error) {
	f, err := os.Open(sf.Path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	contentType := sf.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	opts = append(opts, warc.WithHeader("WARC-Identified-Payload-Type", contentType))
	if refersTo == "" {
		return w.WriteResourceRecord(f, sf.Size, contentType, sf.Digest, opts...)
	}
	return w.WriteMetadataRecord(f, sf.Size, contentType, sf.Digest, refersTo, opts...)
}

func (o *PreservationOrchestrator) upload(ctx context.Context, run *Run, st *RequestState) error {
	path := st.Artifacts.Container
	if !fileExists(path) {
		return fmt.Errorf("%w: container %s missing", ErrStagingIO, path)
	}
	var outcome *UploadOutcome
	err := retryUnavailable(ctx, run, o.cfg.UploadAttempts, o.cfg.RetryDelay, "upload", func() error {
		var err error
		outcome, err = o.repo.UploadContainer(ctx, path, st.Preservation.Profile)
		return err
	})
	if err != nil {
		var uerr *UploadError
		if errors.As(err, &uerr) {
			st.Upload = &UploadOutcome{
				FileID:       filepath.Base(path),
				CollectionID: uerr.CollectionID,
				Acknowledged: uerr.Acknowledged,
				Failed:       uerr.Failed,
			}
		}
		return err
	}
	st.Upload = outcome
	if outcome.Shortfall() > 0 {
		failed := make([]string, len(outcome.Failed))
		for i, f := range outcome.Failed {
			failed[i] = f.PillarID
		}
		run.Log.Warn("container stored with pillar shortfall",
			"collection", outcome.CollectionID, "failed_pillars", strings.Join(failed, ","),
			"tolerance", outcome.MaxFailures)
	}
	return nil
}

func (o *PreservationOrchestrator) response(st *RequestState) (string, model.Message) {
	resp := &model.PreservationResponse{
		ID:        st.RequestID,
		EventID:   st.EventID,
		State:     string(st.State),
		Detail:    st.Detail,
		Timestamp: st.UpdatedAt,
	}
	if len(st.Records) > 0 {
		info := &model.ContainerInfo{
			ID:     st.ContainerID,
			FileID: filepath.Base(st.Artifacts.Container),
		}
		for _, r := range st.Records {
			info.Records = append(info.Records, model.RecordInfo{
				ID:       r.ID,
				Type:     string(r.Type),
				Offset:   r.Offset,
				Length:   r.Length,
				Digest:   r.Digest.String(),
				RefersTo: r.RefersTo,
			})
			info.Size = r.Offset + r.Length
		}
		if st.Upload != nil && !st.Upload.Checksum.IsZero() {
			info.Checksum = st.Upload.Checksum.String()
		}
		resp.Container = info
	}
	if u := st.Upload; u != nil {
		resp.Upload = &model.UploadInfo{
			Collection:   u.CollectionID,
			Pillars:      len(u.Pillars),
			MaxFailures:  u.MaxFailures,
			Acknowledged: u.Acknowledged,
		}
		for _, f := range u.Failed {
			resp.Upload.Failed = append(resp.Upload.Failed, f.PillarID+": "+f.Detail)
		}
	}
	var queue string
	if st.Preservation != nil {
		queue = st.Preservation.Callback
	}
	return queue, resp
}

// containerErr classifies packager errors: broken invariants are
// ErrContainerFormat, everything else is local I/O.
func containerErr(what string, err error) error {
	if Classified(err) {
		return fmt.Errorf("%s: %w", what, err)
	}
	switch {
	case errors.Is(err, warc.ErrContainerAlreadyExists),
		errors.Is(err, warc.ErrInvalidState),
		errors.Is(err, warc.ErrUnknownReference),
		errors.Is(err, warc.ErrMissingDigest),
		errors.Is(err, warc.ErrDigestMismatch),
		errors.Is(err, warc.ErrShortBlock),
		errors.Is(err, warc.ErrInvalidHeader),
		errors.Is(err, digest.ErrUnsupportedAlgorithm),
		errors.Is(err, digest.ErrUnsupportedEncoding):
		return fmt.Errorf("%w: %s: %w", ErrContainerFormat, what, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrStagingIO, what, err)
	}
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
