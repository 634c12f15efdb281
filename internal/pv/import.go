package pv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"preserve-go/internal/digest"
	"preserve-go/internal/model"
	"preserve-go/internal/warc"
)

// ImportConfig is the snapshot of settings the import flow uses.
type ImportConfig struct {
	ResponseQueue     string
	RetrievalAttempts int
	RetryDelay        time.Duration
	Compress          bool
}

// ImportOrchestrator drives import requests through
// REQUEST_RECEIVED_AND_VALIDATED, RETRIEVAL_FROM_REPOSITORY_INITIATED,
// DELIVERY_INITIATED and FINISHED.
type ImportOrchestrator struct {
	flow
	cfg       ImportConfig
	repo      Repository
	deliverer Deliverer
	tokens    TokenVerifier
	inflight  *InFlight
	ids       IDGenerator
}

func NewImportOrchestrator(cfg ImportConfig, deps Deps) *ImportOrchestrator {
	deps.defaults()
	o := &ImportOrchestrator{
		flow: flow{
			kind:      KindImport,
			store:     deps.Store,
			transport: deps.Transport,
			staging:   deps.Staging,
			clock:     deps.Clock,
			logger:    deps.Logger,
		},
		cfg:       cfg,
		repo:      deps.Repository,
		deliverer: deps.Deliverer,
		tokens:    deps.Tokens,
		inflight:  deps.InFlight,
		ids:       deps.IDs,
	}
	o.respond = o.response
	return o
}

func (o *ImportOrchestrator) Kind() Kind { return KindImport }

// Handle processes one message from the import queue to completion.
func (o *ImportOrchestrator) Handle(ctx context.Context, msg model.Message) error {
	switch m := msg.(type) {
	case *model.ImportRequest:
		return o.Import(ctx, m)
	case *model.Undecodable:
		o.logger.Error("discarding undecodable message", "type", string(m.Type), "error", m.Err)
		return fmt.Errorf("%w: %v", ErrValidation, m.Err)
	default:
		o.logger.Warn("discarding unexpected message on import queue", "type", string(msg.MessageType()))
		return nil
	}
}

// Import runs an import request to a terminal state. A request repeated
// after its predecessor was retired is an independent flow that shares the
// object's event id.
func (o *ImportOrchestrator) Import(ctx context.Context, req *model.ImportRequest) (err error) {
	st := &RequestState{
		RequestID: req.ID,
		Kind:      KindImport,
		Import:    req,
		CreatedAt: o.clock.Now(),
	}

	if invalid := req.InvalidFields(); len(invalid) > 0 {
		cause := fmt.Errorf("%w: missing or invalid %s", ErrValidation, strings.Join(invalid, ", "))
		run := newRun(o.logger, KindImport, req.ID, "")
		run.Log.Warn("rejecting invalid request", "error", cause)
		o.reject(ctx, run, st, StateRequestReceivedAndValidated.Failure(), cause.Error())
		return cause
	}

	run, release, err := o.start(ctx, o.inflight, o.ids, req.ID)
	if err != nil {
		run := newRun(o.logger, KindImport, req.ID, "")
		run.Log.Error("cannot accept request", "error", err)
		if errors.Is(err, ErrInFlight) {
			o.refuse(ctx, run, st, StateRequestReceivedAndValidated.Failure(), err.Error())
		} else {
			o.reject(ctx, run, st, StateRequestReceivedAndValidated.Failure(), err.Error())
		}
		return err
	}
	defer release()
	st.EventID = run.EventID
	defer o.recoverInternal(ctx, run, st, &err)

	if o.tokens != nil && req.Security != nil {
		if err := o.tokens.Verify(req.Security, o.clock.Now()); err != nil {
			return o.fail(ctx, run, st, StateRequestReceivedAndValidated, err)
		}
	}
	run.Log.Info("import request received", "type", string(req.Type), "container", req.Locator.ContainerID)
	if err := o.advance(ctx, run, st, StateRequestReceivedAndValidated, ""); err != nil {
		return o.fail(ctx, run, st, StateRequestReceivedAndValidated, err)
	}
	return o.drive(ctx, run, st)
}

// Resume continues a persisted import. Retrieval is repeated unless the
// retrieved record is still staged.
func (o *ImportOrchestrator) Resume(ctx context.Context, st *RequestState) (err error) {
	if st.Import == nil {
		return fmt.Errorf("resuming %s: state carries no import request", st.RequestID)
	}
	release, err := o.inflight.Claim(st.RequestID, KindImport)
	if err != nil {
		return err
	}
	defer release()
	run := newRun(o.logger, KindImport, st.RequestID, st.EventID)
	defer o.recoverInternal(ctx, run, st, &err)

	if st.State.IsTerminal() {
		run.Log.Info("retiring terminal state left by an interrupted run", "state", string(st.State))
		o.retire(ctx, run)
		return nil
	}
	run.Log.Info("resuming import request", "state", string(st.State))
	return o.drive(ctx, run, st)
}

func (o *ImportOrchestrator) drive(ctx context.Context, run *Run, st *RequestState) error {
	staged := st.Artifacts.Content != nil && fileExists(st.Artifacts.Content.Path)
	if st.State != StateDeliveryInitiated || !staged {
		if st.State != StateRetrievalInitiated {
			if err := o.advance(ctx, run, st, StateRetrievalInitiated, ""); err != nil {
				return o.fail(ctx, run, st, StateRetrievalInitiated, err)
			}
		}
		if err := o.retrieve(ctx, run, st); err != nil {
			return o.fail(ctx, run, st, StateRetrievalInitiated, err)
		}
		if err := o.advance(ctx, run, st, StateDeliveryInitiated, ""); err != nil {
			return o.fail(ctx, run, st, StateDeliveryInitiated, err)
		}
	}

	if err := o.deliver(ctx, run, st); err != nil {
		return o.fail(ctx, run, st, StateDeliveryInitiated, err)
	}
	return o.advance(ctx, run, st, StateFinished, "")
}

// retrieve fetches the requested record into the staging area, verifying
// the record's own block digest and any expected checksum.
func (o *ImportOrchestrator) retrieve(ctx context.Context, run *Run, st *RequestState) error {
	req := st.Import
	known, err := o.repo.KnownCollections(ctx)
	if err != nil {
		return fmt.Errorf("listing collections: %w", err)
	}
	if !slices.Contains(known, req.Profile) {
		return fmt.Errorf("%w: %q", ErrUnknownProfile, req.Profile)
	}
	if err := o.staging.Remove(req.ID); err != nil {
		return err
	}
	st.Artifacts = Artifacts{}

	rec, block, err := o.fetchRange(ctx, run, req)
	if err != nil {
		return err
	}
	if rec == nil {
		rec, block, err = o.fetchContainer(ctx, run, req)
		if err != nil {
			return err
		}
	}

	staged, err := o.staging.Stage(req.ID, "record", bytes.NewReader(block))
	if err != nil {
		return err
	}
	staged.ContentType = rec.ContentType
	if err := checkExpected(req, block, staged); err != nil {
		return err
	}
	st.Artifacts.Content = staged
	run.Log.Info("record retrieved", "record_id", rec.ID, "record_type", string(rec.Type), "bytes", staged.Size)
	return nil
}

// fetchRange reads the record from the locator's byte range. It returns a
// nil record when the range cannot serve the request and the whole
// container has to be read instead.
func (o *ImportOrchestrator) fetchRange(ctx context.Context, run *Run, req *model.ImportRequest) (*warc.Record, []byte, error) {
	loc := req.Locator
	if !loc.HasRange() {
		return nil, nil, nil
	}
	var raw []byte
	err := retryUnavailable(ctx, run, o.cfg.RetrievalAttempts, o.cfg.RetryDelay, "range retrieval", func() error {
		var err error
		raw, err = o.repo.GetFileRange(ctx, o.fileID(loc.ContainerID), req.Profile, *loc.Offset, *loc.Length)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	rec, block, err := warc.ReadRecord(raw)
	if err != nil {
		return nil, nil, recordErr(err)
	}
	if rec.ID != warc.ParseID(loc.RecordID) {
		return nil, nil, fmt.Errorf("%w: range %d+%d holds record %s, not %s",
			ErrValidation, *loc.Offset, *loc.Length, rec.ID, loc.RecordID)
	}
	if req.Type == model.ImportMetadata && rec.Type == warc.TypeResource {
		run.Log.Debug("range holds the resource record, reading container for its metadata")
		return nil, nil, nil
	}
	return rec, block, nil
}

func (o *ImportOrchestrator) fetchContainer(ctx context.Context, run *Run, req *model.ImportRequest) (*warc.Record, []byte, error) {
	loc := req.Locator
	var expected *digest.Digest
	if c := loc.ContainerChecksum; c != nil {
		d, err := parseChecksum(c)
		if err != nil {
			return nil, nil, err
		}
		expected = &d
	}
	dir, err := o.staging.Dir(req.ID)
	if err != nil {
		return nil, nil, err
	}
	var path string
	err = retryUnavailable(ctx, run, o.cfg.RetrievalAttempts, o.cfg.RetryDelay, "retrieval", func() error {
		var err error
		path, err = o.repo.GetFile(ctx, o.fileID(loc.ContainerID), req.Profile, expected, dir)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	defer os.Remove(path)

	rec, block, err := readRecord(path, loc.RecordID, "")
	if err != nil {
		return nil, nil, err
	}
	if req.Type == model.ImportMetadata && rec.Type == warc.TypeResource {
		return readRecord(path, rec.ID, warc.TypeMetadata)
	}
	return rec, block, nil
}

// readRecord scans the container at path for id, or with typ set, for the
// record of that type referring to id.
func readRecord(path, id string, typ warc.RecordType) (*warc.Record, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: opening retrieved container: %v", ErrStagingIO, err)
	}
	defer f.Close()

	r := warc.NewReader(f)
	var rec *warc.Record
	if typ == "" {
		rec, err = r.Find(id)
	} else {
		rec, err = r.FindReferring(id, typ)
	}
	if err != nil {
		return nil, nil, recordErr(err)
	}
	var buf bytes.Buffer
	if _, err := rec.CopyVerified(&buf); err != nil {
		return nil, nil, recordErr(err)
	}
	return rec, buf.Bytes(), nil
}

func (o *ImportOrchestrator) deliver(ctx context.Context, run *Run, st *RequestState) error {
	req := st.Import
	staged := st.Artifacts.Content
	f, err := os.Open(staged.Path)
	if err != nil {
		return fmt.Errorf("%w: opening staged record: %v", ErrStagingIO, err)
	}
	defer f.Close()

	opts := DeliveryOptions{ContentType: staged.ContentType, Digest: staged.Digest}
	if req.Security != nil {
		opts.Token = req.Security.Token
	}
	receipt, err := o.deliverer.Deliver(ctx, req.DeliveryURL, f, staged.Size, opts)
	if err != nil {
		return err
	}
	st.Delivery = receipt
	run.Log.Info("record delivered", "url", receipt.URL, "bytes", receipt.Bytes, "status", receipt.Status)
	return nil
}

// fileID maps a container id to the repository file id. Ids that already
// carry a container extension are used as given.
func (o *ImportOrchestrator) fileID(containerID string) string {
	if strings.HasSuffix(containerID, ".warc") || strings.HasSuffix(containerID, ".warc.gz") {
		return containerID
	}
	return warc.FileName(containerID, o.cfg.Compress)
}

func (o *ImportOrchestrator) response(st *RequestState) (string, model.Message) {
	resp := &model.ImportResponse{
		ID:        st.RequestID,
		EventID:   st.EventID,
		State:     string(st.State),
		Detail:    st.Detail,
		Timestamp: st.UpdatedAt,
	}
	if st.Import != nil {
		resp.Type = st.Import.Type
	}
	if d := st.Delivery; d != nil && st.State == StateFinished {
		resp.Delivery = &model.DeliveryInfo{URL: d.URL, Bytes: d.Bytes, Status: d.Status}
		if c := st.Artifacts.Content; c != nil {
			resp.Delivery.Checksum = c.Digest.String()
		}
	}
	return o.cfg.ResponseQueue, resp
}

// checkExpected compares the delivered bytes with the request's checksum.
func checkExpected(req *model.ImportRequest, block []byte, staged *StagedFile) error {
	if req.Security == nil || req.Security.Checksum == nil {
		return nil
	}
	want, err := parseChecksum(req.Security.Checksum)
	if err != nil {
		return err
	}
	got := staged.Digest
	if c, _ := digest.Canonical(got.Algorithm); c != want.Algorithm {
		got, err = digest.Bytes(want.Algorithm, block, want.Encoding)
		if err != nil {
			return err
		}
	}
	if !got.Matches(want) {
		return fmt.Errorf("%w: expected %s, retrieved %s", ErrChecksumMismatch, want, got)
	}
	return nil
}

func parseChecksum(c *model.Checksum) (digest.Digest, error) {
	d, err := digest.Parse(c.Algorithm + ":" + c.Value)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("%w: checksum: %v", ErrValidation, err)
	}
	return d, nil
}

func recordErr(err error) error {
	switch {
	case errors.Is(err, warc.ErrDigestMismatch):
		return fmt.Errorf("%w: %v", ErrChecksumMismatch, err)
	case errors.Is(err, warc.ErrRecordNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, warc.ErrTruncated), errors.Is(err, warc.ErrMalformedRecord):
		return fmt.Errorf("%w: %v", ErrContainerFormat, err)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %v", ErrContainerFormat, err)
	default:
		return fmt.Errorf("%w: %v", ErrStagingIO, err)
	}
}
