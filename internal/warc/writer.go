package warc

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"preserve-go/internal/digest"
)

type writerState int

const (
	stateOpen writerState = iota
	stateSealed
	stateFailed
)

func (s writerState) String() string {
	switch s {
	case stateOpen:
		return "OPEN"
	case stateSealed:
		return "SEALED"
	default:
		return "FAILED"
	}
}

// Options controls how a Writer frames records.
type Options struct {
	// Compress stores every record as its own gzip member.
	Compress bool

	// NewID returns the uuid part of new record ids. Defaults to uuid.New.
	NewID func() string

	// Now returns the WARC-Date of new records. Defaults to time.Now.
	Now func() time.Time
}

// RecordRef locates a written record within its container file.
type RecordRef struct {
	ID          string        `json:"id"`
	Type        RecordType    `json:"type"`
	Offset      int64         `json:"offset"`
	Length      int64         `json:"length"`
	ContentType string        `json:"content_type"`
	BlockLength int64         `json:"block_length"`
	Digest      digest.Digest `json:"digest"`
	RefersTo    string        `json:"refers_to,omitempty"`
}

// RecordOption adds optional headers to a record.
type RecordOption func(*Header)

// WithTargetURI sets WARC-Target-URI.
func WithTargetURI(uri string) RecordOption {
	return func(h *Header) { *h = append(*h, Field{HeaderTargetURI, uri}) }
}

// WithHeader adds an arbitrary header field.
func WithHeader(name, value string) RecordOption {
	return func(h *Header) { *h = append(*h, Field{name, value}) }
}

// Writer appends records to a single container file. A Writer is owned by
// exactly one caller; it is not safe for concurrent use.
type Writer struct {
	id      string
	path    string
	f       *os.File
	opts    Options
	created bool

	state     writerState
	offset    int64
	infoID    string
	resources map[string]bool
	records   []RecordRef
	gz        *gzip.Writer
}

// Open creates (or reopens while still empty) the container file for
// containerID in dir. A non-empty file fails with ErrContainerAlreadyExists.
// Created reports whether the file was absent before this call.
func Open(dir, containerID string, opts Options) (*Writer, error) {
	if containerID == "" || strings.ContainsAny(containerID, `/\`) {
		return nil, fmt.Errorf("invalid container id %q", containerID)
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating container directory: %w", err)
	}

	path := filepath.Join(dir, FileName(containerID, opts.Compress))
	created := true
	if info, err := os.Stat(path); err == nil {
		if info.Size() > 0 {
			return nil, fmt.Errorf("%w: %s", ErrContainerAlreadyExists, path)
		}
		created = false
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("checking container file: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening container file: %w", err)
	}

	return &Writer{
		id:        containerID,
		path:      path,
		f:         f,
		opts:      opts,
		created:   created,
		resources: make(map[string]bool),
	}, nil
}

// ID returns the container id.
func (w *Writer) ID() string { return w.id }

// Path returns the container file path.
func (w *Writer) Path() string { return w.path }

// Created reports whether Open created the file (true) or found an empty
// file already in place (false).
func (w *Writer) Created() bool { return w.created }

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 { return w.offset }

// Records returns the records written so far, in order.
func (w *Writer) Records() []RecordRef {
	return append([]RecordRef(nil), w.records...)
}

// WriteInfoRecord writes the warcinfo record. It must be the first record. A
// zero digest is computed from the rendered fields.
func (w *Writer) WriteInfoRecord(fields []Field, d digest.Digest) (string, error) {
	if w.state != stateOpen {
		return "", fmt.Errorf("%w: container is %s", ErrInvalidState, w.state)
	}
	if w.infoID != "" {
		return "", fmt.Errorf("%w: info record already written", ErrInvalidState)
	}

	if err := checkFields(fields); err != nil {
		return "", err
	}
	block := InfoBlock(fields)
	if d.IsZero() {
		var err error
		d, err = digest.Bytes(digest.SHA1, block, digest.Base32)
		if err != nil {
			return "", err
		}
	}

	extra := Header{{HeaderFilename, filepath.Base(w.path)}}
	ref, err := w.writeRecord(TypeWarcinfo, extra, strings.NewReader(string(block)), int64(len(block)), InfoContentType, d)
	if err != nil {
		return "", err
	}
	w.infoID = ref.ID
	return ref.ID, nil
}

// WriteResourceRecord appends a payload record and returns its id.
func (w *Writer) WriteResourceRecord(r io.Reader, length int64, contentType string, d digest.Digest, opts ...RecordOption) (string, error) {
	if err := w.checkAppend(); err != nil {
		return "", err
	}
	var extra Header
	for _, o := range opts {
		o(&extra)
	}
	ref, err := w.writeRecord(TypeResource, extra, r, length, contentType, d)
	if err != nil {
		return "", err
	}
	w.resources[ref.ID] = true
	return ref.ID, nil
}

// WriteMetadataRecord appends a metadata record describing refersTo, which
// must be a resource record id returned by this writer.
func (w *Writer) WriteMetadataRecord(r io.Reader, length int64, contentType string, d digest.Digest, refersTo string, opts ...RecordOption) (string, error) {
	if err := w.checkAppend(); err != nil {
		return "", err
	}
	if !w.resources[refersTo] {
		return "", fmt.Errorf("%w: %s", ErrUnknownReference, refersTo)
	}
	extra := Header{{HeaderRefersTo, FormatID(refersTo)}}
	for _, o := range opts {
		o(&extra)
	}
	ref, err := w.writeRecord(TypeMetadata, extra, r, length, contentType, d)
	if err != nil {
		return "", err
	}
	return ref.ID, nil
}

// Close seals the container. Calling Close more than once is a no-op.
func (w *Writer) Close() error {
	if w.state == stateSealed {
		return nil
	}
	w.state = stateSealed
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("syncing container file: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("closing container file: %w", err)
	}
	return nil
}

func (w *Writer) checkAppend() error {
	if w.state != stateOpen {
		return fmt.Errorf("%w: container is %s", ErrInvalidState, w.state)
	}
	if w.infoID == "" {
		return fmt.Errorf("%w: info record must be written first", ErrInvalidState)
	}
	return nil
}

// writeRecord streams one record to the file. Nothing is buffered beyond the
// header; a failure part way leaves a truncated tail that readers report as
// ErrTruncated, and the writer refuses further records.
func (w *Writer) writeRecord(typ RecordType, extra Header, r io.Reader, length int64, contentType string, d digest.Digest) (RecordRef, error) {
	if d.IsZero() {
		return RecordRef{}, ErrMissingDigest
	}
	if length < 0 {
		return RecordRef{}, fmt.Errorf("negative record length %d", length)
	}
	hasher, err := digest.NewWriter(d.Algorithm, d.Encoding)
	if err != nil {
		return RecordRef{}, err
	}

	id := "urn:uuid:" + w.opts.NewID()
	header := Header{
		{HeaderType, string(typ)},
		{HeaderRecordID, FormatID(id)},
		{HeaderDate, w.opts.Now().UTC().Format(time.RFC3339)},
	}
	if typ != TypeWarcinfo && w.infoID != "" {
		header = append(header, Field{HeaderWarcinfoID, FormatID(w.infoID)})
	}
	header = append(header, extra...)
	header = append(header,
		Field{HeaderBlockDigest, d.String()},
		Field{HeaderContentType, contentType},
		Field{HeaderContentLength, strconv.FormatInt(length, 10)},
	)

	if err := checkFields(header); err != nil {
		return RecordRef{}, err
	}

	start := w.offset
	cw := &countingWriter{w: w.f, n: &w.offset}

	var out io.Writer = cw
	if w.opts.Compress {
		if w.gz == nil {
			w.gz = gzip.NewWriter(cw)
		} else {
			w.gz.Reset(cw)
		}
		out = w.gz
	}

	fail := func(err error) (RecordRef, error) {
		w.state = stateFailed
		return RecordRef{}, err
	}

	if err := writeHeader(out, header); err != nil {
		return fail(fmt.Errorf("writing record header: %w", err))
	}
	n, err := io.CopyN(io.MultiWriter(out, hasher), r, length)
	if err != nil && err != io.EOF {
		return fail(fmt.Errorf("writing record block: %w", err))
	}
	if n != length {
		return fail(fmt.Errorf("%w: wrote %d of %d bytes", ErrShortBlock, n, length))
	}
	if _, err := io.WriteString(out, terminator); err != nil {
		return fail(fmt.Errorf("writing record terminator: %w", err))
	}
	if w.opts.Compress {
		if err := w.gz.Close(); err != nil {
			return fail(fmt.Errorf("closing gzip member: %w", err))
		}
	}

	if got := hasher.Digest(); !got.Matches(d) {
		return fail(fmt.Errorf("%w: declared %s, computed %s", ErrDigestMismatch, d, got))
	}

	ref := RecordRef{
		ID:          id,
		Type:        typ,
		Offset:      start,
		Length:      w.offset - start,
		ContentType: contentType,
		BlockLength: length,
		Digest:      d,
	}
	if typ == TypeMetadata {
		ref.RefersTo = ParseID(extra.Get(HeaderRefersTo))
	}
	w.records = append(w.records, ref)
	return ref, nil
}

// checkFields rejects names and values that would end a header line early.
// Names must also be free of the separator.
func checkFields(fields []Field) error {
	for _, f := range fields {
		if f.Name == "" || strings.ContainsAny(f.Name, ":\r\n") {
			return fmt.Errorf("%w: name %q", ErrInvalidHeader, f.Name)
		}
		if strings.ContainsAny(f.Value, "\r\n") {
			return fmt.Errorf("%w: %s value %q", ErrInvalidHeader, f.Name, f.Value)
		}
	}
	return nil
}

func writeHeader(w io.Writer, h Header) error {
	if err := checkFields(h); err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString(Version + crlf)
	for _, f := range h {
		b.WriteString(f.Name + ": " + f.Value + crlf)
	}
	b.WriteString(crlf)
	_, err := io.WriteString(w, b.String())
	return err
}

type countingWriter struct {
	w io.Writer
	n *int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	*c.n += int64(n)
	return n, err
}
