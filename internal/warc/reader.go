package warc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"preserve-go/internal/digest"
)

// Record is one record read from a container. Body is only valid until the
// next call to Reader.Next.
type Record struct {
	Header        Header
	Type          RecordType
	ID            string
	RefersTo      string
	ContentType   string
	ContentLength int64
	BlockDigest   digest.Digest
	Offset        int64
	Length        int64 // set once the reader has moved past the record

	Body io.Reader
}

// ReadAll reads the remaining block. A short block yields ErrTruncated.
func (r *Record) ReadAll() ([]byte, error) {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, mapReadErr(err)
	}
	return b, nil
}

// CopyVerified copies the block to w while digesting it and fails with
// ErrDigestMismatch if it does not match WARC-Block-Digest. Records without a
// block digest are copied unchecked.
func (r *Record) CopyVerified(w io.Writer) (int64, error) {
	if r.BlockDigest.IsZero() {
		n, err := io.Copy(w, r.Body)
		return n, mapReadErr(err)
	}
	hasher, err := digest.NewWriter(r.BlockDigest.Algorithm, r.BlockDigest.Encoding)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(io.MultiWriter(w, hasher), r.Body)
	if err != nil {
		return n, mapReadErr(err)
	}
	if got := hasher.Digest(); !got.Matches(r.BlockDigest) {
		return n, fmt.Errorf("%w: record %s declared %s, computed %s", ErrDigestMismatch, r.ID, r.BlockDigest, got)
	}
	return n, nil
}

// Reader reads records sequentially from a container stream. Plain and
// gzip-per-record containers are both accepted, and may be mixed.
type Reader struct {
	cr  *countingReader
	br  *bufio.Reader
	gz  *gzip.Reader
	cur *Record

	src   *bufio.Reader // current record source, br or a reader over gz
	block *blockReader
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	cr := &countingReader{r: r}
	return &Reader{cr: cr, br: bufio.NewReader(cr)}
}

// Next advances to the next record. It returns io.EOF at a clean end of the
// container and ErrTruncated if the container ends inside a record.
func (r *Reader) Next() (*Record, error) {
	if r.cur != nil {
		if err := r.finish(); err != nil {
			return nil, err
		}
	}

	offset := r.position()
	magic, err := r.br.Peek(2)
	if len(magic) == 0 && err == io.EOF {
		return nil, io.EOF
	}
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading container: %w", err)
	}
	if len(magic) < 2 {
		return nil, fmt.Errorf("%w: %d stray bytes at offset %d", ErrTruncated, len(magic), offset)
	}

	r.src = r.br
	if magic[0] == 0x1f && magic[1] == 0x8b {
		if r.gz == nil {
			r.gz, err = gzip.NewReader(r.br)
		} else {
			err = r.gz.Reset(r.br)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: gzip member at offset %d: %v", ErrTruncated, offset, err)
		}
		r.gz.Multistream(false)
		r.src = bufio.NewReader(r.gz)
	}

	header, err := readHeader(r.src)
	if err != nil {
		return nil, fmt.Errorf("record at offset %d: %w", offset, err)
	}

	rec, err := newRecord(header)
	if err != nil {
		return nil, fmt.Errorf("record at offset %d: %w", offset, err)
	}
	rec.Offset = offset
	r.block = &blockReader{r: r.src, remaining: rec.ContentLength}
	rec.Body = r.block
	r.cur = rec
	return rec, nil
}

// Find scans forward for the record with the given id.
func (r *Reader) Find(id string) (*Record, error) {
	id = ParseID(id)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		if err != nil {
			return nil, err
		}
		if rec.ID == id {
			return rec, nil
		}
	}
}

// FindReferring scans forward for the first record of type typ whose
// WARC-Refers-To names id.
func (r *Reader) FindReferring(id string, typ RecordType) (*Record, error) {
	id = ParseID(id)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: %s record referring to %s", ErrRecordNotFound, typ, id)
		}
		if err != nil {
			return nil, err
		}
		if rec.Type == typ && rec.RefersTo == id {
			return rec, nil
		}
	}
}

// finish drains the current record's block, checks the terminator and, for
// gzip members, the member trailer.
func (r *Reader) finish() error {
	rec := r.cur
	r.cur = nil
	if _, err := io.Copy(io.Discard, r.block); err != nil {
		return fmt.Errorf("record %s: %w: %v", rec.ID, ErrTruncated, err)
	}

	term := make([]byte, len(terminator))
	if _, err := io.ReadFull(r.src, term); err != nil {
		return fmt.Errorf("record %s: %w: missing terminator", rec.ID, ErrTruncated)
	}
	if string(term) != terminator {
		return fmt.Errorf("record %s: %w: bad terminator %q", rec.ID, ErrMalformedRecord, term)
	}

	if r.src != r.br {
		// Reading to the member's end verifies its CRC and length trailer.
		if _, err := io.Copy(io.Discard, r.src); err != nil {
			return fmt.Errorf("record %s: %w: %v", rec.ID, ErrTruncated, err)
		}
	}
	rec.Length = r.position() - rec.Offset
	return nil
}

func (r *Reader) position() int64 {
	return r.cr.n - int64(r.br.Buffered())
}

func readHeader(br *bufio.Reader) (Header, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: incomplete version line", ErrTruncated)
	}
	if strings.TrimRight(line, "\r\n") != Version {
		return nil, fmt.Errorf("%w: unexpected version line %q", ErrMalformedRecord, strings.TrimSpace(line))
	}

	var h Header
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("%w: incomplete header", ErrTruncated)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return h, nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: header line %q", ErrMalformedRecord, line)
		}
		h = append(h, Field{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}
}

func newRecord(h Header) (*Record, error) {
	lengthValue := h.Get(HeaderContentLength)
	length, err := strconv.ParseInt(lengthValue, 10, 64)
	if err != nil || length < 0 {
		return nil, fmt.Errorf("%w: Content-Length %q", ErrMalformedRecord, lengthValue)
	}

	rec := &Record{
		Header:        h,
		Type:          RecordType(h.Get(HeaderType)),
		ID:            ParseID(h.Get(HeaderRecordID)),
		RefersTo:      ParseID(h.Get(HeaderRefersTo)),
		ContentType:   h.Get(HeaderContentType),
		ContentLength: length,
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedRecord, HeaderRecordID)
	}
	if label := h.Get(HeaderBlockDigest); label != "" {
		d, err := digest.Parse(label)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, HeaderBlockDigest, err)
		}
		rec.BlockDigest = d
	}
	return rec, nil
}

// ReadRecord parses a single record from b, typically a byte range fetched
// using a record's offset and length, and returns it with its verified block.
func ReadRecord(b []byte) (*Record, []byte, error) {
	r := NewReader(bytes.NewReader(b))
	rec, err := r.Next()
	if err == io.EOF {
		return nil, nil, fmt.Errorf("%w: empty range", ErrTruncated)
	}
	if err != nil {
		return nil, nil, err
	}
	var buf bytes.Buffer
	if _, err := rec.CopyVerified(&buf); err != nil {
		return nil, nil, err
	}
	if err := r.finish(); err != nil {
		return nil, nil, err
	}
	return rec, buf.Bytes(), nil
}

// Inspect lists every record in the container at path. Records before a
// truncated tail are returned together with the error.
func Inspect(path string) ([]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening container: %w", err)
	}
	defer f.Close()

	var records []*Record
	r := NewReader(f)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		rec.Body = nil
		records = append(records, rec)
	}
}

type blockReader struct {
	r         io.Reader
	remaining int64
}

func (b *blockReader) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	if err == io.EOF && b.remaining > 0 {
		return n, io.ErrUnexpectedEOF
	}
	if err == io.EOF {
		err = nil
	}
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func mapReadErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: block ends early", ErrTruncated)
	}
	return err
}
