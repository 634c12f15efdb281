// Package warc writes and reads WARC/1.0 archival containers.
//
// A container is an append-only file holding one warcinfo record followed by
// resource records and the metadata records that describe them. Every record
// is self-framed (headers carry Content-Length, the block is followed by the
// CRLF CRLF terminator), so a reader can detect a partially written tail.
// Records may optionally be stored as individual gzip members, which keeps
// each record addressable by (offset, length) within the file.
package warc

import (
	"errors"
	"fmt"
	"strings"
)

// Version is the WARC version line written at the start of every record.
const Version = "WARC/1.0"

const (
	crlf       = "\r\n"
	terminator = "\r\n\r\n"
)

// RecordType is the value of the WARC-Type header.
type RecordType string

const (
	TypeWarcinfo RecordType = "warcinfo"
	TypeResource RecordType = "resource"
	TypeMetadata RecordType = "metadata"
)

// Header names used by this package.
const (
	HeaderType          = "WARC-Type"
	HeaderRecordID      = "WARC-Record-ID"
	HeaderDate          = "WARC-Date"
	HeaderBlockDigest   = "WARC-Block-Digest"
	HeaderPayloadDigest = "WARC-Payload-Digest"
	HeaderRefersTo      = "WARC-Refers-To"
	HeaderWarcinfoID    = "WARC-Warcinfo-ID"
	HeaderTargetURI     = "WARC-Target-URI"
	HeaderFilename      = "WARC-Filename"
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
)

// InfoContentType is the content type of warcinfo blocks.
const InfoContentType = "application/warc-fields"

var (
	// ErrContainerAlreadyExists is returned by Open when a non-empty container
	// with the same id is already present.
	ErrContainerAlreadyExists = errors.New("container already exists")

	// ErrInvalidState is returned for writes that the container's state does
	// not allow: a second info record, records before the info record, or any
	// write after Close or after a failed write.
	ErrInvalidState = errors.New("invalid container state")

	// ErrUnknownReference is returned when a metadata record refers to a
	// record id this writer did not produce as a resource record.
	ErrUnknownReference = errors.New("unknown record reference")

	// ErrMissingDigest is returned when a record is written without a digest.
	ErrMissingDigest = errors.New("record digest required")

	// ErrDigestMismatch is returned when streamed content does not match the
	// digest supplied for it.
	ErrDigestMismatch = errors.New("record digest mismatch")

	// ErrShortBlock is returned when the content stream ends before the
	// declared length.
	ErrShortBlock = errors.New("record block shorter than declared length")

	// ErrInvalidHeader is returned when a header name or value, or a
	// warcinfo field, would break the record framing.
	ErrInvalidHeader = errors.New("invalid record header")

	// ErrTruncated is returned by the reader when a record ends before its
	// declared length or terminator.
	ErrTruncated = errors.New("truncated record")

	// ErrMalformedRecord is returned by the reader for records that do not
	// follow WARC framing.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrRecordNotFound is returned when a lookup scans the whole container
	// without finding the requested record.
	ErrRecordNotFound = errors.New("record not found")
)

// Field is a single "Name: value" pair, used for record headers and for the
// body of warcinfo records.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered list of header fields.
type Header []Field

// Get returns the first value for name, compared case-insensitively.
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// InfoBlock renders warcinfo fields into the block bytes written by
// WriteInfoRecord, so callers can digest it beforehand.
func InfoBlock(fields []Field) []byte {
	var b strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&b, "%s: %s%s", f.Name, f.Value, crlf)
	}
	return []byte(b.String())
}

// FileName returns the file name used for a container id.
func FileName(containerID string, compress bool) string {
	if compress {
		return containerID + ".warc.gz"
	}
	return containerID + ".warc"
}

// FormatID renders a record id the way it appears in WARC headers.
func FormatID(id string) string {
	return "<" + id + ">"
}

// ParseID strips the angle brackets from a header record id.
func ParseID(v string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(v), "<"), ">")
}
