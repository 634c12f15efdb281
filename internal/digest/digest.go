// Package digest computes algorithm-tagged content digests over byte slices,
// streams and files. Digests are used both inside containers (WARC block
// digests) and to verify content after it has been uploaded or retrieved.
package digest

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// ChunkSize is the read size used when streaming input through a hash.
const ChunkSize = 64 * 1024

var (
	// ErrUnsupportedAlgorithm is returned for algorithm names with no registered hash.
	ErrUnsupportedAlgorithm = errors.New("unsupported digest algorithm")

	// ErrUnsupportedEncoding is returned for encoding names other than hex or base32.
	ErrUnsupportedEncoding = errors.New("unsupported digest encoding")

	// ErrMalformed is returned when a digest label or encoded value cannot be parsed.
	ErrMalformed = errors.New("malformed digest")
)

// Encoding names the textual representation of a raw digest.
type Encoding string

const (
	Hex    Encoding = "hex"
	Base32 Encoding = "base32"
)

// Canonical algorithm names.
const (
	MD5    = "MD5"
	SHA1   = "SHA1"
	SHA256 = "SHA256"
	SHA512 = "SHA512"
	BLAKE3 = "BLAKE3"
)

var algorithms = map[string]func() hash.Hash{
	MD5:    md5.New,
	SHA1:   sha1.New,
	SHA256: sha256.New,
	SHA512: sha512.New,
	BLAKE3: func() hash.Hash { return blake3.New() },
}

// Digest is an algorithm-tagged digest value.
type Digest struct {
	Algorithm string   `json:"algorithm"`
	Raw       []byte   `json:"-"`
	Encoding  Encoding `json:"encoding"`
	Value     string   `json:"value"`
}

// Canonical maps an algorithm name to its canonical form, accepting the
// dashed and lowercase spellings ("sha-1", "Sha256").
func Canonical(alg string) (string, error) {
	name := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(alg), "-", ""))
	if _, ok := algorithms[name]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	return name, nil
}

// New returns a fresh hash for the named algorithm.
func New(alg string) (hash.Hash, error) {
	name, err := Canonical(alg)
	if err != nil {
		return nil, err
	}
	return algorithms[name](), nil
}

// Bytes digests b.
func Bytes(alg string, b []byte, enc Encoding) (Digest, error) {
	return Reader(alg, bytes.NewReader(b), enc)
}

// Reader digests everything read from r, in ChunkSize reads.
func Reader(alg string, r io.Reader, enc Encoding) (Digest, error) {
	name, err := Canonical(alg)
	if err != nil {
		return Digest{}, err
	}
	if err := checkEncoding(enc); err != nil {
		return Digest{}, err
	}
	h := algorithms[name]()
	buf := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return Digest{}, fmt.Errorf("reading input: %w", err)
	}
	return FromRaw(name, h.Sum(nil), enc)
}

// File digests the file at path without loading it into memory.
func File(alg string, path string, enc Encoding) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return Reader(alg, f, enc)
}

// FromRaw builds a Digest from raw hash output.
func FromRaw(alg string, raw []byte, enc Encoding) (Digest, error) {
	name, err := Canonical(alg)
	if err != nil {
		return Digest{}, err
	}
	value, err := encode(raw, enc)
	if err != nil {
		return Digest{}, err
	}
	return Digest{
		Algorithm: name,
		Raw:       append([]byte(nil), raw...),
		Encoding:  enc,
		Value:     value,
	}, nil
}

// Decode returns the raw digest bytes recovered from the encoded value.
func (d Digest) Decode() ([]byte, error) {
	switch d.Encoding {
	case Hex:
		raw, err := hex.DecodeString(d.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return raw, nil
	case Base32:
		raw, err := base32.StdEncoding.DecodeString(d.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, d.Encoding)
	}
}

// IsZero reports whether d carries no value.
func (d Digest) IsZero() bool {
	return d.Algorithm == "" && d.Value == ""
}

// Equal reports whether both digests name the same algorithm and encoded value.
func (d Digest) Equal(other Digest) bool {
	a, errA := Canonical(d.Algorithm)
	b, errB := Canonical(other.Algorithm)
	if errA != nil || errB != nil {
		return false
	}
	return a == b && d.Value == other.Value
}

// Matches compares the underlying raw bytes, so a hex and a base32 rendering
// of the same hash match.
func (d Digest) Matches(other Digest) bool {
	a, errA := Canonical(d.Algorithm)
	b, errB := Canonical(other.Algorithm)
	if errA != nil || errB != nil || a != b {
		return false
	}
	rawA, err := d.Decode()
	if err != nil {
		return false
	}
	rawB, err := other.Decode()
	if err != nil {
		return false
	}
	return bytes.Equal(rawA, rawB)
}

// Reencode returns the same digest rendered with another encoding.
func (d Digest) Reencode(enc Encoding) (Digest, error) {
	raw, err := d.Decode()
	if err != nil {
		return Digest{}, err
	}
	return FromRaw(d.Algorithm, raw, enc)
}

// String renders the WARC label form, e.g. "sha1:3I42H3S6NNFQ2MSVX7XZKYAYSCX5QBYJ".
func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return strings.ToLower(d.Algorithm) + ":" + d.Value
}

// Parse reads a label of the form "<algorithm>:<value>". The encoding is
// inferred: values of the algorithm's hex length made of hex digits are hex,
// everything else is tried as base32.
func Parse(label string) (Digest, error) {
	alg, value, ok := strings.Cut(strings.TrimSpace(label), ":")
	if !ok || value == "" {
		return Digest{}, fmt.Errorf("%w: %q", ErrMalformed, label)
	}
	h, err := New(alg)
	if err != nil {
		return Digest{}, err
	}
	name, _ := Canonical(alg)

	if len(value) == 2*h.Size() {
		if raw, err := hex.DecodeString(value); err == nil {
			return Digest{Algorithm: name, Raw: raw, Encoding: Hex, Value: strings.ToLower(value)}, nil
		}
	}
	raw, err := base32.StdEncoding.DecodeString(strings.ToUpper(value))
	if err != nil || len(raw) != h.Size() {
		return Digest{}, fmt.Errorf("%w: %q", ErrMalformed, label)
	}
	return Digest{Algorithm: name, Raw: raw, Encoding: Base32, Value: strings.ToUpper(value)}, nil
}

// Verify digests r with d's algorithm and reports whether it matches d.
func Verify(d Digest, r io.Reader) (bool, Digest, error) {
	got, err := Reader(d.Algorithm, r, d.Encoding)
	if err != nil {
		return false, Digest{}, err
	}
	return got.Matches(d), got, nil
}

func checkEncoding(enc Encoding) error {
	switch enc {
	case Hex, Base32:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedEncoding, enc)
	}
}

func encode(raw []byte, enc Encoding) (string, error) {
	switch enc {
	case Hex:
		return hex.EncodeToString(raw), nil
	case Base32:
		return base32.StdEncoding.EncodeToString(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedEncoding, enc)
	}
}
