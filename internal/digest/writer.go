package digest

import "hash"

// Writer is an io.Writer that digests everything written to it. It is used to
// compute a digest while content is being copied somewhere else.
type Writer struct {
	alg string
	enc Encoding
	h   hash.Hash
	n   int64
}

// NewWriter returns a Writer for the named algorithm.
func NewWriter(alg string, enc Encoding) (*Writer, error) {
	name, err := Canonical(alg)
	if err != nil {
		return nil, err
	}
	if err := checkEncoding(enc); err != nil {
		return nil, err
	}
	return &Writer{alg: name, enc: enc, h: algorithms[name]()}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	n, _ := w.h.Write(p)
	w.n += int64(n)
	return n, nil
}

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 { return w.n }

// Digest returns the digest of everything written so far.
func (w *Writer) Digest() Digest {
	d, _ := FromRaw(w.alg, w.h.Sum(nil), w.enc)
	return d
}
