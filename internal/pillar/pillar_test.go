package pillar

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"preserve-go/internal/digest"
	"preserve-go/internal/encryption"
	"preserve-go/internal/pv"
)

func sha1Of(t *testing.T, s string) digest.Digest {
	t.Helper()
	d, err := digest.Bytes(digest.SHA1, []byte(s), digest.Base32)
	if err != nil {
		t.Fatalf("digest.Bytes() error = %v", err)
	}
	return d
}

// testPillars returns one fresh instance of every local pillar flavour.
func testPillars(t *testing.T) map[string]pv.Pillar {
	t.Helper()
	fsp, err := NewFileSystemPillar("fs", t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemPillar() error = %v", err)
	}
	fake := encryption.NewFakeEncryptor()
	dec, _ := fake.Unlock("")
	return map[string]pv.Pillar{
		"memory":     NewMemoryPillar("mem"),
		"filesystem": fsp,
		"encrypted":  NewEncryptedPillar(NewMemoryPillar("enc"), fake, dec),
	}
}

func TestPillar_PutGet(t *testing.T) {
	ctx := context.Background()
	const data = "WARC/1.1 container bytes"

	for name, p := range testPillars(t) {
		t.Run(name, func(t *testing.T) {
			if err := p.PutFile(ctx, "c1.warc", strings.NewReader(data), int64(len(data)), sha1Of(t, data)); err != nil {
				t.Fatalf("PutFile() error = %v", err)
			}
			has, err := p.HasFile(ctx, "c1.warc")
			if err != nil || !has {
				t.Fatalf("HasFile() = %v, %v", has, err)
			}

			var buf bytes.Buffer
			if err := p.GetFile(ctx, "c1.warc", &buf); err != nil {
				t.Fatalf("GetFile() error = %v", err)
			}
			if buf.String() != data {
				t.Errorf("GetFile() = %q, want %q", buf.String(), data)
			}

			buf.Reset()
			if err := p.GetFileRange(ctx, "c1.warc", 5, 3, &buf); err != nil {
				t.Fatalf("GetFileRange() error = %v", err)
			}
			if buf.String() != "1.1" {
				t.Errorf("GetFileRange() = %q, want %q", buf.String(), "1.1")
			}

			if err := p.ValidateSetup(ctx); err != nil {
				t.Errorf("ValidateSetup() error = %v", err)
			}
		})
	}
}

func TestPillar_PutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	const data = "same bytes"

	for name, p := range testPillars(t) {
		t.Run(name, func(t *testing.T) {
			sum := sha1Of(t, data)
			for i := 0; i < 2; i++ {
				if err := p.PutFile(ctx, "f", strings.NewReader(data), int64(len(data)), sum); err != nil {
					t.Fatalf("PutFile() #%d error = %v", i+1, err)
				}
			}
			other := "different!"
			err := p.PutFile(ctx, "f", strings.NewReader(other), int64(len(other)), sha1Of(t, other))
			if !errors.Is(err, pv.ErrUploadFailed) {
				t.Errorf("PutFile() with different content error = %v, want ErrUploadFailed", err)
			}
		})
	}
}

func TestPillar_PutRejects(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		fileID  string
		data    string
		size    int64
		sum     string
		wantErr error
	}{
		{name: "size mismatch", fileID: "f", data: "hello", size: 100, sum: "hello", wantErr: pv.ErrUploadFailed},
		{name: "checksum mismatch", fileID: "f", data: "hello", size: 5, sum: "jello", wantErr: pv.ErrChecksumMismatch},
		{name: "path in file id", fileID: "../f", data: "hello", size: 5, sum: "hello", wantErr: pv.ErrValidation},
		{name: "empty file id", fileID: "", data: "hello", size: 5, sum: "hello", wantErr: pv.ErrValidation},
	}

	for name, p := range testPillars(t) {
		for _, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				err := p.PutFile(ctx, tt.fileID, strings.NewReader(tt.data), tt.size, sha1Of(t, tt.sum))
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("PutFile() error = %v, want %v", err, tt.wantErr)
				}
				if tt.fileID != "" && checkFileID(tt.fileID) == nil {
					if has, _ := p.HasFile(ctx, tt.fileID); has {
						t.Error("rejected file was stored")
					}
				}
			})
		}
	}
}

func TestPillar_Missing(t *testing.T) {
	ctx := context.Background()
	for name, p := range testPillars(t) {
		t.Run(name, func(t *testing.T) {
			has, err := p.HasFile(ctx, "nope")
			if err != nil || has {
				t.Errorf("HasFile() = %v, %v, want false, nil", has, err)
			}
			var buf bytes.Buffer
			if err := p.GetFile(ctx, "nope", &buf); !errors.Is(err, pv.ErrNotFound) {
				t.Errorf("GetFile() error = %v, want ErrNotFound", err)
			}
			if err := p.GetFileRange(ctx, "nope", 0, 1, &buf); !errors.Is(err, pv.ErrNotFound) {
				t.Errorf("GetFileRange() error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestPillar_RangeOutOfBounds(t *testing.T) {
	ctx := context.Background()
	const data = "0123456789"
	for name, p := range testPillars(t) {
		t.Run(name, func(t *testing.T) {
			if err := p.PutFile(ctx, "f", strings.NewReader(data), 10, digest.Digest{}); err != nil {
				t.Fatalf("PutFile() error = %v", err)
			}
			for _, r := range [][2]int64{{8, 5}, {-1, 2}, {0, 0}, {20, 1}, {10, 1}, {1, math.MaxInt64}, {math.MaxInt64, 1}} {
				var buf bytes.Buffer
				if err := p.GetFileRange(ctx, "f", r[0], r[1], &buf); !errors.Is(err, pv.ErrValidation) {
					t.Errorf("GetFileRange(%d, %d) error = %v, want ErrValidation", r[0], r[1], err)
				}
			}
			var buf bytes.Buffer
			if err := p.GetFileRange(ctx, "f", 9, 1, &buf); err != nil || buf.String() != "9" {
				t.Errorf("GetFileRange(9, 1) = %q, %v", buf.String(), err)
			}
		})
	}
}

func TestMemoryPillar_FailureInjection(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPillar("m")

	p.SetUnavailable(true)
	if err := p.PutFile(ctx, "f", strings.NewReader("x"), 1, digest.Digest{}); !errors.Is(err, pv.ErrRepositoryUnavailable) {
		t.Errorf("PutFile() while offline error = %v", err)
	}
	if err := p.ValidateSetup(ctx); !errors.Is(err, pv.ErrRepositoryUnavailable) {
		t.Errorf("ValidateSetup() while offline error = %v", err)
	}
	p.SetUnavailable(false)

	boom := errors.New("disk on fire")
	p.FailPuts(boom)
	if err := p.PutFile(ctx, "f", strings.NewReader("x"), 1, digest.Digest{}); !errors.Is(err, boom) {
		t.Errorf("PutFile() error = %v, want injected error", err)
	}
	p.FailPuts(nil)

	if err := p.PutFile(ctx, "f", strings.NewReader("abc"), 3, digest.Digest{}); err != nil {
		t.Fatalf("PutFile() error = %v", err)
	}
	p.Corrupt("f")
	var buf bytes.Buffer
	p.GetFile(ctx, "f", &buf)
	if buf.String() == "abc" {
		t.Error("Corrupt() did not change the stored file")
	}
	if p.Puts() != 1 || len(p.Files()) != 1 {
		t.Errorf("Puts() = %d, Files() = %v", p.Puts(), p.Files())
	}
}

func TestEncryptedPillar_StoresCiphertext(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryPillar("inner")
	fake := encryption.NewFakeEncryptor()

	writeOnly := NewEncryptedPillar(inner, fake, nil)
	if err := writeOnly.PutFile(ctx, "f", strings.NewReader("plain"), 5, sha1Of(t, "plain")); err != nil {
		t.Fatalf("PutFile() error = %v", err)
	}

	var raw bytes.Buffer
	inner.GetFile(ctx, "f", &raw)
	if raw.String() == "plain" {
		t.Error("inner pillar holds plaintext")
	}

	var buf bytes.Buffer
	if err := writeOnly.GetFile(ctx, "f", &buf); !errors.Is(err, ErrLocked) {
		t.Errorf("GetFile() without key error = %v, want ErrLocked", err)
	}

	dec, _ := fake.Unlock("")
	readable := NewEncryptedPillar(inner, fake, dec)
	if err := readable.GetFile(ctx, "f", &buf); err != nil || buf.String() != "plain" {
		t.Errorf("GetFile() = %q, %v", buf.String(), err)
	}
}
