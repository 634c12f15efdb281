package staging

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"preserve-go/internal/config"
	"preserve-go/internal/digest"
	"preserve-go/internal/model"
	"preserve-go/internal/pv"
)

func newTestArea(t *testing.T, maxSize int64) *FileSystemStagingArea {
	t.Helper()
	s, err := NewFileSystemStagingArea(t.TempDir(), maxSize, digest.SHA1, digest.Base32, nil)
	if err != nil {
		t.Fatalf("NewFileSystemStagingArea() error = %v", err)
	}
	return s
}

func TestStagingArea_Stage(t *testing.T) {
	s := newTestArea(t, 0)

	staged, err := s.Stage("U1", "metadata.xml", strings.NewReader("<mods/>"))
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if staged.Size != 7 {
		t.Errorf("Size = %d, want 7", staged.Size)
	}
	want, _ := digest.Bytes(digest.SHA1, []byte("<mods/>"), digest.Base32)
	if !staged.Digest.Equal(want) {
		t.Errorf("Digest = %v, want %v", staged.Digest, want)
	}
	data, err := os.ReadFile(staged.Path)
	if err != nil {
		t.Fatalf("reading staged file: %v", err)
	}
	if string(data) != "<mods/>" {
		t.Errorf("staged content = %q", data)
	}

	// No temp files are left behind.
	entries, _ := os.ReadDir(filepath.Dir(staged.Path))
	if len(entries) != 1 {
		t.Errorf("staging dir holds %d entries, want 1", len(entries))
	}
}

func TestStagingArea_StageRejectsBadNames(t *testing.T) {
	s := newTestArea(t, 0)
	for _, name := range []string{"", "../x", "a/b", ".."} {
		if _, err := s.Stage("U1", name, strings.NewReader("x")); !errors.Is(err, pv.ErrValidation) {
			t.Errorf("Stage(%q) error = %v, want ErrValidation", name, err)
		}
	}
	if _, err := s.Stage("", "x", strings.NewReader("x")); !errors.Is(err, pv.ErrValidation) {
		t.Errorf("Stage() with empty request id error = %v, want ErrValidation", err)
	}
}

func TestStagingArea_RequestIDsAreEscaped(t *testing.T) {
	s := newTestArea(t, 0)
	staged, err := s.Stage("a/b", "f", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if filepath.Dir(filepath.Dir(staged.Path)) != s.Root() {
		t.Errorf("staged outside its request directory: %s", staged.Path)
	}
	ids, err := s.Requests()
	if err != nil {
		t.Fatalf("Requests() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != "a/b" {
		t.Errorf("Requests() = %v, want [a/b]", ids)
	}
}

func TestStagingArea_SizeLimit(t *testing.T) {
	s := newTestArea(t, 10)

	if _, err := s.Stage("U1", "a", strings.NewReader("123456")); err != nil {
		t.Fatalf("first Stage() error = %v", err)
	}
	_, err := s.Stage("U1", "b", strings.NewReader("123456"))
	if !errors.Is(err, pv.ErrStagingIO) || !strings.Contains(err.Error(), "full") {
		t.Errorf("second Stage() error = %v, want staging area full", err)
	}
	size, _ := s.Size()
	if size != 6 {
		t.Errorf("Size() = %d, want 6", size)
	}
}

func TestStagingArea_SizeLimitReleasedOnRemove(t *testing.T) {
	s := newTestArea(t, 10)

	if _, err := s.Stage("U1", "a", strings.NewReader("12345678")); err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if _, err := s.Stage("U2", "a", strings.NewReader("12345678")); err == nil {
		t.Fatal("Stage() beyond the limit succeeded")
	}
	if err := s.Remove("U1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Stage("U2", "a", strings.NewReader("12345678")); err != nil {
		t.Errorf("Stage() after Remove() error = %v", err)
	}
}

func TestStagingArea_SizeLimitCountsExistingFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "U1"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "U1", "left-over"), []byte("12345678"), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := NewFileSystemStagingArea(root, 10, digest.SHA1, digest.Base32, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Stage("U2", "a", strings.NewReader("1234")); !errors.Is(err, pv.ErrStagingIO) {
		t.Errorf("Stage() error = %v, want staging area full", err)
	}
}

func TestStagingArea_StageNeverReplaces(t *testing.T) {
	s := newTestArea(t, 0)
	first, err := s.Stage("U1", "metadata.xml", strings.NewReader("<mods/>"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Stage("U1", "metadata.xml", strings.NewReader("other")); !errors.Is(err, pv.ErrValidation) {
		t.Errorf("second Stage() error = %v, want ErrValidation", err)
	}
	data, _ := os.ReadFile(first.Path)
	if string(data) != "<mods/>" {
		t.Errorf("staged file replaced with %q", data)
	}
}

func TestStagingArea_ContentKeptApart(t *testing.T) {
	s := newTestArea(t, 0)
	meta, err := s.Stage("U1", "metadata.xml", strings.NewReader("<mods/>"))
	if err != nil {
		t.Fatal(err)
	}
	content, err := s.StageSource(context.Background(), "U1", &model.ContentFile{
		Name: "metadata.xml",
		Data: base64.StdEncoding.EncodeToString([]byte("payload")),
	})
	if err != nil {
		t.Fatalf("StageSource() error = %v", err)
	}
	if content.Path == meta.Path {
		t.Fatalf("content staged over metadata at %s", meta.Path)
	}
	for path, want := range map[string]string{meta.Path: "<mods/>", content.Path: "payload"} {
		if data, _ := os.ReadFile(path); string(data) != want {
			t.Errorf("%s holds %q, want %q", path, data, want)
		}
	}
}

func TestStagingArea_ConcurrentStaging(t *testing.T) {
	s := newTestArea(t, 100)
	pr, pw := io.Pipe()

	done := make(chan error, 1)
	go func() {
		_, err := s.Stage("U1", "slow", pr)
		done <- err
	}()
	if _, err := pw.Write([]byte("partial")); err != nil {
		t.Fatal(err)
	}

	// A second request stages while the first copy is still open.
	fast := make(chan error, 1)
	go func() {
		_, err := s.Stage("U2", "fast", strings.NewReader("x"))
		fast <- err
	}()
	select {
	case err := <-fast:
		if err != nil {
			t.Errorf("Stage() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second Stage() blocked behind an open copy")
	}

	pw.Close()
	if err := <-done; err != nil {
		t.Errorf("slow Stage() error = %v", err)
	}
	if size, _ := s.Size(); size != int64(len("partial")+1) {
		t.Errorf("Size() = %d", size)
	}
}

func TestStagingArea_Remove(t *testing.T) {
	s := newTestArea(t, 0)
	staged, _ := s.Stage("U1", "a", strings.NewReader("x"))
	if err := s.Remove("U1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(staged.Path); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("staged file still present: %v", err)
	}
	if err := s.Remove("U1"); err != nil {
		t.Errorf("second Remove() error = %v", err)
	}
}

func TestStagingArea_StageSource(t *testing.T) {
	ctx := context.Background()
	payload := "hello world"
	sum, _ := digest.Bytes(digest.SHA256, []byte(payload), digest.Hex)

	local := filepath.Join(t.TempDir(), "local.txt")
	if err := os.WriteFile(local, []byte(payload), 0644); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files/remote.bin" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-test")
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	tests := []struct {
		name     string
		src      model.ContentFile
		wantName string
		wantType string
		wantErr  error
	}{
		{
			name:     "inline base64",
			src:      model.ContentFile{Name: "inline.txt", Data: base64.StdEncoding.EncodeToString([]byte(payload))},
			wantName: "inline.txt",
		},
		{
			name:     "local path",
			src:      model.ContentFile{Path: local, ContentType: "text/plain"},
			wantName: "local.txt",
			wantType: "text/plain",
		},
		{
			name:     "file url",
			src:      model.ContentFile{URL: "file://" + local},
			wantName: "local.txt",
		},
		{
			name:     "http url",
			src:      model.ContentFile{URL: srv.URL + "/files/remote.bin"},
			wantName: "remote.bin",
			wantType: "application/x-test",
		},
		{
			name:     "matching checksum in another algorithm",
			src:      model.ContentFile{Path: local, Checksum: &model.Checksum{Algorithm: "SHA-256", Value: sum.Value}},
			wantName: "local.txt",
		},
		{
			name:    "mismatching checksum",
			src:     model.ContentFile{Path: local, Checksum: &model.Checksum{Algorithm: "MD5", Value: strings.Repeat("0", 32)}},
			wantErr: pv.ErrChecksumMismatch,
		},
		{
			name:    "two sources",
			src:     model.ContentFile{Path: local, URL: "file://" + local},
			wantErr: pv.ErrValidation,
		},
		{
			name:    "missing local file",
			src:     model.ContentFile{Path: filepath.Join(t.TempDir(), "missing")},
			wantErr: pv.ErrStagingIO,
		},
		{
			name:    "http not found",
			src:     model.ContentFile{URL: srv.URL + "/nope"},
			wantErr: pv.ErrStagingIO,
		},
		{
			name:    "unsupported scheme",
			src:     model.ContentFile{URL: "ftp://example.org/x"},
			wantErr: pv.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestArea(t, 0)
			src := tt.src
			staged, err := s.StageSource(ctx, "U1", &src)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("StageSource() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("StageSource() error = %v", err)
			}
			if staged.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", staged.Name, tt.wantName)
			}
			if tt.wantType != "" && staged.ContentType != tt.wantType {
				t.Errorf("ContentType = %q, want %q", staged.ContentType, tt.wantType)
			}
			data, _ := os.ReadFile(staged.Path)
			if string(data) != payload {
				t.Errorf("staged content = %q", data)
			}
		})
	}
}

type fakeInfo struct {
	size    int64
	mode    fs.FileMode
	modTime time.Time
}

func (f fakeInfo) Name() string       { return "f" }
func (f fakeInfo) Size() int64        { return f.size }
func (f fakeInfo) Mode() fs.FileMode  { return f.mode }
func (f fakeInfo) ModTime() time.Time { return f.modTime }
func (f fakeInfo) IsDir() bool        { return false }
func (f fakeInfo) Sys() any           { return nil }

func TestValidateStatUnchanged(t *testing.T) {
	now := time.Now()
	base := fakeInfo{size: 10, mode: 0644, modTime: now}

	tests := []struct {
		name    string
		other   fakeInfo
		wantErr bool
	}{
		{"unchanged", base, false},
		{"size changed", fakeInfo{size: 11, mode: 0644, modTime: now}, true},
		{"mode changed", fakeInfo{size: 10, mode: 0600, modTime: now}, true},
		{"mtime changed", fakeInfo{size: 10, mode: 0644, modTime: now.Add(time.Second)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateStatUnchanged(base, tt.other)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateStatUnchanged() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewStagingAreaFromConfig(t *testing.T) {
	t.Run("defaults digest", func(t *testing.T) {
		s, err := NewStagingAreaFromConfig(config.StagingConfig{StagingDir: t.TempDir()}, config.DigestConfig{}, nil)
		if err != nil {
			t.Fatalf("NewStagingAreaFromConfig() error = %v", err)
		}
		if s.algorithm != digest.SHA1 || s.encoding != digest.Base32 {
			t.Errorf("digest = %s/%s", s.algorithm, s.encoding)
		}
	})

	t.Run("requires staging dir", func(t *testing.T) {
		if _, err := NewStagingAreaFromConfig(config.StagingConfig{}, config.DigestConfig{}, nil); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("rejects unknown algorithm", func(t *testing.T) {
		_, err := NewStagingAreaFromConfig(config.StagingConfig{StagingDir: t.TempDir()}, config.DigestConfig{Algorithm: "CRC32"}, nil)
		if !errors.Is(err, digest.ErrUnsupportedAlgorithm) {
			t.Errorf("error = %v, want ErrUnsupportedAlgorithm", err)
		}
	})
}
