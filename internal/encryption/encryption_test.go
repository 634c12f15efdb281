package encryption

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"preserve-go/internal/config"
	"preserve-go/internal/pv"
)

func newTestAgeKeys(t *testing.T) *AgeKeys {
	t.Helper()
	dir := t.TempDir()
	return NewAgeKeys(config.EncryptionConfig{
		PublicKeyPath:  filepath.Join(dir, "keys", "pv.pub"),
		PrivateKeyPath: filepath.Join(dir, "keys", "pv.key"),
	})
}

func seal(t *testing.T, e pv.Encryptor, plain []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := e.EncryptTo(&buf)
	if err != nil {
		t.Fatalf("EncryptTo() error = %v", err)
	}
	if _, err := w.Write(plain); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return buf.Bytes()
}

func open(t *testing.T, d pv.Decryptor, sealed []byte) []byte {
	t.Helper()
	r, err := d.DecryptFrom(bytes.NewReader(sealed))
	if err != nil {
		t.Fatalf("DecryptFrom() error = %v", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading plaintext: %v", err)
	}
	return plain
}

func TestAgeKeys_Setup(t *testing.T) {
	t.Parallel()
	k := newTestAgeKeys(t)
	if k.IsConfigured() {
		t.Fatal("IsConfigured() = true before Setup")
	}
	if err := k.Setup("pass"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !k.IsConfigured() {
		t.Error("IsConfigured() = false after Setup")
	}
	if err := k.Setup("pass"); err == nil {
		t.Error("second Setup() should refuse to replace the key pair")
	}
}

func TestAgeKeys_EmptyPassphrase(t *testing.T) {
	t.Parallel()
	if err := newTestAgeKeys(t).Setup(""); err == nil {
		t.Error("Setup(\"\") should fail")
	}
}

func TestAgeKeys_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "warc record", input: []byte("WARC/1.1\r\nWARC-Type: resource\r\n\r\n")},
		{name: "empty", input: []byte{}},
		{name: "binary", input: []byte{0x1f, 0x8b, 0x00, 0xff}},
		{name: "large", input: bytes.Repeat([]byte("abcdef"), 20000)},
	}

	k := newTestAgeKeys(t)
	if err := k.Setup("pass"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	d, err := k.Unlock("pass")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed := seal(t, k, tt.input)
			if len(tt.input) > 0 && bytes.Contains(sealed, tt.input) {
				t.Error("ciphertext contains the plaintext")
			}
			if got := open(t, d, sealed); !bytes.Equal(got, tt.input) {
				t.Errorf("round trip: got %d bytes, want %d", len(got), len(tt.input))
			}
		})
	}
}

func TestAgeKeys_Failures(t *testing.T) {
	t.Parallel()

	t.Run("wrong passphrase", func(t *testing.T) {
		k := newTestAgeKeys(t)
		if err := k.Setup("right"); err != nil {
			t.Fatalf("Setup() error = %v", err)
		}
		if _, err := k.Unlock("wrong"); err == nil {
			t.Error("Unlock() with wrong passphrase should fail")
		}
	})

	t.Run("encrypt before setup", func(t *testing.T) {
		if _, err := newTestAgeKeys(t).EncryptTo(io.Discard); err == nil {
			t.Error("EncryptTo() before Setup should fail")
		}
	})

	t.Run("unlock before setup", func(t *testing.T) {
		if _, err := newTestAgeKeys(t).Unlock("pass"); err == nil {
			t.Error("Unlock() before Setup should fail")
		}
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		k := newTestAgeKeys(t)
		if err := k.Setup("pass"); err != nil {
			t.Fatalf("Setup() error = %v", err)
		}
		d, _ := k.Unlock("pass")
		sealed := seal(t, k, []byte("payload"))
		sealed[len(sealed)-1] ^= 0xff
		r, err := d.DecryptFrom(bytes.NewReader(sealed))
		if err == nil {
			_, err = io.ReadAll(r)
		}
		if err == nil {
			t.Error("tampered ciphertext decrypted without error")
		}
	})
}

func TestFakeEncryptor(t *testing.T) {
	t.Parallel()
	e := NewFakeEncryptor()
	sealed := seal(t, e, []byte("hello"))
	if bytes.Equal(sealed, []byte("hello")) {
		t.Error("fake ciphertext equals plaintext")
	}
	d, _ := e.Unlock("")
	if got := open(t, d, sealed); string(got) != "hello" {
		t.Errorf("round trip = %q", got)
	}
	if _, err := d.DecryptFrom(bytes.NewReader([]byte("plain"))); err == nil {
		t.Error("DecryptFrom() accepted data without the marker")
	}
}

func TestNewEncryptorFromConfig(t *testing.T) {
	t.Parallel()
	for _, typ := range []string{"", "age", "test"} {
		if _, err := NewEncryptorFromConfig(config.EncryptionConfig{Type: typ}); err != nil {
			t.Errorf("NewEncryptorFromConfig(%q) error = %v", typ, err)
		}
	}
	if _, err := NewEncryptorFromConfig(config.EncryptionConfig{Type: "rot13"}); err == nil {
		t.Error("unknown type should fail")
	}
}
