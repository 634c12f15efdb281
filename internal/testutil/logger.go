package testutil

import (
	"log/slog"
	"testing"

	"preserve-go/internal/pv"
)

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}

// NewTestLogger returns a debug-level logger that writes through t.Log, so
// output only shows for failing or verbose tests.
func NewTestLogger(t *testing.T) pv.Logger {
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
