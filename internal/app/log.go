package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// pvHandler is a slog.Handler that writes one tab-separated line per record:
//
//	<timestamp>\t<level>\t<runID>\t<message>\t<key=value ...>
type pvHandler struct {
	mu    *sync.Mutex
	w     io.Writer
	runID string
	attrs []slog.Attr
}

func newPVHandler(w io.Writer, runID string) *pvHandler {
	return &pvHandler{mu: &sync.Mutex{}, w: w, runID: runID}
}

func (h *pvHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }

// Handle renders the whole line before writing so lines from the two worker
// goroutines never interleave.
func (h *pvHandler) Handle(_ context.Context, r slog.Record) error {
	buf := fmt.Appendf(nil, "%s\t%s\t%s\t%s",
		r.Time.UTC().Format("2006-01-02T15:04:05Z"), r.Level, h.runID, r.Message)
	for _, a := range h.attrs {
		buf = fmt.Appendf(buf, "\t%s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		buf = fmt.Appendf(buf, "\t%s=%v", a.Key, a.Value)
		return true
	})
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *pvHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &pvHandler{
		mu:    h.mu,
		w:     h.w,
		runID: h.runID,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *pvHandler) WithGroup(string) slog.Handler { return h }

// newLogger creates a logger writing to both logDir/pv.log and stderr. The
// returned file must be closed by the caller.
func newLogger(logDir, runID string) (*slog.Logger, *os.File, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(logDir, "pv.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	return slog.New(newPVHandler(io.MultiWriter(f, os.Stderr), runID)), f, nil
}

// slogAdapter wraps *slog.Logger to satisfy pv.Logger.
type slogAdapter struct {
	l *slog.Logger
}

func (a *slogAdapter) Debug(msg string, args ...any) { a.l.Debug(msg, args...) }
func (a *slogAdapter) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }
