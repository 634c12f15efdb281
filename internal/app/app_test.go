package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"preserve-go/internal/config"
	"preserve-go/internal/model"
	"preserve-go/internal/pv"
	"preserve-go/internal/transport"
	"preserve-go/internal/warc"
)

// newTestConfig describes a self-contained installation under a temp dir:
// memory transport, sqlite state, and one collection of two filesystem
// pillars, the second of them encrypted with the test encryptor.
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.NewConfig("host-1", base)
	cfg.Transport = config.TransportConfig{
		Type:                "memory",
		PreservationQueue:   "preservation",
		ImportQueue:         "import",
		ImportResponseQueue: "import-responses",
		PollInterval:        config.Duration{Duration: time.Millisecond},
	}
	cfg.Collections = []config.CollectionConfig{{
		Name: "collection-A",
		Pillars: []config.PillarConfig{
			{Type: "filesystem", ID: "p1", FSRoot: filepath.Join(base, "pillars", "p1")},
			{Type: "filesystem", ID: "p2", FSRoot: filepath.Join(base, "pillars", "p2"), Encrypted: true},
		},
	}}
	cfg.Encryption = config.EncryptionConfig{Type: "test"}
	cfg.Import.AllowFileDelivery = true
	cfg.Retry.Delay = config.Duration{Duration: time.Millisecond}
	cfg.Retry.ReceiveBackoff = config.Duration{Duration: time.Millisecond}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...Option) *App {
	t.Helper()
	a, err := NewApp(cfg, "test", opts...)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func jsonReader(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(b)
}

// serve runs both workers until they have drained the shutdown messages.
func serve(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.SubmitShutdown(ctx, "test"); err != nil {
		t.Fatalf("SubmitShutdown() error = %v", err)
	}
	if err := a.Serve(ctx); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
}

func drain(t *testing.T, a *App, queue string) []model.Message {
	t.Helper()
	mt, ok := a.transport.(*transport.MemoryTransport)
	if !ok {
		t.Fatalf("transport is %T", a.transport)
	}
	return mt.Drain(queue)
}

func TestApp_PreserveThenImport(t *testing.T) {
	cfg := newTestConfig(t)
	unlocks := 0
	a := newTestApp(t, cfg, WithPassphrase(func(string) (string, error) {
		unlocks++
		return "secret", nil
	}))
	ctx := context.Background()
	content := []byte("minutes of the 1911 council meeting")

	id, err := a.SubmitPreservation(ctx, jsonReader(t, &model.PreservationRequest{
		ID:       "U1",
		Profile:  "collection-A",
		Callback: "callbacks",
		Title:    "Minutes",
		Metadata: model.Metadata{Descriptive: "<mods/>"},
		Content: &model.ContentFile{
			Name:        "minutes.txt",
			ContentType: "text/plain",
			Data:        base64.StdEncoding.EncodeToString(content),
		},
	}))
	if err != nil || id != "U1" {
		t.Fatalf("SubmitPreservation() = %q, %v", id, err)
	}
	serve(t, a)

	msgs := drain(t, a, "callbacks")
	if len(msgs) != 5 {
		t.Fatalf("callback messages = %d, want 5", len(msgs))
	}
	finished := msgs[len(msgs)-1].(*model.PreservationResponse)
	if finished.State != string(pv.StateFinished) {
		t.Fatalf("final state = %s (%s)", finished.State, finished.Detail)
	}
	if unlocks != 1 {
		t.Errorf("passphrase asked %d times, want 1", unlocks)
	}

	var resource model.RecordInfo
	for _, r := range finished.Container.Records {
		if r.Type == "resource" {
			resource = r
		}
	}
	target := filepath.Join(t.TempDir(), "delivered.txt")
	if _, err := a.SubmitImport(ctx, jsonReader(t, &model.ImportRequest{
		ID:          "I1",
		Type:        model.ImportFile,
		Profile:     "collection-A",
		DeliveryURL: "file://" + target,
		Locator:     model.ContainerLocator{ContainerID: finished.Container.ID, RecordID: resource.ID},
	})); err != nil {
		t.Fatalf("SubmitImport() error = %v", err)
	}
	serve(t, a)

	resps := drain(t, a, "import-responses")
	if len(resps) == 0 {
		t.Fatal("no import responses")
	}
	if last := resps[len(resps)-1].(*model.ImportResponse); last.State != string(pv.StateFinished) {
		t.Fatalf("import ended in %s (%s)", last.State, last.Detail)
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("delivered %q, want %q", got, content)
	}

	states, err := a.States(ctx)
	if err != nil || len(states) != 0 {
		t.Errorf("States() = %v, %v; want none outstanding", states, err)
	}
	history, err := a.History(ctx, "U1")
	if err != nil || len(history) != 5 {
		t.Errorf("History(U1) = %d entries, %v", len(history), err)
	}

	container := filepath.Join(cfg.Collections[0].Pillars[0].FSRoot, "files", finished.Container.FileID)
	records, err := InspectContainer(container)
	if err != nil {
		t.Fatalf("InspectContainer() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("container records = %d, want 3", len(records))
	}
	if records[0].Type != warc.TypeWarcinfo {
		t.Errorf("first record is %s", records[0].Type)
	}
	var out bytes.Buffer
	if _, n, err := ExtractRecord(container, resource.ID, &out); err != nil || n != int64(len(content)) {
		t.Fatalf("ExtractRecord() = %d, %v", n, err)
	}
	if !bytes.Equal(out.Bytes(), content) {
		t.Errorf("extracted %q", out.Bytes())
	}
}

func TestApp_SubmitRejectsMalformedRequests(t *testing.T) {
	a := newTestApp(t, newTestConfig(t))
	ctx := context.Background()

	if _, err := a.SubmitPreservation(ctx, strings.NewReader("{not json")); !errors.Is(err, pv.ErrValidation) {
		t.Errorf("SubmitPreservation() error = %v, want ErrValidation", err)
	}
	if _, err := a.SubmitImport(ctx, strings.NewReader(`{"id": 7}`)); !errors.Is(err, pv.ErrValidation) {
		t.Errorf("SubmitImport() error = %v, want ErrValidation", err)
	}
	if a.transport != nil {
		t.Error("transport opened for a rejected request")
	}
	if a.op.Err == nil {
		t.Error("operation not marked as failed")
	}
}

func TestApp_StateMaintenance(t *testing.T) {
	a := newTestApp(t, newTestConfig(t))
	ctx := context.Background()

	for _, id := range []string{"U2", "U1"} {
		st := &pv.RequestState{RequestID: id, Kind: pv.KindPreservation, State: pv.StateValidated, EventID: "E-" + id}
		if err := a.store.Put(ctx, st); err != nil {
			t.Fatal(err)
		}
		if _, err := a.staging.Stage(id, "content", strings.NewReader("x")); err != nil {
			t.Fatal(err)
		}
	}

	states, err := a.States(ctx)
	if err != nil {
		t.Fatalf("States() error = %v", err)
	}
	if len(states) != 2 || states[0].RequestID != "U1" || states[1].RequestID != "U2" {
		t.Fatalf("States() = %v, want U1 then U2", states)
	}

	if err := a.Purge(ctx, "U1"); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if st, _ := a.State(ctx, "U1"); st != nil {
		t.Errorf("State(U1) = %+v after purge", st)
	}
	if ids, _ := a.staging.Requests(); len(ids) != 1 || ids[0] != "U2" {
		t.Errorf("staged requests = %v, want [U2]", ids)
	}

	if err := a.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if states, _ := a.States(ctx); len(states) != 0 {
		t.Errorf("States() = %v after cleanup", states)
	}
	if ids, _ := a.staging.Requests(); len(ids) != 0 {
		t.Errorf("staged requests = %v after cleanup", ids)
	}
}

func TestApp_ResumeFinishesOutstanding(t *testing.T) {
	a := newTestApp(t, newTestConfig(t), WithPassphrase(func(string) (string, error) { return "secret", nil }))
	ctx := context.Background()

	st := &pv.RequestState{
		RequestID: "U1",
		Kind:      pv.KindPreservation,
		State:     pv.StateReceived,
		EventID:   "E1",
		Preservation: &model.PreservationRequest{
			ID: "U1", Profile: "collection-A", Callback: "callbacks",
			Metadata: model.Metadata{Descriptive: "<mods/>"},
		},
	}
	if err := a.store.Put(ctx, st); err != nil {
		t.Fatal(err)
	}
	if err := a.Resume(ctx); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	msgs := drain(t, a, "callbacks")
	if len(msgs) == 0 {
		t.Fatal("nothing published")
	}
	if last := msgs[len(msgs)-1].(*model.PreservationResponse); last.State != string(pv.StateFinished) {
		t.Errorf("final state = %s (%s)", last.State, last.Detail)
	}
}

func TestApp_Collections(t *testing.T) {
	t.Run("all pillars usable", func(t *testing.T) {
		a := newTestApp(t, newTestConfig(t), WithPassphrase(func(string) (string, error) {
			t.Error("passphrase asked for a setup check")
			return "", nil
		}))
		statuses, err := a.Collections(context.Background())
		if err != nil {
			t.Fatalf("Collections() error = %v", err)
		}
		if len(statuses) != 2 {
			t.Fatalf("statuses = %d, want 2", len(statuses))
		}
		for _, s := range statuses {
			if s.CollectionID != "collection-A" || s.Err != nil {
				t.Errorf("status = %+v", s)
			}
		}
	})

	t.Run("encrypted pillar without keys", func(t *testing.T) {
		cfg := newTestConfig(t)
		cfg.Encryption = config.EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(cfg.BaseDir, "keys", "pv.pub"),
			PrivateKeyPath: filepath.Join(cfg.BaseDir, "keys", "pv.key"),
		}
		a := newTestApp(t, cfg)
		if _, err := a.Collections(context.Background()); err == nil || !strings.Contains(err.Error(), "keys init") {
			t.Errorf("Collections() error = %v, want a hint to create keys", err)
		}
	})
}

func TestInitKeys(t *testing.T) {
	dir := t.TempDir()
	cfg := config.EncryptionConfig{
		Type:           "age",
		PublicKeyPath:  filepath.Join(dir, "pv.pub"),
		PrivateKeyPath: filepath.Join(dir, "pv.key"),
	}
	if err := InitKeys(cfg, "correct horse"); err != nil {
		t.Fatalf("InitKeys() error = %v", err)
	}
	for _, p := range []string{cfg.PublicKeyPath, cfg.PrivateKeyPath} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("key file missing: %v", err)
		}
	}
	if err := InitKeys(cfg, "correct horse"); err == nil {
		t.Error("InitKeys() replaced an existing key pair")
	}
}

func TestApp_CloseLogsOutcome(t *testing.T) {
	cfg := newTestConfig(t)
	a, err := NewApp(cfg, "StateList")
	if err != nil {
		t.Fatal(err)
	}
	a.record(errors.New("boom"))
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	b, err := os.ReadFile(filepath.Join(cfg.LogDir, "pv.log"))
	if err != nil {
		t.Fatal(err)
	}
	log := string(b)
	for _, want := range []string{"operation started", "operation finished", "status=error", "error=boom", a.op.RunID} {
		if !strings.Contains(log, want) {
			t.Errorf("log lacks %q:\n%s", want, log)
		}
	}
}
