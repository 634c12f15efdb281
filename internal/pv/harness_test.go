package pv_test

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"preserve-go/internal/auth"
	"preserve-go/internal/metadata"
	"preserve-go/internal/model"
	"preserve-go/internal/pillar"
	"preserve-go/internal/pv"
	"preserve-go/internal/staging"
	"preserve-go/internal/testutil"
	"preserve-go/internal/transport"
)

const (
	callbackQueue = "preservation-responses"
	importQueue   = "import-responses"
)

type harness struct {
	t         *testing.T
	store     pv.StateStore
	transport *transport.MemoryTransport
	pillars   []*pillar.MemoryPillar
	repo      pv.Repository
	staging   *staging.FileSystemStagingArea
	deliverer *testutil.RecordingDeliverer
	tokens    pv.TokenVerifier
	clock     *testutil.StubClock
	ids       *testutil.StubIDGenerator
	inflight  *pv.InFlight
}

// newHarness wires both orchestrators to an in-memory sqlite store, a memory
// transport and a collection "collection-A" of memory pillars.
func newHarness(t *testing.T, pillars, maxFailures int) *harness {
	t.Helper()
	clock := testutil.FixedClock()
	ps := testutil.NewTestPillars(pillars)
	return &harness{
		t:         t,
		store:     testutil.NewTestStateStore(t, clock),
		transport: transport.NewMemoryTransport(time.Millisecond),
		pillars:   ps,
		repo:      testutil.NewTestRepository(t, "collection-A", maxFailures, ps...),
		staging:   testutil.NewTestStagingArea(t),
		deliverer: &testutil.RecordingDeliverer{},
		tokens:    auth.NewVerifier(nil),
		clock:     clock,
		ids:       testutil.NewStubIDGenerator("id"),
		inflight:  pv.NewInFlight(),
	}
}

func (h *harness) deps() pv.Deps {
	return pv.Deps{
		Store:      h.store,
		Transport:  h.transport,
		Repository: h.repo,
		Staging:    h.staging,
		Metadata:   metadata.NewRenderer(nil),
		Deliverer:  h.deliverer,
		Tokens:     h.tokens,
		InFlight:   h.inflight,
		Clock:      h.clock,
		IDs:        h.ids,
	}
}

func (h *harness) preservation() *pv.PreservationOrchestrator {
	return pv.NewPreservationOrchestrator(pv.PreservationConfig{
		UploadAttempts: 3,
		RetryDelay:     time.Millisecond,
		Host:           "test-host",
	}, h.deps())
}

func (h *harness) importer() *pv.ImportOrchestrator {
	return pv.NewImportOrchestrator(pv.ImportConfig{
		ResponseQueue:     importQueue,
		RetrievalAttempts: 3,
		RetryDelay:        time.Millisecond,
	}, h.deps())
}

func (h *harness) preservationResponses() []*model.PreservationResponse {
	h.t.Helper()
	var out []*model.PreservationResponse
	for _, m := range h.transport.Drain(callbackQueue) {
		r, ok := m.(*model.PreservationResponse)
		if !ok {
			h.t.Fatalf("callback queue carries %T", m)
		}
		out = append(out, r)
	}
	return out
}

func (h *harness) importResponses() []*model.ImportResponse {
	h.t.Helper()
	var out []*model.ImportResponse
	for _, m := range h.transport.Drain(importQueue) {
		r, ok := m.(*model.ImportResponse)
		if !ok {
			h.t.Fatalf("import response queue carries %T", m)
		}
		out = append(out, r)
	}
	return out
}

func (h *harness) outstanding() []string {
	h.t.Helper()
	ids, err := h.store.ListOutstandingIDs(context.Background())
	if err != nil {
		h.t.Fatalf("ListOutstandingIDs() error = %v", err)
	}
	return ids
}

// preserve runs a request carrying content through the preservation flow and
// returns its final response.
func (h *harness) preserve(id string, content []byte) *model.PreservationResponse {
	h.t.Helper()
	req := preservationRequest(id, "collection-A")
	req.Content = &model.ContentFile{
		Name:        "letter.txt",
		ContentType: "text/plain",
		Data:        base64.StdEncoding.EncodeToString(content),
	}
	if err := h.preservation().Preserve(context.Background(), req); err != nil {
		h.t.Fatalf("Preserve() error = %v", err)
	}
	resps := h.preservationResponses()
	last := resps[len(resps)-1]
	if last.State != string(pv.StateFinished) {
		h.t.Fatalf("preservation ended in %s: %s", last.State, last.Detail)
	}
	return last
}

func preservationRequest(id, profile string) *model.PreservationRequest {
	return &model.PreservationRequest{
		ID:       id,
		Profile:  profile,
		Callback: callbackQueue,
		Title:    "Letters",
		Metadata: model.Metadata{
			Descriptive: `<mods><titleInfo><title>Letters</title></titleInfo></mods>`,
		},
	}
}

func responseStates[T interface{ *model.PreservationResponse | *model.ImportResponse }](resps []T) []string {
	out := make([]string, len(resps))
	for i, r := range resps {
		switch v := any(r).(type) {
		case *model.PreservationResponse:
			out[i] = v.State
		case *model.ImportResponse:
			out[i] = v.State
		}
	}
	return out
}

func findRecord(c *model.ContainerInfo, typ string) model.RecordInfo {
	for _, r := range c.Records {
		if r.Type == typ {
			return r
		}
	}
	return model.RecordInfo{}
}
