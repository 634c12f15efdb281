package pv_test

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"preserve-go/internal/digest"
	"preserve-go/internal/model"
	"preserve-go/internal/pv"
	"preserve-go/internal/testutil"
	"preserve-go/internal/warc"
)

func TestPreservation_MetadataOnly(t *testing.T) {
	h := newHarness(t, 1, 0)
	ctx := context.Background()

	if err := h.preservation().Preserve(ctx, preservationRequest("U1", "collection-A")); err != nil {
		t.Fatalf("Preserve() error = %v", err)
	}

	resps := h.preservationResponses()
	want := []string{"RECEIVED", "VALIDATED", "METADATA_PACKAGED", "CONTAINER_UPLOADED", "FINISHED"}
	if got := responseStates(resps); !slices.Equal(got, want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for _, r := range resps {
		if r.ID != "U1" || r.EventID == "" || r.EventID != resps[0].EventID {
			t.Errorf("response %s carries id %q event %q", r.State, r.ID, r.EventID)
		}
	}

	files := h.pillars[0].Files()
	if len(files) != 1 {
		t.Fatalf("pillar holds %d files, want exactly one container", len(files))
	}

	finished := resps[len(resps)-1]
	if finished.Container == nil || finished.Container.FileID != files[0] {
		t.Fatalf("FINISHED container = %+v, stored %v", finished.Container, files)
	}
	if finished.Upload == nil || len(finished.Upload.Acknowledged) != 1 {
		t.Errorf("FINISHED upload = %+v", finished.Upload)
	}
	if finished.Container.Checksum == "" {
		t.Error("FINISHED carries no container checksum")
	}

	path, err := h.repo.GetFile(ctx, files[0], "collection-A", nil, t.TempDir())
	if err != nil {
		t.Fatalf("GetFile() error = %v", err)
	}
	recs, err := warc.Inspect(path)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	var types []warc.RecordType
	for _, r := range recs {
		types = append(types, r.Type)
	}
	wantTypes := []warc.RecordType{warc.TypeWarcinfo, warc.TypeResource, warc.TypeMetadata}
	if !slices.Equal(types, wantTypes) {
		t.Errorf("record types = %v, want %v", types, wantTypes)
	}
	if recs[2].RefersTo != recs[1].ID {
		t.Errorf("metadata record refers to %q, want %q", recs[2].RefersTo, recs[1].ID)
	}

	if ids := h.outstanding(); len(ids) != 0 {
		t.Errorf("outstanding after completion = %v", ids)
	}
	if reqs, _ := h.staging.Requests(); len(reqs) != 0 {
		t.Errorf("staging still holds %v", reqs)
	}

	history, err := h.store.History(ctx, "U1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != len(want) {
		t.Errorf("journal holds %d transitions, want %d", len(history), len(want))
	}
}

func TestPreservation_WithContent(t *testing.T) {
	h := newHarness(t, 1, 0)
	content := []byte("Dear diary, today I archived a letter.")

	finished := h.preserve("U2", content)

	res := findRecord(finished.Container, "resource")
	if res.ID == "" {
		t.Fatal("no resource record reported")
	}
	if want := testutil.Digest(t, content); res.Digest != want.String() {
		t.Errorf("resource digest = %s, want %s", res.Digest, want)
	}
	meta := findRecord(finished.Container, "metadata")
	if meta.RefersTo != res.ID {
		t.Errorf("metadata refers to %q, want %q", meta.RefersTo, res.ID)
	}
	if len(finished.Container.Records) != 3 {
		t.Errorf("records = %d, want 3", len(finished.Container.Records))
	}
}

func TestPreservation_UnknownProfile(t *testing.T) {
	h := newHarness(t, 1, 0)

	err := h.preservation().Preserve(context.Background(), preservationRequest("U1", "collection-X"))
	if !errors.Is(err, pv.ErrUnknownProfile) {
		t.Fatalf("Preserve() error = %v, want ErrUnknownProfile", err)
	}

	resps := h.preservationResponses()
	want := []string{"RECEIVED", "VALIDATED_FAILURE"}
	if got := responseStates(resps); !slices.Equal(got, want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	if !strings.Contains(resps[1].Detail, "collection-X") {
		t.Errorf("failure detail = %q", resps[1].Detail)
	}
	if len(h.pillars[0].Files()) != 0 {
		t.Error("a container was stored")
	}
	if reqs, _ := h.staging.Requests(); len(reqs) != 0 {
		t.Errorf("a container was staged for %v", reqs)
	}
	if ids := h.outstanding(); len(ids) != 0 {
		t.Errorf("outstanding = %v", ids)
	}
}

func TestPreservation_InvalidRequest(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(req *model.PreservationRequest)
		wantDetail string
	}{
		{
			name:       "missing profile",
			mutate:     func(req *model.PreservationRequest) { req.Profile = "" },
			wantDetail: "profile",
		},
		{
			name:       "line break in id",
			mutate:     func(req *model.PreservationRequest) { req.ID = "U1\r\n\r\nX" },
			wantDetail: "id (control characters)",
		},
		{
			name:       "control character in profile",
			mutate:     func(req *model.PreservationRequest) { req.Profile = "collection-A\x00" },
			wantDetail: "profile (control characters)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 1, 0)
			req := preservationRequest("U1", "collection-A")
			tt.mutate(req)

			err := h.preservation().Preserve(context.Background(), req)
			if !errors.Is(err, pv.ErrValidation) {
				t.Fatalf("Preserve() error = %v, want ErrValidation", err)
			}
			resps := h.preservationResponses()
			if got := responseStates(resps); !slices.Equal(got, []string{"VALIDATED_FAILURE"}) {
				t.Fatalf("states = %v", got)
			}
			if !strings.Contains(resps[0].Detail, tt.wantDetail) {
				t.Errorf("detail = %q, want it to name %q", resps[0].Detail, tt.wantDetail)
			}
			if ids := h.outstanding(); len(ids) != 0 {
				t.Errorf("invalid request left live state: %v", ids)
			}
			if len(h.pillars[0].Files()) != 0 {
				t.Error("a container was stored")
			}
		})
	}
}

func TestPreservation_ContentNamedLikeMetadata(t *testing.T) {
	h := newHarness(t, 1, 0)
	content := []byte("a payload that happens to be called metadata.xml")
	req := preservationRequest("U1", "collection-A")
	req.Content = &model.ContentFile{
		Name:        "metadata.xml",
		ContentType: "text/xml",
		Data:        base64.StdEncoding.EncodeToString(content),
	}

	if err := h.preservation().Preserve(context.Background(), req); err != nil {
		t.Fatalf("Preserve() error = %v", err)
	}
	resps := h.preservationResponses()
	finished := resps[len(resps)-1]
	if finished.State != "FINISHED" {
		t.Fatalf("final state = %s (%s)", finished.State, finished.Detail)
	}
	res := findRecord(finished.Container, "resource")
	if want := testutil.Digest(t, content); res.Digest != want.String() {
		t.Errorf("resource digest = %s, want %s", res.Digest, want)
	}
	meta := findRecord(finished.Container, "metadata")
	if meta.Digest == res.Digest {
		t.Error("metadata record holds the content payload")
	}

	path, err := h.repo.GetFile(context.Background(), finished.Container.FileID, "collection-A", nil, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if recs, err := warc.Inspect(path); err != nil || len(recs) != 3 {
		t.Errorf("Inspect() = %d records, %v", len(recs), err)
	}
}

func TestPreservation_ContentChecksumMismatch(t *testing.T) {
	h := newHarness(t, 1, 0)
	req := preservationRequest("U1", "collection-A")
	req.Content = &model.ContentFile{
		Path:     testutil.WriteFile(t, t.TempDir(), "payload.bin", []byte("payload")),
		Checksum: &model.Checksum{Algorithm: "MD5", Value: strings.Repeat("0", 32)},
	}

	err := h.preservation().Preserve(context.Background(), req)
	if !errors.Is(err, pv.ErrChecksumMismatch) {
		t.Fatalf("Preserve() error = %v, want ErrChecksumMismatch", err)
	}
	got := responseStates(h.preservationResponses())
	if got[len(got)-1] != "METADATA_PACKAGED_FAILURE" {
		t.Errorf("states = %v, want METADATA_PACKAGED_FAILURE last", got)
	}
	if len(h.pillars[0].Files()) != 0 {
		t.Error("container uploaded after packaging failed")
	}
}

func TestPreservation_UploadTolerance(t *testing.T) {
	tests := []struct {
		name      string
		failing   int
		offline   bool
		wantState string
	}{
		{"all pillars", 0, false, "FINISHED"},
		{"within tolerance", 1, false, "FINISHED"},
		{"beyond tolerance", 2, false, "CONTAINER_UPLOADED_FAILURE"},
		{"outage within tolerance", 1, true, "FINISHED"},
		{"outage beyond tolerance", 2, true, "CONTAINER_UPLOADED_FAILURE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 3, 1)
			for _, p := range h.pillars[:tt.failing] {
				if tt.offline {
					p.SetUnavailable(true)
				} else {
					p.FailPuts(errors.New("disk full"))
				}
			}

			err := h.preservation().Preserve(context.Background(), preservationRequest("U1", "collection-A"))
			resps := h.preservationResponses()
			last := resps[len(resps)-1]
			if last.State != tt.wantState {
				t.Fatalf("final state = %s (%s), want %s", last.State, last.Detail, tt.wantState)
			}
			if tt.wantState == "FINISHED" {
				if err != nil {
					t.Errorf("Preserve() error = %v", err)
				}
				if len(last.Upload.Failed) != tt.failing {
					t.Errorf("reported failed pillars = %v, want %d", last.Upload.Failed, tt.failing)
				}
				return
			}
			if !errors.Is(err, pv.ErrUploadFailed) {
				t.Errorf("Preserve() error = %v, want ErrUploadFailed", err)
			}
			for _, id := range []string{"p1", "p2"} {
				if !strings.Contains(last.Detail, id) {
					t.Errorf("failure detail %q does not name %s", last.Detail, id)
				}
			}
		})
	}
}

func TestPreservation_UploadRetry(t *testing.T) {
	tests := []struct {
		name        string
		fails       int
		wantState   string
		wantUploads int
	}{
		{"recovers within attempts", 2, "FINISHED", 3},
		{"gives up after attempts", 5, "CONTAINER_UPLOADED_FAILURE", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 1, 0)
			flaky := &testutil.FlakyRepository{Repository: h.repo, UploadFails: tt.fails}
			h.repo = flaky

			err := h.preservation().Preserve(context.Background(), preservationRequest("U1", "collection-A"))
			resps := h.preservationResponses()
			if last := resps[len(resps)-1]; last.State != tt.wantState {
				t.Fatalf("final state = %s (%s), want %s", last.State, last.Detail, tt.wantState)
			}
			if flaky.Uploads != tt.wantUploads {
				t.Errorf("upload calls = %d, want %d", flaky.Uploads, tt.wantUploads)
			}
			// Packaging is not repeated for upload retries.
			if n := strings.Count(strings.Join(responseStates(resps), ","), "METADATA_PACKAGED"); n != 1 {
				t.Errorf("METADATA_PACKAGED published %d times", n)
			}
			if tt.wantState != "FINISHED" && !errors.Is(err, pv.ErrRepositoryUnavailable) {
				t.Errorf("Preserve() error = %v, want ErrRepositoryUnavailable", err)
			}
		})
	}
}

func TestPreservation_InternalFailure(t *testing.T) {
	h := newHarness(t, 1, 0)
	h.repo = testutil.PanicRepository{Repository: h.repo}

	err := h.preservation().Preserve(context.Background(), preservationRequest("U1", "collection-A"))
	if err == nil {
		t.Fatal("Preserve() succeeded")
	}
	got := responseStates(h.preservationResponses())
	if got[len(got)-1] != "INTERNAL_FAILURE" {
		t.Errorf("states = %v, want INTERNAL_FAILURE last", got)
	}
	if ids := h.outstanding(); len(ids) != 0 {
		t.Errorf("outstanding = %v", ids)
	}
	if h.inflight.Held("U1") {
		t.Error("request id still claimed")
	}
}

func TestPreservation_InFlightRejected(t *testing.T) {
	h := newHarness(t, 1, 0)
	release, err := h.inflight.Claim("U1", pv.KindImport)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	err = h.preservation().Preserve(context.Background(), preservationRequest("U1", "collection-A"))
	if !errors.Is(err, pv.ErrInFlight) {
		t.Fatalf("Preserve() error = %v, want ErrInFlight", err)
	}
	if got := responseStates(h.preservationResponses()); !slices.Equal(got, []string{"RECEIVED_FAILURE"}) {
		t.Errorf("states = %v", got)
	}
	// The live flow owns the journal under U1.
	history, err := h.store.History(context.Background(), "U1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Errorf("rejection journaled under the live id: %+v", history)
	}
}

func TestPreservation_ResumeRepackagesMissingContainer(t *testing.T) {
	h := newHarness(t, 1, 0)
	ctx := context.Background()
	st := &pv.RequestState{
		RequestID:    "U1",
		Kind:         pv.KindPreservation,
		State:        pv.StateMetadataPackaged,
		EventID:      "E1",
		Preservation: preservationRequest("U1", "collection-A"),
		ContainerID:  "C1",
		Artifacts:    pv.Artifacts{Container: filepath.Join(t.TempDir(), "C1.warc")},
	}
	if err := h.store.Put(ctx, st); err != nil {
		t.Fatal(err)
	}

	if err := h.preservation().Resume(ctx, st); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	got := responseStates(h.preservationResponses())
	want := []string{"METADATA_PACKAGED", "CONTAINER_UPLOADED", "FINISHED"}
	if !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if files := h.pillars[0].Files(); len(files) != 1 || files[0] != "C1.warc" {
		t.Errorf("stored = %v, want [C1.warc]", files)
	}
}

func TestPreservation_DigestConfiguration(t *testing.T) {
	h := newHarness(t, 1, 0)
	o := pv.NewPreservationOrchestrator(pv.PreservationConfig{
		DigestAlgorithm: digest.SHA256,
		DigestEncoding:  digest.Hex,
		UploadAttempts:  1,
	}, h.deps())

	if err := o.Preserve(context.Background(), preservationRequest("U1", "collection-A")); err != nil {
		t.Fatalf("Preserve() error = %v", err)
	}
	resps := h.preservationResponses()
	meta := findRecord(resps[len(resps)-1].Container, "metadata")
	if !strings.HasPrefix(meta.Digest, "sha256:") {
		t.Errorf("event record digest = %q, want sha256", meta.Digest)
	}
}

func TestPreservation_UnsupportedEventDigest(t *testing.T) {
	h := newHarness(t, 1, 0)
	o := pv.NewPreservationOrchestrator(pv.PreservationConfig{
		DigestAlgorithm: "CRC32",
		UploadAttempts:  1,
	}, h.deps())

	err := o.Preserve(context.Background(), preservationRequest("U1", "collection-A"))
	if !errors.Is(err, pv.ErrContainerFormat) || !errors.Is(err, digest.ErrUnsupportedAlgorithm) {
		t.Fatalf("Preserve() error = %v, want a container format error", err)
	}
	got := responseStates(h.preservationResponses())
	if got[len(got)-1] != "METADATA_PACKAGED_FAILURE" {
		t.Errorf("states = %v, want METADATA_PACKAGED_FAILURE last", got)
	}
}
