package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/jackzampolin/narrator/internal/engine"
	"github.com/jackzampolin/narrator/internal/jobs"
	"github.com/jackzampolin/narrator/internal/objectstore"
	"github.com/jackzampolin/narrator/internal/playback"
	"github.com/jackzampolin/narrator/internal/queue"
	"github.com/jackzampolin/narrator/internal/store"
	"github.com/jackzampolin/narrator/internal/svcctx"
)

type serverRig struct {
	srv     *httptest.Server
	store   *store.Store
	machine *jobs.Machine
	files   *objectstore.FS
}

func newServerRig(t *testing.T) *serverRig {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(ctx, ":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	machine := jobs.NewMachine(jobs.MachineConfig{Store: st, Logger: logger})
	q := queue.NewMemory(64)
	t.Cleanup(func() { q.Close() })

	eng := engine.New(engine.Config{
		Machine: machine,
		Queue:   q,
		Resume:  st,
		Workers: 1,
		Logger:  logger,
	})

	files, err := objectstore.NewFS(t.TempDir(), "http://narrator.test", []byte("test-secret"), logger)
	if err != nil {
		t.Fatalf("object store: %v", err)
	}

	tracker := playback.NewTracker(st, st, logger)

	s, err := New(Config{
		Services: &svcctx.Services{
			Store:   st,
			Machine: machine,
			Engine:  eng,
			Objects: files,
			Files:   files,
			Tracker: tracker,
			Logger:  logger,
		},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &serverRig{srv: srv, store: st, machine: machine, files: files}
}

func (rig *serverRig) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(rig.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (rig *serverRig) send(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, rig.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestHealthAndReady(t *testing.T) {
	rig := newServerRig(t)

	var health map[string]string
	if code := rig.get(t, "/health", &health); code != http.StatusOK {
		t.Fatalf("health status = %d", code)
	}
	if health["status"] != "ok" {
		t.Errorf("health status = %q, want ok", health["status"])
	}

	var ready map[string]string
	if code := rig.get(t, "/ready", &ready); code != http.StatusOK {
		t.Fatalf("ready status = %d", code)
	}
	if ready["store"] != "ok" {
		t.Errorf("ready store = %q, want ok", ready["store"])
	}
}

func TestCreateGetCancelJob(t *testing.T) {
	rig := newServerRig(t)

	create := map[string]any{
		"job_type": "text_to_audio",
		"config":   map[string]any{"content": "Hello from the API."},
	}
	var job jobs.Job
	if code := rig.send(t, http.MethodPost, "/api/jobs", create, &job); code != http.StatusCreated {
		t.Fatalf("create status = %d", code)
	}
	if job.ID == "" || job.Status != jobs.StatusPending {
		t.Fatalf("unexpected created job: %+v", job)
	}

	var got struct {
		jobs.Job
		Steps []jobs.Step `json:"steps"`
	}
	if code := rig.get(t, "/api/jobs/"+job.ID, &got); code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	if got.ID != job.ID {
		t.Errorf("got job %s, want %s", got.ID, job.ID)
	}

	var list struct {
		Jobs []jobs.Job `json:"jobs"`
	}
	if code := rig.get(t, "/api/jobs?status=pending", &list); code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	if len(list.Jobs) != 1 || list.Jobs[0].ID != job.ID {
		t.Errorf("list = %+v, want the created job", list.Jobs)
	}

	var cancelled jobs.Job
	if code := rig.send(t, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", nil, &cancelled); code != http.StatusOK {
		t.Fatalf("cancel status = %d", code)
	}
	if cancelled.Status != jobs.StatusCancelled {
		t.Errorf("cancel status = %s, want cancelled", cancelled.Status)
	}
}

func TestCreateJobRejectsBadConfig(t *testing.T) {
	rig := newServerRig(t)

	// Two content sources at once is invalid.
	create := map[string]any{
		"job_type": "text_to_audio",
		"config": map[string]any{
			"content":  "inline",
			"file_key": "books/one.txt",
		},
	}
	if code := rig.send(t, http.MethodPost, "/api/jobs", create, nil); code != http.StatusBadRequest {
		t.Fatalf("create status = %d, want 400", code)
	}
}

func TestGetJobNotFound(t *testing.T) {
	rig := newServerRig(t)
	if code := rig.get(t, "/api/jobs/nope", nil); code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
}

func TestFileDownloadRequiresValidSignature(t *testing.T) {
	rig := newServerRig(t)
	ctx := context.Background()

	const key = "audio/test/output.mp3"
	if err := rig.files.Put(ctx, key, []byte("fake mp3 bytes")); err != nil {
		t.Fatalf("put: %v", err)
	}

	signed, err := rig.files.PresignedURL(key, 0)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	u, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	path := u.Path + "?" + u.RawQuery

	resp, err := http.Get(rig.srv.URL + path)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d: %s", resp.StatusCode, body)
	}
	if string(body) != "fake mp3 bytes" {
		t.Errorf("body = %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("content type = %q, want audio/mpeg", ct)
	}

	// Tampered signature is rejected.
	q := u.Query()
	q.Set("sig", "deadbeef")
	if code := rig.get(t, u.Path+"?"+q.Encode(), nil); code != http.StatusForbidden {
		t.Errorf("tampered sig status = %d, want 403", code)
	}

	// Missing query entirely is a bad request.
	if code := rig.get(t, u.Path, nil); code != http.StatusBadRequest {
		t.Errorf("unsigned status = %d, want 400", code)
	}
}

func TestProgressRoundTrip(t *testing.T) {
	rig := newServerRig(t)
	ctx := context.Background()

	cfg, _ := json.Marshal(map[string]any{"content": "text"})
	job, err := rig.machine.Create(ctx, jobs.CreateParams{Type: jobs.JobTypeTextToAudio, Config: cfg})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := rig.machine.Start(ctx, job.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := rig.machine.Complete(ctx, job.ID, &jobs.Result{
		FileKey:         "audio/x/output.mp3",
		DurationSeconds: 200,
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	base := fmt.Sprintf("/api/users/%s/progress/%s", "alice", job.ID)

	var p playback.Progress
	upd := map[string]any{"position_seconds": 50.0}
	if code := rig.send(t, http.MethodPut, base, upd, &p); code != http.StatusOK {
		t.Fatalf("update status = %d", code)
	}
	if p.PercentageComplete != 25 {
		t.Errorf("percentage = %v, want 25", p.PercentageComplete)
	}

	var got playback.Progress
	if code := rig.get(t, base, &got); code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	if got.PositionSeconds != 50 {
		t.Errorf("position = %v, want 50", got.PositionSeconds)
	}

	var recent struct {
		Progress []playback.Progress `json:"progress"`
	}
	if code := rig.get(t, "/api/users/alice/progress", &recent); code != http.StatusOK {
		t.Fatalf("recent status = %d", code)
	}
	if len(recent.Progress) != 1 {
		t.Errorf("recent entries = %d, want 1", len(recent.Progress))
	}

	if code := rig.send(t, http.MethodDelete, base, nil, nil); code != http.StatusNoContent {
		t.Fatalf("reset status = %d", code)
	}
	if code := rig.get(t, base, nil); code != http.StatusNotFound {
		t.Errorf("after reset status = %d, want 404", code)
	}
}
