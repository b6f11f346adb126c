package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackzampolin/narrator/internal/audio"
	"github.com/jackzampolin/narrator/internal/ingest"
	"github.com/jackzampolin/narrator/internal/jobs"
	"github.com/jackzampolin/narrator/internal/objectstore"
	"github.com/jackzampolin/narrator/internal/pipeline"
	"github.com/jackzampolin/narrator/internal/providers"
	"github.com/jackzampolin/narrator/internal/splitter"
	"github.com/jackzampolin/narrator/internal/store"
)

// scriptedRunner stands in for the pipeline: it drives each child job to a
// scripted terminal state and records observed concurrency.
type scriptedRunner struct {
	machine      *jobs.Machine
	failChapters map[int]bool
	delay        time.Duration

	mu         sync.Mutex
	running    int
	maxRunning int
}

func (s *scriptedRunner) Run(ctx context.Context, job *jobs.Job) error {
	s.mu.Lock()
	s.running++
	if s.running > s.maxRunning {
		s.maxRunning = s.running
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running--
		s.mu.Unlock()
	}()

	cfg, err := job.TextToAudioConfig()
	if err != nil {
		return err
	}
	if _, err := s.machine.Start(ctx, job.ID); err != nil {
		return err
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	if requested, _ := s.machine.CancelRequested(ctx, job.ID); requested {
		_, err := s.machine.MarkCancelled(ctx, job.ID)
		return err
	}
	if s.failChapters[cfg.ChapterNumber] {
		_, err := s.machine.Fail(ctx, job.ID, "synthesis failed")
		return err
	}
	_, err = s.machine.Complete(ctx, job.ID, &jobs.Result{
		FileKey:         fmt.Sprintf("audio/%s/chapter_%03d.mp3", cfg.ParentJobID, cfg.ChapterNumber),
		Format:          "mp3",
		DurationSeconds: 10,
	})
	return err
}

type rig struct {
	machine *jobs.Machine
	runner  *scriptedRunner
	coord   *Coordinator
	objects objectstore.Store
}

func newRig(t *testing.T) *rig {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, ":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	machine := jobs.NewMachine(jobs.MachineConfig{Store: st})
	objects, err := objectstore.NewFS(t.TempDir(), "http://localhost", []byte("secret"), nil)
	if err != nil {
		t.Fatal(err)
	}
	runner := &scriptedRunner{machine: machine, failChapters: make(map[int]bool)}
	coord := New(Config{
		Machine:  machine,
		Resolver: ingest.NewResolver(objects, nil),
		Splitter: splitter.New(nil, nil),
		Children: runner,
	})
	return &rig{machine: machine, runner: runner, coord: coord, objects: objects}
}

func chapterBody(seed string) string {
	out := ""
	for i := 0; i < 4; i++ {
		out += fmt.Sprintf("The %s story advances through moment %d now. ", seed, i)
	}
	return out
}

func bookText(chapters int) string {
	text := ""
	for i := 1; i <= chapters; i++ {
		text += fmt.Sprintf("Chapter %d\n\n%s\n\n", i, chapterBody(fmt.Sprintf("part%d", i)))
	}
	return text
}

func (r *rig) createBook(t *testing.T, text string, maxConcurrency int) *jobs.Job {
	t.Helper()
	cfgMap := map[string]any{
		"content":      text,
		"title":        "Test Book",
		"voice_config": map[string]any{"provider": "mock", "voice": "onyx", "format": "mp3"},
	}
	if maxConcurrency > 0 {
		cfgMap["max_concurrency"] = maxConcurrency
	}
	raw, _ := json.Marshal(cfgMap)
	job, err := r.machine.Create(context.Background(), jobs.CreateParams{
		Type:   jobs.JobTypeBookProcessing,
		Config: raw,
	})
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	return job
}

func TestRunSplitsBookIntoChapterJobs(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	book := r.createBook(t, bookText(2), 0)
	if err := r.coord.Run(ctx, book); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := r.machine.Get(ctx, book.ID)
	if got.Status != jobs.StatusCompleted {
		t.Fatalf("status = %s (error: %s)", got.Status, got.ErrorMessage)
	}
	if got.Progress != 100 {
		t.Fatalf("progress = %f, want 100", got.Progress)
	}

	children, _ := r.machine.Children(ctx, book.ID)
	if len(children) != 2 {
		t.Fatalf("expected 2 chapter jobs, got %d", len(children))
	}
	for _, child := range children {
		if child.Status != jobs.StatusCompleted {
			t.Fatalf("chapter job %s status = %s", child.ID, child.Status)
		}
		cfg, _ := child.TextToAudioConfig()
		if cfg.ParentJobID != book.ID {
			t.Fatalf("chapter job missing parent link: %+v", cfg)
		}
	}

	res := got.Result
	if res.TotalChapters != 2 || res.CompletedChapters != 2 || res.FailedChapters != 0 {
		t.Fatalf("unexpected aggregate %+v", res)
	}
	if len(res.Playlist) != 2 || res.Playlist[0].ChapterNumber != 1 || res.Playlist[1].ChapterNumber != 2 {
		t.Fatalf("playlist out of order: %+v", res.Playlist)
	}
	if res.DurationSeconds != 20 {
		t.Fatalf("duration = %f, want 20", res.DurationSeconds)
	}
}

func TestRunRecordsCoordinationSteps(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	book := r.createBook(t, bookText(2), 0)
	if err := r.coord.Run(ctx, book); err != nil {
		t.Fatal(err)
	}

	steps, _ := r.machine.Steps(ctx, book.ID)
	want := []string{stepLoadBook, stepAnalyze, stepSplitChapters, stepCreateChildren}
	if len(steps) != len(want) {
		t.Fatalf("expected %d steps, got %d", len(want), len(steps))
	}
	for i, s := range steps {
		if s.Name != want[i] || s.Status != jobs.StepCompleted {
			t.Fatalf("step %d = %s/%s", i, s.Name, s.Status)
		}
	}
}

func TestRunFailedChapterKeepsPartialResults(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.runner.failChapters[2] = true

	book := r.createBook(t, bookText(3), 0)
	if err := r.coord.Run(ctx, book); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := r.machine.Get(ctx, book.ID)
	if got.Status != jobs.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	res := got.Result
	if res == nil {
		t.Fatal("failed book must keep its partial result")
	}
	if res.TotalChapters != 3 || res.CompletedChapters != 2 || res.FailedChapters != 1 {
		t.Fatalf("unexpected aggregate %+v", res)
	}

	// Chapters stay sorted by number with per-chapter status visible.
	if len(res.Chapters) != 3 {
		t.Fatalf("expected 3 chapter entries, got %d", len(res.Chapters))
	}
	for i, ch := range res.Chapters {
		if ch.ChapterNumber != i+1 {
			t.Fatalf("chapter entries out of order: %+v", res.Chapters)
		}
	}
	if res.Chapters[1].Status != jobs.StatusFailed || res.Chapters[1].ErrorMessage == "" {
		t.Fatalf("failed chapter not recorded: %+v", res.Chapters[1])
	}

	// The playlist only lists playable chapters.
	if len(res.Playlist) != 2 || res.Playlist[0].ChapterNumber != 1 || res.Playlist[1].ChapterNumber != 3 {
		t.Fatalf("unexpected playlist %+v", res.Playlist)
	}
}

func TestRunHonorsConcurrencyBound(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.runner.delay = 20 * time.Millisecond

	book := r.createBook(t, bookText(6), 2)
	if err := r.coord.Run(ctx, book); err != nil {
		t.Fatal(err)
	}
	if r.runner.maxRunning > 2 {
		t.Fatalf("observed %d concurrent chapters, bound is 2", r.runner.maxRunning)
	}
	got, _ := r.machine.Get(ctx, book.ID)
	if got.Status != jobs.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestRunCancelCascadesToChildren(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	// Cancel the book as soon as the first chapter starts running.
	var once sync.Once
	r.runner.delay = 10 * time.Millisecond
	base := r.runner
	cancelOnFirst := runFunc(func(ctx context.Context, job *jobs.Job) error {
		once.Do(func() {
			bookID := mustParent(job)
			if _, err := r.machine.Cancel(ctx, bookID); err != nil {
				t.Errorf("cancel book: %v", err)
			}
		})
		return base.Run(ctx, job)
	})
	r.coord.children = cancelOnFirst

	book := r.createBook(t, bookText(5), 1)
	if err := r.coord.Run(ctx, book); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := r.machine.Get(ctx, book.ID)
	if got.Status != jobs.StatusCancelled {
		t.Fatalf("book status = %s, want cancelled", got.Status)
	}

	children, _ := r.machine.Children(ctx, book.ID)
	if len(children) != 5 {
		t.Fatalf("expected 5 children, got %d", len(children))
	}
	for _, child := range children {
		if !child.Status.Terminal() {
			t.Fatalf("child %s left non-terminal: %s", child.ID, child.Status)
		}
		if child.Status == jobs.StatusProcessing {
			t.Fatalf("child %s still processing", child.ID)
		}
	}
	// With concurrency 1 and an immediate cancel, most chapters never ran.
	cancelledCount := 0
	for _, child := range children {
		if child.Status == jobs.StatusCancelled {
			cancelledCount++
		}
	}
	if cancelledCount == 0 {
		t.Fatal("no children were cancelled")
	}
}

// A cancel that lands after every chapter has been dispatched must still
// reach the in-flight children and leave the book cancelled.
func TestRunCancelAfterAllChaptersDispatched(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	started := make(chan struct{}, 3)
	blocking := runFunc(func(ctx context.Context, job *jobs.Job) error {
		if _, err := r.machine.Start(ctx, job.ID); err != nil {
			return err
		}
		started <- struct{}{}
		deadline := time.After(5 * time.Second)
		for {
			requested, err := r.machine.CancelRequested(ctx, job.ID)
			if err != nil {
				return err
			}
			if requested {
				_, err := r.machine.MarkCancelled(ctx, job.ID)
				return err
			}
			select {
			case <-deadline:
				_, err := r.machine.Complete(ctx, job.ID, &jobs.Result{DurationSeconds: 10})
				return err
			case <-time.After(5 * time.Millisecond):
			}
		}
	})
	coord := New(Config{
		Machine:    r.machine,
		Resolver:   ingest.NewResolver(r.objects, nil),
		Splitter:   splitter.New(nil, nil),
		Children:   blocking,
		CancelPoll: 10 * time.Millisecond,
	})

	book := r.createBook(t, bookText(3), 3)
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx, book) }()

	// Wait until every chapter is running, then cancel the book.
	for i := 0; i < 3; i++ {
		<-started
	}
	if _, err := r.machine.Cancel(ctx, book.ID); err != nil {
		t.Fatalf("cancel book: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := r.machine.Get(ctx, book.ID)
	if got.Status != jobs.StatusCancelled {
		t.Fatalf("book status = %s, want cancelled", got.Status)
	}
	children, _ := r.machine.Children(ctx, book.ID)
	if len(children) != 3 {
		t.Fatalf("expected 3 children, got %d", len(children))
	}
	for _, child := range children {
		if child.Status != jobs.StatusCancelled {
			t.Fatalf("child %s = %s, want cancelled", child.ID, child.Status)
		}
	}
}

type runFunc func(ctx context.Context, job *jobs.Job) error

func (f runFunc) Run(ctx context.Context, job *jobs.Job) error { return f(ctx, job) }

func mustParent(job *jobs.Job) string {
	cfg, _ := job.TextToAudioConfig()
	return cfg.ParentJobID
}

func TestRunSingleChapterFallback(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	book := r.createBook(t, chapterBody("plain"), 0)
	if err := r.coord.Run(ctx, book); err != nil {
		t.Fatal(err)
	}

	got, _ := r.machine.Get(ctx, book.ID)
	if got.Status != jobs.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Result.TotalChapters != 1 {
		t.Fatalf("expected single chapter fallback, got %+v", got.Result)
	}
	children, _ := r.machine.Children(ctx, book.ID)
	cfg, _ := children[0].TextToAudioConfig()
	if cfg.ChapterTitle != "Full Text" || cfg.ChapterNumber != 1 {
		t.Fatalf("unexpected fallback chapter config %+v", cfg)
	}
}

// TestRunWithRealPipeline wires the actual pipeline runner underneath the
// coordinator and checks chapter audio lands in the object store.
func TestRunWithRealPipeline(t *testing.T) {
	ctx := context.Background()

	st, err := store.Open(ctx, ":memory:", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	machine := jobs.NewMachine(jobs.MachineConfig{Store: st})

	registry := providers.NewRegistry(providers.RegistryConfig{
		TTSProviders: map[string]providers.TTSProviderConfig{
			"mock": {Type: "mock", Enabled: true, RateLimit: 100000},
		},
	}, nil)
	objects, err := objectstore.NewFS(t.TempDir(), "http://localhost", []byte("secret"), nil)
	if err != nil {
		t.Fatal(err)
	}
	resolver := ingest.NewResolver(objects, nil)

	runner := pipeline.New(pipeline.Config{
		Machine:  machine,
		Resolver: resolver,
		Registry: registry,
		Objects:  objects,
		ConcatFor: func(string) (audio.Concatenator, error) {
			return passthroughConcat{}, nil
		},
	})
	coord := New(Config{
		Machine:  machine,
		Resolver: resolver,
		Splitter: splitter.New(nil, nil),
		Children: runner,
	})

	raw, _ := json.Marshal(map[string]any{
		"content":      bookText(2),
		"voice_config": map[string]any{"provider": "mock", "format": "mp3"},
	})
	book, err := machine.Create(ctx, jobs.CreateParams{Type: jobs.JobTypeBookProcessing, Config: raw})
	if err != nil {
		t.Fatal(err)
	}

	if err := coord.Run(ctx, book); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := machine.Get(ctx, book.ID)
	if got.Status != jobs.StatusCompleted {
		t.Fatalf("status = %s (error: %s)", got.Status, got.ErrorMessage)
	}
	for _, entry := range got.Result.Playlist {
		if _, err := objects.Get(ctx, entry.FileKey); err != nil {
			t.Fatalf("playlist entry %d audio missing: %v", entry.ChapterNumber, err)
		}
	}
}

type passthroughConcat struct{}

func (passthroughConcat) Format() string { return "mp3" }
func (passthroughConcat) Concat(_ context.Context, segments [][]byte) ([]byte, error) {
	var out []byte
	for _, seg := range segments {
		out = append(out, seg...)
	}
	return out, nil
}
