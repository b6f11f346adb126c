// Package coordinator runs book_processing jobs: load the book, split it
// into chapters, fan a text_to_audio child out per chapter under a bounded
// pool, and fan the results back into the parent's aggregate result.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackzampolin/narrator/internal/ingest"
	"github.com/jackzampolin/narrator/internal/jobs"
	"github.com/jackzampolin/narrator/internal/splitter"
)

const (
	stepLoadBook       = "load_book"
	stepAnalyze        = "analyze_structure"
	stepSplitChapters  = "split_chapters"
	stepCreateChildren = "create_chapter_jobs"
)

// defaultCancelPoll is how often a running book re-reads its cancel flag.
const defaultCancelPoll = 200 * time.Millisecond

// ChildRunner executes one text_to_audio job to a terminal state. The
// pipeline runner satisfies this.
type ChildRunner interface {
	Run(ctx context.Context, job *jobs.Job) error
}

type Config struct {
	Machine  *jobs.Machine
	Resolver *ingest.Resolver
	Splitter *splitter.Splitter
	Children ChildRunner
	Logger   *slog.Logger

	// CancelPoll overrides how often a running book checks for a cancel
	// request. Zero uses defaultCancelPoll.
	CancelPoll time.Duration
}

// Coordinator is safe for concurrent use across books.
type Coordinator struct {
	machine    *jobs.Machine
	resolver   *ingest.Resolver
	splitter   *splitter.Splitter
	children   ChildRunner
	log        *slog.Logger
	cancelPoll time.Duration
}

func New(cfg Config) *Coordinator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	poll := cfg.CancelPoll
	if poll <= 0 {
		poll = defaultCancelPoll
	}
	return &Coordinator{
		machine:    cfg.Machine,
		resolver:   cfg.Resolver,
		splitter:   cfg.Splitter,
		children:   cfg.Children,
		log:        log,
		cancelPoll: poll,
	}
}

// Run drives a book job to a terminal state. Like the pipeline runner, the
// returned error reports infrastructure failures only.
func (c *Coordinator) Run(ctx context.Context, job *jobs.Job) error {
	log := c.log.With("book_id", job.ID)

	cfg, err := job.BookConfig()
	if err != nil {
		_, ferr := c.machine.Fail(ctx, job.ID, fmt.Sprintf("invalid config: %v", err))
		return ferr
	}
	if _, err := c.machine.Start(ctx, job.ID); err != nil {
		return fmt.Errorf("start book job: %w", err)
	}

	children, err := c.prepare(ctx, job.ID, cfg, log)
	switch {
	case err == nil:
	case errors.Is(err, jobs.ErrCancellationRequested):
		_, cerr := c.machine.MarkCancelled(ctx, job.ID)
		return cerr
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Shutdown, not a user cancel: the book resumes on redelivery.
		return err
	default:
		if _, ferr := c.machine.Fail(ctx, job.ID, err.Error()); ferr != nil {
			return fmt.Errorf("fail book job: %w", ferr)
		}
		log.Warn("book preparation failed", "error", err)
		return nil
	}

	cancelled, err := c.fanOut(ctx, job.ID, children, cfg.Concurrency(), log)
	if err != nil {
		return err
	}
	return c.finalize(ctx, job.ID, cancelled, log)
}

// prepare runs the four coordination steps and returns the created child
// jobs in chapter order.
func (c *Coordinator) prepare(ctx context.Context, jobID string, cfg *jobs.BookProcessingConfig, log *slog.Logger) ([]jobs.Job, error) {
	steps, err := c.createSteps(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("create steps: %w", err)
	}

	// load_book
	var text string
	if err := c.runStep(ctx, jobID, steps[stepLoadBook], func() error {
		var rerr error
		text, rerr = c.resolver.Resolve(ctx, cfg.ContentSource)
		return rerr
	}); err != nil {
		return nil, err
	}

	// analyze_structure
	var chapters []splitter.Chapter
	if err := c.runStep(ctx, jobID, steps[stepAnalyze], func() error {
		chapters = c.splitter.Split(ctx, text)
		if len(chapters) == 0 {
			return errors.New("no narratable chapters detected")
		}
		return nil
	}); err != nil {
		return nil, err
	}
	log.Info("book analyzed", "chapters", len(chapters))

	// split_chapters
	var configs []jobs.TextToAudioConfig
	if err := c.runStep(ctx, jobID, steps[stepSplitChapters], func() error {
		configs = chapterConfigs(jobID, cfg, chapters)
		return nil
	}); err != nil {
		return nil, err
	}

	// create_chapter_jobs
	var children []jobs.Job
	if err := c.runStep(ctx, jobID, steps[stepCreateChildren], func() error {
		existing, err := c.machine.Children(ctx, jobID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			// Duplicate delivery of the book job: reuse the children.
			children = existing
			return nil
		}
		for _, childCfg := range configs {
			raw, err := json.Marshal(childCfg)
			if err != nil {
				return fmt.Errorf("encode chapter config: %w", err)
			}
			child, err := c.machine.Create(ctx, jobs.CreateParams{
				Type:        jobs.JobTypeTextToAudio,
				Config:      raw,
				ParentJobID: jobID,
			})
			if err != nil {
				return fmt.Errorf("create chapter %d: %w", childCfg.ChapterNumber, err)
			}
			children = append(children, *child)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	sortChildren(children)
	return children, nil
}

// chapterConfigs builds one child config per chapter, inheriting the book's
// voice settings.
func chapterConfigs(bookID string, cfg *jobs.BookProcessingConfig, chapters []splitter.Chapter) []jobs.TextToAudioConfig {
	configs := make([]jobs.TextToAudioConfig, 0, len(chapters))
	for _, ch := range chapters {
		configs = append(configs, jobs.TextToAudioConfig{
			ContentSource: jobs.ContentSource{Content: ch.Text},
			Voice:         cfg.Voice,
			ParentJobID:   bookID,
			ChapterNumber: ch.Number,
			ChapterTitle:  ch.Title,
		})
	}
	return configs
}

// fanOut runs the children under a bounded pool. It returns whether the book
// was cancelled mid-flight.
func (c *Coordinator) fanOut(ctx context.Context, bookID string, children []jobs.Job, concurrency int, log *slog.Logger) (bool, error) {
	total := len(children)
	var completed, terminal int
	var mu sync.Mutex

	onChildTerminal := func(status jobs.Status) {
		mu.Lock()
		terminal++
		if status == jobs.StatusCompleted {
			completed++
		}
		progress := float64(completed) / float64(total) * 100
		mu.Unlock()
		if _, err := c.machine.SetProgress(ctx, bookID, progress); err != nil {
			log.Debug("update book progress", "error", err)
		}
	}

	// A cancel can land after every chapter has been dispatched, so the
	// dispatch-loop check alone is not enough: watch the parent's flag while
	// chapters run and cascade to in-flight children as soon as it flips.
	var cancelled atomic.Bool
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	var watchWG sync.WaitGroup
	watchWG.Add(1)
	go func() {
		defer watchWG.Done()
		ticker := time.NewTicker(c.cancelPoll)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
			}
			requested, err := c.machine.CancelRequested(watchCtx, bookID)
			if err != nil || !requested {
				continue
			}
			if cancelled.CompareAndSwap(false, true) {
				c.cascadeCancel(ctx, children, log)
			}
			return
		}
	}()

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i := range children {
		child := children[i]

		if cancelled.Load() {
			break
		}
		requested, err := c.machine.CancelRequested(ctx, bookID)
		if err != nil {
			stopWatch()
			wg.Wait()
			watchWG.Wait()
			return false, fmt.Errorf("check cancel flag: %w", err)
		}
		if requested {
			cancelled.Store(true)
			break
		}
		if child.Status.Terminal() {
			// Duplicate delivery: this chapter already ran.
			onChildTerminal(child.Status)
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if err := c.children.Run(ctx, &child); err != nil {
				log.Error("chapter job runner error", "chapter_job_id", child.ID, "error", err)
			}
			after, err := c.machine.Get(ctx, child.ID)
			if err != nil {
				log.Error("reload chapter job", "chapter_job_id", child.ID, "error", err)
				onChildTerminal(jobs.StatusFailed)
				return
			}
			onChildTerminal(after.Status)
		}()
	}
	if cancelled.Load() {
		// Flag the children before draining so in-flight chapters stop at
		// their next checkpoint instead of running to completion.
		c.cascadeCancel(ctx, children, log)
	}
	wg.Wait()
	stopWatch()
	watchWG.Wait()

	// A cancel that arrives between the watcher's last poll and the final
	// chapter finishing still wins over completion.
	if !cancelled.Load() {
		requested, err := c.machine.CancelRequested(ctx, bookID)
		if err != nil {
			return false, fmt.Errorf("check cancel flag: %w", err)
		}
		if requested {
			cancelled.Store(true)
		}
	}
	return cancelled.Load(), nil
}

// cascadeCancel propagates a book cancel to its children. PENDING children
// cancel immediately; PROCESSING children get the flag and stop at their next
// checkpoint.
func (c *Coordinator) cascadeCancel(ctx context.Context, children []jobs.Job, log *slog.Logger) {
	for _, child := range children {
		if _, err := c.machine.Cancel(ctx, child.ID); err != nil {
			log.Debug("cancel chapter job", "chapter_job_id", child.ID, "error", err)
		}
	}
}

// finalize aggregates child outcomes into the parent result and picks the
// parent's terminal state. Completed chapters stay in the result even when
// the book fails, so partial output remains playable.
func (c *Coordinator) finalize(ctx context.Context, bookID string, cancelled bool, log *slog.Logger) error {
	children, err := c.machine.Children(ctx, bookID)
	if err != nil {
		return fmt.Errorf("load children: %w", err)
	}
	sortChildren(children)

	result := aggregate(children)
	switch {
	case cancelled:
		if _, err := c.machine.SetResult(ctx, bookID, result); err != nil {
			return fmt.Errorf("store partial result: %w", err)
		}
		if _, err := c.machine.MarkCancelled(ctx, bookID); err != nil {
			return fmt.Errorf("mark book cancelled: %w", err)
		}
		log.Info("book cancelled", "completed", result.CompletedChapters, "total", result.TotalChapters)
	case result.FailedChapters > 0:
		if _, err := c.machine.SetResult(ctx, bookID, result); err != nil {
			return fmt.Errorf("store partial result: %w", err)
		}
		msg := fmt.Sprintf("%d of %d chapters failed", result.FailedChapters, result.TotalChapters)
		if _, err := c.machine.Fail(ctx, bookID, msg); err != nil {
			return fmt.Errorf("fail book: %w", err)
		}
		log.Warn("book finished with failures", "failed", result.FailedChapters, "total", result.TotalChapters)
	default:
		if _, err := c.machine.Complete(ctx, bookID, result); err != nil {
			return fmt.Errorf("complete book: %w", err)
		}
		log.Info("book completed", "chapters", result.TotalChapters, "duration_seconds", result.DurationSeconds)
	}
	return nil
}

// aggregate builds the parent result from terminal children. Chapters sort
// by chapter number, never by completion order.
func aggregate(children []jobs.Job) *jobs.Result {
	result := &jobs.Result{TotalChapters: len(children)}
	for _, child := range children {
		number, title := chapterIdentity(&child)
		entry := jobs.ChapterResult{
			JobID:         child.ID,
			ChapterNumber: number,
			Title:         title,
			Status:        child.Status,
			ErrorMessage:  child.ErrorMessage,
		}
		switch child.Status {
		case jobs.StatusCompleted:
			result.CompletedChapters++
			if child.Result != nil {
				entry.FileKey = child.Result.FileKey
				entry.DurationSeconds = child.Result.DurationSeconds
				entry.SizeBytes = child.Result.SizeBytes
				result.DurationSeconds += child.Result.DurationSeconds
				result.Playlist = append(result.Playlist, jobs.PlaylistEntry{
					ChapterNumber:   number,
					Title:           title,
					FileKey:         child.Result.FileKey,
					DurationSeconds: child.Result.DurationSeconds,
				})
			}
		case jobs.StatusFailed:
			result.FailedChapters++
		}
		result.Chapters = append(result.Chapters, entry)
	}
	return result
}

func chapterIdentity(job *jobs.Job) (int, string) {
	cfg, err := job.TextToAudioConfig()
	if err != nil {
		return 0, ""
	}
	return cfg.ChapterNumber, cfg.ChapterTitle
}

func sortChildren(children []jobs.Job) {
	sort.SliceStable(children, func(i, j int) bool {
		ni, _ := chapterIdentity(&children[i])
		nj, _ := chapterIdentity(&children[j])
		return ni < nj
	})
}

func (c *Coordinator) createSteps(ctx context.Context, jobID string) (map[string]string, error) {
	existing, err := c.machine.Steps(ctx, jobID)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]string, 4)
	for _, s := range existing {
		byName[s.Name] = s.ID
	}
	for _, name := range []string{stepLoadBook, stepAnalyze, stepSplitChapters, stepCreateChildren} {
		if _, ok := byName[name]; ok {
			continue
		}
		step, err := c.machine.AddStep(ctx, jobID, name)
		if err != nil {
			return nil, err
		}
		byName[name] = step.ID
	}
	return byName, nil
}

// runStep wraps one coordination step in running/completed/failed
// bookkeeping, checking the cancel flag first.
func (c *Coordinator) runStep(ctx context.Context, jobID, stepID string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	requested, err := c.machine.CancelRequested(ctx, jobID)
	if err != nil {
		return err
	}
	if requested {
		return jobs.ErrCancellationRequested
	}

	running := jobs.StepRunning
	if _, err := c.machine.UpdateStep(ctx, stepID, jobs.StepUpdate{Status: &running}); err != nil {
		return err
	}
	if err := fn(); err != nil {
		failed := jobs.StepFailed
		msg := err.Error()
		if _, uerr := c.machine.UpdateStep(ctx, stepID, jobs.StepUpdate{Status: &failed, ErrorMessage: &msg}); uerr != nil {
			c.log.Error("record step failure", "step_id", stepID, "error", uerr)
		}
		return err
	}
	completed := jobs.StepCompleted
	_, err = c.machine.UpdateStep(ctx, stepID, jobs.StepUpdate{Status: &completed})
	return err
}
