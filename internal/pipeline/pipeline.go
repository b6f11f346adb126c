// Package pipeline runs text_to_audio jobs: chunk the text, synthesize each
// chunk, concatenate the audio, persist the artifact. Each stage is a
// recorded job step, so a job's progress and failure point are visible from
// its step rows.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackzampolin/narrator/internal/audio"
	"github.com/jackzampolin/narrator/internal/chunker"
	"github.com/jackzampolin/narrator/internal/ingest"
	"github.com/jackzampolin/narrator/internal/jobs"
	"github.com/jackzampolin/narrator/internal/objectstore"
	"github.com/jackzampolin/narrator/internal/providers"
)

const (
	// DefaultSynthWorkers bounds concurrent provider calls within one job.
	DefaultSynthWorkers = 3

	stepChunk       = "chunk"
	stepSynthesize  = "synthesize"
	stepConcatenate = "concatenate"
	stepPersist     = "persist"

	defaultFormat = "mp3"
)

// Runner executes one text_to_audio job at a time per call. Safe for
// concurrent use across jobs.
type Runner struct {
	machine      *jobs.Machine
	resolver     *ingest.Resolver
	registry     *providers.Registry
	objects      objectstore.Store
	log          *slog.Logger
	synthWorkers int
	retryCfg     RetryConfig
	concatFor    func(format string) (audio.Concatenator, error)
}

// RetryConfig bounds the per-chunk retry loop for transient provider errors.
type RetryConfig struct {
	Attempts uint
	Base     time.Duration
	Cap      time.Duration
}

func defaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, Base: time.Second, Cap: 30 * time.Second}
}

type Config struct {
	Machine      *jobs.Machine
	Resolver     *ingest.Resolver
	Registry     *providers.Registry
	Objects      objectstore.Store
	Logger       *slog.Logger
	SynthWorkers int
	Retry        *RetryConfig

	// ConcatFor overrides concatenator selection. Nil uses audio.ForFormat.
	ConcatFor func(format string) (audio.Concatenator, error)
}

func New(cfg Config) *Runner {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	workers := cfg.SynthWorkers
	if workers <= 0 {
		workers = DefaultSynthWorkers
	}
	retryCfg := defaultRetryConfig()
	if cfg.Retry != nil {
		retryCfg = *cfg.Retry
	}
	concatFor := cfg.ConcatFor
	if concatFor == nil {
		concatFor = audio.ForFormat
	}
	return &Runner{
		machine:      cfg.Machine,
		resolver:     cfg.Resolver,
		registry:     cfg.Registry,
		objects:      cfg.Objects,
		log:          log,
		synthWorkers: workers,
		retryCfg:     retryCfg,
		concatFor:    concatFor,
	}
}

// Run drives job through the pipeline and leaves it in a terminal state.
// The returned error reports infrastructure failures only; provider and
// validation failures are recorded on the job itself.
func (r *Runner) Run(ctx context.Context, job *jobs.Job) error {
	log := r.log.With("job_id", job.ID)

	cfg, err := job.TextToAudioConfig()
	if err != nil {
		_, ferr := r.machine.Fail(ctx, job.ID, fmt.Sprintf("invalid config: %v", err))
		return ferr
	}

	if _, err := r.machine.Start(ctx, job.ID); err != nil {
		return fmt.Errorf("start job: %w", err)
	}

	steps, err := r.createSteps(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("create steps: %w", err)
	}

	out, err := r.execute(ctx, job.ID, cfg, steps, log)
	switch {
	case err == nil:
		if _, cerr := r.machine.Complete(ctx, job.ID, out); cerr != nil {
			return fmt.Errorf("complete job: %w", cerr)
		}
		log.Info("job completed", "file_key", out.FileKey, "chunks", out.ChunkCount)
		return nil
	case errors.Is(err, jobs.ErrCancellationRequested):
		if _, cerr := r.machine.MarkCancelled(ctx, job.ID); cerr != nil {
			return fmt.Errorf("mark cancelled: %w", cerr)
		}
		log.Info("job cancelled")
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Process shutdown, not a user cancel: leave the job PROCESSING so
		// a redelivery resumes it.
		return err
	default:
		if _, ferr := r.machine.Fail(ctx, job.ID, err.Error()); ferr != nil {
			return fmt.Errorf("fail job: %w", ferr)
		}
		log.Warn("job failed", "error", err)
		return nil
	}
}

// createSteps registers the four pipeline steps in order. Duplicate delivery
// of a job reuses the existing rows.
func (r *Runner) createSteps(ctx context.Context, jobID string) (map[string]*jobs.Step, error) {
	existing, err := r.machine.Steps(ctx, jobID)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*jobs.Step, 4)
	for i := range existing {
		s := existing[i]
		byName[s.Name] = &s
	}
	for _, name := range []string{stepChunk, stepSynthesize, stepConcatenate, stepPersist} {
		if _, ok := byName[name]; ok {
			continue
		}
		step, err := r.machine.AddStep(ctx, jobID, name)
		if err != nil {
			return nil, err
		}
		byName[name] = step
	}
	return byName, nil
}

// execute runs the four stages. A jobs.ErrCancellationRequested return means
// the job observed its cancel flag; any other error is a failure message for
// the job row.
func (r *Runner) execute(ctx context.Context, jobID string, cfg *jobs.TextToAudioConfig, steps map[string]*jobs.Step, log *slog.Logger) (*jobs.Result, error) {
	provider, err := r.registry.TTS(cfg.Voice.Provider)
	if err != nil {
		return nil, err
	}
	format := strings.ToLower(cfg.Voice.Format)
	if format == "" {
		format = defaultFormat
	}
	concatenator, err := r.concatFor(format)
	if err != nil {
		return nil, err
	}

	// chunk
	chunks, err := r.runChunkStep(ctx, jobID, cfg, provider, steps[stepChunk].ID)
	if err != nil {
		return nil, err
	}
	log.Debug("text chunked", "chunks", len(chunks))

	// synthesize
	segments, totalMS, err := r.runSynthesizeStep(ctx, jobID, cfg, provider, format, chunks, steps[stepSynthesize].ID)
	if err != nil {
		return nil, err
	}

	// concatenate
	merged, err := r.runStep(ctx, jobID, steps[stepConcatenate].ID, func() ([]byte, error) {
		return concatenator.Concat(ctx, segments)
	})
	if err != nil {
		return nil, err
	}

	// persist
	key := artifactKey(cfg, jobID, format)
	if _, err := r.runStep(ctx, jobID, steps[stepPersist].ID, func() ([]byte, error) {
		return nil, r.objects.Put(ctx, key, merged)
	}); err != nil {
		return nil, err
	}

	duration := measureDuration(format, merged, totalMS)
	return &jobs.Result{
		FileKey:         key,
		Format:          format,
		DurationSeconds: duration,
		SizeBytes:       int64(len(merged)),
		ChunkCount:      len(chunks),
	}, nil
}

func (r *Runner) runChunkStep(ctx context.Context, jobID string, cfg *jobs.TextToAudioConfig, provider providers.TTSProvider, stepID string) ([]chunker.Chunk, error) {
	if err := r.beginStep(ctx, stepID); err != nil {
		return nil, err
	}
	if err := r.checkCancelled(ctx, jobID); err != nil {
		return nil, err
	}

	text, err := r.resolver.Resolve(ctx, cfg.ContentSource)
	if err != nil {
		return nil, r.failStep(ctx, stepID, err)
	}
	chunks, err := chunker.Split(text, provider.MaxChunkChars())
	if err != nil {
		return nil, r.failStep(ctx, stepID, err)
	}
	if len(chunks) == 0 {
		return nil, r.failStep(ctx, stepID, errors.New("no synthesizable text"))
	}
	return chunks, r.completeStep(ctx, stepID)
}

// runStep wraps a single-shot stage in running/completed/failed bookkeeping.
func (r *Runner) runStep(ctx context.Context, jobID, stepID string, fn func() ([]byte, error)) ([]byte, error) {
	if err := r.beginStep(ctx, stepID); err != nil {
		return nil, err
	}
	if err := r.checkCancelled(ctx, jobID); err != nil {
		return nil, err
	}
	out, err := fn()
	if err != nil {
		return nil, r.failStep(ctx, stepID, err)
	}
	return out, r.completeStep(ctx, stepID)
}

// measureDuration prefers exact numbers from the merged audio and falls back
// to the provider's per-chunk estimates.
func measureDuration(format string, merged []byte, totalMS int) float64 {
	if format == "wav" {
		if sec, err := audio.WAVDurationSeconds(merged); err == nil {
			return sec
		}
	}
	return float64(totalMS) / 1000
}

func (r *Runner) beginStep(ctx context.Context, stepID string) error {
	running := jobs.StepRunning
	_, err := r.machine.UpdateStep(ctx, stepID, jobs.StepUpdate{Status: &running})
	return err
}

func (r *Runner) completeStep(ctx context.Context, stepID string) error {
	completed := jobs.StepCompleted
	_, err := r.machine.UpdateStep(ctx, stepID, jobs.StepUpdate{Status: &completed})
	return err
}

// failStep records the failure on the step row and passes the error through.
func (r *Runner) failStep(ctx context.Context, stepID string, cause error) error {
	failed := jobs.StepFailed
	msg := cause.Error()
	if _, err := r.machine.UpdateStep(ctx, stepID, jobs.StepUpdate{Status: &failed, ErrorMessage: &msg}); err != nil {
		r.log.Error("record step failure", "step_id", stepID, "error", err)
	}
	return cause
}

// checkCancelled surfaces a pending cancel request as
// jobs.ErrCancellationRequested.
func (r *Runner) checkCancelled(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	requested, err := r.machine.CancelRequested(ctx, jobID)
	if err != nil {
		return err
	}
	if requested {
		return jobs.ErrCancellationRequested
	}
	return nil
}

// artifactKey places chapter audio under its parent book.
func artifactKey(cfg *jobs.TextToAudioConfig, jobID, format string) string {
	if cfg.ParentJobID != "" {
		return fmt.Sprintf("audio/%s/chapter_%03d.%s", cfg.ParentJobID, cfg.ChapterNumber, format)
	}
	return fmt.Sprintf("audio/%s/output.%s", jobID, format)
}
