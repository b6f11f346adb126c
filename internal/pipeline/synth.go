package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/narrator/internal/chunker"
	"github.com/jackzampolin/narrator/internal/jobs"
	"github.com/jackzampolin/narrator/internal/providers"
)

// runSynthesizeStep fans chunks out over the worker pool. Segments land in
// chunk order regardless of completion order. The first permanent error or
// cancel request stops the whole step.
func (r *Runner) runSynthesizeStep(ctx context.Context, jobID string, cfg *jobs.TextToAudioConfig, provider providers.TTSProvider, format string, chunks []chunker.Chunk, stepID string) ([][]byte, int, error) {
	if err := r.beginStep(ctx, stepID); err != nil {
		return nil, 0, err
	}
	if err := r.checkCancelled(ctx, jobID); err != nil {
		return nil, 0, err
	}

	limiter := r.registry.Limiter(r.registry.ResolveTTSName(cfg.Voice.Provider))
	segments := make([][]byte, len(chunks))
	durations := make([]int, len(chunks))
	var done atomic.Int64

	workers := r.synthWorkers
	if workers > len(chunks) {
		workers = len(chunks)
	}

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan chunker.Chunk)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	setErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range work {
				// Re-check the cancel flag between chunks so a cancelled
				// job stops without waiting for the pool to drain.
				if err := r.checkCancelled(workCtx, jobID); err != nil {
					setErr(err)
					return
				}
				result, err := r.synthesizeChunk(workCtx, provider, limiter, cfg, format, chunk)
				if err != nil {
					setErr(fmt.Errorf("chunk %d: %w", chunk.Index, err))
					return
				}
				segments[chunk.Index] = result.Audio
				durations[chunk.Index] = result.DurationMS
				n := done.Add(1)
				r.reportSynthProgress(ctx, stepID, int(n), len(chunks))
			}
		}()
	}

dispatch:
	for _, chunk := range chunks {
		select {
		case work <- chunk:
		case <-workCtx.Done():
			break dispatch
		}
	}
	close(work)
	wg.Wait()

	if firstErr != nil {
		return nil, 0, r.failStep(ctx, stepID, firstErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	totalMS := 0
	for _, d := range durations {
		totalMS += d
	}
	return segments, totalMS, r.completeStep(ctx, stepID)
}

// synthesizeChunk is one provider call wrapped in the classified retry loop.
// Only transient errors retry; a rate limit's Retry-After overrides the
// backoff for that attempt.
func (r *Runner) synthesizeChunk(ctx context.Context, provider providers.TTSProvider, limiter *providers.RateLimiter, cfg *jobs.TextToAudioConfig, format string, chunk chunker.Chunk) (*providers.SynthesisResult, error) {
	req := &providers.SynthesisRequest{
		Text:   chunk.Text,
		Voice:  cfg.Voice.Voice,
		Format: format,
		Speed:  cfg.Voice.Speed,
	}

	var result *providers.SynthesisResult
	err := retry.Do(
		func() error {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return retry.Unrecoverable(err)
				}
			}
			res, err := provider.Synthesize(ctx, req)
			if err != nil {
				if rl, ok := providers.IsRateLimitError(err); ok && limiter != nil {
					limiter.Record429(rl.RetryAfter)
				}
				if !providers.IsTransient(err) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			result = res
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(r.retryCfg.Attempts),
		retry.Delay(r.retryCfg.Base),
		retry.MaxDelay(r.retryCfg.Cap),
		retry.DelayType(r.retryDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// retryDelay is exponential backoff, except a rate-limited attempt waits the
// server's Retry-After when one was given.
func (r *Runner) retryDelay(n uint, err error, config *retry.Config) time.Duration {
	if rl, ok := providers.IsRateLimitError(err); ok && rl.RetryAfter > 0 {
		if rl.RetryAfter > r.retryCfg.Cap {
			return r.retryCfg.Cap
		}
		return rl.RetryAfter
	}
	return retry.BackOffDelay(n, err, config)
}

func (r *Runner) reportSynthProgress(ctx context.Context, stepID string, done, total int) {
	progress := float64(done) / float64(total) * 100
	if _, err := r.machine.UpdateStep(ctx, stepID, jobs.StepUpdate{Progress: &progress}); err != nil {
		r.log.Debug("update synth progress", "step_id", stepID, "error", err)
	}
}
