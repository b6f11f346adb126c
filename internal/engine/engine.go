// Package engine pulls job ids off the queue and hands each to the runner
// registered for its type. Delivery is at least once, so the engine drops
// messages for terminal jobs and naks messages whose run was interrupted.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackzampolin/narrator/internal/jobs"
	"github.com/jackzampolin/narrator/internal/queue"
)

// DefaultWorkers is the number of concurrent queue consumers.
const DefaultWorkers = 4

// Runner drives one job to a terminal state. A returned error means the run
// was interrupted by infrastructure and the message should redeliver.
type Runner interface {
	Run(ctx context.Context, job *jobs.Job) error
}

// ResumeSource lists jobs by status so interrupted work can be re-enqueued
// after a restart.
type ResumeSource interface {
	ListJobsByStatus(ctx context.Context, status jobs.Status, limit int) ([]jobs.Job, error)
}

type Config struct {
	Machine *jobs.Machine
	Queue   queue.Queue
	Resume  ResumeSource
	Workers int
	Logger  *slog.Logger
}

type Engine struct {
	machine *jobs.Machine
	queue   queue.Queue
	resume  ResumeSource
	workers int
	log     *slog.Logger

	mu      sync.RWMutex
	runners map[jobs.JobType]Runner

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Engine{
		machine: cfg.Machine,
		queue:   cfg.Queue,
		resume:  cfg.Resume,
		workers: workers,
		log:     log,
		runners: make(map[jobs.JobType]Runner),
	}
}

// Register binds a runner to a job type. Call before Start.
func (e *Engine) Register(t jobs.JobType, r Runner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runners[t] = r
}

func (e *Engine) runnerFor(t jobs.JobType) (Runner, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runners[t]
	return r, ok
}

// Submit creates a job and enqueues it for execution.
func (e *Engine) Submit(ctx context.Context, params jobs.CreateParams) (*jobs.Job, error) {
	job, err := e.machine.Create(ctx, params)
	if err != nil {
		return nil, err
	}
	if err := e.queue.Enqueue(ctx, queue.Message{JobID: job.ID, Type: job.Type}); err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return job, nil
}

// Start re-enqueues interrupted work and spawns the worker pool. The workers
// stop when Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.resumeInterrupted(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go func(id int) {
			defer e.wg.Done()
			e.workerLoop(runCtx, id)
		}(i)
	}
	e.log.Info("engine started", "workers", e.workers)
	return nil
}

// Stop halts the workers and waits for in-flight jobs to nak or finish,
// up to the context deadline.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.log.Info("engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine drain: %w", ctx.Err())
	}
}

// resumeInterrupted puts PENDING and PROCESSING top-level jobs back on the
// queue. Chapter children are skipped: their parent book re-runs them.
func (e *Engine) resumeInterrupted(ctx context.Context) error {
	if e.resume == nil {
		return nil
	}
	for _, status := range []jobs.Status{jobs.StatusProcessing, jobs.StatusPending} {
		list, err := e.resume.ListJobsByStatus(ctx, status, 1000)
		if err != nil {
			return fmt.Errorf("list %s jobs: %w", status, err)
		}
		for _, job := range list {
			if job.ParentJobID != "" {
				continue
			}
			if err := e.queue.Enqueue(ctx, queue.Message{JobID: job.ID, Type: job.Type}); err != nil {
				return fmt.Errorf("re-enqueue job %s: %w", job.ID, err)
			}
			e.log.Info("re-enqueued interrupted job", "job_id", job.ID, "status", status)
		}
	}
	return nil
}

func (e *Engine) workerLoop(ctx context.Context, id int) {
	log := e.log.With("worker", id)
	for {
		delivery, err := e.queue.Dequeue(ctx)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrClosed), errors.Is(err, context.Canceled):
			return
		default:
			log.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}
		e.handle(ctx, delivery, log)
	}
}

// handle runs one delivery. Terminal and unknown jobs ack immediately, which
// absorbs duplicate deliveries; interrupted runs nak for redelivery.
func (e *Engine) handle(ctx context.Context, delivery queue.Delivery, log *slog.Logger) {
	msg := delivery.Message()
	log = log.With("job_id", msg.JobID)

	job, err := e.machine.Get(ctx, msg.JobID)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		log.Warn("dropping message for unknown job")
		e.ack(delivery, log)
		return
	case err != nil:
		log.Error("load job", "error", err)
		e.nak(delivery, log)
		return
	}

	if job.Status.Terminal() {
		log.Debug("dropping duplicate delivery for terminal job", "status", job.Status)
		e.ack(delivery, log)
		return
	}

	runner, ok := e.runnerFor(job.Type)
	if !ok {
		if _, err := e.machine.Fail(ctx, job.ID, fmt.Sprintf("no runner for job type %q", job.Type)); err != nil {
			log.Error("fail unroutable job", "error", err)
		}
		e.ack(delivery, log)
		return
	}

	if err := runner.Run(ctx, job); err != nil {
		log.Warn("run interrupted", "error", err)
		e.nak(delivery, log)
		return
	}
	e.ack(delivery, log)
}

func (e *Engine) ack(d queue.Delivery, log *slog.Logger) {
	if err := d.Ack(); err != nil {
		log.Error("ack failed", "error", err)
	}
}

func (e *Engine) nak(d queue.Delivery, log *slog.Logger) {
	if err := d.Nak(); err != nil {
		log.Error("nak failed", "error", err)
	}
}
