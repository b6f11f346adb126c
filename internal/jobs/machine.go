package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// casRetries bounds the reread-and-retry loop on version conflicts.
// Conflicts come from sibling workers updating the same row; the loop always
// rereads fresh state, so a handful of attempts is enough.
const casRetries = 5

// Store is the persistence contract the state machine drives. All updates
// are compare-and-set on the record's version; a stale version returns
// ErrVersionConflict.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	UpdateJobCAS(ctx context.Context, job *Job) error
	ListChildren(ctx context.Context, parentID string) ([]Job, error)

	CreateStep(ctx context.Context, step *Step) error
	GetStep(ctx context.Context, id string) (*Step, error)
	UpdateStepCAS(ctx context.Context, step *Step) error
	ListSteps(ctx context.Context, jobID string) ([]Step, error)
}

// Machine owns the job/step lifecycle: creation, transitions, progress
// aggregation, and cooperative cancellation flags.
type Machine struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// MachineConfig configures a Machine.
type MachineConfig struct {
	Store  Store
	Logger *slog.Logger
}

// NewMachine creates a job state machine over the given store.
func NewMachine(cfg MachineConfig) *Machine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:  cfg.Store,
		logger: logger,
		now:    time.Now,
	}
}

// CreateParams describes a job to create. Config must decode against the
// type's schema.
type CreateParams struct {
	Type        JobType
	Config      json.RawMessage
	ParentJobID string
}

// Create validates the config and persists a new PENDING job with no steps.
func (m *Machine) Create(ctx context.Context, params CreateParams) (*Job, error) {
	if err := ValidateConfig(params.Type, params.Config); err != nil {
		return nil, err
	}
	if params.ParentJobID != "" {
		parent, err := m.store.GetJob(ctx, params.ParentJobID)
		if err != nil {
			return nil, fmt.Errorf("parent job lookup failed: %w", err)
		}
		if parent.Type != JobTypeBookProcessing {
			return nil, &ValidationError{
				Field:  "parent_job_id",
				Reason: "parent must be a book_processing job",
			}
		}
	}

	now := m.now().UTC()
	job := &Job{
		ID:          uuid.NewString(),
		Type:        params.Type,
		Status:      StatusPending,
		ParentJobID: params.ParentJobID,
		Config:      params.Config,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	m.logger.Info("job created",
		"job_id", job.ID,
		"job_type", job.Type,
		"parent_job_id", job.ParentJobID)
	return job, nil
}

// Get returns the job by id.
func (m *Machine) Get(ctx context.Context, id string) (*Job, error) {
	return m.store.GetJob(ctx, id)
}

// Children returns all child jobs of a parent.
func (m *Machine) Children(ctx context.Context, parentID string) ([]Job, error) {
	return m.store.ListChildren(ctx, parentID)
}

// errNoop signals inside a mutate closure that the job is already in the
// desired state and the write should be skipped.
var errNoop = errors.New("noop")

// mutate runs fn against a fresh read of the job and CAS-writes the result,
// retrying on version conflicts.
func (m *Machine) mutate(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		job, err := m.store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}

		if err := fn(job); err != nil {
			if errors.Is(err, errNoop) {
				return job, nil
			}
			return nil, err
		}

		err = m.store.UpdateJobCAS(ctx, job)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("job %s: giving up after %d attempts: %w", id, casRetries, lastErr)
}

// Start transitions PENDING -> PROCESSING and stamps started_at.
// Starting a job that is not PENDING returns InvalidTransitionError, except
// for already-PROCESSING jobs, which are treated as a duplicate delivery and
// left untouched.
func (m *Machine) Start(ctx context.Context, id string) (*Job, error) {
	return m.mutate(ctx, id, func(job *Job) error {
		if job.Status == StatusProcessing {
			return errNoop
		}
		if !job.Status.CanTransition(StatusProcessing) {
			return &InvalidTransitionError{JobID: job.ID, From: job.Status, To: StatusProcessing}
		}
		now := m.now().UTC()
		job.Status = StatusProcessing
		job.StartedAt = &now
		return nil
	})
}

// Complete transitions PROCESSING -> COMPLETED with the given result.
// Completing an already-terminal job is a no-op.
func (m *Machine) Complete(ctx context.Context, id string, result *Result) (*Job, error) {
	job, err := m.mutate(ctx, id, func(job *Job) error {
		if job.Status.Terminal() {
			return errNoop
		}
		if !job.Status.CanTransition(StatusCompleted) {
			return &InvalidTransitionError{JobID: job.ID, From: job.Status, To: StatusCompleted}
		}
		now := m.now().UTC()
		job.Status = StatusCompleted
		job.Progress = 100
		job.CompletedAt = &now
		if result != nil {
			job.Result = result
		}
		return nil
	})
	if err == nil && job.Status == StatusCompleted {
		m.logger.Info("job completed", "job_id", id)
	}
	return job, err
}

// Fail transitions PROCESSING -> FAILED with a human-readable message.
// Failing an already-terminal job is a no-op.
func (m *Machine) Fail(ctx context.Context, id, message string) (*Job, error) {
	if message == "" {
		message = "unknown error"
	}
	job, err := m.mutate(ctx, id, func(job *Job) error {
		if job.Status.Terminal() {
			return errNoop
		}
		if !job.Status.CanTransition(StatusFailed) {
			return &InvalidTransitionError{JobID: job.ID, From: job.Status, To: StatusFailed}
		}
		now := m.now().UTC()
		job.Status = StatusFailed
		job.ErrorMessage = message
		job.CompletedAt = &now
		return nil
	})
	if err == nil && job.Status == StatusFailed {
		m.logger.Warn("job failed", "job_id", id, "error", message)
	}
	return job, err
}

// Cancel requests cancellation. PENDING jobs transition to CANCELLED
// immediately; PROCESSING jobs get cancel_requested set and the executing
// worker observes it at the next step boundary. Terminal jobs are untouched.
func (m *Machine) Cancel(ctx context.Context, id string) (*Job, error) {
	return m.mutate(ctx, id, func(job *Job) error {
		if job.Status.Terminal() {
			return errNoop
		}
		now := m.now().UTC()
		job.CancelRequested = true
		if job.Status == StatusPending {
			job.Status = StatusCancelled
			job.CompletedAt = &now
		}
		return nil
	})
}

// MarkCancelled finishes a cooperative cancellation: the worker observed the
// flag and stopped, so PROCESSING -> CANCELLED.
func (m *Machine) MarkCancelled(ctx context.Context, id string) (*Job, error) {
	return m.mutate(ctx, id, func(job *Job) error {
		if job.Status.Terminal() {
			return errNoop
		}
		if !job.Status.CanTransition(StatusCancelled) {
			return &InvalidTransitionError{JobID: job.ID, From: job.Status, To: StatusCancelled}
		}
		now := m.now().UTC()
		job.Status = StatusCancelled
		job.CompletedAt = &now
		return nil
	})
}

// CancelRequested reports whether cancellation has been requested for the
// job. Workers poll this at step boundaries.
func (m *Machine) CancelRequested(ctx context.Context, id string) (bool, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	return job.CancelRequested || job.Status == StatusCancelled, nil
}

// SetProgress writes an explicit progress value, clamped into [0,100].
// Used by the coordinator for container jobs where progress is the
// completed-child ratio rather than a step aggregate.
func (m *Machine) SetProgress(ctx context.Context, id string, progress float64) (*Job, error) {
	return m.mutate(ctx, id, func(job *Job) error {
		if job.Status.Terminal() {
			return errNoop
		}
		job.Progress = clampProgress(progress)
		return nil
	})
}

// SetResult writes result data without changing status. The coordinator uses
// it to preserve completed chapters before failing a parent.
func (m *Machine) SetResult(ctx context.Context, id string, result *Result) (*Job, error) {
	return m.mutate(ctx, id, func(job *Job) error {
		job.Result = result
		return nil
	})
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
