package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AddStep appends a step to the job's pipeline. The store assigns the next
// contiguous 1-based order inside its transaction.
func (m *Machine) AddStep(ctx context.Context, jobID, name string) (*Step, error) {
	if name == "" {
		return nil, &ValidationError{Field: "step_name", Reason: "must not be empty"}
	}

	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("job %s is %s, cannot add steps", jobID, job.Status)
	}

	now := m.now().UTC()
	step := &Step{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Name:      name,
		Status:    StepPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateStep(ctx, step); err != nil {
		return nil, fmt.Errorf("failed to create step %q: %w", name, err)
	}
	return step, nil
}

// Steps returns the job's steps ordered by step order.
func (m *Machine) Steps(ctx context.Context, jobID string) ([]Step, error) {
	return m.store.ListSteps(ctx, jobID)
}

// StepUpdate describes a step mutation. Nil fields are left unchanged.
type StepUpdate struct {
	Status       *StepStatus
	Progress     *float64
	ErrorMessage *string
}

// UpdateStep applies the update with CAS retry and then recomputes the owning
// job's aggregate progress as the mean of its steps' progress. Duplicate
// identical updates converge to the same state.
func (m *Machine) UpdateStep(ctx context.Context, stepID string, update StepUpdate) (*Step, error) {
	var result *Step
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		step, err := m.store.GetStep(ctx, stepID)
		if err != nil {
			return nil, err
		}

		applyStepUpdate(step, update, m.now().UTC())

		err = m.store.UpdateStepCAS(ctx, step)
		if err == nil {
			result = step
			break
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	if result == nil {
		return nil, fmt.Errorf("step %s: giving up after %d attempts: %w", stepID, casRetries, lastErr)
	}

	if err := m.recomputeJobProgress(ctx, result.JobID); err != nil {
		return nil, err
	}
	return result, nil
}

func applyStepUpdate(step *Step, update StepUpdate, now time.Time) {
	if update.Status != nil && *update.Status != step.Status {
		step.Status = *update.Status
		switch step.Status {
		case StepRunning:
			if step.StartedAt == nil {
				step.StartedAt = &now
			}
		case StepCompleted:
			step.Progress = 100
			step.CompletedAt = &now
		case StepFailed:
			step.CompletedAt = &now
		}
	}
	if update.Progress != nil {
		step.Progress = clampProgress(*update.Progress)
	}
	if update.ErrorMessage != nil {
		step.ErrorMessage = *update.ErrorMessage
	}
}

// recomputeJobProgress sets the job's progress to the mean of its steps'
// progress. Container (book) jobs track progress by completed-child ratio
// instead; their progress writes go through SetProgress only, otherwise a
// book would read 100% as soon as its coordination steps finish.
func (m *Machine) recomputeJobProgress(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Type == JobTypeBookProcessing {
		return nil
	}

	steps, err := m.store.ListSteps(ctx, jobID)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return nil
	}

	var sum float64
	for _, s := range steps {
		sum += s.Progress
	}
	_, err = m.SetProgress(ctx, jobID, sum/float64(len(steps)))
	return err
}

// VerifyStepOrder checks the contiguity invariant: step orders are exactly
// 1..N in listing order.
func VerifyStepOrder(steps []Step) error {
	for i, s := range steps {
		if s.Order != i+1 {
			return fmt.Errorf("step %q has order %d, want %d", s.Name, s.Order, i+1)
		}
	}
	return nil
}
