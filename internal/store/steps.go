package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackzampolin/narrator/internal/jobs"
)

// CreateStep inserts a step, assigning the next contiguous 1-based order for
// its job inside one transaction.
func (s *Store) CreateStep(ctx context.Context, step *jobs.Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin step insert: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(step_order), 0) + 1 FROM job_steps WHERE job_id = ?`,
		step.JobID).Scan(&next); err != nil {
		return fmt.Errorf("next step order: %w", err)
	}

	step.Order = next
	step.Version = 1
	_, err = tx.ExecContext(ctx,
		`INSERT INTO job_steps (id, job_id, step_name, step_order, status, progress,
		                        error_message, version, started_at, completed_at,
		                        created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.JobID, step.Name, step.Order, string(step.Status), step.Progress,
		nullString(step.ErrorMessage), step.Version, formatTimePtr(step.StartedAt),
		formatTimePtr(step.CompletedAt), formatTime(step.CreatedAt), formatTime(step.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return tx.Commit()
}

const stepColumns = `id, job_id, step_name, step_order, status, progress,
	error_message, version, started_at, completed_at, created_at, updated_at`

// GetStep returns the step by id, or jobs.ErrNotFound.
func (s *Store) GetStep(ctx context.Context, id string) (*jobs.Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM job_steps WHERE id = ?`, id)
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("step %s: %w", id, jobs.ErrNotFound)
	}
	return step, err
}

// UpdateStepCAS writes the step if its stored version still matches, then
// bumps step.Version. A stale version returns jobs.ErrVersionConflict.
func (s *Store) UpdateStepCAS(ctx context.Context, step *jobs.Step) error {
	now := formatTime(nowUTC())
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_steps
		 SET status = ?, progress = ?, error_message = ?, started_at = ?,
		     completed_at = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(step.Status), step.Progress, nullString(step.ErrorMessage),
		formatTimePtr(step.StartedAt), formatTimePtr(step.CompletedAt), now,
		step.ID, step.Version)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM job_steps WHERE id = ?`, step.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("step %s: %w", step.ID, jobs.ErrNotFound)
		}
		return fmt.Errorf("step %s at version %d: %w", step.ID, step.Version, jobs.ErrVersionConflict)
	}

	step.Version++
	step.UpdatedAt = parseTime(now)
	return nil
}

// ListSteps returns the job's steps ordered by step_order.
func (s *Store) ListSteps(ctx context.Context, jobID string) ([]jobs.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM job_steps WHERE job_id = ? ORDER BY step_order ASC`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []jobs.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *step)
	}
	return out, rows.Err()
}

func scanStep(row rowScanner) (*jobs.Step, error) {
	var (
		st                     jobs.Step
		status                 string
		errorMessage           sql.NullString
		createdAt, updatedAt   string
		startedAt, completedAt sql.NullString
	)
	err := row.Scan(&st.ID, &st.JobID, &st.Name, &st.Order, &status, &st.Progress,
		&errorMessage, &st.Version, &startedAt, &completedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	st.Status = jobs.StepStatus(status)
	st.ErrorMessage = errorMessage.String
	st.StartedAt = parseTimePtr(startedAt)
	st.CompletedAt = parseTimePtr(completedAt)
	st.CreatedAt = parseTime(createdAt)
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}
