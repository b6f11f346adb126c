package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackzampolin/narrator/internal/jobs"
)

// Interface compliance.
var _ jobs.Store = (*Store)(nil)

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job *jobs.Job) error {
	resultJSON, err := marshalResult(job.Result)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, job_type, status, progress, parent_job_id, config,
		                   result_data, error_message, cancel_requested, version,
		                   created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Type), string(job.Status), job.Progress,
		nullString(job.ParentJobID), nullString(string(job.Config)),
		resultJSON, nullString(job.ErrorMessage), boolInt(job.CancelRequested),
		job.Version, formatTime(job.CreatedAt), formatTimePtr(job.StartedAt),
		formatTimePtr(job.CompletedAt), formatTime(job.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, job_type, status, progress, parent_job_id, config,
	result_data, error_message, cancel_requested, version,
	created_at, started_at, completed_at, updated_at`

// GetJob returns the job by id, or jobs.ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, jobs.ErrNotFound)
	}
	return job, err
}

// UpdateJobCAS writes the job if its stored version still matches
// job.Version, then bumps job.Version. A stale version returns
// jobs.ErrVersionConflict.
func (s *Store) UpdateJobCAS(ctx context.Context, job *jobs.Job) error {
	resultJSON, err := marshalResult(job.Result)
	if err != nil {
		return err
	}

	now := formatTime(nowUTC())
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = ?, progress = ?, result_data = ?, error_message = ?,
		     cancel_requested = ?, started_at = ?, completed_at = ?,
		     version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(job.Status), job.Progress, resultJSON, nullString(job.ErrorMessage),
		boolInt(job.CancelRequested), formatTimePtr(job.StartedAt),
		formatTimePtr(job.CompletedAt), now,
		job.ID, job.Version)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish stale version from missing row.
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE id = ?`, job.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("job %s: %w", job.ID, jobs.ErrNotFound)
		}
		return fmt.Errorf("job %s at version %d: %w", job.ID, job.Version, jobs.ErrVersionConflict)
	}

	job.Version++
	job.UpdatedAt = parseTime(now)
	return nil
}

// ListChildren returns all children of a parent job, creation order.
func (s *Store) ListChildren(ctx context.Context, parentID string) ([]jobs.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE parent_job_id = ? ORDER BY created_at ASC, id ASC`,
		parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// ListJobsByStatus returns jobs in the given status, oldest first. Used at
// startup to resume interrupted work.
func (s *Store) ListJobsByStatus(ctx context.Context, status jobs.Status, limit int) ([]jobs.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// ListJobs returns jobs newest first, optionally filtered by status. An empty
// status matches everything. Backs the job listing API.
func (s *Store) ListJobs(ctx context.Context, status jobs.Status, limit int) ([]jobs.Job, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*jobs.Job, error) {
	var (
		j                             jobs.Job
		jobType, status               string
		parentID, config, resultJSON  sql.NullString
		errorMessage                  sql.NullString
		cancelRequested               int
		createdAt, updatedAt          string
		startedAt, completedAt        sql.NullString
	)
	err := row.Scan(&j.ID, &jobType, &status, &j.Progress, &parentID, &config,
		&resultJSON, &errorMessage, &cancelRequested, &j.Version,
		&createdAt, &startedAt, &completedAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	j.Type = jobs.JobType(jobType)
	j.Status = jobs.Status(status)
	j.ParentJobID = parentID.String
	if config.Valid {
		j.Config = json.RawMessage(config.String)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var r jobs.Result
		if err := json.Unmarshal([]byte(resultJSON.String), &r); err != nil {
			return nil, fmt.Errorf("decode result_data: %w", err)
		}
		j.Result = &r
	}
	j.ErrorMessage = errorMessage.String
	j.CancelRequested = cancelRequested != 0
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	j.StartedAt = parseTimePtr(startedAt)
	j.CompletedAt = parseTimePtr(completedAt)
	return &j, nil
}

func marshalResult(r *jobs.Result) (any, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode result_data: %w", err)
	}
	return string(b), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
