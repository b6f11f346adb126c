package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackzampolin/narrator/internal/jobs"
	"github.com/jackzampolin/narrator/internal/playback"
)

var _ playback.Store = (*Store)(nil)

const progressColumns = `user_id, job_id, position_seconds, duration_seconds,
	percentage_complete, current_chapter_id, current_chapter_position,
	is_completed, last_played_at, created_at, updated_at`

// GetProgress returns the playback row for (user, job), or jobs.ErrNotFound.
func (s *Store) GetProgress(ctx context.Context, userID, jobID string) (*playback.Progress, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+progressColumns+` FROM playback_progress WHERE user_id = ? AND job_id = ?`,
		userID, jobID)
	p, err := scanProgress(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("progress for user %s job %s: %w", userID, jobID, jobs.ErrNotFound)
	}
	return p, err
}

// UpsertProgress writes the full playback row, creating it on first play.
func (s *Store) UpsertProgress(ctx context.Context, p *playback.Progress) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO playback_progress (user_id, job_id, position_seconds, duration_seconds,
		                                percentage_complete, current_chapter_id,
		                                current_chapter_position, is_completed,
		                                last_played_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, job_id) DO UPDATE SET
		     position_seconds = excluded.position_seconds,
		     duration_seconds = excluded.duration_seconds,
		     percentage_complete = excluded.percentage_complete,
		     current_chapter_id = excluded.current_chapter_id,
		     current_chapter_position = excluded.current_chapter_position,
		     is_completed = excluded.is_completed,
		     last_played_at = excluded.last_played_at,
		     updated_at = excluded.updated_at`,
		p.UserID, p.JobID, p.PositionSeconds, nullFloat(p.DurationSeconds),
		p.PercentageComplete, nullString(p.CurrentChapterID), p.CurrentChapterPosition,
		boolInt(p.IsCompleted), formatTime(p.LastPlayedAt), formatTime(p.CreatedAt),
		formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert progress: %w", err)
	}
	return nil
}

// DeleteProgress removes the row. Deleting a missing row is not an error.
func (s *Store) DeleteProgress(ctx context.Context, userID, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM playback_progress WHERE user_id = ? AND job_id = ?`, userID, jobID)
	if err != nil {
		return fmt.Errorf("delete progress: %w", err)
	}
	return nil
}

// ListRecentProgress returns the user's rows ordered by last_played_at desc.
func (s *Store) ListRecentProgress(ctx context.Context, userID string, limit int) ([]playback.Progress, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+progressColumns+` FROM playback_progress
		 WHERE user_id = ? ORDER BY last_played_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent progress: %w", err)
	}
	defer rows.Close()

	var out []playback.Progress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanProgress(row rowScanner) (*playback.Progress, error) {
	var (
		p            playback.Progress
		duration     sql.NullFloat64
		chapterID    sql.NullString
		isCompleted  int
		lastPlayedAt string
		createdAt    string
		updatedAt    string
	)
	err := row.Scan(&p.UserID, &p.JobID, &p.PositionSeconds, &duration,
		&p.PercentageComplete, &chapterID, &p.CurrentChapterPosition,
		&isCompleted, &lastPlayedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	p.DurationSeconds = duration.Float64
	p.CurrentChapterID = chapterID.String
	p.IsCompleted = isCompleted != 0
	p.LastPlayedAt = parseTime(lastPlayedAt)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func nullFloat(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}
