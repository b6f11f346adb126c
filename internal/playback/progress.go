// Package playback tracks per-user playback position so listeners can resume
// long audio exactly where they left off, across sessions and devices.
package playback

import (
	"context"
	"time"
)

// CompletionThreshold is the fraction of total duration at which playback is
// considered finished.
const CompletionThreshold = 0.95

// Progress is one user's playback state for one job. One row per
// (user_id, job_id); created on first playback, removed only by Reset.
type Progress struct {
	UserID                 string    `json:"user_id"`
	JobID                  string    `json:"job_id"`
	PositionSeconds        float64   `json:"position_seconds"`
	DurationSeconds        float64   `json:"duration_seconds,omitempty"`
	PercentageComplete     float64   `json:"percentage_complete"`
	CurrentChapterID       string    `json:"current_chapter_id,omitempty"`
	CurrentChapterPosition float64   `json:"current_chapter_position"`
	IsCompleted            bool      `json:"is_completed"`
	LastPlayedAt           time.Time `json:"last_played_at"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Store is the persistence contract for playback rows. Upserts are single-row
// transactions.
type Store interface {
	GetProgress(ctx context.Context, userID, jobID string) (*Progress, error)
	UpsertProgress(ctx context.Context, p *Progress) error
	DeleteProgress(ctx context.Context, userID, jobID string) error
	ListRecentProgress(ctx context.Context, userID string, limit int) ([]Progress, error)
}
