package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackzampolin/narrator/internal/jobs"
)

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 100
)

// JobSource provides the job a playback row belongs to. Duration always comes
// from the job's current result so regenerated audio is picked up.
type JobSource interface {
	GetJob(ctx context.Context, id string) (*jobs.Job, error)
}

// Update is one position report from a player.
type Update struct {
	PositionSeconds        float64
	CurrentChapterID       string
	CurrentChapterPosition float64
}

// Tracker applies playback updates. Updates are idempotent: reporting the
// same position twice yields the same stored row.
type Tracker struct {
	store Store
	jobs  JobSource
	log   *slog.Logger
	now   func() time.Time
}

func NewTracker(store Store, jobSource JobSource, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{store: store, jobs: jobSource, log: log, now: time.Now}
}

// Get returns the stored progress for (userID, jobID), or jobs.ErrNotFound
// when the user has never played this job.
func (t *Tracker) Get(ctx context.Context, userID, jobID string) (*Progress, error) {
	return t.store.GetProgress(ctx, userID, jobID)
}

// Update records a position report. Position clamps to [0, duration]; the
// completion flag trips at CompletionThreshold and latches until Reset.
func (t *Tracker) Update(ctx context.Context, userID, jobID string, upd Update) (*Progress, error) {
	if userID == "" {
		return nil, &jobs.ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	job, err := t.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if err := validateChapterID(job, upd.CurrentChapterID); err != nil {
		return nil, err
	}

	var duration float64
	if job.Result != nil {
		duration = job.Result.DurationSeconds
	}

	now := t.now().UTC()
	p, err := t.store.GetProgress(ctx, userID, jobID)
	switch {
	case err == nil:
	case isNotFound(err):
		p = &Progress{UserID: userID, JobID: jobID, CreatedAt: now}
	default:
		return nil, fmt.Errorf("load progress: %w", err)
	}

	pos := clamp(upd.PositionSeconds, 0, duration)
	p.PositionSeconds = pos
	p.DurationSeconds = duration
	p.CurrentChapterID = upd.CurrentChapterID
	p.CurrentChapterPosition = maxFloat(upd.CurrentChapterPosition, 0)
	if duration > 0 {
		fraction := pos / duration
		p.PercentageComplete = fraction * 100
		if fraction >= CompletionThreshold {
			p.IsCompleted = true
		}
	} else {
		p.PercentageComplete = 0
	}
	p.LastPlayedAt = now
	p.UpdatedAt = now

	if err := t.store.UpsertProgress(ctx, p); err != nil {
		return nil, fmt.Errorf("save progress: %w", err)
	}
	return p, nil
}

// Reset removes the row so the job plays from the start. Resetting progress
// that does not exist is not an error.
func (t *Tracker) Reset(ctx context.Context, userID, jobID string) error {
	return t.store.DeleteProgress(ctx, userID, jobID)
}

// ListRecent returns the user's rows ordered by last play time, newest
// first. limit <= 0 uses the default; oversized limits are capped.
func (t *Tracker) ListRecent(ctx context.Context, userID string, limit int) ([]Progress, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	return t.store.ListRecentProgress(ctx, userID, limit)
}

// validateChapterID requires a reported chapter to reference one of the
// job's chapter child jobs. Empty means "no chapter", which single-file jobs
// always use.
func validateChapterID(job *jobs.Job, chapterID string) error {
	if chapterID == "" {
		return nil
	}
	if job.Result != nil {
		for _, ch := range job.Result.Chapters {
			if ch.JobID == chapterID {
				return nil
			}
		}
	}
	return &jobs.ValidationError{Field: "current_chapter_id", Reason: fmt.Sprintf("job %s has no chapter %q", job.ID, chapterID)}
}

func isNotFound(err error) bool {
	return errors.Is(err, jobs.ErrNotFound)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
