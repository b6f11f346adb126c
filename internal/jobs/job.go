package jobs

import (
	"encoding/json"
	"time"
)

// JobType identifies the kind of work a job performs.
type JobType string

const (
	// JobTypeTextToAudio converts a single piece of text into one audio file.
	JobTypeTextToAudio JobType = "text_to_audio"

	// JobTypeBookProcessing splits a book into chapters and fans out one
	// text_to_audio child job per chapter.
	JobTypeBookProcessing JobType = "book_processing"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeTextToAudio, JobTypeBookProcessing:
		return true
	}
	return false
}

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is a terminal state. Terminal states have no
// outgoing transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions is the full set of legal status transitions.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether a job may move from s to target.
func (s Status) CanTransition(target Status) bool {
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// StepStatus represents the lifecycle state of a single job step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Job is a unit of orchestrated work tracked through the status lifecycle.
// A book job owns N chapter jobs via ParentJobID on the children.
type Job struct {
	ID              string          `json:"id"`
	Type            JobType         `json:"job_type"`
	Status          Status          `json:"status"`
	Progress        float64         `json:"progress"`
	ParentJobID     string          `json:"parent_job_id,omitempty"`
	Config          json.RawMessage `json:"config,omitempty"`
	Result          *Result         `json:"result_data,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`

	// Version increments on every persisted mutation. Updates are
	// compare-and-set on this column so concurrent workers cannot
	// silently overwrite each other.
	Version int64 `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Step is a named, ordered sub-stage of a job's pipeline.
// Order is 1-based and contiguous per job.
type Step struct {
	ID           string     `json:"id"`
	JobID        string     `json:"job_id"`
	Name         string     `json:"step_name"`
	Order        int        `json:"step_order"`
	Status       StepStatus `json:"status"`
	Progress     float64    `json:"progress"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Version      int64      `json:"version"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Result holds the output of a completed (or partially completed) job.
// Single text_to_audio jobs fill the file fields; book_processing jobs fill
// the chapter aggregate fields. Chapters are always sorted by ChapterNumber
// regardless of child completion order.
type Result struct {
	FileKey         string  `json:"file_key,omitempty"`
	Format          string  `json:"format,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	SizeBytes       int64   `json:"size_bytes,omitempty"`
	ChunkCount      int     `json:"chunk_count,omitempty"`

	TotalChapters     int              `json:"total_chapters,omitempty"`
	CompletedChapters int              `json:"completed_chapters,omitempty"`
	FailedChapters    int              `json:"failed_chapters,omitempty"`
	Chapters          []ChapterResult  `json:"chapters,omitempty"`
	Playlist          []PlaylistEntry  `json:"playlist,omitempty"`
}

// ChapterResult records the outcome of one chapter's child job.
type ChapterResult struct {
	JobID           string  `json:"job_id"`
	ChapterNumber   int     `json:"chapter_number"`
	Title           string  `json:"title"`
	Status          Status  `json:"status"`
	FileKey         string  `json:"file_key,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	SizeBytes       int64   `json:"size_bytes,omitempty"`
	ErrorMessage    string  `json:"error_message,omitempty"`
}

// PlaylistEntry references one chapter's stored audio in playback order.
type PlaylistEntry struct {
	ChapterNumber   int     `json:"chapter_number"`
	Title           string  `json:"title"`
	FileKey         string  `json:"file_key"`
	DurationSeconds float64 `json:"duration_seconds"`
}
