package jobs

import (
	"encoding/json"
	"fmt"
)

// DefaultMaxConcurrency bounds how many chapter jobs of one book run at once.
const DefaultMaxConcurrency = 4

// VoiceConfig selects the synthesis provider and voice settings.
type VoiceConfig struct {
	Provider string  `json:"provider,omitempty"`
	Model    string  `json:"model,omitempty"`
	Voice    string  `json:"voice,omitempty"`
	Format   string  `json:"format,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
}

// SourceKind identifies where job input text comes from.
type SourceKind string

const (
	SourceContent SourceKind = "content"
	SourceFileKey SourceKind = "file_key"
	SourceURL     SourceKind = "url"
)

// ContentSource is embedded by job configs that accept text input.
// Exactly one of the three fields must be set.
type ContentSource struct {
	Content string `json:"content,omitempty"`
	FileKey string `json:"file_key,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Source returns the populated source kind and its value.
func (s ContentSource) Source() (SourceKind, string) {
	switch {
	case s.Content != "":
		return SourceContent, s.Content
	case s.FileKey != "":
		return SourceFileKey, s.FileKey
	default:
		return SourceURL, s.URL
	}
}

func (s ContentSource) validate() error {
	n := 0
	if s.Content != "" {
		n++
	}
	if s.FileKey != "" {
		n++
	}
	if s.URL != "" {
		n++
	}
	if n != 1 {
		return &ValidationError{
			Field:  "content",
			Reason: "exactly one of content, file_key, or url must be provided",
		}
	}
	return nil
}

// TextToAudioConfig configures a text_to_audio job. Chapter children created
// by a book job carry ParentJobID and ChapterNumber; standalone jobs leave
// them zero.
type TextToAudioConfig struct {
	ContentSource

	Voice VoiceConfig `json:"voice_config,omitempty"`

	ParentJobID   string `json:"parent_job_id,omitempty"`
	ChapterNumber int    `json:"chapter_number,omitempty"`
	ChapterTitle  string `json:"chapter_title,omitempty"`
}

// Validate checks config invariants beyond what the JSON schema covers.
func (c *TextToAudioConfig) Validate() error {
	if err := c.ContentSource.validate(); err != nil {
		return err
	}
	if c.ChapterNumber < 0 {
		return &ValidationError{Field: "chapter_number", Reason: "must not be negative"}
	}
	return nil
}

// BookProcessingConfig configures a book_processing job.
type BookProcessingConfig struct {
	ContentSource

	Title          string      `json:"title,omitempty"`
	Voice          VoiceConfig `json:"voice_config,omitempty"`
	MaxConcurrency int         `json:"max_concurrency,omitempty"`
}

// Validate checks config invariants beyond what the JSON schema covers.
func (c *BookProcessingConfig) Validate() error {
	if err := c.ContentSource.validate(); err != nil {
		return err
	}
	if c.MaxConcurrency < 0 {
		return &ValidationError{Field: "max_concurrency", Reason: "must not be negative"}
	}
	return nil
}

// Concurrency returns the effective chapter fan-out bound.
func (c *BookProcessingConfig) Concurrency() int {
	if c.MaxConcurrency > 0 {
		return c.MaxConcurrency
	}
	return DefaultMaxConcurrency
}

// TextToAudioConfig decodes the job's config. The job must be a
// text_to_audio job.
func (j *Job) TextToAudioConfig() (*TextToAudioConfig, error) {
	if j.Type != JobTypeTextToAudio {
		return nil, fmt.Errorf("job %s is %s, not %s", j.ID, j.Type, JobTypeTextToAudio)
	}
	var cfg TextToAudioConfig
	if err := json.Unmarshal(j.Config, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode text_to_audio config: %w", err)
	}
	return &cfg, nil
}

// BookConfig decodes the job's config. The job must be a book_processing job.
func (j *Job) BookConfig() (*BookProcessingConfig, error) {
	if j.Type != JobTypeBookProcessing {
		return nil, fmt.Errorf("job %s is %s, not %s", j.ID, j.Type, JobTypeBookProcessing)
	}
	var cfg BookProcessingConfig
	if err := json.Unmarshal(j.Config, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode book_processing config: %w", err)
	}
	return &cfg, nil
}
