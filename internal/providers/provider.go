// Package providers contains the external synthesis and analysis clients and
// their shared error classification.
package providers

import (
	"context"
	"time"
)

// SynthesisRequest is a single text-to-speech call for one chunk.
type SynthesisRequest struct {
	Text         string
	Voice        string
	Format       string // "mp3" (default), "wav", "opus", "aac", "flac", "pcm"
	Speed        float64
	Instructions string
}

// SynthesisResult is the outcome of one synthesis call.
type SynthesisResult struct {
	Audio         []byte
	Format        string
	DurationMS    int
	SampleRate    int
	CostUSD       float64
	CharCount     int
	ExecutionTime time.Duration
	RequestID     string
}

// TTSProvider converts text chunks to audio. Implementations classify their
// failures: rate limits and timeouts surface as transient errors, content
// rejections as permanent ones.
type TTSProvider interface {
	// Name returns the provider identifier (e.g., "openai").
	Name() string

	// MaxChunkChars is the provider's documented per-call character limit.
	// The chunker never produces a chunk above it.
	MaxChunkChars() int

	// Synthesize converts one chunk of text to audio.
	Synthesize(ctx context.Context, req *SynthesisRequest) (*SynthesisResult, error)

	// HealthCheck verifies the provider is reachable and credentials work.
	HealthCheck(ctx context.Context) error
}

// Voice describes an available synthesis voice.
type Voice struct {
	VoiceID     string `json:"voice_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// VoicesLister is implemented by providers that can enumerate voices.
type VoicesLister interface {
	ListVoices(ctx context.Context) ([]Voice, error)
}

// BoundarySuggestion is one chapter boundary proposed by the analysis LLM.
type BoundarySuggestion struct {
	Line  int    `json:"line"`
	Title string `json:"title"`
}

// LLMClient is the optional chapter-analysis service. It is best effort:
// callers must produce correct output without it.
type LLMClient interface {
	Name() string
	AnalyzeChapters(ctx context.Context, text string) ([]BoundarySuggestion, error)
}
