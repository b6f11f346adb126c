package providers

import (
	"context"
	"sync"
	"time"
)

// MockTTS is a scriptable in-memory TTSProvider for tests.
type MockTTS struct {
	mu sync.Mutex

	// Latency delays every call.
	Latency time.Duration

	// ChunkLimit overrides the provider character limit (default 4096).
	ChunkLimit int

	// FailuresFor injects errors: before a call for text succeeds, the
	// scripted errors are returned one per call in order.
	failures map[string][]error

	calls     []string
	synthDone int
}

// NewMockTTS creates a mock provider.
func NewMockTTS() *MockTTS {
	return &MockTTS{failures: make(map[string][]error)}
}

// FailNext scripts errs to be returned, in order, for calls whose text equals
// text. Subsequent calls succeed.
func (m *MockTTS) FailNext(text string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[text] = append(m.failures[text], errs...)
}

// Calls returns the texts synthesized so far, in call order.
func (m *MockTTS) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// Completed returns how many calls succeeded.
func (m *MockTTS) Completed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.synthDone
}

func (m *MockTTS) Name() string { return "mock" }

func (m *MockTTS) MaxChunkChars() int {
	if m.ChunkLimit > 0 {
		return m.ChunkLimit
	}
	return 4096
}

func (m *MockTTS) HealthCheck(context.Context) error { return nil }

// Synthesize returns deterministic fake audio: one byte per input character,
// so concatenation order and sizing are observable in tests.
func (m *MockTTS) Synthesize(ctx context.Context, req *SynthesisRequest) (*SynthesisResult, error) {
	if m.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Latency):
		}
	}

	m.mu.Lock()
	m.calls = append(m.calls, req.Text)
	if queue := m.failures[req.Text]; len(queue) > 0 {
		err := queue[0]
		m.failures[req.Text] = queue[1:]
		m.mu.Unlock()
		return nil, err
	}
	m.synthDone++
	m.mu.Unlock()

	return &SynthesisResult{
		Audio:      []byte(req.Text),
		Format:     "mp3",
		DurationMS: len(req.Text) * 10,
		CharCount:  len(req.Text),
	}, nil
}

var _ TTSProvider = (*MockTTS)(nil)

// MockLLM is a scriptable LLMClient for tests.
type MockLLM struct {
	Suggestions []BoundarySuggestion
	Err         error
	callCount   int
	mu          sync.Mutex
}

func (m *MockLLM) Name() string { return "mock" }

func (m *MockLLM) AnalyzeChapters(context.Context, string) ([]BoundarySuggestion, error) {
	m.mu.Lock()
	m.callCount++
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Suggestions, nil
}

// CallCount returns how many times AnalyzeChapters ran.
func (m *MockLLM) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

var _ LLMClient = (*MockLLM)(nil)

// ErrMockTransient is a convenience transient error for tests.
func ErrMockTransient() error {
	return &TransientError{Message: "mock transient failure", StatusCode: 503}
}

// ErrMockPermanent is a convenience permanent error for tests.
func ErrMockPermanent() error {
	return &PermanentError{Message: "mock content rejection", StatusCode: 400}
}
