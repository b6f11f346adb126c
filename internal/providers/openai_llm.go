package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	openAILLMDefaultModel = "gpt-4o-mini"

	// analyzeMaxInputChars caps how much text is sent for boundary analysis.
	// The heuristic splitter handles the rest; this call only refines it.
	analyzeMaxInputChars = 48000
)

const chapterAnalysisPrompt = `You segment books into chapters. Given numbered lines of text,
return a JSON array of objects {"line": <1-based line number>, "title": "<chapter title>"}
marking each line where a new chapter begins. Return ONLY the JSON array, no commentary.`

// OpenAILLMConfig configures the chapter-analysis client.
type OpenAILLMConfig struct {
	APIKey     string
	Model      string // "gpt-4o-mini" (default)
	Timeout    time.Duration
	BaseURL    string       // Optional (tests)
	HTTPClient *http.Client // Optional (tests)
}

// OpenAILLMClient implements LLMClient on the OpenAI chat API. It is used
// only to refine the content-heuristic splitter strategy and is never
// required for correctness.
type OpenAILLMClient struct {
	model  string
	client openai.Client
}

// NewOpenAILLMClient creates a chapter-analysis client.
func NewOpenAILLMClient(cfg OpenAILLMConfig) *OpenAILLMClient {
	if cfg.Model == "" {
		cfg.Model = openAILLMDefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAILLMClient{
		model:  cfg.Model,
		client: openai.NewClient(opts...),
	}
}

// Name returns the provider identifier.
func (c *OpenAILLMClient) Name() string {
	return OpenAITTSName
}

// AnalyzeChapters asks the model for chapter boundary suggestions.
func (c *OpenAILLMClient) AnalyzeChapters(ctx context.Context, text string) ([]BoundarySuggestion, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if len(text) > analyzeMaxInputChars {
		text = text[:analyzeMaxInputChars]
	}

	numbered := numberLines(text)
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(chapterAnalysisPrompt),
			openai.UserMessage(numbered),
		},
	})
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chapter analysis returned no choices")
	}

	raw, err := parseJSONArray(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	var suggestions []BoundarySuggestion
	if err := json.Unmarshal(raw, &suggestions); err != nil {
		return nil, fmt.Errorf("failed to decode boundary suggestions: %w", err)
	}
	return suggestions, nil
}

func numberLines(text string) string {
	lines := strings.Split(text, "\n")
	var b strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&b, "%d: %s\n", i+1, line)
	}
	return b.String()
}

// parseJSONArray extracts a JSON array from model output, with lightweight
// recovery for markdown code fences and surrounding text.
func parseJSONArray(content string) (json.RawMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("empty analysis output")
	}

	candidates := []string{content}
	if stripped := stripCodeFences(content); stripped != "" && stripped != content {
		candidates = append(candidates, stripped)
	}
	if start := strings.Index(content, "["); start >= 0 {
		if end := strings.LastIndex(content, "]"); end > start {
			candidates = append(candidates, content[start:end+1])
		}
	}

	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		var parsed []any
		if err := json.Unmarshal([]byte(candidate), &parsed); err == nil {
			return json.RawMessage(candidate), nil
		}
	}
	return nil, fmt.Errorf("failed to parse analysis JSON")
}

func stripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return ""
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return ""
	}

	// Drop first fence line.
	lines = lines[1:]
	// Drop trailing fence if present.
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

var _ LLMClient = (*OpenAILLMClient)(nil)
