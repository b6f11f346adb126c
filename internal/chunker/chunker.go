// Package chunker splits chapter text into provider-sized chunks. Breaks
// happen on sentence boundaries first; a single sentence over the limit falls
// back to clause and then word boundaries. Chunk order never changes after
// splitting, no matter how synthesis is parallelized.
package chunker

import (
	"fmt"
	"strings"
)

// DefaultMaxChars matches the OpenAI speech endpoint input limit.
const DefaultMaxChars = 4096

// Chunk is one provider-sized slice of chapter text.
type Chunk struct {
	Index int
	Text  string
}

// Split breaks text into chunks of at most maxChars characters each.
// Sentences are packed greedily into chunks without reordering.
func Split(text string, maxChars int) ([]Chunk, error) {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	sentences := splitIntoSentences(text, maxChars)
	if len(sentences) == 0 {
		return nil, nil
	}

	var chunks []Chunk
	var current strings.Builder

	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Text:  current.String(),
		})
		current.Reset()
	}

	currentLen := 0
	for _, sentence := range sentences {
		// splitIntoSentences guarantees each sentence fits on its own.
		n := len([]rune(sentence))
		if n > maxChars {
			return nil, fmt.Errorf("sentence of %d chars exceeds chunk limit %d", n, maxChars)
		}

		if currentLen > 0 && currentLen+1+n > maxChars {
			flush()
			currentLen = 0
		}
		if currentLen > 0 {
			current.WriteByte(' ')
			currentLen++
		}
		current.WriteString(sentence)
		currentLen += n
	}
	flush()

	return chunks, nil
}

// JoinedText reassembles chunk text in index order, for round-trip checks.
func JoinedText(chunks []Chunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Text
	}
	return strings.Join(parts, " ")
}
