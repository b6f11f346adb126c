package chunker

import (
	"strings"
	"testing"
)

func TestSplitShortTextSingleChunk(t *testing.T) {
	chunks, err := Split("Hello there, this is a short test input.", DefaultMaxChars)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Index != 0 {
		t.Errorf("index = %d, want 0", chunks[0].Index)
	}
}

func TestSplitEmptyText(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\n\t"} {
		chunks, err := Split(text, DefaultMaxChars)
		if err != nil {
			t.Fatalf("Split(%q) error = %v", text, err)
		}
		if len(chunks) != 0 {
			t.Errorf("Split(%q) = %d chunks, want 0", text, len(chunks))
		}
	}
}

func TestSplitRespectsLimit(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 200; i++ {
		b.WriteString("This is sentence number one of the running test corpus. ")
	}

	chunks, err := Split(b.String(), 500)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if n := len([]rune(c.Text)); n > 500 {
			t.Errorf("chunk %d has %d chars, limit 500", c.Index, n)
		}
	}
}

func TestSplitIndicesAreContiguous(t *testing.T) {
	text := strings.Repeat("One sentence here. Another follows after it. ", 100)
	chunks, err := Split(text, 300)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk at position %d has index %d", i, c.Index)
		}
	}
}

func TestSplitPrefersSentenceBoundaries(t *testing.T) {
	text := "First sentence ends here. Second sentence is also complete. Third one too."
	chunks, err := Split(text, 40)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for _, c := range chunks {
		trimmed := strings.TrimSpace(c.Text)
		if !strings.HasSuffix(trimmed, ".") {
			t.Errorf("chunk %d does not end on a sentence boundary: %q", c.Index, c.Text)
		}
	}
}

func TestSplitLongSentenceFallsBackToWords(t *testing.T) {
	// One sentence, no clause punctuation, far over the limit.
	words := strings.Repeat("word ", 100)
	text := strings.TrimSpace(words) + "."

	chunks, err := Split(text, 60)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected word-boundary fallback to produce multiple chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if len([]rune(c.Text)) > 60 {
			t.Errorf("chunk %d over limit: %d chars", c.Index, len(c.Text))
		}
		for _, token := range strings.Fields(c.Text) {
			if token != "word" && token != "word." {
				t.Errorf("chunk %d split mid-word: token %q", c.Index, token)
			}
		}
	}
}

func TestSplitRoundTripModuloWhitespace(t *testing.T) {
	text := "Dr. Smith arrived at 3.5 p.m. on Jan. 5th! \"Was it late?\" asked Mrs. Jones. No. 7 was empty.\n\nThe next day was quiet."
	chunks, err := Split(text, 50)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}

	got := strings.Join(strings.Fields(JoinedText(chunks)), " ")
	want := strings.Join(strings.Fields(text), " ")
	if got != want {
		t.Errorf("round trip mismatch:\n got: %q\nwant: %q", got, want)
	}
}

func TestSplitAbbreviationsDoNotBreakSentences(t *testing.T) {
	text := "Mr. Brown met Dr. Green. They talked."
	chunks, err := Split(text, DefaultMaxChars)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}

	sentences := splitIntoSentences(text, DefaultMaxChars)
	if len(sentences) != 2 {
		t.Errorf("got %d sentences, want 2: %q", len(sentences), sentences)
	}
}
