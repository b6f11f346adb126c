package splitter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackzampolin/narrator/internal/providers"
)

func normalizeWS(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func assertRoundTrip(t *testing.T, original string, chapters []Chapter) {
	t.Helper()
	var b strings.Builder
	for _, ch := range chapters {
		b.WriteString(ch.Text)
		b.WriteString(" ")
	}
	if got, want := normalizeWS(b.String()), normalizeWS(original); got != want {
		t.Fatalf("chapters do not reproduce input\n got: %.120q\nwant: %.120q", got, want)
	}
}

func body(sentences int, seed string) string {
	var b strings.Builder
	for i := 0; i < sentences; i++ {
		fmt.Fprintf(&b, "The %s narrative continues with event number %d here. ", seed, i)
	}
	return strings.TrimSpace(b.String())
}

func TestSplitNumberedHeadings(t *testing.T) {
	text := "Chapter 1\n\n" + body(3, "first") + "\n\nChapter 2\n\n" + body(3, "second")

	chapters := New(nil, nil).Split(context.Background(), text)
	if len(chapters) != 2 {
		t.Fatalf("expected 2 chapters, got %d", len(chapters))
	}
	if chapters[0].Title != "Chapter 1" || chapters[1].Title != "Chapter 2" {
		t.Fatalf("unexpected titles: %q, %q", chapters[0].Title, chapters[1].Title)
	}
	if chapters[0].Number != 1 || chapters[1].Number != 2 {
		t.Fatalf("unexpected numbers: %d, %d", chapters[0].Number, chapters[1].Number)
	}
	assertRoundTrip(t, text, chapters)
}

func TestSplitRomanHeadings(t *testing.T) {
	text := "Chapter I\n\n" + body(3, "opening") + "\n\nChapter IV\n\n" + body(3, "closing")

	chapters := New(nil, nil).Split(context.Background(), text)
	if len(chapters) != 2 {
		t.Fatalf("expected 2 chapters, got %d", len(chapters))
	}
	if got := ChapterNumberFromTitle(chapters[1].Title); got != 4 {
		t.Fatalf("ChapterNumberFromTitle(%q) = %d, want 4", chapters[1].Title, got)
	}
	assertRoundTrip(t, text, chapters)
}

func TestSplitSpecialSectionsKeptDespiteLength(t *testing.T) {
	text := "Prologue\n\nIt begins.\n\nChapter 1\n\n" + body(3, "main") + "\n\nEpilogue\n\nIt ends."

	chapters := New(nil, nil).Split(context.Background(), text)
	if len(chapters) != 3 {
		t.Fatalf("expected 3 chapters, got %d", len(chapters))
	}
	if !chapters[0].Special || chapters[0].Title != "Prologue" {
		t.Fatalf("first chapter should be the prologue, got %+v", chapters[0])
	}
	if !chapters[2].Special || chapters[2].Title != "Epilogue" {
		t.Fatalf("last chapter should be the epilogue, got %+v", chapters[2])
	}
	assertRoundTrip(t, text, chapters)
}

func TestSplitPreservesFrontMatter(t *testing.T) {
	front := "A Title Page by Someone Important and a dedication line."
	text := front + "\n\nChapter 1\n\n" + body(3, "one") + "\n\nChapter 2\n\n" + body(3, "two")

	chapters := New(nil, nil).Split(context.Background(), text)
	if len(chapters) != 3 {
		t.Fatalf("expected 3 chapters, got %d", len(chapters))
	}
	if chapters[0].Title != "Front Matter" {
		t.Fatalf("expected front matter chapter, got %q", chapters[0].Title)
	}
	assertRoundTrip(t, text, chapters)
}

func TestSplitShortChapterMergesIntoPrevious(t *testing.T) {
	// "Chapter 2" has only three words of body and is not special, so it
	// folds into chapter 1. Its text must not be lost.
	text := "Chapter 1\n\n" + body(4, "real") + "\n\nChapter 2\n\ntiny stub\n\nChapter 3\n\n" + body(4, "more")

	chapters := New(nil, nil).Split(context.Background(), text)
	if len(chapters) != 2 {
		t.Fatalf("expected 2 chapters after merge, got %d", len(chapters))
	}
	if !strings.Contains(chapters[0].Text, "tiny stub") {
		t.Fatal("merged chapter text was dropped")
	}
	assertRoundTrip(t, text, chapters)
}

func TestSplitLongChapterAtParagraphGaps(t *testing.T) {
	var parts []string
	for i := 0; i < 8; i++ {
		parts = append(parts, body(250, fmt.Sprintf("section%d", i)))
	}
	// Around 20k words in one chapter, separated by blank-line gaps.
	text := "Chapter 1\n\n" + strings.Join(parts, "\n\n\n")

	chapters := New(nil, nil).Split(context.Background(), text)
	if len(chapters) < 2 {
		t.Fatalf("oversize chapter was not split, got %d chapters", len(chapters))
	}
	for _, ch := range chapters {
		if !strings.HasPrefix(ch.Title, "Chapter 1 - Part ") {
			t.Fatalf("unexpected part title %q", ch.Title)
		}
		if ch.Words > MaxChapterWords {
			t.Fatalf("part %q still oversize at %d words", ch.Title, ch.Words)
		}
	}
	assertRoundTrip(t, text, chapters)
}

func TestSplitHeadingHeuristic(t *testing.T) {
	text := "The Long Road\n\n" + strings.ToLower(body(3, "walk")) + "\n\nA New Dawn\n\n" + strings.ToLower(body(3, "rise"))

	chapters := New(nil, nil).Split(context.Background(), text)
	if len(chapters) != 2 {
		t.Fatalf("expected 2 chapters, got %d", len(chapters))
	}
	if chapters[0].Title != "The Long Road" || chapters[1].Title != "A New Dawn" {
		t.Fatalf("unexpected titles: %q, %q", chapters[0].Title, chapters[1].Title)
	}
	assertRoundTrip(t, text, chapters)
}

func TestSplitAccumulatesSectionsWithoutHeadings(t *testing.T) {
	var parts []string
	for i := 0; i < 6; i++ {
		parts = append(parts, strings.ToLower(body(300, fmt.Sprintf("part%d", i))))
	}
	text := strings.Join(parts, "\n\n\n")

	chapters := New(nil, nil).Split(context.Background(), text)
	if len(chapters) < 2 {
		t.Fatalf("expected multiple chapters, got %d", len(chapters))
	}
	for i, ch := range chapters {
		if want := fmt.Sprintf("Chapter %d", i+1); ch.Title != want {
			t.Fatalf("chapter %d title = %q, want %q", i, ch.Title, want)
		}
	}
	assertRoundTrip(t, text, chapters)
}

func TestSplitFallsBackToFullText(t *testing.T) {
	text := strings.ToLower(body(5, "plain"))

	chapters := New(nil, nil).Split(context.Background(), text)
	if len(chapters) != 1 {
		t.Fatalf("expected single chapter, got %d", len(chapters))
	}
	if chapters[0].Title != "Full Text" || chapters[0].Number != 1 {
		t.Fatalf("unexpected fallback chapter %+v", chapters[0])
	}
	if chapters[0].Text != text {
		t.Fatal("fallback chapter must carry the whole input")
	}
}

func TestSplitEmptyInput(t *testing.T) {
	if got := New(nil, nil).Split(context.Background(), "  \n\t "); got != nil {
		t.Fatalf("expected nil for blank input, got %v", got)
	}
}

func TestSplitUsesLLMBoundaries(t *testing.T) {
	lineA := strings.ToLower(body(4, "before"))
	lineB := strings.ToLower(body(4, "after"))
	text := lineA + "\n" + lineB

	llm := &providers.MockLLM{Suggestions: []providers.BoundarySuggestion{
		{Line: 1, Title: "Opening"},
		{Line: 2, Title: "Closing"},
	}}
	chapters := New(llm, nil).Split(context.Background(), text)
	if llm.CallCount() != 1 {
		t.Fatalf("expected one analysis call, got %d", llm.CallCount())
	}
	if len(chapters) != 2 {
		t.Fatalf("expected 2 chapters from llm boundaries, got %d", len(chapters))
	}
	if chapters[0].Title != "Opening" || chapters[1].Title != "Closing" {
		t.Fatalf("unexpected titles: %q, %q", chapters[0].Title, chapters[1].Title)
	}
	assertRoundTrip(t, text, chapters)
}

func TestSplitLLMFailureFallsThrough(t *testing.T) {
	text := strings.ToLower(body(5, "solo"))

	llm := &providers.MockLLM{Err: errors.New("model unavailable")}
	chapters := New(llm, nil).Split(context.Background(), text)
	if len(chapters) != 1 || chapters[0].Title != "Full Text" {
		t.Fatalf("llm failure must fall back to full text, got %+v", chapters)
	}
}

func TestSplitMarkersTakePriorityOverLLM(t *testing.T) {
	text := "Chapter 1\n\n" + body(3, "a") + "\n\nChapter 2\n\n" + body(3, "b")

	llm := &providers.MockLLM{Suggestions: []providers.BoundarySuggestion{{Line: 1, Title: "Wrong"}}}
	chapters := New(llm, nil).Split(context.Background(), text)
	if llm.CallCount() != 0 {
		t.Fatal("llm must not run when explicit markers exist")
	}
	if len(chapters) != 2 || chapters[0].Title != "Chapter 1" {
		t.Fatalf("unexpected chapters %+v", chapters)
	}
}

func TestRomanToInt(t *testing.T) {
	cases := map[string]int{
		"I":    1,
		"IV":   4,
		"IX":   9,
		"XIV":  14,
		"XL":   40,
		"L":    50,
		"iv":   4,
		"":     0,
		"ABC":  0,
		"XLXL": 0, // 80, out of heading range
	}
	for in, want := range cases {
		if got := romanToInt(in); got != want {
			t.Errorf("romanToInt(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestChapterNumberFromTitle(t *testing.T) {
	cases := map[string]int{
		"Chapter 7":   7,
		"Chapter IV":  4,
		"CHAPTER 12":  12,
		"Ch. 3":       3,
		"IX.":         9,
		"Prologue":    0,
		"Full Text":   0,
		"Chapter Two": 0,
	}
	for in, want := range cases {
		if got := ChapterNumberFromTitle(in); got != want {
			t.Errorf("ChapterNumberFromTitle(%q) = %d, want %d", in, got, want)
		}
	}
}
