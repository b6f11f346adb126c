// Package splitter detects chapter boundaries in plain text. Detection is
// layered: explicit heading markers first, then a content heuristic with
// optional LLM refinement, then a single-chapter fallback. Concatenating the
// returned chapter texts always reproduces the input modulo whitespace.
package splitter

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/jackzampolin/narrator/internal/providers"
)

// Word-count bounds for an acceptable chapter.
const (
	MinChapterWords   = 5
	MaxChapterWords   = 15000
	IdealChapterWords = 5000
)

// Chapter is one contiguous slice of the input text.
type Chapter struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Text    string `json:"text"`
	Words   int    `json:"words"`
	Special bool   `json:"special,omitempty"`
}

type patternKind int

const (
	kindRoman patternKind = iota
	kindNumbered
	kindSpecial
	kindPart
	kindBook
	kindWord
)

type headingPattern struct {
	re   *regexp.Regexp
	kind patternKind
}

// Ordered most specific first. Each pattern anchors at line start.
var headingPatterns = []headingPattern{
	{regexp.MustCompile(`(?m)^Chapter\s+([IVXL]+)(\s|$)`), kindRoman},
	{regexp.MustCompile(`(?m)^CHAPTER\s+([IVXL]+)(\s|$)`), kindRoman},
	{regexp.MustCompile(`(?m)^([IVXL]+)\.[ \t]*$`), kindRoman},
	{regexp.MustCompile(`(?m)^Chapter\s+(\d+)(\s|$)`), kindNumbered},
	{regexp.MustCompile(`(?m)^CHAPTER\s+(\d+)(\s|$)`), kindNumbered},
	{regexp.MustCompile(`(?m)^Ch\.\s*(\d+)(\s|$)`), kindNumbered},
	{regexp.MustCompile(`(?m)^(\d+)\.?[ \t]*$`), kindNumbered},
	{regexp.MustCompile(`(?m)^(Prologue|PROLOGUE)(\s|$)`), kindSpecial},
	{regexp.MustCompile(`(?m)^(Epilogue|EPILOGUE)(\s|$)`), kindSpecial},
	{regexp.MustCompile(`(?m)^(Introduction|INTRODUCTION)(\s|$)`), kindSpecial},
	{regexp.MustCompile(`(?m)^(Preface|PREFACE)(\s|$)`), kindSpecial},
	{regexp.MustCompile(`(?m)^(Appendix|APPENDIX)(\s|$)`), kindSpecial},
	{regexp.MustCompile(`(?m)^Part\s+(\d+|[IVXL]+|\w+)(\s|$)`), kindPart},
	{regexp.MustCompile(`(?m)^PART\s+(\d+|[IVXL]+|\w+)(\s|$)`), kindPart},
	{regexp.MustCompile(`(?m)^Book\s+(\d+|[IVXL]+|\w+)(\s|$)`), kindBook},
	{regexp.MustCompile(`(?m)^BOOK\s+(\d+|[IVXL]+|\w+)(\s|$)`), kindBook},
	{regexp.MustCompile(`(?m)^Chapter\s+(\w+)(\s|$)`), kindWord},
	{regexp.MustCompile(`(?m)^CHAPTER\s+(\w+)(\s|$)`), kindWord},
}

var paragraphGap = regexp.MustCompile(`\n{3,}`)

// Splitter turns raw text into ordered chapters.
type Splitter struct {
	llm providers.LLMClient
	log *slog.Logger
}

// New builds a Splitter. llm may be nil; refinement is then skipped.
func New(llm providers.LLMClient, log *slog.Logger) *Splitter {
	if log == nil {
		log = slog.Default()
	}
	return &Splitter{llm: llm, log: log}
}

// Split returns the chapters of text in reading order. The result is never
// empty for non-blank input, and chapter numbers are the 1-based reading
// order. Joining the chapter texts reproduces text modulo whitespace.
func (s *Splitter) Split(ctx context.Context, text string) []Chapter {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	markers := detectMarkers(text)
	var chapters []Chapter
	if len(markers) > 0 {
		s.log.Debug("chapter markers found", "count", len(markers))
		chapters = s.materialize(text, markers)
	} else {
		s.log.Debug("no chapter markers, using content heuristic")
		chapters = s.contentSplit(ctx, text)
	}

	if len(chapters) < 2 {
		return []Chapter{fullTextChapter(text)}
	}
	for i := range chapters {
		chapters[i].Number = i + 1
		chapters[i].Words = wordCount(chapters[i].Text)
	}
	return chapters
}

func fullTextChapter(text string) Chapter {
	return Chapter{Number: 1, Title: "Full Text", Text: text, Words: wordCount(text)}
}

type marker struct {
	start   int
	end     int
	title   string
	special bool
}

// detectMarkers runs every heading pattern over the full text, deduplicates
// by start position (earlier patterns win), and sorts by position. Each
// marker's end is the next marker's start; the last runs to the end of text.
func detectMarkers(text string) []marker {
	var markers []marker
	seen := make(map[int]bool)
	for _, hp := range headingPatterns {
		for _, loc := range hp.re.FindAllStringIndex(text, -1) {
			start := loc[0]
			if seen[start] {
				continue
			}
			seen[start] = true
			markers = append(markers, marker{
				start:   start,
				title:   strings.TrimSpace(text[loc[0]:loc[1]]),
				special: hp.kind == kindSpecial,
			})
		}
	}
	sortMarkers(markers)
	for i := range markers {
		if i < len(markers)-1 {
			markers[i].end = markers[i+1].start
		} else {
			markers[i].end = len(text)
		}
	}
	return markers
}

func sortMarkers(ms []marker) {
	for i := 1; i < len(ms); i++ {
		for j := i; j > 0 && ms[j].start < ms[j-1].start; j-- {
			ms[j], ms[j-1] = ms[j-1], ms[j]
		}
	}
}

// materialize converts markers into chapters. Text before the first marker
// becomes a front-matter chapter so nothing is dropped. Chapters shorter than
// MinChapterWords merge into their neighbor unless they are special sections;
// chapters longer than MaxChapterWords split at paragraph gaps.
func (s *Splitter) materialize(text string, markers []marker) []Chapter {
	if first := markers[0].start; first > 0 && strings.TrimSpace(text[:first]) != "" {
		markers = append([]marker{{start: 0, end: first, title: "Front Matter", special: true}}, markers...)
	} else if first := markers[0].start; first > 0 {
		// Leading whitespace belongs to the first chapter.
		markers[0].start = 0
	}

	merged := mergeShort(text, markers)

	var chapters []Chapter
	for _, m := range merged {
		body := text[m.start:m.end]
		wc := wordCount(body)
		if wc > MaxChapterWords {
			s.log.Info("splitting long chapter", "title", m.title, "words", wc)
			chapters = append(chapters, splitLongChapter(body, m.title)...)
			continue
		}
		chapters = append(chapters, Chapter{Title: m.title, Text: body, Special: m.special})
	}
	return chapters
}

// mergeShort folds markers whose body is below MinChapterWords into the
// preceding marker (or the following one when there is no predecessor).
// Special sections are kept regardless of length.
func mergeShort(text string, markers []marker) []marker {
	var out []marker
	for _, m := range markers {
		wc := wordCount(text[m.start:m.end])
		if wc >= MinChapterWords || m.special {
			out = append(out, m)
			continue
		}
		if len(out) > 0 {
			out[len(out)-1].end = m.end
		} else {
			out = append(out, m)
		}
	}
	// A leading short marker followed by real chapters absorbs nothing above;
	// glue it onto the next one instead.
	if len(out) >= 2 && wordCount(text[out[0].start:out[0].end]) < MinChapterWords && !out[0].special {
		out[1].start = out[0].start
		out = out[1:]
	}
	return out
}

// splitLongChapter divides an oversize chapter into parts near
// IdealChapterWords, preferring paragraph gaps as break points. Part texts
// join back to the original modulo whitespace.
func splitLongChapter(body, title string) []Chapter {
	sections := paragraphGap.Split(body, -1)
	if len(sections) < 2 {
		sections = strings.Split(body, "\n\n")
	}

	var chapters []Chapter
	var cur []string
	curWords := 0
	part := 1
	flush := func() {
		if len(cur) == 0 {
			return
		}
		chapters = append(chapters, Chapter{
			Title: fmt.Sprintf("%s - Part %d", title, part),
			Text:  strings.Join(cur, "\n\n"),
		})
		part++
		cur = nil
		curWords = 0
	}
	for _, sec := range sections {
		wc := wordCount(sec)
		if curWords > 0 && curWords+wc > IdealChapterWords {
			flush()
		}
		cur = append(cur, sec)
		curWords += wc
	}
	flush()

	if len(chapters) < 2 {
		return []Chapter{{Title: title, Text: body}}
	}
	return chapters
}

// contentSplit handles text without explicit markers. It first asks the LLM
// for boundaries, then looks for short title-cased heading lines, then falls
// back to accumulating paragraph-gap sections up to IdealChapterWords.
func (s *Splitter) contentSplit(ctx context.Context, text string) []Chapter {
	if chapters := s.llmSplit(ctx, text); len(chapters) >= 2 {
		return chapters
	}
	if chapters := headingHeuristic(text); len(chapters) >= 2 {
		return chapters
	}
	return accumulateSections(text)
}

// llmSplit asks the analysis LLM for chapter boundaries. Best effort: any
// error or unusable answer falls through to the heuristics.
func (s *Splitter) llmSplit(ctx context.Context, text string) []Chapter {
	if s.llm == nil {
		return nil
	}
	suggestions, err := s.llm.AnalyzeChapters(ctx, text)
	if err != nil {
		s.log.Debug("llm chapter analysis failed", "provider", s.llm.Name(), "error", err)
		return nil
	}
	if len(suggestions) < 2 {
		return nil
	}

	offsets := lineOffsets(text)
	var markers []marker
	seen := make(map[int]bool)
	for _, sug := range suggestions {
		if sug.Line < 1 || sug.Line > len(offsets) {
			continue
		}
		start := offsets[sug.Line-1]
		if seen[start] {
			continue
		}
		seen[start] = true
		title := strings.TrimSpace(sug.Title)
		if title == "" {
			title = fmt.Sprintf("Chapter %d", len(markers)+1)
		}
		markers = append(markers, marker{start: start, title: title})
	}
	if len(markers) < 2 {
		return nil
	}
	sortMarkers(markers)
	for i := range markers {
		if i < len(markers)-1 {
			markers[i].end = markers[i+1].start
		} else {
			markers[i].end = len(text)
		}
	}
	for _, m := range markers {
		if wordCount(text[m.start:m.end]) < MinChapterWords {
			return nil
		}
	}
	return s.materialize(text, markers)
}

// headingHeuristic treats short title-cased lines surrounded by blank lines
// as chapter starts. All resulting chapters must reach MinChapterWords or the
// candidate set is rejected.
func headingHeuristic(text string) []Chapter {
	offsets := lineOffsets(text)
	lines := strings.Split(text, "\n")

	var markers []marker
	for i, line := range lines {
		if !looksLikeHeading(line) {
			continue
		}
		prevBlank := i == 0 || strings.TrimSpace(lines[i-1]) == ""
		nextBlank := i+1 < len(lines) && strings.TrimSpace(lines[i+1]) == ""
		if prevBlank && nextBlank {
			markers = append(markers, marker{start: offsets[i], title: strings.TrimSpace(line)})
		}
	}
	if len(markers) < 2 {
		return nil
	}
	for i := range markers {
		if i < len(markers)-1 {
			markers[i].end = markers[i+1].start
		} else {
			markers[i].end = len(text)
		}
	}
	for _, m := range markers {
		if wordCount(text[m.start:m.end]) < MinChapterWords {
			return nil
		}
	}
	var chapters []Chapter
	if first := markers[0].start; first > 0 && strings.TrimSpace(text[:first]) != "" {
		chapters = append(chapters, Chapter{Title: "Front Matter", Text: text[:first], Special: true})
	} else if first := markers[0].start; first > 0 {
		markers[0].start = 0
	}
	for _, m := range markers {
		chapters = append(chapters, Chapter{Title: m.title, Text: text[m.start:m.end]})
	}
	return chapters
}

const maxHeadingLen = 60

func looksLikeHeading(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || len(trimmed) > maxHeadingLen {
		return false
	}
	if strings.HasSuffix(trimmed, ".") || strings.HasSuffix(trimmed, ",") {
		return false
	}
	words := strings.Fields(trimmed)
	if len(words) > 8 {
		return false
	}
	for _, w := range words {
		r := []rune(w)[0]
		if !unicode.IsUpper(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// accumulateSections groups paragraph-gap sections into chapters of roughly
// IdealChapterWords, numbering them sequentially.
func accumulateSections(text string) []Chapter {
	sections := paragraphGap.Split(text, -1)

	var chapters []Chapter
	var cur []string
	curWords := 0
	num := 1
	flush := func() {
		if len(cur) == 0 {
			return
		}
		chapters = append(chapters, Chapter{
			Title: fmt.Sprintf("Chapter %d", num),
			Text:  strings.Join(cur, "\n\n"),
		})
		num++
		cur = nil
		curWords = 0
	}
	for _, sec := range sections {
		wc := wordCount(sec)
		if curWords > 0 && curWords+wc > IdealChapterWords {
			flush()
		}
		cur = append(cur, sec)
		curWords += wc
	}
	flush()
	return chapters
}

// ChapterNumberFromTitle extracts the ordinal a heading carries, handling
// arabic and roman forms. Returns 0 when the title has no number.
func ChapterNumberFromTitle(title string) int {
	fields := strings.Fields(strings.TrimSuffix(strings.TrimSpace(title), "."))
	if len(fields) == 0 {
		return 0
	}
	last := strings.TrimSuffix(fields[len(fields)-1], ".")
	if n, err := strconv.Atoi(last); err == nil {
		return n
	}
	if isRoman(last) {
		return romanToInt(last)
	}
	return 0
}

func lineOffsets(text string) []int {
	offsets := []int{0}
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			offsets = append(offsets, i+1)
		}
	}
	return offsets
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
