// Package chunker splits document text into bounded pieces for embedding
// and extraction. Splits never break mid-sentence: natural section
// boundaries are preferred, and the last-resort re-split of an oversized
// section only cuts on line boundaries.
package chunker

import (
	"regexp"
	"strings"
)

// Config controls chunk sizing.
type Config struct {
	// TargetSize is the preferred chunk size in characters.
	TargetSize int
	// Overlap is the maximum number of trailing characters from the previous
	// chunk carried into the next one, rounded down to complete sentences.
	// Zero disables overlap.
	Overlap int
}

// Piece is one chunk of text with positional and structural metadata.
type Piece struct {
	Text          string
	Index         int
	Total         int
	SectionTitle  string
	ArticleNumber string
	CharCount     int
	TokenEstimate int
}

// oversizeFactor is the threshold above which a flushed chunk is forcibly
// re-split on line boundaries.
const oversizeFactor = 1.5

var (
	blankLine     = regexp.MustCompile(`\n[ \t]*\n`)
	articleRef    = regexp.MustCompile(`(?i)^(?:article|section|§)\s+([0-9]+[a-z]?|[IVXLC]+)\b`)
	markdownTitle = regexp.MustCompile(`^#{1,6}\s+(.+)$`)
	sentenceEnd   = regexp.MustCompile(`[.!?]["')\]]?(\s+|$)`)
)

type section struct {
	text          string
	title         string
	articleNumber string
}

// Split chunks the text per the config. Empty or whitespace-only input
// yields no pieces.
func Split(text string, cfg Config) []Piece {
	if cfg.TargetSize <= 0 {
		cfg.TargetSize = 1500
	}
	sections := splitSections(text)
	if len(sections) == 0 {
		return nil
	}

	var chunks []section
	var current section
	for _, sec := range sections {
		if current.text == "" {
			current = sec
			continue
		}
		if len(current.text)+2+len(sec.text) > cfg.TargetSize {
			chunks = append(chunks, current)
			current = sec
			continue
		}
		current.text = current.text + "\n\n" + sec.text
		// Structural metadata is inherited from the first section of a chunk.
	}
	if current.text != "" {
		chunks = append(chunks, current)
	}

	// Last resort: re-split any chunk still far above target, cutting only
	// on line boundaries.
	var sized []section
	for _, c := range chunks {
		if float64(len(c.text)) <= oversizeFactor*float64(cfg.TargetSize) {
			sized = append(sized, c)
			continue
		}
		for _, part := range splitOnLines(c.text, cfg.TargetSize) {
			sized = append(sized, section{text: part, title: c.title, articleNumber: c.articleNumber})
		}
	}

	pieces := make([]Piece, len(sized))
	for i, c := range sized {
		body := c.text
		if i > 0 && cfg.Overlap > 0 {
			if tail := trailingSentences(sized[i-1].text, cfg.Overlap); tail != "" {
				body = tail + "\n" + body
			}
		}
		pieces[i] = Piece{
			Text:          body,
			Index:         i,
			Total:         len(sized),
			SectionTitle:  c.title,
			ArticleNumber: c.articleNumber,
			CharCount:     len(body),
			TokenEstimate: estimateTokens(body),
		}
	}
	return pieces
}

// EstimateTokens approximates the LLM token count of a text.
func EstimateTokens(text string) int {
	return estimateTokens(text)
}

func estimateTokens(text string) int {
	// Rough chars-per-token heuristic for latin-script text.
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

func splitSections(text string) []section {
	var sections []section
	for _, block := range blankLine.Split(text, -1) {
		block = strings.Trim(block, " \t\n")
		if block == "" {
			continue
		}
		sections = append(sections, section{
			text:          block,
			title:         detectTitle(block),
			articleNumber: detectArticleNumber(block),
		})
	}
	return sections
}

func detectTitle(block string) string {
	firstLine := block
	if idx := strings.IndexByte(block, '\n'); idx >= 0 {
		firstLine = block[:idx]
	}
	firstLine = strings.TrimSpace(firstLine)
	if m := markdownTitle.FindStringSubmatch(firstLine); m != nil {
		return strings.TrimSpace(m[1])
	}
	if articleRef.MatchString(firstLine) {
		return firstLine
	}
	// Short heading-like line: no terminal punctuation, not a lone word of prose.
	if len(firstLine) > 0 && len(firstLine) <= 80 && !strings.ContainsAny(string(firstLine[len(firstLine)-1]), ".,;:") {
		if firstLine != block { // only when the block has a body under it
			return firstLine
		}
	}
	return ""
}

func detectArticleNumber(block string) string {
	firstLine := block
	if idx := strings.IndexByte(block, '\n'); idx >= 0 {
		firstLine = block[:idx]
	}
	if m := articleRef.FindStringSubmatch(strings.TrimSpace(firstLine)); m != nil {
		return m[1]
	}
	return ""
}

// splitOnLines greedily accumulates whole lines up to the target size. A
// single line longer than the target becomes its own piece; lines are never
// cut.
func splitOnLines(text string, target int) []string {
	lines := strings.Split(text, "\n")
	var parts []string
	var buf strings.Builder
	for _, line := range lines {
		if buf.Len() > 0 && buf.Len()+1+len(line) > target {
			parts = append(parts, buf.String())
			buf.Reset()
		}
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(line)
	}
	if buf.Len() > 0 {
		parts = append(parts, buf.String())
	}
	return parts
}

// trailingSentences returns the longest suffix of complete sentences that
// fits in maxChars. Partial sentences are never returned.
func trailingSentences(text string, maxChars int) string {
	text = strings.TrimSpace(text)
	if text == "" || maxChars <= 0 {
		return ""
	}
	ends := sentenceEnd.FindAllStringIndex(text, -1)
	if len(ends) == 0 {
		return ""
	}
	// The final match must close the text, otherwise the tail is an
	// incomplete sentence and carrying it would split mid-sentence.
	last := ends[len(ends)-1]
	if last[1] != len(text) {
		return ""
	}
	// Walk sentence starts from the end until the suffix exceeds maxChars.
	start := len(text)
	for i := len(ends) - 1; i >= 0; i-- {
		candidate := 0
		if i > 0 {
			candidate = ends[i-1][1]
		}
		if len(text)-candidate > maxChars {
			break
		}
		start = candidate
	}
	if start >= len(text) {
		return ""
	}
	return strings.TrimSpace(text[start:])
}
