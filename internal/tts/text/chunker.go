// Package text splits long narration into chunks the service can synthesize
// one request at a time.
package text

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxRunes keeps a chunk within what the model renders comfortably in
// one pass.
const DefaultMaxRunes = 300

const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsis     = "..."
	ellipsisChar = "…"
)

var (
	whitespacePattern = regexp.MustCompile(`\s+`)
	// A sentence ends at . ! or ? (optionally followed by a closing quote)
	// and whitespace.
	sentenceEndPattern = regexp.MustCompile(`[.!?]["')\]]?\s`)

	punctuationReplacer = strings.NewReplacer(
		emDash, " - ",
		enDash, "-",
		figureDash, "-",
		ellipsisChar, ellipsis,
		"“", `"`, "”", `"`,
		"‘", "'", "’", "'",
	)
)

// Chunker splits text at sentence boundaries.
type Chunker struct {
	maxRunes int
}

// NewChunker returns a chunker producing chunks of at most maxRunes runes.
// Values below one fall back to DefaultMaxRunes.
func NewChunker(maxRunes int) *Chunker {
	if maxRunes < 1 {
		maxRunes = DefaultMaxRunes
	}

	return &Chunker{maxRunes: maxRunes}
}

// Normalize collapses whitespace and replaces typographic quotes and dashes
// with their plain forms.
func Normalize(text string) string {
	text = punctuationReplacer.Replace(text)
	text = whitespacePattern.ReplaceAllString(text, " ")

	return strings.TrimSpace(text)
}

// Split normalizes text and packs whole sentences into chunks. A sentence
// longer than the limit is split at word boundaries, and a single word longer
// than the limit becomes its own chunk.
func (c *Chunker) Split(text string) []string {
	normalized := Normalize(text)
	if normalized == "" {
		return nil
	}

	var (
		chunks  []string
		current strings.Builder
	)

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, sentence := range sentences(normalized) {
		for _, piece := range c.fit(sentence) {
			if current.Len() > 0 && runeLen(current.String())+1+runeLen(piece) > c.maxRunes {
				flush()
			}

			if current.Len() > 0 {
				current.WriteByte(' ')
			}

			current.WriteString(piece)
		}
	}

	flush()

	return chunks
}

// fit breaks a sentence that exceeds the limit into word-aligned pieces.
func (c *Chunker) fit(sentence string) []string {
	if runeLen(sentence) <= c.maxRunes {
		return []string{sentence}
	}

	var (
		pieces  []string
		current strings.Builder
	)

	for _, word := range strings.Fields(sentence) {
		if current.Len() > 0 && runeLen(current.String())+1+runeLen(word) > c.maxRunes {
			pieces = append(pieces, current.String())
			current.Reset()
		}

		if current.Len() > 0 {
			current.WriteByte(' ')
		}

		current.WriteString(word)
	}

	if current.Len() > 0 {
		pieces = append(pieces, current.String())
	}

	return pieces
}

func sentences(text string) []string {
	var result []string

	start := 0

	for _, loc := range sentenceEndPattern.FindAllStringIndex(text, -1) {
		end := loc[1]
		// Abbreviations such as "Dr." do not end a sentence when the next word
		// is not capitalized.
		if next, _ := utf8.DecodeRuneInString(text[end:]); next != utf8.RuneError && !unicode.IsUpper(next) && !unicode.IsDigit(next) && next != '"' {
			continue
		}

		result = appendTrimmed(result, text[start:end])
		start = end
	}

	return appendTrimmed(result, text[start:])
}

func appendTrimmed(list []string, value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return list
	}

	return append(list, value)
}

func runeLen(value string) int {
	return utf8.RuneCountInString(value)
}
