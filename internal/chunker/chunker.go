// Package chunker splits narration text into ordered, backend-safe segments.
// A pluggable delegate may do the linguistic sentence split; when it fails or
// is absent, a built-in terminator-based splitter takes over, so callers
// always get chunks.
package chunker

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/book-expert/logger"

	"github.com/book-expert/narrator-service/internal/core"
)

const (
	// DefaultMaxChars is the per-chunk character budget. Most engines cap
	// a single request well above this, so it leaves headroom.
	DefaultMaxChars = 230

	logDelegateFailed = "Sentence delegate failed, using built-in splitter: %v"
	logDelegateEmpty  = "Sentence delegate returned no sentences, using built-in splitter"
	logOversized      = "Sentence of %d chars exceeds chunk budget %d, emitting as its own chunk"
)

// Delegate is an external sentence splitter: it receives the full text and a
// language hint and returns the sentences in order. Any error or empty result
// makes the chunker fall back to its built-in splitter.
type Delegate func(ctx context.Context, text, language string) ([]string, error)

// Chunker turns one text into ordered TextChunks under a character budget.
type Chunker struct {
	maxChars int
	delegate Delegate
	log      *logger.Logger
}

// New creates a Chunker. delegate may be nil, in which case only the built-in
// splitter runs. A non-positive maxChars falls back to DefaultMaxChars.
func New(maxChars int, delegate Delegate, log *logger.Logger) *Chunker {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	return &Chunker{
		maxChars: maxChars,
		delegate: delegate,
		log:      log,
	}
}

// Chunk splits text into ordered chunks of at most the configured character
// budget, breaking at sentence boundaries. Texts already under the budget
// come back as a single chunk. A single sentence over the budget is emitted
// whole as its own oversized chunk; truncating or dropping narration content
// is never acceptable.
func (c *Chunker) Chunk(ctx context.Context, text, language string) ([]core.TextChunk, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, core.ErrNoChunks
	}

	if utf8.RuneCountInString(trimmed) <= c.maxChars {
		return []core.TextChunk{{Index: 0, Text: trimmed}}, nil
	}

	sentences := c.sentences(ctx, trimmed, language)

	return c.accumulate(sentences), nil
}

// sentences obtains the ordered sentence list, preferring the delegate and
// falling back to the built-in splitter. Delegate failure is a degraded path,
// not an error: callers never see it.
func (c *Chunker) sentences(ctx context.Context, text, language string) []string {
	if c.delegate != nil {
		split, err := c.delegate(ctx, text, language)
		if err != nil {
			c.log.Warn(logDelegateFailed, err)
		} else {
			cleaned := dropBlank(split)
			if len(cleaned) > 0 {
				return cleaned
			}

			c.log.Warn(logDelegateEmpty)
		}
	}

	return SplitSentences(text)
}

// accumulate packs sentences greedily: a chunk takes sentences until the next
// one would push it past the budget, then closes.
func (c *Chunker) accumulate(sentences []string) []core.TextChunk {
	chunks := make([]core.TextChunk, 0, len(sentences))

	var (
		current strings.Builder
		length  int
	)

	flush := func() {
		if current.Len() == 0 {
			return
		}

		chunks = append(chunks, core.TextChunk{Index: len(chunks), Text: current.String()})
		current.Reset()
		length = 0
	}

	for _, sentence := range sentences {
		sentenceLen := utf8.RuneCountInString(sentence)

		if sentenceLen > c.maxChars {
			flush()
			c.log.Warn(logOversized, sentenceLen, c.maxChars)
			chunks = append(chunks, core.TextChunk{Index: len(chunks), Text: sentence})

			continue
		}

		if length > 0 && length+1+sentenceLen > c.maxChars {
			flush()
		}

		if length > 0 {
			current.WriteString(" ")
			length++
		}

		current.WriteString(sentence)
		length += sentenceLen
	}

	flush()

	return chunks
}

// Sentence terminators the built-in splitter understands. Latin terminators
// only end a sentence before whitespace, which keeps decimals and dotted
// identifiers whole. The script set splits anywhere: CJK scripts put no space
// after their terminators, and the Arabic, Armenian, Devanagari, and Ethiopic
// marks are unambiguous.
const (
	latinTerminators  = ".!?"
	scriptTerminators = "。！？…؟։।።"
	closingTrailers   = "\"')]»」』"
)

func isTerminator(r rune) bool {
	return strings.ContainsRune(latinTerminators, r) ||
		strings.ContainsRune(scriptTerminators, r)
}

// SplitSentences is the built-in fallback splitter. It cuts after Latin
// terminators followed by whitespace and after script terminators anywhere,
// and keeps closing quotes and brackets attached to the sentence they end.
// Whitespace inside each sentence is collapsed to single spaces.
func SplitSentences(text string) []string {
	var (
		sentences []string
		start     int
	)

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]

		isLatin := strings.ContainsRune(latinTerminators, r)
		if !isLatin && !strings.ContainsRune(scriptTerminators, r) {
			continue
		}

		// Consume the full terminator run ("..", "?!") and then any
		// closing quotes or brackets, so both stay with this sentence.
		runEnd := i
		for runEnd+1 < len(runes) && isTerminator(runes[runEnd+1]) {
			runEnd++
		}

		cut := runEnd
		for cut+1 < len(runes) && strings.ContainsRune(closingTrailers, runes[cut+1]) {
			cut++
		}

		// Latin terminators split only at a whitespace boundary, so
		// decimals and dotted identifiers stay whole.
		atEnd := cut+1 >= len(runes)
		if isLatin && !atEnd && !isSpace(runes[cut+1]) {
			i = runEnd

			continue
		}

		sentence := collapseSpaces(string(runes[start : cut+1]))
		if sentence != "" {
			sentences = append(sentences, sentence)
		}

		i = cut
		start = cut + 1
	}

	if start < len(runes) {
		tail := collapseSpaces(string(runes[start:]))
		if tail != "" {
			sentences = append(sentences, tail)
		}
	}

	return sentences
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func dropBlank(sentences []string) []string {
	cleaned := make([]string, 0, len(sentences))

	for _, sentence := range sentences {
		trimmed := strings.TrimSpace(sentence)
		if trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}

	return cleaned
}
