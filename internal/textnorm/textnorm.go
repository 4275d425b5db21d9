// Package textnorm prepares raw narration text for synthesis. Speech engines
// read what they are given literally, so the normalizer expands abbreviations,
// spells out integers, strips footnote markers, and settles whitespace and
// punctuation before the chunker sees the text.
package textnorm

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	decimalBase   = 10
	teenBoundary  = 20
	hundredBase   = 100
	thousandBase  = 1000
	maxSpellable  = 999999
	integerRegex  = `\d+`
	footnoteRegex = `(?:\[\d+\]|[¹²³⁴⁵⁶⁷⁸⁹⁰]+)`
	spaceRegex    = `\s+`
)

// Options selects which normalization passes run. The zero value runs only
// whitespace and punctuation settling.
type Options struct {
	ExpandAbbreviations bool `toml:"expand_abbreviations"`
	SpellNumbers        bool `toml:"spell_numbers"`
	StripFootnotes      bool `toml:"strip_footnotes"`
}

// Normalizer applies a fixed pipeline of text cleanups. Construct once and
// reuse; the compiled patterns are shared across calls.
type Normalizer struct {
	opts          Options
	integers      *regexp.Regexp
	footnotes     *regexp.Regexp
	spaces        *regexp.Regexp
	abbreviations *strings.Replacer
	typography    *strings.Replacer
}

// New builds a Normalizer with compiled patterns and replacers.
func New(opts Options) *Normalizer {
	abbreviations := []string{
		"Mr.", "Mister",
		"Mrs.", "Misses",
		"Ms.", "Miss",
		"Dr.", "Doctor",
		"Prof.", "Professor",
		"St.", "Saint",
		"vs.", "versus",
		"No.", "Number",
		"Fig.", "Figure",
		"Ch.", "Chapter",
	}

	typography := []string{
		"—", ", ",
		"–", ", ",
		"…", "...",
		"“", `"`,
		"”", `"`,
		"‘", "'",
		"’", "'",
	}

	return &Normalizer{
		opts:          opts,
		integers:      regexp.MustCompile(integerRegex),
		footnotes:     regexp.MustCompile(footnoteRegex),
		spaces:        regexp.MustCompile(spaceRegex),
		abbreviations: strings.NewReplacer(abbreviations...),
		typography:    strings.NewReplacer(typography...),
	}
}

// Apply runs the configured passes over text and returns the cleaned result.
// Cheap passes run first so the pattern-based ones see smaller input.
func (n *Normalizer) Apply(text string) string {
	if text == "" {
		return text
	}

	result := text
	if n.opts.ExpandAbbreviations {
		result = n.abbreviations.Replace(result)
	}

	if n.opts.StripFootnotes {
		result = n.footnotes.ReplaceAllString(result, "")
	}

	if n.opts.SpellNumbers {
		result = n.integers.ReplaceAllStringFunc(result, spellIntegerToken)
	}

	result = n.typography.Replace(result)
	result = n.spaces.ReplaceAllString(result, " ")
	result = strings.TrimSpace(result)

	return closeSentence(result)
}

// closeSentence appends a period when the text does not already end in
// sentence punctuation. Engines produce a trailing glitch on unterminated
// input.
func closeSentence(text string) string {
	if text == "" {
		return text
	}

	last, _ := utf8.DecodeLastRuneInString(text)
	switch last {
	case '.', '!', '?', '。', '！', '？':
		return text
	}

	return text + "."
}

// spellIntegerToken converts one matched digit run to English words, leaving
// the token untouched when it is out of the spellable range.
func spellIntegerToken(token string) string {
	value, err := strconv.Atoi(token)
	if err != nil || value > maxSpellable {
		return token
	}

	return spellInteger(value)
}

var (
	onesWords = []string{
		"zero", "one", "two", "three", "four",
		"five", "six", "seven", "eight", "nine",
		"ten", "eleven", "twelve", "thirteen", "fourteen",
		"fifteen", "sixteen", "seventeen", "eighteen", "nineteen",
	}
	tensWords = []string{
		"", "", "twenty", "thirty", "forty",
		"fifty", "sixty", "seventy", "eighty", "ninety",
	}
)

func spellInteger(value int) string {
	if value < teenBoundary {
		return onesWords[value]
	}

	if value < hundredBase {
		word := tensWords[value/decimalBase]
		if rest := value % decimalBase; rest > 0 {
			word += " " + onesWords[rest]
		}

		return word
	}

	if value < thousandBase {
		word := onesWords[value/hundredBase] + " hundred"
		if rest := value % hundredBase; rest > 0 {
			word += " " + spellInteger(rest)
		}

		return word
	}

	word := spellInteger(value/thousandBase) + " thousand"
	if rest := value % thousandBase; rest > 0 {
		word += " " + spellInteger(rest)
	}

	return word
}
