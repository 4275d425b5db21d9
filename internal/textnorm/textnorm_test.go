package textnorm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/book-expert/narrator-service/internal/textnorm"
)

func allPasses() textnorm.Options {
	return textnorm.Options{
		ExpandAbbreviations: true,
		SpellNumbers:        true,
		StripFootnotes:      true,
	}
}

func TestApply(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		opts  textnorm.Options
		input string
		want  string
	}{
		{
			name:  "empty input passes through",
			opts:  allPasses(),
			input: "",
			want:  "",
		},
		{
			name:  "abbreviations expand",
			opts:  allPasses(),
			input: "Dr. Watson met Mr. Holmes.",
			want:  "Doctor Watson met Mister Holmes.",
		},
		{
			name:  "integers become words",
			opts:  allPasses(),
			input: "Chapter 12 has 230 pages.",
			want:  "Chapter twelve has two hundred thirty pages.",
		},
		{
			name:  "large integers stay digits",
			opts:  allPasses(),
			input: "The file is 1048576 bytes.",
			want:  "The file is 1048576 bytes.",
		},
		{
			name:  "footnote markers vanish",
			opts:  allPasses(),
			input: "A claim[3] with support¹.",
			want:  "A claim with support.",
		},
		{
			name:  "whitespace collapses",
			opts:  textnorm.Options{},
			input: "spread \t across\n\nlines.",
			want:  "spread across lines.",
		},
		{
			name:  "smart typography settles",
			opts:  textnorm.Options{},
			input: "“Wait” — he said…",
			want:  "\"Wait\" , he said...",
		},
		{
			name:  "unterminated text gets a period",
			opts:  textnorm.Options{},
			input: "a trailing clause",
			want:  "a trailing clause.",
		},
		{
			name:  "cjk terminator is respected",
			opts:  textnorm.Options{},
			input: "これで終わりです。",
			want:  "これで終わりです。",
		},
		{
			name:  "thousands spell out",
			opts:  textnorm.Options{SpellNumbers: true},
			input: "In 1984 everything changed.",
			want:  "In one thousand nine hundred eighty four everything changed.",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			normalizer := textnorm.New(testCase.opts)
			assert.Equal(t, testCase.want, normalizer.Apply(testCase.input))
		})
	}
}

func TestApplyIsStableOnCleanText(t *testing.T) {
	t.Parallel()

	normalizer := textnorm.New(allPasses())
	clean := "A single tidy sentence."

	once := normalizer.Apply(clean)
	twice := normalizer.Apply(once)

	assert.Equal(t, clean, once)
	assert.Equal(t, once, twice)
}
