// Package preprocess normalizes raw lyric text before it is embedded.
package preprocess

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/crimson-sun/cadence/internal/model"
)

// MaxRunes caps the length of a normalized lyric. The encoder truncates long
// inputs anyway; cutting here keeps tokenization cost bounded.
const MaxRunes = 4096

// sectionTag matches structural annotations such as "[Chorus]" or
// "[Verse 2: Artist]".
var sectionTag = regexp.MustCompile(`\[[^\]\n]{0,64}\]`)

// Bulk normalizes every sample of a batch, preserving order. The result has
// exactly one entry per sample.
func Bulk(batch model.Batch) []string {
	out := make([]string, len(batch.Samples))
	for i, s := range batch.Samples {
		out[i] = Normalize(s.Lyrics)
	}
	return out
}

// Normalize applies NFKC, drops section tags and control characters, and
// collapses each line's whitespace. Non-empty lines are joined with " / "
// so line breaks stay visible to the encoder.
func Normalize(text string) string {
	text = norm.NFKC.String(text)
	text = sectionTag.ReplaceAllString(text, " ")

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.Map(func(r rune) rune {
			if unicode.IsControl(r) || r == unicode.ReplacementChar {
				if unicode.IsSpace(r) {
					return ' '
				}
				return -1
			}
			return r
		}, line)
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	out := strings.Join(lines, " / ")

	if r := []rune(out); len(r) > MaxRunes {
		out = strings.TrimSpace(string(r[:MaxRunes]))
	}
	return out
}
