package preprocess

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crimson-sun/cadence/internal/model"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", "hello world", "hello world"},
		{"section tags", "[Chorus]\nla la la\n[Verse 2: Someone]\nhey", "la la la / hey"},
		{"whitespace", "  many   spaces\t\there  ", "many spaces here"},
		{"blank lines", "one\n\n\r\ntwo", "one / two"},
		{"crlf", "one\r\ntwo", "one / two"},
		{"nfkc fullwidth", "ｌｏｖｅ", "love"},
		{"ligature", "ﬁre", "fire"},
		{"control chars", "bad\x00\x07 text", "bad text"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalizeTruncates(t *testing.T) {
	long := strings.Repeat("ab ", MaxRunes)
	got := Normalize(long)
	assert.LessOrEqual(t, len([]rune(got)), MaxRunes)
}

func TestBulkKeepsOrderAndCount(t *testing.T) {
	batch := model.Batch{Index: 3, Samples: []model.LabeledSample{
		{Lyrics: "[Intro] first", Label: "a"},
		{Lyrics: "", Label: "b"},
		{Lyrics: "third", Label: "c"},
	}}
	got := Bulk(batch)
	assert.Equal(t, []string{"first", "", "third"}, got)
}
