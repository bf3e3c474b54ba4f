package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelSetIndexing(t *testing.T) {
	ls, err := NewLabelSet([]string{"happy", "Sad", " angry "})
	require.NoError(t, err)

	assert.Equal(t, 3, ls.Len())
	assert.Equal(t, []string{"happy", "Sad", "angry"}, ls.Names())

	i, ok := ls.Index("SAD")
	require.True(t, ok)
	assert.Equal(t, int32(1), i)
	assert.Equal(t, "angry", ls.Name(2))

	_, ok = ls.Index("calm")
	assert.False(t, ok)
	assert.Equal(t, "class_7", ls.Name(7))
}

func TestLabelSetRejectsBadInput(t *testing.T) {
	_, err := NewLabelSet([]string{"only"})
	assert.Error(t, err)

	_, err = NewLabelSet([]string{"a", "A"})
	assert.Error(t, err)

	_, err = NewLabelSet([]string{"a", "  "})
	assert.Error(t, err)
}

func TestBatchLyrics(t *testing.T) {
	b := Batch{Index: 1, Samples: []LabeledSample{{Lyrics: "x", Label: "a"}, {Lyrics: "y", Label: "b"}}}
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, []string{"x", "y"}, b.Lyrics())
}
