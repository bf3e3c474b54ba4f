package model

// EmbeddingDim is the width of every lyric embedding produced by the encoder.
const EmbeddingDim = 2048

// LabeledSample is a single lyric paired with its categorical label.
// It only exists while a batch is being processed.
type LabeledSample struct {
	Lyrics string `csv:"lyrics"`
	Label  string `csv:"label"`
}

// Batch is an ordered, bounded run of samples read from the raw dataset.
type Batch struct {
	Index   int // 1-based position in the source
	Samples []LabeledSample
}

// Len returns the number of samples in the batch.
func (b Batch) Len() int {
	return len(b.Samples)
}

// Lyrics returns the raw lyric text of every sample, in order.
func (b Batch) Lyrics() []string {
	out := make([]string, len(b.Samples))
	for i, s := range b.Samples {
		out[i] = s.Lyrics
	}
	return out
}
