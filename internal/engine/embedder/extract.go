package embedder

import "fmt"

// Extract runs emb over texts and enforces the extraction contract: exactly
// one row per input, each exactly dim wide. Any failure is reported as
// ErrExtraction so callers can abort instead of misaligning rows and labels.
func Extract(emb Embedder, texts []string, dim int) ([][]float32, error) {
	if emb == nil {
		return nil, fmt.Errorf("embedder: %w: no model loaded", ErrExtraction)
	}
	if len(texts) == 0 {
		return nil, nil
	}

	rows, err := emb.EmbedBatch(texts)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w: %v", ErrExtraction, err)
	}
	if len(rows) != len(texts) {
		return nil, fmt.Errorf("embedder: %w: got %d rows for %d inputs", ErrExtraction, len(rows), len(texts))
	}
	for i, row := range rows {
		if len(row) != dim {
			return nil, fmt.Errorf("embedder: %w: row %d has width %d, want %d", ErrExtraction, i, len(row), dim)
		}
	}
	return rows, nil
}
