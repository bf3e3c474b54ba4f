package dataset

import "fmt"

// Arena is a preallocated row-major feature matrix filled strictly in order.
// Each row is written exactly once and rows past the write offset are never
// handed out.
type Arena struct {
	data   []float32
	rows   int
	dim    int
	offset int
}

// NewArena allocates a zeroed rows x dim matrix.
func NewArena(rows, dim int) (*Arena, error) {
	if rows <= 0 || dim <= 0 {
		return nil, fmt.Errorf("dataset: %w: invalid arena shape [%d, %d]", ErrAssembly, rows, dim)
	}
	return &Arena{data: make([]float32, rows*dim), rows: rows, dim: dim}, nil
}

// Write copies block into the next len(block) rows and advances the offset.
// Nothing is written if the block would overrun the arena or a row has the
// wrong width.
func (a *Arena) Write(block [][]float32) error {
	if a.offset+len(block) > a.rows {
		return fmt.Errorf("dataset: %w: writing %d rows at offset %d overruns capacity %d",
			ErrAssembly, len(block), a.offset, a.rows)
	}
	for i, row := range block {
		if len(row) != a.dim {
			return fmt.Errorf("dataset: %w: row %d has width %d, want %d", ErrAssembly, a.offset+i, len(row), a.dim)
		}
	}
	for _, row := range block {
		copy(a.data[a.offset*a.dim:], row)
		a.offset++
	}
	return nil
}

// Offset is the number of rows written so far.
func (a *Arena) Offset() int { return a.offset }

// Rows is the arena capacity in rows.
func (a *Arena) Rows() int { return a.rows }

// Dim is the row width.
func (a *Arena) Dim() int { return a.dim }

// SizeBytes is the memory held by the matrix.
func (a *Arena) SizeBytes() uint64 { return uint64(len(a.data)) * 4 }

// Full reports whether every row has been written.
func (a *Arena) Full() bool { return a.offset == a.rows }

// Data returns the backing matrix once every row has been written.
func (a *Arena) Data() ([]float32, error) {
	if !a.Full() {
		return nil, fmt.Errorf("dataset: %w: arena holds %d of %d rows", ErrAssembly, a.offset, a.rows)
	}
	return a.data, nil
}
