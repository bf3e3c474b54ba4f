// Package dataset assembles the labeled feature matrix from the raw lyric
// dataset and persists it so later runs can skip extraction.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/crimson-sun/cadence/internal/model"
	"github.com/crimson-sun/cadence/internal/tensorfile"
)

// ErrAssembly marks a feature matrix that could not be filled consistently.
var ErrAssembly = errors.New("dataset assembly error")

// Tensor and metadata names inside the persisted archive.
const (
	tensorX      = "X"
	tensorY      = "Y"
	metaLabels   = "labels"
	metaSource   = "source_path"
	metaCreated  = "created_at"
	metaRowCount = "rows"
)

// Dataset is the assembled feature matrix X and its label vector Y.
// Row i of X belongs to Y[i].
type Dataset struct {
	X         []float32 // row-major [Rows(), Dim]
	Y         []int32
	Dim       int
	Labels    []string
	Source    string
	CreatedAt time.Time
}

// Rows returns the number of samples.
func (d *Dataset) Rows() int { return len(d.Y) }

// Row returns a view of row i.
func (d *Dataset) Row(i int) []float32 {
	return d.X[i*d.Dim : (i+1)*d.Dim]
}

// Dims returns the number of rows and the feature width.
func (d *Dataset) Dims() (r, c int) { return d.Rows(), d.Dim }

// RowTo widens row i into dst, which must hold Dim values.
func (d *Dataset) RowTo(dst []float64, i int) {
	for j, v := range d.Row(i) {
		dst[j] = float64(v)
	}
}

func (d *Dataset) validate() error {
	if d.Dim <= 0 || len(d.Y) == 0 {
		return fmt.Errorf("dataset: %w: empty dataset", ErrAssembly)
	}
	if len(d.X) != len(d.Y)*d.Dim {
		return fmt.Errorf("dataset: %w: %d feature values for %d labels of width %d",
			ErrAssembly, len(d.X), len(d.Y), d.Dim)
	}
	for i, y := range d.Y {
		if y < 0 || int(y) >= len(d.Labels) {
			return fmt.Errorf("dataset: %w: label %d at row %d outside %d classes", ErrAssembly, y, i, len(d.Labels))
		}
	}
	return nil
}

// Save writes the dataset atomically to path.
func Save(path string, d *Dataset) error {
	if err := d.validate(); err != nil {
		return err
	}
	labels, err := json.Marshal(d.Labels)
	if err != nil {
		return fmt.Errorf("dataset: encode labels: %w", err)
	}

	w := tensorfile.NewWriter()
	w.SetMetadata(metaLabels, string(labels))
	w.SetMetadata(metaSource, d.Source)
	w.SetMetadata(metaCreated, d.CreatedAt.UTC().Format(time.RFC3339))
	w.SetMetadata(metaRowCount, fmt.Sprint(d.Rows()))
	if err := w.AddFloat32(tensorX, []int{d.Rows(), d.Dim}, d.X); err != nil {
		return fmt.Errorf("dataset: %w", err)
	}
	if err := w.AddInt32(tensorY, []int{d.Rows()}, d.Y); err != nil {
		return fmt.Errorf("dataset: %w", err)
	}
	if err := w.Save(path); err != nil {
		return fmt.Errorf("dataset: save %s: %w", path, err)
	}
	return nil
}

// Load reads a dataset written by Save. If labels is non-nil the persisted
// label vocabulary must match it exactly, since class indices depend on it.
func Load(path string, labels *model.LabelSet) (*Dataset, error) {
	tf, err := tensorfile.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	defer tf.Close()

	x, xShape, err := tf.Float32(tensorX, nil)
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	if len(xShape) != 2 {
		return nil, fmt.Errorf("dataset: %w: X has shape %v, want 2D", ErrAssembly, xShape)
	}
	y, yShape, err := tf.Int32(tensorY)
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	if len(yShape) != 1 || yShape[0] != xShape[0] {
		return nil, fmt.Errorf("dataset: %w: Y shape %v does not match X shape %v", ErrAssembly, yShape, xShape)
	}

	meta := tf.Metadata()
	d := &Dataset{X: x, Y: y, Dim: xShape[1], Source: meta[metaSource]}
	if raw, ok := meta[metaLabels]; ok {
		if err := json.Unmarshal([]byte(raw), &d.Labels); err != nil {
			return nil, fmt.Errorf("dataset: %w: bad labels metadata: %v", ErrAssembly, err)
		}
	}
	if ts, err := time.Parse(time.RFC3339, meta[metaCreated]); err == nil {
		d.CreatedAt = ts
	}
	if labels != nil && !slices.Equal(d.Labels, labels.Names()) {
		return nil, fmt.Errorf("dataset: %w: persisted labels %v differ from configured %v",
			ErrAssembly, d.Labels, labels.Names())
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}
