// Package source reads the raw lyric dataset and hands it out in bounded,
// single-pass batches.
package source

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/crimson-sun/cadence/internal/model"
)

// DefaultBatchSize is the number of samples per batch when none is configured.
const DefaultBatchSize = 50

const (
	lyricsColumn = "lyrics"
	labelColumn  = "label"

	utf8BOM = "\ufeff"
)

var (
	// ErrDataSource marks a missing or malformed raw dataset.
	ErrDataSource = errors.New("data source error")
	// ErrConsumed is returned when a Batches sequence is iterated twice.
	ErrConsumed = errors.New("batches already consumed")
)

// Batches is a finite, non-restartable sequence of batches over a raw
// dataset. Each batch is built fresh and not referenced again by the
// producer once yielded.
type Batches struct {
	path     string
	size     int
	total    int
	consumed bool
}

// Read validates the CSV dataset at path, returns the full label vector as
// class indices of labels, and a lazy sequence of batches of batchSize
// samples. Lyric text is not retained by the label pass.
func Read(path string, batchSize int, labels *model.LabelSet) (*Batches, []int32, error) {
	if batchSize <= 0 {
		return nil, nil, fmt.Errorf("source: %w: batch size must be positive, got %d", ErrDataSource, batchSize)
	}
	y, err := readLabels(path, labels)
	if err != nil {
		return nil, nil, err
	}
	return &Batches{path: path, size: batchSize, total: len(y)}, y, nil
}

// Total returns the number of samples in the dataset.
func (b *Batches) Total() int {
	return b.total
}

// Count returns the number of batches the sequence will yield.
func (b *Batches) Count() int {
	return (b.total + b.size - 1) / b.size
}

// All returns the batch sequence. It may be ranged over once; later calls
// yield a single ErrConsumed error.
func (b *Batches) All() iter.Seq2[model.Batch, error] {
	return func(yield func(model.Batch, error) bool) {
		if b.consumed {
			yield(model.Batch{}, fmt.Errorf("source: %w", ErrConsumed))
			return
		}
		b.consumed = true

		f, r, err := openCSV(b.path)
		if err != nil {
			yield(model.Batch{}, err)
			return
		}
		defer f.Close()

		um, err := gocsv.NewUnmarshaller(r, model.LabeledSample{})
		if err != nil {
			yield(model.Batch{}, fmt.Errorf("source: %w: read header of %s: %v", ErrDataSource, b.path, err))
			return
		}
		if len(um.MismatchedStructFields) > 0 {
			yield(model.Batch{}, fmt.Errorf("source: %w: %s is missing columns %v",
				ErrDataSource, b.path, um.MismatchedStructFields))
			return
		}

		var (
			cur   []model.LabeledSample
			index int
			seen  int
		)
		emit := func() bool {
			index++
			batch := model.Batch{Index: index, Samples: cur}
			cur = nil
			return yield(batch, nil)
		}

		for {
			v, err := um.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				yield(model.Batch{}, fmt.Errorf("source: %w: decode %s record %d: %v", ErrDataSource, b.path, seen+1, err))
				return
			}
			s := v.(model.LabeledSample)
			seen++
			if strings.TrimSpace(s.Lyrics) == "" {
				yield(model.Batch{}, fmt.Errorf("source: %w: %s record %d: empty lyrics", ErrDataSource, b.path, seen))
				return
			}
			if cur == nil {
				cur = make([]model.LabeledSample, 0, b.size)
			}
			cur = append(cur, s)
			if len(cur) == b.size && !emit() {
				return
			}
		}
		if len(cur) > 0 && !emit() {
			return
		}
		if seen != b.total {
			yield(model.Batch{}, fmt.Errorf("source: %w: %s changed while reading: expected %d rows, read %d",
				ErrDataSource, b.path, b.total, seen))
		}
	}
}

// openCSV opens path for CSV decoding, skipping a leading UTF-8 byte order
// mark so header names match on both passes.
func openCSV(path string) (*os.File, *csv.Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("source: %w: %v", ErrDataSource, err)
	}
	br := bufio.NewReader(f)
	if bom, err := br.Peek(len(utf8BOM)); err == nil && string(bom) == utf8BOM {
		br.Discard(len(utf8BOM))
	}
	return f, csv.NewReader(br), nil
}

// readLabels streams the dataset once, validating its structure and mapping
// every label to its class index.
func readLabels(path string, labels *model.LabelSet) ([]int32, error) {
	f, r, err := openCSV(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("source: %w: read header of %s: %v", ErrDataSource, path, err)
	}
	lyricsIdx, labelIdx := -1, -1
	for i, col := range header {
		switch col {
		case lyricsColumn:
			lyricsIdx = i
		case labelColumn:
			labelIdx = i
		}
	}
	if lyricsIdx < 0 || labelIdx < 0 {
		return nil, fmt.Errorf("source: %w: %s must have %q and %q columns, got %v",
			ErrDataSource, path, lyricsColumn, labelColumn, header)
	}

	var y []int32
	for row := 1; ; row++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("source: %w: %v", ErrDataSource, err)
		}
		if strings.TrimSpace(rec[lyricsIdx]) == "" {
			return nil, fmt.Errorf("source: %w: %s record %d: empty lyrics", ErrDataSource, path, row)
		}
		cls, ok := labels.Index(rec[labelIdx])
		if !ok {
			return nil, fmt.Errorf("source: %w: %s record %d: unknown label %q", ErrDataSource, path, row, rec[labelIdx])
		}
		y = append(y, cls)
	}
	if len(y) == 0 {
		return nil, fmt.Errorf("source: %w: %s has no samples", ErrDataSource, path)
	}
	return y, nil
}
