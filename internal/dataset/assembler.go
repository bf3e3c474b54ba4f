package dataset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/crimson-sun/cadence/internal/engine/embedder"
	"github.com/crimson-sun/cadence/internal/model"
	"github.com/crimson-sun/cadence/internal/preprocess"
	"github.com/crimson-sun/cadence/internal/source"
)

// State is the assembler's progress through a run.
type State int

const (
	NotStarted State = iota
	CheckPersisted
	Extracting
	Persisted
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case CheckPersisted:
		return "check_persisted"
	case Extracting:
		return "extracting"
	case Persisted:
		return "persisted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PreprocessFunc turns a batch into one model input per sample, in order.
type PreprocessFunc func(model.Batch) []string

// EmbedderFunc opens the feature extractor. It is only called when
// extraction actually runs.
type EmbedderFunc func() (embedder.Embedder, error)

// Options configures an Assembler.
type Options struct {
	DatasetPath string
	RawPath     string
	BatchSize   int // default source.DefaultBatchSize
	Dim         int // default model.EmbeddingDim
	Labels      *model.LabelSet
	Rebuild     bool // ignore a persisted dataset and extract again
	Preprocess  PreprocessFunc
	Embedder    EmbedderFunc
}

// Assembler produces the labeled feature matrix, either by loading the
// persisted dataset or by streaming the raw source through the extractor.
type Assembler struct {
	opts      Options
	logger    *slog.Logger
	state     State
	extracted bool
}

// NewAssembler creates an Assembler.
func NewAssembler(opts Options, logger *slog.Logger) *Assembler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = source.DefaultBatchSize
	}
	if opts.Dim <= 0 {
		opts.Dim = model.EmbeddingDim
	}
	if opts.Preprocess == nil {
		opts.Preprocess = preprocess.Bulk
	}
	return &Assembler{opts: opts, logger: logger}
}

// State returns the current state.
func (a *Assembler) State() State { return a.state }

// Extracted reports whether the last Assemble ran feature extraction rather
// than loading the persisted dataset.
func (a *Assembler) Extracted() bool { return a.extracted }

// Assemble returns the dataset, loading it from DatasetPath when present and
// extracting and persisting it otherwise.
func (a *Assembler) Assemble(ctx context.Context) (*Dataset, error) {
	if a.opts.Labels == nil {
		return nil, fmt.Errorf("dataset: %w: no label set", ErrAssembly)
	}

	a.state = CheckPersisted
	if !a.opts.Rebuild {
		ds, err := a.loadPersisted()
		if err != nil {
			return nil, err
		}
		if ds != nil {
			a.state = Persisted
			a.extracted = false
			return ds, nil
		}
	}

	a.state = Extracting
	ds, err := a.extract(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := Save(a.opts.DatasetPath, ds); err != nil {
		return nil, err
	}
	a.logger.Info("dataset persisted",
		"path", a.opts.DatasetPath,
		"rows", ds.Rows(),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	a.state = Persisted
	a.extracted = true
	return ds, nil
}

// loadPersisted returns nil, nil when no dataset has been persisted yet.
func (a *Assembler) loadPersisted() (*Dataset, error) {
	info, err := os.Stat(a.opts.DatasetPath)
	if errors.Is(err, fs.ErrNotExist) {
		a.logger.Info("no persisted dataset, extracting", "path", a.opts.DatasetPath)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}

	if raw, err := os.Stat(a.opts.RawPath); err == nil && raw.ModTime().After(info.ModTime()) {
		a.logger.Warn("raw dataset is newer than persisted dataset; rerun with --rebuild to re-extract",
			"raw", a.opts.RawPath,
			"dataset", a.opts.DatasetPath,
		)
	}

	ds, err := Load(a.opts.DatasetPath, a.opts.Labels)
	if err != nil {
		return nil, err
	}
	if ds.Dim != a.opts.Dim {
		return nil, fmt.Errorf("dataset: %w: persisted width %d, want %d", ErrAssembly, ds.Dim, a.opts.Dim)
	}
	a.logger.Info("loaded persisted dataset, skipping extraction",
		"path", a.opts.DatasetPath,
		"rows", ds.Rows(),
		"size", humanize.IBytes(uint64(info.Size())),
	)
	return ds, nil
}

func (a *Assembler) extract(ctx context.Context) (*Dataset, error) {
	if a.opts.Embedder == nil {
		return nil, fmt.Errorf("dataset: %w: no feature extractor configured", embedder.ErrExtraction)
	}

	batches, y, err := source.Read(a.opts.RawPath, a.opts.BatchSize, a.opts.Labels)
	if err != nil {
		return nil, err
	}

	arena, err := NewArena(len(y), a.opts.Dim)
	if err != nil {
		return nil, err
	}
	a.logger.Info("allocated feature matrix",
		"rows", arena.Rows(),
		"dim", arena.Dim(),
		"size", humanize.IBytes(arena.SizeBytes()),
		"batches", batches.Count(),
	)

	emb, err := a.opts.Embedder()
	if err != nil {
		return nil, fmt.Errorf("dataset: %w: %v", embedder.ErrExtraction, err)
	}
	defer emb.Close()

	start := time.Now()
	for batch, err := range batches.All() {
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		texts := a.opts.Preprocess(batch)
		if len(texts) != batch.Len() {
			return nil, fmt.Errorf("dataset: %w: preprocessing batch %d returned %d texts for %d samples",
				ErrAssembly, batch.Index, len(texts), batch.Len())
		}
		rows, err := embedder.Extract(emb, texts, a.opts.Dim)
		if err != nil {
			return nil, fmt.Errorf("dataset: batch %d: %w", batch.Index, err)
		}
		if err := arena.Write(rows); err != nil {
			return nil, err
		}
		a.logger.Debug("batch extracted",
			"batch", batch.Index,
			"samples", batch.Len(),
			"offset", arena.Offset(),
		)
	}

	x, err := arena.Data()
	if err != nil {
		return nil, err
	}
	a.logger.Info("feature extraction complete",
		"rows", arena.Offset(),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return &Dataset{
		X:         x,
		Y:         y,
		Dim:       arena.Dim(),
		Labels:    a.opts.Labels.Names(),
		Source:    a.opts.RawPath,
		CreatedAt: time.Now(),
	}, nil
}
