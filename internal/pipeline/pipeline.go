// Package pipeline runs the end-to-end training flow: dataset assembly,
// splitting and scaling, classifier training and final evaluation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/crimson-sun/cadence/internal/classifier"
	"github.com/crimson-sun/cadence/internal/config"
	"github.com/crimson-sun/cadence/internal/dataset"
	"github.com/crimson-sun/cadence/internal/model"
	"github.com/crimson-sun/cadence/internal/output/file"
	"github.com/crimson-sun/cadence/internal/split"
)

// Config gathers what one training run needs.
type Config struct {
	Model *config.ModelConfig
	Data  config.DataConfig

	TransformPath string // empty skips saving the fitted transform
	HistoryPath   string // empty disables the NDJSON history
	Rebuild       bool   // re-extract even if a dataset is persisted
	Dim           int    // embedding width; default model.EmbeddingDim
}

// Report summarizes a completed run.
type Report struct {
	RunID     string
	Samples   int
	Extracted bool
	History   *classifier.History
	Test      classifier.Metrics
	Duration  time.Duration
}

// Pipeline connects the dataset assembler, split/scale stage and classifier.
type Pipeline struct {
	cfg         Config
	labels      *model.LabelSet
	newEmbedder dataset.EmbedderFunc
	runID       string
	logger      *slog.Logger
}

// New creates a Pipeline. newEmbedder is only called when the dataset has to
// be extracted. Every log line carries the run id.
func New(cfg Config, newEmbedder dataset.EmbedderFunc, logger *slog.Logger) (*Pipeline, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("pipeline: %w: no model config", config.ErrConfig)
	}
	labels, err := model.NewLabelSet(cfg.Model.Labels)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w: %v", config.ErrConfig, err)
	}
	runID := uuid.NewString()
	return &Pipeline{
		cfg:         cfg,
		labels:      labels,
		newEmbedder: newEmbedder,
		runID:       runID,
		logger:      logger.With("run_id", runID),
	}, nil
}

// RunID returns the identifier attached to this run's logs and history.
func (p *Pipeline) RunID() string { return p.runID }

// Run executes the pipeline. Any error except a missing best checkpoint is
// fatal to the run.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	p.logger.Info("training run started")

	asm := dataset.NewAssembler(dataset.Options{
		DatasetPath: p.cfg.Data.DatasetPath,
		RawPath:     p.cfg.Data.RawPath,
		BatchSize:   p.cfg.Data.BatchSize,
		Dim:         p.cfg.Dim,
		Labels:      p.labels,
		Rebuild:     p.cfg.Rebuild,
		Embedder:    p.newEmbedder,
	}, p.logger)
	ds, err := asm.Assemble(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline assemble: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	samples := ds.Rows()
	data, err := p.prepare(ds)
	if err != nil {
		return nil, err
	}

	var opts []classifier.Option
	if p.cfg.HistoryPath != "" {
		sink, err := file.New(p.cfg.HistoryPath, p.runID)
		if err != nil {
			return nil, fmt.Errorf("pipeline history: %w", err)
		}
		defer sink.Close()
		opts = append(opts, classifier.WithHistorySink(sink))
	}

	m, err := p.build(data.Train.X, opts...)
	if err != nil {
		return nil, err
	}
	hist, err := m.Train(ctx, data.Train.X, data.Train.Y, data.Val.X, data.Val.Y)
	if err != nil {
		return nil, fmt.Errorf("pipeline train: %w", err)
	}

	metrics, err := p.finish(m, data.Test)
	if err != nil {
		return nil, err
	}

	report := &Report{
		RunID:     p.runID,
		Samples:   samples,
		Extracted: asm.Extracted(),
		History:   hist,
		Test:      metrics,
		Duration:  time.Since(start),
	}
	p.logger.Info("training run complete",
		"samples", report.Samples,
		"extracted", report.Extracted,
		"best_epoch", hist.BestEpoch,
		"test_accuracy", fmt.Sprintf("%.2f%%", metrics.Accuracy),
		"duration", report.Duration.Round(time.Millisecond),
	)
	return report, nil
}

// prepare splits the dataset and fits the feature transform on the training
// rows.
func (p *Pipeline) prepare(ds *dataset.Dataset) (split.Data, error) {
	sc := p.cfg.Model.Split
	cfg := split.Config{
		Train:         sc.Train,
		Val:           sc.Val,
		Test:          sc.Test,
		Seed:          sc.Seed,
		Stratify:      sc.Stratify,
		PCAComponents: sc.PCAComponents,
	}

	data, err := split.SplitRows(ds, ds.Y, cfg)
	if err != nil {
		return split.Data{}, fmt.Errorf("pipeline split: %w", err)
	}
	p.logger.Info("dataset split",
		"train", data.Train.Len(),
		"val", data.Val.Len(),
		"test", data.Test.Len(),
		"stratified", cfg.Stratify,
	)

	scaled, tr, err := split.Scale(data, cfg)
	if err != nil {
		return split.Data{}, fmt.Errorf("pipeline scale: %w", err)
	}
	attrs := []any{"input_dim", tr.InputDim(), "output_dim", tr.OutputDim()}
	if tr.Components != nil {
		attrs = append(attrs, "explained_variance", fmt.Sprintf("%.4f", tr.ExplainedVariance))
	}
	p.logger.Info("feature transform fitted", attrs...)

	if p.cfg.TransformPath != "" {
		if err := tr.Save(p.cfg.TransformPath); err != nil {
			return split.Data{}, fmt.Errorf("pipeline scale: %w", err)
		}
	}
	return scaled, nil
}

func (p *Pipeline) classifierConfig() classifier.Config {
	mc := p.cfg.Model
	return classifier.Config{
		Labels:                p.labels.Names(),
		HiddenDims:            mc.Architecture.HiddenDims,
		Activation:            mc.Architecture.Activation,
		Dropout:               mc.Architecture.Dropout,
		LearningRate:          mc.Training.LearningRate,
		Epochs:                mc.Training.Epochs,
		BatchSize:             mc.Training.BatchSize,
		WeightDecay:           mc.Training.WeightDecay,
		EarlyStoppingPatience: mc.Training.EarlyStoppingPatience,
		Seed:                  mc.Training.Seed,
		BestCheckpointPath:    mc.Paths.BestCheckpoint,
	}
}

// build constructs the classifier for the transformed feature width.
func (p *Pipeline) build(train *mat.Dense, opts ...classifier.Option) (*classifier.MLP, error) {
	_, inputDim := train.Dims()
	opts = append([]classifier.Option{classifier.WithLogger(p.logger)}, opts...)
	m, err := classifier.Build(inputDim, p.classifierConfig(), opts...)
	if err != nil {
		return nil, fmt.Errorf("pipeline build: %w", err)
	}
	p.logger.Info("classifier built", "params", m.Params(), "summary", "\n"+m.Summary())
	return m, nil
}

// finish restores the best checkpoint, scores the test set and saves the
// final model. A missing best checkpoint is not fatal: the in-memory
// weights are evaluated instead.
func (p *Pipeline) finish(m *classifier.MLP, test split.Part) (classifier.Metrics, error) {
	best := p.cfg.Model.Paths.BestCheckpoint
	cp, err := m.LoadCheckpoint(best)
	switch {
	case errors.Is(err, classifier.ErrCheckpointNotFound):
		p.logger.Warn("best checkpoint not found, evaluating current weights", "path", best)
	case err != nil:
		return classifier.Metrics{}, fmt.Errorf("pipeline load best: %w", err)
	default:
		p.logger.Info("loaded best checkpoint", "path", best, "epoch", cp.Epoch, "val_accuracy", cp.ValAccuracy)
	}

	metrics, err := m.Evaluate(test.X, test.Y)
	if err != nil {
		return classifier.Metrics{}, fmt.Errorf("pipeline evaluate: %w", err)
	}
	for _, c := range metrics.PerClass {
		p.logger.Info("test class metrics",
			"label", c.Label,
			"precision", fmt.Sprintf("%.3f", c.Precision),
			"recall", fmt.Sprintf("%.3f", c.Recall),
			"f1", fmt.Sprintf("%.3f", c.F1),
			"support", c.Support,
		)
	}

	final := p.cfg.Model.Paths.FinalModel
	if err := m.Save(final); err != nil {
		return classifier.Metrics{}, fmt.Errorf("pipeline save final: %w", err)
	}
	p.logger.Info("final model saved", "path", final, "test_accuracy", fmt.Sprintf("%.2f%%", metrics.Accuracy))
	return metrics, nil
}
