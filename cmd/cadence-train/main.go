package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	arg "github.com/alexflint/go-arg"

	"github.com/crimson-sun/cadence/internal/config"
	"github.com/crimson-sun/cadence/internal/engine/embedder"
	"github.com/crimson-sun/cadence/internal/logging"
	"github.com/crimson-sun/cadence/internal/pipeline"
)

type args struct {
	Config   string `arg:"--config" help:"model config YAML (overrides CADENCE_MODEL_CONFIG)"`
	Dataset  string `arg:"--dataset" help:"persisted dataset path (overrides CADENCE_DATASET_PATH)"`
	Raw      string `arg:"--raw" help:"raw CSV dataset (overrides CADENCE_RAW_DATASET)"`
	Rebuild  bool   `arg:"--rebuild" help:"re-extract features even if a dataset is persisted"`
	LogLevel string `arg:"--log-level" help:"debug, info, warn or error"`
}

func (args) Description() string {
	return "cadence-train extracts lyric embeddings and trains the MLP classifier."
}

func main() {
	var a args
	arg.MustParse(&a)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if a.Config != "" {
		cfg.Engine.ModelConfigPath = a.Config
	}
	if a.Dataset != "" {
		cfg.Data.DatasetPath = a.Dataset
	}
	if a.Raw != "" {
		cfg.Data.RawPath = a.Raw
	}
	if a.LogLevel != "" {
		cfg.Logging.Level = a.LogLevel
	}

	logger := logging.New(os.Stderr, cfg.Logging.Format, logging.ParseLevel(cfg.Logging.Level))

	modelCfg, err := config.LoadModelConfig(cfg.Engine.ModelConfigPath)
	if err != nil {
		logger.Error("failed to load model config", "path", cfg.Engine.ModelConfigPath, "error", err)
		os.Exit(1)
	}

	newEmbedder := func() (embedder.Embedder, error) {
		return embedder.New(embedder.Options{
			ModelPath:      cfg.Engine.ModelPath,
			VocabPath:      cfg.Engine.VocabPath,
			ProjectionPath: cfg.Engine.ProjectionPath,
			IntraOpThreads: cfg.Engine.IntraOpThreads,
		})
	}

	p, err := pipeline.New(pipeline.Config{
		Model:         modelCfg,
		Data:          cfg.Data,
		TransformPath: cfg.Output.TransformPath,
		HistoryPath:   cfg.Output.HistoryPath,
		Rebuild:       a.Rebuild,
	}, newEmbedder, logger)
	if err != nil {
		logger.Error("failed to create pipeline", "error", err)
		os.Exit(1)
	}

	// Set up graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "\nreceived %v, stopping training...\n", sig)
		cancel()
	}()

	report, err := p.Run(ctx)
	if err != nil {
		logger.Error("training failed", "run_id", p.RunID(), "error", err)
		os.Exit(1)
	}
	fmt.Printf("Final test accuracy: %.2f%%\n", report.Test.Accuracy)
}
