package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// ErrConfig marks configuration that cannot be used. It is always fatal.
var ErrConfig = errors.New("invalid configuration")

// Config holds process-level settings for the training pipeline and API.
type Config struct {
	Data    DataConfig
	Engine  EngineConfig
	Output  OutputConfig
	Logging LoggingConfig
	API     APIConfig
}

// DataConfig locates the raw and processed datasets.
type DataConfig struct {
	RawPath     string
	DatasetPath string
	BatchSize   int
}

// EngineConfig holds embedding model and model-config locations.
type EngineConfig struct {
	ModelPath       string
	VocabPath       string
	ProjectionPath  string // optional dense projection applied after pooling
	ModelConfigPath string
	IntraOpThreads  int // 0 = physical core count
}

// OutputConfig holds the locations of secondary training artifacts.
type OutputConfig struct {
	HistoryPath   string // NDJSON per-epoch metrics; empty disables
	TransformPath string // fitted scaler/PCA parameters
}

// LoggingConfig selects log level and handler.
type LoggingConfig struct {
	Level  string
	Format string // "text" or "json"
}

// APIConfig configures the upload endpoint server.
type APIConfig struct {
	Addr         string
	MaxUploadMiB int
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first when present;
// variables already set in the environment take precedence. A .env file
// that cannot be parsed is an ErrConfig.
func Load() (Config, error) {
	if err := loadDotenv(dotenvFile); err != nil {
		return Config{}, err
	}

	return Config{
		Data: DataConfig{
			RawPath:     getenv("CADENCE_RAW_DATASET", "data/raw/lyrics.csv"),
			DatasetPath: getenv("CADENCE_DATASET_PATH", "data/processed/dataset.safetensors"),
			BatchSize:   getenvInt("CADENCE_BATCH_SIZE", 50),
		},
		Engine: EngineConfig{
			ModelPath:       getenv("CADENCE_MODEL_PATH", "models/llm2vec/model.onnx"),
			VocabPath:       getenv("CADENCE_VOCAB_PATH", "models/llm2vec/vocab.txt"),
			ProjectionPath:  os.Getenv("CADENCE_PROJECTION_PATH"),
			ModelConfigPath: getenv("CADENCE_MODEL_CONFIG", "config/model_config.yml"),
			IntraOpThreads:  getenvInt("CADENCE_INTRA_OP_THREADS", 0),
		},
		Output: OutputConfig{
			HistoryPath:   getenv("CADENCE_HISTORY_PATH", "models/mlp/history.jsonl"),
			TransformPath: getenv("CADENCE_TRANSFORM_PATH", "models/mlp/transform.safetensors"),
		},
		Logging: LoggingConfig{
			Level:  getenv("CADENCE_LOG_LEVEL", "info"),
			Format: getenv("CADENCE_LOG_FORMAT", "text"),
		},
		API: APIConfig{
			Addr:         getenv("CADENCE_API_ADDR", ":8000"),
			MaxUploadMiB: getenvInt("CADENCE_MAX_UPLOAD_MIB", 32),
		},
	}, nil
}

const dotenvFile = ".env"

func loadDotenv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("config: %w: %s: %v", ErrConfig, path, err)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
