package config

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// ModelConfig is the classifier and data-split configuration, read once per
// run from a YAML document. Keys not listed here are ignored.
type ModelConfig struct {
	Labels []string `yaml:"labels"`

	Architecture ArchitectureConfig `yaml:"architecture"`
	Training     TrainingConfig     `yaml:"training"`
	Split        SplitConfig        `yaml:"split"`
	Paths        PathsConfig        `yaml:"paths"`
}

// ArchitectureConfig describes the MLP layers.
type ArchitectureConfig struct {
	HiddenDims []int   `yaml:"hidden_dims"`
	Activation string  `yaml:"activation"`
	Dropout    float64 `yaml:"dropout"`
}

// TrainingConfig holds optimizer and loop settings.
type TrainingConfig struct {
	LearningRate          float64 `yaml:"learning_rate"`
	Epochs                int     `yaml:"epochs"`
	BatchSize             int     `yaml:"batch_size"`
	WeightDecay           float64 `yaml:"weight_decay"`
	EarlyStoppingPatience int     `yaml:"early_stopping_patience"`
	Seed                  uint64  `yaml:"seed"`
}

// SplitConfig controls partitioning and the fitted feature transform.
type SplitConfig struct {
	Train         float64 `yaml:"train"`
	Val           float64 `yaml:"val"`
	Test          float64 `yaml:"test"`
	Seed          uint64  `yaml:"seed"`
	Stratify      bool    `yaml:"stratify"`
	PCAComponents int     `yaml:"pca_components"`
}

// PathsConfig locates the model artifacts.
type PathsConfig struct {
	BestCheckpoint string `yaml:"best_checkpoint_path"`
	FinalModel     string `yaml:"final_model_path"`
}

// rawModelConfig mirrors ModelConfig with pointer fields so required keys
// can be told apart from zero values.
type rawModelConfig struct {
	Labels       []string `yaml:"labels"`
	Architecture struct {
		HiddenDims []int    `yaml:"hidden_dims"`
		Activation string   `yaml:"activation"`
		Dropout    *float64 `yaml:"dropout"`
	} `yaml:"architecture"`
	Training struct {
		LearningRate          *float64 `yaml:"learning_rate"`
		Epochs                *int     `yaml:"epochs"`
		BatchSize             *int     `yaml:"batch_size"`
		WeightDecay           *float64 `yaml:"weight_decay"`
		EarlyStoppingPatience *int     `yaml:"early_stopping_patience"`
		Seed                  *uint64  `yaml:"seed"`
	} `yaml:"training"`
	Split struct {
		Train         *float64 `yaml:"train"`
		Val           *float64 `yaml:"val"`
		Test          *float64 `yaml:"test"`
		Seed          *uint64  `yaml:"seed"`
		Stratify      *bool    `yaml:"stratify"`
		PCAComponents *int     `yaml:"pca_components"`
	} `yaml:"split"`
	Paths PathsConfig `yaml:"paths"`
}

// DefaultSeed is the shuffle and initialization seed used when the config
// does not set one.
const DefaultSeed = 42

// LoadModelConfig reads and validates the YAML model configuration at path.
func LoadModelConfig(path string) (*ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("model config: %w: %v", ErrConfig, err)
	}
	return ParseModelConfig(data)
}

// ParseModelConfig decodes and validates a YAML model configuration.
func ParseModelConfig(data []byte) (*ModelConfig, error) {
	var raw rawModelConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("model config: %w: %v", ErrConfig, err)
	}

	var missing []string
	if len(raw.Labels) == 0 {
		missing = append(missing, "labels")
	}
	if len(raw.Architecture.HiddenDims) == 0 {
		missing = append(missing, "architecture.hidden_dims")
	}
	if raw.Training.LearningRate == nil {
		missing = append(missing, "training.learning_rate")
	}
	if raw.Training.Epochs == nil {
		missing = append(missing, "training.epochs")
	}
	if raw.Paths.BestCheckpoint == "" {
		missing = append(missing, "paths.best_checkpoint_path")
	}
	if raw.Paths.FinalModel == "" {
		missing = append(missing, "paths.final_model_path")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("model config: %w: missing required keys: %s",
			ErrConfig, strings.Join(missing, ", "))
	}

	cfg := &ModelConfig{
		Labels: raw.Labels,
		Architecture: ArchitectureConfig{
			HiddenDims: raw.Architecture.HiddenDims,
			Activation: strings.ToLower(raw.Architecture.Activation),
			Dropout:    deref(raw.Architecture.Dropout, 0),
		},
		Training: TrainingConfig{
			LearningRate:          *raw.Training.LearningRate,
			Epochs:                *raw.Training.Epochs,
			BatchSize:             deref(raw.Training.BatchSize, 32),
			WeightDecay:           deref(raw.Training.WeightDecay, 0),
			EarlyStoppingPatience: deref(raw.Training.EarlyStoppingPatience, 0),
			Seed:                  deref(raw.Training.Seed, DefaultSeed),
		},
		Split: SplitConfig{
			Train:         deref(raw.Split.Train, 0.70),
			Val:           deref(raw.Split.Val, 0.15),
			Test:          deref(raw.Split.Test, 0.15),
			Seed:          deref(raw.Split.Seed, DefaultSeed),
			Stratify:      deref(raw.Split.Stratify, true),
			PCAComponents: deref(raw.Split.PCAComponents, 0),
		},
		Paths: raw.Paths,
	}
	if cfg.Architecture.Activation == "" {
		cfg.Architecture.Activation = "relu"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *ModelConfig) Validate() error {
	var problems []string
	for _, d := range c.Architecture.HiddenDims {
		if d <= 0 {
			problems = append(problems, fmt.Sprintf("hidden_dims entries must be positive, got %d", d))
			break
		}
	}
	switch c.Architecture.Activation {
	case "relu", "tanh", "sigmoid":
	default:
		problems = append(problems, fmt.Sprintf("unknown activation %q", c.Architecture.Activation))
	}
	if c.Architecture.Dropout < 0 || c.Architecture.Dropout >= 1 {
		problems = append(problems, "dropout must be in [0, 1)")
	}
	if c.Training.LearningRate <= 0 {
		problems = append(problems, "learning_rate must be positive")
	}
	if c.Training.Epochs <= 0 {
		problems = append(problems, "epochs must be positive")
	}
	if c.Training.BatchSize <= 0 {
		problems = append(problems, "batch_size must be positive")
	}
	if c.Training.WeightDecay < 0 {
		problems = append(problems, "weight_decay must not be negative")
	}
	if c.Training.EarlyStoppingPatience < 0 {
		problems = append(problems, "early_stopping_patience must not be negative")
	}
	s := c.Split
	if s.Train <= 0 || s.Val <= 0 || s.Test <= 0 {
		problems = append(problems, "split proportions must be positive")
	} else if math.Abs(s.Train+s.Val+s.Test-1) > 1e-6 {
		problems = append(problems, fmt.Sprintf("split proportions sum to %g, want 1", s.Train+s.Val+s.Test))
	}
	if s.PCAComponents < 0 {
		problems = append(problems, "pca_components must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("model config: %w: %s", ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}

func deref[T any](p *T, fallback T) T {
	if p == nil {
		return fallback
	}
	return *p
}
