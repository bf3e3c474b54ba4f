package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"

	"github.com/crimson-sun/cadence/internal/tensorfile"
)

const (
	metaFormat      = "format"
	metaEpoch       = "epoch"
	metaValAccuracy = "val_accuracy"
	metaInputDim    = "input_dim"
	metaHiddenDims  = "hidden_dims"
	metaActivation  = "activation"
	metaLabels      = "labels"

	checkpointFormat = "cadence-mlp/1"
)

func weightName(i int) string { return fmt.Sprintf("layers.%d.weight", i) }
func biasName(i int) string   { return fmt.Sprintf("layers.%d.bias", i) }

// Save writes the current weights to path atomically. The file records the
// architecture so LoadCheckpoint can reject mismatched artifacts.
func (m *MLP) Save(path string) error {
	hidden, err := json.Marshal(m.cfg.HiddenDims)
	if err != nil {
		return fmt.Errorf("classifier: %w", err)
	}
	labels, err := json.Marshal(m.cfg.Labels)
	if err != nil {
		return fmt.Errorf("classifier: %w", err)
	}

	w := tensorfile.NewWriter()
	w.SetMetadata(metaFormat, checkpointFormat)
	w.SetMetadata(metaEpoch, strconv.Itoa(m.epoch))
	w.SetMetadata(metaValAccuracy, strconv.FormatFloat(m.valAccuracy, 'g', -1, 64))
	w.SetMetadata(metaInputDim, strconv.Itoa(m.inputDim))
	w.SetMetadata(metaHiddenDims, string(hidden))
	w.SetMetadata(metaActivation, m.act.name())
	w.SetMetadata(metaLabels, string(labels))
	for i, l := range m.layers {
		in, out := l.dims()
		if err := w.AddFloat64(weightName(i), []int{out, in}, l.w.RawMatrix().Data); err != nil {
			return fmt.Errorf("classifier: %w", err)
		}
		if err := w.AddFloat64(biasName(i), []int{out}, l.b); err != nil {
			return fmt.Errorf("classifier: %w", err)
		}
	}
	if err := w.Save(path); err != nil {
		return fmt.Errorf("classifier: save %s: %w", path, err)
	}
	return nil
}

// Checkpoint describes a loaded artifact.
type Checkpoint struct {
	Epoch       int
	ValAccuracy float64
}

// LoadCheckpoint replaces the model weights with those stored at path. It
// returns ErrCheckpointNotFound when path does not exist, and an error
// without touching the model when the stored architecture differs.
func (m *MLP) LoadCheckpoint(path string) (Checkpoint, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return Checkpoint{}, fmt.Errorf("classifier: %w: %s", ErrCheckpointNotFound, path)
	}
	tf, err := tensorfile.Open(path)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("classifier: %w", err)
	}
	defer tf.Close()

	meta := tf.Metadata()
	if labels := meta[metaLabels]; labels != "" {
		var stored []string
		if err := json.Unmarshal([]byte(labels), &stored); err != nil {
			return Checkpoint{}, fmt.Errorf("classifier: %s: bad labels metadata: %w", path, err)
		}
		if !slices.Equal(stored, m.cfg.Labels) {
			return Checkpoint{}, fmt.Errorf("classifier: %s: trained for labels %v, model has %v", path, stored, m.cfg.Labels)
		}
	}

	weights := make([][]float64, len(m.layers))
	biases := make([][]float64, len(m.layers))
	for i, l := range m.layers {
		in, out := l.dims()
		w, shape, err := tf.Float64(weightName(i))
		if err != nil {
			return Checkpoint{}, fmt.Errorf("classifier: %s: %w", path, err)
		}
		if !slices.Equal(shape, []int{out, in}) {
			return Checkpoint{}, fmt.Errorf("classifier: %s: layer %d weight shape %v, model has [%d %d]", path, i, shape, out, in)
		}
		b, shape, err := tf.Float64(biasName(i))
		if err != nil {
			return Checkpoint{}, fmt.Errorf("classifier: %s: %w", path, err)
		}
		if !slices.Equal(shape, []int{out}) {
			return Checkpoint{}, fmt.Errorf("classifier: %s: layer %d bias shape %v, model has [%d]", path, i, shape, out)
		}
		weights[i], biases[i] = w, b
	}
	if _, err := tf.Info(weightName(len(m.layers))); err == nil {
		return Checkpoint{}, fmt.Errorf("classifier: %s: stored model has more than %d layers", path, len(m.layers))
	}

	for i, l := range m.layers {
		copy(l.w.RawMatrix().Data, weights[i])
		copy(l.b, biases[i])
	}

	var cp Checkpoint
	cp.Epoch, _ = strconv.Atoi(meta[metaEpoch])
	cp.ValAccuracy, _ = strconv.ParseFloat(meta[metaValAccuracy], 64)
	m.epoch, m.valAccuracy = cp.Epoch, cp.ValAccuracy
	return cp, nil
}
