package embedder

import (
	"fmt"

	"github.com/crimson-sun/cadence/internal/tensorfile"
)

// projectionTensor is the weight name written by sentence-transformers Dense
// modules.
const projectionTensor = "linear.weight"

// projection holds a dense linear layer loaded from a safetensors file.
// It projects vectors from inDim to outDim via matrix-vector multiplication
// (no bias, identity activation).
type projection struct {
	weights []float32 // row-major [outDim, inDim]
	inDim   int
	outDim  int
}

// loadProjection reads a safetensors file containing a single F32
// "linear.weight" tensor of shape [outDim, inDim].
func loadProjection(path string) (*projection, error) {
	tf, err := tensorfile.Open(path)
	if err != nil {
		return nil, fmt.Errorf("projection: %w", err)
	}
	defer tf.Close()

	weights, shape, err := tf.Float32(projectionTensor, nil)
	if err != nil {
		return nil, fmt.Errorf("projection: %w", err)
	}
	if len(shape) != 2 {
		return nil, fmt.Errorf("projection: expected 2D tensor, got shape %v", shape)
	}

	return &projection{
		weights: weights,
		inDim:   shape[1],
		outDim:  shape[0],
	}, nil
}

// apply projects a single vector from inDim to outDim.
func (p *projection) apply(vec []float32) []float32 {
	out := make([]float32, p.outDim)
	for i := 0; i < p.outDim; i++ {
		row := p.weights[i*p.inDim : (i+1)*p.inDim]
		var sum float32
		for j, w := range row {
			sum += w * vec[j]
		}
		out[i] = sum
	}
	return out
}
