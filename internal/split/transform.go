package split

import (
	"fmt"
	"math"
	"strconv"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/crimson-sun/cadence/internal/tensorfile"
)

const (
	tensorMean       = "scaler.mean"
	tensorScale      = "scaler.scale"
	tensorComponents = "pca.components"
	metaVariance     = "pca_explained_variance"
)

// Transform standardizes features with statistics from the training rows and
// optionally projects them onto the leading principal components.
type Transform struct {
	Mean  []float64
	Scale []float64
	// Components is d x k, nil when PCA is disabled.
	Components *mat.Dense
	// ExplainedVariance is the fraction of training variance the kept
	// components retain.
	ExplainedVariance float64
}

// Fit computes column means and population standard deviations of train
// and, when components > 0, a PCA basis of the standardized rows. The
// component count is clamped to min(rows, cols).
func Fit(train *mat.Dense, components int) (*Transform, error) {
	if train == nil {
		return nil, fmt.Errorf("split: %w: no training rows", ErrSplit)
	}
	n, d := train.Dims()
	t := &Transform{Mean: make([]float64, d), Scale: make([]float64, d)}

	col := make([]float64, n)
	for j := range d {
		mat.Col(col, j, train)
		mean, std := stat.PopMeanStdDev(col, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		t.Mean[j] = mean
		t.Scale[j] = std
	}

	if components <= 0 {
		return t, nil
	}
	k := min(components, n, d)

	scaled := t.standardize(train)
	var pc stat.PC
	if ok := pc.PrincipalComponents(scaled, nil); !ok {
		return nil, fmt.Errorf("split: %w: principal component analysis did not converge", ErrSplit)
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	t.Components = mat.DenseCopyOf(vecs.Slice(0, d, 0, k))

	vars := pc.VarsTo(nil)
	var kept, total float64
	for i, v := range vars {
		total += v
		if i < k {
			kept += v
		}
	}
	if total > 0 {
		t.ExplainedVariance = kept / total
	}
	return t, nil
}

// InputDim is the feature width the transform expects.
func (t *Transform) InputDim() int { return len(t.Mean) }

// OutputDim is the feature width Apply produces.
func (t *Transform) OutputDim() int {
	if t.Components != nil {
		_, k := t.Components.Dims()
		return k
	}
	return len(t.Mean)
}

// Apply returns the transformed copy of X. X is not modified.
func (t *Transform) Apply(X *mat.Dense) (*mat.Dense, error) {
	if _, d := X.Dims(); d != t.InputDim() {
		return nil, fmt.Errorf("split: %w: transform expects %d columns, got %d", ErrSplit, t.InputDim(), d)
	}
	scaled := t.standardize(X)
	if t.Components == nil {
		return scaled, nil
	}
	var out mat.Dense
	out.Mul(scaled, t.Components)
	return &out, nil
}

func (t *Transform) standardize(X *mat.Dense) *mat.Dense {
	n, d := X.Dims()
	out := mat.NewDense(n, d, nil)
	for i := range n {
		src := X.RawRowView(i)
		dst := out.RawRowView(i)
		for j, v := range src {
			dst[j] = (v - t.Mean[j]) / t.Scale[j]
		}
	}
	return out
}

// Scale fits a Transform on data.Train and applies it to all three parts.
func Scale(data Data, cfg Config) (Data, *Transform, error) {
	t, err := Fit(data.Train.X, cfg.PCAComponents)
	if err != nil {
		return Data{}, nil, err
	}
	out := data
	for _, p := range []*Part{&out.Train, &out.Val, &out.Test} {
		x, err := t.Apply(p.X)
		if err != nil {
			return Data{}, nil, err
		}
		p.X = x
	}
	return out, t, nil
}

// Save writes the fitted parameters to path.
func (t *Transform) Save(path string) error {
	w := tensorfile.NewWriter()
	d := t.InputDim()
	if err := w.AddFloat64(tensorMean, []int{d}, t.Mean); err != nil {
		return fmt.Errorf("split: %w", err)
	}
	if err := w.AddFloat64(tensorScale, []int{d}, t.Scale); err != nil {
		return fmt.Errorf("split: %w", err)
	}
	if t.Components != nil {
		r, k := t.Components.Dims()
		if err := w.AddFloat64(tensorComponents, []int{r, k}, mat.DenseCopyOf(t.Components).RawMatrix().Data); err != nil {
			return fmt.Errorf("split: %w", err)
		}
		w.SetMetadata(metaVariance, strconv.FormatFloat(t.ExplainedVariance, 'g', -1, 64))
	}
	if err := w.Save(path); err != nil {
		return fmt.Errorf("split: save transform: %w", err)
	}
	return nil
}

// LoadTransform reads a Transform written by Save.
func LoadTransform(path string) (*Transform, error) {
	tf, err := tensorfile.Open(path)
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	defer tf.Close()

	mean, _, err := tf.Float64(tensorMean)
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	scale, _, err := tf.Float64(tensorScale)
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	if len(mean) != len(scale) {
		return nil, fmt.Errorf("split: %w: mean has %d values, scale %d", ErrSplit, len(mean), len(scale))
	}
	t := &Transform{Mean: mean, Scale: scale}

	if _, err := tf.Info(tensorComponents); err == nil {
		data, shape, err := tf.Float64(tensorComponents)
		if err != nil {
			return nil, fmt.Errorf("split: %w", err)
		}
		if len(shape) != 2 || shape[0] != len(mean) {
			return nil, fmt.Errorf("split: %w: components shape %v for %d features", ErrSplit, shape, len(mean))
		}
		t.Components = mat.NewDense(shape[0], shape[1], data)
		t.ExplainedVariance, _ = strconv.ParseFloat(tf.Metadata()[metaVariance], 64)
	}
	return t, nil
}
