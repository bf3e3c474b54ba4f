package split

import (
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// synthetic returns n rows of width d; row i starts with i so rows can be
// traced back after shuffling. Labels cycle through classes.
func synthetic(n, d, classes int) (*mat.Dense, []int32) {
	rng := rand.New(rand.NewPCG(1, 2))
	x := mat.NewDense(n, d, nil)
	y := make([]int32, n)
	for i := range n {
		x.Set(i, 0, float64(i))
		for j := 1; j < d; j++ {
			x.Set(i, j, rng.NormFloat64()*float64(j)+float64(j))
		}
		y[i] = int32(i % classes)
	}
	return x, y
}

func TestSplitSizesAndDisjointness(t *testing.T) {
	for _, stratify := range []bool{false, true} {
		x, y := synthetic(100, 3, 2)
		cfg := DefaultConfig()
		cfg.Stratify = stratify

		data, err := Split(x, y, cfg)
		require.NoError(t, err)

		assert.Equal(t, 70, data.Train.Len())
		assert.Equal(t, 15, data.Val.Len())
		assert.Equal(t, 15, data.Test.Len())

		seen := make(map[int]bool)
		for _, p := range []Part{data.Train, data.Val, data.Test} {
			for i, row := range p.Index {
				assert.False(t, seen[row], "row %d in two partitions", row)
				seen[row] = true
				assert.Equal(t, float64(row), p.X.At(i, 0), "features follow their row")
				assert.Equal(t, y[row], p.Y[i], "label follows its row")
			}
		}
		assert.Len(t, seen, 100)
	}
}

func TestSplitDeterministic(t *testing.T) {
	x, y := synthetic(50, 2, 2)

	a, err := Split(x, y, DefaultConfig())
	require.NoError(t, err)
	b, err := Split(x, y, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, a.Train.Index, b.Train.Index)
	assert.Equal(t, a.Test.Index, b.Test.Index)

	cfg := DefaultConfig()
	cfg.Seed = 7
	c, err := Split(x, y, cfg)
	require.NoError(t, err)
	assert.NotEqual(t, a.Train.Index, c.Train.Index)
}

func TestSplitStratifiedKeepsDistribution(t *testing.T) {
	x := mat.NewDense(100, 1, nil)
	y := make([]int32, 100)
	for i := 60; i < 100; i++ {
		y[i] = 1
	}

	data, err := Split(x, y, DefaultConfig())
	require.NoError(t, err)

	count := func(p Part) (c0, c1 int) {
		for _, v := range p.Y {
			if v == 0 {
				c0++
			} else {
				c1++
			}
		}
		return
	}
	c0, c1 := count(data.Train)
	assert.Equal(t, 42, c0)
	assert.Equal(t, 28, c1)
	c0, c1 = count(data.Val)
	assert.Equal(t, 9, c0)
	assert.Equal(t, 6, c1)
}

func TestSplitErrors(t *testing.T) {
	x, y := synthetic(20, 2, 2)
	tests := []struct {
		name string
		x    *mat.Dense
		y    []int32
		cfg  Config
	}{
		{"sum above one", x, y, Config{Train: 0.8, Val: 0.2, Test: 0.2}},
		{"zero proportion", x, y, Config{Train: 1, Val: 0, Test: 0}},
		{"negative pca", x, y, Config{Train: 0.7, Val: 0.15, Test: 0.15, PCAComponents: -1}},
		{"label mismatch", x, y[:10], DefaultConfig()},
		{"nil features", nil, y, DefaultConfig()},
		{"too few rows", mat.NewDense(2, 2, nil), []int32{0, 1}, DefaultConfig()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Split(tt.x, tt.y, tt.cfg)
			assert.ErrorIs(t, err, ErrSplit)
		})
	}
}

func TestScaleFitsOnTrainOnly(t *testing.T) {
	x, y := synthetic(200, 4, 2)
	data, err := Split(x, y, DefaultConfig())
	require.NoError(t, err)

	scaled, tr, err := Scale(data, DefaultConfig())
	require.NoError(t, err)

	col := make([]float64, data.Train.Len())
	for j := range 4 {
		mat.Col(col, j, data.Train.X)
		mean, std := stat.PopMeanStdDev(col, nil)
		assert.InDelta(t, mean, tr.Mean[j], 1e-9)
		assert.InDelta(t, std, tr.Scale[j], 1e-9)

		mat.Col(col, j, scaled.Train.X)
		mean, std = stat.PopMeanStdDev(col, nil)
		assert.InDelta(t, 0, mean, 1e-9)
		assert.InDelta(t, 1, std, 1e-9)
	}

	// Validation rows use the train statistics.
	want := (data.Val.X.At(0, 2) - tr.Mean[2]) / tr.Scale[2]
	assert.InDelta(t, want, scaled.Val.X.At(0, 2), 1e-12)
	assert.Equal(t, data.Test.Y, scaled.Test.Y)
	assert.Equal(t, data.Test.Index, scaled.Test.Index)
}

func TestFitConstantColumn(t *testing.T) {
	x := mat.NewDense(3, 2, []float64{1, 5, 2, 5, 3, 5})
	tr, err := Fit(x, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, tr.Scale[1])

	out, err := tr.Apply(x)
	require.NoError(t, err)
	assert.Equal(t, 0.0, out.At(2, 1))
}

func TestPCA(t *testing.T) {
	x, _ := synthetic(40, 6, 2)

	tr, err := Fit(x, 3)
	require.NoError(t, err)
	assert.Equal(t, 6, tr.InputDim())
	assert.Equal(t, 3, tr.OutputDim())
	assert.Greater(t, tr.ExplainedVariance, 0.0)
	assert.LessOrEqual(t, tr.ExplainedVariance, 1.0+1e-9)

	out, err := tr.Apply(x)
	require.NoError(t, err)
	r, c := out.Dims()
	assert.Equal(t, 40, r)
	assert.Equal(t, 3, c)

	clamped, err := Fit(x, 1000)
	require.NoError(t, err)
	assert.Equal(t, 6, clamped.OutputDim())
	assert.InDelta(t, 1.0, clamped.ExplainedVariance, 1e-9)

	_, err = tr.Apply(mat.NewDense(2, 5, nil))
	assert.ErrorIs(t, err, ErrSplit)
}

func TestTransformSaveLoad(t *testing.T) {
	x, _ := synthetic(30, 5, 3)
	path := filepath.Join(t.TempDir(), "transform.safetensors")

	for _, k := range []int{0, 2} {
		tr, err := Fit(x, k)
		require.NoError(t, err)
		require.NoError(t, tr.Save(path))

		loaded, err := LoadTransform(path)
		require.NoError(t, err)
		assert.Equal(t, tr.OutputDim(), loaded.OutputDim())
		assert.InDelta(t, tr.ExplainedVariance, loaded.ExplainedVariance, 1e-12)

		want, err := tr.Apply(x)
		require.NoError(t, err)
		got, err := loaded.Apply(x)
		require.NoError(t, err)
		assert.True(t, mat.EqualApprox(want, got, 1e-12))
	}

	_, err := LoadTransform(filepath.Join(t.TempDir(), "absent.safetensors"))
	assert.Error(t, err)
}

func TestPartitionSumsToN(t *testing.T) {
	cfg := Config{Train: 0.5, Val: 0.25, Test: 0.25}
	for n := 3; n < 40; n++ {
		idx := make([]int, n)
		tr, va, te := partition(idx, cfg)
		assert.Equal(t, n, len(tr)+len(va)+len(te))
	}
}

// float32Rows stores features the way the assembled dataset does.
type float32Rows struct {
	data []float32
	dim  int
}

func (f float32Rows) Dims() (r, c int) { return len(f.data) / f.dim, f.dim }

func (f float32Rows) RowTo(dst []float64, i int) {
	for j, v := range f.data[i*f.dim : (i+1)*f.dim] {
		dst[j] = float64(v)
	}
}

func TestSplitRowsMatchesDense(t *testing.T) {
	x, y := synthetic(40, 3, 2)
	rows := float32Rows{dim: 3}
	for i := range 40 {
		for j := range 3 {
			rows.data = append(rows.data, float32(x.At(i, j)))
		}
	}

	want, err := Split(x, y, DefaultConfig())
	require.NoError(t, err)
	got, err := SplitRows(rows, y, DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, want.Train.Index, got.Train.Index)
	assert.Equal(t, want.Test.Y, got.Test.Y)
	for i, row := range got.Val.Index {
		assert.InDelta(t, x.At(row, 2), got.Val.X.At(i, 2), 1e-5)
		assert.Equal(t, float64(row), got.Val.X.At(i, 0))
	}

	_, err = SplitRows(nil, y, DefaultConfig())
	assert.ErrorIs(t, err, ErrSplit)
}
