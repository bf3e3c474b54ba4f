// Package split partitions the assembled dataset into train, validation and
// test sets and fits the feature transform on the training rows.
package split

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/mat"
)

// ErrSplit marks proportions or data that cannot yield three non-empty sets.
var ErrSplit = errors.New("split error")

// DefaultSeed makes shuffles reproducible across runs.
const DefaultSeed = 42

// Config controls partitioning and the transform fitted afterwards.
type Config struct {
	Train, Val, Test float64
	Seed             uint64
	Stratify         bool
	PCAComponents    int // 0 disables PCA
}

// DefaultConfig is a 70/15/15 stratified split without PCA.
func DefaultConfig() Config {
	return Config{Train: 0.70, Val: 0.15, Test: 0.15, Seed: DefaultSeed, Stratify: true}
}

func (c Config) validate() error {
	if c.Train <= 0 || c.Val <= 0 || c.Test <= 0 {
		return fmt.Errorf("split: %w: proportions must be positive, got %g/%g/%g", ErrSplit, c.Train, c.Val, c.Test)
	}
	if sum := c.Train + c.Val + c.Test; math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("split: %w: proportions sum to %g, want 1", ErrSplit, sum)
	}
	if c.PCAComponents < 0 {
		return fmt.Errorf("split: %w: negative pca components %d", ErrSplit, c.PCAComponents)
	}
	return nil
}

// Part is one partition. Index holds the original row of each sample.
type Part struct {
	X     *mat.Dense
	Y     []int32
	Index []int
}

// Len returns the number of samples.
func (p Part) Len() int { return len(p.Y) }

// Data is the three partitions of one dataset.
type Data struct {
	Train, Val, Test Part
}

// Features is a row-major feature matrix read one row at a time.
type Features interface {
	Dims() (r, c int)
	RowTo(dst []float64, i int)
}

type denseRows struct{ *mat.Dense }

func (d denseRows) RowTo(dst []float64, i int) { copy(dst, d.RawRowView(i)) }

// Split shuffles the rows of X with a fixed seed and partitions them by the
// configured proportions. With Stratify set each class is split separately
// so every partition keeps the label distribution.
func Split(X *mat.Dense, Y []int32, cfg Config) (Data, error) {
	if X == nil {
		return Data{}, fmt.Errorf("split: %w: no features", ErrSplit)
	}
	return SplitRows(denseRows{X}, Y, cfg)
}

// SplitRows is Split over any row source. Rows are copied straight into
// the partitions, so X is never materialized as a whole float64 matrix.
func SplitRows(X Features, Y []int32, cfg Config) (Data, error) {
	if err := cfg.validate(); err != nil {
		return Data{}, err
	}
	if X == nil {
		return Data{}, fmt.Errorf("split: %w: no features", ErrSplit)
	}
	n, _ := X.Dims()
	if n != len(Y) {
		return Data{}, fmt.Errorf("split: %w: %d rows but %d labels", ErrSplit, n, len(Y))
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed))
	var train, val, test []int
	if cfg.Stratify {
		train, val, test = stratified(Y, cfg, rng)
	} else {
		train, val, test = partition(rng.Perm(n), cfg)
	}
	if len(train) == 0 || len(val) == 0 || len(test) == 0 {
		return Data{}, fmt.Errorf("split: %w: %d samples give empty partition (train=%d val=%d test=%d)",
			ErrSplit, n, len(train), len(val), len(test))
	}

	return Data{
		Train: gather(X, Y, train),
		Val:   gather(X, Y, val),
		Test:  gather(X, Y, test),
	}, nil
}

// partition cuts an already shuffled index list by proportion. The test set
// takes the remainder so the three sizes always sum to len(idx).
func partition(idx []int, cfg Config) (train, val, test []int) {
	n := len(idx)
	nTrain := int(math.Round(float64(n) * cfg.Train))
	nVal := int(math.Round(float64(n) * cfg.Val))
	if nTrain+nVal > n {
		nVal = n - nTrain
	}
	return idx[:nTrain], idx[nTrain : nTrain+nVal], idx[nTrain+nVal:]
}

// stratified orders samples so that every prefix holds each class in
// proportion: sample k of a class with m members gets the key (k+0.5)/m.
// Cutting that order by the global proportions keeps the partition sizes of
// the unstratified split while each class is split within one sample of its
// share.
func stratified(Y []int32, cfg Config, rng *rand.Rand) (train, val, test []int) {
	byClass := make(map[int32][]int)
	for i, y := range Y {
		byClass[y] = append(byClass[y], i)
	}
	classes := make([]int32, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	slices.Sort(classes)

	type keyed struct {
		key float64
		idx int
	}
	order := make([]keyed, 0, len(Y))
	for _, c := range classes {
		idx := byClass[c]
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		for k, row := range idx {
			order = append(order, keyed{key: (float64(k) + 0.5) / float64(len(idx)), idx: row})
		}
	}
	slices.SortStableFunc(order, func(a, b keyed) int { return cmp.Compare(a.key, b.key) })

	idx := make([]int, len(order))
	for i, o := range order {
		idx[i] = o.idx
	}
	train, val, test = partition(idx, cfg)

	// Interleave classes within each partition.
	for _, part := range [][]int{train, val, test} {
		rng.Shuffle(len(part), func(i, j int) { part[i], part[j] = part[j], part[i] })
	}
	return train, val, test
}

func gather(X Features, Y []int32, idx []int) Part {
	_, d := X.Dims()
	x := mat.NewDense(len(idx), d, nil)
	y := make([]int32, len(idx))
	for i, row := range idx {
		X.RowTo(x.RawRowView(i), row)
		y[i] = Y[row]
	}
	return Part{X: x, Y: y, Index: slices.Clone(idx)}
}
