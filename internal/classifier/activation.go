package classifier

import (
	"fmt"
	"math"
)

type activation interface {
	name() string
	apply(x []float64)
	// deriv returns d act / dz at pre-activation z.
	deriv(z float64) float64
}

func newActivation(name string) (activation, error) {
	switch name {
	case "", "relu":
		return relu{}, nil
	case "tanh":
		return tanhAct{}, nil
	case "sigmoid":
		return sigmoid{}, nil
	default:
		return nil, fmt.Errorf("classifier: unknown activation %q", name)
	}
}

type relu struct{}

func (relu) name() string { return "relu" }

func (relu) apply(x []float64) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
}

func (relu) deriv(z float64) float64 {
	if z > 0 {
		return 1
	}
	return 0
}

type tanhAct struct{}

func (tanhAct) name() string { return "tanh" }

func (tanhAct) apply(x []float64) {
	for i, v := range x {
		x[i] = math.Tanh(v)
	}
}

func (tanhAct) deriv(z float64) float64 {
	t := math.Tanh(z)
	return 1 - t*t
}

type sigmoid struct{}

func (sigmoid) name() string { return "sigmoid" }

func (sigmoid) apply(x []float64) {
	for i, v := range x {
		x[i] = logistic(v)
	}
}

func (sigmoid) deriv(z float64) float64 {
	s := logistic(z)
	return s * (1 - s)
}

func logistic(v float64) float64 { return 1 / (1 + math.Exp(-v)) }

// softmaxRows replaces each row of logits with its probabilities and returns
// the per-row log-sum-exp so callers can compute log-likelihoods stably.
func softmaxRows(data []float64, cols int) []float64 {
	rows := len(data) / cols
	lse := make([]float64, rows)
	for r := range rows {
		row := data[r*cols : (r+1)*cols]
		hi := row[0]
		for _, v := range row[1:] {
			hi = max(hi, v)
		}
		var sum float64
		for i, v := range row {
			row[i] = math.Exp(v - hi)
			sum += row[i]
		}
		for i := range row {
			row[i] /= sum
		}
		lse[r] = hi + math.Log(sum)
	}
	return lse
}
