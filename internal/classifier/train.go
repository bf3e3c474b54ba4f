package classifier

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8
)

// EpochRecord is the outcome of one training epoch.
type EpochRecord struct {
	Epoch         int     `json:"epoch"`
	TrainLoss     float64 `json:"train_loss"`
	TrainAccuracy float64 `json:"train_accuracy"`
	ValLoss       float64 `json:"val_loss"`
	ValAccuracy   float64 `json:"val_accuracy"`
	Improved      bool    `json:"improved"`
}

// History is the full training record. Accuracies are percentages.
type History struct {
	Epochs          []EpochRecord
	BestEpoch       int
	BestValAccuracy float64
	EarlyStopped    bool
}

// Train runs mini-batch Adam for up to Config.Epochs epochs, evaluating on
// the validation set after each one. Whenever validation accuracy strictly
// improves the weights are written to Config.BestCheckpointPath. ctx is
// checked between batches.
func (m *MLP) Train(ctx context.Context, xTrain *mat.Dense, yTrain []int32, xVal *mat.Dense, yVal []int32) (*History, error) {
	if err := m.checkData(xTrain, yTrain); err != nil {
		return nil, fmt.Errorf("classifier: train set: %w", err)
	}
	if err := m.checkData(xVal, yVal); err != nil {
		return nil, fmt.Errorf("classifier: validation set: %w", err)
	}

	n := len(yTrain)
	hist := &History{BestValAccuracy: math.Inf(-1)}
	sinceBest := 0

	for epoch := 1; epoch <= m.cfg.Epochs; epoch++ {
		start := time.Now()
		var lossSum float64
		var correct int

		perm := m.rng.Perm(n)
		for lo := 0; lo < n; lo += m.cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				return hist, err
			}
			idx := perm[lo:min(lo+m.cfg.BatchSize, n)]
			x, y := gatherBatch(xTrain, yTrain, idx)
			loss, hits := m.step(x, y)
			lossSum += loss
			correct += hits
		}

		val, err := m.Evaluate(xVal, yVal)
		if err != nil {
			return hist, err
		}
		rec := EpochRecord{
			Epoch:         epoch,
			TrainLoss:     lossSum / float64(n),
			TrainAccuracy: 100 * float64(correct) / float64(n),
			ValLoss:       val.Loss,
			ValAccuracy:   val.Accuracy,
		}
		m.epoch = epoch
		m.valAccuracy = val.Accuracy

		if rec.ValAccuracy > hist.BestValAccuracy {
			rec.Improved = true
			hist.BestEpoch = epoch
			hist.BestValAccuracy = rec.ValAccuracy
			sinceBest = 0
			if m.cfg.BestCheckpointPath != "" {
				if err := m.Save(m.cfg.BestCheckpointPath); err != nil {
					return hist, fmt.Errorf("classifier: save best checkpoint: %w", err)
				}
			}
		} else {
			sinceBest++
		}
		hist.Epochs = append(hist.Epochs, rec)

		m.logger.Info("epoch complete",
			"epoch", epoch,
			"epochs", m.cfg.Epochs,
			"train_loss", round4(rec.TrainLoss),
			"train_acc", round4(rec.TrainAccuracy),
			"val_loss", round4(rec.ValLoss),
			"val_acc", round4(rec.ValAccuracy),
			"improved", rec.Improved,
			"duration", time.Since(start).Round(time.Millisecond),
		)
		if m.sink != nil {
			if err := m.sink.Record(rec); err != nil {
				m.logger.Warn("history sink failed", "epoch", epoch, "error", err)
			}
		}

		if p := m.cfg.EarlyStoppingPatience; p > 0 && sinceBest >= p {
			hist.EarlyStopped = true
			m.logger.Info("early stopping", "epoch", epoch, "best_epoch", hist.BestEpoch, "patience", p)
			break
		}
	}
	return hist, nil
}

// step runs one forward and backward pass over a mini-batch and applies the
// Adam update. It returns the summed loss and the number of correct
// predictions in the batch.
func (m *MLP) step(x *mat.Dense, y []int32) (float64, int) {
	p := m.forward(x, true)
	last := len(m.layers) - 1
	probs := p.a[last+1]
	logits := p.z[last]
	_, k := probs.Dims()
	n := len(y)

	var loss float64
	var correct int
	dz := mat.DenseCopyOf(probs)
	dd := dz.RawMatrix().Data
	for r, label := range y {
		loss += p.lse[r] - logits.At(r, int(label))
		if argmax(probs.RawRowView(r)) == int(label) {
			correct++
		}
		dd[r*k+int(label)] -= 1
	}
	for i := range dd {
		dd[i] /= float64(n)
	}

	m.adamStep++
	for i := last; i >= 0; i-- {
		l := m.layers[i]
		var gw mat.Dense
		gw.Mul(dz.T(), p.a[i])
		_, out := l.dims()
		gb := make([]float64, out)
		for r := range n {
			for j, v := range dz.RawRowView(r) {
				gb[j] += v
			}
		}

		// Propagate before the update so the gradient uses the forward weights.
		var next *mat.Dense
		if i > 0 {
			in, _ := l.dims()
			next = mat.NewDense(n, in, nil)
			next.Mul(dz, l.w)
			nd := next.RawMatrix().Data
			zd := p.z[i-1].RawMatrix().Data
			mask := p.masks[i-1]
			for j := range nd {
				nd[j] *= m.act.deriv(zd[j])
				if mask != nil {
					nd[j] *= mask[j]
				}
			}
		}

		m.adam(l, gw.RawMatrix().Data, gb)
		dz = next
	}
	return loss, correct
}

// adam applies one Adam update with L2 weight decay on the weights.
func (m *MLP) adam(l *dense, gw, gb []float64) {
	lr := m.cfg.LearningRate
	c1 := 1 - math.Pow(adamBeta1, float64(m.adamStep))
	c2 := 1 - math.Pow(adamBeta2, float64(m.adamStep))

	w := l.w.RawMatrix().Data
	for i, g := range gw {
		g += m.cfg.WeightDecay * w[i]
		l.mw[i] = adamBeta1*l.mw[i] + (1-adamBeta1)*g
		l.vw[i] = adamBeta2*l.vw[i] + (1-adamBeta2)*g*g
		w[i] -= lr * (l.mw[i] / c1) / (math.Sqrt(l.vw[i]/c2) + adamEpsilon)
	}
	for i, g := range gb {
		l.mb[i] = adamBeta1*l.mb[i] + (1-adamBeta1)*g
		l.vb[i] = adamBeta2*l.vb[i] + (1-adamBeta2)*g*g
		l.b[i] -= lr * (l.mb[i] / c1) / (math.Sqrt(l.vb[i]/c2) + adamEpsilon)
	}
}

func (m *MLP) checkData(x *mat.Dense, y []int32) error {
	if err := m.checkInput(x); err != nil {
		return err
	}
	if rowsOf(x) != len(y) {
		return fmt.Errorf("%d rows but %d labels", rowsOf(x), len(y))
	}
	if len(y) == 0 {
		return fmt.Errorf("no samples")
	}
	for i, v := range y {
		if v < 0 || int(v) >= m.NumClasses() {
			return fmt.Errorf("label %d at row %d outside %d classes", v, i, m.NumClasses())
		}
	}
	return nil
}

func gatherBatch(x *mat.Dense, y []int32, idx []int) (*mat.Dense, []int32) {
	_, c := x.Dims()
	bx := mat.NewDense(len(idx), c, nil)
	by := make([]int32, len(idx))
	for i, row := range idx {
		bx.SetRow(i, x.RawRowView(row))
		by[i] = y[row]
	}
	return bx, by
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
