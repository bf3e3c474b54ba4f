package classifier

import (
	"gonum.org/v1/gonum/mat"
)

// evalChunk bounds the rows held in one inference pass.
const evalChunk = 512

// ClassMetrics holds per-label scores. Precision, Recall and F1 are
// fractions in [0, 1].
type ClassMetrics struct {
	Label     string  `json:"label"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// Metrics is the result of Evaluate. Accuracy is a percentage; Loss is the
// mean cross-entropy. Confusion[i][j] counts samples of class i predicted as
// class j.
type Metrics struct {
	Samples   int            `json:"samples"`
	Accuracy  float64        `json:"accuracy"`
	Loss      float64        `json:"loss"`
	PerClass  []ClassMetrics `json:"per_class"`
	Confusion [][]int        `json:"confusion"`
}

// Evaluate scores the model on (X, Y) with dropout disabled. It does not
// change the model.
func (m *MLP) Evaluate(X *mat.Dense, Y []int32) (Metrics, error) {
	if err := m.checkData(X, Y); err != nil {
		return Metrics{}, err
	}

	k := m.NumClasses()
	confusion := make([][]int, k)
	for i := range confusion {
		confusion[i] = make([]int, k)
	}

	n := len(Y)
	var lossSum float64
	var correct int
	for start := 0; start < n; start += evalChunk {
		end := min(start+evalChunk, n)
		p := m.forward(rowRange(X, start, end), false)
		probs := p.a[len(p.a)-1]
		logits := p.z[len(p.z)-1]
		for r := range end - start {
			label := int(Y[start+r])
			pred := argmax(probs.RawRowView(r))
			lossSum += p.lse[r] - logits.At(r, label)
			confusion[label][pred]++
			if pred == label {
				correct++
			}
		}
	}

	return Metrics{
		Samples:   n,
		Accuracy:  100 * float64(correct) / float64(n),
		Loss:      lossSum / float64(n),
		PerClass:  m.perClass(confusion),
		Confusion: confusion,
	}, nil
}

func (m *MLP) perClass(confusion [][]int) []ClassMetrics {
	out := make([]ClassMetrics, len(confusion))
	for c := range confusion {
		tp := confusion[c][c]
		var support, predicted int
		for j := range confusion {
			support += confusion[c][j]
			predicted += confusion[j][c]
		}
		cm := ClassMetrics{Label: m.labelName(c), Support: support}
		if predicted > 0 {
			cm.Precision = float64(tp) / float64(predicted)
		}
		if support > 0 {
			cm.Recall = float64(tp) / float64(support)
		}
		if cm.Precision+cm.Recall > 0 {
			cm.F1 = 2 * cm.Precision * cm.Recall / (cm.Precision + cm.Recall)
		}
		out[c] = cm
	}
	return out
}
