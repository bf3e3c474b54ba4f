// Package classifier implements the feed-forward network trained on top of
// the lyric embeddings.
package classifier

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/mat"

	"github.com/crimson-sun/cadence/internal/logging"
)

// ErrCheckpointNotFound is returned by LoadCheckpoint when no artifact exists
// at the path. Callers may continue with the in-memory weights.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Config describes the network shape and training loop.
type Config struct {
	Labels     []string
	HiddenDims []int
	Activation string
	Dropout    float64

	LearningRate          float64
	Epochs                int
	BatchSize             int
	WeightDecay           float64
	EarlyStoppingPatience int // 0 disables
	Seed                  uint64

	// BestCheckpointPath receives the weights whenever validation accuracy
	// improves. Empty disables best-model checkpointing.
	BestCheckpointPath string
}

func (c Config) validate() error {
	var problems []string
	if len(c.Labels) < 2 {
		problems = append(problems, fmt.Sprintf("need at least 2 labels, got %d", len(c.Labels)))
	}
	if len(c.HiddenDims) == 0 {
		problems = append(problems, "no hidden layers")
	}
	for _, d := range c.HiddenDims {
		if d <= 0 {
			problems = append(problems, fmt.Sprintf("hidden layer width %d", d))
		}
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		problems = append(problems, fmt.Sprintf("dropout %g outside [0, 1)", c.Dropout))
	}
	if c.LearningRate <= 0 {
		problems = append(problems, "learning rate must be positive")
	}
	if c.Epochs <= 0 {
		problems = append(problems, "epochs must be positive")
	}
	if c.BatchSize <= 0 {
		problems = append(problems, "batch size must be positive")
	}
	if c.WeightDecay < 0 {
		problems = append(problems, "weight decay must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("classifier: invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// dense is one fully connected layer with its Adam moments.
type dense struct {
	w *mat.Dense // [out, in]
	b []float64

	mw, vw []float64
	mb, vb []float64
}

func newDense(in, out int) *dense {
	return &dense{
		w:  mat.NewDense(out, in, nil),
		b:  make([]float64, out),
		mw: make([]float64, out*in),
		vw: make([]float64, out*in),
		mb: make([]float64, out),
		vb: make([]float64, out),
	}
}

func (d *dense) dims() (in, out int) {
	out, in = d.w.Dims()
	return in, out
}

// HistorySink receives one record per completed epoch.
type HistorySink interface {
	Record(EpochRecord) error
}

// Option configures an MLP.
type Option func(*MLP)

// WithLogger sets the logger used during training.
func WithLogger(l *slog.Logger) Option {
	return func(m *MLP) { m.logger = l }
}

// WithHistorySink streams per-epoch records to s.
func WithHistorySink(s HistorySink) Option {
	return func(m *MLP) { m.sink = s }
}

// MLP is a multilayer perceptron with a softmax output over Config.Labels.
type MLP struct {
	cfg      Config
	inputDim int
	layers   []*dense
	act      activation
	rng      *rand.Rand
	adamStep int

	epoch       int
	valAccuracy float64

	logger *slog.Logger
	sink   HistorySink
}

// Build creates an MLP mapping inputDim features through cfg.HiddenDims to
// one output per label. Weights use He initialization for relu and Xavier
// otherwise, drawn from a generator seeded with cfg.Seed.
func Build(inputDim int, cfg Config, opts ...Option) (*MLP, error) {
	if inputDim <= 0 {
		return nil, fmt.Errorf("classifier: input dimension must be positive, got %d", inputDim)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	act, err := newActivation(cfg.Activation)
	if err != nil {
		return nil, err
	}

	m := &MLP{
		cfg:      cfg,
		inputDim: inputDim,
		act:      act,
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed)),
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}

	in := inputDim
	for _, width := range append(append([]int(nil), cfg.HiddenDims...), len(cfg.Labels)) {
		l := newDense(in, width)
		m.initWeights(l)
		m.layers = append(m.layers, l)
		in = width
	}
	return m, nil
}

func (m *MLP) initWeights(l *dense) {
	in, out := l.dims()
	data := l.w.RawMatrix().Data
	if m.act.name() == "relu" {
		std := math.Sqrt(2 / float64(in))
		for i := range data {
			data[i] = m.rng.NormFloat64() * std
		}
		return
	}
	limit := math.Sqrt(6 / float64(in+out))
	for i := range data {
		data[i] = (m.rng.Float64()*2 - 1) * limit
	}
}

// InputDim returns the expected feature width.
func (m *MLP) InputDim() int { return m.inputDim }

// NumClasses returns the output width.
func (m *MLP) NumClasses() int { return len(m.cfg.Labels) }

// Params returns the number of trainable parameters.
func (m *MLP) Params() int {
	var n int
	for _, l := range m.layers {
		in, out := l.dims()
		n += in*out + out
	}
	return n
}

// Summary renders a table of layers, their shapes and parameter counts.
func (m *MLP) Summary() string {
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Layer\tType\tOutput Shape\tParams")
	for i, l := range m.layers {
		in, out := l.dims()
		kind := "Linear+" + m.act.name()
		if m.cfg.Dropout > 0 {
			kind += fmt.Sprintf("+Dropout(%g)", m.cfg.Dropout)
		}
		if i == len(m.layers)-1 {
			kind = "Linear+softmax"
		}
		fmt.Fprintf(tw, "%d\t%s\t[-1, %d]\t%s\n", i, kind, out, humanize.Comma(int64(in*out+out)))
	}
	tw.Flush()
	fmt.Fprintf(&b, "Input dim: %d, classes: %d, total params: %s\n",
		m.inputDim, m.NumClasses(), humanize.Comma(int64(m.Params())))
	return b.String()
}

// pass holds the intermediate values of one forward pass.
type pass struct {
	a     []*mat.Dense // a[0] is the input, a[i+1] the output of layer i
	z     []*mat.Dense // pre-activations
	masks [][]float64  // inverted dropout masks per hidden layer, nil when off
	lse   []float64    // log-sum-exp of the output logits per row
}

func (m *MLP) forward(x *mat.Dense, train bool) *pass {
	p := &pass{a: []*mat.Dense{x}}
	in := x
	last := len(m.layers) - 1
	for i, l := range m.layers {
		z := mat.NewDense(rowsOf(x), len(l.b), nil)
		z.Mul(in, l.w.T())
		_, cols := z.Dims()
		zd := z.RawMatrix().Data
		for j := range zd {
			zd[j] += l.b[j%cols]
		}
		p.z = append(p.z, z)

		out := mat.DenseCopyOf(z)
		od := out.RawMatrix().Data
		if i == last {
			p.lse = softmaxRows(od, cols)
		} else {
			m.act.apply(od)
			var mask []float64
			if train && m.cfg.Dropout > 0 {
				mask = m.dropoutMask(len(od))
				for j := range od {
					od[j] *= mask[j]
				}
			}
			p.masks = append(p.masks, mask)
		}
		p.a = append(p.a, out)
		in = out
	}
	return p
}

func (m *MLP) dropoutMask(n int) []float64 {
	keep := 1 - m.cfg.Dropout
	mask := make([]float64, n)
	for i := range mask {
		if m.rng.Float64() < keep {
			mask[i] = 1 / keep
		}
	}
	return mask
}

// Predict returns the most probable class for each row of X.
func (m *MLP) Predict(X *mat.Dense) ([]int32, error) {
	if err := m.checkInput(X); err != nil {
		return nil, err
	}
	n := rowsOf(X)
	preds := make([]int32, 0, n)
	for start := 0; start < n; start += evalChunk {
		end := min(start+evalChunk, n)
		p := m.forward(rowRange(X, start, end), false)
		probs := p.a[len(p.a)-1]
		for r := range end - start {
			preds = append(preds, int32(argmax(probs.RawRowView(r))))
		}
	}
	return preds, nil
}

func (m *MLP) checkInput(X *mat.Dense) error {
	if X == nil {
		return fmt.Errorf("classifier: no input")
	}
	if _, c := X.Dims(); c != m.inputDim {
		return fmt.Errorf("classifier: input has %d features, model expects %d", c, m.inputDim)
	}
	return nil
}

func (m *MLP) labelName(i int) string {
	if i >= 0 && i < len(m.cfg.Labels) {
		return m.cfg.Labels[i]
	}
	return fmt.Sprintf("class_%d", i)
}

func rowsOf(x mat.Matrix) int {
	r, _ := x.Dims()
	return r
}

// rowRange copies rows [start, end) of X into a new contiguous matrix.
func rowRange(X *mat.Dense, start, end int) *mat.Dense {
	_, c := X.Dims()
	out := mat.NewDense(end-start, c, nil)
	for i := start; i < end; i++ {
		out.SetRow(i-start, X.RawRowView(i))
	}
	return out
}

func argmax(row []float64) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}
