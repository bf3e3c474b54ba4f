package embedder

import (
	"errors"
	"fmt"
)

// ErrExtraction marks a failure to turn a batch of text into feature rows.
var ErrExtraction = errors.New("feature extraction failed")

// Embedder produces fixed-width vector embeddings from text.
type Embedder interface {
	EmbedBatch(texts []string) ([][]float32, error)
	EmbedDim() int
	Close() error
}

// Options configures an ONNXEmbedder.
type Options struct {
	ModelPath      string
	VocabPath      string
	ProjectionPath string // optional; empty disables the dense projection
	MaxSeqLen      int    // default 512
	MaxBatch       int    // texts per inference call; default 8
	IntraOpThreads int    // 0 = physical core count
	Lowercase      bool   // uncased vocabularies only
	Normalize      bool   // L2-normalize the final vectors
}

func (o Options) withDefaults() Options {
	if o.MaxSeqLen <= 0 {
		o.MaxSeqLen = 512
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = 8
	}
	return o
}

// ONNXEmbedder wraps the ONNX runtime, tokenizer, and optional projection
// layer for local embedding inference.
type ONNXEmbedder struct {
	session   *onnxSession
	tok       *tokenizer
	proj      *projection
	maxBatch  int
	normalize bool
}

// New creates an ONNXEmbedder. The embedding pipeline is:
// tokenize → ONNX inference → masked mean pool (unless the model already
// pools) → optional dense projection → optional L2 normalization.
func New(opts Options) (*ONNXEmbedder, error) {
	opts = opts.withDefaults()

	sess, err := newONNXSession(opts.ModelPath, opts.IntraOpThreads)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}

	tok, err := newTokenizer(opts.VocabPath, opts.MaxSeqLen, opts.Lowercase)
	if err != nil {
		sess.close()
		return nil, fmt.Errorf("embedder: %w", err)
	}

	var proj *projection
	if opts.ProjectionPath != "" {
		proj, err = loadProjection(opts.ProjectionPath)
		if err != nil {
			sess.close()
			return nil, fmt.Errorf("embedder: %w", err)
		}
		if int(sess.embedDim) != proj.inDim {
			sess.close()
			return nil, fmt.Errorf("embedder: ONNX output dim %d != projection input dim %d",
				sess.embedDim, proj.inDim)
		}
	}

	return &ONNXEmbedder{
		session:   sess,
		tok:       tok,
		proj:      proj,
		maxBatch:  opts.MaxBatch,
		normalize: opts.Normalize,
	}, nil
}

// EmbedDim returns the final embedding dimensionality.
func (e *ONNXEmbedder) EmbedDim() int {
	if e.proj != nil {
		return e.proj.outDim
	}
	return int(e.session.embedDim)
}

// EmbedBatch produces one embedding vector per text, in order. Texts are
// run through the model in chunks of at most MaxBatch.
func (e *ONNXEmbedder) EmbedBatch(texts []string) ([][]float32, error) {
	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.maxBatch {
		end := min(start+e.maxBatch, len(texts))
		vecs, err := e.embedChunk(texts[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, vecs...)
	}
	return results, nil
}

func (e *ONNXEmbedder) embedChunk(texts []string) ([][]float32, error) {
	batch := e.tok.tokenizeBatch(texts)

	out, err := e.session.infer(batch)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}

	dim := e.session.embedDim
	pooled := out
	if !e.session.pooled {
		pooled = meanPool(out, batch.attentionMask, batch.batchSize, batch.seqLen, dim)
	}

	results := make([][]float32, batch.batchSize)
	for i := int64(0); i < batch.batchSize; i++ {
		vec := pooled[i*dim : (i+1)*dim]
		if e.proj != nil {
			vec = e.proj.apply(vec)
		} else {
			vec = append([]float32(nil), vec...)
		}
		if e.normalize {
			l2Normalize(vec)
		}
		results[i] = vec
	}
	return results, nil
}

// Close releases ONNX Runtime resources.
func (e *ONNXEmbedder) Close() error {
	if e.session != nil {
		return e.session.close()
	}
	return nil
}
