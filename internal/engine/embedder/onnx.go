package embedder

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/klauspost/cpuid/v2"
	ort "github.com/yalue/onnxruntime_go"
)

// ortEnv manages global ONNX Runtime initialization (process-wide singleton).
var ortEnv struct {
	once sync.Once
	err  error
}

// initORT initializes the ONNX Runtime environment. Safe to call multiple
// times; only the first call has any effect.
func initORT(libPath string) error {
	ortEnv.once.Do(func() {
		ort.SetSharedLibraryPath(libPath)
		ortEnv.err = ort.InitializeEnvironment()
	})
	return ortEnv.err
}

const (
	inputIDsName      = "input_ids"
	attentionMaskName = "attention_mask"
	tokenTypeIDsName  = "token_type_ids"
)

// onnxSession wraps a DynamicAdvancedSession for encoder models. Decoder
// based encoders usually take only input_ids and attention_mask; BERT-style
// models also take token_type_ids.
type onnxSession struct {
	session      *ort.DynamicAdvancedSession
	inputNames   []string
	outputName   string
	embedDim     int64
	pooled       bool // output is [batch, dim] rather than [batch, seq, dim]
	useTypeIDs   bool
	intraThreads int
}

// newONNXSession loads the ONNX model and creates an inference session.
// It validates the model's input/output tensor names and shapes.
func newONNXSession(modelPath string, intraThreads int) (*onnxSession, error) {
	// The ONNX Runtime shared library ships alongside the model files.
	libPath := filepath.Join(filepath.Dir(modelPath), "libonnxruntime.so")

	if err := initORT(libPath); err != nil {
		return nil, fmt.Errorf("onnx: failed to initialize runtime: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to read model info: %w", err)
	}

	inputNames, useTypeIDs, err := validateInputs(inputs)
	if err != nil {
		return nil, err
	}

	if len(outputs) == 0 {
		return nil, fmt.Errorf("onnx: model has no outputs")
	}
	outputName := outputs[0].Name
	embedDim, pooled, err := outputDim(outputs[0].Dimensions)
	if err != nil {
		return nil, err
	}

	if intraThreads <= 0 {
		intraThreads = defaultIntraOpThreads()
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create session options: %w", err)
	}
	defer opts.Destroy()
	opts.SetIntraOpNumThreads(intraThreads)
	opts.SetInterOpNumThreads(1)

	session, err := ort.NewDynamicAdvancedSession(
		modelPath,
		inputNames,
		[]string{outputName},
		opts,
	)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create session: %w", err)
	}

	return &onnxSession{
		session:      session,
		inputNames:   inputNames,
		outputName:   outputName,
		embedDim:     embedDim,
		pooled:       pooled,
		useTypeIDs:   useTypeIDs,
		intraThreads: intraThreads,
	}, nil
}

// defaultIntraOpThreads sizes the intra-op pool to physical cores; SMT
// siblings add little for dense matmuls.
func defaultIntraOpThreads() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// validateInputs checks that the model has the required inputs and returns
// them in feed order.
func validateInputs(inputs []ort.InputOutputInfo) ([]string, bool, error) {
	nameSet := make(map[string]bool, len(inputs))
	for _, inp := range inputs {
		nameSet[inp.Name] = true
	}
	names := []string{inputIDsName, attentionMaskName}
	for _, name := range names {
		if !nameSet[name] {
			return nil, false, fmt.Errorf("onnx: model missing required input %q", name)
		}
	}
	useTypeIDs := nameSet[tokenTypeIDsName]
	if useTypeIDs {
		names = append(names, tokenTypeIDsName)
	}
	if len(inputs) != len(names) {
		return nil, false, fmt.Errorf("onnx: model has unsupported inputs: %d declared, %d understood", len(inputs), len(names))
	}
	return names, useTypeIDs, nil
}

// outputDim accepts [batch, seq, dim] hidden states or [batch, dim] pooled
// embeddings. The embedding dimension must be static.
func outputDim(dims ort.Shape) (int64, bool, error) {
	switch len(dims) {
	case 3:
		if dims[2] <= 0 {
			return 0, false, fmt.Errorf("onnx: output embedding dim is dynamic: %v", dims)
		}
		return dims[2], false, nil
	case 2:
		if dims[1] <= 0 {
			return 0, false, fmt.Errorf("onnx: output embedding dim is dynamic: %v", dims)
		}
		return dims[1], true, nil
	default:
		return 0, false, fmt.Errorf("onnx: expected 2D or 3D output tensor, got %v", dims)
	}
}

// infer runs a single inference call over a tokenized batch. Returns the raw
// output tensor data as a flat float32 slice of shape
// [batchSize * seqLen * embedDim], or [batchSize * embedDim] for pooled models.
func (s *onnxSession) infer(batch tokenized) ([]float32, error) {
	if batch.batchSize == 0 {
		return nil, nil
	}
	shape := ort.NewShape(batch.batchSize, batch.seqLen)

	tIDs, err := ort.NewTensor(shape, batch.inputIDs)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create input_ids tensor: %w", err)
	}
	defer tIDs.Destroy()

	tMask, err := ort.NewTensor(shape, batch.attentionMask)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create attention_mask tensor: %w", err)
	}
	defer tMask.Destroy()

	inputs := []ort.Value{tIDs, tMask}
	if s.useTypeIDs {
		tTypes, err := ort.NewTensor(shape, make([]int64, len(batch.inputIDs)))
		if err != nil {
			return nil, fmt.Errorf("onnx: failed to create token_type_ids tensor: %w", err)
		}
		defer tTypes.Destroy()
		inputs = append(inputs, tTypes)
	}

	outShape := ort.NewShape(batch.batchSize, batch.seqLen, s.embedDim)
	if s.pooled {
		outShape = ort.NewShape(batch.batchSize, s.embedDim)
	}
	tOut, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create output tensor: %w", err)
	}
	defer tOut.Destroy()

	if err := s.session.Run(inputs, []ort.Value{tOut}); err != nil {
		return nil, fmt.Errorf("onnx: inference failed: %w", err)
	}

	// Copy data out before tensor is destroyed.
	src := tOut.GetData()
	result := make([]float32, len(src))
	copy(result, src)
	return result, nil
}

// close releases the ONNX session resources.
func (s *onnxSession) close() error {
	return s.session.Destroy()
}
