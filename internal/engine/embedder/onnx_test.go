package embedder

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testModelPath  = "../../../models/llm2vec/model.onnx"
	testModelVocab = "../../../models/llm2vec/vocab.txt"
)

func skipIfNoModel(t *testing.T) {
	t.Helper()
	for _, p := range []string{testModelPath, testModelVocab} {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			t.Skip("model files not found; expected under models/llm2vec")
		}
	}
}

func TestONNXSessionLoad(t *testing.T) {
	skipIfNoModel(t)

	sess, err := newONNXSession(testModelPath, 0)
	require.NoError(t, err)
	defer sess.close()

	assert.Positive(t, sess.embedDim)
	assert.Positive(t, sess.intraThreads)
	t.Logf("inputs=%v output=%s dim=%d pooled=%v", sess.inputNames, sess.outputName, sess.embedDim, sess.pooled)
}

func TestEmbedBatchEndToEnd(t *testing.T) {
	skipIfNoModel(t)

	emb, err := New(Options{ModelPath: testModelPath, VocabPath: testModelVocab, MaxBatch: 2})
	require.NoError(t, err)
	defer emb.Close()

	texts := []string{
		"I walk alone down the empty street",
		"dancing all night under neon lights",
		"tears fall like rain on my window",
	}
	vecs, err := Extract(emb, texts, emb.EmbedDim())
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))

	allZero := true
	for _, v := range vecs[0] {
		if v != 0 {
			allZero = false
			break
		}
	}
	assert.False(t, allZero, "embedding is all zeros")
}
