package embedder

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crimson-sun/cadence/internal/tensorfile"
)

func writeProjection(t *testing.T, name string, shape []int, weights []float32) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	w := tensorfile.NewWriter()
	require.NoError(t, w.AddFloat32(name, shape, weights))
	require.NoError(t, w.Save(path))
	return path
}

func TestLoadProjection(t *testing.T) {
	// [outDim=3, inDim=2]
	path := writeProjection(t, projectionTensor, []int{3, 2}, []float32{
		1, 0,
		0, 1,
		1, 1,
	})

	proj, err := loadProjection(path)
	require.NoError(t, err)
	assert.Equal(t, 2, proj.inDim)
	assert.Equal(t, 3, proj.outDim)

	out := proj.apply([]float32{2, 5})
	assert.Equal(t, []float32{2, 5, 7}, out)
}

func TestLoadProjectionErrors(t *testing.T) {
	_, err := loadProjection(writeProjection(t, "other.weight", []int{1, 1}, []float32{1}))
	assert.ErrorIs(t, err, tensorfile.ErrTensorNotFound)

	_, err = loadProjection(writeProjection(t, projectionTensor, []int{4}, []float32{1, 2, 3, 4}))
	assert.Error(t, err, "1D weights must be rejected")

	_, err = loadProjection(filepath.Join(t.TempDir(), "absent.safetensors"))
	assert.Error(t, err)
}
