package tensorfile

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data.safetensors")

	x := make([]float32, 3*5)
	for i := range x {
		x[i] = float32(i) * 0.5
	}
	y := []int32{2, 0, 1}
	bias := []float64{1.25, -3}

	w := NewWriter()
	w.SetMetadata("labels", `["a","b","c"]`)
	require.NoError(t, w.AddFloat32("X", []int{3, 5}, x))
	require.NoError(t, w.AddInt32("Y", []int{3}, y))
	require.NoError(t, w.AddFloat64("bias", []int{2}, bias))
	require.NoError(t, w.Save(path))

	tf, err := Open(path)
	require.NoError(t, err)
	defer tf.Close()

	assert.Equal(t, `["a","b","c"]`, tf.Metadata()["labels"])
	assert.Len(t, tf.Tensors(), 3)

	gotX, shape, err := tf.Float32("X", nil)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 5}, shape)
	assert.Equal(t, x, gotX)

	gotY, _, err := tf.Int32("Y")
	require.NoError(t, err)
	assert.Equal(t, y, gotY)

	gotBias, _, err := tf.Float64("bias")
	require.NoError(t, err)
	assert.Equal(t, bias, gotBias)

	_, _, err = tf.Int32("missing")
	assert.ErrorIs(t, err, ErrTensorNotFound)

	_, _, err = tf.Int32("X")
	assert.Error(t, err, "dtype mismatch must be reported")
}

func TestLargeTensorCrossesChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.safetensors")
	n := chunkElems*2 + 17
	data := make([]int64, n)
	for i := range data {
		data[i] = int64(i * 3)
	}
	w := NewWriter()
	require.NoError(t, w.AddInt64("v", []int{n}, data))
	require.NoError(t, w.Save(path))

	tf, err := Open(path)
	require.NoError(t, err)
	defer tf.Close()
	got, _, err := tf.Int64("v")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestHeaderIsAligned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.safetensors")
	w := NewWriter()
	require.NoError(t, w.AddFloat32("w", []int{1}, []float32{1}))
	require.NoError(t, w.Save(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Zero(t, binary.LittleEndian.Uint64(raw[:8])%headerAlign)
}

func TestAddRejectsShapeMismatch(t *testing.T) {
	w := NewWriter()
	assert.Error(t, w.AddFloat32("w", []int{2, 2}, []float32{1, 2, 3}))
	require.NoError(t, w.AddFloat32("w", []int{3}, []float32{1, 2, 3}))
	assert.Error(t, w.AddFloat32("w", []int{3}, []float32{1, 2, 3}), "duplicate name")
}

func TestOpenRejectsCorruptFiles(t *testing.T) {
	dir := t.TempDir()

	small := filepath.Join(dir, "small")
	require.NoError(t, os.WriteFile(small, []byte{1, 2}, 0o644))
	_, err := Open(small)
	assert.Error(t, err)

	huge := filepath.Join(dir, "huge")
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf, 1<<40)
	require.NoError(t, os.WriteFile(huge, buf, 0o644))
	_, err = Open(huge)
	assert.Error(t, err)

	_, err = Open(filepath.Join(dir, "absent"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter()
	require.NoError(t, w.AddInt32("y", []int{2}, []int32{1, 2}))
	require.NoError(t, w.Save(filepath.Join(dir, "y.safetensors")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "y.safetensors", entries[0].Name())
}
