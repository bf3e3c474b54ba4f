package dataset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crimson-sun/cadence/internal/engine/embedder"
	"github.com/crimson-sun/cadence/internal/logging"
	"github.com/crimson-sun/cadence/internal/model"
)

const testDim = 4

// fakeEmbedder fills every row with the sample number parsed from "song N".
type fakeEmbedder struct {
	dim    int
	calls  int
	failAt int
}

func (f *fakeEmbedder) EmbedBatch(texts []string) ([][]float32, error) {
	f.calls++
	if f.failAt > 0 && f.calls == f.failAt {
		return nil, errors.New("model crashed")
	}
	rows := make([][]float32, len(texts))
	for i, text := range texts {
		var n int
		if _, err := fmt.Sscanf(text, "song %d", &n); err != nil {
			return nil, err
		}
		row := make([]float32, f.dim)
		for j := range row {
			row[j] = float32(n)
		}
		rows[i] = row
	}
	return rows, nil
}

func (f *fakeEmbedder) EmbedDim() int { return f.dim }
func (f *fakeEmbedder) Close() error  { return nil }

func testLabels(t *testing.T) *model.LabelSet {
	t.Helper()
	ls, err := model.NewLabelSet([]string{"rock", "pop"})
	require.NoError(t, err)
	return ls
}

func writeRaw(t *testing.T, dir string, n int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("lyrics,label\n")
	for i := range n {
		label := "rock"
		if i%2 == 1 {
			label = "pop"
		}
		fmt.Fprintf(&b, "song %d,%s\n", i, label)
	}
	path := filepath.Join(dir, "lyrics.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func newTestAssembler(t *testing.T, dir string, batchSize int, emb *fakeEmbedder) (*Assembler, *int) {
	t.Helper()
	opened := 0
	a := NewAssembler(Options{
		DatasetPath: filepath.Join(dir, "processed", "dataset.safetensors"),
		RawPath:     filepath.Join(dir, "lyrics.csv"),
		BatchSize:   batchSize,
		Dim:         testDim,
		Labels:      testLabels(t),
		Embedder: func() (embedder.Embedder, error) {
			opened++
			return emb, nil
		},
	}, logging.Discard())
	return a, &opened
}

func TestAssembleExtractsAllBatches(t *testing.T) {
	dir := t.TempDir()
	writeRaw(t, dir, 100)
	emb := &fakeEmbedder{dim: testDim}
	a, _ := newTestAssembler(t, dir, 50, emb)
	assert.Equal(t, NotStarted, a.State())

	ds, err := a.Assemble(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, emb.calls)
	assert.Equal(t, 100, ds.Rows())
	assert.Equal(t, Persisted, a.State())
	assert.True(t, a.Extracted())
	assert.Equal(t, []string{"rock", "pop"}, ds.Labels)
	assert.FileExists(t, filepath.Join(dir, "processed", "dataset.safetensors"))
}

func TestAssemblePreservesOrderAcrossBatchSizes(t *testing.T) {
	for _, size := range []int{1, 7, 50, 99, 100, 150} {
		t.Run(fmt.Sprintf("batch_%d", size), func(t *testing.T) {
			dir := t.TempDir()
			writeRaw(t, dir, 100)
			emb := &fakeEmbedder{dim: testDim}
			a, _ := newTestAssembler(t, dir, size, emb)

			ds, err := a.Assemble(context.Background())
			require.NoError(t, err)
			require.Equal(t, 100, ds.Rows())
			assert.Equal(t, (100+size-1)/size, emb.calls)
			for i := range ds.Rows() {
				assert.Equal(t, float32(i), ds.Row(i)[0], "row %d", i)
				assert.Equal(t, int32(i%2), ds.Y[i], "label %d", i)
			}
		})
	}
}

func TestAssembleResumesFromPersisted(t *testing.T) {
	dir := t.TempDir()
	writeRaw(t, dir, 30)
	first, _ := newTestAssembler(t, dir, 8, &fakeEmbedder{dim: testDim})
	want, err := first.Assemble(context.Background())
	require.NoError(t, err)

	emb := &fakeEmbedder{dim: testDim}
	second, opened := newTestAssembler(t, dir, 8, emb)
	got, err := second.Assemble(context.Background())
	require.NoError(t, err)

	assert.Zero(t, *opened, "extractor must not be opened")
	assert.Zero(t, emb.calls)
	assert.False(t, second.Extracted())
	assert.Equal(t, Persisted, second.State())
	assert.Equal(t, want.Y, got.Y)
	assert.Equal(t, want.X, got.X)
	assert.Equal(t, want.Source, got.Source)
}

func TestAssembleRebuild(t *testing.T) {
	dir := t.TempDir()
	writeRaw(t, dir, 10)
	first, _ := newTestAssembler(t, dir, 4, &fakeEmbedder{dim: testDim})
	_, err := first.Assemble(context.Background())
	require.NoError(t, err)

	emb := &fakeEmbedder{dim: testDim}
	second, _ := newTestAssembler(t, dir, 4, emb)
	second.opts.Rebuild = true
	_, err = second.Assemble(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, emb.calls)
	assert.True(t, second.Extracted())
}

func TestAssembleExtractionFailureAborts(t *testing.T) {
	dir := t.TempDir()
	writeRaw(t, dir, 100)
	a, _ := newTestAssembler(t, dir, 50, &fakeEmbedder{dim: testDim, failAt: 2})

	_, err := a.Assemble(context.Background())
	require.ErrorIs(t, err, embedder.ErrExtraction)
	assert.Equal(t, Extracting, a.State())
	assert.NoFileExists(t, filepath.Join(dir, "processed", "dataset.safetensors"))
}

func TestAssembleWrongWidth(t *testing.T) {
	dir := t.TempDir()
	writeRaw(t, dir, 10)
	a, _ := newTestAssembler(t, dir, 5, &fakeEmbedder{dim: testDim + 1})

	_, err := a.Assemble(context.Background())
	assert.ErrorIs(t, err, embedder.ErrExtraction)
}

func TestAssembleCancelled(t *testing.T) {
	dir := t.TempDir()
	writeRaw(t, dir, 10)
	emb := &fakeEmbedder{dim: testDim}
	a, _ := newTestAssembler(t, dir, 5, emb)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Assemble(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, emb.calls)
}

func TestAssembleWarnsWhenRawIsNewer(t *testing.T) {
	dir := t.TempDir()
	raw := writeRaw(t, dir, 6)
	first, _ := newTestAssembler(t, dir, 3, &fakeEmbedder{dim: testDim})
	_, err := first.Assemble(context.Background())
	require.NoError(t, err)

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(raw, later, later))

	var buf bytes.Buffer
	second, _ := newTestAssembler(t, dir, 3, &fakeEmbedder{dim: testDim})
	second.logger = logging.New(&buf, "text", slog.LevelInfo)
	_, err = second.Assemble(context.Background())
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "raw dataset is newer")
	assert.False(t, second.Extracted())
}

func TestLoadRejectsChangedLabels(t *testing.T) {
	dir := t.TempDir()
	writeRaw(t, dir, 6)
	a, _ := newTestAssembler(t, dir, 3, &fakeEmbedder{dim: testDim})
	_, err := a.Assemble(context.Background())
	require.NoError(t, err)

	other, err := model.NewLabelSet([]string{"pop", "rock"})
	require.NoError(t, err)
	_, err = Load(a.opts.DatasetPath, other)
	assert.ErrorIs(t, err, ErrAssembly)

	ds, err := Load(a.opts.DatasetPath, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, ds.Rows())
	assert.Equal(t, testDim, ds.Dim)

	r, c := ds.Dims()
	assert.Equal(t, 6, r)
	assert.Equal(t, testDim, c)
	row := make([]float64, c)
	ds.RowTo(row, 5)
	assert.Equal(t, 5.0, row[0])
}

func TestArena(t *testing.T) {
	_, err := NewArena(0, 4)
	assert.ErrorIs(t, err, ErrAssembly)

	a, err := NewArena(3, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(24), a.SizeBytes())

	require.NoError(t, a.Write([][]float32{{1, 2}, {3, 4}}))
	assert.Equal(t, 2, a.Offset())

	_, err = a.Data()
	assert.ErrorIs(t, err, ErrAssembly, "partially filled arena must not be read")

	assert.ErrorIs(t, a.Write([][]float32{{5, 6}, {7, 8}}), ErrAssembly)
	assert.ErrorIs(t, a.Write([][]float32{{5}}), ErrAssembly)
	assert.Equal(t, 2, a.Offset(), "failed writes must not advance the offset")

	require.NoError(t, a.Write([][]float32{{5, 6}}))
	data, err := a.Data()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, data)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "extracting", Extracting.String())
	assert.Equal(t, "state(9)", State(9).String())
}
