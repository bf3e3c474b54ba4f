package tensorfile

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
)

const chunkElems = 16 * 1024

type pending struct {
	name  string
	dtype DType
	shape []int
	n     int
	f32   []float32
	f64   []float64
	i32   []int32
	i64   []int64
}

// Writer collects tensors in memory by reference and writes them out in a
// single Save call. Slices passed to Add* must not be modified until Save
// returns.
type Writer struct {
	tensors  []pending
	names    map[string]bool
	metadata map[string]string
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{names: make(map[string]bool), metadata: make(map[string]string)}
}

// SetMetadata records a free-form string attribute stored in the header.
func (w *Writer) SetMetadata(key, value string) {
	w.metadata[key] = value
}

// AddFloat32 registers a float32 tensor.
func (w *Writer) AddFloat32(name string, shape []int, data []float32) error {
	return w.add(pending{name: name, dtype: F32, shape: shape, f32: data, n: len(data)})
}

// AddFloat64 registers a float64 tensor.
func (w *Writer) AddFloat64(name string, shape []int, data []float64) error {
	return w.add(pending{name: name, dtype: F64, shape: shape, f64: data, n: len(data)})
}

// AddInt32 registers an int32 tensor.
func (w *Writer) AddInt32(name string, shape []int, data []int32) error {
	return w.add(pending{name: name, dtype: I32, shape: shape, i32: data, n: len(data)})
}

// AddInt64 registers an int64 tensor.
func (w *Writer) AddInt64(name string, shape []int, data []int64) error {
	return w.add(pending{name: name, dtype: I64, shape: shape, i64: data, n: len(data)})
}

func (w *Writer) add(p pending) error {
	if p.name == "" || p.name == metadataKey {
		return fmt.Errorf("tensorfile: invalid tensor name %q", p.name)
	}
	if w.names[p.name] {
		return fmt.Errorf("tensorfile: duplicate tensor %q", p.name)
	}
	want, err := numElements(p.shape)
	if err != nil {
		return err
	}
	if want != p.n {
		return fmt.Errorf("tensorfile: tensor %q has %d elements, shape %v needs %d",
			p.name, p.n, p.shape, want)
	}
	p.shape = append([]int(nil), p.shape...)
	w.names[p.name] = true
	w.tensors = append(w.tensors, p)
	return nil
}

// Save writes the archive to path. The file is written to a temporary
// sibling and renamed into place, so readers never observe a partial file.
func (w *Writer) Save(path string) (err error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("tensorfile: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("tensorfile: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriterSize(tmp, 1<<20)
	if err = w.encode(bw); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return fmt.Errorf("tensorfile: flush: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("tensorfile: sync: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("tensorfile: close: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("tensorfile: rename: %w", err)
	}
	return nil
}

func (w *Writer) encode(bw *bufio.Writer) error {
	sort.Slice(w.tensors, func(i, j int) bool { return w.tensors[i].name < w.tensors[j].name })

	header := make(map[string]any, len(w.tensors)+1)
	if len(w.metadata) > 0 {
		header[metadataKey] = w.metadata
	}
	offset := 0
	for _, t := range w.tensors {
		size, err := t.dtype.size()
		if err != nil {
			return err
		}
		end := offset + t.n*size
		header[t.name] = entry{Dtype: t.dtype, Shape: t.shape, DataOffsets: [2]int{offset, end}}
		offset = end
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("tensorfile: marshal header: %w", err)
	}
	for len(hdr)%headerAlign != 0 {
		hdr = append(hdr, ' ')
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("tensorfile: write header: %w", err)
	}
	if _, err := bw.Write(hdr); err != nil {
		return fmt.Errorf("tensorfile: write header: %w", err)
	}

	buf := make([]byte, chunkElems*8)
	for _, t := range w.tensors {
		if err := writeData(bw, t, buf); err != nil {
			return fmt.Errorf("tensorfile: write %q: %w", t.name, err)
		}
	}
	return nil
}

// writeData streams a tensor's elements through buf in fixed-size chunks.
func writeData(bw *bufio.Writer, t pending, buf []byte) error {
	for start := 0; start < t.n; start += chunkElems {
		end := min(start+chunkElems, t.n)
		var n int
		switch t.dtype {
		case F32:
			for i, v := range t.f32[start:end] {
				binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
			}
			n = (end - start) * 4
		case I32:
			for i, v := range t.i32[start:end] {
				binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
			}
			n = (end - start) * 4
		case F64:
			for i, v := range t.f64[start:end] {
				binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
			}
			n = (end - start) * 8
		case I64:
			for i, v := range t.i64[start:end] {
				binary.LittleEndian.PutUint64(buf[i*8:], uint64(v))
			}
			n = (end - start) * 8
		}
		if _, err := bw.Write(buf[:n]); err != nil {
			return err
		}
	}
	return nil
}
