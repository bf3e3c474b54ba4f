package tensorfile

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
)

// maxHeaderLen guards against reading garbage as a header length.
const maxHeaderLen = 100 << 20

// File is an open safetensors archive. Tensor data is read on demand.
type File struct {
	f         *os.File
	size      int64
	dataStart int64
	entries   map[string]entry
	metadata  map[string]string
}

// Open reads and validates the header of the archive at path.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tensorfile: %w", err)
	}
	tf, err := parseHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return tf, nil
}

func parseHeader(f *os.File) (*File, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("tensorfile: %w", err)
	}
	size := info.Size()
	if size < 8 {
		return nil, fmt.Errorf("tensorfile: file too small: %d bytes", size)
	}

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("tensorfile: read header length: %w", err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen > maxHeaderLen || uint64(size) < 8+headerLen {
		return nil, fmt.Errorf("tensorfile: header length %d exceeds file size", headerLen)
	}

	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return nil, fmt.Errorf("tensorfile: read header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(hdr, &raw); err != nil {
		return nil, fmt.Errorf("tensorfile: failed to parse header: %w", err)
	}

	tf := &File{
		f:         f,
		size:      size,
		dataStart: int64(8 + headerLen),
		entries:   make(map[string]entry, len(raw)),
		metadata:  map[string]string{},
	}
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &tf.metadata); err != nil {
				return nil, fmt.Errorf("tensorfile: failed to parse metadata: %w", err)
			}
			continue
		}
		var e entry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, fmt.Errorf("tensorfile: failed to parse tensor %q: %w", name, err)
		}
		if err := tf.validate(name, e); err != nil {
			return nil, err
		}
		tf.entries[name] = e
	}
	return tf, nil
}

func (tf *File) validate(name string, e entry) error {
	size, err := e.Dtype.size()
	if err != nil {
		return err
	}
	n, err := numElements(e.Shape)
	if err != nil {
		return err
	}
	start, end := e.DataOffsets[0], e.DataOffsets[1]
	if end-start != n*size {
		return fmt.Errorf("tensorfile: tensor %q data size %d doesn't match shape %v", name, end-start, e.Shape)
	}
	if start < 0 || tf.dataStart+int64(end) > tf.size {
		return fmt.Errorf("tensorfile: tensor %q data range [%d:%d] exceeds file size %d",
			name, start, end, tf.size)
	}
	return nil
}

// Close releases the underlying file.
func (tf *File) Close() error {
	return tf.f.Close()
}

// Metadata returns the header's free-form string attributes.
func (tf *File) Metadata() map[string]string {
	out := make(map[string]string, len(tf.metadata))
	for k, v := range tf.metadata {
		out[k] = v
	}
	return out
}

// Tensors lists the stored tensors sorted by name.
func (tf *File) Tensors() []Info {
	out := make([]Info, 0, len(tf.entries))
	for name, e := range tf.entries {
		out = append(out, Info{Name: name, DType: e.Dtype, Shape: append([]int(nil), e.Shape...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Info returns the description of a single tensor.
func (tf *File) Info(name string) (Info, error) {
	e, ok := tf.entries[name]
	if !ok {
		return Info{}, fmt.Errorf("tensorfile: %q: %w", name, ErrTensorNotFound)
	}
	return Info{Name: name, DType: e.Dtype, Shape: append([]int(nil), e.Shape...)}, nil
}

// Float32 reads an F32 tensor into dst, allocating when dst is too small.
func (tf *File) Float32(name string, dst []float32) ([]float32, []int, error) {
	e, err := tf.lookup(name, F32)
	if err != nil {
		return nil, nil, err
	}
	n := (e.DataOffsets[1] - e.DataOffsets[0]) / 4
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	err = tf.stream(e, 4, func(i int, b []byte) {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b))
	})
	return dst, append([]int(nil), e.Shape...), err
}

// Float64 reads an F64 tensor.
func (tf *File) Float64(name string) ([]float64, []int, error) {
	e, err := tf.lookup(name, F64)
	if err != nil {
		return nil, nil, err
	}
	dst := make([]float64, (e.DataOffsets[1]-e.DataOffsets[0])/8)
	err = tf.stream(e, 8, func(i int, b []byte) {
		dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
	})
	return dst, append([]int(nil), e.Shape...), err
}

// Int32 reads an I32 tensor.
func (tf *File) Int32(name string) ([]int32, []int, error) {
	e, err := tf.lookup(name, I32)
	if err != nil {
		return nil, nil, err
	}
	dst := make([]int32, (e.DataOffsets[1]-e.DataOffsets[0])/4)
	err = tf.stream(e, 4, func(i int, b []byte) {
		dst[i] = int32(binary.LittleEndian.Uint32(b))
	})
	return dst, append([]int(nil), e.Shape...), err
}

// Int64 reads an I64 tensor.
func (tf *File) Int64(name string) ([]int64, []int, error) {
	e, err := tf.lookup(name, I64)
	if err != nil {
		return nil, nil, err
	}
	dst := make([]int64, (e.DataOffsets[1]-e.DataOffsets[0])/8)
	err = tf.stream(e, 8, func(i int, b []byte) {
		dst[i] = int64(binary.LittleEndian.Uint64(b))
	})
	return dst, append([]int(nil), e.Shape...), err
}

func (tf *File) lookup(name string, want DType) (entry, error) {
	e, ok := tf.entries[name]
	if !ok {
		return entry{}, fmt.Errorf("tensorfile: %q: %w", name, ErrTensorNotFound)
	}
	if e.Dtype != want {
		return entry{}, fmt.Errorf("tensorfile: tensor %q: expected dtype %s, got %s", name, want, e.Dtype)
	}
	return e, nil
}

// stream reads the tensor's bytes in chunks and hands each element to fn.
func (tf *File) stream(e entry, size int, fn func(i int, b []byte)) error {
	total := e.DataOffsets[1] - e.DataOffsets[0]
	buf := make([]byte, chunkElems*size)
	off := tf.dataStart + int64(e.DataOffsets[0])
	idx := 0
	for read := 0; read < total; {
		n := min(len(buf), total-read)
		if _, err := tf.f.ReadAt(buf[:n], off+int64(read)); err != nil {
			return fmt.Errorf("tensorfile: read data: %w", err)
		}
		for p := 0; p < n; p += size {
			fn(idx, buf[p:p+size])
			idx++
		}
		read += n
	}
	return nil
}
