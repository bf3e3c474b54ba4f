// Package tensorfile reads and writes safetensors archives: an 8-byte
// little-endian header length, a JSON header describing each tensor, then the
// raw little-endian tensor bytes.
package tensorfile

import (
	"errors"
	"fmt"
)

// DType names the element type of a stored tensor.
type DType string

const (
	F32 DType = "F32"
	F64 DType = "F64"
	I32 DType = "I32"
	I64 DType = "I64"
)

// ErrTensorNotFound is returned when a named tensor is absent from a file.
var ErrTensorNotFound = errors.New("tensor not found")

const metadataKey = "__metadata__"

// headerAlign pads the JSON header so tensor data starts 8-byte aligned.
const headerAlign = 8

func (d DType) size() (int, error) {
	switch d {
	case F32, I32:
		return 4, nil
	case F64, I64:
		return 8, nil
	default:
		return 0, fmt.Errorf("tensorfile: unsupported dtype %q", d)
	}
}

// entry is the per-tensor header record.
type entry struct {
	Dtype       DType  `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// Info describes a stored tensor.
type Info struct {
	Name  string
	DType DType
	Shape []int
}

// Elements returns the number of elements implied by the shape.
func (i Info) Elements() int {
	n := 1
	for _, d := range i.Shape {
		n *= d
	}
	return n
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("tensorfile: negative dimension in shape %v", shape)
		}
		n *= d
	}
	return n, nil
}
