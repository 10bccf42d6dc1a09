package tensor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DType identifies the element type stored in a Tensor.
type DType uint8

const (
	DTypeFloat32 DType = iota + 1
	DTypeInt64
)

func (d DType) String() string {
	switch d {
	case DTypeFloat32:
		return "float32"
	case DTypeInt64:
		return "int64"
	default:
		return "dtype(" + strconv.Itoa(int(d)) + ")"
	}
}

// Tensor is a dense row-major tensor exchanged with an inference session.
//
// Exactly one of F32 or I64 is populated, matching DType. Dimensions may be
// zero; a KV tensor with an empty sequence axis is a valid input.
type Tensor struct {
	DType DType
	Shape []int
	F32   []float32
	I64   []int64
}

var (
	errNegativeDim   = errors.New("negative dimension")
	errTensorTooBig  = errors.New("tensor too large")
	errShapeMismatch = errors.New("data length does not match shape")
)

// NumElements returns the product of the dimensions in shape.
func NumElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, errNegativeDim
		}
		if d != 0 && n > (int(^uint(0)>>1))/d {
			return 0, errTensorTooBig
		}
		n *= d
	}
	return n, nil
}

// Zeros allocates a zero-filled tensor of the given dtype and shape.
func Zeros(dtype DType, shape ...int) (*Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	t := &Tensor{DType: dtype, Shape: append([]int(nil), shape...)}
	switch dtype {
	case DTypeFloat32:
		t.F32 = make([]float32, n)
	case DTypeInt64:
		t.I64 = make([]int64, n)
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}
	return t, nil
}

// FromFloat32 wraps data without copying. len(data) must match shape.
func FromFloat32(data []float32, shape ...int) (*Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: shape %v wants %d elements, got %d", errShapeMismatch, shape, n, len(data))
	}
	return &Tensor{DType: DTypeFloat32, Shape: append([]int(nil), shape...), F32: data}, nil
}

// FromInt64 wraps data without copying. len(data) must match shape.
func FromInt64(data []int64, shape ...int) (*Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: shape %v wants %d elements, got %d", errShapeMismatch, shape, n, len(data))
	}
	return &Tensor{DType: DTypeInt64, Shape: append([]int(nil), shape...), I64: data}, nil
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	switch t.DType {
	case DTypeFloat32:
		return len(t.F32)
	case DTypeInt64:
		return len(t.I64)
	default:
		return 0
	}
}

// Dim returns dimension i. Negative indices count from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	if i < 0 || i >= len(t.Shape) {
		panic("tensor: dimension index out of range")
	}
	return t.Shape[i]
}

// HasShape reports whether the tensor has exactly the given shape.
func (t *Tensor) HasShape(shape ...int) bool {
	if len(t.Shape) != len(shape) {
		return false
	}
	for i := range shape {
		if t.Shape[i] != shape[i] {
			return false
		}
	}
	return true
}

// LastRow returns a view of the final vector along the last axis.
// For logits shaped [batch, seq, vocab] this is the last position of the
// last batch element.
func (t *Tensor) LastRow() ([]float32, error) {
	if t.DType != DTypeFloat32 {
		return nil, fmt.Errorf("last row: want float32 tensor, got %s", t.DType)
	}
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("last row: scalar tensor")
	}
	width := t.Shape[len(t.Shape)-1]
	if width <= 0 || len(t.F32) < width {
		return nil, fmt.Errorf("last row: empty tensor with shape %v", t.Shape)
	}
	return t.F32[len(t.F32)-width:], nil
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{DType: t.DType, Shape: append([]int(nil), t.Shape...)}
	if t.F32 != nil {
		out.F32 = append([]float32(nil), t.F32...)
	}
	if t.I64 != nil {
		out.I64 = append([]int64(nil), t.I64...)
	}
	return out
}

// ShapeString formats the shape like "[1 3 151936]".
func (t *Tensor) ShapeString() string {
	return FormatShape(t.Shape)
}

// FormatShape formats a shape like "[1 3 151936]".
func FormatShape(shape []int) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, d := range shape {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Itoa(d))
	}
	b.WriteByte(']')
	return b.String()
}
