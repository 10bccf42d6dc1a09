package tensor

import (
	"fmt"
	"math"
)

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Softmax applies the softmax function to x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// RMSNorm performs Root Mean Square Normalization.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var sum float32
	for _, v := range src {
		sum += v * v
	}
	mean := sum / float32(len(src))
	scale := float32(1.0) / float32(math.Sqrt(float64(mean+eps)))
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

// Arange returns [start, start+n) as a [1, n] int64 tensor.
func Arange(start, n int) *Tensor {
	data := make([]int64, n)
	for i := range data {
		data[i] = int64(start + i)
	}
	return &Tensor{DType: DTypeInt64, Shape: []int{1, n}, I64: data}
}

// Ones returns a [1, n] int64 tensor filled with ones.
func Ones(n int) *Tensor {
	data := make([]int64, n)
	for i := range data {
		data[i] = 1
	}
	return &Tensor{DType: DTypeInt64, Shape: []int{1, n}, I64: data}
}

// IDs converts token ids into a [1, n] int64 tensor.
func IDs(ids []int) *Tensor {
	data := make([]int64, len(ids))
	for i, id := range ids {
		data[i] = int64(id)
	}
	return &Tensor{DType: DTypeInt64, Shape: []int{1, len(ids)}, I64: data}
}

// ConcatSeq concatenates two [batch, heads, seq, dim] float32 tensors along
// the sequence axis and returns a new tensor.
func ConcatSeq(a, b *Tensor) (*Tensor, error) {
	if a.DType != DTypeFloat32 || b.DType != DTypeFloat32 {
		return nil, fmt.Errorf("concat: want float32 tensors, got %s and %s", a.DType, b.DType)
	}
	if a.Rank() != 4 || b.Rank() != 4 {
		return nil, fmt.Errorf("concat: want rank 4, got %v and %v", a.Shape, b.Shape)
	}
	if a.Shape[0] != b.Shape[0] || a.Shape[1] != b.Shape[1] || a.Shape[3] != b.Shape[3] {
		return nil, fmt.Errorf("concat: incompatible shapes %v and %v", a.Shape, b.Shape)
	}
	batch, heads, dim := a.Shape[0], a.Shape[1], a.Shape[3]
	sa, sb := a.Shape[2], b.Shape[2]
	out, err := Zeros(DTypeFloat32, batch, heads, sa+sb, dim)
	if err != nil {
		return nil, err
	}
	for bh := 0; bh < batch*heads; bh++ {
		off := bh * (sa + sb) * dim
		copy(out.F32[off:off+sa*dim], a.F32[bh*sa*dim:(bh+1)*sa*dim])
		copy(out.F32[off+sa*dim:off+(sa+sb)*dim], b.F32[bh*sb*dim:(bh+1)*sb*dim])
	}
	return out, nil
}
