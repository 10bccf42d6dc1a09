package tensor

import (
	"math/rand"
)

// Mat represents a dense row‑major matrix of float32 values.
//
// R and C are the number of rows and columns. Data holds the flattened
// values; out‑of‑range indices panic.
type Mat struct {
	R, C int
	Data []float32
}

// NewMat allocates a zero initialised matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{R: r, C: c, Data: make([]float32, r*c)}
}

// NewMatFromData creates a matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{R: r, C: c, Data: data}
}

// Row returns a view of the i‑th row.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.C
	return m.Data[start : start+m.C]
}

// FillRand fills m with deterministic values in (-scale, scale) derived
// from seed.
func FillRand(m *Mat, seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32()*2 - 1) * scale
	}
}

// MatVec computes dst = w * x where w is [R x C] and x has length C.
func MatVec(dst []float32, w *Mat, x []float32) {
	if len(dst) < w.R || len(x) < w.C {
		panic("matvec shape mismatch")
	}
	for r := 0; r < w.R; r++ {
		dst[r] = Dot(w.Row(r), x[:w.C])
	}
}
