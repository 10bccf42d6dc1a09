// Package toy implements a tiny attention decoder that speaks the same
// input/output contract as an exported ONNX decoder graph. It is used as
// the reference backend for the CLI and the server, and as a realistic
// engine in tests.
package toy

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/samcharles93/epicrisis/internal/model"
	"github.com/samcharles93/epicrisis/internal/safetensors"
	"github.com/samcharles93/epicrisis/internal/tensor"
)

const (
	normEps   = 1e-6
	ropeTheta = 10000.0
)

type layer struct {
	q, k, v tensor.Mat // [kv_heads*head_dim x hidden]
	o       tensor.Mat // [hidden x kv_heads*head_dim]
}

// Decoder is a stateless decoder session. Every Run call receives the full
// past cache and returns the full present cache, so one Decoder can serve
// concurrent generations.
type Decoder struct {
	spec   model.Spec
	hidden int
	emb    tensor.Mat // [vocab x hidden]
	layers []layer
	head   tensor.Mat // [vocab x hidden]
	norm   []float32

	inputs  []string
	outputs []string
}

// New builds a decoder with deterministic random weights.
func New(spec model.Spec, hidden int, seed int64) (*Decoder, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if hidden <= 0 {
		return nil, fmt.Errorf("toy: hidden size %d must be positive", hidden)
	}
	d := newDecoder(spec, hidden)
	tensor.FillRand(&d.emb, seed+11, 1)
	tensor.FillRand(&d.head, seed+23, 1)
	scale := float32(1 / math.Sqrt(float64(hidden)))
	for i := range d.layers {
		base := seed + 101*int64(i+1)
		tensor.FillRand(&d.layers[i].q, base+1, scale)
		tensor.FillRand(&d.layers[i].k, base+2, scale)
		tensor.FillRand(&d.layers[i].v, base+3, scale)
		tensor.FillRand(&d.layers[i].o, base+4, scale)
	}
	return d, nil
}

func newDecoder(spec model.Spec, hidden int) *Decoder {
	kvDim := spec.KVHeads * spec.HeadDim
	d := &Decoder{
		spec:    spec,
		hidden:  hidden,
		emb:     tensor.NewMat(spec.VocabSize, hidden),
		head:    tensor.NewMat(spec.VocabSize, hidden),
		layers:  make([]layer, spec.LayerCount),
		norm:    make([]float32, hidden),
		inputs:  spec.Names.Inputs(spec.LayerCount),
		outputs: spec.Names.Outputs(spec.LayerCount),
	}
	for i := range d.norm {
		d.norm[i] = 1
	}
	for i := range d.layers {
		d.layers[i] = layer{
			q: tensor.NewMat(kvDim, hidden),
			k: tensor.NewMat(kvDim, hidden),
			v: tensor.NewMat(kvDim, hidden),
			o: tensor.NewMat(hidden, kvDim),
		}
	}
	return d
}

// Spec returns the topology and names the decoder was built for.
func (d *Decoder) Spec() model.Spec { return d.spec }

// Hidden returns the model width.
func (d *Decoder) Hidden() int { return d.hidden }

func (d *Decoder) InputNames() []string  { return d.inputs }
func (d *Decoder) OutputNames() []string { return d.outputs }
func (d *Decoder) Close() error          { return nil }

// Run executes one decode step.
func (d *Decoder) Run(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names := d.spec.Names
	topo := d.spec.Topology

	ids, err := input(inputs, names.InputIDs, tensor.DTypeInt64)
	if err != nil {
		return nil, err
	}
	if ids.Rank() != 2 || ids.Dim(0) != 1 || ids.Dim(1) == 0 {
		return nil, fmt.Errorf("toy: %s has shape %s, want [1 seq]", names.InputIDs, ids.ShapeString())
	}
	seq := ids.Dim(1)
	pos, err := input(inputs, names.PositionIDs, tensor.DTypeInt64)
	if err != nil {
		return nil, err
	}
	if !pos.HasShape(1, seq) {
		return nil, fmt.Errorf("toy: %s has shape %s, want [1 %d]", names.PositionIDs, pos.ShapeString(), seq)
	}
	firstPast, err := input(inputs, names.PastKeyName(0), tensor.DTypeFloat32)
	if err != nil {
		return nil, err
	}
	if firstPast.Rank() != 4 {
		return nil, fmt.Errorf("toy: %s has shape %s, want rank 4", names.PastKeyName(0), firstPast.ShapeString())
	}
	past := firstPast.Dim(2)
	total := past + seq
	mask, err := input(inputs, names.AttentionMask, tensor.DTypeInt64)
	if err != nil {
		return nil, err
	}
	if !mask.HasShape(1, total) {
		return nil, fmt.Errorf("toy: %s has shape %s, want [1 %d]", names.AttentionMask, mask.ShapeString(), total)
	}

	hs := make([][]float32, seq)
	for p := range seq {
		id := ids.I64[p]
		if id < 0 || id >= int64(topo.VocabSize) {
			return nil, fmt.Errorf("toy: token id %d outside vocab of %d", id, topo.VocabSize)
		}
		hs[p] = append([]float32(nil), d.emb.Row(int(id))...)
	}

	out := make(map[string]*tensor.Tensor, len(d.outputs))
	normed := make([]float32, d.hidden)
	kvDim := topo.KVHeads * topo.HeadDim
	hd := topo.HeadDim
	scale := float32(1 / math.Sqrt(float64(hd)))

	for l := range d.layers {
		ly := &d.layers[l]
		pk, err := pastInput(inputs, names.PastKeyName(l), topo.KVShape(past))
		if err != nil {
			return nil, err
		}
		pv, err := pastInput(inputs, names.PastValueName(l), topo.KVShape(past))
		if err != nil {
			return nil, err
		}
		newK, err := tensor.Zeros(tensor.DTypeFloat32, topo.KVShape(seq)...)
		if err != nil {
			return nil, err
		}
		newV, err := tensor.Zeros(tensor.DTypeFloat32, topo.KVShape(seq)...)
		if err != nil {
			return nil, err
		}

		qs := make([][]float32, seq)
		k := make([]float32, kvDim)
		v := make([]float32, kvDim)
		for p := range seq {
			tensor.RMSNorm(normed, hs[p], d.norm, normEps)
			q := make([]float32, kvDim)
			tensor.MatVec(q, &ly.q, normed)
			tensor.MatVec(k, &ly.k, normed)
			tensor.MatVec(v, &ly.v, normed)
			rope(q, pos.I64[p], topo.KVHeads, hd)
			rope(k, pos.I64[p], topo.KVHeads, hd)
			for h := range topo.KVHeads {
				off := (h*seq + p) * hd
				copy(newK.F32[off:off+hd], k[h*hd:(h+1)*hd])
				copy(newV.F32[off:off+hd], v[h*hd:(h+1)*hd])
			}
			qs[p] = q
		}

		presK, err := tensor.ConcatSeq(pk, newK)
		if err != nil {
			return nil, err
		}
		presV, err := tensor.ConcatSeq(pv, newV)
		if err != nil {
			return nil, err
		}

		attn := make([]float32, kvDim)
		delta := make([]float32, d.hidden)
		scores := make([]float32, total)
		for p := range seq {
			clear(attn)
			limit := past + p + 1
			for h := range topo.KVHeads {
				q := qs[p][h*hd : (h+1)*hd]
				sc := scores[:limit]
				for j := range limit {
					if mask.I64[j] == 0 {
						sc[j] = -1e9
						continue
					}
					off := (h*total + j) * hd
					sc[j] = tensor.Dot(q, presK.F32[off:off+hd]) * scale
				}
				tensor.Softmax(sc)
				dst := attn[h*hd : (h+1)*hd]
				for j := range limit {
					off := (h*total + j) * hd
					for i, x := range presV.F32[off : off+hd] {
						dst[i] += sc[j] * x
					}
				}
			}
			tensor.MatVec(delta, &ly.o, attn)
			for i := range hs[p] {
				hs[p][i] += delta[i]
			}
		}

		out[names.PresentKeyName(l)] = presK
		out[names.PresentValueName(l)] = presV
	}

	logits, err := tensor.Zeros(tensor.DTypeFloat32, 1, seq, topo.VocabSize)
	if err != nil {
		return nil, err
	}
	for p := range seq {
		tensor.RMSNorm(normed, hs[p], d.norm, normEps)
		tensor.MatVec(logits.F32[p*topo.VocabSize:(p+1)*topo.VocabSize], &d.head, normed)
	}
	out[names.Logits] = logits
	return out, nil
}

// rope rotates each head of x by its position, pairing dimension i with
// i+headDim/2.
func rope(x []float32, pos int64, heads, headDim int) {
	half := headDim / 2
	for h := range heads {
		base := h * headDim
		for i := range half {
			freq := math.Pow(ropeTheta, -2*float64(i)/float64(headDim))
			sin, cos := math.Sincos(float64(pos) * freq)
			a, b := float64(x[base+i]), float64(x[base+i+half])
			x[base+i] = float32(a*cos - b*sin)
			x[base+i+half] = float32(a*sin + b*cos)
		}
	}
}

func input(inputs map[string]*tensor.Tensor, name string, dtype tensor.DType) (*tensor.Tensor, error) {
	t, ok := inputs[name]
	if !ok || t == nil {
		return nil, fmt.Errorf("toy: missing input %s", name)
	}
	if t.DType != dtype {
		return nil, fmt.Errorf("toy: input %s is %s, want %s", name, t.DType, dtype)
	}
	return t, nil
}

func pastInput(inputs map[string]*tensor.Tensor, name string, shape []int) (*tensor.Tensor, error) {
	t, err := input(inputs, name, tensor.DTypeFloat32)
	if err != nil {
		return nil, err
	}
	if !t.HasShape(shape...) {
		return nil, fmt.Errorf("toy: %s has shape %s, want %s", name, t.ShapeString(), tensor.FormatShape(shape))
	}
	return t, nil
}

// Weight names used in safetensors files.
const (
	embedName = "embed_tokens.weight"
	headName  = "lm_head.weight"
)

func layerWeight(i int, proj string) string {
	return "layers." + strconv.Itoa(i) + "." + proj + "_proj.weight"
}

// Save writes the decoder weights to a safetensors file.
func (d *Decoder) Save(path string) error {
	ts := map[string]safetensors.Tensor{
		embedName: matTensor(d.emb),
		headName:  matTensor(d.head),
	}
	for i, ly := range d.layers {
		ts[layerWeight(i, "q")] = matTensor(ly.q)
		ts[layerWeight(i, "k")] = matTensor(ly.k)
		ts[layerWeight(i, "v")] = matTensor(ly.v)
		ts[layerWeight(i, "o")] = matTensor(ly.o)
	}
	return safetensors.Write(path, ts, map[string]string{"format": "epicrisis-toy"})
}

func matTensor(m tensor.Mat) safetensors.Tensor {
	return safetensors.Tensor{Shape: []int{m.R, m.C}, Data: m.Data}
}

// Load reads decoder weights written by Save. The hidden size is taken from
// the embedding matrix; every other shape must agree with spec.
func Load(path string, spec model.Spec) (*Decoder, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info, ok := f.Tensor(embedName)
	if !ok || len(info.Shape) != 2 {
		return nil, fmt.Errorf("toy: %s: missing or malformed %s", path, embedName)
	}
	d := newDecoder(spec, info.Shape[1])
	if err := readMat(f, embedName, &d.emb); err != nil {
		return nil, err
	}
	if err := readMat(f, headName, &d.head); err != nil {
		return nil, err
	}
	for i := range d.layers {
		ly := &d.layers[i]
		for proj, m := range map[string]*tensor.Mat{"q": &ly.q, "k": &ly.k, "v": &ly.v, "o": &ly.o} {
			if err := readMat(f, layerWeight(i, proj), m); err != nil {
				return nil, err
			}
		}
	}
	return d, nil
}

func readMat(f *safetensors.File, name string, dst *tensor.Mat) error {
	data, info, err := f.ReadTensorF32(name)
	if err != nil {
		return fmt.Errorf("toy: %w", err)
	}
	if len(info.Shape) != 2 || info.Shape[0] != dst.R || info.Shape[1] != dst.C {
		return fmt.Errorf("toy: %s has shape %v, want [%d %d]", name, info.Shape, dst.R, dst.C)
	}
	copy(dst.Data, data)
	return nil
}
