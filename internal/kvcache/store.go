// Package kvcache owns the per-layer key/value tensors carried between
// decode steps.
package kvcache

import (
	"errors"
	"fmt"

	"github.com/samcharles93/epicrisis/internal/model"
	"github.com/samcharles93/epicrisis/internal/tensor"
)

var (
	// ErrMissingPresent is returned when an engine output map lacks a
	// present key or value tensor for some layer.
	ErrMissingPresent = errors.New("missing present tensor")
	// ErrBadShape is returned when a present tensor does not have the
	// expected [1, kv_heads, seq_len, head_dim] shape.
	ErrBadShape = errors.New("unexpected present tensor shape")
)

// LayerCache holds one layer's key and value tensors, each shaped
// [1, kv_heads, seq_len, head_dim].
type LayerCache struct {
	Key   *tensor.Tensor
	Value *tensor.Tensor
}

// Store tracks the cache of a single generation. It starts empty and is
// populated after every engine call. A Store must not be shared across
// generations.
type Store struct {
	topo   model.Topology
	layers []LayerCache
	seqLen int
}

// New returns an empty store for topo.
func New(topo model.Topology) *Store {
	return &Store{topo: topo}
}

// Empty reports whether no engine output has been recorded yet.
func (s *Store) Empty() bool {
	return s.layers == nil
}

// SeqLen returns the sequence length shared by every cached tensor.
func (s *Store) SeqLen() int {
	return s.seqLen
}

// Layer returns the cached tensors of layer i. Both are nil while the store
// is empty.
func (s *Store) Layer(i int) LayerCache {
	if s.layers == nil {
		return LayerCache{}
	}
	return s.layers[i]
}

// Reset drops every cached tensor.
func (s *Store) Reset() {
	s.layers = nil
	s.seqLen = 0
}

// Feeds writes every layer's past key/value into inputs. An empty store
// feeds zero-length tensors so the first step sees no history.
func (s *Store) Feeds(names model.IONames, inputs map[string]*tensor.Tensor) error {
	for i := range s.topo.LayerCount {
		if s.layers == nil {
			k, err := tensor.Zeros(tensor.DTypeFloat32, s.topo.KVShape(0)...)
			if err != nil {
				return err
			}
			v, err := tensor.Zeros(tensor.DTypeFloat32, s.topo.KVShape(0)...)
			if err != nil {
				return err
			}
			inputs[names.PastKeyName(i)] = k
			inputs[names.PastValueName(i)] = v
			continue
		}
		inputs[names.PastKeyName(i)] = s.layers[i].Key
		inputs[names.PastValueName(i)] = s.layers[i].Value
	}
	return nil
}

// Update takes each layer's present key/value from outputs as the next
// step's past. The engine returns the full accumulated cache, so tensors
// are transferred as-is. Shapes are checked against the cached length plus
// stepSeqLen. On error the store is left unchanged.
func (s *Store) Update(outputs map[string]*tensor.Tensor, names model.IONames, stepSeqLen int) error {
	want := s.seqLen + stepSeqLen
	next := make([]LayerCache, s.topo.LayerCount)
	for i := range s.topo.LayerCount {
		k, err := s.present(outputs, names.PresentKeyName(i), want)
		if err != nil {
			return err
		}
		v, err := s.present(outputs, names.PresentValueName(i), want)
		if err != nil {
			return err
		}
		next[i] = LayerCache{Key: k, Value: v}
	}
	s.layers = next
	s.seqLen = want
	return nil
}

func (s *Store) present(outputs map[string]*tensor.Tensor, name string, seqLen int) (*tensor.Tensor, error) {
	t, ok := outputs[name]
	if !ok || t == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingPresent, name)
	}
	want := s.topo.KVShape(seqLen)
	if t.DType != tensor.DTypeFloat32 || !t.HasShape(want...) {
		return nil, fmt.Errorf("%w: %s is %s %s, want float32 %s",
			ErrBadShape, name, t.DType, t.ShapeString(), tensor.FormatShape(want))
	}
	if len(t.F32) != seqLen*s.topo.KVHeads*s.topo.HeadDim {
		return nil, fmt.Errorf("%w: %s holds %d values for shape %s", ErrBadShape, name, len(t.F32), t.ShapeString())
	}
	return t, nil
}
