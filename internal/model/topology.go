package model

import (
	"errors"
	"fmt"
)

// ErrInvalidTopology is returned when a topology descriptor is missing or
// inconsistent.
var ErrInvalidTopology = errors.New("invalid model topology")

// Topology describes the layer/head layout the decode loop needs to drive
// the KV cache. It is always supplied per model, never inferred from the
// graph at runtime.
type Topology struct {
	LayerCount int `yaml:"layer_count" json:"layer_count"`
	KVHeads    int `yaml:"kv_heads" json:"kv_heads"`
	HeadDim    int `yaml:"head_dim" json:"head_dim"`
	VocabSize  int `yaml:"vocab_size" json:"vocab_size"`
	// EOSTokenID is -1 when the model has no end-of-sequence token.
	EOSTokenID int `yaml:"eos_token_id" json:"eos_token_id"`
}

// Validate checks that every dimension is usable.
func (t Topology) Validate() error {
	if t.LayerCount <= 0 {
		return fmt.Errorf("%w: layer_count %d (must be positive)", ErrInvalidTopology, t.LayerCount)
	}
	if t.KVHeads <= 0 {
		return fmt.Errorf("%w: kv_heads %d (must be positive)", ErrInvalidTopology, t.KVHeads)
	}
	if t.HeadDim <= 0 {
		return fmt.Errorf("%w: head_dim %d (must be positive)", ErrInvalidTopology, t.HeadDim)
	}
	if t.VocabSize <= 0 {
		return fmt.Errorf("%w: vocab_size %d (must be positive)", ErrInvalidTopology, t.VocabSize)
	}
	if t.EOSTokenID < -1 || t.EOSTokenID >= t.VocabSize {
		return fmt.Errorf("%w: eos_token_id %d outside vocab of %d", ErrInvalidTopology, t.EOSTokenID, t.VocabSize)
	}
	return nil
}

// HasEOS reports whether an end-of-sequence token is known.
func (t Topology) HasEOS() bool {
	return t.EOSTokenID >= 0
}

// KVShape returns the cache tensor shape for a sequence of seqLen tokens.
func (t Topology) KVShape(seqLen int) []int {
	return []int{1, t.KVHeads, seqLen, t.HeadDim}
}

// Spec bundles a topology with the output-name contract of the exported
// graph. It is the on-disk format of topology.yaml / topology.json.
type Spec struct {
	Topology `yaml:",inline"`
	Names    IONames `yaml:"io_names" json:"io_names"`
}

// Validate validates the topology and fills unset names with defaults.
func (s *Spec) Validate() error {
	if err := s.Topology.Validate(); err != nil {
		return err
	}
	s.Names = s.Names.WithDefaults()
	return s.Names.Validate()
}
