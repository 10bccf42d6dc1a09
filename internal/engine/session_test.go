package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/samcharles93/epicrisis/internal/model"
	"github.com/samcharles93/epicrisis/internal/tensor"
)

type namesOnly struct {
	in, out []string
}

func (n namesOnly) InputNames() []string  { return n.in }
func (n namesOnly) OutputNames() []string { return n.out }
func (namesOnly) Close() error            { return nil }
func (namesOnly) Run(context.Context, map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	return nil, nil
}

func TestBind(t *testing.T) {
	t.Parallel()

	spec := model.Spec{
		Topology: model.Topology{LayerCount: 2, KVHeads: 1, HeadDim: 2, VocabSize: 4, EOSTokenID: -1},
		Names:    model.DefaultIONames(),
	}
	ok := namesOnly{in: spec.Names.Inputs(2), out: spec.Names.Outputs(2)}
	if err := Bind(ok, spec); err != nil {
		t.Fatalf("bind: %v", err)
	}

	missing := namesOnly{in: spec.Names.Inputs(2), out: spec.Names.Outputs(1)}
	if err := Bind(missing, spec); !errors.Is(err, model.ErrUnresolvedName) {
		t.Fatalf("expected ErrUnresolvedName, got %v", err)
	}
}
