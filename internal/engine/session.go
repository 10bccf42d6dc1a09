// Package engine defines the contract between the decode loop and a
// tensor-execution backend.
package engine

import (
	"context"
	"fmt"

	"github.com/samcharles93/epicrisis/internal/model"
	"github.com/samcharles93/epicrisis/internal/tensor"
)

// Session executes one decoder graph. Run is synchronous: it takes every
// named input for one step and returns every named output. A Session must
// not keep per-generation state between Run calls; the KV cache travels
// through the inputs and outputs.
type Session interface {
	InputNames() []string
	OutputNames() []string
	Run(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)
	Close() error
}

// Bind checks that sess exposes every name spec requires. It must be called
// once after a session is opened and before the first step.
func Bind(sess Session, spec model.Spec) error {
	if err := spec.Names.Resolve(sess.InputNames(), sess.OutputNames(), spec.LayerCount); err != nil {
		return fmt.Errorf("bind session: %w", err)
	}
	return nil
}
