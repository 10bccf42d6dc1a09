package toy

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/samcharles93/epicrisis/internal/engine"
	"github.com/samcharles93/epicrisis/internal/model"
	"github.com/samcharles93/epicrisis/internal/tensor"
)

func testSpec() model.Spec {
	return model.Spec{
		Topology: model.Topology{LayerCount: 2, KVHeads: 2, HeadDim: 4, VocabSize: 16, EOSTokenID: 15},
		Names:    model.DefaultIONames(),
	}
}

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	d, err := New(testSpec(), 8, 3)
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}
	return d
}

// feeds assembles one step of inputs. past maps layer -> {key, value}; nil
// means an empty cache.
func feeds(t *testing.T, spec model.Spec, ids []int, pastLen int, past map[string]*tensor.Tensor) map[string]*tensor.Tensor {
	t.Helper()
	in := map[string]*tensor.Tensor{
		spec.Names.InputIDs:      tensor.IDs(ids),
		spec.Names.AttentionMask: tensor.Ones(pastLen + len(ids)),
		spec.Names.PositionIDs:   tensor.Arange(pastLen, len(ids)),
	}
	for l := range spec.LayerCount {
		if past == nil {
			k, _ := tensor.Zeros(tensor.DTypeFloat32, spec.KVShape(0)...)
			v, _ := tensor.Zeros(tensor.DTypeFloat32, spec.KVShape(0)...)
			in[spec.Names.PastKeyName(l)] = k
			in[spec.Names.PastValueName(l)] = v
			continue
		}
		in[spec.Names.PastKeyName(l)] = past[spec.Names.PresentKeyName(l)]
		in[spec.Names.PastValueName(l)] = past[spec.Names.PresentValueName(l)]
	}
	return in
}

func TestRunShapes(t *testing.T) {
	t.Parallel()

	d := newTestDecoder(t)
	spec := d.Spec()
	out, err := d.Run(context.Background(), feeds(t, spec, []int{1, 2, 3}, 0, nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if lg := out[spec.Names.Logits]; lg == nil || !lg.HasShape(1, 3, 16) {
		t.Fatalf("logits: %+v", lg)
	}
	for l := range spec.LayerCount {
		for _, name := range []string{spec.Names.PresentKeyName(l), spec.Names.PresentValueName(l)} {
			if p := out[name]; p == nil || !p.HasShape(1, 2, 3, 4) {
				t.Fatalf("%s: %+v", name, p)
			}
		}
	}
	if err := engine.Bind(d, spec); err != nil {
		t.Fatalf("decoder should satisfy its own name contract: %v", err)
	}
}

// TestIncrementalMatchesFullPass checks that decoding with a KV cache gives
// the same last-position logits as a single pass over the whole sequence.
func TestIncrementalMatchesFullPass(t *testing.T) {
	t.Parallel()

	d := newTestDecoder(t)
	spec := d.Spec()
	ctx := context.Background()

	full, err := d.Run(ctx, feeds(t, spec, []int{4, 7, 1, 9, 2}, 0, nil))
	if err != nil {
		t.Fatal(err)
	}
	want, _ := full[spec.Names.Logits].LastRow()

	out, err := d.Run(ctx, feeds(t, spec, []int{4, 7, 1}, 0, nil))
	if err != nil {
		t.Fatal(err)
	}
	out, err = d.Run(ctx, feeds(t, spec, []int{9}, 3, out))
	if err != nil {
		t.Fatal(err)
	}
	out, err = d.Run(ctx, feeds(t, spec, []int{2}, 4, out))
	if err != nil {
		t.Fatal(err)
	}
	if p := out[spec.Names.PresentKeyName(1)]; !p.HasShape(1, 2, 5, 4) {
		t.Fatalf("present after three steps: %s", p.ShapeString())
	}
	got, _ := out[spec.Names.Logits].LastRow()
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-4 {
			t.Fatalf("logit %d: incremental %f, full %f", i, got[i], want[i])
		}
	}
}

func TestRunRejectsBadInputs(t *testing.T) {
	t.Parallel()

	d := newTestDecoder(t)
	spec := d.Spec()
	ctx := context.Background()

	in := feeds(t, spec, []int{1, 2}, 0, nil)
	delete(in, spec.Names.PastValueName(1))
	if _, err := d.Run(ctx, in); err == nil {
		t.Fatal("expected missing input error")
	}

	in = feeds(t, spec, []int{1, 2}, 0, nil)
	in[spec.Names.AttentionMask] = tensor.Ones(5)
	if _, err := d.Run(ctx, in); err == nil {
		t.Fatal("expected attention mask shape error")
	}

	in = feeds(t, spec, []int{99}, 0, nil)
	if _, err := d.Run(ctx, in); err == nil {
		t.Fatal("expected out of vocab error")
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := d.Run(cctx, feeds(t, spec, []int{1}, 0, nil)); err == nil {
		t.Fatal("expected context error")
	}
}

func TestSaveLoad(t *testing.T) {
	t.Parallel()

	d := newTestDecoder(t)
	path := filepath.Join(t.TempDir(), "toy.safetensors")
	if err := d.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path, testSpec())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Hidden() != d.Hidden() {
		t.Fatalf("hidden %d, want %d", loaded.Hidden(), d.Hidden())
	}

	spec := d.Spec()
	ctx := context.Background()
	a, err := d.Run(ctx, feeds(t, spec, []int{3, 5}, 0, nil))
	if err != nil {
		t.Fatal(err)
	}
	b, err := loaded.Run(ctx, feeds(t, spec, []int{3, 5}, 0, nil))
	if err != nil {
		t.Fatal(err)
	}
	la, lb := a[spec.Names.Logits].F32, b[spec.Names.Logits].F32
	for i := range la {
		if la[i] != lb[i] {
			t.Fatalf("logit %d differs after reload: %f vs %f", i, la[i], lb[i])
		}
	}

	bad := testSpec()
	bad.LayerCount = 3
	if _, err := Load(path, bad); err == nil {
		t.Fatal("expected missing layer weights error")
	}
}
