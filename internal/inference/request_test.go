package inference

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/epicrisis/internal/logits"
	"github.com/samcharles93/epicrisis/internal/model"
)

func ptr[T any](v T) *T { return &v }

func TestResolveRequestBuiltinDefaults(t *testing.T) {
	t.Parallel()

	req := ResolveRequest(Options{}, model.GenerationDefaults{})
	want := logits.SamplerConfig{RepetitionPenalty: 1}
	if diff := cmp.Diff(want, req.Sampling); diff != "" {
		t.Fatalf("sampling (-want +got):\n%s", diff)
	}
	if req.Steps != DefaultSteps || req.Decode {
		t.Fatalf("steps=%d decode=%v", req.Steps, req.Decode)
	}
}

func TestResolveRequestPrecedence(t *testing.T) {
	t.Parallel()

	defaults := model.GenerationDefaults{
		Temperature:       ptr(0.7),
		TopK:              ptr(20),
		TopP:              ptr(0.8),
		RepetitionPenalty: ptr(1.05),
	}
	opts := Options{
		Steps:       ptr(12),
		Seed:        ptr(int64(7)),
		Temperature: ptr(0.0),
		TopP:        ptr(0.95),
		SuppressEOS: ptr(true),
		Decode:      ptr(true),
	}
	req := ResolveRequest(opts, defaults)

	want := logits.SamplerConfig{
		Temperature:       0,
		TopK:              20,
		TopP:              0.95,
		RepetitionPenalty: 1.05,
		SuppressEOS:       true,
		Seed:              ptr(int64(7)),
	}
	if diff := cmp.Diff(want, req.Sampling); diff != "" {
		t.Fatalf("sampling (-want +got):\n%s", diff)
	}
	if req.Steps != 12 || !req.Decode {
		t.Fatalf("steps=%d decode=%v", req.Steps, req.Decode)
	}
}

func TestResolveRequestIgnoresInvalidModelDefaults(t *testing.T) {
	t.Parallel()

	defaults := model.GenerationDefaults{
		Temperature:       ptr(-1.0),
		TopP:              ptr(1.5),
		RepetitionPenalty: ptr(0.0),
	}
	req := ResolveRequest(Options{}, defaults)
	if req.Sampling.Temperature != 0 || req.Sampling.TopP != 0 || req.Sampling.RepetitionPenalty != 1 {
		t.Fatalf("invalid defaults leaked: %+v", req.Sampling)
	}
}
