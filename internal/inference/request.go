package inference

import (
	"math/rand"

	"github.com/samcharles93/epicrisis/internal/logits"
	"github.com/samcharles93/epicrisis/internal/model"
)

// Request describes one generation. A Request and everything it points to
// belong to a single Generate call.
type Request struct {
	Prompt PromptSpec
	// PromptTokens, when non-nil, is fed as the first step's input and the
	// prompt builder and tokenizer are skipped.
	PromptTokens []int

	Steps    int
	Sampling logits.SamplerConfig
	// Rand overrides the random source derived from Sampling.Seed.
	Rand *rand.Rand

	Decode bool

	// OnPrompt receives the rendered prompt before it is encoded.
	OnPrompt func(prompt string)
	// OnStep is called after every step.
	OnStep func(StepEvent)
}

// Options holds per-request overrides. Nil fields fall back to model
// defaults and then to the built-in defaults.
type Options struct {
	Steps             *int
	Seed              *int64
	Temperature       *float64
	TopK              *int
	TopP              *float64
	RepetitionPenalty *float64
	SuppressEOS       *bool
	Decode            *bool
}

// Built-in defaults: a single greedy step with every filter disabled.
const (
	DefaultSteps             = 1
	DefaultTemperature       = 0.0
	DefaultTopK              = 0
	DefaultTopP              = 0.0
	DefaultRepetitionPenalty = 1.0
)

// ResolveRequest merges opts over defaults over the built-in defaults. The
// prompt and callbacks are left for the caller.
func ResolveRequest(opts Options, defaults model.GenerationDefaults) Request {
	temperature := DefaultTemperature
	topK := DefaultTopK
	topP := DefaultTopP
	penalty := DefaultRepetitionPenalty
	req := Request{Steps: DefaultSteps}

	if defaults.Temperature != nil && *defaults.Temperature >= 0 {
		temperature = *defaults.Temperature
	}
	if defaults.TopK != nil && *defaults.TopK >= 0 {
		topK = *defaults.TopK
	}
	if defaults.TopP != nil && *defaults.TopP >= 0 && *defaults.TopP <= 1 {
		topP = *defaults.TopP
	}
	if defaults.RepetitionPenalty != nil && *defaults.RepetitionPenalty > 0 {
		penalty = *defaults.RepetitionPenalty
	}

	if opts.Steps != nil {
		req.Steps = *opts.Steps
	}
	if opts.Seed != nil {
		seed := *opts.Seed
		req.Sampling.Seed = &seed
	}
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	if opts.TopK != nil {
		topK = *opts.TopK
	}
	if opts.TopP != nil {
		topP = *opts.TopP
	}
	if opts.RepetitionPenalty != nil {
		penalty = *opts.RepetitionPenalty
	}
	if opts.SuppressEOS != nil {
		req.Sampling.SuppressEOS = *opts.SuppressEOS
	}
	if opts.Decode != nil {
		req.Decode = *opts.Decode
	}

	req.Sampling.Temperature = float32(temperature)
	req.Sampling.TopK = topK
	req.Sampling.TopP = float32(topP)
	req.Sampling.RepetitionPenalty = float32(penalty)
	return req
}
