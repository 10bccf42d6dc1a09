// Package inference drives single-sequence autoregressive decoding: prompt
// construction, the step loop over an engine session, sampling and KV
// cache bookkeeping.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/samcharles93/epicrisis/internal/engine"
	"github.com/samcharles93/epicrisis/internal/kvcache"
	"github.com/samcharles93/epicrisis/internal/logger"
	"github.com/samcharles93/epicrisis/internal/logits"
	"github.com/samcharles93/epicrisis/internal/metrics"
	"github.com/samcharles93/epicrisis/internal/model"
	"github.com/samcharles93/epicrisis/internal/tensor"
	"github.com/samcharles93/epicrisis/internal/tokenizer"
)

// Stop reasons reported in Result.
const (
	StopLength = "length"
	StopEOS    = "eos"
)

// StepEvent describes one finished step. PastSeqLen and SeqLen are the
// values the step was run with.
type StepEvent struct {
	Step        int
	Token       int
	PastSeqLen  int
	SeqLen      int
	LogitsShape []int
}

type Stats struct {
	Steps        int
	PromptTokens int
	Duration     time.Duration
	TPS          float64
}

type Result struct {
	Prompt     string
	Tokens     []int
	Text       string
	StopReason string
	Stats      Stats
}

// Generator runs generations against one engine session. It holds no
// per-generation state, so one Generator may serve concurrent Generate
// calls when its Session allows concurrent Run calls.
type Generator struct {
	session   engine.Session
	spec      model.Spec
	tokenizer tokenizer.Tokenizer
	builder   PromptBuilder
	log       logger.Logger
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithLogger sets the logger. Without it the logger is taken from the
// context of each Generate call.
func WithLogger(l logger.Logger) GeneratorOption {
	return func(g *Generator) { g.log = l }
}

// NewGenerator binds session to spec. tok may be nil when every request
// supplies PromptTokens and does not ask for decoding.
func NewGenerator(session engine.Session, spec model.Spec, tok tokenizer.Tokenizer, opts ...GeneratorOption) (*Generator, error) {
	if session == nil {
		return nil, newConfigurationError("new generator", errors.New("session is required"))
	}
	if err := spec.Validate(); err != nil {
		return nil, newConfigurationError("topology", err)
	}
	if err := engine.Bind(session, spec); err != nil {
		return nil, newConfigurationError("io names", err)
	}
	if tok != nil && spec.HasEOS() && tok.EOSTokenID() >= 0 && tok.EOSTokenID() != spec.EOSTokenID {
		return nil, newConfigurationError("eos", fmt.Errorf("tokenizer eos %d does not match topology eos %d", tok.EOSTokenID(), spec.EOSTokenID))
	}
	g := &Generator{session: session, spec: spec, tokenizer: tok}
	if ct, ok := tok.(tokenizer.ChatTemplater); ok {
		g.builder.Templater = ct
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Spec returns the bound topology and names.
func (g *Generator) Spec() model.Spec { return g.spec }

// Tokenizer returns the tokenizer, which may be nil.
func (g *Generator) Tokenizer() tokenizer.Tokenizer { return g.tokenizer }

// Generate runs one generation to completion. Errors before the first
// step wrap ErrConfiguration, ErrTokenization or ErrEmptyMessages. Errors
// during stepping are *StepError values wrapping ErrEngineOutput or the
// context error.
func (g *Generator) Generate(ctx context.Context, req *Request) (*Result, error) {
	log := g.log
	if log == nil {
		log = logger.FromContext(ctx)
	}
	res, err := g.generate(ctx, req, log)
	metrics.GenerationsTotal.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		log.Debug("generation failed", "error", err)
		return nil, err
	}
	log.Info("generation complete",
		"steps", res.Stats.Steps,
		"prompt_tokens", res.Stats.PromptTokens,
		"stop", res.StopReason,
		"duration", res.Stats.Duration,
		"tps", fmt.Sprintf("%.2f", res.Stats.TPS),
	)
	return res, nil
}

func (g *Generator) generate(ctx context.Context, req *Request, log logger.Logger) (*Result, error) {
	if req == nil {
		return nil, newConfigurationError("generate", errors.New("request is required"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Steps < 0 {
		return nil, newConfigurationError("generate", fmt.Errorf("steps %d must not be negative", req.Steps))
	}
	if req.Decode && g.tokenizer == nil {
		return nil, newConfigurationError("decode", errors.New("decoding requires a tokenizer"))
	}

	res := &Result{}
	ids, err := g.promptTokens(req, res, log)
	if err != nil {
		return nil, err
	}
	metrics.PromptTokens.Observe(float64(len(ids)))

	cfg := req.Sampling
	cfg.EOSTokenID = g.spec.EOSTokenID
	sampler := logits.NewSampler(cfg, req.Rand)

	topo := g.spec.Topology
	names := g.spec.Names
	cache := kvcache.New(topo)
	generated := make([]int, 0, req.Steps)
	past := 0
	input := ids
	res.StopReason = StopLength
	start := time.Now()
	debug := log.Enabled(slog.LevelDebug)

	for step := 1; step <= req.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, &StepError{Step: step, Tokens: slices.Clone(generated), Err: err}
		}
		seq := len(input)
		feeds := make(map[string]*tensor.Tensor, 3+2*topo.LayerCount)
		feeds[names.InputIDs] = tensor.IDs(input)
		feeds[names.AttentionMask] = tensor.Ones(past + seq)
		feeds[names.PositionIDs] = tensor.Arange(past, seq)
		if err := cache.Feeds(names, feeds); err != nil {
			return nil, &StepError{Step: step, Tokens: slices.Clone(generated), Err: err}
		}

		stepStart := time.Now()
		outputs, err := safeRun(ctx, g.session, feeds)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return nil, &StepError{Step: step, Tokens: slices.Clone(generated), Err: err}
			}
			return nil, &StepError{Step: step, Tokens: slices.Clone(generated), Err: &EngineOutputError{Err: err}}
		}

		row, shape, err := g.lastLogits(outputs, seq)
		if err != nil {
			return nil, &StepError{Step: step, Tokens: slices.Clone(generated), Err: err}
		}
		token := sampler.Sample(row, generated)

		if err := cache.Update(outputs, names, seq); err != nil {
			return nil, &StepError{Step: step, Tokens: slices.Clone(generated), Err: &EngineOutputError{Err: err}}
		}
		generated = append(generated, token)
		metrics.StepDuration.Observe(time.Since(stepStart).Seconds())
		metrics.TokensGenerated.Inc()

		if debug {
			log.Debug("step", "step", step, "token", token, "past_seq_len", past, "seq_len", seq, "cache_seq_len", cache.SeqLen())
		}
		if req.OnStep != nil {
			req.OnStep(StepEvent{Step: step, Token: token, PastSeqLen: past, SeqLen: seq, LogitsShape: shape})
		}

		past += seq
		input = []int{token}

		if topo.HasEOS() && token == topo.EOSTokenID && !cfg.SuppressEOS {
			res.StopReason = StopEOS
			break
		}
	}
	metrics.CacheSeqLen.Observe(float64(cache.SeqLen()))

	res.Tokens = generated
	res.Stats = Stats{
		Steps:        len(generated),
		PromptTokens: len(ids),
		Duration:     time.Since(start),
	}
	if secs := res.Stats.Duration.Seconds(); secs > 0 {
		res.Stats.TPS = float64(len(generated)) / secs
	}

	if req.Decode {
		text, err := g.tokenizer.Decode(generated, true)
		if err != nil {
			return nil, &TokenizationError{Err: fmt.Errorf("decode: %w", err)}
		}
		res.Text = text
	}
	return res, nil
}

// promptTokens produces the first step's input, from req.PromptTokens or
// by building and encoding the prompt.
func (g *Generator) promptTokens(req *Request, res *Result, log logger.Logger) ([]int, error) {
	var ids []int
	if req.PromptTokens != nil {
		ids = slices.Clone(req.PromptTokens)
		if len(ids) == 0 {
			return nil, &TokenizationError{}
		}
	} else {
		if g.tokenizer == nil {
			return nil, newConfigurationError("encode", errors.New("a tokenizer is required to encode a prompt"))
		}
		builder := g.builder
		builder.Logger = log
		prompt, err := builder.Build(req.Prompt)
		if err != nil {
			return nil, err
		}
		res.Prompt = prompt
		if req.OnPrompt != nil {
			req.OnPrompt(prompt)
		}
		ids, err = safeEncode(g.tokenizer, prompt)
		if err != nil {
			return nil, &TokenizationError{Prompt: prompt, Err: err}
		}
		if len(ids) == 0 {
			return nil, &TokenizationError{Prompt: prompt}
		}
	}
	for _, id := range ids {
		if id < 0 || id >= g.spec.VocabSize {
			return nil, &TokenizationError{Prompt: res.Prompt, Err: fmt.Errorf("token id %d outside vocab of %d", id, g.spec.VocabSize)}
		}
	}
	return ids, nil
}

var errMissingOutput = errors.New("missing from engine outputs")

// lastLogits returns the logits row of the last input position.
func (g *Generator) lastLogits(outputs map[string]*tensor.Tensor, seq int) ([]float32, []int, error) {
	name := g.spec.Names.Logits
	t, ok := outputs[name]
	if !ok || t == nil {
		return nil, nil, &EngineOutputError{Name: name, Err: errMissingOutput}
	}
	if t.DType != tensor.DTypeFloat32 || t.Rank() < 2 || t.Dim(-1) != g.spec.VocabSize || t.Dim(-2) != seq {
		return nil, nil, &EngineOutputError{Name: name, Err: fmt.Errorf("got %s %s, want float32 [1 %d %d]", t.DType, t.ShapeString(), seq, g.spec.VocabSize)}
	}
	row, err := t.LastRow()
	if err != nil {
		return nil, nil, &EngineOutputError{Name: name, Err: err}
	}
	return row, slices.Clone(t.Shape), nil
}

// safeRun converts a panicking session into an error.
func safeRun(ctx context.Context, s engine.Session, feeds map[string]*tensor.Tensor) (out map[string]*tensor.Tensor, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Run: %v", rec)
		}
	}()
	return s.Run(ctx, feeds)
}

func safeEncode(tok tokenizer.Tokenizer, prompt string) (ids []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Encode: %v", rec)
		}
	}()
	return tok.Encode(prompt, false)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCanceled
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrEmptyMessages):
		return metrics.OutcomeConfiguration
	case errors.Is(err, ErrTokenization):
		return metrics.OutcomeTokenization
	case errors.Is(err, ErrEngineOutput):
		return metrics.OutcomeEngineOutput
	default:
		return metrics.OutcomeError
	}
}
