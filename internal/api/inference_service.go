package api

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/samcharles93/epicrisis/internal/inference"
	"github.com/samcharles93/epicrisis/internal/model"
)

// DefaultMaxSteps caps the step budget a request may ask for.
const DefaultMaxSteps = 4096

// InferenceService validates generate requests and runs them through a
// GeneratorProvider.
type InferenceService struct {
	provider GeneratorProvider
	clock    func() time.Time

	maxSteps         int
	useModelDefaults bool
}

func NewInferenceService(provider GeneratorProvider) *InferenceService {
	return &InferenceService{
		provider: provider,
		clock:    time.Now,
		maxSteps: DefaultMaxSteps,
	}
}

// SetMaxSteps bounds the step budget. Non-positive values are ignored.
func (s *InferenceService) SetMaxSteps(n int) {
	if n > 0 {
		s.maxSteps = n
	}
}

// UseModelDefaults makes generation_config.json sampling defaults apply to
// fields a request leaves unset.
func (s *InferenceService) UseModelDefaults(v bool) {
	s.useModelDefaults = v
}

func (s *InferenceService) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	prompt, err := promptSpec(req)
	if err != nil {
		return nil, err
	}

	resp := &GenerateResponse{
		ID:      newGenerationID(),
		Object:  "generation",
		Created: s.clock().Unix(),
		Model:   req.Model,
	}
	err = s.provider.WithGenerator(ctx, req.Model, func(g *inference.Generator, defaults model.GenerationDefaults) error {
		if !s.useModelDefaults {
			defaults = model.GenerationDefaults{}
		}
		ireq := inference.ResolveRequest(options(req), defaults)
		ireq.Prompt = prompt
		if req.PromptTokens != nil {
			ireq.PromptTokens = req.PromptTokens
		}
		result, genErr := g.Generate(ctx, &ireq)
		if genErr != nil {
			return genErr
		}
		resp.Tokens = result.Tokens
		resp.Text = result.Text
		resp.Steps = result.Stats.Steps
		resp.StopReason = result.StopReason
		resp.Usage = Usage{
			PromptTokens:     result.Stats.PromptTokens,
			CompletionTokens: len(result.Tokens),
			TotalTokens:      result.Stats.PromptTokens + len(result.Tokens),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if resp.Tokens == nil {
		resp.Tokens = []int{}
	}
	return resp, nil
}

func (s *InferenceService) validate(req *GenerateRequest) error {
	if req.Steps != nil && (*req.Steps < 0 || *req.Steps > s.maxSteps) {
		return newInvalidRequest(fmt.Sprintf("steps must be between 0 and %d", s.maxSteps))
	}
	if req.Temperature != nil && (*req.Temperature < 0 || math.IsNaN(*req.Temperature)) {
		return newInvalidRequest("temperature must not be negative")
	}
	if req.TopK != nil && *req.TopK < 0 {
		return newInvalidRequest("top_k must not be negative")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1 || math.IsNaN(*req.TopP)) {
		return newInvalidRequest("top_p must be between 0 and 1")
	}
	if req.RepetitionPenalty != nil && (*req.RepetitionPenalty <= 0 || math.IsNaN(*req.RepetitionPenalty)) {
		return newInvalidRequest("repetition_penalty must be positive")
	}
	if req.Prompt != nil && (req.System != "" || req.User != "") {
		return newInvalidRequest("prompt and system/user are mutually exclusive")
	}
	if req.PromptTokens != nil && len(req.PromptTokens) == 0 {
		return newInvalidRequest("prompt_tokens must not be empty")
	}
	return nil
}

func promptSpec(req *GenerateRequest) (inference.PromptSpec, error) {
	if req.Prompt != nil {
		return inference.PromptSpec{Mode: inference.ModeRaw, Text: *req.Prompt}, nil
	}
	if req.PromptTokens != nil {
		return inference.PromptSpec{}, nil
	}
	mode := inference.ModeChatTemplate
	if req.Template != "" {
		m, err := inference.ParseMode(req.Template)
		if err != nil {
			return inference.PromptSpec{}, newInvalidRequest(err.Error())
		}
		mode = m
	}
	if req.ChatTemplate != "" && mode == inference.ModeChatTemplate {
		mode = inference.ModeCustom
	}
	if mode == inference.ModeCustom && req.ChatTemplate == "" {
		return inference.PromptSpec{}, newInvalidRequest("custom template requires chat_template")
	}
	return inference.PromptSpec{
		Mode:     mode,
		System:   req.System,
		User:     req.User,
		Template: req.ChatTemplate,
	}, nil
}

func options(req *GenerateRequest) inference.Options {
	return inference.Options{
		Steps:             req.Steps,
		Seed:              req.Seed,
		Temperature:       req.Temperature,
		TopK:              req.TopK,
		TopP:              req.TopP,
		RepetitionPenalty: req.RepetitionPenalty,
		SuppressEOS:       req.SuppressEOS,
		Decode:            req.Decode,
	}
}
