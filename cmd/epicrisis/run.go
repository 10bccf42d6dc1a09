package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/epicrisis/internal/inference"
	"github.com/samcharles93/epicrisis/internal/logger"
	"github.com/samcharles93/epicrisis/internal/model"
	"github.com/samcharles93/epicrisis/internal/tensor"
)

// promptFlags select the first step's input.
type promptFlags struct {
	prompt       string
	system       string
	user         string
	template     string
	chatTemplate string
	seqLen       int64
}

func (f *promptFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "plain text prompt",
			Destination: &f.prompt,
		},
		&cli.StringFlag{
			Name:        "system",
			Aliases:     []string{"sys"},
			Usage:       "system message",
			Destination: &f.system,
		},
		&cli.StringFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "user message",
			Destination: &f.user,
		},
		&cli.StringFlag{
			Name:        "template",
			Usage:       "prompt mode for system/user (chat-template, qwen-literal, custom)",
			Destination: &f.template,
		},
		&cli.StringFlag{
			Name:        "chat-template",
			Usage:       "custom template text or file; {{system}} and {{user}} are substituted",
			Destination: &f.chatTemplate,
		},
		&cli.Int64Flag{
			Name:        "seq-len",
			Usage:       "length of the synthetic prompt used when no prompt text is given",
			Value:       1,
			Destination: &f.seqLen,
		},
	}
}

// synthetic reports whether no prompt text was given, in which case the
// first step is fed seq-len copies of token 1.
func (f *promptFlags) synthetic() bool {
	return f.prompt == "" && f.system == "" && f.user == ""
}

func (f *promptFlags) spec() (inference.PromptSpec, error) {
	if f.prompt != "" {
		if f.system != "" || f.user != "" {
			return inference.PromptSpec{}, errors.New("--prompt and --system/--user are mutually exclusive")
		}
		return inference.PromptSpec{Mode: inference.ModeRaw, Text: f.prompt}, nil
	}
	tpl := inference.ResolveTemplateArg(f.chatTemplate)
	mode := inference.ModeChatTemplate
	if f.template != "" {
		m, err := inference.ParseMode(f.template)
		if err != nil {
			return inference.PromptSpec{}, err
		}
		mode = m
	} else if inference.HasPlaceholders(tpl) {
		mode = inference.ModeCustom
	}
	if mode == inference.ModeRaw {
		return inference.PromptSpec{}, errors.New("--template raw needs --prompt")
	}
	if mode == inference.ModeCustom && tpl == "" {
		return inference.PromptSpec{}, errors.New("--template custom needs --chat-template")
	}
	return inference.PromptSpec{Mode: mode, System: f.system, User: f.user, Template: tpl}, nil
}

func (f *promptFlags) apply(req *inference.Request) error {
	if f.synthetic() {
		if f.seqLen <= 0 {
			return fmt.Errorf("--seq-len must be positive, got %d", f.seqLen)
		}
		req.PromptTokens = make([]int, f.seqLen)
		for i := range req.PromptTokens {
			req.PromptTokens[i] = 1
		}
		return nil
	}
	spec, err := f.spec()
	if err != nil {
		return err
	}
	req.Prompt = spec
	return nil
}

func runCmd() *cli.Command {
	var (
		mf          modelFlags
		sf          samplingFlags
		pf          promptFlags
		decode      bool
		printPrompt bool
	)

	flags := append(mf.flags(), sf.flags()...)
	flags = append(flags, pf.flags()...)
	flags = append(flags,
		&cli.BoolFlag{
			Name:        "decode",
			Usage:       "decode generated tokens to text",
			Destination: &decode,
		},
		&cli.BoolFlag{
			Name:        "print-prompt",
			Usage:       "print the final prompt text used for tokenization",
			Destination: &printPrompt,
		},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run incremental decoding for a fixed number of steps",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			out := stdout(c)
			mf.applyConfig(c, cfg)

			modelPath, err := resolveModelPath(mf.model, mf.modelsPath, stderr(c))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			loader, err := mf.loader(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			loader.RequireTokenizer = decode || !pf.synthetic()

			res, err := loader.Load(modelPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer func() { _ = res.Close() }()

			gen, err := res.Generator(inference.WithLogger(log))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			defaults := model.GenerationDefaults{}
			if sf.useModelDefaults(c, cfg) {
				defaults = res.Defaults
			}
			req := inference.ResolveRequest(sf.options(c, cfg), defaults)
			req.Decode = decode
			if err := pf.apply(&req); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if printPrompt {
				req.OnPrompt = func(p string) {
					_, _ = fmt.Fprintf(out, "prompt_text: %s\n", p)
				}
			}
			req.OnStep = func(ev inference.StepEvent) {
				printStep(out, ev)
			}

			result, err := gen.Generate(ctx, &req)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if decode {
				_, _ = fmt.Fprintf(out, "decoded_text: %s\n", result.Text)
			}
			_, _ = fmt.Fprintln(out, "OK")
			return nil
		},
	}
}

func printStep(w io.Writer, ev inference.StepEvent) {
	_, _ = fmt.Fprintf(w, "step %d: next_token_id=%d logits_shape=%s\n", ev.Step, ev.Token, tensor.FormatShape(ev.LogitsShape))
}
