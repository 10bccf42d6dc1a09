package main

import (
	"context"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/epicrisis/internal/inference"
	"github.com/samcharles93/epicrisis/internal/logger"
	"github.com/samcharles93/epicrisis/internal/model"
	"github.com/samcharles93/epicrisis/internal/toy"
)

type inspectReport struct {
	Model         string                   `json:"model"`
	Topology      string                   `json:"topology_file"`
	Weights       string                   `json:"weights,omitempty"`
	TokenizerDir  string                   `json:"tokenizer_dir,omitempty"`
	Spec          model.Spec               `json:"spec"`
	Inputs        []string                 `json:"inputs"`
	Outputs       []string                 `json:"outputs"`
	Tokenizer     *tokenizerReport         `json:"tokenizer,omitempty"`
	ModelDefaults model.GenerationDefaults `json:"generation_defaults"`
}

type tokenizerReport struct {
	Class       string `json:"class"`
	VocabSize   int    `json:"vocab_size"`
	EOSTokenID  int    `json:"eos_token_id"`
	HasTemplate bool   `json:"chat_template"`
}

func inspectCmd() *cli.Command {
	var (
		mf      modelFlags
		asJSON  bool
		saveToy string
	)

	flags := append(mf.flags(),
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the report as JSON",
			Destination: &asJSON,
		},
		&cli.StringFlag{
			Name:        "save-toy",
			Usage:       "write random reference decoder weights for the resolved topology to this .safetensors file",
			Destination: &saveToy,
		},
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Print the resolved topology, tensor name mapping and session signature of a model",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			mf.applyConfig(c, cfg)

			modelPath, err := resolveModelPath(mf.model, mf.modelsPath, stderr(c))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			loader, err := mf.loader(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			res, err := loader.Load(modelPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer func() { _ = res.Close() }()

			report := newInspectReport(modelPath, res)
			out := stdout(c)
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			} else {
				printInspect(out, report)
			}

			if saveToy != "" {
				dec, err := toy.New(res.Spec, int(mf.toyHidden), mf.toySeed)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				if err := dec.Save(saveToy); err != nil {
					return cli.Exit(fmt.Sprintf("error: save weights: %v", err), 1)
				}
				log.Info("reference decoder weights written", "path", saveToy, "hidden", dec.Hidden())
			}
			return nil
		},
	}
}

func newInspectReport(modelPath string, res *inference.LoadResult) inspectReport {
	r := inspectReport{
		Model:         modelPath,
		Topology:      res.SpecPath,
		Weights:       res.WeightsPath,
		Spec:          res.Spec,
		Inputs:        res.Session.InputNames(),
		Outputs:       res.Session.OutputNames(),
		ModelDefaults: res.Defaults,
	}
	if res.Tokenizer != nil {
		r.TokenizerDir = res.TokenizerDir
		r.Tokenizer = &tokenizerReport{
			Class:       res.Tokenizer.Class(),
			VocabSize:   res.Tokenizer.VocabSize(),
			EOSTokenID:  res.Tokenizer.EOSTokenID(),
			HasTemplate: res.Tokenizer.ChatTemplate() != "",
		}
	}
	return r
}

func printInspect(w io.Writer, r inspectReport) {
	p := func(format string, args ...any) { _, _ = fmt.Fprintf(w, format, args...) }
	t := r.Spec.Topology
	p("model:          %s\n", r.Model)
	p("topology file:  %s\n", r.Topology)
	if r.Weights != "" {
		p("weights:        %s\n", r.Weights)
	} else {
		p("weights:        (none, random reference decoder)\n")
	}
	p("layers:         %d\n", t.LayerCount)
	p("kv heads:       %d\n", t.KVHeads)
	p("head dim:       %d\n", t.HeadDim)
	p("vocab size:     %d\n", t.VocabSize)
	if t.HasEOS() {
		p("eos token id:   %d\n", t.EOSTokenID)
	} else {
		p("eos token id:   (none)\n")
	}

	n := r.Spec.Names
	p("io names:\n")
	for _, kv := range [][2]string{
		{"input_ids", n.InputIDs},
		{"attention_mask", n.AttentionMask},
		{"position_ids", n.PositionIDs},
		{"past_key", n.PastKey},
		{"past_value", n.PastValue},
		{"logits", n.Logits},
		{"present_key", n.PresentKey},
		{"present_value", n.PresentValue},
	} {
		p("  %-15s %s\n", kv[0], kv[1])
	}

	p("session inputs (%d):\n", len(r.Inputs))
	for _, name := range r.Inputs {
		p("  %s\n", name)
	}
	p("session outputs (%d):\n", len(r.Outputs))
	for _, name := range r.Outputs {
		p("  %s\n", name)
	}

	if tok := r.Tokenizer; tok != nil {
		p("tokenizer:      %s (%s)\n", tok.Class, r.TokenizerDir)
		p("  vocab size:   %d\n", tok.VocabSize)
		p("  eos token id: %d\n", tok.EOSTokenID)
		p("  chat template: %t\n", tok.HasTemplate)
	} else {
		p("tokenizer:      (none)\n")
	}

	d := r.ModelDefaults
	if d.Temperature != nil || d.TopK != nil || d.TopP != nil || d.RepetitionPenalty != nil {
		p("generation defaults:\n")
		if d.Temperature != nil {
			p("  temperature:        %g\n", *d.Temperature)
		}
		if d.TopK != nil {
			p("  top_k:              %d\n", *d.TopK)
		}
		if d.TopP != nil {
			p("  top_p:              %g\n", *d.TopP)
		}
		if d.RepetitionPenalty != nil {
			p("  repetition_penalty: %g\n", *d.RepetitionPenalty)
		}
	}
}
