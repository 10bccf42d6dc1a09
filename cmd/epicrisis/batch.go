package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/epicrisis/internal/inference"
	"github.com/samcharles93/epicrisis/internal/logger"
	"github.com/samcharles93/epicrisis/internal/model"
)

// batchItem is one JSONL input line. Fields left out fall back to the
// command's flags.
type batchItem struct {
	ID           string   `json:"id,omitempty"`
	Prompt       string   `json:"prompt,omitempty"`
	System       string   `json:"system,omitempty"`
	User         string   `json:"user,omitempty"`
	Template     string   `json:"template,omitempty"`
	ChatTemplate string   `json:"chat_template,omitempty"`
	PromptTokens []int    `json:"prompt_tokens,omitempty"`
	Steps        *int     `json:"steps,omitempty"`
	Seed         *int64   `json:"seed,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
}

type batchResult struct {
	ID         string `json:"id"`
	Tokens     []int  `json:"tokens"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

func batchCmd() *cli.Command {
	var (
		mf       modelFlags
		sf       samplingFlags
		input    string
		output   string
		jobs     int64
		decode   bool
		failFast bool
	)

	flags := append(mf.flags(), sf.flags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "input",
			Aliases:     []string{"i"},
			Usage:       "JSONL file of prompts (- for stdin)",
			Value:       "-",
			Destination: &input,
		},
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "JSONL results file (- for stdout)",
			Value:       "-",
			Destination: &output,
		},
		&cli.Int64Flag{
			Name:        "jobs",
			Aliases:     []string{"j"},
			Usage:       "generations to run concurrently",
			Value:       4,
			Destination: &jobs,
		},
		&cli.BoolFlag{
			Name:        "decode",
			Usage:       "decode generated tokens to text",
			Destination: &decode,
		},
		&cli.BoolFlag{
			Name:        "fail-fast",
			Usage:       "stop at the first failed generation instead of reporting it inline",
			Destination: &failFast,
		},
	)

	return &cli.Command{
		Name:  "batch",
		Usage: "Run independent generations from a JSONL file concurrently",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			mf.applyConfig(c, cfg)
			if jobs <= 0 {
				return cli.Exit("error: --jobs must be positive", 1)
			}

			items, err := readBatch(input)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			modelPath, err := resolveModelPath(mf.model, mf.modelsPath, stderr(c))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			loader, err := mf.loader(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			loader.RequireTokenizer = decode || needsTokenizer(items)
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
			base := sf.options(c, cfg)
			base.Decode = &decode

			results, err := runBatch(ctx, gen, items, base, defaults, int(jobs), failFast)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if err := writeBatch(output, stdout(c), results); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			log.Info("batch complete", "items", len(results), "jobs", jobs)
			return nil
		},
	}
}

func readBatch(path string) ([]batchItem, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	return decodeBatch(r)
}

func decodeBatch(r io.Reader) ([]batchItem, error) {
	var items []batchItem
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var it batchItem
		if err := json.Unmarshal([]byte(text), &it); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if it.ID == "" {
			it.ID = strconv.Itoa(len(items))
		}
		items = append(items, it)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.New("batch input is empty")
	}
	return items, nil
}

func needsTokenizer(items []batchItem) bool {
	for _, it := range items {
		if it.PromptTokens == nil {
			return true
		}
	}
	return false
}

// runBatch generates every item with at most jobs in flight. Each item gets
// its own request and random source. Results keep the input order.
func runBatch(ctx context.Context, gen *inference.Generator, items []batchItem, base inference.Options, defaults model.GenerationDefaults, jobs int, failFast bool) ([]batchResult, error) {
	results := make([]batchResult, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for i, it := range items {
		g.Go(func() error {
			out := batchResult{ID: it.ID, Tokens: []int{}}
			res, err := generateItem(gctx, gen, it, base, defaults)
			if err != nil {
				if failFast {
					return fmt.Errorf("item %s: %w", it.ID, err)
				}
				out.Error = err.Error()
			} else {
				out.Tokens = res.Tokens
				out.Text = res.Text
				out.StopReason = res.StopReason
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func generateItem(ctx context.Context, gen *inference.Generator, it batchItem, base inference.Options, defaults model.GenerationDefaults) (*inference.Result, error) {
	opts := base
	if it.Steps != nil {
		opts.Steps = it.Steps
	}
	if it.Seed != nil {
		opts.Seed = it.Seed
	}
	if it.Temperature != nil {
		opts.Temperature = it.Temperature
	}
	req := inference.ResolveRequest(opts, defaults)
	if it.PromptTokens != nil {
		req.PromptTokens = it.PromptTokens
	} else {
		pf := promptFlags{prompt: it.Prompt, system: it.System, user: it.User, template: it.Template, chatTemplate: it.ChatTemplate}
		spec, err := pf.spec()
		if err != nil {
			return nil, err
		}
		req.Prompt = spec
	}
	return gen.Generate(ctx, &req)
}

func writeBatch(path string, stdout io.Writer, results []batchResult) error {
	if path == "-" {
		return encodeBatch(stdout, results)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	return writeAndClose(f, results)
}

// writeAndClose encodes results into wc and reports the close error when
// encoding succeeded.
func writeAndClose(wc io.WriteCloser, results []batchResult) error {
	err := encodeBatch(wc, results)
	if cerr := wc.Close(); err == nil {
		err = cerr
	}
	return err
}

func encodeBatch(w io.Writer, results []batchResult) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return bw.Flush()
}
