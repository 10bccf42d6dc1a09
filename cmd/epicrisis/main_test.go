package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/epicrisis/internal/inference"
	"github.com/samcharles93/epicrisis/internal/model"
	"github.com/samcharles93/epicrisis/internal/toy"
)

const testTopology = "layer_count: 2\nkv_heads: 1\nhead_dim: 4\nvocab_size: 16\neos_token_id: -1\n"

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// runApp runs the CLI with a private config path and returns stdout.
func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard
	app.ExitErrHandler = func(context.Context, *cli.Command, error) {}
	argv := append([]string{"epicrisis", "--config", filepath.Join(t.TempDir(), "none.yaml"), "--log-level", "error"}, args...)
	err := app.Run(context.Background(), argv)
	return out.String(), err
}

func TestRunSyntheticPrompt(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "topology.yaml"), testTopology)

	out, err := runApp(t, "run", "--model", dir, "--steps", "3", "--seq-len", "2", "--toy-hidden", "8")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 3 step lines and OK, got:\n%s", out)
	}
	for i, want := range []string{"logits_shape=[1 2 16]", "logits_shape=[1 1 16]", "logits_shape=[1 1 16]"} {
		prefix := "step " + string(rune('1'+i)) + ": next_token_id="
		if !strings.HasPrefix(lines[i], prefix) || !strings.HasSuffix(lines[i], want) {
			t.Fatalf("line %d = %q, want prefix %q and suffix %q", i, lines[i], prefix, want)
		}
	}
	if lines[3] != "OK" {
		t.Fatalf("last line = %q, want OK", lines[3])
	}

	again, err := runApp(t, "run", "--model", dir, "--steps", "3", "--seq-len", "2", "--toy-hidden", "8")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if diff := cmp.Diff(out, again); diff != "" {
		t.Fatalf("greedy runs differ (-first +second):\n%s", diff)
	}
}

func TestRunErrorsExitNonZero(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "topology.yaml"), testTopology)
	graphDir := t.TempDir()
	writeFile(t, filepath.Join(graphDir, "topology.yaml"), testTopology)
	writeFile(t, filepath.Join(graphDir, "model_q4f16.onnx"), "graph")

	tests := []struct {
		name string
		args []string
	}{
		{"missing model", []string{"run", "--model", filepath.Join(dir, "missing")}},
		{"decode without tokenizer", []string{"run", "--model", dir, "--decode"}},
		{"prompt without tokenizer", []string{"run", "--model", dir, "--prompt", "hi"}},
		{"bad expectation", []string{"run", "--model", dir, "--expect", "llama"}},
		{"zero seq len", []string{"run", "--model", dir, "--seq-len", "0"}},
		{"onnx graph without backend", []string{"run", "--model", graphDir}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runApp(t, tt.args...)
			var exit cli.ExitCoder
			if !errors.As(err, &exit) || exit.ExitCode() != 1 {
				t.Fatalf("expected exit code 1, got %v", err)
			}
			if strings.Contains(out, "OK") {
				t.Fatalf("OK printed on failure:\n%s", out)
			}
		})
	}
}

func TestInspectAndSaveToy(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "topology.yaml"), testTopology)
	weights := filepath.Join(dir, "model.safetensors")

	out, err := runApp(t, "inspect", "--model", dir, "--toy-hidden", "8", "--save-toy", weights)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	for _, want := range []string{"layers:         2", "past_key_values.1.value", "present.0.key", "weights:        (none"} {
		if !strings.Contains(out, want) {
			t.Fatalf("inspect output missing %q:\n%s", want, out)
		}
	}

	// The saved weights are picked up by the next load.
	out, err = runApp(t, "inspect", "--model", dir, "--json")
	if err != nil {
		t.Fatalf("inspect json: %v", err)
	}
	if !strings.Contains(out, `"weights": "`+weights+`"`) {
		t.Fatalf("saved weights not used:\n%s", out)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runApp(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "version:") || !strings.Contains(out, "go:") {
		t.Fatalf("unexpected version output:\n%s", out)
	}
}

func TestConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "temperature: 0.9\ntop_k: 7\nsteps: 5\nidle_ttl: 90s\nmodel_defaults: true\n")
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.IdleTTL == nil || c.IdleTTL.Seconds() != 90 {
		t.Fatalf("idle_ttl not parsed: %v", c.IdleTTL)
	}

	var sf samplingFlags
	var got inference.Options
	var useDefaults bool
	cmd := &cli.Command{
		Name:  "x",
		Flags: sf.flags(),
		Action: func(_ context.Context, cmd *cli.Command) error {
			got = sf.options(cmd, c)
			useDefaults = sf.useModelDefaults(cmd, c)
			return nil
		},
	}
	if err := cmd.Run(context.Background(), []string{"x", "--temperature", "0.5", "--no-eos"}); err != nil {
		t.Fatal(err)
	}
	want := inference.Options{
		Steps:       ptr(5),
		Temperature: ptr(0.5),
		TopK:        ptr(7),
		SuppressEOS: ptr(true),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("options (-want +got):\n%s", diff)
	}
	if !useDefaults {
		t.Fatal("model_defaults from config ignored")
	}
}

func TestLoadConfigMissingAndMalformed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := LoadConfig(filepath.Join(dir, "absent.yaml"))
	if err != nil || c.Temperature != nil || c.ModelsDir != "" {
		t.Fatalf("missing file: %+v %v", c, err)
	}
	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, "temperature: [1, 2\n")
	if _, err := LoadConfig(bad); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestResolveModelPath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "only", "topology.yaml"), testTopology)

	got, err := resolveModelPath("", dir, io.Discard)
	if err != nil || got != filepath.Join(dir, "only") {
		t.Fatalf("single model: %q %v", got, err)
	}

	writeFile(t, filepath.Join(dir, "second", "config.json"), "{}")
	if _, err := resolveModelPath("", dir, io.Discard); err == nil || !strings.Contains(err.Error(), "multiple models") {
		t.Fatalf("expected ambiguity error, got %v", err)
	}

	t.Setenv("EPICRISIS_MODELS_DIR", "")
	if _, err := resolveModelPath("", "", io.Discard); err == nil {
		t.Fatal("expected error without model or models path")
	}
	if got, _ := resolveModelPath(" ./a/../b ", "", io.Discard); got != "b" {
		t.Fatalf("explicit model not cleaned: %q", got)
	}
}

func TestBatchRunsIndependentItems(t *testing.T) {
	t.Parallel()

	spec := model.Spec{
		Topology: model.Topology{LayerCount: 1, KVHeads: 1, HeadDim: 4, VocabSize: 16, EOSTokenID: -1},
		Names:    model.DefaultIONames(),
	}
	dec, err := toy.New(spec, 8, 3)
	if err != nil {
		t.Fatal(err)
	}
	gen, err := inference.NewGenerator(dec, spec, nil)
	if err != nil {
		t.Fatal(err)
	}

	items, err := decodeBatch(strings.NewReader(`
{"id":"a","prompt_tokens":[1,2],"steps":4,"seed":9,"temperature":1.0}
{"prompt_tokens":[1,2],"steps":4,"seed":9,"temperature":1.0}

{"id":"c","prompt":"needs a tokenizer"}
`))
	if err != nil {
		t.Fatalf("decodeBatch: %v", err)
	}
	if len(items) != 3 || items[1].ID != "1" {
		t.Fatalf("unexpected items: %+v", items)
	}

	results, err := runBatch(context.Background(), gen, items, inference.Options{}, model.GenerationDefaults{}, 2, false)
	if err != nil {
		t.Fatalf("runBatch: %v", err)
	}
	if results[0].ID != "a" || len(results[0].Tokens) != 4 {
		t.Fatalf("unexpected first result: %+v", results[0])
	}
	if diff := cmp.Diff(results[0].Tokens, results[1].Tokens); diff != "" {
		t.Fatalf("same seed gave different tokens (-a +1):\n%s", diff)
	}
	if results[2].Error == "" || len(results[2].Tokens) != 0 {
		t.Fatalf("expected inline error for item c: %+v", results[2])
	}

	if _, err := runBatch(context.Background(), gen, items, inference.Options{}, model.GenerationDefaults{}, 2, true); err == nil {
		t.Fatal("fail-fast batch should fail")
	}

	var buf bytes.Buffer
	if err := writeBatch("-", &buf, results[:1]); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), `{"id":"a","tokens":[`) {
		t.Fatalf("unexpected JSONL: %s", buf.String())
	}
}

type failingCloser struct {
	bytes.Buffer
	err error
}

func (f *failingCloser) Close() error { return f.err }

func TestWriteBatchReportsCloseError(t *testing.T) {
	t.Parallel()

	results := []batchResult{{ID: "a", Tokens: []int{1}}}
	closeErr := errors.New("disk full")
	w := &failingCloser{err: closeErr}
	if err := writeAndClose(w, results); !errors.Is(err, closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if w.Len() == 0 {
		t.Fatal("results not written before close")
	}

	path := filepath.Join(t.TempDir(), "out.jsonl")
	if err := writeBatch(path, io.Discard, results); err != nil {
		t.Fatalf("writeBatch: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil || !strings.HasPrefix(string(raw), `{"id":"a","tokens":[1]}`) {
		t.Fatalf("unexpected file contents %q: %v", raw, err)
	}
}

func TestDecodeBatchErrors(t *testing.T) {
	t.Parallel()

	if _, err := decodeBatch(strings.NewReader("\n\n")); err == nil {
		t.Fatal("expected empty input error")
	}
	if _, err := decodeBatch(strings.NewReader("{\"id\":1}\n")); err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Fatalf("expected line error, got %v", err)
	}
}
