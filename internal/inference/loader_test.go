package inference

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/epicrisis/internal/engine"
	"github.com/samcharles93/epicrisis/internal/model"
	"github.com/samcharles93/epicrisis/internal/tokenizer"
	"github.com/samcharles93/epicrisis/internal/toy"
)

const loaderTopology = `layer_count: 2
kv_heads: 1
head_dim: 4
vocab_size: 16
eos_token_id: 8
`

const loaderTokenizerJSON = `{
	"model": {
		"type": "BPE",
		"vocab": {"h": 0, "i": 1, "hi": 2, "Ġ": 3, "t": 4, "Ġt": 5},
		"merges": ["h i", "Ġ t"]
	},
	"added_tokens": [
		{"id": 6, "content": "<|endoftext|>", "special": true},
		{"id": 7, "content": "<|im_start|>", "special": true},
		{"id": 8, "content": "<|im_end|>", "special": true}
	]
}`

const loaderTokenizerConfig = `{"tokenizer_class": "Qwen2Tokenizer", "eos_token": "<|im_end|>"}`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoaderRandomDecoderWithoutTokenizer(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "topology.yaml"), loaderTopology)
	writeFile(t, filepath.Join(dir, "generation_config.json"), `{"temperature": 0.6}`)

	res, err := Loader{ToyHidden: 8, ToySeed: 1}.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer res.Close()

	if res.Tokenizer != nil || res.WeightsPath != "" {
		t.Fatalf("unexpected tokenizer or weights: %+v", res)
	}
	if res.Defaults.Temperature == nil || *res.Defaults.Temperature != 0.6 {
		t.Fatalf("generation defaults not read: %+v", res.Defaults)
	}
	if _, ok := res.Session.(*toy.Decoder); !ok {
		t.Fatalf("session is %T, want *toy.Decoder", res.Session)
	}

	g, err := res.Generator()
	if err != nil {
		t.Fatalf("generator: %v", err)
	}
	out, err := g.Generate(context.Background(), &Request{PromptTokens: []int{1, 1, 1}, Steps: 3})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(out.Tokens) == 0 {
		t.Fatal("no tokens generated")
	}

	if _, err := (Loader{RequireTokenizer: true}).Load(dir); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration without tokenizer, got %v", err)
	}
}

func TestLoaderWeightsInSubdirectory(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "topology.yaml"), loaderTopology)
	writeFile(t, filepath.Join(root, "tokenizer.json"), loaderTokenizerJSON)
	writeFile(t, filepath.Join(root, "tokenizer_config.json"), loaderTokenizerConfig)

	spec, err := model.LoadSpec(filepath.Join(root, "topology.yaml"))
	if err != nil {
		t.Fatalf("load spec: %v", err)
	}
	dec, err := toy.New(spec, 8, 9)
	if err != nil {
		t.Fatal(err)
	}
	weights := filepath.Join(root, "weights", "model.safetensors")
	if err := os.MkdirAll(filepath.Dir(weights), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := dec.Save(weights); err != nil {
		t.Fatalf("save: %v", err)
	}

	res, err := Loader{RequireTokenizer: true}.Load(weights)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer res.Close()
	if res.TokenizerDir != root || res.WeightsPath != weights {
		t.Fatalf("resolved dirs: tokenizer=%q weights=%q", res.TokenizerDir, res.WeightsPath)
	}
	if res.Tokenizer == nil || res.Tokenizer.EOSTokenID() != 8 {
		t.Fatal("tokenizer not loaded")
	}

	g, err := res.Generator()
	if err != nil {
		t.Fatalf("generator: %v", err)
	}
	out, err := g.Generate(context.Background(), &Request{Prompt: PromptSpec{Mode: ModeRaw, Text: "hi t"}, Steps: 2, Decode: true})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.Prompt != "hi t" || len(out.Tokens) == 0 {
		t.Fatalf("result: %+v", out)
	}

	// The test vocabulary is not the Qwen2 one.
	qwen := tokenizer.Qwen2Expectation()
	if _, err := (Loader{Expect: &qwen}).Load(weights); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected tokenizer expectation failure, got %v", err)
	}
}

func TestLoaderEOSMismatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "topology.yaml"), "layer_count: 1\nkv_heads: 1\nhead_dim: 2\nvocab_size: 16\neos_token_id: 6\n")
	writeFile(t, filepath.Join(dir, "tokenizer.json"), loaderTokenizerJSON)
	writeFile(t, filepath.Join(dir, "tokenizer_config.json"), loaderTokenizerConfig)

	if _, err := (Loader{}).Load(dir); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected eos mismatch, got %v", err)
	}
}

func TestLoaderExternalBackend(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "topology.yaml"), loaderTopology)
	graph := filepath.Join(dir, "model.onnx")
	writeFile(t, graph, "not a real graph")

	if _, err := (Loader{}).Load(graph); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected missing backend error, got %v", err)
	}

	var opened string
	l := Loader{Open: func(path string, spec model.Spec) (engine.Session, error) {
		opened = path
		return newScripted(spec, constant(2)), nil
	}}
	res, err := l.Load(graph)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if opened != graph {
		t.Fatalf("opener got %q", opened)
	}
	if _, ok := res.Session.(*scriptedSession); !ok {
		t.Fatalf("session is %T", res.Session)
	}
}

func TestLoaderMissingModel(t *testing.T) {
	t.Parallel()

	for _, path := range []string{"", filepath.Join(t.TempDir(), "absent")} {
		if _, err := (Loader{}).Load(path); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("Load(%q): expected ErrConfiguration, got %v", path, err)
		}
	}
	if _, err := (Loader{}).Load(t.TempDir()); !errors.Is(err, model.ErrInvalidTopology) {
		t.Fatalf("expected invalid topology for an empty dir, got %v", err)
	}
}

func TestLoaderRejectsUnusableWeights(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		files []string
	}{
		{"onnx graph without backend", []string{"model_q4f16.onnx"}},
		{"sharded safetensors", []string{"model-00001-of-00002.safetensors", "model-00002-of-00002.safetensors"}},
		{"safetensors and onnx", []string{"weights.safetensors", "model.onnx"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, "topology.yaml"), loaderTopology)
			for _, f := range tt.files {
				writeFile(t, filepath.Join(dir, f), "not weights")
			}
			res, err := Loader{ToyHidden: 8}.Load(dir)
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v (weights=%q)", err, weightsOf(res))
			}
		})
	}
}

func TestLoaderHandsOnnxDirectoryToOpener(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "topology.yaml"), loaderTopology)
	graph := filepath.Join(dir, "model_q4f16.onnx")
	writeFile(t, graph, "not a real graph")

	var opened string
	l := Loader{Open: func(path string, spec model.Spec) (engine.Session, error) {
		opened = path
		return newScripted(spec, constant(2)), nil
	}}
	res, err := l.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer res.Close()
	if opened != graph || res.WeightsPath != graph {
		t.Fatalf("opener got %q, weights %q", opened, res.WeightsPath)
	}
	if _, ok := res.Session.(*toy.Decoder); ok {
		t.Fatal("random decoder used for a directory with a graph")
	}
}

func weightsOf(res *LoadResult) string {
	if res == nil {
		return ""
	}
	return res.WeightsPath
}
