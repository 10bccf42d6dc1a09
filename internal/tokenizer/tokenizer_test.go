package tokenizer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const testTokenizerJSON = `{
	"model": {
		"type": "BPE",
		"vocab": {"h": 0, "i": 1, "hi": 2, "Ġ": 3, "t": 4, "Ġt": 5, "a": 9, "b": 10, "Ġb": 11},
		"merges": ["h i", "Ġ t", ["Ġ", "b"]]
	},
	"added_tokens": [
		{"id": 6, "content": "<|endoftext|>", "special": true},
		{"id": 7, "content": "<|im_start|>", "special": true},
		{"id": 8, "content": "<|im_end|>", "special": true}
	]
}`

const testTokenizerConfig = `{
	"tokenizer_class": "Qwen2Tokenizer",
	"eos_token": "<|im_end|>",
	"bos_token": null,
	"chat_template": "{% for message in messages %}{% if loop.first and messages[0]['role'] != 'system' %}{{ '<|im_start|>system\\nYou are a helpful assistant.<|im_end|>\\n' }}{% endif %}{{'<|im_start|>' + message['role'] + '\\n' + message['content'] + '<|im_end|>' + '\\n'}}{% endfor %}"
}`

func loadTestTokenizer(t *testing.T) *HFTokenizer {
	t.Helper()
	tok, err := LoadHFTokenizerBytes([]byte(testTokenizerJSON), []byte(testTokenizerConfig))
	if err != nil {
		t.Fatalf("load tokenizer: %v", err)
	}
	return tok
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	tok := loadTestTokenizer(t)
	ids, err := tok.Encode("<|im_start|>hi t<|im_end|>", false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if diff := cmp.Diff([]int{7, 2, 5, 8}, ids); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}

	text, err := tok.Decode(ids, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if text != "hi t" {
		t.Fatalf("skip special decode: %q", text)
	}
	text, err = tok.Decode(ids, false)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if text != "<|im_start|>hi t<|im_end|>" {
		t.Fatalf("full decode: %q", text)
	}
	if text, err := tok.Decode([]int{2, 99}, true); err != nil || text != "hi" {
		t.Fatalf("padded ids should be skipped: %q, %v", text, err)
	}
	if _, err := tok.Decode([]int{99}, false); err == nil {
		t.Fatal("expected out of range error")
	}
}

func TestConfigFields(t *testing.T) {
	t.Parallel()

	tok := loadTestTokenizer(t)
	if tok.EOSTokenID() != 8 {
		t.Fatalf("eos id: got %d want 8", tok.EOSTokenID())
	}
	if tok.BOSTokenID() != -1 {
		t.Fatalf("bos id: got %d want -1", tok.BOSTokenID())
	}
	if tok.Class() != "Qwen2Tokenizer" {
		t.Fatalf("class: %q", tok.Class())
	}
	if tok.VocabSize() != 12 {
		t.Fatalf("vocab size: %d", tok.VocabSize())
	}
}

func TestPretokenizeHandsSpaceToWord(t *testing.T) {
	t.Parallel()

	tok := loadTestTokenizer(t)
	got := tok.pretokenize("a  b")
	if diff := cmp.Diff([]string{"a", " ", " b"}, got); diff != "" {
		t.Fatalf("pieces mismatch (-want +got):\n%s", diff)
	}
	ids, err := tok.Encode("a  b", false)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{9, 3, 11}, ids); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyChatTemplate(t *testing.T) {
	t.Parallel()

	tok := loadTestTokenizer(t)
	got, err := tok.ApplyChatTemplate([]Message{{Role: "user", Content: "hi"}}, true, "")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	want := "<|im_start|>system\nYou are a helpful assistant.<|im_end|>\n" +
		"<|im_start|>user\nhi<|im_end|>\n<|im_start|>assistant\n"
	if got != want {
		t.Fatalf("rendered %q, want %q", got, want)
	}

	got, err = tok.ApplyChatTemplate([]Message{{Role: "system", Content: "s"}, {Role: "user", Content: "u"}}, false, "")
	if err != nil {
		t.Fatal(err)
	}
	if got != "<|im_start|>system\ns<|im_end|>\n<|im_start|>user\nu<|im_end|>\n" {
		t.Fatalf("explicit system: %q", got)
	}

	if _, err := tok.ApplyChatTemplate(nil, true, "{{ bos_token }}{{ messages }}"); !errors.Is(err, ErrTemplateUnavailable) {
		t.Fatalf("expected ErrTemplateUnavailable, got %v", err)
	}
}

func TestRejectsUnsupportedModel(t *testing.T) {
	t.Parallel()

	_, err := LoadHFTokenizerBytes([]byte(`{"model":{"type":"WordPiece","vocab":{},"merges":[]}}`), nil)
	if err == nil {
		t.Fatal("expected unsupported tokenizer model error")
	}
}

func TestLoadDirAndExpectation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte(testTokenizerJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tokenizer_config.json"), []byte(testTokenizerConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	tok, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}

	eight := 8
	if err := (Expectation{Classes: Qwen2Classes, EOSTokenID: &eight}).Check(tok); err != nil {
		t.Fatalf("expected match: %v", err)
	}
	// The test vocabulary puts <|im_end|> at 8, not at the Qwen2 id.
	if err := Qwen2Expectation().Check(tok); err == nil {
		t.Fatal("expected eos mismatch")
	}
	if err := (Expectation{Classes: []string{"LlamaTokenizer"}}).Check(tok); err == nil {
		t.Fatal("expected class mismatch")
	}

	if _, err := LoadDir(t.TempDir()); err == nil {
		t.Fatal("expected missing tokenizer.json error")
	}
}
