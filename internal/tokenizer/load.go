package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// Qwen2Classes are the tokenizer_class values accepted for Qwen2 models.
var Qwen2Classes = []string{"Qwen2Tokenizer", "Qwen2TokenizerFast"}

// Qwen2EOSTokenID is the id of <|im_end|> in the Qwen2 vocabulary.
const Qwen2EOSTokenID = 151645

// LoadDir loads tokenizer.json and tokenizer_config.json from dir.
func LoadDir(dir string) (*HFTokenizer, error) {
	tokJSON := filepath.Join(dir, "tokenizer.json")
	if _, err := os.Stat(tokJSON); err != nil {
		return nil, fmt.Errorf("tokenizer.json not found in %s: %w", dir, err)
	}
	tokConfig := filepath.Join(dir, "tokenizer_config.json")
	if _, err := os.Stat(tokConfig); err != nil {
		tokConfig = ""
	}
	tok, err := LoadHFTokenizer(tokJSON, tokConfig)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer from %s: %w", dir, err)
	}
	return tok, nil
}

// Expectation pins the tokenizer a model was trained with. Zero fields are
// not checked.
type Expectation struct {
	Classes    []string `yaml:"classes" json:"classes"`
	EOSTokenID *int     `yaml:"eos_token_id" json:"eos_token_id"`
}

// Check returns an error when tok does not match the expectation. A
// tokenizer without EOS passes the EOS check.
func (e Expectation) Check(tok *HFTokenizer) error {
	if len(e.Classes) > 0 && !slices.Contains(e.Classes, tok.Class()) {
		return fmt.Errorf("unexpected tokenizer class %q (want one of %v)", tok.Class(), e.Classes)
	}
	if e.EOSTokenID != nil && tok.EOSTokenID() >= 0 && tok.EOSTokenID() != *e.EOSTokenID {
		return fmt.Errorf("unexpected eos_token_id %d (want %d)", tok.EOSTokenID(), *e.EOSTokenID)
	}
	return nil
}

// Qwen2Expectation returns the checks applied to Qwen2 checkpoints.
func Qwen2Expectation() Expectation {
	eos := Qwen2EOSTokenID
	return Expectation{Classes: Qwen2Classes, EOSTokenID: &eos}
}
