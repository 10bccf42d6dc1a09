// Package tokenizer converts between text and token ids for decoder models.
package tokenizer

import "errors"

// ErrTemplateUnavailable is returned by ApplyChatTemplate when the tokenizer
// has no chat template it can render. Callers fall back to a literal prompt.
var ErrTemplateUnavailable = errors.New("chat template unavailable")

// Tokenizer defines the minimal interface used by the decode loop.
type Tokenizer interface {
	// Encode converts text to ids. addSpecial controls BOS/EOS insertion.
	Encode(text string, addSpecial bool) ([]int, error)
	// Decode converts ids to text. skipSpecial drops special tokens.
	Decode(ids []int, skipSpecial bool) (string, error)
	// EOSTokenID returns -1 when the tokenizer has no EOS token.
	EOSTokenID() int
}

// ChatTemplater is implemented by tokenizers that can render chat messages.
// override replaces the tokenizer's own template when non-empty.
type ChatTemplater interface {
	ApplyChatTemplate(msgs []Message, addGenerationPrompt bool, override string) (string, error)
}

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
