package tokenizer

import (
	"regexp"
	"strings"
)

// defaultSystemPattern finds the system prompt a ChatML template injects
// when the conversation has none, e.g. Qwen2's
// '<|im_start|>system\nYou are a helpful assistant.<|im_end|>\n'.
var defaultSystemPattern = regexp.MustCompile(`'<\|im_start\|>system\\n([^'<]*)<\|im_end\|>`)

// IsChatML reports whether tpl is a ChatML-style template.
func IsChatML(tpl string) bool {
	return strings.Contains(tpl, "<|im_start|>") && strings.Contains(tpl, "<|im_end|>")
}

// ApplyChatTemplate renders msgs with the tokenizer's chat template, or with
// override when non-empty. Only ChatML templates are rendered; anything
// else yields ErrTemplateUnavailable.
func (t *HFTokenizer) ApplyChatTemplate(msgs []Message, addGenerationPrompt bool, override string) (string, error) {
	tpl := t.chatTemplate
	if override != "" {
		tpl = override
	}
	if !IsChatML(tpl) {
		return "", ErrTemplateUnavailable
	}
	return RenderChatML(msgs, addGenerationPrompt, defaultSystem(tpl)), nil
}

// RenderChatML renders msgs as ChatML. defaultSys is inserted as the
// system turn when msgs does not start with one and defaultSys is set.
func RenderChatML(msgs []Message, addGenerationPrompt bool, defaultSys string) string {
	var b strings.Builder
	if defaultSys != "" && (len(msgs) == 0 || msgs[0].Role != "system") {
		writeTurn(&b, "system", defaultSys)
	}
	for _, m := range msgs {
		writeTurn(&b, m.Role, m.Content)
	}
	if addGenerationPrompt {
		b.WriteString("<|im_start|>assistant\n")
	}
	return b.String()
}

func writeTurn(b *strings.Builder, role, content string) {
	b.WriteString("<|im_start|>")
	b.WriteString(role)
	b.WriteString("\n")
	b.WriteString(content)
	b.WriteString("<|im_end|>\n")
}

func defaultSystem(tpl string) string {
	m := defaultSystemPattern.FindStringSubmatch(tpl)
	if m == nil {
		return ""
	}
	return strings.ReplaceAll(m[1], `\n`, "\n")
}
