package inference

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/samcharles93/epicrisis/internal/logger"
	"github.com/samcharles93/epicrisis/internal/tokenizer"
)

// Mode selects how a PromptSpec becomes prompt text.
type Mode string

const (
	ModeRaw          Mode = "raw"
	ModeChatTemplate Mode = "chat-template"
	ModeQwenLiteral  Mode = "qwen-literal"
	ModeCustom       Mode = "custom"
)

// ParseMode accepts the CLI spellings of a prompt mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "raw":
		return ModeRaw, nil
	case "chat-template", "chat":
		return ModeChatTemplate, nil
	case "qwen-literal", "qwen":
		return ModeQwenLiteral, nil
	case "custom":
		return ModeCustom, nil
	default:
		return "", fmt.Errorf("unknown prompt mode %q (want raw, chat-template, qwen-literal or custom)", s)
	}
}

// IsChat reports whether the mode builds a prompt from system/user text.
func (m Mode) IsChat() bool {
	return m == ModeChatTemplate || m == ModeQwenLiteral || m == ModeCustom
}

// PromptSpec is the structured input of a generation.
type PromptSpec struct {
	Mode   Mode
	Text   string // raw mode
	System string
	User   string
	// Template is the custom template, or for chat-template mode an
	// override of the tokenizer's own template.
	Template string
}

// Placeholders substituted in custom templates.
const (
	PlaceholderSystem    = "{{system}}"
	PlaceholderUser      = "{{user}}"
	PlaceholderAssistant = "{{assistant}}"
)

// HasPlaceholders reports whether tpl uses the custom-mode placeholders.
func HasPlaceholders(tpl string) bool {
	return strings.Contains(tpl, PlaceholderSystem) || strings.Contains(tpl, PlaceholderUser)
}

// PromptBuilder turns a PromptSpec into prompt text. Templater may be nil,
// in which case chat-template mode always falls back to the Qwen literal.
type PromptBuilder struct {
	Templater tokenizer.ChatTemplater
	Logger    logger.Logger
}

// Build renders spec. Chat modes with neither system nor user text fail
// with ErrEmptyMessages.
func (b PromptBuilder) Build(spec PromptSpec) (string, error) {
	if spec.Mode == ModeRaw || spec.Mode == "" {
		return spec.Text, nil
	}
	if !spec.Mode.IsChat() {
		return "", fmt.Errorf("unknown prompt mode %q", spec.Mode)
	}
	if spec.System == "" && spec.User == "" {
		return "", ErrEmptyMessages
	}

	switch spec.Mode {
	case ModeQwenLiteral:
		return QwenLiteral(spec.System, spec.User), nil
	case ModeCustom:
		if HasPlaceholders(spec.Template) {
			return Substitute(spec.Template, spec.System, spec.User), nil
		}
		// Without placeholders the template is handed to the tokenizer as
		// an override.
		return b.applyTemplate(spec)
	default:
		return b.applyTemplate(spec)
	}
}

func (b PromptBuilder) applyTemplate(spec PromptSpec) (string, error) {
	if b.Templater == nil {
		b.warn("tokenizer has no chat template support, using qwen literal")
		return QwenLiteral(spec.System, spec.User), nil
	}
	var msgs []tokenizer.Message
	if spec.System != "" {
		msgs = append(msgs, tokenizer.Message{Role: "system", Content: spec.System})
	}
	if spec.User != "" {
		msgs = append(msgs, tokenizer.Message{Role: "user", Content: spec.User})
	}
	out, err := b.Templater.ApplyChatTemplate(msgs, true, spec.Template)
	if errors.Is(err, tokenizer.ErrTemplateUnavailable) {
		b.warn("chat template unavailable, using qwen literal")
		return QwenLiteral(spec.System, spec.User), nil
	}
	if err != nil {
		return "", fmt.Errorf("apply chat template: %w", err)
	}
	return out, nil
}

func (b PromptBuilder) warn(msg string) {
	if b.Logger != nil {
		b.Logger.Warn(msg)
	}
}

// QwenLiteral renders one system and one user turn in the Qwen ChatML
// layout, ending with an open assistant turn.
func QwenLiteral(system, user string) string {
	return "<|im_start|>system\n" + system + "<|im_end|>\n" +
		"<|im_start|>user\n" + user + "<|im_end|>\n" +
		"<|im_start|>assistant\n"
}

// Substitute fills a custom template. Placeholders are replaced in order
// system, user, assistant; the assistant placeholder is always cleared
// since generation continues from it.
func Substitute(tpl, system, user string) string {
	out := strings.ReplaceAll(tpl, PlaceholderSystem, system)
	out = strings.ReplaceAll(out, PlaceholderUser, user)
	return strings.ReplaceAll(out, PlaceholderAssistant, "")
}

// ResolveTemplateArg returns the contents of arg when it names a readable
// file, and arg itself otherwise.
func ResolveTemplateArg(arg string) string {
	if arg == "" || len(arg) >= 256 || strings.ContainsAny(arg, "{\n") {
		return arg
	}
	if st, err := os.Stat(arg); err != nil || st.IsDir() {
		return arg
	}
	raw, err := os.ReadFile(arg)
	if err != nil || len(raw) == 0 {
		return arg
	}
	return string(raw)
}
