package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("should not appear")
	if buf.Len() > 0 {
		t.Fatalf("expected no output at warn level, got: %s", buf.String())
	}
	log.Warn("should appear", "key", "value")
	out := buf.String()
	if !strings.Contains(out, "should appear") || !strings.Contains(out, `"key":"value"`) {
		t.Fatalf("unexpected JSON output: %s", out)
	}
}

func TestPrettyPlainWhenNotTerminal(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelDebug).WithGroup("step")
	log.Debug("sampled", "token", 42, "took", 3*time.Millisecond, "note", "two words")

	out := buf.String()
	if strings.Contains(out, "\033[") {
		t.Fatalf("expected no ANSI codes for a buffer, got: %q", out)
	}
	for _, want := range []string{"DEBUG", "sampled", "step.token=42", "step.took=3ms", `step.note="two words"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got: %s", want, out)
		}
	}
}

func TestPrettyDerivedHandlersShareLock(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, nil)
	child := h.WithAttrs([]slog.Attr{slog.Int("a", 1)}).(*PrettyHandler)
	if child.mu != h.mu {
		t.Fatal("derived handler should share the parent's mutex")
	}
	if h.WithGroup("") != h {
		t.Fatal("empty group should return the same handler")
	}
}

func TestNewFormat(t *testing.T) {
	t.Parallel()
	for _, format := range []string{"", "pretty", "json", "TEXT"} {
		if _, err := NewFormat(&bytes.Buffer{}, format, "debug"); err != nil {
			t.Fatalf("format %q: %v", format, err)
		}
	}
	if _, err := NewFormat(&bytes.Buffer{}, "xml", "info"); err == nil {
		t.Fatal("expected unknown format error")
	}
	if _, err := NewFormat(&bytes.Buffer{}, "json", "loud"); err == nil {
		t.Fatal("expected unknown level error")
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard()
	if log.Enabled(slog.LevelError) {
		t.Fatal("discard logger should not enable any level")
	}
	log.Error("dropped")
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), Text(&buf, slog.LevelInfo))
	FromContext(ctx).Info("from context")
	if !strings.Contains(buf.String(), "from context") {
		t.Fatalf("expected context logger to be used, got: %s", buf.String())
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("expected default logger")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"Warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevelStrict("bogus"); err == nil {
		t.Fatal("expected strict parse error")
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()
	if needsQuoting("plain") || !needsQuoting("has space") || !needsQuoting(`q"uote`) {
		t.Fatal("unexpected quoting decision")
	}
}
