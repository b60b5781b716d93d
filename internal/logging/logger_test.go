package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNew_UsesJSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	lg := New(Options{Level: "debug", JSON: true, Writer: &buf, Component: "orchestrator"})
	lg.Debug("step", "k", "v")

	out := strings.TrimSpace(buf.String())
	if !strings.Contains(out, `"level":"DEBUG"`) {
		t.Fatalf("expected DEBUG level, got %s", out)
	}
	if !strings.Contains(out, `"component":"orchestrator"`) {
		t.Fatalf("expected component field, got %s", out)
	}
}

func TestNew_TextFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	lg := New(Options{Level: "warn", Writer: &buf})
	lg.Info("hidden")
	lg.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "shown") {
		t.Fatalf("expected text warn record, got %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestOrDiscard(t *testing.T) {
	if OrDiscard(nil) == nil {
		t.Fatalf("expected non-nil logger")
	}
	lg := slog.Default()
	if OrDiscard(lg) != lg {
		t.Fatalf("expected the same logger back")
	}
}
