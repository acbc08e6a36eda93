package logutil

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestTrace(t *testing.T) {
	var buf bytes.Buffer
	old := slog.Default()
	defer slog.SetDefault(old)

	slog.SetDefault(NewLogger(&buf, LevelTrace))
	Trace("forward", "tokens", 4)

	out := buf.String()
	if !strings.Contains(out, "level=TRACE") {
		t.Errorf("expected TRACE level, got %q", out)
	}
	if !strings.Contains(out, "source=logutil_test.go:") {
		t.Errorf("expected caller source, got %q", out)
	}
	if !strings.Contains(out, "tokens=4") {
		t.Errorf("expected attributes, got %q", out)
	}
}

func TestTraceDisabled(t *testing.T) {
	var buf bytes.Buffer
	old := slog.Default()
	defer slog.SetDefault(old)

	slog.SetDefault(NewLogger(&buf, slog.LevelInfo))
	Trace("hidden")

	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}
