package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func newBufferedLogger(t *testing.T) (*SlogLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	return NewSlogLogger(slog.New(h)), &buf
}

func TestSlogLogger_LevelsWriteExpectedOutput(t *testing.T) {
	log, buf := newBufferedLogger(t)
	ctx := context.Background()

	log.Debug(ctx, "resolving package", "name", "bash")
	log.Info(ctx, "sync finished", "added", 3)
	log.Warn(ctx, "unknown architecture", "arch", "riscv")
	log.Error(ctx, "download failed", "attempt", 2)

	out := buf.String()

	tests := []struct {
		level string
		msg   string
		attr  string
	}{
		{"DEBUG", "resolving package", "name=bash"},
		{"INFO", "sync finished", "added=3"},
		{"WARN", "unknown architecture", "arch=riscv"},
		{"ERROR", "download failed", "attempt=2"},
	}

	for _, tc := range tests {
		if !strings.Contains(out, "level="+tc.level) {
			t.Fatalf("expected line with level=%s in output:\n%s", tc.level, out)
		}
		if !strings.Contains(out, "msg="+strconvQuoteIfNeeded(tc.msg)) {
			t.Fatalf("expected line with msg=%q in output:\n%s", tc.msg, out)
		}
		if !strings.Contains(out, tc.attr) {
			t.Fatalf("expected attribute %s in output:\n%s", tc.attr, out)
		}
	}
}

// The text handler quotes messages containing spaces.
func strconvQuoteIfNeeded(s string) string {
	if strings.ContainsAny(s, " \t") {
		return `"` + s + `"`
	}
	return s
}

func TestSlogLogger_WithAddsAttributes(t *testing.T) {
	log, buf := newBufferedLogger(t)
	ctx := context.Background()

	tagged := log.With("module", "content", "source", "epel")
	tagged.Info(ctx, "starting", "packages", 42)

	out := buf.String()
	for _, s := range []string{
		"level=INFO",
		"msg=starting",
		"module=content",
		"source=epel",
		"packages=42",
	} {
		if !strings.Contains(out, s) {
			t.Fatalf("expected %q in output, got:\n%s", s, out)
		}
	}
}

func TestSlogLogger_ContextDoesNotPanic(t *testing.T) {
	log, _ := newBufferedLogger(t)

	ctx := context.TODO()
	log.Debug(ctx, "ok")
	log.Info(ctx, "ok")
	log.Warn(ctx, "ok")
	log.Error(ctx, "ok")
}
