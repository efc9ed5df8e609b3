package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/petrijr/conveyor/pkg/api"
)

func TestNew_WritesStructuredFields(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(Options{Level: "trace", Format: "json", Writer: buf})

	l = api.WithLoggerFields(l, map[string]any{"execution_uuid": "run-1"})
	l.WithContext(context.Background()).Info("instance queued", "state", "build")

	out := buf.String()
	if strings.TrimSpace(out) == "" {
		t.Fatalf("expected log output")
	}
	if !strings.Contains(out, "instance queued") {
		t.Fatalf("message missing from %q", out)
	}
	if !strings.Contains(out, "execution_uuid") {
		t.Fatalf("fields missing from %q", out)
	}
}

func TestNew_LevelFilters(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(Options{Level: "error", Writer: buf})

	l.Debug("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("debug line written at error level: %q", buf.String())
	}
}

func TestWrap_NilIsNop(t *testing.T) {
	if _, ok := Wrap(nil).(api.NopLogger); !ok {
		t.Fatalf("expected nil logger to normalize to NopLogger")
	}
}
