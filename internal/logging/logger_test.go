package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewToAddsAttributesAndFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTo(&buf, "dcxfer", "warn")

	logger.Info("hidden")
	logger.Warn("shown", "dc", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record passed a warn logger: %q", out)
	}
	for _, want := range []string{"msg=shown", "app=dcxfer", "pid=", "dc=2"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %q", want, out)
		}
	}
}

func TestValidLevel(t *testing.T) {
	if !ValidLevel("Error") || ValidLevel("trace") {
		t.Fatal("ValidLevel misclassified a level")
	}
}
