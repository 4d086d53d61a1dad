package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNew_JSONHandlerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: "json", Level: "warn", Output: &buf})

	logger.Info("hidden")
	logger.Warn("shown", "peer", "p1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines: got %d, want 1 (%q)", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["msg"] != "shown" || rec["peer"] != "p1" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestNew_TextIsDefault(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Format: "whatever", Output: &buf}).Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("text output: got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "WARNING": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q): got %v, want %v", in, got, want)
		}
	}
}
