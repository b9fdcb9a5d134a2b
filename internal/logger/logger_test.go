package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.Info("block cached", "origin", 7)

	output := buf.String()
	if !strings.Contains(output, `"msg":"block cached"`) {
		t.Fatalf("expected message in output, got: %s", output)
	}
	if !strings.Contains(output, `"origin":7`) {
		t.Fatalf("expected origin attr in JSON output, got: %s", output)
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Text(&buf, slog.LevelWarn)
	log.Info("should not appear")
	log.Debug("also should not appear")
	if buf.Len() > 0 {
		t.Fatalf("expected no output below warn, got: %s", buf.String())
	}
	log.Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected warn message in output, got: %s", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard().With("device", 0)
	log.Error("dropped")
}

func TestSetup(t *testing.T) {
	t.Parallel()
	tests := []struct {
		format, level string
		want          string
		wantErr       bool
	}{
		{format: "json", level: "debug", want: `"level":"DEBUG"`},
		{format: "text", level: "debug", want: "level=DEBUG"},
		{format: "", level: "debug", want: "DEBUG"},
		{format: "xml", level: "info", wantErr: true},
		{format: "json", level: "loud", wantErr: true},
	}
	for _, tc := range tests {
		var buf bytes.Buffer
		log, err := Setup(&buf, tc.format, tc.level)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("Setup(%q, %q): expected error", tc.format, tc.level)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Setup(%q, %q): %v", tc.format, tc.level, err)
		}
		log.Debug("setup check")
		if !strings.Contains(buf.String(), tc.want) {
			t.Fatalf("Setup(%q): expected %q in %q", tc.format, tc.want, buf.String())
		}
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), Text(&buf, slog.LevelInfo))
	FromContext(ctx).Info("roundtrip")
	if !strings.Contains(buf.String(), "roundtrip") {
		t.Fatalf("expected logger from context, got: %s", buf.String())
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without a logger returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tc := range tests {
		got, err := ParseLevel(tc.input)
		if err != nil || got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", tc.input, got, err, tc.want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestPrettyPlain(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := New(NewPrettyHandler(&buf, nil))
	log.Info("cycle done", "device", 1, "elapsed", 1500*time.Millisecond, "note", "two words", "ratio", 0.25)

	output := buf.String()
	for _, want := range []string{"INFO  cycle done", "device=1", "elapsed=1.5s", `note="two words"`, "ratio=0.25"} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %q in output, got: %s", want, output)
		}
	}
	if strings.Contains(output, "\033[") {
		t.Fatalf("colors must be off by default: %q", output)
	}
}

func TestPrettyColor(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := New(NewPrettyHandler(&buf, &PrettyOptions{Color: true}))
	log.Warn("hot")
	if !strings.Contains(buf.String(), colorYellow) {
		t.Fatalf("expected warn color, got: %q", buf.String())
	}
}

func TestPrettyGroups(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := New(NewPrettyHandler(&buf, &PrettyOptions{Level: slog.LevelDebug}))
	log.With("device", 0).WithGroup("eri").WithGroup("lru").Debug("evicted", "key", "3/1")
	log.Info("nested", slog.Group("cache", "hits", 2, "misses", 1))

	output := buf.String()
	for _, want := range []string{"device=0", "eri.lru.key=3/1", "cache.hits=2", "cache.misses=1"} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestPrettyEmptyGroup(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, nil)
	if h.WithGroup("") != h {
		t.Fatal("WithGroup(\"\") should return the same handler")
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input string
		want  bool
	}{
		{"simple", false},
		{"has space", true},
		{"has\ttab", true},
		{`has"quote`, true},
		{"k=v", true},
		{"", true},
	}
	for _, tc := range tests {
		if got := needsQuoting(tc.input); got != tc.want {
			t.Fatalf("needsQuoting(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}
