package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":    slog.LevelDebug,
		" WARN ":   slog.LevelWarn,
		"warning":  slog.LevelWarn,
		"error":    slog.LevelError,
		"":         slog.LevelInfo,
		"verbose?": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := levelFromString(in).Level(); got != want {
			t.Fatalf("level %q: expected %s got %s", in, want, got)
		}
	}
}

func TestNewWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info")
	logger.Debug("hidden")
	logger.Info("ride created", "ride_id", "r1")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected a single JSON line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "ride created" || line["ride_id"] != "r1" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestContextFieldsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info")

	ctx := WithRequestID(context.Background(), "req-1")
	// Set later in the chain on the same request; must reach loggers holding ctx.
	FieldsFrom(ctx).Subject = "user-9"
	ctx = WithRideID(ctx, "r1")
	logger.InfoContext(ctx, "ride accepted")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if line["request_id"] != "req-1" || line["subject"] != "user-9" || line["ride_id"] != "r1" {
		t.Fatalf("context fields missing: %v", line)
	}
	if RequestID(ctx) != "req-1" || RequestID(context.Background()) != "" {
		t.Fatal("RequestID lookup mismatch")
	}
}
