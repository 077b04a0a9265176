package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestSlogHandlerAddsTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewSlogHandler(&buf, "info", "json"))

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	logger.InfoContext(ctx, "job finished", "job_id", "abc")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["trace_id"] != traceID.String() {
		t.Fatalf("expected trace_id %s, got %v", traceID, entry["trace_id"])
	}
	if entry["span_id"] != spanID.String() {
		t.Fatalf("expected span_id %s, got %v", spanID, entry["span_id"])
	}
}

func TestSlogHandlerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewSlogHandler(&buf, "warn", "text"))
	logger.Info("hidden")
	logger.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn line missing: %q", out)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLogLevel(input); got != want {
			t.Fatalf("ParseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestInitNoneIsNoop(t *testing.T) {
	shutdown, err := Init("storyloom", "test", Config{Exporter: "none"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := Init("storyloom", "test", Config{Exporter: "otlp"}); err == nil {
		t.Fatalf("expected otlp without endpoint to fail")
	}
}

func TestJobMetricsWithNoopProvider(t *testing.T) {
	m, err := NewJobMetrics()
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.JobSubmitted(context.Background(), "editor")
	m.JobFinished(context.Background(), "editor", "failed", "command", 0)
	var nilMetrics *JobMetrics
	nilMetrics.JobSubmitted(context.Background(), "editor")
}
