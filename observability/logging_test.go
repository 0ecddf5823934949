package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTraceContextHandlerAddsTraceIDs(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(provider)
	defer provider.Shutdown(context.Background())

	var buf bytes.Buffer
	logger := slog.New(NewTraceContextHandler(slog.NewTextHandler(&buf, nil)))

	ctx, span := otel.Tracer("test").Start(context.Background(), "test-span")
	logger.InfoContext(ctx, "inside span")
	span.End()

	spanContext := span.SpanContext()
	output := buf.String()
	if !strings.Contains(output, spanContext.TraceID().String()) {
		t.Errorf("Output missing trace_id: %s", output)
	}
	if !strings.Contains(output, spanContext.SpanID().String()) {
		t.Errorf("Output missing span_id: %s", output)
	}
}

func TestTraceContextHandlerWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceContextHandler(slog.NewTextHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "Test message without span")

	output := buf.String()
	if !strings.Contains(output, "Test message without span") {
		t.Errorf("Output missing message: %s", output)
	}
	if strings.Contains(output, "trace_id") {
		t.Errorf("Unexpected trace_id without span: %s", output)
	}
}

func TestStructuredHandlerProducesJSON(t *testing.T) {
	var buf bytes.Buffer
	handler := NewStructuredHandler(&buf, slog.LevelInfo)

	record := slog.NewRecord(time.Now(), slog.LevelWarn, "gateway retry", 0)
	record.AddAttrs(
		slog.Int("index", 3),
		slog.Any("error", errors.New("boom")),
		slog.Duration("delay", 2*time.Second),
	)
	if err := handler.WithAttrs([]slog.Attr{slog.String("run_id", "r1")}).Handle(context.Background(), record); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["message"] != "gateway retry" || entry["level"] != "WARN" {
		t.Errorf("Unexpected entry: %v", entry)
	}
	if entry["error"] != "boom" {
		t.Errorf("Expected error rendered as string, got %v", entry["error"])
	}
	if entry["delay"] != "2s" {
		t.Errorf("Expected duration rendered as string, got %v", entry["delay"])
	}
	if entry["run_id"] != "r1" {
		t.Errorf("Expected handler attribute, got %v", entry["run_id"])
	}
}

func TestStructuredHandlerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewStructuredHandler(&buf, slog.LevelWarn))

	logger.Info("dropped")
	logger.Error("kept")

	output := buf.String()
	if strings.Contains(output, "dropped") {
		t.Errorf("Info record should be filtered: %s", output)
	}
	if !strings.Contains(output, "kept") {
		t.Errorf("Error record missing: %s", output)
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name       string
		structured bool
		want       string
	}{
		{"text", false, "msg=hello"},
		{"json", true, `"message":"hello"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			NewLogger(&buf, slog.LevelInfo, tt.structured, true).Info("hello")
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("Expected %q in %q", tt.want, buf.String())
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
