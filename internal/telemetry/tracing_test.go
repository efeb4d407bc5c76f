package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestNewTracerProvider_StdoutWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewTracerProvider(TracingConfig{Exporter: ExporterStdout, SampleRatio: 1, Writer: &buf})
	if err != nil {
		t.Fatalf("NewTracerProvider() error = %v", err)
	}

	_, span := tp.Tracer("test").Start(context.Background(), "launch.Resolve")
	span.End()

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "launch.Resolve") {
		t.Errorf("output should contain span name, got %q", out)
	}
	if !strings.Contains(out, "fitgate") {
		t.Errorf("output should contain service name, got %q", out)
	}
}

func TestNewTracerProvider_NoneRecordsWithoutExport(t *testing.T) {
	tp, err := NewTracerProvider(TracingConfig{Exporter: ExporterNone, SampleRatio: 1})
	if err != nil {
		t.Fatalf("NewTracerProvider() error = %v", err)
	}
	defer tp.Shutdown(context.Background())

	_, span := tp.Tracer("test").Start(context.Background(), "launch.session")
	defer span.End()
	if !span.SpanContext().IsValid() {
		t.Error("SDKのプロバイダーは有効なスパンコンテキストを発行するべき")
	}
}

func TestNewTracerProvider_ZeroRatioDoesNotSample(t *testing.T) {
	tp, err := NewTracerProvider(TracingConfig{Exporter: ExporterNone, SampleRatio: 0})
	if err != nil {
		t.Fatalf("NewTracerProvider() error = %v", err)
	}
	defer tp.Shutdown(context.Background())

	_, span := tp.Tracer("test").Start(context.Background(), "launch.session")
	defer span.End()
	if span.SpanContext().IsSampled() {
		t.Error("割合0ではサンプリングされてはならない")
	}
}

func TestNewTracerProvider_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  TracingConfig
	}{
		{name: "unknown exporter", cfg: TracingConfig{Exporter: "jaeger", SampleRatio: 1}},
		{name: "negative ratio", cfg: TracingConfig{Exporter: ExporterNone, SampleRatio: -0.1}},
		{name: "ratio above one", cfg: TracingConfig{Exporter: ExporterNone, SampleRatio: 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTracerProvider(tt.cfg); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestSetup_RegistersGlobalProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := Setup(TracingConfig{Exporter: ExporterNone, SampleRatio: 1})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer shutdown(context.Background())

	_, span := otel.Tracer("test").Start(context.Background(), "launch.profile")
	defer span.End()
	if !span.SpanContext().IsValid() {
		t.Error("グローバルのTracerProviderがSDKに置き換わっていない")
	}
}
