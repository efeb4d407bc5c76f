// Package telemetry はOpenTelemetryのトレース出力を設定する。
package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// トレースの出力先。
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// serviceName はトレースのリソース属性に設定するサービス名。
const serviceName = "fitgate"

// TracingConfig はトレース出力の設定。
type TracingConfig struct {
	// Exporter は出力先（none / stdout）。
	Exporter string
	// SampleRatio は親スパンを持たないトレースの記録割合（0〜1）。
	SampleRatio float64
	// Writer はstdout出力の書き込み先。nilの場合は標準出力。
	Writer io.Writer
}

// NewTracerProvider は設定に従ってTracerProviderを生成する。
// noneの場合もスパンの生成とサンプリングは行い、出力のみを省く。
func NewTracerProvider(cfg TracingConfig) (*sdktrace.TracerProvider, error) {
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return nil, fmt.Errorf("trace sample ratio must be between 0 and 1: %v", cfg.SampleRatio)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
		)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}

	switch cfg.Exporter {
	case "", ExporterNone:
	case ExporterStdout:
		var exporterOpts []stdouttrace.Option
		if cfg.Writer != nil {
			exporterOpts = append(exporterOpts, stdouttrace.WithWriter(cfg.Writer))
		}
		exporter, err := stdouttrace.New(exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	default:
		return nil, fmt.Errorf("unknown trace exporter: %q", cfg.Exporter)
	}

	return sdktrace.NewTracerProvider(opts...), nil
}

// Setup はTracerProviderを生成してグローバルに登録する。
// 返される関数で未送信のスパンを出力して終了する。
func Setup(cfg TracingConfig) (func(context.Context) error, error) {
	tp, err := NewTracerProvider(cfg)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
