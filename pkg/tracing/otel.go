// Copyright 2026 fanjia1024
// OpenTelemetry integration for distributed tracing

package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "fanout-platform"

// OTelConfig OpenTelemetry 配置
type OTelConfig struct {
	ServiceName    string
	ExportEndpoint string
	Insecure       bool
}

// InitTracer 初始化 OpenTelemetry tracer
func InitTracer(config OTelConfig) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.ExportEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

func start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartJobSpan 开始 job 生命周期操作 span（create/cancel/finalize）
func StartJobSpan(ctx context.Context, op string, jobID string, tenantID string) (context.Context, trace.Span) {
	return start(ctx, "job."+op,
		attribute.String("job.id", jobID),
		attribute.String("tenant.id", tenantID),
	)
}

// StartClaimSpan 开始 claim span
func StartClaimSpan(ctx context.Context, jobID string, instanceID string) (context.Context, trace.Span) {
	return start(ctx, "item.claim",
		attribute.String("job.id", jobID),
		attribute.String("instance.id", instanceID),
	)
}

// StartItemSpan 开始条目状态迁移 span（start/complete/fail）
func StartItemSpan(ctx context.Context, op string, itemID string) (context.Context, trace.Span) {
	return start(ctx, "item."+op, attribute.String("item.id", itemID))
}

// StartSweepSpan 开始一次存活回收 span
func StartSweepSpan(ctx context.Context) (context.Context, trace.Span) {
	return start(ctx, "liveness.sweep")
}

// JobIDAttr 作业创建后补充 job.id 属性
func JobIDAttr(jobID string) attribute.KeyValue {
	return attribute.String("job.id", jobID)
}

// EndSpan 记录错误并结束 span
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
