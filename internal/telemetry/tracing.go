// Package telemetry はOpenTelemetryによる分散トレーシングの初期化とスパン操作を提供する。
// エクスポート先が設定されていない場合はグローバルのno-opプロバイダのままとなり、
// StartSpanはコストの低いno-opスパンを返す。
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// tracerName はこのアプリケーションのトレーサー名。
const tracerName = "github.com/hitoshi/tweetsync"

// exporterTimeout はエクスポーター生成とシャットダウンのタイムアウト。
const exporterTimeout = 5 * time.Second

// Init はOTLP/gRPCエクスポーターでトレーシングを初期化し、シャットダウン関数を返す。
// endpointが空の場合はトレーシングを無効のままにして何もしないシャットダウン関数を返す。
func Init(serviceName, serviceVersion, endpoint string, logger *slog.Logger) (func(context.Context) error, error) {
	if endpoint == "" {
		logger.Info("トレーシングは無効です（OTEL_EXPORTER_OTLP_ENDPOINT 未設定）")
		return func(context.Context) error { return nil }, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), exporterTimeout)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(endpoint),
	)
	if err != nil {
		return nil, fmt.Errorf("トレースエクスポーターの作成に失敗しました: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("トレースリソースの作成に失敗しました: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)

	logger.Info("トレーシングを初期化しました",
		slog.String("service", serviceName),
		slog.String("endpoint", endpoint),
	)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, exporterTimeout)
		defer cancel()
		return tp.Shutdown(ctx)
	}, nil
}

// StartSpan はアプリケーションのトレーサーでスパンを開始する。
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError はスパンにエラーを記録し、ステータスをErrorにする。errがnilなら何もしない。
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
