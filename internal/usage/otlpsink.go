package usage

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// OtlpSinkConfig configures where usage log records are exported.
type OtlpSinkConfig struct {
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	Environment    string
	Timeout        time.Duration
}

// OtlpSink exports usage records as OTLP log records (spec §4.8). Each
// LogEntry becomes one log record on a dedicated "hadrian.usage" logger.
type OtlpSink struct {
	provider *sdklog.LoggerProvider
	logger   otellog.Logger
}

// NewOtlpSink builds an OTLP log exporter and logger provider for usage
// records, grounded on the same otlptracegrpc construction this repo uses
// for span export (internal/telemetry.InitTracer), swapped for the log
// exporter and OTLP/gRPC log client.
func NewOtlpSink(ctx context.Context, cfg OtlpSinkConfig) (*OtlpSink, error) {
	if cfg.Endpoint == "" {
		return nil, newSinkError("otlp", fmt.Errorf("no OTLP endpoint configured for usage logging"))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	exp, err := otlploggrpc.New(ctx,
		otlploggrpc.WithEndpoint(cfg.Endpoint),
		otlploggrpc.WithInsecure(),
		otlploggrpc.WithTimeout(timeout),
	)
	if err != nil {
		return nil, newSinkError("otlp", fmt.Errorf("creating OTLP log exporter: %w", err))
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentName(cfg.Environment),
		),
	)
	if err != nil {
		return nil, newSinkError("otlp", fmt.Errorf("building log resource: %w", err))
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	)

	return &OtlpSink{
		provider: provider,
		logger:   provider.Logger("hadrian.usage"),
	}, nil
}

func (s *OtlpSink) Name() string { return "otlp" }

// WriteBatch emits one log record per entry. All entries are considered
// successfully written once emitted; OTLP export is async via the batch
// processor, matching the original's fire-and-forget semantics for this sink.
func (s *OtlpSink) WriteBatch(ctx context.Context, entries []LogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	for _, e := range entries {
		var record otellog.Record
		record.SetSeverity(otellog.SeverityInfo)

		cost := int64(0)
		if e.CostMicrocents != nil {
			cost = *e.CostMicrocents
		}
		record.SetBody(otellog.StringValue(fmt.Sprintf("LLM usage: %d tokens, %d microcents", e.TotalTokens(), cost)))

		attrs := make([]otellog.KeyValue, 0, 32)
		attrs = append(attrs, otellog.String("hadrian.request_id", e.RequestID))
		if e.APIKeyID != nil {
			attrs = append(attrs, otellog.String("hadrian.api_key_id", e.APIKeyID.String()))
		}
		if e.UserID != nil {
			attrs = append(attrs, otellog.String("hadrian.user_id", e.UserID.String()))
		}
		if e.OrgID != nil {
			attrs = append(attrs, otellog.String("hadrian.org_id", e.OrgID.String()))
		}
		if e.ProjectID != nil {
			attrs = append(attrs, otellog.String("hadrian.project_id", e.ProjectID.String()))
		}
		if e.TeamID != nil {
			attrs = append(attrs, otellog.String("hadrian.team_id", e.TeamID.String()))
		}
		if e.ServiceAccountID != nil {
			attrs = append(attrs, otellog.String("hadrian.service_account_id", e.ServiceAccountID.String()))
		}
		attrs = append(attrs,
			otellog.String("hadrian.model", e.Model),
			otellog.String("hadrian.provider", e.Provider),
			otellog.Int64("hadrian.input_tokens", e.InputTokens),
			otellog.Int64("hadrian.output_tokens", e.OutputTokens),
			otellog.Int64("hadrian.total_tokens", e.TotalTokens()),
		)
		if e.CostMicrocents != nil {
			attrs = append(attrs,
				otellog.Int64("hadrian.cost_microcents", *e.CostMicrocents),
				otellog.Float64("hadrian.cost_dollars", float64(*e.CostMicrocents)/100_000_000.0),
			)
		}
		if e.HTTPReferer != nil {
			attrs = append(attrs, otellog.String("hadrian.http_referer", *e.HTTPReferer))
		}
		attrs = append(attrs, otellog.Bool("hadrian.streamed", e.Streamed))
		if e.CachedTokens > 0 {
			attrs = append(attrs, otellog.Int64("hadrian.cached_tokens", e.CachedTokens))
		}
		if e.ReasoningTokens > 0 {
			attrs = append(attrs, otellog.Int64("hadrian.reasoning_tokens", e.ReasoningTokens))
		}
		if e.FinishReason != nil {
			attrs = append(attrs, otellog.String("hadrian.finish_reason", *e.FinishReason))
		}
		if e.LatencyMs != nil {
			attrs = append(attrs, otellog.Int64("hadrian.latency_ms", *e.LatencyMs))
		}
		attrs = append(attrs, otellog.Bool("hadrian.cancelled", e.Cancelled))
		if e.StatusCode != nil {
			attrs = append(attrs, otellog.Int("hadrian.status_code", *e.StatusCode))
		}
		attrs = append(attrs, otellog.String("hadrian.pricing_source", string(e.PricingSource)))
		if e.ImageCount != nil {
			attrs = append(attrs, otellog.Int64("hadrian.image_count", *e.ImageCount))
		}
		if e.AudioSeconds != nil {
			attrs = append(attrs, otellog.Int64("hadrian.audio_seconds", *e.AudioSeconds))
		}
		if e.CharacterCount != nil {
			attrs = append(attrs, otellog.Int64("hadrian.character_count", *e.CharacterCount))
		}
		record.AddAttributes(attrs...)

		s.logger.Emit(ctx, record)
	}

	return len(entries), nil
}

// Close flushes and shuts down the underlying logger provider. Called from
// internal/lifecycle during shutdown, after the usage buffer itself has
// drained (spec §4.10).
func (s *OtlpSink) Close(ctx context.Context) error {
	return s.provider.Shutdown(ctx)
}
