package usage

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DatabaseSink writes usage records to the usage_log table in a single
// batch insert per flush, falling back to the DLQ per-entry on failure.
type DatabaseSink struct {
	pool   *pgxpool.Pool
	dlq    DeadLetterQueue
	logger *slog.Logger
}

func NewDatabaseSink(pool *pgxpool.Pool, dlq DeadLetterQueue, logger *slog.Logger) *DatabaseSink {
	return &DatabaseSink{pool: pool, dlq: dlq, logger: logger}
}

func (s *DatabaseSink) Name() string { return "database" }

func (s *DatabaseSink) WriteBatch(ctx context.Context, entries []LogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(insertUsageLogQuery,
			e.RequestID, e.APIKeyID, e.UserID, e.OrgID, e.ProjectID, e.TeamID, e.ServiceAccountID,
			e.Model, e.Provider, e.InputTokens, e.OutputTokens, e.CostMicrocents, e.HTTPReferer,
			e.RequestAt, e.Streamed, e.CachedTokens, e.ReasoningTokens, e.FinishReason, e.LatencyMs,
			e.Cancelled, e.StatusCode, string(e.PricingSource), e.ImageCount, e.AudioSeconds,
			e.CharacterCount, e.ProviderSource,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	written := 0
	var firstErr error
	for range entries {
		if _, err := br.Exec(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		written++
	}

	if firstErr != nil {
		s.logger.Error("failed to batch insert usage logs", "error", firstErr, "count", len(entries))
		s.fallbackToDLQ(ctx, entries, firstErr)
		return written, newSinkError("database", firstErr)
	}

	return written, nil
}

func (s *DatabaseSink) fallbackToDLQ(ctx context.Context, entries []LogEntry, writeErr error) {
	if s.dlq == nil {
		return
	}
	for _, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			continue
		}
		dlqEntry := DLQEntry{
			Kind:    "usage_log",
			Payload: string(payload),
			Reason:  writeErr.Error(),
		}
		dlqEntry = dlqEntry.WithMetadata("model", e.Model)
		if e.APIKeyID != nil {
			dlqEntry = dlqEntry.WithMetadata("api_key_id", e.APIKeyID.String())
		}
		if err := s.dlq.Push(ctx, dlqEntry); err != nil {
			s.logger.Error("failed to write usage entry to DLQ", "error", err)
		}
	}
}

const insertUsageLogQuery = `INSERT INTO usage_log (
	request_id, api_key_id, user_id, org_id, project_id, team_id, service_account_id,
	model, provider, input_tokens, output_tokens, cost_microcents, http_referer,
	request_at, streamed, cached_tokens, reasoning_tokens, finish_reason, latency_ms,
	cancelled, status_code, pricing_source, image_count, audio_seconds,
	character_count, provider_source
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
	$19, $20, $21, $22, $23, $24, $25, $26
)`
