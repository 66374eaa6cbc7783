// Package retention runs the periodic data-retention pass described in
// spec §4.9: four domains, each purged in bounded batches once its
// retention period has elapsed.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Config controls which domains are purged and how aggressively.
type Config struct {
	IntervalHours int

	UsageRecordsDays  int
	DailySpendDays    int
	AuditLogsDays     int
	ConversationsDays int

	BatchSize int
	MaxPerRun int
	DryRun    bool
}

// hasAnyRetention reports whether at least one domain has a positive period.
func (c Config) hasAnyRetention() bool {
	return c.UsageRecordsDays > 0 || c.DailySpendDays > 0 || c.AuditLogsDays > 0 || c.ConversationsDays > 0
}

// RunResult aggregates the rows deleted across all four domains in one pass.
type RunResult struct {
	UsageRecordsDeleted  int64
	DailySpendDeleted    int64
	AuditLogsDeleted     int64
	ConversationsDeleted int64
}

// Total is the sum of rows deleted across all domains.
func (r RunResult) Total() int64 {
	return r.UsageRecordsDeleted + r.DailySpendDeleted + r.AuditLogsDeleted + r.ConversationsDeleted
}

// HasDeletions reports whether the pass deleted anything.
func (r RunResult) HasDeletions() bool {
	return r.Total() > 0
}

// UsageRepo purges rows from usage-derived tables, bounded by batchSize per
// statement and maxPerRun total (0 meaning unbounded).
type UsageRepo interface {
	DeleteUsageRecordsBefore(ctx context.Context, cutoff time.Time, batchSize, maxPerRun int64) (int64, error)
	DeleteDailySpendBefore(ctx context.Context, cutoff time.Time, batchSize, maxPerRun int64) (int64, error)
}

// AuditRepo purges audit log rows.
type AuditRepo interface {
	DeleteBefore(ctx context.Context, cutoff time.Time, batchSize, maxPerRun int64) (int64, error)
}

// ConversationRepo hard-deletes conversations that were soft-deleted before cutoff.
type ConversationRepo interface {
	HardDeleteSoftDeletedBefore(ctx context.Context, cutoff time.Time, batchSize, maxPerRun int64) (int64, error)
}

// Metrics records per-domain retention deletions. internal/telemetry
// implements this over prometheus counters.
type Metrics interface {
	RecordRetentionDeletion(domain string, count int64)
}

type noopMetrics struct{}

func (noopMetrics) RecordRetentionDeletion(string, int64) {}

// Worker runs the retention pass on a timer.
type Worker struct {
	cfg          Config
	usage        UsageRepo
	audit        AuditRepo
	conversation ConversationRepo
	metrics      Metrics
	logger       *slog.Logger
}

// NewWorker constructs a retention Worker. metrics may be nil.
func NewWorker(cfg Config, usage UsageRepo, audit AuditRepo, conversation ConversationRepo, metrics Metrics, logger *slog.Logger) *Worker {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Worker{cfg: cfg, usage: usage, audit: audit, conversation: conversation, metrics: metrics, logger: logger}
}

// Run blocks until ctx is cancelled, running one retention pass immediately
// and then on every interval tick via a cron "@every" schedule. Per-pass
// errors are logged and never abort the loop — the worker just waits for
// the next tick (spec §4.9).
func (w *Worker) Run(ctx context.Context) {
	if !w.cfg.hasAnyRetention() {
		w.logger.Info("retention worker has no retention periods configured, not starting")
		return
	}

	interval := w.cfg.IntervalHours
	if interval <= 0 {
		interval = 24
	}

	dryRunSuffix := ""
	if w.cfg.DryRun {
		dryRunSuffix = " (dry run)"
	}
	w.logger.Info("starting retention worker"+dryRunSuffix,
		"interval_hours", interval,
		"usage_records_days", w.cfg.UsageRecordsDays,
		"daily_spend_days", w.cfg.DailySpendDays,
		"audit_logs_days", w.cfg.AuditLogsDays,
		"conversations_days", w.cfg.ConversationsDays,
		"dry_run", w.cfg.DryRun,
	)

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %dh", interval), func() {
		w.runPass(ctx)
	}); err != nil {
		w.logger.Error("invalid retention schedule, worker not starting", "error", err)
		return
	}

	w.runPass(ctx)

	c.Start()
	defer c.Stop()

	<-ctx.Done()
	w.logger.Info("retention worker stopping")
}

func (w *Worker) runPass(ctx context.Context) {
	result, err := w.runRetention(ctx)
	if err != nil {
		w.logger.Error("error running retention", "error", err)
		return
	}
	if result.HasDeletions() {
		w.logger.Info("retention run complete",
			"usage_records", result.UsageRecordsDeleted,
			"daily_spend", result.DailySpendDeleted,
			"audit_logs", result.AuditLogsDeleted,
			"conversations", result.ConversationsDeleted,
			"total", result.Total(),
			"dry_run", w.cfg.DryRun,
		)
	} else {
		w.logger.Debug("retention run complete, no records to delete")
	}
}

func (w *Worker) runRetention(ctx context.Context) (RunResult, error) {
	var result RunResult

	if w.cfg.UsageRecordsDays > 0 {
		deleted, err := w.deleteUsageRecords(ctx)
		if err != nil {
			return result, err
		}
		result.UsageRecordsDeleted = deleted
	}

	if w.cfg.DailySpendDays > 0 {
		deleted, err := w.deleteDailySpend(ctx)
		if err != nil {
			return result, err
		}
		result.DailySpendDeleted = deleted
	}

	if w.cfg.AuditLogsDays > 0 {
		deleted, err := w.deleteAuditLogs(ctx)
		if err != nil {
			return result, err
		}
		result.AuditLogsDeleted = deleted
	}

	if w.cfg.ConversationsDays > 0 {
		deleted, err := w.deleteConversations(ctx)
		if err != nil {
			return result, err
		}
		result.ConversationsDeleted = deleted
	}

	return result, nil
}

func (w *Worker) maxPerRun() int64 {
	if w.cfg.MaxPerRun <= 0 {
		return 0
	}
	return int64(w.cfg.MaxPerRun)
}

func (w *Worker) deleteUsageRecords(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(w.cfg.UsageRecordsDays) * 24 * time.Hour)
	if w.cfg.DryRun {
		w.logger.Info("dry run: would delete usage records", "cutoff", cutoff)
		return 0, nil
	}
	deleted, err := w.usage.DeleteUsageRecordsBefore(ctx, cutoff, int64(w.cfg.BatchSize), w.maxPerRun())
	if err != nil {
		return 0, fmt.Errorf("deleting usage records: %w", err)
	}
	if deleted > 0 {
		w.logger.Debug("deleted usage records", "deleted", deleted, "cutoff", cutoff)
		w.metrics.RecordRetentionDeletion("usage_records", deleted)
	}
	return deleted, nil
}

func (w *Worker) deleteDailySpend(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(w.cfg.DailySpendDays) * 24 * time.Hour)
	if w.cfg.DryRun {
		w.logger.Info("dry run: would delete daily spend records", "cutoff", cutoff)
		return 0, nil
	}
	deleted, err := w.usage.DeleteDailySpendBefore(ctx, cutoff, int64(w.cfg.BatchSize), w.maxPerRun())
	if err != nil {
		return 0, fmt.Errorf("deleting daily spend records: %w", err)
	}
	if deleted > 0 {
		w.logger.Debug("deleted daily spend records", "deleted", deleted, "cutoff", cutoff)
		w.metrics.RecordRetentionDeletion("daily_spend", deleted)
	}
	return deleted, nil
}

func (w *Worker) deleteAuditLogs(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(w.cfg.AuditLogsDays) * 24 * time.Hour)
	if w.cfg.DryRun {
		w.logger.Info("dry run: would delete audit logs", "cutoff", cutoff)
		return 0, nil
	}
	deleted, err := w.audit.DeleteBefore(ctx, cutoff, int64(w.cfg.BatchSize), w.maxPerRun())
	if err != nil {
		return 0, fmt.Errorf("deleting audit logs: %w", err)
	}
	if deleted > 0 {
		w.logger.Debug("deleted audit logs", "deleted", deleted, "cutoff", cutoff)
		w.metrics.RecordRetentionDeletion("audit_logs", deleted)
	}
	return deleted, nil
}

func (w *Worker) deleteConversations(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(w.cfg.ConversationsDays) * 24 * time.Hour)
	if w.cfg.DryRun {
		w.logger.Info("dry run: would hard-delete soft-deleted conversations", "cutoff", cutoff)
		return 0, nil
	}
	deleted, err := w.conversation.HardDeleteSoftDeletedBefore(ctx, cutoff, int64(w.cfg.BatchSize), w.maxPerRun())
	if err != nil {
		return 0, fmt.Errorf("hard-deleting soft-deleted conversations: %w", err)
	}
	if deleted > 0 {
		w.logger.Debug("hard-deleted soft-deleted conversations", "deleted", deleted, "cutoff", cutoff)
		w.metrics.RecordRetentionDeletion("conversations", deleted)
	}
	return deleted, nil
}
