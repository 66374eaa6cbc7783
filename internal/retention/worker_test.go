package retention

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

type fakeUsageRepo struct {
	usageCalls []int64
	spendCalls []int64
	usageErr   error
}

func (f *fakeUsageRepo) DeleteUsageRecordsBefore(_ context.Context, _ time.Time, batchSize, maxPerRun int64) (int64, error) {
	if f.usageErr != nil {
		return 0, f.usageErr
	}
	f.usageCalls = append(f.usageCalls, maxPerRun)
	return 10, nil
}

func (f *fakeUsageRepo) DeleteDailySpendBefore(_ context.Context, _ time.Time, batchSize, maxPerRun int64) (int64, error) {
	f.spendCalls = append(f.spendCalls, maxPerRun)
	return 5, nil
}

type fakeAuditRepo struct {
	calls int
}

func (f *fakeAuditRepo) DeleteBefore(_ context.Context, _ time.Time, _, _ int64) (int64, error) {
	f.calls++
	return 3, nil
}

type fakeConversationRepo struct {
	calls int
}

func (f *fakeConversationRepo) HardDeleteSoftDeletedBefore(_ context.Context, _ time.Time, _, _ int64) (int64, error) {
	f.calls++
	return 2, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestWorker_RunRetentionOnlyPurgesConfiguredDomains(t *testing.T) {
	usage := &fakeUsageRepo{}
	audit := &fakeAuditRepo{}
	conv := &fakeConversationRepo{}

	cfg := Config{
		IntervalHours:    24,
		UsageRecordsDays: 30,
		BatchSize:        500,
	}
	w := NewWorker(cfg, usage, audit, conv, nil, discardLogger())

	result, err := w.runRetention(context.Background())
	if err != nil {
		t.Fatalf("runRetention() error = %v", err)
	}
	if result.UsageRecordsDeleted != 10 {
		t.Fatalf("UsageRecordsDeleted = %d, want 10", result.UsageRecordsDeleted)
	}
	if result.DailySpendDeleted != 0 || result.AuditLogsDeleted != 0 || result.ConversationsDeleted != 0 {
		t.Fatalf("unconfigured domains were purged: %+v", result)
	}
	if audit.calls != 0 || conv.calls != 0 {
		t.Fatal("audit/conversation repos should not be called when their retention days are 0")
	}
}

func TestWorker_RunRetentionAllDomains(t *testing.T) {
	usage := &fakeUsageRepo{}
	audit := &fakeAuditRepo{}
	conv := &fakeConversationRepo{}

	cfg := Config{
		IntervalHours:     24,
		UsageRecordsDays:  30,
		DailySpendDays:    90,
		AuditLogsDays:     365,
		ConversationsDays: 7,
		BatchSize:         500,
	}
	w := NewWorker(cfg, usage, audit, conv, nil, discardLogger())

	result, err := w.runRetention(context.Background())
	if err != nil {
		t.Fatalf("runRetention() error = %v", err)
	}
	if result.Total() != 20 {
		t.Fatalf("Total() = %d, want 20", result.Total())
	}
	if !result.HasDeletions() {
		t.Fatal("HasDeletions() = false, want true")
	}
}

func TestWorker_DryRunSkipsDeletes(t *testing.T) {
	usage := &fakeUsageRepo{}
	cfg := Config{
		IntervalHours:    24,
		UsageRecordsDays: 30,
		DryRun:           true,
	}
	w := NewWorker(cfg, usage, &fakeAuditRepo{}, &fakeConversationRepo{}, nil, discardLogger())

	result, err := w.runRetention(context.Background())
	if err != nil {
		t.Fatalf("runRetention() error = %v", err)
	}
	if result.UsageRecordsDeleted != 0 {
		t.Fatalf("UsageRecordsDeleted = %d, want 0 in dry run", result.UsageRecordsDeleted)
	}
	if len(usage.usageCalls) != 0 {
		t.Fatal("dry run should not call the repo")
	}
}

func TestWorker_MaxPerRunZeroMeansUnbounded(t *testing.T) {
	usage := &fakeUsageRepo{}
	cfg := Config{
		IntervalHours:    24,
		UsageRecordsDays: 30,
		MaxPerRun:        0,
	}
	w := NewWorker(cfg, usage, &fakeAuditRepo{}, &fakeConversationRepo{}, nil, discardLogger())

	if _, err := w.runRetention(context.Background()); err != nil {
		t.Fatalf("runRetention() error = %v", err)
	}
	if len(usage.usageCalls) != 1 || usage.usageCalls[0] != 0 {
		t.Fatalf("expected maxPerRun=0 to be passed through as 0 (unbounded), got %v", usage.usageCalls)
	}
}

func TestWorker_ErrorAbortsPassButIsNotFatal(t *testing.T) {
	usage := &fakeUsageRepo{usageErr: errors.New("db unavailable")}
	cfg := Config{
		IntervalHours:    24,
		UsageRecordsDays: 30,
	}
	w := NewWorker(cfg, usage, &fakeAuditRepo{}, &fakeConversationRepo{}, nil, discardLogger())

	if _, err := w.runRetention(context.Background()); err == nil {
		t.Fatal("runRetention() error = nil, want error from failing repo")
	}

	// runPass must swallow the error rather than panicking or propagating it.
	w.runPass(context.Background())
}

func TestWorker_RunExitsOnContextCancellation(t *testing.T) {
	cfg := Config{IntervalHours: 24, UsageRecordsDays: 30}
	w := NewWorker(cfg, &fakeUsageRepo{}, &fakeAuditRepo{}, &fakeConversationRepo{}, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}

func TestConfig_HasAnyRetention(t *testing.T) {
	if (Config{}).hasAnyRetention() {
		t.Fatal("empty config should have no retention configured")
	}
	if !(Config{AuditLogsDays: 1}).hasAnyRetention() {
		t.Fatal("config with one positive domain should have retention configured")
	}
}
