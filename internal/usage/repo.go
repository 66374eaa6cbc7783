package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo is the retention-facing repository over usage_log and daily_spend.
// Satisfies internal/retention.UsageRepo.
type Repo struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

// DeleteUsageRecordsBefore deletes usage_log rows older than cutoff, in
// batches of batchSize, stopping once maxPerRun rows have been removed (0
// meaning unbounded: loop until a batch comes back short).
func (r *Repo) DeleteUsageRecordsBefore(ctx context.Context, cutoff time.Time, batchSize, maxPerRun int64) (int64, error) {
	return r.batchDelete(ctx, `
		DELETE FROM usage_log
		WHERE id IN (
			SELECT id FROM usage_log WHERE request_at < $1 ORDER BY request_at LIMIT $2
		)`, cutoff, batchSize, maxPerRun, "deleting aged usage log entries")
}

// DeleteDailySpendBefore deletes daily_spend rows older than cutoff.
func (r *Repo) DeleteDailySpendBefore(ctx context.Context, cutoff time.Time, batchSize, maxPerRun int64) (int64, error) {
	return r.batchDelete(ctx, `
		DELETE FROM daily_spend
		WHERE (org_id, api_key_id, day) IN (
			SELECT org_id, api_key_id, day FROM daily_spend WHERE day < $1 ORDER BY day LIMIT $2
		)`, cutoff, batchSize, maxPerRun, "deleting aged daily spend entries")
}

func (r *Repo) batchDelete(ctx context.Context, query string, cutoff time.Time, batchSize, maxPerRun int64, errContext string) (int64, error) {
	var total int64
	for {
		limit := batchSize
		if maxPerRun > 0 {
			if remaining := maxPerRun - total; remaining < limit {
				limit = remaining
			}
			if limit <= 0 {
				break
			}
		}

		tag, err := r.pool.Exec(ctx, query, cutoff, limit)
		if err != nil {
			return total, fmt.Errorf("%s: %w", errContext, err)
		}

		deleted := tag.RowsAffected()
		total += deleted
		if deleted < limit {
			break
		}
	}
	return total, nil
}
