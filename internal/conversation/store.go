// Package conversation holds the narrow slice of the conversation-history
// domain this repo needs: purging soft-deleted rows for spec §4.9's
// retention pass. Conversation creation and message persistence belong to
// the chat-completions dispatch path, which is out of scope per spec §1 and
// stubbed behind internal/gateway.Dispatcher; this package only satisfies
// internal/retention.ConversationRepo against the conversations table a real
// dispatcher would populate.
package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the retention-facing repository over the conversations table.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// HardDeleteSoftDeletedBefore permanently removes conversations whose
// deleted_at (soft-delete marker) is older than cutoff, in batches of
// batchSize, stopping once maxPerRun rows have been removed (0 meaning
// unbounded: loop until a batch comes back short). Satisfies
// internal/retention.ConversationRepo.
func (s *Store) HardDeleteSoftDeletedBefore(ctx context.Context, cutoff time.Time, batchSize, maxPerRun int64) (int64, error) {
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

		tag, err := s.pool.Exec(ctx, `
			DELETE FROM conversations
			WHERE id IN (
				SELECT id FROM conversations
				WHERE deleted_at IS NOT NULL AND deleted_at < $1
				ORDER BY deleted_at LIMIT $2
			)`, cutoff, limit)
		if err != nil {
			return total, fmt.Errorf("hard-deleting soft-deleted conversations: %w", err)
		}

		deleted := tag.RowsAffected()
		total += deleted
		if deleted < limit {
			break
		}
	}
	return total, nil
}
