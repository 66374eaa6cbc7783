package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DLQEntry is one failed write parked for later inspection or replay.
// There is no reference implementation for this in the distilled system;
// it's modeled on this repo's own store.Create/pool pattern
// (pkg/apikey/store.go) rather than any original DLQ trait.
type DLQEntry struct {
	Kind      string
	Payload   string
	Reason    string
	Metadata  map[string]string
	CreatedAt time.Time
}

// WithMetadata returns a copy of e with the given metadata key set.
func (e DLQEntry) WithMetadata(key, value string) DLQEntry {
	m := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		m[k] = v
	}
	m[key] = value
	e.Metadata = m
	return e
}

// DeadLetterQueue parks entries a sink failed to write so they can be
// inspected or replayed later.
type DeadLetterQueue interface {
	Push(ctx context.Context, entry DLQEntry) error
}

// PostgresDLQ persists DLQ entries to the dead_letter_queue table.
type PostgresDLQ struct {
	pool *pgxpool.Pool
}

func NewPostgresDLQ(pool *pgxpool.Pool) *PostgresDLQ {
	return &PostgresDLQ{pool: pool}
}

func (d *PostgresDLQ) Push(ctx context.Context, entry DLQEntry) error {
	query := `INSERT INTO dead_letter_queue (kind, payload, reason, metadata, created_at)
	VALUES ($1, $2, $3, $4, $5)`
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling dead letter queue metadata: %w", err)
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if _, err := d.pool.Exec(ctx, query, entry.Kind, entry.Payload, entry.Reason, metadata, createdAt); err != nil {
		return fmt.Errorf("writing dead letter queue entry: %w", err)
	}
	return nil
}
