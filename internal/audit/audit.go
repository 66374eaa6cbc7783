// Package audit is an async, best-effort writer for admin and policy
// mutation audit events (spec §3's AuditLog: org config changes, dynamic
// provider CRUD, OIDC/SAML config changes, RBAC policy publishes), adapted
// from nightowl's tenant-schema incident audit writer to a flat org_id-keyed
// table.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hadrian-run/hadrian/internal/identity"
)

// ActorType discriminates who performed an audited action.
type ActorType string

const (
	ActorUser           ActorType = "user"
	ActorAPIKey         ActorType = "api_key"
	ActorServiceAccount ActorType = "service_account"
	ActorSystem         ActorType = "system"
)

// Entry is a single audit log entry to be written, matching spec §3's
// AuditLog shape: {id, at, actor_type, actor_id?, action, resource_type,
// resource_id, before?, after?, metadata?}.
type Entry struct {
	ActorType    ActorType
	ActorID      *uuid.UUID
	Action       string
	ResourceType string
	ResourceID   uuid.UUID
	Before       json.RawMessage
	After        json.RawMessage
	Metadata     json.RawMessage
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// Writer is an async, buffered audit log writer. Entries are sent to an
// internal channel and flushed by a background goroutine, so logging an
// audit event never blocks the request that triggered it.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start begins the background goroutine that flushes audit entries to the
// database. It returns when ctx is cancelled and all pending entries are
// flushed.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit entry for async writing. It never blocks the
// caller; if the buffer is full the entry is dropped and a warning logged.
func (w *Writer) Log(entry Entry) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry",
			"action", entry.Action, "resource_type", entry.ResourceType)
	}
}

// LogActor is a convenience wrapper deriving ActorType/ActorID from the
// request's AuthenticatedRequest before enqueuing the entry.
func (w *Writer) LogActor(ar *identity.AuthenticatedRequest, action, resourceType string, resourceID uuid.UUID, before, after, metadata json.RawMessage) {
	entry := Entry{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Before:       before,
		After:        after,
		Metadata:     metadata,
	}
	entry.ActorType, entry.ActorID = actorFromRequest(ar)
	w.Log(entry)
}

func actorFromRequest(ar *identity.AuthenticatedRequest) (ActorType, *uuid.UUID) {
	if ar == nil {
		return ActorSystem, nil
	}
	if ar.ApiKey != nil {
		id := ar.ApiKey.APIKeyID
		return ActorAPIKey, &id
	}
	if ar.Identity != nil && ar.Identity.UserID != nil {
		return ActorUser, ar.Identity.UserID
	}
	return ActorSystem, nil
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

const insertAuditLogQuery = `
INSERT INTO audit_log (at, actor_type, actor_id, action, resource_type, resource_id, before, after, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(insertAuditLogQuery,
			now, e.ActorType, e.ActorID, e.Action, e.ResourceType, e.ResourceID,
			e.Before, e.After, e.Metadata,
		)
	}

	br := w.pool.SendBatch(ctx, batch)
	defer br.Close()

	for _, e := range entries {
		if _, err := br.Exec(); err != nil {
			w.logger.Error("writing audit log entry", "error", err,
				"action", e.Action, "resource_type", e.ResourceType)
		}
	}
}

// Store is the read/delete side of the audit log, backed by the global
// pool. It satisfies internal/retention.AuditRepo.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// DeleteBefore deletes audit log entries older than cutoff in batches of
// batchSize, stopping once maxPerRun rows have been removed (0 meaning
// unbounded: loop until a batch comes back short).
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time, batchSize, maxPerRun int64) (int64, error) {
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
			DELETE FROM audit_log
			WHERE id IN (
				SELECT id FROM audit_log WHERE at < $1 ORDER BY at LIMIT $2
			)`, cutoff, limit)
		if err != nil {
			return total, fmt.Errorf("deleting aged audit log entries: %w", err)
		}

		deleted := tag.RowsAffected()
		total += deleted
		if deleted < limit {
			break
		}
	}
	return total, nil
}
