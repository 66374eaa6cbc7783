package usage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// BufferConfig controls how a Buffer batches and drops entries.
type BufferConfig struct {
	// MaxSize is the number of entries drained per flush tick. Default 1000.
	MaxSize int
	// FlushInterval is how long the worker waits between flush ticks. Default 1s.
	FlushInterval time.Duration
	// MaxPendingEntries bounds the channel. When the channel is full, new
	// pushes are dropped rather than blocking the caller. 0 means a large
	// but still bounded default (1,000,000), never truly unbounded.
	MaxPendingEntries int
}

// DefaultBufferConfig mirrors the teacher's defaults for this kind of
// batching primitive, scaled to usage-log volumes per spec §4.8.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		MaxSize:           1000,
		FlushInterval:     time.Second,
		MaxPendingEntries: 10_000,
	}
}

const dropWarnEvery = 100

// RecordedEvent is the shape published to an EventPublisher once per flushed
// entry, before the sink write. A narrow local type rather than importing
// internal/events directly keeps this package decoupled from the event bus's
// websocket plumbing.
type RecordedEvent struct {
	RequestID        uuid.UUID
	Timestamp        time.Time
	Model            string
	Provider         string
	InputTokens      int64
	OutputTokens     int64
	CostMicrocents   *int64
	UserID           *uuid.UUID
	OrgID            *uuid.UUID
	ProjectID        *uuid.UUID
	TeamID           *uuid.UUID
	ServiceAccountID *uuid.UUID
}

// EventPublisher is the seam a Buffer uses to announce each flushed entry.
// internal/events.Bus implements this.
type EventPublisher interface {
	PublishUsageRecorded(RecordedEvent)
}

// Buffer collects LogEntry values off the hot request path and flushes them
// to a Sink in batches, per spec §4.8. Push is non-blocking: a full buffer
// drops the entry rather than stalling the caller.
type Buffer struct {
	entries chan LogEntry
	cfg     BufferConfig
	logger  *slog.Logger
	events  EventPublisher

	shutdown atomic.Bool
	dropped  atomic.Uint64

	wg sync.WaitGroup
}

// NewBuffer constructs a Buffer. events may be nil.
func NewBuffer(cfg BufferConfig, events EventPublisher, logger *slog.Logger) *Buffer {
	capacity := cfg.MaxPendingEntries
	if capacity <= 0 {
		capacity = 1_000_000
	}
	return &Buffer{
		entries: make(chan LogEntry, capacity),
		cfg:     cfg,
		logger:  logger,
		events:  events,
	}
}

// Push enqueues an entry for later flushing. Never blocks: if the channel is
// full, the entry is dropped and a warning is logged every dropWarnEvery
// drops to avoid log spam. If the worker has already stopped draining, the
// push still succeeds onto the channel buffer (draining doesn't close the
// channel), so the only drop path in practice is overflow.
func (b *Buffer) Push(entry LogEntry) {
	select {
	case b.entries <- entry:
	default:
		count := b.dropped.Add(1)
		if count%dropWarnEvery == 1 {
			b.logger.Warn("usage buffer overflow: dropping entries (sink may be slow/unavailable)",
				"dropped_count", count,
				"max_pending", b.cfg.MaxPendingEntries,
			)
		}
	}
}

// DroppedCount returns the number of entries dropped due to buffer overflow.
func (b *Buffer) DroppedCount() uint64 {
	return b.dropped.Load()
}

// Len returns the number of entries currently buffered, for introspection.
func (b *Buffer) Len() int {
	return len(b.entries)
}

// Run drains and flushes to sink until ctx is cancelled or Shutdown is
// called, then performs one final drain-and-flush before returning. Intended
// to be run in its own goroutine, tracked by internal/lifecycle.
func (b *Buffer) Run(ctx context.Context, sink Sink) {
	b.wg.Add(1)
	defer b.wg.Done()

	maxBatch := b.cfg.MaxSize
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	interval := b.cfg.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}

	batch := make([]LogEntry, 0, maxBatch)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		batch = b.drain(batch, maxBatch)
		if len(batch) > 0 {
			b.flush(ctx, sink, batch)
			batch = batch[:0]
		}

		if b.shutdown.Load() || ctx.Err() != nil {
			batch = b.drainAll(batch)
			if len(batch) > 0 {
				b.flush(context.Background(), sink, batch)
			}
			b.logger.Info("usage log buffer worker shutting down")
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
		}
	}
}

// Shutdown signals Run to perform its final drain-and-flush and return. It
// does not itself wait for Run to finish; callers select on ctx or join via
// their own tracking (internal/lifecycle).
func (b *Buffer) Shutdown() {
	b.shutdown.Store(true)
}

func (b *Buffer) drain(batch []LogEntry, maxSize int) []LogEntry {
	for len(batch) < maxSize {
		select {
		case e := <-b.entries:
			batch = append(batch, e)
		default:
			return batch
		}
	}
	return batch
}

func (b *Buffer) drainAll(batch []LogEntry) []LogEntry {
	for {
		select {
		case e := <-b.entries:
			batch = append(batch, e)
		default:
			return batch
		}
	}
}

func (b *Buffer) flush(ctx context.Context, sink Sink, batch []LogEntry) {
	b.logger.Debug("flushing usage log buffer", "count", len(batch))

	if b.events != nil {
		for _, e := range batch {
			requestID, err := uuid.Parse(e.RequestID)
			if err != nil {
				requestID = uuid.Nil
			}
			b.events.PublishUsageRecorded(RecordedEvent{
				RequestID:        requestID,
				Timestamp:        time.Now(),
				Model:            e.Model,
				Provider:         e.Provider,
				InputTokens:      e.InputTokens,
				OutputTokens:     e.OutputTokens,
				CostMicrocents:   e.CostMicrocents,
				UserID:           e.UserID,
				OrgID:            e.OrgID,
				ProjectID:        e.ProjectID,
				TeamID:           e.TeamID,
				ServiceAccountID: e.ServiceAccountID,
			})
		}
	}

	written, err := sink.WriteBatch(ctx, batch)
	if err != nil {
		b.logger.Error("usage log flush failed", "error", err, "count", len(batch))
		return
	}
	b.logger.Debug("usage log flush successful", "written", written, "total", len(batch))
}
