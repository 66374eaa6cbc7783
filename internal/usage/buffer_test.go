package usage

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeSink struct {
	mu      sync.Mutex
	batches [][]LogEntry
	err     error
}

func (s *fakeSink) Name() string { return "fake" }

func (s *fakeSink) WriteBatch(_ context.Context, entries []LogEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	batch := make([]LogEntry, len(entries))
	copy(batch, entries)
	s.batches = append(s.batches, batch)
	return len(entries), nil
}

func (s *fakeSink) totalWritten() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func makeTestEntry() LogEntry {
	return LogEntry{
		RequestID:     uuid.New().String(),
		Model:         "test-model",
		Provider:      "test-provider",
		InputTokens:   100,
		OutputTokens:  50,
		RequestAt:     time.Now(),
		PricingSource: PricingSourceNone,
	}
}

func TestBuffer_PushAndLen(t *testing.T) {
	b := NewBuffer(DefaultBufferConfig(), nil, discardLogger())
	b.Push(makeTestEntry())
	b.Push(makeTestEntry())
	if got := b.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
}

func TestBuffer_DropsWhenFull(t *testing.T) {
	cfg := BufferConfig{MaxSize: 10, FlushInterval: time.Minute, MaxPendingEntries: 2}
	b := NewBuffer(cfg, nil, discardLogger())

	b.Push(makeTestEntry())
	b.Push(makeTestEntry())
	b.Push(makeTestEntry()) // channel full, dropped

	if got := b.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
	if got := b.DroppedCount(); got != 1 {
		t.Fatalf("DroppedCount() = %d, want 1", got)
	}
}

func TestBuffer_RunFlushesOnInterval(t *testing.T) {
	cfg := BufferConfig{MaxSize: 100, FlushInterval: 10 * time.Millisecond, MaxPendingEntries: 1000}
	b := NewBuffer(cfg, nil, discardLogger())
	sink := &fakeSink{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx, sink)
		close(done)
	}()

	b.Push(makeTestEntry())
	b.Push(makeTestEntry())
	b.Push(makeTestEntry())

	time.Sleep(50 * time.Millisecond)
	if got := sink.totalWritten(); got != 3 {
		t.Fatalf("totalWritten() = %d, want 3", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}

func TestBuffer_ShutdownDrainsRemainingEntries(t *testing.T) {
	cfg := BufferConfig{MaxSize: 100, FlushInterval: time.Hour, MaxPendingEntries: 1000}
	b := NewBuffer(cfg, nil, discardLogger())
	sink := &fakeSink{}

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		b.Run(ctx, sink)
		close(done)
	}()

	b.Push(makeTestEntry())
	b.Push(makeTestEntry())
	b.Shutdown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after Shutdown")
	}

	if got := sink.totalWritten(); got != 2 {
		t.Fatalf("totalWritten() = %d, want 2", got)
	}
}

func TestBuffer_PublishesEventsBeforeSinkWrite(t *testing.T) {
	var published []RecordedEvent
	pub := publisherFunc(func(e RecordedEvent) {
		published = append(published, e)
	})

	cfg := BufferConfig{MaxSize: 100, FlushInterval: time.Hour, MaxPendingEntries: 1000}
	b := NewBuffer(cfg, pub, discardLogger())
	sink := &fakeSink{}

	entry := makeTestEntry()
	b.Push(entry)
	b.Shutdown()
	b.Run(context.Background(), sink)

	if len(published) != 1 {
		t.Fatalf("published %d events, want 1", len(published))
	}
	if published[0].Model != entry.Model {
		t.Fatalf("published event model = %q, want %q", published[0].Model, entry.Model)
	}
	if sink.totalWritten() != 1 {
		t.Fatalf("sink totalWritten() = %d, want 1", sink.totalWritten())
	}
}

type publisherFunc func(RecordedEvent)

func (f publisherFunc) PublishUsageRecorded(e RecordedEvent) { f(e) }
