package usage

import (
	"context"
	"errors"
	"testing"
)

func TestCompositeSink_AllSucceed(t *testing.T) {
	a := &fakeSink{}
	b := &fakeSink{}
	c := NewCompositeSink(discardLogger(), a, b)

	entries := []LogEntry{makeTestEntry(), makeTestEntry()}
	written, err := c.WriteBatch(context.Background(), entries)
	if err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}
	if written != 2 {
		t.Fatalf("written = %d, want 2", written)
	}
	if a.totalWritten() != 2 || b.totalWritten() != 2 {
		t.Fatalf("expected both sinks written, got a=%d b=%d", a.totalWritten(), b.totalWritten())
	}
}

func TestCompositeSink_SucceedsIfAnySinkSucceeds(t *testing.T) {
	failing := &fakeSink{err: errors.New("boom")}
	ok := &fakeSink{}
	c := NewCompositeSink(discardLogger(), failing, ok)

	entries := []LogEntry{makeTestEntry()}
	written, err := c.WriteBatch(context.Background(), entries)
	if err != nil {
		t.Fatalf("WriteBatch() error = %v, want nil", err)
	}
	if written != 1 {
		t.Fatalf("written = %d, want 1", written)
	}
}

func TestCompositeSink_FailsIfAllSinksFail(t *testing.T) {
	a := &fakeSink{err: errors.New("a failed")}
	b := &fakeSink{err: errors.New("b failed")}
	c := NewCompositeSink(discardLogger(), a, b)

	_, err := c.WriteBatch(context.Background(), []LogEntry{makeTestEntry()})
	if err == nil {
		t.Fatal("WriteBatch() error = nil, want non-nil")
	}
	if err.Error() != "b failed" {
		t.Fatalf("error = %q, want last sink's error %q", err.Error(), "b failed")
	}
}

func TestCompositeSink_EmptyReturnsNotConfigured(t *testing.T) {
	c := NewCompositeSink(discardLogger())
	if !c.IsEmpty() {
		t.Fatal("IsEmpty() = false, want true")
	}
	_, err := c.WriteBatch(context.Background(), []LogEntry{makeTestEntry()})
	if !errors.Is(err, ErrSinkNotConfigured) {
		t.Fatalf("error = %v, want ErrSinkNotConfigured", err)
	}
}

func TestCompositeSink_EmptyBatchIsNoop(t *testing.T) {
	c := NewCompositeSink(discardLogger())
	written, err := c.WriteBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("WriteBatch(nil) error = %v, want nil", err)
	}
	if written != 0 {
		t.Fatalf("written = %d, want 0", written)
	}
}
