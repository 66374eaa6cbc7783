package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestTracker_WaitReturnsTrueWhenTasksFinish(t *testing.T) {
	tr := NewTracker(discardLogger())
	tr.Spawn("quick", func(ctx context.Context) error {
		return nil
	})

	if !tr.Wait(time.Second) {
		t.Fatal("Wait() = false, want true")
	}
}

func TestTracker_WaitReturnsFalseOnTimeout(t *testing.T) {
	tr := NewTracker(discardLogger())
	tr.Spawn("slow", func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})

	if tr.Wait(10 * time.Millisecond) {
		t.Fatal("Wait() = true, want false (should have timed out)")
	}
}

func TestTracker_CloseRejectsNewTasks(t *testing.T) {
	tr := NewTracker(discardLogger())
	tr.Close()

	if tr.Spawn("late", func(ctx context.Context) error { return nil }) {
		t.Fatal("Spawn() = true after Close(), want false")
	}
}

func TestTracker_TaskErrorDoesNotPanic(t *testing.T) {
	tr := NewTracker(discardLogger())
	tr.Spawn("failing", func(ctx context.Context) error {
		return errors.New("boom")
	})
	if !tr.Wait(time.Second) {
		t.Fatal("Wait() = false, want true")
	}
}

type fakeBufferStopper struct {
	shutdownCalled bool
}

func (f *fakeBufferStopper) Shutdown() { f.shutdownCalled = true }

func TestShutdownSequence_StopsBufferBeforeWaitingTasks(t *testing.T) {
	tr := NewTracker(discardLogger())
	buffer := &fakeBufferStopper{}
	bufferDone := make(chan struct{})

	var order []string
	tr.Spawn("task", func(ctx context.Context) error {
		order = append(order, "task")
		return nil
	})

	telemetryClosed := false
	closer := func(ctx context.Context) error {
		telemetryClosed = true
		return nil
	}

	close(bufferDone)
	ShutdownSequence(context.Background(), discardLogger(), tr, buffer, bufferDone, closer)

	if !buffer.shutdownCalled {
		t.Fatal("buffer.Shutdown() was not called")
	}
	if !telemetryClosed {
		t.Fatal("telemetry closer was not called")
	}
}

func TestShutdownSequence_ContinuesPastBufferTimeout(t *testing.T) {
	tr := NewTracker(discardLogger())
	buffer := &fakeBufferStopper{}
	bufferDone := make(chan struct{}) // never closed

	done := make(chan struct{})
	go func() {
		ShutdownSequence(context.Background(), discardLogger(), tr, buffer, bufferDone)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(7 * time.Second):
		t.Fatal("ShutdownSequence did not return after buffer timeout")
	}
}

func TestShutdownSequence_NilBufferIsSkipped(t *testing.T) {
	tr := NewTracker(discardLogger())
	done := make(chan struct{})
	go func() {
		ShutdownSequence(context.Background(), discardLogger(), tr, nil, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ShutdownSequence did not return for nil buffer")
	}
}
