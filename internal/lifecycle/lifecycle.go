// Package lifecycle tracks background tasks spawned for the lifetime of the
// process and runs the ordered shutdown sequence from spec §4.10 once the
// process receives SIGINT/SIGTERM (the signal handling itself stays in
// cmd/hadrian/main.go, via signal.NotifyContext, matching this repo's
// existing entrypoint idiom).
package lifecycle

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Tracker admits named background goroutines and lets the shutdown sequence
// wait for all of them with a bounded timeout. Once Close is called, Spawn
// stops admitting new tasks. Built on errgroup.Group for the group-of-
// goroutines/first-error semantics; the bounded-wait behavior on top is
// this package's own addition, since errgroup.Wait blocks unconditionally.
type Tracker struct {
	group  *errgroup.Group
	closed atomic.Bool
	logger *slog.Logger
}

func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{group: &errgroup.Group{}, logger: logger}
}

// Spawn runs fn in its own goroutine if the tracker hasn't been closed yet.
// Returns false without running fn if it has. fn's error, if any, is logged
// under name; Spawn never panics the caller for a failing task.
func (t *Tracker) Spawn(name string, fn func(ctx context.Context) error) bool {
	if t.closed.Load() {
		t.logger.Warn("task not admitted, tracker already closed", "task", name)
		return false
	}
	t.group.Go(func() error {
		if err := fn(context.Background()); err != nil {
			t.logger.Error("background task exited with error", "task", name, "error", err)
		}
		return nil
	})
	return true
}

// Close stops the tracker from admitting new tasks. Already-running tasks
// are unaffected; use Wait to join them.
func (t *Tracker) Close() {
	t.closed.Store(true)
}

// Wait blocks until every spawned task has returned or timeout elapses,
// whichever comes first. Returns true if all tasks completed in time.
func (t *Tracker) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		_ = t.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// BufferStopper is the subset of usage.Buffer's API the shutdown sequence
// needs: signal the worker to stop after its next drain-and-flush.
type BufferStopper interface {
	Shutdown()
}

// TelemetryCloser flushes and releases a telemetry exporter (OTLP logger
// provider, tracer provider).
type TelemetryCloser func(ctx context.Context) error

// ShutdownSequence runs the ordered shutdown steps from spec §4.10:
//  1. Close the tracker so no new task is admitted.
//  2. Signal the usage buffer to stop and wait for bufferDone, up to 5s.
//  3. Wait for tracked tasks, up to 30s.
//  4. Close telemetry exporters.
// Every step logs and continues past its own timeout or error rather than
// aborting the sequence.
func ShutdownSequence(ctx context.Context, logger *slog.Logger, tracker *Tracker, buffer BufferStopper, bufferDone <-chan struct{}, telemetryClosers ...TelemetryCloser) {
	logger.Info("shutdown: closing task tracker")
	tracker.Close()

	if buffer != nil {
		logger.Info("shutdown: stopping usage buffer")
		buffer.Shutdown()
		select {
		case <-bufferDone:
		case <-time.After(5 * time.Second):
			logger.Warn("shutdown: usage buffer did not stop within timeout, continuing")
		}
	}

	logger.Info("shutdown: waiting for tracked tasks")
	if !tracker.Wait(30 * time.Second) {
		logger.Warn("shutdown: tracked tasks did not finish within timeout, continuing")
	}

	logger.Info("shutdown: closing telemetry exporters")
	for _, closer := range telemetryClosers {
		if closer == nil {
			continue
		}
		if err := closer(ctx); err != nil {
			logger.Warn("shutdown: telemetry exporter close failed", "error", err)
		}
	}

	logger.Info("shutdown complete")
}
