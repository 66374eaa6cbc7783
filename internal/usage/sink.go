package usage

import (
	"context"
	"errors"
	"fmt"
)

// Sink is where a Buffer writes flushed batches.
type Sink interface {
	// WriteBatch writes entries and returns the number successfully written.
	WriteBatch(ctx context.Context, entries []LogEntry) (int, error)
	// Name identifies the sink for logging and metrics.
	Name() string
}

// ErrSinkNotConfigured is returned by a CompositeSink with no member sinks.
var ErrSinkNotConfigured = errors.New("usage sink not configured")

// SinkError wraps a failure from a specific sink kind (database, otlp) so
// callers can distinguish transport-level failures without string matching.
type SinkError struct {
	Kind string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("%s sink: %v", e.Kind, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

func newSinkError(kind string, err error) *SinkError {
	return &SinkError{Kind: kind, Err: err}
}
