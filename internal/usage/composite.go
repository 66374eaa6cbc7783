package usage

import (
	"context"
	"log/slog"
)

// CompositeSink writes to every configured sink. A failure in one sink
// never prevents writes to the others. WriteBatch succeeds (returning the
// largest written count) if at least one sink succeeds, and returns the
// last error only if every sink failed.
type CompositeSink struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewCompositeSink(logger *slog.Logger, sinks ...Sink) *CompositeSink {
	return &CompositeSink{sinks: sinks, logger: logger}
}

func (c *CompositeSink) Name() string { return "composite" }

func (c *CompositeSink) IsEmpty() bool { return len(c.sinks) == 0 }

func (c *CompositeSink) WriteBatch(ctx context.Context, entries []LogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	if len(c.sinks) == 0 {
		return 0, ErrSinkNotConfigured
	}

	maxWritten := 0
	var lastErr error

	for _, sink := range c.sinks {
		written, err := sink.WriteBatch(ctx, entries)
		if err != nil {
			c.logger.Error("usage sink write failed", "sink", sink.Name(), "error", err)
			lastErr = err
			continue
		}
		if written > maxWritten {
			maxWritten = written
		}
		c.logger.Debug("usage sink write successful", "sink", sink.Name(), "written", written)
	}

	if maxWritten > 0 {
		return maxWritten, nil
	}
	if lastErr != nil {
		return 0, lastErr
	}
	return 0, ErrSinkNotConfigured
}
