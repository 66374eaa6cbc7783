// Package usage buffers completed-request usage records and flushes them in
// batches to one or more sinks (database, OTLP) per spec §4.8.
package usage

import (
	"time"

	"github.com/google/uuid"
)

// PricingSource records where an entry's cost_microcents figure came from.
// The pricing computation itself is out of scope here; this is the stamp a
// caller attaches when constructing an entry.
type PricingSource string

const (
	PricingSourceNone     PricingSource = "none"
	PricingSourceStatic   PricingSource = "static"
	PricingSourceDynamic  PricingSource = "dynamic"
	PricingSourceOverride PricingSource = "override"
)

// LogEntry is one row per completed or failed LLM request (spec §4.8).
// Immutable once enqueued into a Buffer.
type LogEntry struct {
	RequestID string

	// Owner identifiers. At most one chain of these is populated, mirroring
	// the principal/owner shapes in internal/identity and internal/routing.
	APIKeyID         *uuid.UUID
	UserID           *uuid.UUID
	OrgID            *uuid.UUID
	ProjectID        *uuid.UUID
	TeamID           *uuid.UUID
	ServiceAccountID *uuid.UUID

	Model    string
	Provider string

	InputTokens  int64
	OutputTokens int64

	CostMicrocents *int64
	HTTPReferer    *string

	RequestAt time.Time
	Streamed  bool

	CachedTokens    int64
	ReasoningTokens int64

	FinishReason *string
	LatencyMs    *int64
	Cancelled    bool
	StatusCode   *int

	PricingSource PricingSource

	// Modality counters, set only for requests that produced that modality.
	ImageCount     *int64
	AudioSeconds   *int64
	CharacterCount *int64

	// ProviderSource distinguishes a static (config-file) provider from a
	// dynamic (database-backed) one (internal/routing.ResolvedProviderInfo.Source).
	ProviderSource *string
}

// TotalTokens is the sum reported on the OTLP log record and events.
func (e LogEntry) TotalTokens() int64 {
	return e.InputTokens + e.OutputTokens
}
