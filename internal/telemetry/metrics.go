package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration is shared by internal/httpserver's Metrics middleware
// across every mounted route.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "hadrian",
		Subsystem: "api",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var UsageBufferDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "hadrian",
		Subsystem: "usage_buffer",
		Name:      "dropped_total",
		Help:      "Total number of usage log entries dropped because the buffer was full.",
	},
)

var UsageBufferDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "hadrian",
		Subsystem: "usage_buffer",
		Name:      "depth",
		Help:      "Number of usage log entries currently queued in the buffer.",
	},
)

var UsageSinkWriteDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "hadrian",
		Subsystem: "usage_sink",
		Name:      "write_duration_seconds",
		Help:      "Duration of a sink's write_batch call in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"sink"},
)

var UsageSinkWriteErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "hadrian",
		Subsystem: "usage_sink",
		Name:      "write_errors_total",
		Help:      "Total number of failed sink write_batch calls, by sink name.",
	},
	[]string{"sink"},
)

var UsageDLQTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "hadrian",
		Subsystem: "usage_sink",
		Name:      "dlq_total",
		Help:      "Total number of usage entries pushed to the dead-letter queue.",
	},
)

var RetentionRowsDeletedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "hadrian",
		Subsystem: "retention",
		Name:      "rows_deleted_total",
		Help:      "Total number of rows deleted by the retention worker, by domain.",
	},
	[]string{"domain"},
)

var RetentionRunErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "hadrian",
		Subsystem: "retention",
		Name:      "run_errors_total",
		Help:      "Total number of retention run errors, by domain.",
	},
	[]string{"domain"},
)

var ProviderCacheHitsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "hadrian",
		Subsystem: "provider_resolver",
		Name:      "cache_hits_total",
		Help:      "Total number of dynamic provider cache lookups, by result (hit/miss).",
	},
	[]string{"result"},
)

var OrgAccessCacheHitsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "hadrian",
		Subsystem: "provider_resolver",
		Name:      "org_access_cache_hits_total",
		Help:      "Total number of org-access cache lookups, by result (hit/miss).",
	},
	[]string{"result"},
)

var RBACDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "hadrian",
		Subsystem: "policy",
		Name:      "rbac_decisions_total",
		Help:      "Total number of RBAC access decisions, by effect (allow/deny).",
	},
	[]string{"effect"},
)

var PolicyCacheLoadsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "hadrian",
		Subsystem: "policy",
		Name:      "cache_loads_total",
		Help:      "Total number of policy registry loads from source, by reason (miss/version_changed).",
	},
	[]string{"reason"},
)

var SSOAuthenticationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "hadrian",
		Subsystem: "sso",
		Name:      "authentications_total",
		Help:      "Total number of completed SSO exchanges, by protocol (oidc/saml) and outcome.",
	},
	[]string{"protocol", "outcome"},
)

// All returns every Hadrian-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		UsageBufferDroppedTotal,
		UsageBufferDepth,
		UsageSinkWriteDuration,
		UsageSinkWriteErrorsTotal,
		UsageDLQTotal,
		RetentionRowsDeletedTotal,
		RetentionRunErrorsTotal,
		ProviderCacheHitsTotal,
		OrgAccessCacheHitsTotal,
		RBACDecisionsTotal,
		PolicyCacheLoadsTotal,
		SSOAuthenticationsTotal,
	}
}

// NewMetricsRegistry builds a Prometheus registry with the standard Go and
// process collectors plus every metric registered via All, and any extras.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reg.MustRegister(All()...)
	if len(extra) > 0 {
		reg.MustRegister(extra...)
	}
	return reg
}

// RetentionMetrics adapts RetentionRowsDeletedTotal to
// internal/retention.Metrics, so the retention worker records deletions
// without importing prometheus directly.
type RetentionMetrics struct{}

func (RetentionMetrics) RecordRetentionDeletion(domain string, count int64) {
	RetentionRowsDeletedTotal.WithLabelValues(domain).Add(float64(count))
}
