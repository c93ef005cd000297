// Package observe provides application-wide observability primitives for
// Lumina: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Lumina metrics.
const meterName = "github.com/cheshiremew/lumina"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// LLMDuration tracks LLM inference latency, shared by the Chat
	// Orchestrator's live turns and the Dreaming Scheduler's extraction,
	// consolidation, and evolution calls. Use with attribute:
	//   attribute.String("kind", ...) // "chat", "extraction", "consolidation", "evolution", "arbitration"
	LLMDuration metric.Float64Histogram

	// HybridSearchDuration tracks Vector Store retrieval latency — the
	// combined vector, lexical, and graph-expansion fan-in of SearchHybrid.
	HybridSearchDuration metric.Float64Histogram

	// DreamingCycleDuration tracks one full Dreaming Scheduler pass
	// (extraction + consolidation + evolution) for a single character.
	DreamingCycleDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool-server call latency (web_search and
	// any future MCP tools in the manifest).
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// CharacterTurns counts completed chat turns. Use with attribute:
	//   attribute.String("character_id", ...)
	CharacterTurns metric.Int64Counter

	// DreamingPhaseRuns counts Dreaming Scheduler phase executions. Use with
	// attributes:
	//   attribute.String("phase", ...) // "extraction", "consolidation", "batch_consolidation", "evolution"
	//   attribute.String("status", ...) // "ran", "skipped", "error"
	DreamingPhaseRuns metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCharacters tracks the number of characters with a loaded
	// Character State.
	ActiveCharacters metric.Int64UpDownCounter

	// MemoryCoreQueueDepth tracks the number of pending jobs on the Memory
	// Core's background worker queue.
	MemoryCoreQueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for the
// sub-second pipeline stages (LLM calls, hybrid search, tool execution).
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// cycleBuckets defines histogram bucket boundaries (in seconds) for the
// Dreaming Scheduler's multi-minute consolidation cycles.
var cycleBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.LLMDuration, err = m.Float64Histogram("lumina.llm.duration",
		metric.WithDescription("Latency of LLM inference calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HybridSearchDuration, err = m.Float64Histogram("lumina.hybrid_search.duration",
		metric.WithDescription("Latency of hybrid (vector + lexical + graph) retrieval."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DreamingCycleDuration, err = m.Float64Histogram("lumina.dreaming.cycle.duration",
		metric.WithDescription("Duration of one full Dreaming Scheduler pass for a character."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(cycleBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("lumina.tool_execution.duration",
		metric.WithDescription("Latency of tool-server execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("lumina.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("lumina.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.CharacterTurns, err = m.Int64Counter("lumina.character.turns",
		metric.WithDescription("Total completed chat turns by character ID."),
	); err != nil {
		return nil, err
	}
	if met.DreamingPhaseRuns, err = m.Int64Counter("lumina.dreaming.phase_runs",
		metric.WithDescription("Total Dreaming Scheduler phase executions by phase and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("lumina.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCharacters, err = m.Int64UpDownCounter("lumina.active_characters",
		metric.WithDescription("Number of characters with a loaded Character State."),
	); err != nil {
		return nil, err
	}
	if met.MemoryCoreQueueDepth, err = m.Int64UpDownCounter("lumina.memory_core.queue_depth",
		metric.WithDescription("Number of pending jobs on the Memory Core worker queue."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("lumina.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordCharacterTurn is a convenience method that records a completed chat
// turn counter increment.
func (m *Metrics) RecordCharacterTurn(ctx context.Context, characterID string) {
	m.CharacterTurns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("character_id", characterID)),
	)
}

// RecordDreamingPhaseRun is a convenience method that records a Dreaming
// Scheduler phase execution counter increment.
func (m *Metrics) RecordDreamingPhaseRun(ctx context.Context, phase, status string) {
	m.DreamingPhaseRuns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("phase", phase),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
