// Package observe provides the observability primitives shared by casekeep:
// OpenTelemetry metrics, tracing spans around slot operations, trace-aware
// structured logging and the HTTP middleware of the operator server.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider]. Components take a *[Metrics] at construction
// and fall back to [DefaultMetrics]; tests should build their own with
// [NewMetrics] and a [sdkmetric.ManualReader].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all casekeep metrics.
const meterName = "github.com/MrWong99/casekeep"

// Status values used with the "status" attribute.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusInvalid = "invalid"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
type Metrics struct {
	// SaveDuration tracks slot writes, including the prior-header read.
	SaveDuration metric.Float64Histogram

	// LoadDuration tracks slot reads, including migration and recovery.
	LoadDuration metric.Float64Histogram

	// Saves counts slot writes. Attributes: slot, status.
	Saves metric.Int64Counter

	// Loads counts slot reads. Attributes: slot, outcome.
	Loads metric.Int64Counter

	// AutosaveTriggers counts gameplay events fed to the autosave
	// controller. Attributes: kind.
	AutosaveTriggers metric.Int64Counter

	// Autosaves counts autosave attempts. Attributes: status.
	Autosaves metric.Int64Counter

	// LocationTransitions counts location changes. Attributes: first_visit.
	LocationTransitions metric.Int64Counter

	// LegacyImports counts pre-slot saves moved into the slot scheme.
	// Attributes: status.
	LegacyImports metric.Int64Counter

	// ActiveSessions tracks the number of open game sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks operator API requests. Attributes: method,
	// route.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets covers fsync-bound local writes up to slow remote databases.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SaveDuration, err = m.Float64Histogram("casekeep.slot.save.duration",
		metric.WithDescription("Latency of slot saves."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LoadDuration, err = m.Float64Histogram("casekeep.slot.load.duration",
		metric.WithDescription("Latency of slot loads."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Saves, err = m.Int64Counter("casekeep.slot.saves",
		metric.WithDescription("Slot saves by slot and status."),
	); err != nil {
		return nil, err
	}
	if met.Loads, err = m.Int64Counter("casekeep.slot.loads",
		metric.WithDescription("Slot loads by slot and outcome."),
	); err != nil {
		return nil, err
	}
	if met.AutosaveTriggers, err = m.Int64Counter("casekeep.autosave.triggers",
		metric.WithDescription("Gameplay events received by the autosave controller by kind."),
	); err != nil {
		return nil, err
	}
	if met.Autosaves, err = m.Int64Counter("casekeep.autosave.saves",
		metric.WithDescription("Autosave attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.LocationTransitions, err = m.Int64Counter("casekeep.location.transitions",
		metric.WithDescription("Location changes, split by first visit."),
	); err != nil {
		return nil, err
	}
	if met.LegacyImports, err = m.Int64Counter("casekeep.slot.legacy_imports",
		metric.WithDescription("Pre-slot saves imported into the slot scheme by status."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("casekeep.active_sessions",
		metric.WithDescription("Number of open game sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("casekeep.http.request.duration",
		metric.WithDescription("Operator API latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSave records one slot save and its latency.
func (m *Metrics) RecordSave(ctx context.Context, slot, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("slot", slot),
		attribute.String("status", status),
	)
	m.Saves.Add(ctx, 1, attrs)
	m.SaveDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordLoad records one slot load and its latency.
func (m *Metrics) RecordLoad(ctx context.Context, slot, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("slot", slot),
		attribute.String("outcome", outcome),
	)
	m.Loads.Add(ctx, 1, attrs)
	m.LoadDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordAutosaveTrigger counts a gameplay event of the given kind.
func (m *Metrics) RecordAutosaveTrigger(ctx context.Context, kind string) {
	m.AutosaveTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordAutosave counts an autosave attempt.
func (m *Metrics) RecordAutosave(ctx context.Context, status string) {
	m.Autosaves.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordTransition counts a location change.
func (m *Metrics) RecordTransition(ctx context.Context, firstVisit bool) {
	m.LocationTransitions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("first_visit", firstVisit)))
}

// RecordLegacyImport counts a legacy save import attempt.
func (m *Metrics) RecordLegacyImport(ctx context.Context, status string) {
	m.LegacyImports.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
