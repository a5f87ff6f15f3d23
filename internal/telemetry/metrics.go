package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/ttsrunner"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Job lifecycle metrics
	JobsCreatedTotal   metric.Int64Counter
	JobsCompletedTotal metric.Int64Counter
	JobsFailedTotal    metric.Int64Counter
	JobsCancelledTotal metric.Int64Counter
	JobsReapedTotal    metric.Int64Counter

	// Cache metrics
	CacheLookupsTotal metric.Int64Counter

	// Dispatcher metrics
	JobsInFlight      metric.Int64UpDownCounter
	SynthesisDuration metric.Float64Histogram
	ArtifactBytes     metric.Int64Counter

	// Stream metrics
	ActiveStreams metric.Int64UpDownCounter

	// HTTP metrics
	RateLimitedTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.JobsCreatedTotal, _ = meter.Int64Counter(
		"ttsrunner.jobs.created.total",
		metric.WithDescription("Total number of synthesis jobs created"),
		metric.WithUnit("{job}"),
	)

	m.JobsCompletedTotal, _ = meter.Int64Counter(
		"ttsrunner.jobs.completed.total",
		metric.WithDescription("Total number of jobs completed by the dispatcher"),
		metric.WithUnit("{job}"),
	)

	m.JobsFailedTotal, _ = meter.Int64Counter(
		"ttsrunner.jobs.failed.total",
		metric.WithDescription("Total number of jobs failed, by error code"),
		metric.WithUnit("{job}"),
	)

	m.JobsCancelledTotal, _ = meter.Int64Counter(
		"ttsrunner.jobs.cancelled.total",
		metric.WithDescription("Total number of jobs cancelled"),
		metric.WithUnit("{job}"),
	)

	m.JobsReapedTotal, _ = meter.Int64Counter(
		"ttsrunner.jobs.reaped.total",
		metric.WithDescription("Total number of stale processing jobs failed by the reaper"),
		metric.WithUnit("{job}"),
	)

	m.CacheLookupsTotal, _ = meter.Int64Counter(
		"ttsrunner.cache.lookups.total",
		metric.WithDescription("Total number of fingerprint cache lookups, by result"),
		metric.WithUnit("{lookup}"),
	)

	m.JobsInFlight, _ = meter.Int64UpDownCounter(
		"ttsrunner.dispatcher.in_flight",
		metric.WithDescription("Number of synthesis calls currently running"),
		metric.WithUnit("{job}"),
	)

	m.SynthesisDuration, _ = meter.Float64Histogram(
		"ttsrunner.dispatcher.synthesis.duration",
		metric.WithDescription("Wall clock duration of synthesis engine calls"),
		metric.WithUnit("ms"),
	)

	m.ArtifactBytes, _ = meter.Int64Counter(
		"ttsrunner.artifacts.bytes.total",
		metric.WithDescription("Total number of audio bytes written to the artifact store"),
		metric.WithUnit("By"),
	)

	m.ActiveStreams, _ = meter.Int64UpDownCounter(
		"ttsrunner.streams.active",
		metric.WithDescription("Number of open progress streams"),
		metric.WithUnit("{stream}"),
	)

	m.RateLimitedTotal, _ = meter.Int64Counter(
		"ttsrunner.http.rate_limited.total",
		metric.WithDescription("Total number of requests rejected by the rate limiter"),
		metric.WithUnit("{request}"),
	)

	return m
}
