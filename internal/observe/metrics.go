// Package observe provides the proxy's OpenTelemetry metrics and the
// Prometheus endpoint that exposes them.
//
// Tests should use [NewMetrics] with a custom [metric.MeterProvider] to
// avoid cross-test pollution. A nil *Metrics is valid and records nothing.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all proxy metrics.
const meterName = "github.com/example/aquestalk-proxy"

// Metrics holds the metric instruments for sessions and requests.
type Metrics struct {
	// Sessions counts sessions started. Attribute: transport.
	Sessions metric.Int64Counter

	// ActiveSessions tracks sessions currently running. Attribute: transport.
	ActiveSessions metric.Int64UpDownCounter

	// Requests counts responses written. Attribute: outcome (the response
	// type, e.g. "Wav" or "JsonError").
	Requests metric.Int64Counter

	// SynthesisDuration tracks engine call latency. Attribute: voice.
	SynthesisDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Sessions, err = m.Int64Counter("aqtkproxy.sessions",
		metric.WithDescription("Total sessions started by transport."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("aqtkproxy.sessions.active",
		metric.WithDescription("Number of sessions currently running."),
	); err != nil {
		return nil, err
	}
	if met.Requests, err = m.Int64Counter("aqtkproxy.requests",
		metric.WithDescription("Total responses written by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("aqtkproxy.synthesis.duration",
		metric.WithDescription("Latency of one engine synthesis call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// SessionStarted records a new session and returns the func that ends it.
func (m *Metrics) SessionStarted(ctx context.Context, transport string) (done func()) {
	if m == nil {
		return func() {}
	}
	attrs := metric.WithAttributes(attribute.String("transport", transport))
	m.Sessions.Add(ctx, 1, attrs)
	m.ActiveSessions.Add(ctx, 1, attrs)
	return func() { m.ActiveSessions.Add(ctx, -1, attrs) }
}

// RecordRequest counts one written response.
func (m *Metrics) RecordRequest(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.Requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSynthesis records the latency of one engine call.
func (m *Metrics) RecordSynthesis(ctx context.Context, voice string, d time.Duration) {
	if m == nil {
		return
	}
	m.SynthesisDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("voice", voice)))
}
