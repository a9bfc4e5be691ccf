package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/tokengate"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Token metrics
	TokensIssuedTotal     metric.Int64Counter
	TokenValidationsTotal metric.Int64Counter
	TokenRevocationsTotal metric.Int64Counter

	// Version store metrics
	VersionLookupsTotal metric.Int64Counter

	// Connection metrics
	ActiveConnections      metric.Int64UpDownCounter
	ConnectionsClosedTotal metric.Int64Counter
	DispatchTotal          metric.Int64Counter
	DispatchDuration       metric.Float64Histogram

	// HTTP metrics
	HTTPRequestsTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary.
// Call it after InitTelemetry so the instruments bind to the configured provider.
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

	m.TokensIssuedTotal, _ = meter.Int64Counter(
		"tokengate.tokens.issued.total",
		metric.WithDescription("Total number of access tokens issued"),
		metric.WithUnit("{token}"),
	)

	m.TokenValidationsTotal, _ = meter.Int64Counter(
		"tokengate.tokens.validations.total",
		metric.WithDescription("Total number of token validations by outcome reason"),
		metric.WithUnit("{validation}"),
	)

	m.TokenRevocationsTotal, _ = meter.Int64Counter(
		"tokengate.tokens.revocations.total",
		metric.WithDescription("Total number of revoke-all operations"),
		metric.WithUnit("{revocation}"),
	)

	m.VersionLookupsTotal, _ = meter.Int64Counter(
		"tokengate.versions.lookups.total",
		metric.WithDescription("Total number of token version lookups by source"),
		metric.WithUnit("{lookup}"),
	)

	m.ActiveConnections, _ = meter.Int64UpDownCounter(
		"tokengate.connections.active",
		metric.WithDescription("Number of open websocket connections"),
		metric.WithUnit("{connection}"),
	)

	m.ConnectionsClosedTotal, _ = meter.Int64Counter(
		"tokengate.connections.closed.total",
		metric.WithDescription("Total number of websocket connections closed by reason"),
		metric.WithUnit("{connection}"),
	)

	m.DispatchTotal, _ = meter.Int64Counter(
		"tokengate.dispatch.total",
		metric.WithDescription("Total number of routed websocket messages by route and outcome"),
		metric.WithUnit("{message}"),
	)

	m.DispatchDuration, _ = meter.Float64Histogram(
		"tokengate.dispatch.duration",
		metric.WithDescription("Duration of websocket route handling"),
		metric.WithUnit("ms"),
	)

	m.HTTPRequestsTotal, _ = meter.Int64Counter(
		"tokengate.http.requests.total",
		metric.WithDescription("Total number of HTTP API requests by path and code"),
		metric.WithUnit("{request}"),
	)

	return m
}
