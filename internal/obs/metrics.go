// Package obs holds the daemon's OpenTelemetry metric instruments. When no
// MeterProvider has been installed (the default), the global API falls back
// to a no-op provider, so every call in this package is zero-cost until
// Setup wires a real exporter.
package obs

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

var meter = otel.Meter("wg_netmanager")

// Setup installs a real OTLP HTTP metric exporter when
// OTEL_EXPORTER_OTLP_ENDPOINT is set in the environment; otherwise the
// global MeterProvider is left as the default no-op and every instrument in
// this package records at zero cost. The returned function flushes and
// shuts down the provider; it is safe to call even when nothing was
// configured.
//
// Only metrics are wired here — this daemon has no tracing or log-export
// requirement, so the trace/log providers the teacher package also builds
// are deliberately left out.
func Setup(ctx context.Context, serviceName, serviceVersion string) (func(context.Context), error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return func(context.Context) {}, nil
	}

	hostname, _ := os.Hostname()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
			semconv.HostName(hostname),
		),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return func(context.Context) {}, fmt.Errorf("obs: build resource: %w", err)
	}

	exporter, err := otlpmetrichttp.New(ctx)
	if err != nil {
		return func(context.Context) {}, fmt.Errorf("obs: build otlp exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(30*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(ctx)
	}, nil
}

var (
	metricPeersActive     metric.Int64UpDownCounter
	metricReconcileDurMs  metric.Float64Histogram
	metricEnvelopeRejects metric.Int64Counter
	metricProtocolRejects metric.Int64Counter
	metricAdvertSent      metric.Int64Counter
	metricAdvertReceived  metric.Int64Counter
	metricRouteChanges    metric.Int64Counter
)

func init() {
	var err error

	metricPeersActive, err = meter.Int64UpDownCounter("wg_netmanager.peers.active",
		metric.WithDescription("Peers currently in Direct or DirectCandidate reachability"),
		metric.WithUnit("{peers}"),
	)
	if err != nil {
		panic("obs: create peers.active instrument: " + err.Error())
	}

	metricReconcileDurMs, err = meter.Float64Histogram("wg_netmanager.reconcile.duration_ms",
		metric.WithDescription("Time spent computing and applying one reconcile cycle"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("obs: create reconcile.duration_ms instrument: " + err.Error())
	}

	metricEnvelopeRejects, err = meter.Int64Counter("wg_netmanager.envelope.rejects",
		metric.WithDescription("Datagrams rejected by the crypto envelope layer, by reason"),
		metric.WithUnit("{datagrams}"),
	)
	if err != nil {
		panic("obs: create envelope.rejects instrument: " + err.Error())
	}

	metricProtocolRejects, err = meter.Int64Counter("wg_netmanager.protocol.rejects",
		metric.WithDescription("Well-formed envelopes rejected at the protocol layer, by reason"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic("obs: create protocol.rejects instrument: " + err.Error())
	}

	metricAdvertSent, err = meter.Int64Counter("wg_netmanager.advertisement.sent",
		metric.WithDescription("Advertisement messages sent"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic("obs: create advertisement.sent instrument: " + err.Error())
	}

	metricAdvertReceived, err = meter.Int64Counter("wg_netmanager.advertisement.received",
		metric.WithDescription("Advertisement messages accepted at ingest"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic("obs: create advertisement.received instrument: " + err.Error())
	}

	metricRouteChanges, err = meter.Int64Counter("wg_netmanager.routes.changed",
		metric.WithDescription("Route table mutations that triggered an advertisement burst"),
		metric.WithUnit("{changes}"),
	)
	if err != nil {
		panic("obs: create routes.changed instrument: " + err.Error())
	}
}

// SetPeersActive records the current count of Direct+DirectCandidate peers.
func SetPeersActive(count int64) {
	delta := count - lastPeersActive.Swap(count)
	metricPeersActive.Add(context.Background(), delta)
}

var lastPeersActive atomic.Int64

// RecordReconcileDuration records how long one reconcile cycle took.
func RecordReconcileDuration(ms float64) {
	metricReconcileDurMs.Record(context.Background(), ms)
}

// IncEnvelopeReject counts one envelope-layer rejection, tagged by reason.
func IncEnvelopeReject(reason string) {
	metricEnvelopeRejects.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// IncProtocolReject counts one protocol-layer rejection, tagged by kind.
func IncProtocolReject(kind string) {
	metricProtocolRejects.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// IncAdvertisementSent counts one Advertisement (or reply) sent.
func IncAdvertisementSent() {
	metricAdvertSent.Add(context.Background(), 1)
}

// IncAdvertisementReceived counts one Advertisement (or reply) ingested.
func IncAdvertisementReceived() {
	metricAdvertReceived.Add(context.Background(), 1)
}

// IncRouteChange counts one route-table mutation.
func IncRouteChange() {
	metricRouteChanges.Add(context.Background(), 1)
}
