// Package metrics wraps the Prometheus collectors published by the REST and
// gateway engines. Each library instance owns its own registry so multiple
// clients can coexist in one process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector the library publishes.
type Registry struct {
	reg *prometheus.Registry

	REST    RESTCollectors
	Gateway GatewayCollectors
}

// RESTCollectors covers the rate-limit engine.
type RESTCollectors struct {
	Requests             *prometheus.CounterVec
	Retries              prometheus.Counter
	RateLimited          prometheus.Counter
	GlobalLockouts       prometheus.Counter
	BucketsActive        prometheus.Gauge
	BucketMerges         prometheus.Counter
	BucketEvictions      prometheus.Counter
	BreakerOpens         prometheus.Counter
	BreakerRejections    prometheus.Counter
	MiddlewareRecoveries prometheus.Counter
	QueueWait            prometheus.Histogram
}

// GatewayCollectors covers the shard session engine.
type GatewayCollectors struct {
	ShardStates      *prometheus.GaugeVec
	EventsDispatched prometheus.Counter
	EventsDropped    prometheus.Counter
	Reconnects       prometheus.Counter
	Resumes          prometheus.Counter
	Identifies       prometheus.Counter
	ZombieCloses     prometheus.Counter
	HeartbeatLatency *prometheus.GaugeVec
}

// NewRegistry creates all collectors on a fresh Prometheus registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		REST: RESTCollectors{
			Requests: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "concord_rest_requests_total",
				Help: "REST requests by final status class",
			}, []string{"status"}),
			Retries: factory.NewCounter(prometheus.CounterOpts{
				Name: "concord_rest_retries_total",
				Help: "REST attempts retried after a retryable failure",
			}),
			RateLimited: factory.NewCounter(prometheus.CounterOpts{
				Name: "concord_rest_rate_limited_total",
				Help: "429 responses observed",
			}),
			GlobalLockouts: factory.NewCounter(prometheus.CounterOpts{
				Name: "concord_rest_global_lockouts_total",
				Help: "Global rate-limit lockouts observed",
			}),
			BucketsActive: factory.NewGauge(prometheus.GaugeOpts{
				Name: "concord_rest_buckets_active",
				Help: "Rate-limit buckets currently tracked",
			}),
			BucketMerges: factory.NewCounter(prometheus.CounterOpts{
				Name: "concord_rest_bucket_merges_total",
				Help: "Synthetic buckets merged into server-identified buckets",
			}),
			BucketEvictions: factory.NewCounter(prometheus.CounterOpts{
				Name: "concord_rest_bucket_evictions_total",
				Help: "Buckets evicted for inactivity or cap overflow",
			}),
			BreakerOpens: factory.NewCounter(prometheus.CounterOpts{
				Name: "concord_rest_breaker_opens_total",
				Help: "Circuit breaker open transitions",
			}),
			BreakerRejections: factory.NewCounter(prometheus.CounterOpts{
				Name: "concord_rest_breaker_rejections_total",
				Help: "Requests rejected while a breaker was open",
			}),
			MiddlewareRecoveries: factory.NewCounter(prometheus.CounterOpts{
				Name: "concord_rest_middleware_recoveries_total",
				Help: "Errors recovered by an error-stage middleware",
			}),
			QueueWait: factory.NewHistogram(prometheus.HistogramOpts{
				Name:    "concord_rest_queue_wait_seconds",
				Help:    "Time tickets spend queued before dispatch",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
			}),
		},
		Gateway: GatewayCollectors{
			ShardStates: factory.NewGaugeVec(prometheus.GaugeOpts{
				Name: "concord_gateway_shard_states",
				Help: "Number of shards per session state",
			}, []string{"state"}),
			EventsDispatched: factory.NewCounter(prometheus.CounterOpts{
				Name: "concord_gateway_events_dispatched_total",
				Help: "Dispatch events delivered to handlers",
			}),
			EventsDropped: factory.NewCounter(prometheus.CounterOpts{
				Name: "concord_gateway_events_dropped_total",
				Help: "Raw deliveries dropped under backpressure",
			}),
			Reconnects: factory.NewCounter(prometheus.CounterOpts{
				Name: "concord_gateway_reconnects_total",
				Help: "Shard reconnect attempts",
			}),
			Resumes: factory.NewCounter(prometheus.CounterOpts{
				Name: "concord_gateway_resumes_total",
				Help: "Session resume attempts",
			}),
			Identifies: factory.NewCounter(prometheus.CounterOpts{
				Name: "concord_gateway_identifies_total",
				Help: "Identify payloads sent",
			}),
			ZombieCloses: factory.NewCounter(prometheus.CounterOpts{
				Name: "concord_gateway_zombie_closes_total",
				Help: "Connections closed after missed heartbeat ACKs",
			}),
			HeartbeatLatency: factory.NewGaugeVec(prometheus.GaugeOpts{
				Name: "concord_gateway_heartbeat_latency_ms",
				Help: "Last observed heartbeat round trip per shard",
			}, []string{"shard"}),
		},
	}
}

// Handler exposes the registry over HTTP.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer returns the underlying registry for embedding into an existing
// metrics pipeline.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
