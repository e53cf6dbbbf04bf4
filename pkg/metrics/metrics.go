// Package metrics exports gateway events as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jxskiss/mygw/pkg/circuit"
	"github.com/jxskiss/mygw/pkg/events"
	"github.com/jxskiss/mygw/pkg/upstream"
)

const namespace = "mygw"

// Sink is an events.Sink maintaining Prometheus metrics.
type Sink struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	attempts      *prometheus.CounterVec
	retries       *prometheus.CounterVec
	circuitState  *prometheus.GaugeVec
	memberHealthy *prometheus.GaugeVec
	configReloads *prometheus.CounterVec
}

func New() *Sink {
	s := &Sink{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Completed requests by route, cluster and status code.",
		}, []string{"route", "cluster", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request latency including all attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "cluster"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Attempts sent to upstream members.",
		}, []string{"cluster", "member"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried attempts by route and cluster.",
		}, []string{"route", "cluster"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state per member, 0 closed, 1 open, 2 half-open.",
		}, []string{"cluster", "member"}),
		memberHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "member_healthy",
			Help:      "Last health check verdict per member, 1 healthy, 0 unhealthy.",
		}, []string{"cluster", "member"}),
		configReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reloads by result.",
		}, []string{"result"}),
	}
	s.registry.MustRegister(
		s.requests,
		s.duration,
		s.attempts,
		s.retries,
		s.circuitState,
		s.memberHealthy,
		s.configReloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

func (s *Sink) Registry() *prometheus.Registry { return s.registry }

// Handler serves the metrics in Prometheus text format.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func (s *Sink) Emit(e *events.Event) {
	switch e.Kind {
	case events.RequestCompleted:
		s.requests.WithLabelValues(e.Route, e.Cluster, strconv.Itoa(e.Status)).Inc()
		s.duration.WithLabelValues(e.Route, e.Cluster).Observe(e.Duration.Seconds())
	case events.MemberSelected:
		s.attempts.WithLabelValues(e.Cluster, e.Member).Inc()
	case events.RetryAttempted:
		s.retries.WithLabelValues(e.Route, e.Cluster).Inc()
	case events.CircuitOpened:
		s.circuitState.WithLabelValues(e.Cluster, e.Member).Set(float64(circuit.Open))
	case events.CircuitHalfOpen:
		s.circuitState.WithLabelValues(e.Cluster, e.Member).Set(float64(circuit.HalfOpen))
	case events.CircuitClosed:
		s.circuitState.WithLabelValues(e.Cluster, e.Member).Set(float64(circuit.Closed))
	case events.HealthChanged:
		healthy := 0.0
		if e.To == upstream.Healthy.String() {
			healthy = 1
		}
		s.memberHealthy.WithLabelValues(e.Cluster, e.Member).Set(healthy)
	case events.ConfigReloaded:
		s.configReloads.WithLabelValues("success").Inc()
	case events.ConfigRejected:
		s.configReloads.WithLabelValues("rejected").Inc()
	}
}
