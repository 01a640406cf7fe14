package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for lock management and version bookkeeping.
type Metrics interface {
	IncLockGranted(mode string)
	IncLockDenied(mode string)
	IncLockReleased()
	IncLockRefreshed()
	AddLocksExpired(n int)
	IncAuthorization(result string)
	IncVersionBump(status string)
	IncMutation(op, status string)
}

// GatewayMetrics captures request metrics for the HTTP gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncLockGranted(string)                          {}
func (Noop) IncLockDenied(string)                           {}
func (Noop) IncLockReleased()                               {}
func (Noop) IncLockRefreshed()                              {}
func (Noop) AddLocksExpired(int)                            {}
func (Noop) IncAuthorization(string)                        {}
func (Noop) IncVersionBump(string)                          {}
func (Noop) IncMutation(string, string)                     {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements Metrics backed by Prometheus counters.
type Prom struct {
	locksGranted   *prometheus.CounterVec
	locksDenied    *prometheus.CounterVec
	locksReleased  prometheus.Counter
	locksRefreshed prometheus.Counter
	locksExpired   prometheus.Counter
	authorizations *prometheus.CounterVec
	versionBumps   *prometheus.CounterVec
	mutations      *prometheus.CounterVec
	once           sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		locksGranted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_granted_total",
			Help:      "Locks granted by mode",
		}, []string{"mode"}),
		locksDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_denied_total",
			Help:      "Lock requests refused because of a conflicting lock",
		}, []string{"mode"}),
		locksReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_released_total",
			Help:      "Locks released by their holder",
		}),
		locksRefreshed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_refreshed_total",
			Help:      "Lock leases extended",
		}),
		locksExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_expired_total",
			Help:      "Expired locks purged on read or sweep",
		}),
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorizations_total",
			Help:      "Token authorization checks by result",
		}, []string{"result"}),
		versionBumps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_bumps_total",
			Help:      "Version counter increments by status",
		}, []string{"status"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Guarded mutations by operation and status",
		}, []string{"op", "status"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.locksGranted, p.locksDenied, p.locksReleased, p.locksRefreshed,
			p.locksExpired, p.authorizations, p.versionBumps, p.mutations)
	})
}

func (p *Prom) IncLockGranted(mode string) {
	p.locksGranted.WithLabelValues(mode).Inc()
}

func (p *Prom) IncLockDenied(mode string) {
	p.locksDenied.WithLabelValues(mode).Inc()
}

func (p *Prom) IncLockReleased() {
	p.locksReleased.Inc()
}

func (p *Prom) IncLockRefreshed() {
	p.locksRefreshed.Inc()
}

func (p *Prom) AddLocksExpired(n int) {
	if n > 0 {
		p.locksExpired.Add(float64(n))
	}
}

func (p *Prom) IncAuthorization(result string) {
	p.authorizations.WithLabelValues(result).Inc()
}

func (p *Prom) IncVersionBump(status string) {
	p.versionBumps.WithLabelValues(status).Inc()
}

func (p *Prom) IncMutation(op, status string) {
	p.mutations.WithLabelValues(op, status).Inc()
}

// Handler exposes Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
