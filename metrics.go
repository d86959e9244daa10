package centralmutex

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics manages Prometheus metrics for the coordination core.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	cluster  string
	registry *prometheus.Registry
	server   *http.Server

	// Coordinator metrics
	RequestsTotal  *prometheus.CounterVec
	GrantsTotal    *prometheus.CounterVec
	ReleasesTotal  *prometheus.CounterVec
	QueueLength    *prometheus.GaugeVec
	ResourceBusy   *prometheus.GaugeVec
	HoldSeconds    *prometheus.HistogramVec
	ProtocolErrors *prometheus.CounterVec

	// Agent metrics
	PromotionsTotal *prometheus.CounterVec
	WaitSeconds     *prometheus.HistogramVec

	// Registry metrics
	Processes *prometheus.GaugeVec
}

// NewMetrics creates a metrics manager with its own registry.
func NewMetrics(cluster string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		cluster:  cluster,
		registry: registry,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_requests_total",
			Help: "Resource requests accepted by the coordinator",
		}, []string{"cluster", "outcome"}),

		GrantsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_grants_total",
			Help: "Grants sent by the coordinator",
		}, []string{"cluster", "outcome"}),

		ReleasesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_releases_total",
			Help: "Release messages received by the coordinator",
		}, []string{"cluster", "outcome"}),

		QueueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cm_queue_length",
			Help: "Requests waiting in the coordinator queue",
		}, []string{"cluster"}),

		ResourceBusy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cm_resource_busy",
			Help: "1 if the coordinator considers the resource in use",
		}, []string{"cluster"}),

		HoldSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cm_hold_seconds",
			Help:    "Time between grant and release as seen by the coordinator",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"cluster"}),

		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_protocol_errors_total",
			Help: "Malformed or out-of-place messages seen by the coordinator",
		}, []string{"cluster", "kind"}),

		PromotionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_promotions_total",
			Help: "Self-promotion attempts by result",
		}, []string{"cluster", "result"}),

		WaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cm_wait_seconds",
			Help:    "Time from first request to grant as seen by the requester",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"cluster"}),

		Processes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cm_processes",
			Help: "Active processes in the registry",
		}, []string{"cluster"}),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.GrantsTotal,
		m.ReleasesTotal,
		m.QueueLength,
		m.ResourceBusy,
		m.HoldSeconds,
		m.ProtocolErrors,
		m.PromotionsTotal,
		m.WaitSeconds,
		m.Processes,
	)

	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Start serves /metrics on addr until ctx is done.
func (m *Metrics) Start(ctx context.Context, addr string, logger *slog.Logger) error {
	if m == nil || addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	m.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server failed", "addr", addr, "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		m.Stop()
	}()

	return nil
}

// Stop stops the metrics server.
func (m *Metrics) Stop() {
	if m == nil || m.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.server.Shutdown(ctx)
}

// ObserveRequest counts an accepted request; denied is true when it was queued behind others.
func (m *Metrics) ObserveRequest(denied bool) {
	if m == nil {
		return
	}
	outcome := "queued"
	if denied {
		outcome = "denied"
	}
	m.RequestsTotal.WithLabelValues(m.cluster, outcome).Inc()
}

// ObserveGrant counts a grant attempt.
func (m *Metrics) ObserveGrant(err error) {
	if m == nil {
		return
	}
	outcome := "delivered"
	if err != nil {
		outcome = "dropped"
	}
	m.GrantsTotal.WithLabelValues(m.cluster, outcome).Inc()
}

// ObserveRelease counts a release and records the hold time when it was accepted.
func (m *Metrics) ObserveRelease(accepted bool, held time.Duration) {
	if m == nil {
		return
	}
	if !accepted {
		m.ReleasesTotal.WithLabelValues(m.cluster, "ignored").Inc()
		return
	}
	m.ReleasesTotal.WithLabelValues(m.cluster, "accepted").Inc()
	m.HoldSeconds.WithLabelValues(m.cluster).Observe(held.Seconds())
}

// ObserveProtocolError counts a malformed or out-of-place message.
func (m *Metrics) ObserveProtocolError(kind string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(m.cluster, kind).Inc()
}

// SetQueueState updates the queue length and busy gauges.
func (m *Metrics) SetQueueState(length int, busy bool) {
	if m == nil {
		return
	}
	m.QueueLength.WithLabelValues(m.cluster).Set(float64(length))
	val := 0.0
	if busy {
		val = 1.0
	}
	m.ResourceBusy.WithLabelValues(m.cluster).Set(val)
}

// ObservePromotion counts a promotion attempt by result.
func (m *Metrics) ObservePromotion(err error) {
	if m == nil {
		return
	}
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrAddressInUse):
		result = "address_in_use"
	default:
		result = "error"
	}
	m.PromotionsTotal.WithLabelValues(m.cluster, result).Inc()
}

// ObserveWait records how long a requester waited for its grant.
func (m *Metrics) ObserveWait(d time.Duration) {
	if m == nil {
		return
	}
	m.WaitSeconds.WithLabelValues(m.cluster).Observe(d.Seconds())
}

// SetProcesses updates the active process gauge.
func (m *Metrics) SetProcesses(count int) {
	if m == nil {
		return
	}
	m.Processes.WithLabelValues(m.cluster).Set(float64(count))
}
