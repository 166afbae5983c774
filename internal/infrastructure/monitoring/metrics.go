package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a bus context and the relay
// daemon. Each instance owns its registry so several loci can live in one
// process (and one test binary) without collector collisions.
type Metrics struct {
	registry *prometheus.Registry

	// Envelope metrics
	EnvelopesTotal *prometheus.CounterVec
	RepliesTotal   *prometheus.CounterVec
	DispatchTotal  *prometheus.CounterVec

	// Correlation metrics
	PendingCalls  prometheus.Gauge
	TimeoutsTotal *prometheus.CounterVec

	// Proxy metrics
	ForwardingEntries prometheus.Gauge
	ProxyControls     *prometheus.CounterVec

	// Blob store metrics
	BlobEntries prometheus.Gauge
	BlobBytes   prometheus.Gauge

	// Relay metrics
	Attachments   prometheus.Gauge
	AttachRejects prometheus.Counter

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a new metrics collector with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry:  registry,
		startTime: time.Now(),

		EnvelopesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossbus_envelopes_total",
				Help: "Total number of envelopes delivered, by transport and status",
			},
			[]string{"locus", "transport", "status"},
		),
		RepliesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossbus_replies_total",
				Help: "Total number of replies received, by status",
			},
			[]string{"locus", "status"},
		),
		DispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossbus_dispatch_total",
				Help: "Total number of local handler dispatches",
			},
			[]string{"locus", "status"},
		),

		PendingCalls: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "crossbus_pending_calls",
				Help: "Number of outstanding correlated calls",
			},
		),
		TimeoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossbus_timeouts_total",
				Help: "Total number of calls that timed out, by event",
			},
			[]string{"event"},
		),

		ForwardingEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "crossbus_forwarding_entries",
				Help: "Number of live forwarding handler entries",
			},
		),
		ProxyControls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossbus_proxy_controls_total",
				Help: "Total number of proxy-control envelopes processed",
			},
			[]string{"op"},
		),

		BlobEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "crossbus_blob_entries",
				Help: "Number of resident blob store entries",
			},
		),
		BlobBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "crossbus_blob_bytes",
				Help: "Resident blob store size in bytes (at rest)",
			},
		),

		Attachments: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "crossbus_relay_attachments",
				Help: "Number of active relay WebSocket attachments",
			},
		),
		AttachRejects: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "crossbus_relay_attach_rejects_total",
				Help: "Total number of rejected attachment attempts",
			},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "crossbus_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
	}

	return m
}

// Handler returns an HTTP handler exposing this instance's registry.
func (m *Metrics) Handler() http.Handler {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordEnvelope records one envelope delivery attempt.
func (m *Metrics) RecordEnvelope(locus, transport, status string) {
	m.EnvelopesTotal.WithLabelValues(locus, transport, status).Inc()
}

// RecordReply records one received reply.
func (m *Metrics) RecordReply(locus, status string) {
	m.RepliesTotal.WithLabelValues(locus, status).Inc()
}

// RecordDispatch records one local handler dispatch.
func (m *Metrics) RecordDispatch(locus, status string) {
	m.DispatchTotal.WithLabelValues(locus, status).Inc()
}

// RecordTimeout records a call that hit its deadline.
func (m *Metrics) RecordTimeout(event string) {
	m.TimeoutsTotal.WithLabelValues(event).Inc()
}

// RecordProxyControl records a processed subscription-management envelope.
func (m *Metrics) RecordProxyControl(op string) {
	m.ProxyControls.WithLabelValues(op).Inc()
}

// SetPendingCalls sets the outstanding-call gauge.
func (m *Metrics) SetPendingCalls(n int) {
	m.PendingCalls.Set(float64(n))
}

// SetForwardingEntries sets the forwarding-entry gauge.
func (m *Metrics) SetForwardingEntries(n int) {
	m.ForwardingEntries.Set(float64(n))
}

// SetBlobStore sets the blob store gauges.
func (m *Metrics) SetBlobStore(entries int, bytes int64) {
	m.BlobEntries.Set(float64(entries))
	m.BlobBytes.Set(float64(bytes))
}

// IncAttachments increments the relay attachment gauge.
func (m *Metrics) IncAttachments() { m.Attachments.Inc() }

// DecAttachments decrements the relay attachment gauge.
func (m *Metrics) DecAttachments() { m.Attachments.Dec() }

// IncAttachRejects increments the rejected-attachment counter.
func (m *Metrics) IncAttachRejects() { m.AttachRejects.Inc() }
