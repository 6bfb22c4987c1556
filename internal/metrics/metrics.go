// ABOUTME: Prometheus metrics for connection binding and settlement delivery.
// ABOUTME: All helper methods are nil-safe so tests can pass a nil Metrics.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides observability for the gateway core.
type Metrics struct {
	registry *prometheus.Registry

	// Bound connections by audience ("devices", "admins"), matching the
	// registry instance names so dashboards and logs correlate.
	Connections *prometheus.GaugeVec

	// Settlement pipeline counters
	InvoicesRecorded       prometheus.Counter
	SettlementsObserved    prometheus.Counter
	SettlementsUnattr      prometheus.Counter
	NoticesDelivered       prometheus.Counter
	SettlementsAcked       prometheus.Counter
}

// New creates a Metrics instance backed by its own registry, so multiple
// gateways in one process (tests) never collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vend_gateway_connections",
			Help: "Currently bound connections by audience",
		}, []string{"audience"}),

		InvoicesRecorded: factory.NewCounter(prometheus.CounterOpts{
			Name: "vend_gateway_invoices_recorded_total",
			Help: "Invoices whose creator was recorded for settlement attribution",
		}),

		SettlementsObserved: factory.NewCounter(prometheus.CounterOpts{
			Name: "vend_gateway_settlements_observed_total",
			Help: "Settlement events attributed to a known creator device",
		}),

		SettlementsUnattr: factory.NewCounter(prometheus.CounterOpts{
			Name: "vend_gateway_settlements_unattributable_total",
			Help: "Settlement events with no known creator device",
		}),

		NoticesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "vend_gateway_settlement_notices_delivered_total",
			Help: "Settlement notices handed to a live device connection",
		}),

		SettlementsAcked: factory.NewCounter(prometheus.CounterOpts{
			Name: "vend_gateway_settlements_acked_total",
			Help: "Settlements acknowledged and removed from tracking",
		}),
	}
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ConnectionBound records a connection binding for an audience.
func (m *Metrics) ConnectionBound(audience string) {
	if m != nil {
		m.Connections.WithLabelValues(audience).Inc()
	}
}

// ConnectionUnbound records a connection unbinding for an audience.
func (m *Metrics) ConnectionUnbound(audience string) {
	if m != nil {
		m.Connections.WithLabelValues(audience).Dec()
	}
}

// InvoiceRecorded counts a recorded invoice creator.
func (m *Metrics) InvoiceRecorded() {
	if m != nil {
		m.InvoicesRecorded.Inc()
	}
}

// SettlementObserved counts an attributed settlement.
func (m *Metrics) SettlementObserved() {
	if m != nil {
		m.SettlementsObserved.Inc()
	}
}

// SettlementUnattributed counts a settlement with no known creator.
func (m *Metrics) SettlementUnattributed() {
	if m != nil {
		m.SettlementsUnattr.Inc()
	}
}

// NoticeDelivered counts a notice handed to a live connection.
func (m *Metrics) NoticeDelivered() {
	if m != nil {
		m.NoticesDelivered.Inc()
	}
}

// SettlementAcked counts an acknowledged settlement.
func (m *Metrics) SettlementAcked() {
	if m != nil {
		m.SettlementsAcked.Inc()
	}
}
