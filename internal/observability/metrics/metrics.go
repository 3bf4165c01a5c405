package metrics

import "github.com/prometheus/client_golang/prometheus"

// BookingMetrics exposes counters/histograms for the booking flows.
type BookingMetrics struct {
	reservationsTotal *prometheus.CounterVec
	webhooksTotal     *prometheus.CounterVec
	webhookLatency    *prometheus.HistogramVec
	provisionsTotal   *prometheus.CounterVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		reservationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cryptocare",
			Subsystem: "booking",
			Name:      "reservations_total",
			Help:      "Total slot reservation attempts",
		}, []string{"result"}),
		webhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cryptocare",
			Subsystem: "payments",
			Name:      "inbound_webhook_total",
			Help:      "Total inbound payment provider webhooks",
		}, []string{"event_status", "result"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cryptocare",
			Subsystem: "payments",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of payment webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_status"}),
		provisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cryptocare",
			Subsystem: "meetings",
			Name:      "provision_total",
			Help:      "Total video meeting provisioning attempts",
		}, []string{"result"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.reservationsTotal, m.webhooksTotal, m.webhookLatency, m.provisionsTotal)
	return m
}

func (m *BookingMetrics) ObserveReservation(result string) {
	if m == nil {
		return
	}
	m.reservationsTotal.WithLabelValues(result).Inc()
}

func (m *BookingMetrics) ObserveWebhook(eventStatus, result string) {
	if m == nil {
		return
	}
	m.webhooksTotal.WithLabelValues(eventStatus, result).Inc()
}

func (m *BookingMetrics) ObserveWebhookLatency(eventStatus string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(eventStatus).Observe(seconds)
}

func (m *BookingMetrics) ObserveProvision(result string) {
	if m == nil {
		return
	}
	m.provisionsTotal.WithLabelValues(result).Inc()
}
