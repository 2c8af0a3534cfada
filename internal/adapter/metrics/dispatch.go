package metrics

import (
	"time"

	"github.com/codesabhinav/whatsapp-me/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// DispatchMetrics holds Prometheus metrics for outbound message delivery.
type DispatchMetrics struct {
	MessagesTotal *prometheus.CounterVec
	SendDuration  prometheus.Histogram
	BatchSize     prometheus.Histogram
}

func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	m := &DispatchMetrics{
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "messages_total",
			Help:      "Total number of destinations processed, by outcome.",
		}, []string{"status"}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "send_duration_seconds",
			Help:      "Duration of a single message send in seconds.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "batch_size",
			Help:      "Number of destinations per send request.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}),
	}

	for _, s := range []domain.SendStatus{domain.SendStatusSent, domain.SendStatusFailed, domain.SendStatusSkipped} {
		m.MessagesTotal.WithLabelValues(string(s))
	}

	reg.MustRegister(m.MessagesTotal, m.SendDuration, m.BatchSize)
	return m
}

// ObserveBatch records the outcome of one send request.
func (m *DispatchMetrics) ObserveBatch(results []domain.SendResult) {
	m.BatchSize.Observe(float64(len(results)))
	for _, r := range results {
		m.MessagesTotal.WithLabelValues(string(r.Status)).Inc()
	}
}

func (m *DispatchMetrics) ObserveSend(d time.Duration) {
	m.SendDuration.Observe(d.Seconds())
}
