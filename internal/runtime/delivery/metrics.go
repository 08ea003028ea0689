package delivery

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/relayflow/internal/runtime/metrics"
)

// Metrics exports per-endpoint delivery series.
type Metrics struct {
	deliveries *prometheus.CounterVec
	attempts   *prometheus.HistogramVec
	duration   *prometheus.HistogramVec
}

// NewMetrics builds and registers the delivery collectors with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	deliveries, err := metrics.Register(reg, metrics.NewCounterVec("delivery", "total",
		"Deliveries per endpoint by outcome", []string{"endpoint", "outcome"}))
	if err != nil {
		return nil, err
	}
	attempts, err := metrics.Register(reg, metrics.NewHistogramVec("delivery", "attempts",
		"Network attempts per delivery", []float64{0, 1, 2, 3, 4, 5, 8, 13}, []string{"endpoint"}))
	if err != nil {
		return nil, err
	}
	duration, err := metrics.Register(reg, metrics.NewHistogramVec("delivery", "duration_seconds",
		"Wall-clock time per delivery including retries", prometheus.DefBuckets, []string{"endpoint"}))
	if err != nil {
		return nil, err
	}
	return &Metrics{deliveries: deliveries, attempts: attempts, duration: duration}, nil
}

func (m *Metrics) observe(o Outcome) {
	if m == nil {
		return
	}
	label := "success"
	if !o.Success {
		label = string(o.Reason)
	}
	m.deliveries.WithLabelValues(o.EndpointID, label).Inc()
	m.attempts.WithLabelValues(o.EndpointID).Observe(float64(o.Attempts))
	m.duration.WithLabelValues(o.EndpointID).Observe(float64(o.TotalDurationMs) / 1000)
}
