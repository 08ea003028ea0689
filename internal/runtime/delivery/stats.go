package delivery

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// StatsSnapshot is a point-in-time copy of one endpoint's delivery counters.
type StatsSnapshot struct {
	Delivered         uint64    `json:"delivered"`
	Failed            uint64    `json:"failed"`
	Attempts          uint64    `json:"attempts"`
	TotalDeliveryTime int64     `json:"total_delivery_time_ns"`
	LastDeliveredAt   time.Time `json:"last_delivered_at"`
	LastStatusCode    int       `json:"last_status_code"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
}

// EndpointStats accumulates delivery counters for one endpoint.
type EndpointStats struct {
	mu   sync.Mutex
	data StatsSnapshot

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS     float64 `json:"current_rps"`
	WindowSeconds  float64 `json:"window_seconds"`
	EventsInWindow uint64  `json:"events_in_window"`
	TotalEvents    uint64  `json:"total_events"`
}

// ErrorBreakdown counts failures by reason.
type ErrorBreakdown struct {
	RecipeMissing uint64 `json:"recipe_missing"`
	Transform     uint64 `json:"transform"`
	Validation    uint64 `json:"validation"`
	CircuitOpen   uint64 `json:"circuit_open"`
	Downstream    uint64 `json:"downstream"`
	Timeout       uint64 `json:"timeout"`
	LastError     string `json:"last_error,omitempty"`
}

func newEndpointStats() *EndpointStats {
	return &EndpointStats{
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

// record folds one outcome into the stats.
func (s *EndpointStats) record(o Outcome, err error, now time.Time) {
	duration := time.Duration(o.TotalDurationMs) * time.Millisecond

	s.mu.Lock()
	defer s.mu.Unlock()
	d := &s.data

	if o.Success {
		d.Delivered++
	} else {
		d.Failed++
	}
	d.Attempts += uint64(o.Attempts)
	d.TotalDeliveryTime += int64(duration)
	d.LastDeliveredAt = now.UTC()
	if o.StatusCode != 0 {
		d.LastStatusCode = o.StatusCode
	}

	total := d.Delivered + d.Failed
	s.latencyWindow.Add(duration)
	latency := s.latencyWindow.Snapshot()
	latency.AverageNs = d.TotalDeliveryTime / int64(total)
	d.Latency = latency

	tp := s.throughputWindow.AddAndSnapshot(now)
	d.Throughput.CurrentRPS = tp.CurrentRPS
	d.Throughput.WindowSeconds = tp.WindowSeconds
	d.Throughput.EventsInWindow = uint64(tp.Count)
	d.Throughput.TotalEvents = total

	d.Errors.Record(o.Reason, err)
}

// Snapshot copies the current counters.
func (s *EndpointStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Record counts a failure under reason. Timeouts are split out of downstream
// failures so slow endpoints stand out.
func (e *ErrorBreakdown) Record(reason Reason, err error) {
	switch reason {
	case ReasonNone:
		return
	case ReasonRecipeMissing:
		e.RecipeMissing++
	case ReasonTransformFailed:
		e.Transform++
	case ReasonValidationFailed:
		e.Validation++
	case ReasonCircuitOpen:
		e.CircuitOpen++
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			e.Timeout++
		} else {
			e.Downstream++
		}
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	metrics := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := range lw.filled {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	return metrics
}

// percentile interpolates linearly between the two nearest ranks of sorted.
func percentile(sorted []int64, quantile float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	if quantile <= 0 {
		return sorted[0]
	}
	if quantile >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := quantile * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return int64(math.Round(float64(sorted[lower]) + float64(sorted[upper]-sorted[lower])*frac))
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)

	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		tw.samples = append(tw.samples[:0], tw.samples[idx:]...)
	}

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}

// StatsBook holds stats per endpoint id.
type StatsBook struct {
	mu      sync.RWMutex
	entries map[string]*EndpointStats
}

// NewStatsBook returns an empty book.
func NewStatsBook() *StatsBook {
	return &StatsBook{entries: make(map[string]*EndpointStats)}
}

func (b *StatsBook) forEndpoint(id string) *EndpointStats {
	b.mu.RLock()
	s, ok := b.entries[id]
	b.mu.RUnlock()
	if ok {
		return s
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok = b.entries[id]; !ok {
		s = newEndpointStats()
		b.entries[id] = s
	}
	return s
}

// Get returns a snapshot of the stats for id.
func (b *StatsBook) Get(id string) (StatsSnapshot, bool) {
	b.mu.RLock()
	s, ok := b.entries[id]
	b.mu.RUnlock()
	if !ok {
		return StatsSnapshot{}, false
	}
	return s.Snapshot(), true
}

// Reset drops every entry.
func (b *StatsBook) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]*EndpointStats)
}
