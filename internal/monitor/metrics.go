package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks gateway round trips and desk activity.
type Metrics struct {
	mu         sync.RWMutex
	roundTrips map[string]*LatencyHistogram // keyed by response kind

	requests       uint64
	failures       uint64
	timeouts       uint64
	plansSubmitted uint64
	gatewayErrors  uint64
	sessionsClosed uint64

	started time.Time
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		roundTrips: make(map[string]*LatencyHistogram),
		started:    time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *Metrics) histogram(kind string) *LatencyHistogram {
	m.mu.RLock()
	h, ok := m.roundTrips[kind]
	m.mu.RUnlock()
	if ok {
		return h
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.roundTrips[kind]; !ok {
		h = NewLatencyHistogram(1000)
		m.roundTrips[kind] = h
	}
	return h
}

// ObserveRoundTrip records one gateway request of kind. Failed requests count
// toward failures and are kept out of the latency window.
func (m *Metrics) ObserveRoundTrip(kind string, took time.Duration, err error, timedOut bool) {
	atomic.AddUint64(&m.requests, 1)
	switch {
	case timedOut:
		atomic.AddUint64(&m.timeouts, 1)
		atomic.AddUint64(&m.failures, 1)
	case err != nil:
		atomic.AddUint64(&m.failures, 1)
	default:
		m.histogram(kind).RecordDuration(took)
	}
}

func (m *Metrics) IncrementPlans()          { atomic.AddUint64(&m.plansSubmitted, 1) }
func (m *Metrics) IncrementGatewayErrors()  { atomic.AddUint64(&m.gatewayErrors, 1) }
func (m *Metrics) IncrementSessionsClosed() { atomic.AddUint64(&m.sessionsClosed, 1) }

// Snapshot is a point-in-time copy of Metrics.
type Snapshot struct {
	RoundTrips     map[string]LatencyStats `json:"round_trips"`
	Requests       uint64                  `json:"requests"`
	Failures       uint64                  `json:"failures"`
	Timeouts       uint64                  `json:"timeouts"`
	PlansSubmitted uint64                  `json:"plans_submitted"`
	GatewayErrors  uint64                  `json:"gateway_errors"`
	SessionsClosed uint64                  `json:"sessions_closed"`
	GoroutineCount int                     `json:"goroutine_count"`
	HeapAlloc      uint64                  `json:"heap_alloc_bytes"`
	Uptime         string                  `json:"uptime"`
	Timestamp      time.Time               `json:"timestamp"`
}

// Snapshot returns a point-in-time metrics snapshot.
func (m *Metrics) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	trips := make(map[string]LatencyStats, len(m.roundTrips))
	for kind, h := range m.roundTrips {
		trips[kind] = h.Stats()
	}
	m.mu.RUnlock()

	return Snapshot{
		RoundTrips:     trips,
		Requests:       atomic.LoadUint64(&m.requests),
		Failures:       atomic.LoadUint64(&m.failures),
		Timeouts:       atomic.LoadUint64(&m.timeouts),
		PlansSubmitted: atomic.LoadUint64(&m.plansSubmitted),
		GatewayErrors:  atomic.LoadUint64(&m.gatewayErrors),
		SessionsClosed: atomic.LoadUint64(&m.sessionsClosed),
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      memStats.HeapAlloc,
		Uptime:         time.Since(m.started).Round(time.Second).String(),
		Timestamp:      time.Now(),
	}
}
