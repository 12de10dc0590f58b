package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// SinkStats summarizes recent dispatches to one sink.
type SinkStats struct {
	Sink    string  `json:"sink"`
	Samples int     `json:"samples"`
	Errors  int     `json:"errors"`
	Dropped int     `json:"dropped"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	P99MS   float64 `json:"p99_ms"`
}

// QueueStats is the backlog of one fan-out shard.
type QueueStats struct {
	Shard    int `json:"shard"`
	Depth    int `json:"depth"`
	Capacity int `json:"capacity"`
}

type SinkSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Sinks       []SinkStats  `json:"sinks"`
	Queues      []QueueStats `json:"queues"`
}

// sinkWindow keeps the last maxSamples latencies per sink in a ring buffer
// next to lifetime error and drop counts.
type sinkWindow struct {
	mu         sync.RWMutex
	maxSamples int
	sinks      map[string]*sinkRing
	queues     func() []QueueStats
}

type sinkRing struct {
	values  []float64
	next    int
	filled  bool
	last    float64
	errors  int
	dropped int
}

func newSinkWindow(maxSamples int) *sinkWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &sinkWindow{
		maxSamples: maxSamples,
		sinks:      make(map[string]*sinkRing),
	}
}

func (w *sinkWindow) ringLocked(sink string) *sinkRing {
	ring, ok := w.sinks[sink]
	if !ok {
		ring = &sinkRing{values: make([]float64, w.maxSamples)}
		w.sinks[sink] = ring
	}
	return ring
}

func (w *sinkWindow) Observe(sink string, ms float64, failed bool) {
	if sink == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	ring := w.ringLocked(sink)
	ring.values[ring.next] = ms
	ring.last = ms
	ring.next++
	if ring.next >= len(ring.values) {
		ring.next = 0
		ring.filled = true
	}
	if failed {
		ring.errors++
	}
}

func (w *sinkWindow) ObserveDropped(sink string) {
	if sink == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ringLocked(sink).dropped++
}

func (w *sinkWindow) SetQueues(fn func() []QueueStats) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queues = fn
}

func (w *sinkWindow) Snapshot() SinkSnapshot {
	w.mu.RLock()
	keys := make([]string, 0, len(w.sinks))
	for sink := range w.sinks {
		keys = append(keys, sink)
	}
	sort.Strings(keys)

	stats := make([]SinkStats, 0, len(keys))
	for _, sink := range keys {
		ring := w.sinks[sink]
		n := ring.next
		if ring.filled {
			n = len(ring.values)
		}
		st := SinkStats{Sink: sink, Samples: n, Errors: ring.errors, Dropped: ring.dropped}
		if n > 0 {
			samples := make([]float64, n)
			copy(samples, ring.values[:n])
			sort.Float64s(samples)

			sum := 0.0
			for _, v := range samples {
				sum += v
			}
			st.LastMS = round2(ring.last)
			st.AvgMS = round2(sum / float64(n))
			st.P50MS = round2(quantile(samples, 0.50))
			st.P95MS = round2(quantile(samples, 0.95))
			st.P99MS = round2(quantile(samples, 0.99))
		}
		stats = append(stats, st)
	}
	queuesFn := w.queues
	w.mu.RUnlock()

	queues := []QueueStats{}
	if queuesFn != nil {
		queues = append(queues, queuesFn()...)
	}

	return SinkSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Sinks:       stats,
		Queues:      queues,
	}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
