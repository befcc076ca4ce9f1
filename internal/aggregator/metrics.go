package aggregator

import (
	"sync/atomic"
	"time"
)

// Metrics tracks how turns complete. Observability only: nothing reads these
// for control flow.
type Metrics struct {
	earlyMerges    atomic.Int64
	timeoutFlushes atomic.Int64
	mergeLatencyNs atomic.Int64
}

func (m *Metrics) recordEarly(latency time.Duration) {
	m.earlyMerges.Add(1)
	m.mergeLatencyNs.Add(int64(latency))
}

func (m *Metrics) recordTimeout() {
	m.timeoutFlushes.Add(1)
}

// MetricsSnapshot is a point-in-time copy served on the ops endpoint.
type MetricsSnapshot struct {
	EarlyMerges     int64         `json:"early_merges"`
	TimeoutFlushes  int64         `json:"timeout_flushes"`
	AvgMergeLatency time.Duration `json:"avg_merge_latency_ns"`
}

func (m *Metrics) snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		EarlyMerges:    m.earlyMerges.Load(),
		TimeoutFlushes: m.timeoutFlushes.Load(),
	}
	if s.EarlyMerges > 0 {
		s.AvgMergeLatency = time.Duration(m.mergeLatencyNs.Load() / s.EarlyMerges)
	}
	return s
}
