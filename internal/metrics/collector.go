package metrics

import (
	"maps"
	"sync"
	"time"

	"github.com/gateway-fm/chainstress/pkg/types"
)

// LiveSnapshot is a point-in-time view of the samples recorded so far.
type LiveSnapshot struct {
	Attempts   uint64
	Successes  uint64
	Failures   uint64
	ByKind     map[types.OperationKind]types.KindCounts
	ByFailure  map[string]uint64
	Latency    *types.LatencyStats
	LastSample time.Time
}

// Collector accumulates operation samples.
type Collector interface {
	RecordSample(sample types.OperationSample)
	Snapshot() LiveSnapshot
	Reset()
}

// MemoryCollector is an in-memory Collector. It is written by a single
// SampleSink consumer but may be read from any goroutine.
type MemoryCollector struct {
	mu        sync.RWMutex
	successes uint64
	failures  uint64
	byKind    map[types.OperationKind]types.KindCounts
	byFailure map[string]uint64
	last      time.Time

	latency *StreamingLatencyStats
}

// NewMemoryCollector creates an empty collector.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{
		byKind:    make(map[types.OperationKind]types.KindCounts),
		byFailure: make(map[string]uint64),
		latency:   NewStreamingLatencyStats(),
	}
}

// RecordSample adds one sample.
func (c *MemoryCollector) RecordSample(s types.OperationSample) {
	c.mu.Lock()
	kc := c.byKind[s.Kind]
	if s.Success {
		c.successes++
		kc.Successes++
	} else {
		c.failures++
		kc.Failures++
		if s.FailureKind != "" {
			c.byFailure[s.FailureKind]++
		}
	}
	c.byKind[s.Kind] = kc
	if s.Timestamp.After(c.last) {
		c.last = s.Timestamp
	}
	c.mu.Unlock()

	if s.Latency > 0 {
		c.latency.AddDuration(s.Latency)
	}
}

// Snapshot returns copies of the current counters.
func (c *MemoryCollector) Snapshot() LiveSnapshot {
	c.mu.RLock()
	snap := LiveSnapshot{
		Attempts:   c.successes + c.failures,
		Successes:  c.successes,
		Failures:   c.failures,
		ByKind:     maps.Clone(c.byKind),
		ByFailure:  maps.Clone(c.byFailure),
		LastSample: c.last,
	}
	c.mu.RUnlock()

	snap.Latency = c.latency.GetStats()
	return snap
}

// Reset clears all counters.
func (c *MemoryCollector) Reset() {
	c.mu.Lock()
	c.successes, c.failures = 0, 0
	clear(c.byKind)
	clear(c.byFailure)
	c.last = time.Time{}
	c.mu.Unlock()

	c.latency.Reset()
}
