// Package metrics provides live run metrics: sample collection, RPC latency
// statistics and Prometheus export.
package metrics

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/gateway-fm/chainstress/pkg/types"
)

// DefaultReservoirSize is the number of samples kept for percentile estimation.
const DefaultReservoirSize = 10000

// latencyBucket is an upper bound in milliseconds and its display label.
type latencyBucket struct {
	upperMs float64
	label   string
}

// RPC latency histogram. The last bucket is open-ended.
var rpcBuckets = []latencyBucket{
	{10, "0-10ms"},
	{50, "10-50ms"},
	{250, "50-250ms"},
	{1000, "250ms-1s"},
	{math.Inf(1), "1s+"},
}

// StreamingLatencyStats estimates latency percentiles in bounded memory
// using reservoir sampling (Vitter's Algorithm R). Safe for concurrent use.
type StreamingLatencyStats struct {
	mu sync.RWMutex

	count int64
	sum   float64
	min   float64
	max   float64

	reservoir     []float64
	reservoirSize int
	seen          int64

	buckets []int64

	randState uint64 // xorshift64*, per instance
}

// NewStreamingLatencyStats creates an empty latency tracker.
func NewStreamingLatencyStats() *StreamingLatencyStats {
	return &StreamingLatencyStats{
		min:           math.MaxFloat64,
		reservoir:     make([]float64, 0, DefaultReservoirSize),
		reservoirSize: DefaultReservoirSize,
		buckets:       make([]int64, len(rpcBuckets)),
		randState:     1,
	}
}

// AddDuration records one latency.
func (s *StreamingLatencyStats) AddDuration(d time.Duration) {
	s.Add(float64(d) / float64(time.Millisecond))
}

// Add records one latency in milliseconds.
func (s *StreamingLatencyStats) Add(latencyMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.sum += latencyMs
	s.seen++
	s.min = min(s.min, latencyMs)
	s.max = max(s.max, latencyMs)

	for i, b := range rpcBuckets {
		if latencyMs < b.upperMs {
			s.buckets[i]++
			break
		}
	}

	if len(s.reservoir) < s.reservoirSize {
		s.reservoir = append(s.reservoir, latencyMs)
		return
	}
	if j := s.fastRand() % uint64(s.seen); j < uint64(s.reservoirSize) {
		s.reservoir[j] = latencyMs
	}
}

func (s *StreamingLatencyStats) fastRand() uint64 {
	s.randState ^= s.randState >> 12
	s.randState ^= s.randState << 25
	s.randState ^= s.randState >> 27
	return s.randState * 0x2545F4914F6CDD1D
}

// GetStats returns the current statistics, or nil when nothing was recorded.
func (s *StreamingLatencyStats) GetStats() *types.LatencyStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count == 0 {
		return nil
	}

	sorted := slices.Clone(s.reservoir)
	slices.Sort(sorted)

	stats := &types.LatencyStats{
		Count:   int(s.count),
		Min:     s.min,
		Max:     s.max,
		Avg:     s.sum / float64(s.count),
		P50:     percentile(sorted, 0.50),
		P75:     percentile(sorted, 0.75),
		P90:     percentile(sorted, 0.90),
		P95:     percentile(sorted, 0.95),
		P99:     percentile(sorted, 0.99),
		Buckets: make([]types.LatencyBucket, len(rpcBuckets)),
	}
	for i, b := range rpcBuckets {
		stats.Buckets[i] = types.LatencyBucket{Label: b.label, Count: int(s.buckets[i])}
	}
	return stats
}

// percentile interpolates the p-th percentile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	if lower+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[lower+1]*frac
}

// Reset clears all statistics.
func (s *StreamingLatencyStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count = 0
	s.sum = 0
	s.min = math.MaxFloat64
	s.max = 0
	s.reservoir = s.reservoir[:0]
	s.seen = 0
	clear(s.buckets)
}

// Count returns the number of recorded samples.
func (s *StreamingLatencyStats) Count() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}
