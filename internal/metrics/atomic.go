package metrics

import "sync/atomic"

// AtomicMax atomically sets *addr to max(*addr, val) and returns the new value.
func AtomicMax(addr *int64, val int64) int64 {
	for {
		current := atomic.LoadInt64(addr)
		if val <= current {
			return current
		}
		if atomic.CompareAndSwapInt64(addr, current, val) {
			return val
		}
	}
}

// AtomicSubSaturating atomically subtracts delta from *addr, saturating at 0.
func AtomicSubSaturating(addr *int64, delta int64) int64 {
	for {
		current := atomic.LoadInt64(addr)
		newVal := max(current-delta, 0)
		if atomic.CompareAndSwapInt64(addr, current, newVal) {
			return newVal
		}
	}
}

// ActiveWorkers counts running workers and remembers the peak. It satisfies
// the orchestrator's activity hook.
type ActiveWorkers struct {
	current int64
	peak    int64
	gauge   func(float64) // optional mirror, e.g. a Prometheus gauge
}

// NewActiveWorkers creates a counter that mirrors its value into gauge when non-nil.
func NewActiveWorkers(gauge func(float64)) *ActiveWorkers {
	return &ActiveWorkers{gauge: gauge}
}

// WorkerStarted increments the count.
func (a *ActiveWorkers) WorkerStarted() {
	n := atomic.AddInt64(&a.current, 1)
	AtomicMax(&a.peak, n)
	if a.gauge != nil {
		a.gauge(float64(n))
	}
}

// WorkerFinished decrements the count, never below zero.
func (a *ActiveWorkers) WorkerFinished() {
	n := AtomicSubSaturating(&a.current, 1)
	if a.gauge != nil {
		a.gauge(float64(n))
	}
}

// Load returns the number of running workers.
func (a *ActiveWorkers) Load() int64 {
	return atomic.LoadInt64(&a.current)
}

// Peak returns the highest concurrent count since the last Reset.
func (a *ActiveWorkers) Peak() int64 {
	return atomic.LoadInt64(&a.peak)
}

// Reset zeroes the peak. The current count is left alone.
func (a *ActiveWorkers) Reset() {
	atomic.StoreInt64(&a.peak, atomic.LoadInt64(&a.current))
}
