package metrics

import (
	"sync"

	"github.com/gateway-fm/chainstress/pkg/types"
)

// DefaultSinkBuffer is the sample channel capacity.
const DefaultSinkBuffer = 4096

// SampleRecorder is anything that consumes samples on the sink goroutine.
type SampleRecorder interface {
	RecordSample(types.OperationSample)
}

type sinkItem struct {
	sample types.OperationSample
	ack    chan struct{} // non-nil for flush markers
}

// SampleSink is the single aggregation point for live samples. Workers
// publish immutable samples over a channel; one consumer goroutine applies
// them to every recorder in order. Publishing blocks when the buffer is
// full, so samples are never dropped.
type SampleSink struct {
	mu     sync.RWMutex
	closed bool
	ch     chan sinkItem
	done   chan struct{}
}

// NewSampleSink starts the consumer goroutine.
func NewSampleSink(buffer int, recorders ...SampleRecorder) *SampleSink {
	if buffer <= 0 {
		buffer = DefaultSinkBuffer
	}
	s := &SampleSink{
		ch:   make(chan sinkItem, buffer),
		done: make(chan struct{}),
	}
	go s.consume(recorders)
	return s
}

func (s *SampleSink) consume(recorders []SampleRecorder) {
	defer close(s.done)
	for item := range s.ch {
		if item.ack != nil {
			close(item.ack)
			continue
		}
		for _, r := range recorders {
			r.RecordSample(item.sample)
		}
	}
}

// RecordSample publishes a sample. Samples published after Close are ignored.
func (s *SampleSink) RecordSample(sample types.OperationSample) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.ch <- sinkItem{sample: sample}
}

// Flush blocks until every sample published before the call is applied.
func (s *SampleSink) Flush() {
	ack := make(chan struct{})
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	s.ch <- sinkItem{ack: ack}
	s.mu.RUnlock()
	<-ack
}

// Close drains pending samples and stops the consumer.
func (s *SampleSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	<-s.done
}
