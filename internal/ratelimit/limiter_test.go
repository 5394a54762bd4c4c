package ratelimit

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestInterval(t *testing.T) {
	tests := []struct {
		rate float64
		want time.Duration
	}{
		{rate: 1, want: time.Second},
		{rate: 5, want: 200 * time.Millisecond},
		{rate: 50, want: 20 * time.Millisecond},
		{rate: 0.5, want: 2 * time.Second},
		{rate: 0, want: 0},
		{rate: -3, want: 0},
		{rate: math.NaN(), want: 0},
		{rate: math.Inf(1), want: 0},
		{rate: 1e-20, want: time.Duration(math.MaxInt64)},
	}

	for _, tt := range tests {
		if got := Interval(tt.rate); got != tt.want {
			t.Errorf("Interval(%v) = %v, want %v", tt.rate, got, tt.want)
		}
	}
}

func TestValidRate(t *testing.T) {
	tests := []struct {
		rate float64
		want bool
	}{
		{rate: 1, want: true},
		{rate: 1e-20, want: true},
		{rate: 0, want: false},
		{rate: -1, want: false},
		{rate: math.NaN(), want: false},
		{rate: math.Inf(1), want: false},
		{rate: math.Inf(-1), want: false},
	}

	for _, tt := range tests {
		if got := ValidRate(tt.rate); got != tt.want {
			t.Errorf("ValidRate(%v) = %v, want %v", tt.rate, got, tt.want)
		}
	}
}

func TestPacerWait(t *testing.T) {
	p := NewPacer(20) // 50ms
	start := time.Now()
	if err := p.Wait(context.Background(), time.Time{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 45*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Errorf("expected ~50ms wait, got %v", elapsed)
	}
}

func TestPacerWaitZeroRate(t *testing.T) {
	p := NewPacer(0)
	start := time.Now()
	if err := p.Wait(context.Background(), time.Time{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Errorf("expected no wait, got %v", elapsed)
	}
}

func TestPacerWaitCappedByDeadline(t *testing.T) {
	p := NewPacer(1e-20)
	start := time.Now()
	if err := p.Wait(context.Background(), start.Add(30*time.Millisecond)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Wait() took %v, want about 30ms", elapsed)
	}
}

func TestSleepContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Sleep(ctx, 5*time.Second)
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancellation took %v", elapsed)
	}
}
