// Package worker runs the per-node operation loop.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/gateway-fm/chainstress/internal/ratelimit"
	"github.com/gateway-fm/chainstress/internal/rpc"
	"github.com/gateway-fm/chainstress/internal/workload"
	"github.com/gateway-fm/chainstress/pkg/types"
)

var (
	// ErrInvalidRate is returned when the target rate is not a positive finite number.
	ErrInvalidRate = errors.New("target rate must be positive and finite")
	// ErrInvalidDuration is returned when neither a duration nor an operation cap bounds the loop.
	ErrInvalidDuration = errors.New("duration must be positive")
)

// FailureGenerate tags samples whose plan could not be generated.
const FailureGenerate = "generate"

// Sink receives one sample per attempted operation.
type Sink interface {
	RecordSample(types.OperationSample)
}

// Config for one worker.
type Config struct {
	Suite  types.SuiteName
	NodeID int
	Index  int   // position among the workers of NodeID
	Nodes  []int // full node set, for generators that pick peers

	Duration      time.Duration
	Rate          float64 // ops/s target, advisory
	MaxOperations uint64  // stop after this many attempts (0 = unbounded)

	Generator workload.Generator
	Caller    rpc.Caller
	Seed      uint64
	Sink      Sink // optional
	Logger    *slog.Logger
}

func (c Config) validate() error {
	if !ratelimit.ValidRate(c.Rate) {
		return ErrInvalidRate
	}
	if c.Duration <= 0 && c.MaxOperations == 0 {
		return ErrInvalidDuration
	}
	if c.Generator == nil {
		return errors.New("generator is required")
	}
	if c.Caller == nil {
		return errors.New("caller is required")
	}
	return nil
}

// ShouldStop reports whether the loop is done after attempts operations and
// elapsed wall-clock time. A zero duration or maxOps disables that bound.
func ShouldStop(elapsed, duration time.Duration, attempts, maxOps uint64) bool {
	if maxOps > 0 && attempts >= maxOps {
		return true
	}
	return duration > 0 && elapsed >= duration
}

// Run executes operations sequentially until the duration elapses, the
// operation cap is reached or ctx is cancelled, sleeping 1/Rate between
// operations. The last sleep never extends past the duration. Counters are
// private to this call; the returned result is a snapshot. An operation
// that fails because ctx was cancelled is not counted. Errors are returned
// only for invalid configuration.
func Run(ctx context.Context, cfg Config) (types.WorkerResult, error) {
	result := types.WorkerResult{NodeID: cfg.NodeID, WorkerIndex: cfg.Index}
	if err := cfg.validate(); err != nil {
		return result, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("suite", string(cfg.Suite)), slog.Int("node", cfg.NodeID), slog.Int("worker", cfg.Index))

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	pacer := ratelimit.NewPacer(cfg.Rate)

	var ops, errs uint64
	byKind := make(map[types.OperationKind]types.KindCounts)
	start := time.Now()
	var deadline time.Time
	if cfg.Duration > 0 {
		deadline = start.Add(cfg.Duration)
	}
	logger.Debug("worker started", slog.Float64("rate", cfg.Rate), slog.Duration("duration", cfg.Duration))

	for !ShouldStop(time.Since(start), cfg.Duration, ops+errs, cfg.MaxOperations) {
		if ctx.Err() != nil {
			break
		}

		sample := attempt(ctx, cfg, rng)
		if !sample.Success && ctx.Err() != nil {
			// cut short by cancellation, not a node failure
			break
		}
		kc := byKind[sample.Kind]
		if sample.Success {
			ops++
			kc.Successes++
		} else {
			errs++
			kc.Failures++
		}
		byKind[sample.Kind] = kc
		if cfg.Sink != nil {
			cfg.Sink.RecordSample(sample)
		}

		if ShouldStop(time.Since(start), cfg.Duration, ops+errs, cfg.MaxOperations) {
			break
		}
		if err := pacer.Wait(ctx, deadline); err != nil {
			break
		}
	}

	result.Operations = ops
	result.Errors = errs
	if len(byKind) > 0 {
		result.ByKind = byKind
	}
	result.Elapsed = time.Since(start)
	result.Completed = true

	logger.Debug("worker finished",
		slog.Uint64("operations", ops),
		slog.Uint64("errors", errs),
		slog.Duration("elapsed", result.Elapsed),
	)
	return result, nil
}

// attempt generates and executes one operation.
func attempt(ctx context.Context, cfg Config, rng *rand.Rand) types.OperationSample {
	sample := types.OperationSample{
		Suite:     cfg.Suite,
		NodeID:    cfg.NodeID,
		Kind:      cfg.Generator.Kind(),
		Timestamp: time.Now(),
	}

	plan, err := cfg.Generator.Generate(rng, cfg.NodeID, cfg.Nodes)
	if plan.Kind != "" {
		sample.Kind = plan.Kind
	}
	if err != nil {
		sample.FailureKind = FailureGenerate
		return sample
	}

	out := workload.Execute(ctx, cfg.Caller, plan)
	sample.Method = plan.LastMethod()
	sample.Latency = out.Latency
	sample.Success = out.OK()
	if !out.OK() {
		sample.FailureKind = string(out.Failure.Kind)
	}
	return sample
}
