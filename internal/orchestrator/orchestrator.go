// Package orchestrator fans a suite's workers out across nodes and joins
// their results.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/chainstress/internal/config"
	"github.com/gateway-fm/chainstress/internal/ratelimit"
	"github.com/gateway-fm/chainstress/internal/rpc"
	"github.com/gateway-fm/chainstress/internal/worker"
	"github.com/gateway-fm/chainstress/internal/workload"
	"github.com/gateway-fm/chainstress/pkg/types"
)

// Plan describes one suite invocation.
type Plan struct {
	Suite          types.SuiteName
	Nodes          []int
	WorkersPerNode int
	Duration       time.Duration
	Rate           float64 // ops/s per worker
	MaxOperations  uint64  // per worker, 0 = duration bound only
	Generator      workload.Generator
	Seed           uint64
	Sink           worker.Sink // optional, receives samples in addition to Config.Sink
}

// Validate checks the plan. Every problem is a ConfigurationError.
func (p Plan) Validate() error {
	if len(p.Nodes) == 0 {
		return config.Invalidf("nodes", "at least one node is required")
	}
	seen := make(map[int]bool, len(p.Nodes))
	for _, id := range p.Nodes {
		if seen[id] {
			return config.Invalidf("nodes", "duplicate node %d", id)
		}
		seen[id] = true
	}
	if p.WorkersPerNode < 1 {
		return config.Invalidf("workersPerNode", "must be at least 1, got %d", p.WorkersPerNode)
	}
	if !ratelimit.ValidRate(p.Rate) {
		return config.Invalid("rate", worker.ErrInvalidRate)
	}
	if p.Duration <= 0 && p.MaxOperations == 0 {
		return config.Invalid("duration", worker.ErrInvalidDuration)
	}
	if p.Generator == nil {
		return config.Invalidf("generator", "no workload generator")
	}
	return nil
}

// Result is the joined outcome of all workers.
type Result struct {
	Workers    []types.WorkerResult // sorted by node, then worker index
	Notes      []string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Span is the wall-clock duration of the suite run.
func (r Result) Span() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunWorkerFunc runs one worker. worker.Run is the default.
type RunWorkerFunc func(ctx context.Context, cfg worker.Config) (types.WorkerResult, error)

// ActivityObserver is notified when workers start and finish.
type ActivityObserver interface {
	WorkerStarted()
	WorkerFinished()
}

// Config for creating an Orchestrator.
type Config struct {
	Caller    rpc.Caller
	Sink      worker.Sink      // optional
	Activity  ActivityObserver // optional
	Logger    *slog.Logger
	RunWorker RunWorkerFunc // nil = worker.Run
}

// Orchestrator runs suites. It holds no per-run state and may be reused.
type Orchestrator struct {
	caller    rpc.Caller
	sink      worker.Sink
	activity  ActivityObserver
	logger    *slog.Logger
	runWorker RunWorkerFunc
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Caller == nil {
		return nil, errors.New("caller is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runWorker := cfg.RunWorker
	if runWorker == nil {
		runWorker = worker.Run
	}
	return &Orchestrator{
		caller:    cfg.Caller,
		sink:      cfg.Sink,
		activity:  cfg.Activity,
		logger:    logger,
		runWorker: runWorker,
	}, nil
}

// Run launches WorkersPerNode workers for every node at once and waits for
// all of them. A worker that panics or returns an error contributes a zero
// result and a note; it never aborts the suite. Only an invalid plan returns
// an error, and then no worker is started.
func (o *Orchestrator) Run(ctx context.Context, plan Plan) (Result, error) {
	if err := plan.Validate(); err != nil {
		return Result{}, err
	}

	nodes := slices.Clone(plan.Nodes)
	slices.Sort(nodes)
	k := plan.WorkersPerNode
	total := len(nodes) * k

	results := make([]types.WorkerResult, total)
	notes := make([]string, total)
	sink := teeSink(o.sink, plan.Sink)

	o.logger.Info("suite starting",
		slog.String("suite", string(plan.Suite)),
		slog.Int("nodes", len(nodes)),
		slog.Int("workers", total),
		slog.Float64("rate", plan.Rate),
		slog.Duration("duration", plan.Duration),
	)

	var g errgroup.Group
	g.SetLimit(total)

	startedAt := time.Now()
	for i, nodeID := range nodes {
		for w := 0; w < k; w++ {
			slot := i*k + w
			cfg := worker.Config{
				Suite:         plan.Suite,
				NodeID:        nodeID,
				Index:         w,
				Nodes:         nodes,
				Duration:      plan.Duration,
				Rate:          plan.Rate,
				MaxOperations: plan.MaxOperations,
				Generator:     plan.Generator,
				Caller:        o.caller,
				Seed:          DeriveSeed(plan.Seed, nodeID, w),
				Sink:          sink,
				Logger:        o.logger,
			}
			g.Go(func() error {
				results[slot], notes[slot] = o.runOne(ctx, cfg)
				return nil
			})
		}
	}
	_ = g.Wait() // workers never return errors to the group

	res := Result{
		Workers:    results,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}
	for _, n := range notes {
		if n != "" {
			res.Notes = append(res.Notes, n)
		}
	}
	slices.SortFunc(res.Workers, func(a, b types.WorkerResult) int {
		if a.NodeID != b.NodeID {
			return a.NodeID - b.NodeID
		}
		return a.WorkerIndex - b.WorkerIndex
	})

	o.logger.Info("suite finished",
		slog.String("suite", string(plan.Suite)),
		slog.Duration("span", res.Span()),
		slog.Int("notes", len(res.Notes)),
	)
	return res, nil
}

// runOne runs a worker and contains its failure.
func (o *Orchestrator) runOne(ctx context.Context, cfg worker.Config) (res types.WorkerResult, note string) {
	if o.activity != nil {
		o.activity.WorkerStarted()
		defer o.activity.WorkerFinished()
	}

	zero := types.WorkerResult{NodeID: cfg.NodeID, WorkerIndex: cfg.Index}
	defer func() {
		if r := recover(); r != nil {
			res = zero
			note = fmt.Sprintf("worker %d on node %d did not complete normally: panic: %v", cfg.Index, cfg.NodeID, r)
			o.logger.Warn("worker crashed",
				slog.String("suite", string(cfg.Suite)),
				slog.Int("node", cfg.NodeID),
				slog.Int("worker", cfg.Index),
				slog.Any("panic", r),
			)
		}
	}()

	wr, err := o.runWorker(ctx, cfg)
	if err != nil {
		o.logger.Warn("worker failed",
			slog.String("suite", string(cfg.Suite)),
			slog.Int("node", cfg.NodeID),
			slog.Int("worker", cfg.Index),
			slog.String("error", err.Error()),
		)
		return zero, fmt.Sprintf("worker %d on node %d did not complete normally: %v", cfg.Index, cfg.NodeID, err)
	}
	wr.NodeID, wr.WorkerIndex = cfg.NodeID, cfg.Index
	return wr, ""
}

type multiSink []worker.Sink

func (m multiSink) RecordSample(s types.OperationSample) {
	for _, sink := range m {
		sink.RecordSample(s)
	}
}

func teeSink(a, b worker.Sink) worker.Sink {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return multiSink{a, b}
}

// DeriveSeed mixes the plan seed with a worker's position so every worker
// draws an independent, reproducible random sequence.
func DeriveSeed(seed uint64, nodeID, index int) uint64 {
	x := seed ^ uint64(nodeID)<<32 ^ uint64(index)
	// splitmix64 finalizer
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
