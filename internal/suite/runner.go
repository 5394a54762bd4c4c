package suite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/gateway-fm/chainstress/internal/aggregate"
	"github.com/gateway-fm/chainstress/internal/convergence"
	"github.com/gateway-fm/chainstress/internal/metrics"
	"github.com/gateway-fm/chainstress/internal/orchestrator"
	"github.com/gateway-fm/chainstress/internal/rpc"
	"github.com/gateway-fm/chainstress/pkg/types"
)

// probeTimeout bounds the before/after observations of a suite.
const probeTimeout = 15 * time.Second

// Overrides replace suite defaults for one invocation. Zero values keep the default.
type Overrides struct {
	Duration       time.Duration
	Rate           float64
	WorkersPerNode int
	Seed           uint64
}

// Hooks observe suite progress. Either field may be nil.
type Hooks struct {
	OnStart  func(def Definition)
	OnFinish func(entry types.SuiteEntry)
}

// RunnerConfig for creating a Runner.
type RunnerConfig struct {
	Orchestrator     *orchestrator.Orchestrator
	Verifier         *convergence.Verifier
	Caller           rpc.Caller
	Nodes            []int
	SyncTimeout      time.Duration     // 0 = convergence.DefaultSyncTimeout
	FunctionalChecks []FunctionalCheck // nil = DefaultFunctionalChecks
	Logger           *slog.Logger
}

// Runner executes suite definitions against a node set.
type Runner struct {
	orch        *orchestrator.Orchestrator
	verifier    *convergence.Verifier
	caller      rpc.Caller
	nodes       []int
	syncTimeout time.Duration
	checks      []FunctionalCheck
	logger      *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Orchestrator == nil || cfg.Verifier == nil || cfg.Caller == nil {
		return nil, errors.New("orchestrator, verifier and caller are required")
	}
	if len(cfg.Nodes) == 0 {
		return nil, errors.New("at least one node is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	syncTimeout := cfg.SyncTimeout
	if syncTimeout <= 0 {
		syncTimeout = convergence.DefaultSyncTimeout
	}
	checks := cfg.FunctionalChecks
	if checks == nil {
		checks = DefaultFunctionalChecks
	}
	nodes := slices.Clone(cfg.Nodes)
	slices.Sort(nodes)

	return &Runner{
		orch:        cfg.Orchestrator,
		verifier:    cfg.Verifier,
		caller:      cfg.Caller,
		nodes:       nodes,
		syncTimeout: syncTimeout,
		checks:      checks,
		logger:      logger,
	}, nil
}

// RunAll runs defs in order. It stops early when ctx is cancelled and
// returns the entries finished so far. A configuration error aborts the
// sequence before the offending suite starts any worker.
func (r *Runner) RunAll(ctx context.Context, defs []Definition, ov Overrides, hooks Hooks) ([]types.SuiteEntry, error) {
	seed := ov.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	entries := make([]types.SuiteEntry, 0, len(defs))
	for i, def := range defs {
		if ctx.Err() != nil {
			break
		}
		if hooks.OnStart != nil {
			hooks.OnStart(def)
		}

		suiteOv := ov
		suiteOv.Seed = orchestrator.DeriveSeed(seed, 0, i)
		entry, err := r.Run(ctx, def, suiteOv)
		if err != nil {
			return entries, fmt.Errorf("suite %s: %w", def.Name, err)
		}
		entries = append(entries, entry)
		if hooks.OnFinish != nil {
			hooks.OnFinish(entry)
		}
	}
	return entries, nil
}

// Run executes one suite.
func (r *Runner) Run(ctx context.Context, def Definition, ov Overrides) (types.SuiteEntry, error) {
	if def.Functional() {
		return r.runFunctional(ctx, def), nil
	}
	return r.runWorkload(ctx, def, ov)
}

func (r *Runner) runWorkload(ctx context.Context, def Definition, ov Overrides) (types.SuiteEntry, error) {
	if def.Workload == nil {
		return types.SuiteEntry{}, fmt.Errorf("suite %s has no workload", def.Name)
	}

	latency := metrics.NewStreamingLatencyStats()
	plan := orchestrator.Plan{
		Suite:          def.Name,
		Nodes:          r.nodes,
		WorkersPerNode: pick(ov.WorkersPerNode, def.WorkersPerNode),
		Duration:       pick(ov.Duration, def.Duration),
		Rate:           pick(ov.Rate, def.Rate),
		Generator:      def.Workload(),
		Seed:           ov.Seed,
		Sink:           latencyRecorder{latency},
	}
	if err := plan.Validate(); err != nil {
		return types.SuiteEntry{}, err
	}

	var before convergence.Snapshot
	if def.Probe != nil {
		before = r.probe(ctx, def.Probe)
	}

	res, err := r.orch.Run(ctx, plan)
	if err != nil {
		return types.SuiteEntry{}, err
	}

	entry := aggregate.Suite(def.Name, def.Group, res.Workers, res.Span(), def.Threshold)
	entry.Notes = res.Notes
	entry.Latency = latency.GetStats()
	if ctx.Err() != nil {
		entry.Notes = append(entry.Notes, "stopped before the configured duration elapsed")
	}

	if def.Probe != nil {
		after := r.probe(ctx, def.Probe)
		entry.Deltas = convergence.Compare(before, after)
		entry.DeltaLabel = def.Probe.Label
		if def.Probe.Judge != nil {
			aggregate.AddChecks(&entry, def.Probe.Judge(entry.Deltas))
		}
	}

	r.logger.Info("suite result",
		slog.String("suite", string(def.Name)),
		slog.Uint64("operations", entry.TotalOperations),
		slog.Uint64("errors", entry.TotalErrors),
		slog.Float64("error_rate", entry.ErrorRate),
		slog.Float64("ops_per_second", entry.OperationsPerSecond),
		slog.Bool("passed", entry.Passed),
	)
	return entry, nil
}

// probe samples the observable even if ctx was cancelled, so a stopped
// suite still reports its deltas.
func (r *Runner) probe(ctx context.Context, p *Probe) convergence.Snapshot {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeTimeout)
	defer cancel()
	return r.verifier.Sample(pctx, r.nodes, p.Observable)
}

func (r *Runner) runFunctional(ctx context.Context, def Definition) types.SuiteEntry {
	start := time.Now()
	entry := types.SuiteEntry{Suite: def.Name, Group: def.Group, Verdict: types.VerdictPass}

	snap, synced := r.verifier.WaitForSync(ctx, r.nodes, r.syncTimeout)
	if !synced {
		detail := fmt.Sprintf("nodes did not report a positive block height within %s", r.syncTimeout)
		if len(snap.Missing) > 0 {
			detail += fmt.Sprintf("; unreachable: %v", snap.Missing)
		}
		aggregate.AddChecks(&entry, types.Check{Name: "sync", Detail: detail})
	} else {
		aggregate.AddChecks(&entry, RunFunctionalChecks(ctx, r.caller, r.nodes[0], r.checks)...)
	}

	if !entry.Passed {
		entry.Verdict = types.VerdictFail
	}
	entry.DurationMs = time.Since(start).Milliseconds()

	passed := 0
	for _, c := range entry.Checks {
		if c.Passed {
			passed++
		}
	}
	r.logger.Info("functional checks finished",
		slog.Int("passed", passed),
		slog.Int("total", len(entry.Checks)),
	)
	return entry
}

type latencyRecorder struct {
	stats *metrics.StreamingLatencyStats
}

func (l latencyRecorder) RecordSample(s types.OperationSample) {
	if s.Latency > 0 {
		l.stats.AddDuration(s.Latency)
	}
}

func pick[T comparable](override, def T) T {
	var zero T
	if override != zero {
		return override
	}
	return def
}
