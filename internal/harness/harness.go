// Package harness ties the suite runner, live metrics, report builder and
// run history together. The CLI uses RunSuites; the HTTP API uses Start,
// Stop and Status.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gateway-fm/chainstress/internal/config"
	"github.com/gateway-fm/chainstress/internal/convergence"
	"github.com/gateway-fm/chainstress/internal/metrics"
	"github.com/gateway-fm/chainstress/internal/orchestrator"
	"github.com/gateway-fm/chainstress/internal/ratelimit"
	"github.com/gateway-fm/chainstress/internal/report"
	"github.com/gateway-fm/chainstress/internal/rpc"
	"github.com/gateway-fm/chainstress/internal/storage"
	"github.com/gateway-fm/chainstress/internal/suite"
	"github.com/gateway-fm/chainstress/pkg/types"
)

// Request bounds shared by the CLI and the HTTP API.
const (
	MaxDurationSec     = 3600
	MaxRate            = 10000
	MaxWorkersPerNode  = config.MaxWorkersPerNode
	persistTimeout     = 30 * time.Second
	defaultHistoryPage = 50
)

var (
	// ErrRunInProgress is returned when a run is started while another is active.
	ErrRunInProgress = errors.New("a run is already in progress")
	// ErrNoActiveRun is returned by Stop when nothing is running.
	ErrNoActiveRun = errors.New("no active run")
	// ErrHistoryDisabled is returned by history methods without storage.
	ErrHistoryDisabled = errors.New("run history is disabled")
)

// Config for creating a Harness.
type Config struct {
	Caller  rpc.Caller // required
	Nodes   []int      // required
	Catalog *suite.Catalog
	Storage storage.Storage            // optional
	Metrics *metrics.PrometheusMetrics // optional
	// ReportDir receives report files after each run; empty disables writing.
	ReportDir        string
	WorkersPerNode   int // default override, 0 = suite default
	SyncTimeout      time.Duration
	FunctionalChecks []suite.FunctionalCheck
	Logger           *slog.Logger
}

// Harness runs suites one invocation at a time.
type Harness struct {
	caller    rpc.Caller
	nodes     []int
	catalog   *suite.Catalog
	runner    *suite.Runner
	store     storage.Storage
	prom      *metrics.PrometheusMetrics
	collector *metrics.MemoryCollector
	sink      *metrics.SampleSink
	active    *metrics.ActiveWorkers
	reportDir string
	workers   int
	logger    *slog.Logger

	mu        sync.RWMutex
	state     types.RunState
	runID     string
	target    string
	current   types.SuiteName
	startedAt time.Time
	endedAt   time.Time
	completed []types.SuiteEntry
	lastRep   *types.RunReport
	lastErr   string
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Harness and starts its sample consumer. Call Close when done.
func New(cfg Config) (*Harness, error) {
	if cfg.Caller == nil {
		return nil, errors.New("caller is required")
	}
	if len(cfg.Nodes) == 0 {
		return nil, config.Invalid("nodes", errors.New("at least one node is required"))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = suite.DefaultCatalog(suite.Options{})
	}

	h := &Harness{
		caller:    cfg.Caller,
		nodes:     slices.Sorted(slices.Values(cfg.Nodes)),
		catalog:   catalog,
		store:     cfg.Storage,
		prom:      cfg.Metrics,
		collector: metrics.NewMemoryCollector(),
		reportDir: cfg.ReportDir,
		workers:   cfg.WorkersPerNode,
		logger:    logger,
		state:     types.StateIdle,
	}

	recorders := []metrics.SampleRecorder{h.collector}
	var gauge func(float64)
	if h.prom != nil {
		recorders = append(recorders, h.prom)
		gauge = h.prom.SetActiveWorkers
		h.prom.SetRunStatus(types.StateIdle)
	}
	h.sink = metrics.NewSampleSink(metrics.DefaultSinkBuffer, recorders...)
	h.active = metrics.NewActiveWorkers(gauge)

	orch, err := orchestrator.New(orchestrator.Config{
		Caller:   cfg.Caller,
		Sink:     h.sink,
		Activity: h.active,
		Logger:   logger,
	})
	if err != nil {
		h.sink.Close()
		return nil, err
	}
	runner, err := suite.NewRunner(suite.RunnerConfig{
		Orchestrator:     orch,
		Verifier:         convergence.NewVerifier(cfg.Caller, logger),
		Caller:           cfg.Caller,
		Nodes:            h.nodes,
		SyncTimeout:      cfg.SyncTimeout,
		FunctionalChecks: cfg.FunctionalChecks,
		Logger:           logger,
	})
	if err != nil {
		h.sink.Close()
		return nil, err
	}
	h.runner = runner
	return h, nil
}

// Close stops any active run, waits for it and stops the sample consumer.
func (h *Harness) Close() {
	_ = h.Stop()
	h.Wait()
	h.sink.Close()
}

// Suites describes the catalog.
func (h *Harness) Suites() []types.SuiteInfo {
	return h.catalog.Infos()
}

// Targets lists every accepted suite and group name.
func (h *Harness) Targets() []string {
	return h.catalog.Names()
}

// plan is a validated request.
type plan struct {
	target string
	defs   []suite.Definition
	ov     suite.Overrides
	seed   uint64
}

// Validate checks a request without starting anything.
func (h *Harness) Validate(req types.RunRequest) error {
	_, err := h.plan(req)
	return err
}

func (h *Harness) plan(req types.RunRequest) (plan, error) {
	if req.Target == "" {
		return plan{}, config.Invalid("suite", errors.New("suite is required"))
	}
	defs, err := h.catalog.Resolve(req.Target)
	if err != nil {
		return plan{}, config.Invalid("suite", err)
	}
	if req.DurationSec < 0 || req.DurationSec > MaxDurationSec {
		return plan{}, config.Invalidf("durationSec", "must be between 0 and %d, got %d", MaxDurationSec, req.DurationSec)
	}
	// 0 keeps the suite default
	if (req.Rate != 0 && !ratelimit.ValidRate(req.Rate)) || req.Rate > MaxRate {
		return plan{}, config.Invalidf("rate", "must be between 0 and %d, got %v", MaxRate, req.Rate)
	}
	if req.WorkersPerNode < 0 || req.WorkersPerNode > MaxWorkersPerNode {
		return plan{}, config.Invalidf("workersPerNode", "must be between 0 and %d, got %d", MaxWorkersPerNode, req.WorkersPerNode)
	}

	workers := req.WorkersPerNode
	if workers == 0 {
		workers = h.workers
	}
	seed := uint64(req.Seed)
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return plan{
		target: req.Target,
		defs:   defs,
		seed:   seed,
		ov: suite.Overrides{
			Duration:       time.Duration(req.DurationSec) * time.Second,
			Rate:           req.Rate,
			WorkersPerNode: workers,
			Seed:           seed,
		},
	}, nil
}

// RunSuites runs a request to completion and returns its report. The report
// is returned even when ctx is cancelled part way; it then covers the suites
// that finished and is marked as not passed.
func (h *Harness) RunSuites(ctx context.Context, req types.RunRequest) (*types.RunReport, error) {
	p, err := h.plan(req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	id, err := h.begin(p, cancel)
	if err != nil {
		return nil, err
	}
	return h.execute(ctx, id, p, req)
}

// Start validates req and runs it in the background. It returns the run id.
func (h *Harness) Start(req types.RunRequest) (string, error) {
	p, err := h.plan(req)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithCancel(context.Background())
	id, err := h.begin(p, cancel)
	if err != nil {
		cancel()
		return "", err
	}

	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				h.fail(id, fmt.Errorf("run panic: %v", r))
			}
		}()
		if _, err := h.execute(ctx, id, p, req); err != nil {
			h.logger.Error("run failed", "runID", id, "error", err)
		}
	}()
	return id, nil
}

// Stop cancels the active run. Workers finish their current operation and
// the partial report is still built and stored.
func (h *Harness) Stop() error {
	h.mu.RLock()
	cancel := h.cancel
	running := h.state == types.StateRunning
	h.mu.RUnlock()
	if !running || cancel == nil {
		return ErrNoActiveRun
	}
	cancel()
	return nil
}

// Wait blocks until the active run, if any, has finished.
func (h *Harness) Wait() {
	h.mu.RLock()
	done := h.done
	h.mu.RUnlock()
	if done != nil {
		<-done
	}
}

func (h *Harness) begin(p plan, cancel context.CancelFunc) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == types.StateRunning {
		return "", ErrRunInProgress
	}

	h.sink.Flush()
	h.collector.Reset()
	h.active.Reset()
	if h.prom != nil {
		h.prom.Reset()
		h.prom.SetRunStatus(types.StateRunning)
	}

	h.runID = uuid.New().String()
	h.state = types.StateRunning
	h.target = p.target
	h.current = ""
	h.startedAt = time.Now()
	h.endedAt = time.Time{}
	h.completed = nil
	h.lastRep = nil
	h.lastErr = ""
	h.cancel = cancel
	h.done = make(chan struct{})
	return h.runID, nil
}

func (h *Harness) execute(ctx context.Context, id string, p plan, req types.RunRequest) (*types.RunReport, error) {
	h.mu.RLock()
	done := h.done
	started := h.startedAt
	h.mu.RUnlock()
	defer close(done)

	h.logger.Info("run started",
		"runID", id,
		"target", p.target,
		"suites", len(p.defs),
		"nodes", len(h.nodes),
		"seed", p.seed,
	)

	h.createRecord(id, started, p, req)

	hooks := suite.Hooks{
		OnStart: func(def suite.Definition) {
			h.mu.Lock()
			h.current = def.Name
			h.mu.Unlock()
			h.logger.Info("suite started", "runID", id, "suite", def.Name, "group", def.Group)
		},
		OnFinish: func(entry types.SuiteEntry) {
			h.mu.Lock()
			h.completed = append(h.completed, entry)
			h.mu.Unlock()
			if h.prom != nil {
				h.prom.RecordSuite(entry)
			}
			h.logger.Info("suite finished",
				"runID", id,
				"suite", entry.Suite,
				"operations", entry.TotalOperations,
				"errors", entry.TotalErrors,
				"errorRate", entry.ErrorRate,
				"passed", entry.Passed,
			)
		},
	}

	entries, err := h.runner.RunAll(ctx, p.defs, p.ov, hooks)
	h.sink.Flush()
	finished := time.Now()

	if err != nil {
		h.finish(id, types.StateError, nil, err.Error(), finished)
		h.completeRecord(id, types.StateError, nil, err.Error(), finished.Sub(started))
		return nil, err
	}

	rep := report.Build(id, p.target, entries, finished)
	state := types.StateCompleted
	if ctx.Err() != nil {
		state = types.StateStopped
		rep.Passed = false
	}

	if h.reportDir != "" {
		path, werr := report.Write(h.reportDir, rep)
		if werr != nil {
			h.logger.Error("failed to write report", "runID", id, "error", werr)
		} else {
			h.logger.Info("report written", "runID", id, "path", path)
		}
	}

	h.finish(id, state, &rep, "", finished)
	h.completeRecord(id, state, &rep, "", finished.Sub(started))

	h.logger.Info("run finished",
		"runID", id,
		"state", state,
		"tier", rep.Tier,
		"passed", rep.Passed,
		"duration", finished.Sub(started).Round(time.Millisecond),
	)
	return &rep, nil
}

func (h *Harness) finish(id string, state types.RunState, rep *types.RunReport, errMsg string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.runID != id {
		return
	}
	h.state = state
	h.current = ""
	h.lastRep = rep
	h.lastErr = errMsg
	h.endedAt = at
	h.cancel = nil
	if h.prom != nil {
		h.prom.SetRunStatus(state)
	}
}

func (h *Harness) fail(id string, err error) {
	h.logger.Error("run aborted", "runID", id, "error", err)
	h.finish(id, types.StateError, nil, err.Error(), time.Now())
}

func (h *Harness) createRecord(id string, started time.Time, p plan, req types.RunRequest) {
	if h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	reqCopy := req
	err := h.store.CreateRun(ctx, &storage.Run{
		ID:        id,
		StartedAt: started,
		Target:    p.target,
		Status:    types.StateRunning,
		Seed:      int64(p.seed),
		Config:    &reqCopy,
	})
	if err != nil {
		h.logger.Warn("failed to persist run start", "runID", id, "error", err)
	}
}

func (h *Harness) completeRecord(id string, state types.RunState, rep *types.RunReport, errMsg string, elapsed time.Duration) {
	if h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	run := &storage.Run{
		ID:           id,
		Status:       state,
		DurationMs:   elapsed.Milliseconds(),
		ErrorMessage: errMsg,
	}
	if rep != nil {
		run.Tier = rep.Tier
		run.Passed = rep.Passed
		run.ReportText = report.Render(*rep)
		run.Suites = storage.SuitesFromReport(rep)
	}
	if err := h.store.CompleteRun(ctx, run); err != nil {
		h.logger.Warn("failed to persist run result", "runID", id, "error", err)
	}
}

// Status returns the live view of the current or last run.
func (h *Harness) Status() types.RunStatus {
	h.mu.RLock()
	st := types.RunStatus{
		RunID:        h.runID,
		State:        h.state,
		Target:       h.target,
		CurrentSuite: h.current,
		Completed:    slices.Clone(h.completed),
		Report:       h.lastRep,
		Error:        h.lastErr,
	}
	if !h.startedAt.IsZero() {
		started := h.startedAt
		st.StartedAt = &started
		end := h.endedAt
		if end.IsZero() {
			end = time.Now()
		}
		st.ElapsedMs = end.Sub(started).Milliseconds()
	}
	h.mu.RUnlock()

	snap := h.collector.Snapshot()
	st.ActiveWorkers = h.active.Load()
	st.PeakWorkers = h.active.Peak()
	st.Attempts = snap.Attempts
	st.Successes = snap.Successes
	st.Failures = snap.Failures
	st.ByKind = snap.ByKind
	st.ByFailure = snap.ByFailure
	st.Latency = snap.Latency
	return st
}

// History returns a page of stored runs.
func (h *Harness) History(ctx context.Context, limit, offset int) (*storage.PaginatedRuns, error) {
	if h.store == nil {
		return nil, ErrHistoryDisabled
	}
	if limit <= 0 {
		limit = defaultHistoryPage
	}
	if offset < 0 {
		offset = 0
	}
	return h.store.ListRuns(ctx, limit, offset)
}

// RunDetail returns one stored run with its suite results.
func (h *Harness) RunDetail(ctx context.Context, id string) (*storage.Run, error) {
	if h.store == nil {
		return nil, ErrHistoryDisabled
	}
	return h.store.GetRun(ctx, id)
}

// DeleteRun removes a stored run. The active run cannot be deleted.
func (h *Harness) DeleteRun(ctx context.Context, id string) error {
	if h.store == nil {
		return ErrHistoryDisabled
	}
	h.mu.RLock()
	busy := h.state == types.StateRunning && h.runID == id
	h.mu.RUnlock()
	if busy {
		return ErrRunInProgress
	}
	return h.store.DeleteRun(ctx, id)
}
