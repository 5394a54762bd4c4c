package harness

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gateway-fm/chainstress/internal/config"
	"github.com/gateway-fm/chainstress/internal/metrics"
	"github.com/gateway-fm/chainstress/internal/rpc"
	"github.com/gateway-fm/chainstress/internal/storage"
	"github.com/gateway-fm/chainstress/pkg/types"
)

type fakeNodes struct {
	mu   sync.Mutex
	down map[int]bool
}

func (f *fakeNodes) Call(ctx context.Context, nodeID int, method string, params ...any) rpc.Outcome {
	f.mu.Lock()
	down := f.down[nodeID]
	f.mu.Unlock()
	if down {
		return rpc.Fail(rpc.FailureTransport, "connection refused")
	}
	var out rpc.Outcome
	switch method {
	case "getblockchaininfo":
		out = rpc.Success(json.RawMessage(`{"blocks":42}`))
	case "getpeerinfo":
		out = rpc.Success(json.RawMessage(`[{"id":1}]`))
	case "getmemoryinfo":
		out = rpc.Success(json.RawMessage(`{"locked":{"used":100}}`))
	default:
		out = rpc.Success(json.RawMessage(`{}`))
	}
	out.Latency = time.Millisecond
	return out
}

type testEnv struct {
	h     *Harness
	store *storage.SQLiteStorage
	dir   string
	nodes *fakeNodes
}

func newTestHarness(t *testing.T, withStore bool) *testEnv {
	t.Helper()

	env := &testEnv{dir: t.TempDir(), nodes: &fakeNodes{down: map[int]bool{}}}
	cfg := Config{
		Caller:      env.nodes,
		Nodes:       []int{3, 1, 2},
		Metrics:     metrics.NewPrometheusMetrics(prometheus.NewRegistry()),
		ReportDir:   env.dir,
		SyncTimeout: 200 * time.Millisecond,
	}
	if withStore {
		store, err := storage.NewSQLiteStorage(filepath.Join(env.dir, "history.db"))
		if err != nil {
			t.Fatalf("NewSQLiteStorage() error = %v", err)
		}
		t.Cleanup(func() { store.Close() })
		env.store = store
		cfg.Storage = store
	}

	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(h.Close)
	env.h = h
	return env
}

func TestNewRequiresCallerAndNodes(t *testing.T) {
	if _, err := New(Config{Nodes: []int{1}}); err == nil {
		t.Error("New() without caller should fail")
	}
	if _, err := New(Config{Caller: &fakeNodes{}}); !config.IsConfigurationError(err) {
		t.Errorf("New() without nodes error = %v, want configuration error", err)
	}
}

func TestValidate(t *testing.T) {
	env := newTestHarness(t, false)

	tests := []struct {
		name    string
		req     types.RunRequest
		wantErr bool
	}{
		{"suite name", types.RunRequest{Target: "high_frequency"}, false},
		{"group", types.RunRequest{Target: "stress"}, false},
		{"all", types.RunRequest{Target: "all", DurationSec: 10, Rate: 5, WorkersPerNode: 2}, false},
		{"missing suite", types.RunRequest{}, true},
		{"unknown suite", types.RunRequest{Target: "bogus"}, true},
		{"negative duration", types.RunRequest{Target: "stress", DurationSec: -1}, true},
		{"duration too long", types.RunRequest{Target: "stress", DurationSec: MaxDurationSec + 1}, true},
		{"negative rate", types.RunRequest{Target: "stress", Rate: -1}, true},
		{"NaN rate", types.RunRequest{Target: "stress", Rate: math.NaN()}, true},
		{"infinite rate", types.RunRequest{Target: "stress", Rate: math.Inf(1)}, true},
		{"rate too high", types.RunRequest{Target: "stress", Rate: MaxRate + 1}, true},
		{"too many workers", types.RunRequest{Target: "stress", WorkersPerNode: MaxWorkersPerNode + 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.h.Validate(tt.req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !config.IsConfigurationError(err) {
				t.Errorf("Validate() error = %v, want configuration error", err)
			}
		})
	}
}

func TestRunSuitesFunctional(t *testing.T) {
	env := newTestHarness(t, true)
	ctx := context.Background()

	rep, err := env.h.RunSuites(ctx, types.RunRequest{Target: "functional"})
	if err != nil {
		t.Fatalf("RunSuites() error = %v", err)
	}
	if !rep.Passed {
		t.Errorf("Passed = false, want true")
	}
	if rep.Group != types.GroupFunctional {
		t.Errorf("Group = %s, want functional", rep.Group)
	}
	if len(rep.Suites) != 1 || rep.Suites[0].Suite != types.SuiteFunctional {
		t.Fatalf("Suites = %+v, want one functional entry", rep.Suites)
	}

	st := env.h.Status()
	if st.State != types.StateCompleted {
		t.Errorf("State = %s, want completed", st.State)
	}
	if st.RunID != rep.ID {
		t.Errorf("RunID = %s, want %s", st.RunID, rep.ID)
	}
	if st.Report == nil || st.Report.ID != rep.ID {
		t.Errorf("Status().Report = %+v, want report %s", st.Report, rep.ID)
	}
	if len(st.Completed) != 1 {
		t.Errorf("Completed = %d entries, want 1", len(st.Completed))
	}

	if _, err := os.Stat(filepath.Join(env.dir, "test_report.txt")); err != nil {
		t.Errorf("report file not written: %v", err)
	}

	run, err := env.h.RunDetail(ctx, rep.ID)
	if err != nil {
		t.Fatalf("RunDetail() error = %v", err)
	}
	if run.Status != types.StateCompleted || !run.Passed {
		t.Errorf("stored run = %s passed=%v, want completed passed", run.Status, run.Passed)
	}
	if len(run.Suites) != 1 {
		t.Errorf("stored suites = %d, want 1", len(run.Suites))
	}
	if run.ReportText == "" {
		t.Error("stored report text is empty")
	}
}

func TestRunSuitesWorkloadCountsSamples(t *testing.T) {
	env := newTestHarness(t, false)

	rep, err := env.h.RunSuites(context.Background(), types.RunRequest{
		Target:      string(types.SuiteHighFrequency),
		DurationSec: 1,
		Rate:        20,
		Seed:        7,
	})
	if err != nil {
		t.Fatalf("RunSuites() error = %v", err)
	}
	if rep.TotalOperations == 0 {
		t.Fatal("TotalOperations = 0, want > 0")
	}
	if !rep.Passed {
		t.Errorf("Passed = false, want true")
	}

	st := env.h.Status()
	if st.Attempts != rep.TotalOperations+rep.TotalErrors {
		t.Errorf("Attempts = %d, want %d", st.Attempts, rep.TotalOperations+rep.TotalErrors)
	}
	if st.ActiveWorkers != 0 {
		t.Errorf("ActiveWorkers = %d after run, want 0", st.ActiveWorkers)
	}
	if st.PeakWorkers != 3 {
		t.Errorf("PeakWorkers = %d, want 3 (one worker per node)", st.PeakWorkers)
	}
	if kc := rep.Suites[0].ByKind[types.OpReadQuery]; kc.Successes != rep.TotalOperations {
		t.Errorf("ByKind[read_query].Successes = %d, want %d", kc.Successes, rep.TotalOperations)
	}
	if got := len(rep.Suites[0].Nodes); got != 3 {
		t.Errorf("per-node totals = %d, want 3", got)
	}
}

func TestStartStop(t *testing.T) {
	env := newTestHarness(t, true)

	id, err := env.h.Start(types.RunRequest{Target: string(types.SuiteHighFrequency), DurationSec: 60, Rate: 10})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if id == "" {
		t.Fatal("Start() returned empty id")
	}

	if _, err := env.h.Start(types.RunRequest{Target: "functional"}); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("second Start() error = %v, want %v", err, ErrRunInProgress)
	}
	if err := env.h.DeleteRun(context.Background(), id); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("DeleteRun(active) error = %v, want %v", err, ErrRunInProgress)
	}
	if st := env.h.Status(); st.State != types.StateRunning {
		t.Errorf("State = %s, want running", st.State)
	}

	time.Sleep(200 * time.Millisecond)
	if err := env.h.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	env.h.Wait()

	st := env.h.Status()
	if st.State != types.StateStopped {
		t.Errorf("State = %s, want stopped", st.State)
	}
	if st.Report == nil || st.Report.Passed {
		t.Errorf("stopped run report = %+v, want not passed", st.Report)
	}
	if err := env.h.Stop(); !errors.Is(err, ErrNoActiveRun) {
		t.Errorf("Stop() when idle error = %v, want %v", err, ErrNoActiveRun)
	}

	page, err := env.h.History(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if page.Total != 1 || len(page.Runs) != 1 || page.Runs[0].Status != types.StateStopped {
		t.Errorf("History() = %+v, want one stopped run", page)
	}

	if err := env.h.DeleteRun(context.Background(), id); err != nil {
		t.Errorf("DeleteRun() error = %v", err)
	}
	if _, err := env.h.RunDetail(context.Background(), id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("RunDetail() after delete error = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestHistoryDisabled(t *testing.T) {
	env := newTestHarness(t, false)
	ctx := context.Background()

	if _, err := env.h.History(ctx, 10, 0); !errors.Is(err, ErrHistoryDisabled) {
		t.Errorf("History() error = %v, want %v", err, ErrHistoryDisabled)
	}
	if _, err := env.h.RunDetail(ctx, "x"); !errors.Is(err, ErrHistoryDisabled) {
		t.Errorf("RunDetail() error = %v, want %v", err, ErrHistoryDisabled)
	}
	if err := env.h.DeleteRun(ctx, "x"); !errors.Is(err, ErrHistoryDisabled) {
		t.Errorf("DeleteRun() error = %v, want %v", err, ErrHistoryDisabled)
	}
}

func TestCheckNodes(t *testing.T) {
	env := newTestHarness(t, false)
	env.nodes.down[2] = true

	got := env.h.CheckNodes(context.Background())
	if len(got) != 3 {
		t.Fatalf("CheckNodes() = %d results, want 3", len(got))
	}
	for i, want := range []struct {
		id     int
		status string
	}{{1, "ok"}, {2, "error"}, {3, "ok"}} {
		if got[i].NodeID != want.id || got[i].Status != want.status {
			t.Errorf("CheckNodes()[%d] = node %d %s, want node %d %s", i, got[i].NodeID, got[i].Status, want.id, want.status)
		}
	}
	if got[0].Blocks != 42 {
		t.Errorf("Blocks = %d, want 42", got[0].Blocks)
	}
	if Healthy(got) {
		t.Error("Healthy() = true with a node down")
	}

	env.nodes.down[2] = false
	if !Healthy(env.h.CheckNodes(context.Background())) {
		t.Error("Healthy() = false with all nodes up")
	}
}

func TestSuitesAndTargets(t *testing.T) {
	env := newTestHarness(t, false)

	if got := len(env.h.Suites()); got != 9 {
		t.Errorf("Suites() = %d, want 9", got)
	}
	targets := env.h.Targets()
	for _, want := range []string{"high_frequency", "stress", "load", "functional", "all"} {
		if !slices.Contains(targets, want) {
			t.Errorf("Targets() = %v, missing %s", targets, want)
		}
	}
}
