package suite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gateway-fm/chainstress/internal/config"
	"github.com/gateway-fm/chainstress/internal/convergence"
	"github.com/gateway-fm/chainstress/internal/orchestrator"
	"github.com/gateway-fm/chainstress/internal/rpc"
	"github.com/gateway-fm/chainstress/pkg/types"
)

// fakeNodes answers every method with success unless listed in failing.
type fakeNodes struct {
	mu      sync.Mutex
	height  int64
	memory  map[int]int64
	memStep int64
	failing map[string]bool
	calls   map[string]int
}

func newFakeNodes() *fakeNodes {
	return &fakeNodes{height: 10, memory: map[int]int64{}, failing: map[string]bool{}, calls: map[string]int{}}
}

func (f *fakeNodes) Call(ctx context.Context, nodeID int, method string, params ...any) rpc.Outcome {
	out := f.answer(nodeID, method)
	out.Latency = time.Millisecond
	return out
}

func (f *fakeNodes) answer(nodeID int, method string) rpc.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	if f.failing[method] {
		return rpc.Fail(rpc.FailureRemote, "Method not found")
	}
	switch method {
	case "getblockchaininfo":
		return rpc.Success(json.RawMessage(fmt.Sprintf(`{"blocks":%d}`, f.height)))
	case "getmemoryinfo":
		f.memory[nodeID] += f.memStep
		return rpc.Success(json.RawMessage(fmt.Sprintf(`{"locked":{"used":%d}}`, f.memory[nodeID])))
	case "getpeerinfo":
		return rpc.Success(json.RawMessage(`[{"id":1},{"id":2}]`))
	}
	return rpc.Success(json.RawMessage(`{}`))
}

func newRunner(t *testing.T, caller rpc.Caller, nodes []int) *Runner {
	t.Helper()
	orch, err := orchestrator.New(orchestrator.Config{Caller: caller})
	if err != nil {
		t.Fatalf("orchestrator.New() error = %v", err)
	}
	r, err := NewRunner(RunnerConfig{
		Orchestrator: orch,
		Verifier:     convergence.NewVerifier(caller, nil),
		Caller:       caller,
		Nodes:        nodes,
		SyncTimeout:  200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	return r
}

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog(Options{})

	all, err := c.Resolve(types.TargetAll)
	if err != nil {
		t.Fatalf("Resolve(all) error = %v", err)
	}
	if len(all) != 9 {
		t.Errorf("Resolve(all) = %d suites, want 9", len(all))
	}

	tests := []struct {
		target string
		want   []types.SuiteName
	}{
		{"stress", []types.SuiteName{types.SuiteHighFrequency, types.SuiteConcurrent, types.SuiteMemoryStress, types.SuiteNetworkStress, types.SuiteExtremeLoad}},
		{"load", []types.SuiteName{types.SuiteNetworkPerformance, types.SuiteMemoryUsage, types.SuiteBlockProduction}},
		{"functional", []types.SuiteName{types.SuiteFunctional}},
		{"extreme_load", []types.SuiteName{types.SuiteExtremeLoad}},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			defs, err := c.Resolve(tt.target)
			if err != nil {
				t.Fatalf("Resolve(%s) error = %v", tt.target, err)
			}
			if len(defs) != len(tt.want) {
				t.Fatalf("Resolve(%s) = %d suites, want %d", tt.target, len(defs), len(tt.want))
			}
			for i, d := range defs {
				if d.Name != tt.want[i] {
					t.Errorf("Resolve(%s)[%d] = %s, want %s", tt.target, i, d.Name, tt.want[i])
				}
			}
		})
	}

	if _, err := c.Resolve("bogus"); err == nil {
		t.Error("Resolve(bogus) should fail")
	}

	def, _ := c.Get(types.SuiteExtremeLoad)
	if def.WorkersPerNode != 3 || def.Rate != 100 || def.Threshold.MaxErrorRate != 0.20 {
		t.Errorf("extreme_load = %+v", def.Info())
	}
}

func TestDefaultCatalogThresholdOverride(t *testing.T) {
	c := DefaultCatalog(Options{Thresholds: map[types.SuiteName]float64{types.SuiteHighFrequency: 0.05}})
	def, _ := c.Get(types.SuiteHighFrequency)
	if def.Threshold.MaxErrorRate != 0.05 {
		t.Errorf("MaxErrorRate = %v, want 0.05", def.Threshold.MaxErrorRate)
	}
	def, _ = c.Get(types.SuiteConcurrent)
	if def.Threshold.MaxErrorRate != 0.15 {
		t.Errorf("concurrent MaxErrorRate = %v, want 0.15", def.Threshold.MaxErrorRate)
	}
}

func TestMemoryGrowthBelow(t *testing.T) {
	judge := MemoryGrowthBelow(1000)
	tests := []struct {
		name   string
		deltas []types.NodeDelta
		want   bool
	}{
		{"under limit", []types.NodeDelta{{NodeID: 1, Delta: 999, Known: true}}, true},
		{"at limit", []types.NodeDelta{{NodeID: 1, Delta: 1000, Known: true}}, false},
		{"shrank", []types.NodeDelta{{NodeID: 1, Delta: -50, Known: true}}, true},
		{"unobserved", []types.NodeDelta{{NodeID: 1, Delta: 0, Known: true}, {NodeID: 2}}, false},
		{"no nodes", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := judge(tt.deltas); got.Passed != tt.want {
				t.Errorf("Passed = %v, want %v (detail %q)", got.Passed, tt.want, got.Detail)
			}
		})
	}
}

func TestPeersStable(t *testing.T) {
	if c := PeersStable([]types.NodeDelta{{NodeID: 1, Before: 4, After: 4, Known: true}}); !c.Passed {
		t.Errorf("unchanged peers: Passed = false (%s)", c.Detail)
	}
	c := PeersStable([]types.NodeDelta{{NodeID: 1, Before: 4, After: 3, Delta: -1, Known: true}})
	if c.Passed || !strings.Contains(c.Detail, "4 -> 3") {
		t.Errorf("changed peers: %+v", c)
	}
}

func TestFunctionalCheckRun(t *testing.T) {
	nodes := newFakeNodes()
	nodes.failing["getbusinessratio"] = true

	c := DefaultFunctionalChecks[1].Run(context.Background(), nodes, 1)
	if !c.Passed {
		t.Errorf("pow_pob Passed = false, detail %q", c.Detail)
	}
	if !strings.Contains(c.Detail, "getbusinessratio") {
		t.Errorf("Detail = %q, want optional failure listed", c.Detail)
	}

	nodes.failing["getpowpobstats"] = true
	c = DefaultFunctionalChecks[1].Run(context.Background(), nodes, 1)
	if c.Passed {
		t.Error("pow_pob Passed = true with required call failing")
	}
}

func TestRunnerWorkloadWithProbe(t *testing.T) {
	nodes := newFakeNodes()
	nodes.memStep = 100
	r := newRunner(t, nodes, []int{1, 2})

	def, _ := DefaultCatalog(Options{}).Get(types.SuiteMemoryStress)
	entry, err := r.Run(context.Background(), def, Overrides{Duration: 300 * time.Millisecond, Rate: 20, Seed: 1})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if entry.TotalOperations == 0 || entry.TotalErrors != 0 {
		t.Errorf("totals = %d/%d, want >0/0", entry.TotalOperations, entry.TotalErrors)
	}
	if len(entry.Workers) != 2 {
		t.Errorf("workers = %d, want 2", len(entry.Workers))
	}
	if len(entry.Deltas) != 2 || entry.Deltas[0].Delta != 100 {
		t.Errorf("Deltas = %+v, want 100 bytes per node", entry.Deltas)
	}
	if len(entry.Checks) != 1 || !entry.Checks[0].Passed || !entry.Passed {
		t.Errorf("Checks = %+v, Passed = %v", entry.Checks, entry.Passed)
	}
	if entry.Latency == nil || entry.Latency.Count != int(entry.TotalOperations) {
		t.Errorf("Latency = %+v, want one sample per operation", entry.Latency)
	}
}

func TestRunnerWorkloadFailsThreshold(t *testing.T) {
	nodes := newFakeNodes()
	for _, m := range []string{"getblockchaininfo", "getpeerinfo", "getmininginfo", "getwalletinfo", "getpowpobstats", "getmeasurementstats", "getstabilizationstats", "getexchangerate", "getcurrencies"} {
		nodes.failing[m] = true
	}
	r := newRunner(t, nodes, []int{1})

	def, _ := DefaultCatalog(Options{}).Get(types.SuiteHighFrequency)
	entry, err := r.Run(context.Background(), def, Overrides{Duration: 200 * time.Millisecond, Rate: 50})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if entry.Verdict != types.VerdictFail || entry.Passed {
		t.Errorf("Verdict = %s, Passed = %v, want FAIL/false", entry.Verdict, entry.Passed)
	}
	if entry.ErrorRate != 1 {
		t.Errorf("ErrorRate = %v, want 1", entry.ErrorRate)
	}
}

func TestRunnerInvalidOverrides(t *testing.T) {
	nodes := newFakeNodes()
	r := newRunner(t, nodes, []int{1})

	def, _ := DefaultCatalog(Options{}).Get(types.SuiteHighFrequency)
	_, err := r.Run(context.Background(), def, Overrides{Rate: -1})
	if !config.IsConfigurationError(err) {
		t.Errorf("Run() error = %v, want ConfigurationError", err)
	}
	if len(nodes.calls) != 0 {
		t.Errorf("calls = %v, want none", nodes.calls)
	}
}

func TestRunnerFunctional(t *testing.T) {
	nodes := newFakeNodes()
	r := newRunner(t, nodes, []int{1, 2, 3})

	def, _ := DefaultCatalog(Options{}).Get(types.SuiteFunctional)
	entry, err := r.Run(context.Background(), def, Overrides{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(entry.Checks) != len(DefaultFunctionalChecks) {
		t.Fatalf("Checks = %d, want %d", len(entry.Checks), len(DefaultFunctionalChecks))
	}
	if !entry.Passed || entry.Verdict != types.VerdictPass {
		t.Errorf("Passed = %v, Verdict = %s", entry.Passed, entry.Verdict)
	}

	nodes.failing["getbrightidstatus"] = true
	entry, _ = r.Run(context.Background(), def, Overrides{})
	if entry.Passed || entry.Verdict != types.VerdictFail {
		t.Errorf("with failing check: Passed = %v, Verdict = %s", entry.Passed, entry.Verdict)
	}
}

func TestRunnerFunctionalNotSynced(t *testing.T) {
	nodes := newFakeNodes()
	nodes.height = 0
	r := newRunner(t, nodes, []int{1, 2})

	def, _ := DefaultCatalog(Options{}).Get(types.SuiteFunctional)
	entry, _ := r.Run(context.Background(), def, Overrides{})
	if entry.Passed {
		t.Error("Passed = true with unsynced nodes")
	}
	if len(entry.Checks) != 1 || entry.Checks[0].Name != "sync" {
		t.Errorf("Checks = %+v, want single sync failure", entry.Checks)
	}
	if nodes.calls["getpowpobstats"] != 0 {
		t.Error("functional checks ran without sync")
	}
}

func TestRunAllStopsWhenCancelled(t *testing.T) {
	nodes := newFakeNodes()
	r := newRunner(t, nodes, []int{1})
	defs, _ := DefaultCatalog(Options{}).Resolve("stress")

	ctx, cancel := context.WithCancel(context.Background())
	var started []types.SuiteName
	hooks := Hooks{
		OnStart: func(def Definition) { started = append(started, def.Name) },
		OnFinish: func(types.SuiteEntry) {
			cancel()
		},
	}

	entries, err := r.RunAll(ctx, defs, Overrides{Duration: 100 * time.Millisecond, Rate: 50}, hooks)
	if err != nil {
		t.Fatalf("RunAll() error = %v", err)
	}
	if len(entries) != 1 || len(started) != 1 {
		t.Errorf("entries = %d, started = %v, want 1 suite", len(entries), started)
	}
}
