package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gateway-fm/chainstress/internal/storage"
	"github.com/gateway-fm/chainstress/pkg/types"
)

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{int64(1234567), "1,234,567"},
		{uint64(100000), "100,000"},
		{float64(12345), "12,345"},
		{1.5, "1.5"},
		{-1234, "-1,234"},
		{"x", "x"},
	}
	for _, tt := range tests {
		if got := formatNumber(tt.in); got != tt.want {
			t.Errorf("formatNumber(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestJoinLinesSkipsEmpty(t *testing.T) {
	if got := joinLines("a", "", "b"); got != "a\nb" {
		t.Errorf("joinLines() = %q, want %q", got, "a\nb")
	}
	if got := optional("Tier", ""); got != "" {
		t.Errorf("optional() = %q, want empty", got)
	}
}

func TestFormatStatus(t *testing.T) {
	st := types.RunStatus{
		RunID:        "run-1",
		State:        types.StateRunning,
		Target:       "stress",
		CurrentSuite: types.SuiteConcurrent,
		ElapsedMs:    1500,
		Attempts:     1200,
		Successes:    1190,
		Failures:     10,
		ByKind:       map[types.OperationKind]types.KindCounts{types.OpReadQuery: {Successes: 1190, Failures: 10}},
		ByFailure:    map[string]uint64{"timeout": 10},
		Latency:      &types.LatencyStats{Count: 1200, P50: 2, P95: 5, P99: 9, Max: 12},
		Completed: []types.SuiteEntry{
			{Suite: types.SuiteHighFrequency, Passed: true, TotalOperations: 3000, ErrorRate: 0.01},
		},
	}
	raw, _ := json.Marshal(st)
	out := formatStatus(raw)

	for _, want := range []string{
		"## Harness Status",
		"running",
		"concurrent",
		"1,200",
		"timeout",
		"P95:",
		"5.0ms",
		"high_frequency",
		"PASS",
		"1.0%",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("formatStatus() missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "## Result") {
		t.Error("formatStatus() shows a result before the run finished")
	}

	if got := formatStatus(json.RawMessage("not json")); !strings.HasPrefix(got, "Error parsing status") {
		t.Errorf("formatStatus(invalid) = %q", got)
	}
}

func TestFormatHealth(t *testing.T) {
	raw := json.RawMessage(`[{"nodeId":1,"status":"ok","blocks":10,"latencyMs":3},{"nodeId":2,"status":"error","error":"connection refused"}]`)
	out := formatHealth(raw)
	if !strings.Contains(out, "NOT READY") || !strings.Contains(out, "connection refused") {
		t.Errorf("formatHealth() = %s", out)
	}

	out = formatHealth(json.RawMessage(`[{"nodeId":1,"status":"ok","blocks":10}]`))
	if !strings.Contains(out, "Node Health: READY") {
		t.Errorf("formatHealth(all ok) = %s", out)
	}
}

func TestFormatHistoryAndDetail(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	page := storage.PaginatedRuns{
		Runs:  []storage.Run{{ID: "run-1", Target: "load", Status: types.StateCompleted, Passed: true, Tier: types.TierGood, StartedAt: started}},
		Total: 1,
	}
	raw, _ := json.Marshal(page)
	out := formatHistory(raw)
	for _, want := range []string{"### run-1", "load", "PASS", "GOOD"} {
		if !strings.Contains(out, want) {
			t.Errorf("formatHistory() missing %q in:\n%s", want, out)
		}
	}

	empty, _ := json.Marshal(storage.PaginatedRuns{})
	if out := formatHistory(empty); !strings.Contains(out, "No runs found.") {
		t.Errorf("formatHistory(empty) = %s", out)
	}

	run := storage.Run{
		ID:     "run-2",
		Target: "memory_stress",
		Status: types.StateCompleted,
		Suites: []storage.SuiteResult{{
			Suite:  types.SuiteMemoryStress,
			Group:  types.GroupStress,
			Checks: []types.Check{{Name: "memory_growth", Detail: "node 3 grew 2000000 bytes"}},
			Notes:  []string{"worker 0 on node 3 did not complete normally"},
		}},
	}
	raw, _ = json.Marshal(run)
	out = formatRunDetail(raw)
	for _, want := range []string{"## Run: run-2", "### memory_stress (stress) FAIL", "[FAIL] memory_growth", "did not complete normally"} {
		if !strings.Contains(out, want) {
			t.Errorf("formatRunDetail() missing %q in:\n%s", want, out)
		}
	}
}

func TestClientErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/run":
			if r.Header.Get("Content-Type") != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", r.Header.Get("Content-Type"))
			}
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"a run is already in progress"}`))
		case "/v1/status":
			w.Write([]byte(`{"state":"idle"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	c := NewClient(ts.URL + "/")
	ctx := context.Background()

	raw, err := c.Get(ctx, "/v1/status")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(raw) != `{"state":"idle"}` {
		t.Errorf("Get() = %s", raw)
	}

	_, err = c.Post(ctx, "/v1/run", types.RunRequest{Target: "stress"})
	if err == nil || err.Error() != "HTTP 409: a run is already in progress" {
		t.Errorf("Post() error = %v, want HTTP 409 with message", err)
	}

	if _, err := c.Delete(ctx, "/v1/history/x"); err == nil || !strings.HasPrefix(err.Error(), "HTTP 404") {
		t.Errorf("Delete() error = %v, want HTTP 404", err)
	}
}
