// Package types contains public API types for the stress harness.
// These types form the external interface (HTTP API, MCP tools, stored history)
// and must remain backwards-compatible.
package types

import "time"

// SuiteName identifies one named suite.
type SuiteName string

const (
	SuiteHighFrequency      SuiteName = "high_frequency"
	SuiteConcurrent         SuiteName = "concurrent"
	SuiteMemoryStress       SuiteName = "memory_stress"
	SuiteNetworkStress      SuiteName = "network_stress"
	SuiteExtremeLoad        SuiteName = "extreme_load"
	SuiteNetworkPerformance SuiteName = "network_performance"
	SuiteMemoryUsage        SuiteName = "memory_usage"
	SuiteBlockProduction    SuiteName = "block_production"
	SuiteFunctional         SuiteName = "functional"
)

// SuiteGroup is a family of suites that share a report layout.
type SuiteGroup string

const (
	GroupStress     SuiteGroup = "stress"
	GroupLoad       SuiteGroup = "load"
	GroupFunctional SuiteGroup = "functional"
	GroupMixed      SuiteGroup = "mixed" // report spanning more than one group
)

// TargetAll selects every suite in catalog order.
const TargetAll = "all"

// OperationKind is the closed set of synthetic operations.
type OperationKind string

const (
	OpTransaction OperationKind = "transaction"
	OpMeasurement OperationKind = "measurement"
	OpExchange    OperationKind = "exchange"
	OpReadQuery   OperationKind = "read_query"
)

// OperationKinds lists every operation kind in display order.
var OperationKinds = []OperationKind{OpTransaction, OpMeasurement, OpExchange, OpReadQuery}

// Valid reports whether k is one of the known operation kinds.
func (k OperationKind) Valid() bool {
	switch k {
	case OpTransaction, OpMeasurement, OpExchange, OpReadQuery:
		return true
	}
	return false
}

// RunState represents the current harness state.
type RunState string

const (
	StateIdle      RunState = "idle"
	StateRunning   RunState = "running"
	StateCompleted RunState = "completed"
	StateStopped   RunState = "stopped"
	StateError     RunState = "error"
)

// Tier is the four-level qualitative label attached to a report.
type Tier string

const (
	TierExcellent Tier = "EXCELLENT"
	TierGood      Tier = "GOOD"
	TierModerate  Tier = "MODERATE"
	TierPoor      Tier = "POOR"
)

// Verdict is a pass/fail judgement for one suite's error rate.
type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictFail Verdict = "FAIL"
)

// OperationSample records one attempted operation.
// Produced exactly once per attempt by the worker that issued it.
type OperationSample struct {
	Suite       SuiteName     `json:"suite"`
	NodeID      int           `json:"nodeId"`
	Kind        OperationKind `json:"kind"`
	Method      string        `json:"method,omitempty"` // last RPC method issued
	Success     bool          `json:"success"`
	FailureKind string        `json:"failureKind,omitempty"`
	Latency     time.Duration `json:"latencyNs"`
	Timestamp   time.Time     `json:"timestamp"`
}

// WorkerResult is the final snapshot of one worker's counters.
type WorkerResult struct {
	NodeID      int           `json:"nodeId"`
	WorkerIndex int           `json:"workerIndex"`
	Operations  uint64        `json:"operations"`
	Errors      uint64        `json:"errors"`
	Elapsed     time.Duration `json:"elapsedNs"`
	Completed   bool          `json:"completed"` // false when the worker crashed

	ByKind map[OperationKind]KindCounts `json:"byKind,omitempty"`
}

// NodeTotals sums worker results per node.
type NodeTotals struct {
	NodeID     int    `json:"nodeId"`
	Operations uint64 `json:"operations"`
	Errors     uint64 `json:"errors"`
}

// Check is a named boolean outcome with an explanation.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// NodeDelta is a before/after observation for one node.
type NodeDelta struct {
	NodeID int   `json:"nodeId"`
	Before int64 `json:"before"`
	After  int64 `json:"after"`
	Delta  int64 `json:"delta"`
	Known  bool  `json:"known"` // false when either observation failed
}

// SuiteEntry is the aggregate for one suite.
type SuiteEntry struct {
	Suite               SuiteName                    `json:"suite"`
	Group               SuiteGroup                   `json:"group"`
	DurationMs          int64                        `json:"durationMs"`
	TotalOperations     uint64                       `json:"totalOperations"`
	TotalErrors         uint64                       `json:"totalErrors"`
	ErrorRate           float64                      `json:"errorRate"`
	OperationsPerSecond float64                      `json:"operationsPerSecond"`
	MaxErrorRate        float64                      `json:"maxErrorRate"`
	Verdict             Verdict                      `json:"verdict"`
	Passed              bool                         `json:"passed"` // verdict and every check
	Nodes               []NodeTotals                 `json:"nodes,omitempty"`
	ByKind              map[OperationKind]KindCounts `json:"byKind,omitempty"`
	Workers             []WorkerResult               `json:"workers,omitempty"`
	Checks              []Check                      `json:"checks,omitempty"`
	Deltas              []NodeDelta                  `json:"deltas,omitempty"`
	DeltaLabel          string                       `json:"deltaLabel,omitempty"`
	Notes               []string                     `json:"notes,omitempty"`
	Latency             *LatencyStats                `json:"latency,omitempty"`
}

// RunReport is the rendered outcome of one invocation.
type RunReport struct {
	ID                  string       `json:"id"`
	Target              string       `json:"target"`
	Group               SuiteGroup   `json:"group"`
	GeneratedAt         time.Time    `json:"generatedAt"`
	Suites              []SuiteEntry `json:"suites"`
	TotalOperations     uint64       `json:"totalOperations"`
	TotalErrors         uint64       `json:"totalErrors"`
	AverageErrorRate    float64      `json:"averageErrorRate"`
	AverageOpsPerSecond float64      `json:"averageOpsPerSecond"`
	ChecksPassed        int          `json:"checksPassed"`
	ChecksTotal         int          `json:"checksTotal"`
	Tier                Tier         `json:"tier"`
	Passed              bool         `json:"passed"`
}

// RunRequest is the request body for starting a run.
type RunRequest struct {
	Target         string  `json:"suite"`                    // suite or group name
	DurationSec    int     `json:"durationSec,omitempty"`    // 0 = suite default
	Rate           float64 `json:"rate,omitempty"`           // ops/s per worker, 0 = suite default
	WorkersPerNode int     `json:"workersPerNode,omitempty"` // 0 = suite default
	Seed           int64   `json:"seed,omitempty"`           // 0 = time based
}

// KindCounts tracks attempts for one operation kind.
type KindCounts struct {
	Successes uint64 `json:"successes"`
	Failures  uint64 `json:"failures"`
}

// RunStatus is the live view of the harness.
type RunStatus struct {
	RunID         string                       `json:"runId,omitempty"`
	State         RunState                     `json:"state"`
	Target        string                       `json:"target,omitempty"`
	CurrentSuite  SuiteName                    `json:"currentSuite,omitempty"`
	StartedAt     *time.Time                   `json:"startedAt,omitempty"`
	ElapsedMs     int64                        `json:"elapsedMs"`
	ActiveWorkers int64                        `json:"activeWorkers"`
	PeakWorkers   int64                        `json:"peakWorkers"`
	Attempts      uint64                       `json:"attempts"`
	Successes     uint64                       `json:"successes"`
	Failures      uint64                       `json:"failures"`
	ByKind        map[OperationKind]KindCounts `json:"byKind,omitempty"`
	ByFailure     map[string]uint64            `json:"byFailure,omitempty"`
	Latency       *LatencyStats                `json:"latency,omitempty"`
	Completed     []SuiteEntry                 `json:"completed,omitempty"`
	Report        *RunReport                   `json:"report,omitempty"`
	Error         string                       `json:"error,omitempty"`
}

// SuiteInfo describes a catalog entry.
type SuiteInfo struct {
	Name           SuiteName  `json:"name"`
	Group          SuiteGroup `json:"group"`
	Description    string     `json:"description"`
	WorkersPerNode int        `json:"workersPerNode"`
	DurationSec    int        `json:"durationSec"`
	Rate           float64    `json:"rate"`
	MaxErrorRate   float64    `json:"maxErrorRate"`
}

// LatencyBucket represents a latency histogram bucket.
type LatencyBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LatencyStats holds latency statistics.
type LatencyStats struct {
	Count   int             `json:"count"`
	Min     float64         `json:"min"`     // ms
	Max     float64         `json:"max"`     // ms
	Avg     float64         `json:"avg"`     // ms
	P50     float64         `json:"p50"`     // ms
	P75     float64         `json:"p75"`     // ms
	P90     float64         `json:"p90"`     // ms
	P95     float64         `json:"p95"`     // ms
	P99     float64         `json:"p99"`     // ms
	Buckets []LatencyBucket `json:"buckets"` // histogram
}
