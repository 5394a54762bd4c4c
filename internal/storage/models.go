// Package storage provides persistence for run history.
package storage

import (
	"time"

	"github.com/gateway-fm/chainstress/pkg/types"
)

// Run is a persisted harness run. Suites are only populated by GetRun.
type Run struct {
	ID           string            `json:"id"`
	StartedAt    time.Time         `json:"startedAt"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty"`
	Target       string            `json:"target"`
	Status       types.RunState    `json:"status"`
	Tier         types.Tier        `json:"tier,omitempty"`
	Passed       bool              `json:"passed"`
	DurationMs   int64             `json:"durationMs"`
	Seed         int64             `json:"seed,omitempty"`
	Config       *types.RunRequest `json:"config,omitempty"`
	ReportText   string            `json:"reportText,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	Suites       []SuiteResult     `json:"suites,omitempty"`
}

// SuiteResult is one suite's stored aggregate.
type SuiteResult struct {
	Position     int                                      `json:"position"`
	Suite        types.SuiteName                          `json:"suite"`
	Group        types.SuiteGroup                         `json:"group"`
	Operations   uint64                                   `json:"operations"`
	Errors       uint64                                   `json:"errors"`
	ErrorRate    float64                                  `json:"errorRate"`
	OpsPerSecond float64                                  `json:"opsPerSecond"`
	ByKind       map[types.OperationKind]types.KindCounts `json:"byKind,omitempty"`
	Passed       bool                                     `json:"passed"`
	Checks       []types.Check                            `json:"checks,omitempty"`
	Notes        []string                                 `json:"notes,omitempty"`
	Latency      *types.LatencyStats                      `json:"latency,omitempty"`
	Workers      []types.WorkerResult                     `json:"workers,omitempty"`
}

// PaginatedRuns is a page of runs, newest first.
type PaginatedRuns struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// SuitesFromReport converts report entries into stored suite results.
func SuitesFromReport(rep *types.RunReport) []SuiteResult {
	if rep == nil {
		return nil
	}
	out := make([]SuiteResult, 0, len(rep.Suites))
	for i, e := range rep.Suites {
		out = append(out, SuiteResult{
			Position:     i,
			Suite:        e.Suite,
			Group:        e.Group,
			Operations:   e.TotalOperations,
			Errors:       e.TotalErrors,
			ErrorRate:    e.ErrorRate,
			OpsPerSecond: e.OperationsPerSecond,
			ByKind:       e.ByKind,
			Passed:       e.Passed,
			Checks:       e.Checks,
			Notes:        e.Notes,
			Latency:      e.Latency,
			Workers:      e.Workers,
		})
	}
	return out
}
