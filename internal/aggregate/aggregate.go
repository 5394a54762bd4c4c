// Package aggregate reduces worker results into suite entries.
//
// Everything here is a pure function of its inputs: the same results in any
// order produce the same entry.
package aggregate

import (
	"slices"
	"time"

	"github.com/gateway-fm/chainstress/pkg/types"
)

// Default error-rate ceilings.
const (
	DefaultMaxErrorRate     = 0.10
	ConcurrentMaxErrorRate  = 0.15
	ExtremeLoadMaxErrorRate = 0.20
)

// Threshold is the pass policy for one suite.
type Threshold struct {
	MaxErrorRate float64 // verdict passes when ErrorRate < MaxErrorRate
}

// ErrorRate is errs / (ops + errs), or 0 when both are 0.
func ErrorRate(ops, errs uint64) float64 {
	total := ops + errs
	if total == 0 {
		return 0
	}
	return float64(errs) / float64(total)
}

// OpsPerSecond is ops / span, or 0 for a non-positive span.
func OpsPerSecond(ops uint64, span time.Duration) float64 {
	if span <= 0 {
		return 0
	}
	return float64(ops) / span.Seconds()
}

// Suite builds the entry for one suite run. span is the wall-clock span of
// the whole suite, not the sum of worker durations.
func Suite(name types.SuiteName, group types.SuiteGroup, workers []types.WorkerResult, span time.Duration, th Threshold) types.SuiteEntry {
	sorted := slices.Clone(workers)
	slices.SortFunc(sorted, func(a, b types.WorkerResult) int {
		if a.NodeID != b.NodeID {
			return a.NodeID - b.NodeID
		}
		return a.WorkerIndex - b.WorkerIndex
	})

	entry := types.SuiteEntry{
		Suite:        name,
		Group:        group,
		DurationMs:   span.Milliseconds(),
		MaxErrorRate: th.MaxErrorRate,
		Workers:      sorted,
	}

	byNode := make(map[int]*types.NodeTotals)
	var order []int
	for _, w := range sorted {
		entry.TotalOperations += w.Operations
		entry.TotalErrors += w.Errors

		nt, ok := byNode[w.NodeID]
		if !ok {
			nt = &types.NodeTotals{NodeID: w.NodeID}
			byNode[w.NodeID] = nt
			order = append(order, w.NodeID)
		}
		nt.Operations += w.Operations
		nt.Errors += w.Errors

		for kind, kc := range w.ByKind {
			if entry.ByKind == nil {
				entry.ByKind = make(map[types.OperationKind]types.KindCounts)
			}
			sum := entry.ByKind[kind]
			sum.Successes += kc.Successes
			sum.Failures += kc.Failures
			entry.ByKind[kind] = sum
		}
	}
	for _, id := range order {
		entry.Nodes = append(entry.Nodes, *byNode[id])
	}

	entry.ErrorRate = ErrorRate(entry.TotalOperations, entry.TotalErrors)
	entry.OperationsPerSecond = OpsPerSecond(entry.TotalOperations, span)
	entry.Verdict = Verdict(entry.ErrorRate, th)
	entry.Passed = entry.Verdict == types.VerdictPass
	return entry
}

// Verdict applies th to an error rate.
func Verdict(errorRate float64, th Threshold) types.Verdict {
	if errorRate < th.MaxErrorRate {
		return types.VerdictPass
	}
	return types.VerdictFail
}

// AddChecks appends checks to entry and recomputes Passed.
func AddChecks(entry *types.SuiteEntry, checks ...types.Check) {
	entry.Checks = append(entry.Checks, checks...)
	entry.Passed = entry.Verdict == types.VerdictPass
	for _, c := range entry.Checks {
		if !c.Passed {
			entry.Passed = false
		}
	}
}
