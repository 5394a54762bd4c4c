// Package report turns suite entries into a run report and renders it.
//
// Building and rendering are pure: the same entries and timestamp always
// produce the same bytes.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gateway-fm/chainstress/pkg/types"
)

// catalogOrder is the display order of suites in a report.
var catalogOrder = []types.SuiteName{
	types.SuiteHighFrequency,
	types.SuiteConcurrent,
	types.SuiteMemoryStress,
	types.SuiteNetworkStress,
	types.SuiteExtremeLoad,
	types.SuiteNetworkPerformance,
	types.SuiteMemoryUsage,
	types.SuiteBlockProduction,
	types.SuiteFunctional,
}

// File names per report group, written under the simulation directory.
var fileNames = map[types.SuiteGroup]string{
	types.GroupLoad:       "load_test_report",
	types.GroupStress:     "stress_test_report",
	types.GroupFunctional: "test_report",
	types.GroupMixed:      "harness_report",
}

// Build assembles a report from entries.
func Build(id, target string, entries []types.SuiteEntry, generatedAt time.Time) types.RunReport {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b types.SuiteEntry) int {
		return position(a.Suite) - position(b.Suite)
	})

	rep := types.RunReport{
		ID:          id,
		Target:      target,
		Group:       groupOf(sorted),
		GeneratedAt: generatedAt.UTC(),
		Suites:      sorted,
		Passed:      len(sorted) > 0,
	}

	var workloadSuites int
	var rateSum, opsSum float64
	for _, e := range sorted {
		rep.TotalOperations += e.TotalOperations
		rep.TotalErrors += e.TotalErrors
		if e.Group != types.GroupFunctional {
			workloadSuites++
			rateSum += e.ErrorRate
			opsSum += e.OperationsPerSecond
		}
		for _, c := range e.Checks {
			rep.ChecksTotal++
			if c.Passed {
				rep.ChecksPassed++
			}
		}
		if !e.Passed {
			rep.Passed = false
		}
	}
	if workloadSuites > 0 {
		rep.AverageErrorRate = rateSum / float64(workloadSuites)
		rep.AverageOpsPerSecond = opsSum / float64(workloadSuites)
	}
	rep.Tier = tierOf(rep)
	return rep
}

func position(name types.SuiteName) int {
	if i := slices.Index(catalogOrder, name); i >= 0 {
		return i
	}
	return len(catalogOrder)
}

func groupOf(entries []types.SuiteEntry) types.SuiteGroup {
	if len(entries) == 0 {
		return types.GroupMixed
	}
	g := entries[0].Group
	for _, e := range entries[1:] {
		if e.Group != g {
			return types.GroupMixed
		}
	}
	return g
}

func tierOf(rep types.RunReport) types.Tier {
	switch rep.Group {
	case types.GroupLoad:
		return LoadTier(rep.AverageOpsPerSecond)
	case types.GroupFunctional:
		return FunctionalTier(rep.ChecksPassed, rep.ChecksTotal)
	default:
		return ErrorRateTier(rep.AverageErrorRate)
	}
}

// ErrorRateTier grades stress and mixed reports by average error rate.
func ErrorRateTier(avg float64) types.Tier {
	switch {
	case avg < 0.10:
		return types.TierExcellent
	case avg < 0.20:
		return types.TierGood
	case avg < 0.30:
		return types.TierModerate
	default:
		return types.TierPoor
	}
}

// LoadTier grades load reports by average operations per second.
func LoadTier(avgOps float64) types.Tier {
	switch {
	case avgOps > 50:
		return types.TierExcellent
	case avgOps > 20:
		return types.TierGood
	case avgOps > 10:
		return types.TierModerate
	default:
		return types.TierPoor
	}
}

// FunctionalTier grades functional reports by the share of passed checks.
func FunctionalTier(passed, total int) types.Tier {
	if total == 0 {
		return types.TierPoor
	}
	ratio := float64(passed) / float64(total)
	switch {
	case passed == total:
		return types.TierExcellent
	case ratio >= 0.8:
		return types.TierGood
	case ratio >= 0.5:
		return types.TierModerate
	default:
		return types.TierPoor
	}
}

// Verdict returns PASS when every suite passed.
func Verdict(rep types.RunReport) types.Verdict {
	if rep.Passed {
		return types.VerdictPass
	}
	return types.VerdictFail
}

// Render formats rep as plain text.
func Render(rep types.RunReport) string {
	var b strings.Builder

	title := fmt.Sprintf("CHAINSTRESS %s REPORT", strings.ToUpper(titleFor(rep.Group)))
	fmt.Fprintf(&b, "%s\n%s\n", title, strings.Repeat("=", len(title)))
	fmt.Fprintf(&b, "Run:        %s\n", rep.ID)
	fmt.Fprintf(&b, "Target:     %s\n", rep.Target)
	fmt.Fprintf(&b, "Generated:  %s\n", rep.GeneratedAt.UTC().Format(time.RFC3339))

	passedSuites := 0
	for _, e := range rep.Suites {
		if e.Passed {
			passedSuites++
		}
		b.WriteString("\n")
		renderSuite(&b, e)
	}

	b.WriteString("\nSUMMARY\n")
	fmt.Fprintf(&b, "  Suites passed:       %d/%d\n", passedSuites, len(rep.Suites))
	fmt.Fprintf(&b, "  Total operations:    %d\n", rep.TotalOperations)
	fmt.Fprintf(&b, "  Total errors:        %d\n", rep.TotalErrors)
	fmt.Fprintf(&b, "  Average error rate:  %s\n", pct(rep.AverageErrorRate))
	fmt.Fprintf(&b, "  Average ops/second:  %.2f\n", rep.AverageOpsPerSecond)
	if rep.ChecksTotal > 0 {
		fmt.Fprintf(&b, "  Checks passed:       %d/%d\n", rep.ChecksPassed, rep.ChecksTotal)
	}
	fmt.Fprintf(&b, "  Tier:                %s\n", rep.Tier)
	fmt.Fprintf(&b, "  Overall:             %s\n", Verdict(rep))
	return b.String()
}

func renderSuite(b *strings.Builder, e types.SuiteEntry) {
	fmt.Fprintf(b, "SUITE %s (%s)\n", e.Suite, e.Group)
	fmt.Fprintf(b, "  Duration:      %.2fs\n", float64(e.DurationMs)/1000)

	if e.Group != types.GroupFunctional {
		fmt.Fprintf(b, "  Operations:    %d\n", e.TotalOperations)
		fmt.Fprintf(b, "  Errors:        %d\n", e.TotalErrors)
		fmt.Fprintf(b, "  Error rate:    %s (max %s)\n", pct(e.ErrorRate), pct(e.MaxErrorRate))
		fmt.Fprintf(b, "  Ops/second:    %.2f\n", e.OperationsPerSecond)
		fmt.Fprintf(b, "  Verdict:       %s\n", e.Verdict)
		if len(e.Nodes) > 0 {
			b.WriteString("  Per node:\n")
			for _, n := range e.Nodes {
				fmt.Fprintf(b, "    node %d: %d ops, %d errors\n", n.NodeID, n.Operations, n.Errors)
			}
		}
		if len(e.ByKind) > 0 {
			b.WriteString("  Per kind:\n")
			for _, kind := range types.OperationKinds {
				kc, ok := e.ByKind[kind]
				if !ok {
					continue
				}
				fmt.Fprintf(b, "    %s: %d ok, %d failed\n", kindLabel(kind), kc.Successes, kc.Failures)
			}
		}
		if e.Latency != nil {
			fmt.Fprintf(b, "  Latency:       p50 %.2fms, p95 %.2fms, p99 %.2fms, max %.2fms\n",
				e.Latency.P50, e.Latency.P95, e.Latency.P99, e.Latency.Max)
		}
	}

	if len(e.Deltas) > 0 {
		label := e.DeltaLabel
		if label == "" {
			label = "change"
		}
		fmt.Fprintf(b, "  %s:\n", capitalize(label))
		for _, d := range e.Deltas {
			if !d.Known {
				fmt.Fprintf(b, "    node %d: not observed\n", d.NodeID)
				continue
			}
			fmt.Fprintf(b, "    node %d: %d -> %d (%+d)\n", d.NodeID, d.Before, d.After, d.Delta)
		}
	}

	if len(e.Checks) > 0 {
		b.WriteString("  Checks:\n")
		for _, c := range e.Checks {
			status := "PASS"
			if !c.Passed {
				status = "FAIL"
			}
			if c.Detail != "" {
				fmt.Fprintf(b, "    [%s] %s: %s\n", status, c.Name, c.Detail)
			} else {
				fmt.Fprintf(b, "    [%s] %s\n", status, c.Name)
			}
		}
	}

	for i, n := range e.Notes {
		if i == 0 {
			b.WriteString("  Notes:\n")
		}
		fmt.Fprintf(b, "    - %s\n", n)
	}

	result := "PASS"
	if !e.Passed {
		result = "FAIL"
	}
	fmt.Fprintf(b, "  Result:        %s\n", result)
}

func titleFor(g types.SuiteGroup) string {
	switch g {
	case types.GroupLoad:
		return "load test"
	case types.GroupStress:
		return "stress test"
	case types.GroupFunctional:
		return "functional test"
	default:
		return "harness"
	}
}

func kindLabel(k types.OperationKind) string {
	switch k {
	case types.OpTransaction:
		return "Transactions"
	case types.OpMeasurement:
		return "Measurements"
	case types.OpExchange:
		return "Exchanges"
	case types.OpReadQuery:
		return "Read queries"
	default:
		return string(k)
	}
}

func pct(v float64) string {
	return fmt.Sprintf("%.2f%%", v*100)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// FileName returns the base name (without extension) of the report file for group.
func FileName(group types.SuiteGroup) string {
	if name, ok := fileNames[group]; ok {
		return name
	}
	return fileNames[types.GroupMixed]
}

// Write stores the rendered text and the JSON form of rep under dir and
// returns the text file's path.
func Write(dir string, rep types.RunReport) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	base := filepath.Join(dir, FileName(rep.Group))
	textPath := base + ".txt"
	if err := os.WriteFile(textPath, []byte(Render(rep)), 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(base+".json", data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return textPath, nil
}
