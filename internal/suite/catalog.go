// Package suite defines the named test suites and runs them.
package suite

import (
	"fmt"
	"strings"
	"time"

	"github.com/gateway-fm/chainstress/internal/aggregate"
	"github.com/gateway-fm/chainstress/internal/convergence"
	"github.com/gateway-fm/chainstress/internal/workload"
	"github.com/gateway-fm/chainstress/pkg/types"
)

// DefaultMemoryGrowthLimit is the locked-memory growth, in bytes, a node may
// show over memory_stress before the suite fails.
const DefaultMemoryGrowthLimit int64 = 1_000_000

// Probe observes one value on every node before and after a suite.
type Probe struct {
	Label      string // describes the delta in reports
	Observable convergence.Observable
	// Judge turns the deltas into a check. Nil means the deltas are only reported.
	Judge func(deltas []types.NodeDelta) types.Check
}

// Definition describes one suite.
type Definition struct {
	Name           types.SuiteName
	Group          types.SuiteGroup
	Description    string
	WorkersPerNode int
	Duration       time.Duration
	Rate           float64 // ops/s per worker
	Threshold      aggregate.Threshold
	Workload       func() workload.Generator // nil for functional suites
	Probe          *Probe
}

// Functional reports whether the suite runs checks instead of a workload.
func (d Definition) Functional() bool {
	return d.Group == types.GroupFunctional
}

// Info returns the public description of d.
func (d Definition) Info() types.SuiteInfo {
	return types.SuiteInfo{
		Name:           d.Name,
		Group:          d.Group,
		Description:    d.Description,
		WorkersPerNode: d.WorkersPerNode,
		DurationSec:    int(d.Duration / time.Second),
		Rate:           d.Rate,
		MaxErrorRate:   d.Threshold.MaxErrorRate,
	}
}

// Options tune the default catalog.
type Options struct {
	Thresholds        map[types.SuiteName]float64 // overrides per suite
	MemoryGrowthLimit int64                       // 0 = DefaultMemoryGrowthLimit
}

// Catalog is an ordered registry of suites.
type Catalog struct {
	order []types.SuiteName
	defs  map[types.SuiteName]Definition
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{defs: make(map[types.SuiteName]Definition)}
}

// Register adds or replaces a suite. New suites keep registration order.
func (c *Catalog) Register(def Definition) {
	if _, ok := c.defs[def.Name]; !ok {
		c.order = append(c.order, def.Name)
	}
	c.defs[def.Name] = def
}

// Get returns the named suite.
func (c *Catalog) Get(name types.SuiteName) (Definition, bool) {
	def, ok := c.defs[name]
	return def, ok
}

// All returns every suite in catalog order.
func (c *Catalog) All() []Definition {
	defs := make([]Definition, 0, len(c.order))
	for _, name := range c.order {
		defs = append(defs, c.defs[name])
	}
	return defs
}

// Infos describes every suite in catalog order.
func (c *Catalog) Infos() []types.SuiteInfo {
	infos := make([]types.SuiteInfo, 0, len(c.order))
	for _, def := range c.All() {
		infos = append(infos, def.Info())
	}
	return infos
}

// Resolve expands a suite name, a group name or "all" into suites in
// catalog order.
func (c *Catalog) Resolve(target string) ([]Definition, error) {
	if def, ok := c.defs[types.SuiteName(target)]; ok {
		return []Definition{def}, nil
	}

	var defs []Definition
	for _, def := range c.All() {
		if target == types.TargetAll || string(def.Group) == target {
			defs = append(defs, def)
		}
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("unknown suite or group %q", target)
	}
	return defs, nil
}

// Names lists every suite and group name accepted by Resolve.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.order)+4)
	groups := make(map[types.SuiteGroup]bool)
	for _, def := range c.All() {
		names = append(names, string(def.Name))
		if !groups[def.Group] {
			groups[def.Group] = true
		}
	}
	for _, g := range []types.SuiteGroup{types.GroupStress, types.GroupLoad, types.GroupFunctional} {
		if groups[g] {
			names = append(names, string(g))
		}
	}
	return append(names, types.TargetAll)
}

// DefaultCatalog returns the built-in suites.
func DefaultCatalog(opts Options) *Catalog {
	limit := opts.MemoryGrowthLimit
	if limit <= 0 {
		limit = DefaultMemoryGrowthLimit
	}
	threshold := func(name types.SuiteName, def float64) aggregate.Threshold {
		if v, ok := opts.Thresholds[name]; ok {
			return aggregate.Threshold{MaxErrorRate: v}
		}
		return aggregate.Threshold{MaxErrorRate: def}
	}
	reads := func(methods []string) func() workload.Generator {
		return func() workload.Generator { return workload.ReadQuery{Methods: methods} }
	}
	mix := func() workload.Generator { return workload.DefaultMix() }

	c := NewCatalog()
	c.Register(Definition{
		Name:           types.SuiteHighFrequency,
		Group:          types.GroupStress,
		Description:    "High-frequency read requests against every node",
		WorkersPerNode: 1,
		Duration:       60 * time.Second,
		Rate:           50,
		Threshold:      threshold(types.SuiteHighFrequency, aggregate.DefaultMaxErrorRate),
		Workload:       reads(workload.StressReadMethods),
	})
	c.Register(Definition{
		Name:           types.SuiteConcurrent,
		Group:          types.GroupStress,
		Description:    "Two concurrent readers per node",
		WorkersPerNode: 2,
		Duration:       60 * time.Second,
		Rate:           30,
		Threshold:      threshold(types.SuiteConcurrent, aggregate.ConcurrentMaxErrorRate),
		Workload:       reads(workload.StressReadMethods),
	})
	c.Register(Definition{
		Name:           types.SuiteMemoryStress,
		Group:          types.GroupStress,
		Description:    "Memory-heavy reads; locked memory growth must stay under the limit",
		WorkersPerNode: 1,
		Duration:       120 * time.Second,
		Rate:           10,
		Threshold:      threshold(types.SuiteMemoryStress, aggregate.DefaultMaxErrorRate),
		Workload:       reads(workload.MemoryReadMethods),
		Probe: &Probe{
			Label:      "locked memory growth (bytes)",
			Observable: convergence.LockedMemoryUsed,
			Judge:      MemoryGrowthBelow(limit),
		},
	})
	c.Register(Definition{
		Name:           types.SuiteNetworkStress,
		Group:          types.GroupStress,
		Description:    "Network reads; peer counts must not change",
		WorkersPerNode: 1,
		Duration:       60 * time.Second,
		Rate:           20,
		Threshold:      threshold(types.SuiteNetworkStress, aggregate.DefaultMaxErrorRate),
		Workload:       reads(workload.NetworkReadMethods),
		Probe: &Probe{
			Label:      "peer count change",
			Observable: convergence.PeerCount,
			Judge:      PeersStable,
		},
	})
	c.Register(Definition{
		Name:           types.SuiteExtremeLoad,
		Group:          types.GroupStress,
		Description:    "Three readers per node at 100 ops/s each",
		WorkersPerNode: 3,
		Duration:       180 * time.Second,
		Rate:           100,
		Threshold:      threshold(types.SuiteExtremeLoad, aggregate.ExtremeLoadMaxErrorRate),
		Workload:       reads(workload.StressReadMethods),
	})
	c.Register(Definition{
		Name:           types.SuiteNetworkPerformance,
		Group:          types.GroupLoad,
		Description:    "Mixed transactions, measurements and exchanges; peer counts must not change",
		WorkersPerNode: 1,
		Duration:       30 * time.Second,
		Rate:           5,
		Threshold:      threshold(types.SuiteNetworkPerformance, aggregate.DefaultMaxErrorRate),
		Workload:       mix,
		Probe: &Probe{
			Label:      "peer count change",
			Observable: convergence.PeerCount,
			Judge:      PeersStable,
		},
	})
	c.Register(Definition{
		Name:           types.SuiteMemoryUsage,
		Group:          types.GroupLoad,
		Description:    "Mixed workload with locked memory growth reported per node",
		WorkersPerNode: 1,
		Duration:       60 * time.Second,
		Rate:           10,
		Threshold:      threshold(types.SuiteMemoryUsage, aggregate.DefaultMaxErrorRate),
		Workload:       mix,
		Probe: &Probe{
			Label:      "locked memory growth (bytes)",
			Observable: convergence.LockedMemoryUsed,
		},
	})
	c.Register(Definition{
		Name:           types.SuiteBlockProduction,
		Group:          types.GroupLoad,
		Description:    "Mixed workload with blocks produced per node reported",
		WorkersPerNode: 1,
		Duration:       120 * time.Second,
		Rate:           15,
		Threshold:      threshold(types.SuiteBlockProduction, aggregate.DefaultMaxErrorRate),
		Workload:       mix,
		Probe: &Probe{
			Label:      "blocks produced",
			Observable: convergence.BlockHeight,
		},
	})
	c.Register(Definition{
		Name:        types.SuiteFunctional,
		Group:       types.GroupFunctional,
		Description: "Functional checks of every RPC subsystem on the first node",
	})
	return c
}

// MemoryGrowthBelow passes when every node was observed and grew by less than limit bytes.
func MemoryGrowthBelow(limit int64) func([]types.NodeDelta) types.Check {
	return func(deltas []types.NodeDelta) types.Check {
		check := types.Check{Name: "memory_growth", Passed: len(deltas) > 0}
		var problems []string
		for _, d := range deltas {
			switch {
			case !d.Known:
				problems = append(problems, fmt.Sprintf("node %d not observed", d.NodeID))
			case d.Delta >= limit:
				problems = append(problems, fmt.Sprintf("node %d grew %d bytes", d.NodeID, d.Delta))
			}
		}
		if len(problems) > 0 {
			check.Passed = false
			check.Detail = strings.Join(problems, "; ")
		} else {
			check.Detail = fmt.Sprintf("all nodes grew less than %d bytes", limit)
		}
		return check
	}
}

// PeersStable passes when every node was observed with an unchanged peer count.
func PeersStable(deltas []types.NodeDelta) types.Check {
	check := types.Check{Name: "peers_stable", Passed: len(deltas) > 0}
	var problems []string
	for _, d := range deltas {
		switch {
		case !d.Known:
			problems = append(problems, fmt.Sprintf("node %d not observed", d.NodeID))
		case d.Delta != 0:
			problems = append(problems, fmt.Sprintf("node %d peers %d -> %d", d.NodeID, d.Before, d.After))
		}
	}
	if len(problems) > 0 {
		check.Passed = false
		check.Detail = strings.Join(problems, "; ")
	} else {
		check.Detail = "peer counts unchanged"
	}
	return check
}
