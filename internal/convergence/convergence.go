// Package convergence polls node observables until they satisfy a predicate.
//
// A node that fails to answer during a poll is treated as "not yet
// converged" for that round, never as a fatal error.
package convergence

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/chainstress/internal/ratelimit"
	"github.com/gateway-fm/chainstress/internal/rpc"
	"github.com/gateway-fm/chainstress/pkg/types"
)

// Default polling parameters.
const (
	SyncPollInterval    = 2 * time.Second
	DefaultPollInterval = time.Second
	DefaultSyncTimeout  = 60 * time.Second
)

// Observable reads one integer from one node.
type Observable func(ctx context.Context, caller rpc.Caller, nodeID int) (int64, error)

// Field observes a numeric field of a method's result. An empty path uses
// the result itself.
func Field(method string, path ...string) Observable {
	return func(ctx context.Context, caller rpc.Caller, nodeID int) (int64, error) {
		out := caller.Call(ctx, nodeID, method)
		if !out.OK() {
			return 0, out.Err()
		}
		raw, err := rpc.Field(out.Value, path...)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", method, err)
		}
		v, err := rpc.DecodeQuantity(raw)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", method, err)
		}
		return int64(v), nil
	}
}

// Built-in observables.
var (
	BlockHeight      = Field("getblockchaininfo", "blocks")
	LockedMemoryUsed = Field("getmemoryinfo", "locked", "used")
)

// PeerCount observes the number of connected peers.
func PeerCount(ctx context.Context, caller rpc.Caller, nodeID int) (int64, error) {
	out := caller.Call(ctx, nodeID, "getpeerinfo")
	if !out.OK() {
		return 0, out.Err()
	}
	n, err := rpc.DecodeLength(out.Value)
	if err != nil {
		return 0, fmt.Errorf("getpeerinfo: %w", err)
	}
	return int64(n), nil
}

// Predicate decides whether a complete set of values has converged.
type Predicate func(values map[int]int64) bool

// AllEqual holds when every node reports the same value.
func AllEqual(values map[int]int64) bool {
	if len(values) == 0 {
		return false
	}
	first, set := int64(0), false
	for _, v := range values {
		if !set {
			first, set = v, true
			continue
		}
		if v != first {
			return false
		}
	}
	return true
}

// AllPositive holds when every node reports a value above zero.
func AllPositive(values map[int]int64) bool {
	return AllAtLeast(1)(values)
}

// AllAtLeast holds when every node reports at least n.
func AllAtLeast(n int64) Predicate {
	return func(values map[int]int64) bool {
		if len(values) == 0 {
			return false
		}
		for _, v := range values {
			if v < n {
				return false
			}
		}
		return true
	}
}

// Snapshot is one poll across the node set.
type Snapshot struct {
	Values  map[int]int64
	Missing []int          // nodes that failed to answer, sorted
	Errors  map[int]string // failure detail per missing node
	TakenAt time.Time
}

// Complete reports whether every node answered.
func (s Snapshot) Complete() bool {
	return len(s.Missing) == 0
}

// Verifier polls observables through an rpc.Caller.
type Verifier struct {
	caller rpc.Caller
	logger *slog.Logger
}

// NewVerifier creates a Verifier.
func NewVerifier(caller rpc.Caller, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{caller: caller, logger: logger}
}

// Sample reads obs from every node once, in parallel.
func (v *Verifier) Sample(ctx context.Context, nodes []int, obs Observable) Snapshot {
	snap := Snapshot{
		Values:  make(map[int]int64, len(nodes)),
		Errors:  make(map[int]string),
		TakenAt: time.Now(),
	}
	var mu sync.Mutex
	var g errgroup.Group

	for _, id := range nodes {
		g.Go(func() error {
			val, err := obs(ctx, v.caller, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				snap.Missing = append(snap.Missing, id)
				snap.Errors[id] = err.Error()
				return nil
			}
			snap.Values[id] = val
			return nil
		})
	}
	_ = g.Wait()

	slices.Sort(snap.Missing)
	return snap
}

// WaitFor polls until pred holds over a complete snapshot or timeout
// elapses. The first poll is immediate. Returns the last snapshot and
// whether it converged.
func (v *Verifier) WaitFor(ctx context.Context, nodes []int, obs Observable, pred Predicate, timeout, interval time.Duration) (Snapshot, bool) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for round := 1; ; round++ {
		snap := v.Sample(ctx, nodes, obs)
		if snap.Complete() && pred(snap.Values) {
			v.logger.Debug("converged", slog.Int("rounds", round))
			return snap, true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			v.logger.Debug("convergence timed out", slog.Int("rounds", round), slog.Any("missing", snap.Missing))
			return snap, false
		}
		if err := ratelimit.Sleep(ctx, min(interval, remaining)); err != nil || !time.Now().Before(deadline) {
			v.logger.Debug("convergence timed out", slog.Int("rounds", round), slog.Any("missing", snap.Missing))
			return snap, false
		}
	}
}

// WaitForSync waits until every node reports a positive block height.
func (v *Verifier) WaitForSync(ctx context.Context, nodes []int, timeout time.Duration) (Snapshot, bool) {
	return v.WaitFor(ctx, nodes, BlockHeight, AllPositive, timeout, SyncPollInterval)
}

// Compare pairs two snapshots per node. Nodes missing from either side are
// reported with Known=false.
func Compare(before, after Snapshot) []types.NodeDelta {
	ids := make(map[int]struct{})
	for _, m := range []map[int]int64{before.Values, after.Values} {
		for id := range m {
			ids[id] = struct{}{}
		}
	}
	for _, id := range append(slices.Clone(before.Missing), after.Missing...) {
		ids[id] = struct{}{}
	}

	deltas := make([]types.NodeDelta, 0, len(ids))
	for _, id := range slices.Sorted(maps.Keys(ids)) {
		b, okB := before.Values[id]
		a, okA := after.Values[id]
		d := types.NodeDelta{NodeID: id, Before: b, After: a, Known: okB && okA}
		if d.Known {
			d.Delta = a - b
		}
		deltas = append(deltas, d)
	}
	return deltas
}
