package convergence

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/gateway-fm/chainstress/internal/rpc"
	"github.com/gateway-fm/chainstress/pkg/types"
)

// fakeChain answers getblockchaininfo and getpeerinfo from per-node state.
type fakeChain struct {
	mu      sync.Mutex
	heights map[int]int64
	peers   map[int]int
	down    map[int]int // remaining failed polls per node
}

func (f *fakeChain) Call(_ context.Context, nodeID int, method string, _ ...any) rpc.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[nodeID] > 0 {
		f.down[nodeID]--
		return rpc.Fail(rpc.FailureTransport, "connection refused")
	}
	switch method {
	case "getblockchaininfo":
		h, ok := f.heights[nodeID]
		if !ok {
			return rpc.Fail(rpc.FailureTransport, "unknown node")
		}
		return rpc.Success(json.RawMessage(fmt.Sprintf(`{"chain":"regtest","blocks":%d}`, h)))
	case "getpeerinfo":
		peers := make([]map[string]int, f.peers[nodeID])
		for i := range peers {
			peers[i] = map[string]int{"id": i}
		}
		raw, _ := json.Marshal(peers)
		return rpc.Success(raw)
	case "getmemoryinfo":
		return rpc.Success(json.RawMessage(`{"locked":{"used":"0x10000","free":0}}`))
	}
	return rpc.Fail(rpc.FailureRemote, "Method not found")
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		name   string
		pred   Predicate
		values map[int]int64
		want   bool
	}{
		{"equal", AllEqual, map[int]int64{1: 5, 2: 5, 3: 5}, true},
		{"not equal", AllEqual, map[int]int64{1: 5, 2: 6}, false},
		{"equal empty", AllEqual, map[int]int64{}, false},
		{"positive", AllPositive, map[int]int64{1: 1, 2: 9}, true},
		{"not positive", AllPositive, map[int]int64{1: 0, 2: 9}, false},
		{"at least", AllAtLeast(10), map[int]int64{1: 10, 2: 11}, true},
		{"below", AllAtLeast(10), map[int]int64{1: 9, 2: 11}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pred(tt.values); got != tt.want {
				t.Errorf("predicate(%v) = %v, want %v", tt.values, got, tt.want)
			}
		})
	}
}

func TestObservables(t *testing.T) {
	chain := &fakeChain{heights: map[int]int64{1: 12}, peers: map[int]int{1: 4}}
	ctx := context.Background()

	if h, err := BlockHeight(ctx, chain, 1); err != nil || h != 12 {
		t.Errorf("BlockHeight() = %d, %v, want 12", h, err)
	}
	if p, err := PeerCount(ctx, chain, 1); err != nil || p != 4 {
		t.Errorf("PeerCount() = %d, %v, want 4", p, err)
	}
	if m, err := LockedMemoryUsed(ctx, chain, 1); err != nil || m != 65536 {
		t.Errorf("LockedMemoryUsed() = %d, %v, want 65536", m, err)
	}
	if _, err := Field("getblockchaininfo", "missing")(ctx, chain, 1); err == nil {
		t.Error("Field(missing) should fail")
	}
	if _, err := BlockHeight(ctx, chain, 9); err == nil {
		t.Error("BlockHeight(unknown node) should fail")
	}
}

func TestSampleRecordsMissing(t *testing.T) {
	chain := &fakeChain{heights: map[int]int64{1: 5, 2: 5, 3: 5}, down: map[int]int{3: 1, 2: 1}}
	v := NewVerifier(chain, nil)

	snap := v.Sample(context.Background(), []int{1, 2, 3}, BlockHeight)
	if snap.Complete() {
		t.Fatal("Complete() = true, want false")
	}
	if !reflect.DeepEqual(snap.Missing, []int{2, 3}) {
		t.Errorf("Missing = %v, want [2 3]", snap.Missing)
	}
	if snap.Values[1] != 5 {
		t.Errorf("Values[1] = %d, want 5", snap.Values[1])
	}
}

func TestWaitForImmediate(t *testing.T) {
	chain := &fakeChain{heights: map[int]int64{1: 7, 2: 7, 3: 7}}
	v := NewVerifier(chain, nil)

	start := time.Now()
	snap, ok := v.WaitFor(context.Background(), []int{1, 2, 3}, BlockHeight, AllEqual, 5*time.Second, time.Second)
	if !ok {
		t.Fatal("WaitFor() = false, want true")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("WaitFor() took %v, want immediate", elapsed)
	}
	if len(snap.Values) != 3 {
		t.Errorf("Values = %v, want 3 entries", snap.Values)
	}
}

func TestWaitForTimeout(t *testing.T) {
	chain := &fakeChain{heights: map[int]int64{1: 7, 2: 8}}
	v := NewVerifier(chain, nil)
	timeout := 300 * time.Millisecond

	start := time.Now()
	_, ok := v.WaitFor(context.Background(), []int{1, 2}, BlockHeight, AllEqual, timeout, 100*time.Millisecond)
	elapsed := time.Since(start)
	if ok {
		t.Fatal("WaitFor() = true, want false")
	}
	if elapsed < timeout || elapsed > timeout+300*time.Millisecond {
		t.Errorf("WaitFor() returned after %v, want about %v", elapsed, timeout)
	}
}

func TestWaitForToleratesTransientFailures(t *testing.T) {
	chain := &fakeChain{heights: map[int]int64{1: 3, 2: 3}, down: map[int]int{2: 2}}
	v := NewVerifier(chain, nil)

	snap, ok := v.WaitFor(context.Background(), []int{1, 2}, BlockHeight, AllEqual, 2*time.Second, 20*time.Millisecond)
	if !ok {
		t.Fatalf("WaitFor() = false, missing %v", snap.Missing)
	}
}

func TestWaitForSync(t *testing.T) {
	chain := &fakeChain{heights: map[int]int64{1: 0, 2: 4}}
	v := NewVerifier(chain, nil)

	if _, ok := v.WaitForSync(context.Background(), []int{1, 2}, 100*time.Millisecond); ok {
		t.Error("WaitForSync() = true with a node at height 0")
	}
	chain.heights[1] = 1
	if _, ok := v.WaitForSync(context.Background(), []int{1, 2}, time.Second); !ok {
		t.Error("WaitForSync() = false with all heights positive")
	}
}

func TestCompare(t *testing.T) {
	before := Snapshot{Values: map[int]int64{1: 100, 2: 200}, Missing: []int{3}}
	after := Snapshot{Values: map[int]int64{1: 150, 3: 10}, Missing: []int{2}}

	want := []types.NodeDelta{
		{NodeID: 1, Before: 100, After: 150, Delta: 50, Known: true},
		{NodeID: 2, Before: 200, After: 0, Known: false},
		{NodeID: 3, Before: 0, After: 10, Known: false},
	}
	if got := Compare(before, after); !reflect.DeepEqual(got, want) {
		t.Errorf("Compare() = %+v, want %+v", got, want)
	}
}
