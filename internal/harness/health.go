package harness

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/chainstress/internal/convergence"
)

const nodeCheckTimeout = 5 * time.Second

// NodeHealth is the result of probing one node.
type NodeHealth struct {
	NodeID    int    `json:"nodeId"`
	Status    string `json:"status"` // "ok" or "error"
	Blocks    int64  `json:"blocks"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// CheckNodes asks every node for its block height in parallel. The result
// is ordered by node id.
func (h *Harness) CheckNodes(ctx context.Context) []NodeHealth {
	ctx, cancel := context.WithTimeout(ctx, nodeCheckTimeout)
	defer cancel()

	out := make([]NodeHealth, len(h.nodes))
	var g errgroup.Group
	for i, id := range h.nodes {
		g.Go(func() error {
			start := time.Now()
			blocks, err := convergence.BlockHeight(ctx, h.caller, id)
			nh := NodeHealth{
				NodeID:    id,
				Status:    "ok",
				Blocks:    blocks,
				LatencyMs: time.Since(start).Milliseconds(),
			}
			if err != nil {
				nh.Status = "error"
				nh.Error = err.Error()
			}
			out[i] = nh
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Healthy reports whether every node answered.
func Healthy(nodes []NodeHealth) bool {
	for _, n := range nodes {
		if n.Status != "ok" {
			return false
		}
	}
	return len(nodes) > 0
}
