// Package workload builds the synthetic operations issued by workers.
//
// Generators are pure: they draw from the caller's random source and return a
// Plan of RPC steps. They never perform I/O, so any number of workers may use
// the same generator value concurrently. Execute runs a Plan through an
// rpc.Caller.
package workload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/gateway-fm/chainstress/internal/rpc"
	"github.com/gateway-fm/chainstress/pkg/types"
)

// ErrNoPeer is returned by Transaction when the node set has no other node.
var ErrNoPeer = errors.New("no destination node distinct from source")

// PrevResult is a step parameter placeholder replaced with the raw result of
// the preceding step when the plan executes.
type PrevResult struct{}

// Step is one RPC call within a plan.
type Step struct {
	NodeID int
	Method string
	Params []any
}

// Plan is the ordered list of calls making up one logical operation.
type Plan struct {
	Kind  types.OperationKind
	Steps []Step
}

// LastMethod returns the method of the final step.
func (p Plan) LastMethod() string {
	if len(p.Steps) == 0 {
		return ""
	}
	return p.Steps[len(p.Steps)-1].Method
}

// Generator produces plans for one operation kind.
type Generator interface {
	Kind() types.OperationKind
	Generate(r *rand.Rand, nodeID int, nodes []int) (Plan, error)
}

// Execute runs the plan's steps strictly in order. The first failing step
// aborts the plan and its outcome is returned; otherwise the outcome of the
// final step is returned. Latency covers the whole plan.
func Execute(ctx context.Context, caller rpc.Caller, plan Plan) rpc.Outcome {
	if len(plan.Steps) == 0 {
		return rpc.Fail(rpc.FailureTransport, "empty plan")
	}

	var (
		prev  json.RawMessage
		out   rpc.Outcome
		total time.Duration
	)
	for _, step := range plan.Steps {
		out = caller.Call(ctx, step.NodeID, step.Method, bindParams(step.Params, prev)...)
		total += out.Latency
		if !out.OK() {
			break
		}
		prev = out.Value
	}
	out.Latency = total
	return out
}

func bindParams(params []any, prev json.RawMessage) []any {
	bound := make([]any, len(params))
	for i, p := range params {
		if _, ok := p.(PrevResult); ok {
			if prev == nil {
				bound[i] = json.RawMessage("null")
			} else {
				bound[i] = prev
			}
			continue
		}
		bound[i] = p
	}
	return bound
}

// ByName returns the default generator for kind.
func ByName(kind types.OperationKind) (Generator, error) {
	switch kind {
	case types.OpTransaction:
		return Transaction{}, nil
	case types.OpMeasurement:
		return Measurement{}, nil
	case types.OpExchange:
		return Exchange{}, nil
	case types.OpReadQuery:
		return ReadQuery{Methods: StressReadMethods}, nil
	default:
		return nil, fmt.Errorf("unknown operation kind %q", kind)
	}
}

// uniform draws from [lo, hi].
func uniform(r *rand.Rand, lo, hi float64) float64 {
	return lo + r.Float64()*(hi-lo)
}

// round rounds v to the given number of decimal places.
func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
