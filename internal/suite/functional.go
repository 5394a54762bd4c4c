package suite

import (
	"context"
	"fmt"
	"strings"

	"github.com/gateway-fm/chainstress/internal/rpc"
	"github.com/gateway-fm/chainstress/pkg/types"
)

// Call is one RPC with positional parameters.
type Call struct {
	Method string
	Params []any
}

// FunctionalCheck probes one node subsystem. The check passes when the
// required call succeeds; optional calls are reported but never fail it.
type FunctionalCheck struct {
	Name     string
	Required Call
	Optional []Call
}

// DefaultFunctionalChecks covers every RPC subsystem of the node.
var DefaultFunctionalChecks = []FunctionalCheck{
	{Name: "basic", Required: Call{Method: "getblockchaininfo"}, Optional: []Call{{Method: "getwalletinfo"}, {Method: "getpeerinfo"}}},
	{Name: "pow_pob", Required: Call{Method: "getpowpobstats"}, Optional: []Call{{Method: "getbusinessminerstats"}, {Method: "getbusinessratio"}}},
	{Name: "measurement", Required: Call{Method: "getmeasurementstats"}, Optional: []Call{{Method: "getmeasurementinvites"}, {Method: "getdailyaverages"}}},
	{Name: "stabilization", Required: Call{Method: "getstabilizationstats"}, Optional: []Call{{Method: "getstabilizationhistory"}}},
	{Name: "currency_exchange", Required: Call{Method: "getsupportedpairs"}, Optional: []Call{{Method: "getexchangerate", Params: []any{"OUSD", "OEUR"}}, {Method: "getexchangestatistics"}}},
	{Name: "geographic_access", Required: Call{Method: "getaccessstatistics"}, Optional: []Call{{Method: "getjurisdictionpolicies"}}},
	{Name: "multi_currency", Required: Call{Method: "getcurrencies"}, Optional: []Call{{Method: "getcurrencymetadata", Params: []any{"OUSD"}}}},
	{Name: "user_consensus", Required: Call{Method: "getuserstatistics"}, Optional: []Call{{Method: "getverifiedusers"}}},
	{Name: "brightid", Required: Call{Method: "getbrightidstatus"}, Optional: []Call{{Method: "getbrightidstatistics"}}},
	{Name: "transaction_processing", Required: Call{Method: "getbalance"}, Optional: []Call{{Method: "listtransactions"}}},
	{Name: "mining_rewards", Required: Call{Method: "getmininginfo"}, Optional: []Call{{Method: "getblockrewards"}}},
}

// Run executes the check against nodeID.
func (fc FunctionalCheck) Run(ctx context.Context, caller rpc.Caller, nodeID int) types.Check {
	check := types.Check{Name: fc.Name}

	out := caller.Call(ctx, nodeID, fc.Required.Method, fc.Required.Params...)
	if !out.OK() {
		check.Detail = fmt.Sprintf("%s: %v", fc.Required.Method, out.Err())
		return check
	}
	check.Passed = true

	var unavailable []string
	for _, c := range fc.Optional {
		if o := caller.Call(ctx, nodeID, c.Method, c.Params...); !o.OK() {
			unavailable = append(unavailable, c.Method)
		}
	}
	check.Detail = fc.Required.Method + " ok"
	if len(unavailable) > 0 {
		check.Detail += "; unavailable: " + strings.Join(unavailable, ", ")
	}
	return check
}

// RunFunctionalChecks runs checks sequentially against nodeID.
func RunFunctionalChecks(ctx context.Context, caller rpc.Caller, nodeID int, checks []FunctionalCheck) []types.Check {
	results := make([]types.Check, 0, len(checks))
	for _, fc := range checks {
		if ctx.Err() != nil {
			results = append(results, types.Check{Name: fc.Name, Detail: "cancelled"})
			continue
		}
		results = append(results, fc.Run(ctx, caller, nodeID))
	}
	return results
}
