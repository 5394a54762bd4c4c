package workload

import (
	"errors"
	"math/rand/v2"

	"github.com/gateway-fm/chainstress/pkg/types"
)

// Currencies is the fixed set of currency codes used by measurements and exchanges.
var Currencies = []string{"OUSD", "OEUR", "OJPY", "OGBP", "OCAD"}

// Measurement kinds and their value ranges.
const (
	MeasurementWaterPrice   = "WATER_PRICE"
	MeasurementExchangeRate = "EXCHANGE_RATE"
)

var measurementRanges = map[string][2]float64{
	MeasurementWaterPrice:   {0.5, 5.0},
	MeasurementExchangeRate: {0.8, 1.2},
}

var measurementKinds = []string{MeasurementWaterPrice, MeasurementExchangeRate}

// Read-only method sets used by the stress suites.
var (
	StressReadMethods = []string{
		"getblockchaininfo", "getpeerinfo", "getmininginfo", "getwalletinfo",
		"getpowpobstats", "getmeasurementstats", "getstabilizationstats",
		"getexchangerate", "getcurrencies",
	}
	MemoryReadMethods = []string{
		"getblockchaininfo", "getpeerinfo", "getmininginfo", "getwalletinfo",
		"listtransactions", "getrawmempool",
	}
	NetworkReadMethods = []string{
		"getpeerinfo", "getnetworkinfo", "getblockchaininfo", "getmininginfo", "getwalletinfo",
	}
)

// Transaction sends a random amount from the source node to a fresh address
// on a different node.
type Transaction struct{}

func (Transaction) Kind() types.OperationKind { return types.OpTransaction }

func (Transaction) Generate(r *rand.Rand, nodeID int, nodes []int) (Plan, error) {
	peers := make([]int, 0, len(nodes))
	for _, id := range nodes {
		if id != nodeID {
			peers = append(peers, id)
		}
	}
	if len(peers) == 0 {
		return Plan{Kind: types.OpTransaction}, ErrNoPeer
	}
	dest := peers[r.IntN(len(peers))]
	amount := round(uniform(r, 0.01, 10.0), 8)

	return Plan{
		Kind: types.OpTransaction,
		Steps: []Step{
			{NodeID: dest, Method: "getnewaddress"},
			{NodeID: nodeID, Method: "sendtoaddress", Params: []any{PrevResult{}, amount}},
		},
	}, nil
}

// Measurement submits a random price or rate observation.
type Measurement struct{}

func (Measurement) Kind() types.OperationKind { return types.OpMeasurement }

func (Measurement) Generate(r *rand.Rand, nodeID int, _ []int) (Plan, error) {
	kind := measurementKinds[r.IntN(len(measurementKinds))]
	currency := Currencies[r.IntN(len(Currencies))]
	bounds := measurementRanges[kind]
	value := round(uniform(r, bounds[0], bounds[1]), 6)

	return Plan{
		Kind: types.OpMeasurement,
		Steps: []Step{{
			NodeID: nodeID,
			Method: "submitmeasurement",
			Params: []any{kind, currency, value, "Load test measurement"},
		}},
	}, nil
}

// Exchange queries the rate for a random currency pair and then converts a
// random amount. A failed rate query aborts the plan.
type Exchange struct{}

func (Exchange) Kind() types.OperationKind { return types.OpExchange }

func (Exchange) Generate(r *rand.Rand, nodeID int, _ []int) (Plan, error) {
	i := r.IntN(len(Currencies))
	j := r.IntN(len(Currencies) - 1)
	if j >= i {
		j++
	}
	from, to := Currencies[i], Currencies[j]
	amount := round(uniform(r, 1.0, 100.0), 2)

	return Plan{
		Kind: types.OpExchange,
		Steps: []Step{
			{NodeID: nodeID, Method: "getexchangerate", Params: []any{from, to}},
			{NodeID: nodeID, Method: "exchangecurrency", Params: []any{from, to, amount, "Load test exchange"}},
		},
	}, nil
}

// ReadQuery issues one parameterless read-only call chosen from Methods.
type ReadQuery struct {
	Methods []string
}

func (ReadQuery) Kind() types.OperationKind { return types.OpReadQuery }

func (q ReadQuery) Generate(r *rand.Rand, nodeID int, _ []int) (Plan, error) {
	if len(q.Methods) == 0 {
		return Plan{Kind: types.OpReadQuery}, errors.New("read query has no methods")
	}
	return Plan{
		Kind:  types.OpReadQuery,
		Steps: []Step{{NodeID: nodeID, Method: q.Methods[r.IntN(len(q.Methods))]}},
	}, nil
}

// Mix picks one of its generators uniformly for every plan.
type Mix struct {
	Generators []Generator
}

// DefaultMix mixes the three state-changing operations.
func DefaultMix() Mix {
	return Mix{Generators: []Generator{Transaction{}, Measurement{}, Exchange{}}}
}

// Kind reports the kind of the first generator. Plans, including those
// returned with an error, carry the kind actually chosen.
func (m Mix) Kind() types.OperationKind {
	if len(m.Generators) == 0 {
		return ""
	}
	return m.Generators[0].Kind()
}

func (m Mix) Generate(r *rand.Rand, nodeID int, nodes []int) (Plan, error) {
	if len(m.Generators) == 0 {
		return Plan{}, errors.New("mix has no generators")
	}
	g := m.Generators[r.IntN(len(m.Generators))]
	plan, err := g.Generate(r, nodeID, nodes)
	if plan.Kind == "" {
		plan.Kind = g.Kind()
	}
	return plan, err
}
