// Package node holds the static table of blockchain nodes under test.
// A Registry is built once at startup and is read-only afterwards.
package node

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
)

// ErrUnknownNode is returned when a node id has no endpoint.
var ErrUnknownNode = errors.New("unknown node")

// Default node table used by the simulation environment.
const (
	DefaultHost        = "127.0.0.1"
	DefaultNodeCount   = 5
	DefaultBaseRPCPort = 18332
	DefaultBaseP2PPort = 18444
)

// Endpoint is the connection information for one node.
type Endpoint struct {
	ID       int    `yaml:"id" json:"id"`
	Host     string `yaml:"host" json:"host"`
	RPCPort  int    `yaml:"rpcPort" json:"rpcPort"`
	P2PPort  int    `yaml:"p2pPort,omitempty" json:"p2pPort,omitempty"`
	User     string `yaml:"user,omitempty" json:"-"`
	Password string `yaml:"password,omitempty" json:"-"`
}

// URL returns the JSON-RPC URL of the endpoint.
func (e Endpoint) URL() string {
	return "http://" + net.JoinHostPort(e.Host, strconv.Itoa(e.RPCPort)) + "/"
}

// HasAuth reports whether basic auth credentials are configured.
func (e Endpoint) HasAuth() bool {
	return e.User != "" || e.Password != ""
}

func (e Endpoint) validate() error {
	if e.ID < 1 {
		return fmt.Errorf("node id must be >= 1, got %d", e.ID)
	}
	if e.Host == "" {
		return fmt.Errorf("node %d: host is required", e.ID)
	}
	if e.RPCPort < 1 || e.RPCPort > 65535 {
		return fmt.Errorf("node %d: rpc port out of range: %d", e.ID, e.RPCPort)
	}
	if e.P2PPort < 0 || e.P2PPort > 65535 {
		return fmt.Errorf("node %d: p2p port out of range: %d", e.ID, e.P2PPort)
	}
	return nil
}

// Registry maps node ids to endpoints. It is immutable and safe for concurrent use.
type Registry struct {
	entries map[int]Endpoint
	ids     []int
}

// NewRegistry validates the endpoints and builds a registry.
// Ids must be unique and at least one endpoint is required.
func NewRegistry(endpoints ...Endpoint) (*Registry, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("at least one node is required")
	}

	r := &Registry{
		entries: make(map[int]Endpoint, len(endpoints)),
		ids:     make([]int, 0, len(endpoints)),
	}
	for _, ep := range endpoints {
		if err := ep.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.entries[ep.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %d", ep.ID)
		}
		r.entries[ep.ID] = ep
		r.ids = append(r.ids, ep.ID)
	}
	sort.Ints(r.ids)
	return r, nil
}

// Lookup returns the endpoint for id, or ErrUnknownNode.
func (r *Registry) Lookup(id int) (Endpoint, error) {
	ep, ok := r.entries[id]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w %d", ErrUnknownNode, id)
	}
	return ep, nil
}

// IDs returns all node ids in ascending order.
func (r *Registry) IDs() []int {
	out := make([]int, len(r.ids))
	copy(out, r.ids)
	return out
}

// Len returns the number of nodes.
func (r *Registry) Len() int {
	return len(r.ids)
}

// Endpoints returns all endpoints ordered by id.
func (r *Registry) Endpoints() []Endpoint {
	out := make([]Endpoint, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.entries[id])
	}
	return out
}

// DefaultEndpoint returns the simulation default for node id.
func DefaultEndpoint(id int) Endpoint {
	return Endpoint{
		ID:      id,
		Host:    DefaultHost,
		RPCPort: DefaultBaseRPCPort + id - 1,
		P2PPort: DefaultBaseP2PPort + id - 1,
	}
}

// DefaultEndpoints returns the five-node simulation table.
func DefaultEndpoints() []Endpoint {
	eps := make([]Endpoint, 0, DefaultNodeCount)
	for id := 1; id <= DefaultNodeCount; id++ {
		eps = append(eps, DefaultEndpoint(id))
	}
	return eps
}
