// Package topology generates a consistent set of keyed per-node tunnel configs from a declared network shape.
package topology

import (
	"errors"
	"slices"
	"time"

	"github.com/leonitousconforti/the-wireguard-effect-sub000/addr"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/config"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/key"
)

var (
	ErrNoNodes          = errors.New("no nodes")
	ErrInvalidName      = errors.New("invalid node name")
	ErrDuplicateName    = errors.New("duplicate node name")
	ErrDuplicateAddress = errors.New("duplicate node address")
	ErrMixedFamilies    = errors.New("mixed address families")
	ErrUnknownNode      = errors.New("unknown node")
	ErrRoamingEdge      = errors.New("two roaming nodes cannot connect")
	ErrRoamingHub       = errors.New("hub node has no endpoint")
	ErrOutsideNetwork   = errors.New("address outside the network")
	ErrDisconnected     = errors.New("node has no connections")
	ErrMissingLAN       = errors.New("node advertises no LAN prefix")
	ErrInvalidKeys      = errors.New("invalid node keys")
)

// Node is a participant of a network.
// A node with an Endpoint is dialable from outside; a node without one is roaming and can only initiate.
type Node struct {
	Name string

	// Address is the node's address inside the tunnel.
	Address addr.Address

	Endpoint *addr.Endpoint

	// Keys is generated when nil.
	Keys *key.Pair

	// Advertise lists prefixes behind this node that its peers route through the tunnel.
	Advertise []addr.CidrBlock
}

// FromSetup makes an endpoint-bearing node.
func FromSetup(name string, sd addr.SetupData) Node {
	e := sd.Endpoint
	return Node{Name: name, Address: sd.Address, Endpoint: &e}
}

// Roaming makes a node without an endpoint.
func Roaming(name string, a addr.Address) Node {
	return Node{Name: name, Address: a}
}

func (n Node) IsRoaming() bool { return n.Endpoint == nil }

// Graph is the working structure of a generation: who holds whom as a peer, and what is routed to each node.
type Graph struct {
	CIDR  addr.CidrBlock
	Nodes []Node

	// Connections[n] are the nodes n holds as peers, sorted by name. The relation is symmetric.
	Connections map[string][]string

	// AllowedIPs[n] are the prefixes routed to n by every node connected to it:
	// n's own /32 (or /128) followed by the prefixes n advertises.
	AllowedIPs map[string][]addr.CidrBlock
}

func (g Graph) GetNode(name string) (n Node, ok bool) {
	i := slices.IndexFunc(g.Nodes, func(n Node) bool { return n.Name == name })
	if i == -1 {
		return Node{}, false
	}
	return g.Nodes[i], true
}

type PresharedMode int

const (
	PresharedNone PresharedMode = iota
	// PresharedGenerate generates one key per connection.
	PresharedGenerate
	// PresharedSupplied uses Options.PresharedKey for every connection.
	PresharedSupplied
)

type Options struct {
	Preshared    PresharedMode
	PresharedKey key.Key

	// PersistentKeepalive is set on a roaming node's peer entries for endpoint-bearing nodes.
	PersistentKeepalive time.Duration

	DNS []addr.Address
}

type NodeConfig struct {
	Name   string
	Config config.Config
}

type Result struct {
	Graph Graph
	// Configs are in the order of Graph.Nodes.
	Configs []NodeConfig
}

func (r Result) GetConfig(name string) (c config.Config, ok bool) {
	i := slices.IndexFunc(r.Configs, func(nc NodeConfig) bool { return nc.Name == name })
	if i == -1 {
		return config.Config{}, false
	}
	return r.Configs[i].Config, true
}
