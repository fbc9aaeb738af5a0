package topology

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/leonitousconforti/the-wireguard-effect-sub000/addr"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/key"
	"gopkg.in/yaml.v3"
)

const (
	KindPointToPoint      = "point-to-point"
	KindHubAndSpoke       = "hub-and-spoke"
	KindLanToLan          = "lan-to-lan"
	KindRemoteAccessToLan = "remote-access-to-lan"
	KindServerHubAndSpoke = "server-hub-and-spoke"
)

// Declaration is the YAML description of a network.
//
// For point-to-point and lan-to-lan, Nodes has exactly two entries.
// For remote-access-to-lan, the first node is the gateway and the second the client.
// For hub-and-spoke, Hub names the hub and every other node is a spoke.
// For server-hub-and-spoke, Servers names the servers and every other node is a client.
type Declaration struct {
	Topology string            `yaml:"topology"`
	Network  addr.CidrBlock    `yaml:"network"`
	Nodes    []NodeDeclaration `yaml:"nodes"`

	Hub     string              `yaml:"hub,omitempty"`
	Trust   map[string][]string `yaml:"trust,omitempty"`
	Servers []string            `yaml:"servers,omitempty"`
	Attach  map[string][]string `yaml:"attach,omitempty"`

	// Preshared is empty or "none", "generate", or a base64 key used for every connection.
	Preshared           string         `yaml:"preshared,omitempty"`
	PersistentKeepalive time.Duration  `yaml:"persistentKeepalive,omitempty"`
	DNS                 []addr.Address `yaml:"dns,omitempty"`
}

type NodeDeclaration struct {
	Name     string         `yaml:"name"`
	Address  addr.Address   `yaml:"address"`
	Endpoint *addr.Endpoint `yaml:"endpoint,omitempty"`
	// PrivateKey is generated when unset.
	PrivateKey *key.Key         `yaml:"privateKey,omitempty"`
	Advertise  []addr.CidrBlock `yaml:"advertise,omitempty"`
}

func ParseDeclaration(data []byte) (Declaration, error) {
	var d Declaration
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	err := dec.Decode(&d)
	if err != nil {
		return Declaration{}, fmt.Errorf("parsing declaration: %w", err)
	}
	return d, nil
}

func LoadDeclaration(path string) (Declaration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Declaration{}, err
	}
	d, err := ParseDeclaration(data)
	if err != nil {
		return Declaration{}, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

func (d Declaration) Options() (Options, error) {
	opts := Options{
		PersistentKeepalive: d.PersistentKeepalive,
		DNS:                 slices.Clone(d.DNS),
	}
	switch d.Preshared {
	case "", "none":
		opts.Preshared = PresharedNone
	case "generate":
		opts.Preshared = PresharedGenerate
	default:
		k, err := key.Parse(d.Preshared)
		if err != nil {
			return Options{}, fmt.Errorf("preshared: %w", err)
		}
		opts.Preshared = PresharedSupplied
		opts.PresharedKey = k
	}
	return opts, nil
}

// TopologyNodes converts the node declarations, deriving key pairs from given private keys.
func (d Declaration) TopologyNodes() ([]Node, error) {
	nodes := make([]Node, len(d.Nodes))
	for i, nd := range d.Nodes {
		n := Node{
			Name:      nd.Name,
			Address:   nd.Address,
			Endpoint:  nd.Endpoint,
			Advertise: nd.Advertise,
		}
		if nd.PrivateKey != nil {
			pair, err := key.PairFrom(*nd.PrivateKey)
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", nd.Name, err)
			}
			n.Keys = &pair
		}
		nodes[i] = n
	}
	return nodes, nil
}

// Generate runs the generator named by Topology.
func (d Declaration) Generate() (Result, error) {
	opts, err := d.Options()
	if err != nil {
		return Result{}, err
	}
	nodes, err := d.TopologyNodes()
	if err != nil {
		return Result{}, err
	}
	two := func() error {
		if len(nodes) != 2 {
			return fmt.Errorf("%s needs exactly 2 nodes, got %d", d.Topology, len(nodes))
		}
		return nil
	}
	switch d.Topology {
	case KindPointToPoint:
		if err := two(); err != nil {
			return Result{}, err
		}
		return PointToPoint(d.Network, nodes[0], nodes[1], opts)
	case KindLanToLan:
		if err := two(); err != nil {
			return Result{}, err
		}
		return LanToLan(d.Network, nodes[0], nodes[1], opts)
	case KindRemoteAccessToLan:
		if err := two(); err != nil {
			return Result{}, err
		}
		return RemoteAccessToLan(d.Network, nodes[0], nodes[1], opts)
	case KindHubAndSpoke:
		i := slices.IndexFunc(nodes, func(n Node) bool { return n.Name == d.Hub })
		if i == -1 {
			return Result{}, fmt.Errorf("hub: %w: %q", ErrUnknownNode, d.Hub)
		}
		spokes := slices.Delete(slices.Clone(nodes), i, i+1)
		return HubAndSpoke(d.Network, nodes[i], spokes, d.Trust, opts)
	case KindServerHubAndSpoke:
		var servers, clients []Node
		for _, name := range d.Servers {
			if !slices.ContainsFunc(nodes, func(n Node) bool { return n.Name == name }) {
				return Result{}, fmt.Errorf("servers: %w: %q", ErrUnknownNode, name)
			}
		}
		for _, n := range nodes {
			if slices.Contains(d.Servers, n.Name) {
				servers = append(servers, n)
			} else {
				clients = append(clients, n)
			}
		}
		return ServerHubAndSpoke(d.Network, servers, clients, d.Attach, opts)
	default:
		return Result{}, fmt.Errorf("unknown topology %q", d.Topology)
	}
}
