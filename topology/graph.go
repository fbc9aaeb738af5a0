package topology

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/leonitousconforti/the-wireguard-effect-sub000/addr"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/config"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/key"
	"golang.org/x/exp/maps"
)

// builder accumulates connections between validated nodes. Nothing here touches key material.
type builder struct {
	cidr  addr.CidrBlock
	nodes []Node
	index map[string]int
	edges map[string]map[string]bool
}

func newBuilder(cidr addr.CidrBlock, nodes []Node) (*builder, error) {
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}
	if !cidr.IsValid() {
		return nil, fmt.Errorf("network %q: %w", cidr, addr.ErrInvalidFormat)
	}
	b := &builder{
		cidr:  cidr,
		nodes: make([]Node, len(nodes)),
		index: map[string]int{},
		edges: map[string]map[string]bool{},
	}
	family := nodes[0].Address.Family()
	addresses := map[addr.Address]string{}
	for i, n := range nodes {
		if n.Name == "" {
			return nil, fmt.Errorf("%w: node index %d has no name", ErrInvalidName, i)
		}
		// names become file names of generated configs
		if n.Name == "." || n.Name == ".." || strings.ContainsAny(n.Name, "/\\\x00") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidName, n.Name)
		}
		if j, ok := b.index[n.Name]; ok {
			return nil, fmt.Errorf("%w: node index %d and %d are both named %s", ErrDuplicateName, j, i, n.Name)
		}
		if !n.Address.IsValid() {
			return nil, fmt.Errorf("node %s: %w: no address", n.Name, addr.ErrInvalidFormat)
		}
		if n.Address.Zone() != "" {
			return nil, fmt.Errorf("node %s: %w: zoned address %s", n.Name, addr.ErrInvalidFormat, n.Address)
		}
		for _, c := range n.Advertise {
			if !c.IsValid() {
				return nil, fmt.Errorf("node %s: advertise %q: %w", n.Name, c, addr.ErrInvalidFormat)
			}
		}
		if n.Address.Family() != family {
			return nil, fmt.Errorf("%w: %s is %s but %s is %s", ErrMixedFamilies, nodes[0].Name, family, n.Name, n.Address.Family())
		}
		if other, ok := addresses[n.Address]; ok {
			return nil, fmt.Errorf("%w: %s and %s both have %s", ErrDuplicateAddress, other, n.Name, n.Address)
		}
		if n.Keys != nil {
			if n.Keys.Private.IsZero() || n.Keys.Private.PublicKey() != n.Keys.Public {
				return nil, fmt.Errorf("%w: %s", ErrInvalidKeys, n.Name)
			}
		}
		b.index[n.Name] = i
		addresses[n.Address] = n.Name
		b.nodes[i] = cloneNode(n)
	}
	if cidr.Family() != family {
		return nil, fmt.Errorf("%w: network %s is %s but nodes are %s", ErrMixedFamilies, cidr, cidr.Family(), family)
	}
	for _, n := range b.nodes {
		if !cidr.Contains(n.Address) {
			return nil, fmt.Errorf("%w: %s has %s, network is %s", ErrOutsideNetwork, n.Name, n.Address, cidr)
		}
	}
	return b, nil
}

func cloneNode(n Node) Node {
	n2 := n
	if n.Endpoint != nil {
		e := *n.Endpoint
		n2.Endpoint = &e
	}
	if n.Keys != nil {
		k := *n.Keys
		n2.Keys = &k
	}
	n2.Advertise = slices.Clone(n.Advertise)
	return n2
}

func (b *builder) node(name string) (Node, error) {
	i, ok := b.index[name]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	return b.nodes[i], nil
}

// connect adds a symmetric edge.
func (b *builder) connect(x, y string) error {
	nx, err := b.node(x)
	if err != nil {
		return err
	}
	ny, err := b.node(y)
	if err != nil {
		return err
	}
	if x == y {
		return fmt.Errorf("%s cannot connect to itself", x)
	}
	if nx.IsRoaming() && ny.IsRoaming() {
		return fmt.Errorf("%w: %s and %s", ErrRoamingEdge, x, y)
	}
	if b.edges[x] == nil {
		b.edges[x] = map[string]bool{}
	}
	if b.edges[y] == nil {
		b.edges[y] = map[string]bool{}
	}
	b.edges[x][y] = true
	b.edges[y][x] = true
	return nil
}

// graph checks that every node is connected and fills AllowedIPs.
func (b *builder) graph() (Graph, error) {
	g := Graph{
		CIDR:        b.cidr,
		Nodes:       b.nodes,
		Connections: map[string][]string{},
		AllowedIPs:  map[string][]addr.CidrBlock{},
	}
	for _, n := range b.nodes {
		if len(b.edges[n.Name]) == 0 {
			return Graph{}, fmt.Errorf("%w: %s", ErrDisconnected, n.Name)
		}
		peers := maps.Keys(b.edges[n.Name])
		sort.Strings(peers)
		g.Connections[n.Name] = peers

		allowed := append([]addr.CidrBlock{addr.Host(n.Address)}, n.Advertise...)
		g.AllowedIPs[n.Name] = dedup(allowed)
	}
	return g, nil
}

func dedup(blocks []addr.CidrBlock) []addr.CidrBlock {
	seen := map[addr.CidrBlock]bool{}
	ret := make([]addr.CidrBlock, 0, len(blocks))
	for _, c := range blocks {
		if seen[c] {
			continue
		}
		seen[c] = true
		ret = append(ret, c)
	}
	return ret
}

type edge struct{ a, b string }

func edgeOf(x, y string) edge {
	if x > y {
		x, y = y, x
	}
	return edge{x, y}
}

// assignKeys runs only once the graph is known to be valid.
func assignKeys(g *Graph, opts Options) (map[edge]key.Key, error) {
	for i := range g.Nodes {
		if g.Nodes[i].Keys != nil {
			continue
		}
		pair, err := key.GeneratePair()
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", g.Nodes[i].Name, err)
		}
		g.Nodes[i].Keys = &pair
	}
	psks := map[edge]key.Key{}
	switch opts.Preshared {
	case PresharedNone:
	case PresharedGenerate, PresharedSupplied:
		for _, n := range g.Nodes {
			for _, other := range g.Connections[n.Name] {
				e := edgeOf(n.Name, other)
				if _, ok := psks[e]; ok {
					continue
				}
				psk := opts.PresharedKey
				if opts.Preshared == PresharedGenerate {
					var err error
					psk, err = key.GeneratePreshared()
					if err != nil {
						return nil, fmt.Errorf("connection %s-%s: %w", e.a, e.b, err)
					}
				}
				psks[e] = psk
			}
		}
	}
	return psks, nil
}

func (opts Options) validate() error {
	switch opts.Preshared {
	case PresharedNone, PresharedGenerate:
	case PresharedSupplied:
		if opts.PresharedKey.IsZero() {
			return errors.New("preshared key mode is supplied but no key was given")
		}
	default:
		return fmt.Errorf("unknown preshared key mode %d", opts.Preshared)
	}
	if opts.PersistentKeepalive < 0 || opts.PersistentKeepalive > config.MaxPersistentKeepalive || opts.PersistentKeepalive%time.Second != 0 {
		return fmt.Errorf("persistent keepalive %s must be whole seconds in [0, 65535]", opts.PersistentKeepalive)
	}
	for i, a := range opts.DNS {
		if !a.IsValid() {
			return fmt.Errorf("DNS index %d: %w", i, addr.ErrInvalidFormat)
		}
	}
	return nil
}
