package topology

import (
	"fmt"
	"sort"
	"time"

	"github.com/leonitousconforti/the-wireguard-effect-sub000/addr"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/config"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/key"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

// PointToPoint connects two nodes to each other.
func PointToPoint(cidr addr.CidrBlock, a, b Node, opts Options) (Result, error) {
	bd, err := newBuilder(cidr, []Node{a, b})
	if err != nil {
		return Result{}, err
	}
	err = bd.connect(a.Name, b.Name)
	if err != nil {
		return Result{}, err
	}
	return generate(bd, opts)
}

// HubAndSpoke connects every spoke to the hub. trust adds spoke-to-spoke connections; an entry in
// either direction connects both nodes.
func HubAndSpoke(cidr addr.CidrBlock, hub Node, spokes []Node, trust map[string][]string, opts Options) (Result, error) {
	if hub.IsRoaming() {
		return Result{}, fmt.Errorf("%w: %s", ErrRoamingHub, hub.Name)
	}
	if len(spokes) == 0 {
		return Result{}, fmt.Errorf("%w: hub %s has no spokes", ErrNoNodes, hub.Name)
	}
	bd, err := newBuilder(cidr, append([]Node{hub}, spokes...))
	if err != nil {
		return Result{}, err
	}
	for _, spoke := range spokes {
		err = bd.connect(hub.Name, spoke.Name)
		if err != nil {
			return Result{}, err
		}
	}
	err = connectAll(bd, trust)
	if err != nil {
		return Result{}, fmt.Errorf("trust: %w", err)
	}
	return generate(bd, opts)
}

// LanToLan connects two gateways, each routing the other's advertised LAN through the tunnel.
func LanToLan(cidr addr.CidrBlock, a, b Node, opts Options) (Result, error) {
	for _, n := range []Node{a, b} {
		if len(n.Advertise) == 0 {
			return Result{}, fmt.Errorf("%w: %s", ErrMissingLAN, n.Name)
		}
	}
	return PointToPoint(cidr, a, b, opts)
}

// RemoteAccessToLan connects a client to a gateway advertising a LAN.
// The client routes the gateway's address and LAN through the tunnel; the gateway only routes the client's address.
func RemoteAccessToLan(cidr addr.CidrBlock, gateway, client Node, opts Options) (Result, error) {
	if len(gateway.Advertise) == 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrMissingLAN, gateway.Name)
	}
	if len(client.Advertise) != 0 {
		return Result{}, fmt.Errorf("remote access client %s cannot advertise prefixes", client.Name)
	}
	bd, err := newBuilder(cidr, []Node{gateway, client})
	if err != nil {
		return Result{}, err
	}
	err = bd.connect(gateway.Name, client.Name)
	if err != nil {
		return Result{}, err
	}
	return generate(bd, opts)
}

// ServerHubAndSpoke fully meshes the servers and attaches every client to servers.
// attach[client] lists the servers a client connects to; clients without an entry connect to all servers.
func ServerHubAndSpoke(cidr addr.CidrBlock, servers, clients []Node, attach map[string][]string, opts Options) (Result, error) {
	if len(servers) == 0 {
		return Result{}, fmt.Errorf("%w: no servers", ErrNoNodes)
	}
	isServer := map[string]bool{}
	for _, s := range servers {
		if s.IsRoaming() {
			return Result{}, fmt.Errorf("%w: %s", ErrRoamingHub, s.Name)
		}
		isServer[s.Name] = true
	}
	bd, err := newBuilder(cidr, append(append([]Node{}, servers...), clients...))
	if err != nil {
		return Result{}, err
	}
	for i := range servers {
		for j := i + 1; j < len(servers); j++ {
			err = bd.connect(servers[i].Name, servers[j].Name)
			if err != nil {
				return Result{}, err
			}
		}
	}
	clientNames := maps.Keys(attach)
	sort.Strings(clientNames)
	for _, c := range clientNames {
		if _, err := bd.node(c); err != nil {
			return Result{}, fmt.Errorf("attach: %w", err)
		}
		if isServer[c] {
			return Result{}, fmt.Errorf("attach: %s is a server", c)
		}
		for _, s := range attach[c] {
			if !isServer[s] {
				return Result{}, fmt.Errorf("attach: %w: %s is not a server", ErrUnknownNode, s)
			}
		}
	}
	for _, c := range clients {
		targets, ok := attach[c.Name]
		if !ok {
			for _, s := range servers {
				targets = append(targets, s.Name)
			}
		}
		for _, s := range targets {
			err = bd.connect(c.Name, s)
			if err != nil {
				return Result{}, err
			}
		}
	}
	return generate(bd, opts)
}

func connectAll(bd *builder, adjacency map[string][]string) error {
	from := maps.Keys(adjacency)
	sort.Strings(from)
	// check every name before connecting anything
	for _, x := range from {
		if _, err := bd.node(x); err != nil {
			return err
		}
		for _, y := range adjacency[x] {
			if _, err := bd.node(y); err != nil {
				return err
			}
		}
	}
	for _, x := range from {
		for _, y := range adjacency[x] {
			err := bd.connect(x, y)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func generate(bd *builder, opts Options) (Result, error) {
	err := opts.validate()
	if err != nil {
		return Result{}, err
	}
	g, err := bd.graph()
	if err != nil {
		return Result{}, err
	}
	psks, err := assignKeys(&g, opts)
	if err != nil {
		return Result{}, err
	}
	configs := make([]NodeConfig, len(g.Nodes))
	for i, n := range g.Nodes {
		c, err := g.compile(n.Name, psks, opts)
		if err != nil {
			return Result{}, fmt.Errorf("node %s: %w", n.Name, err)
		}
		configs[i] = NodeConfig{Name: n.Name, Config: c}
		zap.S().Debugf("compiled %s (%s) with %d peers.", n.Name, n.Keys.Public, len(c.Peers))
	}
	return Result{Graph: g, Configs: configs}, nil
}

// compile flattens the graph into the config of one node.
func (g Graph) compile(name string, psks map[edge]key.Key, opts Options) (config.Config, error) {
	n, ok := g.GetNode(name)
	if !ok {
		return config.Config{}, fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	if n.Keys == nil {
		return config.Config{}, fmt.Errorf("%s has unset Keys", name)
	}
	peers := make([]config.Peer, 0, len(g.Connections[name]))
	for _, other := range g.Connections[name] {
		on, ok := g.GetNode(other)
		if !ok {
			panic("malformed graph")
		}
		if on.Keys == nil {
			return config.Config{}, fmt.Errorf("%s has unset Keys", other)
		}
		var psk *key.Key
		if k, ok := psks[edgeOf(name, other)]; ok {
			psk = &k
		}
		var keepalive time.Duration
		if n.IsRoaming() && !on.IsRoaming() {
			keepalive = opts.PersistentKeepalive
		}
		if on.IsRoaming() {
			zap.S().Debugf("%s/%s is roaming, proceed with blank Endpoint.", name, other)
		}
		peers = append(peers, config.Peer{
			PublicKey:           on.Keys.Public,
			PresharedKey:        psk,
			Endpoint:            on.Endpoint,
			AllowedIPs:          g.AllowedIPs[other],
			PersistentKeepalive: keepalive,
		})
	}
	var listenPort addr.Port
	if n.Endpoint != nil {
		listenPort = n.Endpoint.ListenPort
	}
	return config.New(config.Config{
		Address:    addr.CidrBlock{Address: n.Address, Mask: g.CIDR.Mask},
		ListenPort: listenPort,
		PrivateKey: n.Keys.Private,
		DNS:        opts.DNS,
		Peers:      peers,
	})
}
