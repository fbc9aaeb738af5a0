package dns

import (
	"net/netip"
	"net/rpc"
	"strings"
	"sync"

	"github.com/leonitousconforti/the-wireguard-effect-sub000/topology"
	"go.uber.org/zap"
)

// Network is the set of node names of one network and their addresses.
type Network struct {
	Name  string
	Nodes map[string][]netip.Addr
}

// NetworkFrom names every node of a generated network.
func NetworkFrom(name string, r topology.Result) Network {
	n := Network{Name: name, Nodes: map[string][]netip.Addr{}}
	for _, node := range r.Graph.Nodes {
		n.Nodes[strings.ToLower(node.Name)] = []netip.Addr{node.Address.Netip()}
	}
	return n
}

type RPCServer struct {
	networks     map[string]Network
	networksLock sync.RWMutex
}

func NewRPCServer() *RPCServer {
	return &RPCServer{networks: map[string]Network{}}
}

func (r *RPCServer) UpdateNetwork(n Network, alwaysNil *bool) error {
	r.update(n)
	return nil
}

func (r *RPCServer) update(n Network) {
	r.networksLock.Lock()
	defer r.networksLock.Unlock()
	r.networks[n.Name] = n
	zap.S().Infof("updated network %s (%d nodes).", n.Name, len(n.Nodes))
}

func (r *RPCServer) lookup(network, node string) ([]netip.Addr, bool) {
	r.networksLock.RLock()
	defer r.networksLock.RUnlock()
	n, ok := r.networks[network]
	if !ok {
		return nil, false
	}
	addresses, ok := n.Nodes[node]
	return addresses, ok
}

// RPCClient is the client for RPCServer.
type RPCClient struct {
	c *rpc.Client
}

func NewRPCClient(c *rpc.Client) *RPCClient {
	return &RPCClient{c: c}
}

// DialRPC connects to a server listening on the unix socket socketPath.
func DialRPC(socketPath string) (*RPCClient, error) {
	c, err := rpc.Dial("unix", socketPath)
	if err != nil {
		return nil, err
	}
	return NewRPCClient(c), nil
}

// UpdateNetwork sends an updated network to the DNS server.
func (r *RPCClient) UpdateNetwork(n Network) error {
	return r.c.Call("RPCServer.UpdateNetwork", n, new(bool))
}

// Close calls the underlying rpc.Client.Close.
func (r *RPCClient) Close() error {
	return r.c.Close()
}
