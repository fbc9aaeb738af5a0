package backend

import (
	"fmt"
	"net"

	"github.com/leonitousconforti/the-wireguard-effect-sub000/addr"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/config"
	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// wgConfig converts cfg for wgctrl, resolving endpoints. It replaces all peers.
func wgConfig(cfg config.Config) (wgtypes.Config, error) {
	peers := make([]wgtypes.PeerConfig, len(cfg.Peers))
	for i, peer := range cfg.Peers {
		pc, err := wgPeerConfig(peer)
		if err != nil {
			return wgtypes.Config{}, err
		}
		peers[i] = pc
	}
	privateKey := wgtypes.Key(cfg.PrivateKey)
	wc := wgtypes.Config{
		PrivateKey:   &privateKey,
		ReplacePeers: true,
		Peers:        peers,
	}
	if cfg.ListenPort != 0 {
		port := int(cfg.ListenPort)
		wc.ListenPort = &port
	}
	if cfg.FirewallMark != 0 {
		mark := int(cfg.FirewallMark)
		wc.FirewallMark = &mark
	}
	return wc, nil
}

func wgPeerConfig(peer config.Peer) (wgtypes.PeerConfig, error) {
	var endpoint *net.UDPAddr
	if peer.Endpoint != nil {
		zap.S().Debugf("resolving %s for peer %s.", peer.Endpoint.DialString(), peer.PublicKey)
		var err error
		endpoint, err = net.ResolveUDPAddr("udp", peer.Endpoint.DialString())
		if err != nil {
			return wgtypes.PeerConfig{}, fmt.Errorf("resolving %s for peer %s: %w", peer.Endpoint.DialString(), peer.PublicKey, err)
		}
	}
	allowedIPs := make([]net.IPNet, len(peer.AllowedIPs))
	for i, c := range peer.AllowedIPs {
		allowedIPs[i] = c.IPNet()
	}
	keepalive := peer.PersistentKeepalive
	return wgtypes.PeerConfig{
		PublicKey:                   wgtypes.Key(peer.PublicKey),
		PresharedKey:                (*wgtypes.Key)(peer.PresharedKey),
		Endpoint:                    endpoint,
		PersistentKeepaliveInterval: &keepalive,
		ReplaceAllowedIPs:           true,
		AllowedIPs:                  allowedIPs,
	}, nil
}

type routeTask struct {
	add bool
	dst addr.CidrBlock
}

func (r routeTask) String() string {
	if r.add {
		return fmt.Sprintf("+ %s", r.dst)
	}
	return fmt.Sprintf("- %s", r.dst)
}

// routed reports whether traffic to c needs a route through the interface,
// i.e. c is not already covered by the connected route of the interface address.
func routed(iface addr.CidrBlock, c addr.CidrBlock) bool {
	return c.Family() != iface.Family() || c.Mask < iface.Mask || !iface.Contains(c.Address)
}

// dst is c with the host bits cleared, as the kernel wants route destinations.
func dst(c addr.CidrBlock) *net.IPNet {
	ipnet := addr.CidrBlock{Address: c.NetworkAddress(), Mask: c.Mask}.IPNet()
	return &ipnet
}

// routeTasks lists the route changes for going from a to b; a may be the zero Config.
func routeTasks(a, b config.Config) []routeTask {
	var tasks []routeTask
	add := func(add bool, c addr.CidrBlock) {
		if routed(b.Address, c) {
			tasks = append(tasks, routeTask{add: add, dst: c})
		}
	}
	pd := config.DiffPeers(a.Peers, b.Peers)
	for _, peer := range pd.PeersRemoved {
		for _, c := range peer.AllowedIPs {
			add(false, c)
		}
	}
	for _, peer := range pd.PeersAdded {
		for _, c := range peer.AllowedIPs {
			add(true, c)
		}
	}
	for _, newPeer := range pd.PeersChanged {
		oldPeer, _ := a.GetPeer(newPeer.PublicKey)
		added, removed := config.AllowedIPsDiff(oldPeer, newPeer)
		for _, c := range added {
			add(true, c)
		}
		for _, c := range removed {
			add(false, c)
		}
	}
	return tasks
}
