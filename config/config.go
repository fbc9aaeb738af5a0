// Package config provides the tunnel configuration record (one interface and its peers),
// its wg-quick text form and helpers for comparing configurations.
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/leonitousconforti/the-wireguard-effect-sub000/addr"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/key"
)

var ErrInvalidConfig = errors.New("invalid config")

// MaxPersistentKeepalive is the largest keepalive interval WireGuard accepts.
const MaxPersistentKeepalive = 65535 * time.Second

type Config struct {
	// Address is the interface address with the mask of the tunnel network.
	Address    addr.CidrBlock
	ListenPort addr.Port
	PrivateKey key.Key

	DNS []addr.Address

	// FirewallMark of 0 means no mark.
	FirewallMark uint32

	Peers []Peer
}

type Peer struct {
	PublicKey key.Key

	PresharedKey *key.Key

	// Endpoint is nil for roaming peers.
	// Only the NAT port is meaningful for a peer; New normalizes ListenPort to NatPort.
	Endpoint *addr.Endpoint

	AllowedIPs []addr.CidrBlock

	// PersistentKeepalive is a whole number of seconds. Set to 0 to disable persistent keepalive.
	PersistentKeepalive time.Duration
}

// New validates c and returns a copy that shares no memory with it.
func New(c Config) (Config, error) {
	if !c.Address.IsValid() {
		return Config{}, fmt.Errorf("%w: address %q", ErrInvalidConfig, c.Address)
	}
	if c.PrivateKey.IsZero() {
		return Config{}, fmt.Errorf("%w: missing PrivateKey", ErrInvalidConfig)
	}
	for i, dns := range c.DNS {
		if !dns.IsValid() {
			return Config{}, fmt.Errorf("%w: DNS index %d is not a valid address", ErrInvalidConfig, i)
		}
	}
	own := c.PrivateKey.PublicKey()
	seen := map[key.Key]int{}
	peers := make([]Peer, len(c.Peers))
	for i, p := range c.Peers {
		p2, err := NewPeer(p)
		if err != nil {
			return Config{}, fmt.Errorf("peer index %d: %w", i, err)
		}
		if p2.PublicKey == own {
			return Config{}, fmt.Errorf("%w: peer index %d has the interface's own public key", ErrInvalidConfig, i)
		}
		if j, ok := seen[p2.PublicKey]; ok {
			return Config{}, fmt.Errorf("%w: peer index %d and %d have the same public key %s", ErrInvalidConfig, j, i, p2.PublicKey)
		}
		seen[p2.PublicKey] = i
		peers[i] = p2
	}
	c2 := c
	c2.DNS = slices.Clone(c.DNS)
	c2.Peers = peers
	return c2, nil
}

// NewPeer validates p and returns a copy that shares no memory with it.
func NewPeer(p Peer) (Peer, error) {
	if p.PublicKey.IsZero() {
		return Peer{}, fmt.Errorf("%w: missing PublicKey", ErrInvalidConfig)
	}
	if p.PresharedKey != nil && p.PresharedKey.IsZero() {
		return Peer{}, fmt.Errorf("%w: peer %s: zero PresharedKey", ErrInvalidConfig, p.PublicKey)
	}
	if p.PersistentKeepalive < 0 || p.PersistentKeepalive > MaxPersistentKeepalive || p.PersistentKeepalive%time.Second != 0 {
		return Peer{}, fmt.Errorf("%w: peer %s: PersistentKeepalive %s must be whole seconds in [0, 65535]", ErrInvalidConfig, p.PublicKey, p.PersistentKeepalive)
	}
	for _, allowedIP := range p.AllowedIPs {
		if !allowedIP.IsValid() {
			return Peer{}, fmt.Errorf("%w: peer %s: allowed IP %q", ErrInvalidConfig, p.PublicKey, allowedIP)
		}
	}
	p2 := p
	if p.PresharedKey != nil {
		psk := *p.PresharedKey
		p2.PresharedKey = &psk
	}
	if p.Endpoint != nil {
		switch p.Endpoint.Kind {
		case addr.HostIPv4, addr.HostIPv6, addr.HostName:
		default:
			return Peer{}, fmt.Errorf("%w: peer %s: endpoint has no host", ErrInvalidConfig, p.PublicKey)
		}
		e := p.Endpoint.Dial()
		p2.Endpoint = &e
	}
	p2.AllowedIPs = slices.Clone(p.AllowedIPs)
	return p2, nil
}

func (c Config) PublicKey() key.Key { return c.PrivateKey.PublicKey() }

func (c Config) Clone() Config {
	c2 := c
	c2.DNS = slices.Clone(c.DNS)
	c2.Peers = make([]Peer, len(c.Peers))
	for i, p := range c.Peers {
		c2.Peers[i] = p.Clone()
	}
	return c2
}

func (p Peer) Clone() Peer {
	p2 := p
	if p.PresharedKey != nil {
		psk := *p.PresharedKey
		p2.PresharedKey = &psk
	}
	if p.Endpoint != nil {
		e := *p.Endpoint
		p2.Endpoint = &e
	}
	p2.AllowedIPs = slices.Clone(p.AllowedIPs)
	return p2
}

// GetPeer looks up a peer by public key.
func (c Config) GetPeer(publicKey key.Key) (p Peer, ok bool) {
	i := slices.IndexFunc(c.Peers, func(p Peer) bool { return p.PublicKey == publicKey })
	if i == -1 {
		return Peer{}, false
	}
	return c.Peers[i], true
}

// Equal compares peers as a set keyed by public key.
func (a Config) Equal(b Config) bool {
	if a.Address != b.Address || a.ListenPort != b.ListenPort || a.PrivateKey != b.PrivateKey || a.FirewallMark != b.FirewallMark {
		return false
	}
	if !slices.Equal(a.DNS, b.DNS) {
		return false
	}
	if len(a.Peers) != len(b.Peers) {
		return false
	}
	for _, pa := range a.Peers {
		pb, ok := b.GetPeer(pa.PublicKey)
		if !ok || !pa.Equal(pb) {
			return false
		}
	}
	return true
}

func (a Peer) Equal(b Peer) bool {
	if a.PublicKey != b.PublicKey || a.PersistentKeepalive != b.PersistentKeepalive {
		return false
	}
	if (a.PresharedKey == nil) != (b.PresharedKey == nil) || (a.PresharedKey != nil && *a.PresharedKey != *b.PresharedKey) {
		return false
	}
	if (a.Endpoint == nil) != (b.Endpoint == nil) || (a.Endpoint != nil && !a.Endpoint.Equal(*b.Endpoint)) {
		return false
	}
	return slices.Equal(a.AllowedIPs, b.AllowedIPs)
}
