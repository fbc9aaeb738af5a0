// Package control drives a running WireGuard interface through the userspace control protocol:
// newline-delimited key=value commands answered with an errno trailer.
package control

import (
	"errors"
	"fmt"
	"time"

	"github.com/leonitousconforti/the-wireguard-effect-sub000/addr"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/config"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/key"
	"golang.zx2c4.com/wireguard/ipc"
)

var (
	ErrPeerExists     = errors.New("peer already exists")
	ErrPeerNotApplied = errors.New("peer missing after set")
	ErrPeerMissing    = errors.New("peer does not exist")
	ErrPeerNotRemoved = errors.New("peer still present after removal")
	ErrMalformedReply = errors.New("malformed reply")
)

// ProtocolError is a failure reported by (or detected in) the daemon, as opposed to an invalid request
// or a broken transport. Errno is the daemon's non-zero status; it is 0 when Err describes a
// verification failure instead.
type ProtocolError struct {
	Op    string
	Errno int64
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("%s: daemon returned errno=%d (%s)", e.Op, e.Errno, e.Reason())
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Reason names Errno.
func (e *ProtocolError) Reason() string {
	switch e.Errno {
	case 0:
		return "ok"
	case ipc.IpcErrorIO:
		return "i/o error"
	case ipc.IpcErrorProtocol:
		return "protocol error"
	case ipc.IpcErrorInvalid:
		return "invalid argument"
	case ipc.IpcErrorPortInUse:
		return "port in use"
	case int64(ipc.IpcErrorUnknown):
		return "unknown error"
	default:
		return "unrecognized errno"
	}
}

// Device is the state of an interface as reported by the daemon.
type Device struct {
	PrivateKey   key.Key
	PublicKey    key.Key
	ListenPort   addr.Port
	FirewallMark uint32
	Peers        []PeerStats
}

// PeerStats is a peer together with the counters the daemon keeps for it.
type PeerStats struct {
	config.Peer

	// LastHandshake is zero if no handshake has completed.
	LastHandshake   time.Time
	ReceiveBytes    uint64
	TransmitBytes   uint64
	ProtocolVersion int
}

func (d Device) Peer(publicKey key.Key) (p PeerStats, ok bool) {
	for _, p := range d.Peers {
		if p.PublicKey == publicKey {
			return p, true
		}
	}
	return PeerStats{}, false
}

// Config builds a validated config from the device state. The daemon does not know the interface address,
// so it is supplied by the caller.
func (d Device) Config(address addr.CidrBlock) (config.Config, error) {
	peers := make([]config.Peer, len(d.Peers))
	for i, p := range d.Peers {
		peers[i] = p.Peer
	}
	return config.New(config.Config{
		Address:      address,
		ListenPort:   d.ListenPort,
		PrivateKey:   d.PrivateKey,
		FirewallMark: d.FirewallMark,
		Peers:        peers,
	})
}
