package config

import (
	"slices"

	"github.com/leonitousconforti/the-wireguard-effect-sub000/addr"
)

type PeersDiff struct {
	PeersAdded   []Peer
	PeersRemoved []Peer
	// PeersChanged holds the new version of each peer present in both a and b that is not Equal.
	PeersChanged []Peer
}

func (d PeersDiff) Empty() bool {
	return len(d.PeersAdded) == 0 && len(d.PeersRemoved) == 0 && len(d.PeersChanged) == 0
}

// DiffPeers matches peers by public key.
func DiffPeers(a, b []Peer) PeersDiff {
	var d PeersDiff
	for _, pa := range a {
		i := slices.IndexFunc(b, func(pb Peer) bool { return pb.PublicKey == pa.PublicKey })
		if i == -1 {
			d.PeersRemoved = append(d.PeersRemoved, pa)
		} else if !pa.Equal(b[i]) {
			d.PeersChanged = append(d.PeersChanged, b[i])
		}
	}
	for _, pb := range b {
		if !slices.ContainsFunc(a, func(pa Peer) bool { return pa.PublicKey == pb.PublicKey }) {
			d.PeersAdded = append(d.PeersAdded, pb)
		}
	}
	return d
}

// AllowedIPsDiff returns the allowed IPs only in b (added) and only in a (removed).
func AllowedIPsDiff(a, b Peer) (added, removed []addr.CidrBlock) {
	return setDifference(b.AllowedIPs, a.AllowedIPs), setDifference(a.AllowedIPs, b.AllowedIPs)
}

// setDifference returns the elements of a not in b, in the order of a.
func setDifference(a, b []addr.CidrBlock) []addr.CidrBlock {
	ret := make([]addr.CidrBlock, 0, len(a))
	for _, x := range a {
		if !slices.Contains(b, x) {
			ret = append(ret, x)
		}
	}
	return ret
}
