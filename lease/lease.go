// Package lease hands out tunnel addresses of a block to peers identified by public key.
// When the block runs out, the peer that has been quiet the longest loses its address.
package lease

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/leonitousconforti/the-wireguard-effect-sub000/addr"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/control"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/key"
	"github.com/tidwall/buntdb"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

var (
	ErrExhausted = errors.New("no address left to lease")
	ErrNoLease   = errors.New("no lease for peer")
)

// Controller is the part of the tunnel control client a Pool needs for eviction.
type Controller interface {
	Get(ctx context.Context) (control.Device, error)
	RemovePeer(ctx context.Context, publicKey key.Key) error
}

type Lease struct {
	PublicKey key.Key
	Address   addr.Address
}

// Pool leases addresses of Block. Leases are kept in a buntdb database as two keys per lease:
//
//	lease:<public key> -> address
//	addr:<address>     -> public key
type Pool struct {
	db       *buntdb.DB
	block    addr.CidrBlock
	ctl      Controller
	reserved []addr.Address

	mu sync.Mutex
}

func leaseKey(publicKey key.Key) string { return "lease:" + publicKey.String() }

func addrKey(a addr.Address) string { return "addr:" + a.String() }

// Open opens (or creates) the database at path; ":memory:" keeps it in memory.
// reserved addresses are never leased, e.g. the address of the interface itself.
func Open(path string, block addr.CidrBlock, ctl Controller, reserved ...addr.Address) (*Pool, error) {
	if !block.IsValid() {
		return nil, fmt.Errorf("invalid block %s", block)
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open lease db %s: %w", path, err)
	}
	p := &Pool{db: db, block: block, ctl: ctl, reserved: slices.Clone(reserved)}
	leases, err := p.Leases()
	if err != nil {
		db.Close()
		return nil, err
	}
	for _, l := range leases {
		if !block.Contains(l.Address) {
			db.Close()
			return nil, fmt.Errorf("lease db %s: %s is leased to %s but outside %s", path, l.Address, l.PublicKey, block)
		}
	}
	zap.S().Debugf("opened lease db %s with %d leases in %s.", path, len(leases), block)
	return p, nil
}

func (p *Pool) Close() error { return p.db.Close() }

func (p *Pool) Block() addr.CidrBlock { return p.block }

// Leases returns every lease, ordered by address.
func (p *Pool) Leases() ([]Lease, error) {
	byAddr, err := p.leases()
	if err != nil {
		return nil, err
	}
	addrs := maps.Keys(byAddr)
	slices.SortFunc(addrs, addr.Address.Compare)
	ret := make([]Lease, len(addrs))
	for i, a := range addrs {
		ret[i] = Lease{PublicKey: byAddr[a], Address: a}
	}
	return ret, nil
}

func (p *Pool) leases() (map[addr.Address]key.Key, error) {
	byAddr := map[addr.Address]key.Key{}
	var parseErr error
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("addr:*", func(k, v string) bool {
			a, err := addr.ParseAddress(strings.TrimPrefix(k, "addr:"))
			if err != nil {
				parseErr = err
				return false
			}
			publicKey, err := key.Parse(v)
			if err != nil {
				parseErr = fmt.Errorf("lease of %s: %w", a, err)
				return false
			}
			byAddr[a] = publicKey
			return true
		})
	})
	if err == nil {
		err = parseErr
	}
	if err != nil {
		return nil, fmt.Errorf("reading leases: %w", err)
	}
	return byAddr, nil
}

// Get returns the address leased to publicKey.
func (p *Pool) Get(publicKey key.Key) (addr.Address, error) {
	var a addr.Address
	err := p.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(leaseKey(publicKey))
		if errors.Is(err, buntdb.ErrNotFound) {
			return fmt.Errorf("%w %s", ErrNoLease, publicKey)
		}
		if err != nil {
			return err
		}
		a, err = addr.ParseAddress(v)
		return err
	})
	return a, err
}

// leasable reports whether a may be handed out at all.
func (p *Pool) leasable(a addr.Address) bool {
	return !a.Equal(p.block.NetworkAddress()) &&
		!a.Equal(p.block.BroadcastAddress()) &&
		!slices.ContainsFunc(p.reserved, a.Equal)
}

// Lease returns the address leased to publicKey, leasing the lowest free one if there is none.
// If every address is taken, the peer with the oldest handshake is removed from the tunnel and its
// address reused. Peers that never completed a handshake (or are not on the tunnel) go first.
// created is false when publicKey already held the returned address.
func (p *Pool) Lease(ctx context.Context, publicKey key.Key) (a addr.Address, created bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, err = p.Get(publicKey)
	if err == nil {
		return a, false, nil
	}
	if !errors.Is(err, ErrNoLease) {
		return addr.Address{}, false, err
	}

	byAddr, err := p.leases()
	if err != nil {
		return addr.Address{}, false, err
	}
	var found bool
	for candidate := range p.block.Range() {
		if _, taken := byAddr[candidate]; !taken && p.leasable(candidate) {
			a, found = candidate, true
			break
		}
	}
	if !found {
		a, err = p.evict(ctx, byAddr)
		if err != nil {
			return addr.Address{}, false, err
		}
	}

	err = p.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(leaseKey(publicKey), a.String(), nil)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(addrKey(a), publicKey.String(), nil)
		return err
	})
	if err != nil {
		return addr.Address{}, false, fmt.Errorf("storing lease: %w", err)
	}
	zap.S().Infof("leased %s to %s.", a, publicKey)
	return a, true, nil
}

// evict frees the address of the least recently active leased peer.
func (p *Pool) evict(ctx context.Context, byAddr map[addr.Address]key.Key) (addr.Address, error) {
	if len(byAddr) == 0 {
		return addr.Address{}, fmt.Errorf("%w in %s", ErrExhausted, p.block)
	}
	dev, err := p.ctl.Get(ctx)
	if err != nil {
		return addr.Address{}, fmt.Errorf("evict: %w", err)
	}
	addrs := maps.Keys(byAddr)
	slices.SortFunc(addrs, addr.Address.Compare)
	var victim addr.Address
	var oldest time.Time
	for i, a := range addrs {
		var handshake time.Time
		if peer, ok := dev.Peer(byAddr[a]); ok {
			handshake = peer.LastHandshake
		}
		if i == 0 || handshake.Before(oldest) {
			victim, oldest = a, handshake
		}
	}
	victimKey := byAddr[victim]
	zap.S().Infof("evicting %s (last handshake %s) to free %s.", victimKey, oldest, victim)
	err = p.ctl.RemovePeer(ctx, victimKey)
	if err != nil && !errors.Is(err, control.ErrPeerMissing) {
		return addr.Address{}, fmt.Errorf("evict %s: %w", victimKey, err)
	}
	err = p.release(victimKey, victim)
	if err != nil {
		return addr.Address{}, fmt.Errorf("evict %s: %w", victimKey, err)
	}
	return victim, nil
}

// Release drops the lease of publicKey. It does not touch the tunnel.
func (p *Pool) Release(publicKey key.Key) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, err := p.Get(publicKey)
	if err != nil {
		return err
	}
	err = p.release(publicKey, a)
	if err != nil {
		return err
	}
	zap.S().Infof("released %s of %s.", a, publicKey)
	return nil
}

func (p *Pool) release(publicKey key.Key, a addr.Address) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(leaseKey(publicKey))
		if err != nil {
			return err
		}
		_, err = tx.Delete(addrKey(a))
		return err
	})
}
