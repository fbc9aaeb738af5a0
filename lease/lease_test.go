package lease

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/addr"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/config"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/control"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/key"
)

// fakeDevice keeps peers with their last handshake.
type fakeDevice struct {
	mu         sync.Mutex
	handshakes map[key.Key]time.Time
	allowed    map[key.Key][]addr.CidrBlock
	removed    []key.Key
	gets       int
	removeErr  error
	addErr     error
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{handshakes: map[key.Key]time.Time{}, allowed: map[key.Key][]addr.CidrBlock{}}
}

func (d *fakeDevice) Get(ctx context.Context) (control.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gets++
	var dev control.Device
	for k, t := range d.handshakes {
		dev.Peers = append(dev.Peers, control.PeerStats{
			Peer:          config.Peer{PublicKey: k, AllowedIPs: d.allowed[k]},
			LastHandshake: t,
		})
	}
	return dev, nil
}

func (d *fakeDevice) AddPeer(ctx context.Context, p config.Peer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.addErr != nil {
		return d.addErr
	}
	if _, ok := d.handshakes[p.PublicKey]; ok {
		return fmt.Errorf("add peer %s: %w", p.PublicKey, control.ErrPeerExists)
	}
	d.handshakes[p.PublicKey] = time.Time{}
	d.allowed[p.PublicKey] = p.AllowedIPs
	return nil
}

func (d *fakeDevice) RemovePeer(ctx context.Context, publicKey key.Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removeErr != nil {
		return d.removeErr
	}
	if _, ok := d.handshakes[publicKey]; !ok {
		return fmt.Errorf("remove peer %s: %w", publicKey, control.ErrPeerMissing)
	}
	delete(d.handshakes, publicKey)
	delete(d.allowed, publicKey)
	d.removed = append(d.removed, publicKey)
	return nil
}

func (d *fakeDevice) failAdds(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addErr = err
}

func (d *fakeDevice) handshake(k key.Key, t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handshakes[k] = t
}

func (d *fakeDevice) has(k key.Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.handshakes[k]
	return ok
}

func (d *fakeDevice) allowedIPs(k key.Key) []addr.CidrBlock {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allowed[k]
}

func mustKeys(t *testing.T, n int) []key.Key {
	t.Helper()
	keys := make([]key.Key, n)
	for i := range keys {
		pair, err := key.GeneratePair()
		if err != nil {
			t.Fatal(err)
		}
		keys[i] = pair.Public
	}
	return keys
}

func mustOpen(t *testing.T, path string, block string, ctl Controller, reserved ...addr.Address) *Pool {
	t.Helper()
	p, err := Open(path, addr.MustParseCidr(block), ctl, reserved...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func mustLease(t *testing.T, p *Pool, k key.Key, want string) {
	t.Helper()
	a, _, err := p.Lease(context.Background(), k)
	if err != nil {
		t.Fatal(err)
	}
	if a.String() != want {
		t.Fatalf("leased %s; want %s", a, want)
	}
}

func TestLeaseLowestFree(t *testing.T) {
	keys := mustKeys(t, 3)
	p := mustOpen(t, ":memory:", "10.0.0.0/29", newFakeDevice(), addr.MustParseAddress("10.0.0.1"))
	mustLease(t, p, keys[0], "10.0.0.2")
	mustLease(t, p, keys[1], "10.0.0.3")
	mustLease(t, p, keys[0], "10.0.0.2")

	leases, err := p.Leases()
	if err != nil {
		t.Fatal(err)
	}
	want := []Lease{
		{keys[0], addr.MustParseAddress("10.0.0.2")},
		{keys[1], addr.MustParseAddress("10.0.0.3")},
	}
	if diff := cmp.Diff(want, leases); diff != "" {
		t.Fatalf("leases (-want +got):\n%s", diff)
	}

	err = p.Release(keys[0])
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Release(keys[0]); !errors.Is(err, ErrNoLease) {
		t.Fatalf("second release: err = %v", err)
	}
	if _, err := p.Get(keys[0]); !errors.Is(err, ErrNoLease) {
		t.Fatalf("get after release: err = %v", err)
	}
	mustLease(t, p, keys[2], "10.0.0.2")
}

func TestLeaseEvictsOldest(t *testing.T) {
	keys := mustKeys(t, 4)
	dev := newFakeDevice()
	p := mustOpen(t, ":memory:", "10.0.0.0/30", dev)
	mustLease(t, p, keys[0], "10.0.0.1")
	mustLease(t, p, keys[1], "10.0.0.2")
	if dev.gets != 0 {
		t.Fatal("asked the device while addresses were free")
	}
	base := time.Unix(1700000000, 0)
	dev.handshake(keys[0], base.Add(100*time.Second))
	dev.handshake(keys[1], base.Add(50*time.Second))

	mustLease(t, p, keys[2], "10.0.0.2")
	if diff := cmp.Diff([]key.Key{keys[1]}, dev.removed); diff != "" {
		t.Fatalf("removed (-want +got):\n%s", diff)
	}
	if _, err := p.Get(keys[1]); !errors.Is(err, ErrNoLease) {
		t.Fatalf("evicted peer still leased: %v", err)
	}

	// keys[2] is not on the device, so it counts as never handshaked
	mustLease(t, p, keys[3], "10.0.0.2")
	if diff := cmp.Diff([]key.Key{keys[1]}, dev.removed); diff != "" {
		t.Fatalf("removed (-want +got):\n%s", diff)
	}
}

func TestLeaseEvictTie(t *testing.T) {
	keys := mustKeys(t, 3)
	dev := newFakeDevice()
	p := mustOpen(t, ":memory:", "10.0.0.0/30", dev)
	mustLease(t, p, keys[0], "10.0.0.1")
	mustLease(t, p, keys[1], "10.0.0.2")
	// neither ever handshaked: the lower address goes
	mustLease(t, p, keys[2], "10.0.0.1")
}

func TestLeaseExhausted(t *testing.T) {
	keys := mustKeys(t, 1)
	dev := newFakeDevice()
	p := mustOpen(t, ":memory:", "10.0.0.0/31", dev)
	_, _, err := p.Lease(context.Background(), keys[0])
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v; want ErrExhausted", err)
	}
	if dev.gets != 0 {
		t.Fatal("asked the device with nothing to evict")
	}
}

func TestLeaseEvictFailure(t *testing.T) {
	keys := mustKeys(t, 2)
	dev := newFakeDevice()
	p := mustOpen(t, ":memory:", "10.0.0.0/30", dev, addr.MustParseAddress("10.0.0.1"))
	mustLease(t, p, keys[0], "10.0.0.2")
	boom := errors.New("daemon gone")
	dev.removeErr = boom
	_, _, err := p.Lease(context.Background(), keys[1])
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	mustLease(t, p, keys[0], "10.0.0.2")
	if _, err := p.Get(keys[1]); !errors.Is(err, ErrNoLease) {
		t.Fatalf("failed lease was stored: %v", err)
	}
}

func TestLeaseCreated(t *testing.T) {
	keys := mustKeys(t, 1)
	p := mustOpen(t, ":memory:", "10.0.0.0/29", newFakeDevice())
	ctx := context.Background()
	_, created, err := p.Lease(ctx, keys[0])
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("first lease not reported as created")
	}
	_, created, err = p.Lease(ctx, keys[0])
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("repeated lease reported as created")
	}
}

func TestLeaseIPv6(t *testing.T) {
	keys := mustKeys(t, 2)
	p := mustOpen(t, ":memory:", "fd00::/64", newFakeDevice(), addr.MustParseAddress("fd00::1"))
	mustLease(t, p, keys[0], "fd00::2")
	mustLease(t, p, keys[1], "fd00::3")
}

func TestLeasePersists(t *testing.T) {
	keys := mustKeys(t, 1)
	path := filepath.Join(t.TempDir(), "leases.db")
	p, err := Open(path, addr.MustParseCidr("10.0.0.0/24"), newFakeDevice())
	if err != nil {
		t.Fatal(err)
	}
	mustLease(t, p, keys[0], "10.0.0.1")
	err = p.Close()
	if err != nil {
		t.Fatal(err)
	}

	p = mustOpen(t, path, "10.0.0.0/24", newFakeDevice())
	a, err := p.Get(keys[0])
	if err != nil {
		t.Fatal(err)
	}
	if a.String() != "10.0.0.1" {
		t.Fatalf("reopened lease = %s", a)
	}
	p.Close()

	_, err = Open(path, addr.MustParseCidr("10.1.0.0/24"), newFakeDevice())
	if err == nil {
		t.Fatal("opened with a block not holding the stored leases")
	}
}
