package backend

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/leonitousconforti/the-wireguard-effect-sub000/addr"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/config"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/key"
)

func mustConfig(t *testing.T) config.Config {
	t.Helper()
	own, err := key.GeneratePair()
	if err != nil {
		t.Fatal(err)
	}
	peer, err := key.GeneratePair()
	if err != nil {
		t.Fatal(err)
	}
	e := addr.MustParseEndpoint("192.0.2.1:51820")
	c, err := config.New(config.Config{
		Address:    addr.MustParseCidr("10.0.0.1/24"),
		ListenPort: 51820,
		PrivateKey: own.Private,
		Peers: []config.Peer{{
			PublicKey:  peer.Public,
			Endpoint:   &e,
			AllowedIPs: []addr.CidrBlock{addr.MustParseCidr("10.0.0.2/32"), addr.MustParseCidr("192.168.5.0/24")},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

type fakeBackend struct {
	mu      sync.Mutex
	upErr   error
	downErr error
	ups     int
	downs   int
	// downCtxErr records ctx.Err() as seen by Down
	downCtxErr  error
	downScoped  bool
	blockUntil  <-chan struct{}
	upCtxScoped bool
}

func (b *fakeBackend) Up(ctx context.Context, iface string, cfg config.Config) error {
	b.mu.Lock()
	b.ups++
	b.upCtxScoped = scoped(ctx)
	b.mu.Unlock()
	if b.blockUntil != nil {
		select {
		case <-b.blockUntil:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return b.upErr
}

func (b *fakeBackend) Down(ctx context.Context, iface string, cfg config.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.downs++
	b.downCtxErr = ctx.Err()
	b.downScoped = scoped(ctx)
	return b.downErr
}

func TestScopeClosesOnce(t *testing.T) {
	b := &fakeBackend{}
	s, err := UpScoped(context.Background(), b, "wg0", mustConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	if !b.upCtxScoped {
		t.Fatal("Up was not told it runs in a scope")
	}
	if b.downs != 0 {
		t.Fatal("torn down before Close")
	}
	for range 3 {
		err = s.Close()
		if err != nil {
			t.Fatal(err)
		}
	}
	if b.ups != 1 || b.downs != 1 {
		t.Fatalf("ups = %d, downs = %d", b.ups, b.downs)
	}
	if !b.downScoped {
		t.Fatal("Down was not told it runs in a scope")
	}
}

func TestScopeUpFailure(t *testing.T) {
	boom := errors.New("boom")
	b := &fakeBackend{upErr: boom}
	s, err := UpScoped(context.Background(), b, "wg0", mustConfig(t))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v; want boom", err)
	}
	if s != nil {
		t.Fatal("scope returned on failure")
	}
	if b.downs != 1 {
		t.Fatalf("downs = %d; want 1", b.downs)
	}
}

func TestScopeTeardownError(t *testing.T) {
	upErr, downErr := errors.New("up failed"), errors.New("down failed")
	b := &fakeBackend{upErr: upErr, downErr: downErr}
	_, err := UpScoped(context.Background(), b, "wg0", mustConfig(t))
	if !errors.Is(err, upErr) || !errors.Is(err, downErr) {
		t.Fatalf("err = %v; want both errors", err)
	}

	b = &fakeBackend{downErr: downErr}
	s, err := UpScoped(context.Background(), b, "wg0", mustConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); !errors.Is(err, downErr) {
		t.Fatalf("close: err = %v", err)
	}
	if err := s.Close(); !errors.Is(err, downErr) {
		t.Fatalf("second close: err = %v", err)
	}
	if b.downs != 1 {
		t.Fatalf("downs = %d; want 1", b.downs)
	}
}

func TestScopeCancelledUp(t *testing.T) {
	b := &fakeBackend{blockUntil: make(chan struct{})}
	cfg := mustConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		_, err := UpScoped(ctx, b, "wg0", cfg)
		done <- err
	}()
	cancel()
	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v; want context.Canceled", err)
	}
	if b.downs != 1 {
		t.Fatalf("downs = %d; want 1", b.downs)
	}
	if b.downCtxErr != nil {
		t.Fatalf("teardown ran with a dead context: %s", b.downCtxErr)
	}
}

type removingTransport struct {
	removed []string
}

func (t *removingTransport) Open(ctx context.Context, iface string) (io.ReadWriteCloser, error) {
	return nil, errors.New("not listening")
}

func (t *removingTransport) Remove(iface string) error {
	t.removed = append(t.removed, iface)
	return nil
}

func TestDirect(t *testing.T) {
	tr := &removingTransport{}
	d := Direct{Transport: tr}
	err := d.Up(context.Background(), "wg0", mustConfig(t))
	if err == nil {
		t.Fatal("up without a daemon succeeded")
	}
	err = d.Down(context.Background(), "wg0", mustConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(tr.removed) != 1 || tr.removed[0] != "wg0" {
		t.Fatalf("removed = %v", tr.removed)
	}
}
