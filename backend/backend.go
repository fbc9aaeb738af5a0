// Package backend brings tunnel interfaces up and down.
//
// A Backend is one strategy for doing so: Direct speaks the control protocol to a running daemon,
// Helper drives external tools (wg-quick or the Windows tunnel service), and Kernel (linux only)
// configures kernel devices through netlink.
package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/leonitousconforti/the-wireguard-effect-sub000/config"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/control"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Backend interface {
	Up(ctx context.Context, iface string, cfg config.Config) error
	Down(ctx context.Context, iface string, cfg config.Config) error
}

// TeardownTimeout bounds the teardown of a Scope.
var TeardownTimeout = 30 * time.Second

type scopeKey struct{}

func withScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, scopeKey{}, true)
}

// scoped reports whether the call is made on behalf of a Scope, which owns what it starts.
func scoped(ctx context.Context) bool {
	v, _ := ctx.Value(scopeKey{}).(bool)
	return v
}

// Scope is an interface that is up until Close.
type Scope struct {
	Backend Backend
	Iface   string
	Config  config.Config

	once sync.Once
	err  error
}

// UpScoped brings iface up. If that fails (including by cancellation of ctx), what was set up is torn
// down before returning. Otherwise the returned Scope tears it down on Close.
func UpScoped(ctx context.Context, b Backend, iface string, cfg config.Config) (*Scope, error) {
	s := &Scope{Backend: b, Iface: iface, Config: cfg}
	err := b.Up(withScope(ctx), iface, cfg)
	if err != nil {
		err = fmt.Errorf("up %s: %w", iface, err)
		return nil, multierr.Append(err, s.teardown(context.WithoutCancel(ctx)))
	}
	return s, nil
}

// Close tears the interface down. Only the first call does anything; later calls return the same error.
func (s *Scope) Close() error {
	return s.teardown(context.Background())
}

func (s *Scope) teardown(ctx context.Context) error {
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, TeardownTimeout)
		defer cancel()
		zap.S().Debugf("tearing down %s.", s.Iface)
		err := s.Backend.Down(withScope(ctx), s.Iface, s.Config)
		if err != nil {
			zap.S().Errorf("tearing down %s: %s", s.Iface, err)
			s.err = fmt.Errorf("down %s: %w", s.Iface, err)
		}
	})
	return s.err
}

// Direct configures an interface whose userspace daemon is already listening.
type Direct struct {
	Transport control.Transport
	// Timeout is per round trip; see control.Client.
	Timeout time.Duration
}

func (d Direct) client(iface string) *control.Client {
	c := control.NewClient(d.Transport, iface)
	c.Timeout = d.Timeout
	return c
}

func (d Direct) Up(ctx context.Context, iface string, cfg config.Config) error {
	return d.client(iface).Set(ctx, cfg)
}

// Down removes the control socket, which stops the daemon. It fails if the transport cannot do that.
func (d Direct) Down(ctx context.Context, iface string, cfg config.Config) error {
	r, ok := d.Transport.(control.Remover)
	if !ok {
		return fmt.Errorf("transport %T cannot remove %s", d.Transport, iface)
	}
	zap.S().Debugf("removing control socket of %s.", iface)
	return r.Remove(iface)
}
