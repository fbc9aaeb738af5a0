package control

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/leonitousconforti/the-wireguard-effect-sub000/config"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/key"
	"go.uber.org/zap"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultPollInterval = 1 * time.Second
)

// Client talks to the daemon of one interface.
// Operations are serialized; each opens its own connection.
type Client struct {
	Transport Transport
	Interface string

	// Timeout bounds each operation including connecting. Zero means DefaultTimeout.
	Timeout time.Duration
	// PollInterval is the period of StreamStats. Zero means DefaultPollInterval.
	PollInterval time.Duration
	// Resolver resolves hostname endpoints. Nil means net.DefaultResolver.
	Resolver *net.Resolver

	mu sync.Mutex
}

func NewClient(t Transport, iface string) *Client {
	return &Client{Transport: t, Interface: iface}
}

func (c *Client) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c *Client) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return c.PollInterval
}

// do runs f on a fresh connection bounded by the client's timeout.
func (c *Client) do(ctx context.Context, op string, f func(ctx context.Context, s *session) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	conn, err := c.Transport.Open(ctx, c.Interface)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: open %s: %w: %w", op, c.Interface, ctx.Err(), err)
		}
		return fmt.Errorf("%s: open %s: %w", op, c.Interface, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	err = f(ctx, newSession(op, conn))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w: %w", op, ctx.Err(), err)
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *Client) Get(ctx context.Context) (Device, error) {
	var d Device
	err := c.do(ctx, "get", func(_ context.Context, s *session) error {
		var err error
		d, err = s.get()
		return err
	})
	return d, err
}

// Set replaces the interface configuration and its whole peer set with cfg.
// The interface address is not part of the protocol and is ignored.
func (c *Client) Set(ctx context.Context, cfg config.Config) error {
	cfg, err := config.New(cfg)
	if err != nil {
		return err
	}
	return c.do(ctx, "set", func(ctx context.Context, s *session) error {
		body, err := c.encodeInterface(ctx, cfg)
		if err != nil {
			return err
		}
		zap.S().Debugf("setting %s to %s with %d peers.", c.Interface, cfg.PublicKey(), len(cfg.Peers))
		return s.set(body)
	})
}

// AddPeer adds p and checks that the daemon took it.
// Adding a peer that is already present is an error.
func (c *Client) AddPeer(ctx context.Context, p config.Peer) error {
	p, err := config.NewPeer(p)
	if err != nil {
		return err
	}
	return c.do(ctx, "add peer", func(ctx context.Context, s *session) error {
		before, err := s.get()
		if err != nil {
			return err
		}
		if _, ok := before.Peer(p.PublicKey); ok {
			return &ProtocolError{Op: s.op, Err: fmt.Errorf("%w: %s", ErrPeerExists, p.PublicKey)}
		}
		var b strings.Builder
		err = c.encodePeer(ctx, &b, p)
		if err != nil {
			return err
		}
		err = s.set(b.String())
		if err != nil {
			return err
		}
		// the daemon silently drops some peers (e.g. one with the interface's own key)
		after, err := s.get()
		if err != nil {
			return err
		}
		if _, ok := after.Peer(p.PublicKey); !ok {
			return &ProtocolError{Op: s.op, Err: fmt.Errorf("%w: %s", ErrPeerNotApplied, p.PublicKey)}
		}
		zap.S().Debugf("added peer %s to %s.", p.PublicKey, c.Interface)
		return nil
	})
}

// RemovePeer removes the peer with the given public key and checks that it is gone.
func (c *Client) RemovePeer(ctx context.Context, publicKey key.Key) error {
	return c.do(ctx, "remove peer", func(ctx context.Context, s *session) error {
		before, err := s.get()
		if err != nil {
			return err
		}
		if _, ok := before.Peer(publicKey); !ok {
			return &ProtocolError{Op: s.op, Err: fmt.Errorf("%w: %s", ErrPeerMissing, publicKey)}
		}
		var b strings.Builder
		encodeRemove(&b, publicKey)
		err = s.set(b.String())
		if err != nil {
			return err
		}
		after, err := s.get()
		if err != nil {
			return err
		}
		if _, ok := after.Peer(publicKey); ok {
			return &ProtocolError{Op: s.op, Err: fmt.Errorf("%w: %s", ErrPeerNotRemoved, publicKey)}
		}
		zap.S().Debugf("removed peer %s from %s.", publicKey, c.Interface)
		return nil
	})
}

// StreamStats polls the daemon every PollInterval, the first time immediately.
// The sequence ends when the consumer stops, when ctx is done, or after yielding the first poll error.
// Each iteration starts a new polling loop.
func (c *Client) StreamStats(ctx context.Context) iter.Seq2[[]PeerStats, error] {
	return func(yield func([]PeerStats, error) bool) {
		ticker := time.NewTicker(c.pollInterval())
		defer ticker.Stop()
		for {
			if ctx.Err() != nil {
				return
			}
			d, err := c.Get(ctx)
			if err != nil {
				if ctx.Err() == nil {
					yield(nil, err)
				}
				return
			}
			if !yield(d.Peers, nil) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}
