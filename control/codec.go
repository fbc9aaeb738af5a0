package control

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/leonitousconforti/the-wireguard-effect-sub000/addr"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/config"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/key"
	"go.uber.org/zap"
)

type pair struct{ k, v string }

// session is one open connection. Commands on it are strictly sequential.
type session struct {
	op string
	rw *bufio.ReadWriter
}

func newSession(op string, conn io.ReadWriter) *session {
	return &session{op: op, rw: bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))}
}

// roundTrip writes one command and reads its reply up to and including the errno trailer.
func (s *session) roundTrip(command string) ([]pair, error) {
	_, err := s.rw.WriteString(command)
	if err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	err = s.rw.Flush()
	if err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	var pairs []pair
	var errno int64
	sawErrno := false
	for {
		line, err := s.rw.ReadString('\n')
		if err == io.EOF {
			return nil, fmt.Errorf("read: %w", io.ErrUnexpectedEOF)
		}
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			if !sawErrno {
				return nil, &ProtocolError{Op: s.op, Err: fmt.Errorf("%w: reply ended without errno", ErrMalformedReply)}
			}
			break
		}
		if sawErrno {
			return nil, &ProtocolError{Op: s.op, Err: fmt.Errorf("%w: %q after errno", ErrMalformedReply, line)}
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, &ProtocolError{Op: s.op, Err: fmt.Errorf("%w: line %q", ErrMalformedReply, line)}
		}
		if k == "errno" {
			errno, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, &ProtocolError{Op: s.op, Err: fmt.Errorf("%w: errno %q", ErrMalformedReply, v)}
			}
			sawErrno = true
			continue
		}
		pairs = append(pairs, pair{k, v})
	}
	if errno > 0 {
		// some daemons report the positive value
		errno = -errno
	}
	if errno != 0 {
		return nil, &ProtocolError{Op: s.op, Errno: errno}
	}
	return pairs, nil
}

func (s *session) get() (Device, error) {
	pairs, err := s.roundTrip("get=1\n\n")
	if err != nil {
		return Device{}, err
	}
	d, err := parseDevice(pairs)
	if err != nil {
		return Device{}, &ProtocolError{Op: s.op, Err: fmt.Errorf("%w: %w", ErrMalformedReply, err)}
	}
	return d, nil
}

func (s *session) set(body string) error {
	pairs, err := s.roundTrip("set=1\n" + body + "\n")
	if err != nil {
		return err
	}
	if len(pairs) != 0 {
		zap.S().Debugf("%s: ignoring %d unexpected lines in set reply.", s.op, len(pairs))
	}
	return nil
}

func parseDevice(pairs []pair) (Device, error) {
	var d Device
	var peer *PeerStats
	var handshakeSec, handshakeNsec int64
	flush := func() {
		if peer == nil {
			return
		}
		if handshakeSec != 0 || handshakeNsec != 0 {
			peer.LastHandshake = time.Unix(handshakeSec, handshakeNsec)
		}
		d.Peers = append(d.Peers, *peer)
		peer = nil
		handshakeSec, handshakeNsec = 0, 0
	}
	for _, p := range pairs {
		if p.k == "public_key" {
			flush()
			k, err := key.ParseHex(p.v)
			if err != nil {
				return Device{}, fmt.Errorf("public_key: %w", err)
			}
			peer = &PeerStats{Peer: config.Peer{PublicKey: k}}
			continue
		}
		if peer == nil {
			err := parseInterfaceLine(&d, p)
			if err != nil {
				return Device{}, err
			}
			continue
		}
		err := parsePeerLine(peer, p, &handshakeSec, &handshakeNsec)
		if err != nil {
			return Device{}, fmt.Errorf("peer %s: %w", peer.PublicKey, err)
		}
	}
	flush()
	if !d.PrivateKey.IsZero() {
		d.PublicKey = d.PrivateKey.PublicKey()
	}
	return d, nil
}

func parseInterfaceLine(d *Device, p pair) error {
	switch p.k {
	case "private_key":
		k, err := key.ParseHex(p.v)
		if err != nil {
			return fmt.Errorf("private_key: %w", err)
		}
		d.PrivateKey = k
	case "listen_port":
		port, err := addr.ParsePort(p.v)
		if err != nil {
			return fmt.Errorf("listen_port: %w", err)
		}
		d.ListenPort = port
	case "fwmark":
		mark, err := strconv.ParseUint(p.v, 10, 32)
		if err != nil {
			return fmt.Errorf("fwmark: %w", err)
		}
		d.FirewallMark = uint32(mark)
	default:
		zap.S().Debugf("ignoring unknown interface key %s.", p.k)
	}
	return nil
}

func parsePeerLine(peer *PeerStats, p pair, handshakeSec, handshakeNsec *int64) error {
	var err error
	switch p.k {
	case "preshared_key":
		var k key.Key
		k, err = key.ParseHex(p.v)
		if err == nil && !k.IsZero() {
			peer.PresharedKey = &k
		}
	case "endpoint":
		var e addr.Endpoint
		e, err = addr.ParseEndpoint(p.v)
		if err == nil {
			peer.Endpoint = &e
		}
	case "allowed_ip":
		var c addr.CidrBlock
		c, err = addr.ParseCidr(p.v)
		if err == nil {
			peer.AllowedIPs = append(peer.AllowedIPs, c)
		}
	case "persistent_keepalive_interval":
		var secs uint64
		secs, err = strconv.ParseUint(p.v, 10, 16)
		peer.PersistentKeepalive = time.Duration(secs) * time.Second
	case "last_handshake_time_sec":
		*handshakeSec, err = strconv.ParseInt(p.v, 10, 64)
	case "last_handshake_time_nsec":
		*handshakeNsec, err = strconv.ParseInt(p.v, 10, 64)
	case "rx_bytes":
		peer.ReceiveBytes, err = strconv.ParseUint(p.v, 10, 64)
	case "tx_bytes":
		peer.TransmitBytes, err = strconv.ParseUint(p.v, 10, 64)
	case "protocol_version":
		peer.ProtocolVersion, err = strconv.Atoi(p.v)
	default:
		zap.S().Debugf("ignoring unknown peer key %s.", p.k)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", p.k, err)
	}
	return nil
}

// encodeInterface replaces every interface field and the whole peer set.
func (c *Client) encodeInterface(ctx context.Context, cfg config.Config) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", cfg.PrivateKey.Hex())
	fmt.Fprintf(&b, "listen_port=%d\n", cfg.ListenPort)
	if cfg.FirewallMark != 0 {
		fmt.Fprintf(&b, "fwmark=%d\n", cfg.FirewallMark)
	}
	b.WriteString("replace_peers=true\n")
	for _, p := range cfg.Peers {
		err := c.encodePeer(ctx, &b, p)
		if err != nil {
			return "", err
		}
	}
	return b.String(), nil
}

func (c *Client) encodePeer(ctx context.Context, b *strings.Builder, p config.Peer) error {
	fmt.Fprintf(b, "public_key=%s\n", p.PublicKey.Hex())
	if p.PresharedKey != nil {
		fmt.Fprintf(b, "preshared_key=%s\n", p.PresharedKey.Hex())
	}
	if p.Endpoint != nil {
		ap, err := c.resolve(ctx, *p.Endpoint)
		if err != nil {
			return fmt.Errorf("peer %s: %w", p.PublicKey, err)
		}
		fmt.Fprintf(b, "endpoint=%s\n", ap)
	}
	fmt.Fprintf(b, "persistent_keepalive_interval=%d\n", int(p.PersistentKeepalive/time.Second))
	b.WriteString("replace_allowed_ips=true\n")
	for _, allowedIP := range p.AllowedIPs {
		fmt.Fprintf(b, "allowed_ip=%s\n", allowedIP)
	}
	return nil
}

func encodeRemove(b *strings.Builder, publicKey key.Key) {
	fmt.Fprintf(b, "public_key=%s\n", publicKey.Hex())
	b.WriteString("remove=true\n")
}

// resolve turns an endpoint into the numeric form the daemon accepts.
func (c *Client) resolve(ctx context.Context, e addr.Endpoint) (netip.AddrPort, error) {
	switch e.Kind {
	case addr.HostIPv4, addr.HostIPv6:
		return netip.AddrPortFrom(e.Address.Netip(), uint16(e.NatPort)), nil
	case addr.HostName:
		r := c.Resolver
		if r == nil {
			r = net.DefaultResolver
		}
		ips, err := r.LookupNetIP(ctx, "ip", e.Hostname)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", e.Hostname, err)
		}
		if len(ips) == 0 {
			return netip.AddrPort{}, fmt.Errorf("resolve %s: no addresses", e.Hostname)
		}
		zap.S().Debugf("resolved %s to %s.", e.Hostname, ips[0])
		return netip.AddrPortFrom(ips[0].Unmap(), uint16(e.NatPort)), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("endpoint has unknown kind %s", e.Kind)
	}
}
