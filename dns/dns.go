// Package dns answers A and AAAA queries for the node names of generated networks.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/rpc"
	"slices"
	"strings"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// Parent maps the names under Suffix to the nodes of Network:
// <node>.<Suffix> resolves to the tunnel addresses of node.
type Parent struct {
	// Suffix must not start or end with a period, e.g. "wg.internal".
	Suffix  string
	Network string
}

type Server struct {
	r       *RPCServer
	parents []Parent
}

func NewServer(parents []Parent) (*Server, error) {
	if len(parents) == 0 {
		return nil, errors.New("must have at least one parent")
	}
	parents = slices.Clone(parents)
	// === check config ===
	suffixes := map[string]int{}
	for i, parent := range parents {
		if parent.Suffix == "" {
			return nil, fmt.Errorf("parent index %d: no suffix", i)
		}
		if strings.HasPrefix(parent.Suffix, ".") || strings.HasSuffix(parent.Suffix, ".") {
			return nil, fmt.Errorf("parent index %d: suffix must not start or end with a period", i)
		}
		if parent.Network == "" {
			return nil, fmt.Errorf("parent index %d: no network", i)
		}
		suffix := strings.ToLower(parent.Suffix)
		if j, ok := suffixes[suffix]; ok {
			return nil, fmt.Errorf("parent index %d and %d have duplicate suffixes", i, j)
		}
		suffixes[suffix] = i
		parents[i].Suffix = suffix
	}

	return &Server{
		r:       NewRPCServer(),
		parents: parents,
	}, nil
}

// Update replaces the nodes of n.Name. It is what the RPC server calls too.
func (s *Server) Update(n Network) {
	s.r.update(n)
}

// ListenDNS answers queries on the UDP address addr until ctx is done.
func (s *Server) ListenDNS(ctx context.Context, addr string) error {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	zap.S().Infof("listening for DNS on %s.", pc.LocalAddr())
	return s.serveDNS(ctx, pc)
}

func (s *Server) serveDNS(ctx context.Context, pc net.PacketConn) error {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handle)
	server := &dns.Server{PacketConn: pc, Handler: mux}
	stop := context.AfterFunc(ctx, func() { pc.Close() })
	defer stop()
	err := server.ActivateAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// ListenRPC accepts RPC connections on the unix socket socketPath until ctx is done.
// Anyone able to connect can change the answers of the server, so the socket must live in a private directory.
func (s *Server) ListenRPC(ctx context.Context, socketPath string) error {
	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	zap.S().Infof("listening for RPC on %s.", socketPath)
	rs := rpc.NewServer()
	err = rs.Register(s.r)
	if err != nil {
		lis.Close()
		return err
	}
	stop := context.AfterFunc(ctx, func() { lis.Close() })
	defer stop()
	rs.Accept(lis)
	if ctx.Err() != nil {
		return nil
	}
	return errors.New("rpc listener closed")
}

func (s *Server) handle(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Compress = false
	switch r.Opcode {
	case dns.OpcodeQuery:
		m.MsgHdr.Rcode = s.handleQuery(m)
	default:
		m.MsgHdr.Rcode = dns.RcodeNotImplemented
	}
	err := w.WriteMsg(m)
	if err != nil {
		zap.S().Debugf("writing reply to %s failed: %s", w.RemoteAddr(), err)
	}
}

// handleQuery adds the answers for the questions of r and returns the rcode.
func (s *Server) handleQuery(r *dns.Msg) int {
	for _, q := range r.Question {
		rcode := s.handleQuestion(r, q)
		if rcode != dns.RcodeSuccess {
			return rcode
		}
	}
	return dns.RcodeSuccess
}

func (s *Server) handleQuestion(r *dns.Msg, q dns.Question) int {
	name := strings.ToLower(strings.TrimSuffix(q.Name, "."))
	for _, parent := range s.parents {
		node, ok := strings.CutSuffix(name, "."+parent.Suffix)
		if !ok || node == "" || strings.Contains(node, ".") {
			continue
		}
		addresses, ok := s.r.lookup(parent.Network, node)
		if !ok {
			zap.S().Debugf("%s/%s not found.", parent.Network, node)
			return dns.RcodeNameError
		}
		returnAddresses(r, q, addresses)
		return dns.RcodeSuccess
	}
	return dns.RcodeNameError
}

// returnAddresses answers q with the addresses of its type. A node without one gets an empty answer.
func returnAddresses(r *dns.Msg, q dns.Question, addresses []netip.Addr) {
	for _, a := range addresses {
		switch {
		case q.Qtype == dns.TypeA && a.Is4():
			r.Answer = append(r.Answer, &dns.A{
				Hdr: dns.RR_Header{
					Name:   q.Name,
					Rrtype: dns.TypeA,
					Class:  dns.ClassINET,
					Ttl:    0,
				},
				A: net.IP(a.AsSlice()),
			})
		case q.Qtype == dns.TypeAAAA && a.Is6():
			r.Answer = append(r.Answer, &dns.AAAA{
				Hdr: dns.RR_Header{
					Name:   q.Name,
					Rrtype: dns.TypeAAAA,
					Class:  dns.ClassINET,
					Ttl:    0,
				},
				AAAA: net.IP(a.AsSlice()),
			})
		}
	}
}
