package dns

import (
	"context"
	"net"
	"net/rpc"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/addr"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/topology"
	"github.com/miekg/dns"
)

func testResult() topology.Result {
	return topology.Result{Graph: topology.Graph{
		CIDR: addr.MustParseCidr("10.0.0.0/24"),
		Nodes: []topology.Node{
			{Name: "Alpha", Address: addr.MustParseAddress("10.0.0.1")},
			{Name: "beta", Address: addr.MustParseAddress("fd00::2")},
		},
	}}
}

func mustServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer([]Parent{{Suffix: "wg.internal", Network: "office"}})
	if err != nil {
		t.Fatal(err)
	}
	s.Update(NetworkFrom("office", testResult()))
	return s
}

func answers(m *dns.Msg) []string {
	var ret []string
	for _, rr := range m.Answer {
		switch rr := rr.(type) {
		case *dns.A:
			ret = append(ret, rr.A.String())
		case *dns.AAAA:
			ret = append(ret, rr.AAAA.String())
		}
	}
	return ret
}

func TestHandleQuery(t *testing.T) {
	s := mustServer(t)
	for _, tc := range []struct {
		name  string
		qtype uint16
		rcode int
		want  []string
	}{
		{"alpha.wg.internal.", dns.TypeA, dns.RcodeSuccess, []string{"10.0.0.1"}},
		{"ALPHA.Wg.Internal.", dns.TypeA, dns.RcodeSuccess, []string{"10.0.0.1"}},
		{"alpha.wg.internal.", dns.TypeAAAA, dns.RcodeSuccess, nil},
		{"beta.wg.internal.", dns.TypeAAAA, dns.RcodeSuccess, []string{"fd00::2"}},
		{"gamma.wg.internal.", dns.TypeA, dns.RcodeNameError, nil},
		{"x.alpha.wg.internal.", dns.TypeA, dns.RcodeNameError, nil},
		{"wg.internal.", dns.TypeA, dns.RcodeNameError, nil},
		{"alpha.example.com.", dns.TypeA, dns.RcodeNameError, nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := new(dns.Msg)
			m.SetQuestion(tc.name, tc.qtype)
			rcode := s.handleQuery(m)
			if rcode != tc.rcode {
				t.Fatalf("rcode = %s; want %s", dns.RcodeToString[rcode], dns.RcodeToString[tc.rcode])
			}
			if diff := cmp.Diff(tc.want, answers(m)); diff != "" {
				t.Fatalf("answers (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUnknownNetwork(t *testing.T) {
	s, err := NewServer([]Parent{{Suffix: "wg.internal", Network: "office"}})
	if err != nil {
		t.Fatal(err)
	}
	m := new(dns.Msg)
	m.SetQuestion("alpha.wg.internal.", dns.TypeA)
	if rcode := s.handleQuery(m); rcode != dns.RcodeNameError {
		t.Fatalf("rcode = %s before any update", dns.RcodeToString[rcode])
	}
}

func TestNewServerErrors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		parents []Parent
	}{
		{"none", nil},
		{"no suffix", []Parent{{Network: "office"}}},
		{"leading period", []Parent{{Suffix: ".wg.internal", Network: "office"}}},
		{"trailing period", []Parent{{Suffix: "wg.internal.", Network: "office"}}},
		{"no network", []Parent{{Suffix: "wg.internal"}}},
		{"duplicate", []Parent{{Suffix: "wg.internal", Network: "a"}, {Suffix: "WG.internal", Network: "b"}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewServer(tc.parents)
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestServeDNS(t *testing.T) {
	s := mustServer(t)
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.serveDNS(ctx, pc) }()

	m := new(dns.Msg)
	m.SetQuestion("alpha.wg.internal.", dns.TypeA)
	in, _, err := new(dns.Client).Exchange(m, pc.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"10.0.0.1"}, answers(in)); diff != "" {
		t.Fatalf("answers (-want +got):\n%s", diff)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serveDNS returned %s after cancel", err)
	}
}

func TestRPC(t *testing.T) {
	s, err := NewServer([]Parent{{Suffix: "wg.internal", Network: "office"}})
	if err != nil {
		t.Fatal(err)
	}
	serverConn, clientConn := net.Pipe()
	rs := rpc.NewServer()
	err = rs.Register(s.r)
	if err != nil {
		t.Fatal(err)
	}
	go rs.ServeConn(serverConn)
	c := NewRPCClient(rpc.NewClient(clientConn))
	defer c.Close()

	err = c.UpdateNetwork(NetworkFrom("office", testResult()))
	if err != nil {
		t.Fatal(err)
	}
	m := new(dns.Msg)
	m.SetQuestion("beta.wg.internal.", dns.TypeAAAA)
	if rcode := s.handleQuery(m); rcode != dns.RcodeSuccess {
		t.Fatalf("rcode = %s", dns.RcodeToString[rcode])
	}
	if diff := cmp.Diff([]string{"fd00::2"}, answers(m)); diff != "" {
		t.Fatalf("answers (-want +got):\n%s", diff)
	}
}
