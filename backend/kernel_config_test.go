package backend

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/addr"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/config"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func TestWgConfig(t *testing.T) {
	cfg := mustConfig(t)
	cfg.Peers[0].PersistentKeepalive = 25 * time.Second
	wc, err := wgConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if *wc.PrivateKey != wgtypes.Key(cfg.PrivateKey) || *wc.ListenPort != 51820 || !wc.ReplacePeers {
		t.Fatalf("interface = %+v", wc)
	}
	if wc.FirewallMark != nil {
		t.Fatal("zero firewall mark was set")
	}
	if len(wc.Peers) != 1 {
		t.Fatalf("%d peers", len(wc.Peers))
	}
	p := wc.Peers[0]
	if p.PublicKey != wgtypes.Key(cfg.Peers[0].PublicKey) || p.PresharedKey != nil {
		t.Fatalf("peer keys = %+v", p)
	}
	if p.Endpoint.String() != "192.0.2.1:51820" {
		t.Fatalf("endpoint = %s", p.Endpoint)
	}
	if *p.PersistentKeepaliveInterval != 25*time.Second || !p.ReplaceAllowedIPs {
		t.Fatalf("peer = %+v", p)
	}
	got := make([]string, len(p.AllowedIPs))
	for i, ipnet := range p.AllowedIPs {
		got[i] = ipnet.String()
	}
	if diff := cmp.Diff([]string{"10.0.0.2/32", "192.168.5.0/24"}, got); diff != "" {
		t.Fatalf("allowed IPs (-want +got):\n%s", diff)
	}
}

func TestRouteTasks(t *testing.T) {
	from := mustConfig(t)
	// the connected route of 10.0.0.1/24 covers 10.0.0.2/32
	got := routeTasks(config.Config{}, from)
	if diff := cmp.Diff([]string{"+ 192.168.5.0/24"}, taskStrings(got)); diff != "" {
		t.Fatalf("up (-want +got):\n%s", diff)
	}

	to := from.Clone()
	to.Peers[0].AllowedIPs = []addr.CidrBlock{addr.MustParseCidr("10.0.0.2/32"), addr.MustParseCidr("192.168.6.0/24"), addr.MustParseCidr("10.0.0.0/16")}
	got = routeTasks(from, to)
	if diff := cmp.Diff([]string{"+ 192.168.6.0/24", "+ 10.0.0.0/16", "- 192.168.5.0/24"}, taskStrings(got)); diff != "" {
		t.Fatalf("sync (-want +got):\n%s", diff)
	}

	got = routeTasks(to, config.Config{Address: to.Address})
	if diff := cmp.Diff([]string{"- 192.168.6.0/24", "- 10.0.0.0/16"}, taskStrings(got)); diff != "" {
		t.Fatalf("remove (-want +got):\n%s", diff)
	}
}

func taskStrings(tasks []routeTask) []string {
	ret := make([]string, len(tasks))
	for i, task := range tasks {
		ret[i] = task.String()
	}
	return ret
}

func TestDst(t *testing.T) {
	if got := dst(addr.MustParseCidr("192.168.5.7/24")).String(); got != "192.168.5.0/24" {
		t.Fatalf("dst = %s", got)
	}
}
