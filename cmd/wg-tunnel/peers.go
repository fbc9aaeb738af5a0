package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/leonitousconforti/the-wireguard-effect-sub000/addr"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/config"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/control"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/key"
)

func get(ctx context.Context) error {
	d, err := client().Get(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("interface: %s\n  public key: %s\n  listening port: %d\n", iface, d.PublicKey, d.ListenPort)
	if d.FirewallMark != 0 {
		fmt.Printf("  fwmark: %#x\n", d.FirewallMark)
	}
	printPeers(d.Peers)
	return nil
}

func stats(ctx context.Context) error {
	for peers, err := range client().StreamStats(ctx) {
		if err != nil {
			return err
		}
		printPeers(peers)
	}
	return nil
}

func printPeers(peers []control.PeerStats) {
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "PEER\tENDPOINT\tALLOWED IPS\tHANDSHAKE\tRX\tTX")
	for _, p := range peers {
		endpoint := "(none)"
		if p.Endpoint != nil {
			endpoint = p.Endpoint.DialString()
		}
		allowed := make([]string, len(p.AllowedIPs))
		for i, c := range p.AllowedIPs {
			allowed[i] = c.String()
		}
		handshake := "never"
		if !p.LastHandshake.IsZero() {
			handshake = p.LastHandshake.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n", p.PublicKey, endpoint, strings.Join(allowed, ","), handshake, p.ReceiveBytes, p.TransmitBytes)
	}
	w.Flush()
}

func addPeer(ctx context.Context, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("usage: add-peer <public key> <allowed ips> [endpoint]")
	}
	publicKey, err := key.Parse(args[0])
	if err != nil {
		return err
	}
	var allowedIPs []addr.CidrBlock
	for _, s := range strings.Split(args[1], ",") {
		c, err := addr.ParseCidr(strings.TrimSpace(s))
		if err != nil {
			return err
		}
		allowedIPs = append(allowedIPs, c)
	}
	p := config.Peer{PublicKey: publicKey, AllowedIPs: allowedIPs}
	if len(args) == 3 {
		e, err := addr.ParseEndpoint(args[2])
		if err != nil {
			return err
		}
		p.Endpoint = &e
	}
	return client().AddPeer(ctx, p)
}

func removePeer(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: remove-peer <public key>")
	}
	publicKey, err := key.Parse(args[0])
	if err != nil {
		return err
	}
	return client().RemovePeer(ctx, publicKey)
}
