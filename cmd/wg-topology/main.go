package main

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/leonitousconforti/the-wireguard-effect-sub000/config"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/dns"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/topology"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/util"
	"go.uber.org/zap"
)

func main() {
	var declPath string
	var outDir string
	var network string
	var dnsRPC string
	flag.StringVar(&declPath, "decl", "", "path to network declaration (YAML)")
	flag.StringVar(&outDir, "out", ".", "directory to write <node>.conf files to")
	flag.StringVar(&network, "network", "", "network name for the DNS server (default: declaration file name)")
	flag.StringVar(&dnsRPC, "dns-rpc", "", "RPC socket of a wg-dns server to send the node names to")
	flag.Parse()
	util.SetupLog()
	defer util.S.Sync()

	d, err := topology.LoadDeclaration(declPath)
	if err != nil {
		zap.S().Fatalf("loading declaration failed: %s", err)
	}
	r, err := d.Generate()
	if err != nil {
		zap.S().Fatalf("generating %s network failed: %s", d.Topology, err)
	}
	zap.S().Infof("generated %s network with %d nodes.", d.Topology, len(r.Configs))

	err = os.MkdirAll(outDir, 0700)
	if err != nil {
		zap.S().Fatalf("creating %s failed: %s", outDir, err)
	}
	for _, nc := range r.Configs {
		path := filepath.Join(outDir, nc.Name+".conf")
		err = config.WriteFile(path, nc.Config)
		if err != nil {
			zap.S().Fatalf("writing config of %s failed: %s", nc.Name, err)
		}
		zap.S().Infof("wrote %s (%s, %d peers).", path, nc.Config.PublicKey(), len(nc.Config.Peers))
	}

	if dnsRPC == "" {
		return
	}
	if network == "" {
		network = trimExt(filepath.Base(declPath))
	}
	c, err := dns.DialRPC(dnsRPC)
	if err != nil {
		zap.S().Fatalf("connecting to dns server failed: %s", err)
	}
	defer c.Close()
	err = c.UpdateNetwork(dns.NetworkFrom(network, r))
	if err != nil {
		zap.S().Fatalf("updating dns server failed: %s", err)
	}
	zap.S().Infof("sent network %s to dns server.", network)
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
