package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/leonitousconforti/the-wireguard-effect-sub000/dns"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Parents []dns.Parent
}

func main() {
	var configPath string
	var socketPath string
	var addr string
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.StringVar(&socketPath, "rpc-listen", "", "socket to listen on for RPC. NOTE that sockets must be made in a private parent directory, as anyone with access to this socket can change the answers of the DNS server.")
	flag.StringVar(&addr, "dns-listen", "", "UDP address to listen on for DNS")
	flag.Parse()
	util.SetupLog()
	defer util.S.Sync()

	configData, err := os.ReadFile(configPath)
	if err != nil {
		zap.S().Fatalf("reading config file failed: %s", err)
	}
	var config Config
	err = json.Unmarshal(configData, &config)
	if err != nil {
		zap.S().Fatalf("parsing config file failed: %s", err)
	}
	data, err := json.Marshal(config)
	if err != nil {
		panic(err)
	}
	zap.S().Infof("parsed config:\n%s", data)

	s, err := dns.NewServer(config.Parents)
	if err != nil {
		zap.S().Fatalf("%s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.ListenRPC(ctx, socketPath) })
	g.Go(func() error { return s.ListenDNS(ctx, addr) })
	err = util.Notify("READY=1\nSTATUS=listening on both RPC and DNS…")
	if err != nil {
		zap.S().Infof("notify: %s", err)
	}
	err = g.Wait()
	if err != nil {
		zap.S().Fatalf("serving failed: %s", err)
	}
	zap.S().Info("stopped.")
}
