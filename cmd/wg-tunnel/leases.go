package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/leonitousconforti/the-wireguard-effect-sub000/addr"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/config"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/key"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/lease"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/util"
	"go.uber.org/zap"
)

func serveLeases(ctx context.Context) error {
	cfg, err := readConfig(configPath)
	if err != nil {
		return err
	}
	block := addr.CidrBlock{Address: cfg.Address.NetworkAddress(), Mask: cfg.Address.Mask}
	if pool != "" {
		block, err = addr.ParseCidr(pool)
		if err != nil {
			return fmt.Errorf("-pool: %w", err)
		}
	}
	opts := lease.ServerOptions{PublicKey: cfg.PublicKey(), Keepalive: keepalive}
	if endpoint != "" {
		e, err := addr.ParseEndpoint(endpoint)
		if err != nil {
			return fmt.Errorf("-endpoint: %w", err)
		}
		opts.Endpoint = &e
	}

	c := client()
	p, err := lease.Open(leaseDB, block, c, cfg.Address.Address)
	if err != nil {
		return err
	}
	defer p.Close()

	server := &http.Server{Addr: listen, Handler: lease.NewServer(p, c, opts)}
	stop := context.AfterFunc(ctx, func() { server.Close() })
	defer stop()
	zap.S().Infof("leasing %s on %s.", block, listen)
	err = util.Notify("READY=1\nSTATUS=serving…")
	if err != nil {
		zap.S().Infof("notify: %s", err)
	}
	err = server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func leaseAddress(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: lease <url>")
	}
	var private key.Key
	if privateKey != "" {
		var err error
		private, err = key.Parse(privateKey)
		if err != nil {
			return fmt.Errorf("-private-key: %w", err)
		}
	} else {
		pair, err := key.GeneratePair()
		if err != nil {
			return err
		}
		private = pair.Private
	}
	c, err := lease.NewClient(args[0], nil)
	if err != nil {
		return err
	}
	g, err := c.Lease(ctx, private.PublicKey())
	if err != nil {
		return err
	}
	cfg, err := g.Config(private)
	if err != nil {
		return err
	}
	zap.S().Infof("leased %s.", g.Address)
	fmt.Print(config.Encode(cfg))
	return nil
}
