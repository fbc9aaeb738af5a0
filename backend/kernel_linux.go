//go:build linux

package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/leonitousconforti/the-wireguard-effect-sub000/config"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl"
)

// Kernel manages kernel WireGuard devices. It needs CAP_NET_ADMIN.
type Kernel struct {
	wg     *wgctrl.Client
	handle *netlink.Handle
}

func NewKernel() (*Kernel, error) {
	wg, err := wgctrl.New()
	if err != nil {
		return nil, err
	}
	handle, err := netlink.NewHandle()
	if err != nil {
		wg.Close()
		return nil, err
	}
	return &Kernel{wg: wg, handle: handle}, nil
}

func (k *Kernel) Close() error {
	k.handle.Close()
	return k.wg.Close()
}

func wireguardLink(iface string) *netlink.GenericLink {
	return &netlink.GenericLink{
		LinkAttrs: netlink.LinkAttrs{Name: iface},
		LinkType:  "wireguard",
	}
}

// Up creates iface and configures it. On failure everything done so far is undone.
func (k *Kernel) Up(ctx context.Context, iface string, cfg config.Config) (err error) {
	// Steps:
	// - add link
	// - configure wg interface
	// - add address
	// - set up link
	// - add routes

	if len(iface) > 15 {
		return errors.New("interface name too long (max 15)")
	}
	wc, err := wgConfig(cfg)
	if err != nil {
		return err
	}

	// === add link ===
	// ip link add dev <iface> type wireguard
	zap.S().Debugf("adding link %s.", iface)
	err = k.handle.LinkAdd(wireguardLink(iface))
	if err != nil {
		return fmt.Errorf("adding link %s: %w", iface, err)
	}
	// CLEANUP: clean up created link (takes address and routes with it)
	defer func() {
		if err == nil {
			return
		}
		err2 := k.handle.LinkDel(wireguardLink(iface))
		if err2 != nil {
			zap.S().Infof("cleanup: undoing: adding link %s failed: %s", iface, err2)
		}
	}()
	link, err := k.handle.LinkByName(iface)
	if err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}

	// === configure wg interface ===
	zap.S().Debugf("configuring wg interface %s with %d peers.", iface, len(cfg.Peers))
	err = k.wg.ConfigureDevice(iface, wc)
	if err != nil {
		return fmt.Errorf("configuring wg interface: %w", err)
	}

	// === add address ===
	zap.S().Debugf("adding address %s to wg interface.", cfg.Address)
	ipnet := cfg.Address.IPNet()
	err = k.handle.AddrAdd(link, &netlink.Addr{IPNet: &ipnet})
	if err != nil {
		return fmt.Errorf("adding address %s to wg interface failed: %w", cfg.Address, err)
	}

	zap.S().Debug("set up link")
	err = k.handle.LinkSetUp(link)
	if err != nil {
		return fmt.Errorf("link set up: %w", err)
	}
	if err = ctx.Err(); err != nil {
		return err
	}

	err = k.applyRoutes(link, routeTasks(config.Config{}, cfg))
	if err != nil {
		return err
	}
	zap.S().Infof("%s is up (%s).", iface, cfg.PublicKey())
	return nil
}

// Sync reconfigures an interface brought up with from so that it matches to.
func (k *Kernel) Sync(ctx context.Context, iface string, from, to config.Config) error {
	if from.Address != to.Address {
		return fmt.Errorf("cannot change the address of %s from %s to %s", iface, from.Address, to.Address)
	}
	link, err := k.handle.LinkByName(iface)
	if err != nil {
		return err
	}
	wc, err := wgConfig(to)
	if err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}
	zap.S().Debugf("configuring wg interface %s with %d peers.", iface, len(to.Peers))
	err = k.wg.ConfigureDevice(iface, wc)
	if err != nil {
		return fmt.Errorf("configuring wg interface: %w", err)
	}
	return k.applyRoutes(link, routeTasks(from, to))
}

func (k *Kernel) applyRoutes(link netlink.Link, tasks []routeTask) (err error) {
	tasksStrings := make([]string, len(tasks))
	for i, task := range tasks {
		tasksStrings[i] = task.String()
	}
	zap.S().Debugf("changing %d routes to wg interface:\n%s", len(tasks), strings.Join(tasksStrings, "\n"))

	var taskDone int
	defer func() {
		if err == nil {
			return
		}
		for i := 0; i < taskDone; i++ {
			task := tasks[i]
			route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: dst(task.dst)}
			if task.add {
				zap.S().Debugf("cleanup: undoing: adding route %s to wg interface", task.dst)
				err2 := k.handle.RouteDel(route)
				if err2 != nil {
					zap.S().Debugf("cleanup: undoing: adding route %s to wg interface failed: %s", task.dst, err2)
				}
			} else {
				zap.S().Debugf("cleanup: undoing: removing route %s from wg interface", task.dst)
				err2 := k.handle.RouteAdd(route)
				if err2 != nil {
					zap.S().Debugf("cleanup: undoing: removing route %s from wg interface failed: %s", task.dst, err2)
				}
			}
		}
	}()
	for i, task := range tasks {
		route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: dst(task.dst)}
		if task.add {
			err = k.handle.RouteAdd(route)
			if err != nil {
				return fmt.Errorf("adding route %s to wg interface failed: %w", task.dst, err)
			}
		} else {
			err = k.handle.RouteDel(route)
			if err != nil {
				return fmt.Errorf("removing route %s from wg interface failed: %w", task.dst, err)
			}
		}
		taskDone = i + 1
	}
	return nil
}

// Down deletes iface. Its address and routes go with it.
func (k *Kernel) Down(ctx context.Context, iface string, cfg config.Config) error {
	link, err := k.handle.LinkByName(iface)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			zap.S().Debugf("link %s is already gone.", iface)
			return nil
		}
		return err
	}
	zap.S().Debugf("deleting link %s.", iface)
	err = k.handle.LinkDel(link)
	if err != nil {
		return fmt.Errorf("deleting link %s: %w", iface, err)
	}
	return nil
}
