package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sync"
	"time"

	"github.com/leonitousconforti/the-wireguard-effect-sub000/config"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Platform int

const (
	// PlatformPOSIX uses wg-quick.
	PlatformPOSIX Platform = iota + 1
	// PlatformWindows installs the tunnel as a service.
	PlatformWindows
)

func (p Platform) String() string {
	switch p {
	case PlatformPOSIX:
		return "posix"
	case PlatformWindows:
		return "windows"
	default:
		return fmt.Sprintf("Platform(%d)", int(p))
	}
}

func HostPlatform() Platform {
	if runtime.GOOS == "windows" {
		return PlatformWindows
	}
	return PlatformPOSIX
}

// DaemonSpec describes a userspace daemon that must run before the tunnel can come up.
type DaemonSpec struct {
	Path string
	// Args come before the interface name.
	Args []string
	// Ready matches the line the daemon prints once it accepts commands. Nil means not waiting.
	Ready *regexp.Regexp
}

// Helper brings tunnels up with the platform's tools.
type Helper struct {
	Platform Platform
	Launcher Launcher
	Runner   Runner

	// Daemon is started before bringing the tunnel up. Nil means the tools need no daemon.
	Daemon *DaemonSpec

	// QuickCommand defaults to "wg-quick".
	QuickCommand string
	// ServiceCommand defaults to "wireguard".
	ServiceCommand string

	// Timeout bounds each Up and Down. Zero means no timeout besides ctx.
	Timeout time.Duration
	// TempDir holds the per-call config directories. Empty means os.TempDir.
	TempDir string

	mu sync.Mutex
	// daemons owned by a Scope, by interface
	daemons map[string]Process
}

func (h *Helper) quickCommand() string {
	if h.QuickCommand == "" {
		return "wg-quick"
	}
	return h.QuickCommand
}

func (h *Helper) serviceCommand() string {
	if h.ServiceCommand == "" {
		return "wireguard"
	}
	return h.ServiceCommand
}

func (h *Helper) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.Timeout)
}

// writeConfig writes cfg to <tmp>/<iface>.conf and returns the path and a function removing it.
func (h *Helper) writeConfig(iface string, cfg config.Config) (path string, cleanup func(), err error) {
	dir, err := os.MkdirTemp(h.TempDir, "wg-effect-")
	if err != nil {
		return "", nil, err
	}
	cleanup = func() {
		err := os.RemoveAll(dir)
		if err != nil {
			zap.S().Infof("cleanup: removing %s failed: %s", dir, err)
		}
	}
	path = filepath.Join(dir, iface+".conf")
	err = config.WriteFile(path, cfg)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	return path, cleanup, nil
}

func (h *Helper) Up(ctx context.Context, iface string, cfg config.Config) (err error) {
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()

	if h.Daemon != nil {
		owned := scoped(ctx)
		zap.S().Debugf("starting %s for %s.", h.Daemon.Path, iface)
		var p Process
		p, err = h.Launcher.Spawn(ctx, h.Daemon.Path, append(append([]string{}, h.Daemon.Args...), iface), SpawnOptions{Detached: !owned, LogDir: h.TempDir})
		if err != nil {
			return fmt.Errorf("starting daemon: %w", err)
		}
		// CLEANUP: stop the daemon this call started
		defer func() {
			if err == nil {
				return
			}
			err2 := p.Kill()
			if err2 != nil {
				zap.S().Infof("cleanup: undoing: starting %s failed: %s", h.Daemon.Path, err2)
			}
		}()
		if h.Daemon.Ready != nil {
			err = p.WaitForLogLine(ctx, h.Daemon.Ready)
			if err != nil {
				return fmt.Errorf("waiting for daemon: %w", err)
			}
		}
		if owned {
			h.mu.Lock()
			if h.daemons == nil {
				h.daemons = map[string]Process{}
			}
			h.daemons[iface] = p
			h.mu.Unlock()
			// CLEANUP: forget the daemon again
			defer func() {
				if err == nil {
					return
				}
				h.mu.Lock()
				delete(h.daemons, iface)
				h.mu.Unlock()
			}()
		}
	}

	path, cleanup, err := h.writeConfig(iface, cfg)
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	defer cleanup()

	switch h.Platform {
	case PlatformPOSIX:
		_, err = h.Runner.Run(ctx, h.quickCommand(), "up", path)
	case PlatformWindows:
		_, err = h.Runner.Run(ctx, h.serviceCommand(), "/installtunnelservice", path)
	default:
		err = fmt.Errorf("unknown platform %s", h.Platform)
	}
	if err != nil {
		return err
	}
	zap.S().Infof("%s is up (%s).", iface, cfg.PublicKey())
	return nil
}

func (h *Helper) Down(ctx context.Context, iface string, cfg config.Config) error {
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()

	var err error
	switch h.Platform {
	case PlatformPOSIX:
		// wg-quick takes the interface name from the file name
		path, cleanup, err2 := h.writeConfig(iface, cfg)
		if err2 != nil {
			err = fmt.Errorf("writing config: %w", err2)
			break
		}
		_, err = h.Runner.Run(ctx, h.quickCommand(), "down", path)
		cleanup()
	case PlatformWindows:
		_, err = h.Runner.Run(ctx, h.serviceCommand(), "/uninstalltunnelservice", iface)
	default:
		err = fmt.Errorf("unknown platform %s", h.Platform)
	}

	h.mu.Lock()
	p, ok := h.daemons[iface]
	delete(h.daemons, iface)
	h.mu.Unlock()
	if ok {
		zap.S().Debugf("stopping daemon of %s.", iface)
		err = multierr.Append(err, p.Kill())
	}
	return err
}
