package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/leonitousconforti/the-wireguard-effect-sub000/backend"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/config"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/control"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/util"
	"go.uber.org/zap"
)

const usage = `usage: wg-tunnel [flags] <command> [args]

commands:
  up                         bring -iface up with -config (-wait keeps it up until interrupted)
  down                       take -iface down
  sync                       reconfigure a kernel interface from -from to -config
  get                        print the state of -iface
  stats                      print peer counters every -poll until interrupted
  add-peer <key> <ips> [endpoint]
                             add a peer routing the comma-separated ips
  remove-peer <key>          remove a peer
  serve-leases               lease addresses of -pool over HTTP on -listen
  lease <url>                lease an address from a server and print the config for it

flags:
`

var (
	backendKind  string
	iface        string
	configPath   string
	fromPath     string
	socketDir    string
	daemonPath   string
	daemonReady  string
	timeout      time.Duration
	pollInterval time.Duration
	wait         bool

	leaseDB    string
	pool       string
	listen     string
	endpoint   string
	keepalive  time.Duration
	privateKey string
)

func main() {
	flag.StringVar(&backendKind, "backend", "direct", "how to bring the interface up: direct, helper or kernel")
	flag.StringVar(&iface, "iface", "wg0", "interface name")
	flag.StringVar(&configPath, "config", "", "path to the wg-quick config of the interface")
	flag.StringVar(&fromPath, "from", "", "path to the config the interface currently has (sync)")
	flag.StringVar(&socketDir, "socket-dir", "", "directory of the control sockets (default: "+control.DefaultSocketDir+")")
	flag.StringVar(&daemonPath, "daemon", "", "userspace daemon the helper backend starts first, e.g. wireguard-go")
	flag.StringVar(&daemonReady, "daemon-ready", "UAPI listener started", "regexp matching the line the daemon prints once ready")
	flag.DurationVar(&timeout, "timeout", control.DefaultTimeout, "timeout of each operation")
	flag.DurationVar(&pollInterval, "poll", control.DefaultPollInterval, "stats poll interval")
	flag.BoolVar(&wait, "wait", false, "up: stay in the foreground and take the interface down on interrupt")
	flag.StringVar(&leaseDB, "lease-db", "leases.db", "serve-leases: lease database path")
	flag.StringVar(&pool, "pool", "", "serve-leases: block to lease addresses from (default: the network of -config)")
	flag.StringVar(&listen, "listen", ":8080", "serve-leases: HTTP listen address")
	flag.StringVar(&endpoint, "endpoint", "", "serve-leases: endpoint handed to peers")
	flag.DurationVar(&keepalive, "keepalive", 25*time.Second, "serve-leases: persistent keepalive handed to peers")
	flag.StringVar(&privateKey, "private-key", "", "lease: private key to use (default: generate one)")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	util.SetupLog()
	defer util.S.Sync()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := flag.Arg(0), flag.Args()[1:]; cmd {
	case "up":
		err = up(ctx)
	case "down":
		err = down(ctx)
	case "sync":
		err = syncKernel(ctx)
	case "get":
		err = get(ctx)
	case "stats":
		err = stats(ctx)
	case "add-peer":
		err = addPeer(ctx, args)
	case "remove-peer":
		err = removePeer(ctx, args)
	case "serve-leases":
		err = serveLeases(ctx)
	case "lease":
		err = leaseAddress(ctx, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		zap.S().Fatalf("%s failed: %s", flag.Arg(0), err)
	}
}

func transport() control.Transport {
	if socketDir != "" {
		return control.SocketTransport{Dir: socketDir}
	}
	return control.DefaultTransport()
}

func client() *control.Client {
	c := control.NewClient(transport(), iface)
	c.Timeout = timeout
	c.PollInterval = pollInterval
	return c
}

// newBackend returns the backend named by -backend and a function releasing it.
func newBackend() (backend.Backend, func(), error) {
	switch backendKind {
	case "direct":
		return backend.Direct{Transport: transport(), Timeout: timeout}, func() {}, nil
	case "helper":
		h := &backend.Helper{
			Platform: backend.HostPlatform(),
			Launcher: backend.ExecLauncher{},
			Runner:   backend.ExecLauncher{},
			Timeout:  timeout,
		}
		if daemonPath != "" {
			ready, err := regexp.Compile(daemonReady)
			if err != nil {
				return nil, nil, fmt.Errorf("-daemon-ready: %w", err)
			}
			h.Daemon = &backend.DaemonSpec{Path: daemonPath, Args: []string{"-f"}, Ready: ready}
		}
		return h, func() {}, nil
	case "kernel":
		k, err := backend.NewKernel()
		if err != nil {
			return nil, nil, err
		}
		return k, func() { k.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", backendKind)
	}
}

func readConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, fmt.Errorf("no config given")
	}
	return config.ReadFile(path)
}

func up(ctx context.Context) error {
	cfg, err := readConfig(configPath)
	if err != nil {
		return err
	}
	b, release, err := newBackend()
	if err != nil {
		return err
	}
	defer release()
	if !wait {
		return b.Up(ctx, iface, cfg)
	}
	s, err := backend.UpScoped(ctx, b, iface, cfg)
	if err != nil {
		return err
	}
	err = util.Notify("READY=1")
	if err != nil {
		zap.S().Infof("notify: %s", err)
	}
	zap.S().Infof("%s is up; interrupt to take it down.", iface)
	<-ctx.Done()
	return s.Close()
}

func down(ctx context.Context) error {
	var cfg config.Config
	if configPath != "" {
		var err error
		cfg, err = readConfig(configPath)
		if err != nil {
			return err
		}
	}
	b, release, err := newBackend()
	if err != nil {
		return err
	}
	defer release()
	return b.Down(ctx, iface, cfg)
}

func syncKernel(ctx context.Context) error {
	from, err := readConfig(fromPath)
	if err != nil {
		return fmt.Errorf("-from: %w", err)
	}
	to, err := readConfig(configPath)
	if err != nil {
		return err
	}
	k, err := backend.NewKernel()
	if err != nil {
		return err
	}
	defer k.Close()
	return k.Sync(ctx, iface, from, to)
}
