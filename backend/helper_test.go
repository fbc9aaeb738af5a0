package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/config"
)

type fakeProcess struct {
	mu       sync.Mutex
	killed   int
	exited   chan struct{}
	readyErr error
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed++
	return nil
}

func (p *fakeProcess) WaitForLogLine(ctx context.Context, re *regexp.Regexp) error { return p.readyErr }

func (p *fakeProcess) Exited() <-chan struct{} { return p.exited }

type spawn struct {
	Name     string
	Args     []string
	Detached bool
}

// fakeTools records spawns and runs. A run checks that the config file it is given holds want.
type fakeTools struct {
	t    *testing.T
	want config.Config

	spawns   []spawn
	procs    []*fakeProcess
	runs     [][]string
	files    []string
	runErr   error
	readyErr error
}

func (f *fakeTools) Spawn(ctx context.Context, name string, args []string, opts SpawnOptions) (Process, error) {
	f.spawns = append(f.spawns, spawn{name, args, opts.Detached})
	p := &fakeProcess{exited: make(chan struct{}), readyErr: f.readyErr}
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *fakeTools) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.runs = append(f.runs, append([]string{name}, args...))
	if len(args) == 2 && filepath.Ext(args[1]) == ".conf" {
		f.files = append(f.files, args[1])
		got, err := config.ReadFile(args[1])
		if err != nil {
			f.t.Errorf("reading config passed to %s: %s", name, err)
		} else if !got.Equal(f.want) {
			f.t.Errorf("config passed to %s does not match", name)
		}
	}
	return nil, f.runErr
}

func newHelper(t *testing.T, platform Platform) (*Helper, *fakeTools, config.Config) {
	cfg := mustConfig(t)
	tools := &fakeTools{t: t, want: cfg}
	h := &Helper{
		Platform: platform,
		Launcher: tools,
		Runner:   tools,
		Daemon: &DaemonSpec{
			Path:  "wireguard-go",
			Args:  []string{"-f"},
			Ready: regexp.MustCompile(`UAPI listener started`),
		},
		TempDir: t.TempDir(),
	}
	return h, tools, cfg
}

func assertRemoved(t *testing.T, files []string) {
	t.Helper()
	for _, f := range files {
		if _, err := os.Stat(f); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s was not removed (%v)", f, err)
		}
	}
}

func TestHelperPOSIX(t *testing.T) {
	h, tools, cfg := newHelper(t, PlatformPOSIX)
	ctx := context.Background()
	err := h.Up(ctx, "wg0", cfg)
	if err != nil {
		t.Fatal(err)
	}
	err = h.Down(ctx, "wg0", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]spawn{{"wireguard-go", []string{"-f", "wg0"}, true}}, tools.spawns); diff != "" {
		t.Errorf("spawns (-want +got):\n%s", diff)
	}
	want := [][]string{
		{"wg-quick", "up", tools.files[0]},
		{"wg-quick", "down", tools.files[1]},
	}
	if diff := cmp.Diff(want, tools.runs); diff != "" {
		t.Errorf("runs (-want +got):\n%s", diff)
	}
	for _, f := range tools.files {
		if filepath.Base(f) != "wg0.conf" {
			t.Errorf("config file %s is not named after the interface", f)
		}
	}
	assertRemoved(t, tools.files)
	if tools.procs[0].killed != 0 {
		t.Error("detached daemon was killed")
	}
}

func TestHelperWindows(t *testing.T) {
	h, tools, cfg := newHelper(t, PlatformWindows)
	h.Daemon = nil
	ctx := context.Background()
	err := h.Up(ctx, "wg0", cfg)
	if err != nil {
		t.Fatal(err)
	}
	err = h.Down(ctx, "wg0", cfg)
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{
		{"wireguard", "/installtunnelservice", tools.files[0]},
		{"wireguard", "/uninstalltunnelservice", "wg0"},
	}
	if diff := cmp.Diff(want, tools.runs); diff != "" {
		t.Errorf("runs (-want +got):\n%s", diff)
	}
	assertRemoved(t, tools.files)
	if len(tools.spawns) != 0 {
		t.Error("daemon spawned without a DaemonSpec")
	}
}

func TestHelperScopedOwnsDaemon(t *testing.T) {
	h, tools, cfg := newHelper(t, PlatformPOSIX)
	s, err := UpScoped(context.Background(), h, "wg0", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if tools.spawns[0].Detached {
		t.Fatal("scoped daemon was detached")
	}
	if tools.procs[0].killed != 0 {
		t.Fatal("daemon killed before Close")
	}
	err = s.Close()
	if err != nil {
		t.Fatal(err)
	}
	if tools.procs[0].killed != 1 {
		t.Fatalf("daemon killed %d times; want 1", tools.procs[0].killed)
	}
}

func TestHelperUpFailureKillsDaemon(t *testing.T) {
	h, tools, cfg := newHelper(t, PlatformPOSIX)
	boom := errors.New("wg-quick failed")
	tools.runErr = boom
	err := h.Up(context.Background(), "wg0", cfg)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if tools.procs[0].killed != 1 {
		t.Fatalf("daemon killed %d times; want 1", tools.procs[0].killed)
	}
	assertRemoved(t, tools.files)

	// scoped: Up kills its daemon and teardown does not kill it again
	h, tools, cfg = newHelper(t, PlatformPOSIX)
	tools.runErr = boom
	_, err = UpScoped(context.Background(), h, "wg0", cfg)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if tools.procs[0].killed != 1 {
		t.Fatalf("daemon killed %d times; want 1", tools.procs[0].killed)
	}
	if n := len(tools.runs); n != 2 {
		t.Fatalf("%d runs; want up and the teardown's down", n)
	}
}

func TestHelperDaemonNotReady(t *testing.T) {
	h, tools, cfg := newHelper(t, PlatformPOSIX)
	tools.readyErr = ErrDaemonExited
	err := h.Up(context.Background(), "wg0", cfg)
	if !errors.Is(err, ErrDaemonExited) {
		t.Fatalf("err = %v", err)
	}
	if len(tools.runs) != 0 {
		t.Fatal("brought the tunnel up without a daemon")
	}
	if tools.procs[0].killed != 1 {
		t.Fatal("exited daemon not reaped")
	}
}
