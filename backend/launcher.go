package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrDaemonExited = errors.New("process exited")

type SpawnOptions struct {
	// Detached processes outlive the caller. Their output goes to a log file instead of a pipe,
	// so nothing breaks when the caller exits.
	Detached bool
	// LogDir holds the log files of detached processes. Empty means os.TempDir.
	LogDir string
}

// Launcher starts long-running processes.
type Launcher interface {
	Spawn(ctx context.Context, name string, args []string, opts SpawnOptions) (Process, error)
}

// Runner runs a command to completion and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type Process interface {
	Kill() error
	// WaitForLogLine returns once the process printed a line matching re, or ErrDaemonExited.
	WaitForLogLine(ctx context.Context, re *regexp.Regexp) error
	// Exited is closed once the process is gone.
	Exited() <-chan struct{}
}

// ExecLauncher implements Launcher and Runner with os/exec.
type ExecLauncher struct{}

const keptLines = 256

func (ExecLauncher) Spawn(ctx context.Context, name string, args []string, opts SpawnOptions) (Process, error) {
	// not CommandContext: the process must survive ctx
	cmd := exec.Command(name, args...)
	p := &execProcess{
		name:    name,
		cmd:     cmd,
		exited:  make(chan struct{}),
		changed: make(chan struct{}),
	}
	w := &lineWriter{p: p}
	if !opts.Detached {
		cmd.Stdout = w
		cmd.Stderr = w
		err := cmd.Start()
		if err != nil {
			return nil, fmt.Errorf("start %s: %w", name, err)
		}
		zap.S().Debugf("started %s (pid %d).", name, cmd.Process.Pid)
		go func() {
			err := cmd.Wait()
			w.flush()
			zap.S().Debugf("%s (pid %d) exited: %v", name, cmd.Process.Pid, err)
			close(p.exited)
		}()
		return p, nil
	}

	detach(cmd)
	logFile, err := os.CreateTemp(opts.LogDir, filepath.Base(name)+"-*.log")
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	// the child keeps its own descriptor
	defer logFile.Close()
	tail, err := os.Open(logFile.Name())
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	err = cmd.Start()
	if err != nil {
		tail.Close()
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	p.logPath = logFile.Name()
	zap.S().Debugf("started %s (pid %d, detached), logging to %s.", name, cmd.Process.Pid, p.logPath)
	waited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		zap.S().Debugf("%s (pid %d) exited: %v", name, cmd.Process.Pid, err)
		close(waited)
	}()
	go p.tail(tail, w, waited)
	return p, nil
}

func (ExecLauncher) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	zap.S().Debugf("running %s %s.", name, strings.Join(args, " "))
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, bytes.TrimSpace(out))
	}
	return out, nil
}

type execProcess struct {
	name    string
	cmd     *exec.Cmd
	exited  chan struct{}
	logPath string

	mu      sync.Mutex
	lines   []string
	dropped int
	// changed is closed and replaced whenever a line arrives
	changed chan struct{}
}

func (p *execProcess) Exited() <-chan struct{} { return p.exited }

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

const tailInterval = 50 * time.Millisecond

// tail follows the log file of a detached process until it exits.
func (p *execProcess) tail(f *os.File, w *lineWriter, waited <-chan struct{}) {
	defer f.Close()
	buf := make([]byte, 4096)
	drain := func() {
		for {
			n, err := f.Read(buf)
			w.Write(buf[:n])
			if err != nil {
				if !errors.Is(err, io.EOF) {
					zap.S().Warnf("reading %s: %s", f.Name(), err)
				}
				return
			}
		}
	}
	ticker := time.NewTicker(tailInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			drain()
		case <-waited:
			drain()
			w.flush()
			close(p.exited)
			return
		}
	}
}

func (p *execProcess) addLine(line string) {
	zap.S().Debugf("%s: %s", p.name, line)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, line)
	if len(p.lines) > keptLines {
		n := len(p.lines) - keptLines
		p.lines = append([]string(nil), p.lines[n:]...)
		p.dropped += n
	}
	close(p.changed)
	p.changed = make(chan struct{})
}

// scan looks for re from line number next on and returns the line number to continue from.
func (p *execProcess) scan(re *regexp.Regexp, next int) (found bool, _ int, changed <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next = max(next, p.dropped)
	for ; next < p.dropped+len(p.lines); next++ {
		if re.MatchString(p.lines[next-p.dropped]) {
			return true, next, nil
		}
	}
	return false, next, p.changed
}

func (p *execProcess) WaitForLogLine(ctx context.Context, re *regexp.Regexp) error {
	next := 0
	for {
		found, n, changed := p.scan(re, next)
		if found {
			return nil
		}
		next = n
		select {
		case <-changed:
		case <-p.exited:
			// output is complete once exited is closed
			if found, _, _ := p.scan(re, next); found {
				return nil
			}
			return fmt.Errorf("%w: %s before printing a line matching %s", ErrDaemonExited, p.name, re)
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", p.name, ctx.Err())
		}
	}
}

type lineWriter struct {
	p       *execProcess
	partial []byte
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.partial = append(w.partial, b...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i == -1 {
			break
		}
		w.p.addLine(strings.TrimRight(string(w.partial[:i]), "\r"))
		w.partial = w.partial[i+1:]
	}
	return len(b), nil
}

func (w *lineWriter) flush() {
	if len(w.partial) != 0 {
		w.p.addLine(string(w.partial))
		w.partial = nil
	}
}
