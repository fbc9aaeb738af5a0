package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidInterface = errors.New("invalid interface name")

// Transport opens a byte stream to the control endpoint of an interface.
type Transport interface {
	Open(ctx context.Context, iface string) (io.ReadWriteCloser, error)
}

type TransportFunc func(ctx context.Context, iface string) (io.ReadWriteCloser, error)

func (f TransportFunc) Open(ctx context.Context, iface string) (io.ReadWriteCloser, error) {
	return f(ctx, iface)
}

// Remover is implemented by transports whose endpoint is a resource that outlives the daemon.
// Removing it makes a userspace daemon shut the interface down.
type Remover interface {
	Remove(iface string) error
}

const DefaultSocketDir = "/var/run/wireguard"

// SocketTransport dials <Dir>/<iface>.sock.
type SocketTransport struct {
	// Dir defaults to DefaultSocketDir.
	Dir string
}

func checkInterface(iface string) error {
	if iface == "" || iface == "." || iface == ".." || strings.ContainsAny(iface, `/\`+"\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidInterface, iface)
	}
	return nil
}

func (t SocketTransport) Path(iface string) string {
	dir := t.Dir
	if dir == "" {
		dir = DefaultSocketDir
	}
	return filepath.Join(dir, iface+".sock")
}

func (t SocketTransport) Open(ctx context.Context, iface string) (io.ReadWriteCloser, error) {
	err := checkInterface(iface)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	return d.DialContext(ctx, "unix", t.Path(iface))
}

// Remove deletes the socket. A missing socket is not an error.
func (t SocketTransport) Remove(iface string) error {
	err := checkInterface(iface)
	if err != nil {
		return err
	}
	err = os.Remove(t.Path(iface))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
