//go:build windows

package control

import (
	"context"
	"io"

	"github.com/Microsoft/go-winio"
)

const pipePrefix = `\\.\pipe\ProtectedPrefix\Administrators\WireGuard\`

// PipeTransport dials the named pipe a userspace daemon creates per interface.
// The pipe goes away with the daemon, so PipeTransport is not a Remover.
type PipeTransport struct{}

func (PipeTransport) Path(iface string) string { return pipePrefix + iface }

func (t PipeTransport) Open(ctx context.Context, iface string) (io.ReadWriteCloser, error) {
	err := checkInterface(iface)
	if err != nil {
		return nil, err
	}
	return winio.DialPipeContext(ctx, t.Path(iface))
}

func DefaultTransport() Transport { return PipeTransport{} }
