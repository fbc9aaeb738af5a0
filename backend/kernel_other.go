//go:build !linux

package backend

import (
	"context"
	"errors"

	"github.com/leonitousconforti/the-wireguard-effect-sub000/config"
)

var errNoKernel = errors.New("kernel devices are only supported on linux")

type Kernel struct{}

func NewKernel() (*Kernel, error) { return nil, errNoKernel }

func (k *Kernel) Close() error { return nil }

func (k *Kernel) Up(ctx context.Context, iface string, cfg config.Config) error { return errNoKernel }

func (k *Kernel) Sync(ctx context.Context, iface string, from, to config.Config) error {
	return errNoKernel
}

func (k *Kernel) Down(ctx context.Context, iface string, cfg config.Config) error { return errNoKernel }
