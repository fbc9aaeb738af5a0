//go:build !windows

package control

// DefaultTransport is the platform's way of reaching userspace daemons.
func DefaultTransport() Transport { return SocketTransport{} }
