// Package addr provides the addressing model shared by configs, topologies and the control protocol:
// tunnel addresses, ports, CIDR blocks and public endpoints.
package addr

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
)

// ErrInvalidFormat is wrapped by every parse error in this package.
var ErrInvalidFormat = errors.New("invalid format")

type Family int

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

func (f Family) String() string {
	switch f {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	default:
		return fmt.Sprintf("Family(%d)", int(f))
	}
}

// Bits is the address length in bits.
func (f Family) Bits() int {
	switch f {
	case IPv4:
		return 32
	case IPv6:
		return 128
	default:
		panic(fmt.Sprintf("unknown family %d", int(f)))
	}
}

// Address is an immutable IPv4 or IPv6 address.
// The zero value is not a valid address.
type Address struct {
	ip netip.Addr
}

func ParseAddress(s string) (Address, error) {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: address %q: %w", ErrInvalidFormat, s, err)
	}
	return Address{ip: ip}, nil
}

func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AddressFrom converts a netip.Addr. IPv4-mapped IPv6 addresses are unmapped.
func AddressFrom(ip netip.Addr) Address {
	return Address{ip: ip.Unmap()}
}

func (a Address) IsValid() bool { return a.ip.IsValid() }

func (a Address) Netip() netip.Addr { return a.ip }

func (a Address) Family() Family {
	if a.ip.Is4() {
		return IPv4
	}
	return IPv6
}

func (a Address) Zone() string { return a.ip.Zone() }

// Next returns the address following a, or the zero Address if a is the last address of its family.
func (a Address) Next() Address {
	return Address{ip: a.ip.Next()}
}

func (a Address) Compare(b Address) int { return a.ip.Compare(b.ip) }

func (a Address) Equal(b Address) bool { return a.ip == b.ip }

func (a Address) String() string {
	if !a.ip.IsValid() {
		return ""
	}
	return a.ip.String()
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(data []byte) error {
	a2, err := ParseAddress(string(data))
	if err != nil {
		return err
	}
	*a = a2
	return nil
}

// Port is a UDP port.
type Port uint16

func ParsePort(s string) (Port, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: port %q", ErrInvalidFormat, s)
	}
	return Port(n), nil
}

func PortFrom(n int) (Port, error) {
	if n < 0 || n > 65535 {
		return 0, fmt.Errorf("%w: port %d out of range", ErrInvalidFormat, n)
	}
	return Port(n), nil
}

func (p Port) String() string { return strconv.Itoa(int(p)) }
