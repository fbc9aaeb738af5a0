package addr

import (
	"fmt"
	"iter"
	"math/big"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// CidrBlock is an address together with a prefix length.
// Address is kept as given and need not be the network address of the block.
type CidrBlock struct {
	Address Address
	Mask    int
}

func ParseCidr(s string) (CidrBlock, error) {
	ip, mask, ok := strings.Cut(s, "/")
	if !ok {
		return CidrBlock{}, fmt.Errorf("%w: cidr %q: missing /", ErrInvalidFormat, s)
	}
	a, err := ParseAddress(ip)
	if err != nil {
		return CidrBlock{}, fmt.Errorf("cidr %q: %w", s, err)
	}
	n, err := strconv.Atoi(mask)
	if err != nil {
		return CidrBlock{}, fmt.Errorf("%w: cidr %q: mask %q", ErrInvalidFormat, s, mask)
	}
	return CidrFrom(a, n)
}

func MustParseCidr(s string) CidrBlock {
	c, err := ParseCidr(s)
	if err != nil {
		panic(err)
	}
	return c
}

// CidrFrom builds a block from its parts, rejecting a mask out of range for the address family.
func CidrFrom(a Address, mask int) (CidrBlock, error) {
	if !a.IsValid() {
		return CidrBlock{}, fmt.Errorf("%w: cidr: invalid address", ErrInvalidFormat)
	}
	if a.Zone() != "" {
		return CidrBlock{}, fmt.Errorf("%w: cidr %s: zones are not allowed", ErrInvalidFormat, a)
	}
	if mask < 0 || mask > a.Family().Bits() {
		return CidrBlock{}, fmt.Errorf("%w: cidr %s/%d: mask out of range for %s", ErrInvalidFormat, a, mask, a.Family())
	}
	return CidrBlock{Address: a, Mask: mask}, nil
}

// Host returns the single-address block (/32 or /128) of a.
func Host(a Address) CidrBlock {
	return CidrBlock{Address: Address{ip: a.ip.WithZone("")}, Mask: a.Family().Bits()}
}

func (c CidrBlock) IsValid() bool {
	_, err := CidrFrom(c.Address, c.Mask)
	return err == nil
}

func (c CidrBlock) Family() Family { return c.Address.Family() }

func (c CidrBlock) Prefix() netip.Prefix {
	return netip.PrefixFrom(c.Address.ip, c.Mask)
}

// IPNet converts to the net package representation, keeping Address as the IP.
func (c CidrBlock) IPNet() net.IPNet {
	bits := c.Family().Bits()
	return net.IPNet{
		IP:   net.IP(c.Address.ip.AsSlice()),
		Mask: net.CIDRMask(c.Mask, bits),
	}
}

// Total is the number of addresses in the block, 2^(bits-mask).
func (c CidrBlock) Total() *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), uint(c.Family().Bits()-c.Mask))
}

func (c CidrBlock) NetworkAddress() Address {
	return Address{ip: c.Prefix().Masked().Addr()}
}

func (c CidrBlock) BroadcastAddress() Address {
	b := c.NetworkAddress().ip.AsSlice()
	for i := c.Mask; i < len(b)*8; i++ {
		b[i/8] |= 0x80 >> (i % 8)
	}
	ip, _ := netip.AddrFromSlice(b)
	return Address{ip: ip}
}

func (c CidrBlock) Contains(a Address) bool {
	return c.Prefix().Contains(a.ip.WithZone(""))
}

// Range yields every address of the block in ascending order, network and broadcast addresses included.
// Each call starts a fresh sequence. Nothing is buffered, so large blocks must be bounded by the consumer.
func (c CidrBlock) Range() iter.Seq[Address] {
	return func(yield func(Address) bool) {
		last := c.BroadcastAddress()
		for a := c.NetworkAddress(); ; a = a.Next() {
			if !yield(a) || a == last {
				return
			}
		}
	}
}

func (c CidrBlock) String() string {
	return c.Address.String() + "/" + strconv.Itoa(c.Mask)
}

func (c CidrBlock) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *CidrBlock) UnmarshalText(data []byte) error {
	c2, err := ParseCidr(string(data))
	if err != nil {
		return err
	}
	*c = c2
	return nil
}

// UnmarshalYAML accepts either "ip/mask" or a mapping with address and mask.
func (c *CidrBlock) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return c.UnmarshalText([]byte(value.Value))
	}
	var raw struct {
		Address Address `yaml:"address"`
		Mask    *int    `yaml:"mask"`
	}
	err := value.Decode(&raw)
	if err != nil {
		return err
	}
	if raw.Mask == nil {
		return fmt.Errorf("%w: cidr: line %d: missing mask", ErrInvalidFormat, value.Line)
	}
	c2, err := CidrFrom(raw.Address, *raw.Mask)
	if err != nil {
		return err
	}
	*c = c2
	return nil
}
