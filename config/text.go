package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/leonitousconforti/the-wireguard-effect-sub000/addr"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/key"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrMissingInterfaceSection = errors.New("missing [Interface] section")
	ErrMalformedPeer           = errors.New("malformed [Peer] section")
)

var rxSectionHead = regexp.MustCompile(`^\[\s*(.+?)\s*\]$`)

// Encode renders c in the wg-quick format understood by wg-quick(8) and wg(8).
func Encode(c Config) string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "Address = %s\n", c.Address)
	fmt.Fprintf(&b, "ListenPort = %d\n", c.ListenPort)
	if len(c.DNS) != 0 {
		dns := make([]string, len(c.DNS))
		for i, a := range c.DNS {
			dns[i] = a.String()
		}
		fmt.Fprintf(&b, "DNS = %s\n", strings.Join(dns, ", "))
	}
	if c.FirewallMark != 0 {
		fmt.Fprintf(&b, "FwMark = %d\n", c.FirewallMark)
	}
	fmt.Fprintf(&b, "PrivateKey = %s\n", c.PrivateKey)
	for _, p := range c.Peers {
		b.WriteString("\n[Peer]\n")
		fmt.Fprintf(&b, "PublicKey = %s\n", p.PublicKey)
		if p.Endpoint != nil {
			fmt.Fprintf(&b, "Endpoint = %s\n", p.Endpoint.DialString())
		}
		if p.PersistentKeepalive != 0 {
			fmt.Fprintf(&b, "PersistentKeepalive = %d\n", p.PersistentKeepalive/time.Second)
		}
		if p.PresharedKey != nil {
			fmt.Fprintf(&b, "PresharedKey = %s\n", p.PresharedKey)
		}
		if len(p.AllowedIPs) != 0 {
			ips := make([]string, len(p.AllowedIPs))
			for i, ip := range p.AllowedIPs {
				ips[i] = ip.String()
			}
			fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(ips, ", "))
		}
	}
	return b.String()
}

type lineError struct {
	line int
	err  error
}

func (e lineError) Error() string { return fmt.Sprintf("error in line %d: %s", e.line, e.err) }

func (e lineError) Unwrap() error { return e.err }

type rawLine struct {
	no         int
	key, value string
}

type rawSection struct {
	name  string
	no    int
	lines []rawLine
}

// keys only meaningful to wg-quick itself; accepted and dropped
var quickOnlyKeys = map[string]bool{
	"mtu":        true,
	"table":      true,
	"preup":      true,
	"postup":     true,
	"predown":    true,
	"postdown":   true,
	"saveconfig": true,
}

// Decode parses the wg-quick format. Key names are case-insensitive.
// Every problem found is reported, each prefixed with its 1-based line number.
func Decode(text string) (Config, error) {
	var errs error
	var sections []rawSection
	for i, line := range strings.Split(text, "\n") {
		no := i + 1
		if j := strings.IndexByte(line, '#'); j != -1 {
			line = line[:j]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if match := rxSectionHead.FindStringSubmatch(line); match != nil {
			sections = append(sections, rawSection{name: strings.ToLower(match[1]), no: no})
			continue
		}
		if len(sections) == 0 {
			errs = multierr.Append(errs, lineError{no, errors.New("missing section header before directive")})
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || v == "" {
			errs = multierr.Append(errs, lineError{no, fmt.Errorf("missing value for field %s", k)})
			continue
		}
		s := &sections[len(sections)-1]
		s.lines = append(s.lines, rawLine{no: no, key: strings.ToLower(k), value: v})
	}

	var c Config
	haveInterface := false
	for i, s := range sections {
		switch s.name {
		case "interface":
			if haveInterface {
				errs = multierr.Append(errs, lineError{s.no, errors.New("duplicate [Interface] section")})
				continue
			}
			haveInterface = true
			errs = multierr.Append(errs, decodeInterface(s, &c))
		case "peer":
			p, err := decodePeer(s)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%w (section %d): %w", ErrMalformedPeer, i, err))
				continue
			}
			c.Peers = append(c.Peers, p)
		default:
			errs = multierr.Append(errs, lineError{s.no, fmt.Errorf("unknown section type: [%s]", s.name)})
		}
	}
	if !haveInterface {
		errs = multierr.Append(errs, ErrMissingInterfaceSection)
	}
	if errs != nil {
		return Config{}, errs
	}
	return New(c)
}

func decodeInterface(s rawSection, c *Config) error {
	var errs error
	report := func(no int, err error) {
		if err != nil {
			errs = multierr.Append(errs, lineError{no, err})
		}
	}
	haveAddress, haveKey := false, false
	for _, l := range s.lines {
		switch l.key {
		case "address":
			if strings.Contains(l.value, ",") {
				report(l.no, errors.New("only one Address is supported"))
				continue
			}
			a, err := addr.ParseCidr(l.value)
			report(l.no, err)
			c.Address = a
			haveAddress = err == nil
		case "listenport":
			p, err := addr.ParsePort(l.value)
			report(l.no, err)
			c.ListenPort = p
		case "privatekey":
			k, err := key.Parse(l.value)
			report(l.no, err)
			c.PrivateKey = k
			haveKey = err == nil
		case "dns":
			for _, text := range splitList(l.value) {
				a, err := addr.ParseAddress(text)
				report(l.no, err)
				c.DNS = append(c.DNS, a)
			}
		case "fwmark", "firewallmark":
			if l.value == "off" {
				c.FirewallMark = 0
				continue
			}
			mark, err := strconv.ParseUint(l.value, 0, 32)
			report(l.no, err)
			c.FirewallMark = uint32(mark)
		default:
			if quickOnlyKeys[l.key] {
				zap.S().Debugf("line %d: ignoring wg-quick key %s.", l.no, l.key)
				continue
			}
			report(l.no, fmt.Errorf("unknown key %s in [Interface]", l.key))
		}
	}
	if !haveAddress && errs == nil {
		report(s.no, errors.New("expected Address, found end of [Interface] section"))
	}
	if !haveKey && errs == nil {
		report(s.no, errors.New("expected PrivateKey, found end of [Interface] section"))
	}
	return errs
}

func decodePeer(s rawSection) (Peer, error) {
	var p Peer
	var errs error
	report := func(no int, err error) {
		if err != nil {
			errs = multierr.Append(errs, lineError{no, err})
		}
	}
	haveKey := false
	for _, l := range s.lines {
		switch l.key {
		case "publickey":
			k, err := key.Parse(l.value)
			report(l.no, err)
			p.PublicKey = k
			haveKey = err == nil
		case "presharedkey":
			k, err := key.Parse(l.value)
			report(l.no, err)
			p.PresharedKey = &k
		case "endpoint":
			e, err := addr.ParseEndpoint(l.value)
			report(l.no, err)
			p.Endpoint = &e
		case "allowedips":
			for _, text := range splitList(l.value) {
				a, err := addr.ParseCidr(text)
				report(l.no, err)
				p.AllowedIPs = append(p.AllowedIPs, a)
			}
		case "persistentkeepalive":
			if l.value == "off" {
				p.PersistentKeepalive = 0
				continue
			}
			n, err := strconv.ParseUint(l.value, 10, 16)
			report(l.no, err)
			p.PersistentKeepalive = time.Duration(n) * time.Second
		default:
			report(l.no, fmt.Errorf("unknown key %s in [Peer]", l.key))
		}
	}
	if !haveKey && errs == nil {
		report(s.no, errors.New("expected PublicKey, found end of [Peer] section"))
	}
	if errs != nil {
		return Peer{}, errs
	}
	return NewPeer(p)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	ret := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			ret = append(ret, part)
		}
	}
	return ret
}

func ReadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	c, err := Decode(string(data))
	if err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return c, nil
}

// WriteFile writes c in the wg-quick format. The file holds a private key, so it is only readable by its owner.
func WriteFile(path string, c Config) error {
	return os.WriteFile(path, []byte(Encode(c)), 0600)
}
