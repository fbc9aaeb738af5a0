package addr

import (
	"fmt"
	"net"
	"strings"

	"gopkg.in/yaml.v3"
)

type HostKind int

const (
	HostIPv4 HostKind = iota + 1
	HostIPv6
	HostName
)

func (k HostKind) String() string {
	switch k {
	case HostIPv4:
		return "ipv4"
	case HostIPv6:
		return "ipv6"
	case HostName:
		return "hostname"
	default:
		return fmt.Sprintf("HostKind(%d)", int(k))
	}
}

// Endpoint is where a node is reachable from outside the tunnel.
// NatPort is the port others dial; ListenPort is the port bound locally, which differs behind port-mapping NATs.
// Address is set for HostIPv4 and HostIPv6, Hostname for HostName.
type Endpoint struct {
	Kind       HostKind
	Address    Address
	Hostname   string
	NatPort    Port
	ListenPort Port
}

// ParseEndpoint parses host:natPort or host:natPort:listenPort. IPv6 hosts are bracketed.
func ParseEndpoint(s string) (Endpoint, error) {
	var host, rest string
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end == -1 {
			return Endpoint{}, fmt.Errorf("%w: endpoint %q: missing ]", ErrInvalidFormat, s)
		}
		host = s[1:end]
		rest = s[end+1:]
		if !strings.HasPrefix(rest, ":") {
			return Endpoint{}, fmt.Errorf("%w: endpoint %q: missing port", ErrInvalidFormat, s)
		}
		rest = rest[1:]
	} else {
		var ok bool
		host, rest, ok = strings.Cut(s, ":")
		if !ok {
			return Endpoint{}, fmt.Errorf("%w: endpoint %q: missing port", ErrInvalidFormat, s)
		}
	}
	ports := strings.Split(rest, ":")
	if len(ports) > 2 {
		return Endpoint{}, fmt.Errorf("%w: endpoint %q: too many ports (IPv6 hosts must be bracketed)", ErrInvalidFormat, s)
	}
	nat, err := ParsePort(ports[0])
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint %q: %w", s, err)
	}
	listen := nat
	if len(ports) == 2 {
		listen, err = ParsePort(ports[1])
		if err != nil {
			return Endpoint{}, fmt.Errorf("endpoint %q: %w", s, err)
		}
	}
	e, err := EndpointFrom(host, nat, listen)
	if err != nil {
		return Endpoint{}, err
	}
	if strings.HasPrefix(s, "[") && e.Kind != HostIPv6 {
		return Endpoint{}, fmt.Errorf("%w: endpoint %q: only IPv6 hosts are bracketed", ErrInvalidFormat, s)
	}
	return e, nil
}

func MustParseEndpoint(s string) Endpoint {
	e, err := ParseEndpoint(s)
	if err != nil {
		panic(err)
	}
	return e
}

// EndpointFrom builds an endpoint from an address literal or hostname and its two ports.
func EndpointFrom(host string, natPort, listenPort Port) (Endpoint, error) {
	e := Endpoint{NatPort: natPort, ListenPort: listenPort}
	if a, err := ParseAddress(host); err == nil {
		e.Address = a
		switch a.Family() {
		case IPv4:
			e.Kind = HostIPv4
		case IPv6:
			e.Kind = HostIPv6
		}
		return e, nil
	}
	if !validHostname(host) {
		return Endpoint{}, fmt.Errorf("%w: endpoint host %q", ErrInvalidFormat, host)
	}
	e.Kind = HostName
	e.Hostname = host
	return e, nil
}

func validHostname(s string) bool {
	if s == "" || len(s) > 253 {
		return false
	}
	labels := strings.Split(strings.TrimSuffix(s, "."), ".")
	// an all-numeric last label would make 1.1.1.256 a hostname
	if strings.Trim(labels[len(labels)-1], "0123456789") == "" {
		return false
	}
	for _, label := range labels {
		if label == "" || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			default:
				return false
			}
		}
	}
	return true
}

// Host is the textual host part, without brackets.
func (e Endpoint) Host() string {
	switch e.Kind {
	case HostIPv4, HostIPv6:
		return e.Address.String()
	case HostName:
		return e.Hostname
	default:
		panic(fmt.Sprintf("unknown endpoint kind %d", int(e.Kind)))
	}
}

// DialString is host:natPort, the form peers dial.
func (e Endpoint) DialString() string {
	return net.JoinHostPort(e.Host(), e.NatPort.String())
}

// String is the canonical host:natPort:listenPort form.
func (e Endpoint) String() string {
	return e.DialString() + ":" + e.ListenPort.String()
}

// Dial returns a copy of e with ListenPort equal to NatPort.
func (e Endpoint) Dial() Endpoint {
	e.ListenPort = e.NatPort
	return e
}

func (e Endpoint) Equal(o Endpoint) bool {
	return e.Kind == o.Kind &&
		e.Address == o.Address &&
		e.Hostname == o.Hostname &&
		e.NatPort == o.NatPort &&
		e.ListenPort == o.ListenPort
}

func (e Endpoint) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Endpoint) UnmarshalText(data []byte) error {
	e2, err := ParseEndpoint(string(data))
	if err != nil {
		return err
	}
	*e = e2
	return nil
}

// UnmarshalYAML accepts the textual form, or a mapping of host with either port or natPort and listenPort.
func (e *Endpoint) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return e.UnmarshalText([]byte(value.Value))
	}
	var raw struct {
		Host       string `yaml:"host"`
		Port       *int   `yaml:"port"`
		NatPort    *int   `yaml:"natPort"`
		ListenPort *int   `yaml:"listenPort"`
	}
	err := value.Decode(&raw)
	if err != nil {
		return err
	}
	var nat, listen int
	switch {
	case raw.Port != nil && raw.NatPort == nil && raw.ListenPort == nil:
		nat, listen = *raw.Port, *raw.Port
	case raw.Port == nil && raw.NatPort != nil:
		nat, listen = *raw.NatPort, *raw.NatPort
		if raw.ListenPort != nil {
			listen = *raw.ListenPort
		}
	default:
		return fmt.Errorf("%w: endpoint: line %d: need either port or natPort (and optionally listenPort)", ErrInvalidFormat, value.Line)
	}
	natPort, err := PortFrom(nat)
	if err != nil {
		return err
	}
	listenPort, err := PortFrom(listen)
	if err != nil {
		return err
	}
	e2, err := EndpointFrom(raw.Host, natPort, listenPort)
	if err != nil {
		return err
	}
	*e = e2
	return nil
}

// SetupData is a node's public endpoint together with its address inside the tunnel.
type SetupData struct {
	Endpoint Endpoint `yaml:"endpoint"`
	Address  Address  `yaml:"address"`
}

func ParseSetupData(endpoint, address string) (SetupData, error) {
	e, err := ParseEndpoint(endpoint)
	if err != nil {
		return SetupData{}, err
	}
	a, err := ParseAddress(address)
	if err != nil {
		return SetupData{}, err
	}
	return SetupData{Endpoint: e, Address: a}, nil
}
