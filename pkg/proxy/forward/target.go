package forward

import (
	"fmt"
	"net"
	"strconv"
)

// AddrKind tags the variants of a target address.
type AddrKind byte

const (
	// AddrIPv4 is a literal IPv4 address.
	AddrIPv4 AddrKind = iota
	// AddrIPv6 is a literal IPv6 address.
	AddrIPv6
	// AddrDomain is a hostname requiring resolution at connect time.
	AddrDomain
)

// Target is the address a client asked the proxy to reach. Produced by
// protocol parsing, consumed by Connect.
type Target struct {
	Kind AddrKind
	Host string
	Port uint16
}

// NewTarget builds a Target from a host string, classifying literal IPs.
// Domain names must be non-empty.
func NewTarget(host string, port uint16) (Target, error) {
	if host == "" {
		return Target{}, fmt.Errorf("forward: empty target host")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() != nil {
			return Target{Kind: AddrIPv4, Host: host, Port: port}, nil
		}
		return Target{Kind: AddrIPv6, Host: host, Port: port}, nil
	}
	return Target{Kind: AddrDomain, Host: host, Port: port}, nil
}

// Address returns the dialable host:port form, bracketing IPv6 hosts.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

// String implements fmt.Stringer.
func (t Target) String() string {
	return t.Address()
}
