package socks

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/jayhsudev/rust-proxy/pkg/proxy/forward"
)

// readTarget reads the address portion of a SOCKS5 request. The format
// follows RFC 1928 Section 4:
//
//	+------+----------+----------+
//	| ATYP | DST.ADDR | DST.PORT |
//	+------+----------+----------+
//	|  1   | Variable |    2     |
//
// errAddressType is returned for unrecognized ATYP values so the caller
// can send the matching reply code.
func readTarget(r io.Reader, addrType byte) (forward.Target, error) {
	var host string

	switch addrType {
	case AtypIPv4:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return forward.Target{}, fmt.Errorf("socks: reading IPv4 address: %w", err)
		}
		host = net.IP(buf).String()

	case AtypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return forward.Target{}, fmt.Errorf("socks: reading domain length: %w", err)
		}
		if lenBuf[0] == 0 {
			return forward.Target{}, fmt.Errorf("socks: empty domain name: %w", errMalformedAddress)
		}
		domain := make([]byte, int(lenBuf[0]))
		if _, err := io.ReadFull(r, domain); err != nil {
			return forward.Target{}, fmt.Errorf("socks: reading domain: %w", err)
		}
		host = string(domain)

	case AtypIPv6:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(r, buf); err != nil {
			return forward.Target{}, fmt.Errorf("socks: reading IPv6 address: %w", err)
		}
		host = net.IP(buf).String()

	default:
		return forward.Target{}, errAddressType
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, portBuf); err != nil {
		return forward.Target{}, fmt.Errorf("socks: reading port: %w", err)
	}
	port := binary.BigEndian.Uint16(portBuf)

	return forward.NewTarget(host, port)
}
