// Package socks implements the server side of SOCKS5 (RFC 1928) with
// username/password authentication (RFC 1929). Only the CONNECT command
// is supported; BIND and UDP ASSOCIATE are answered with "command not
// supported".
package socks

// SOCKS protocol versions.
const (
	Version5 byte = 0x05 // SOCKS Protocol Version 5
)

// Authentication methods as defined in RFC 1928.
const (
	NoAuth              byte = 0x00 // No authentication required
	GSSAPI              byte = 0x01 // GSSAPI
	UsernamePassword    byte = 0x02 // Username/Password (RFC 1929)
	NoAcceptableMethods byte = 0xFF // No acceptable methods
)

// Username/password sub-negotiation (RFC 1929).
const (
	AuthVersion byte = 0x01 // Sub-negotiation version
	AuthSuccess byte = 0x00 // Credentials accepted
	AuthFailure byte = 0x01 // Credentials rejected
)

// SOCKS5 commands that clients may request.
const (
	CmdConnect      byte = 0x01 // Establish TCP/IP stream connection
	CmdBind         byte = 0x02 // Listen for incoming TCP connection
	CmdUDPAssociate byte = 0x03 // Set up UDP relay
)

// Address types for target addresses.
const (
	AtypIPv4   byte = 0x01 // IPv4 address (4 bytes)
	AtypDomain byte = 0x03 // Domain name (variable length)
	AtypIPv6   byte = 0x04 // IPv6 address (16 bytes)
)

// Reply codes sent from server to client.
const (
	Succeeded               byte = 0x00 // Request granted
	GeneralFailure          byte = 0x01 // General failure
	ConnectionNotAllowed    byte = 0x02 // Connection not allowed by ruleset
	NetworkUnreachable      byte = 0x03 // Network unreachable
	HostUnreachable         byte = 0x04 // Host unreachable
	ConnectionRefused       byte = 0x05 // Connection refused by destination
	TTLExpired              byte = 0x06 // TTL expired
	CommandNotSupported     byte = 0x07 // Command not supported
	AddressTypeNotSupported byte = 0x08 // Address type not supported
)
