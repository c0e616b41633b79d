package socks

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/jayhsudev/rust-proxy/pkg/auth"
	"github.com/jayhsudev/rust-proxy/pkg/metrics"
	"github.com/jayhsudev/rust-proxy/pkg/netio"
	"github.com/jayhsudev/rust-proxy/pkg/proxy/forward"
)

// Negotiation failures. All of them terminate the connection; the wire
// reply (when one is owed) has already been sent by the time they are
// returned.
var (
	errInvalidVersion     = errors.New("socks: invalid SOCKS version")
	errNoAcceptableMethod = errors.New("socks: no acceptable authentication method")
	errInvalidAuthVersion = errors.New("socks: invalid auth sub-negotiation version")
	errAuthFailed         = errors.New("socks: authentication failed")
	errUnsupportedCommand = errors.New("socks: unsupported command")
	errAddressType        = errors.New("socks: unsupported address type")
	errMalformedAddress   = errors.New("socks: malformed address")
)

// Handler drives one SOCKS5 negotiation over an accepted connection and
// hands the result to the forwarding engine. Handlers are stateless and
// safe for concurrent use; all per-connection state lives on the stack.
type Handler struct {
	auth           *auth.Store
	bufferSize     int
	connectTimeout time.Duration
	metrics        *metrics.Metrics
}

// NewHandler creates a SOCKS5 handler with the given credential store,
// relay buffer size, and target connect timeout.
func NewHandler(store *auth.Store, bufferSize int, connectTimeout time.Duration, m *metrics.Metrics) *Handler {
	return &Handler{
		auth:           store,
		bufferSize:     bufferSize,
		connectTimeout: connectTimeout,
		metrics:        m,
	}
}

// Handle runs the protocol phases in order: method negotiation,
// authentication (when negotiated), request parsing, target connect,
// then bidirectional forwarding. Any error closes the connection; the
// caller owns the close.
func (h *Handler) Handle(ctx context.Context, conn *netio.Conn, logger zerolog.Logger) error {
	method, err := h.negotiate(conn)
	if err != nil {
		return err
	}

	if method == UsernamePassword {
		if err := h.authenticate(conn, logger); err != nil {
			return err
		}
	}

	target, err := h.readRequest(conn)
	if err != nil {
		return err
	}

	targetConn, err := forward.Connect(ctx, target, h.connectTimeout)
	if err != nil {
		writeReply(conn, replyCode(err), nil)
		return fmt.Errorf("connecting to %s: %w", target, err)
	}
	defer targetConn.Close()

	if err := writeReply(conn, Succeeded, targetConn.LocalAddr()); err != nil {
		return fmt.Errorf("socks: writing success reply: %w", err)
	}

	logger.Debug().Stringer("target", target).Msg("SOCKS5 tunnel established")

	sent, received, err := forward.Relay(conn, targetConn, h.bufferSize)
	h.metrics.RelayBytesTotal.WithLabelValues("client_to_target").Add(float64(sent))
	h.metrics.RelayBytesTotal.WithLabelValues("target_to_client").Add(float64(received))
	logger.Info().
		Stringer("target", target).
		Int64("sent", sent).
		Int64("received", received).
		Msg("SOCKS5 session finished")
	return err
}

// negotiate reads the client greeting and selects an authentication
// method:
//
//	+-----+----------+----------+      +-----+--------+
//	| VER | NMETHODS | METHODS  |  ->  | VER | METHOD |
//	+-----+----------+----------+      +-----+--------+
//	|  1  |    1     | 1 to 255 |      |  1  |   1    |
//
// With users configured only username/password is acceptable. Without
// users, no-auth is preferred; a client offering only username/password
// is still accepted for compatibility (see authenticate).
func (h *Handler) negotiate(conn *netio.Conn) (byte, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, fmt.Errorf("socks: reading greeting: %w", err)
	}
	if header[0] != Version5 {
		return 0, fmt.Errorf("%w: 0x%02x", errInvalidVersion, header[0])
	}
	if header[1] == 0 {
		return 0, errNoAcceptableMethod
	}

	methods := make([]byte, int(header[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return 0, fmt.Errorf("socks: reading method list: %w", err)
	}

	selected := NoAcceptableMethods
	if h.auth.HasUsers() {
		if containsMethod(methods, UsernamePassword) {
			selected = UsernamePassword
		}
	} else {
		if containsMethod(methods, NoAuth) {
			selected = NoAuth
		} else if containsMethod(methods, UsernamePassword) {
			selected = UsernamePassword
		}
	}

	if _, err := conn.Write([]byte{Version5, selected}); err != nil {
		return 0, fmt.Errorf("socks: writing method selection: %w", err)
	}
	if selected == NoAcceptableMethods {
		return 0, errNoAcceptableMethod
	}
	return selected, nil
}

// authenticate runs the RFC 1929 sub-negotiation:
//
//	+-----+------+----------+------+----------+      +-----+--------+
//	| VER | ULEN |  UNAME   | PLEN |  PASSWD  |  ->  | VER | STATUS |
//	+-----+------+----------+------+----------+      +-----+--------+
//	|  1  |  1   | 1 to 255 |  1   | 1 to 255 |      |  1  |   1    |
//
// When no users are configured the frame is consumed and accepted
// unverified: some clients always advertise username/password, and
// rejecting them would lock them out of an open proxy. The skipped
// verification is logged at warn level so the accommodation is visible
// to operators.
func (h *Handler) authenticate(conn *netio.Conn, logger zerolog.Logger) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return fmt.Errorf("socks: reading auth header: %w", err)
	}
	if header[0] != AuthVersion {
		return fmt.Errorf("%w: 0x%02x", errInvalidAuthVersion, header[0])
	}

	username := make([]byte, int(header[1]))
	if _, err := io.ReadFull(conn, username); err != nil {
		return fmt.Errorf("socks: reading username: %w", err)
	}

	lenBuf := make([]byte, 1)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return fmt.Errorf("socks: reading password length: %w", err)
	}
	password := make([]byte, int(lenBuf[0]))
	if _, err := io.ReadFull(conn, password); err != nil {
		return fmt.Errorf("socks: reading password: %w", err)
	}

	ok := true
	if h.auth.HasUsers() {
		ok = h.auth.Authenticate(string(username), string(password))
	} else {
		logger.Warn().Msg("Client negotiated username/password but no users are configured; accepting without verification")
	}

	status := AuthSuccess
	if !ok {
		status = AuthFailure
	}
	if _, err := conn.Write([]byte{AuthVersion, status}); err != nil {
		return fmt.Errorf("socks: writing auth status: %w", err)
	}
	if !ok {
		logger.Warn().Str("user", string(username)).Msg("SOCKS5 authentication failed")
		return errAuthFailed
	}

	logger.Debug().Str("user", string(username)).Msg("SOCKS5 authentication succeeded")
	return nil
}

// readRequest parses the request frame and returns the target address:
//
//	+-----+-----+-----+------+----------+----------+
//	| VER | CMD | RSV | ATYP | DST.ADDR | DST.PORT |
//	+-----+-----+-----+------+----------+----------+
//	|  1  |  1  |  1  |  1   | Variable |    2     |
//
// Protocol violations are answered with the matching reply code before
// the error is returned.
func (h *Handler) readRequest(conn *netio.Conn) (forward.Target, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return forward.Target{}, fmt.Errorf("socks: reading request: %w", err)
	}
	if header[0] != Version5 {
		writeReply(conn, GeneralFailure, nil)
		return forward.Target{}, fmt.Errorf("%w: 0x%02x", errInvalidVersion, header[0])
	}
	if header[1] != CmdConnect {
		writeReply(conn, CommandNotSupported, nil)
		return forward.Target{}, fmt.Errorf("%w: 0x%02x", errUnsupportedCommand, header[1])
	}

	target, err := readTarget(conn, header[3])
	if err != nil {
		if errors.Is(err, errAddressType) {
			writeReply(conn, AddressTypeNotSupported, nil)
		} else if errors.Is(err, errMalformedAddress) {
			writeReply(conn, GeneralFailure, nil)
		}
		return forward.Target{}, err
	}
	return target, nil
}

// writeReply sends a reply frame. When bound is a usable IPv4 TCP
// address it is reported as BND.ADDR/BND.PORT; otherwise 0.0.0.0:0 is
// used as a canonical placeholder.
func writeReply(w io.Writer, code byte, bound net.Addr) error {
	reply := []byte{Version5, code, 0x00, AtypIPv4, 0, 0, 0, 0, 0, 0}
	if tcpAddr, ok := bound.(*net.TCPAddr); ok && code == Succeeded {
		if ip4 := tcpAddr.IP.To4(); ip4 != nil {
			copy(reply[4:8], ip4)
			binary.BigEndian.PutUint16(reply[8:], uint16(tcpAddr.Port))
		}
	}
	_, err := w.Write(reply)
	return err
}

// replyCode maps a connect failure onto the closest RFC 1928 reply code.
func replyCode(err error) byte {
	switch {
	case errors.Is(err, forward.ErrConnectTimeout):
		return TTLExpired
	case errors.Is(err, forward.ErrConnectionRefused):
		return ConnectionRefused
	case errors.Is(err, forward.ErrNetworkUnreachable):
		return NetworkUnreachable
	case errors.Is(err, forward.ErrHostUnreachable):
		return HostUnreachable
	}
	return GeneralFailure
}

func containsMethod(methods []byte, method byte) bool {
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}
