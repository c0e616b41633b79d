// Package httpproxy implements the HTTP side of the proxy: CONNECT
// tunnels and one-shot forwarding of standard methods with hop-by-hop
// header hygiene. One request/response pair is served per accepted
// connection, after which the connection closes.
package httpproxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jayhsudev/rust-proxy/pkg/auth"
	"github.com/jayhsudev/rust-proxy/pkg/metrics"
	"github.com/jayhsudev/rust-proxy/pkg/netio"
	"github.com/jayhsudev/rust-proxy/pkg/proxy/forward"
)

// Canned responses. The proxy speaks just enough HTTP to negotiate; it
// never generates bodies of its own.
const (
	statusConnectOK = "HTTP/1.1 200 Connection established\r\n\r\n"

	statusBadRequest = "HTTP/1.1 400 Bad Request\r\n\r\n"

	statusAuthRequired = "HTTP/1.1 407 Proxy Authentication Required\r\n" +
		"Proxy-Authenticate: Basic realm=\"Proxy\"\r\n" +
		"Content-Length: 0\r\n\r\n"

	statusMethodNotAllowed = "HTTP/1.1 405 Method Not Allowed\r\n\r\n"

	statusBadGateway = "HTTP/1.1 502 Bad Gateway\r\n\r\n"
)

var errProxyAuthRequired = errors.New("httpproxy: proxy authentication required")

// Handler serves HTTP proxy connections. Stateless and safe for
// concurrent use.
type Handler struct {
	auth           *auth.Store
	bufferSize     int
	connectTimeout time.Duration
	metrics        *metrics.Metrics
}

// NewHandler creates an HTTP proxy handler.
func NewHandler(store *auth.Store, bufferSize int, connectTimeout time.Duration, m *metrics.Metrics) *Handler {
	return &Handler{
		auth:           store,
		bufferSize:     bufferSize,
		connectTimeout: connectTimeout,
		metrics:        m,
	}
}

// Handle parses one request, authenticates it when users are configured,
// and dispatches to CONNECT tunneling or single-exchange forwarding.
func (h *Handler) Handle(ctx context.Context, conn *netio.Conn, logger zerolog.Logger) error {
	req, err := parseRequest(conn)
	if err != nil {
		// Nothing has been sent upstream yet, so a 400 is still honest.
		io.WriteString(conn, statusBadRequest)
		return err
	}

	if h.auth.HasUsers() && !h.authorized(req) {
		io.WriteString(conn, statusAuthRequired)
		logger.Warn().Str("method", req.Method).Msg("HTTP proxy authentication failed")
		return errProxyAuthRequired
	}

	switch req.Method {
	case "CONNECT":
		return h.handleConnect(ctx, conn, req, logger)
	case "GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS", "PATCH":
		return h.handleForward(ctx, conn, req, logger)
	default:
		io.WriteString(conn, statusMethodNotAllowed)
		return fmt.Errorf("httpproxy: unsupported method %q", req.Method)
	}
}

// authorized checks the Proxy-Authorization header against the
// credential store.
func (h *Handler) authorized(req *Request) bool {
	value, ok := req.Header("Proxy-Authorization")
	if !ok {
		return false
	}
	encoded, ok := strings.CutPrefix(value, "Basic ")
	if !ok {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}
	return h.auth.Authenticate(username, password)
}

// handleConnect opens a raw TCP tunnel to the host:port named by the
// request target and relays bytes in both directions.
func (h *Handler) handleConnect(ctx context.Context, conn *netio.Conn, req *Request, logger zerolog.Logger) error {
	target, err := connectTarget(req.Target)
	if err != nil {
		io.WriteString(conn, statusBadRequest)
		return err
	}

	targetConn, err := forward.Connect(ctx, target, h.connectTimeout)
	if err != nil {
		io.WriteString(conn, statusBadGateway)
		return fmt.Errorf("connecting to %s: %w", target, err)
	}
	defer targetConn.Close()

	if _, err := io.WriteString(conn, statusConnectOK); err != nil {
		return fmt.Errorf("httpproxy: writing tunnel status: %w", err)
	}

	logger.Debug().Stringer("target", target).Msg("CONNECT tunnel established")

	sent, received, err := forward.Relay(conn, targetConn, h.bufferSize)
	h.metrics.RelayBytesTotal.WithLabelValues("client_to_target").Add(float64(sent))
	h.metrics.RelayBytesTotal.WithLabelValues("target_to_client").Add(float64(received))
	logger.Info().
		Stringer("target", target).
		Int64("sent", sent).
		Int64("received", received).
		Msg("CONNECT session finished")
	return err
}

// handleForward relays a single plain-HTTP exchange: the rewritten
// request (origin-form target, hop-by-hop headers stripped, Connection:
// close injected) goes upstream once, then the response streams back
// until the target closes.
func (h *Handler) handleForward(ctx context.Context, conn *netio.Conn, req *Request, logger zerolog.Logger) error {
	u, err := url.Parse(req.Target)
	if err != nil || u.Host == "" {
		io.WriteString(conn, statusBadRequest)
		return fmt.Errorf("%w: target %q", errMalformedRequest, req.Target)
	}

	portStr := u.Port()
	if portStr == "" {
		switch u.Scheme {
		case "http":
			portStr = "80"
		case "https":
			portStr = "443"
		default:
			io.WriteString(conn, statusBadRequest)
			return fmt.Errorf("%w: no port for scheme %q", errMalformedRequest, u.Scheme)
		}
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		io.WriteString(conn, statusBadRequest)
		return fmt.Errorf("%w: port %q", errMalformedRequest, portStr)
	}

	target, err := forward.NewTarget(u.Hostname(), uint16(port))
	if err != nil {
		io.WriteString(conn, statusBadRequest)
		return err
	}

	targetConn, err := forward.Connect(ctx, target, h.connectTimeout)
	if err != nil {
		io.WriteString(conn, statusBadGateway)
		return fmt.Errorf("connecting to %s: %w", target, err)
	}
	defer targetConn.Close()

	if _, err := targetConn.Write(buildOutboundRequest(req, u)); err != nil {
		return fmt.Errorf("httpproxy: writing upstream request: %w", err)
	}

	logger.Debug().Str("method", req.Method).Str("url", req.Target).Msg("HTTP request forwarded")

	// One exchange per connection: only the response flows back.
	buf := make([]byte, h.bufferSize)
	received, err := io.CopyBuffer(conn, targetConn, buf)
	h.metrics.RelayBytesTotal.WithLabelValues("target_to_client").Add(float64(received))
	conn.CloseWrite()

	logger.Info().
		Str("method", req.Method).
		Str("url", req.Target).
		Int64("received", received).
		Msg("HTTP session finished")
	if err != nil {
		return fmt.Errorf("httpproxy: copying response: %w", err)
	}
	return nil
}

// buildOutboundRequest serializes the upstream request: origin-form
// request line, the client's headers in original order and casing minus
// hop-by-hop ones, a forced Connection: close, then the body.
func buildOutboundRequest(req *Request, u *url.URL) []byte {
	var out bytes.Buffer
	fmt.Fprintf(&out, "%s %s %s\r\n", req.Method, u.RequestURI(), req.Version)

	for _, header := range req.Headers {
		lower := strings.ToLower(header.Name)
		if strings.HasPrefix(lower, "proxy-") || lower == "connection" {
			continue
		}
		fmt.Fprintf(&out, "%s: %s\r\n", header.Name, header.Value)
	}
	out.WriteString("Connection: close\r\n\r\n")
	out.Write(req.Body)
	return out.Bytes()
}

// connectTarget parses the host:port form used by CONNECT.
func connectTarget(hostPort string) (forward.Target, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return forward.Target{}, fmt.Errorf("%w: CONNECT target %q", errMalformedRequest, hostPort)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return forward.Target{}, fmt.Errorf("%w: CONNECT port %q", errMalformedRequest, portStr)
	}
	return forward.NewTarget(host, uint16(port))
}
