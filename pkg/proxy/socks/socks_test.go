package socks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jayhsudev/rust-proxy/pkg/auth"
	"github.com/jayhsudev/rust-proxy/pkg/metrics"
	"github.com/jayhsudev/rust-proxy/pkg/netio"
	"github.com/jayhsudev/rust-proxy/pkg/proxy/forward"
)

// tcpPair returns two ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- accepted{conn, err}
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	a := <-ch
	if a.err != nil {
		client.Close()
		t.Fatalf("accept: %v", a.err)
	}
	t.Cleanup(func() {
		client.Close()
		a.conn.Close()
	})
	return client, a.conn
}

// echoServer starts a loopback echo listener and returns its address.
func echoServer(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(c, c)
				c.Close()
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

// startHandler runs Handle on the server side of a fresh connection pair
// and returns the client side plus the handler's result channel.
func startHandler(t *testing.T, store *auth.Store) (net.Conn, chan error) {
	t.Helper()
	client, server := tcpPair(t)
	client.SetDeadline(time.Now().Add(5 * time.Second))

	h := NewHandler(store, 4096, 5*time.Second, metrics.New())
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Handle(context.Background(), netio.NewConn(server, 4096), zerolog.Nop())
	}()
	return client, errCh
}

func emptyStore(t *testing.T) *auth.Store {
	t.Helper()
	store, err := auth.NewStore(nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func userStore(t *testing.T) *auth.Store {
	t.Helper()
	store, err := auth.NewStore(map[string]string{"user1": "pass123"})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func connectRequestIPv4(ip net.IP, port int) []byte {
	req := []byte{Version5, CmdConnect, 0x00, AtypIPv4}
	req = append(req, ip.To4()...)
	return append(req, byte(port>>8), byte(port))
}

func readReply(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if reply[0] != Version5 {
		t.Fatalf("reply version = 0x%02x, want 0x05", reply[0])
	}
	return reply
}

func TestNoAuthTunnel(t *testing.T) {
	echo := echoServer(t)
	client, errCh := startHandler(t, emptyStore(t))

	client.Write([]byte{Version5, 1, NoAuth})
	selection := make([]byte, 2)
	if _, err := io.ReadFull(client, selection); err != nil {
		t.Fatalf("reading method selection: %v", err)
	}
	if selection[1] != NoAuth {
		t.Fatalf("selected method = 0x%02x, want 0x00", selection[1])
	}

	client.Write(connectRequestIPv4(echo.IP, echo.Port))
	reply := readReply(t, client)
	if reply[1] != Succeeded {
		t.Fatalf("reply code = 0x%02x, want 0x00", reply[1])
	}

	client.Write([]byte("ping"))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("reading echo: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("echoed %q, want \"ping\"", buf)
	}

	client.(*net.TCPConn).CloseWrite()
	io.Copy(io.Discard, client)

	if err := <-errCh; err != nil {
		t.Errorf("Handle returned %v, want nil", err)
	}
}

func TestAuthenticatedTunnel(t *testing.T) {
	echo := echoServer(t)
	client, errCh := startHandler(t, userStore(t))

	client.Write([]byte{Version5, 2, NoAuth, UsernamePassword})
	selection := make([]byte, 2)
	if _, err := io.ReadFull(client, selection); err != nil {
		t.Fatalf("reading method selection: %v", err)
	}
	if selection[1] != UsernamePassword {
		t.Fatalf("selected method = 0x%02x, want 0x02", selection[1])
	}

	authFrame := []byte{AuthVersion, 5}
	authFrame = append(authFrame, "user1"...)
	authFrame = append(authFrame, 7)
	authFrame = append(authFrame, "pass123"...)
	client.Write(authFrame)

	status := make([]byte, 2)
	if _, err := io.ReadFull(client, status); err != nil {
		t.Fatalf("reading auth status: %v", err)
	}
	if status[0] != AuthVersion || status[1] != AuthSuccess {
		t.Fatalf("auth status = %v, want [0x01 0x00]", status)
	}

	client.Write(connectRequestIPv4(echo.IP, echo.Port))
	reply := readReply(t, client)
	if reply[1] != Succeeded {
		t.Fatalf("reply code = 0x%02x, want 0x00", reply[1])
	}

	client.(*net.TCPConn).CloseWrite()
	io.Copy(io.Discard, client)
	<-errCh
}

func TestWrongPasswordRejected(t *testing.T) {
	client, errCh := startHandler(t, userStore(t))

	client.Write([]byte{Version5, 1, UsernamePassword})
	selection := make([]byte, 2)
	if _, err := io.ReadFull(client, selection); err != nil {
		t.Fatalf("reading method selection: %v", err)
	}
	if selection[1] != UsernamePassword {
		t.Fatalf("selected method = 0x%02x, want 0x02", selection[1])
	}

	authFrame := []byte{AuthVersion, 5}
	authFrame = append(authFrame, "user1"...)
	authFrame = append(authFrame, 5)
	authFrame = append(authFrame, "wrong"...)
	client.Write(authFrame)

	status := make([]byte, 2)
	if _, err := io.ReadFull(client, status); err != nil {
		t.Fatalf("reading auth status: %v", err)
	}
	if status[1] == AuthSuccess {
		t.Fatal("wrong password accepted")
	}

	// The handler closes the connection after a failed sub-negotiation.
	if err := <-errCh; !errors.Is(err, errAuthFailed) {
		t.Errorf("Handle returned %v, want errAuthFailed", err)
	}
}

func TestUsernamePasswordWithoutConfiguredUsers(t *testing.T) {
	// A client insisting on username/password against an open proxy is
	// accepted with any credentials.
	client, errCh := startHandler(t, emptyStore(t))

	client.Write([]byte{Version5, 1, UsernamePassword})
	selection := make([]byte, 2)
	if _, err := io.ReadFull(client, selection); err != nil {
		t.Fatalf("reading method selection: %v", err)
	}
	if selection[1] != UsernamePassword {
		t.Fatalf("selected method = 0x%02x, want 0x02", selection[1])
	}

	authFrame := []byte{AuthVersion, 3}
	authFrame = append(authFrame, "foo"...)
	authFrame = append(authFrame, 3)
	authFrame = append(authFrame, "bar"...)
	client.Write(authFrame)

	status := make([]byte, 2)
	if _, err := io.ReadFull(client, status); err != nil {
		t.Fatalf("reading auth status: %v", err)
	}
	if status[1] != AuthSuccess {
		t.Fatalf("auth status = 0x%02x, want 0x00", status[1])
	}

	client.Close()
	<-errCh
}

func TestNoAcceptableMethod(t *testing.T) {
	// With users configured, a no-auth-only client is turned away.
	client, errCh := startHandler(t, userStore(t))

	client.Write([]byte{Version5, 1, NoAuth})
	selection := make([]byte, 2)
	if _, err := io.ReadFull(client, selection); err != nil {
		t.Fatalf("reading method selection: %v", err)
	}
	if selection[1] != NoAcceptableMethods {
		t.Fatalf("selected method = 0x%02x, want 0xFF", selection[1])
	}

	if err := <-errCh; !errors.Is(err, errNoAcceptableMethod) {
		t.Errorf("Handle returned %v, want errNoAcceptableMethod", err)
	}
}

func TestCommandNotSupported(t *testing.T) {
	client, errCh := startHandler(t, emptyStore(t))

	client.Write([]byte{Version5, 1, NoAuth})
	io.ReadFull(client, make([]byte, 2))

	client.Write([]byte{Version5, CmdBind, 0x00, AtypIPv4, 127, 0, 0, 1, 0x1F, 0x90})
	reply := readReply(t, client)
	if reply[1] != CommandNotSupported {
		t.Errorf("reply code = 0x%02x, want 0x07", reply[1])
	}
	<-errCh
}

func TestAddressTypeNotSupported(t *testing.T) {
	client, errCh := startHandler(t, emptyStore(t))

	client.Write([]byte{Version5, 1, NoAuth})
	io.ReadFull(client, make([]byte, 2))

	client.Write([]byte{Version5, CmdConnect, 0x00, 0x09})
	reply := readReply(t, client)
	if reply[1] != AddressTypeNotSupported {
		t.Errorf("reply code = 0x%02x, want 0x08", reply[1])
	}
	<-errCh
}

func TestConnectionRefusedReply(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	closedAddr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	client, errCh := startHandler(t, emptyStore(t))

	client.Write([]byte{Version5, 1, NoAuth})
	io.ReadFull(client, make([]byte, 2))

	client.Write(connectRequestIPv4(closedAddr.IP, closedAddr.Port))
	reply := readReply(t, client)
	if reply[1] != ConnectionRefused {
		t.Errorf("reply code = 0x%02x, want 0x05", reply[1])
	}
	<-errCh
}

func TestDomainTarget(t *testing.T) {
	echo := echoServer(t)
	client, errCh := startHandler(t, emptyStore(t))

	client.Write([]byte{Version5, 1, NoAuth})
	io.ReadFull(client, make([]byte, 2))

	host := "localhost"
	req := []byte{Version5, CmdConnect, 0x00, AtypDomain, byte(len(host))}
	req = append(req, host...)
	req = append(req, byte(echo.Port>>8), byte(echo.Port))
	client.Write(req)

	reply := readReply(t, client)
	if reply[1] != Succeeded {
		t.Fatalf("reply code = 0x%02x, want 0x00", reply[1])
	}

	client.(*net.TCPConn).CloseWrite()
	io.Copy(io.Discard, client)
	<-errCh
}

func TestInvalidGreetingVersion(t *testing.T) {
	client, errCh := startHandler(t, emptyStore(t))

	client.Write([]byte{0x04, 1, NoAuth})
	if err := <-errCh; !errors.Is(err, errInvalidVersion) {
		t.Errorf("Handle returned %v, want errInvalidVersion", err)
	}
}

func TestReplyCodeMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want byte
	}{
		{"timeout", fmt.Errorf("dial: %w", forward.ErrConnectTimeout), TTLExpired},
		{"refused", fmt.Errorf("dial: %w", forward.ErrConnectionRefused), ConnectionRefused},
		{"network unreachable", fmt.Errorf("dial: %w", forward.ErrNetworkUnreachable), NetworkUnreachable},
		{"host unreachable", fmt.Errorf("dial: %w", forward.ErrHostUnreachable), HostUnreachable},
		{"other", errors.New("boom"), GeneralFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := replyCode(tt.err); got != tt.want {
				t.Errorf("replyCode(%v) = 0x%02x, want 0x%02x", tt.err, got, tt.want)
			}
		})
	}
}
