// Package forward establishes target connections under a timeout and
// relays bytes between two open streams. It is the shared back half of
// both protocol handlers: once negotiation picks a target, everything
// below this line is a raw byte relay that never inspects payload.
package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"
)

// Connection failure classes. Connect wraps the underlying error with
// exactly one of these so callers can map it to a protocol reply code
// while diagnostics keep the original cause.
var (
	ErrConnectTimeout     = errors.New("connect timed out")
	ErrConnectionRefused  = errors.New("connection refused")
	ErrNetworkUnreachable = errors.New("network unreachable")
	ErrHostUnreachable    = errors.New("host unreachable")
)

// Connect dials the target over TCP, failing within timeout. A single
// attempt is made per call; the dialer's resolver tries candidate
// addresses in order under the shared timeout. No retries happen here.
func Connect(ctx context.Context, target Target, timeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", target.Address())
	if err != nil {
		return nil, classify(err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	return conn, nil
}

// classify maps a dial error onto one of the failure classes, keeping
// the original error in the chain.
func classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %v", ErrHostUnreachable, err)
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	case errors.Is(err, syscall.ENETUNREACH):
		return fmt.Errorf("%w: %v", ErrNetworkUnreachable, err)
	case errors.Is(err, syscall.EHOSTUNREACH):
		return fmt.Errorf("%w: %v", ErrHostUnreachable, err)
	}
	return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
}

// Relay copies bytes between client and target in both directions until
// both sides finish. A clean EOF on one direction half-closes the write
// side of the opposite stream so buffered data can drain; an I/O error
// tears both streams down. Returns bytes sent client-to-target, bytes
// received target-to-client, and the first I/O error observed (nil on a
// clean shutdown).
func Relay(client, target net.Conn, bufferSize int) (sent, received int64, err error) {
	if bufferSize <= 0 {
		bufferSize = 4096
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		n, copyErr := copyDirection(target, client, bufferSize)
		sent = n
		errCh <- copyErr
	}()
	go func() {
		defer wg.Done()
		n, copyErr := copyDirection(client, target, bufferSize)
		received = n
		errCh <- copyErr
	}()
	wg.Wait()
	close(errCh)

	for copyErr := range errCh {
		if copyErr != nil && err == nil {
			err = copyErr
		}
	}
	return sent, received, err
}

// copyDirection streams src into dst with a dedicated buffer. On clean
// EOF the write side of dst is shut down; on error both streams are
// closed so the opposite direction unblocks.
func copyDirection(dst, src net.Conn, bufferSize int) (int64, error) {
	buf := make([]byte, bufferSize)
	n, err := io.CopyBuffer(dst, src, buf)
	if err == nil {
		closeWrite(dst)
		return n, nil
	}
	dst.Close()
	src.Close()
	if isClosedConn(err) {
		// The other direction already tore the session down.
		return n, nil
	}
	return n, err
}

// closeWrite propagates a half-close, falling back to a full close when
// the stream has no write side to shut down.
func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
		return
	}
	conn.Close()
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
