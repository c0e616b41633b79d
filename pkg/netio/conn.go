// Package netio provides the buffered connection wrapper shared by the
// protocol handlers. It keeps an owned read-ahead buffer on top of a raw
// net.Conn so that handlers can inspect incoming bytes (protocol sniffing)
// without consuming them, and read CRLF-delimited lines without an extra
// buffering layer swallowing tunnel payload.
package netio

import (
	"bytes"
	"errors"
	"io"
	"net"
	"time"
)

// ErrLineTooLong is returned by ReadLine when no CRLF shows up within
// MaxLineLength bytes.
var ErrLineTooLong = errors.New("netio: line exceeds maximum length")

// MaxLineLength bounds a single CRLF-terminated line. Request lines and
// header lines beyond this are treated as malformed.
const MaxLineLength = 64 * 1024

// Conn wraps a network connection with an internal read buffer. Bytes
// returned by Peek are identical to, and in the same order as, the bytes
// returned by subsequent Reads. Conn owns the underlying connection
// exclusively; it is not safe for concurrent readers.
type Conn struct {
	conn net.Conn
	buf  []byte // read from conn, not yet consumed
	tmp  []byte // scratch space for fill reads
}

// NewConn wraps conn with a read buffer of the given size. Sizes outside
// the valid range fall back to 4096.
func NewConn(conn net.Conn, bufferSize int) *Conn {
	if bufferSize <= 0 || bufferSize > 65536 {
		bufferSize = 4096
	}
	return &Conn{
		conn: conn,
		buf:  make([]byte, 0, bufferSize),
		tmp:  make([]byte, bufferSize),
	}
}

// fill performs one read from the underlying connection and appends the
// result to the internal buffer.
func (c *Conn) fill() error {
	n, err := c.conn.Read(c.tmp)
	if n > 0 {
		c.buf = append(c.buf, c.tmp[:n]...)
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return io.ErrNoProgress
	}
	return nil
}

// Peek returns up to n bytes without consuming them. When the buffer is
// empty it performs a single fill read, so the first Peek on a fresh
// connection blocks until the peer sends something; afterwards it returns
// whatever is buffered, which may be fewer than n bytes. Repeated peeks
// return the same bytes until the next Read.
func (c *Conn) Peek(n int) ([]byte, error) {
	if len(c.buf) == 0 {
		if err := c.fill(); err != nil {
			return nil, err
		}
	}
	if n > len(c.buf) {
		n = len(c.buf)
	}
	return c.buf[:n], nil
}

// Read consumes bytes, draining any previously peeked data before falling
// through to the underlying connection.
func (c *Conn) Read(p []byte) (int, error) {
	if len(c.buf) > 0 {
		n := copy(p, c.buf)
		c.buf = c.buf[:copy(c.buf, c.buf[n:])]
		return n, nil
	}
	return c.conn.Read(p)
}

// Write passes through to the underlying connection unmodified.
func (c *Conn) Write(p []byte) (int, error) {
	return c.conn.Write(p)
}

// ReadLine reads one line terminated by CRLF and returns it without the
// terminator. An empty string means a bare CRLF (end of an HTTP header
// block).
func (c *Conn) ReadLine() (string, error) {
	for {
		if i := bytes.Index(c.buf, []byte("\r\n")); i >= 0 {
			line := string(c.buf[:i])
			c.buf = c.buf[:copy(c.buf, c.buf[i+2:])]
			return line, nil
		}
		if len(c.buf) > MaxLineLength {
			return "", ErrLineTooLong
		}
		if err := c.fill(); err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
	}
}

// Buffered reports how many peeked bytes are waiting to be consumed.
func (c *Conn) Buffered() int {
	return len(c.buf)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// CloseWrite half-closes the connection when the underlying transport
// supports it (TCP does); otherwise the connection is closed entirely.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.conn.Close()
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// SetDeadline sets the read and write deadlines on the underlying
// connection.
func (c *Conn) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

// SetReadDeadline sets the read deadline on the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

// SetWriteDeadline sets the write deadline on the underlying connection.
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
