package netio

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"
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

func TestPeekDoesNotConsume(t *testing.T) {
	client, server := tcpPair(t)
	conn := NewConn(server, 4096)

	if _, err := client.Write([]byte("abcdef")); err != nil {
		t.Fatalf("write: %v", err)
	}

	first, err := conn.Peek(1)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if len(first) != 1 || first[0] != 'a' {
		t.Fatalf("Peek(1) = %q, want \"a\"", first)
	}

	// A second peek sees the same byte.
	again, err := conn.Peek(1)
	if err != nil {
		t.Fatalf("second Peek: %v", err)
	}
	if again[0] != 'a' {
		t.Fatalf("second Peek(1) = %q, want \"a\"", again)
	}

	// Read returns the peeked byte first, in order.
	buf := make([]byte, 6)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != "abcdef" {
		t.Fatalf("Read after Peek = %q, want \"abcdef\"", buf)
	}
	if conn.Buffered() != 0 {
		t.Errorf("Buffered() = %d after draining, want 0", conn.Buffered())
	}
}

func TestPeekReturnsAtMostBuffered(t *testing.T) {
	client, server := tcpPair(t)
	conn := NewConn(server, 4096)

	if _, err := client.Write([]byte{0x05}); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := conn.Peek(16)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if len(got) == 0 || got[0] != 0x05 {
		t.Fatalf("Peek(16) = %v, want leading 0x05", got)
	}
}

func TestReadLine(t *testing.T) {
	client, server := tcpPair(t)
	conn := NewConn(server, 4096)

	go func() {
		client.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\nrest"))
	}()

	lines := []string{"GET / HTTP/1.1", "Host: example.com", ""}
	for i, want := range lines {
		got, err := conn.ReadLine()
		if err != nil {
			t.Fatalf("ReadLine #%d: %v", i, err)
		}
		if got != want {
			t.Errorf("ReadLine #%d = %q, want %q", i, got, want)
		}
	}

	// Payload after the header block is untouched.
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != "rest" {
		t.Errorf("payload after ReadLine = %q, want \"rest\"", buf)
	}
}

func TestReadLineTruncatedInput(t *testing.T) {
	client, server := tcpPair(t)
	conn := NewConn(server, 4096)

	client.Write([]byte("no terminator"))
	client.Close()

	if _, err := conn.ReadLine(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("ReadLine on truncated input = %v, want ErrUnexpectedEOF", err)
	}
}

func TestPeekOnClosedConnection(t *testing.T) {
	client, server := tcpPair(t)
	conn := NewConn(server, 4096)

	client.Close()
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Peek(1); err == nil {
		t.Error("Peek on closed connection = nil error, want error")
	}
}

func TestCloseWriteSignalsEOF(t *testing.T) {
	client, server := tcpPair(t)
	conn := NewConn(server, 4096)

	if err := conn.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("peer Read after CloseWrite = %v, want io.EOF", err)
	}
}
