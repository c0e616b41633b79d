package httpproxy

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jayhsudev/rust-proxy/pkg/netio"
)

var errMalformedRequest = errors.New("httpproxy: malformed request")

// Header is a single request header, preserving the original name casing
// so pass-through forwarding does not rewrite what the client sent.
type Header struct {
	Name  string
	Value string
}

// Request is one parsed proxy request: request line, ordered headers,
// and the body when a Content-Length declares one.
type Request struct {
	Method  string
	Target  string // absolute URI, or host:port for CONNECT
	Version string
	Headers []Header
	Body    []byte
}

// Header returns the first value of the named header, matched
// case-insensitively.
func (r *Request) Header(name string) (string, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// parseRequest reads the request line, the header block, and the
// Content-Length body if any. Any framing violation (short request
// line, header without a colon, bad Content-Length) is reported as
// errMalformedRequest so the caller can answer 400.
func parseRequest(conn *netio.Conn) (*Request, error) {
	requestLine, err := conn.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("httpproxy: reading request line: %w", err)
	}
	parts := strings.Fields(requestLine)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: request line %q", errMalformedRequest, requestLine)
	}

	req := &Request{
		Method:  parts[0],
		Target:  parts[1],
		Version: parts[2],
	}

	for {
		line, err := conn.ReadLine()
		if err != nil {
			return nil, fmt.Errorf("httpproxy: reading headers: %w", err)
		}
		if line == "" {
			break
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return nil, fmt.Errorf("%w: header line %q", errMalformedRequest, line)
		}
		req.Headers = append(req.Headers, Header{
			Name:  strings.TrimSpace(line[:colon]),
			Value: strings.TrimSpace(line[colon+1:]),
		})
	}

	if lengthValue, ok := req.Header("Content-Length"); ok {
		length, err := strconv.Atoi(lengthValue)
		if err != nil || length < 0 {
			return nil, fmt.Errorf("%w: Content-Length %q", errMalformedRequest, lengthValue)
		}
		req.Body = make([]byte, length)
		if _, err := io.ReadFull(conn, req.Body); err != nil {
			return nil, fmt.Errorf("httpproxy: reading body: %w", err)
		}
	}

	return req, nil
}
