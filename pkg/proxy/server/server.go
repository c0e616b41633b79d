// Package server accepts proxy connections, enforces the global
// concurrency ceiling, sniffs the protocol of each new connection, and
// dispatches it to the SOCKS5 or HTTP handler on its own goroutine.
package server

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/jayhsudev/rust-proxy/pkg/auth"
	"github.com/jayhsudev/rust-proxy/pkg/config"
	"github.com/jayhsudev/rust-proxy/pkg/metrics"
	"github.com/jayhsudev/rust-proxy/pkg/netio"
	"github.com/jayhsudev/rust-proxy/pkg/proxy/httpproxy"
	"github.com/jayhsudev/rust-proxy/pkg/proxy/socks"
)

// protocolHandler is implemented by both protocol handlers.
type protocolHandler interface {
	Handle(ctx context.Context, conn *netio.Conn, logger zerolog.Logger) error
}

// Server owns the listening socket and the admission slot pool. The pool
// is created per server instance, never process-wide, so tests can run
// independent servers side by side.
type Server struct {
	listenAddress string
	bufferSize    int

	slots   *semaphore.Weighted
	socks   protocolHandler
	http    protocolHandler
	metrics *metrics.Metrics

	listener net.Listener
	handlers sync.WaitGroup
}

// New builds a server from configuration and a credential store.
func New(cfg *config.Config, store *auth.Store, m *metrics.Metrics) *Server {
	return &Server{
		listenAddress: cfg.ListenAddress,
		bufferSize:    cfg.BufferSize,
		slots:         semaphore.NewWeighted(int64(cfg.MaxConnections)),
		socks:         socks.NewHandler(store, cfg.BufferSize, cfg.ConnectTimeout(), m),
		http:          httpproxy.NewHandler(store, cfg.BufferSize, cfg.ConnectTimeout(), m),
		metrics:       m,
	}
}

// Listen binds the listening socket without serving yet. Addr is valid
// once Listen returns. ListenAndServe calls it implicitly.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.listenAddress)
	if err != nil {
		return err
	}
	s.listener = listener
	return nil
}

// ListenAndServe binds the listening socket and accepts until ctx is
// canceled. Binding failure is the only fatal error; everything after
// that is local to one connection. When ctx is canceled the listener is
// closed and in-flight handlers are drained before returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	listener := s.listener

	log.Info().Str("addr", listener.Addr().String()).Msg("Proxy listening")

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	err := s.acceptLoop(ctx)
	s.handlers.Wait()
	log.Info().Msg("Proxy stopped")
	return err
}

// Addr returns the bound listener address, or nil before ListenAndServe.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// acceptLoop accepts connections and dispatches each one once an
// admission slot is held. When the pool is exhausted the loop blocks on
// Acquire; the kernel keeps accepting into the backlog, nothing is
// actively rejected.
func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil // shutdown
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}

		if err := s.slots.Acquire(ctx, 1); err != nil {
			conn.Close()
			return nil // shutdown while waiting for a slot
		}

		s.handlers.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection sniffs the protocol and runs the matching handler.
// The admission slot is released unconditionally when handling ends,
// whatever the outcome.
func (s *Server) handleConnection(ctx context.Context, rawConn net.Conn) {
	defer s.handlers.Done()
	defer s.slots.Release(1)
	defer rawConn.Close()

	s.metrics.ActiveConnections.Inc()
	defer s.metrics.ActiveConnections.Dec()

	if tcpConn, ok := rawConn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	logger := log.With().
		Str("conn_id", uuid.New().String()).
		Str("client", rawConn.RemoteAddr().String()).
		Logger()

	conn := netio.NewConn(rawConn, s.bufferSize)

	// One byte decides the protocol: 0x05 is the SOCKS5 version byte and
	// can never start an HTTP request line.
	first, err := conn.Peek(1)
	if err != nil {
		s.metrics.ErrorsTotal.WithLabelValues("sniff").Inc()
		logger.Debug().Err(err).Msg("Client disconnected before protocol sniff")
		return
	}

	var handler protocolHandler
	var protocol string
	if first[0] == socks.Version5 {
		handler, protocol = s.socks, "socks5"
	} else {
		handler, protocol = s.http, "http"
	}

	s.metrics.ConnectionsTotal.WithLabelValues(protocol).Inc()
	logger.Debug().Str("protocol", protocol).Msg("Connection accepted")

	if err := handler.Handle(ctx, conn, logger); err != nil {
		s.metrics.ErrorsTotal.WithLabelValues(protocol).Inc()
		logger.Warn().Err(err).Str("protocol", protocol).Msg("Connection finished with error")
	}
}
