// Package server exposes the CAN-FD bus over TCP using the stream
// protocol. Each accepted client gets a session with two pumps: the
// reader forwards client frames to the backend and the writer flushes
// hub broadcasts back to the client in batches.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canstack/flexcanfd/internal/can"
	"github.com/canstack/flexcanfd/internal/hub"
	"github.com/canstack/flexcanfd/internal/logging"
	"github.com/canstack/flexcanfd/internal/metrics"
	"github.com/canstack/flexcanfd/internal/stream"
	"github.com/canstack/flexcanfd/internal/transport"
)

// SendFunc hands one inbound client frame to the CAN backend.
type SendFunc func(can.Frame) error

// Server owns the TCP listener and the set of live client sessions.
type Server struct {
	mu       sync.RWMutex
	addr     string
	listener net.Listener

	Hub   *hub.Hub
	Codec transport.FrameDecoder
	Send  SendFunc

	frameFilter      func(*can.Frame) bool
	flushInterval    time.Duration
	batchSize        int
	readDeadline     time.Duration
	handshakeTimeout time.Duration
	maxClients       int
	logger           *slog.Logger

	readyOnce sync.Once
	readyCh   chan struct{}
	errCh     chan error
	lastErrMu sync.Mutex
	lastErr   error

	sessMu   sync.Mutex
	sessions map[*session]struct{}
	wg       sync.WaitGroup
	connSeq  atomic.Uint64
	stats    serverStats
}

// serverStats holds lifetime counters reported in the shutdown summary.
type serverStats struct {
	accepted        atomic.Uint64
	handshakeFail   atomic.Uint64
	connected       atomic.Uint64
	disconnected    atomic.Uint64
	backendOverflow atomic.Uint64
	backendErrors   atomic.Uint64
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		addr:             ":0",
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		sessions:         make(map[*session]struct{}),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Addr returns the listen address; once Serve is up this is the
// resolved address including the ephemeral port.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// SetListenAddr overrides the listen address. Must be called before Serve.
func (s *Server) SetListenAddr(a string) {
	s.mu.Lock()
	s.addr = a
	s.mu.Unlock()
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Errors yields asynchronous server errors; the channel holds at most
// one entry and further errors are dropped (use LastError for the latest).
func (s *Server) Errors() <-chan error { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *Server) LastError() error {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr
}

// Serve binds the listener and accepts clients until ctx is cancelled
// or the listener fails. Each accepted connection is admitted on its
// own goroutine so a stalled handshake cannot delay the next client.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())

	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) { // transient, back off and retry
				time.Sleep(200 * time.Millisecond)
				continue
			}
			wrap := fmt.Errorf("%w: %v", ErrAccept, err)
			metrics.IncError(mapErrToMetric(wrap))
			s.setError(wrap)
			return wrap
		}
		s.stats.accepted.Add(1)
		s.wg.Add(1)
		go s.admit(ctx, conn)
	}
}

// admit runs the hello exchange and capacity check on a fresh
// connection, then starts its session pumps.
func (s *Server) admit(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	log := s.logger.With(
		"conn_id", s.connSeq.Add(1),
		"remote", conn.RemoteAddr().String(),
	)
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if err := s.Handshake(ctx, conn); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrHandshake, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		s.stats.handshakeFail.Add(1)
		log.Warn("handshake_failed", "error", wrap)
		_ = conn.Close()
		return
	}
	if s.maxClients > 0 && s.Hub != nil && s.Hub.Count() >= s.maxClients {
		metrics.IncHubReject()
		log.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return
	}
	ss := s.newSession(conn, log)
	s.stats.connected.Add(1)
	log.Info("client_connected")
	ss.run(ctx.Done())
}

// Handshake runs the hello exchange on c within the configured timeout.
func (s *Server) Handshake(ctx context.Context, c net.Conn) error {
	return stream.Handshake(ctx, c, s.handshakeTimeout)
}

// Shutdown closes the listener and every live session, then waits for
// the pump goroutines to drain or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.sessMu.Lock()
	for ss := range s.sessions {
		_ = ss.conn.Close()
		if s.Hub != nil {
			s.Hub.Remove(ss.cl)
		}
		delete(s.sessions, ss)
	}
	s.sessMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown: %v", ErrContext, ctx.Err())
	case <-done:
	}
	s.logger.Info("shutdown_summary",
		"accepted", s.stats.accepted.Load(),
		"handshake_fail", s.stats.handshakeFail.Load(),
		"connected", s.stats.connected.Load(),
		"disconnected", s.stats.disconnected.Load(),
		"backend_overflow", s.stats.backendOverflow.Load(),
		"backend_errors", s.stats.backendErrors.Load())
	return nil
}
