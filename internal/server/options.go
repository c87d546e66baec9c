package server

import (
	"log/slog"
	"time"

	"github.com/canstack/flexcanfd/internal/can"
	"github.com/canstack/flexcanfd/internal/hub"
	"github.com/canstack/flexcanfd/internal/transport"
)

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
)

type ServerOption func(*Server)

// WithListenAddr sets the TCP listen address (host:port, ":0" for ephemeral).
func WithListenAddr(a string) ServerOption {
	return func(s *Server) {
		if a != "" {
			s.addr = a
		}
	}
}

// WithHub sets the broadcast hub carrying bus frames to clients.
func WithHub(hb *hub.Hub) ServerOption { return func(s *Server) { s.Hub = hb } }

// WithCodec sets the wire codec; batch encode and burst decode are used
// when the codec supports them.
func WithCodec(c transport.FrameDecoder) ServerOption { return func(s *Server) { s.Codec = c } }

// WithSend sets the backend transmit function for inbound client frames.
func WithSend(send SendFunc) ServerOption { return func(s *Server) { s.Send = send } }

// WithFrameFilter installs a predicate; inbound frames failing it are
// dropped before reaching the backend.
func WithFrameFilter(fn func(*can.Frame) bool) ServerOption {
	return func(s *Server) { s.frameFilter = fn }
}

// WithFlushInterval sets how often a partially filled batch is written out.
func WithFlushInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithBatchSize sets the frame count that forces an immediate flush.
func WithBatchSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithReadDeadline sets the per-iteration client read deadline.
func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

// WithHandshakeTimeout bounds the hello exchange on a new connection.
func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// WithMaxClients caps concurrent clients; extra connections are closed
// right after the handshake.
func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}
