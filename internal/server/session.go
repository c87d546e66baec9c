package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/canstack/flexcanfd/internal/can"
	"github.com/canstack/flexcanfd/internal/hub"
	"github.com/canstack/flexcanfd/internal/metrics"
	"github.com/canstack/flexcanfd/internal/transport"
)

// readBurst bounds how many frames one decode pass may drain before the
// read deadline is refreshed.
const readBurst = 16

// session pairs one client connection with its two pump goroutines:
// the reader (client to backend) and the writer (hub to client).
type session struct {
	srv  *Server
	conn net.Conn
	cl   *hub.Client
	log  *slog.Logger

	// optional codec capabilities, asserted once per session
	multi transport.MultiFrameDecoder
	enc   transport.FrameBatchEncoder
}

func (s *Server) newSession(conn net.Conn, log *slog.Logger) *session {
	bufSize := 512
	if s.Hub != nil && s.Hub.OutBufSize > 0 {
		bufSize = s.Hub.OutBufSize
	}
	ss := &session{
		srv:  s,
		conn: conn,
		cl:   hub.NewClient(bufSize),
		log:  log,
	}
	ss.multi, _ = s.Codec.(transport.MultiFrameDecoder)
	ss.enc, _ = s.Codec.(transport.FrameBatchEncoder)
	if s.Hub != nil {
		s.Hub.Add(ss.cl)
		metrics.SetHubClients(s.Hub.Count())
	}
	s.sessMu.Lock()
	s.sessions[ss] = struct{}{}
	s.sessMu.Unlock()
	return ss
}

// run starts both pumps; they exit when the connection closes, the
// client is kicked, or done fires.
func (ss *session) run(done <-chan struct{}) {
	ss.srv.wg.Add(2)
	go ss.writeLoop(done)
	go ss.readLoop(done)
}

// teardown closes the connection and unregisters the session. Both
// pumps call it; the sessions map entry makes the cleanup run once.
func (ss *session) teardown() {
	_ = ss.conn.Close()
	ss.srv.sessMu.Lock()
	_, live := ss.srv.sessions[ss]
	delete(ss.srv.sessions, ss)
	ss.srv.sessMu.Unlock()
	if !live {
		return
	}
	if ss.srv.Hub != nil {
		ss.srv.Hub.Remove(ss.cl)
	}
	ss.srv.stats.disconnected.Add(1)
	ss.log.Info("client_disconnected")
}

func (ss *session) readLoop(done <-chan struct{}) {
	defer ss.srv.wg.Done()
	defer ss.teardown()
	for {
		select {
		case <-done:
			return
		default:
		}
		_ = ss.conn.SetReadDeadline(time.Now().Add(ss.srv.readDeadline))
		n, err := ss.decodeBurst()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			return
		case isNetTimeout(err):
			continue
		default:
			// includes malformed frames; the stream is desynced past
			// this point so the connection must go
			wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
			metrics.IncError(mapErrToMetric(wrap))
			ss.srv.setError(wrap)
			return
		}
		if n == 0 {
			time.Sleep(100 * time.Microsecond)
		}
	}
}

// decodeBurst drains up to readBurst frames from the connection,
// handing each to the backend.
func (ss *session) decodeBurst() (int, error) {
	if ss.multi != nil {
		return ss.multi.DecodeN(ss.conn, readBurst, ss.forward)
	}
	fr, err := ss.srv.Codec.Decode(ss.conn)
	if err != nil {
		return 0, err
	}
	ss.forward(fr)
	return 1, nil
}

// forward pushes one inbound frame to the backend. A full TX queue
// drops the frame but keeps the connection; any other backend failure
// is counted and reported.
func (ss *session) forward(fr can.Frame) {
	if ss.srv.frameFilter != nil && !ss.srv.frameFilter(&fr) {
		return
	}
	metrics.IncTCPRx()
	err := ss.srv.Send(fr)
	if err == nil {
		return
	}
	if isTxOverflow(err) {
		ss.srv.stats.backendOverflow.Add(1)
		ss.log.Debug("backend_overflow_drop", "can_id", fmt.Sprintf("0x%X", fr.ID), "len", fr.Len)
		return
	}
	wrap := fmt.Errorf("%w: %v", ErrBackendTx, err)
	metrics.IncError(mapErrToMetric(wrap))
	ss.srv.stats.backendErrors.Add(1)
	ss.srv.setError(wrap)
	ss.log.Error("backend_tx_error", "error", wrap, "can_id", fmt.Sprintf("0x%X", fr.ID))
}

func (ss *session) writeLoop(done <-chan struct{}) {
	defer ss.srv.wg.Done()
	defer ss.teardown()
	tick := time.NewTicker(ss.srv.flushInterval)
	defer tick.Stop()
	pending := make([]can.Frame, 0, ss.srv.batchSize)
	for {
		select {
		case fr := <-ss.cl.Out:
			pending = append(pending, fr)
			if len(pending) < ss.srv.batchSize {
				continue
			}
		case <-tick.C:
		case <-ss.cl.Closed:
			_ = ss.flush(pending)
			return
		case <-done:
			_ = ss.flush(pending)
			return
		}
		if err := ss.flush(pending); err != nil {
			return
		}
		pending = pending[:0]
	}
}

// flush writes the pending batch to the connection in one encode pass.
func (ss *session) flush(batch []can.Frame) error {
	if len(batch) == 0 {
		return nil
	}
	if ss.enc == nil {
		err := fmt.Errorf("%w: codec cannot encode frames", ErrConnWrite)
		ss.srv.setError(err)
		return err
	}
	if _, err := ss.enc.EncodeTo(ss.conn, batch); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
		metrics.IncError(mapErrToMetric(wrap))
		ss.srv.setError(wrap)
		return wrap
	}
	metrics.AddTCPTx(len(batch))
	return nil
}
