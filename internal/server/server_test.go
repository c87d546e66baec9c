package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/canstack/flexcanfd/internal/can"
	"github.com/canstack/flexcanfd/internal/hub"
	"github.com/canstack/flexcanfd/internal/metrics"
	"github.com/canstack/flexcanfd/internal/stream"
)

const testHello = "FLEXCANFDv1"

// testServer wires a Server to an in-memory backend channel and tears
// everything down with the test.
type testServer struct {
	srv  *Server
	hub  *hub.Hub
	sent chan can.Frame
}

func startTestServer(t *testing.T, opts ...ServerOption) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ts := &testServer{hub: hub.New(), sent: make(chan can.Frame, 256)}
	base := []ServerOption{
		WithHub(ts.hub),
		WithCodec(&stream.Codec{}),
		WithSend(func(fr can.Frame) error { ts.sent <- fr; return nil }),
		WithHandshakeTimeout(2 * time.Second),
	}
	ts.srv = NewServer(append(base, opts...)...)
	go func() { _ = ts.srv.Serve(ctx) }()
	select {
	case <-ts.srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}
	return ts
}

// dial connects and completes the hello exchange.
func (ts *testServer) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", ts.srv.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", ts.srv.Addr(), err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte(testHello)); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	hello := make([]byte, len(testHello))
	if _, err := io.ReadFull(conn, hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if string(hello) != testHello {
		t.Fatalf("bad hello %q", hello)
	}
	_ = conn.SetDeadline(time.Time{})
	return conn
}

// waitClients blocks until the hub holds n registered clients.
func (ts *testServer) waitClients(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for ts.hub.Count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("hub has %d clients, want %d", ts.hub.Count(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

// nextSent waits for one frame to reach the backend.
func (ts *testServer) nextSent(t *testing.T) can.Frame {
	t.Helper()
	select {
	case fr := <-ts.sent:
		return fr
	case <-time.After(time.Second):
		t.Fatal("backend frame never arrived")
		return can.Frame{}
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// wireBytes encodes one frame in the stream wire format.
func wireBytes(id uint32, payload []byte) []byte {
	buf := make([]byte, 0, 5+len(payload))
	buf = binary.BigEndian.AppendUint32(buf, id)
	buf = append(buf, byte(len(payload)))
	return append(buf, payload...)
}

// readWireFrames decodes exactly n frames from conn.
func readWireFrames(t *testing.T, conn net.Conn, n int) []can.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	dec := &stream.Codec{}
	out := make([]can.Frame, 0, n)
	for len(out) < n {
		fr, err := dec.Decode(conn)
		if err != nil {
			t.Fatalf("decode frame %d: %v", len(out), err)
		}
		out = append(out, fr)
	}
	return out
}

// TestInboundFDPayload sends a classic 3-byte frame followed by a full
// 64-byte frame; both must reach the backend intact.
func TestInboundFDPayload(t *testing.T) {
	ts := startTestServer(t)
	conn := ts.dial(t)

	payload := make([]byte, can.MaxPayload)
	for i := range payload {
		payload[i] = byte(0xA0 ^ i)
	}
	msg := append(wireBytes(0x123, []byte{1, 2, 3}), wireBytes(0x1FACE, payload)...)
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	first := ts.nextSent(t)
	if first.ID != 0x123 || first.Len != 3 {
		t.Fatalf("first frame = id 0x%X len %d", first.ID, first.Len)
	}
	second := ts.nextSent(t)
	if second.ID != 0x1FACE || int(second.Len) != can.MaxPayload {
		t.Fatalf("second frame = id 0x%X len %d", second.ID, second.Len)
	}
	if !bytes.Equal(second.Data[:], payload) {
		t.Fatalf("payload corrupted: %x", second.Data)
	}
}

// TestBroadcastFDBatchBoundary pushes more full-size frames than fit in
// one writer batch and checks every payload survives the flush splits.
func TestBroadcastFDBatchBoundary(t *testing.T) {
	const batch = 8
	const total = 3*batch + 5
	ts := startTestServer(t, WithBatchSize(batch), WithFlushInterval(2*time.Millisecond))
	conn := ts.dial(t)
	ts.waitClients(t, 1)

	for i := 0; i < total; i++ {
		var data [can.MaxPayload]byte
		for j := range data {
			data[j] = byte(i + j)
		}
		ts.hub.Broadcast(can.Frame{ID: 0x400 + uint32(i), Len: can.MaxPayload, Data: data})
	}

	frames := readWireFrames(t, conn, total)
	for i, fr := range frames {
		if fr.ID != 0x400+uint32(i) {
			t.Fatalf("frame %d: id 0x%X", i, fr.ID)
		}
		if int(fr.Len) != can.MaxPayload {
			t.Fatalf("frame %d: len %d", i, fr.Len)
		}
		for j, b := range fr.Data {
			if b != byte(i+j) {
				t.Fatalf("frame %d byte %d = 0x%02X, want 0x%02X", i, j, b, byte(i+j))
			}
		}
	}
}

// TestReadLoopRejectsOversizedLength sends a length byte above the FD
// maximum; the connection must die before any payload is consumed and
// nothing may reach the backend.
func TestReadLoopRejectsOversizedLength(t *testing.T) {
	ts := startTestServer(t)
	conn := ts.dial(t)

	pre := metrics.Snap()
	bad := binary.BigEndian.AppendUint32(nil, 0x111)
	bad = append(bad, can.MaxPayload+1)
	if _, err := conn.Write(bad); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return metrics.Snap().Errors > pre.Errors }, "error counter")

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("connection survived oversized length byte")
	}
	select {
	case fr := <-ts.sent:
		t.Fatalf("backend received frame id 0x%X from rejected input", fr.ID)
	default:
	}
}

// TestBackendOverflowKeepsConnection checks that an overflow from Send
// drops the frame without tearing down the client or counting a
// backend error, and that later frames still go through.
func TestBackendOverflowKeepsConnection(t *testing.T) {
	var calls atomic.Int64
	ts := startTestServer(t, WithSend(func(fr can.Frame) error {
		calls.Add(1)
		if fr.ID == 0x7FF {
			return ErrBackendOverflow
		}
		return nil
	}))
	conn := ts.dial(t)

	msg := append(wireBytes(0x7FF, nil), wireBytes(0x100, []byte{9})...)
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return calls.Load() == 2 }, "both sends")

	if got := ts.srv.stats.backendOverflow.Load(); got != 1 {
		t.Fatalf("backendOverflow = %d, want 1", got)
	}
	if got := ts.srv.stats.backendErrors.Load(); got != 0 {
		t.Fatalf("backendErrors = %d, want 0", got)
	}
	if ts.hub.Count() != 1 {
		t.Fatalf("client disconnected after overflow")
	}
}

// TestBackendFailureCounted checks that a non-overflow Send error is
// recorded without dropping the client.
func TestBackendFailureCounted(t *testing.T) {
	sendErr := errors.New("controller fault")
	ts := startTestServer(t, WithSend(func(can.Frame) error { return sendErr }))
	conn := ts.dial(t)

	if _, err := conn.Write(wireBytes(0x42, nil)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return ts.srv.stats.backendErrors.Load() == 1 }, "backend error count")
	if last := ts.srv.LastError(); !errors.Is(last, ErrBackendTx) {
		t.Fatalf("LastError = %v, want ErrBackendTx", last)
	}
	if ts.hub.Count() != 1 {
		t.Fatalf("client disconnected after backend error")
	}
}

// TestSlowClientPolicies covers both hub backpressure modes with a
// client that does not read.
func TestSlowClientPolicies(t *testing.T) {
	t.Run("drop keeps client", func(t *testing.T) {
		ts := startTestServer(t)
		ts.hub.OutBufSize = 1
		ts.hub.Policy = hub.PolicyDrop
		conn := ts.dial(t)
		ts.waitClients(t, 1)

		for i := 0; i < 500; i++ {
			ts.hub.Broadcast(can.Frame{ID: 0x900, Len: 0})
		}
		if fr := readWireFrames(t, conn, 1); fr[0].ID != 0x900 {
			t.Fatalf("got id 0x%X", fr[0].ID)
		}
		if ts.hub.Count() != 1 {
			t.Fatal("client kicked under drop policy")
		}
	})
	t.Run("kick closes client", func(t *testing.T) {
		ts := startTestServer(t)
		ts.hub.OutBufSize = 1
		ts.hub.Policy = hub.PolicyKick
		conn := ts.dial(t)
		ts.waitClients(t, 1)

		for i := 0; i < 500; i++ {
			ts.hub.Broadcast(can.Frame{ID: 0xA00, Len: 0})
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				if isNetTimeout(err) {
					t.Fatal("kicked client never saw the connection close")
				}
				return
			}
		}
	})
}

// TestMaxClientsReject verifies the capacity check closes surplus
// connections right after the hello exchange.
func TestMaxClientsReject(t *testing.T) {
	ts := startTestServer(t, WithMaxClients(1))
	ts.dial(t)
	ts.waitClients(t, 1)

	conn, err := net.DialTimeout("tcp", ts.srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte(testHello)); err != nil {
		t.Fatalf("hello: %v", err)
	}
	// The server completes the hello before the capacity check, so read
	// past it until the close shows up.
	buf := make([]byte, 32)
	for {
		if _, err := conn.Read(buf); err != nil {
			if isNetTimeout(err) {
				t.Fatal("second client was not rejected")
			}
			break
		}
	}
	if n := ts.hub.Count(); n != 1 {
		t.Fatalf("hub count = %d, want 1", n)
	}
}

// TestFrameFilterDropsInbound installs an even-ID filter and checks odd
// IDs never reach the backend nor the RX counter.
func TestFrameFilterDropsInbound(t *testing.T) {
	ts := startTestServer(t, WithFrameFilter(func(fr *can.Frame) bool { return fr.ID&1 == 0 }))
	conn := ts.dial(t)

	pre := metrics.Snap()
	var msg []byte
	for id := uint32(0x200); id < 0x204; id++ {
		msg = append(msg, wireBytes(id, []byte{byte(id)})...)
	}
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, want := range []uint32{0x200, 0x202} {
		if fr := ts.nextSent(t); fr.ID != want {
			t.Fatalf("backend saw id 0x%X, want 0x%X", fr.ID, want)
		}
	}
	if d := metrics.Snap().TCPRx - pre.TCPRx; d != 2 {
		t.Fatalf("TCPRx delta = %d, want 2", d)
	}
	select {
	case fr := <-ts.sent:
		t.Fatalf("filtered frame id 0x%X reached backend", fr.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestHandshakeGarbageRejected feeds a non-hello preamble and expects
// the connection to be refused without registering a client.
func TestHandshakeGarbageRejected(t *testing.T) {
	ts := startTestServer(t, WithHandshakeTimeout(200*time.Millisecond))
	pre := metrics.Snap()
	conn, err := net.DialTimeout("tcp", ts.srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("GET / HTTP/1.1")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return ts.srv.stats.handshakeFail.Load() >= 1 }, "handshake failure")
	if metrics.Snap().Errors <= pre.Errors {
		t.Fatal("handshake failure not counted")
	}
	if ts.hub.Count() != 0 {
		t.Fatalf("hub count = %d after failed handshake", ts.hub.Count())
	}
}

// TestShutdownDisconnectsClients opens two clients, shuts the server
// down and expects both connections and the listener to be gone.
func TestShutdownDisconnectsClients(t *testing.T) {
	ts := startTestServer(t)
	c1 := ts.dial(t)
	c2 := ts.dial(t)
	ts.waitClients(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ts.srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for i, c := range []net.Conn{c1, c2} {
		_ = c.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := c.Read(make([]byte, 1)); err == nil {
			t.Fatalf("client %d still readable after shutdown", i)
		}
	}
	if ts.hub.Count() != 0 {
		t.Fatalf("hub count = %d after shutdown", ts.hub.Count())
	}
}
