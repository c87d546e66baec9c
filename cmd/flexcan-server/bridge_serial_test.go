package main

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/canstack/flexcanfd/internal/can"
	"github.com/canstack/flexcanfd/internal/flexcan"
	"github.com/canstack/flexcanfd/internal/hub"
	"github.com/canstack/flexcanfd/internal/metrics"
	"github.com/canstack/flexcanfd/internal/serial"
	"github.com/canstack/flexcanfd/internal/sim"
)

// fakeSerialPort implements serial.Port for tests. It hands out the prepared
// read chunks once, then blocks briefly and reports EOF. Writes are captured.
type fakeSerialPort struct {
	reads [][]byte
	idx   int
	wr    bytes.Buffer
	mu    sync.Mutex
}

func (f *fakeSerialPort) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.idx < len(f.reads) {
		chunk := f.reads[f.idx]
		f.idx++
		n := copy(p, chunk)
		f.mu.Unlock()
		return n, nil
	}
	f.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	return 0, io.EOF
}

func (f *fakeSerialPort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wr.Write(p)
}

func (f *fakeSerialPort) Close() error { return nil }

func (f *fakeSerialPort) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.wr.Bytes()...)
}

// TestSerialBridgeRxInjects validates that a frame arriving on the serial wire
// is decoded, injected on the virtual bus and broadcast to hub clients.
func TestSerialBridgeRxInjects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fr, err := can.NewFrame(0x123, []byte{0xAA, 0xBB})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	enc := serial.Codec{}.Encode(fr)

	fp := &fakeSerialPort{reads: [][]byte{enc}}
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) { return fp, nil }
	defer func() { openSerialPort = serial.Open }()

	h := hub.New()
	c := hub.NewClient(4)
	h.Add(c)

	cfg := &appConfig{instances: 1, bridge: "serial", serialDev: "fake", baud: 115200, serialReadTO: 50 * time.Millisecond}
	var wg sync.WaitGroup
	board, _, _, cleanupDriver, err := startDriver(ctx, cfg, h, testLogger(), &wg)
	if err != nil {
		t.Fatalf("startDriver: %v", err)
	}
	cleanupBridge, err := initSerialBridge(ctx, cfg, board.Bus(), testLogger(), &wg)
	if err != nil {
		t.Fatalf("initSerialBridge: %v", err)
	}
	defer func() {
		cancel()
		cleanupBridge()
		cleanupDriver()
		wg.Wait()
	}()

	select {
	case got := <-c.Out:
		if got.ID != fr.ID || got.Len != fr.Len || got.Data[0] != 0xAA {
			t.Fatalf("unexpected frame: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
	}

	if metrics.Snap().SerialRx == 0 {
		t.Fatalf("expected SerialRx > 0")
	}
}

// TestSerialBridgeTxForwards checks that controller transmissions reach the
// serial adapter through the bus tap, in valid wire framing.
func TestSerialBridgeTxForwards(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fp := &fakeSerialPort{}
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) { return fp, nil }
	defer func() { openSerialPort = serial.Open }()

	h := hub.New()
	cfg := &appConfig{instances: 1, bridge: "serial", serialDev: "fake", baud: 115200, serialReadTO: 50 * time.Millisecond}
	var wg sync.WaitGroup
	board, _, send, cleanupDriver, err := startDriver(ctx, cfg, h, testLogger(), &wg)
	if err != nil {
		t.Fatalf("startDriver: %v", err)
	}
	cleanupBridge, err := initSerialBridge(ctx, cfg, board.Bus(), testLogger(), &wg)
	if err != nil {
		t.Fatalf("initSerialBridge: %v", err)
	}
	defer func() {
		cancel()
		cleanupBridge()
		cleanupDriver()
		wg.Wait()
	}()

	fr, _ := can.NewFrame(0x321, []byte{1, 2, 3, 4})
	if err := send(fr); err != nil {
		t.Fatalf("send: %v", err)
	}

	var got can.Frame
	var decoded bool
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !decoded {
		buf := bytes.NewBuffer(fp.written())
		_ = serial.Codec{}.DecodeStream(buf, func(f can.Frame) { got, decoded = f, true })
		if !decoded {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if !decoded {
		t.Fatal("no frame decoded from serial writes")
	}
	if got.ID != fr.ID || got.Len != fr.Len || got.Data[3] != 4 {
		t.Fatalf("unexpected wire frame: %+v", got)
	}
}

// fakeErrPort always returns a synthetic error to trigger backoff.
type fakeErrPort struct{}

func (f *fakeErrPort) Read(p []byte) (int, error)  { return 0, io.ErrNoProgress }
func (f *fakeErrPort) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeErrPort) Close() error                { return nil }

func TestSerialBridgeBackoffProgression(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) { return &fakeErrPort{}, nil }
	defer func() { openSerialPort = serial.Open }()

	var mu sync.Mutex
	var seen []time.Duration
	sleepFn = func(d time.Duration) {
		mu.Lock()
		if len(seen) < 6 { // capture first few entries
			seen = append(seen, d)
			if len(seen) == 6 {
				cancel()
			}
		}
		mu.Unlock()
	}
	defer func() { sleepFn = time.Sleep }()

	bus := sim.NewBoard(1, sim.NewWallClock()).Bus()
	cfg := &appConfig{bridge: "serial", serialDev: "fake", baud: 9600, serialReadTO: 10 * time.Millisecond}
	var wg sync.WaitGroup
	cleanup, err := initSerialBridge(ctx, cfg, bus, testLogger(), &wg)
	if err != nil {
		t.Fatalf("initSerialBridge: %v", err)
	}
	cleanup()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 3 {
		t.Fatalf("expected at least 3 backoff samples, got %d", len(seen))
	}
	// Validate non-decreasing, starts at min, and never exceeds max.
	prev := rxBackoffMin / 4 // allow first comparison
	for i, d := range seen {
		if d < prev {
			t.Fatalf("backoff decreased at %d: prev=%v cur=%v", i, prev, d)
		}
		if d > rxBackoffMax {
			t.Fatalf("backoff exceeded max at %d: %v > %v", i, d, rxBackoffMax)
		}
		prev = d
	}
	if seen[0] != rxBackoffMin {
		t.Fatalf("expected first backoff %v got %v", rxBackoffMin, seen[0])
	}
}

// blockingPort simulates a very slow serial adapter to force TX queue overflow.
type blockingPort struct{ block chan struct{} }

func (p *blockingPort) Read(b []byte) (int, error) {
	time.Sleep(5 * time.Millisecond)
	return 0, io.EOF
}
func (p *blockingPort) Write(b []byte) (int, error) { <-p.block; return len(b), nil }
func (p *blockingPort) Close() error                { close(p.block); return nil }

// TestSerialBridgeTxOverflow floods the serial writer while its port is stuck
// and expects the overflow error metric to rise; the tap drops the error.
func TestSerialBridgeTxOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bp := &blockingPort{block: make(chan struct{})}
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) { return bp, nil }
	defer func() { openSerialPort = serial.Open }()
	before := metrics.Snap().Errors

	board := sim.NewBoard(1, sim.NewWallClock())
	mgr := flexcan.NewManager(board)
	g, res := mgr.Start(acceptAll)
	if !res.IsSuccess() {
		t.Fatalf("group start: %s", res)
	}
	defer mgr.Stop(g)

	cfg := &appConfig{bridge: "serial", serialDev: "fake", baud: 115200, serialReadTO: 10 * time.Millisecond}
	var wg sync.WaitGroup
	cleanup, err := initSerialBridge(ctx, cfg, board.Bus(), testLogger(), &wg)
	if err != nil {
		t.Fatalf("initSerialBridge: %v", err)
	}
	defer func() {
		cancel()
		cleanup()
		wg.Wait()
	}()

	// Each group write transmits synchronously, so the tap fills the writer
	// queue while the port blocks; the surplus is dropped with a metric.
	fr, _ := can.NewFrame(0x42, []byte{7})
	for i := 0; i < txQueueSize+8; i++ {
		g.Write(0, []can.Frame{fr})
	}
	if metrics.Snap().Errors == before {
		t.Fatalf("expected error metric increment on overflow")
	}
}
