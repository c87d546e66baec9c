package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/canstack/flexcanfd/internal/can"
)

// ErrAsyncTxClosed is returned by SendFrame after Close.
var ErrAsyncTxClosed = errors.New("async tx closed")

// Hooks customize AsyncTx accounting per backend.
type Hooks struct {
	// OnError fires when send returns a non-nil error; the frame is lost.
	OnError func(error)
	// OnAfter fires after each successful send.
	OnAfter func()
	// OnDrop fires when the buffer is full. SendFrame returns whatever it
	// returns; a nil hook makes overflow silent.
	OnDrop func() error
}

// AsyncTx serializes frame writes through a single goroutine with a
// non-blocking enqueue. A producer facing a full buffer gets the drop
// hook's error instead of waiting behind a slow or wedged backend.
//
// Each backend (serial port, SocketCAN device) wraps one AsyncTx and
// supplies hooks for its own metrics and logging.
type AsyncTx struct {
	mu     sync.Mutex
	ch     chan can.Frame
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	send   func(can.Frame) error
	hooks  Hooks
	closed atomic.Bool
}

// NewAsyncTx starts the writer goroutine with a buffer of size buf.
func NewAsyncTx(parent context.Context, buf int, send func(can.Frame) error, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan can.Frame, buf),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		send:   send,
		hooks:  hooks,
	}
	go a.drain()
	return a
}

// drain is the single writer goroutine. It runs until the channel is
// closed; after cancellation it discards whatever is still queued.
func (a *AsyncTx) drain() {
	defer close(a.done)
	for fr := range a.ch {
		if a.ctx.Err() != nil {
			continue
		}
		if err := a.send(fr); err != nil {
			if a.hooks.OnError != nil {
				a.hooks.OnError(err)
			}
			continue
		}
		if a.hooks.OnAfter != nil {
			a.hooks.OnAfter()
		}
	}
}

// SendFrame enqueues a frame without blocking. On a full buffer it runs
// the drop hook and returns its error.
func (a *AsyncTx) SendFrame(fr can.Frame) error {
	// Unlocked fast path so steady-state sends after shutdown stay cheap.
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- fr:
		return nil
	default:
	}
	if a.hooks.OnDrop != nil {
		return a.hooks.OnDrop()
	}
	return nil
}

// Close stops the worker and waits for it to exit. Idempotent.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	// The channel close must not race a concurrent SendFrame enqueue.
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	<-a.done
}
