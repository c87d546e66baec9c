package stream

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

const hello = "FLEXCANFDv1"

// Handshake exchanges the protocol hello in both directions. Both peers
// run the same function: the hello goes out while the peer's copy is
// read, all bounded by timeout (and ctx for the write side).
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})

	wrote := make(chan error, 1)
	go func() {
		_, err := io.WriteString(c, hello)
		wrote <- err
	}()

	got := make([]byte, len(hello))
	if _, err := io.ReadFull(c, got); err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}
	if string(got) != hello {
		return fmt.Errorf("handshake: unexpected hello %q", got)
	}

	select {
	case err := <-wrote:
		if err != nil {
			return fmt.Errorf("handshake write: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
