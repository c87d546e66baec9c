package serial

import (
	"time"

	"github.com/tarm/serial"
)

// Port is the subset of a serial connection the codec and writer need;
// tests substitute in-memory fakes.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens a UART with the given settings. Reads time out after
// readTimeout so the RX pump can observe shutdown.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	return serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: readTimeout,
	})
}
