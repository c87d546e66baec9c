package can

import (
	"errors"
	"fmt"
)

// CAN-FD limits shared across the driver and the gateway.
const (
	// ExtIDMask selects the 29 identifier bits of an extended frame.
	ExtIDMask = 0x1FFFFFFF
	// MaxPayload is the CAN-FD maximum payload size in bytes.
	MaxPayload = 64
)

var (
	ErrInvalidID  = errors.New("can: identifier exceeds 29 bits")
	ErrInvalidLen = errors.New("can: invalid payload length")
)

// DLC is the 4-bit data length code of a CAN-FD frame. Codes 0-8 map
// one-to-one to byte lengths; codes 9-15 map to the fixed FD table
// {12, 16, 20, 24, 32, 48, 64}.
type DLC uint8

var dlcLengths = [16]uint8{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// Length returns the payload byte length encoded by the DLC.
func (d DLC) Length() uint8 { return dlcLengths[d&0xF] }

// DLCForLength returns the smallest DLC whose length is >= n.
// Lengths that fall between table entries are rounded up; the frame
// payload is zero-padded to the returned code's length on the wire.
func DLCForLength(n uint8) (DLC, error) {
	if n > MaxPayload {
		return 0, fmt.Errorf("%w: %d", ErrInvalidLen, n)
	}
	for d, l := range dlcLengths {
		if l >= n {
			return DLC(d), nil
		}
	}
	return 15, nil
}

// Monotonic is an absolute, non-wrapping monotonic timestamp with
// microsecond resolution.
type Monotonic uint64

// MonotonicFromMicros constructs a Monotonic from a microsecond count.
func MonotonicFromMicros(us uint64) Monotonic { return Monotonic(us) }

// Microseconds returns the timestamp as a microsecond count.
func (m Monotonic) Microseconds() uint64 { return uint64(m) }

// Frame is one CAN-FD frame with a 29-bit extended identifier. It is a
// value type: copied into and out of queues, never shared.
type Frame struct {
	ID        uint32 // 29-bit extended identifier
	Len       uint8  // payload length, 0..64
	Data      [MaxPayload]byte
	Timestamp Monotonic // reception time; zero for frames built by callers
}

// NewFrame builds a validated frame from an identifier and payload.
// Payload lengths that fall between DLC table entries are zero-padded up
// to the next representable length, so a frame's length always survives
// the 4-bit DLC on the wire.
func NewFrame(id uint32, data []byte) (Frame, error) {
	var f Frame
	if id > ExtIDMask {
		return f, fmt.Errorf("%w: 0x%X", ErrInvalidID, id)
	}
	if len(data) > MaxPayload {
		return f, fmt.Errorf("%w: %d", ErrInvalidLen, len(data))
	}
	f.ID = id
	dlc, _ := DLCForLength(uint8(len(data)))
	f.Len = dlc.Length()
	copy(f.Data[:], data)
	return f, nil
}

// DLC returns the smallest data length code covering the frame payload.
func (f Frame) DLC() DLC {
	d, _ := DLCForLength(f.Len) // Len <= MaxPayload holds for validated frames
	return d
}

// Payload returns the valid portion of the data buffer.
func (f *Frame) Payload() []byte { return f.Data[:f.Len] }

// Validate returns an error if the frame violates the FD limits.
func (f Frame) Validate() error {
	if f.ID > ExtIDMask {
		return fmt.Errorf("%w: 0x%X", ErrInvalidID, f.ID)
	}
	if f.Len > MaxPayload {
		return fmt.Errorf("%w: %d", ErrInvalidLen, f.Len)
	}
	return nil
}

// Filter is an acceptance id/mask pair. Mask bits set to 1 require the
// corresponding identifier bit to match; 0 bits are don't-care.
type Filter struct {
	ID   uint32
	Mask uint32
}

// Match reports whether id passes the filter.
func (ft Filter) Match(id uint32) bool { return id&ft.Mask == ft.ID&ft.Mask }
