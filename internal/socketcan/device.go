//go:build linux

package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/canstack/flexcanfd/internal/can"
)

// canfd_frame values from linux/can.h; the pinned x/sys only exports the
// classic can_frame MTU.
const (
	canfdMTU = 72   // sizeof(struct canfd_frame)
	canfdBRS = 0x01 // bit rate switch flag
)

type Device struct {
	fd int
}

// Open binds a raw CAN socket on iface with CAN FD frames enabled.
func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("enable CAN FD: %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// unmarshalFrame decodes an n-byte kernel read into fr. With
// CAN_RAW_FD_FRAMES enabled the kernel may deliver either a classic
// can_frame (16 bytes) or a canfd_frame (72 bytes); both share the same
// header layout:
//
//	can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
//	len     u8    [4]
//	flags   u8    [5]
//	res     2B    [6:8]
//	data          [8:]
//
// The kernel provides fields in host byte order. On common Linux archs
// (little-endian) this matches binary.LittleEndian.
func unmarshalFrame(buf []byte, n int, fr *can.Frame) error {
	if n != unix.CAN_MTU && n != canfdMTU {
		return fmt.Errorf("short read: %d", n)
	}
	id := binary.LittleEndian.Uint32(buf[0:4])
	ln := int(buf[4])
	if ln > can.MaxPayload {
		ln = can.MaxPayload
	}

	fr.ID = id & can.ExtIDMask
	fr.Len = uint8(ln)
	copy(fr.Data[:], buf[8:8+ln])
	return nil
}

// marshalFrame encodes fr as a canfd_frame with the extended-id and bit
// rate switch flags set.
func marshalFrame(fr can.Frame, buf *[canfdMTU]byte) {
	binary.LittleEndian.PutUint32(buf[0:4], fr.ID|unix.CAN_EFF_FLAG)
	buf[4] = fr.Len
	buf[5] = canfdBRS
	copy(buf[8:], fr.Data[:fr.Len])
}

// ReadFrame reads one frame from the raw CAN socket.
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [canfdMTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return err
	}
	return unmarshalFrame(buf[:], n, fr)
}

// WriteFrame writes one CAN FD frame to the raw CAN socket.
func (d *Device) WriteFrame(fr can.Frame) error {
	var buf [canfdMTU]byte
	marshalFrame(fr, &buf)
	_, err := unix.Write(d.fd, buf[:])
	return err
}
