// Package serial bridges a UART-framed CAN-FD link.
package serial

import (
	"bytes"
	"encoding/binary"

	"github.com/canstack/flexcanfd/internal/can"
	"github.com/canstack/flexcanfd/internal/metrics"
)

type Codec struct{}

// CompactBuffer reclaims consumed prefix capacity when the underlying buffer
// grows too large relative to unread bytes. It returns true if compaction
// occurred. Thresholds chosen to avoid excessive copying.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	// If buffer size < 1KB, skip.
	if len(data) < 1024 {
		return false
	}
	// If unread < 25% of capacity, compact.
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// uartFrame builds a UART frame:
// [0x2D, 0xD4, len+1, data..., checksum]
// checksum = (len+1) + 0x2D + sum(data) (mod 256)
func uartFrame(data []byte) []byte {
	n := len(data)
	frame := make([]byte, n+4)

	frame[0] = 0x2D
	frame[1] = 0xD4
	frame[2] = byte(n + 1)

	sum := frame[2] + 0x2D
	for i, b := range data {
		frame[3+i] = b
		sum += b
	}
	frame[3+n] = sum
	return frame
}

// Encode builds the UART representation of a frame:
// INS(1) + LEN(1) + ID(4 BE) + PAYLOAD(0..64), wrapped by uartFrame.
func (Codec) Encode(f can.Frame) []byte {
	id := f.ID & can.ExtIDMask
	ln := int(f.Len)
	if ln > can.MaxPayload {
		ln = can.MaxPayload
	}
	tab := make([]byte, 6+ln)
	tab[0] = 2 // INS: 2 = FD frame with extended id
	tab[1] = byte(ln)
	tab[2] = byte(id >> 24)
	tab[3] = byte(id >> 16)
	tab[4] = byte(id >> 8)
	tab[5] = byte(id)
	copy(tab[6:], f.Data[:ln])
	return uartFrame(tab)
}

// DecodeStream reads from in and emits complete frames via out.
// It returns nil if no error occurred (including io.EOF).
//
// Frame layout after the 2D D4 preamble:
// 1 byte length = INS(1) + LEN(1) + ID(4) + PAYLOAD(0..64) + checksum(1)
// checksum = 0x2D + length byte + sum(data bytes after length)
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) error {
	const (
		pre0 = 0x2D
		pre1 = 0xD4

		// ln = dataBytes + 1(checksum)
		// dataBytes = INS(1) + LEN(1) + ID(4) + PAYLOAD(0..64)
		minLn = 6 + 0 + 1
		maxLn = 6 + can.MaxPayload + 1
	)
	header := []byte{pre0, pre1}

	for {
		data := in.Bytes()
		// Periodically compact to avoid unbounded growth from misaligned garbage
		_ = CompactBuffer(in)
		if len(data) < 3 { // need preamble + len
			return nil
		}

		// align to preamble
		i := bytes.Index(data, header)
		if i < 0 {
			// keep last byte in case next buffer starts with preamble second byte
			if in.Len() > 1 {
				last := data[len(data)-1]
				in.Reset()
				_ = in.WriteByte(last)
			}
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}

		// preamble at start; need length
		if len(data) < 4 {
			return nil
		}
		ln := int(data[2]) // includes data bytes + 1 checksum
		if ln < minLn || ln > maxLn {
			// malformed length; advance one byte to resync
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		req := 3 + ln // total bytes: 2 preamble + 1 len + ln
		if len(data) < req {
			return nil
		}

		sum := uint(pre0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		if byte(sum) != data[req-1] {
			// checksum mismatch: count and attempt resync
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		declared := int(data[4])
		payload := data[9 : req-1]
		if declared != len(payload) {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		var f can.Frame
		f.ID = binary.BigEndian.Uint32(data[5:9]) & can.ExtIDMask
		f.Len = uint8(len(payload))
		copy(f.Data[:], payload)

		out(f)
		metrics.IncSerialRx()
		in.Next(req)
	}
}
