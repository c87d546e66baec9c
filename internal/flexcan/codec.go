package flexcan

import (
	"encoding/binary"

	"github.com/canstack/flexcanfd/internal/can"
)

// Mailbox frame codec. The controller stores payload bytes big-endian
// within each 32-bit RAM word while the wire contract is little-endian,
// so every word crossing the boundary is byte-reversed. The transform is
// an explicit bounds-checked copy in both directions; no buffer aliasing.

// payloadWords packs payload bytes into mailbox RAM words, four bytes
// per word with a zero-padded final partial word.
func payloadWords(p []byte) []uint32 {
	words := make([]uint32, (len(p)+3)/4)
	for i := range words {
		var chunk [4]byte
		copy(chunk[:], p[i*4:])
		words[i] = binary.BigEndian.Uint32(chunk[:])
	}
	return words
}

// wordsToPayload is the inverse of payloadWords, truncated to n bytes.
func wordsToPayload(words []uint32, n int) []byte {
	buf := make([]byte, len(words)*4)
	for i, w := range words {
		binary.BigEndian.PutUint32(buf[i*4:], w)
	}
	return buf[:n]
}

// encodeMailbox writes frame f into transmit mailbox mb and requests
// transmission. The control word goes last: writing the transmit code is
// what hands the mailbox to the hardware.
func encodeMailbox(ins Instance, mb int, f *can.Frame) {
	for i, w := range payloadWords(f.Payload()) {
		ins.Store(MailboxWord(mb, MBDataOffset+i), w)
	}
	ins.Store(MailboxWord(mb, 1), f.ID&can.ExtIDMask)
	ins.Store(MailboxWord(mb, 0),
		CSEDL|CSBRS|CSIDE|
			uint32(CodeTxData)<<CSCodeShft|
			uint32(f.DLC())<<CSDLCShft)
}

// decodeMailbox reads one received frame out of mailbox mb. Reading the
// control word is the hardware commit point: it locks the mailbox until
// the caller reads RegTIMER (done inside timestamp resolution). The
// caller must also clear the mailbox's IFLAG bit afterward.
//
// The second return is the 16-bit hardware capture timestamp. The 4-bit
// DLC cannot encode a length above the FD maximum, so every control
// word decodes.
func decodeMailbox(ins Instance, mb int) (f can.Frame, captured uint16) {
	cs := ins.Load(MailboxWord(mb, 0)) // lock point, exactly one read
	length := int(can.DLC(cs >> CSDLCShft).Length())

	f.ID = ins.Load(MailboxWord(mb, 1)) & can.ExtIDMask

	words := make([]uint32, (length+3)/4)
	for i := range words {
		words[i] = ins.Load(MailboxWord(mb, MBDataOffset+i))
	}
	f.Len = uint8(length)
	copy(f.Data[:], wordsToPayload(words, length))

	return f, uint16(cs & CSTimeMask)
}
