package flexcan

import (
	"bytes"
	"testing"

	"github.com/canstack/flexcanfd/internal/can"
)

// fakeInstance is a map-backed register file with none of the side
// effects of the real peripheral.
type fakeInstance struct {
	regs map[Reg]uint32
}

func newFakeInstance() *fakeInstance { return &fakeInstance{regs: make(map[Reg]uint32)} }

func (f *fakeInstance) Load(r Reg) uint32     { return f.regs[r] }
func (f *fakeInstance) Store(r Reg, v uint32) { f.regs[r] = v }

func TestMailboxCodecRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 3, 8, 12, 64} {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i + 1)
		}
		in, err := can.NewFrame(0x1ABCDEF, payload)
		if err != nil {
			t.Fatalf("NewFrame(%d): %v", n, err)
		}

		ins := newFakeInstance()
		encodeMailbox(ins, 0, &in)
		out, captured := decodeMailbox(ins, 0)
		if out.ID != in.ID {
			t.Fatalf("id = 0x%X, want 0x%X", out.ID, in.ID)
		}
		if out.Len != in.Len {
			t.Fatalf("len = %d, want %d", out.Len, in.Len)
		}
		if !bytes.Equal(out.Payload(), in.Payload()) {
			t.Fatalf("payload mismatch for length %d", n)
		}
		if captured != 0 {
			t.Fatalf("captured = %d, want 0", captured)
		}
	}
}

func TestEncodeMailboxControlWord(t *testing.T) {
	in, _ := can.NewFrame(0x42, []byte{1, 2})
	ins := newFakeInstance()
	encodeMailbox(ins, 1, &in)

	cs := ins.Load(MailboxWord(1, 0))
	if cs&CSEDL == 0 || cs&CSBRS == 0 || cs&CSIDE == 0 {
		t.Fatalf("missing FD/extended bits in cs 0x%X", cs)
	}
	if (cs&CSCodeMask)>>CSCodeShft != CodeTxData {
		t.Fatalf("code = 0x%X, want transmit", (cs&CSCodeMask)>>CSCodeShft)
	}
	if (cs&CSDLCMask)>>CSDLCShft != 2 {
		t.Fatalf("dlc = %d, want 2", (cs&CSDLCMask)>>CSDLCShft)
	}
	if ins.Load(MailboxWord(1, 1)) != 0x42 {
		t.Fatalf("id word = 0x%X", ins.Load(MailboxWord(1, 1)))
	}
}

func TestDecodeMailboxCapturedTimestamp(t *testing.T) {
	in, _ := can.NewFrame(7, []byte{0xFF})
	ins := newFakeInstance()
	encodeMailbox(ins, 0, &in)
	cs := ins.Load(MailboxWord(0, 0))
	ins.Store(MailboxWord(0, 0), cs|0xBEEF)

	_, captured := decodeMailbox(ins, 0)
	if captured != 0xBEEF {
		t.Fatalf("captured = 0x%X, want 0xBEEF", captured)
	}
}

func TestDecodeMailboxMaxDLC(t *testing.T) {
	// DLC 15 is the largest encodable length code and maps to exactly the
	// FD payload maximum, so no control word can overrun the frame buffer.
	ins := newFakeInstance()
	ins.Store(MailboxWord(0, 0), uint32(15)<<CSDLCShft)

	out, _ := decodeMailbox(ins, 0)
	if out.Len != can.MaxPayload {
		t.Fatalf("Len = %d, want %d", out.Len, can.MaxPayload)
	}
}

func TestPayloadWordsByteOrder(t *testing.T) {
	words := payloadWords([]byte{0x11, 0x22, 0x33, 0x44, 0x55})
	if len(words) != 2 {
		t.Fatalf("words = %d, want 2", len(words))
	}
	if words[0] != 0x11223344 {
		t.Fatalf("word0 = 0x%X", words[0])
	}
	if words[1] != 0x55000000 {
		t.Fatalf("word1 = 0x%X", words[1])
	}
	back := wordsToPayload(words, 5)
	if !bytes.Equal(back, []byte{0x11, 0x22, 0x33, 0x44, 0x55}) {
		t.Fatalf("round trip = %v", back)
	}
}
