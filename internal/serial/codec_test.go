package serial

import (
	"bytes"
	"testing"

	"github.com/canstack/flexcanfd/internal/can"
)

func f(id uint32, data ...byte) can.Frame {
	var fr can.Frame
	fr.ID = id & can.ExtIDMask
	fr.Len = uint8(len(data))
	copy(fr.Data[:], data)
	return fr
}

func TestSerialCodec_RoundTrip_Chunked(t *testing.T) {
	codec := Codec{}

	long := make([]byte, 64)
	for i := range long {
		long[i] = byte(i * 3)
	}

	want := []can.Frame{
		f(0x0001E5A, 0x34, 0x7B, 0x70, 0xD7, 0x94, 0x10, 0x0D, 0xF7), // 8B
		f(0x0001F55, long...),    // 64B
		f(0x0123456, 0x9A, 0xBC), // 2B
		f(0x01ABCDE),             // empty payload
	}

	// Build a continuous RX stream of UART envelopes.
	wire := make([]byte, 0, 512)
	for _, fr := range want {
		wire = append(wire, codec.Encode(fr)...)
	}

	var buf bytes.Buffer
	got := make([]can.Frame, 0, len(want))

	// Feed in irregular small chunks to stress preamble alignment and partials.
	chunkSizes := []int{1, 2, 3, 4, 5, 7, 11}
	cs := 0
	for pos := 0; pos < len(wire); {
		n := chunkSizes[cs%len(chunkSizes)]
		cs++
		if pos+n > len(wire) {
			n = len(wire) - pos
		}
		buf.Write(wire[pos : pos+n])
		pos += n

		if err := codec.DecodeStream(&buf, func(fr can.Frame) {
			got = append(got, fr)
		}); err != nil {
			t.Fatalf("DecodeStream error: %v", err)
		}
	}

	if len(got) != len(want) {
		t.Fatalf("decoded %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID ||
			got[i].Len != want[i].Len ||
			!bytes.Equal(got[i].Data[:got[i].Len], want[i].Data[:want[i].Len]) {
			t.Fatalf("frame %d mismatch\n got  id=0x%X len=%d data=% X\n want id=0x%X len=%d data=% X",
				i,
				got[i].ID, got[i].Len, got[i].Data[:got[i].Len],
				want[i].ID, want[i].Len, want[i].Data[:want[i].Len])
		}
	}
}

func TestSerialCodec_ResyncAfterGarbage(t *testing.T) {
	codec := Codec{}
	valid := codec.Encode(f(0x42, 1, 2, 3, 4))

	var buf bytes.Buffer
	buf.Write([]byte{0xDE, 0xAD, 0x2D, 0x00}) // garbage including a lone preamble byte
	buf.Write(valid)

	var got []can.Frame
	if err := codec.DecodeStream(&buf, func(fr can.Frame) { got = append(got, fr) }); err != nil {
		t.Fatalf("DecodeStream error: %v", err)
	}
	if len(got) != 1 || got[0].ID != 0x42 || got[0].Len != 4 {
		t.Fatalf("expected one frame id=0x42 len=4, got %+v", got)
	}
}
