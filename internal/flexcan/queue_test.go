package flexcan

import (
	"testing"

	"github.com/canstack/flexcanfd/internal/can"
)

func TestFrameQueueFIFO(t *testing.T) {
	q := newFrameQueue(4)
	for i := uint32(1); i <= 3; i++ {
		if !q.push(can.Frame{ID: i}) {
			t.Fatalf("push %d failed", i)
		}
	}
	if q.len() != 3 {
		t.Fatalf("len = %d, want 3", q.len())
	}
	for i := uint32(1); i <= 3; i++ {
		f, ok := q.pop()
		if !ok || f.ID != i {
			t.Fatalf("pop = (%v, %v), want id %d", f.ID, ok, i)
		}
	}
	if _, ok := q.pop(); ok {
		t.Fatal("pop on empty queue should fail")
	}
}

func TestFrameQueueCapacity(t *testing.T) {
	q := newFrameQueue(2)
	if !q.push(can.Frame{ID: 1}) || !q.push(can.Frame{ID: 2}) {
		t.Fatal("push within capacity failed")
	}
	if q.push(can.Frame{ID: 3}) {
		t.Fatal("push beyond capacity should fail")
	}
	// The rejected frame must not displace anything.
	f, _ := q.pop()
	if f.ID != 1 {
		t.Fatalf("head = %d, want 1", f.ID)
	}
	if !q.push(can.Frame{ID: 4}) {
		t.Fatal("push after pop should succeed")
	}
	if f, _ := q.pop(); f.ID != 2 {
		t.Fatalf("expected 2, got %d", f.ID)
	}
	if f, _ := q.pop(); f.ID != 4 {
		t.Fatalf("expected 4, got %d", f.ID)
	}
}

func TestFrameQueueWrapAround(t *testing.T) {
	q := newFrameQueue(3)
	for round := uint32(0); round < 10; round++ {
		if !q.push(can.Frame{ID: round}) {
			t.Fatalf("push %d failed", round)
		}
		f, ok := q.pop()
		if !ok || f.ID != round {
			t.Fatalf("round %d: got %d", round, f.ID)
		}
	}
}
