package pipeline

import (
	"testing"
	"time"
)

func TestSlotIndex_RoundTrip(t *testing.T) {
	if got := SlotIndex(1005); got != 100 {
		t.Fatalf("got %d, want 100", got)
	}
	if got := SlotToMS(100); got != 1000 {
		t.Fatalf("got %d, want 1000", got)
	}
}

func TestRingBuffer_DropsFramesBehindWindow(t *testing.T) {
	rb := NewRingBuffer(3)
	rb.Put(10, []byte("a"))
	rb.Put(11, []byte("b"))
	rb.Put(12, []byte("c"))
	rb.Put(13, []byte("d")) // evicts slot 10

	if rb.Get(10) != nil {
		t.Fatal("expected slot 10 evicted")
	}
	dropped := rb.Put(9, []byte("late"))
	if !dropped {
		t.Fatal("expected late frame to be dropped")
	}
	if rb.Dropped() != 1 {
		t.Fatalf("got dropped count %d, want 1", rb.Dropped())
	}
}

func TestSpeakerHysteresis_HoldsUntilElapsed(t *testing.T) {
	h := NewSpeakerHysteresis(500 * time.Millisecond)
	base := time.Now()

	got := h.Update(base, "alice")
	if got != "alice" {
		t.Fatalf("got %s, want alice", got)
	}

	got = h.Update(base.Add(100*time.Millisecond), "bob")
	if got != "alice" {
		t.Fatalf("expected hysteresis to hold alice, got %s", got)
	}

	got = h.Update(base.Add(600*time.Millisecond), "bob")
	if got != "bob" {
		t.Fatalf("expected switch to bob after hold elapsed, got %s", got)
	}
}
