package replacer

import (
	"testing"
)

// The reference victim trace: after unpinning 1..6 (the second unpin of 1 is
// a no-op), victims come out oldest first; re-unpinned frames go to the back
// of the order.
func TestLRUReplacer_VictimOrder(t *testing.T) {
	r := NewLRUReplacer(16)

	for _, id := range []FrameID{1, 2, 3, 4, 5, 6, 1} {
		r.Unpin(id)
	}
	if r.Size() != 6 {
		t.Fatalf("Expected 6 evictable frames, got %d", r.Size())
	}

	for _, want := range []FrameID{1, 2, 3} {
		got, ok := r.Victim()
		if !ok {
			t.Fatalf("Expected a victim, got none")
		}
		if got != want {
			t.Errorf("Expected victim %d, got %d", want, got)
		}
	}

	r.Pin(3)
	r.Pin(4)
	r.Unpin(4)

	for _, want := range []FrameID{5, 6, 4} {
		got, ok := r.Victim()
		if !ok {
			t.Fatalf("Expected a victim, got none")
		}
		if got != want {
			t.Errorf("Expected victim %d, got %d", want, got)
		}
	}

	if _, ok := r.Victim(); ok {
		t.Error("Expected no victim from an empty replacer")
	}
	if r.Size() != 0 {
		t.Errorf("Expected empty replacer, got size %d", r.Size())
	}
}

func TestLRUReplacer_PinRemoves(t *testing.T) {
	r := NewLRUReplacer(8)
	r.Unpin(1)
	r.Unpin(2)
	r.Pin(1)
	if r.Size() != 1 {
		t.Fatalf("Expected size 1 after pin, got %d", r.Size())
	}
	got, ok := r.Victim()
	if !ok || got != 2 {
		t.Errorf("Expected victim 2, got %d (ok=%v)", got, ok)
	}
}

func TestClockReplacer_VictimAndSize(t *testing.T) {
	r := NewClockReplacer(64)

	frames := []FrameID{0, 1, 2, 3, 4, 5}
	for _, id := range frames {
		r.Unpin(id)
	}
	if r.Size() != len(frames) {
		t.Fatalf("Expected %d evictable frames, got %d", len(frames), r.Size())
	}

	seen := make(map[FrameID]bool)
	for range frames {
		id, ok := r.Victim()
		if !ok {
			t.Fatal("Expected a victim, got none")
		}
		if seen[id] {
			t.Errorf("Frame %d victimized twice", id)
		}
		seen[id] = true
	}
	for _, id := range frames {
		if !seen[id] {
			t.Errorf("Frame %d never victimized", id)
		}
	}

	if _, ok := r.Victim(); ok {
		t.Error("Expected no victim once all frames are evicted")
	}
}

func TestClockReplacer_SecondChance(t *testing.T) {
	r := NewClockReplacer(64)
	r.Unpin(0)
	r.Unpin(16) // same shard as 0

	// Both carry a reference bit; the first sweep clears them, the second
	// picks the one the hand meets first.
	id, ok := r.Victim()
	if !ok {
		t.Fatal("Expected a victim, got none")
	}
	if id != 0 && id != 16 {
		t.Errorf("Unexpected victim %d", id)
	}

	r.Pin(id)
	other, ok := r.Victim()
	if !ok {
		t.Fatal("Expected the remaining frame as victim")
	}
	if other == id {
		t.Errorf("Victimized pinned frame %d again", id)
	}
}
