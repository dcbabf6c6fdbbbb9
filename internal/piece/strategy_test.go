package piece

import "testing"

func TestSequentialStrategy_AscendingOrder(t *testing.T) {
	s := NewSequentialStrategy()
	for _, i := range []int{4, 1, 3, 0, 2} {
		s.Push(i)
	}

	var got []int
	for {
		idx, ok := s.Next()
		if !ok {
			break
		}
		got = append(got, idx)
	}

	want := []int{0, 1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSequentialStrategy_ReenqueueAfterFailure(t *testing.T) {
	s := NewSequentialStrategy()
	s.Push(0)
	s.Push(1)

	idx, ok := s.Next()
	if !ok || idx != 0 {
		t.Fatalf("Next() = (%d, %v), want (0, true)", idx, ok)
	}

	// Piece 0 failed verification; the coordinator pushes it back.
	s.Push(0)

	idx, ok = s.Next()
	if !ok || idx != 1 {
		t.Fatalf("Next() = (%d, %v), want (1, true)", idx, ok)
	}
	idx, ok = s.Next()
	if !ok || idx != 0 {
		t.Fatalf("Next() = (%d, %v), want (0, true)", idx, ok)
	}
	if _, ok := s.Next(); ok {
		t.Fatalf("Next() on empty queue returned ok=true")
	}
}

func TestRarestFirstStrategy_PrefersLowerAvailability(t *testing.T) {
	r := NewRarestFirstStrategy(3)
	r.SetAvailability(0, 5)
	r.SetAvailability(1, 1)
	r.SetAvailability(2, 3)

	idx, ok := r.Next()
	if !ok || idx != 1 {
		t.Fatalf("Next() = (%d, %v), want (1, true) (rarest availability)", idx, ok)
	}

	idx, ok = r.Next()
	if !ok || idx != 2 {
		t.Fatalf("Next() = (%d, %v), want (2, true)", idx, ok)
	}

	idx, ok = r.Next()
	if !ok || idx != 0 {
		t.Fatalf("Next() = (%d, %v), want (0, true)", idx, ok)
	}

	if _, ok := r.Next(); ok {
		t.Fatalf("Next() on exhausted strategy returned ok=true")
	}
}

func TestRarestFirstStrategy_DoneExcludesPermanently(t *testing.T) {
	r := NewRarestFirstStrategy(2)
	r.Done(0)

	idx, ok := r.Next()
	if !ok || idx != 1 {
		t.Fatalf("Next() = (%d, %v), want (1, true)", idx, ok)
	}
	if _, ok := r.Next(); ok {
		t.Fatalf("Next() returned piece 0 after Done(0)")
	}
}

func TestRarestFirstStrategy_ReenqueueAfterFailure(t *testing.T) {
	r := NewRarestFirstStrategy(1)

	idx, ok := r.Next()
	if !ok || idx != 0 {
		t.Fatalf("Next() = (%d, %v), want (0, true)", idx, ok)
	}
	if _, ok := r.Next(); ok {
		t.Fatalf("piece 0 should be checked out, not selectable again")
	}

	r.Push(0) // hash mismatch: coordinator re-enqueues
	idx, ok = r.Next()
	if !ok || idx != 0 {
		t.Fatalf("Next() after Push = (%d, %v), want (0, true)", idx, ok)
	}
}
