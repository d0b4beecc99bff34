package bitmap

import "testing"

func TestRowSet(t *testing.T) {
	t.Parallel()

	s := New(100)
	for _, n := range []int{1, 63, 64, 100} {
		s.Add(n)
	}
	for _, n := range []int{1, 63, 64, 100} {
		if !s.Has(n) {
			t.Errorf("Has(%d) = false after Add", n)
		}
	}
	for _, n := range []int{0, 2, 65, 99} {
		if s.Has(n) {
			t.Errorf("Has(%d) = true, never added", n)
		}
	}
	if got := s.Len(); got != 4 {
		t.Errorf("Len = %d, want 4", got)
	}
}

func TestRowSet_Grow(t *testing.T) {
	t.Parallel()

	s := New(0)
	if s.Has(5) {
		t.Errorf("empty set should contain nothing")
	}
	s.Add(5_000_000)
	if !s.Has(5_000_000) {
		t.Errorf("set did not grow to hold a large row number")
	}
	if s.Has(5_000_001) {
		t.Errorf("neighbor bit set")
	}
	if s.Has(6_000_000) {
		t.Errorf("Has past capacity should be false, not panic")
	}
}

func TestRowSet_Negative(t *testing.T) {
	t.Parallel()

	s := New(10)
	s.Add(-1)
	if s.Has(-1) {
		t.Errorf("negative rows must be ignored")
	}
	if got := s.Len(); got != 0 {
		t.Errorf("Len = %d after ignored Add", got)
	}
}

func BenchmarkHas(b *testing.B) {
	s := New(1_000_000)
	for i := 0; i < 10000; i += 3 {
		s.Add(i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = s.Has(i % 1_000_000)
	}
}
