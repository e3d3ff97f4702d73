package rng

import "testing"

// First few tempered outputs for seed 5489 (the classic reference seed)
// are well known from the canonical MT19937 test vectors.
func TestGenUint32KnownVector(t *testing.T) {
	r := New(5489)
	want := []uint32{3499211612, 581869302, 3890346734, 3586334585, 545404204}
	for i, w := range want {
		got := r.GenUint32()
		if got != w {
			t.Fatalf("word %d: got %d want %d", i, got, w)
		}
	}
}

func TestGenRangeZeroWidth(t *testing.T) {
	r := New(1)
	for i := 0; i < 100; i++ {
		if got := r.GenRange(7, 7); got != 7 {
			t.Fatalf("GenRange(7,7) = %d, want 7", got)
		}
	}
}

func TestGenRangeSwapsInverted(t *testing.T) {
	r := New(42)
	for i := 0; i < 1000; i++ {
		got := r.GenRange(10, 3)
		if got < 3 || got > 10 {
			t.Fatalf("GenRange(10,3) = %d out of [3,10]", got)
		}
	}
}

func TestGenRangeBounds(t *testing.T) {
	r := New(99)
	for i := 0; i < 10000; i++ {
		got := r.GenRange(2, 5)
		if got < 2 || got > 5 {
			t.Fatalf("GenRange(2,5) = %d out of bounds", got)
		}
	}
}

func TestSeedIsDeterministic(t *testing.T) {
	a := New(12345)
	b := New(12345)
	for i := 0; i < 50; i++ {
		if a.GenUint32() != b.GenUint32() {
			t.Fatalf("generators seeded identically diverged at draw %d", i)
		}
	}
}
