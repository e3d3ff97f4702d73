package ledger

import (
	"math/bits"
	"testing"
)

func assertConsistent(t *testing.T, l *Ledger) {
	t.Helper()
	if got, want := bits.OnesCount8(l.FreeCoreMask()), l.NumCoresFree(); got != want {
		t.Fatalf("popcount(free)=%d but NumCoresFree()=%d", got, want)
	}
	seen := uint8(0)
	for i, a := range l.Assignments() {
		if !a.valid || a.Queued {
			continue
		}
		if a.CoreMask&l.FreeCoreMask() != 0 {
			t.Fatalf("assignment %d core_mask overlaps free_core_mask", i)
		}
		if a.CoreMask&seen != 0 {
			t.Fatalf("assignment %d shares a core with another non-queued assignment", i)
		}
		seen |= a.CoreMask
	}
}

func TestAllocateReleaseRoundTrip(t *testing.T) {
	l := New(4)
	info, ok := l.TryAllocate(2, 1, 0)
	if !ok {
		t.Fatal("expected allocation to succeed")
	}
	assertConsistent(t, l)
	if l.NumCoresFree() != 2 {
		t.Fatalf("expected 2 cores free, got %d", l.NumCoresFree())
	}
	l.Release(info, nil)
	assertConsistent(t, l)
	if l.NumCoresFree() != 4 {
		t.Fatalf("expected all cores free after release, got %d", l.NumCoresFree())
	}
}

func TestNoDoubleAssignment(t *testing.T) {
	l := New(4)
	a, ok := l.TryAllocate(2, 1, 0)
	if !ok {
		t.Fatal("first allocate should succeed")
	}
	b, ok := l.TryAllocate(2, 2, 0)
	if !ok {
		t.Fatal("second allocate should succeed")
	}
	if a.CoreMask&b.CoreMask != 0 {
		t.Fatalf("overlapping core masks: %08b %08b", a.CoreMask, b.CoreMask)
	}
	assertConsistent(t, l)

	if _, ok := l.TryAllocate(1, 3, 0); ok {
		t.Fatal("no cores left, allocate should fail")
	}
}

func TestQueuedAssignmentStaysInCoreMaskButNotFree(t *testing.T) {
	l := New(2)
	info, ok := l.TryAllocate(1, 1, 0)
	if !ok {
		t.Fatal("allocate should succeed")
	}
	q, ok := l.TryQueue(1, 1, 0)
	if !ok {
		t.Fatal("queue should succeed (same session)")
	}
	if q.AssignmentID != info.AssignmentID {
		t.Fatalf("expected to reuse the same assignment slot")
	}
	assertConsistent(t, l)

	l.Release(q, nil)
	// queued release only clears queued flag, cores remain busy
	if l.NumCoresFree() != 1 {
		t.Fatalf("expected 1 core still free (of 2), got %d", l.NumCoresFree())
	}
}

func TestQueueRejectsSharedMMUContextAcrossSessions(t *testing.T) {
	l := New(2)
	if _, ok := l.TryAllocate(1, 1, 5); !ok {
		t.Fatal("allocate should succeed")
	}
	if _, ok := l.TryQueue(1, 2, 5); ok {
		t.Fatal("queue must reject a different session sharing the pending cmd's MMU hw context")
	}
	if _, ok := l.TryQueue(1, 2, 9); !ok {
		t.Fatal("queue should accept a different session with its own MMU hw context")
	}
}

func TestResetAllClearsEverything(t *testing.T) {
	l := New(4)
	l.TryAllocate(3, 1, 0)
	l.ResetAll()
	assertConsistent(t, l)
	if l.NumCoresFree() != 4 {
		t.Fatalf("expected full reset to free all cores, got %d free", l.NumCoresFree())
	}
	for i := 0; i < 4; i++ {
		if l.WMOf(i) != unallocated {
			t.Fatalf("core %d should be unallocated after reset", i)
		}
	}
}

func TestAssignCoresPushesMapping(t *testing.T) {
	l := New(4)
	pushed := map[int]int{}
	l.AssignCores(1, 0b0110, func(core, wm int) { pushed[core] = wm })
	if pushed[1] != 1 || pushed[2] != 1 {
		t.Fatalf("expected cores 1,2 mapped to wm 1, got %v", pushed)
	}
	if l.WMOf(1) != 1 || l.WMOf(2) != 1 {
		t.Fatalf("wmCoreAssign mirror incorrect: %v", pushed)
	}
}

func TestTryAllocateExactHonorsForcedPick(t *testing.T) {
	l := New(4)
	info, ok := l.TryAllocateExact(2, 0b0110, 1, 0)
	if !ok {
		t.Fatal("expected forced allocation to succeed on a free ledger")
	}
	if info.WMID != 2 || info.CoreMask != 0b0110 {
		t.Fatalf("forced pick not honored: wm=%d mask=%#b", info.WMID, info.CoreMask)
	}
	assertConsistent(t, l)

	if _, ok := l.TryAllocateExact(2, 0b0001, 1, 0); ok {
		t.Fatal("expected failure when the forced WM is busy")
	}
	if _, ok := l.TryAllocateExact(0, 0b0010, 1, 0); ok {
		t.Fatal("expected failure when a forced core is busy")
	}

	l.Release(info, nil)
	assertConsistent(t, l)
	if l.NumCoresFree() != 4 {
		t.Fatalf("release must return all cores, got %d free", l.NumCoresFree())
	}
}
