package irqpath

import (
	"testing"

	"github.com/nnasched/core/internal/regio"
)

func TestClassifyEscalatesToMaxSeverity(t *testing.T) {
	class, bitmap := Classify([]ErrFlag{ErrWMWLWDT, ErrMMUPageFault})
	if class != ResetMMU {
		t.Fatalf("expected MMU (max of WM,MMU), got %v", class)
	}
	if bitmap&uint64(ErrWMWLWDT) == 0 || bitmap&uint64(ErrMMUPageFault) == 0 {
		t.Fatal("expected both bits preserved in the surfaced bitmap")
	}
}

func TestClassifySingleBitGetsExactlyItsClass(t *testing.T) {
	class, _ := Classify([]ErrFlag{ErrWMWLWDT})
	if class != ResetWM {
		t.Fatalf("expected WM reset exactly, got %v", class)
	}
}

func TestClassifyFullEscalatesEverything(t *testing.T) {
	class, _ := Classify([]ErrFlag{ErrWMWLWDT, ErrAXIError})
	if class != ResetFull {
		t.Fatalf("expected FULL when any bit demands it, got %v", class)
	}
}

func TestRAMCorrectionNeverResetsJustCounts(t *testing.T) {
	if ClassReset(ErrSysRAMCorrection) != ResetNone {
		t.Fatal("RAM_CORRECTION must never demand a reset")
	}
	tr := &RAMCorrectionTracker{Threshold: 3}
	if tr.Observe() {
		t.Fatal("should not cross threshold on first observation")
	}
	tr.Observe()
	if !tr.Observe() {
		t.Fatal("expected threshold crossed on 3rd observation")
	}
}

func TestDeadSentinelHaltsProcessing(t *testing.T) {
	a := NewAccumulator()
	if a.Dead() {
		t.Fatal("should not start dead")
	}
	plat := regio.NewSimPlatform(0)
	plat.Set(regio.RegHostEventSource, regio.DeadSentinel)
	r := regio.NewRegs(plat, nil, false, nil)
	if a.RunTopHalf(r, TopHalfParams{NumWMs: 1, NumCores: 1}) {
		t.Fatal("dead sentinel must not wake the bottom half")
	}
	if !a.Dead() {
		t.Fatal("dead sentinel must mark the accumulator dead")
	}
}
