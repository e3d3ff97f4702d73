package resetpower

import (
	"context"
	"testing"
	"time"

	"github.com/nnasched/core/internal/regio"
)

func TestPowerUpSucceedsWithCooperativePlatform(t *testing.T) {
	plat := regio.NewSimPlatform(100000)
	plat.OnRead(func(off uint32, cur uint64) uint64 {
		switch off {
		case regio.RegPowerEvent:
			// POWER_COMPLETE (bit 2) with REQ (bit 1) clear, so both the
			// leading no-pending-event poll and the completion poll pass,
			// even after PowerUp writes its request into this register.
			return 1 << 2
		case regio.RegACEStatus:
			return 1 // MEMBUS_RESET_DONE
		case regio.RegSysRAMInit, regio.RegLOCMScrubCtrl:
			return 0 // init/scrub done
		}
		return cur
	})
	r := regio.NewRegs(plat, nil, false, nil)

	if err := PowerUp(context.Background(), r, 0, 1, 10); err != nil {
		t.Fatalf("PowerUp: %v", err)
	}
}

func TestPowerUpTimesOutWithoutCompleteBit(t *testing.T) {
	plat := regio.NewSimPlatform(100000)
	r := regio.NewRegs(plat, nil, false, nil)
	if err := PowerUp(context.Background(), r, 0, 1, 3); err == nil {
		t.Fatal("expected timeout when POWER_COMPLETE never arrives")
	}
}

func TestAPMTimerFiresAfterDelay(t *testing.T) {
	fired := make(chan struct{}, 1)
	a := NewAPMTimer(func() { fired <- struct{}{} })
	a.Arm(10 * time.Millisecond)
	select {
	case <-fired:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timer never fired")
	}
}

func TestAPMTimerCancelPreventsFire(t *testing.T) {
	fired := make(chan struct{}, 1)
	a := NewAPMTimer(func() { fired <- struct{}{} })
	a.Arm(30 * time.Millisecond)
	if !a.Cancel() {
		t.Fatal("expected cancel to succeed before fire")
	}
	select {
	case <-fired:
		t.Fatal("timer fired after cancel")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestShouldSkipAPM(t *testing.T) {
	if !ShouldSkipAPM(true, false) {
		t.Fatal("must skip during calibration")
	}
	if !ShouldSkipAPM(false, true) {
		t.Fatal("must skip when no_clock_disable is set")
	}
	if ShouldSkipAPM(false, false) {
		t.Fatal("should not skip otherwise")
	}
}
