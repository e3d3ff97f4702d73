package calibrate

import (
	"context"
	"testing"
	"time"

	"github.com/nnasched/core/internal/regio"
)

func TestCalibrationRunsExactlyOnce(t *testing.T) {
	c := New()
	plat := regio.NewSimPlatform(0)
	r := regio.NewRegs(plat, nil, false, nil)

	if err := c.Start(context.Background(), r, 1000); err != nil {
		t.Fatal(err)
	}
	if !c.IsCalibrating() {
		t.Fatal("expected calibrating=true after Start")
	}

	start := time.Unix(0, 0)
	end := start.Add(10 * time.Millisecond)
	freq, err := c.OnWatchdogIRQ(start, end, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if freq == 0 {
		t.Fatal("expected freq_khz > 0 on success")
	}
	if c.IsCalibrating() {
		t.Fatal("expected calibrating=false after success")
	}
	if c.FreqKHz() != freq {
		t.Fatalf("FreqKHz() = %d, want %d", c.FreqKHz(), freq)
	}

	if err := c.Start(context.Background(), r, 1000); err == nil {
		t.Fatal("expected second Start to be rejected (runs at most once)")
	}
}

func TestStartRejectsDoubleArm(t *testing.T) {
	c := New()
	plat := regio.NewSimPlatform(0)
	r := regio.NewRegs(plat, nil, false, nil)
	if err := c.Start(context.Background(), r, 1000); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background(), r, 1000); err == nil {
		t.Fatal("expected re-arming mid-calibration to be rejected")
	}
}
