// Package calibrate implements the one-shot clock-calibration
// sequence: arm a known watchdog count on WM0/core0, force the WDT
// (not a completion) to raise the IRQ, then derive the core clock
// frequency from the measured processing window.
package calibrate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nnasched/core/internal/regio"
)

// Calibrator tracks do_calibration/freq_khz state. It runs at most once
// per construction (P8: calibration idempotence).
type Calibrator struct {
	mu          sync.Mutex
	calibrating bool
	done        bool
	freqKHz     uint32
}

// New returns a calibrator that hasn't started yet.
func New() *Calibrator {
	return &Calibrator{}
}

// IsCalibrating reports whether the normal scheduler loop must be
// suppressed right now.
func (c *Calibrator) IsCalibrating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calibrating
}

// FreqKHz returns the measured frequency, 0 until calibration succeeds.
func (c *Calibrator) FreqKHz() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freqKHz
}

// Start arms WM0/core0's watchdog with count cycles, disables the
// command decoder clock (guaranteeing the WDT rather than a completion
// raises the IRQ), enables MMU bypass, and kicks WM0. A 100us settle
// delay precedes the first watchdog arm.
func (c *Calibrator) Start(ctx context.Context, r *regio.Regs, count uint32) error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return fmt.Errorf("calibrate: calibration already ran once for this driver load")
	}
	if c.calibrating {
		c.mu.Unlock()
		return fmt.Errorf("calibrate: calibration already in progress")
	}
	c.calibrating = true
	c.mu.Unlock()

	time.Sleep(100 * time.Microsecond)

	r.Write64(regio.RegWDTCompareCoreHL, uint64(count))
	r.Write64(regio.RegWDTCtrlCoreHL, 1)
	r.Write64(regio.RegClkCtrl0, 0) // disable command decoder clock
	r.Write64(regio.RegOS0MMUCtrl, 0) // MMU bypass

	r.Write64(regio.RegWMWLControl, 1) // kick WM0
	return nil
}

// OnWatchdogIRQ is invoked by the bottom half's calibration
// short-circuit when the only event is the core-0 watchdog while
// calibrating. It derives freq_khz = count / proc_ms and ends
// calibration permanently.
func (c *Calibrator) OnWatchdogIRQ(start, end time.Time, count uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.calibrating {
		return 0, fmt.Errorf("calibrate: watchdog fired but calibration is not in progress")
	}
	procMS := end.Sub(start).Seconds() * 1000.0
	if procMS <= 0 {
		return 0, fmt.Errorf("calibrate: non-positive measured interval")
	}
	freq := uint32(float64(count) / procMS)
	c.freqKHz = freq
	c.calibrating = false
	c.done = true
	return freq, nil
}
