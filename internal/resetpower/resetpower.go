// Package resetpower implements per-core power sequencing, system and
// WM-scoped reset, and the active power management timers. The
// power-up sequence's register ordering is pdump-visible and therefore
// must run in the exact order written here.
package resetpower

import (
	"context"
	"fmt"

	"github.com/nnasched/core/internal/regio"
)

// PowerUp runs the per-core power-up sequence. pollCount bounds every
// poll this function issues.
func PowerUp(ctx context.Context, r *regio.Regs, core int, domainMask uint64, pollCount int) error {
	const (
		bitPowerUp  = 1 << 0
		bitReq      = 1 << 1
		bitComplete = 1 << 2
	)

	if err := r.Poll64(ctx, regio.RegPowerEvent, 0, bitReq, pollCount); err != nil {
		return fmt.Errorf("resetpower: core %d: pending power event never cleared: %w", core, err)
	}

	r.Write64(regio.RegPowerEvent, domainMask<<1|bitPowerUp|bitReq)

	if err := r.Poll64(ctx, regio.RegPowerEvent, bitComplete, bitComplete, pollCount); err != nil {
		return fmt.Errorf("resetpower: core %d: POWER_COMPLETE never asserted: %w", core, err)
	}
	r.Write64(regio.RegPowerEvent, 0)

	r.Write64(regio.RegClkCtrl0, 1) // force clocks AUTO/ON
	r.Write64(regio.RegCoreSoftReset, 1)

	if err := r.Poll64(ctx, regio.RegACEStatus, 1, 1, pollCount); err != nil {
		return fmt.Errorf("resetpower: core %d: MEMBUS_RESET_DONE never seen: %w", core, err)
	}

	r.Write64(regio.RegSysRAMInit, 1)
	r.Write64(regio.RegLOCMScrubCtrl, 1)

	if err := r.Poll64(ctx, regio.RegSysRAMInit, 0, 1, pollCount); err != nil {
		return fmt.Errorf("resetpower: core %d: RAM_INIT_DONE never seen: %w", core, err)
	}
	if err := r.Poll64(ctx, regio.RegLOCMScrubCtrl, 0, 1, pollCount); err != nil {
		return fmt.Errorf("resetpower: core %d: LOCM_SCRUB_DONE never seen: %w", core, err)
	}

	r.Write64(regio.RegCoreEventWMEnable, ^uint64(0))
	return nil
}

// PowerDown is the inverse bring-down, issued by APM or a reset path.
func PowerDown(ctx context.Context, r *regio.Regs, core int, domainMask uint64, pollCount int) error {
	const (
		bitPowerDown = 1 << 3
		bitReq       = 1 << 1
		bitComplete  = 1 << 2
	)
	r.Write64(regio.RegCoreEventWMEnable, 0)
	r.Write64(regio.RegPowerEvent, domainMask<<1|bitPowerDown|bitReq)
	if err := r.Poll64(ctx, regio.RegPowerEvent, bitComplete, bitComplete, pollCount); err != nil {
		return fmt.Errorf("resetpower: core %d: power-down never completed: %w", core, err)
	}
	r.Write64(regio.RegPowerEvent, 0)
	return nil
}

// System runs the full system-level reset: per-core power sequencing
// for each of the numCores cores, then interconnect/SLC/MH/WM resets,
// system RAM init, SOCM scrub, and a register-bank reset.
func System(ctx context.Context, r *regio.Regs, numCores int, pollCount int) error {
	for c := 0; c < numCores; c++ {
		if err := PowerUp(ctx, r, c, 1, pollCount); err != nil {
			return fmt.Errorf("resetpower: system reset: %w", err)
		}
	}

	r.Write64(regio.RegSysResetCtrl, 0xF) // interconnect/SLC/MH/WM reset bits
	if err := r.Poll64(ctx, regio.RegACEStatus, 2, 2, pollCount); err != nil {
		return fmt.Errorf("resetpower: SYS_MEMBUS_RESET_DONE never seen: %w", err)
	}
	r.Write64(regio.RegSysRAMInit, 1)
	r.Write64(regio.RegSOCMScrubCtrl, 1)
	r.Write64(regio.RegSysResetCtrl, 0)
	return nil
}

// WM resets one WM and its assigned cores for error recovery: move the
// WM to reset, power-cycle each assigned core, then bring the WM out.
func WM(ctx context.Context, r *regio.Regs, wmID int, coreMask uint8, pollCount int) error {
	r.Write64(regio.RegWMEventClear, 1<<uint(wmID))
	for i := 0; i < 8; i++ {
		if coreMask&(1<<i) == 0 {
			continue
		}
		if err := PowerDown(ctx, r, i, 1, pollCount); err != nil {
			return fmt.Errorf("resetpower: wm %d reset: %w", wmID, err)
		}
		if err := PowerUp(ctx, r, i, 1, pollCount); err != nil {
			return fmt.Errorf("resetpower: wm %d reset: %w", wmID, err)
		}
	}
	r.Write64(regio.RegWMEventEnable, ^uint64(0))
	return nil
}
