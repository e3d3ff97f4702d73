// Package dispatch orchestrates MMU setup, register configuration, and
// the hardware kick for one cmd, and tracks each WM's pending/queued
// slot.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/nnasched/core/internal/cmdlifecycle"
	"github.com/nnasched/core/internal/configregs"
	"github.com/nnasched/core/internal/ledger"
	"github.com/nnasched/core/internal/mmuadapter"
	"github.com/nnasched/core/internal/regio"
)

// Outcome reports what happened to the cmd.
type Outcome int

const (
	OutcomeKicked Outcome = iota
	OutcomeQueued
	OutcomeHwBypassed
	OutcomeHwBusy
)

// ErrHwBusy is returned when no ledger slot is available and
// low-latency queueing cannot help either.
var ErrHwBusy = fmt.Errorf("dispatch: hardware busy")

// WMSlots tracks each WM's pending and (low-latency) queued cmd.
type WMSlots struct {
	Pending map[int]*cmdlifecycle.Cmd
	Queued  map[int]*cmdlifecycle.Cmd
}

func NewWMSlots() *WMSlots {
	return &WMSlots{Pending: map[int]*cmdlifecycle.Cmd{}, Queued: map[int]*cmdlifecycle.Cmd{}}
}

// Deps bundles everything Dispatch needs to do its work; device owns
// all of these and passes the same Deps to every call.
type Deps struct {
	Regs           *regio.Regs
	Ledger         *ledger.Ledger
	MMU            *mmuadapter.Adapter
	Slots          *WMSlots
	Config         Config
	WMCmdIDCounter *uint32
	PowerUpCore    func(ctx context.Context, core int) error
	BuildConfig    func(wmID int, coreMask uint8, cmd *cmdlifecycle.Cmd, modelCtx, ioCtx int) (configregs.ConfigRegs, error)

	// SetupCRCBufs maps and programs the per-core CRC/debug buffers
	// before the kick. Optional; nil skips the step.
	SetupCRCBufs func(wmID int, coreMask uint8, cmd *cmdlifecycle.Cmd) error

	// ForcedNext yields the next (wm, core mask) pair when the
	// scheduling_sequence tunable is active; nil selects the normal
	// lowest-index-first allocation.
	ForcedNext func() (wmID int, coreMask uint8, ok bool)
}

// Config is the slice of tunables Dispatch consults directly.
type Config struct {
	LowLatencySWKick   bool
	LowLatencySelfKick bool
	HWBypass           *uint32 // pointer so Dispatch can decrement the shared counter
	ConfirmConfigReg   bool
	MMUPageSize        uint32
	SLCHashMode        uint32
	Watchdogs          Watchdogs
}

// Watchdogs carries the four distinct watchdog budgets programmed per
// kick. WMWLDefaultCycles is used when the user supplied no estimate;
// otherwise the estimate plus WMWLMarginPct percent is used.
type Watchdogs struct {
	WMWLDefaultCycles uint64
	WMWLMarginPct     uint64
	SysMemCycles      uint64
	CoreHLCycles      uint64
	CoreMemCycles     uint64
}

// wmWLCycles picks the WM-WL watchdog budget for one cmd.
func (w Watchdogs) wmWLCycles(estimated uint32) uint64 {
	if estimated == 0 {
		return w.WMWLDefaultCycles
	}
	est := uint64(estimated)
	return est + est*w.WMWLMarginPct/100
}

// Dispatch places one not-yet-in-HW cmd: allocate resources, power up
// its cores, set up the MMU and memory hierarchy, push the config
// snapshot, program watchdogs, then kick (or stage, in low-latency
// mode).
func Dispatch(ctx context.Context, d Deps, cmd *cmdlifecycle.Cmd, sessionID uint64, mmuHwCtx int, pcPhys uint64) (Outcome, error) {
	numCores := cmd.Submit.NumCores()
	lowLatency := d.Config.LowLatencySWKick || d.Config.LowLatencySelfKick

	var info *ledger.HwSchedInfo
	var ok bool
	if d.ForcedNext != nil {
		if wm, mask, have := d.ForcedNext(); have {
			info, ok = d.Ledger.TryAllocateExact(wm, mask, sessionID, mmuHwCtx)
		}
	} else {
		info, ok = d.Ledger.TryAllocate(numCores, sessionID, mmuHwCtx)
	}
	if !ok {
		if lowLatency {
			info, ok = d.Ledger.TryQueue(numCores, sessionID, mmuHwCtx)
		}
		if !ok {
			return OutcomeHwBusy, ErrHwBusy
		}
	}
	cmd.Sched = info

	if d.Slots.Pending[info.WMID] != nil && !info.Queued && !lowLatency {
		d.Ledger.Release(info, nil)
		cmd.Sched = nil
		return OutcomeHwBusy, ErrHwBusy
	}

	if d.Config.HWBypass != nil && *d.Config.HWBypass > 0 {
		*d.Config.HWBypass--
		cmd.InHW = false
		return OutcomeHwBypassed, nil
	}

	release := func() {
		d.Ledger.Release(info, nil)
		cmd.Sched = nil
	}

	if d.PowerUpCore != nil {
		for i := 0; i < 8; i++ {
			if info.CoreMask&(1<<i) == 0 {
				continue
			}
			if err := d.PowerUpCore(ctx, i); err != nil {
				release()
				return OutcomeHwBusy, fmt.Errorf("dispatch: power up core %d: %w", i, err)
			}
		}
	}

	hwCtx, err := d.MMU.Setup(sessionID, pcPhys)
	if err != nil {
		release()
		return OutcomeHwBusy, fmt.Errorf("dispatch: mmu setup: %w", err)
	}

	// Memory-hierarchy registers: per-context preload, context override,
	// page-size ranges, and the SLC hash mode when configured.
	d.Regs.Write64(regio.RegOS0MMUCBaseMappingContext, uint64(hwCtx))
	d.Regs.Write64(regio.RegMMUPageSizeRangeOne, uint64(d.Config.MMUPageSize))
	d.Regs.Write64(regio.RegMMUPageSizeRangeTwo, uint64(d.Config.MMUPageSize))
	if d.Config.SLCHashMode != 0 {
		d.Regs.Write64(regio.RegSLCCtrl, uint64(d.Config.SLCHashMode))
	}

	var cr configregs.ConfigRegs
	if d.BuildConfig != nil {
		cr, err = d.BuildConfig(info.WMID, info.CoreMask, cmd, hwCtx, hwCtx)
		if err != nil {
			release()
			return OutcomeHwBusy, fmt.Errorf("dispatch: build config regs: %w", err)
		}
		configregs.Push(d.Regs, cr)
	}

	if d.SetupCRCBufs != nil {
		if err := d.SetupCRCBufs(info.WMID, info.CoreMask, cmd); err != nil {
			release()
			return OutcomeHwBusy, fmt.Errorf("dispatch: crc/debug buffers: %w", err)
		}
	}

	w := d.Config.Watchdogs
	d.Regs.Write64(regio.RegWDTCompareWMWL, w.wmWLCycles(cmd.Submit.EstimatedCycles))
	d.Regs.Write64(regio.RegWDTCtrlWMWL, 1)
	d.Regs.Write64(regio.RegWDTCompareSysMem, w.SysMemCycles)
	d.Regs.Write64(regio.RegWDTCtrlSysMem, 1)
	d.Regs.Write64(regio.RegWDTCompareCoreHL, w.CoreHLCycles)
	d.Regs.Write64(regio.RegWDTCtrlCoreHL, 1)
	d.Regs.Write64(regio.RegWDTCompareCoreMem, w.CoreMemCycles)
	d.Regs.Write64(regio.RegWDTCtrlCoreMem, 1)

	*d.WMCmdIDCounter++
	wmCmdID := (*d.WMCmdIDCounter & 0xFFF) | uint32(info.WMID)<<12
	cmd.WMCmdID = wmCmdID
	d.Regs.Write64(regio.RegWMWLID, uint64(wmCmdID))

	cmd.HwProcStart = time.Now()
	cmd.InHW = true

	if info.Queued {
		cmd.Queued = true
		d.Slots.Queued[info.WMID] = cmd
		// sw-kick defers the actual kick to completion of the pending
		// cmd; self-kick leaves it to the hardware. Either way only the
		// registers are set up here.
		return OutcomeQueued, nil
	}
	d.Slots.Pending[info.WMID] = cmd

	d.Regs.Write64(regio.RegWMWLControl, 1) // WL_START

	if d.Config.ConfirmConfigReg && !configregs.Confirm(d.Regs, cr) {
		return OutcomeKicked, fmt.Errorf("dispatch: confirm-config readback mismatch for wm %d", info.WMID)
	}

	return OutcomeKicked, nil
}

// PromoteQueued moves a WM's queued low-latency cmd into the pending
// slot after the previous pending cmd completes, issuing its kick if
// it was deferred (sw-kick mode).
func PromoteQueued(d Deps, wmID int, selfKicked bool) *cmdlifecycle.Cmd {
	next := d.Slots.Queued[wmID]
	if next == nil {
		return nil
	}
	delete(d.Slots.Queued, wmID)
	d.Slots.Pending[wmID] = next
	next.Queued = false
	if next.Sched != nil {
		next.Sched.Queued = false
	}
	next.HwProcStart = time.Now()
	if !selfKicked {
		d.Regs.Write64(regio.RegWMWLControl, 1)
	}
	return next
}
