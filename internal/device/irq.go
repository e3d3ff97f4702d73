package device

import (
	"context"
	"fmt"
	"time"

	"github.com/nnasched/core/internal/cmdlifecycle"
	"github.com/nnasched/core/internal/config"
	"github.com/nnasched/core/internal/dispatch"
	"github.com/nnasched/core/internal/irqpath"
	"github.com/nnasched/core/internal/regio"
	"github.com/nnasched/core/internal/resetpower"
)

// HandleIRQ is the top-half entry the platform's interrupt glue calls.
// It never sleeps and never takes the device lock; it reads event
// sources into the accumulator and, when any default event bit is set,
// rings the bottom-half doorbell (the WAKE_THREAD analogue).
func (d *Device) HandleIRQ() bool {
	n := d.props.NumCores
	wakeThread := d.acc.RunTopHalf(d.regs, irqpath.TopHalfParams{
		NumWMs:   n,
		NumCores: n,
		NumIC:    1,
		SelectWM: func(r *regio.Regs, i int) {
			r.Write64(regio.RegTLCWMIndirect, uint64(i))
		},
		SelectCore: func(r *regio.Regs, i int) {
			r.Write64(regio.RegCoreCtrlIndirect, uint64(i))
		},
		SelectIC: func(r *regio.Regs, i int) {},
		DisableWMEvents: func(r *regio.Regs, i int) {
			r.Write64(regio.RegWMEventEnable, 0)
		},
	})
	if d.acc.Dead() {
		d.warnDeadOnce()
		return false
	}
	if wakeThread {
		wake(d.irqDoorbell)
	}
	return wakeThread
}

func (d *Device) warnDeadOnce() {
	d.deadWarnOnce.Do(func() {
		d.log.Error("hardware appears dead; interrupt processing stopped")
	})
}

// mergeWMEventLocked injects a pseudo status bit for wm so the bottom
// half processes it through the normal error pipeline.
func (d *Device) mergeWMEventLocked(wm int, bits uint64) {
	d.acc.InjectWM(wm, bits)
	wake(d.irqDoorbell)
}

// RunBottomHalfOnce is one pass of the schedulable bottom half:
// snapshot the accumulated status, classify, reset as needed, pop
// response FIFOs, and complete finished workloads.
func (d *Device) RunBottomHalfOnce(ctx context.Context) {
	snap := d.acc.Snapshot()
	if snap.EventSource == 0 && snap.SysEvents == 0 &&
		len(snap.WMEvents) == 0 && len(snap.CoreEvents) == 0 && len(snap.ICEvents) == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cal.IsCalibrating() && calibWatchdogOnly(snap) {
		end := snap.HwProcEnd[0]
		if end.IsZero() {
			end = time.Now()
		}
		freq, err := d.cal.OnWatchdogIRQ(d.calStart, end, d.calCount)
		if err != nil {
			d.log.Warn("calibration watchdog mishandled", "err", err)
		} else {
			d.log.Info("core clock calibrated", "freq_khz", freq)
		}
		d.WakeScheduler()
		return
	}

	type wmState struct {
		flags     []irqpath.ErrFlag
		fifoReady bool
	}
	perWM := make(map[int]*wmState)
	get := func(wm int) *wmState {
		st := perWM[wm]
		if st == nil {
			st = &wmState{}
			perWM[wm] = st
		}
		return st
	}

	var globalFlags []irqpath.ErrFlag
	for _, f := range irqpath.DecodeSysGlobal(snap.SysEvents) {
		if f == irqpath.ErrSysRAMCorrection {
			if d.ramCorrTrack.Observe() {
				d.log.Warn("ram correction threshold crossed", "count", d.ramCorrTrack.Count)
			}
			continue
		}
		globalFlags = append(globalFlags, f)
	}

	if pf := irqpath.SysPageFaultWMs(snap.SysEvents); pf != 0 {
		for wm := 0; wm < d.props.NumCores; wm++ {
			if pf&(1<<wm) == 0 {
				continue
			}
			get(wm).flags = append(get(wm).flags, irqpath.ErrMMUPageFault)
			d.log.Error("mmu page fault",
				"wm", wm,
				"fault_status1", fmt.Sprintf("%#x", d.regs.Read64(regio.RegOS0MMUFaultStatus1)),
				"fault_status2", fmt.Sprintf("%#x", d.regs.Read64(regio.RegOS0MMUFaultStatus2)))
		}
	}

	for wm, val := range snap.WMEvents {
		flags, fifoReady := irqpath.DecodeWM(val)
		st := get(wm)
		st.flags = append(st.flags, flags...)
		st.fifoReady = st.fifoReady || fifoReady
	}
	for core, val := range snap.CoreEvents {
		flags := irqpath.DecodeCore(val)
		if wm := d.led.WMOf(core); wm >= 0 {
			get(wm).flags = append(get(wm).flags, flags...)
		} else {
			globalFlags = append(globalFlags, flags...)
		}
	}
	for _, val := range snap.ICEvents {
		globalFlags = append(globalFlags, irqpath.DecodeIC(val)...)
	}

	globalClass, globalBits := irqpath.Classify(globalFlags)
	fullReset := globalClass == irqpath.ResetFull

	wmClass := make(map[int]irqpath.ResetClass)
	wmBits := make(map[int]uint64)
	for wm, st := range perWM {
		c, bits := irqpath.Classify(st.flags)
		wmClass[wm] = c
		wmBits[wm] = bits
		if c == irqpath.ResetFull {
			fullReset = true
		}
	}

	if fullReset {
		d.fullResetLocked(ctx, globalBits)
		d.WakeScheduler()
		return
	}

	for wm, st := range perWM {
		switch wmClass[wm] {
		case irqpath.ResetMMU:
			if err := d.flushWMContextLocked(wm); err != nil {
				d.log.Error("mmu flush failed, escalating", "wm", wm, "err", err)
				d.fullResetLocked(ctx, wmBits[wm])
				d.WakeScheduler()
				return
			}
			d.resetWMLocked(ctx, wm, wmBits[wm], snap)
		case irqpath.ResetWM:
			d.resetWMLocked(ctx, wm, wmBits[wm], snap)
		case irqpath.ResetNone:
			if st.fifoReady {
				if escalate := d.popAndCompleteLocked(wm, snap, wmBits[wm]); escalate {
					d.fullResetLocked(ctx, uint64(irqpath.ErrParityError))
					d.WakeScheduler()
					return
				}
			}
		}
		// Re-enable the WM events the top half disabled.
		d.regs.Write64(regio.RegWMEventEnable, ^uint64(0))
	}

	d.WakeScheduler()
}

// calibWatchdogOnly reports whether the snapshot carries only a
// calibration watchdog: core 0 alone with its WDT bit, or, with no core
// events, WM 0 alone with its workload watchdog bit. This is the
// calibration short-circuit condition.
func calibWatchdogOnly(snap *irqpath.IrqStatus) bool {
	if snap.SysEvents != 0 || len(snap.ICEvents) != 0 {
		return false
	}
	if len(snap.CoreEvents) == 1 && snap.CoreEvents[0]&irqpath.CoreBitWDT != 0 {
		return true
	}
	if len(snap.CoreEvents) == 0 && len(snap.WMEvents) == 1 {
		return snap.WMEvents[0]&irqpath.WMBitWLWDT != 0
	}
	return false
}

// flushWMContextLocked flushes the MMU context of the session owning
// the WM's pending cmd.
func (d *Device) flushWMContextLocked(wm int) error {
	pend := d.slots.Pending[wm]
	if pend == nil {
		return nil
	}
	sess := d.sessions[pend.SessionID]
	if sess == nil {
		return nil
	}
	return d.mmu.Flush(sess.HwCtx, true)
}

// resetWMLocked resets one WM for error recovery and completes its
// pending cmd with the asserted error flags.
func (d *Device) resetWMLocked(ctx context.Context, wm int, errBits uint64, snap *irqpath.IrqStatus) {
	pend := d.slots.Pending[wm]
	var coreMask uint8
	if pend != nil && pend.Sched != nil {
		coreMask = pend.Sched.CoreMask
	}
	if err := resetpower.WM(ctx, d.regs, wm, coreMask, pollCount); err != nil {
		d.log.Error("wm reset failed, escalating", "wm", wm, "err", err)
		d.fullResetLocked(ctx, errBits)
		return
	}

	// A queued low-latency successor cannot survive its WM reset; pull
	// it back for rescheduling.
	if queued := d.slots.Queued[wm]; queued != nil {
		d.rollbackCmdLocked(queued)
		delete(d.slots.Queued, wm)
	}

	if pend != nil {
		end := snap.HwProcEnd[wm]
		if end.IsZero() {
			end = time.Now()
		}
		d.releaseSOCMLocked(coreMask)
		if pend.Sched != nil {
			d.led.Release(pend.Sched, d.onCoreFreed)
		}
		pend.Sched = nil
		delete(d.slots.Pending, wm)
		d.releaseMMURefLocked(pend.SessionID)
		d.completeCmdLocked(pend, end, 0, errBits, errnoIO, coreMask, wm)
	}
}

// popAndCompleteLocked pops the WM's response FIFO and completes the
// pending cmd. Returns true when a persistent parity failure demands
// escalation to a full reset.
func (d *Device) popAndCompleteLocked(wm int, snap *irqpath.IrqStatus, extraBits uint64) (escalate bool) {
	var rsp irqpath.WMResponse
	var perr error
	d.acc.WithWMSelected(d.regs, wm, func() {
		rsp, perr = irqpath.PopResponse(d.regs)
	})
	if perr != nil {
		d.log.Error("response fifo parity failure", "wm", wm, "err", perr)
		return true
	}

	pend := d.slots.Pending[wm]
	if pend == nil {
		d.log.Warn("response with no pending workload", "wm", wm, "wl_id", rsp.WLID)
		return false
	}

	flags := append([]irqpath.ErrFlag(nil), rsp.Flags...)
	if rsp.WLID != pend.WMCmdID {
		d.log.Warn("wl id mismatch", "wm", wm, "got", rsp.WLID, "want", pend.WMCmdID)
		flags = append(flags, irqpath.ErrWLIDMismatch)
	}
	_, bits := irqpath.Classify(flags)
	bits |= extraBits

	end := snap.HwProcEnd[wm]
	if end.IsZero() {
		end = time.Now()
	}

	coreMask := pend.Sched.CoreMask
	queuedNext := d.slots.Queued[wm] != nil
	if !queuedNext {
		d.releaseSOCMLocked(coreMask)
	}
	d.led.Release(pend.Sched, d.onCoreFreed)
	pend.Sched = nil
	delete(d.slots.Pending, wm)
	d.releaseMMURefLocked(pend.SessionID)

	var errNo int32
	if bits != 0 {
		errNo = errnoIO
	}
	d.completeCmdLocked(pend, end, rsp.Cycles, bits, errNo, coreMask, wm)

	selfKick := d.cfg.LowLatency == config.LowLatencySelfKick
	if promoted := dispatch.PromoteQueued(dispatch.Deps{Regs: d.regs, Slots: d.slots}, wm, selfKick); promoted != nil {
		d.st.RecordKick(promoted.Sched.CoreMask, wm)
	}
	return false
}

// fullResetLocked performs the system reset and rolls back every
// in-flight workload so the scheduler can re-place it.
func (d *Device) fullResetLocked(ctx context.Context, errBits uint64) {
	d.log.Error("full system reset", "err_flags", fmt.Sprintf("%#x", errBits))
	if err := resetpower.System(ctx, d.regs, d.props.NumCores, pollCount); err != nil {
		d.log.Error("system reset reported errors", "err", err)
	}

	for wm := 0; wm < d.props.NumCores; wm++ {
		for _, slot := range []map[int]*cmdlifecycle.Cmd{d.slots.Pending, d.slots.Queued} {
			if c := slot[wm]; c != nil {
				d.rollbackCmdLocked(c)
				delete(slot, wm)
			}
		}
	}

	d.led.ResetAll()
	for i := range d.socmOwner {
		d.socmOwner[i] = socmUnallocNibble
	}
	d.pushSOCMOwnersLocked()
	d.corePowered = uint8((1 << d.props.NumCores) - 1)
}
