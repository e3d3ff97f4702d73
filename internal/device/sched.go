package device

import (
	"context"
	"errors"
	"time"

	"github.com/nnasched/core/internal/cmdlifecycle"
	"github.com/nnasched/core/internal/config"
	"github.com/nnasched/core/internal/configregs"
	"github.com/nnasched/core/internal/dispatch"
	"github.com/nnasched/core/internal/irqpath"
	"github.com/nnasched/core/internal/regio"
	"github.com/nnasched/core/internal/resetpower"
	"github.com/nnasched/core/internal/scheduler"
)

// dispatchDeps assembles the Deps bundle for one scheduling pass.
func (d *Device) dispatchDeps(sess *Session) dispatch.Deps {
	var marginPct uint64
	if d.cfg.SWDTimeoutM0Pct > 100 {
		marginPct = uint64(d.cfg.SWDTimeoutM0Pct) - 100
	}
	deps := dispatch.Deps{
		Regs:           d.regs,
		Ledger:         d.led,
		MMU:            d.mmu,
		Slots:          d.slots,
		WMCmdIDCounter: &d.wmCmdIDCounter,
		PowerUpCore:    d.powerUpCore,
		BuildConfig:    d.buildConfig(sess),
		SetupCRCBufs:   d.setupCRCBufs,
		Config: dispatch.Config{
			LowLatencySWKick:   d.cfg.LowLatency == config.LowLatencySWKick,
			LowLatencySelfKick: d.cfg.LowLatency == config.LowLatencySelfKick,
			HWBypass:           &d.hwBypass,
			ConfirmConfigReg:   d.cfg.ConfirmConfigReg,
			MMUPageSize:        d.cfg.MMUPageSize,
			Watchdogs: dispatch.Watchdogs{
				WMWLDefaultCycles: uint64(d.cfg.SWDTimeoutDefaultUS),
				WMWLMarginPct:     marginPct,
				SysMemCycles:      uint64(d.cfg.SWDTimeoutM1US),
				CoreHLCycles:      uint64(d.cfg.SWDTimeoutDefaultUS) * 2,
				CoreMemCycles:     uint64(d.cfg.SWDTimeoutM1US) * 2,
			},
		},
	}
	if len(d.cfg.SchedulingSequence) > 0 {
		deps.ForcedNext = func() (int, uint8, bool) {
			entry := d.cfg.SchedulingSequence[d.seqIdx%len(d.cfg.SchedulingSequence)]
			d.seqIdx++
			return int(entry >> 8), uint8(entry & 0xFF), true
		}
	}
	return deps
}

// buildConfig returns the per-session ConfigRegs builder Dispatch calls
// once the WM and cores are known.
func (d *Device) buildConfig(sess *Session) func(int, uint8, *cmdlifecycle.Cmd, int, int) (configregs.ConfigRegs, error) {
	return func(wmID int, coreMask uint8, cmd *cmdlifecycle.Cmd, modelCtx, ioCtx int) (configregs.ConfigRegs, error) {
		coreAddrs := make(map[int]uint64)
		var cmdSizeUnits uint32
		numCores := cmd.Submit.NumCores()
		idx := 0
		for c := 0; c < 8 && idx < numCores; c++ {
			if coreMask&(1<<c) == 0 {
				continue
			}
			buf := sess.Bufs[cmd.Submit.CoreCmdBufIDs[idx]]
			coreAddrs[c] = buf.DevVirt
			if units := uint32((buf.Size + 31) / 32); units > 0 {
				cmdSizeUnits = units - 1
			}
			idx++
		}

		altAddrs := make(map[int]uint64)
		altTypes := make(map[int]uint8)
		for i, id := range cmd.Submit.AltAddrIDs {
			buf := sess.Bufs[id]
			slot := i
			if i < len(cmd.Submit.RegIdx) {
				slot = int(cmd.Submit.RegIdx[i])
			}
			addr := buf.DevVirt
			if i < len(cmd.Submit.BufOffsets) {
				addr += cmd.Submit.BufOffsets[i]
			}
			altAddrs[slot] = addr
			altTypes[slot] = uint8(buf.ReqType)
		}

		// Requested on-chip regions are mapped into the model context
		// before the layout registers reference them.
		for _, id := range append(append([]uint32(nil), cmd.Submit.OnchipLocalBufs...), cmd.Submit.OnchipSharedBufs...) {
			buf := sess.Bufs[id]
			if buf == nil {
				continue
			}
			if _, err := d.mmu.MapToOnchip(modelCtx, buf.DevVirt, d.cfg.MMUPageSize, nil); err != nil {
				return configregs.ConfigRegs{}, err
			}
		}

		var vcore [8]uint8
		v := 0
		for c := 0; c < 8; c++ {
			if coreMask&(1<<c) != 0 {
				vcore[v] = uint8(c)
				v++
			}
		}

		return configregs.Build(wmID, coreMask, coreAddrs, cmdSizeUnits,
			modelCtx, ioCtx, altAddrs, altTypes,
			d.props.SOCMBytes, d.props.SOCMPerCoreBytes,
			cmd.Submit.SharedCircBufOffs, 0, uint64(OCMLocmStart), vcore)
	}
}

// OCMLocmStart anchors the LOCM window in the on-chip address map.
const OCMLocmStart uint32 = 0x1000_0000

// setupCRCBufs programs the combined-CRC capture before a kick when the
// cmd carries reference CRCs.
func (d *Device) setupCRCBufs(wmID int, coreMask uint8, cmd *cmdlifecycle.Cmd) error {
	if len(cmd.Submit.CRCs) == 0 {
		return nil
	}
	d.regs.Write64(regio.RegFusaControl, 1)
	return nil
}

// RunSchedulerOnce executes one full pass of the scheduling loop. It
// is the body the scheduler worker runs on every doorbell; tests may
// call it directly for determinism.
func (d *Device) RunSchedulerOnce(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scheduleLocked(ctx)
}

func (d *Device) scheduleLocked(ctx context.Context) {
	if d.cal.IsCalibrating() {
		return
	}
	for {
		if !d.canAcceptAnyLocked() {
			return
		}
		nonEmpty := d.readyPrioritiesLocked()
		pri, ok := scheduler.PickPriority(nonEmpty, d.cfg.PriWindows, d.prng)
		if !ok {
			d.maybeIdleLocked()
			return
		}
		if !d.tryScheduleAtLocked(ctx, pri) {
			d.maybeIdleLocked()
			return
		}
	}
}

// canAcceptAnyLocked is the early-out: when every core and WM is busy
// and low-latency queueing has no open slot either, a pass cannot
// possibly place anything.
func (d *Device) canAcceptAnyLocked() bool {
	if d.led.FreeWMMask() != 0 && d.led.NumCoresFree() > 0 {
		return true
	}
	if d.cfg.LowLatency == config.LowLatencyDisabled {
		return false
	}
	for _, a := range d.led.Assignments() {
		if a.CoreMask != 0 && !a.Queued {
			return true
		}
	}
	return false
}

// readyPrioritiesLocked reports which priorities have at least one cmd
// not currently holding hardware.
func (d *Device) readyPrioritiesLocked() []bool {
	ready := make([]bool, d.numPriorities)
	for _, sess := range d.sessions {
		for p := range sess.Cmds {
			if ready[p] {
				continue
			}
			for _, c := range sess.Cmds[p] {
				if !c.InHW && !c.HoldsSchedulingSlot() {
					ready[p] = true
					break
				}
			}
		}
	}
	return ready
}

// tryScheduleAtLocked walks the priority's session ring and dispatches
// the first ready cmd. Returns true if the pass made progress and the
// outer loop should re-pick a priority.
func (d *Device) tryScheduleAtLocked(ctx context.Context, pri int) bool {
	ring := d.rings[pri]
	// advancePast rotates the ring so the session after Order()[i]
	// becomes head.
	advancePast := func(i int) {
		for k := 0; k <= i; k++ {
			ring.Advance()
		}
	}
	for i, sid := range ring.Order() {
		sess := d.sessions[sid]
		if sess == nil {
			continue
		}
		for _, cmd := range append([]*cmdlifecycle.Cmd(nil), sess.Cmds[pri]...) {
			if cmd.InHW || cmd.HoldsSchedulingSlot() {
				continue
			}
			outcome, err := dispatch.Dispatch(ctx, d.dispatchDeps(sess), cmd, sess.ID, sess.HwCtx, sess.PCPhys)
			switch outcome {
			case dispatch.OutcomeKicked:
				d.assignCoresLocked(cmd.Sched.WMID, cmd.Sched.CoreMask)
				d.st.RecordKick(cmd.Sched.CoreMask, cmd.Sched.WMID)
				d.st.SchedByPriority[pri].Observe(time.Since(cmd.SubmitTS).Nanoseconds())
				if err != nil {
					// Confirm-config mismatch: the kick already went out;
					// flag the pending cmd so completion surfaces it.
					d.log.Warn("confirm-config mismatch", "wm", cmd.Sched.WMID, "err", err)
					d.mergeWMEventLocked(cmd.Sched.WMID, regio.BitConfError)
				}
				advancePast(i)
				return true
			case dispatch.OutcomeQueued:
				d.st.RecordQueued(cmd.Sched.WMID)
				advancePast(i)
				return true
			case dispatch.OutcomeHwBypassed:
				d.completeBypassLocked(cmd)
				advancePast(i)
				return true
			case dispatch.OutcomeHwBusy:
				if errors.Is(err, dispatch.ErrHwBusy) {
					// Stop iterating this priority; rotate so the next
					// pass starts at the following session.
					advancePast(i)
					return false
				}
				// A real dispatch failure: surface it through the
				// response path and keep going.
				d.log.Warn("dispatch failed", "cmd", cmd.User.CmdID, "err", err)
				d.completeCmdLocked(cmd, time.Now(), 0, uint64(irqpath.ErrMMUSetupFailure), errnoIO, 0, -1)
			}
		}
	}
	return false
}

// completeBypassLocked synthesizes the immediate success response for a
// hw_bypass'd cmd: the ledger slot is returned and the response carries
// the SW_SKIP_CMD marker.
func (d *Device) completeBypassLocked(cmd *cmdlifecycle.Cmd) {
	wm := cmd.Sched.WMID
	mask := cmd.Sched.CoreMask
	d.led.Release(cmd.Sched, nil)
	cmd.Sched = nil
	d.completeCmdLocked(cmd, time.Now(), 0, uint64(irqpath.ErrSWSkipCmd), 0, mask, wm)
	d.log.Debug("workload bypassed hardware", "cmd", cmd.User.CmdID, "remaining_bypass", d.hwBypass)
}

// maybeIdleLocked arms APM when the whole device just went idle.
func (d *Device) maybeIdleLocked() {
	if d.led.NumCoresFree() != d.props.NumCores {
		return
	}
	if d.cfg.PMDelayMS == 0 {
		return
	}
	if resetpower.ShouldSkipAPM(d.cal.IsCalibrating(), d.cfg.NoClockDisable) {
		return
	}
	for core := 0; core < d.props.NumCores; core++ {
		if d.corePowered&(1<<core) != 0 && !d.apm[core].Armed() {
			d.apm[core].Arm(time.Duration(d.cfg.PMDelayMS) * time.Millisecond)
		}
	}
}
