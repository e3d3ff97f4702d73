// Package device wires the scheduler core together: it owns the
// hardware properties, the resource ledger, the session list, the
// per-WM pending/queued slots, statistics, and the worker goroutines
// that run the scheduling loop and the IRQ bottom half. Most public
// operations take the device lock on entry; the top-half entry
// HandleIRQ never does.
package device

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nnasched/core/internal/calibrate"
	"github.com/nnasched/core/internal/cmdlifecycle"
	"github.com/nnasched/core/internal/config"
	"github.com/nnasched/core/internal/dispatch"
	"github.com/nnasched/core/internal/irqpath"
	"github.com/nnasched/core/internal/ledger"
	"github.com/nnasched/core/internal/logging"
	"github.com/nnasched/core/internal/mmuadapter"
	"github.com/nnasched/core/internal/regio"
	"github.com/nnasched/core/internal/resetpower"
	"github.com/nnasched/core/internal/rng"
	"github.com/nnasched/core/internal/scheduler"
	"github.com/nnasched/core/internal/stats"
)

// HwProps describes the probed hardware. Immutable after construction.
type HwProps struct {
	NumCores         int
	LOCMBytes        uint32
	SOCMBytes        uint32
	SOCMPerCoreBytes uint32
	MMUWidth         int
	MMUPageSize      uint32
	CoreID           uint64 // BVNC
	SupportsParity   bool
	SupportsRTM      bool
}

// BufStatus tracks who last filled a buffer.
type BufStatus int

const (
	BufUnfilled BufStatus = iota
	BufFilledBySW
	BufFilledByHW
)

// BufReqType says which MMU requestor a buffer serves.
type BufReqType int

const (
	BufReqModel BufReqType = iota
	BufReqIO
)

// Buffer is a session-owned device buffer.
type Buffer struct {
	ID      uint32
	Size    uint64
	Attr    uint32
	Status  BufStatus
	DevVirt uint64
	ReqType BufReqType
	Flush   bool
	Inval   bool
}

// Session is one open client of the device.
type Session struct {
	*cmdlifecycle.Session
	UUID   uuid.UUID
	Bufs   map[uint32]*Buffer
	PCPhys uint64
	HwCtx  int
	closed bool
}

const (
	defaultPriorities = 3
	pollCount         = 100
	socmUnallocNibble = 0xF
	errnoIO           = -5
	errnoCanceled     = -125
)

// Device is the singleton per physical accelerator.
type Device struct {
	mu sync.Mutex

	props HwProps
	cfg   config.Config
	regs  *regio.Regs
	led   *ledger.Ledger
	mmu   *mmuadapter.Adapter
	slots *dispatch.WMSlots
	acc   *irqpath.Accumulator
	st    *stats.Stats
	cal   *calibrate.Calibrator
	prng  *rng.MT19937
	log   *slog.Logger

	sessions      map[uint64]*Session
	rings         []*scheduler.SessionRing
	numPriorities int
	nextSessID    uint64

	wmCmdIDCounter uint32
	hwBypass       uint32
	seqIdx         int

	corePowered  uint8
	apm          []*resetpower.APMTimer
	socmOwner    []uint8 // per-core SOCM owner nibble, 0xF = unallocated
	hwProcEnd    map[int]time.Time
	ramCorrTrack irqpath.RAMCorrectionTracker

	calStart     time.Time
	calCount     uint32
	deadWarnOnce sync.Once

	schedDoorbell chan struct{}
	irqDoorbell   chan struct{}
	stopCh        chan struct{}
	wg            sync.WaitGroup
	started       bool
}

// New builds a Device over plat and backend. logHandler may be nil for
// a silent device (tests).
func New(props HwProps, cfg config.Config, plat regio.Platform, backend mmuadapter.MmuBackend,
	sink regio.PdumpSink, logHandler *logging.Handler) (*Device, error) {
	if props.NumCores < 1 || props.NumCores > 8 {
		return nil, fmt.Errorf("device: num_cores %d outside [1,8]", props.NumCores)
	}
	numPri := defaultPriorities
	if len(cfg.PriWindows) > numPri {
		numPri = len(cfg.PriWindows)
	}

	parityCheck := func(uint64) bool { return true }
	if props.SupportsParity && !cfg.ParityDisable {
		// Even parity over all 64 bits, with the software pseudo-bits
		// masked out since they never come from hardware.
		parityCheck = evenParity
	}

	mode := mmuadapter.ModeDisabled
	switch cfg.MMUMode {
	case config.MMUDirect:
		mode = mmuadapter.ModeDirect
	case config.MMU40Bit:
		mode = mmuadapter.Mode40Bit
	}

	var logger *slog.Logger
	if logHandler != nil {
		logger = logging.New(logHandler, "device")
	} else {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}

	d := &Device{
		props:         props,
		cfg:           cfg,
		regs:          regio.NewRegs(plat, sink, true, parityCheck),
		led:           ledger.New(props.NumCores),
		mmu:           mmuadapter.New(backend, 32, mode, props.SupportsParity && !cfg.ParityDisable),
		slots:         dispatch.NewWMSlots(),
		acc:           irqpath.NewAccumulator(),
		st:            stats.New(props.NumCores, numPri),
		cal:           calibrate.New(),
		prng:          rng.New(uint32(props.CoreID) ^ 0x6e6e6173),
		log:           logger,
		sessions:      make(map[uint64]*Session),
		numPriorities: numPri,
		hwBypass:      cfg.HWBypass,
		socmOwner:     make([]uint8, props.NumCores),
		hwProcEnd:     make(map[int]time.Time),
		schedDoorbell: make(chan struct{}, 1),
		irqDoorbell:   make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		ramCorrTrack:  irqpath.RAMCorrectionTracker{Threshold: cfg.RAMCorrectionThreshold},
	}
	for i := range d.socmOwner {
		d.socmOwner[i] = socmUnallocNibble
	}
	d.rings = make([]*scheduler.SessionRing, numPri)
	for p := range d.rings {
		d.rings[p] = scheduler.NewSessionRing(nil)
	}
	d.apm = make([]*resetpower.APMTimer, props.NumCores)
	for i := range d.apm {
		core := i
		d.apm[i] = resetpower.NewAPMTimer(func() { d.apmFired(core) })
	}
	return d, nil
}

func evenParity(val uint64) bool {
	v := val &^ (regio.BitCombinedCRCError | regio.BitWLIDMismatch |
		regio.BitParityError | regio.BitConfError)
	var ones int
	for ; v != 0; v &= v - 1 {
		ones++
	}
	return ones%2 == 0
}

// Start launches the scheduler worker and IRQ bottom-half worker.
func (d *Device) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.st.StartedAt = time.Now()
	d.mu.Unlock()

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-d.stopCh:
				return
			case <-d.schedDoorbell:
				d.RunSchedulerOnce(ctx)
			}
		}
	}()
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-d.stopCh:
				return
			case <-d.irqDoorbell:
				d.RunBottomHalfOnce(ctx)
			}
		}
	}()
}

// Stop halts both workers and cancels every APM timer.
func (d *Device) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	d.mu.Unlock()
	close(d.stopCh)
	d.wg.Wait()
	for _, t := range d.apm {
		t.Cancel()
	}
}

// wake rings a doorbell; a full channel means the worker is already
// scheduled, so the send is dropped (coalesced re-invocation).
func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// WakeScheduler requests a scheduling pass.
func (d *Device) WakeScheduler() { wake(d.schedDoorbell) }

// OpenSession creates a session and binds it an MMU hardware context.
func (d *Device) OpenSession(pcPhys uint64) (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextSessID++
	id := d.nextSessID
	hwCtx, err := d.mmu.Setup(id, pcPhys)
	if err != nil {
		return nil, fmt.Errorf("device: open session: %w", err)
	}
	sess := &Session{
		Session: cmdlifecycle.NewSession(id, d.numPriorities),
		UUID:    uuid.New(),
		Bufs:    make(map[uint32]*Buffer),
		PCPhys:  pcPhys,
		HwCtx:   hwCtx,
	}
	d.sessions[id] = sess
	for _, ring := range d.rings {
		ring.Add(id)
	}
	d.log.Info("session opened", "session", sess.UUID, "hw_ctx", hwCtx)
	return sess, nil
}

// CloseSession rolls back the session's in-flight work, drops its
// queues, and releases its MMU context.
func (d *Device) CloseSession(ctx context.Context, sess *Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sess.closed {
		return nil
	}
	sess.closed = true

	d.rollbackSessionLocked(ctx, sess.ID)
	cmdlifecycle.CancelByMask(sess.Session, 0, 0)

	for _, ring := range d.rings {
		ring.Remove(sess.ID)
	}
	delete(d.sessions, sess.ID)
	if err := d.mmu.Release(sess.HwCtx, true); err != nil {
		d.log.Warn("mmu context release failed", "session", sess.UUID, "err", err)
	}
	d.log.Info("session closed", "session", sess.UUID)
	d.WakeScheduler()
	return nil
}

// AddBuffer registers a buffer with the session.
func (d *Device) AddBuffer(sess *Session, buf *Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if buf.ID == 0 {
		return fmt.Errorf("device: buffer id 0 is reserved")
	}
	if _, dup := sess.Bufs[buf.ID]; dup {
		return fmt.Errorf("device: buffer id %d already registered", buf.ID)
	}
	sess.Bufs[buf.ID] = buf
	return nil
}

// Submit validates and enqueues one workload, then wakes the worker.
func (d *Device) Submit(sess *Session, user cmdlifecycle.UserCmd, payload cmdlifecycle.SubmitMulti) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sess.closed {
		return fmt.Errorf("device: session is closed")
	}
	cmd := &cmdlifecycle.Cmd{SessionID: sess.ID, User: user, Submit: payload}
	err := cmdlifecycle.Enqueue(sess.Session, cmd, cmdlifecycle.EnqueueParams{
		MaxAltAddrs:        config.MaxAltAddrs,
		NumPriorities:      d.numPriorities,
		CombinedCRCEnabled: d.cfg.CombinedCRCEnable,
		BufferExists: func(id uint32) bool {
			_, ok := sess.Bufs[id]
			return ok
		},
	})
	if err != nil {
		return err
	}
	d.log.Debug("workload enqueued", "session", sess.UUID, "cmd", user.CmdID, "priority", cmd.Priority)
	d.WakeScheduler()
	return nil
}

// Responses drains and returns the session's response queue.
func (d *Device) Responses(sess *Session) []cmdlifecycle.Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := sess.Responses
	sess.Responses = nil
	return out
}

// Cancel rolls back and deletes every cmd of sess whose
// (cmd_id & mask) == cmdID. Outstanding hardware work is force-aborted
// by resetting the owning WM. One synthetic cancel response is emitted
// if anything was removed and respond is set.
func (d *Device) Cancel(ctx context.Context, sess *Session, cmdID, mask uint32, respond bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	removedAny := false
	match := func(c *cmdlifecycle.Cmd) bool {
		return c != nil && c.SessionID == sess.ID && c.User.CmdID&mask == cmdID
	}

	for wm := 0; wm < d.props.NumCores; wm++ {
		pend := d.slots.Pending[wm]
		queued := d.slots.Queued[wm]
		if !match(pend) && !match(queued) {
			continue
		}
		var mask uint8
		if pend != nil && pend.Sched != nil {
			mask = pend.Sched.CoreMask
		}
		if err := resetpower.WM(ctx, d.regs, wm, mask, pollCount); err != nil {
			d.log.Warn("wm reset during cancel failed", "wm", wm, "err", err)
		}
		// The reset killed everything staged on this WM; pull both
		// slots back in queue order (successor first, then the pending
		// owner) so the ledger slot unwinds cleanly. A rolled-back cmd
		// that doesn't match the cancel mask stays in its session
		// queue and is rescheduled.
		if queued != nil {
			d.rollbackCmdLocked(queued)
			delete(d.slots.Queued, wm)
			removedAny = removedAny || match(queued)
		}
		if pend != nil {
			d.rollbackCmdLocked(pend)
			delete(d.slots.Pending, wm)
			removedAny = removedAny || match(pend)
		}
	}

	removed := cmdlifecycle.CancelByMask(sess.Session, cmdID, mask)
	for range removed {
		d.st.Device.Cancelled++
	}
	if len(removed) > 0 {
		removedAny = true
	}

	if removedAny && respond {
		sess.Responses = append(sess.Responses, cmdlifecycle.Response{
			CmdID: cmdID,
			ErrNo: errnoCanceled,
		})
	}
	d.WakeScheduler()
	return nil
}

// releaseMMURefLocked drops the hw-context reference a dispatch took
// for this cmd's session.
func (d *Device) releaseMMURefLocked(sessionID uint64) {
	sess := d.sessions[sessionID]
	if sess == nil {
		return
	}
	if err := d.mmu.Release(sess.HwCtx, true); err != nil {
		d.log.Warn("mmu ref release failed", "session", sess.UUID, "err", err)
	}
}

// rollbackCmdLocked frees a cmd's ledger slot and marks it rolled back.
func (d *Device) rollbackCmdLocked(c *cmdlifecycle.Cmd) {
	if c.Sched != nil {
		wm := c.Sched.WMID
		mask := c.Sched.CoreMask
		d.led.Release(c.Sched, d.onCoreFreed)
		d.st.RecordAbort(mask, wm)
		c.Sched = nil
	}
	if c.InHW {
		d.releaseMMURefLocked(c.SessionID)
	}
	cmdlifecycle.Rollback(c)
}

// rollbackSessionLocked pulls back every pend/queued cmd owned by sessID.
func (d *Device) rollbackSessionLocked(ctx context.Context, sessID uint64) bool {
	any := false
	for wm := 0; wm < d.props.NumCores; wm++ {
		for _, slot := range []map[int]*cmdlifecycle.Cmd{d.slots.Pending, d.slots.Queued} {
			c := slot[wm]
			if c == nil || c.SessionID != sessID {
				continue
			}
			if err := resetpower.WM(ctx, d.regs, wm, c.Sched.CoreMask, pollCount); err != nil {
				d.log.Warn("wm reset during session rollback failed", "wm", wm, "err", err)
			}
			d.rollbackCmdLocked(c)
			delete(slot, wm)
			any = true
		}
	}
	return any
}

// onCoreFreed is the ledger release callback: it arms the core's APM
// timer when power management is configured.
func (d *Device) onCoreFreed(core, wm int) {
	if d.cfg.PMDelayMS == 0 {
		return
	}
	if resetpower.ShouldSkipAPM(d.cal.IsCalibrating(), d.cfg.NoClockDisable) {
		return
	}
	d.apm[core].Arm(time.Duration(d.cfg.PMDelayMS) * time.Millisecond)
}

// apmFired powers a core down after its idle delay elapsed, unless it
// was re-allocated in the meantime.
func (d *Device) apmFired(core int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.led.FreeCoreMask()&(1<<core) == 0 {
		return // re-allocated before the timer fired
	}
	if d.corePowered&(1<<core) == 0 {
		return
	}
	if err := resetpower.PowerDown(context.Background(), d.regs, core, 1<<core, pollCount); err != nil {
		d.log.Warn("apm power-down failed", "core", core, "err", err)
		return
	}
	d.corePowered &^= 1 << core
	d.log.Debug("core powered down", "core", core)
}

// powerUpCore is the lazy power-up Dispatch calls per assigned core.
func (d *Device) powerUpCore(ctx context.Context, core int) error {
	d.apm[core].Cancel()
	if d.corePowered&(1<<core) != 0 {
		return nil
	}
	if err := resetpower.PowerUp(ctx, d.regs, core, 1<<core, pollCount); err != nil {
		return err
	}
	d.corePowered |= 1 << core
	return nil
}

// Calibrate arms the one-shot watchdog clock calibration. While it
// runs the scheduler loop is suppressed.
func (d *Device) Calibrate(ctx context.Context, count uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.cal.Start(ctx, d.regs, count); err != nil {
		return err
	}
	d.calStart = time.Now()
	d.calCount = count
	return nil
}

// FreqKHz reports the calibrated core clock, 0 before calibration.
func (d *Device) FreqKHz() uint32 { return d.cal.FreqKHz() }

// Calibrating reports whether calibration is currently suppressing the
// scheduler.
func (d *Device) Calibrating() bool { return d.cal.IsCalibrating() }

// Stats returns a copy of the statistics block.
func (d *Device) Stats() stats.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := *d.st
	st.Cores = append([]stats.KickCounters(nil), d.st.Cores...)
	st.WMs = append([]stats.KickCounters(nil), d.st.WMs...)
	st.SchedByPriority = append([]stats.PrioritySchedStat(nil), d.st.SchedByPriority...)
	return st
}

// WithLock runs f under the device mutex; the metrics collector uses
// this so a Prometheus scrape never observes a torn stats snapshot.
func (d *Device) WithLock(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f()
}

// StatsRef exposes the live stats block for the metrics collector,
// which must only read it via WithLock.
func (d *Device) StatsRef() *stats.Stats { return d.st }

// Props returns the probed hardware properties.
func (d *Device) Props() HwProps { return d.props }

// PendingWMs reports which WMs hold a pending workload and its wm_cmd_id,
// for the debug CLI and tests driving a simulated platform.
func (d *Device) PendingWMs() map[int]uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[int]uint32, len(d.slots.Pending))
	for wm, c := range d.slots.Pending {
		out[wm] = c.WMCmdID
	}
	return out
}

// Ledger exposes the resource ledger for tests and the debug CLI.
func (d *Device) Ledger() *ledger.Ledger { return d.led }

// releaseSOCMLocked marks the given cores' SOCM ownership unallocated
// and mirrors the packed nibble table into hardware.
func (d *Device) releaseSOCMLocked(coreMask uint8) {
	d.led.ReleaseSOCM(coreMask, func(core int) {
		d.socmOwner[core] = socmUnallocNibble
	})
	d.pushSOCMOwnersLocked()
}

func (d *Device) pushSOCMOwnersLocked() {
	var packed uint64
	for i, owner := range d.socmOwner {
		packed |= uint64(owner&0xF) << (i * 4)
	}
	d.regs.Write64(regio.RegSOCMBufAssignment, packed)
}

// assignCoresLocked records the per-core WM owner (SOCM and mapping
// mirror) for a fresh assignment.
func (d *Device) assignCoresLocked(wmID int, coreMask uint8) {
	d.led.AssignCores(wmID, coreMask, func(core, wm int) {
		d.socmOwner[core] = uint8(wm)
	})
	d.pushSOCMOwnersLocked()
	var packed uint64
	for c := 0; c < d.props.NumCores; c++ {
		owner := d.led.WMOf(c)
		if owner < 0 {
			owner = socmUnallocNibble
		}
		packed |= uint64(owner&0xF) << (c * 4)
	}
	d.regs.Write64(regio.RegCoreAssignment, packed)
}

// completeCmdLocked removes the cmd from its session queue, builds its
// response, and folds the outcome into statistics.
func (d *Device) completeCmdLocked(c *cmdlifecycle.Cmd, end time.Time, cycles, errFlags uint64, errNo int32, coreMask uint8, wmID int) {
	sess := d.sessions[c.SessionID]
	prevEnd := d.hwProcEnd[wmID]
	rsp := cmdlifecycle.Complete(c, end, prevEnd, cycles, errFlags, errNo)
	d.hwProcEnd[wmID] = end
	c.InHW = false

	if sess != nil {
		removeCmd(sess.Session, c)
		sess.Responses = append(sess.Responses, rsp)
	}
	d.st.RecordCompletion(coreMask, wmID, rsp.LastProcUS, cycles, errFlags != 0)
	if errFlags != 0 {
		d.log.Warn("workload completed with errors", "cmd", c.User.CmdID, "wm", wmID, "err_flags", fmt.Sprintf("%#x", errFlags))
	}
}

// removeCmd deletes c from its session's priority queue.
func removeCmd(sess *cmdlifecycle.Session, c *cmdlifecycle.Cmd) {
	q := sess.Cmds[c.Priority]
	for i, qc := range q {
		if qc == c {
			sess.Cmds[c.Priority] = append(q[:i], q[i+1:]...)
			sess.PriQCounters[c.Priority]--
			return
		}
	}
}
