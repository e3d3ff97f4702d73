package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nnasched/core/internal/cmdlifecycle"
	"github.com/nnasched/core/internal/config"
	"github.com/nnasched/core/internal/irqpath"
	"github.com/nnasched/core/internal/regio"
)

// fakeMMU satisfies mmuadapter.MmuBackend with an in-memory context set.
type fakeMMU struct {
	mu        sync.Mutex
	created   map[int]bool
	flushes   int
	failFlush bool
}

func newFakeMMU() *fakeMMU { return &fakeMMU{created: make(map[int]bool)} }

func (f *fakeMMU) Create(id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created[id] = true
	return nil
}

func (f *fakeMMU) Destroy(id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.created, id)
	return nil
}

func (f *fakeMMU) SetBase(int, uint64) error { return nil }

func (f *fakeMMU) Flush(int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	if f.failFlush {
		return context.DeadlineExceeded
	}
	return nil
}

func (f *fakeMMU) MapToOnchip(int, uint64, uint32, []uint32) (uint32, error) { return 1, nil }

// hwAutocomplete makes every poll the reset/power engine issues succeed
// immediately, so dispatch and reset paths run to completion against
// the register map alone.
func hwAutocomplete(off uint32, cur uint64) uint64 {
	switch off {
	case regio.RegPowerEvent:
		return 1 << 2 // POWER_COMPLETE
	case regio.RegACEStatus:
		return 3 // MEMBUS_RESET_DONE | SYS_MEMBUS_RESET_DONE
	case regio.RegSysRAMInit, regio.RegLOCMScrubCtrl, regio.RegSOCMScrubCtrl:
		return 0 // init/scrub done
	}
	return cur
}

func testDevice(t *testing.T, n int, cfg config.Config) (*Device, *regio.SimPlatform, *fakeMMU) {
	t.Helper()
	props := HwProps{
		NumCores:         n,
		LOCMBytes:        1 << 20,
		SOCMBytes:        1 << 16,
		SOCMPerCoreBytes: 4096,
		MMUWidth:         40,
		MMUPageSize:      4096,
		CoreID:           0x28021001,
	}
	plat := regio.NewSimPlatform(0)
	plat.OnRead(hwAutocomplete)
	mmu := newFakeMMU()
	d, err := New(props, cfg, plat, mmu, nil, nil)
	require.NoError(t, err)
	return d, plat, mmu
}

func openSessionWithBufs(t *testing.T, d *Device, ids ...uint32) *Session {
	t.Helper()
	sess, err := d.OpenSession(0x4000)
	require.NoError(t, err)
	for _, id := range ids {
		require.NoError(t, d.AddBuffer(sess, &Buffer{
			ID: id, Size: 4096, DevVirt: 0x10000 * uint64(id), Status: BufFilledBySW,
		}))
	}
	return sess
}

func submitWL(t *testing.T, d *Device, sess *Session, cmdID uint32, pri uint8, bufIDs ...uint32) {
	t.Helper()
	err := d.Submit(sess,
		cmdlifecycle.UserCmd{CmdID: cmdID, Priority: pri},
		cmdlifecycle.SubmitMulti{CoreCmdBufIDs: append(bufIDs, 0)})
	require.NoError(t, err)
}

// completeWM injects a successful response-FIFO interrupt for wm.
func completeWM(t *testing.T, d *Device, plat *regio.SimPlatform, wm int, wlID uint32, status uint64) {
	t.Helper()
	plat.Set(regio.RegHostEventSource, 1<<uint(1+wm))
	plat.Set(regio.RegWMEventStatus, irqpath.WMBitResponseFifoReady)
	plat.Set(regio.RegWMResponseFifoWLStatus, status|irqpath.RspBitSuccess)
	plat.Set(regio.RegWMResponseFifoWLID, uint64(wlID))
	plat.Set(regio.RegWMResponseFifoWLPerf, 12345)
	require.True(t, d.HandleIRQ())
	d.RunBottomHalfOnce(context.Background())
	plat.Set(regio.RegHostEventSource, 0)
	plat.Set(regio.RegWMEventStatus, 0)
}

func TestSingleWorkloadKickAndComplete(t *testing.T) {
	ctx := context.Background()
	d, plat, _ := testDevice(t, 4, config.Default())
	sess := openSessionWithBufs(t, d, 1)
	submitWL(t, d, sess, 7, 0, 1)

	d.RunSchedulerOnce(ctx)

	pend := d.slots.Pending[0]
	require.NotNil(t, pend, "expected workload pending on WM0")
	require.Equal(t, uint8(0b1), pend.Sched.CoreMask, "expected core0 assignment")

	completeWM(t, d, plat, 0, pend.WMCmdID, 0)

	rsps := d.Responses(sess)
	require.Len(t, rsps, 1)
	require.Equal(t, uint32(7), rsps[0].CmdID)
	require.Zero(t, rsps[0].ErrNo)
	require.Equal(t, uint64(12345), rsps[0].HWCycles)

	st := d.Stats()
	require.Equal(t, uint64(1), st.Device.Kicks)
	require.Equal(t, uint64(1), st.Cores[0].Kicks)
	require.Equal(t, uint64(1), st.Device.Completed)
	require.Equal(t, 4, d.led.NumCoresFree())
}

func TestStrictPriorityPrefersHigherUntilDrained(t *testing.T) {
	ctx := context.Background()
	d, plat, _ := testDevice(t, 2, config.Default()) // strict: no windows

	sessA := openSessionWithBufs(t, d, 1, 2)
	sessB := openSessionWithBufs(t, d, 3, 4)
	submitWL(t, d, sessA, 0xA, 2, 1, 2) // two cores
	submitWL(t, d, sessB, 0xB, 0, 3, 4) // two cores

	d.RunSchedulerOnce(ctx)

	pend := d.slots.Pending[0]
	require.NotNil(t, pend)
	require.Equal(t, uint32(0xA), pend.User.CmdID, "higher priority must be kicked first")
	require.Nil(t, d.slots.Pending[1], "no cores left for the lower priority")

	completeWM(t, d, plat, 0, pend.WMCmdID, 0)
	d.RunSchedulerOnce(ctx)

	var kicked *cmdlifecycle.Cmd
	for _, c := range d.slots.Pending {
		kicked = c
	}
	require.NotNil(t, kicked)
	require.Equal(t, uint32(0xB), kicked.User.CmdID, "lower priority runs once the cores free up")
}

func TestWMWatchdogFaultResetsOnlyThatWM(t *testing.T) {
	ctx := context.Background()
	d, plat, _ := testDevice(t, 4, config.Default())

	sessA := openSessionWithBufs(t, d, 1)
	sessB := openSessionWithBufs(t, d, 2)
	submitWL(t, d, sessA, 1, 0, 1)
	submitWL(t, d, sessB, 2, 0, 2)
	d.RunSchedulerOnce(ctx)
	require.NotNil(t, d.slots.Pending[0])
	require.NotNil(t, d.slots.Pending[1])

	plat.Set(regio.RegHostEventSource, 1<<1) // WM0
	plat.Set(regio.RegWMEventStatus, irqpath.WMBitWLWDT)
	require.True(t, d.HandleIRQ())
	d.RunBottomHalfOnce(ctx)

	rsps := d.Responses(sessA)
	require.Len(t, rsps, 1)
	require.NotZero(t, rsps[0].RspErrFlags&uint64(irqpath.ErrWMWLWDT), "response must carry the WDT flag")
	require.NotZero(t, rsps[0].ErrNo)

	require.Nil(t, d.slots.Pending[0], "faulted WM drained")
	require.NotNil(t, d.slots.Pending[1], "other WM keeps running")

	st := d.Stats()
	require.Equal(t, uint64(1), st.TotalFailures)
	require.Equal(t, uint64(1), st.Device.Completed)
}

func TestHwBypassSkipsHardwareOnce(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.HWBypass = 1
	d, _, _ := testDevice(t, 4, cfg)

	sess := openSessionWithBufs(t, d, 1)
	for id := uint32(1); id <= 3; id++ {
		submitWL(t, d, sess, id, 0, 1)
	}
	d.RunSchedulerOnce(ctx)

	require.Zero(t, d.hwBypass, "bypass budget consumed")
	rsps := d.Responses(sess)
	require.Len(t, rsps, 1, "exactly one bypassed completion")
	require.NotZero(t, rsps[0].RspErrFlags&uint64(irqpath.ErrSWSkipCmd))
	require.Len(t, d.slots.Pending, 2, "remaining workloads went to hardware")
}

func TestCancelAllRollsBackEverything(t *testing.T) {
	ctx := context.Background()
	d, _, _ := testDevice(t, 4, config.Default())

	sess := openSessionWithBufs(t, d, 1)
	for id := uint32(1); id <= 8; id++ {
		submitWL(t, d, sess, id, 0, 1)
	}
	d.RunSchedulerOnce(ctx)
	require.Len(t, d.slots.Pending, 4, "one workload per WM")

	require.NoError(t, d.Cancel(ctx, sess, 0, 0, true))

	require.Empty(t, d.slots.Pending)
	require.Empty(t, d.slots.Queued)
	for p := 0; p < d.numPriorities; p++ {
		require.Zero(t, sess.PriQCounters[p], "priority %d counter must return to 0", p)
	}
	require.Equal(t, 4, d.led.NumCoresFree())

	rsps := d.Responses(sess)
	require.Len(t, rsps, 1, "one synthetic cancel response")
	require.Equal(t, uint32(0), rsps[0].CmdID)
	require.Equal(t, int32(errnoCanceled), rsps[0].ErrNo)
}

func TestMMUParityStormEscalatesToFullReset(t *testing.T) {
	ctx := context.Background()
	props := HwProps{
		NumCores:         4,
		SOCMBytes:        1 << 16,
		SOCMPerCoreBytes: 4096,
		MMUWidth:         40,
		MMUPageSize:      4096,
		SupportsParity:   true,
	}
	plat := regio.NewSimPlatform(0)
	sysReads := 0
	plat.OnRead(func(off uint32, cur uint64) uint64 {
		if off == regio.RegSysEventStatus {
			sysReads++
			return 1 << 2 // MMU parity bit alone: odd parity, always fails the check
		}
		return hwAutocomplete(off, cur)
	})
	d, err := New(props, config.Default(), plat, newFakeMMU(), nil, nil)
	require.NoError(t, err)

	sess := openSessionWithBufs(t, d, 1)
	submitWL(t, d, sess, 1, 0, 1)
	d.RunSchedulerOnce(ctx)
	pend := d.slots.Pending[0]
	require.NotNil(t, pend)

	plat.Set(regio.RegHostEventSource, 1) // SYS source
	require.True(t, d.HandleIRQ())
	require.GreaterOrEqual(t, sysReads, 4, "top half re-reads the status register")

	d.RunBottomHalfOnce(ctx)

	require.Empty(t, d.slots.Pending, "full reset rolls back all in-flight workloads")
	require.True(t, pend.RolledBack)
	require.Equal(t, 4, d.led.NumCoresFree())
	require.GreaterOrEqual(t, d.Stats().Device.Aborted, uint64(1))
}

func TestRoundRobinRotatesAfterEachKick(t *testing.T) {
	ctx := context.Background()
	d, plat, _ := testDevice(t, 1, config.Default())

	sessA := openSessionWithBufs(t, d, 1)
	sessB := openSessionWithBufs(t, d, 2)
	sessC := openSessionWithBufs(t, d, 3)
	submitWL(t, d, sessA, 0xA, 0, 1)
	submitWL(t, d, sessB, 0xB, 0, 2)
	submitWL(t, d, sessC, 0xC, 0, 3)

	var order []uint32
	for i := 0; i < 3; i++ {
		d.RunSchedulerOnce(ctx)
		pend := d.slots.Pending[0]
		require.NotNil(t, pend)
		order = append(order, pend.User.CmdID)
		completeWM(t, d, plat, 0, pend.WMCmdID, 0)
	}
	require.Equal(t, []uint32{0xA, 0xB, 0xC}, order)

	// After one kick cycle, the head sits past the last session
	// scheduled; a fresh submission from every session starts at A again
	// only after the ring has fully rotated.
	submitWL(t, d, sessA, 0x1A, 0, 1)
	submitWL(t, d, sessB, 0x1B, 0, 2)
	d.RunSchedulerOnce(ctx)
	require.Equal(t, uint32(0x1A), d.slots.Pending[0].User.CmdID)
}

func TestWMCmdIDsUniqueInFlightAndMismatchFlagged(t *testing.T) {
	ctx := context.Background()
	d, plat, _ := testDevice(t, 4, config.Default())

	sess := openSessionWithBufs(t, d, 1)
	for id := uint32(1); id <= 4; id++ {
		submitWL(t, d, sess, id, 0, 1)
	}
	d.RunSchedulerOnce(ctx)
	require.Len(t, d.slots.Pending, 4)

	seen := map[uint32]bool{}
	for _, c := range d.slots.Pending {
		require.False(t, seen[c.WMCmdID], "duplicate wm_cmd_id %#x in flight", c.WMCmdID)
		seen[c.WMCmdID] = true
	}

	pend := d.slots.Pending[0]
	completeWM(t, d, plat, 0, pend.WMCmdID+1, 0) // wrong id

	rsps := d.Responses(sess)
	require.Len(t, rsps, 1)
	require.NotZero(t, rsps[0].RspErrFlags&uint64(irqpath.ErrWLIDMismatch))
}

func TestCalibrationSuppressesSchedulingAndRunsOnce(t *testing.T) {
	ctx := context.Background()
	d, plat, _ := testDevice(t, 2, config.Default())

	require.NoError(t, d.Calibrate(ctx, 1000))
	require.True(t, d.Calibrating())

	sess := openSessionWithBufs(t, d, 1)
	submitWL(t, d, sess, 1, 0, 1)
	d.RunSchedulerOnce(ctx)
	require.Empty(t, d.slots.Pending, "scheduler suppressed during calibration")

	time.Sleep(2 * time.Millisecond)

	// Core 0 watchdog: with 2 WMs, core 0's source bit sits after them.
	plat.Set(regio.RegHostEventSource, 1<<3)
	plat.Set(regio.RegCoreEventHostStatus, irqpath.CoreBitWDT)
	require.True(t, d.HandleIRQ())
	d.RunBottomHalfOnce(ctx)

	require.False(t, d.Calibrating())
	require.NotZero(t, d.FreqKHz())
	require.Error(t, d.Calibrate(ctx, 1000), "calibration must run at most once")

	plat.Set(regio.RegHostEventSource, 0)
	plat.Set(regio.RegCoreEventHostStatus, 0)
	d.RunSchedulerOnce(ctx)
	require.NotEmpty(t, d.slots.Pending, "scheduling resumes after calibration")
}

func TestLowLatencyQueueAndPromote(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.LowLatency = config.LowLatencySWKick
	d, plat, _ := testDevice(t, 1, cfg)

	sess := openSessionWithBufs(t, d, 1)
	submitWL(t, d, sess, 1, 0, 1)
	submitWL(t, d, sess, 2, 0, 1)
	d.RunSchedulerOnce(ctx)

	first := d.slots.Pending[0]
	require.NotNil(t, first)
	require.Equal(t, uint32(1), first.User.CmdID)
	queued := d.slots.Queued[0]
	require.NotNil(t, queued, "second workload pre-staged on the busy WM")
	require.Equal(t, uint32(2), queued.User.CmdID)

	completeWM(t, d, plat, 0, first.WMCmdID, 0)

	promoted := d.slots.Pending[0]
	require.NotNil(t, promoted, "queued workload promoted at completion")
	require.Equal(t, uint32(2), promoted.User.CmdID)
	require.Empty(t, d.slots.Queued)

	completeWM(t, d, plat, 0, promoted.WMCmdID, 0)
	require.Len(t, d.Responses(sess), 2)

	st := d.Stats()
	require.Equal(t, uint64(1), st.Device.Queued)
	require.Equal(t, uint64(2), st.Device.Kicks)
	require.Equal(t, 1, d.led.NumCoresFree())
}

func TestSessionCloseRollsBackItsWork(t *testing.T) {
	ctx := context.Background()
	d, _, _ := testDevice(t, 2, config.Default())

	sessA := openSessionWithBufs(t, d, 1)
	sessB := openSessionWithBufs(t, d, 2)
	submitWL(t, d, sessA, 1, 0, 1)
	submitWL(t, d, sessB, 2, 0, 2)
	d.RunSchedulerOnce(ctx)
	require.Len(t, d.slots.Pending, 2)

	require.NoError(t, d.CloseSession(ctx, sessA))

	require.Len(t, d.slots.Pending, 1, "only the closed session's work is pulled back")
	for _, c := range d.slots.Pending {
		require.Equal(t, sessB.ID, c.SessionID)
	}
}

func TestForcedSchedulingSequence(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.SchedulingSequence = []uint16{2<<8 | 0b0100} // WM2, core2
	d, _, _ := testDevice(t, 4, cfg)

	sess := openSessionWithBufs(t, d, 1)
	submitWL(t, d, sess, 1, 0, 1)
	d.RunSchedulerOnce(ctx)

	pend := d.slots.Pending[2]
	require.NotNil(t, pend, "forced sequence places the workload on WM2")
	require.Equal(t, uint8(0b0100), pend.Sched.CoreMask)
}
