package irqpath

import (
	"sync"
	"time"

	"github.com/nnasched/core/internal/regio"
)

// IrqStatus aggregates what the top half observed across all sources,
// built under irq_lock and consumed/reset by the bottom half.
type IrqStatus struct {
	EventSource uint64
	SysEvents   uint64
	WMEvents    map[int]uint64
	CoreEvents  map[int]uint64
	ICEvents    map[int]uint64

	HwProcEnd     map[int]time.Time
	HwProcEndPrev map[int]time.Time
}

func newIrqStatus() *IrqStatus {
	return &IrqStatus{
		WMEvents:      make(map[int]uint64),
		CoreEvents:    make(map[int]uint64),
		ICEvents:      make(map[int]uint64),
		HwProcEnd:     make(map[int]time.Time),
		HwProcEndPrev: make(map[int]time.Time),
	}
}

// Accumulator owns irq_status and the short lock protecting it and the
// WM-select register, shared between the top and bottom half.
type Accumulator struct {
	mu       sync.Mutex
	status   *IrqStatus
	deadOnce sync.Once
	dead     bool
}

// NewAccumulator builds an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{status: newIrqStatus()}
}

// Snapshot returns the accumulated status and resets it to empty,
// atomically under the lock (bottom half step 1).
func (a *Accumulator) Snapshot() *IrqStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.status
	a.status = newIrqStatus()
	return s
}

// TopHalfParams bundles the source counts needed to walk every
// WM/core/IC indirect register bank.
type TopHalfParams struct {
	NumWMs   int
	NumCores int
	NumIC    int

	// SelectWM/SelectCore/SelectIC program the indirect-access index
	// register before reading that source's status; DisableWMEvents
	// masks a WM's events for storm avoidance. There is no re-enable
	// hook here: the device bottom half writes WM_EVENT_ENABLE later.
	SelectWM         func(r *regio.Regs, i int)
	SelectCore       func(r *regio.Regs, i int)
	SelectIC         func(r *regio.Regs, i int)
	DisableWMEvents  func(r *regio.Regs, i int)
}

// RunTopHalf is the IRQ-context half: it must not sleep. Once
// HOST_EVENT_SOURCE has been read it holds the irq lock for the rest of
// the pass, across every source's select, read and status merge.
func (a *Accumulator) RunTopHalf(r *regio.Regs, p TopHalfParams) (wake bool) {
	source := r.Read64(regio.RegHostEventSource)
	if source == regio.DeadSentinel || source == ^uint64(0) {
		a.deadOnce.Do(func() { a.dead = true })
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.status.EventSource |= source

	const (
		sysBit = 1 << 0
		wmBase = 1 // WM[i] at bit 1+i, core at higher range, by convention
	)
	if source&sysBit != 0 {
		val, err := r.ReadParityAware(regio.RegSysEventStatus)
		if err != nil {
			// Four consecutive parity failures: raise the software
			// pseudo-bit and let the bottom half escalate.
			a.status.SysEvents |= regio.BitParityError
		} else {
			a.status.SysEvents |= val
			r.Write64(regio.RegSysEventClear, val)
		}
	}

	for i := 0; i < p.NumWMs; i++ {
		bit := uint64(1) << uint(wmBase+i)
		if source&bit == 0 {
			continue
		}
		if p.SelectWM != nil {
			p.SelectWM(r, i)
		}
		val := r.Read64(regio.RegWMEventStatus)
		a.status.WMEvents[i] |= val
		a.status.HwProcEndPrev[i] = a.status.HwProcEnd[i]
		a.status.HwProcEnd[i] = time.Now()
		if p.DisableWMEvents != nil {
			p.DisableWMEvents(r, i)
		}
	}

	coreBase := wmBase + p.NumWMs
	for i := 0; i < p.NumCores; i++ {
		bit := uint64(1) << uint(coreBase+i)
		if source&bit == 0 {
			continue
		}
		if p.SelectCore != nil {
			p.SelectCore(r, i)
		}
		val := r.Read64(regio.RegCoreEventHostStatus)
		a.status.CoreEvents[i] |= val
		r.Write64(regio.RegCoreEventHostClear, val)
	}

	icBase := coreBase + p.NumCores
	for i := 0; i < p.NumIC; i++ {
		bit := uint64(1) << uint(icBase+i)
		if source&bit == 0 {
			continue
		}
		if p.SelectIC != nil {
			p.SelectIC(r, i)
		}
		val := r.Read64(regio.RegInterconnectEventStatus)
		a.status.ICEvents[i] |= val
		r.Write64(regio.RegInterconnectEventClear, val)
	}

	return a.status.SysEvents != 0 || len(a.status.WMEvents) > 0 ||
		len(a.status.CoreEvents) > 0 || len(a.status.ICEvents) > 0
}

// InjectWM folds software-synthesized pseudo bits into a WM's
// accumulated event word, reusing the same error pipeline as real
// hardware bits (e.g. CONF_ERROR after a failed config readback).
func (a *Accumulator) InjectWM(wm int, bits uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.WMEvents[wm] |= bits
}

// WithWMSelected programs the WM indirect-select register and runs f
// while holding the irq lock, the same critical section the top half
// uses, so bottom-half FIFO pops never race a concurrent select.
func (a *Accumulator) WithWMSelected(r *regio.Regs, wm int, f func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r.Write64(regio.RegTLCWMIndirect, uint64(wm))
	f()
}

// Dead reports whether the top half has seen the dead-hardware sentinel.
func (a *Accumulator) Dead() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dead
}
