// Package ledger tracks the free/busy state of cores and WMs and the
// table of in-flight assignments.
package ledger

import "math/bits"

// Assignment is one ledger slot: a WM together with the cores currently
// working for it.
type Assignment struct {
	WMID     int
	CoreMask uint8
	Queued   bool
	Freed    bool
	valid    bool

	// SessionID and MMUHwCtx let TryQueue refuse to queue behind a
	// different session that shares this slot's MMU hw context, without
	// the ledger needing to know anything else about sessions.
	SessionID uint64
	MMUHwCtx  int
}

// HwSchedInfo is the ledger handle a Cmd holds while it owns hardware.
type HwSchedInfo struct {
	AssignmentID int
	WMID         int
	CoreMask     uint8
	Queued       bool
	Freed        bool
}

// Ledger is the per-device resource ledger. N is fixed at construction
// (1..8 cores, one WM per core).
type Ledger struct {
	n             int
	freeCoreMask  uint8
	freeWMMask    uint8
	assignments   []Assignment
	wmCoreAssign  []int // per-core -> wm id, -1 = unallocated
}

const unallocated = -1

// New builds a ledger for n cores/WMs with everything free.
func New(n int) *Ledger {
	mask := uint8((1 << n) - 1)
	wmCore := make([]int, n)
	for i := range wmCore {
		wmCore[i] = unallocated
	}
	return &Ledger{
		n:            n,
		freeCoreMask: mask,
		freeWMMask:   mask,
		assignments:  make([]Assignment, n),
		wmCoreAssign: wmCore,
	}
}

// NumCoresFree reports popcount(free_core_mask).
func (l *Ledger) NumCoresFree() int {
	return bits.OnesCount8(l.freeCoreMask)
}

// FreeCoreMask and FreeWMMask expose the raw masks, mostly for tests.
func (l *Ledger) FreeCoreMask() uint8 { return l.freeCoreMask }
func (l *Ledger) FreeWMMask() uint8   { return l.freeWMMask }

// Assignments returns a defensive copy of the assignment table.
func (l *Ledger) Assignments() []Assignment {
	out := make([]Assignment, len(l.assignments))
	copy(out, l.assignments)
	return out
}

// lowestFreeCores picks the lowest-index-first num cores from mask.
func lowestFreeCores(mask uint8, num int) (uint8, bool) {
	var picked uint8
	count := 0
	for i := 0; i < 8 && count < num; i++ {
		bit := uint8(1) << i
		if mask&bit != 0 {
			picked |= bit
			count++
		}
	}
	return picked, count == num
}

// TryAllocate finds a free WM and numCores free cores (lowest-index
// first). On success it marks them busy and fills a new assignment slot.
func (l *Ledger) TryAllocate(numCores int, sessionID uint64, mmuHwCtx int) (*HwSchedInfo, bool) {
	if l.freeWMMask == 0 {
		return nil, false
	}
	cores, ok := lowestFreeCores(l.freeCoreMask, numCores)
	if !ok {
		return nil, false
	}
	wmID := bits.TrailingZeros8(l.freeWMMask)

	slot := l.findFreeSlot()
	if slot < 0 {
		return nil, false
	}

	l.freeCoreMask &^= cores
	l.freeWMMask &^= 1 << wmID
	l.assignments[slot] = Assignment{
		WMID:      wmID,
		CoreMask:  cores,
		Queued:    false,
		Freed:     false,
		valid:     true,
		SessionID: sessionID,
		MMUHwCtx:  mmuHwCtx,
	}
	return &HwSchedInfo{AssignmentID: slot, WMID: wmID, CoreMask: cores}, true
}

// TryAllocateExact allocates a specific WM and core mask, used when the
// scheduling_sequence tunable forces the (wm_id<<8)|core_mask pick
// order for debug runs. Fails if any named resource is busy.
func (l *Ledger) TryAllocateExact(wmID int, coreMask uint8, sessionID uint64, mmuHwCtx int) (*HwSchedInfo, bool) {
	if wmID < 0 || wmID >= l.n {
		return nil, false
	}
	if l.freeWMMask&(1<<wmID) == 0 || l.freeCoreMask&coreMask != coreMask || coreMask == 0 {
		return nil, false
	}
	slot := l.findFreeSlot()
	if slot < 0 {
		return nil, false
	}
	l.freeCoreMask &^= coreMask
	l.freeWMMask &^= 1 << wmID
	l.assignments[slot] = Assignment{
		WMID:      wmID,
		CoreMask:  coreMask,
		valid:     true,
		SessionID: sessionID,
		MMUHwCtx:  mmuHwCtx,
	}
	return &HwSchedInfo{AssignmentID: slot, WMID: wmID, CoreMask: coreMask}, true
}

func (l *Ledger) findFreeSlot() int {
	for i, a := range l.assignments {
		if !a.valid {
			return i
		}
	}
	return -1
}

// TryQueue is the low-latency path: reuse an existing, non-queued
// assignment whose core count matches. An assignment is off limits
// when its pending cmd belongs to a different session that shares an
// MMU hw context with the new cmd, since the staged cmd would then run
// against the wrong address space.
func (l *Ledger) TryQueue(numCores int, newSessionID uint64, newMMUHwCtx int) (*HwSchedInfo, bool) {
	for i := range l.assignments {
		a := &l.assignments[i]
		if !a.valid || a.Queued {
			continue
		}
		if bits.OnesCount8(a.CoreMask) != numCores {
			continue
		}
		if a.SessionID != newSessionID && a.MMUHwCtx == newMMUHwCtx {
			continue
		}
		a.Queued = true
		return &HwSchedInfo{AssignmentID: i, WMID: a.WMID, CoreMask: a.CoreMask, Queued: true}, true
	}
	return nil, false
}

// Release is the inverse of TryAllocate/TryQueue. If the assignment was
// queued, release only clears the queued flag; otherwise the cores and
// WM return to the free pool and the slot is vacated.
func (l *Ledger) Release(info *HwSchedInfo, onCoreFreed func(core, wm int)) {
	a := &l.assignments[info.AssignmentID]
	if !a.valid {
		return
	}
	if a.Queued {
		a.Queued = false
		return
	}
	l.freeCoreMask |= a.CoreMask
	l.freeWMMask |= 1 << a.WMID
	if onCoreFreed != nil {
		for i := 0; i < l.n; i++ {
			if a.CoreMask&(1<<i) != 0 {
				onCoreFreed(i, a.WMID)
			}
		}
	}
	*a = Assignment{}
}

// AssignCores encodes the per-core -> WM mapping and invokes push to
// mirror it into the packed hardware register.
func (l *Ledger) AssignCores(wmID int, coreMask uint8, push func(core int, wm int)) {
	for i := 0; i < l.n; i++ {
		if coreMask&(1<<i) != 0 {
			l.wmCoreAssign[i] = wmID
			if push != nil {
				push(i, wmID)
			}
		}
	}
}

// ReleaseSOCM rewrites the per-core SOCM ownership for coreMask back to
// unallocated via release, invoked by the IRQ bottom half after a WL
// completes.
func (l *Ledger) ReleaseSOCM(coreMask uint8, release func(core int)) {
	for i := 0; i < l.n; i++ {
		if coreMask&(1<<i) != 0 {
			l.wmCoreAssign[i] = unallocated
			if release != nil {
				release(i)
			}
		}
	}
}

// ResetAll reinitializes the ledger to the all-free state, used after a
// full system reset. The wm_core_assignment mirror is set to
// unallocated for every core.
func (l *Ledger) ResetAll() {
	mask := uint8((1 << l.n) - 1)
	l.freeCoreMask = mask
	l.freeWMMask = mask
	for i := range l.assignments {
		l.assignments[i] = Assignment{}
	}
	for i := range l.wmCoreAssign {
		l.wmCoreAssign[i] = unallocated
	}
}

// WMOf returns which WM owns core i, or unallocated.
func (l *Ledger) WMOf(core int) int {
	return l.wmCoreAssign[core]
}

// N returns the configured core/WM count.
func (l *Ledger) N() int { return l.n }
