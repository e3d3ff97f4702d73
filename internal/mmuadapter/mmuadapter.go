// Package mmuadapter implements the per-session MMU context adapter:
// a small typed refcount map over hardware context slots, fronting an
// injected MmuBackend (the actual page-table library lives outside
// this module).
package mmuadapter

import "fmt"

// Mode selects the translation scheme.
type Mode int

const (
	ModeDisabled Mode = iota // bypass
	ModeDirect                // 1:1 phys=virt, contiguous buffers only
	Mode40Bit
)

// MmuBackend is the page-table library's capability surface: context
// creation and teardown, page-catalogue base programming, TLB flush,
// and on-chip page mapping.
type MmuBackend interface {
	Create(hwCtxID int) error
	Destroy(hwCtxID int) error
	SetBase(hwCtxID int, pcPhys uint64) error
	Flush(hwCtxID int) error
	MapToOnchip(hwCtxID int, vaddr uint64, pageSize uint32, pageIndices []uint32) (mapID uint32, err error)
}

// Adapter owns the hw-context refcount table; numSlots is the 32
// PC-base slots the MMU exposes, times an aux multiplier for devices
// with auxiliary MMU banks.
type Adapter struct {
	backend MmuBackend
	refs    map[int]uint16
	owner   map[int]uint64 // hw ctx -> session id currently bound
	numSlots int
	parityEnabled bool
	mode    Mode
}

// New builds an Adapter over numSlots hardware context ids.
func New(backend MmuBackend, numSlots int, mode Mode, parityEnabled bool) *Adapter {
	return &Adapter{
		backend:       backend,
		refs:          make(map[int]uint16),
		owner:         make(map[int]uint64),
		numSlots:      numSlots,
		parityEnabled: parityEnabled,
		mode:          mode,
	}
}

// acquire picks a hw context for sessionID: reuse one already owned by
// this session, else allocate a free slot, else evict-and-reuse the
// least-contended occupied slot, eagerly flushing it.
func (a *Adapter) acquire(sessionID uint64, pcPhys uint64) (hwCtxID int, sharedFlush bool, err error) {
	for id, owner := range a.owner {
		if owner == sessionID {
			a.refs[id]++
			return id, false, nil
		}
	}
	for id := 0; id < a.numSlots; id++ {
		if _, used := a.owner[id]; !used {
			if err := a.backend.Create(id); err != nil {
				return 0, false, fmt.Errorf("mmuadapter: create ctx %d: %w", id, err)
			}
			if err := a.backend.SetBase(id, pcPhys); err != nil {
				return 0, false, fmt.Errorf("mmuadapter: set_base ctx %d: %w", id, err)
			}
			a.owner[id] = sessionID
			a.refs[id] = 1
			return id, false, nil
		}
	}
	// Overflow: reuse the slot with the lowest id and the lowest
	// refcount, flushing it since it now serves a different session.
	reuseID := -1
	for id := 0; id < a.numSlots; id++ {
		if reuseID == -1 || a.refs[id] < a.refs[reuseID] {
			reuseID = id
		}
	}
	if reuseID == -1 {
		return 0, false, fmt.Errorf("mmuadapter: no hw context slots configured")
	}
	if err := a.backend.Flush(reuseID); err != nil {
		return 0, false, fmt.Errorf("mmuadapter: eager flush ctx %d: %w", reuseID, err)
	}
	if err := a.backend.SetBase(reuseID, pcPhys); err != nil {
		return 0, false, fmt.Errorf("mmuadapter: set_base ctx %d: %w", reuseID, err)
	}
	a.owner[reuseID] = sessionID
	a.refs[reuseID] = 1
	return reuseID, true, nil
}

// Setup assigns or reuses a hardware context for sessionID/pcPhys,
// flushing the TLB if the chosen slot was shared with a different
// session.
func (a *Adapter) Setup(sessionID uint64, pcPhys uint64) (hwCtxID int, err error) {
	id, shared, err := a.acquire(sessionID, pcPhys)
	if err != nil {
		return 0, err
	}
	if shared {
		if err := a.backend.Flush(id); err != nil {
			return 0, fmt.Errorf("mmuadapter: flush shared ctx %d: %w", id, err)
		}
	}
	return id, nil
}

// Release drops a reference on hwCtxID. When it reaches zero the slot
// is destroyed and freed for reuse. deviceOn gates the hardware
// touch: with the device off there is no TLB state to invalidate.
func (a *Adapter) Release(hwCtxID int, deviceOn bool) error {
	if a.refs[hwCtxID] == 0 {
		return nil
	}
	a.refs[hwCtxID]--
	if a.refs[hwCtxID] > 0 {
		return nil
	}
	delete(a.owner, hwCtxID)
	delete(a.refs, hwCtxID)
	if !deviceOn {
		return nil
	}
	return a.backend.Destroy(hwCtxID)
}

// Flush flushes hwCtxID's TLB entries; a no-op when the device is off.
func (a *Adapter) Flush(hwCtxID int, deviceOn bool) error {
	if !deviceOn {
		return nil
	}
	return a.backend.Flush(hwCtxID)
}

// MapToOnchip programs a buffer's pages into the given context.
func (a *Adapter) MapToOnchip(hwCtxID int, vaddr uint64, pageSize uint32, pageIndices []uint32) (uint32, error) {
	return a.backend.MapToOnchip(hwCtxID, vaddr, pageSize, pageIndices)
}

// ParityEnabled reports whether PTE parity checking is active: hardware
// support and the parity_disable tunable both gate it.
func (a *Adapter) ParityEnabled() bool { return a.parityEnabled }

// Mode returns the adapter's configured translation mode.
func (a *Adapter) Mode() Mode { return a.mode }
