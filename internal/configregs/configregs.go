// Package configregs builds and pushes the per-workload ConfigRegs
// snapshot: command-stream addresses, OCM layout, alt addresses, and
// the virtual-to-physical core map.
package configregs

import (
	"fmt"
	"math/bits"

	"github.com/nnasched/core/internal/regio"
)

// OCMSOCMStart and GuardBytes anchor the per-WM SOCM layout formula.
const (
	OCMSOCMStart = 0x0
	GuardBytes   = 256
)

func alignUp(v, to uint32) uint32 {
	if to == 0 {
		return v
	}
	rem := v % to
	if rem == 0 {
		return v
	}
	return v + (to - rem)
}

// CoreConfig is the per-core slice of a ConfigRegs snapshot.
type CoreConfig struct {
	CmdSizeMinus1Units32B uint32
	ModelMMUCtx           int
	IOMMUCtx              int
	CmdBaseAddr           uint64
}

// controlWord packs the CNN_CONTROL value: stream size in the low
// bits, model/IO MMU context ids above it.
func (cc CoreConfig) controlWord() uint64 {
	return uint64(cc.CmdSizeMinus1Units32B) | uint64(cc.ModelMMUCtx)<<16 | uint64(cc.IOMMUCtx)<<24
}

// ConfigRegs is the full per-WL register snapshot written by the
// configurator before a kick.
type ConfigRegs struct {
	CoreAssignment uint32 // packed per-core -> wm mapping, informational copy
	Cores          map[int]CoreConfig

	AltAddresses   [16]uint64
	AltAddrUsed    uint32 // bitmask of which slots are populated
	AltAddrBufType [16]uint8

	LOCMBaseAddr uint64

	SOCMBaseAddr        uint32
	SOCMCircBuffSize    uint32
	SOCMBufAssignment   uint32
	SOCMB7XorBits       uint32
	SOCMB8XorBits       uint32

	LowLevelSyncBaseAddr uint32

	VCoreMapping [8]uint8 // virtual core index -> physical core index
}

// SOCMLayout computes the base/chunk-size/circular-buffer-size triple
// for one WM: base at the WM's guarded stride aligned up to 256, chunk
// sized by assigned core count aligned up to 128, and the circular
// remainder when the caller asked for a sub-region.
func SOCMLayout(wmID int, socmBytesPerWM, socmPerCoreBytes uint32, coreMask uint8, circOffset uint32) (base, chunkSize, circSize uint32) {
	base = alignUp(OCMSOCMStart+uint32(wmID)*(socmBytesPerWM+GuardBytes), 256)
	chunkSize = alignUp(uint32(bits.OnesCount8(coreMask))*socmPerCoreBytes, 128)
	if circOffset > 0 && circOffset <= chunkSize {
		circSize = chunkSize - circOffset
	}
	return base, chunkSize, circSize
}

// Build assembles a ConfigRegs snapshot. altAddrs is keyed by register
// slot index (the user command's regidx array); slots beyond 15 are an
// error, as is low_level_sync_base_addr overflow beyond the WM's OCM
// chunk.
func Build(wmID int, coreMask uint8, coreCmdAddrs map[int]uint64, cmdSizeUnits uint32,
	modelMMUCtx, ioMMUCtx int, altAddrs map[int]uint64, altBufTypes map[int]uint8,
	socmBytesPerWM, socmPerCoreBytes uint32, circOffset uint32, lsyncOffset uint32,
	locmBase uint64, vcoreMap [8]uint8) (ConfigRegs, error) {

	for slot := range altAddrs {
		if slot < 0 || slot > 15 {
			return ConfigRegs{}, fmt.Errorf("configregs: alt-address slot %d outside the 16-slot table", slot)
		}
	}

	cr := ConfigRegs{Cores: make(map[int]CoreConfig), LOCMBaseAddr: locmBase, VCoreMapping: vcoreMap}
	for i := 0; i < 8; i++ {
		if coreMask&(1<<i) != 0 {
			cr.Cores[i] = CoreConfig{
				CmdSizeMinus1Units32B: cmdSizeUnits,
				ModelMMUCtx:           modelMMUCtx,
				IOMMUCtx:              ioMMUCtx,
				CmdBaseAddr:           coreCmdAddrs[i],
			}
			cr.CoreAssignment |= uint32(wmID) << (i * 4)
		}
	}

	for slot, a := range altAddrs {
		cr.AltAddresses[slot] = a
		cr.AltAddrUsed |= 1 << slot
		cr.AltAddrBufType[slot] = altBufTypes[slot]
	}

	base, chunk, circ := SOCMLayout(wmID, socmBytesPerWM, socmPerCoreBytes, coreMask, circOffset)
	cr.SOCMBaseAddr = base
	cr.SOCMCircBuffSize = circ
	cr.SOCMBufAssignment = uint32(coreMask)

	if lsyncOffset > chunk {
		return ConfigRegs{}, fmt.Errorf("configregs: low_level_sync_base_addr offset %d overflows WM %d's OCM chunk of %d bytes", lsyncOffset, wmID, chunk)
	}
	cr.LowLevelSyncBaseAddr = base + lsyncOffset

	return cr, nil
}

// Push writes the snapshot to hardware through r, one field at a time.
// CNN_CONTROL and CNN_CMD_BASE_ADDRESS are indirect, core-selected
// registers: each assigned core must be selected through
// CORE_CTRL_INDIRECT before its pair is written.
func Push(r *regio.Regs, cr ConfigRegs) {
	r.Write64(regio.RegCoreAssignment, uint64(cr.CoreAssignment))
	for core := 0; core < 8; core++ {
		cc, ok := cr.Cores[core]
		if !ok {
			continue
		}
		r.Write64(regio.RegCoreCtrlIndirect, uint64(core))
		r.Write64(regio.RegOS0CNNControl, cc.controlWord())
		r.Write64(regio.RegOS0CNNCmdBaseAddress, cc.CmdBaseAddr)
	}
	for i := 0; i < 16; i++ {
		if cr.AltAddrUsed&(1<<i) != 0 {
			r.Write64(regio.AltAddrOffset(i), cr.AltAddresses[i])
		}
	}
	r.Write64(regio.RegOS0CNNAltAddressUsed, uint64(cr.AltAddrUsed))
	r.Write64(regio.RegOS0LOCMBaseAddr, cr.LOCMBaseAddr)
	r.Write64(regio.RegSOCMBaseAddr, uint64(cr.SOCMBaseAddr))
	r.Write64(regio.RegSOCMCircularBufSize, uint64(cr.SOCMCircBuffSize))
	r.Write64(regio.RegSOCMBufAssignment, uint64(cr.SOCMBufAssignment))
	r.Write64(regio.RegLowLevelSyncBaseAddr, uint64(cr.LowLevelSyncBaseAddr))

	var vcore uint64
	for i, p := range cr.VCoreMapping {
		vcore |= uint64(p) << (i * 4)
	}
	r.Write64(regio.RegOS0CNNVCoreMapping, vcore)
}

// Confirm reads every written register back and returns false on the
// first mismatch, implementing the "confirm config" functional-safety
// check. Per-core registers are re-selected the same way Push wrote
// them.
func Confirm(r *regio.Regs, cr ConfigRegs) bool {
	if r.Read64(regio.RegCoreAssignment) != uint64(cr.CoreAssignment) {
		return false
	}
	for core := 0; core < 8; core++ {
		cc, ok := cr.Cores[core]
		if !ok {
			continue
		}
		r.Write64(regio.RegCoreCtrlIndirect, uint64(core))
		if r.Read64(regio.RegOS0CNNControl) != cc.controlWord() {
			return false
		}
		if r.Read64(regio.RegOS0CNNCmdBaseAddress) != cc.CmdBaseAddr {
			return false
		}
	}
	if r.Read64(regio.RegSOCMBaseAddr) != uint64(cr.SOCMBaseAddr) {
		return false
	}
	if r.Read64(regio.RegSOCMCircularBufSize) != uint64(cr.SOCMCircBuffSize) {
		return false
	}
	if r.Read64(regio.RegLowLevelSyncBaseAddr) != uint64(cr.LowLevelSyncBaseAddr) {
		return false
	}
	if r.Read64(regio.RegOS0CNNAltAddressUsed) != uint64(cr.AltAddrUsed) ||
		r.Read64(regio.RegOS0LOCMBaseAddr) != cr.LOCMBaseAddr ||
		r.Read64(regio.RegSOCMBufAssignment) != uint64(cr.SOCMBufAssignment) {
		return false
	}
	var vcore uint64
	for i, p := range cr.VCoreMapping {
		vcore |= uint64(p) << (i * 4)
	}
	if r.Read64(regio.RegOS0CNNVCoreMapping) != vcore {
		return false
	}
	for i := 0; i < 16; i++ {
		if cr.AltAddrUsed&(1<<i) != 0 && r.Read64(regio.AltAddrOffset(i)) != cr.AltAddresses[i] {
			return false
		}
	}
	return true
}
