package irqpath

import (
	"fmt"

	"github.com/nnasched/core/internal/regio"
)

// Hardware event-status bit assignments. The addresses and shifts come
// from the CR header; only the bits the core consumes are named here.
const (
	SysBitAXIError        uint64 = 1 << 0
	SysBitAXIMemParity    uint64 = 1 << 1
	SysBitMMUParity       uint64 = 1 << 2
	SysBitMemWDT          uint64 = 1 << 3
	SysBitLogicError      uint64 = 1 << 4
	SysBitParityError     uint64 = 1 << 5
	SysBitRAMCorrection   uint64 = 1 << 6
	SysBitRAMDetection    uint64 = 1 << 7
	SysBitLSyncInvReq     uint64 = 1 << 8
	SysPageFaultShift            = 16 // MMU_PAGE_FAULT for WM i at bit 16+i
)

const (
	WMBitResponseFifoReady uint64 = 1 << 0
	WMBitWLWDT             uint64 = 1 << 1
	WMBitWLIdleWDT         uint64 = 1 << 2
	WMBitSocifWDT          uint64 = 1 << 3
)

const (
	CoreBitWDT       uint64 = 1 << 0
	CoreBitMemWDT    uint64 = 1 << 1
	CoreBitLogic     uint64 = 1 << 2
	CoreBitSyncError uint64 = 1 << 3
	CoreBitSyncFatal uint64 = 1 << 4
)

const (
	ICBitLogic         uint64 = 1 << 0
	ICBitLockstep      uint64 = 1 << 1
	ICBitSocifMismatch uint64 = 1 << 2
	ICBitUnresponsive  uint64 = 1 << 3
)

var sysFlagOf = []struct {
	bit  uint64
	flag ErrFlag
}{
	{SysBitAXIError, ErrAXIError},
	{SysBitAXIMemParity, ErrAXIMemoryParityError},
	{SysBitMMUParity, ErrMMUParityError},
	{SysBitMemWDT, ErrSysMemWDT},
	{SysBitLogicError, ErrSysLogicError},
	{SysBitParityError, ErrSysParityError},
	{SysBitRAMCorrection, ErrSysRAMCorrection},
	{SysBitRAMDetection, ErrSysRAMDetection},
	{SysBitLSyncInvReq, ErrSysLSyncInvReq},
	{regio.BitParityError, ErrParityError},
}

// DecodeSysGlobal returns the device-wide error flags asserted in a
// SYS_EVENT_STATUS value. Per-WM page-fault bits are reported separately
// by SysPageFaultWMs since their reset scope is the owning WM's MMU.
func DecodeSysGlobal(val uint64) []ErrFlag {
	var out []ErrFlag
	for _, e := range sysFlagOf {
		if val&e.bit != 0 {
			out = append(out, e.flag)
		}
	}
	return out
}

// SysPageFaultWMs extracts the per-WM MMU page-fault mask.
func SysPageFaultWMs(val uint64) uint8 {
	return uint8(val >> SysPageFaultShift)
}

// DecodeWM splits a WM_EVENT_STATUS value into its error flags and the
// response-FIFO-ready indication (the one non-error event).
func DecodeWM(val uint64) (flags []ErrFlag, fifoReady bool) {
	fifoReady = val&WMBitResponseFifoReady != 0
	if val&WMBitWLWDT != 0 {
		flags = append(flags, ErrWMWLWDT)
	}
	if val&WMBitWLIdleWDT != 0 {
		flags = append(flags, ErrWMWLIdleWDT)
	}
	if val&WMBitSocifWDT != 0 {
		flags = append(flags, ErrWMSocifWDT)
	}
	if val&regio.BitWMCoreError != 0 {
		flags = append(flags, ErrCoreEvent)
	}
	if val&regio.BitWMICError != 0 {
		flags = append(flags, ErrInterconnectError)
	}
	if val&regio.BitParityError != 0 {
		flags = append(flags, ErrParityError)
	}
	if val&regio.BitWLIDMismatch != 0 {
		flags = append(flags, ErrWLIDMismatch)
	}
	if val&regio.BitConfError != 0 {
		flags = append(flags, ErrConfError)
	}
	if val&regio.BitCombinedCRCError != 0 {
		flags = append(flags, ErrCombinedCRCError)
	}
	return flags, fifoReady
}

// DecodeCore maps CORE_EVENT status bits to error flags.
func DecodeCore(val uint64) []ErrFlag {
	var out []ErrFlag
	if val&CoreBitWDT != 0 {
		out = append(out, ErrCoreWDT)
	}
	if val&CoreBitMemWDT != 0 {
		out = append(out, ErrCoreMemWDT)
	}
	if val&CoreBitLogic != 0 {
		out = append(out, ErrCoreLogicError)
	}
	if val&CoreBitSyncError != 0 {
		out = append(out, ErrCoreSyncErrorWM)
	}
	if val&CoreBitSyncFatal != 0 {
		out = append(out, ErrCoreSyncErrorFull)
	}
	return out
}

// DecodeIC maps INTERCONNECT_EVENT status bits to error flags.
func DecodeIC(val uint64) []ErrFlag {
	var out []ErrFlag
	if val&ICBitLogic != 0 {
		out = append(out, ErrInterconnectLogic)
	}
	if val&ICBitLockstep != 0 {
		out = append(out, ErrInterconnectLockstep)
	}
	if val&ICBitSocifMismatch != 0 {
		out = append(out, ErrInterconnectSocifMismatch)
	}
	if val&ICBitUnresponsive != 0 {
		out = append(out, ErrInterconnectUnresponsive)
	}
	return out
}

// WM response FIFO status layout: bit 0 flags success, the firmware
// error code sits in bits [8,16), and two qualifier bits mark CRC and
// confirmation-write failures detected alongside the response.
const (
	RspBitSuccess      uint64 = 1 << 0
	RspErrCodeShift           = 8
	RspErrCodeMask     uint64 = 0xFF << RspErrCodeShift
	RspBitCRCMismatch  uint64 = 1 << 16
	RspBitConfWriteErr uint64 = 1 << 17
)

// Firmware response codes carried in the WL_STATUS error-code field.
const (
	RspCodeCoreIRQBeforeKick    = 1
	RspCodeIndirectMaskSetError = 2
	RspCodeKickCoreAccessError  = 3
	RspCodeIntCoreAccessError   = 4
	RspCodeInterconnectError    = 5
	RspCodeCNNControlStartHigh  = 6
	RspCodeCNNStatusError       = 7
	RspCodeCoreEvent            = 8
)

var rspFlagOf = map[uint64]ErrFlag{
	RspCodeCoreIRQBeforeKick:    ErrCoreIRQBeforeKick,
	RspCodeIndirectMaskSetError: ErrIndirectMaskSetError,
	RspCodeKickCoreAccessError:  ErrKickCoreAccessError,
	RspCodeIntCoreAccessError:   ErrIntCoreAccessError,
	RspCodeInterconnectError:    ErrInterconnectError,
	RspCodeCNNControlStartHigh:  ErrCNNControlStartHigh,
	RspCodeCNNStatusError:       ErrCNNStatusError,
	RspCodeCoreEvent:            ErrCoreEvent,
}

// WMResponse is one popped entry of a WM's response FIFO.
type WMResponse struct {
	WLID   uint32
	Status uint64
	Cycles uint64
	Flags  []ErrFlag
}

// PopResponse reads the selected WM's response FIFO head (parity-aware)
// and pops it. The caller must have the WM selected via the indirect
// register, under the irq lock.
func PopResponse(r *regio.Regs) (WMResponse, error) {
	status, err := r.ReadParityAware(regio.RegWMResponseFifoWLStatus)
	if err != nil {
		return WMResponse{}, fmt.Errorf("irqpath: response fifo status: %w", err)
	}
	wlID, err := r.ReadParityAware(regio.RegWMResponseFifoWLID)
	if err != nil {
		return WMResponse{}, fmt.Errorf("irqpath: response fifo wl id: %w", err)
	}
	cycles := r.Read64(regio.RegWMResponseFifoWLPerf)
	r.Write64(regio.RegWMResponseFifoRead, 1) // pop

	rsp := WMResponse{WLID: uint32(wlID), Status: status, Cycles: cycles}
	if code := (status & RspErrCodeMask) >> RspErrCodeShift; code != 0 {
		if f, ok := rspFlagOf[code]; ok {
			rsp.Flags = append(rsp.Flags, f)
		}
	}
	if status&RspBitCRCMismatch != 0 {
		rsp.Flags = append(rsp.Flags, ErrCombinedCRCError)
	}
	if status&RspBitConfWriteErr != 0 {
		rsp.Flags = append(rsp.Flags, ErrConfError)
	}
	return rsp, nil
}
