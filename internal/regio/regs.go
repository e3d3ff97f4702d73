package regio

// Register offsets consumed by the core. Addresses are placeholders for
// the hardware's actual CR header; what matters for this driver is that
// every name here is consumed verbatim and consistently.
const (
	RegHostEventSource uint32 = 0x0000

	RegSysEventStatus uint32 = 0x0100
	RegSysEventClear  uint32 = 0x0108
	RegSysEventEnable uint32 = 0x0110
	RegSysEventType   uint32 = 0x0118
	RegSysEventInject uint32 = 0x0120

	RegTLCWMIndirect  uint32 = 0x0200
	RegWMEventStatus  uint32 = 0x0208
	RegWMEventClear   uint32 = 0x0210
	RegWMEventEnable  uint32 = 0x0218
	RegWMWLID         uint32 = 0x0220
	RegWMWLControl    uint32 = 0x0228

	RegWMResponseFifoRead     uint32 = 0x0240
	RegWMResponseFifoWLStatus uint32 = 0x0248
	RegWMResponseFifoWLID     uint32 = 0x0250
	RegWMResponseFifoWLPerf   uint32 = 0x0258
	RegWMResponseFifoWLBW     uint32 = 0x0260

	RegCoreCtrlIndirect    uint32 = 0x0300
	RegCoreEventHostStatus uint32 = 0x0308
	RegCoreEventHostClear  uint32 = 0x0310
	RegCoreEventHostEnable uint32 = 0x0318
	RegCoreEventWMStatus   uint32 = 0x0320
	RegCoreEventWMClear    uint32 = 0x0328
	RegCoreEventWMEnable   uint32 = 0x0330

	RegInterconnectEventStatus uint32 = 0x0400
	RegInterconnectEventClear  uint32 = 0x0408
	RegInterconnectEventEnable uint32 = 0x0410

	RegOS0MMUCtrl                 uint32 = 0x0500
	RegOS0MMUCBaseMapping         uint32 = 0x0508
	RegOS0MMUCBaseMappingContext  uint32 = 0x0510
	RegOS0MMUCtrlInval            uint32 = 0x0518
	RegOS0MMUFaultStatus1         uint32 = 0x0520
	RegOS0MMUFaultStatus2         uint32 = 0x0528
	RegMMUPageSizeRangeOne        uint32 = 0x0530
	RegMMUPageSizeRangeTwo        uint32 = 0x0538

	RegCoreAssignment        uint32 = 0x0600
	RegSOCMBufAssignment     uint32 = 0x0608
	RegSOCMBaseAddr          uint32 = 0x0610
	RegSOCMCircularBufSize   uint32 = 0x0618
	RegSOCMB7XorBits         uint32 = 0x0620
	RegSOCMB8XorBits         uint32 = 0x0628
	RegLowLevelSyncBaseAddr  uint32 = 0x0630

	RegOS0CNNControl         uint32 = 0x0700
	RegOS0CNNCmdBaseAddress  uint32 = 0x0708
	RegOS0CNNAltAddressBase  uint32 = 0x0800 // + 8*i for i in [0,16)
	RegOS0CNNAltAddressUsed  uint32 = 0x0900
	RegOS0LOCMBaseAddr       uint32 = 0x0908
	RegOS0CNNVCoreMapping    uint32 = 0x0910

	RegWDTCompareWMWL    uint32 = 0x0a00
	RegWDTCtrlWMWL       uint32 = 0x0a08
	RegWDTCompareSysMem  uint32 = 0x0a10
	RegWDTCtrlSysMem     uint32 = 0x0a18
	RegWDTCompareCoreHL  uint32 = 0x0a20
	RegWDTCtrlCoreHL     uint32 = 0x0a28
	RegWDTCompareCoreMem uint32 = 0x0a30
	RegWDTCtrlCoreMem    uint32 = 0x0a38

	RegSysResetCtrl    uint32 = 0x0b00
	RegSysClkCtrl0     uint32 = 0x0b08
	RegClkCtrl0        uint32 = 0x0b10
	RegPowerEvent      uint32 = 0x0b18
	RegCoreSoftReset   uint32 = 0x0b20
	RegFusaControl     uint32 = 0x0b28
	RegLOCMScrubCtrl   uint32 = 0x0b30
	RegSOCMScrubCtrl   uint32 = 0x0b38
	RegSysRAMInit      uint32 = 0x0b40
	RegACEStatus       uint32 = 0x0b48
	RegProductID       uint32 = 0x0b50
	RegCoreID          uint32 = 0x0b58
	RegCoreIPConfig    uint32 = 0x0b60
	RegCoreIPConfig1   uint32 = 0x0b68

	// SLC hash-mode control, part of the memory-hierarchy setup a
	// dispatch performs before pushing the per-WL config snapshot.
	RegSLCCtrl uint32 = 0x0b70
)

// AltAddrOffset returns the register offset of alt-address slot i
// (0..15 inclusive).
func AltAddrOffset(i int) uint32 {
	return RegOS0CNNAltAddressBase + uint32(8*i)
}

// Pseudo status bits, synthesized by software into a status-register
// shadow rather than asserted by hardware.
const (
	BitCombinedCRCError uint64 = 1 << 60
	BitWLIDMismatch     uint64 = 1 << 61
	BitParityError      uint64 = 1 << 62
	BitConfError        uint64 = 1 << 63

	BitWMCoreError uint64 = 1 << 24
	BitWMICError   uint64 = 1 << 25
)

// DeadSentinel is the value HOST_EVENT_SOURCE reads as when the
// hardware has gone away; seeing it (or ^uint64(0)) halts IRQ processing.
const DeadSentinel uint64 = 0xDEADDEADDEADDEAD
