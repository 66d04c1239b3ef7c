package isa

// Privilege is a hart privilege level.
type Privilege uint8

const (
	PrivUser       Privilege = 0
	PrivSupervisor Privilege = 1
	PrivMachine    Privilege = 3
)

func (p Privilege) String() string {
	switch p {
	case PrivUser:
		return "U"
	case PrivSupervisor:
		return "S"
	case PrivMachine:
		return "M"
	default:
		return "?"
	}
}

// CSR addresses.
const (
	CSRFflags = 0x001
	CSRFrm    = 0x002
	CSRFcsr   = 0x003

	CSRCycle    = 0xc00
	CSRTime     = 0xc01
	CSRInstret  = 0xc02
	CSRCycleh   = 0xc80
	CSRTimeh    = 0xc81
	CSRInstreth = 0xc82

	CSRSstatus    = 0x100
	CSRSie        = 0x104
	CSRStvec      = 0x105
	CSRScounteren = 0x106
	CSRSscratch   = 0x140
	CSRSepc       = 0x141
	CSRScause     = 0x142
	CSRStval      = 0x143
	CSRSip        = 0x144
	CSRSatp       = 0x180

	CSRMvendorid  = 0xf11
	CSRMarchid    = 0xf12
	CSRMimpid     = 0xf13
	CSRMhartid    = 0xf14
	CSRMstatus    = 0x300
	CSRMisa       = 0x301
	CSRMedeleg    = 0x302
	CSRMideleg    = 0x303
	CSRMie        = 0x304
	CSRMtvec      = 0x305
	CSRMcounteren = 0x306
	CSRMstatush   = 0x310
	CSRMscratch   = 0x340
	CSRMepc       = 0x341
	CSRMcause     = 0x342
	CSRMtval      = 0x343
	CSRMip        = 0x344
	CSRPmpcfg0    = 0x3a0
	CSRPmpaddr0   = 0x3b0
	CSRMcycle     = 0xb00
	CSRMinstret   = 0xb02
	CSRMcycleh    = 0xb80
	CSRMinstreth  = 0xb82
)

// mstatus fields.
const (
	MstatusSIE  uint64 = 1 << 1
	MstatusMIE  uint64 = 1 << 3
	MstatusSPIE uint64 = 1 << 5
	MstatusUBE  uint64 = 1 << 6
	MstatusMPIE uint64 = 1 << 7
	MstatusSPP  uint64 = 1 << 8
	MstatusMPP  uint64 = 3 << 11
	MstatusFS   uint64 = 3 << 13
	MstatusXS   uint64 = 3 << 15
	MstatusMPRV uint64 = 1 << 17
	MstatusSUM  uint64 = 1 << 18
	MstatusMXR  uint64 = 1 << 19
	MstatusTVM  uint64 = 1 << 20
	MstatusTW   uint64 = 1 << 21
	MstatusTSR  uint64 = 1 << 22
	MstatusUXL  uint64 = 3 << 32
	MstatusSXL  uint64 = 3 << 34

	MstatusMPPShift = 11
	MstatusFSShift  = 13
)

// MstatusTranslationBits are the mstatus fields that change address
// translation results.
const MstatusTranslationBits = MstatusMPRV | MstatusMPP | MstatusSUM | MstatusMXR

// Interrupt bits in mip / mie.
const (
	MipSSIP uint64 = 1 << 1
	MipMSIP uint64 = 1 << 3
	MipSTIP uint64 = 1 << 5
	MipMTIP uint64 = 1 << 7
	MipSEIP uint64 = 1 << 9
	MipMEIP uint64 = 1 << 11
)

// Exception causes.
const (
	CauseInsnMisaligned  uint64 = 0
	CauseInsnAccess      uint64 = 1
	CauseIllegalInsn     uint64 = 2
	CauseBreakpoint      uint64 = 3
	CauseLoadMisaligned  uint64 = 4
	CauseLoadAccess      uint64 = 5
	CauseStoreMisaligned uint64 = 6
	CauseStoreAccess     uint64 = 7
	CauseEcallU          uint64 = 8
	CauseEcallS          uint64 = 9
	CauseEcallM          uint64 = 11
	CauseInsnPageFault   uint64 = 12
	CauseLoadPageFault   uint64 = 13
	CauseStorePageFault  uint64 = 15
)

// Interrupt causes, without the interrupt flag bit.
const (
	IntSSoft     uint64 = 1
	IntMSoft     uint64 = 3
	IntSTimer    uint64 = 5
	IntMTimer    uint64 = 7
	IntSExternal uint64 = 9
	IntMExternal uint64 = 11
)
