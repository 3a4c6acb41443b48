package hal

// Register byte offsets from the controller base.
const (
	RegDMAAddress    = 0x00
	RegArgument2     = 0x00
	RegBlockSize     = 0x04
	RegBlockCount    = 0x06
	RegArgument      = 0x08
	RegTransferMode  = 0x0C
	RegCommand       = 0x0E
	RegResponse      = 0x10
	RegBuffer        = 0x20
	RegPresentState  = 0x24
	RegHostControl   = 0x28
	RegPowerControl  = 0x29
	RegBlockGap      = 0x2A
	RegWakeUp        = 0x2B
	RegClockControl  = 0x2C
	RegTimeout       = 0x2E
	RegSoftwareReset = 0x2F
	RegIntStatus     = 0x30
	RegIntEnable     = 0x34
	RegSignalEnable  = 0x38
	RegAutoCmdStatus = 0x3C
	RegHostControl2  = 0x3E
	RegCapabilities  = 0x40
	RegCapabilities1 = 0x44
	RegMaxCurrent    = 0x48
	RegSetACMD12Err  = 0x50
	RegSetIntError   = 0x52
	RegADMAError     = 0x54
	RegADMAAddress   = 0x58
	RegADMAAddressHi = 0x5C
	RegPresetInit    = 0x60
	RegPresetDS      = 0x62
	RegPresetHS      = 0x64
	RegPresetSDR12   = 0x66
	RegPresetSDR25   = 0x68
	RegPresetSDR50   = 0x6A
	RegPresetSDR104  = 0x6C
	RegPresetDDR50   = 0x6E
	RegPresetHS400   = 0x74
	RegSlotIntStatus = 0xFC
	RegHostVersion   = 0xFE

	// RegWindowSize is the size of the standard register window.
	RegWindowSize = 0x100
)

// Block size register.
const (
	BlockSizeMask = 0x0FFF

	// SDMABoundary512K selects a 512 KiB SDMA buffer boundary.
	SDMABoundary512K = 7
	SDMABoundarySize = 512 * 1024
)

// MakeBlockSize encodes the SDMA boundary argument and block size.
func MakeBlockSize(boundary uint16, blksz uint16) uint16 {
	return (boundary&0x7)<<12 | blksz&BlockSizeMask
}

// Transfer mode register.
const (
	TransferDMA      = 0x01
	TransferBlkCntEn = 0x02
	TransferACMD12   = 0x04
	TransferACMD23   = 0x08
	TransferAutoSel  = 0x0C
	TransferRead     = 0x10
	TransferMulti    = 0x20
)

// Command register.
const (
	CmdRespMask      = 0x03
	CmdRespNone      = 0x00
	CmdRespLong      = 0x01
	CmdRespShort     = 0x02
	CmdRespShortBusy = 0x03
	CmdCRC           = 0x08
	CmdIndex         = 0x10
	CmdData          = 0x20
	CmdAbort         = 0xC0
)

// MakeCommand encodes the command register value.
func MakeCommand(opcode uint8, flags uint8) uint16 {
	return uint16(opcode)<<8 | uint16(flags)
}

// Present state register.
const (
	PresentCmdInhibit    = 0x00000001
	PresentDataInhibit   = 0x00000002
	PresentDoingWrite    = 0x00000100
	PresentDoingRead     = 0x00000200
	PresentSpaceAvail    = 0x00000400
	PresentDataAvail     = 0x00000800
	PresentCardPresent   = 0x00010000
	PresentCardStable    = 0x00020000
	PresentCardDetectLvl = 0x00040000
	PresentWriteProtect  = 0x00080000
	PresentDataLvlMask   = 0x00F00000
	PresentData0Lvl      = 0x00100000
	PresentCmdLvl        = 0x01000000
)

// Host control register.
const (
	CtrlLED       = 0x01
	Ctrl4BitBus   = 0x02
	CtrlHiSpeed   = 0x04
	CtrlDMAMask   = 0x18
	CtrlSDMA      = 0x00
	CtrlADMA1     = 0x08
	CtrlADMA32    = 0x10
	CtrlADMA64    = 0x18
	Ctrl8BitBus   = 0x20
	CtrlCDTestIns = 0x40
	CtrlCDTestEn  = 0x80
)

// Power control register.
const (
	PowerOn  = 0x01
	Power180 = 0x0A
	Power300 = 0x0C
	Power330 = 0x0E
)

// Clock control register.
const (
	ClockIntEn       = 0x0001
	ClockIntStable   = 0x0002
	ClockCardEn      = 0x0004
	ClockPLLEn       = 0x0008
	ClockProgMode    = 0x0020
	ClockDivShift    = 8
	ClockDivHiShift  = 6
	ClockDivMask     = 0xFF
	ClockDivMaskLen  = 8
	ClockDivHiMask   = 0x300
	MaxDivSpec200    = 256
	MaxDivSpec300    = 2046
	MaxProgDivSpec30 = 1024
)

// Software reset register.
const (
	ResetAll  = 0x01
	ResetCmd  = 0x02
	ResetData = 0x04
)

// Interrupt status, enable and signal enable bits.
const (
	IntResponse    = 0x00000001
	IntDataEnd     = 0x00000002
	IntBlkGap      = 0x00000004
	IntDMAEnd      = 0x00000008
	IntSpaceAvail  = 0x00000010
	IntDataAvail   = 0x00000020
	IntCardInsert  = 0x00000040
	IntCardRemove  = 0x00000080
	IntCardInt     = 0x00000100
	IntRetune      = 0x00001000
	IntCQE         = 0x00004000
	IntError       = 0x00008000
	IntTimeout     = 0x00010000
	IntCRC         = 0x00020000
	IntEndBit      = 0x00040000
	IntIndex       = 0x00080000
	IntDataTimeout = 0x00100000
	IntDataCRC     = 0x00200000
	IntDataEndBit  = 0x00400000
	IntBusPower    = 0x00800000
	IntAutoCmdErr  = 0x01000000
	IntADMAError   = 0x02000000

	IntNormalMask = 0x00007FFF
	IntErrorMask  = 0xFFFF8000

	IntCmdMask = IntResponse | IntTimeout | IntCRC | IntEndBit | IntIndex |
		IntAutoCmdErr
	IntDataMask = IntDataEnd | IntDMAEnd | IntDataAvail | IntSpaceAvail |
		IntDataTimeout | IntDataCRC | IntDataEndBit | IntADMAError | IntBlkGap
	IntCardMask = IntCardInsert | IntCardRemove
	IntAllMask  = 0xFFFFFFFF
)

// Auto command status register.
const (
	AutoCmdNotExec = 0x0001
	AutoCmdTimeout = 0x0002
	AutoCmdCRC     = 0x0004
	AutoCmdEndBit  = 0x0008
	AutoCmdIndex   = 0x0010
)

// Host control 2 register.
const (
	Ctrl2UHSMask     = 0x0007
	Ctrl2UHSSDR12    = 0x0000
	Ctrl2UHSSDR25    = 0x0001
	Ctrl2UHSSDR50    = 0x0002
	Ctrl2UHSSDR104   = 0x0003
	Ctrl2UHSDDR50    = 0x0004
	Ctrl2HS400       = 0x0005
	Ctrl2VDD180      = 0x0008
	Ctrl2DrvTypeMask = 0x0030
	Ctrl2DrvTypeB    = 0x0000
	Ctrl2DrvTypeA    = 0x0010
	Ctrl2DrvTypeC    = 0x0020
	Ctrl2DrvTypeD    = 0x0030
	Ctrl2ExecTuning  = 0x0040
	Ctrl2TunedClk    = 0x0080
	Ctrl2PresetVal   = 0x8000
)

// Capabilities register.
const (
	CapTimeoutClkMask  = 0x0000003F
	CapTimeoutClkUnit  = 0x00000080
	CapClockBaseMask   = 0x00003F00
	CapClockV3BaseMask = 0x0000FF00
	CapClockBaseShift  = 8
	CapMaxBlockMask    = 0x00030000
	CapMaxBlockShift   = 16
	Cap8Bit            = 0x00040000
	CapADMA2           = 0x00080000
	CapADMA1           = 0x00100000
	CapHiSpeed         = 0x00200000
	CapSDMA            = 0x00400000
	CapSuspend         = 0x00800000
	CapVDD330          = 0x01000000
	CapVDD300          = 0x02000000
	CapVDD180          = 0x04000000
	Cap64Bit           = 0x10000000
)

// Capabilities 1 register.
const (
	Cap1SDR50            = 0x00000001
	Cap1SDR104           = 0x00000002
	Cap1DDR50            = 0x00000004
	Cap1DriverTypeA      = 0x00000010
	Cap1DriverTypeC      = 0x00000020
	Cap1DriverTypeD      = 0x00000040
	Cap1RetuneCountMask  = 0x00000F00
	Cap1RetuneCountShift = 8
	Cap1SDR50Tuning      = 0x00002000
	Cap1RetuneModeMask   = 0x0000C000
	Cap1RetuneModeShift  = 14
	Cap1ClockMulMask     = 0x00FF0000
	Cap1ClockMulShift    = 16
	Cap1ADMA3            = 0x08000000
	Cap1HS400            = 0x80000000
)

// Maximum current register.
const (
	MaxCurrent330Mask  = 0x0000FF
	MaxCurrent300Mask  = 0x00FF00
	MaxCurrent180Mask  = 0xFF0000
	MaxCurrentMultiple = 4
	MaxCurrentLimit    = 0xFF
)

// ADMA error register.
const (
	ADMAErrStateMask = 0x03
	ADMAErrLength    = 0x04
)

// Preset value registers.
const (
	PresetDrvMask     = 0xC000
	PresetDrvShift    = 14
	PresetClkGenSel   = 0x0400
	PresetSDCLKMask   = 0x03FF
	PresetSDCLKShift  = 0
	PresetClkGenShift = 10
)

// Host version register.
const (
	VendorVersionMask  = 0xFF00
	VendorVersionShift = 8
	SpecVersionMask    = 0x00FF
	Spec100            = 0
	Spec200            = 1
	Spec300            = 2
	Spec400            = 3
	Spec410            = 4
	Spec420            = 5
)

// ADMA2 descriptor attributes.
const (
	ADMA2AttrValid = 0x1
	ADMA2AttrEnd   = 0x2
	ADMA2AttrInt   = 0x4
	ADMA2ActNop    = 0x00
	ADMA2ActTran   = 0x20
	ADMA2ActLink   = 0x30

	// ADMA2TranValid marks a transfer entry.
	ADMA2TranValid = ADMA2ActTran | ADMA2AttrValid
	// ADMA2NopEndValid marks the terminal entry.
	ADMA2NopEndValid = ADMA2ActNop | ADMA2AttrEnd | ADMA2AttrValid
	// ADMA2End marks the last transfer entry when no terminal NOP is written.
	ADMA2End = ADMA2AttrEnd

	// ADMA2MaxLen is the largest length one entry can describe. A zero
	// length field encodes this value.
	ADMA2MaxLen = 65536

	ADMA2Desc32Size = 8
	ADMA2Desc64Size = 12

	// ADMA2Align is the address and length alignment ADMA2 requires.
	ADMA2Align = 4
)

// SD and MMC command opcodes the engine and the simulator know about.
const (
	OpGoIdle            = 0
	OpSendOpCond        = 1
	OpAllSendCID        = 2
	OpSendRelativeAddr  = 3
	OpSwitch            = 6
	OpSelectCard        = 7
	OpSendIfCond        = 8
	OpSendCSD           = 9
	OpStopTransmission  = 12
	OpSendStatus        = 13
	OpSetBlockLen       = 16
	OpReadSingleBlock   = 17
	OpReadMultipleBlock = 18
	OpSendTuningBlock   = 19
	OpSendTuningHS200   = 21
	OpSetBlockCount     = 23
	OpWriteBlock        = 24
	OpWriteMultiBlock   = 25
	OpAppCmd            = 55

	OpAppSetBusWidth = 6
	OpAppSendOpCond  = 41
	OpAppSendSCR     = 51
)

// IsTuningOpcode reports whether opcode requests a tuning block.
func IsTuningOpcode(opcode uint8) bool {
	return opcode == OpSendTuningBlock || opcode == OpSendTuningHS200
}

// TuningBlock4Bit is the pattern a card returns for CMD19 on a 4-bit bus.
var TuningBlock4Bit = [64]byte{
	0xff, 0x0f, 0xff, 0x00, 0xff, 0xcc, 0xc3, 0xcc,
	0xc3, 0x3c, 0xcc, 0xff, 0xfe, 0xff, 0xfe, 0xef,
	0xff, 0xdf, 0xff, 0xdd, 0xff, 0xfb, 0xff, 0xfb,
	0xbf, 0xff, 0x7f, 0xff, 0x77, 0xf7, 0xbd, 0xef,
	0xff, 0xf0, 0xff, 0xf0, 0x0f, 0xfc, 0xcc, 0x3c,
	0xcc, 0x33, 0xcc, 0xcf, 0xff, 0xef, 0xff, 0xee,
	0xff, 0xfd, 0xff, 0xfd, 0xdf, 0xff, 0xbf, 0xff,
	0xbb, 0xff, 0xf7, 0xff, 0xf7, 0x7f, 0x7b, 0xde,
}

// TuningBlock8Bit is the pattern a card returns for CMD21 on an 8-bit bus.
var TuningBlock8Bit = [128]byte{
	0xff, 0xff, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00,
	0xff, 0xff, 0xcc, 0xcc, 0xcc, 0x33, 0xcc, 0xcc,
	0xcc, 0x33, 0x33, 0xcc, 0xcc, 0xcc, 0xff, 0xff,
	0xff, 0xee, 0xff, 0xff, 0xff, 0xee, 0xee, 0xff,
	0xff, 0xff, 0xdd, 0xff, 0xff, 0xff, 0xdd, 0xdd,
	0xff, 0xff, 0xff, 0xbb, 0xff, 0xff, 0xff, 0xbb,
	0xbb, 0xff, 0xff, 0xff, 0x77, 0xff, 0xff, 0xff,
	0x77, 0x77, 0xff, 0x77, 0xbb, 0xdd, 0xee, 0xff,
	0xff, 0xff, 0xff, 0x00, 0xff, 0xff, 0xff, 0x00,
	0x00, 0xff, 0xff, 0xcc, 0xcc, 0xcc, 0x33, 0xcc,
	0xcc, 0xcc, 0x33, 0x33, 0xcc, 0xcc, 0xcc, 0xff,
	0xff, 0xff, 0xee, 0xff, 0xff, 0xff, 0xee, 0xee,
	0xff, 0xff, 0xff, 0xdd, 0xff, 0xff, 0xff, 0xdd,
	0xdd, 0xff, 0xff, 0xff, 0xbb, 0xff, 0xff, 0xff,
	0xbb, 0xbb, 0xff, 0xff, 0xff, 0x77, 0xff, 0xff,
	0xff, 0x77, 0x77, 0xff, 0x77, 0xbb, 0xdd, 0xee,
}
