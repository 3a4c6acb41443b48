package host

import (
	"github.com/ardnew/sdhci/host/hal"
)

// Capabilities is the decoded content of the capability registers.
type Capabilities struct {
	Raw  uint32 // Capabilities register
	Raw1 uint32 // Capabilities 1 register

	Version       uint8 // Specification version field
	VendorVersion uint8

	BaseClock    uint32 // Hz, zero when unspecified
	ClockMul     uint32 // Programmable clock multiplier, zero when unsupported
	TimeoutClock uint32 // kHz, zero when unspecified
	MaxBlockSize int    // Zero when the field holds a reserved value

	Bus8Bit   bool
	ADMA2     bool
	HighSpeed bool
	SDMA      bool
	Suspend   bool
	VDD330    bool
	VDD300    bool
	VDD180    bool
	Bus64     bool

	SDR50       bool
	SDR104      bool
	DDR50       bool
	HS400       bool
	DriverA     bool
	DriverC     bool
	DriverD     bool
	SDR50Tuning bool

	RetuneCount uint8 // Raw timer count field
	RetuneMode  uint8 // Raw mode field
}

// DecodeCapabilities decodes the capability registers as a controller of
// the given host version register value reports them.
func DecodeCapabilities(version uint16, caps, caps1 uint32) Capabilities {
	c := Capabilities{
		Raw:           caps,
		Raw1:          caps1,
		Version:       uint8(version & hal.SpecVersionMask),
		VendorVersion: uint8((version & hal.VendorVersionMask) >> hal.VendorVersionShift),
	}

	baseMask := uint32(hal.CapClockBaseMask)
	if c.Version >= hal.Spec300 {
		baseMask = hal.CapClockV3BaseMask
	}
	c.BaseClock = hal.Field(caps, baseMask) * 1000000

	c.TimeoutClock = hal.Field(caps, uint32(hal.CapTimeoutClkMask))
	if caps&hal.CapTimeoutClkUnit != 0 {
		c.TimeoutClock *= 1000
	}

	if blk := hal.Field(caps, uint32(hal.CapMaxBlockMask)); blk < 3 {
		c.MaxBlockSize = 512 << blk
	}

	c.Bus8Bit = caps&hal.Cap8Bit != 0
	c.ADMA2 = caps&hal.CapADMA2 != 0
	c.HighSpeed = caps&hal.CapHiSpeed != 0
	c.SDMA = caps&hal.CapSDMA != 0
	c.Suspend = caps&hal.CapSuspend != 0
	c.VDD330 = caps&hal.CapVDD330 != 0
	c.VDD300 = caps&hal.CapVDD300 != 0
	c.VDD180 = caps&hal.CapVDD180 != 0

	if c.Version < hal.Spec300 {
		return c
	}

	c.Bus64 = caps&hal.Cap64Bit != 0
	c.SDR50 = caps1&hal.Cap1SDR50 != 0
	c.SDR104 = caps1&hal.Cap1SDR104 != 0
	c.DDR50 = caps1&hal.Cap1DDR50 != 0
	c.DriverA = caps1&hal.Cap1DriverTypeA != 0
	c.DriverC = caps1&hal.Cap1DriverTypeC != 0
	c.DriverD = caps1&hal.Cap1DriverTypeD != 0
	c.SDR50Tuning = caps1&hal.Cap1SDR50Tuning != 0
	c.RetuneCount = uint8(hal.Field(caps1, uint32(hal.Cap1RetuneCountMask)))
	c.RetuneMode = uint8(hal.Field(caps1, uint32(hal.Cap1RetuneModeMask)))
	if mul := hal.Field(caps1, uint32(hal.Cap1ClockMulMask)); mul != 0 {
		c.ClockMul = mul + 1
	}
	return c
}

// Limits are the request limits derived at probe time.
type Limits struct {
	MaxSegments   int
	MaxSegSize    int
	MaxBlockSize  int
	MaxBlockCount int
	MaxReqSize    int

	MinClock uint32 // Hz
	MaxClock uint32 // Hz

	MaxCurrent330 uint32 // mA
	MaxCurrent300 uint32 // mA
	MaxCurrent180 uint32 // mA

	Mode DMAMode // Best transfer mechanism available
}

// TuningCount returns the retune period advertised in caps1: seconds for
// retune mode 1, transfers otherwise.
func (c Capabilities) TuningCount() uint32 {
	if c.RetuneCount == 0 || c.RetuneCount == 0xF {
		return 0
	}
	return 1 << (c.RetuneCount - 1)
}
