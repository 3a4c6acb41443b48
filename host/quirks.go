package host

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/ardnew/sdhci/pkg"
)

// Quirks is the first set of known controller deviations.
type Quirks uint32

// Quirks values. Bits 17 and 19 are reserved.
const (
	QuirkClockBeforeReset      Quirks = 1 << 0  // Set the clock before each reset
	QuirkForceDMA              Quirks = 1 << 1  // Use DMA even if the capability bit is clear
	QuirkNoCardNoReset         Quirks = 1 << 2  // Reset hangs without a card
	QuirkSinglePowerWrite      Quirks = 1 << 3  // Voltage and power on in one write
	QuirkResetCmdDataOnIOS     Quirks = 1 << 4  // Reset CMD and DATA after bus changes
	QuirkBrokenDMA             Quirks = 1 << 5  // SDMA is unusable
	QuirkBrokenADMA            Quirks = 1 << 6  // ADMA is unusable
	Quirk32BitDMAAddr          Quirks = 1 << 7  // SDMA addresses must be 4-byte aligned
	Quirk32BitDMASize          Quirks = 1 << 8  // SDMA lengths must be 4-byte aligned
	Quirk32BitADMASize         Quirks = 1 << 9  // ADMA lengths must be 4-byte aligned (always enforced)
	QuirkResetAfterRequest     Quirks = 1 << 10 // Reset CMD and DATA after every request
	QuirkNoSimultVDDAndPower   Quirks = 1 << 11 // Write voltage before power on
	QuirkBrokenTimeoutVal      Quirks = 1 << 12 // Always use the maximum timeout count
	QuirkBrokenSmallPIO        Quirks = 1 << 13 // Buffer bits unreliable for short transfers
	QuirkNoBusyIRQ             Quirks = 1 << 14 // No transfer complete after busy responses
	QuirkBrokenCardDetection   Quirks = 1 << 15 // Card detect bits are unreliable
	QuirkInvertedWriteProtect  Quirks = 1 << 16 // Write protect pin is active high
	QuirkPIONeedsDelay         Quirks = 1 << 18 // Delay before each PIO block
	QuirkForceBlkSz2048        Quirks = 1 << 20 // Capability block size field is wrong
	QuirkNoMultiblock          Quirks = 1 << 21 // Multi-block transfers are broken
	QuirkForce1BitData         Quirks = 1 << 22 // Only the 1-bit bus works
	QuirkDelayAfterPower       Quirks = 1 << 23 // Wait 10ms after applying power
	QuirkDataTimeoutUsesSDCLK  Quirks = 1 << 24 // Timeout counter runs off the SD clock
	QuirkCapClockBaseBroken    Quirks = 1 << 25 // Base clock capability is wrong
	QuirkNoEndAttrInNopDesc    Quirks = 1 << 26 // Terminal NOP entry is not allowed
	QuirkMissingCaps           Quirks = 1 << 27 // Capability registers are unusable
	QuirkMultiblockReadACMD12  Quirks = 1 << 28 // Auto-CMD12 for multi-block transfers
	QuirkNoHispdBit            Quirks = 1 << 29 // Do not set the high speed bit
	QuirkBrokenADMAZeroLenDesc Quirks = 1 << 30 // Zero length entries are not 64 KiB
	QuirkUnstableRODetect      Quirks = 1 << 31 // Write protect pin needs sampling

	quirksReserved Quirks = 1<<17 | 1<<19
	quirksDefined  Quirks = ^quirksReserved
)

const (
	quirkBitCount  = 32
	quirk2BitCount = 30

	quirks2Defined Quirks2 = 1<<quirk2BitCount - 1
)

var quirkNames = [quirkBitCount]string{
	"CLOCK_BEFORE_RESET",
	"FORCE_DMA",
	"NO_CARD_NO_RESET",
	"SINGLE_POWER_WRITE",
	"RESET_CMD_DATA_ON_IOS",
	"BROKEN_DMA",
	"BROKEN_ADMA",
	"32BIT_DMA_ADDR",
	"32BIT_DMA_SIZE",
	"32BIT_ADMA_SIZE",
	"RESET_AFTER_REQUEST",
	"NO_SIMULT_VDD_AND_POWER",
	"BROKEN_TIMEOUT_VAL",
	"BROKEN_SMALL_PIO",
	"NO_BUSY_IRQ",
	"BROKEN_CARD_DETECTION",
	"INVERTED_WRITE_PROTECT",
	"",
	"PIO_NEEDS_DELAY",
	"",
	"FORCE_BLK_SZ_2048",
	"NO_MULTIBLOCK",
	"FORCE_1_BIT_DATA",
	"DELAY_AFTER_POWER",
	"DATA_TIMEOUT_USES_SDCLK",
	"CAP_CLOCK_BASE_BROKEN",
	"NO_ENDATTR_IN_NOPDESC",
	"MISSING_CAPS",
	"MULTIBLOCK_READ_ACMD12",
	"NO_HISPD_BIT",
	"BROKEN_ADMA_ZEROLEN_DESC",
	"UNSTABLE_RO_DETECT",
}

// Has reports whether every bit of q is set.
func (s Quirks) Has(q Quirks) bool {
	return s&q == q
}

// String returns the set names joined by '|'.
func (s Quirks) String() string {
	return joinBits(uint32(s), quirkNames[:])
}

// Validate rejects reserved and undefined bits.
func (s Quirks) Validate() error {
	if bad := s &^ quirksDefined; bad != 0 {
		return fmt.Errorf("%w: undefined quirk bits 0x%08x", pkg.ErrInvalidParameter, uint32(bad))
	}
	return nil
}

// Quirks2 is the second set of known controller deviations.
type Quirks2 uint32

// Quirks2 values.
const (
	Quirk2HostOffCardOn              Quirks2 = 1 << 0  // Power off the host but keep card power
	Quirk2HostNoCMD23                Quirks2 = 1 << 1  // CMD23 is broken
	Quirk2No18V                      Quirks2 = 1 << 2  // 1.8V signaling is not wired
	Quirk2PresetValueBroken          Quirks2 = 1 << 3  // Preset value registers are wrong
	Quirk2CardOnNeedsBusOn           Quirks2 = 1 << 4  // Card power needs the bus powered
	Quirk2BrokenHostControl          Quirks2 = 1 << 5  // Host control register writes are unsafe
	Quirk2BrokenHS200                Quirks2 = 1 << 6  // HS200 does not work
	Quirk2BrokenDDR50                Quirks2 = 1 << 7  // DDR50 does not work
	Quirk2StopWithTC                 Quirks2 = 1 << 8  // Stop command raises transfer complete
	Quirk2Broken64BitDMA             Quirks2 = 1 << 9  // 64-bit DMA does not work
	Quirk2ClearTransferModeBeforeCmd Quirks2 = 1 << 10 // Zero transfer mode for commands without data
	Quirk2CapsBit63ForHS400          Quirks2 = 1 << 11 // Capability bit 63 advertises HS400
	Quirk2TuningWorkAround           Quirks2 = 1 << 12 // Skip tuning and force the tuned clock
	Quirk2SupportSingle              Quirks2 = 1 << 13 // No block count enable for single blocks
	Quirk2ACMD23Broken               Quirks2 = 1 << 14 // Auto-CMD23 does not work
	Quirk2BrokenLEDControl           Quirks2 = 1 << 15 // LED bit is a control bit
	Quirk2ClockDivZeroBroken         Quirks2 = 1 << 16 // Divider zero does not pass the base clock
	Quirk2NeedDelayAfterIntClkRst    Quirks2 = 1 << 17 // Delay after toggling the internal clock
	Quirk2RdWrTxActiveEOT            Quirks2 = 1 << 18 // Transfer active until end of transfer
	Quirk2SlowIntClr                 Quirks2 = 1 << 19 // Interrupt clear needs time to settle
	Quirk2AlwaysUseBaseClock         Quirks2 = 1 << 20 // Always run the card off the base clock
	Quirk2IgnoreDataTimeoutForR1B    Quirks2 = 1 << 21 // Ignore data timeout during busy
	Quirk2BrokenPresetValue          Quirks2 = 1 << 22 // Preset values must not be enabled
	Quirk2UseReservedMaxTimeout      Quirks2 = 1 << 23 // Timeout count 0xF is usable
	Quirk2DivideToutBy4              Quirks2 = 1 << 24 // Timeout clock runs four times faster
	Quirk2IgnoreDataEndBitError      Quirks2 = 1 << 25 // Data end bit errors are spurious
	Quirk2NonstandardClock           Quirks2 = 1 << 26 // Clock must be set through the platform
	Quirk2UseResetWorkaround         Quirks2 = 1 << 27 // Reset line can hang
	Quirk2NonStandardTuning          Quirks2 = 1 << 28 // Compare tuning blocks in software
	Quirk2UsePIOForEMMCTuning        Quirks2 = 1 << 29 // Tuning commands use PIO
)

var quirk2Names = [quirk2BitCount]string{
	"HOST_OFF_CARD_ON",
	"HOST_NO_CMD23",
	"NO_1_8_V",
	"PRESET_VALUE_BROKEN",
	"CARD_ON_NEEDS_BUS_ON",
	"BROKEN_HOST_CONTROL",
	"BROKEN_HS200",
	"BROKEN_DDR50",
	"STOP_WITH_TC",
	"BROKEN_64_BIT_DMA",
	"CLEAR_TRANSFERMODE_REG_BEFORE_CMD",
	"CAPS_BIT63_FOR_HS400",
	"TUNING_WORK_AROUND",
	"SUPPORT_SINGLE",
	"ACMD23_BROKEN",
	"BROKEN_LED_CONTROL",
	"CLOCK_DIV_ZERO_BROKEN",
	"NEED_DELAY_AFTER_INT_CLK_RST",
	"RDWR_TX_ACTIVE_EOT",
	"SLOW_INT_CLR",
	"ALWAYS_USE_BASE_CLOCK",
	"IGNORE_DATATOUT_FOR_R1BCMD",
	"BROKEN_PRESET_VALUE",
	"USE_RESERVED_MAX_TIMEOUT",
	"DIVIDE_TOUT_BY_4",
	"IGN_DATA_END_BIT_ERROR",
	"NONSTANDARD_CLOCK",
	"USE_RESET_WORKAROUND",
	"NON_STANDARD_TUNING",
	"USE_PIO_FOR_EMMC_TUNING",
}

// Has reports whether every bit of q is set.
func (s Quirks2) Has(q Quirks2) bool {
	return s&q == q
}

// String returns the set names joined by '|'.
func (s Quirks2) String() string {
	return joinBits(uint32(s), quirk2Names[:])
}

// Validate rejects undefined bits.
func (s Quirks2) Validate() error {
	if bad := s &^ quirks2Defined; bad != 0 {
		return fmt.Errorf("%w: undefined quirk2 bits 0x%08x", pkg.ErrInvalidParameter, uint32(bad))
	}
	return nil
}

func joinBits(v uint32, names []string) string {
	if v == 0 {
		return "none"
	}
	var sb strings.Builder
	for v != 0 {
		i := bits.TrailingZeros32(v)
		v &^= 1 << i
		if sb.Len() > 0 {
			sb.WriteByte('|')
		}
		if i < len(names) && names[i] != "" {
			sb.WriteString(names[i])
		} else {
			fmt.Fprintf(&sb, "BIT%d", i)
		}
	}
	return sb.String()
}

// validateQuirks checks both sets and the hooks and capability values some
// quirks depend on.
func validateQuirks(cfg *Config, hk *hooks) error {
	if err := cfg.Quirks.Validate(); err != nil {
		return err
	}
	if err := cfg.Quirks2.Validate(); err != nil {
		return err
	}
	if cfg.Quirks.Has(QuirkCapClockBaseBroken) && hk.maxClock == nil {
		return fmt.Errorf("%w: CAP_CLOCK_BASE_BROKEN needs a MaxClock hook", pkg.ErrInvalidParameter)
	}
	if cfg.Quirks.Has(QuirkMissingCaps) && cfg.Caps == 0 {
		return fmt.Errorf("%w: MISSING_CAPS needs Config.Caps", pkg.ErrInvalidParameter)
	}
	if cfg.Quirks2.Has(Quirk2NonstandardClock) && hk.setClock == nil {
		return fmt.Errorf("%w: NONSTANDARD_CLOCK needs a SetClock hook", pkg.ErrInvalidParameter)
	}
	return nil
}
