package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ardnew/sdhci/host/hal"
	"github.com/ardnew/sdhci/pkg"
)

// Config holds probe-time settings. Zero values select defaults.
type Config struct {
	// Name identifies the controller in logs.
	Name string

	// Quirks and Quirks2 are validated once by New and immutable afterwards.
	Quirks  Quirks
	Quirks2 Quirks2

	// Caps and Caps1 replace the capability registers under
	// QuirkMissingCaps.
	Caps  uint32
	Caps1 uint32

	PowerPolicy PowerPolicy

	// PresetValues lets preset value registers drive the clock in UHS
	// timings on controllers that implement them.
	PresetValues bool

	// CommandTimeout is the fixed part of the watchdog bound.
	CommandTimeout time.Duration

	// ResetPolls bounds the wait for a software reset bit to clear.
	ResetPolls int

	// ResetRetries is the number of reset attempts made before the
	// controller is declared dead.
	ResetRetries int

	// ResetRetryDelay is the first delay between reset attempts. It doubles
	// on each retry.
	ResetRetryDelay time.Duration

	// ClockPolls bounds the wait for the internal clock to stabilize.
	ClockPolls int

	// InhibitPolls bounds the wait for the command and data lines.
	InhibitPolls int

	// PollInterval is the delay between register polls.
	PollInterval time.Duration

	// TuningLoops bounds the number of tuning blocks read.
	TuningLoops int

	// TuningWait bounds the wait for each tuning block.
	TuningWait time.Duration

	// BounceSize is the initial bounce buffer size. It grows on demand.
	BounceSize int
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "sdhci"
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.ResetPolls <= 0 {
		c.ResetPolls = DefaultResetPolls
	}
	if c.ResetRetries <= 0 {
		c.ResetRetries = DefaultResetRetries
	}
	if c.ResetRetryDelay <= 0 {
		c.ResetRetryDelay = DefaultResetRetryDelay
	}
	if c.ClockPolls <= 0 {
		c.ClockPolls = DefaultClockPolls
	}
	if c.InhibitPolls <= 0 {
		c.InhibitPolls = DefaultInhibitPolls
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.TuningLoops <= 0 {
		c.TuningLoops = DefaultTuningLoops
	}
	if c.TuningWait <= 0 {
		c.TuningWait = DefaultTuningWait
	}
	if c.BounceSize <= 0 {
		c.BounceSize = DefaultBounceSize
	}
	return c
}

// Stats are diagnostic counters.
type Stats struct {
	Requests  uint64
	Completed uint64

	// Errors counts failed requests by completion status.
	Errors map[pkg.Status]uint64

	Resets              uint64
	ResetTimeouts       uint64
	ResetWorkarounds    uint64
	LastResetWorkaround time.Time

	UnexpectedIRQs   uint64
	SpuriousCmdIRQs  uint64
	ErrorTransitions uint64
	BounceUses       uint64

	Tunings uint64
	Retunes uint64

	LastAutoCMDError uint16
	LastADMAError    uint32
}

// Host drives one SDHCI controller.
type Host struct {
	bus hal.Bus
	dma hal.DMA
	hk  hooks
	io  accessor
	cfg Config

	name    string
	quirks  Quirks
	quirks2 Quirks2

	// mutex guards all mutable state below.
	mutex sync.Mutex

	// nextMutex guards next. It is never taken with mutex held.
	nextMutex sync.Mutex
	next      *Request

	caps       Capabilities
	limits     Limits
	version    uint8
	flags      hostFlags
	dmaCapable bool

	maxClk      uint32 // Hz
	clkMul      uint32
	timeoutClk  uint32 // kHz
	clock       uint32 // Requested
	actualClock uint32
	clockGated  bool
	clockErr    error
	pwr         uint8
	ios         IOS

	ier         uint32
	state       DispatchState
	mrq         *Request
	cmd         *Command
	dataCmd     *Command
	data        *Data
	busyHandle  bool
	dataEarly   bool
	dataReset   bool
	hwTimeout   time.Duration
	pending     uint32
	cardPending bool
	completed   []*Request
	removed     bool

	adma    *hal.Region
	admaCfg ADMAConfig
	bounce  *hal.Region

	tuning tuning

	watchdog *time.Timer
	watchGen uint64
	deferSem *semaphore.Weighted

	onCardChange func(present bool)
	stats        Stats
}

// New probes a controller.
//
// bus is the register window. dma may be nil, which restricts the host to
// PIO. ops may be nil or any value implementing a subset of the hal
// capability interfaces.
func New(bus hal.Bus, dma hal.DMA, ops any, cfg Config) (*Host, error) {
	if bus == nil {
		return nil, fmt.Errorf("%w: nil bus", pkg.ErrInvalidParameter)
	}
	cfg = cfg.withDefaults()
	hk := resolveHooks(ops)
	if err := validateQuirks(&cfg, &hk); err != nil {
		return nil, err
	}

	h := &Host{
		bus:      bus,
		dma:      dma,
		hk:       hk,
		io:       newAccessor(bus, ops),
		cfg:      cfg,
		name:     cfg.Name,
		quirks:   cfg.Quirks,
		quirks2:  cfg.Quirks2,
		deferSem: semaphore.NewWeighted(1),
		ios:      IOS{BusWidth: hal.BusWidth1},
		stats:    Stats{Errors: make(map[pkg.Status]uint64)},
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.readCaps()

	if err := h.doReset(hal.ResetAll); err != nil {
		return nil, err
	}

	h.limits.MaxSegments = MaxSegments
	if h.hk.maxSegments != nil {
		if n := h.hk.maxSegments.MaxSegments(h); n > 0 && n < MaxSegments {
			h.limits.MaxSegments = n
		}
	}

	h.probeDMA()
	if err := h.probeClocks(); err != nil {
		h.freeBuffers()
		return nil, err
	}
	h.probeFeatures()
	h.probeLimits()
	h.initInterrupts()

	pkg.LogInfo(pkg.ComponentHost, "controller probed",
		"host", h.name,
		"version", h.version,
		"mode", h.limits.Mode,
		"base_clock", h.maxClk,
		"quirks", h.quirks,
		"quirks2", h.quirks2)

	return h, nil
}

func (h *Host) readCaps() {
	ver := h.io.read16(hal.RegHostVersion)
	caps, caps1 := h.cfg.Caps, h.cfg.Caps1
	if !h.quirks.Has(QuirkMissingCaps) {
		caps = h.io.read32(hal.RegCapabilities)
		if uint8(ver&hal.SpecVersionMask) >= hal.Spec300 {
			caps1 = h.io.read32(hal.RegCapabilities1)
		}
	}
	h.caps = DecodeCapabilities(ver, caps, caps1)
	h.version = h.caps.Version
	if h.quirks2.Has(Quirk2CapsBit63ForHS400) && caps1&hal.Cap1HS400 != 0 {
		h.caps.HS400 = true
	}
	if h.quirks2.Has(Quirk2No18V) {
		h.caps.SDR50, h.caps.SDR104, h.caps.DDR50, h.caps.HS400 = false, false, false, false
	}
}

func (h *Host) probeDMA() {
	if h.dma == nil {
		return
	}
	if (h.caps.SDMA || h.quirks.Has(QuirkForceDMA)) && !h.quirks.Has(QuirkBrokenDMA) {
		h.flags |= flagUseSDMA
	}
	if h.version >= hal.Spec200 && h.caps.ADMA2 && !h.quirks.Has(QuirkBrokenADMA) {
		h.flags |= flagUseADMA
	}
	if h.flags&flagUseADMA != 0 && h.caps.Bus64 &&
		!h.quirks2.Has(Quirk2Broken64BitDMA) && h.dma.AddressBits() > 32 {
		h.flags |= flagUse64BitDMA
	}
	if h.flags&(flagUseSDMA|flagUseADMA) == 0 {
		return
	}

	if h.hk.enableDMA != nil {
		if err := h.hk.enableDMA.EnableDMA(h); err != nil {
			pkg.LogWarn(pkg.ComponentDMA, "no suitable DMA available, falling back to PIO",
				"host", h.name,
				"error", err)
			h.flags &^= flagUseSDMA | flagUseADMA | flagUse64BitDMA
			return
		}
	}

	if h.flags&flagUseADMA != 0 {
		h.admaCfg = ADMAConfig{
			Is64:        h.flags&flagUse64BitDMA != 0,
			NoEndNop:    h.quirks.Has(QuirkNoEndAttrInNopDesc),
			MaxEntryLen: hal.ADMA2MaxLen,
			MaxSegments: h.limits.MaxSegments,
		}
		if h.quirks.Has(QuirkBrokenADMAZeroLenDesc) {
			h.admaCfg.MaxEntryLen = hal.ADMA2MaxLen - 1
		}
		table, err := h.dma.Alloc(h.admaCfg.TableSize())
		if err != nil {
			pkg.LogWarn(pkg.ComponentDMA, "unable to allocate ADMA table, falling back to standard DMA",
				"host", h.name,
				"error", err)
			h.flags &^= flagUseADMA | flagUse64BitDMA
		} else {
			h.adma = table
			// The terminal entry takes one slot of the segment limit.
			h.limits.MaxSegments = h.admaCfg.MaxTransfers()
		}
	}

	if h.flags&(flagUseSDMA|flagUseADMA) != 0 {
		bounce, err := h.dma.Alloc(h.cfg.BounceSize)
		if err != nil {
			pkg.LogWarn(pkg.ComponentDMA, "unable to allocate bounce buffer, falling back to PIO",
				"host", h.name,
				"error", err)
			h.freeBuffers()
			h.flags &^= flagUseSDMA | flagUseADMA | flagUse64BitDMA
			return
		}
		h.bounce = bounce
	}
	h.dmaCapable = h.flags&(flagUseSDMA|flagUseADMA) != 0
}

func (h *Host) probeClocks() error {
	h.maxClk = h.caps.BaseClock
	if h.quirks.Has(QuirkCapClockBaseBroken) || (h.maxClk == 0 && h.hk.maxClock != nil) {
		if h.hk.maxClock != nil {
			h.maxClk = h.hk.maxClock.MaxClock(h)
		}
	}
	if h.maxClk == 0 {
		return fmt.Errorf("%w: controller does not specify a base clock", pkg.ErrNotSupported)
	}
	h.clkMul = h.caps.ClockMul

	switch {
	case h.hk.minClock != nil:
		h.limits.MinClock = h.hk.minClock.MinClock(h)
	case h.clkMul != 0:
		h.limits.MinClock = h.maxClk * h.clkMul / hal.MaxProgDivSpec30
	case h.version >= hal.Spec300:
		h.limits.MinClock = h.maxClk / hal.MaxDivSpec300
	default:
		h.limits.MinClock = h.maxClk / hal.MaxDivSpec200
	}
	h.limits.MaxClock = h.maxClk
	if h.clkMul != 0 {
		h.limits.MaxClock = h.maxClk * h.clkMul
	}

	h.timeoutClk = h.caps.TimeoutClock
	if h.hk.timeoutClock != nil {
		h.timeoutClk = h.hk.timeoutClock.TimeoutClock(h)
	}
	if h.quirks.Has(QuirkDataTimeoutUsesSDCLK) {
		h.timeoutClk = h.maxClk / 1000
	}
	if h.timeoutClk == 0 {
		h.timeoutClk = max(h.maxClk/1000, 1)
		pkg.LogWarn(pkg.ComponentClock, "controller does not specify a timeout clock, using the base clock",
			"host", h.name,
			"timeout_khz", h.timeoutClk)
	}
	return nil
}

func (h *Host) probeFeatures() {
	if h.quirks.Has(QuirkMultiblockReadACMD12) {
		h.flags |= flagAutoCMD12
	}
	if h.version >= hal.Spec300 &&
		(h.flags&flagUseADMA != 0 || h.flags&flagUseSDMA == 0) &&
		!h.quirks2.Has(Quirk2ACMD23Broken) && !h.quirks2.Has(Quirk2HostNoCMD23) {
		h.flags |= flagAutoCMD23
	}

	h.flags |= flagSignaling330
	if h.version >= hal.Spec300 && (h.caps.SDR50 || h.caps.SDR104 || h.caps.DDR50) {
		h.flags |= flagSignaling180
	}
	if h.caps.SDR104 {
		h.flags |= flagSDR104NeedsTuning
	}
	if h.caps.SDR50 && h.caps.SDR50Tuning {
		h.flags |= flagSDR50NeedsTuning
	}
	h.tuning.count = h.caps.TuningCount()
	h.tuning.mode = h.caps.RetuneMode + 1
}

func (h *Host) probeLimits() {
	switch {
	case h.flags&flagUseADMA != 0:
		h.limits.MaxSegSize = h.admaCfg.MaxEntryLen
		if h.admaCfg.Is64 {
			h.limits.Mode = ModeADMA64
		} else {
			h.limits.Mode = ModeADMA32
		}
	case h.flags&flagUseSDMA != 0:
		h.limits.MaxSegSize = MaxRequestSize
		h.limits.Mode = ModeSDMA
	default:
		h.limits.MaxSegSize = MaxRequestSize
		h.limits.Mode = ModePIO
	}
	h.limits.MaxReqSize = MaxRequestSize

	switch {
	case h.quirks.Has(QuirkForceBlkSz2048):
		h.limits.MaxBlockSize = 2048
	case h.caps.MaxBlockSize == 0:
		pkg.LogWarn(pkg.ComponentHost, "invalid maximum block size, assuming 512 bytes",
			"host", h.name)
		h.limits.MaxBlockSize = 512
	default:
		h.limits.MaxBlockSize = h.caps.MaxBlockSize
	}

	h.limits.MaxBlockCount = MaxBlockCount
	if h.quirks.Has(QuirkNoMultiblock) {
		h.limits.MaxBlockCount = 1
	}

	if h.hk.currentLimit != nil {
		ma := h.hk.currentLimit.CurrentLimit(h)
		h.limits.MaxCurrent330, h.limits.MaxCurrent300, h.limits.MaxCurrent180 = ma, ma, ma
		return
	}
	cur := h.io.read32(hal.RegMaxCurrent)
	if h.caps.VDD330 {
		h.limits.MaxCurrent330 = hal.Field(cur, uint32(hal.MaxCurrent330Mask)) * hal.MaxCurrentMultiple
	}
	if h.caps.VDD300 {
		h.limits.MaxCurrent300 = hal.Field(cur, uint32(hal.MaxCurrent300Mask)) * hal.MaxCurrentMultiple
	}
	if h.caps.VDD180 {
		h.limits.MaxCurrent180 = hal.Field(cur, uint32(hal.MaxCurrent180Mask)) * hal.MaxCurrentMultiple
	}
}

func (h *Host) initInterrupts() {
	h.ier = hal.IntBusPower | hal.IntDataEndBit | hal.IntDataCRC |
		hal.IntDataTimeout | hal.IntIndex | hal.IntEndBit | hal.IntCRC |
		hal.IntTimeout | hal.IntDataEnd | hal.IntResponse | hal.IntAutoCmdErr
	if !h.quirks.Has(QuirkBrokenCardDetection) {
		if h.io.read32(hal.RegPresentState)&hal.PresentCardPresent != 0 {
			h.ier |= hal.IntCardRemove
		} else {
			h.ier |= hal.IntCardInsert
		}
	}
	h.writeIER()
}

// writeIER programs the interrupt status and signal enables from ier.
func (h *Host) writeIER() {
	h.io.write32(hal.RegIntEnable, h.ier)
	h.io.write32(hal.RegSignalEnable, h.ier)
}

func (h *Host) freeBuffers() {
	if h.dma == nil {
		return
	}
	if h.adma != nil {
		h.dma.Free(h.adma)
		h.adma = nil
	}
	if h.bounce != nil {
		h.dma.Free(h.bounce)
		h.bounce = nil
	}
}

// Remove tears the host down. An in-flight request fails with
// pkg.ErrNoMedium. When dead is set the controller is assumed gone and no
// register is touched.
func (h *Host) Remove(dead bool) {
	h.mutex.Lock()
	if h.removed {
		h.mutex.Unlock()
		return
	}
	h.removed = true
	if dead {
		h.flags |= flagDeviceDead
	}
	if h.mrq != nil {
		pkg.LogError(pkg.ComponentHost, "controller removed during transfer",
			"host", h.name)
		h.failInflight(pkg.ErrNoMedium)
	}
	if h.tuning.done != nil {
		close(h.tuning.done)
		h.tuning.done = nil
	}
	h.stopRetuneTimer()
	if h.flags&flagDeviceDead == 0 {
		_ = h.doReset(hal.ResetAll)
		h.io.write32(hal.RegIntEnable, 0)
		h.io.write32(hal.RegSignalEnable, 0)
	}
	h.ier = 0
	h.stopWatchdog()
	h.mutex.Unlock()

	// Deliver whatever completed, including the request failed above.
	if err := h.deferSem.Acquire(context.Background(), 1); err == nil {
		h.pass()
		h.deferSem.Release(1)
	}

	h.mutex.Lock()
	h.freeBuffers()
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "controller removed",
		"host", h.name,
		"dead", dead)
}

// Name returns the configured hardware name.
func (h *Host) Name() string {
	return h.name
}

// Caps returns the decoded capabilities.
func (h *Host) Caps() Capabilities {
	return h.caps
}

// Limits returns the request limits derived at probe time.
func (h *Host) Limits() Limits {
	return h.limits
}

// Quirks returns both quirk sets.
func (h *Host) Quirks() (Quirks, Quirks2) {
	return h.quirks, h.quirks2
}

// State returns the dispatch state.
func (h *Host) State() DispatchState {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.state
}

// IsDead reports whether the controller was declared dead.
func (h *Host) IsDead() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.flags&flagDeviceDead != 0
}

// Stats returns a snapshot of the diagnostic counters.
func (h *Host) Stats() Stats {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	s := h.stats
	s.Errors = make(map[pkg.Status]uint64, len(h.stats.Errors))
	for k, v := range h.stats.Errors {
		s.Errors[k] = v
	}
	return s
}

// SetOnCardChange sets the callback for card insertion and removal. It is
// called from the deferred completion pass without the host lock held.
func (h *Host) SetOnCardChange(cb func(present bool)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onCardChange = cb
}

// CardPresent reports whether a card is inserted.
func (h *Host) CardPresent() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.cardPresentLocked()
}

func (h *Host) cardPresentLocked() bool {
	if h.flags&flagDeviceDead != 0 {
		return false
	}
	if h.hk.cardDetect != nil {
		return h.hk.cardDetect.CardPresent(h)
	}
	if h.quirks.Has(QuirkBrokenCardDetection) {
		return true
	}
	return h.io.read32(hal.RegPresentState)&hal.PresentCardPresent != 0
}

func (h *Host) checkReadOnly() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	var ro bool
	switch {
	case h.flags&flagDeviceDead != 0:
		ro = false
	case h.hk.readOnly != nil:
		ro = h.hk.readOnly.ReadOnly(h)
	default:
		// The pin level reads high when writing is allowed.
		ro = h.io.read32(hal.RegPresentState)&hal.PresentWriteProtect == 0
	}
	if h.quirks.Has(QuirkInvertedWriteProtect) {
		return !ro
	}
	return ro
}

// ReadOnly reports the card write protect state. Under
// QuirkUnstableRODetect the pin is sampled several times and the majority
// wins.
func (h *Host) ReadOnly() bool {
	if !h.quirks.Has(QuirkUnstableRODetect) {
		return h.checkReadOnly()
	}
	n := 0
	for i := 0; i < roSamples; i++ {
		if h.checkReadOnly() {
			n++
		}
		time.Sleep(roSampleInterval)
	}
	return n > roSamples/2
}

// HardwareReset toggles the card reset line through the platform.
func (h *Host) HardwareReset() error {
	if h.hk.hwReset == nil {
		return fmt.Errorf("%w: hardware reset", pkg.ErrNotSupported)
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.flags&flagDeviceDead != 0 {
		return pkg.ErrDeviceDead
	}
	h.hk.hwReset.HWReset(h)
	return nil
}

// DumpRegs logs every standard register.
func (h *Host) DumpRegs() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.dumpRegs()
}

func (h *Host) dumpRegs() {
	if !pkg.LogEnabled(pkg.ComponentHost, slog.LevelError) {
		return
	}
	hex32 := func(off uint16) string { return fmt.Sprintf("0x%08x", h.io.read32(off)) }
	hex16 := func(off uint16) string { return fmt.Sprintf("0x%04x", h.io.read16(off)) }
	hex8 := func(off uint16) string { return fmt.Sprintf("0x%02x", h.io.read8(off)) }

	pkg.LogError(pkg.ComponentHost, "register dump",
		"host", h.name,
		"sys_addr", hex32(hal.RegDMAAddress),
		"version", hex16(hal.RegHostVersion),
		"blk_size", hex16(hal.RegBlockSize),
		"blk_cnt", hex16(hal.RegBlockCount),
		"argument", hex32(hal.RegArgument),
		"trn_mode", hex16(hal.RegTransferMode),
		"command", hex16(hal.RegCommand),
		"present", hex32(hal.RegPresentState),
		"host_ctl", hex8(hal.RegHostControl),
		"power", hex8(hal.RegPowerControl),
		"blk_gap", hex8(hal.RegBlockGap),
		"wake_up", hex8(hal.RegWakeUp),
		"clock", hex16(hal.RegClockControl),
		"timeout", hex8(hal.RegTimeout),
		"int_stat", hex32(hal.RegIntStatus),
		"int_enab", hex32(hal.RegIntEnable),
		"sig_enab", hex32(hal.RegSignalEnable),
		"acmd_stat", hex16(hal.RegAutoCmdStatus),
		"host_ctl2", hex16(hal.RegHostControl2),
		"caps", hex32(hal.RegCapabilities),
		"caps_1", hex32(hal.RegCapabilities1),
		"max_curr", hex32(hal.RegMaxCurrent),
		"resp0", hex32(hal.RegResponse),
		"resp1", hex32(hal.RegResponse+4),
		"resp2", hex32(hal.RegResponse+8),
		"resp3", hex32(hal.RegResponse+12),
		"adma_err", hex32(hal.RegADMAError),
		"adma_ptr", hex32(hal.RegADMAAddress),
		"adma_ptr_hi", hex32(hal.RegADMAAddressHi))
}
