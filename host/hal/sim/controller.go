package sim

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/ardnew/sdhci/host/hal"
	"github.com/ardnew/sdhci/pkg"
)

// Fault injects controller misbehavior.
type Fault uint32

// Faults.
const (
	FaultSilent           Fault = 1 << iota // Commands are latched but never complete
	FaultHangReset                          // Software reset bits never clear
	FaultCommandCRC                         // Command responses fail CRC
	FaultCommandTimeout                     // Commands get no response
	FaultDataCRC                            // Data phases fail CRC
	FaultDataEarly                          // Transfer complete precedes the response
	FaultBusyFirst                          // Busy end precedes the response
	FaultTuningFail                         // Tuning never locks
	FaultRemoveDuringData                   // Card is pulled when a data phase starts
	FaultClockUnstable                      // Internal clock never stabilizes
	FaultAutoCMD                            // Auto commands fail
)

// Default register contents: SD Host Controller 3.00 with a 200 MHz base
// clock, a 1 MHz timeout clock, 8-bit bus, SDMA, 64-bit ADMA2 and UHS-I.
const (
	DefaultVersion = hal.Spec300
	DefaultCaps    = 200<<hal.CapClockBaseShift | hal.CapTimeoutClkUnit | 1 |
		hal.Cap8Bit | hal.CapADMA2 | hal.CapHiSpeed | hal.CapSDMA |
		hal.CapVDD330 | hal.CapVDD180 | hal.Cap64Bit
	DefaultCaps1      = hal.Cap1SDR50 | hal.Cap1SDR104 | hal.Cap1DDR50 | hal.Cap1SDR50Tuning
	DefaultMaxCurrent = 0x404040

	// DefaultCapsV2 replaces the base clock with 50 MHz, which fits the
	// 6-bit field of controllers before 3.00.
	DefaultCapsV2 = DefaultCaps&^hal.CapClockV3BaseMask | 50<<hal.CapClockBaseShift
)

const (
	// tuningLock is the number of tuning blocks after which tuning
	// succeeds; tuningGiveUp is where a failing search ends.
	tuningLock   = 4
	tuningGiveUp = 8

	// maxIRQRetries bounds handler calls per wake-up while the line stays
	// asserted.
	maxIRQRetries = 8

	maxADMAEntries = 4096
)

// Config selects the register contents of a simulated controller.
type Config struct {
	// Version is the host version register. Zero selects DefaultVersion.
	Version uint16

	// Caps and Caps1 are the capability registers. Zero selects the
	// defaults, DefaultCapsV2 for a version below 3.00.
	Caps  uint32
	Caps1 uint32

	// MaxCurrent is the maximum current register.
	MaxCurrent uint32

	// Memory is the bus address space DMA operates on. When nil a 64-bit
	// space is created.
	Memory *Memory

	// Card is inserted at start when set.
	Card *Card
}

type transfer struct {
	op     uint8
	read   bool
	bs     int
	blocks int
	done   int
	auto12 bool

	data []byte
	sink func([]byte)

	// SDMA progress.
	addr     uint64
	off      int
	boundary uint64
	waiting  bool
}

func (x *transfer) total() int {
	return x.bs * x.blocks
}

// Controller is a register-level SDHCI controller model implementing
// hal.Bus.
//
// Commands execute when the command register is written. Interrupts are
// delivered from a separate goroutine to the handler installed with
// SetIRQHandler, never from within a register access.
type Controller struct {
	mutex sync.Mutex

	regs   [hal.RegWindowSize]byte
	status uint32
	mem    *Memory
	card   *Card
	faults Fault

	handler func() bool

	cmdInhibit  bool
	dataInhibit bool
	rdReady     bool
	wrReady     bool
	fifo        []byte
	xfer        *transfer

	// gate holds back deferred until the host acknowledges it.
	gate     uint32
	deferred uint32

	tuneCount int
	writes    uint64
	history   []uint8
	lastToken [6]byte

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ hal.Bus = (*Controller)(nil)

// New returns a running simulated controller.
func New(cfg Config) *Controller {
	if cfg.Version == 0 {
		cfg.Version = DefaultVersion
	}
	if cfg.Caps == 0 {
		cfg.Caps = DefaultCaps
		if uint8(cfg.Version&hal.SpecVersionMask) < hal.Spec300 {
			cfg.Caps = DefaultCapsV2
		}
	}
	if cfg.Caps1 == 0 {
		cfg.Caps1 = DefaultCaps1
	}
	if cfg.MaxCurrent == 0 {
		cfg.MaxCurrent = DefaultMaxCurrent
	}
	if cfg.Memory == nil {
		cfg.Memory = NewMemory(64)
	}

	c := &Controller{
		mem:  cfg.Memory,
		card: cfg.Card,
		kick: make(chan struct{}, 1),
	}
	c.put32(hal.RegCapabilities, cfg.Caps)
	c.put32(hal.RegCapabilities1, cfg.Caps1)
	c.put32(hal.RegMaxCurrent, cfg.MaxCurrent)
	c.put16(hal.RegHostVersion, cfg.Version)

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)
	go c.run()

	pkg.LogDebug(pkg.ComponentSim, "controller started",
		"version", cfg.Version,
		"card", cfg.Card != nil)
	return c
}

// Close stops interrupt delivery.
func (c *Controller) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

// Memory returns the bus address space.
func (c *Controller) Memory() *Memory {
	return c.mem
}

// SetIRQHandler installs the interrupt handler. It returns whether the
// interrupt was handled.
func (c *Controller) SetIRQHandler(fn func() bool) {
	c.mutex.Lock()
	c.handler = fn
	c.mutex.Unlock()
	c.signal()
}

// SetFaults replaces the injected faults.
func (c *Controller) SetFaults(f Fault) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.faults = f
}

// Faults returns the injected faults.
func (c *Controller) Faults() Fault {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.faults
}

// Card returns the inserted card, or nil.
func (c *Controller) Card() *Card {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.card
}

// InsertCard inserts card and raises the insertion interrupt.
func (c *Controller) InsertCard(card *Card) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.card = card
	c.raise(hal.IntCardInsert)
}

// RemoveCard pulls the card. A transfer in progress stalls.
func (c *Controller) RemoveCard() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.card = nil
	c.raise(hal.IntCardRemove)
}

// Raise sets interrupt status bits as the hardware would.
func (c *Controller) Raise(bits uint32) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.raise(bits)
}

// Writes returns the number of register writes made so far.
func (c *Controller) Writes() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.writes
}

// Commands returns the opcodes of every command latched so far.
func (c *Controller) Commands() []uint8 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]uint8(nil), c.history...)
}

// LastToken returns the bus token of the last command latched.
func (c *Controller) LastToken() [6]byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.lastToken
}

// TuningCommands returns the tuning blocks sent since Execute Tuning was
// last set.
func (c *Controller) TuningCommands() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.tuneCount
}

func (c *Controller) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.kick:
		}
		for i := 0; i < maxIRQRetries; i++ {
			c.mutex.Lock()
			asserted := c.intStatus()&c.get32(hal.RegSignalEnable) != 0
			fn := c.handler
			c.mutex.Unlock()
			if !asserted || fn == nil || !fn() {
				break
			}
		}
	}
}

func (c *Controller) signal() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// raise latches bits enabled in the status enable register.
func (c *Controller) raise(bits uint32) {
	bits &= c.get32(hal.RegIntEnable)
	if bits == 0 {
		return
	}
	c.status |= bits
	c.signal()
}

// raiseAfter raises bits once the host acknowledges gate.
func (c *Controller) raiseAfter(gate, bits uint32) {
	c.gate |= gate
	c.deferred |= bits
}

func (c *Controller) intStatus() uint32 {
	s := c.status &^ hal.IntError
	if s&hal.IntErrorMask != 0 {
		s |= hal.IntError
	}
	return s
}

func (c *Controller) present() uint32 {
	var v uint32 = hal.PresentDataLvlMask | hal.PresentCmdLvl | hal.PresentCardStable
	if c.cmdInhibit {
		v |= hal.PresentCmdInhibit
	}
	if c.dataInhibit {
		v |= hal.PresentDataInhibit
	}
	if c.rdReady {
		v |= hal.PresentDataAvail | hal.PresentDoingRead
	}
	if c.wrReady {
		v |= hal.PresentSpaceAvail | hal.PresentDoingWrite
	}
	if c.card != nil {
		v |= hal.PresentCardPresent | hal.PresentCardDetectLvl
		// The pin reads high when writing is allowed.
		if !c.card.ReadOnly() {
			v |= hal.PresentWriteProtect
		}
	}
	return v
}

func (c *Controller) get16(off uint16) uint16 {
	return binary.LittleEndian.Uint16(c.regs[off:])
}

func (c *Controller) get32(off uint16) uint32 {
	return binary.LittleEndian.Uint32(c.regs[off:])
}

func (c *Controller) put16(off uint16, v uint16) {
	binary.LittleEndian.PutUint16(c.regs[off:], v)
}

func (c *Controller) put32(off uint16, v uint32) {
	binary.LittleEndian.PutUint32(c.regs[off:], v)
}

// Read8 reads a byte register.
func (c *Controller) Read8(offset uint16) uint8 { return uint8(c.read(offset, 1)) }

// Read16 reads a half-word register.
func (c *Controller) Read16(offset uint16) uint16 { return uint16(c.read(offset, 2)) }

// Read32 reads a word register.
func (c *Controller) Read32(offset uint16) uint32 { return c.read(offset, 4) }

// Write8 writes a byte register.
func (c *Controller) Write8(offset uint16, value uint8) { c.write(offset, 1, uint32(value)) }

// Write16 writes a half-word register.
func (c *Controller) Write16(offset uint16, value uint16) { c.write(offset, 2, uint32(value)) }

// Write32 writes a word register.
func (c *Controller) Write32(offset uint16, value uint32) { c.write(offset, 4, value) }

func within(off uint16, size int, lo, hi uint16) bool {
	end := off + uint16(size)
	return off < hi && end > lo
}

func (c *Controller) read(off uint16, size int) uint32 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if int(off)+size > hal.RegWindowSize {
		return 0
	}
	if within(off, size, hal.RegBuffer, hal.RegBuffer+4) {
		return c.popBuffer(size)
	}
	var v uint32
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint32(c.readByte(off+uint16(i)))
	}
	return v
}

func (c *Controller) readByte(o uint16) uint8 {
	switch {
	case o >= hal.RegIntStatus && o < hal.RegIntStatus+4:
		return uint8(c.intStatus() >> ((o - hal.RegIntStatus) * 8))
	case o >= hal.RegPresentState && o < hal.RegPresentState+4:
		return uint8(c.present() >> ((o - hal.RegPresentState) * 8))
	}
	return c.regs[o]
}

func readOnly(o uint16) bool {
	switch {
	case o >= hal.RegResponse && o < hal.RegBuffer,
		o >= hal.RegPresentState && o < hal.RegPresentState+4,
		o >= hal.RegAutoCmdStatus && o < hal.RegAutoCmdStatus+2,
		o >= hal.RegCapabilities && o < hal.RegSetACMD12Err,
		o >= hal.RegADMAError && o < hal.RegADMAError+4,
		o >= hal.RegSlotIntStatus:
		return true
	}
	return false
}

func (c *Controller) write(off uint16, size int, v uint32) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.writes++
	if int(off)+size > hal.RegWindowSize {
		return
	}
	if within(off, size, hal.RegBuffer, hal.RegBuffer+4) {
		c.pushBuffer(v, size)
		return
	}

	prevCtrl2 := c.get16(hal.RegHostControl2)
	for i := 0; i < size; i++ {
		o := off + uint16(i)
		b := uint8(v >> (8 * i))
		switch {
		case o >= hal.RegIntStatus && o < hal.RegIntStatus+4:
			c.status &^= uint32(b) << ((o - hal.RegIntStatus) * 8)
		case readOnly(o):
		default:
			c.regs[o] = b
		}
	}

	if within(off, size, hal.RegSoftwareReset, hal.RegSoftwareReset+1) {
		c.reset(c.regs[hal.RegSoftwareReset])
	}
	if within(off, size, hal.RegClockControl, hal.RegClockControl+2) {
		c.updateClock()
	}
	if within(off, size, hal.RegHostControl2, hal.RegHostControl2+2) {
		ctrl2 := c.get16(hal.RegHostControl2)
		if ctrl2&hal.Ctrl2ExecTuning != 0 && prevCtrl2&hal.Ctrl2ExecTuning == 0 {
			c.tuneCount = 0
		}
	}
	if within(off, size, hal.RegIntStatus, hal.RegIntStatus+4) && c.gate != 0 && c.status&c.gate == 0 {
		bits := c.deferred
		c.gate, c.deferred = 0, 0
		c.raise(bits)
	}
	if within(off, size, hal.RegIntEnable, hal.RegSignalEnable+4) {
		c.signal()
	}
	if within(off, size, hal.RegDMAAddress, hal.RegDMAAddress+4) && c.xfer != nil && c.xfer.waiting {
		c.xfer.waiting = false
		c.xfer.addr = uint64(c.get32(hal.RegDMAAddress))
		c.runSDMA(c.xfer)
	}
	if within(off, size, hal.RegCommand+1, hal.RegCommand+2) {
		c.command()
	}
}

func (c *Controller) reset(mask uint8) {
	if c.faults&FaultHangReset != 0 {
		return
	}
	c.regs[hal.RegSoftwareReset] = 0

	if mask&hal.ResetAll != 0 {
		var keep [hal.RegWindowSize]byte
		copy(keep[hal.RegCapabilities:hal.RegSetACMD12Err], c.regs[hal.RegCapabilities:hal.RegSetACMD12Err])
		copy(keep[hal.RegHostVersion:], c.regs[hal.RegHostVersion:])
		c.regs = keep
		c.status = 0
		c.gate, c.deferred = 0, 0
		mask |= hal.ResetCmd | hal.ResetData
	}
	if mask&hal.ResetCmd != 0 {
		c.cmdInhibit = false
		c.status &^= hal.IntCmdMask
	}
	if mask&hal.ResetData != 0 {
		c.dataInhibit = false
		c.rdReady, c.wrReady = false, false
		c.fifo = nil
		c.xfer = nil
		c.status &^= hal.IntDataMask
	}
}

func (c *Controller) updateClock() {
	clk := c.get16(hal.RegClockControl)
	if clk&hal.ClockIntEn != 0 && c.faults&FaultClockUnstable == 0 {
		clk |= hal.ClockIntStable
	} else {
		clk &^= hal.ClockIntStable
	}
	c.put16(hal.RegClockControl, clk)
}

func (c *Controller) command() {
	reg := c.get16(hal.RegCommand)
	op, flags := uint8(reg>>8), uint8(reg)
	arg := c.get32(hal.RegArgument)
	mode := c.get16(hal.RegTransferMode)

	c.history = append(c.history, op)
	c.lastToken = CommandToken(op, arg)

	hasData := flags&hal.CmdData != 0
	busy := flags&hal.CmdRespMask == hal.CmdRespShortBusy
	c.cmdInhibit = true
	if hasData || busy {
		c.dataInhibit = true
	}

	if c.faults&FaultSilent != 0 {
		return
	}

	fail := func(bits uint32) {
		c.cmdInhibit, c.dataInhibit = false, false
		c.raise(bits)
	}

	if c.card == nil || c.get16(hal.RegClockControl)&hal.ClockCardEn == 0 {
		fail(hal.IntTimeout)
		return
	}
	if hal.IsTuningOpcode(op) && c.get16(hal.RegHostControl2)&hal.Ctrl2ExecTuning != 0 {
		c.tuning(op)
		return
	}
	// A tuning block left in the buffer is discarded by the next command.
	c.rdReady = false
	c.fifo = nil
	if c.faults&FaultCommandTimeout != 0 {
		fail(hal.IntTimeout)
		return
	}

	multi := mode&hal.TransferMulti != 0
	if hasData && multi && mode&hal.TransferACMD23 != 0 {
		if c.faults&FaultAutoCMD != 0 {
			c.put16(hal.RegAutoCmdStatus, hal.AutoCmdTimeout)
			fail(hal.IntAutoCmdErr)
			return
		}
		c.card.command(hal.OpSetBlockCount, c.get32(hal.RegArgument2))
	}

	r := c.card.command(op, arg)
	if r.timeout {
		fail(hal.IntTimeout)
		return
	}
	if c.faults&FaultCommandCRC != 0 {
		fail(hal.IntCRC)
		return
	}

	c.storeResponse(r)
	c.cmdInhibit = false

	switch {
	case hasData:
		if c.faults&FaultDataEarly == 0 {
			c.raise(hal.IntResponse)
		}
		c.startData(op, mode, r)
	case busy:
		c.dataInhibit = false
		if c.faults&FaultBusyFirst != 0 {
			c.raise(hal.IntDataEnd)
			c.raiseAfter(hal.IntDataEnd, hal.IntResponse)
		} else {
			c.raise(hal.IntResponse | hal.IntDataEnd)
		}
	default:
		c.raise(hal.IntResponse)
	}
}

// storeResponse fills the response registers. A long response is stored
// without its CRC byte.
func (c *Controller) storeResponse(r result) {
	switch r.kind {
	case respNone:
	case respLong:
		for i := 0; i < 15; i++ {
			c.regs[hal.RegResponse+uint16(i)] = r.long[14-i]
		}
		c.regs[hal.RegResponse+15] = 0
	default:
		c.put32(hal.RegResponse, r.resp)
	}
}

func (c *Controller) tuning(op uint8) {
	c.cmdInhibit, c.dataInhibit = false, false
	c.tuneCount++

	bs := int(c.get16(hal.RegBlockSize) & hal.BlockSizeMask)
	pattern := hal.TuningBlock4Bit[:]
	if op == hal.OpSendTuningHS200 && bs == len(hal.TuningBlock8Bit) {
		pattern = hal.TuningBlock8Bit[:]
	}
	c.fifo = append([]byte(nil), pattern...)
	if c.faults&FaultTuningFail != 0 {
		c.fifo[0] ^= 0xFF
	}
	c.rdReady = true
	c.xfer = nil

	ctrl2 := c.get16(hal.RegHostControl2)
	switch {
	case c.faults&FaultTuningFail == 0 && c.tuneCount >= tuningLock:
		ctrl2 = ctrl2&^hal.Ctrl2ExecTuning | hal.Ctrl2TunedClk
	case c.faults&FaultTuningFail != 0 && c.tuneCount >= tuningGiveUp:
		ctrl2 &^= hal.Ctrl2ExecTuning | hal.Ctrl2TunedClk
	}
	c.put16(hal.RegHostControl2, ctrl2)

	c.raise(hal.IntResponse | hal.IntDataAvail)
}

func (c *Controller) startData(op uint8, mode uint16, r result) {
	bsReg := c.get16(hal.RegBlockSize)
	x := &transfer{
		op:       op,
		read:     mode&hal.TransferRead != 0,
		bs:       int(bsReg & hal.BlockSizeMask),
		blocks:   1,
		auto12:   mode&hal.TransferMulti != 0 && mode&hal.TransferACMD12 != 0,
		boundary: 4096 << (bsReg >> 12 & 0x7),
	}
	if mode&hal.TransferMulti != 0 {
		x.blocks = int(c.get16(hal.RegBlockCount))
	}
	if x.bs == 0 || x.blocks == 0 || (x.read && r.read == nil) || (!x.read && r.write == nil) {
		c.dataInhibit = false
		c.raise(hal.IntDataTimeout)
		return
	}
	if x.read {
		x.data = r.read(x.total())
	} else {
		x.sink = r.write
		x.data = make([]byte, 0, x.total())
	}
	c.xfer = x

	if c.faults&FaultRemoveDuringData != 0 {
		c.card = nil
		c.raise(hal.IntCardRemove)
		return
	}

	if mode&hal.TransferDMA == 0 {
		if x.read {
			c.loadBlock(x)
		} else {
			c.wrReady = true
			c.raise(hal.IntSpaceAvail)
		}
		return
	}

	switch c.regs[hal.RegHostControl] & hal.CtrlDMAMask {
	case hal.CtrlSDMA:
		x.addr = uint64(c.get32(hal.RegDMAAddress))
		c.runSDMA(x)
	case hal.CtrlADMA32:
		c.runADMA(x, false)
	case hal.CtrlADMA64:
		c.runADMA(x, true)
	default:
		c.admaError(0)
	}
}

func (c *Controller) loadBlock(x *transfer) {
	c.fifo = append(c.fifo[:0], x.data[x.done*x.bs:(x.done+1)*x.bs]...)
	c.rdReady = true
	c.raise(hal.IntDataAvail)
}

func (c *Controller) popBuffer(size int) uint32 {
	if !c.rdReady {
		return 0
	}
	var v uint32
	for i := 0; i < size && len(c.fifo) > 0; i++ {
		v |= uint32(c.fifo[0]) << (8 * i)
		c.fifo = c.fifo[1:]
	}
	if len(c.fifo) > 0 {
		return v
	}
	c.rdReady = false
	if x := c.xfer; x != nil && x.read {
		x.done++
		if x.done < x.blocks {
			c.loadBlock(x)
		} else {
			c.finishData(x)
		}
	}
	return v
}

func (c *Controller) pushBuffer(v uint32, size int) {
	x := c.xfer
	if !c.wrReady || x == nil || x.read {
		return
	}
	for i := 0; i < size && len(x.data) < (x.done+1)*x.bs; i++ {
		x.data = append(x.data, byte(v>>(8*i)))
	}
	if len(x.data) < (x.done+1)*x.bs {
		return
	}
	x.done++
	if x.done < x.blocks {
		c.raise(hal.IntSpaceAvail)
		return
	}
	c.wrReady = false
	c.finishData(x)
}

// runSDMA moves data until the transfer ends or the next buffer boundary,
// where it pauses until the host writes the next address.
func (c *Controller) runSDMA(x *transfer) {
	for x.off < x.total() {
		next := x.addr&^(x.boundary-1) + x.boundary
		n := min(uint64(x.total()-x.off), next-x.addr)
		mem, err := c.mem.Slice(x.addr, int(n))
		if err != nil {
			pkg.LogWarn(pkg.ComponentSim, "SDMA to unmapped memory",
				"addr", x.addr,
				"error", err)
			c.xfer = nil
			c.dataInhibit = false
			c.raise(hal.IntDataTimeout)
			return
		}
		if x.read {
			copy(mem, x.data[x.off:])
		} else {
			x.data = append(x.data, mem...)
		}
		x.off += int(n)
		x.addr += n
		if x.off < x.total() {
			x.waiting = true
			c.raise(hal.IntDMAEnd)
			return
		}
	}
	c.finishData(x)
}

func (c *Controller) runADMA(x *transfer, is64 bool) {
	base := uint64(c.get32(hal.RegADMAAddress))
	sz := hal.ADMA2Desc32Size
	if is64 {
		base |= uint64(c.get32(hal.RegADMAAddressHi)) << 32
		sz = hal.ADMA2Desc64Size
	}

	off := 0
	for i := 0; ; i++ {
		if i == maxADMAEntries {
			c.admaError(0)
			return
		}
		d, err := c.mem.Slice(base+uint64(i*sz), sz)
		if err != nil {
			c.admaError(0)
			return
		}
		attr := binary.LittleEndian.Uint16(d[0:])
		n := int(binary.LittleEndian.Uint16(d[2:]))
		if n == 0 {
			n = hal.ADMA2MaxLen
		}
		addr := uint64(binary.LittleEndian.Uint32(d[4:]))
		if is64 {
			addr |= uint64(binary.LittleEndian.Uint32(d[8:])) << 32
		}
		if attr&hal.ADMA2AttrValid == 0 {
			c.admaError(0)
			return
		}

		switch attr & 0x30 {
		case hal.ADMA2ActTran:
			if off+n > x.total() {
				c.admaError(hal.ADMAErrLength)
				return
			}
			mem, err := c.mem.Slice(addr, n)
			if err != nil {
				c.admaError(0)
				return
			}
			if x.read {
				copy(mem, x.data[off:])
			} else {
				x.data = append(x.data, mem...)
			}
			off += n
		case hal.ADMA2ActNop:
		default:
			c.admaError(0)
			return
		}
		if attr&hal.ADMA2AttrEnd != 0 {
			break
		}
	}

	if off != x.total() {
		c.admaError(hal.ADMAErrLength)
		return
	}
	c.finishData(x)
}

func (c *Controller) admaError(state uint8) {
	c.regs[hal.RegADMAError] = state
	c.xfer = nil
	c.dataInhibit = false
	c.raise(hal.IntADMAError)
}

func (c *Controller) finishData(x *transfer) {
	c.xfer = nil
	c.dataInhibit = false

	if c.faults&FaultDataCRC != 0 {
		c.raise(hal.IntDataCRC)
		return
	}
	if !x.read {
		x.sink(x.data)
	}

	if x.auto12 && c.card != nil {
		if c.faults&FaultAutoCMD != 0 {
			c.put16(hal.RegAutoCmdStatus, hal.AutoCmdTimeout)
			c.raise(hal.IntAutoCmdErr)
			return
		}
		r := c.card.command(hal.OpStopTransmission, 0)
		c.put32(hal.RegResponse+12, r.resp)
	}

	c.raise(hal.IntDataEnd)
	if c.faults&FaultDataEarly != 0 {
		c.raiseAfter(hal.IntDataEnd, hal.IntResponse)
	}
}
