package sim

import (
	"encoding/binary"
	"sync"

	"github.com/sigurn/crc8"

	"github.com/ardnew/sdhci/host/hal"
)

// BlockSize is the card data block size.
const BlockSize = 512

// crc7 is the SD command and register CRC. It is computed through the CRC-8
// engine with the polynomial shifted left by one bit, which leaves the
// 7-bit CRC in the upper bits of the result.
var crc7 = crc8.MakeTable(crc8.Params{
	Poly:   0x12,
	Init:   0x00,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x00,
	Check:  0xEA,
	Name:   "CRC-7/MMC",
})

// CRC7 returns the 7-bit CRC of data in the upper bits of a byte, with the
// end bit set, as it appears on the bus.
func CRC7(data []byte) byte {
	return crc8.Checksum(data, crc7) | 1
}

// CommandToken returns the 48-bit command token for opcode and arg.
func CommandToken(opcode uint8, arg uint32) [6]byte {
	var t [6]byte
	t[0] = 0x40 | opcode&0x3F
	binary.BigEndian.PutUint32(t[1:], arg)
	t[5] = CRC7(t[:5])
	return t
}

type cardState uint8

const (
	stateIdle cardState = iota
	stateReady
	stateIdent
	stateStandby
	stateTransfer
	stateData
	stateReceive
)

// Card status bits.
const (
	statusAppCmd       = 1 << 5
	statusReadyForData = 1 << 8
	statusOutOfRange   = 1 << 31
	statusStateShift   = 9
)

const (
	ocrBusy = 1 << 31
	ocrCCS  = 1 << 30
	ocrVDD  = 0x00FF8000
)

type respKind uint8

const (
	respNone respKind = iota
	respShort
	respLong
	respBusy
)

// result is the card side of one command.
type result struct {
	kind    respKind
	resp    uint32
	long    [16]byte
	timeout bool

	// read supplies the data of a read command, write consumes the data of a
	// write command.
	read  func(n int) []byte
	write func(p []byte)
}

// Card is a simulated high capacity SD memory card.
type Card struct {
	mutex sync.Mutex

	data     []byte
	readOnly bool

	state    cardState
	rca      uint16
	app      bool
	blockLen int
	count    uint32 // From CMD23, zero when open-ended

	cid [16]byte
	csd [16]byte
	scr [8]byte
}

// NewCard returns a card of the given number of blocks.
func NewCard(blocks int) *Card {
	c := &Card{
		data:     make([]byte, blocks*BlockSize),
		rca:      0x1234,
		blockLen: BlockSize,
	}

	// CID: manufacturer, OEM, product name, revision, serial, date.
	copy(c.cid[:], []byte{0x03, 'S', 'D', 'S', 'I', 'M', 'C', 'D', 0x10, 0x01, 0x02, 0x03, 0x04, 0x01, 0x4A})
	c.cid[15] = CRC7(c.cid[:15])

	// CSD version 2.0 with C_SIZE in 512 KiB units.
	csize := uint32(blocks/1024) - 1
	if blocks < 1024 {
		csize = 0
	}
	c.csd[0] = 0x40
	c.csd[1] = 0x0E
	c.csd[3] = 0x32 // 25 MHz transfer speed
	c.csd[4] = 0x5B
	c.csd[5] = 0x59 // READ_BL_LEN 9
	c.csd[7] = byte(csize >> 16 & 0x3F)
	c.csd[8] = byte(csize >> 8)
	c.csd[9] = byte(csize)
	c.csd[10] = 0x7F
	c.csd[11] = 0x80
	c.csd[12] = 0x0A
	c.csd[13] = 0x40
	c.csd[15] = CRC7(c.csd[:15])

	// SCR: SD 3.0, 1 and 4 bit bus, CMD23 supported.
	c.scr = [8]byte{0x02, 0x35, 0x80, 0x03}
	return c
}

// SetReadOnly sets the write protect switch.
func (c *Card) SetReadOnly(ro bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.readOnly = ro
}

// ReadOnly reports the write protect switch.
func (c *Card) ReadOnly() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.readOnly
}

// Blocks returns the capacity in blocks.
func (c *Card) Blocks() int {
	return len(c.data) / BlockSize
}

// CID returns the card identification register.
func (c *Card) CID() [16]byte {
	return c.cid
}

// CSD returns the card specific data register.
func (c *Card) CSD() [16]byte {
	return c.csd
}

// ReadBlocks copies block data starting at lba into p.
func (c *Card) ReadBlocks(lba int, p []byte) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	off := lba * BlockSize
	if off >= len(c.data) {
		return 0
	}
	return copy(p, c.data[off:])
}

// WriteBlocks stores p starting at lba.
func (c *Card) WriteBlocks(lba int, p []byte) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	off := lba * BlockSize
	if off >= len(c.data) {
		return 0
	}
	return copy(c.data[off:], p)
}

func (c *Card) status() uint32 {
	s := uint32(c.state)<<statusStateShift | statusReadyForData
	if c.app {
		s |= statusAppCmd
	}
	return s
}

func (c *Card) inRange(lba uint32, n int) bool {
	return int(lba)*BlockSize+n <= len(c.data)
}

// command runs one command. The caller holds the controller lock; the card
// lock guards the storage only.
func (c *Card) command(op uint8, arg uint32) result {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	app := c.app
	c.app = false
	if app {
		if r, ok := c.appCommand(op, arg); ok {
			return r
		}
	}

	switch op {
	case hal.OpGoIdle:
		c.state = stateIdle
		c.count = 0
		return result{kind: respNone}

	case hal.OpSendIfCond:
		return result{kind: respShort, resp: arg & 0xFFF}

	case hal.OpAppCmd:
		c.app = true
		return result{kind: respShort, resp: c.status() | statusAppCmd}

	case hal.OpAllSendCID:
		c.state = stateIdent
		return result{kind: respLong, long: c.cid}

	case hal.OpSendRelativeAddr:
		c.state = stateStandby
		return result{kind: respShort, resp: uint32(c.rca)<<16 | c.status()&0x1FFF}

	case hal.OpSendCSD:
		return result{kind: respLong, long: c.csd}

	case hal.OpSelectCard:
		if uint16(arg>>16) == c.rca {
			c.state = stateTransfer
		} else {
			c.state = stateStandby
		}
		return result{kind: respBusy, resp: c.status()}

	case hal.OpSendStatus:
		return result{kind: respShort, resp: c.status()}

	case hal.OpSetBlockLen:
		c.blockLen = int(arg)
		return result{kind: respShort, resp: c.status()}

	case hal.OpSetBlockCount:
		c.count = arg & 0xFFFF
		return result{kind: respShort, resp: c.status()}

	case hal.OpStopTransmission:
		c.state = stateTransfer
		c.count = 0
		return result{kind: respBusy, resp: c.status()}

	case hal.OpSwitch:
		status := make([]byte, 64)
		status[13] = 0x03 // Default and high speed supported
		status[16] = byte(arg & 0xF)
		return result{kind: respShort, resp: c.status(), read: fixed(status)}

	case hal.OpSendTuningBlock:
		return result{kind: respShort, resp: c.status(), read: fixed(hal.TuningBlock4Bit[:])}

	case hal.OpSendTuningHS200:
		return result{kind: respShort, resp: c.status(), read: fixed(hal.TuningBlock8Bit[:])}

	case hal.OpReadSingleBlock, hal.OpReadMultipleBlock:
		lba := arg
		resp := c.status()
		if !c.inRange(lba, BlockSize) {
			resp |= statusOutOfRange
		}
		c.state = stateData
		return result{kind: respShort, resp: resp, read: func(n int) []byte {
			c.mutex.Lock()
			defer c.mutex.Unlock()
			p := make([]byte, n)
			if c.inRange(lba, n) {
				copy(p, c.data[int(lba)*BlockSize:])
			}
			c.state = stateTransfer
			c.count = 0
			return p
		}}

	case hal.OpWriteBlock, hal.OpWriteMultiBlock:
		lba := arg
		resp := c.status()
		if !c.inRange(lba, BlockSize) {
			resp |= statusOutOfRange
		}
		c.state = stateReceive
		return result{kind: respShort, resp: resp, write: func(p []byte) {
			c.mutex.Lock()
			defer c.mutex.Unlock()
			if !c.readOnly && c.inRange(lba, len(p)) {
				copy(c.data[int(lba)*BlockSize:], p)
			}
			c.state = stateTransfer
			c.count = 0
		}}
	}

	return result{timeout: true}
}

func (c *Card) appCommand(op uint8, arg uint32) (result, bool) {
	switch op {
	case hal.OpAppSendOpCond:
		c.state = stateReady
		return result{kind: respShort, resp: ocrBusy | ocrCCS | ocrVDD}, true
	case hal.OpAppSetBusWidth:
		return result{kind: respShort, resp: c.status() | statusAppCmd}, true
	case hal.OpAppSendSCR:
		return result{kind: respShort, resp: c.status() | statusAppCmd, read: fixed(c.scr[:])}, true
	}
	return result{}, false
}

func fixed(p []byte) func(n int) []byte {
	return func(n int) []byte {
		out := make([]byte, n)
		copy(out, p)
		return out
	}
}
