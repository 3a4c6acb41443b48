package host

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/sdhci/host/hal"
	"github.com/ardnew/sdhci/pkg"
)

// ADMAConfig selects the descriptor format and chain limits.
type ADMAConfig struct {
	// Is64 selects 12-byte entries with a 64-bit address.
	Is64 bool

	// NoEndNop marks the last transfer entry END instead of appending a
	// terminal NOP entry.
	NoEndNop bool

	// MaxEntryLen is the longest fragment one entry may describe. Longer
	// fragments are split. Zero selects hal.ADMA2MaxLen.
	MaxEntryLen int

	// MaxSegments bounds the number of entries in a chain, the terminal
	// entry included. Zero selects MaxSegments.
	MaxSegments int
}

func (c ADMAConfig) descSize() int {
	if c.Is64 {
		return hal.ADMA2Desc64Size
	}
	return hal.ADMA2Desc32Size
}

func (c ADMAConfig) maxEntryLen() int {
	if c.MaxEntryLen <= 0 || c.MaxEntryLen > hal.ADMA2MaxLen {
		return hal.ADMA2MaxLen
	}
	return c.MaxEntryLen
}

func (c ADMAConfig) maxSegments() int {
	if c.MaxSegments <= 0 {
		return MaxSegments
	}
	return c.MaxSegments
}

// MaxTransfers returns how many transfer entries fit within the segment
// limit once the terminal entry is accounted for.
func (c ADMAConfig) MaxTransfers() int {
	if c.NoEndNop {
		return c.maxSegments()
	}
	return c.maxSegments() - 1
}

// TableSize returns the descriptor table size for the configured segment
// limit.
func (c ADMAConfig) TableSize() int {
	return c.maxSegments() * c.descSize()
}

// BounceSlot records a fragment routed through the bounce buffer.
type BounceSlot struct {
	Seg int // Index into the segment list
	Off int // Offset into the bounce buffer
	Len int // Fragment length
}

// ADMAChain is the result of building a descriptor chain.
type ADMAChain struct {
	// Entries is the number of entries written, terminal entry included.
	Entries int

	// Bounced lists fragments staged in the bounce buffer, in order.
	Bounced []BounceSlot

	// BounceBytes is the bounce buffer space used.
	BounceBytes int
}

// needsBounce reports whether seg cannot be described directly.
func (c ADMAConfig) needsBounce(seg hal.Segment) bool {
	if !isAligned(seg.Addr, hal.ADMA2Align) {
		return true
	}
	return !c.Is64 && seg.Addr+uint64(seg.Len) > 1<<32
}

// BounceNeed returns the bounce buffer space BuildADMA will use for segs.
func BounceNeed(segs []hal.Segment, cfg ADMAConfig) int {
	need := 0
	for _, seg := range segs {
		if cfg.needsBounce(seg) {
			need = alignUp(need, hal.ADMA2Align) + seg.Len
		}
	}
	return alignUp(need, hal.ADMA2Align)
}

// BuildADMA writes an ADMA2 descriptor chain for segs into table.
//
// Every fragment length must be 4-byte aligned. Fragments whose address
// breaks the alignment rule, or lies beyond 4 GiB in 32-bit mode, are not
// split. They are staged whole in bounce, each at a
// 4-byte aligned offset. When toDevice is set their data is copied in.
// Reads are copied back with CopyBack after the transfer.
func BuildADMA(table []byte, segs []hal.Segment, bounce *hal.Region, cfg ADMAConfig, toDevice bool) (ADMAChain, error) {
	var chain ADMAChain
	if len(segs) == 0 {
		return chain, fmt.Errorf("%w: empty scatter list", pkg.ErrInvalidRequest)
	}

	sz := cfg.descSize()
	maxLen := cfg.maxEntryLen()
	maxSegs := cfg.maxSegments()
	maxTransfers := cfg.MaxTransfers()

	pos := 0
	transfers := 0
	emit := func(addr uint64, n int) error {
		for n > 0 {
			chunk := min(n, maxLen)
			if transfers >= maxTransfers {
				return fmt.Errorf("%w: more than %d descriptor entries", pkg.ErrTooManySegments, maxSegs)
			}
			if pos+sz > len(table) {
				return fmt.Errorf("%w: descriptor table of %d bytes exhausted", pkg.ErrTooManySegments, len(table))
			}
			writeDesc(table[pos:pos+sz], hal.ADMA2TranValid, addr, chunk, cfg.Is64)
			pos += sz
			transfers++
			addr += uint64(chunk)
			n -= chunk
		}
		return nil
	}

	for i, seg := range segs {
		if seg.Len <= 0 {
			return ADMAChain{}, fmt.Errorf("%w: segment %d has length %d", pkg.ErrInvalidRequest, i, seg.Len)
		}
		if !isAligned(seg.Len, hal.ADMA2Align) {
			return ADMAChain{}, fmt.Errorf("%w: segment %d length %d not %d-byte aligned", pkg.ErrInvalidRequest, i, seg.Len, hal.ADMA2Align)
		}
		addr := seg.Addr
		if cfg.needsBounce(seg) {
			if bounce == nil {
				return ADMAChain{}, fmt.Errorf("%w: segment %d needs a bounce buffer", pkg.ErrNoDMA, i)
			}
			off := alignUp(chain.BounceBytes, hal.ADMA2Align)
			if off+seg.Len > len(bounce.Buf) {
				return ADMAChain{}, fmt.Errorf("%w: bounce buffer of %d bytes too small", pkg.ErrInvalidRequest, len(bounce.Buf))
			}
			if toDevice {
				copy(bounce.Buf[off:off+seg.Len], seg.Buf)
			}
			chain.Bounced = append(chain.Bounced, BounceSlot{Seg: i, Off: off, Len: seg.Len})
			chain.BounceBytes = off + seg.Len
			addr = bounce.Addr + uint64(off)
		}
		if err := emit(addr, seg.Len); err != nil {
			return ADMAChain{}, err
		}
	}

	if cfg.NoEndNop {
		last := table[pos-sz:]
		attr := binary.LittleEndian.Uint16(last)
		binary.LittleEndian.PutUint16(last, attr|hal.ADMA2End)
	} else {
		if pos+sz > len(table) {
			return ADMAChain{}, fmt.Errorf("%w: no room for terminal entry", pkg.ErrTooManySegments)
		}
		writeDesc(table[pos:pos+sz], hal.ADMA2NopEndValid, 0, 0, cfg.Is64)
		pos += sz
	}

	chain.Entries = pos / sz
	chain.BounceBytes = alignUp(chain.BounceBytes, hal.ADMA2Align)
	return chain, nil
}

// CopyBack copies bounced read data from bounce into the caller fragments.
func (c ADMAChain) CopyBack(segs []hal.Segment, bounce *hal.Region) {
	for _, s := range c.Bounced {
		copy(segs[s.Seg].Buf[:s.Len], bounce.Buf[s.Off:s.Off+s.Len])
	}
}

func writeDesc(b []byte, attr uint16, addr uint64, n int, is64 bool) {
	binary.LittleEndian.PutUint16(b[0:], attr)
	// A length of 65536 does not fit and is encoded as zero.
	binary.LittleEndian.PutUint16(b[2:], uint16(n))
	binary.LittleEndian.PutUint32(b[4:], uint32(addr))
	if is64 {
		binary.LittleEndian.PutUint32(b[8:], uint32(addr>>32))
	}
}

// Descriptor is one decoded transfer entry.
type Descriptor struct {
	Attr uint16
	Addr uint64
	Len  int
}

// ParseADMA decodes a descriptor chain and returns its transfer entries.
// The chain must end with an entry carrying the END attribute.
func ParseADMA(table []byte, is64 bool) ([]Descriptor, error) {
	sz := hal.ADMA2Desc32Size
	if is64 {
		sz = hal.ADMA2Desc64Size
	}

	var out []Descriptor
	for pos := 0; pos+sz <= len(table); pos += sz {
		b := table[pos : pos+sz]
		attr := binary.LittleEndian.Uint16(b[0:])
		if attr&hal.ADMA2AttrValid == 0 {
			return nil, fmt.Errorf("%w: entry %d not valid", pkg.ErrADMA, pos/sz)
		}
		switch attr & 0x30 {
		case hal.ADMA2ActTran:
			n := int(binary.LittleEndian.Uint16(b[2:]))
			if n == 0 {
				n = hal.ADMA2MaxLen
			}
			addr := uint64(binary.LittleEndian.Uint32(b[4:]))
			if is64 {
				addr |= uint64(binary.LittleEndian.Uint32(b[8:])) << 32
			}
			out = append(out, Descriptor{Attr: attr, Addr: addr, Len: n})
		case hal.ADMA2ActNop:
		default:
			return nil, fmt.Errorf("%w: entry %d action 0x%02x", pkg.ErrNotSupported, pos/sz, attr&0x30)
		}
		if attr&hal.ADMA2AttrEnd != 0 {
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: chain has no end entry", pkg.ErrADMA)
}
