package sim

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ardnew/sdhci/host/hal"
	"github.com/ardnew/sdhci/pkg"
)

const (
	pageSize = 4096

	// allocBase is where coherent allocations start. It leaves page zero
	// unmapped so a zero address always faults.
	allocBase = 0x0010_0000

	// mapBase and mapBaseHigh are where streaming mappings start, below and
	// above 4 GiB.
	mapBase     = 0x4000_0000
	mapBaseHigh = 0x1_0000_0000
)

type region struct {
	addr   uint64
	buf    []byte
	mapped bool
}

// Memory is a simulated bus address space implementing hal.DMA.
//
// Coherent allocations and streaming mappings get synthetic bus addresses.
// A mapping aliases the caller buffer, so controller writes land in it
// directly.
type Memory struct {
	mutex sync.Mutex

	bits    int
	regions []*region // Sorted by address
	nextA   uint64
	nextM   uint64

	mapOffset  int
	mapHigh    bool
	failAlloc  bool
	failMap    bool
	allocCount int
	mapCount   int
}

// NewMemory returns an address space of the given width in bits, 32 or 64.
func NewMemory(bits int) *Memory {
	if bits != 64 {
		bits = 32
	}
	return &Memory{
		bits:  bits,
		nextA: allocBase,
		nextM: mapBase,
	}
}

var _ hal.DMA = (*Memory)(nil)

// AddressBits returns the address width.
func (m *Memory) AddressBits() int {
	return m.bits
}

// SetMapOffset makes every following mapping start off bytes past a page
// boundary, which lets tests produce misaligned segments.
func (m *Memory) SetMapOffset(off int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.mapOffset = off % pageSize
}

// SetMapHigh places following mappings above 4 GiB. It is ignored on a
// 32-bit address space.
func (m *Memory) SetMapHigh(high bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.mapHigh = high && m.bits == 64
	if m.mapHigh && m.nextM < mapBaseHigh {
		m.nextM = mapBaseHigh
	}
	if !m.mapHigh && m.nextM >= mapBaseHigh {
		m.nextM = mapBase
	}
}

// FailAlloc makes Alloc fail while set.
func (m *Memory) FailAlloc(fail bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.failAlloc = fail
}

// FailMap makes Map fail while set.
func (m *Memory) FailMap(fail bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.failMap = fail
}

// Outstanding returns the number of live allocations and mappings.
func (m *Memory) Outstanding() (allocs, maps int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.allocCount, m.mapCount
}

func (m *Memory) insert(r *region) {
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].addr >= r.addr })
	m.regions = append(m.regions, nil)
	copy(m.regions[i+1:], m.regions[i:])
	m.regions[i] = r
}

func (m *Memory) remove(addr uint64) bool {
	for i, r := range m.regions {
		if r.addr == addr {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			return true
		}
	}
	return false
}

// Alloc returns a page aligned coherent region below 4 GiB.
func (m *Memory) Alloc(size int) (*hal.Region, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if size <= 0 {
		return nil, fmt.Errorf("%w: allocation of %d bytes", pkg.ErrInvalidParameter, size)
	}
	if m.failAlloc {
		return nil, fmt.Errorf("%w: out of coherent memory", pkg.ErrIO)
	}
	span := uint64((size + pageSize - 1) &^ (pageSize - 1))
	if m.nextA+span > mapBase {
		return nil, fmt.Errorf("%w: coherent space exhausted", pkg.ErrIO)
	}
	r := &region{addr: m.nextA, buf: make([]byte, size)}
	// One guard page between regions.
	m.nextA += span + pageSize
	m.insert(r)
	m.allocCount++
	return &hal.Region{Buf: r.buf, Addr: r.addr}, nil
}

// Free releases a region returned by Alloc.
func (m *Memory) Free(r *hal.Region) {
	if r == nil {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.remove(r.Addr) {
		m.allocCount--
	}
}

// Map gives each buffer a bus address.
func (m *Memory) Map(bufs [][]byte, dir hal.Direction) ([]hal.Segment, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.failMap {
		return nil, fmt.Errorf("%w: mapping %s failed", pkg.ErrIO, dir)
	}
	segs := make([]hal.Segment, 0, len(bufs))
	for _, b := range bufs {
		addr := m.nextM + uint64(m.mapOffset)
		span := uint64((m.mapOffset + len(b) + pageSize - 1) &^ (pageSize - 1))
		m.nextM += span + pageSize
		m.insert(&region{addr: addr, buf: b, mapped: true})
		m.mapCount++
		segs = append(segs, hal.Segment{Addr: addr, Len: len(b), Buf: b})
	}
	return segs, nil
}

// Unmap releases mappings returned by Map.
func (m *Memory) Unmap(segs []hal.Segment, dir hal.Direction) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, s := range segs {
		if m.remove(s.Addr) {
			m.mapCount--
		}
	}
}

// Slice returns the CPU view of n bytes at bus address addr. The range must
// lie within one allocation or mapping.
func (m *Memory) Slice(addr uint64, n int) ([]byte, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].addr > addr })
	if i == 0 {
		return nil, fmt.Errorf("%w: bus address 0x%x not mapped", pkg.ErrIO, addr)
	}
	r := m.regions[i-1]
	off := addr - r.addr
	if off+uint64(n) > uint64(len(r.buf)) {
		return nil, fmt.Errorf("%w: bus range 0x%x+%d not mapped", pkg.ErrIO, addr, n)
	}
	return r.buf[off : off+uint64(n)], nil
}
