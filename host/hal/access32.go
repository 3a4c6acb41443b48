package hal

import "sync"

// Access32 adapts a register window that only tolerates 32-bit accesses.
//
// Narrow reads extract from the containing word. Narrow writes are
// read-modify-write, except for the transfer mode register, which is
// shadowed and written together with the command register in one 32-bit
// store: writing transfer mode alone on such controllers would clobber
// the command latch.
type Access32 struct {
	bus Bus

	mu     sync.Mutex
	shadow uint16
}

// NewAccess32 wraps bus.
func NewAccess32(bus Bus) *Access32 {
	return &Access32{bus: bus}
}

var _ Bus = (*Access32)(nil)

// Read32 reads a full register.
func (a *Access32) Read32(offset uint16) uint32 {
	return a.bus.Read32(offset)
}

// Read16 reads the half-word at offset from its containing word.
func (a *Access32) Read16(offset uint16) uint16 {
	if offset == RegTransferMode {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.shadow
	}
	word := a.bus.Read32(offset &^ 3)
	return uint16(word >> ((offset & 2) * 8))
}

// Read8 reads the byte at offset from its containing word.
func (a *Access32) Read8(offset uint16) uint8 {
	word := a.bus.Read32(offset &^ 3)
	return uint8(word >> ((offset & 3) * 8))
}

// Write32 writes a full register.
func (a *Access32) Write32(offset uint16, value uint32) {
	if offset == RegTransferMode {
		a.mu.Lock()
		a.shadow = uint16(value)
		a.mu.Unlock()
	}
	a.bus.Write32(offset, value)
}

// Write16 merges value into its containing word.
func (a *Access32) Write16(offset uint16, value uint16) {
	switch offset {
	case RegTransferMode:
		a.mu.Lock()
		a.shadow = value
		a.mu.Unlock()
		return
	case RegCommand:
		a.mu.Lock()
		mode := a.shadow
		a.mu.Unlock()
		a.bus.Write32(RegTransferMode, uint32(value)<<16|uint32(mode))
		return
	}
	shift := (offset & 2) * 8
	word := a.bus.Read32(offset &^ 3)
	word = word&^(0xFFFF<<shift) | uint32(value)<<shift
	a.bus.Write32(offset&^3, word)
}

// Write8 merges value into its containing word.
func (a *Access32) Write8(offset uint16, value uint8) {
	shift := (offset & 3) * 8
	word := a.bus.Read32(offset &^ 3)
	word = word&^(0xFF<<shift) | uint32(value)<<shift
	a.bus.Write32(offset&^3, word)
}
