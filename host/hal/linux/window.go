//go:build linux

package linux

import (
	"sync/atomic"
	"unsafe"

	"github.com/ardnew/sdhci/host/hal"
)

// window is a hal.Bus over a memory-mapped register bank. Each access is a
// single load or store of the register's width.
type window struct {
	mem []byte
}

var _ hal.Bus = (*window)(nil)

func newWindow(mem []byte) *window {
	return &window{mem: mem}
}

func (w *window) ptr(offset uint16, size int) unsafe.Pointer {
	if int(offset)+size > len(w.mem) || int(offset)%size != 0 {
		panic("linux: register access out of window")
	}
	return unsafe.Pointer(&w.mem[offset])
}

func (w *window) Read8(offset uint16) uint8 {
	return *(*uint8)(w.ptr(offset, 1))
}

func (w *window) Read16(offset uint16) uint16 {
	return *(*uint16)(w.ptr(offset, 2))
}

func (w *window) Read32(offset uint16) uint32 {
	return atomic.LoadUint32((*uint32)(w.ptr(offset, 4)))
}

func (w *window) Write8(offset uint16, value uint8) {
	*(*uint8)(w.ptr(offset, 1)) = value
}

func (w *window) Write16(offset uint16, value uint16) {
	*(*uint16)(w.ptr(offset, 2)) = value
}

func (w *window) Write32(offset uint16, value uint32) {
	atomic.StoreUint32((*uint32)(w.ptr(offset, 4)), value)
}
