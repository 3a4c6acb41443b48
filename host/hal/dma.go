package hal

// Direction is the data movement direction of a mapping.
type Direction uint8

// Mapping directions.
const (
	ToDevice   Direction = iota // Memory to card
	FromDevice                  // Card to memory
)

// String returns the direction name.
func (d Direction) String() string {
	if d == ToDevice {
		return "to-device"
	}
	return "from-device"
}

// Region is coherent memory shared with the controller.
type Region struct {
	Buf  []byte // CPU view
	Addr uint64 // Bus address of Buf[0]
}

// Segment is one mapped fragment of a scatter list.
type Segment struct {
	Addr uint64 // Bus address
	Len  int    // Length in bytes
	Buf  []byte // CPU view of the fragment
}

// DMA is the platform DMA layer. It allocates coherent memory for
// descriptor tables and bounce buffers, and maps caller buffers for the
// controller.
type DMA interface {
	// Alloc returns a coherent region of at least size bytes.
	Alloc(size int) (*Region, error)

	// Free releases a region returned by Alloc.
	Free(r *Region)

	// Map makes each buffer visible to the controller. The returned
	// segments are in buffer order, one per buffer.
	Map(bufs [][]byte, dir Direction) ([]Segment, error)

	// Unmap releases segments returned by Map.
	Unmap(segs []Segment, dir Direction)

	// AddressBits is the width of bus addresses the layer can produce.
	AddressBits() int
}
