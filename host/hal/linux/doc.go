// Package linux provides a register window and interrupt source for an SD
// host controller exported to user space through the Linux UIO framework.
//
// The controller's register bank is the first memory map of a uio_pdrv_genirq
// (or similar) device. Devices are discovered through sysfs
// (/sys/class/uio/), the map is mmapped from the device node (/dev/uioN),
// and interrupts are delivered by reading the node. It is pure Go with no
// cgo dependencies.
//
// # Requirements
//
// The kernel must bind a UIO driver to the controller, typically through a
// device tree overlay or driver_override, and the user must have read/write
// access to the device node.
//
// # Architecture
//
// Interrupt delivery uses epoll:
//   - The line is enabled by writing 1 to the device node
//   - The node becomes readable when the interrupt fires; reading it returns
//     the event count
//   - The handler runs until it stops claiming the interrupt, then the line
//     is enabled again
//
// # Limitations
//
// UIO exposes no DMA mapping service, so a host built on this backend runs
// in PIO mode (pass a nil hal.DMA to host.New).
package linux
