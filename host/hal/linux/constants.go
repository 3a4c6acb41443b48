//go:build linux

package linux

// =============================================================================
// System Paths
// =============================================================================

// SysfsUIOPath is the base path for UIO devices in sysfs.
const SysfsUIOPath = "/sys/class/uio"

// DevfsPath is the directory holding UIO device nodes.
const DevfsPath = "/dev"

// =============================================================================
// Device Limits
// =============================================================================

// MaxMaps is the number of memory maps a UIO device can expose.
const MaxMaps = 5

// DefaultDeviceName is the UIO name matched when none is given.
const DefaultDeviceName = "sdhci"

// =============================================================================
// Interrupt Handling
// =============================================================================

// MaxIRQRetries bounds the handler invocations per interrupt event. The
// level-triggered line is re-armed after the handler stops claiming it.
const MaxIRQRetries = 8

// irqCountSize is the size of the event counter read from the UIO node and
// of the enable word written back to it.
const irqCountSize = 4

// =============================================================================
// Polling Constants
// =============================================================================

// MaxEpollEvents is the maximum events to retrieve per epoll_wait call.
const MaxEpollEvents = 8
