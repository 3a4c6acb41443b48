//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ardnew/sdhci/pkg"
)

// =============================================================================
// UIO Device Information
// =============================================================================

// uioDeviceInfo holds information about a UIO device discovered via sysfs.
type uioDeviceInfo struct {
	sysfsPath string // Path in /sys/class/uio
	devfsPath string // Path in /dev
	index     int    // N in uioN
	name      string // Driver-assigned device name
	version   string // Driver version string
	maps      []uioMapInfo
}

// uioMapInfo describes one memory map of a UIO device.
type uioMapInfo struct {
	index  int
	name   string
	addr   uint64 // Physical address
	size   uint64 // Length in bytes
	offset uint64 // Offset of the registers within the first page
}

// =============================================================================
// Sysfs Parsing
// =============================================================================

// scanUIODevices scans root (normally SysfsUIOPath) for UIO devices, ordered
// by index.
func scanUIODevices(root string) ([]uioDeviceInfo, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var devices []uioDeviceInfo
	for _, entry := range entries {
		index, ok := parseUIOName(entry.Name())
		if !ok {
			continue
		}
		info, err := parseUIODevice(filepath.Join(root, entry.Name()), index)
		if err != nil {
			pkg.LogDebug(pkg.ComponentHAL, "skipping UIO device",
				"device", entry.Name(),
				"error", err)
			continue
		}
		devices = append(devices, info)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].index < devices[j].index })
	return devices, nil
}

// parseUIOName extracts N from "uioN".
func parseUIOName(name string) (int, bool) {
	digits, ok := strings.CutPrefix(name, "uio")
	if !ok || digits == "" {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// parseUIODevice parses UIO device information from sysfs.
func parseUIODevice(sysfsPath string, index int) (uioDeviceInfo, error) {
	info := uioDeviceInfo{
		sysfsPath: sysfsPath,
		devfsPath: formatDevfsPath(index),
		index:     index,
	}

	name, err := readSysfsString(filepath.Join(sysfsPath, "name"))
	if err != nil {
		return info, err
	}
	info.name = name

	if version, err := readSysfsString(filepath.Join(sysfsPath, "version")); err == nil {
		info.version = version
	}

	info.maps = scanMaps(filepath.Join(sysfsPath, "maps"))
	return info, nil
}

// scanMaps reads the map attributes of a device, ordered by map index.
func scanMaps(mapsPath string) []uioMapInfo {
	var maps []uioMapInfo
	for i := 0; i < MaxMaps; i++ {
		m, err := parseMap(filepath.Join(mapsPath, "map"+strconv.Itoa(i)), i)
		if err != nil {
			break
		}
		maps = append(maps, m)
	}
	return maps
}

func parseMap(mapPath string, index int) (uioMapInfo, error) {
	m := uioMapInfo{index: index}

	addr, err := readSysfsHex(filepath.Join(mapPath, "addr"), 64)
	if err != nil {
		return m, err
	}
	m.addr = addr

	size, err := readSysfsHex(filepath.Join(mapPath, "size"), 64)
	if err != nil {
		return m, err
	}
	m.size = size

	// Older kernels lack the offset attribute.
	if offset, err := readSysfsHex(filepath.Join(mapPath, "offset"), 64); err == nil {
		m.offset = offset
	}
	if name, err := readSysfsString(filepath.Join(mapPath, "name")); err == nil {
		m.name = name
	}
	return m, nil
}

// =============================================================================
// Sysfs Read Helpers
// =============================================================================

// readSysfsString reads a string from a sysfs attribute file.
func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readSysfsHex reads a hexadecimal value from a sysfs attribute file.
func readSysfsHex(path string, bitSize int) (uint64, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strconv.ParseUint(s, 16, bitSize)
}

// =============================================================================
// Path Helpers
// =============================================================================

// formatDevfsPath returns the device node of uioN.
func formatDevfsPath(index int) string {
	return filepath.Join(DevfsPath, "uio"+strconv.Itoa(index))
}

// =============================================================================
// Filtering
// =============================================================================

// registerMap returns the map holding the controller registers: the first
// map large enough for the standard register window.
func (d *uioDeviceInfo) registerMap(minSize uint64) (uioMapInfo, error) {
	for _, m := range d.maps {
		if m.size >= minSize {
			return m, nil
		}
	}
	return uioMapInfo{}, fmt.Errorf("%w: %s has no map of %d bytes", pkg.ErrNotSupported, d.name, minSize)
}

// findUIODevice returns the device under root whose name is name, or whose
// node is uioN when name has that form.
func findUIODevice(root, name string) (uioDeviceInfo, error) {
	devices, err := scanUIODevices(root)
	if err != nil {
		return uioDeviceInfo{}, err
	}
	if index, ok := parseUIOName(name); ok {
		for _, d := range devices {
			if d.index == index {
				return d, nil
			}
		}
	}
	for _, d := range devices {
		if d.name == name {
			return d, nil
		}
	}
	return uioDeviceInfo{}, fmt.Errorf("%w: no UIO device %q", pkg.ErrNoMedium, name)
}
