//go:build linux

package linux

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ardnew/sdhci/host/hal"
	"github.com/ardnew/sdhci/pkg"
)

// =============================================================================
// Device
// =============================================================================

// Device is an SD host controller exported through UIO. It implements
// hal.Bus over the mapped register bank and delivers the controller
// interrupt to a handler installed with SetIRQHandler.
type Device struct {
	info uioDeviceInfo
	reg  uioMapInfo

	fd      int
	mapping []byte // Whole mmap, page aligned
	*window        // Register bank within mapping

	poller *irqPoller

	mu      sync.Mutex
	handler func() bool
	running bool
	wg      sync.WaitGroup
	closed  bool

	events uint64 // Interrupt events seen, guarded by mu
}

var _ hal.Bus = (*Device)(nil)

// Options configures Open.
type Options struct {
	// SysfsRoot overrides SysfsUIOPath.
	SysfsRoot string

	// DevicePath overrides the device node derived from sysfs.
	DevicePath string
}

// Open finds the UIO device called name (or the node uioN), maps its
// register bank and prepares interrupt delivery. An empty name selects
// DefaultDeviceName.
func Open(name string, opts *Options) (*Device, error) {
	if name == "" {
		name = DefaultDeviceName
	}
	root := SysfsUIOPath
	var devPath string
	if opts != nil {
		if opts.SysfsRoot != "" {
			root = opts.SysfsRoot
		}
		devPath = opts.DevicePath
	}

	info, err := findUIODevice(root, name)
	if err != nil {
		return nil, err
	}
	reg, err := info.registerMap(hal.RegWindowSize)
	if err != nil {
		return nil, err
	}
	if devPath == "" {
		devPath = info.devfsPath
	}

	fd, err := unix.Open(devPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", devPath, err)
	}

	// Map N lives at page offset N of the device node.
	pageSize := unix.Getpagesize()
	length := int(reg.offset+reg.size+uint64(pageSize)-1) &^ (pageSize - 1)
	mapping, err := unix.Mmap(fd, int64(reg.index*pageSize), length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap %s map%d: %w", devPath, reg.index, err)
	}

	p, err := newIRQPoller()
	if err != nil {
		unix.Munmap(mapping)
		unix.Close(fd)
		return nil, err
	}

	d := &Device{
		info:    info,
		reg:     reg,
		fd:      fd,
		mapping: mapping,
		window:  newWindow(mapping[reg.offset : reg.offset+reg.size]),
		poller:  p,
	}
	if err := p.attach(fd, info.name, d.onInterrupt); err != nil {
		p.stop()
		d.release()
		return nil, err
	}

	pkg.LogDebug(pkg.ComponentHAL, "UIO device opened",
		"name", info.name,
		"node", devPath,
		"map", reg.index,
		"addr", fmt.Sprintf("0x%x", reg.addr),
		"size", reg.size)
	return d, nil
}

// Name returns the UIO device name.
func (d *Device) Name() string { return d.info.name }

// PhysAddr returns the physical address of the register bank.
func (d *Device) PhysAddr() uint64 { return d.reg.addr + d.reg.offset }

// Events returns the interrupt events seen so far.
func (d *Device) Events() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.events
}

// SetIRQHandler installs the interrupt handler. It returns whether the
// interrupt was handled.
func (d *Device) SetIRQHandler(fn func() bool) {
	d.mu.Lock()
	d.handler = fn
	d.mu.Unlock()
}

// Start enables the interrupt line and runs delivery until ctx is done or
// Close is called.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	switch {
	case d.closed:
		d.mu.Unlock()
		return os.ErrClosed
	case d.running:
		d.mu.Unlock()
		return pkg.ErrBusy
	}
	d.running = true
	d.mu.Unlock()

	if err := d.enableIRQ(); err != nil {
		return err
	}

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		if err := d.poller.run(); err != nil {
			pkg.LogError(pkg.ComponentHAL, "UIO poll loop failed",
				"name", d.info.name,
				"error", err)
		}
	}()
	go func() {
		defer d.wg.Done()
		select {
		case <-ctx.Done():
			_ = d.poller.stop()
		case <-d.poller.stopped:
		}
	}()

	pkg.LogDebug(pkg.ComponentHAL, "UIO interrupt delivery started", "name", d.info.name)
	return nil
}

// Close stops interrupt delivery and unmaps the registers. The Bus must not
// be used afterwards.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	err := d.poller.stop()
	d.wg.Wait()
	return errors.Join(err, d.release())
}

func (d *Device) release() error {
	var errs []error
	if d.mapping != nil {
		errs = append(errs, unix.Munmap(d.mapping))
		d.mapping = nil
	}
	errs = append(errs, unix.Close(d.fd))
	return errors.Join(errs...)
}

// enableIRQ unmasks the interrupt line.
func (d *Device) enableIRQ() error {
	var buf [irqCountSize]byte
	binary.NativeEndian.PutUint32(buf[:], 1)
	_, err := unix.Write(d.fd, buf[:])
	return err
}

// onInterrupt consumes the event counter, runs the handler until it stops
// claiming the interrupt and re-arms the line.
func (d *Device) onInterrupt() {
	var buf [irqCountSize]byte
	if _, err := unix.Read(d.fd, buf[:]); err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "UIO event read failed",
			"name", d.info.name,
			"error", err)
		return
	}

	d.mu.Lock()
	d.events = uint64(binary.NativeEndian.Uint32(buf[:]))
	fn := d.handler
	d.mu.Unlock()

	if fn != nil {
		for i := 0; i < MaxIRQRetries; i++ {
			if !fn() {
				break
			}
		}
	}
	if err := d.enableIRQ(); err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "UIO interrupt enable failed",
			"name", d.info.name,
			"error", err)
	}
}
