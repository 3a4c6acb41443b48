//go:build linux

package linux

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ardnew/sdhci/pkg"
)

// irqLine is a descriptor whose readability signals an interrupt.
type irqLine struct {
	fd    int
	name  string
	fire  func()
	fired uint64
}

// irqPoller waits on interrupt lines with epoll. An eventfd breaks the wait
// for shutdown.
type irqPoller struct {
	epfd   int
	stopfd int

	mu       sync.Mutex
	lines    map[int]*irqLine
	running  bool
	released bool

	stopped  chan struct{}
	runDone  chan struct{} // closed by run after it released the descriptors
	stopOnce sync.Once
	stopErr  error
}

func newIRQPoller() (*irqPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	stopfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(stopfd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, stopfd, &ev); err != nil {
		unix.Close(stopfd)
		unix.Close(epfd)
		return nil, err
	}
	return &irqPoller{
		epfd:    epfd,
		stopfd:  stopfd,
		lines:   make(map[int]*irqLine),
		stopped: make(chan struct{}),
		runDone: make(chan struct{}),
	}, nil
}

// attach starts watching fd. fire runs on the polling goroutine each time
// fd becomes readable and must consume the readiness.
func (p *irqPoller) attach(fd int, name string, fire func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.lines[fd] = &irqLine{fd: fd, name: name, fire: fire}
	return nil
}

// detach stops watching fd. The descriptor stays open.
func (p *irqPoller) detach(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.detachLocked(fd)
}

func (p *irqPoller) detachLocked(fd int) error {
	if _, ok := p.lines[fd]; !ok {
		return unix.ENOENT
	}
	delete(p.lines, fd)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// fired returns how many times the line on fd has fired.
func (p *irqPoller) fired(fd int) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.lines[fd]; ok {
		return l.fired
	}
	return 0
}

// kick makes a blocked dispatch return.
func (p *irqPoller) kick() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.stopfd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return nil // counter saturated, a kick is pending
	}
	return err
}

// stop ends run and releases the epoll and eventfd descriptors. When run
// is active it owns the descriptors: stop only kicks it and waits for it to
// release them, since closing an epoll descriptor does not wake a waiter.
// Attached descriptors stay open. It is safe to call more than once but not
// from a fire function.
func (p *irqPoller) stop() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		close(p.stopped)
		running := p.running
		if running && !p.released {
			_ = p.kick()
		}
		p.mu.Unlock()

		if running {
			<-p.runDone
			return
		}
		p.release()
	})
	return p.stopErr
}

func (p *irqPoller) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
	p.stopErr = errors.Join(unix.Close(p.stopfd), unix.Close(p.epfd))
}

func (p *irqPoller) isStopped() bool {
	select {
	case <-p.stopped:
		return true
	default:
		return false
	}
}

// run dispatches interrupts until stop is called, then releases the
// descriptors. It returns at once when stop came first.
func (p *irqPoller) run() error {
	p.mu.Lock()
	if p.isStopped() {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.release()
		close(p.runDone)
	}()

	for {
		_, err := p.dispatch(-1)
		if p.isStopped() {
			return nil
		}
		if err != nil && !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// dispatch waits up to timeout, forever when negative, and fires every
// ready line. A line reporting an error or hangup is detached without
// firing. It returns the number of lines fired.
func (p *irqPoller) dispatch(timeout time.Duration) (int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}
	var events [MaxEpollEvents]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, events[:], ms)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, ev := range events[:n] {
		fd := int(ev.Fd)
		if fd == p.stopfd {
			var buf [8]byte
			_, _ = unix.Read(p.stopfd, buf[:])
			continue
		}

		p.mu.Lock()
		line, ok := p.lines[fd]
		if ok && ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			_ = p.detachLocked(fd)
			p.mu.Unlock()
			pkg.LogWarn(pkg.ComponentHAL, "interrupt line hung up",
				"line", line.name,
				"events", ev.Events)
			continue
		}
		if ok {
			line.fired++
		}
		p.mu.Unlock()

		if ok && line.fire != nil {
			line.fire()
			fired++
		}
	}
	return fired, nil
}
