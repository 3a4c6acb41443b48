//go:build linux

package linux

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func pipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newTestPoller(t *testing.T) *irqPoller {
	t.Helper()
	p, err := newIRQPoller()
	if err != nil {
		t.Fatalf("newIRQPoller() error = %v", err)
	}
	t.Cleanup(func() { p.stop() })
	return p
}

// drain returns a fire function that consumes one byte from r.
func drain(r int, calls *atomic.Int32) func() {
	return func() {
		var buf [1]byte
		unix.Read(r, buf[:])
		calls.Add(1)
	}
}

// =============================================================================
// irqPoller Tests
// =============================================================================

func TestIRQPoller_Stop(t *testing.T) {
	p, err := newIRQPoller()
	if err != nil {
		t.Fatalf("newIRQPoller() error = %v", err)
	}
	if err := p.stop(); err != nil {
		t.Errorf("stop() error = %v", err)
	}
	if err := p.stop(); err != nil {
		t.Errorf("second stop() error = %v", err)
	}
	if !p.isStopped() {
		t.Error("isStopped() = false after stop")
	}
}

func TestIRQPoller_AttachDetach(t *testing.T) {
	p := newTestPoller(t)
	r, _ := pipe(t)

	if err := p.attach(r, "test", func() {}); err != nil {
		t.Fatalf("attach() error = %v", err)
	}
	if err := p.attach(r, "test", nil); !errors.Is(err, unix.EEXIST) {
		t.Errorf("second attach() error = %v, want EEXIST", err)
	}
	if err := p.detach(r); err != nil {
		t.Fatalf("detach() error = %v", err)
	}
	if err := p.detach(r); !errors.Is(err, unix.ENOENT) {
		t.Errorf("second detach() error = %v, want ENOENT", err)
	}
}

func TestIRQPoller_Dispatch(t *testing.T) {
	p := newTestPoller(t)
	r, w := pipe(t)

	var calls atomic.Int32
	if err := p.attach(r, "test", drain(r, &calls)); err != nil {
		t.Fatalf("attach() error = %v", err)
	}

	if n, err := p.dispatch(time.Millisecond); err != nil || n != 0 {
		t.Fatalf("idle dispatch() = %d, %v; want 0, nil", n, err)
	}

	for i := 1; i <= 2; i++ {
		unix.Write(w, []byte{1})
		n, err := p.dispatch(time.Second)
		if err != nil || n != 1 {
			t.Fatalf("dispatch() = %d, %v; want 1, nil", n, err)
		}
		if got := p.fired(r); got != uint64(i) {
			t.Errorf("fired() = %d, want %d", got, i)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("fire ran %d times, want 2", calls.Load())
	}
}

func TestIRQPoller_Hangup(t *testing.T) {
	p := newTestPoller(t)
	r, w := pipe(t)

	var calls atomic.Int32
	if err := p.attach(r, "test", drain(r, &calls)); err != nil {
		t.Fatalf("attach() error = %v", err)
	}
	unix.Close(w)

	if n, err := p.dispatch(time.Second); err != nil || n != 0 {
		t.Errorf("dispatch() = %d, %v; want 0, nil", n, err)
	}
	if calls.Load() != 0 {
		t.Error("hung up line fired")
	}
	if err := p.detach(r); !errors.Is(err, unix.ENOENT) {
		t.Errorf("detach() error = %v, want ENOENT after hangup", err)
	}
}

func TestIRQPoller_Kick(t *testing.T) {
	p := newTestPoller(t)

	for i := 0; i < 3; i++ {
		if err := p.kick(); err != nil {
			t.Fatalf("kick %d: %v", i, err)
		}
	}
	if n, err := p.dispatch(time.Second); err != nil || n != 0 {
		t.Errorf("dispatch() = %d, %v; want 0, nil", n, err)
	}
	// The kicks were drained by the first wait.
	start := time.Now()
	p.dispatch(20 * time.Millisecond)
	if time.Since(start) < 10*time.Millisecond {
		t.Error("kick not drained")
	}
}

func TestIRQPoller_Run(t *testing.T) {
	p, err := newIRQPoller()
	if err != nil {
		t.Fatalf("newIRQPoller() error = %v", err)
	}
	r, w := pipe(t)

	var calls atomic.Int32
	if err := p.attach(r, "test", drain(r, &calls)); err != nil {
		t.Fatalf("attach() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.run() }()

	unix.Write(w, []byte{1})
	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Fatal("line never fired")
	}

	p.stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after stop")
	}
}

func TestIRQPoller_StopBeforeRun(t *testing.T) {
	p, err := newIRQPoller()
	if err != nil {
		t.Fatalf("newIRQPoller() error = %v", err)
	}
	if err := p.stop(); err != nil {
		t.Fatalf("stop() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.run() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run blocked on a stopped poller")
	}
}

func TestIRQPoller_StopWhileBlocked(t *testing.T) {
	for i := 0; i < 20; i++ {
		p, err := newIRQPoller()
		if err != nil {
			t.Fatalf("newIRQPoller() error = %v", err)
		}

		done := make(chan error, 1)
		go func() { done <- p.run() }()
		if i%2 == 1 {
			// Let run reach the wait on odd rounds.
			time.Sleep(2 * time.Millisecond)
		}

		stopped := make(chan error, 1)
		go func() { stopped <- p.stop() }()

		select {
		case err := <-stopped:
			if err != nil {
				t.Errorf("round %d: stop() error = %v", i, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("round %d: stop did not return while run was waiting", i)
		}
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("round %d: run() error = %v", i, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("round %d: run did not return after stop", i)
		}
	}
}
