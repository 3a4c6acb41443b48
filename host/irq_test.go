package host

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/ardnew/sdhci/host/hal"
	"github.com/ardnew/sdhci/host/hal/sim"
)

// =============================================================================
// Interrupt Handling Tests
// =============================================================================

func TestHandleIRQ_NotOurs(t *testing.T) {
	b := newBench(t, benchOpts{})
	if b.h.HandleIRQ() {
		t.Error("HandleIRQ() = true with no status pending")
	}

	b.h.Remove(false)
	if b.h.HandleIRQ() {
		t.Error("HandleIRQ() = true after Remove")
	}
}

func TestHandleIRQ_SpuriousCommand(t *testing.T) {
	b := newBench(t, benchOpts{})
	b.ctrl.Raise(hal.IntResponse)
	eventually(t, "spurious command interrupt", func() bool {
		return b.h.Stats().SpuriousCmdIRQs == 1
	})
	if b.ctrl.Read32(hal.RegIntStatus) != 0 {
		t.Error("spurious interrupt was not acknowledged")
	}
}

func TestHandleIRQ_UnexpectedData(t *testing.T) {
	b := newBench(t, benchOpts{})
	b.ctrl.Raise(hal.IntDataEnd)
	eventually(t, "unexpected data interrupt", func() bool {
		return b.h.Stats().UnexpectedIRQs == 1
	})
	if b.h.State() != StateIdle {
		t.Errorf("State() = %v, want idle", b.h.State())
	}
}

type cardEvents struct{ n atomic.Int32 }

func (c *cardEvents) CardEvent(hal.Controller) { c.n.Add(1) }

var _ hal.CardEventNotifier = (*cardEvents)(nil)

func TestHandleIRQ_CardEvents(t *testing.T) {
	hook := &cardEvents{}
	b := newBench(t, benchOpts{ops: hook})
	changes := make(chan bool, 4)
	b.h.SetOnCardChange(func(present bool) { changes <- present })

	expect := func(want bool) {
		t.Helper()
		select {
		case present := <-changes:
			if present != want {
				t.Errorf("card change = %v, want %v", present, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("card change to %v never reported", want)
		}
	}

	b.ctrl.RemoveCard()
	expect(false)
	ier := b.ctrl.Read32(hal.RegIntEnable)
	if ier&hal.IntCardInsert == 0 || ier&hal.IntCardRemove != 0 {
		t.Errorf("card interrupts after removal = 0x%08x", ier&hal.IntCardMask)
	}

	b.ctrl.InsertCard(sim.NewCard(16))
	expect(true)
	ier = b.ctrl.Read32(hal.RegIntEnable)
	if ier&hal.IntCardRemove == 0 || ier&hal.IntCardInsert != 0 {
		t.Errorf("card interrupts after insertion = 0x%08x", ier&hal.IntCardMask)
	}

	if n := hook.n.Load(); n != 2 {
		t.Errorf("CardEvent called %d times, want 2", n)
	}
}

func TestHandleIRQ_BrokenCardDetection(t *testing.T) {
	b := newBench(t, benchOpts{noCard: true, cfg: Config{Quirks: QuirkBrokenCardDetection}})
	if !b.h.CardPresent() {
		t.Error("CardPresent() = false with broken card detection")
	}
	if ier := b.ctrl.Read32(hal.RegIntEnable); ier&hal.IntCardMask != 0 {
		t.Errorf("card interrupts enabled with broken detection: 0x%08x", ier)
	}
}

type cardDetector bool

func (c cardDetector) CardPresent(hal.Controller) bool { return bool(c) }

func TestHost_CardDetectHook(t *testing.T) {
	b := newBench(t, benchOpts{ops: cardDetector(false)})
	if b.h.CardPresent() {
		t.Error("CardPresent() ignored the platform detector")
	}
}
