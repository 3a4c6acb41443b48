// Package sim provides a simulated SDHCI controller, card and DMA address
// space.
//
// The [Controller] models the standard register window closely enough to
// drive the engine through every path it has: command and busy completion,
// PIO through the buffer data port, SDMA with buffer boundary pauses, 32-
// and 64-bit ADMA2 descriptor chains, auto commands, tuning and card
// insertion. [Fault] values inject the failures real controllers exhibit.
//
// # Usage
//
//	mem := sim.NewMemory(64)
//	ctrl := sim.New(sim.Config{Memory: mem, Card: sim.NewCard(2048)})
//	defer ctrl.Close()
//
//	h, err := host.New(ctrl, mem, nil, host.Config{Name: "sim"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctrl.SetIRQHandler(h.HandleIRQ)
//
// # Interrupts
//
// Status bits are latched only when enabled in the status enable register
// and are signaled when enabled in the signal enable register. Delivery
// happens on a goroutine owned by the controller, so a handler may access
// registers freely.
//
// # Memory
//
// [Memory] implements the DMA layer with synthetic bus addresses. Mappings
// alias the caller buffers, and [Memory.SetMapOffset] and
// [Memory.SetMapHigh] place them where a test needs them to exercise bounce
// buffering.
package sim
