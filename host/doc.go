// Package host implements a pure-Go SD Host Controller Interface engine.
//
// It is platform-agnostic and reaches hardware only through the interfaces
// of the github.com/ardnew/sdhci/host/hal package: a [hal.Bus] register
// window, an optional [hal.DMA] layer and an optional platform value
// implementing any subset of the hal capability interfaces. A card protocol
// layer sits above the engine and submits one [Request] at a time.
//
// # Architecture
//
// The engine is organized into several parts:
//
//   - Host probes the controller, owns its state and applies bus settings
//   - Dispatch validates requests and issues the command sequence
//   - IRQ handling splits into a fast acknowledge phase and a deferred pass
//   - The watchdog bounds every request the controller never completes
//   - Tuning searches for the sampling point in SDR104, HS200 and SDR50
//
// # Requests
//
// A request carries an optional CMD23, the command, an optional data phase
// and an optional CMD12. Malformed requests are rejected synchronously;
// everything accepted completes exactly once through [Request.Done], which
// runs without the host lock and may submit the next request.
//
// # Transfer Mechanisms
//
// Data moves by ADMA2 (32- or 64-bit descriptors), SDMA or PIO, selected
// per request. Fragments the DMA engine cannot address are staged in a
// bounce buffer. A request that cannot use DMA falls back to PIO.
//
// # Quirks
//
// [Quirks] and [Quirks2] describe known controller deviations. They are
// validated once by [New] and fixed for the life of the host.
//
// # Example
//
//	h, err := host.New(bus, dma, platform, host.Config{Name: "mmc0"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Remove(false)
//
//	err = h.SetIOS(host.IOS{
//	    Clock:     400000,
//	    PowerMode: hal.PowerOnMode,
//	    VDD:       hal.Voltage330,
//	})
//
//	done := make(chan *host.Request, 1)
//	req := &host.Request{
//	    Cmd:  &host.Command{Opcode: 8, Arg: 0x1AA, Flags: host.RespR7},
//	    Done: func(r *host.Request) { done <- r },
//	}
//	if err := h.Submit(req); err != nil {
//	    log.Fatal(err)
//	}
//	<-done
//
// A simulated controller for testing is available in
// [github.com/ardnew/sdhci/host/hal/sim].
package host
