// Package hal defines the platform contract of the SDHCI engine.
//
// A platform supplies three things when probing a controller:
//
//   - A [Bus] giving raw access to the register window
//   - Optionally a [DMA] layer for coherent memory and buffer mapping
//   - Optionally a value implementing any subset of the capability
//     interfaces in this package ([ClockSetter], [Tuner], [Resetter], ...)
//
// Every capability is optional. The engine resolves each slot once at probe
// time with a type assertion and uses its generic register-level sequence
// for slots left unset, so a conforming controller needs nothing beyond a
// [Bus].
//
// # Register Map
//
// The standard SDHCI register offsets, bit fields and ADMA2 descriptor
// attributes are defined here so that platform code, the engine and the
// simulated controller share one vocabulary.
//
// # 32-bit Only Controllers
//
// Some controllers fault or misbehave on 8- and 16-bit accesses. Wrap their
// bus with [NewAccess32]:
//
//	bus := hal.NewAccess32(mmioBus)
//	h, err := host.New(bus, nil, nil, host.Config{Name: "bcm2835"})
//
// # Implementations
//
// A register-accurate simulated controller lives in
// [github.com/ardnew/sdhci/host/hal/sim]. A Linux UIO backend lives in
// [github.com/ardnew/sdhci/host/hal/linux].
package hal
