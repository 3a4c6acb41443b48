package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/ardnew/sdhci/host"
	"github.com/ardnew/sdhci/host/hal"
)

// report is a read-only snapshot of a controller's identification and
// status registers.
type report struct {
	Spec       string            `json:"spec"`
	Vendor     uint8             `json:"vendor_version"`
	Caps       host.Capabilities `json:"capabilities"`
	MaxCurrent [3]uint32         `json:"max_current_ma"` // 3.3 V, 3.0 V, 1.8 V
	Present    []string          `json:"present_state"`
	Clock      clockState        `json:"clock"`
	Power      uint8             `json:"power_control"`
	HostCtrl2  uint16            `json:"host_control2"`
	Registers  map[string]uint32 `json:"registers"`
	Limits     *host.Limits      `json:"limits,omitempty"`
	Quirks     string            `json:"quirks,omitempty"`
}

type clockState struct {
	Internal bool `json:"internal_enabled"`
	Stable   bool `json:"internal_stable"`
	Card     bool `json:"card_enabled"`
	Divider  int  `json:"divider"`
}

// specName returns the specification release a version field names.
func specName(v uint8) string {
	switch v {
	case hal.Spec100:
		return "1.00"
	case hal.Spec200:
		return "2.00"
	case hal.Spec300:
		return "3.00"
	case hal.Spec400:
		return "4.00"
	case hal.Spec410:
		return "4.10"
	case hal.Spec420:
		return "4.20"
	default:
		return fmt.Sprintf("unknown(%d)", v)
	}
}

var presentBits = []struct {
	mask uint32
	name string
}{
	{hal.PresentCmdInhibit, "cmd-inhibit"},
	{hal.PresentDataInhibit, "data-inhibit"},
	{hal.PresentDoingWrite, "write-active"},
	{hal.PresentDoingRead, "read-active"},
	{hal.PresentSpaceAvail, "space-avail"},
	{hal.PresentDataAvail, "data-avail"},
	{hal.PresentCardPresent, "card-present"},
	{hal.PresentCardStable, "card-stable"},
	{hal.PresentCardDetectLvl, "card-detect"},
	{hal.PresentWriteProtect, "write-enabled"},
	{hal.PresentCmdLvl, "cmd-line-high"},
}

// collect reads the snapshot. It only reads registers, so it is safe on a
// controller owned by a running driver.
func collect(bus hal.Bus) report {
	version := bus.Read16(hal.RegHostVersion)
	caps := bus.Read32(hal.RegCapabilities)
	caps1 := bus.Read32(hal.RegCapabilities1)
	maxCurr := bus.Read32(hal.RegMaxCurrent)
	present := bus.Read32(hal.RegPresentState)
	clk := bus.Read16(hal.RegClockControl)

	r := report{
		Caps:      host.DecodeCapabilities(version, caps, caps1),
		Power:     bus.Read8(hal.RegPowerControl),
		HostCtrl2: bus.Read16(hal.RegHostControl2),
		Registers: map[string]uint32{
			"version":    uint32(version),
			"caps":       caps,
			"caps_1":     caps1,
			"max_curr":   maxCurr,
			"present":    present,
			"clock":      uint32(clk),
			"int_stat":   bus.Read32(hal.RegIntStatus),
			"int_enab":   bus.Read32(hal.RegIntEnable),
			"sig_enab":   bus.Read32(hal.RegSignalEnable),
			"host_ctl":   uint32(bus.Read8(hal.RegHostControl)),
			"timeout":    uint32(bus.Read8(hal.RegTimeout)),
			"acmd_stat":  uint32(bus.Read16(hal.RegAutoCmdStatus)),
			"adma_err":   bus.Read32(hal.RegADMAError),
			"slot_int":   uint32(bus.Read16(hal.RegSlotIntStatus)),
			"host_ctl_2": uint32(bus.Read16(hal.RegHostControl2)),
		},
	}
	r.Spec = specName(r.Caps.Version)
	r.Vendor = r.Caps.VendorVersion

	r.MaxCurrent = [3]uint32{
		hal.Field(maxCurr, uint32(hal.MaxCurrent330Mask)) * hal.MaxCurrentMultiple,
		hal.Field(maxCurr, uint32(hal.MaxCurrent300Mask)) * hal.MaxCurrentMultiple,
		hal.Field(maxCurr, uint32(hal.MaxCurrent180Mask)) * hal.MaxCurrentMultiple,
	}
	for _, b := range presentBits {
		if present&b.mask != 0 {
			r.Present = append(r.Present, b.name)
		}
	}

	r.Clock = clockState{
		Internal: clk&hal.ClockIntEn != 0,
		Stable:   clk&hal.ClockIntStable != 0,
		Card:     clk&hal.ClockCardEn != 0,
	}
	div := int(clk>>hal.ClockDivShift) & hal.ClockDivMask
	if r.Caps.Version >= hal.Spec300 {
		div |= int(clk>>hal.ClockDivHiShift&0x3) << hal.ClockDivMaskLen
	}
	if r.Clock.Divider = div * 2; div == 0 {
		r.Clock.Divider = 1
	}
	return r
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// writeText prints the report as aligned columns.
func (r report) writeText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	c := r.Caps
	p := func(name string, format string, args ...any) {
		fmt.Fprintf(tw, "%s\t"+format+"\n", append([]any{name}, args...)...)
	}

	p("specification", "%s (vendor %d)", r.Spec, r.Vendor)
	p("base clock", "%d Hz", c.BaseClock)
	if c.ClockMul != 0 {
		p("clock multiplier", "%d", c.ClockMul)
	}
	p("timeout clock", "%d kHz", c.TimeoutClock)
	p("max block size", "%d", c.MaxBlockSize)
	p("8-bit bus", "%s", yesNo(c.Bus8Bit))
	p("high speed", "%s", yesNo(c.HighSpeed))
	p("SDMA", "%s", yesNo(c.SDMA))
	p("ADMA2", "%s (64-bit %s)", yesNo(c.ADMA2), yesNo(c.Bus64))
	p("voltages", "3.3V %s, 3.0V %s, 1.8V %s", yesNo(c.VDD330), yesNo(c.VDD300), yesNo(c.VDD180))
	p("UHS", "SDR50 %s, SDR104 %s, DDR50 %s, HS400 %s",
		yesNo(c.SDR50), yesNo(c.SDR104), yesNo(c.DDR50), yesNo(c.HS400))
	p("SDR50 tuning", "%s", yesNo(c.SDR50Tuning))
	p("driver types", "A %s, C %s, D %s", yesNo(c.DriverA), yesNo(c.DriverC), yesNo(c.DriverD))
	p("re-tuning", "mode %d, count %d", c.RetuneMode+1, c.TuningCount())
	p("max current", "3.3V %d mA, 3.0V %d mA, 1.8V %d mA", r.MaxCurrent[0], r.MaxCurrent[1], r.MaxCurrent[2])
	p("present state", "%s", strings.Join(r.Present, " "))
	p("clock", "internal %s, stable %s, card %s, divider %d",
		yesNo(r.Clock.Internal), yesNo(r.Clock.Stable), yesNo(r.Clock.Card), r.Clock.Divider)
	p("power", "0x%02x", r.Power)
	p("host control 2", "0x%04x", r.HostCtrl2)

	if r.Limits != nil {
		l := r.Limits
		p("transfer mode", "%s", l.Mode)
		p("clock range", "%d - %d Hz", l.MinClock, l.MaxClock)
		p("max request", "%d bytes, %d segments of %d bytes", l.MaxReqSize, l.MaxSegments, l.MaxSegSize)
		p("quirks", "%s", r.Quirks)
	}
	return tw.Flush()
}
