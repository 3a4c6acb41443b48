package main

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"
	"testing"

	"github.com/ardnew/sdhci/host"
	"github.com/ardnew/sdhci/host/hal"
	"github.com/ardnew/sdhci/host/hal/sim"
)

// =============================================================================
// Report Tests
// =============================================================================

func TestSpecName(t *testing.T) {
	tests := []struct {
		v    uint8
		want string
	}{
		{hal.Spec100, "1.00"},
		{hal.Spec200, "2.00"},
		{hal.Spec300, "3.00"},
		{hal.Spec420, "4.20"},
		{9, "unknown(9)"},
	}
	for _, tt := range tests {
		if got := specName(tt.v); got != tt.want {
			t.Errorf("specName(%d) = %q, want %q", tt.v, got, tt.want)
		}
	}
}

func TestCollect(t *testing.T) {
	ctrl := sim.New(sim.Config{Card: sim.NewCard(64)})
	defer ctrl.Close()

	r := collect(ctrl)
	if r.Spec != "3.00" {
		t.Errorf("Spec = %q, want 3.00", r.Spec)
	}
	if r.Caps.BaseClock != 200000000 {
		t.Errorf("BaseClock = %d, want 200000000", r.Caps.BaseClock)
	}
	if !r.Caps.ADMA2 || !r.Caps.Bus64 || !r.Caps.SDR104 {
		t.Errorf("Caps = %+v, want ADMA2, 64-bit and SDR104", r.Caps)
	}
	if r.MaxCurrent != [3]uint32{256, 256, 256} {
		t.Errorf("MaxCurrent = %v, want 256 mA on every rail", r.MaxCurrent)
	}
	for _, want := range []string{"card-present", "card-detect", "write-enabled"} {
		if !slices.Contains(r.Present, want) {
			t.Errorf("Present = %v, missing %q", r.Present, want)
		}
	}
	if slices.Contains(r.Present, "cmd-inhibit") {
		t.Errorf("Present = %v, idle controller reports inhibit", r.Present)
	}
	if r.Clock.Internal || r.Clock.Divider != 1 {
		t.Errorf("Clock = %+v, want stopped with divider 1", r.Clock)
	}
	if r.Registers["caps"] != sim.DefaultCaps {
		t.Errorf("caps = 0x%08x, want 0x%08x", r.Registers["caps"], uint32(sim.DefaultCaps))
	}
}

func TestCollect_NoCard(t *testing.T) {
	ctrl := sim.New(sim.Config{})
	defer ctrl.Close()

	r := collect(ctrl)
	for _, absent := range []string{"card-present", "write-enabled"} {
		if slices.Contains(r.Present, absent) {
			t.Errorf("Present = %v, reports %q without a card", r.Present, absent)
		}
	}
	// An empty slot is still a stable detect state.
	if !slices.Contains(r.Present, "card-stable") {
		t.Errorf("Present = %v, missing %q", r.Present, "card-stable")
	}
}

func TestCollect_Clock(t *testing.T) {
	tests := []struct {
		name    string
		version uint16
		want    int
	}{
		{"v3 ten bit divider", hal.Spec300, 520},
		{"v2 eight bit divider", hal.Spec200, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := sim.New(sim.Config{Version: tt.version})
			defer ctrl.Close()

			ctrl.Write16(hal.RegClockControl, hal.ClockIntEn|4<<hal.ClockDivShift|1<<hal.ClockDivHiShift)
			r := collect(ctrl)
			if !r.Clock.Internal || !r.Clock.Stable || r.Clock.Card {
				t.Errorf("Clock = %+v, want internal clock stable and card clock off", r.Clock)
			}
			if r.Clock.Divider != tt.want {
				t.Errorf("Divider = %d, want %d", r.Clock.Divider, tt.want)
			}
		})
	}
}

func TestWriteText(t *testing.T) {
	ctrl := sim.New(sim.Config{Card: sim.NewCard(64)})
	defer ctrl.Close()

	r := collect(ctrl)
	var buf bytes.Buffer
	if err := r.writeText(&buf); err != nil {
		t.Fatalf("writeText() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"3.00", "200000000 Hz", "card-present", "256 mA"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "transfer mode") {
		t.Errorf("unprobed report shows limits:\n%s", out)
	}
}

func TestWriteText_Probed(t *testing.T) {
	ctrl := sim.New(sim.Config{Card: sim.NewCard(64)})
	defer ctrl.Close()

	r := collect(ctrl)
	h, err := host.New(ctrl, nil, nil, host.Config{Name: "dump"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	l := h.Limits()
	r.Limits = &l
	h.Remove(false)

	var buf bytes.Buffer
	if err := r.writeText(&buf); err != nil {
		t.Fatalf("writeText() error = %v", err)
	}
	if !strings.Contains(buf.String(), "transfer mode") || !strings.Contains(buf.String(), "pio") {
		t.Errorf("probed report missing limits:\n%s", buf.String())
	}

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var back map[string]any
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if _, ok := back["limits"]; !ok {
		t.Errorf("JSON report has no limits: %s", data)
	}
}
