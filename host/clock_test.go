package host

import (
	"testing"

	"github.com/ardnew/sdhci/host/hal"
)

// =============================================================================
// Divider Tests
// =============================================================================

func TestComputeDivider(t *testing.T) {
	divReg := func(div uint16) uint16 {
		return (div&hal.ClockDivMask)<<hal.ClockDivShift |
			((div&hal.ClockDivHiMask)>>hal.ClockDivMaskLen)<<hal.ClockDivHiShift
	}

	tests := []struct {
		name   string
		params DividerParams
		hz     uint32
		want   Divider
	}{
		{
			name:   "v3 25MHz from 200MHz",
			params: DividerParams{Version: hal.Spec300, MaxClock: 200000000},
			hz:     25000000,
			want:   Divider{Reg: divReg(4), Divisor: 8, Actual: 25000000},
		},
		{
			name:   "v3 400kHz from 200MHz",
			params: DividerParams{Version: hal.Spec300, MaxClock: 200000000},
			hz:     400000,
			want:   Divider{Reg: divReg(250), Divisor: 500, Actual: 400000},
		},
		{
			name:   "v3 upper divider bits",
			params: DividerParams{Version: hal.Spec300, MaxClock: 200000000},
			hz:     100000,
			want:   Divider{Reg: divReg(1000), Divisor: 2000, Actual: 100000},
		},
		{
			name:   "v3 base clock passes through",
			params: DividerParams{Version: hal.Spec300, MaxClock: 200000000},
			hz:     200000000,
			want:   Divider{Reg: 0, Divisor: 1, Actual: 200000000},
		},
		{
			name:   "v3 programmable",
			params: DividerParams{Version: hal.Spec300, MaxClock: 100000000, ClockMul: 10},
			hz:     200000000,
			want:   Divider{Reg: hal.ClockProgMode | divReg(4), Divisor: 5, Actual: 200000000},
		},
		{
			name:   "v2 25MHz from 50MHz",
			params: DividerParams{Version: hal.Spec200, MaxClock: 50000000},
			hz:     25000000,
			want:   Divider{Reg: divReg(1), Divisor: 2, Actual: 25000000},
		},
		{
			name:   "v2 400kHz from 50MHz",
			params: DividerParams{Version: hal.Spec200, MaxClock: 50000000},
			hz:     400000,
			want:   Divider{Reg: divReg(64), Divisor: 128, Actual: 390625},
		},
		{
			name:   "v2 base clock",
			params: DividerParams{Version: hal.Spec200, MaxClock: 50000000},
			hz:     50000000,
			want:   Divider{Reg: 0, Divisor: 1, Actual: 50000000},
		},
		{
			name:   "always base clock",
			params: DividerParams{Version: hal.Spec300, MaxClock: 200000000, Quirks2: Quirk2AlwaysUseBaseClock},
			hz:     400000,
			want:   Divider{Reg: 0, Divisor: 1, Actual: 200000000},
		},
		{
			name:   "divider zero broken",
			params: DividerParams{Version: hal.Spec300, MaxClock: 25000000, Quirks2: Quirk2ClockDivZeroBroken},
			hz:     25000000,
			want:   Divider{Reg: divReg(1), Divisor: 2, Actual: 12500000},
		},
		{
			name:   "preset divided",
			params: DividerParams{Version: hal.Spec300, MaxClock: 200000000, PresetEnabled: true, Preset: 2},
			hz:     50000000,
			want:   Divider{Reg: divReg(2), Divisor: 4, Actual: 50000000},
		},
		{
			name:   "zero stops the clock",
			params: DividerParams{Version: hal.Spec300, MaxClock: 200000000},
			hz:     0,
			want:   Divider{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeDivider(tt.params, tt.hz)
			if got != tt.want {
				t.Errorf("ComputeDivider() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestComputeDivider_NeverExceedsTarget(t *testing.T) {
	params := []DividerParams{
		{Version: hal.Spec200, MaxClock: 52000000},
		{Version: hal.Spec300, MaxClock: 200000000},
		{Version: hal.Spec300, MaxClock: 100000000, ClockMul: 8},
	}

	for _, p := range params {
		floor := p.MaxClock / hal.MaxDivSpec300
		if p.Version < hal.Spec300 {
			floor = p.MaxClock / hal.MaxDivSpec200
		}
		prev := uint32(0)
		for hz := floor; hz <= p.MaxClock; hz += (p.MaxClock - floor) / 997 {
			d := ComputeDivider(p, hz)
			if d.Actual == 0 || d.Actual > hz {
				t.Fatalf("ComputeDivider(%+v, %d).Actual = %d", p, hz, d.Actual)
			}
			if d.Actual < prev {
				t.Fatalf("ComputeDivider(%+v, %d).Actual = %d, below %d for a lower target", p, hz, d.Actual, prev)
			}
			prev = d.Actual
		}
	}
}
