package indicator

import (
	"testing"

	"github.com/shopspring/decimal"
)

type bar struct{ h, l, c string }

func TestATR_Update(t *testing.T) {
	tests := []struct {
		name   string
		period int
		bars   []bar
		want   string
	}{
		// Inside bars: every true range is the plain high-low of 10.
		{"steady", 3, []bar{{"110", "100", "105"}, {"115", "105", "110"}, {"120", "110", "115"}}, "10"},
		// Gap up: |125-105| beats the 10 range.
		{"gap up", 2, []bar{{"110", "100", "105"}, {"125", "115", "120"}}, "15"},
		// Gap down: |85-105| beats the 10 range.
		{"gap down", 2, []bar{{"110", "100", "105"}, {"95", "85", "90"}}, "15"},
		// The opening gap bar rolls out of a 2-bar window.
		{"rolls", 2, []bar{{"110", "100", "105"}, {"130", "120", "125"}, {"135", "125", "130"}, {"140", "130", "135"}}, "10"},
		{"not ready", 3, []bar{{"110", "100", "105"}, {"115", "105", "110"}}, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			atr := NewATR(tt.period)
			var got decimal.Decimal
			for _, b := range tt.bars {
				got = atr.Update(d(b.h), d(b.l), d(b.c))
			}
			if !got.Equal(d(tt.want)) {
				t.Errorf("ATR = %s, want %s", got, tt.want)
			}
			if ready := len(tt.bars) >= tt.period; atr.Ready() != ready {
				t.Errorf("Ready() = %v, want %v", atr.Ready(), ready)
			}
		})
	}
}

func TestATR_ResetAndPeriod(t *testing.T) {
	atr := NewATR(0)
	if atr.Period() != 1 {
		t.Errorf("Period() = %d, want period clamped to 1", atr.Period())
	}
	atr.Update(d("110"), d("100"), d("105"))
	if !atr.Current().Equal(d("10")) {
		t.Fatalf("Current() = %s, want 10", atr.Current())
	}

	atr.Reset()
	if atr.Ready() || !atr.Current().IsZero() {
		t.Errorf("after Reset: ready=%v current=%s", atr.Ready(), atr.Current())
	}
	// No previous close survives a reset, so a gap is not measured.
	if got := atr.Update(d("210"), d("200"), d("205")); !got.Equal(d("10")) {
		t.Errorf("first bar after Reset = %s, want 10", got)
	}
}

func TestATROf(t *testing.T) {
	highs := decimals("110", "115", "125", "130")
	lows := decimals("100", "105", "115", "120")
	closes := decimals("105", "110", "120", "125")

	// Last two true ranges: max(10, 15, 5) = 15 and max(10, 10, 0) = 10.
	got, ok := ATROf(highs, lows, closes, 2)
	if !ok || !got.Equal(d("12.5")) {
		t.Errorf("ATROf(2) = %s, %v; want 12.5, true", got, ok)
	}

	// The whole series has no earlier close: ranges 10, 10, 15, 10.
	got, ok = ATROf(highs, lows, closes, 4)
	if !ok || !got.Equal(d("11.25")) {
		t.Errorf("ATROf(4) = %s, %v; want 11.25, true", got, ok)
	}

	if _, ok := ATROf(highs, lows, closes, 5); ok {
		t.Error("ATROf(5) ok = true, want false")
	}
	if _, ok := ATROf(highs[:3], lows, closes, 2); ok {
		t.Error("mismatched series ok = true, want false")
	}
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
