package alerting

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNewRunSummary(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	summary := NewRunSummary(
		"backtest sma_cross",
		start, start.Add(24*time.Hour),
		decimal.NewFromInt(10000),
		decimal.NewFromInt(10500),
		decimal.NewFromFloat(0.045),
		decimal.NewFromInt(12),
		10, // total trades
		6,  // winning
		4,  // losing
	)

	if !summary.TotalPL.Equal(decimal.NewFromInt(500)) {
		t.Errorf("TotalPL = %s, want 500", summary.TotalPL)
	}
	if !summary.ReturnPct.Equal(decimal.NewFromInt(5)) {
		t.Errorf("ReturnPct = %s, want 5", summary.ReturnPct)
	}
	if !summary.MaxDrawdownPct.Equal(decimal.NewFromFloat(4.5)) {
		t.Errorf("MaxDrawdownPct = %s, want 4.5", summary.MaxDrawdownPct)
	}
	if !summary.WinRate.Equal(decimal.NewFromInt(60)) {
		t.Errorf("WinRate = %s, want 60", summary.WinRate)
	}
	if summary.WinningTrades != 6 || summary.LosingTrades != 4 {
		t.Errorf("wins/losses = %d/%d, want 6/4", summary.WinningTrades, summary.LosingTrades)
	}
}

func TestNewRunSummary_ZeroTrades(t *testing.T) {
	summary := NewRunSummary("x", time.Time{}, time.Time{},
		decimal.NewFromInt(10000), decimal.NewFromInt(10000), decimal.Zero, decimal.Zero, 0, 0, 0)

	if !summary.WinRate.IsZero() {
		t.Errorf("WinRate = %s, want 0", summary.WinRate)
	}
	if !summary.TotalPL.IsZero() {
		t.Errorf("TotalPL = %s, want 0", summary.TotalPL)
	}
}

func TestNewRunSummary_ZeroBalance(t *testing.T) {
	summary := NewRunSummary("x", time.Time{}, time.Time{},
		decimal.Zero, decimal.NewFromInt(5), decimal.Zero, decimal.Zero, 0, 0, 0)

	if !summary.ReturnPct.IsZero() {
		t.Errorf("ReturnPct = %s, want 0 for zero start balance", summary.ReturnPct)
	}
}

func TestRunSummary_Text(t *testing.T) {
	s := NewRunSummary("backtest", time.Time{}, time.Time{},
		decimal.NewFromInt(10000), decimal.NewFromInt(9500), decimal.NewFromFloat(0.1), decimal.NewFromInt(3), 2, 0, 2)
	s.KillSwitch = true
	text := s.Text()

	for _, want := range []string{"=== backtest ===", "-500.00 (-5.00%)", "Max drawdown:  10.00%", "TRIPPED"} {
		if !strings.Contains(text, want) {
			t.Errorf("Text() missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "Period") {
		t.Error("Text() should omit the period when unknown")
	}
}
