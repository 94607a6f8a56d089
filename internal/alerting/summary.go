package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RunSummary contains the statistics printed at the end of a run.
type RunSummary struct {
	Label           string
	Start           time.Time
	End             time.Time
	StartingBalance decimal.Decimal
	EndingEquity    decimal.Decimal
	TotalPL         decimal.Decimal
	ReturnPct       decimal.Decimal
	MaxDrawdownPct  decimal.Decimal
	Fees            decimal.Decimal
	TotalTrades     int
	WinningTrades   int
	LosingTrades    int
	WinRate         decimal.Decimal
	Orders          int
	Fills           int
	KillSwitch      bool
	OpenPositions   int
}

// NewRunSummary derives the percentage fields. maxDrawdown is a ratio.
func NewRunSummary(
	label string,
	start, end time.Time,
	startBalance, endEquity, maxDrawdown, fees decimal.Decimal,
	totalTrades, winningTrades, losingTrades int,
) RunSummary {
	hundred := decimal.NewFromInt(100)
	totalPL := endEquity.Sub(startBalance)

	var returnPct decimal.Decimal
	if !startBalance.IsZero() {
		returnPct = totalPL.Div(startBalance).Mul(hundred)
	}

	var winRate decimal.Decimal
	if totalTrades > 0 {
		winRate = decimal.NewFromInt(int64(winningTrades)).
			Div(decimal.NewFromInt(int64(totalTrades))).
			Mul(hundred)
	}

	return RunSummary{
		Label:           label,
		Start:           start,
		End:             end,
		StartingBalance: startBalance,
		EndingEquity:    endEquity,
		TotalPL:         totalPL,
		ReturnPct:       returnPct,
		MaxDrawdownPct:  maxDrawdown.Mul(hundred),
		Fees:            fees,
		TotalTrades:     totalTrades,
		WinningTrades:   winningTrades,
		LosingTrades:    losingTrades,
		WinRate:         winRate,
	}
}

// Text renders the summary as plain text for the console.
func (s RunSummary) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== %s ===\n", s.Label)
	if !s.Start.IsZero() {
		fmt.Fprintf(&b, "Period:        %s -> %s\n", s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Start balance: %s\n", s.StartingBalance.StringFixed(2))
	fmt.Fprintf(&b, "End equity:    %s\n", s.EndingEquity.StringFixed(2))
	fmt.Fprintf(&b, "PnL:           %s (%s%%)\n", s.TotalPL.StringFixed(2), s.ReturnPct.StringFixed(2))
	fmt.Fprintf(&b, "Max drawdown:  %s%%\n", s.MaxDrawdownPct.StringFixed(2))
	fmt.Fprintf(&b, "Fees:          %s\n", s.Fees.StringFixed(2))
	fmt.Fprintf(&b, "Trades:        %d (won %d, lost %d, win rate %s%%)\n",
		s.TotalTrades, s.WinningTrades, s.LosingTrades, s.WinRate.StringFixed(1))
	if s.Orders > 0 || s.Fills > 0 {
		fmt.Fprintf(&b, "Orders/fills:  %d / %d\n", s.Orders, s.Fills)
	}
	if s.KillSwitch {
		b.WriteString("Kill switch:   TRIPPED\n")
	}
	if s.OpenPositions > 0 {
		fmt.Fprintf(&b, "Open positions: %d\n", s.OpenPositions)
	}
	return b.String()
}
