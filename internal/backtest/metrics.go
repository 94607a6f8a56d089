package backtest

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/quant-runner/pkg/indicator"
)

// Metrics derives risk-adjusted ratios from a finished run. Trade
// aggregates and per-bar returns are computed once, up front.
type Metrics struct {
	curve    []EquityPoint
	returns  []decimal.Decimal
	riskFree decimal.Decimal // annual, 0.05 = 5%
	periods  int

	trades      int
	wins        int
	losses      int
	grossProfit decimal.Decimal
	grossLoss   decimal.Decimal // negative
}

// NewMetrics summarizes result. Trades are judged net of fees.
func NewMetrics(result *Result, riskFreeRate decimal.Decimal) *Metrics {
	m := &Metrics{
		curve:    result.EquityCurve,
		returns:  barReturns(result.EquityCurve),
		riskFree: riskFreeRate,
		periods:  periodsPerYear(result.EquityCurve),
		trades:   len(result.Trades),
	}
	for _, tr := range result.Trades {
		pnl := tr.NetPnL()
		switch pnl.Sign() {
		case 1:
			m.wins++
			m.grossProfit = m.grossProfit.Add(pnl)
		case -1:
			m.losses++
			m.grossLoss = m.grossLoss.Add(pnl)
		}
	}
	return m
}

// periodsPerYear infers the bar frequency from the first two points, so a
// minute curve is annualized as minutes. Daily is assumed otherwise.
func periodsPerYear(curve []EquityPoint) int {
	const tradingDays = 252
	if len(curve) < 2 {
		return tradingDays
	}
	step := curve[1].Timestamp.Sub(curve[0].Timestamp)
	if step <= 0 || step >= 24*time.Hour {
		return tradingDays
	}
	return int(tradingDays * 24 * time.Hour / step)
}

func barReturns(curve []EquityPoint) []decimal.Decimal {
	if len(curve) < 2 {
		return nil
	}
	out := make([]decimal.Decimal, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev.IsZero() {
			continue
		}
		out = append(out, curve[i].Equity.Div(prev).Sub(decimal.NewFromInt(1)))
	}
	return out
}

// SharpeRatio is the annualized mean excess return over its volatility.
func (m *Metrics) SharpeRatio() decimal.Decimal {
	return m.annualizedRatio(sampleStdDev(m.returns))
}

// SortinoRatio is SharpeRatio with only below-zero returns in the
// denominator.
func (m *Metrics) SortinoRatio() decimal.Decimal {
	var downside []decimal.Decimal
	for _, r := range m.returns {
		if r.IsNegative() {
			downside = append(downside, r)
		}
	}
	return m.annualizedRatio(sampleStdDev(downside))
}

func (m *Metrics) annualizedRatio(risk decimal.Decimal) decimal.Decimal {
	if len(m.returns) < 2 || risk.IsZero() {
		return decimal.Zero
	}
	avg, _ := indicator.SMAOf(m.returns, len(m.returns))
	excess := avg.Sub(m.riskFree.Div(decimal.NewFromInt(int64(m.periods))))
	return excess.Div(risk).Mul(decimal.NewFromFloat(math.Sqrt(float64(m.periods))))
}

// MaxDrawdown is the deepest peak-to-trough fall of the curve, as a ratio.
func (m *Metrics) MaxDrawdown() decimal.Decimal {
	var peak, worst decimal.Decimal
	for i, p := range m.curve {
		if i == 0 || p.Equity.GreaterThan(peak) {
			peak = p.Equity
			continue
		}
		if !peak.IsPositive() {
			continue
		}
		if dd := peak.Sub(p.Equity).Div(peak); dd.GreaterThan(worst) {
			worst = dd
		}
	}
	return worst
}

// CalmarRatio is AnnualizedReturn over MaxDrawdown.
func (m *Metrics) CalmarRatio() decimal.Decimal {
	dd := m.MaxDrawdown()
	if dd.IsZero() {
		return decimal.Zero
	}
	return m.AnnualizedReturn().Div(dd)
}

// AnnualizedReturn compounds the total return to a 365-day year. Runs
// shorter than about four days report the raw total return.
func (m *Metrics) AnnualizedReturn() decimal.Decimal {
	if len(m.curve) < 2 {
		return decimal.Zero
	}
	first, last := m.curve[0], m.curve[len(m.curve)-1]
	if first.Equity.IsZero() {
		return decimal.Zero
	}
	total := last.Equity.Sub(first.Equity).Div(first.Equity)

	years := last.Timestamp.Sub(first.Timestamp).Hours() / (24 * 365)
	if years < 0.01 {
		return total
	}
	return decimal.NewFromFloat(math.Pow(1+total.InexactFloat64(), 1/years) - 1)
}

// WinRate is the share of trades with positive net P&L.
func (m *Metrics) WinRate() decimal.Decimal {
	if m.trades == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(m.wins)).Div(decimal.NewFromInt(int64(m.trades)))
}

// ProfitFactor is gross profit over gross loss, zero without losses.
func (m *Metrics) ProfitFactor() decimal.Decimal {
	if m.grossLoss.IsZero() {
		return decimal.Zero
	}
	return m.grossProfit.Div(m.grossLoss.Neg())
}

// AverageWin is the mean net P&L of winning trades.
func (m *Metrics) AverageWin() decimal.Decimal {
	return average(m.grossProfit, m.wins)
}

// AverageLoss is the mean net P&L of losing trades, as a negative number.
func (m *Metrics) AverageLoss() decimal.Decimal {
	return average(m.grossLoss, m.losses)
}

// Expectancy is the expected net P&L of one trade.
func (m *Metrics) Expectancy() decimal.Decimal {
	wr := m.WinRate()
	return wr.Mul(m.AverageWin()).Add(decimal.NewFromInt(1).Sub(wr).Mul(m.AverageLoss()))
}

func average(sum decimal.Decimal, n int) decimal.Decimal {
	if n == 0 {
		return decimal.Zero
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}

// sampleStdDev uses the n-1 denominator; indicator.StdDevOf is the
// population form used on price windows.
func sampleStdDev(values []decimal.Decimal) decimal.Decimal {
	n := len(values)
	if n < 2 {
		return decimal.Zero
	}
	avg, _ := indicator.SMAOf(values, n)
	var ss decimal.Decimal
	for _, v := range values {
		d := v.Sub(avg)
		ss = ss.Add(d.Mul(d))
	}
	variance := ss.Div(decimal.NewFromInt(int64(n - 1))).InexactFloat64()
	return decimal.NewFromFloat(math.Sqrt(variance))
}
