package indicator

import (
	"github.com/shopspring/decimal"
)

// ATR is a rolling Average True Range, fed one bar at a time.
// True range is max(high-low, |high-prevClose|, |low-prevClose|); the first
// bar has no previous close and uses high-low.
type ATR struct {
	period    int
	prevClose decimal.Decimal
	ranges    []decimal.Decimal
	sum       decimal.Decimal
	seen      bool
}

// NewATR creates an ATR over period bars.
func NewATR(period int) *ATR {
	if period < 1 {
		period = 1
	}
	return &ATR{period: period, ranges: make([]decimal.Decimal, 0, period+1)}
}

// Update adds a bar and returns the ATR, zero until period bars are in.
func (a *ATR) Update(high, low, close decimal.Decimal) decimal.Decimal {
	tr := high.Sub(low)
	if a.seen {
		tr = decimal.Max(tr, high.Sub(a.prevClose).Abs(), low.Sub(a.prevClose).Abs())
	}
	a.prevClose = close
	a.seen = true

	a.ranges = append(a.ranges, tr)
	a.sum = a.sum.Add(tr)
	if len(a.ranges) > a.period {
		a.sum = a.sum.Sub(a.ranges[0])
		a.ranges = a.ranges[1:]
	}
	return a.Current()
}

// Current returns the ATR without adding a bar.
func (a *ATR) Current() decimal.Decimal {
	if !a.Ready() {
		return decimal.Zero
	}
	return a.sum.Div(decimal.NewFromInt(int64(a.period)))
}

// Ready reports whether period bars have been seen.
func (a *ATR) Ready() bool {
	return len(a.ranges) >= a.period
}

// Period returns the ATR period.
func (a *ATR) Period() int {
	return a.period
}

// Reset clears all bars.
func (a *ATR) Reset() {
	a.ranges = a.ranges[:0]
	a.sum = decimal.Zero
	a.prevClose = decimal.Zero
	a.seen = false
}

// ATROf returns the ATR of the last period bars of parallel high, low and
// close series. The bar before the window supplies the first previous
// close when there is one.
func ATROf(highs, lows, closes []decimal.Decimal, period int) (decimal.Decimal, bool) {
	n := len(closes)
	if period < 1 || n < period || len(highs) != n || len(lows) != n {
		return decimal.Zero, false
	}
	from := n - period
	if from > 0 {
		from--
	}
	atr := NewATR(period)
	for i := from; i < n; i++ {
		atr.Update(highs[i], lows[i], closes[i])
	}
	return atr.Current(), true
}
