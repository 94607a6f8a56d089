// Package ui draws backtest progress in the terminal.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/term"

	"github.com/tathienbao/quant-runner/internal/backtest"
	"github.com/tathienbao/quant-runner/internal/types"
)

// ANSI escape codes
const (
	ClearLine   = "\033[2K"
	MoveToStart = "\r"
	HideCursor  = "\033[?25l"
	ShowCursor  = "\033[?25h"
	ColorReset  = "\033[0m"
	ColorGreen  = "\033[32m"
	ColorRed    = "\033[31m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
	ColorDim    = "\033[2m"
	ColorBold   = "\033[1m"
)

// BacktestUI draws a candle chart, a progress bar and running account
// stats. It is fed by the backtest runner's progress callback.
type BacktestUI struct {
	out io.Writer

	candles     []types.Candle
	maxCandles  int
	chartHeight int
	every       int // render every n bars

	last        backtest.ProgressUpdate
	startEquity decimal.Decimal

	width        int
	linesPrinted int
}

// NewBacktestUI creates a UI writing to stdout, sized to the terminal.
func NewBacktestUI(startEquity decimal.Decimal) *BacktestUI {
	width, _ := terminalSize()
	return newBacktestUI(os.Stdout, width, startEquity)
}

func newBacktestUI(out io.Writer, width int, startEquity decimal.Decimal) *BacktestUI {
	// Leave room for the price axis.
	maxCandles := width - 20
	if maxCandles < 20 {
		maxCandles = 20
	}
	if maxCandles > 100 {
		maxCandles = 100
	}

	return &BacktestUI{
		out:         out,
		candles:     make([]types.Candle, 0, maxCandles),
		maxCandles:  maxCandles,
		chartHeight: 12,
		every:       1,
		startEquity: startEquity,
		width:       width,
	}
}

// SetRenderEvery redraws only every n bars. Long runs render faster.
func (ui *BacktestUI) SetRenderEvery(n int) {
	if n > 0 {
		ui.every = n
	}
}

// Start hides the cursor.
func (ui *BacktestUI) Start() {
	fmt.Fprint(ui.out, HideCursor)
	fmt.Fprintln(ui.out)
}

// Stop draws the final frame and restores the cursor.
func (ui *BacktestUI) Stop() {
	if ui.last.Bar > 0 {
		ui.Render()
	}
	fmt.Fprint(ui.out, ShowCursor)
	fmt.Fprintln(ui.out)
}

// Update records one bar. Use it as the runner's progress callback.
func (ui *BacktestUI) Update(u backtest.ProgressUpdate) {
	ui.candles = append(ui.candles, u.Candle)
	if len(ui.candles) > ui.maxCandles {
		ui.candles = ui.candles[1:]
	}
	ui.last = u
	if u.Bar%ui.every == 0 || u.Bar == u.TotalBars {
		ui.Render()
	}
}

// Render draws the current state over the previous frame.
func (ui *BacktestUI) Render() {
	if ui.linesPrinted > 0 {
		fmt.Fprintf(ui.out, "\033[%dA", ui.linesPrinted)
	}

	lines := []string{ui.progressLine()}
	lines = append(lines, ui.renderChart()...)
	lines = append(lines, ui.statsLine())

	for _, line := range lines {
		fmt.Fprint(ui.out, ClearLine)
		fmt.Fprintln(ui.out, line)
	}
	ui.linesPrinted = len(lines)
}

func (ui *BacktestUI) progressLine() string {
	u := ui.last
	barWidth := ui.width - 30
	if barWidth < 20 {
		barWidth = 20
	}
	if u.TotalBars <= 0 {
		// Unknown length: show the count only.
		return fmt.Sprintf("%sbar %d%s", ColorCyan, u.Bar, ColorReset)
	}
	progress := float64(u.Bar) / float64(u.TotalBars)
	if progress > 1 {
		progress = 1
	}
	filled := int(progress * float64(barWidth))
	return fmt.Sprintf("%s%s%s %.1f%% [%d/%d]%s",
		ColorCyan, strings.Repeat("█", filled), strings.Repeat("░", barWidth-filled),
		progress*100, u.Bar, u.TotalBars, ColorReset)
}

func (ui *BacktestUI) statsLine() string {
	u := ui.last
	pnlPct := decimal.Zero
	if !ui.startEquity.IsZero() {
		pnlPct = u.Equity.Sub(ui.startEquity).Div(ui.startEquity).Mul(decimal.NewFromInt(100))
	}
	pnlColor := ColorGreen
	if pnlPct.IsNegative() {
		pnlColor = ColorRed
	}
	posColor := ColorDim
	switch u.Position.Sign() {
	case 1:
		posColor = ColorGreen
	case -1:
		posColor = ColorRed
	}

	return fmt.Sprintf("%sEquity:%s %s (%s%+.2f%%%s) │ %sDD:%s %s%.2f%%%s │ %sPos:%s %s%s%s │ %sTrades:%s %d │ %sWin:%s %.1f%%",
		ColorBold, ColorReset, u.Equity.StringFixed(2),
		pnlColor, pnlPct.InexactFloat64(), ColorReset,
		ColorBold, ColorReset, ColorYellow, u.Drawdown.Mul(decimal.NewFromInt(100)).InexactFloat64(), ColorReset,
		ColorBold, ColorReset, posColor, u.Position.String(), ColorReset,
		ColorBold, ColorReset, u.Trades,
		ColorBold, ColorReset, u.WinRate.Mul(decimal.NewFromInt(100)).InexactFloat64())
}

// renderChart creates an ASCII candlestick chart.
func (ui *BacktestUI) renderChart() []string {
	if len(ui.candles) < 2 {
		lines := make([]string, ui.chartHeight)
		for i := range lines {
			lines[i] = ColorDim + "│" + ColorReset
		}
		return lines
	}

	minPrice := ui.candles[0].Low
	maxPrice := ui.candles[0].High
	for _, c := range ui.candles {
		minPrice = decimal.Min(minPrice, c.Low)
		maxPrice = decimal.Max(maxPrice, c.High)
	}

	priceRange := maxPrice.Sub(minPrice)
	if priceRange.IsZero() {
		priceRange = decimal.NewFromInt(1)
	}
	padding := priceRange.Mul(decimal.RequireFromString("0.05"))
	minPrice = minPrice.Sub(padding)
	priceRange = maxPrice.Add(padding).Sub(minPrice)

	height := ui.chartHeight
	width := len(ui.candles)
	chart := make([][]rune, height)
	colors := make([][]string, height)
	for i := range chart {
		chart[i] = make([]rune, width)
		colors[i] = make([]string, width)
		for j := range chart[i] {
			chart[i][j] = ' '
			colors[i][j] = ColorReset
		}
	}

	for x, c := range ui.candles {
		color := ColorRed
		if c.Close.GreaterThanOrEqual(c.Open) {
			color = ColorGreen
		}

		// 0 is the top row.
		highY := priceToY(c.High, minPrice, priceRange, height)
		lowY := priceToY(c.Low, minPrice, priceRange, height)
		bodyTop := priceToY(c.Open, minPrice, priceRange, height)
		bodyBottom := priceToY(c.Close, minPrice, priceRange, height)
		if bodyBottom < bodyTop {
			bodyTop, bodyBottom = bodyBottom, bodyTop
		}

		for y := highY; y <= lowY; y++ {
			if y >= 0 && y < height {
				chart[y][x] = '│'
				colors[y][x] = color
			}
		}
		for y := bodyTop; y <= bodyBottom; y++ {
			if y >= 0 && y < height {
				chart[y][x] = '█'
				colors[y][x] = color
			}
		}
	}

	lines := make([]string, height, height+1)
	for y := 0; y < height; y++ {
		var sb strings.Builder

		if y%(height/4) == 0 {
			price := yToPrice(y, minPrice, priceRange, height)
			sb.WriteString(fmt.Sprintf("%s%9.2f%s │", ColorDim, price.InexactFloat64(), ColorReset))
		} else {
			sb.WriteString(fmt.Sprintf("%s          │%s", ColorDim, ColorReset))
		}

		for x := 0; x < width; x++ {
			sb.WriteString(colors[y][x])
			sb.WriteRune(chart[y][x])
		}
		sb.WriteString(ColorReset)
		lines[y] = sb.String()
	}

	lines = append(lines, fmt.Sprintf("%s          └%s%s", ColorDim, strings.Repeat("─", width), ColorReset))
	return lines
}

func priceToY(price, minPrice, priceRange decimal.Decimal, height int) int {
	if priceRange.IsZero() {
		return height / 2
	}
	normalized := price.Sub(minPrice).Div(priceRange)
	y := decimal.NewFromInt(int64(height - 1)).Sub(normalized.Mul(decimal.NewFromInt(int64(height - 1))))
	return int(y.IntPart())
}

func yToPrice(y int, minPrice, priceRange decimal.Decimal, height int) decimal.Decimal {
	normalized := decimal.NewFromInt(int64(height - 1 - y)).Div(decimal.NewFromInt(int64(height - 1)))
	return minPrice.Add(priceRange.Mul(normalized))
}

func terminalSize() (width, height int) {
	width, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80, 24
	}
	return width, height
}

// IsTerminal reports whether stdout is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// ProgressLine prints a single updating progress line.
func ProgressLine(w io.Writer, current, total int, message string) {
	progress := 0.0
	if total > 0 {
		progress = float64(current) / float64(total) * 100
	}
	fmt.Fprintf(w, "%s%s[%d/%d] %.1f%% - %s", ClearLine, MoveToStart, current, total, progress, message)
}
