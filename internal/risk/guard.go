package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/types"
)

// Config holds the pre-trade limits. Zero disables a limit.
type Config struct {
	MaxPositionQty decimal.Decimal // absolute net qty per symbol after fill
	MaxLeverage    decimal.Decimal // gross exposure / equity after fill
	MaxDrawdownPct decimal.Decimal // e.g. 0.20; trips the kill switch
}

// DefaultConfig returns a conservative default configuration.
func DefaultConfig() Config {
	return Config{
		MaxPositionQty: decimal.Zero,
		MaxLeverage:    decimal.RequireFromString("3"),
		MaxDrawdownPct: decimal.RequireFromString("0.20"),
	}
}

// Guard checks trade intents against the tracker before submission.
// Once the drawdown limit is hit the kill switch latches: only reduce-only
// intents and cancels pass until Reset.
type Guard struct {
	mu sync.Mutex

	cfg     Config
	tracker *Tracker

	killed   bool
	killedAt time.Time
	reason   string
	onKill   func(reason string)

	logger *slog.Logger
}

// NewGuard creates a guard over tracker.
func NewGuard(cfg Config, tracker *Tracker, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{cfg: cfg, tracker: tracker, logger: logger}
}

// OnKill registers a callback fired once when the kill switch trips.
func (g *Guard) OnKill(fn func(reason string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onKill = fn
}

// Check returns nil if the intent may be submitted at the reference price.
func (g *Guard) Check(in types.TradeIntent, price decimal.Decimal) error {
	if in.Action != types.ActionPlace {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.observeLocked()

	if in.ReduceOnly {
		return nil
	}
	if g.killed {
		return types.ErrKillSwitchActive
	}

	pos := g.tracker.Position(in.Symbol)
	projected := pos.NetQty.Add(in.Quantity.Mul(in.Side.Sign()))

	if g.cfg.MaxPositionQty.IsPositive() && projected.Abs().GreaterThan(g.cfg.MaxPositionQty) {
		return fmt.Errorf("%w: net qty %s exceeds %s", types.ErrExposureLimitExceeded, projected, g.cfg.MaxPositionQty)
	}

	if g.cfg.MaxLeverage.IsPositive() && price.IsPositive() {
		equity := g.tracker.Equity()
		if !equity.IsPositive() {
			return types.ErrInsufficientEquity
		}
		current := pos.NetQty.Abs().Mul(price)
		exposure := g.tracker.Exposure().Sub(current).Add(projected.Abs().Mul(price))
		if lev := exposure.Div(equity); lev.GreaterThan(g.cfg.MaxLeverage) {
			return fmt.Errorf("%w: %s > %s", types.ErrLeverageExceeded, lev.StringFixed(2), g.cfg.MaxLeverage)
		}
	}

	return nil
}

// Observe evaluates the drawdown limit without an intent, so the kill switch
// can trip between signals. It reports whether the switch is latched.
func (g *Guard) Observe() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observeLocked()
	return g.killed
}

// Reason returns why the kill switch tripped, empty when it is not latched.
func (g *Guard) Reason() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason
}

func (g *Guard) observeLocked() {
	if dd := g.tracker.Drawdown(); g.cfg.MaxDrawdownPct.IsPositive() && dd.GreaterThanOrEqual(g.cfg.MaxDrawdownPct) {
		g.tripLocked(fmt.Sprintf("drawdown %s >= %s", dd.StringFixed(4), g.cfg.MaxDrawdownPct))
	}
}

// Active reports whether the kill switch is latched.
func (g *Guard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.killed
}

// Trip latches the kill switch manually.
func (g *Guard) Trip(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tripLocked(reason)
}

// Reset releases the kill switch.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.killed {
		g.killed = false
		g.reason = ""
		g.logger.Warn("kill switch reset manually")
	}
}

func (g *Guard) tripLocked(reason string) {
	if g.killed {
		return
	}
	g.killed = true
	g.killedAt = time.Now()
	g.reason = reason

	g.logger.Error("KILL SWITCH ACTIVATED",
		"reason", reason,
		"equity", g.tracker.Equity(),
		"drawdown", g.tracker.Drawdown(),
	)
	if g.onKill != nil {
		g.onKill(reason)
	}
}
