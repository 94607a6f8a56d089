package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/tathienbao/quant-runner/internal/metrics"
	"github.com/tathienbao/quant-runner/internal/observer"
	"github.com/tathienbao/quant-runner/internal/persistence"
	"github.com/tathienbao/quant-runner/internal/strategy"
	"github.com/tathienbao/quant-runner/internal/types"
)

// Objective names the result field hyperopt maximizes.
type Objective string

const (
	ObjectiveTotalReturn  Objective = "total_return"
	ObjectiveProfitFactor Objective = "profit_factor"
	ObjectiveSharpe       Objective = "sharpe"
	ObjectiveWinRate      Objective = "win_rate"
)

// ParseObjective validates an objective name. Empty means total_return.
func ParseObjective(s string) (Objective, error) {
	switch o := Objective(s); o {
	case "":
		return ObjectiveTotalReturn, nil
	case ObjectiveTotalReturn, ObjectiveProfitFactor, ObjectiveSharpe, ObjectiveWinRate:
		return o, nil
	}
	return "", fmt.Errorf("%w: unknown objective %q", types.ErrInvalidConfig, s)
}

// Score extracts the objective from a result.
func (o Objective) Score(r *Result) decimal.Decimal {
	switch o {
	case ObjectiveProfitFactor:
		return r.ProfitFactor
	case ObjectiveSharpe:
		return r.Sharpe
	case ObjectiveWinRate:
		return r.WinRate
	default:
		return r.TotalReturn
	}
}

// Grid maps parameter names to the values to try.
type Grid map[string][]float64

// Expand returns the cartesian product in a fixed order: keys sorted, the
// last key varying fastest. An empty grid yields one empty parameter set.
func (g Grid) Expand() []strategy.Params {
	keys := make([]string, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := []strategy.Params{{}}
	for _, k := range keys {
		values := g[k]
		if len(values) == 0 {
			continue
		}
		next := make([]strategy.Params, 0, len(out)*len(values))
		for _, base := range out {
			for _, v := range values {
				p := base.Clone()
				p[k] = v
				next = append(next, p)
			}
		}
		out = next
	}
	return out
}

// HyperoptConfig holds a parameter search.
type HyperoptConfig struct {
	RunID     string
	Strategy  string
	Base      strategy.Params // fixed params, overridden by the grid
	Grid      Grid
	Workers   int
	Objective Objective
	Backtest  Config
}

// Trial is one parameter set and its backtest.
type Trial struct {
	Index  int // position in Grid.Expand order
	Params strategy.Params
	Score  decimal.Decimal
	Result *Result
}

// Journal stores ranked hyperopt results.
type Journal interface {
	SaveHyperoptResult(ctx context.Context, r persistence.HyperoptResult) error
}

// Hyperopt runs one backtest per grid point.
type Hyperopt struct {
	cfg      HyperoptConfig
	registry *strategy.Registry
	journal  Journal
	recorder *metrics.Recorder
	logger   *slog.Logger
}

// NewHyperopt creates a search over registry's strategies.
func NewHyperopt(cfg HyperoptConfig, registry *strategy.Registry, logger *slog.Logger) *Hyperopt {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Objective == "" {
		cfg.Objective = ObjectiveTotalReturn
	}
	return &Hyperopt{cfg: cfg, registry: registry, logger: logger}
}

// SetJournal records ranked results after each search.
func (h *Hyperopt) SetJournal(j Journal) { h.journal = j }

// SetRecorder counts finished runs.
func (h *Hyperopt) SetRecorder(r *metrics.Recorder) { h.recorder = r }

// Run backtests every parameter set over candles and returns the trials
// best first, ties in grid order. The candle slice is shared read-only. Any
// failed run fails the search.
func (h *Hyperopt) Run(ctx context.Context, candles []types.Candle) ([]Trial, error) {
	sets := h.cfg.Grid.Expand()
	trials := make([]Trial, len(sets))

	h.logger.Info("hyperopt started",
		"strategy", h.cfg.Strategy,
		"runs", len(sets),
		"workers", h.cfg.Workers,
		"objective", h.cfg.Objective,
	)
	started := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.cfg.Workers)
	for i, set := range sets {
		params := h.cfg.Base.Clone()
		for k, v := range set {
			params[k] = v
		}
		g.Go(func() error {
			res, err := h.runOne(gctx, i, params, candles)
			if err != nil {
				return fmt.Errorf("run %d (%s): %w", i, params, err)
			}
			trials[i] = Trial{Index: i, Params: params, Score: h.cfg.Objective.Score(res), Result: res}
			h.recorder.RecordHyperoptRun()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(trials, func(a, b int) bool {
		if c := trials[a].Score.Cmp(trials[b].Score); c != 0 {
			return c > 0
		}
		return trials[a].Index < trials[b].Index
	})

	h.logger.Info("hyperopt finished", "runs", len(trials), "elapsed", time.Since(started).Round(time.Millisecond))

	if h.journal != nil {
		if err := h.save(ctx, trials); err != nil {
			return trials, err
		}
	}
	return trials, nil
}

func (h *Hyperopt) runOne(ctx context.Context, i int, params strategy.Params, candles []types.Candle) (*Result, error) {
	strat, err := h.registry.New(h.cfg.Strategy, params)
	if err != nil {
		return nil, err
	}

	cfg := h.cfg.Backtest
	// Workers only talk at debug level.
	if h.logger.Enabled(ctx, slog.LevelDebug) {
		cfg.Logger = h.logger.With("run", i)
	} else {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	res, err := NewRunner(cfg, observer.NewMemoryFeed(candles), strat).Run(ctx)
	if err != nil {
		return nil, err
	}
	h.logger.Debug("hyperopt run done", "run", i, "params", params.String(), "return", res.TotalReturn.StringFixed(4))
	return res, nil
}

func (h *Hyperopt) save(ctx context.Context, trials []Trial) error {
	now := time.Now().UTC()
	for rank, tr := range trials {
		r := tr.Result
		err := h.journal.SaveHyperoptResult(ctx, persistence.HyperoptResult{
			RunID:        h.cfg.RunID,
			Rank:         rank + 1,
			Strategy:     h.cfg.Strategy,
			Params:       map[string]float64(tr.Params),
			Objective:    string(h.cfg.Objective),
			Score:        tr.Score,
			TotalReturn:  r.TotalReturn,
			MaxDrawdown:  r.MaxDrawdown,
			WinRate:      r.WinRate,
			ProfitFactor: r.ProfitFactor,
			Sharpe:       r.Sharpe,
			Trades:       r.TradeCount,
			CreatedAt:    now,
		})
		if err != nil {
			return fmt.Errorf("journal hyperopt result: %w", err)
		}
	}
	return nil
}
