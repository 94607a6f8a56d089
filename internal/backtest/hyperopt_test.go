package backtest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/persistence"
	"github.com/tathienbao/quant-runner/internal/strategy"
	"github.com/tathienbao/quant-runner/internal/types"
)

func TestGrid_Expand(t *testing.T) {
	g := Grid{"slow": {8, 12}, "fast": {2, 3}}

	got := g.Expand()
	want := []string{"fast=2,slow=8", "fast=2,slow=12", "fast=3,slow=8", "fast=3,slow=12"}
	if len(got) != len(want) {
		t.Fatalf("Expand() = %d sets, want %d", len(got), len(want))
	}
	for i, p := range got {
		if p.String() != want[i] {
			t.Errorf("set %d = %s, want %s", i, p, want[i])
		}
	}
}

func TestGrid_ExpandEmpty(t *testing.T) {
	got := Grid{}.Expand()
	if len(got) != 1 || len(got[0]) != 0 {
		t.Errorf("Expand() of empty grid = %v, want one empty set", got)
	}
}

func TestParseObjective(t *testing.T) {
	tests := []struct {
		in      string
		want    Objective
		wantErr bool
	}{
		{"", ObjectiveTotalReturn, false},
		{"total_return", ObjectiveTotalReturn, false},
		{"profit_factor", ObjectiveProfitFactor, false},
		{"sharpe", ObjectiveSharpe, false},
		{"win_rate", ObjectiveWinRate, false},
		{"calmar", "", true},
	}
	for _, tt := range tests {
		got, err := ParseObjective(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseObjective(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if tt.wantErr && !errors.Is(err, types.ErrInvalidConfig) {
			t.Errorf("ParseObjective(%q) error = %v, want ErrInvalidConfig", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseObjective(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func holdRegistry() *strategy.Registry {
	r := strategy.NewRegistry()
	r.Register("hold", func(p strategy.Params) (strategy.Strategy, error) {
		return &holdStrategy{qty: p.Decimal("qty", "1")}, nil
	})
	return r
}

func TestHyperopt_RanksByObjectiveThenGridOrder(t *testing.T) {
	h := NewHyperopt(HyperoptConfig{
		Strategy: "hold",
		Grid:     Grid{"qty": {1, 3, 1}},
		Workers:  3,
		Backtest: testConfig(),
	}, holdRegistry(), nil)

	trials, err := h.Run(context.Background(), rising(20))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// qty 3 earns most; the two qty 1 runs tie and keep grid order.
	wantIdx := []int{1, 0, 2}
	for i, tr := range trials {
		if tr.Index != wantIdx[i] {
			t.Errorf("rank %d = run %d, want run %d", i+1, tr.Index, wantIdx[i])
		}
	}
	if want := decimal.RequireFromString("0.0054"); !trials[0].Score.Equal(want) {
		t.Errorf("best score = %s, want %s", trials[0].Score, want)
	}
}

func TestHyperopt_ParallelMatchesSequential(t *testing.T) {
	candles := wave(300)
	run := func(workers int) []Trial {
		h := NewHyperopt(HyperoptConfig{
			Strategy:  "sma_cross",
			Grid:      Grid{"fast": {2, 3, 4}, "slow": {8, 10}},
			Workers:   workers,
			Objective: ObjectiveTotalReturn,
			Backtest:  testConfig(),
		}, strategy.NewRegistry(), nil)
		trials, err := h.Run(context.Background(), candles)
		if err != nil {
			t.Fatalf("Run(workers=%d) error = %v", workers, err)
		}
		return trials
	}

	seq, par := run(1), run(4)
	if len(seq) != 6 || len(par) != 6 {
		t.Fatalf("trials = %d/%d, want 6", len(seq), len(par))
	}
	for i := range seq {
		if seq[i].Index != par[i].Index || !seq[i].Score.Equal(par[i].Score) {
			t.Errorf("rank %d: sequential run %d (%s) vs parallel run %d (%s)",
				i+1, seq[i].Index, seq[i].Score, par[i].Index, par[i].Score)
		}
		assertSameResult(t, seq[i].Result, par[i].Result)
	}
}

func TestHyperopt_BadParamsFail(t *testing.T) {
	h := NewHyperopt(HyperoptConfig{
		Strategy: "sma_cross",
		Grid:     Grid{"fast": {5}, "slow": {3}},
		Backtest: testConfig(),
	}, strategy.NewRegistry(), nil)

	if _, err := h.Run(context.Background(), wave(50)); !errors.Is(err, types.ErrInvalidConfig) {
		t.Errorf("Run() error = %v, want ErrInvalidConfig", err)
	}
}

func TestHyperopt_UnknownStrategy(t *testing.T) {
	h := NewHyperopt(HyperoptConfig{Strategy: "nope", Backtest: testConfig()}, strategy.NewRegistry(), nil)

	if _, err := h.Run(context.Background(), wave(50)); !errors.Is(err, types.ErrUnknownStrategy) {
		t.Errorf("Run() error = %v, want ErrUnknownStrategy", err)
	}
}

func TestHyperopt_DataGapFailsSearch(t *testing.T) {
	candles := rising(10)
	candles = append(candles[:5], candles[6:]...)

	h := NewHyperopt(HyperoptConfig{Strategy: "hold", Grid: Grid{"qty": {1, 2}}, Workers: 2, Backtest: testConfig()}, holdRegistry(), nil)
	if _, err := h.Run(context.Background(), candles); !errors.Is(err, types.ErrDataGap) {
		t.Errorf("Run() error = %v, want ErrDataGap", err)
	}
}

type memJournal struct {
	mu   sync.Mutex
	rows []persistence.HyperoptResult
}

func (j *memJournal) SaveHyperoptResult(_ context.Context, r persistence.HyperoptResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rows = append(j.rows, r)
	return nil
}

func TestHyperopt_JournalsRankedResults(t *testing.T) {
	j := &memJournal{}
	h := NewHyperopt(HyperoptConfig{
		RunID:    "hx-1",
		Strategy: "hold",
		Base:     strategy.Params{"unused": 7},
		Grid:     Grid{"qty": {1, 2}},
		Backtest: testConfig(),
	}, holdRegistry(), nil)
	h.SetJournal(j)

	if _, err := h.Run(context.Background(), rising(20)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(j.rows) != 2 {
		t.Fatalf("journal rows = %d, want 2", len(j.rows))
	}
	best := j.rows[0]
	if best.Rank != 1 || best.RunID != "hx-1" || best.Params["qty"] != 2 || best.Params["unused"] != 7 {
		t.Errorf("best row = %+v, want rank 1 of hx-1 with qty 2 and base params", best)
	}
	if best.Objective != string(ObjectiveTotalReturn) || best.Trades != 1 {
		t.Errorf("best row objective %q trades %d", best.Objective, best.Trades)
	}
	if j.rows[1].Rank != 2 {
		t.Errorf("second row rank = %d, want 2", j.rows[1].Rank)
	}
}
