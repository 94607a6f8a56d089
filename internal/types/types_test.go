package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSide_String(t *testing.T) {
	tests := []struct {
		side Side
		want string
	}{
		{SideLong, "LONG"},
		{SideShort, "SHORT"},
		{SideFlat, "FLAT"},
		{Side(99), "FLAT"},
	}

	for _, tt := range tests {
		if got := tt.side.String(); got != tt.want {
			t.Errorf("Side(%d).String() = %s, want %s", tt.side, got, tt.want)
		}
	}
}

func TestOrderKind_ParseRoundTrip(t *testing.T) {
	for k := KindMarket; k <= KindIceberg; k++ {
		got, err := ParseOrderKind(k.String())
		if err != nil {
			t.Fatalf("ParseOrderKind(%s) error = %v", k, err)
		}
		if got != k {
			t.Errorf("ParseOrderKind(%s) = %v, want %v", k, got, k)
		}
	}

	if _, err := ParseOrderKind("fok"); !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("ParseOrderKind(fok) error = %v, want ErrInvalidOrder", err)
	}
}

func TestOrderKind_IsTriggered(t *testing.T) {
	tests := []struct {
		kind OrderKind
		want bool
	}{
		{KindMarket, false},
		{KindLimit, false},
		{KindStopLoss, true},
		{KindTakeProfit, true},
		{KindTrailingStop, true},
		{KindIceberg, false},
	}

	for _, tt := range tests {
		if got := tt.kind.IsTriggered(); got != tt.want {
			t.Errorf("%s.IsTriggered() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestOrderStatus_IsFinal(t *testing.T) {
	tests := []struct {
		status OrderStatus
		want   bool
	}{
		{OrderStatusPending, false},
		{OrderStatusSubmitted, false},
		{OrderStatusPartiallyFilled, false},
		{OrderStatusFilled, true},
		{OrderStatusRejected, true},
		{OrderStatusCancelled, true},
		{OrderStatusExpired, true},
	}

	for _, tt := range tests {
		if got := tt.status.IsFinal(); got != tt.want {
			t.Errorf("OrderStatus(%s).IsFinal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestOrderStatus_RankIsMonotonic(t *testing.T) {
	order := []OrderStatus{OrderStatusPending, OrderStatusSubmitted, OrderStatusPartiallyFilled, OrderStatusFilled}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("Rank(%s) = %d, want > Rank(%s) = %d", order[i], order[i].Rank(), order[i-1], order[i-1].Rank())
		}
	}
}

func TestParseOrderStatus(t *testing.T) {
	got, err := ParseOrderStatus("partially_filled")
	if err != nil {
		t.Fatalf("ParseOrderStatus() error = %v", err)
	}
	if got != OrderStatusPartiallyFilled {
		t.Errorf("ParseOrderStatus() = %s, want PARTIALLY_FILLED", got)
	}
}

func TestCandle_Validate(t *testing.T) {
	d := decimal.RequireFromString
	good := Candle{Open: d("100"), High: d("105"), Low: d("99"), Close: d("101")}
	if err := good.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	bad := Candle{Open: d("100"), High: d("98"), Low: d("99"), Close: d("101")}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidData) {
		t.Errorf("Validate() error = %v, want ErrInvalidData", err)
	}
}

func TestPosition_Side(t *testing.T) {
	tests := []struct {
		qty  string
		want Side
	}{
		{"1.5", SideLong},
		{"-0.5", SideShort},
		{"0", SideFlat},
	}

	for _, tt := range tests {
		p := Position{NetQty: decimal.RequireFromString(tt.qty)}
		if got := p.Side(); got != tt.want {
			t.Errorf("Position{%s}.Side() = %s, want %s", tt.qty, got, tt.want)
		}
	}
}

func TestTypedErrors_MatchSentinels(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"transient", &TransientCommError{Op: "submit", Attempts: 5, Err: errors.New("timeout")}, ErrTransientComm},
		{"rejected", &OrderRejectedError{ClientOrderID: "a", StatusCode: 400}, ErrOrderRejectedByExchange},
		{"conflict", &ReconciliationConflictError{ClientOrderID: "a"}, ErrReconciliationConflict},
		{"gap", &DataGapError{Symbol: "BTCUSD", Previous: time.Unix(60, 0), Current: time.Unix(0, 0)}, ErrDataGap},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			if !errors.Is(wrapped, tt.target) {
				t.Errorf("errors.Is(%v, %v) = false", wrapped, tt.target)
			}
		})
	}

	var gap *DataGapError
	if !errors.As(fmt.Errorf("run: %w", &DataGapError{Symbol: "X"}), &gap) {
		t.Error("errors.As(DataGapError) = false")
	}
}

// 0.1 + 0.2 must be exactly 0.3 for fill accounting.
func TestDecimal_FloatPrecision(t *testing.T) {
	a := decimal.RequireFromString("0.1")
	b := decimal.RequireFromString("0.2")

	if got := a.Add(b); !got.Equal(decimal.RequireFromString("0.3")) {
		t.Errorf("0.1 + 0.2 = %s, want 0.3", got)
	}
}
