// Package types defines shared types used across the trading system.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of a position.
type Side int

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "LONG"
	case SideShort:
		return "SHORT"
	default:
		return "FLAT"
	}
}

// Opposite returns the opposite side.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideFlat
	}
}

// OrderSide is the direction of an order.
type OrderSide int

const (
	Buy OrderSide = iota + 1
	Sell
)

func (s OrderSide) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Sign returns +1 for buys and -1 for sells.
func (s OrderSide) Sign() decimal.Decimal {
	if s == Sell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Opposite returns the closing side.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ParseOrderSide parses "buy" / "sell" in any case.
func ParseOrderSide(s string) (OrderSide, error) {
	switch strings.ToLower(s) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	default:
		return 0, fmt.Errorf("%w: side %q", ErrInvalidOrder, s)
	}
}

// OrderKind selects the order type the engine sends to the adapter.
type OrderKind int

const (
	KindMarket OrderKind = iota + 1
	KindLimit
	KindStopLoss
	KindTakeProfit
	KindTrailingStop
	KindIceberg
)

var kindNames = map[OrderKind]string{
	KindMarket:       "market",
	KindLimit:        "limit",
	KindStopLoss:     "stop_loss",
	KindTakeProfit:   "take_profit",
	KindTrailingStop: "trailing_stop",
	KindIceberg:      "iceberg",
}

func (k OrderKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// IsTriggered reports whether the order is inert until a trigger price is touched.
func (k OrderKind) IsTriggered() bool {
	return k == KindStopLoss || k == KindTakeProfit || k == KindTrailingStop
}

// ParseOrderKind parses a kind name such as "stop_loss".
func ParseOrderKind(s string) (OrderKind, error) {
	for k, n := range kindNames {
		if n == strings.ToLower(s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: kind %q", ErrInvalidOrder, s)
}

// OrderStatus represents the state of an order.
type OrderStatus int

const (
	OrderStatusPending OrderStatus = iota
	OrderStatusSubmitted
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
	OrderStatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "PENDING"
	case OrderStatusSubmitted:
		return "SUBMITTED"
	case OrderStatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCancelled:
		return "CANCELLED"
	case OrderStatusRejected:
		return "REJECTED"
	case OrderStatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// IsFinal returns true if the order is in a terminal state.
func (s OrderStatus) IsFinal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Rank orders statuses by lifecycle progress. Terminal statuses share the top rank.
func (s OrderStatus) Rank() int {
	switch s {
	case OrderStatusPending:
		return 0
	case OrderStatusSubmitted:
		return 1
	case OrderStatusPartiallyFilled:
		return 2
	default:
		return 3
	}
}

// ParseOrderStatus is the inverse of OrderStatus.String.
func ParseOrderStatus(s string) (OrderStatus, error) {
	for st := OrderStatusPending; st <= OrderStatusExpired; st++ {
		if st.String() == strings.ToUpper(s) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("%w: status %q", ErrInvalidOrder, s)
}

// Candle is one OHLCV bar. OpenTime is strictly increasing within a stream.
type Candle struct {
	Symbol    string
	OpenTime  time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Timeframe time.Duration
}

// CloseTime is the instant the bar closes.
func (c Candle) CloseTime() time.Time {
	return c.OpenTime.Add(c.Timeframe)
}

// Validate checks OHLC consistency.
func (c Candle) Validate() error {
	if c.Open.IsNegative() || c.High.IsNegative() || c.Low.IsNegative() || c.Close.IsNegative() {
		return fmt.Errorf("%w: negative price at %s", ErrInvalidData, c.OpenTime)
	}
	if c.High.LessThan(c.Low) {
		return fmt.Errorf("%w: high %s < low %s at %s", ErrInvalidData, c.High, c.Low, c.OpenTime)
	}
	if c.High.LessThan(c.Open) || c.High.LessThan(c.Close) || c.Low.GreaterThan(c.Open) || c.Low.GreaterThan(c.Close) {
		return fmt.Errorf("%w: open/close outside range at %s", ErrInvalidData, c.OpenTime)
	}
	return nil
}

// IntentAction distinguishes placing from cancelling.
type IntentAction int

const (
	ActionPlace IntentAction = iota
	ActionCancel
	ActionCancelAll
)

func (a IntentAction) String() string {
	switch a {
	case ActionCancel:
		return "cancel"
	case ActionCancelAll:
		return "cancel_all"
	default:
		return "place"
	}
}

// TradeIntent is a strategy's request, prior to becoming an order.
type TradeIntent struct {
	ClientIntentID    string
	Symbol            string
	Action            IntentAction
	TargetIntentID    string // for ActionCancel
	Side              OrderSide
	Kind              OrderKind
	Quantity          decimal.Decimal
	Price             decimal.Decimal // limit / iceberg slice price
	TriggerPrice      decimal.Decimal // stop_loss / take_profit / initial trailing trigger
	TrailOffset       decimal.Decimal
	IcebergVisibleQty decimal.Decimal
	ReduceOnly        bool
	ExpireAfter       time.Duration
	Tag               string
}

// Order is owned by the execution engine.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	ParentID        string
	IntentID        string
	Symbol          string
	Kind            OrderKind
	Side            OrderSide
	RequestedQty    decimal.Decimal
	FilledQty       decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Price           decimal.Decimal
	TriggerPrice    decimal.Decimal
	TrailOffset     decimal.Decimal
	VisibleQty      decimal.Decimal
	Status          OrderStatus
	ReduceOnly      bool
	CreatedAt       time.Time
	LastUpdateAt    time.Time
	ExpiresAt       time.Time
	RejectReason    string
	Unconfirmed     bool
	Flagged         bool
	ChildSeq        int
}

// RemainingQty is requested minus filled.
func (o Order) RemainingQty() decimal.Decimal {
	return o.RequestedQty.Sub(o.FilledQty)
}

// IsChild reports whether the order is an iceberg slice.
func (o Order) IsChild() bool {
	return o.ParentID != ""
}

// FillEvent is a raw adapter notification. CumulativeQty is the order's total
// filled quantity after this event and keys de-duplication.
type FillEvent struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	FillQty         decimal.Decimal
	FillPrice       decimal.Decimal
	CumulativeQty   decimal.Decimal
	AvgPrice        decimal.Decimal // cumulative average, zero if unknown
	Fee             decimal.Decimal
	Timestamp       time.Time
	IsFinal         bool
	Status          OrderStatus // terminal status when IsFinal without a full fill
}

// Fill is a de-duplicated execution applied to a position.
type Fill struct {
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Qty           decimal.Decimal
	Price         decimal.Decimal
	Fee           decimal.Decimal
	Timestamp     time.Time
	CumulativeQty decimal.Decimal // order's filled qty after this fill
}

// SignedQty returns the quantity signed by side.
func (f Fill) SignedQty() decimal.Decimal {
	return f.Qty.Mul(f.Side.Sign())
}

// Ack acknowledges a submit or cancel.
type Ack struct {
	ClientOrderID   string
	ExchangeOrderID string
	Status          OrderStatus
	Timestamp       time.Time
}

// OrderReport is the adapter's view of one order.
type OrderReport struct {
	ClientOrderID   string
	ExchangeOrderID string
	Status          OrderStatus
	FilledQty       decimal.Decimal
	AvgFillPrice    decimal.Decimal
	UpdatedAt       time.Time
	Found           bool
}

// Position is a net signed position in one symbol.
type Position struct {
	Symbol        string
	NetQty        decimal.Decimal
	AvgEntryPrice decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Fees          decimal.Decimal
	OpenedAt      time.Time
}

// Side derives the position direction from NetQty.
func (p Position) Side() Side {
	switch p.NetQty.Sign() {
	case 1:
		return SideLong
	case -1:
		return SideShort
	default:
		return SideFlat
	}
}

// IsFlat reports a zero position.
func (p Position) IsFlat() bool {
	return p.NetQty.IsZero()
}

// EquitySnapshot represents the account state at a point in time.
type EquitySnapshot struct {
	Timestamp     time.Time
	Balance       decimal.Decimal
	Equity        decimal.Decimal
	HighWaterMark decimal.Decimal
	Drawdown      decimal.Decimal // As ratio (0.15 = 15%)
}

// Trade is one closed portion of a position.
type Trade struct {
	ID         string
	Symbol     string
	Side       Side
	Qty        decimal.Decimal
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	EntryTime  time.Time
	ExitTime   time.Time
	PnL        decimal.Decimal
	Fees       decimal.Decimal
}

// NetPnL is PnL after fees.
func (t Trade) NetPnL() decimal.Decimal {
	return t.PnL.Sub(t.Fees)
}
