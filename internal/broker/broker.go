// Package broker defines the exchange boundary used by the live adapter.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/types"
)

// Venue errors. Venues return these (wrapped) or the typed errors from
// Classify so callers can branch with errors.Is.
var (
	ErrOrderNotFound  = types.ErrOrderNotFound
	ErrDuplicateOrder = types.ErrDuplicateOrder
	ErrNotConnected   = errors.New("venue not connected")
	ErrUnsupported    = errors.New("order kind not supported by venue")
)

// ConnectionState represents the execution stream state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Venue is an exchange reachable over some transport. Implementations must
// treat ClientOrderID as the idempotency key: placing an id twice returns
// ErrDuplicateOrder rather than a second order.
type Venue interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (*types.OrderReport, error)
	CancelOrder(ctx context.Context, clientOrderID string) error
	AmendOrder(ctx context.Context, clientOrderID string, trigger decimal.Decimal) error
	QueryOrder(ctx context.Context, clientOrderID string) (*types.OrderReport, error)

	// StreamExecutions blocks delivering execution events until ctx is done
	// or the connection drops. onConnect is called once the stream is live.
	StreamExecutions(ctx context.Context, onConnect func(), onEvent func(types.FillEvent)) error
}

// OrderRequest is the venue-facing form of an order.
type OrderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Kind          string          `json:"kind"`
	Qty           decimal.Decimal `json:"qty"`
	Price         decimal.Decimal `json:"price,omitempty"`
	TriggerPrice  decimal.Decimal `json:"trigger_price,omitempty"`
	TrailOffset   decimal.Decimal `json:"trail_offset,omitempty"`
	ReduceOnly    bool            `json:"reduce_only,omitempty"`
}

// RequestFromOrder converts an engine order.
func RequestFromOrder(o types.Order) OrderRequest {
	return OrderRequest{
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side.String(),
		Kind:          o.Kind.String(),
		Qty:           o.RequestedQty,
		Price:         o.Price,
		TriggerPrice:  o.TriggerPrice,
		TrailOffset:   o.TrailOffset,
		ReduceOnly:    o.ReduceOnly,
	}
}

// Validate checks fields every venue needs.
func (r OrderRequest) Validate() error {
	var errs []string
	if r.ClientOrderID == "" {
		errs = append(errs, "client_order_id required")
	}
	if r.Symbol == "" {
		errs = append(errs, "symbol required")
	}
	if _, err := types.ParseOrderSide(r.Side); err != nil {
		errs = append(errs, err.Error())
	}
	kind, err := types.ParseOrderKind(r.Kind)
	if err != nil {
		errs = append(errs, err.Error())
	}
	if !r.Qty.IsPositive() {
		errs = append(errs, "qty must be positive")
	}
	switch kind {
	case types.KindLimit, types.KindIceberg:
		if !r.Price.IsPositive() {
			errs = append(errs, "limit price must be positive")
		}
	case types.KindStopLoss, types.KindTakeProfit, types.KindTrailingStop:
		if !r.TriggerPrice.IsPositive() {
			errs = append(errs, "trigger price must be positive")
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidOrder, strings.Join(errs, "; "))
	}
	return nil
}

// Classify maps a transport outcome onto the error taxonomy. statusCode is
// the HTTP status (0 if no response was received); err is the transport
// error or the response body message.
//
//	timeouts, network errors, 5xx, 429 -> *types.TransientCommError
//	409                                -> ErrDuplicateOrder
//	404                                -> ErrOrderNotFound
//	410                                -> ErrOrderFinal
//	other 4xx                          -> *types.OrderRejectedError
func Classify(op, clientOrderID string, statusCode int, err error) error {
	switch {
	case statusCode == 0 && err == nil:
		return nil
	case statusCode == 0:
		if errors.Is(err, context.Canceled) {
			return err
		}
		if isTransient(err) {
			return &types.TransientCommError{Op: op, Attempts: 1, Err: err}
		}
		return err
	case statusCode < 300:
		return nil
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return &types.TransientCommError{Op: op, Attempts: 1, Err: statusError(statusCode, err)}
	case statusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, clientOrderID)
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrOrderNotFound, clientOrderID)
	case statusCode == http.StatusGone:
		return fmt.Errorf("%w: %s", types.ErrOrderFinal, clientOrderID)
	default:
		reason := http.StatusText(statusCode)
		if err != nil {
			reason = err.Error()
		}
		return &types.OrderRejectedError{ClientOrderID: clientOrderID, StatusCode: statusCode, Reason: reason}
	}
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func statusError(code int, err error) error {
	if err != nil {
		return fmt.Errorf("http %d: %w", code, err)
	}
	return fmt.Errorf("http %d", code)
}
