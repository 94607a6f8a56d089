// Package rest is a JSON-over-HTTP venue with a websocket execution stream,
// plus a handler that serves the same protocol on top of any broker.Venue.
package rest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/types"
)

const (
	pathOrders     = "/orders"
	pathExecutions = "/executions"
	pathPrices     = "/prices"

	headerKey       = "X-API-KEY"
	headerTimestamp = "X-API-TIMESTAMP"
	headerSignature = "X-API-SIGNATURE"

	// Signed requests older than this are refused.
	maxClockSkew = 30 * time.Second
)

// orderReport is the wire form of types.OrderReport.
type orderReport struct {
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Status          string          `json:"status"`
	FilledQty       decimal.Decimal `json:"filled_qty"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func toWireReport(r types.OrderReport) orderReport {
	return orderReport{
		ClientOrderID:   r.ClientOrderID,
		ExchangeOrderID: r.ExchangeOrderID,
		Status:          r.Status.String(),
		FilledQty:       r.FilledQty,
		AvgFillPrice:    r.AvgFillPrice,
		UpdatedAt:       r.UpdatedAt,
	}
}

func (w orderReport) report() (*types.OrderReport, error) {
	st, err := types.ParseOrderStatus(w.Status)
	if err != nil {
		return nil, err
	}
	return &types.OrderReport{
		ClientOrderID:   w.ClientOrderID,
		ExchangeOrderID: w.ExchangeOrderID,
		Status:          st,
		FilledQty:       w.FilledQty,
		AvgFillPrice:    w.AvgFillPrice,
		UpdatedAt:       w.UpdatedAt,
		Found:           true,
	}, nil
}

// execution is the wire form of types.FillEvent.
type execution struct {
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Symbol          string          `json:"symbol"`
	FillQty         decimal.Decimal `json:"fill_qty"`
	FillPrice       decimal.Decimal `json:"fill_price"`
	CumulativeQty   decimal.Decimal `json:"cumulative_qty"`
	AvgPrice        decimal.Decimal `json:"avg_price"`
	Fee             decimal.Decimal `json:"fee"`
	Timestamp       time.Time       `json:"timestamp"`
	Final           bool            `json:"final"`
	Status          string          `json:"status"`
}

func toWireExecution(ev types.FillEvent) execution {
	return execution{
		ClientOrderID:   ev.ClientOrderID,
		ExchangeOrderID: ev.ExchangeOrderID,
		Symbol:          ev.Symbol,
		FillQty:         ev.FillQty,
		FillPrice:       ev.FillPrice,
		CumulativeQty:   ev.CumulativeQty,
		AvgPrice:        ev.AvgPrice,
		Fee:             ev.Fee,
		Timestamp:       ev.Timestamp,
		Final:           ev.IsFinal,
		Status:          ev.Status.String(),
	}
}

func (w execution) event() (types.FillEvent, error) {
	st, err := types.ParseOrderStatus(w.Status)
	if err != nil {
		return types.FillEvent{}, err
	}
	return types.FillEvent{
		ClientOrderID:   w.ClientOrderID,
		ExchangeOrderID: w.ExchangeOrderID,
		Symbol:          w.Symbol,
		FillQty:         w.FillQty,
		FillPrice:       w.FillPrice,
		CumulativeQty:   w.CumulativeQty,
		AvgPrice:        w.AvgPrice,
		Fee:             w.Fee,
		Timestamp:       w.Timestamp,
		IsFinal:         w.Final,
		Status:          st,
	}, nil
}

type amendRequest struct {
	TriggerPrice decimal.Decimal `json:"trigger_price"`
}

type priceUpdate struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

type errorBody struct {
	Error string `json:"error"`
}

// sign is hex(HMAC-SHA256(secret, timestamp + method + path + body)).
func sign(secret, timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func signHeaders(h http.Header, key, secret, method, path string, body []byte, now time.Time) {
	if key == "" {
		return
	}
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	h.Set(headerKey, key)
	h.Set(headerTimestamp, ts)
	h.Set(headerSignature, sign(secret, ts, method, path, body))
}

func verify(r *http.Request, key, secret string, body []byte, now time.Time) bool {
	if key == "" {
		return true
	}
	if r.Header.Get(headerKey) != key {
		return false
	}
	ts := r.Header.Get(headerTimestamp)
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	skew := now.Sub(time.UnixMilli(ms))
	if skew > maxClockSkew || skew < -maxClockSkew {
		return false
	}
	want := sign(secret, ts, r.Method, r.URL.Path, body)
	return hmac.Equal([]byte(want), []byte(r.Header.Get(headerSignature)))
}
