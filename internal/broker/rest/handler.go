package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/broker"
	"github.com/tathienbao/quant-runner/internal/types"
)

const maxBody = 1 << 20

// PriceUpdater is implemented by venues that accept pushed prices, such as
// the paper exchange.
type PriceUpdater interface {
	UpdatePrice(symbol string, price decimal.Decimal)
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithAuth requires requests signed with key and secret.
func WithAuth(key, secret string) HandlerOption {
	return func(h *Handler) {
		h.key, h.secret = key, secret
	}
}

// Handler serves the REST protocol on top of a venue.
type Handler struct {
	venue    broker.Venue
	logger   *slog.Logger
	key      string
	secret   string
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	now      func() time.Time
}

// NewHandler creates an HTTP handler serving venue.
func NewHandler(venue broker.Venue, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		venue:  venue,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mux.HandleFunc("POST "+pathOrders, h.handlePlace)
	h.mux.HandleFunc("GET "+pathOrders+"/{id}", h.handleQuery)
	h.mux.HandleFunc("DELETE "+pathOrders+"/{id}", h.handleCancel)
	h.mux.HandleFunc("PATCH "+pathOrders+"/{id}", h.handleAmend)
	h.mux.HandleFunc("GET "+pathExecutions, h.handleExecutions)
	if _, ok := venue.(PriceUpdater); ok {
		h.mux.HandleFunc("POST "+pathPrices, h.handlePrice)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "read body: " + err.Error()})
		return
	}
	if !verify(r, h.key, h.secret, body, h.now()) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid signature"})
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handlePlace(w http.ResponseWriter, r *http.Request) {
	var req broker.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "decode order: " + err.Error()})
		return
	}
	rep, err := h.venue.PlaceOrder(r.Context(), req)
	if err != nil {
		h.writeError(w, "place", req.ClientOrderID, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWireReport(*rep))
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rep, err := h.venue.QueryOrder(r.Context(), id)
	if err != nil {
		h.writeError(w, "query", id, err)
		return
	}
	writeJSON(w, http.StatusOK, toWireReport(*rep))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.venue.CancelOrder(r.Context(), id); err != nil {
		h.writeError(w, "cancel", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAmend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req amendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "decode amend: " + err.Error()})
		return
	}
	if err := h.venue.AmendOrder(r.Context(), id, req.TriggerPrice); err != nil {
		h.writeError(w, "amend", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePrice(w http.ResponseWriter, r *http.Request) {
	var req priceUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Symbol == "" || !req.Price.IsPositive() {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "symbol and positive price required"})
		return
	}
	h.venue.(PriceUpdater).UpdatePrice(req.Symbol, req.Price)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleExecutions(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("execution stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	// Reading keeps control frames flowing and notices the client leaving.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var writeMu sync.Mutex
	err = h.venue.StreamExecutions(ctx, func() {
		h.logger.Info("execution stream client connected", "remote", r.RemoteAddr)
	}, func(ev types.FillEvent) {
		data, err := json.Marshal(toWireExecution(ev))
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Warn("execution stream write failed", "error", err)
			cancel()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("execution stream ended", "error", err)
	}
	writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
	writeMu.Unlock()
}

// statusOf maps a venue error back onto the status Classify expects.
func statusOf(err error) int {
	var rej *types.OrderRejectedError
	switch {
	case errors.Is(err, broker.ErrDuplicateOrder):
		return http.StatusConflict
	case errors.Is(err, broker.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrOrderFinal):
		return http.StatusGone
	case errors.As(err, &rej):
		if rej.StatusCode >= 400 && rej.StatusCode < 500 && rej.StatusCode != http.StatusConflict &&
			rej.StatusCode != http.StatusNotFound && rej.StatusCode != http.StatusGone &&
			rej.StatusCode != http.StatusTooManyRequests {
			return rej.StatusCode
		}
		return http.StatusBadRequest
	case errors.Is(err, types.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrTransientComm), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, op, id string, err error) {
	status := statusOf(err)
	msg := err.Error()
	var rej *types.OrderRejectedError
	if errors.As(err, &rej) {
		msg = rej.Reason
	}
	if status >= 500 {
		h.logger.Warn("venue call failed", "op", op, "client_order_id", id, "error", err)
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
