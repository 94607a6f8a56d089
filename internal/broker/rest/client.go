package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/broker"
	"github.com/tathienbao/quant-runner/internal/types"
)

// Config holds connection settings for a REST venue.
type Config struct {
	BaseURL      string
	WSURL        string // derived from BaseURL when empty
	APIKey       string
	APISecret    string
	Timeout      time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration
}

// DefaultConfig returns default client timeouts.
func DefaultConfig() Config {
	return Config{
		Timeout:      10 * time.Second,
		ReadTimeout:  60 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Client implements broker.Venue over HTTP and a websocket stream.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time
}

var _ broker.Venue = (*Client)(nil)

// NewClient creates a REST venue client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.WSURL == "" {
		cfg.WSURL = wsURL(cfg.BaseURL) + pathExecutions
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		now:    time.Now,
	}
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

func (c *Client) Name() string { return "rest" }

// PlaceOrder posts a new order.
func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*types.OrderReport, error) {
	var out orderReport
	if err := c.do(ctx, "place", req.ClientOrderID, http.MethodPost, pathOrders, req, &out); err != nil {
		return nil, err
	}
	return out.report()
}

// CancelOrder deletes an order.
func (c *Client) CancelOrder(ctx context.Context, clientOrderID string) error {
	return c.do(ctx, "cancel", clientOrderID, http.MethodDelete, orderPath(clientOrderID), nil, nil)
}

// AmendOrder patches an order's trigger price.
func (c *Client) AmendOrder(ctx context.Context, clientOrderID string, trigger decimal.Decimal) error {
	return c.do(ctx, "amend", clientOrderID, http.MethodPatch, orderPath(clientOrderID), amendRequest{TriggerPrice: trigger}, nil)
}

// QueryOrder fetches an order by client id.
func (c *Client) QueryOrder(ctx context.Context, clientOrderID string) (*types.OrderReport, error) {
	var out orderReport
	if err := c.do(ctx, "query", clientOrderID, http.MethodGet, orderPath(clientOrderID), nil, &out); err != nil {
		return nil, err
	}
	return out.report()
}

// UpdatePrice pushes a price to a sandbox server.
func (c *Client) UpdatePrice(ctx context.Context, symbol string, price decimal.Decimal) error {
	return c.do(ctx, "price", symbol, http.MethodPost, pathPrices, priceUpdate{Symbol: symbol, Price: price}, nil)
}

func orderPath(id string) string {
	return pathOrders + "/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, op, id, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode %s: %w", op, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	signHeaders(req.Header, c.cfg.APIKey, c.cfg.APISecret, method, path, body, c.now())

	resp, err := c.http.Do(req)
	if err != nil {
		return broker.Classify(op, id, 0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return broker.Classify(op, id, 0, err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		var eb errorBody
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		var reason error
		if msg != "" {
			reason = errors.New(msg)
		}
		return broker.Classify(op, id, resp.StatusCode, reason)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", types.ErrInvalidData, op, err)
	}
	return nil
}

// StreamExecutions dials the execution websocket and delivers events until
// ctx is done or the connection drops.
func (c *Client) StreamExecutions(ctx context.Context, onConnect func(), onEvent func(types.FillEvent)) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := make(http.Header)
	signHeaders(header, c.cfg.APIKey, c.cfg.APISecret, http.MethodGet, pathExecutions, nil, c.now())

	conn, resp, err := dialer.DialContext(ctx, c.cfg.WSURL, header)
	if err != nil {
		if resp != nil {
			return broker.Classify("stream", "", resp.StatusCode, err)
		}
		return broker.Classify("stream", "", 0, err)
	}
	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { conn.Close() }) }
	defer closeConn()

	var writeMu sync.Mutex
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				closeConn()
				return
			case <-done:
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				writeMu.Unlock()
				if err != nil {
					c.logger.Warn("execution stream ping failed", "error", err)
					closeConn()
					return
				}
			}
		}
	}()

	c.logger.Info("execution stream connected", "url", c.cfg.WSURL)
	onConnect()

	for {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", types.ErrConnectionLost, err)
		}
		var w execution
		if err := json.Unmarshal(msg, &w); err != nil {
			c.logger.Warn("malformed execution message", "error", err)
			continue
		}
		ev, err := w.event()
		if err != nil {
			c.logger.Warn("malformed execution message", "error", err)
			continue
		}
		onEvent(ev)
	}
}
