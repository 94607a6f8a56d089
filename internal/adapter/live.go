package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tathienbao/quant-runner/internal/broker"
	"github.com/tathienbao/quant-runner/internal/types"
	"golang.org/x/time/rate"
)

// LiveConfig holds configuration for the live adapter.
type LiveConfig struct {
	Backoff     Backoff
	RateLimit   float64 // venue calls per second; zero means unlimited
	Burst       int
	QueueSize   int
	CallTimeout time.Duration // per attempt; zero means none
}

// DefaultLiveConfig returns the standard retry schedule and a 10 req/s limit.
func DefaultLiveConfig() LiveConfig {
	return LiveConfig{
		Backoff:     DefaultBackoff(),
		RateLimit:   10,
		Burst:       5,
		QueueSize:   1024,
		CallTimeout: 10 * time.Second,
	}
}

// LiveAdapter talks to a real venue. Transient failures are retried under
// the same client order id; the execution stream is resumed after drops and
// every resume is announced on Reconnects.
type LiveAdapter struct {
	venue   broker.Venue
	cfg     LiveConfig
	limiter *rate.Limiter
	logger  *slog.Logger

	fills      chan types.FillEvent
	reconnects chan struct{}
	state      atomic.Int32

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	onRetry func(op string)
}

var _ Adapter = (*LiveAdapter)(nil)

// LiveOption configures a LiveAdapter.
type LiveOption func(*LiveAdapter)

// WithRetryHook is called before each retry, e.g. to count retries.
func WithRetryHook(fn func(op string)) LiveOption {
	return func(a *LiveAdapter) { a.onRetry = fn }
}

// NewLiveAdapter wraps venue.
func NewLiveAdapter(venue broker.Venue, cfg LiveConfig, logger *slog.Logger, opts ...LiveOption) *LiveAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	a := &LiveAdapter{
		venue:      venue,
		cfg:        cfg,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger.With("venue", venue.Name()),
		fills:      make(chan types.FillEvent, cfg.QueueSize),
		reconnects: make(chan struct{}, 1),
		onRetry:    func(string) {},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.state.Store(int32(broker.StateDisconnected))
	return a
}

// Name returns the venue name.
func (a *LiveAdapter) Name() string { return "live:" + a.venue.Name() }

// State returns the execution stream state.
func (a *LiveAdapter) State() broker.ConnectionState {
	return broker.ConnectionState(a.state.Load())
}

// Connected reports whether the execution stream is live.
func (a *LiveAdapter) Connected() bool {
	return a.State() == broker.StateConnected
}

// SubmitOrder places the order, retrying transient failures with the same id.
// A duplicate answer means an earlier attempt landed, so the existing order
// is queried and acknowledged. When retries run out the venue is queried one
// last time before giving up with a TransientCommError.
func (a *LiveAdapter) SubmitOrder(ctx context.Context, o types.Order) (types.Ack, error) {
	req := broker.RequestFromOrder(o)

	var rep *types.OrderReport
	attempts, err := a.retry(ctx, "submit", func(ctx context.Context) error {
		r, err := a.venue.PlaceOrder(ctx, req)
		rep = r
		return err
	})

	switch {
	case err == nil:
		return ackFromReport(o.ClientOrderID, rep), nil

	case errors.Is(err, types.ErrDuplicateOrder):
		a.logger.Info("submit found existing order", "client_order_id", o.ClientOrderID)
		return a.ackExisting(ctx, o.ClientOrderID, err)

	case errors.Is(err, types.ErrTransientComm):
		if ack, qerr := a.ackExisting(ctx, o.ClientOrderID, err); qerr == nil {
			a.logger.Warn("submit retries exhausted but order exists", "client_order_id", o.ClientOrderID)
			return ack, nil
		}
		return types.Ack{}, &types.TransientCommError{Op: "submit " + o.ClientOrderID, Attempts: attempts, Err: err}

	default:
		return types.Ack{}, err
	}
}

// CancelOrder cancels with retry.
func (a *LiveAdapter) CancelOrder(ctx context.Context, id string) (types.Ack, error) {
	attempts, err := a.retry(ctx, "cancel", func(ctx context.Context) error {
		return a.venue.CancelOrder(ctx, id)
	})
	if errors.Is(err, types.ErrTransientComm) {
		return types.Ack{}, &types.TransientCommError{Op: "cancel " + id, Attempts: attempts, Err: err}
	}
	if err != nil {
		return types.Ack{}, err
	}
	return types.Ack{ClientOrderID: id, Status: types.OrderStatusCancelled, Timestamp: time.Now().UTC()}, nil
}

// AmendOrder pushes the order's trigger price with retry.
func (a *LiveAdapter) AmendOrder(ctx context.Context, o types.Order) error {
	attempts, err := a.retry(ctx, "amend", func(ctx context.Context) error {
		return a.venue.AmendOrder(ctx, o.ClientOrderID, o.TriggerPrice)
	})
	if errors.Is(err, types.ErrTransientComm) {
		return &types.TransientCommError{Op: "amend " + o.ClientOrderID, Attempts: attempts, Err: err}
	}
	return err
}

// QueryOrders queries each id; unknown ids come back with Found=false.
func (a *LiveAdapter) QueryOrders(ctx context.Context, ids []string) ([]types.OrderReport, error) {
	out := make([]types.OrderReport, 0, len(ids))
	for _, id := range ids {
		rep, err := a.query(ctx, id)
		switch {
		case errors.Is(err, types.ErrOrderNotFound):
			out = append(out, types.OrderReport{ClientOrderID: id})
		case err != nil:
			return out, fmt.Errorf("query %s: %w", id, err)
		default:
			out = append(out, *rep)
		}
	}
	return out, nil
}

// SubscribeFills starts the execution stream on first call. The returned
// channel closes after ctx is done or Close is called.
func (a *LiveAdapter) SubscribeFills(ctx context.Context) (<-chan types.FillEvent, error) {
	a.startOnce.Do(func() {
		ctx, a.cancel = context.WithCancel(ctx)
		a.wg.Add(1)
		go a.streamLoop(ctx)
	})
	return a.fills, nil
}

// Reconnects fires once per resumed stream; pending signals coalesce.
func (a *LiveAdapter) Reconnects() <-chan struct{} { return a.reconnects }

// OnCandle is a no-op: the venue matches orders.
func (a *LiveAdapter) OnCandle(context.Context, types.Candle) error { return nil }

// Close stops the stream and waits for it to exit.
func (a *LiveAdapter) Close() error {
	a.closeOnce.Do(func() {
		started := false
		a.startOnce.Do(func() {}) // no stream will start after Close
		if a.cancel != nil {
			a.cancel()
			started = true
		}
		a.wg.Wait()
		if !started {
			close(a.fills)
		}
	})
	return nil
}

func (a *LiveAdapter) streamLoop(ctx context.Context) {
	defer a.wg.Done()
	defer close(a.fills)
	defer a.state.Store(int32(broker.StateDisconnected))

	connects := 0
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		a.state.Store(int32(broker.StateConnecting))
		err := a.venue.StreamExecutions(ctx,
			func() {
				a.state.Store(int32(broker.StateConnected))
				failures = 0
				connects++
				if connects > 1 {
					a.logger.Info("execution stream resumed", "connects", connects)
					select {
					case a.reconnects <- struct{}{}:
					default:
					}
				}
			},
			func(ev types.FillEvent) {
				select {
				case a.fills <- ev:
				case <-ctx.Done():
				}
			},
		)
		if ctx.Err() != nil {
			return
		}

		a.state.Store(int32(broker.StateError))
		failures++
		a.logger.Warn("execution stream dropped", "err", err, "retry", failures)
		if err := a.cfg.Backoff.Sleep(ctx, failures); err != nil {
			return
		}
	}
}

// retry runs fn until it succeeds, fails permanently or attempts run out.
func (a *LiveAdapter) retry(ctx context.Context, op string, fn func(ctx context.Context) error) (int, error) {
	limit := a.cfg.Backoff.Attempts()
	var err error
	for attempt := 1; ; attempt++ {
		if werr := a.limiter.Wait(ctx); werr != nil {
			return attempt, werr
		}

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if a.cfg.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, a.cfg.CallTimeout)
		}
		err = fn(callCtx)
		cancel()

		if err == nil || !errors.Is(err, types.ErrTransientComm) || attempt >= limit {
			return attempt, err
		}

		a.onRetry(op)
		a.logger.Warn("venue call failed, retrying",
			"op", op,
			"attempt", attempt,
			"delay", a.cfg.Backoff.Delay(attempt),
			"err", err,
		)
		if serr := a.cfg.Backoff.Sleep(ctx, attempt); serr != nil {
			return attempt, serr
		}
	}
}

func (a *LiveAdapter) query(ctx context.Context, id string) (*types.OrderReport, error) {
	var rep *types.OrderReport
	_, err := a.retry(ctx, "query", func(ctx context.Context) error {
		r, err := a.venue.QueryOrder(ctx, id)
		rep = r
		return err
	})
	if err != nil {
		return nil, err
	}
	rep.Found = true
	return rep, nil
}

func (a *LiveAdapter) ackExisting(ctx context.Context, id string, cause error) (types.Ack, error) {
	rep, err := a.query(ctx, id)
	if err != nil {
		return types.Ack{}, fmt.Errorf("%w (query after %v)", err, cause)
	}
	return ackFromReport(id, rep), nil
}

func ackFromReport(id string, rep *types.OrderReport) types.Ack {
	ack := types.Ack{ClientOrderID: id, Status: types.OrderStatusSubmitted, Timestamp: time.Now().UTC()}
	if rep == nil {
		return ack
	}
	ack.ExchangeOrderID = rep.ExchangeOrderID
	if rep.Status > types.OrderStatusPending {
		ack.Status = rep.Status
	}
	if !rep.UpdatedAt.IsZero() {
		ack.Timestamp = rep.UpdatedAt
	}
	return ack
}
