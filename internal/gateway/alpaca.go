package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"wdotrader/internal/domain"
	"wdotrader/internal/util"
)

// Compile-time interface check.
var _ Gateway = (*AlpacaGateway)(nil)

// AlpacaGateway implements the Gateway interface against the Alpaca trading
// API. Orders are keyed by our client order IDs; the broker-assigned IDs are
// tracked internally for cancellation.
type AlpacaGateway struct {
	client  *alpaca.Client
	log     *slog.Logger
	limiter *util.RateLimiter

	mu       sync.Mutex
	brokerID map[string]string // client ID -> broker ID

	events chan domain.OrderEvent
}

// NewAlpacaGateway creates a gateway backed by the Alpaca API.
func NewAlpacaGateway(apiKey, apiSecret, baseURL string, ratePerMin int, log *slog.Logger) *AlpacaGateway {
	return &AlpacaGateway{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		log:      log,
		limiter:  util.NewRateLimiter(ratePerMin),
		brokerID: make(map[string]string),
		events:   make(chan domain.OrderEvent, 256),
	}
}

// Name returns "alpaca".
func (g *AlpacaGateway) Name() string {
	return "alpaca"
}

// SubmitOrder sends an order to Alpaca. The spec's leg determines the order
// type: entry and take legs are limit orders, the stop leg is a stop order.
func (g *AlpacaGateway) SubmitOrder(ctx context.Context, spec domain.OrderSpec) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}

	qty := decimal.NewFromInt(int64(spec.Qty))
	req := alpaca.PlaceOrderRequest{
		Symbol:        spec.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(spec.Side),
		TimeInForce:   alpaca.GTC,
		ClientOrderID: spec.ID,
	}

	switch {
	case spec.StopPrice > 0:
		sp := decimal.NewFromFloat(spec.StopPrice)
		req.Type = alpaca.Stop
		req.StopPrice = &sp
	case spec.LimitPrice > 0:
		lp := decimal.NewFromFloat(spec.LimitPrice)
		req.Type = alpaca.Limit
		req.LimitPrice = &lp
	default:
		req.Type = alpaca.Market
	}

	order, err := g.client.PlaceOrder(req)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 422 {
			return "", fmt.Errorf("placing %s leg: %s: %w", spec.Leg, apiErr.Message, ErrRejected)
		}
		return "", fmt.Errorf("placing %s leg: %w", spec.Leg, err)
	}

	g.mu.Lock()
	g.brokerID[spec.ID] = order.ID
	g.mu.Unlock()

	return spec.ID, nil
}

// CancelOrder cancels an order by client ID.
func (g *AlpacaGateway) CancelOrder(ctx context.Context, orderID string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	g.mu.Lock()
	bid, ok := g.brokerID[orderID]
	g.mu.Unlock()
	if !ok {
		// Not submitted through this gateway instance; resolve via the API.
		order, err := g.client.GetOrderByClientOrderID(orderID)
		if err != nil {
			return fmt.Errorf("resolving order %s: %w", orderID, err)
		}
		bid = order.ID
	}

	if err := g.client.CancelOrder(bid); err != nil {
		return fmt.Errorf("cancelling order %s: %w", orderID, err)
	}
	return nil
}

// CancelAllPending cancels every open order for the symbol.
func (g *AlpacaGateway) CancelAllPending(ctx context.Context, symbol string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	orders, err := g.client.GetOrders(alpaca.GetOrdersRequest{
		Status:  "open",
		Symbols: []string{symbol},
	})
	if err != nil {
		return fmt.Errorf("listing open orders: %w", err)
	}

	for _, o := range orders {
		if err := g.client.CancelOrder(o.ID); err != nil {
			return fmt.Errorf("cancelling order %s: %w", o.ID, err)
		}
	}
	return nil
}

// QueryPosition returns Alpaca's view of the position. A 404 means flat; any
// other error marks the query unavailable so callers fall back to
// order-derived inference.
func (g *AlpacaGateway) QueryPosition(ctx context.Context, symbol string) (int, domain.Side, float64, bool) {
	if err := g.limiter.Wait(ctx); err != nil {
		return 0, "", 0, false
	}

	pos, err := g.client.GetPosition(symbol)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			return 0, "", 0, true
		}
		g.log.Warn("position query unavailable", "symbol", symbol, "error", err)
		return 0, "", 0, false
	}

	qty := int(pos.Qty.IntPart())
	side := domain.SideBuy
	if strings.EqualFold(pos.Side, "short") || qty < 0 {
		side = domain.SideSell
	}
	avg, _ := pos.AvgEntryPrice.Float64()
	return qty, side, avg, true
}

// Events returns the order-event stream fed by StreamEvents.
func (g *AlpacaGateway) Events() <-chan domain.OrderEvent {
	return g.events
}

// StreamEvents subscribes to Alpaca trade updates and converts them into
// domain order events. It blocks until ctx is cancelled; callers run it in
// its own goroutine and treat a returned error as a Fatal-class condition.
func (g *AlpacaGateway) StreamEvents(ctx context.Context) error {
	defer close(g.events)

	return g.client.StreamTradeUpdates(ctx, func(tu alpaca.TradeUpdate) {
		status, ok := mapTradeEvent(tu.Event)
		if !ok {
			g.log.Debug("ignoring trade update", "event", tu.Event, "order", tu.Order.ClientOrderID)
			return
		}

		ev := domain.OrderEvent{
			OrderID:   tu.Order.ClientOrderID,
			Status:    status,
			Timestamp: tu.At,
		}
		if tu.Price != nil {
			ev.FillPrice, _ = tu.Price.Float64()
		}
		if tu.Qty != nil {
			ev.FillQty = int(tu.Qty.IntPart())
		}

		// Never block Alpaca's delivery goroutine. The engine's own queue is
		// the real buffer; this channel only bridges into it.
		select {
		case g.events <- ev:
		default:
			g.log.Error("gateway event channel full, dropping event",
				"order", ev.OrderID, "status", ev.Status)
		}
	}, alpaca.StreamTradeUpdatesRequest{})
}

// mapTradeEvent translates Alpaca trade-update event names into order
// statuses. Unmapped events (replaced, pending_new, ...) are ignored.
func mapTradeEvent(event string) (domain.OrderStatus, bool) {
	switch event {
	case "new", "accepted":
		return domain.OrderStatusAcked, true
	case "fill":
		return domain.OrderStatusFilled, true
	case "partial_fill":
		return domain.OrderStatusPartiallyFilled, true
	case "canceled", "expired", "done_for_day":
		return domain.OrderStatusCancelled, true
	case "rejected":
		return domain.OrderStatusRejected, true
	}
	return "", false
}
