// Package gateway defines the broker gateway interface and provides
// implementations for submitting orders, cancelling them, querying positions,
// and receiving the asynchronous order-event stream.
package gateway

import (
	"context"
	"errors"

	"wdotrader/internal/domain"
)

// ErrRejected is returned by SubmitOrder when the broker refuses the order
// outright. Rejections are never retried.
var ErrRejected = errors.New("gateway: order rejected")

// Gateway abstracts the broker connection. Implementations must deliver
// order events at-least-once on the Events channel; events may arrive late,
// duplicated, or out of order across different orders.
type Gateway interface {
	// Name returns the gateway identifier (e.g. "alpaca", "simulator").
	Name() string

	// SubmitOrder sends an order to the broker. The spec carries a
	// client-assigned ID; all subsequent events and cancels reference it.
	SubmitOrder(ctx context.Context, spec domain.OrderSpec) (string, error)

	// CancelOrder requests cancellation of an open order by its client ID.
	CancelOrder(ctx context.Context, orderID string) error

	// CancelAllPending cancels every non-terminal order for the symbol.
	CancelAllPending(ctx context.Context, symbol string) error

	// QueryPosition returns the broker's view of the position in symbol.
	// ok=false means the query is unavailable or unsupported; callers must
	// then fall back to order-derived inference.
	QueryPosition(ctx context.Context, symbol string) (qty int, side domain.Side, avgPrice float64, ok bool)

	// Events returns the order-event stream. The channel is owned by the
	// gateway and closed when the gateway shuts down.
	Events() <-chan domain.OrderEvent
}
