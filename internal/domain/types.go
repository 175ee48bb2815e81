// Package domain defines the core types shared across the trading system:
// orders and their lifecycle state machine, brackets (entry + stop + take
// managed as one unit), position beliefs, trade signals, and gateway events.
package domain

import "time"

// Side is the direction of an order or signal.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Leg identifies an order's role within a bracket.
type Leg string

const (
	LegEntry Leg = "entry"
	LegStop  Leg = "stop"
	LegTake  Leg = "take"
	// LegFlatten is an emergency market order closing naked exposure after a
	// protective-leg failure. It belongs to a bracket but is not an OCO leg.
	LegFlatten Leg = "flatten"
)

// ---------------------------------------------------------------------------
// Order lifecycle
// ---------------------------------------------------------------------------

// OrderStatus is the lifecycle state of an order as tracked locally.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusAcked           OrderStatus = "acked"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether the status is final. No transition out of a
// terminal status is ever valid; a late event against a terminal order is a
// duplicate or out-of-order delivery and must be dropped.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// validTransitions maps each status to the set of statuses reachable from it.
//
//	PENDING → SUBMITTED → {ACKED | REJECTED}
//	ACKED → {PARTIALLY_FILLED | FILLED | CANCELLED}
//	PARTIALLY_FILLED → {PARTIALLY_FILLED | FILLED | CANCELLED}
var validTransitions = map[OrderStatus]map[OrderStatus]bool{
	OrderStatusPending: {
		OrderStatusSubmitted: true,
		// A gateway may ack or reject before the local SUBMITTED mark lands.
		OrderStatusAcked:    true,
		OrderStatusRejected: true,
	},
	OrderStatusSubmitted: {
		OrderStatusAcked:    true,
		OrderStatusRejected: true,
	},
	OrderStatusAcked: {
		OrderStatusPartiallyFilled: true,
		OrderStatusFilled:          true,
		OrderStatusCancelled:       true,
	},
	OrderStatusPartiallyFilled: {
		OrderStatusPartiallyFilled: true,
		OrderStatusFilled:          true,
		OrderStatusCancelled:       true,
	},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to OrderStatus) bool {
	return validTransitions[from][to]
}

// Order is a single order submitted to the broker gateway and tracked by the
// order registry. It is owned exclusively by the registry and mutated only
// through Registry.Apply.
type Order struct {
	ID             string      `json:"id"`
	BracketID      string      `json:"bracket_id"`
	Symbol         string      `json:"symbol"`
	Leg            Leg         `json:"leg"`
	Side           Side        `json:"side"`
	Qty            int         `json:"qty"`
	RequestedPrice float64     `json:"requested_price"`
	Status         OrderStatus `json:"status"`
	FilledQty      int         `json:"filled_qty"`
	FilledAvgPrice float64     `json:"filled_avg_price"`
	SubmittedAt    time.Time   `json:"submitted_at"`
	TerminalAt     time.Time   `json:"terminal_at,omitzero"`
}

// OrderSpec describes an order to be submitted to the gateway.
type OrderSpec struct {
	ID        string  // client-assigned order ID
	BracketID string
	Symbol    string
	Leg       Leg
	Side      Side
	Qty       int
	// LimitPrice is the limit for entry/take legs; zero means market.
	LimitPrice float64
	// StopPrice is set only for the stop leg.
	StopPrice float64
}

// OrderEvent is a lifecycle update pushed by the broker gateway. Delivery is
// at-least-once and not strictly ordered across different orders.
type OrderEvent struct {
	OrderID   string      `json:"order_id"`
	Status    OrderStatus `json:"status"`
	FillPrice float64     `json:"fill_price,omitempty"`
	FillQty   int         `json:"fill_qty,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Brackets
// ---------------------------------------------------------------------------

// BracketState is the lifecycle state of a bracket.
type BracketState string

const (
	// BracketPending: entry submitted, not yet filled.
	BracketPending BracketState = "pending"
	// BracketArmed: entry filled, both protective legs live.
	BracketArmed BracketState = "armed"
	// BracketClosing: a protective leg filled (or a repair started) and the
	// remaining legs are being cancelled.
	BracketClosing BracketState = "closing"
	// BracketClosed: fully resolved and archived.
	BracketClosed BracketState = "closed"
)

// Live reports whether the bracket still occupies its symbol's single slot.
func (s BracketState) Live() bool {
	return s != BracketClosed
}

// CloseReason records why a bracket closed.
type CloseReason string

const (
	CloseReasonStop   CloseReason = "stop"
	CloseReasonTake   CloseReason = "take"
	CloseReasonManual CloseReason = "manual"
	// CloseReasonOrphan marks brackets force-closed by reconciliation after
	// their protective legs were detected as orphans.
	CloseReasonOrphan CloseReason = "reconciled_orphan"
)

// Bracket groups an entry order with its stop-loss and take-profit legs.
// At most one non-closed bracket may exist per symbol at any instant.
type Bracket struct {
	ID           string       `json:"id"`
	Symbol       string       `json:"symbol"`
	Side         Side         `json:"side"`
	Qty          int          `json:"qty"`
	EntryOrderID string       `json:"entry_order_id"`
	StopOrderID  string       `json:"stop_order_id"`
	TakeOrderID  string       `json:"take_order_id"`
	EntryPrice   float64      `json:"entry_price"`
	StopPrice    float64      `json:"stop_price"`
	TakePrice    float64      `json:"take_price"`
	State        BracketState `json:"state"`
	OpenedAt     time.Time    `json:"opened_at"`
	ClosedAt     time.Time    `json:"closed_at,omitzero"`
	ClosedReason CloseReason  `json:"closed_reason,omitempty"`
}

// ---------------------------------------------------------------------------
// Position belief
// ---------------------------------------------------------------------------

// BeliefSource marks how a position belief was obtained.
type BeliefSource string

const (
	// BeliefBrokerConfirmed: the gateway's position query answered directly.
	BeliefBrokerConfirmed BeliefSource = "broker_confirmed"
	// BeliefInferredFromOrders: the query was unavailable and the belief was
	// derived from local order state. Degraded confidence.
	BeliefInferredFromOrders BeliefSource = "inferred_from_orders"
)

// PositionBelief is the system's current belief about its position in a
// symbol. SignedQty is positive for long, negative for short, zero for flat.
type PositionBelief struct {
	Symbol         string       `json:"symbol"`
	SignedQty      int          `json:"signed_qty"`
	EntryPrice     float64      `json:"entry_price"`
	Source         BeliefSource `json:"source"`
	LastVerifiedAt time.Time    `json:"last_verified_at"`
}

// ---------------------------------------------------------------------------
// Signals and snapshots
// ---------------------------------------------------------------------------

// Signal is a trade signal produced by a signal source.
type Signal struct {
	Direction  Side      `json:"direction"`
	Confidence float64   `json:"confidence"` // in [0, 1]
	Price      float64   `json:"price"`      // reference price at signal time
	Timestamp  time.Time `json:"timestamp"`
}

// BracketSnapshot is the read-only per-bracket view emitted for dashboards.
// Purely informational; never fed back as a control input.
type BracketSnapshot struct {
	Symbol     string       `json:"symbol"`
	BracketID  string       `json:"bracket_id"`
	Side       Side         `json:"side"`
	Qty        int          `json:"qty"`
	EntryPrice float64      `json:"entry_price"`
	StopPrice  float64      `json:"stop_price"`
	TakePrice  float64      `json:"take_price"`
	State      BracketState `json:"state"`
	OpenedAt   time.Time    `json:"opened_at"`
}
