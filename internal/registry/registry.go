// Package registry is the authoritative local table of every order ever
// submitted and its last known lifecycle status. It holds pure data and
// accessors; OCO policy lives in the bracket coordinator.
package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"wdotrader/internal/domain"
)

// ErrStaleEvent marks a duplicate or out-of-order event that hit a terminal
// order. Callers treat it as a no-op; it is logged at debug level only.
var ErrStaleEvent = errors.New("registry: stale event for terminal order")

// ErrUnknownOrder marks an event referencing an order the registry never saw.
var ErrUnknownOrder = errors.New("registry: unknown order")

// Registry tracks orders by ID. All mutation goes through Submit and Apply;
// both are safe for concurrent use.
type Registry struct {
	log *slog.Logger

	mu     sync.RWMutex
	orders map[string]*domain.Order
}

// New creates an empty Registry.
func New(log *slog.Logger) *Registry {
	return &Registry{
		log:    log,
		orders: make(map[string]*domain.Order),
	}
}

// Submit records a new order in status PENDING and returns its generated ID.
// It does not talk to the gateway; the caller submits to the gateway
// immediately afterwards under the same logical step.
func (r *Registry) Submit(spec domain.OrderSpec) string {
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.orders[id] = &domain.Order{
		ID:             id,
		BracketID:      spec.BracketID,
		Symbol:         spec.Symbol,
		Leg:            spec.Leg,
		Side:           spec.Side,
		Qty:            spec.Qty,
		RequestedPrice: requestedPrice(spec),
		Status:         domain.OrderStatusPending,
		SubmittedAt:    time.Now(),
	}
	return id
}

// Apply idempotently folds a gateway event into the matching order's state
// machine. It returns the order's current value and whether a transition
// actually happened. Duplicate or out-of-order events against a terminal
// order, and events for unknown order IDs, are dropped with transitioned
// false — never a panic, never an error on the event path.
func (r *Registry) Apply(ev domain.OrderEvent) (domain.Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[ev.OrderID]
	if !ok {
		r.log.Warn("event for unknown order dropped", "order", ev.OrderID, "status", ev.Status)
		return domain.Order{}, false
	}

	if o.Status.Terminal() {
		r.log.Debug("stale event dropped", "order", ev.OrderID,
			"current", o.Status, "event", ev.Status, "error", ErrStaleEvent)
		return *o, false
	}

	if !domain.CanTransition(o.Status, ev.Status) {
		r.log.Debug("invalid transition dropped", "order", ev.OrderID,
			"current", o.Status, "event", ev.Status)
		return *o, false
	}

	o.Status = ev.Status
	if ev.FillQty > 0 {
		o.FilledQty = ev.FillQty
		o.FilledAvgPrice = ev.FillPrice
	}
	if ev.Status.Terminal() {
		o.TerminalAt = ev.Timestamp
		if o.TerminalAt.IsZero() {
			o.TerminalAt = time.Now()
		}
	}
	return *o, true
}

// MarkSubmitted moves a PENDING order to SUBMITTED after the gateway accepted
// the submission call. A later ACKED event may already have won the race;
// that is fine and left as is.
func (r *Registry) MarkSubmitted(orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if ok && o.Status == domain.OrderStatusPending {
		o.Status = domain.OrderStatusSubmitted
	}
}

// Get returns the order with the given ID.
func (r *Registry) Get(orderID string) (domain.Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// OpenOrdersFor returns the non-terminal orders belonging to a bracket.
func (r *Registry) OpenOrdersFor(bracketID string) []domain.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Order
	for _, o := range r.orders {
		if o.BracketID == bracketID && !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	return out
}

// OpenOrders returns every non-terminal order for the symbol.
func (r *Registry) OpenOrders(symbol string) []domain.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Order
	for _, o := range r.orders {
		if o.Symbol == symbol && !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	return out
}

func requestedPrice(spec domain.OrderSpec) float64 {
	if spec.StopPrice > 0 {
		return spec.StopPrice
	}
	return spec.LimitPrice
}
