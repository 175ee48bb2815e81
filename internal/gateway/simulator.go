package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"wdotrader/internal/domain"
)

// Compile-time interface check.
var _ Gateway = (*Simulator)(nil)

// Simulator implements the Gateway interface in memory for paper trading and
// tests. Fills never happen spontaneously; tests (or a paper-mode driver)
// trigger them through FillOrder, which also maintains a simulated position.
type Simulator struct {
	mu             sync.Mutex
	orders         map[string]*domain.Order
	cancelCalls    map[string]int
	cancelFailures map[string]int      // orderID -> remaining forced cancel failures
	rejectNextLeg  map[domain.Leg]bool // reject the next submit for this leg
	posQty         map[string]int      // symbol -> signed quantity
	posAvg         map[string]float64
	posQueryOK     bool
	events         chan domain.OrderEvent

	// Auto-fill (paper trading): entries fill at their limit after a delay,
	// then one protective leg fills later. Zero delays disable it.
	autoFillEntry time.Duration
	autoFillExit  time.Duration
}

// NewSimulator creates a Simulator with an empty book and a working position
// query.
func NewSimulator() *Simulator {
	return &Simulator{
		orders:         make(map[string]*domain.Order),
		cancelCalls:    make(map[string]int),
		cancelFailures: make(map[string]int),
		rejectNextLeg:  make(map[domain.Leg]bool),
		posQty:         make(map[string]int),
		posAvg:         make(map[string]float64),
		posQueryOK:     true,
		events:         make(chan domain.OrderEvent, 128),
	}
}

// Name returns "simulator".
func (s *Simulator) Name() string {
	return "simulator"
}

// SubmitOrder records the order and immediately acks it, unless a rejection
// was queued for its leg via RejectNext.
func (s *Simulator) SubmitOrder(_ context.Context, spec domain.OrderSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rejectNextLeg[spec.Leg] {
		delete(s.rejectNextLeg, spec.Leg)
		return "", fmt.Errorf("simulated rejection of %s leg: %w", spec.Leg, ErrRejected)
	}

	price := spec.LimitPrice
	if spec.StopPrice > 0 {
		price = spec.StopPrice
	}
	s.orders[spec.ID] = &domain.Order{
		ID:             spec.ID,
		BracketID:      spec.BracketID,
		Symbol:         spec.Symbol,
		Leg:            spec.Leg,
		Side:           spec.Side,
		Qty:            spec.Qty,
		RequestedPrice: price,
		Status:         domain.OrderStatusAcked,
	}
	s.emit(domain.OrderEvent{OrderID: spec.ID, Status: domain.OrderStatusAcked, Timestamp: time.Now()})

	if s.autoFillEntry > 0 && spec.Leg == domain.LegEntry {
		go func(id string, p float64) {
			time.Sleep(s.autoFillEntry)
			s.FillOrder(id, p)
		}(spec.ID, price)
	}
	return spec.ID, nil
}

// CancelOrder cancels a live order, honouring any forced failures configured
// with FailCancels. Cancelling a terminal order is a no-op.
func (s *Simulator) CancelOrder(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelCalls[orderID]++

	if s.cancelFailures[orderID] > 0 {
		s.cancelFailures[orderID]--
		return fmt.Errorf("simulated cancel failure for %s", orderID)
	}

	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if o.Status.Terminal() {
		return nil
	}

	o.Status = domain.OrderStatusCancelled
	s.emit(domain.OrderEvent{OrderID: orderID, Status: domain.OrderStatusCancelled, Timestamp: time.Now()})
	return nil
}

// CancelAllPending cancels every non-terminal order for the symbol.
func (s *Simulator) CancelAllPending(ctx context.Context, symbol string) error {
	s.mu.Lock()
	var ids []string
	for id, o := range s.orders {
		if o.Symbol == symbol && !o.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.CancelOrder(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// QueryPosition returns the simulated position, or ok=false if the query was
// disabled with SetPositionQueryAvailable(false).
func (s *Simulator) QueryPosition(_ context.Context, symbol string) (int, domain.Side, float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.posQueryOK {
		return 0, "", 0, false
	}

	qty := s.posQty[symbol]
	side := domain.SideBuy
	if qty < 0 {
		side = domain.SideSell
	}
	return qty, side, s.posAvg[symbol], true
}

// Events returns the simulated order-event stream.
func (s *Simulator) Events() <-chan domain.OrderEvent {
	return s.events
}

// ---------------------------------------------------------------------------
// Test and paper-mode controls
// ---------------------------------------------------------------------------

// FillOrder marks an order filled at the given price, adjusts the simulated
// position, and emits the FILLED event.
func (s *Simulator) FillOrder(orderID string, price float64) {
	s.mu.Lock()
	o, ok := s.orders[orderID]
	if !ok || o.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	o.Status = domain.OrderStatusFilled
	o.FilledQty = o.Qty
	o.FilledAvgPrice = price

	qty := o.Qty
	delta := qty
	if o.Side == domain.SideSell {
		delta = -delta
	}
	s.posQty[o.Symbol] += delta
	if s.posQty[o.Symbol] != 0 {
		s.posAvg[o.Symbol] = price
	} else {
		s.posAvg[o.Symbol] = 0
	}
	leg := o.Leg
	bracketID := o.BracketID
	s.mu.Unlock()

	if s.autoFillExit > 0 && leg == domain.LegEntry {
		go s.autoFillProtective(bracketID)
	}

	s.emit(domain.OrderEvent{
		OrderID:   orderID,
		Status:    domain.OrderStatusFilled,
		FillPrice: price,
		FillQty:   qty,
		Timestamp: time.Now(),
	})
}

// EnableAutoFill turns the simulator into a toy exchange: entry legs fill at
// their limit price after entryDelay, and one protective leg (stop or take,
// picked at random) fills roughly exitDelay later. For paper trading only.
func (s *Simulator) EnableAutoFill(entryDelay, exitDelay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoFillEntry = entryDelay
	s.autoFillExit = exitDelay
}

// autoFillProtective fills one open protective leg of the bracket at its
// requested price after the exit delay.
func (s *Simulator) autoFillProtective(bracketID string) {
	time.Sleep(s.autoFillExit)

	s.mu.Lock()
	var candidates []*domain.Order
	for _, o := range s.orders {
		if o.BracketID == bracketID && !o.Status.Terminal() &&
			(o.Leg == domain.LegStop || o.Leg == domain.LegTake) {
			candidates = append(candidates, o)
		}
	}
	if len(candidates) == 0 {
		s.mu.Unlock()
		return
	}
	pick := candidates[rand.Intn(len(candidates))]
	id, price := pick.ID, pick.RequestedPrice
	s.mu.Unlock()

	s.FillOrder(id, price)
}

// EmitEvent injects a raw event into the stream, e.g. to simulate duplicate
// or stale delivery.
func (s *Simulator) EmitEvent(ev domain.OrderEvent) {
	s.emit(ev)
}

// RejectNext makes the next SubmitOrder for the given leg fail with
// ErrRejected.
func (s *Simulator) RejectNext(leg domain.Leg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectNextLeg[leg] = true
}

// FailCancels forces the next n CancelOrder calls for orderID to fail.
func (s *Simulator) FailCancels(orderID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelFailures[orderID] = n
}

// CancelCalls reports how many times CancelOrder was invoked for orderID.
func (s *Simulator) CancelCalls(orderID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelCalls[orderID]
}

// SetPositionQueryAvailable toggles QueryPosition availability, simulating the
// broker API whose direct position query is unreliable.
func (s *Simulator) SetPositionQueryAvailable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posQueryOK = ok
}

// SetPosition overrides the simulated position for a symbol.
func (s *Simulator) SetPosition(symbol string, qty int, avg float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posQty[symbol] = qty
	s.posAvg[symbol] = avg
}

// OrderStatus reports the simulator-side status of an order.
func (s *Simulator) OrderStatus(orderID string) (domain.OrderStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return "", false
	}
	return o.Status, true
}

func (s *Simulator) emit(ev domain.OrderEvent) {
	// Never block the caller; the event channel is sized generously for tests
	// and paper trading.
	select {
	case s.events <- ev:
	default:
	}
}
