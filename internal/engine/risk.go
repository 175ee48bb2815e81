package engine

import (
	"math"
	"sync"

	"wdotrader/internal/domain"
)

// RiskSizer turns a trade signal into bracket parameters. Protective offsets
// start from configured point distances and are scaled by an EWMA estimate
// of recent price volatility, so stops widen in fast markets and tighten in
// quiet ones. Quantity is fixed per trade.
type RiskSizer struct {
	qty        int
	stopPoints float64
	takePoints float64

	mu        sync.Mutex
	lastPrice float64
	ewmaAbs   float64 // EWMA of absolute tick-to-tick moves
	samples   int
	lookback  int
}

// NewRiskSizer creates a sizer with fixed per-trade quantity and base
// stop/take offsets in points.
func NewRiskSizer(qty int, stopPoints, takePoints float64, lookback int) *RiskSizer {
	if lookback <= 0 {
		lookback = 20
	}
	return &RiskSizer{
		qty:        qty,
		stopPoints: stopPoints,
		takePoints: takePoints,
		lookback:   lookback,
	}
}

// Observe feeds a traded or quoted price into the volatility estimate.
func (s *RiskSizer) Observe(price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastPrice != 0 {
		move := math.Abs(price - s.lastPrice)
		alpha := 2.0 / (float64(s.lookback) + 1)
		s.ewmaAbs = alpha*move + (1-alpha)*s.ewmaAbs
		s.samples++
	}
	s.lastPrice = price
}

// SizeBracket returns quantity and protective prices for a signal. With too
// few volatility samples the base offsets are used unscaled.
func (s *RiskSizer) SizeBracket(sig domain.Signal) (qty int, stop, take float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scale := 1.0
	if s.samples >= s.lookback && s.stopPoints > 0 {
		// Normalise volatility against the base stop distance; a market
		// moving a full stop's worth per tick doubles the offsets.
		scale = 1.0 + s.ewmaAbs/s.stopPoints
		scale = math.Min(math.Max(scale, 0.5), 2.0)
	}

	stopOff := s.stopPoints * scale
	takeOff := s.takePoints * scale

	// Confidence stretches or shrinks the profit target only; the stop is a
	// risk bound and does not loosen for an optimistic signal.
	if sig.Confidence > 0 {
		takeOff *= math.Min(math.Max(0.5+sig.Confidence, 0.5), 1.5)
	}

	if sig.Direction == domain.SideBuy {
		return s.qty, sig.Price - stopOff, sig.Price + takeOff
	}
	return s.qty, sig.Price + stopOff, sig.Price - takeOff
}
