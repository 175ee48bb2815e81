// Package signal defines the trade-signal source abstraction and a
// random-walk source for paper trading. The engine treats every source the
// same: signals arrive on a channel and are perishable.
package signal

import (
	"context"
	"math/rand"
	"time"

	"wdotrader/internal/domain"
)

// Source produces trade signals on a channel until its context is cancelled.
type Source interface {
	// Run generates signals until ctx is done, then closes the channel.
	Run(ctx context.Context)
	// Signals returns the signal stream.
	Signals() <-chan domain.Signal
}

// Compile-time interface check.
var _ Source = (*RandomSource)(nil)

// RandomSource walks a price randomly around a base level and emits a signal
// whenever the walk strays far enough from its mean. Used for paper trading
// and demos; it has no predictive value whatsoever.
type RandomSource struct {
	price    float64
	vol      float64 // per-tick move magnitude in points
	interval time.Duration
	out      chan domain.Signal
	rng      *rand.Rand
}

// NewRandomSource creates a random-walk source starting at basePrice.
func NewRandomSource(basePrice, vol float64, interval time.Duration) *RandomSource {
	if interval <= 0 {
		interval = time.Second
	}
	return &RandomSource{
		price:    basePrice,
		vol:      vol,
		interval: interval,
		out:      make(chan domain.Signal, 16),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Signals returns the signal stream.
func (s *RandomSource) Signals() <-chan domain.Signal {
	return s.out
}

// Run walks the price and emits signals until ctx is done.
func (s *RandomSource) Run(ctx context.Context) {
	defer close(s.out)

	mean := s.price
	tick := time.NewTicker(s.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		s.price += (s.rng.Float64() - 0.5) * 2 * s.vol

		// Mean reversion bet: far below the mean, buy; far above, sell.
		drift := s.price - mean
		threshold := s.vol * 3
		if drift > -threshold && drift < threshold {
			continue
		}

		dir := domain.SideSell
		if drift < 0 {
			dir = domain.SideBuy
		}
		sig := domain.Signal{
			Direction:  dir,
			Confidence: 0.5 + s.rng.Float64()*0.5,
			Price:      s.price,
			Timestamp:  time.Now(),
		}

		select {
		case s.out <- sig:
		default:
			// Consumer busy; the signal is stale by the next tick anyway.
		}
	}
}
