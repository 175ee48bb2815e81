package engine

import (
	"testing"
	"time"

	"wdotrader/internal/domain"
)

func TestSizeBracketBaseOffsets(t *testing.T) {
	s := NewRiskSizer(2, 15, 30, 20)

	qty, stop, take := s.SizeBracket(domain.Signal{
		Direction: domain.SideBuy, Confidence: 0.5, Price: 5500, Timestamp: time.Now(),
	})
	if qty != 2 {
		t.Errorf("qty = %d, want 2", qty)
	}
	if stop != 5485 || take != 5530 {
		t.Errorf("buy bracket = stop %v take %v, want 5485/5530", stop, take)
	}

	_, stop, take = s.SizeBracket(domain.Signal{
		Direction: domain.SideSell, Confidence: 0.5, Price: 5500, Timestamp: time.Now(),
	})
	if stop != 5515 || take != 5470 {
		t.Errorf("sell bracket = stop %v take %v, want 5515/5470", stop, take)
	}
}

func TestSizeBracketConfidenceScalesTakeOnly(t *testing.T) {
	s := NewRiskSizer(1, 15, 30, 20)

	_, loStop, loTake := s.SizeBracket(domain.Signal{Direction: domain.SideBuy, Confidence: 0.1, Price: 5500})
	_, hiStop, hiTake := s.SizeBracket(domain.Signal{Direction: domain.SideBuy, Confidence: 1.0, Price: 5500})

	if loStop != hiStop {
		t.Errorf("stop moved with confidence: %v vs %v", loStop, hiStop)
	}
	if hiTake <= loTake {
		t.Errorf("take did not widen with confidence: low %v high %v", loTake, hiTake)
	}
	// Clamped at 1.5x the base take distance.
	if hiTake > 5500+1.5*30 {
		t.Errorf("take = %v, beyond the 1.5x confidence clamp", hiTake)
	}
}

func TestSizeBracketUnscaledBeforeLookback(t *testing.T) {
	s := NewRiskSizer(1, 15, 30, 20)
	// Only a handful of samples: not enough for the volatility estimate.
	for _, p := range []float64{5500, 5510, 5490} {
		s.Observe(p)
	}

	_, stop, take := s.SizeBracket(domain.Signal{Direction: domain.SideBuy, Price: 5500})
	if stop != 5485 || take != 5530 {
		t.Errorf("offsets scaled before lookback filled: stop %v take %v", stop, take)
	}
}

func TestSizeBracketWidensInVolatileMarket(t *testing.T) {
	s := NewRiskSizer(1, 15, 30, 5)
	// Feed big swings until the lookback is filled.
	prices := []float64{5500, 5530, 5490, 5540, 5480, 5550, 5470}
	for _, p := range prices {
		s.Observe(p)
	}

	_, stop, _ := s.SizeBracket(domain.Signal{Direction: domain.SideBuy, Price: 5500})
	if stop >= 5485 {
		t.Errorf("stop = %v, want wider than the base 5485 in a volatile market", stop)
	}
	// The scale is clamped: never more than twice the base offset.
	if stop < 5500-2*15 {
		t.Errorf("stop = %v, beyond the 2x clamp", stop)
	}
}
