package domain

import "testing"

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	live := []OrderStatus{OrderStatusPending, OrderStatusSubmitted, OrderStatusAcked, OrderStatusPartiallyFilled}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderStatusPending, OrderStatusSubmitted, true},
		{OrderStatusPending, OrderStatusAcked, true},
		{OrderStatusPending, OrderStatusFilled, false},
		{OrderStatusSubmitted, OrderStatusAcked, true},
		{OrderStatusSubmitted, OrderStatusRejected, true},
		{OrderStatusSubmitted, OrderStatusCancelled, false},
		{OrderStatusAcked, OrderStatusFilled, true},
		{OrderStatusAcked, OrderStatusPartiallyFilled, true},
		{OrderStatusAcked, OrderStatusCancelled, true},
		{OrderStatusAcked, OrderStatusRejected, false},
		{OrderStatusPartiallyFilled, OrderStatusFilled, true},
		{OrderStatusPartiallyFilled, OrderStatusPartiallyFilled, true},
		{OrderStatusPartiallyFilled, OrderStatusCancelled, true},
		// Terminal states admit nothing.
		{OrderStatusFilled, OrderStatusCancelled, false},
		{OrderStatusFilled, OrderStatusFilled, false},
		{OrderStatusCancelled, OrderStatusFilled, false},
		{OrderStatusRejected, OrderStatusAcked, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSideOpposite(t *testing.T) {
	if SideBuy.Opposite() != SideSell {
		t.Errorf("SideBuy.Opposite() = %s, want %s", SideBuy.Opposite(), SideSell)
	}
	if SideSell.Opposite() != SideBuy {
		t.Errorf("SideSell.Opposite() = %s, want %s", SideSell.Opposite(), SideBuy)
	}
}

func TestBracketStateLive(t *testing.T) {
	for _, s := range []BracketState{BracketPending, BracketArmed, BracketClosing} {
		if !s.Live() {
			t.Errorf("%s should count as live", s)
		}
	}
	if BracketClosed.Live() {
		t.Error("closed bracket should not count as live")
	}
}
