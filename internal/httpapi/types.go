package httpapi

import "wdotrader/internal/domain"

// ClosedBracketsResponse is the payload of GET /api/brackets/closed.
type ClosedBracketsResponse struct {
	Symbol   string           `json:"symbol"`
	Brackets []domain.Bracket `json:"brackets"`
}

// BracketOrdersResponse is the payload of GET /api/brackets/{id}/orders.
type BracketOrdersResponse struct {
	BracketID string         `json:"bracket_id"`
	Orders    []domain.Order `json:"orders"`
}

// SignalRequest is the body of POST /api/signal.
type SignalRequest struct {
	Direction  domain.Side `json:"direction"`
	Confidence float64     `json:"confidence"`
	Price      float64     `json:"price"`
}

// SignalResponse reports the bracket opened for an accepted signal.
type SignalResponse struct {
	BracketID string `json:"bracket_id"`
}

// HaltRequest is the body of POST /api/halt.
type HaltRequest struct {
	Reason string `json:"reason"`
}

// HaltStateResponse reports the halt switch after halt/resume.
type HaltStateResponse struct {
	Halted bool   `json:"halted"`
	Reason string `json:"reason,omitempty"`
}
