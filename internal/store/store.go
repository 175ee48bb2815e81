// Package store defines storage interfaces for archiving closed brackets and
// terminal orders. The live engine state is memory-only and rebuilt from the
// broker on startup; the archive exists for audit and analysis.
package store

import (
	"context"

	"wdotrader/internal/domain"
)

// BracketArchive persists closed brackets. The live bracket table never holds
// closed entries; closing a bracket moves it here.
type BracketArchive interface {
	// SaveClosedBracket appends a closed bracket to the archive.
	SaveClosedBracket(ctx context.Context, b domain.Bracket) error

	// ListClosedBrackets returns the most recently closed brackets for a
	// symbol, newest first, up to limit.
	ListClosedBrackets(ctx context.Context, symbol string, limit int) ([]domain.Bracket, error)
}

// OrderJournal persists orders once they reach a terminal status.
type OrderJournal interface {
	// SaveOrder appends a terminal order to the journal.
	SaveOrder(ctx context.Context, o domain.Order) error

	// ListOrders returns the journaled orders for a bracket.
	ListOrders(ctx context.Context, bracketID string) ([]domain.Order, error)
}
