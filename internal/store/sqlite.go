package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wdotrader/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ BracketArchive = (*SQLiteStore)(nil)
var _ OrderJournal = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS closed_brackets (
	id             TEXT PRIMARY KEY,
	symbol         TEXT NOT NULL,
	side           TEXT NOT NULL,
	qty            INTEGER NOT NULL,
	entry_order_id TEXT NOT NULL,
	stop_order_id  TEXT NOT NULL,
	take_order_id  TEXT NOT NULL,
	entry_price    REAL NOT NULL,
	stop_price     REAL NOT NULL,
	take_price     REAL NOT NULL,
	closed_reason  TEXT NOT NULL,
	opened_at      INTEGER NOT NULL,
	closed_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_closed_brackets_symbol
	ON closed_brackets(symbol, closed_at DESC);

CREATE TABLE IF NOT EXISTS order_journal (
	id               TEXT PRIMARY KEY,
	bracket_id       TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	leg              TEXT NOT NULL,
	side             TEXT NOT NULL,
	qty              INTEGER NOT NULL,
	requested_price  REAL NOT NULL,
	status           TEXT NOT NULL,
	filled_qty       INTEGER NOT NULL,
	filled_avg_price REAL NOT NULL,
	submitted_at     INTEGER NOT NULL,
	terminal_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_journal_bracket
	ON order_journal(bracket_id);
`

// SQLiteStore implements BracketArchive and OrderJournal backed by a SQLite
// database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, runs the
// schema migration, and returns a ready-to-use store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// BracketArchive implementation
// ---------------------------------------------------------------------------

// SaveClosedBracket appends a closed bracket. Saving the same bracket twice
// overwrites the first row, which keeps ForceClose idempotent end to end.
func (s *SQLiteStore) SaveClosedBracket(ctx context.Context, b domain.Bracket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO closed_brackets
			(id, symbol, side, qty, entry_order_id, stop_order_id, take_order_id,
			 entry_price, stop_price, take_price, closed_reason, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Symbol, string(b.Side), b.Qty,
		b.EntryOrderID, b.StopOrderID, b.TakeOrderID,
		b.EntryPrice, b.StopPrice, b.TakePrice,
		string(b.ClosedReason), b.OpenedAt.UnixMilli(), b.ClosedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("saving closed bracket %s: %w", b.ID, err)
	}
	return nil
}

// ListClosedBrackets returns the most recently closed brackets for a symbol.
func (s *SQLiteStore) ListClosedBrackets(ctx context.Context, symbol string, limit int) ([]domain.Bracket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, side, qty, entry_order_id, stop_order_id, take_order_id,
		       entry_price, stop_price, take_price, closed_reason, opened_at, closed_at
		FROM closed_brackets
		WHERE symbol = ?
		ORDER BY closed_at DESC
		LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("listing closed brackets: %w", err)
	}
	defer rows.Close()

	var out []domain.Bracket
	for rows.Next() {
		var b domain.Bracket
		var side, reason string
		var openedAt, closedAt int64
		if err := rows.Scan(&b.ID, &b.Symbol, &side, &b.Qty,
			&b.EntryOrderID, &b.StopOrderID, &b.TakeOrderID,
			&b.EntryPrice, &b.StopPrice, &b.TakePrice,
			&reason, &openedAt, &closedAt); err != nil {
			return nil, err
		}
		b.Side = domain.Side(side)
		b.ClosedReason = domain.CloseReason(reason)
		b.State = domain.BracketClosed
		b.OpenedAt = time.UnixMilli(openedAt)
		b.ClosedAt = time.UnixMilli(closedAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// OrderJournal implementation
// ---------------------------------------------------------------------------

// SaveOrder appends a terminal order to the journal.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO order_journal
			(id, bracket_id, symbol, leg, side, qty, requested_price,
			 status, filled_qty, filled_avg_price, submitted_at, terminal_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.BracketID, o.Symbol, string(o.Leg), string(o.Side), o.Qty,
		o.RequestedPrice, string(o.Status), o.FilledQty, o.FilledAvgPrice,
		o.SubmittedAt.UnixMilli(), o.TerminalAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("journaling order %s: %w", o.ID, err)
	}
	return nil
}

// ListOrders returns the journaled orders for a bracket, entry leg first.
func (s *SQLiteStore) ListOrders(ctx context.Context, bracketID string) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bracket_id, symbol, leg, side, qty, requested_price,
		       status, filled_qty, filled_avg_price, submitted_at, terminal_at
		FROM order_journal
		WHERE bracket_id = ?
		ORDER BY submitted_at ASC`, bracketID)
	if err != nil {
		return nil, fmt.Errorf("listing journaled orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		var o domain.Order
		var leg, side, status string
		var submittedAt, terminalAt int64
		if err := rows.Scan(&o.ID, &o.BracketID, &o.Symbol, &leg, &side, &o.Qty,
			&o.RequestedPrice, &status, &o.FilledQty, &o.FilledAvgPrice,
			&submittedAt, &terminalAt); err != nil {
			return nil, err
		}
		o.Leg = domain.Leg(leg)
		o.Side = domain.Side(side)
		o.Status = domain.OrderStatus(status)
		o.SubmittedAt = time.UnixMilli(submittedAt)
		o.TerminalAt = time.UnixMilli(terminalAt)
		out = append(out, o)
	}
	return out, rows.Err()
}
