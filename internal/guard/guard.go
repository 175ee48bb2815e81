// Package guard enforces the single-position invariant. A caller must
// acquire a token before opening a bracket for a symbol; the token is
// released when the position closes, or by reconciliation if it goes stale.
//
// This replaces the usual global boolean lock with an owned handle: release
// is idempotent, so the fill path and the reconciliation path may race to
// release the same token safely.
package guard

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"wdotrader/internal/domain"
)

// Token proves the exclusive right to open a new bracket for a symbol. It is
// opaque to callers; only the guard inspects it.
type Token struct {
	id         string
	symbol     string
	acquiredAt time.Time
}

// Symbol returns the symbol the token was acquired for.
func (t *Token) Symbol() string {
	return t.symbol
}

// AcquiredAt returns when the token was acquired.
func (t *Token) AcquiredAt() time.Time {
	return t.acquiredAt
}

// Guard hands out at most one live token per symbol and tracks position
// beliefs. All methods are safe for concurrent use.
type Guard struct {
	log *slog.Logger

	mu      sync.Mutex
	held    map[string]*Token                // symbol -> live token
	beliefs map[string]domain.PositionBelief // symbol -> last belief
}

// New creates an empty Guard.
func New(log *slog.Logger) *Guard {
	return &Guard{
		log:     log,
		held:    make(map[string]*Token),
		beliefs: make(map[string]domain.PositionBelief),
	}
}

// TryAcquire attempts to take the symbol's token. It never blocks: if a
// token is already held the call fails immediately and the caller must drop
// the signal, not queue it.
func (g *Guard) TryAcquire(symbol string) (*Token, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, taken := g.held[symbol]; taken {
		return nil, false
	}

	t := &Token{
		id:         uuid.NewString(),
		symbol:     symbol,
		acquiredAt: time.Now(),
	}
	g.held[symbol] = t
	return t, true
}

// Release frees the token. Releasing an already-released, unknown, or nil
// token is a no-op: both the fill path and the reconciliation path may race
// to release the same token.
func (g *Guard) Release(t *Token) {
	if t == nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	cur, ok := g.held[t.symbol]
	if !ok || cur.id != t.id {
		return
	}
	delete(g.held, t.symbol)
	g.log.Debug("guard token released", "symbol", t.symbol, "held", time.Since(t.acquiredAt))
}

// Held returns the live token for the symbol, if any. The reconciliation
// loop uses it to detect and release ghost locks through the same Release
// path as everyone else.
func (g *Guard) Held(symbol string) (*Token, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.held[symbol]
	return t, ok
}

// Belief returns the current position belief for the symbol. A zero-value
// belief (source empty) means no verification has happened yet.
func (g *Guard) Belief(symbol string) domain.PositionBelief {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.beliefs[symbol]
}

// UpdateBelief installs a new position belief. Called only by the
// reconciliation loop after querying the broker gateway.
func (g *Guard) UpdateBelief(symbol string, belief domain.PositionBelief) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.beliefs[symbol] = belief
}
