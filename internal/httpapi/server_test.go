package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"wdotrader/internal/bracket"
	"wdotrader/internal/domain"
	"wdotrader/internal/engine"
	"wdotrader/internal/gateway"
	"wdotrader/internal/guard"
	"wdotrader/internal/metrics"
	"wdotrader/internal/registry"
)

const symbol = "WDOX25"

func slogDiscard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type memArchive struct {
	mu    sync.Mutex
	saved []domain.Bracket
}

func (a *memArchive) SaveClosedBracket(_ context.Context, b domain.Bracket) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, b)
	return nil
}

func (a *memArchive) ListClosedBrackets(_ context.Context, _ string, limit int) ([]domain.Bracket, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.Bracket, len(a.saved))
	copy(out, a.saved)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newTestServer(t *testing.T) (*Server, *engine.Engine, *memArchive, *Hub) {
	t.Helper()
	log := slogDiscard()
	sim := gateway.NewSimulator()
	reg := registry.New(log)
	g := guard.New(log)
	met := metrics.New()
	archive := &memArchive{}

	coord := bracket.New(bracket.Config{
		Gateway: sim, Registry: reg, Guard: g, Archive: archive,
		Metrics: met, Log: log,
		CancelMaxAttempts: 3, CancelBackoff: time.Millisecond,
	})
	eng := engine.New(engine.Config{
		Gateway: sim, Registry: reg, Guard: g, Coordinator: coord,
		Sizer: engine.NewRiskSizer(1, 15, 30, 20), Metrics: met, Log: log,
		Symbol: symbol,
	})

	hub := NewHub(log)
	go hub.Run()

	return NewServer(eng, archive, nil, met, hub, symbol, log), eng, archive, hub
}

func TestSnapshotEndpoint(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/snapshot")
	if err != nil {
		t.Fatalf("GET /api/snapshot: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var snap engine.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	if snap.Symbol != symbol {
		t.Errorf("snapshot symbol = %q, want %q", snap.Symbol, symbol)
	}
	if snap.Halted {
		t.Error("fresh engine reported halted")
	}
}

func TestHaltAndResumeEndpoints(t *testing.T) {
	srv, eng, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/halt", "application/json",
		strings.NewReader(`{"reason":"maintenance"}`))
	if err != nil {
		t.Fatalf("POST /api/halt: %v", err)
	}
	var state HaltStateResponse
	json.NewDecoder(resp.Body).Decode(&state)
	resp.Body.Close()
	if !state.Halted || state.Reason != "maintenance" {
		t.Errorf("halt state = %+v, want halted with reason", state)
	}
	if halted, _ := eng.Halted(); !halted {
		t.Error("engine not actually halted")
	}

	resp, err = http.Post(ts.URL+"/api/resume", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/resume: %v", err)
	}
	json.NewDecoder(resp.Body).Decode(&state)
	resp.Body.Close()
	if state.Halted {
		t.Error("still halted after resume")
	}
}

func TestClosedBracketsEndpoint(t *testing.T) {
	srv, _, archive, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	archive.SaveClosedBracket(context.Background(), domain.Bracket{
		ID: "b1", Symbol: symbol, Side: domain.SideBuy, Qty: 1,
		State: domain.BracketClosed, ClosedReason: domain.CloseReasonTake,
	})

	resp, err := http.Get(ts.URL + "/api/brackets/closed?limit=10")
	if err != nil {
		t.Fatalf("GET /api/brackets/closed: %v", err)
	}
	defer resp.Body.Close()

	var body ClosedBracketsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(body.Brackets) != 1 || body.Brackets[0].ID != "b1" {
		t.Errorf("brackets = %+v, want single b1", body.Brackets)
	}
}

func TestClosedBracketsLimitValidation(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	for _, bad := range []string{"0", "-5", "abc", "100000"} {
		resp, err := http.Get(ts.URL + "/api/brackets/closed?limit=" + bad)
		if err != nil {
			t.Fatalf("GET with limit=%s: %v", bad, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", bad, resp.StatusCode)
		}
	}
}

func TestBracketOrdersWithoutJournal(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/brackets/abc/orders")
	if err != nil {
		t.Fatalf("GET orders: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 without a journal", resp.StatusCode)
	}
}

func TestSignalEndpoint(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/signal", "application/json",
		strings.NewReader(`{"direction":"buy","confidence":0.9,"price":5500}`))
	if err != nil {
		t.Fatalf("POST /api/signal: %v", err)
	}
	var body SignalResponse
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body.BracketID == "" {
		t.Error("no bracket ID in response")
	}

	// Second signal while the position is open: dropped with 409.
	resp, err = http.Post(ts.URL+"/api/signal", "application/json",
		strings.NewReader(`{"direction":"sell","confidence":0.9,"price":5501}`))
	if err != nil {
		t.Fatalf("POST /api/signal (second): %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second signal status = %d, want 409", resp.StatusCode)
	}

	// Invalid direction.
	resp, err = http.Post(ts.URL+"/api/signal", "application/json",
		strings.NewReader(`{"direction":"hold","price":5500}`))
	if err != nil {
		t.Fatalf("POST /api/signal (invalid): %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid signal status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestWebSocketReceivesBroadcast(t *testing.T) {
	srv, eng, _, hub := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close()

	// Registration races the broadcast; retry until the client is wired in.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	done := make(chan error, 1)
	go func() {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			done <- err
			return
		}
		var snap engine.Snapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			done <- err
			return
		}
		if snap.Symbol != symbol {
			t.Errorf("snapshot symbol = %q, want %q", snap.Symbol, symbol)
		}
		done <- nil
	}()

	deadline := time.After(2 * time.Second)
	for {
		hub.BroadcastSnapshot(eng.Snapshot())
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("reading snapshot: %v", err)
			}
			return
		case <-deadline:
			t.Fatal("no snapshot received over websocket")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}
