package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"wdotrader/internal/bracket"
	"wdotrader/internal/config"
	"wdotrader/internal/domain"
	"wdotrader/internal/engine"
	"wdotrader/internal/gateway"
	"wdotrader/internal/guard"
	"wdotrader/internal/httpapi"
	"wdotrader/internal/metrics"
	"wdotrader/internal/reconcile"
	"wdotrader/internal/registry"
	signalsrc "wdotrader/internal/signal"
	"wdotrader/internal/store"
	"wdotrader/internal/util"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := "config/wdotrader.yaml"
	if p := os.Getenv("WDOTRADER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Storage.
	var sqlStore *store.SQLiteStore
	if cfg.Storage.SQLitePath != "" {
		sqlStore, err = store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("opening sqlite store: %v", err)
		}
		defer sqlStore.Close()
	}
	var archive store.BracketArchive
	var journal store.OrderJournal
	if sqlStore != nil {
		archive = sqlStore
		journal = sqlStore
	}

	// Gateway.
	var gw gateway.Gateway
	if cfg.Trading.PaperMode {
		sim := gateway.NewSimulator()
		sim.EnableAutoFill(2*time.Second, 20*time.Second)
		gw = sim
		logger.Info("paper mode: simulated gateway with auto-fill")
	} else {
		ag := gateway.NewAlpacaGateway(
			cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL,
			cfg.Trading.SubmitRatePerMin, logger)
		go func() {
			if err := ag.StreamEvents(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("trade update stream failed", "error", err)
				cancel()
			}
		}()
		gw = ag
	}

	// Core.
	met := metrics.New()
	reg := registry.New(logger)
	grd := guard.New(logger)

	coord := bracket.New(bracket.Config{
		Gateway:           gw,
		Registry:          reg,
		Guard:             grd,
		Archive:           archive,
		Metrics:           met,
		Log:               logger,
		CancelMaxAttempts: cfg.Trading.CancelMaxAttempts,
		CancelBackoff:     cfg.Trading.CancelBackoff(),
	})

	hub := httpapi.NewHub(logger)
	go hub.Run()

	eng := engine.New(engine.Config{
		Gateway:         gw,
		Registry:        reg,
		Guard:           grd,
		Coordinator:     coord,
		Sizer:           engine.NewRiskSizer(cfg.Trading.Quantity, cfg.Risk.StopPoints, cfg.Risk.TakePoints, cfg.Risk.VolLookback),
		Journal:         journal,
		Metrics:         met,
		Log:             logger,
		Symbol:          cfg.Trading.Symbol,
		EventBufferSize: cfg.Trading.EventBufferSize,
		SnapshotEvery:   cfg.Trading.SnapshotInterval(),
		OnSnapshot:      hub.BroadcastSnapshot,
	})

	recon := reconcile.New(reconcile.Config{
		Gateway:       gw,
		Registry:      reg,
		Guard:         grd,
		Coordinator:   coord,
		Metrics:       met,
		Log:           logger,
		Symbol:        cfg.Trading.Symbol,
		PositionEvery: cfg.Reconcile.PositionCheckInterval(),
		SweepEvery:    cfg.Reconcile.OrphanSweepInterval(),
		OrphanGrace:   cfg.Reconcile.OrphanGrace(),
		MaxHold:       cfg.Reconcile.MaxHold(),
		OnUntracked: func(b domain.PositionBelief) {
			eng.Halt(fmt.Sprintf("untracked position: %d %s", b.SignedQty, b.Symbol))
		},
	})
	// Verify the position belief once before any signal can be accepted; a
	// pre-existing untracked position halts the engine right here.
	recon.CheckPosition(ctx)
	go recon.Run(ctx)
	go eng.Run(ctx)

	// Paper mode drives itself from the random-walk source; in live mode
	// signals arrive through POST /api/signal.
	if cfg.Trading.PaperMode {
		src := signalsrc.NewRandomSource(5500, cfg.Risk.StopPoints/3, time.Second)
		go src.Run(ctx)
		go func() {
			for sig := range src.Signals() {
				if _, err := eng.SubmitSignal(ctx, sig); err != nil &&
					!errors.Is(err, engine.ErrPositionOpen) && !errors.Is(err, engine.ErrHalted) {
					logger.Warn("paper signal failed", "error", err)
				}
			}
		}()
	}

	// HTTP API.
	api := httpapi.NewServer(eng, archive, journal, met, hub, cfg.Trading.Symbol, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{Addr: addr, Handler: api.Handler()}

	go func() {
		logger.Info("api listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
}
