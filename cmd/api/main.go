package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"preo-sim/internal/admin"
	"preo-sim/internal/aml"
	"preo-sim/internal/auth"
	"preo-sim/internal/bot"
	"preo-sim/internal/config"
	"preo-sim/internal/db"
	"preo-sim/internal/health"
	"preo-sim/internal/httpserver"
	"preo-sim/internal/ledger"
	"preo-sim/internal/marketdata"
	"preo-sim/internal/storage"
	"preo-sim/internal/tier"
	"preo-sim/internal/trading"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store storage.Store
	var pool *pgxpool.Pool
	switch cfg.StoreBackend {
	case "postgres":
		pool, err = db.NewPool(ctx, cfg.DBDSN)
		if err != nil {
			log.Fatal(err)
		}
		defer pool.Close()
		store = storage.NewPostgresStore(pool)
	case "memory":
		store = storage.NewMemoryStore()
	}

	bus := marketdata.NewBus()
	feed := marketdata.NewFeed(bus, cfg.FeedSeed)
	go feed.Start(ctx, cfg.FeedInterval)

	ledgerSvc := ledger.NewService(store)
	resolver := tier.NewResolver(store)
	tradingSvc := trading.NewService(store, resolver, feed, cfg.SettleSeed)
	gate := aml.NewGate(store, ledgerSvc)
	authSvc := auth.NewService(store, ledgerSvc, cfg.JWTIssuer, []byte(cfg.JWTSecret), cfg.JWTTTL)
	botMgr := bot.NewManager(tradingSvc, store, cfg.SettleSeed+1)

	// Re-arm settlement timers for positions left open by the last run,
	// then watch for any that slip through.
	if err := tradingSvc.Recover(ctx); err != nil {
		log.Printf("[api] position recovery failed: %v", err)
	}
	go tradingSvc.Watchdog(ctx, 30*time.Second, cfg.WatchdogGrace)

	marketWS := marketdata.NewMarketWS(feed, bus, cfg.WebSocketOrigin)
	router := httpserver.NewRouter(httpserver.RouterDeps{
		AuthHandler:   auth.NewHandler(authSvc),
		LedgerHandler: ledger.NewHandler(ledgerSvc),
		TradeHandler:  trading.NewHandler(tradingSvc),
		Withdrawals:   aml.NewHandler(gate),
		BotHandler:    bot.NewHandler(botMgr),
		MarketHandler: marketdata.NewHandler(feed, marketWS),
		AdminHandler:  admin.NewHandler(store, gate),
		HealthHandler: health.NewHandler(pool, cfg.StoreBackend, time.Now()),
		AuthService:   authSvc,
		Store:         store,
		InternalToken: cfg.InternalToken,
		AllowedOrigin: cfg.WebSocketOrigin,
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	log.Printf("server listening on %s (store: %s)", cfg.HTTPAddr, cfg.StoreBackend)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		botMgr.StopAll()
		tradingSvc.Scheduler().Stop()
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
