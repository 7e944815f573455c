package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"CryptoSettle/internal/app"
	"CryptoSettle/internal/config"
	internalhttp "CryptoSettle/internal/http"
	"CryptoSettle/internal/logger"
	"CryptoSettle/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	lg, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	deps, err := app.Open(ctx, cfg, m, lg)
	if err != nil {
		lg.Fatal("dependency init failed", zap.Error(err))
	}
	defer deps.Close()

	oracle := app.NewOracle(cfg, deps.Redis, lg)
	orders, err := app.NewOrderService(cfg, deps, oracle, lg)
	if err != nil {
		lg.Fatal("order service init failed", zap.Error(err))
	}

	h := internalhttp.NewHandler(orders, lg.Named("http"))
	srv := internalhttp.NewServer(h, prometheus.DefaultGatherer)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		lg.Info("api listening", zap.String("addr", cfg.Server.Addr), zap.String("store", cfg.Store.Driver))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}
