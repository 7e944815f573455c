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
	"CryptoSettle/internal/logger"
	"CryptoSettle/internal/metrics"
	"CryptoSettle/internal/payments"
	"CryptoSettle/internal/worker"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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

	monitors, err := app.Monitors(cfg)
	if err != nil {
		lg.Fatal("monitor init failed", zap.Error(err))
	}

	rec := payments.NewReconciler(deps.Store, deps.Events, m, lg.Named("reconciler"))

	var lease worker.Lease
	if cfg.Worker.LeaseEnabled && deps.Redis != nil {
		host, _ := os.Hostname()
		lease = worker.NewRedisLease(deps.Redis, host+"/"+uuid.NewString())
	}

	w := &worker.Worker{
		Sweeper: &worker.Sweeper{
			Store:    deps.Store,
			Expiry:   cfg.OrderExpiry(),
			Interval: cfg.SweepInterval(),
			Events:   deps.Events,
			Metrics:  m,
			Log:      lg.Named("sweeper"),
		},
	}
	for _, mon := range monitors {
		w.Supervisors = append(w.Supervisors, &worker.Supervisor{
			Monitor:    mon,
			Store:      deps.Store,
			Reconciler: rec,
			Poll:       worker.PollConfig{Interval: cfg.PollInterval(), BackoffMax: cfg.BackoffMax()},
			Refresh:    cfg.RefreshInterval(),
			Lease:      lease,
			Metrics:    m,
			Log:        lg.Named("monitor"),
		})
	}
	if cfg.BTC.WSEndpoint != "" {
		w.Stream = &worker.Stream{
			Endpoint:   cfg.BTC.WSEndpoint,
			Store:      deps.Store,
			Reconciler: rec,
			Refresh:    cfg.RefreshInterval(),
			Log:        lg.Named("stream"),
		}
	}

	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				lg.Error("metrics server error", zap.Error(err))
			}
		}()
		defer func() { _ = metricsServer.Close() }()
	}

	lg.Info("worker started",
		zap.Int("monitors", len(monitors)),
		zap.Duration("interval", cfg.PollInterval()),
		zap.Duration("expiry", cfg.OrderExpiry()),
		zap.Bool("lease", lease != nil),
	)
	if err := w.Run(ctx); err != nil {
		lg.Error("worker stopped", zap.Error(err))
	}
}
