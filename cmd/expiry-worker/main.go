package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cryptocare/telehealth-booking/internal/booking"
	"github.com/cryptocare/telehealth-booking/internal/config"
	"github.com/cryptocare/telehealth-booking/internal/db"
	"github.com/cryptocare/telehealth-booking/internal/meetings"
	"github.com/cryptocare/telehealth-booking/internal/observability/metrics"
	"github.com/cryptocare/telehealth-booking/internal/payments"
	redisclient "github.com/cryptocare/telehealth-booking/internal/redis"
	"github.com/cryptocare/telehealth-booking/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config load error", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("expiry-worker starting up", "env", cfg.Env, "interval", cfg.WorkerInterval.String())

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Error("postgres connection error", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg)
	if err != nil {
		logger.Error("redis connection error", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("error closing redis", "error", err)
		}
	}()
	logger.Info("connected to Redis")

	bookingMetrics := metrics.NewBookingMetrics(nil)

	repo := booking.NewPgRepository(pgPool)
	locker := redisclient.NewRedisCalendarLocker(rdb, cfg.LockTTL)
	svc := booking.NewService(repo, locker, cfg, logger)

	paymentClient := payments.NewClient(cfg.PaymentAPIURL, cfg.PaymentAPIKey, "", logger)
	invoices := payments.NewCoordinator(paymentClient, repo, cfg.InvoiceExpiry, logger)

	videoClient := meetings.NewClient(cfg.VideoAPIURL, cfg.VideoOAuthURL, cfg.VideoAccountID, cfg.VideoClientID, cfg.VideoClientSecret, logger)
	provisioner := meetings.NewProvisioner(videoClient, bookingMetrics, logger)

	orchestrator := booking.NewOrchestrator(repo, svc, invoices, invoices, provisioner, logger)

	// Run once at startup
	runOnce(rootCtx, orchestrator, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, orchestrator, logger)
		}
	}
}

func runOnce(ctx context.Context, orc *booking.Orchestrator, logger *logging.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	if err := orc.ExpireHolds(runCtx); err != nil {
		logger.Error("hold expiry run error", "error", err)
	}
	if err := orc.CompleteElapsed(runCtx); err != nil {
		logger.Error("completion run error", "error", err)
	}
	logger.Info("expiry run complete", "duration", time.Since(start).String())
}
