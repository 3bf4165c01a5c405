package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cryptocare/telehealth-booking/internal/api"
	"github.com/cryptocare/telehealth-booking/internal/booking"
	"github.com/cryptocare/telehealth-booking/internal/config"
	"github.com/cryptocare/telehealth-booking/internal/db"
	"github.com/cryptocare/telehealth-booking/internal/meetings"
	"github.com/cryptocare/telehealth-booking/internal/observability/metrics"
	"github.com/cryptocare/telehealth-booking/internal/payments"
	redisclient "github.com/cryptocare/telehealth-booking/internal/redis"
	"github.com/cryptocare/telehealth-booking/pkg/logging"
)

const version = "0.3.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config load error", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("api-server starting up", "env", cfg.Env, "http_port", cfg.HTTPPort)

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

	// Connect Redis
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

	paymentClient := payments.NewClient(cfg.PaymentAPIURL, cfg.PaymentAPIKey, webhookURL(), logger)
	invoices := payments.NewCoordinator(paymentClient, repo, cfg.InvoiceExpiry, logger)

	videoClient := meetings.NewClient(cfg.VideoAPIURL, cfg.VideoOAuthURL, cfg.VideoAccountID, cfg.VideoClientID, cfg.VideoClientSecret, logger)
	provisioner := meetings.NewProvisioner(videoClient, bookingMetrics, logger)

	orchestrator := booking.NewOrchestrator(repo, svc, invoices, invoices, provisioner, logger)
	webhook := payments.NewWebhookHandler(cfg.PaymentWebhookSecret, repo, orchestrator, bookingMetrics, logger)

	router := api.NewRouter(api.RouterConfig{
		Service:      svc,
		Orchestrator: orchestrator,
		Webhook:      webhook,
		Metrics:      bookingMetrics,
		Logger:       logger,
		PgPool:       pgPool,
		Redis:        rdb,
		Env:          cfg.Env,
		Version:      version,
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("http server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}

	logger.Info("api-server stopped")
}

func webhookURL() string {
	if base := os.Getenv("PUBLIC_BASE_URL"); base != "" {
		return base + "/api/payments/webhook"
	}
	return ""
}
