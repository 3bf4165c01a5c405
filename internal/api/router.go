package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/cryptocare/telehealth-booking/internal/booking"
	"github.com/cryptocare/telehealth-booking/internal/observability/metrics"
	"github.com/cryptocare/telehealth-booking/internal/payments"
	"github.com/cryptocare/telehealth-booking/pkg/logging"
)

type RouterConfig struct {
	Service      *booking.Service
	Orchestrator *booking.Orchestrator
	Webhook      *payments.WebhookHandler
	Metrics      *metrics.BookingMetrics
	Logger       *logging.Logger
	PgPool       *pgxpool.Pool
	Redis        *redis.Client
	Env          string
	Version      string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	// Professional calendar endpoints
	r.Get("/professionals/{id}/slots", listSlotsHandler(cfg.Service))
	r.Put("/professionals/{id}/availability", setAvailabilityHandler(cfg.Service))
	r.Post("/professionals/{id}/exceptions", setExceptionHandler(cfg.Service))

	// Appointment endpoints
	r.Post("/appointments", createAppointmentHandler(cfg.Orchestrator, cfg.Metrics))
	r.Get("/appointments/{id}", getAppointmentHandler(cfg.Service))
	r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Orchestrator))

	// Payment provider callback ingress
	r.Post("/api/payments/webhook", cfg.Webhook.Handle)

	return r
}
