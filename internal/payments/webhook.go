package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cryptocare/telehealth-booking/internal/booking"
	"github.com/cryptocare/telehealth-booking/internal/observability/metrics"
	"github.com/cryptocare/telehealth-booking/pkg/logging"
)

// signatureHeader carries the provider's HMAC over the raw body.
const signatureHeader = "Sbp-Sig"

// webhookStore is the slice of the booking repository the reconciler mutates.
type webhookStore interface {
	GetPaymentByInvoiceID(ctx context.Context, invoiceID string) (*booking.Payment, error)
	MarkPaymentPaid(ctx context.Context, id uuid.UUID, paidAt time.Time) (*booking.Payment, error)
	UpdatePaymentStatus(ctx context.Context, id uuid.UUID, from, to booking.PaymentStatus) (*booking.Payment, error)
}

// appointmentTransitioner hands reconciled payment outcomes to the orchestrator.
type appointmentTransitioner interface {
	ConfirmFromPayment(ctx context.Context, appointmentID uuid.UUID) error
	ReleaseUnpaid(ctx context.Context, appointmentID uuid.UUID, reason string) error
}

type webhookEvent struct {
	InvoiceID string     `json:"invoiceId"`
	Status    string     `json:"status"`
	PaidAt    *time.Time `json:"paidAt,omitempty"`
}

// WebhookHandler ingests the provider's at-least-once payment callbacks and
// advances payment/appointment state idempotently. Duplicate and out-of-order
// deliveries collapse into no-ops through the compare-and-set store calls.
type WebhookHandler struct {
	secret   string
	store    webhookStore
	bookings appointmentTransitioner
	metrics  *metrics.BookingMetrics
	logger   *logging.Logger
}

func NewWebhookHandler(secret string, store webhookStore, bookings appointmentTransitioner, m *metrics.BookingMetrics, logger *logging.Logger) *WebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{
		secret:   secret,
		store:    store,
		bookings: bookings,
		metrics:  m,
		logger:   logger,
	}
}

func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	// Nothing may be mutated on an unverified payload. A bad signature is
	// discarded with 401; the provider does not retry authentication failures.
	if !verifySignature(h.secret, payload, r.Header.Get(signatureHeader)) {
		h.metrics.ObserveWebhook("unknown", "bad_signature")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var evt webhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		h.logger.Error("failed to decode payment event", "error", err)
		h.metrics.ObserveWebhook("unknown", "bad_payload")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if evt.InvoiceID == "" {
		h.metrics.ObserveWebhook(evt.Status, "bad_payload")
		http.Error(w, "missing invoice id", http.StatusBadRequest)
		return
	}

	result := h.reconcile(r.Context(), evt)
	h.metrics.ObserveWebhook(evt.Status, result)
	h.metrics.ObserveWebhookLatency(evt.Status, time.Since(start).Seconds())

	if result == "error" {
		// 5xx makes the provider redeliver; reconciliation is idempotent.
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// reconcile applies one event to the persisted payment state and reports what
// happened: applied, duplicate, unknown_invoice, ignored or error.
func (h *WebhookHandler) reconcile(ctx context.Context, evt webhookEvent) string {
	payment, err := h.store.GetPaymentByInvoiceID(ctx, evt.InvoiceID)
	if err != nil {
		if errors.Is(err, booking.ErrPaymentNotFound) {
			// Unknown invoices are acknowledged, otherwise the provider
			// retries the callback indefinitely.
			h.logger.Warn("webhook for unknown invoice", "invoice_id", evt.InvoiceID)
			return "unknown_invoice"
		}
		h.logger.Error("payment lookup failed", "invoice_id", evt.InvoiceID, "error", err)
		return "error"
	}

	switch evt.Status {
	case "paid", "settled":
		paidAt := time.Now()
		if evt.PaidAt != nil {
			paidAt = *evt.PaidAt
		}
		if _, err := h.store.MarkPaymentPaid(ctx, payment.ID, paidAt); err != nil {
			if errors.Is(err, booking.ErrStaleTransition) {
				return h.redriveSettled(ctx, evt.InvoiceID)
			}
			h.logger.Error("mark payment paid", "invoice_id", evt.InvoiceID, "error", err)
			return "error"
		}
		if err := h.bookings.ConfirmFromPayment(ctx, payment.AppointmentID); err != nil {
			h.logger.Error("confirm appointment from payment", "appointment_id", payment.AppointmentID, "error", err)
			return "error"
		}
		return "applied"

	case "expired":
		if _, err := h.store.UpdatePaymentStatus(ctx, payment.ID, booking.PaymentPending, booking.PaymentExpired); err != nil {
			if errors.Is(err, booking.ErrStaleTransition) {
				return "duplicate"
			}
			h.logger.Error("expire payment", "invoice_id", evt.InvoiceID, "error", err)
			return "error"
		}
		if err := h.bookings.ReleaseUnpaid(ctx, payment.AppointmentID, "invoice_expired"); err != nil {
			h.logger.Error("release appointment after invoice expiry", "appointment_id", payment.AppointmentID, "error", err)
			return "error"
		}
		return "applied"

	default:
		h.logger.Info("ignoring payment event", "invoice_id", evt.InvoiceID, "status", evt.Status)
		return "ignored"
	}
}

// redriveSettled handles a paid event whose pending->paid transition already
// happened. Usually that is a plain duplicate, but a previous delivery may
// have died between marking the payment and confirming the appointment. The
// confirm is CAS-idempotent, so a settled payment drives it again before the
// duplicate is acknowledged.
func (h *WebhookHandler) redriveSettled(ctx context.Context, invoiceID string) string {
	payment, err := h.store.GetPaymentByInvoiceID(ctx, invoiceID)
	if err != nil {
		h.logger.Error("re-read payment for settled redelivery", "invoice_id", invoiceID, "error", err)
		return "error"
	}
	if payment.Status != booking.PaymentPaid {
		// Expired or refunded meanwhile; nothing to confirm.
		return "duplicate"
	}
	if err := h.bookings.ConfirmFromPayment(ctx, payment.AppointmentID); err != nil {
		h.logger.Error("confirm appointment on redelivery", "appointment_id", payment.AppointmentID, "error", err)
		return "error"
	}
	return "duplicate"
}

// verifySignature checks the hex HMAC-SHA256 of the raw body. The header value
// may carry a "sha256=" prefix.
func verifySignature(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	header = strings.TrimPrefix(header, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(header), []byte(expected))
}
