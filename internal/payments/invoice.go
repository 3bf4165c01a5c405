package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/cryptocare/telehealth-booking/internal/booking"
	"github.com/cryptocare/telehealth-booking/pkg/logging"
)

// invoiceStore is the slice of the booking repository the coordinator needs.
type invoiceStore interface {
	CreatePayment(ctx context.Context, p booking.Payment) (*booking.Payment, error)
	GetPaymentByInvoiceID(ctx context.Context, invoiceID string) (*booking.Payment, error)
}

// Coordinator opens provider invoices for reservations and tracks their
// lifecycle in the payments table. It implements booking.InvoiceOpener and
// booking.RefundIssuer.
type Coordinator struct {
	client        *Client
	store         invoiceStore
	invoiceExpiry time.Duration
	logger        *logging.Logger
}

func NewCoordinator(client *Client, store invoiceStore, invoiceExpiry time.Duration, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Coordinator{
		client:        client,
		store:         store,
		invoiceExpiry: invoiceExpiry,
		logger:        logger,
	}
}

// Open requests an invoice for the professional's consultation fee and stores
// a pending payment row tied to the appointment. The appointment id travels as
// correlation metadata so webhook events can be matched back.
func (c *Coordinator) Open(ctx context.Context, appt *booking.Appointment, prof *booking.Professional) (*booking.Payment, error) {
	description := fmt.Sprintf("Consultation with %s on %s at %s",
		prof.Name, appt.Date.Format("2006-01-02"), appt.Start.String())

	metadata := map[string]string{
		"appointment_id": appt.ID.String(),
	}

	inv, err := c.client.CreateInvoice(ctx, prof.ConsultationFeeSats, description, metadata, c.invoiceExpiry)
	if err != nil {
		return nil, err
	}

	qr := inv.QRCode
	expiresAt := inv.ExpiresAt
	payment := booking.Payment{
		AppointmentID:  appt.ID,
		AmountSats:     prof.ConsultationFeeSats,
		InvoiceID:      inv.ID,
		PaymentRequest: inv.PaymentRequest,
		QRCode:         &qr,
		Status:         booking.PaymentPending,
		ExpiresAt:      &expiresAt,
	}

	stored, err := c.store.CreatePayment(ctx, payment)
	if err != nil {
		return nil, fmt.Errorf("store payment: %w", err)
	}

	c.logger.Info("invoice opened",
		"appointment_id", appt.ID,
		"invoice_id", inv.ID,
		"amount_sats", prof.ConsultationFeeSats,
	)

	return stored, nil
}

// GetStatus returns the locally tracked state of an invoice. The webhook
// reconciler is the source of truth for transitions, so no provider round
// trip happens here.
func (c *Coordinator) GetStatus(ctx context.Context, invoiceID string) (*booking.Payment, error) {
	return c.store.GetPaymentByInvoiceID(ctx, invoiceID)
}

// Refund forwards a refund request to the provider.
func (c *Coordinator) Refund(ctx context.Context, invoiceID string) error {
	return c.client.Refund(ctx, invoiceID)
}
