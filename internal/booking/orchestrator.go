package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cryptocare/telehealth-booking/pkg/logging"
)

// InvoiceOpener requests a payment invoice for a freshly reserved appointment.
type InvoiceOpener interface {
	Open(ctx context.Context, appt *Appointment, prof *Professional) (*Payment, error)
}

// RefundIssuer asks the payment provider to return a settled invoice.
type RefundIssuer interface {
	Refund(ctx context.Context, invoiceID string) error
}

// MeetingRef identifies a provisioned video room.
type MeetingRef struct {
	ID       string
	JoinURL  string
	StartURL string
}

// MeetingProvisioner creates the video room for a confirmed appointment.
type MeetingProvisioner interface {
	Provision(ctx context.Context, appt *Appointment, prof *Professional) (*MeetingRef, error)
}

// Orchestrator drives the appointment state machine:
//
//	scheduled -> confirmed -> completed
//	scheduled -> cancelled   (hold expired, invoice expired, user cancel, invoice failure)
//	confirmed -> cancelled   (user cancel, refund issued)
//
// Every transition is a compare-and-set, so racing actors (duplicate webhooks,
// the expiry worker, a user cancelling) collapse into exactly one winner.
type Orchestrator struct {
	repo     Repository
	svc      *Service
	invoices InvoiceOpener
	refunds  RefundIssuer
	meetings MeetingProvisioner
	logger   *logging.Logger
}

func NewOrchestrator(repo Repository, svc *Service, invoices InvoiceOpener, refunds RefundIssuer, meetings MeetingProvisioner, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Orchestrator{
		repo:     repo,
		svc:      svc,
		invoices: invoices,
		refunds:  refunds,
		meetings: meetings,
		logger:   logger,
	}
}

// Book reserves the slot and opens the payment invoice. If the provider call
// fails the reservation is released immediately: no invoice means no valid
// hold on the slot.
func (o *Orchestrator) Book(ctx context.Context, professionalID uuid.UUID, date time.Time, start, end TimeOfDay, patientID uuid.UUID) (*Appointment, *Payment, error) {
	appt, err := o.svc.Reserve(ctx, professionalID, date, start, end, patientID)
	if err != nil {
		return nil, nil, err
	}

	prof, err := o.repo.GetProfessionalByID(ctx, professionalID)
	if err != nil {
		o.release(ctx, appt.ID, "professional_lookup_failed")
		return nil, nil, fmt.Errorf("load professional: %w", err)
	}

	payment, err := o.invoices.Open(ctx, appt, prof)
	if err != nil {
		o.release(ctx, appt.ID, "invoice_open_failed")
		return nil, nil, fmt.Errorf("open invoice: %w", err)
	}

	logEvent(ctx, o.repo, o.logger, appt.ID, EventInvoiceOpened, map[string]any{
		"invoice_id":  payment.InvoiceID,
		"amount_sats": payment.AmountSats,
		"expires_at":  payment.ExpiresAt,
	})

	return appt, payment, nil
}

// ConfirmFromPayment is invoked by the webhook reconciler once a payment has
// genuinely moved to paid. A stale transition means a racing duplicate or the
// expiry worker already acted; that is a no-op, not an error, so meeting
// provisioning happens at most once per appointment.
func (o *Orchestrator) ConfirmFromPayment(ctx context.Context, appointmentID uuid.UUID) error {
	appt, err := o.repo.UpdateAppointmentStatus(ctx, appointmentID, StatusScheduled, StatusConfirmed)
	if err != nil {
		if errors.Is(err, ErrStaleTransition) {
			o.logger.Info("confirm skipped, appointment already transitioned", "appointment_id", appointmentID)
			return nil
		}
		return fmt.Errorf("confirm appointment: %w", err)
	}

	logEvent(ctx, o.repo, o.logger, appt.ID, EventAppointmentConfirmed, map[string]any{})

	o.provisionMeeting(ctx, appt)

	return nil
}

// provisionMeeting attaches a video room to a confirmed appointment. On
// persistent provider failure the appointment stays confirmed without a link;
// payment has been taken, so this is never rolled back.
func (o *Orchestrator) provisionMeeting(ctx context.Context, appt *Appointment) {
	prof, err := o.repo.GetProfessionalByID(ctx, appt.ProfessionalID)
	if err != nil {
		o.logger.Error("load professional for meeting", "appointment_id", appt.ID, "error", err)
		logEvent(ctx, o.repo, o.logger, appt.ID, EventMeetingUnavailable, map[string]any{"reason": "professional_lookup_failed"})
		return
	}

	ref, err := o.meetings.Provision(ctx, appt, prof)
	if err != nil {
		o.logger.Error("meeting provisioning failed", "appointment_id", appt.ID, "error", err)
		logEvent(ctx, o.repo, o.logger, appt.ID, EventMeetingUnavailable, map[string]any{"reason": err.Error()})
		return
	}

	if err := o.repo.AttachMeeting(ctx, appt.ID, ref.ID, ref.JoinURL, ref.StartURL); err != nil {
		o.logger.Error("attach meeting", "appointment_id", appt.ID, "meeting_id", ref.ID, "error", err)
		return
	}

	logEvent(ctx, o.repo, o.logger, appt.ID, EventMeetingProvisioned, map[string]any{
		"meeting_id": ref.ID,
	})
}

// ReleaseUnpaid cancels a still-scheduled appointment whose invoice expired.
func (o *Orchestrator) ReleaseUnpaid(ctx context.Context, appointmentID uuid.UUID, reason string) error {
	if _, err := o.repo.UpdateAppointmentStatus(ctx, appointmentID, StatusScheduled, StatusCancelled); err != nil {
		if errors.Is(err, ErrStaleTransition) {
			return nil
		}
		return fmt.Errorf("release appointment: %w", err)
	}

	logEvent(ctx, o.repo, o.logger, appointmentID, EventAppointmentCancelled, map[string]any{"reason": reason})
	return nil
}

func (o *Orchestrator) release(ctx context.Context, appointmentID uuid.UUID, reason string) {
	if err := o.ReleaseUnpaid(ctx, appointmentID, reason); err != nil {
		o.logger.Error("release reservation", "appointment_id", appointmentID, "error", err)
	}
}

// Cancel handles a user-initiated cancellation. Cancelling an appointment that
// is already confirmed and paid triggers a refund request at the provider.
func (o *Orchestrator) Cancel(ctx context.Context, appointmentID uuid.UUID) (*Appointment, error) {
	appt, err := o.repo.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	switch appt.Status {
	case StatusScheduled:
		cancelled, err := o.repo.UpdateAppointmentStatus(ctx, appointmentID, StatusScheduled, StatusCancelled)
		if err != nil {
			if errors.Is(err, ErrStaleTransition) {
				return nil, ErrNotCancellable
			}
			return nil, fmt.Errorf("cancel appointment: %w", err)
		}
		o.expirePendingPayment(ctx, appointmentID)
		logEvent(ctx, o.repo, o.logger, appointmentID, EventAppointmentCancelled, map[string]any{"reason": "user"})
		return cancelled, nil

	case StatusConfirmed:
		cancelled, err := o.repo.UpdateAppointmentStatus(ctx, appointmentID, StatusConfirmed, StatusCancelled)
		if err != nil {
			if errors.Is(err, ErrStaleTransition) {
				return nil, ErrNotCancellable
			}
			return nil, fmt.Errorf("cancel appointment: %w", err)
		}
		logEvent(ctx, o.repo, o.logger, appointmentID, EventAppointmentCancelled, map[string]any{"reason": "user", "refund": true})
		o.refundPayment(ctx, appointmentID)
		return cancelled, nil

	default:
		return nil, ErrNotCancellable
	}
}

func (o *Orchestrator) expirePendingPayment(ctx context.Context, appointmentID uuid.UUID) {
	payment, err := o.repo.GetPaymentByAppointmentID(ctx, appointmentID)
	if err != nil {
		if !errors.Is(err, ErrPaymentNotFound) {
			o.logger.Error("load payment for cancel", "appointment_id", appointmentID, "error", err)
		}
		return
	}
	if _, err := o.repo.UpdatePaymentStatus(ctx, payment.ID, PaymentPending, PaymentExpired); err != nil && !errors.Is(err, ErrStaleTransition) {
		o.logger.Error("expire payment on cancel", "payment_id", payment.ID, "error", err)
	}
}

func (o *Orchestrator) refundPayment(ctx context.Context, appointmentID uuid.UUID) {
	payment, err := o.repo.GetPaymentByAppointmentID(ctx, appointmentID)
	if err != nil {
		o.logger.Error("load payment for refund", "appointment_id", appointmentID, "error", err)
		return
	}
	if payment.Status != PaymentPaid {
		return
	}

	if err := o.refunds.Refund(ctx, payment.InvoiceID); err != nil {
		// Leave the payment paid; support resolves failed refunds by hand.
		o.logger.Error("refund request failed", "invoice_id", payment.InvoiceID, "error", err)
		return
	}

	if _, err := o.repo.UpdatePaymentStatus(ctx, payment.ID, PaymentPaid, PaymentRefunded); err != nil && !errors.Is(err, ErrStaleTransition) {
		o.logger.Error("mark payment refunded", "payment_id", payment.ID, "error", err)
		return
	}

	logEvent(ctx, o.repo, o.logger, appointmentID, EventRefundRequested, map[string]any{
		"invoice_id": payment.InvoiceID,
	})
}

// ExpireHolds releases scheduled appointments whose hold window elapsed with
// no paid invoice. Called periodically by the expiry worker.
func (o *Orchestrator) ExpireHolds(ctx context.Context) error {
	now := time.Now()
	expired, err := o.repo.FindExpiredHolds(ctx, now)
	if err != nil {
		return fmt.Errorf("find expired holds: %w", err)
	}

	for _, appt := range expired {
		// A payment that already settled wins over the hold timer; the
		// webhook reconciler will confirm it.
		payment, err := o.repo.GetPaymentByAppointmentID(ctx, appt.ID)
		if err == nil && payment.Status == PaymentPaid {
			continue
		}
		if err != nil && !errors.Is(err, ErrPaymentNotFound) {
			o.logger.Error("load payment for hold expiry", "appointment_id", appt.ID, "error", err)
			continue
		}

		if _, err := o.repo.UpdateAppointmentStatus(ctx, appt.ID, StatusScheduled, StatusCancelled); err != nil {
			if !errors.Is(err, ErrStaleTransition) {
				o.logger.Error("expire hold", "appointment_id", appt.ID, "error", err)
			}
			continue
		}
		if payment != nil {
			if _, err := o.repo.UpdatePaymentStatus(ctx, payment.ID, PaymentPending, PaymentExpired); err != nil && !errors.Is(err, ErrStaleTransition) {
				o.logger.Error("expire payment", "payment_id", payment.ID, "error", err)
			}
		}

		logEvent(ctx, o.repo, o.logger, appt.ID, EventAppointmentCancelled, map[string]any{"reason": "hold_expired"})
	}

	return nil
}

// CompleteElapsed marks confirmed appointments whose end time has passed as
// completed. Called periodically by the expiry worker.
func (o *Orchestrator) CompleteElapsed(ctx context.Context) error {
	now := time.Now()
	elapsed, err := o.repo.FindElapsedConfirmed(ctx, now)
	if err != nil {
		return fmt.Errorf("find elapsed confirmed: %w", err)
	}

	for _, appt := range elapsed {
		if _, err := o.repo.UpdateAppointmentStatus(ctx, appt.ID, StatusConfirmed, StatusCompleted); err != nil {
			if !errors.Is(err, ErrStaleTransition) {
				o.logger.Error("complete appointment", "appointment_id", appt.ID, "error", err)
			}
			continue
		}
		logEvent(ctx, o.repo, o.logger, appt.ID, EventAppointmentCompleted, map[string]any{})
	}

	return nil
}
