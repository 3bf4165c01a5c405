package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound      = errors.New("patient not found")
	ErrProfessionalNotFound = errors.New("professional not found")
	ErrAppointmentNotFound  = errors.New("appointment not found")
	ErrPaymentNotFound      = errors.New("payment not found")

	// ErrStaleTransition means a compare-and-set status update matched no row:
	// someone else already moved the record past the expected status. Callers
	// treat it as a benign race and turn the operation into a no-op.
	ErrStaleTransition = errors.New("stale status transition")
)

// Repository contains all DB interactions needed by the booking core.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetProfessionalByID(ctx context.Context, id uuid.UUID) (*Professional, error)

	// Availability
	ListRules(ctx context.Context, professionalID uuid.UUID) ([]AvailabilityRule, error)
	ReplaceRules(ctx context.Context, professionalID uuid.UUID, rules []AvailabilityRule) error
	ListExceptions(ctx context.Context, professionalID uuid.UUID) ([]AvailabilityException, error)
	UpsertException(ctx context.Context, ex AvailabilityException) error

	// Appointments
	ListAppointmentsForDate(ctx context.Context, professionalID uuid.UUID, date time.Time) ([]Appointment, error)
	CreateScheduledAppointment(ctx context.Context, patientID, professionalID uuid.UUID, date time.Time, start, end TimeOfDay, holdExpiresAt time.Time) (*Appointment, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error)
	AttachMeeting(ctx context.Context, id uuid.UUID, meetingID, joinURL, startURL string) error

	// Expiry / completion sweeps
	FindExpiredHolds(ctx context.Context, now time.Time) ([]Appointment, error)
	FindElapsedConfirmed(ctx context.Context, now time.Time) ([]Appointment, error)

	// Payments
	CreatePayment(ctx context.Context, p Payment) (*Payment, error)
	GetPaymentByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	GetPaymentByInvoiceID(ctx context.Context, invoiceID string) (*Payment, error)
	GetPaymentByAppointmentID(ctx context.Context, appointmentID uuid.UUID) (*Payment, error)
	MarkPaymentPaid(ctx context.Context, id uuid.UUID, paidAt time.Time) (*Payment, error)
	UpdatePaymentStatus(ctx context.Context, id uuid.UUID, from, to PaymentStatus) (*Payment, error)

	// Event logging
	InsertEvent(ctx context.Context, ev BookingEvent) error
}
