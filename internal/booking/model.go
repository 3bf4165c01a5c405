package booking

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusCompleted AppointmentStatus = "completed"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentExpired  PaymentStatus = "expired"
	PaymentRefunded PaymentStatus = "refunded"
)

// TimeOfDay is a wall-clock time expressed as minutes since midnight.
// It maps to the TIME columns on availability rules and appointments.
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM" into a TimeOfDay.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	return TimeOfDay(t.Hour()*60 + t.Minute()), nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// On anchors the wall-clock time to the given calendar date.
func (t TimeOfDay) On(date time.Time) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, int(t)/60, int(t)%60, 0, 0, date.Location())
}

// DateOf truncates a timestamp to its calendar date at midnight UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Professional struct {
	ID                  uuid.UUID
	Name                string
	Specialty           *string
	ConsultationFeeSats int64
	PayoutAddress       *string
	MeetingUserID       *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// AvailabilityRule is a weekly recurring window during which a professional
// accepts consultations. DayOfWeek follows time.Weekday (0 = Sunday).
type AvailabilityRule struct {
	ID             uuid.UUID
	ProfessionalID uuid.UUID
	DayOfWeek      int
	Start          TimeOfDay
	End            TimeOfDay
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AvailabilityException overrides every recurring rule for one calendar date:
// Available=false blocks the whole day, Available=true opens the whole day.
type AvailabilityException struct {
	ID             uuid.UUID
	ProfessionalID uuid.UUID
	Date           time.Time
	Available      bool
	CreatedAt      time.Time
}

type Appointment struct {
	ID              uuid.UUID
	PatientID       uuid.UUID
	ProfessionalID  uuid.UUID
	Date            time.Time
	Start           TimeOfDay
	End             TimeOfDay
	Status          AppointmentStatus
	MeetingID       *string
	MeetingJoinURL  *string
	MeetingStartURL *string
	HoldExpiresAt   *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Payment struct {
	ID             uuid.UUID
	AppointmentID  uuid.UUID
	AmountSats     int64
	InvoiceID      string
	PaymentRequest string
	QRCode         *string
	Status         PaymentStatus
	ExpiresAt      *time.Time
	PaidAt         *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TimeSlot is a bookable window computed on demand by the availability engine.
// Slots are never persisted; they are recomputed from rules, exceptions and
// existing appointments on every query.
type TimeSlot struct {
	Date  time.Time
	Start TimeOfDay
	End   TimeOfDay
}

type BookingEvent struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

type AppointmentDetail struct {
	Appointment
	Patient      *Patient
	Professional *Professional
	Payment      *Payment
}
