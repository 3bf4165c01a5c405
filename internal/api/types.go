package api

import (
	"time"

	"github.com/google/uuid"
)

type SlotResponse struct {
	Date  string `json:"date"`
	Start string `json:"start"`
	End   string `json:"end"`
}

type SlotsResponse struct {
	ProfessionalID uuid.UUID      `json:"professional_id"`
	Date           string         `json:"date"`
	Slots          []SlotResponse `json:"slots"`
}

type CreateAppointmentRequest struct {
	ProfessionalID string `json:"professional_id"`
	PatientID      string `json:"patient_id"`
	Date           string `json:"date"`  // YYYY-MM-DD
	Start          string `json:"start"` // HH:MM
	End            string `json:"end"`   // HH:MM
}

type PaymentResponse struct {
	InvoiceID      string     `json:"invoice_id"`
	PaymentRequest string     `json:"payment_request"`
	QRCode         *string    `json:"qr_code,omitempty"`
	AmountSats     int64      `json:"amount_sats"`
	Status         string     `json:"status"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`
}

type AppointmentResponse struct {
	ID             uuid.UUID        `json:"id"`
	ProfessionalID uuid.UUID        `json:"professional_id"`
	PatientID      uuid.UUID        `json:"patient_id"`
	Date           string           `json:"date"`
	Start          string           `json:"start"`
	End            string           `json:"end"`
	Status         string           `json:"status"`
	JoinURL        *string          `json:"join_url,omitempty"`
	HoldExpiresAt  *time.Time       `json:"hold_expires_at,omitempty"`
	Payment        *PaymentResponse `json:"payment,omitempty"`
}

type AvailabilityRuleRequest struct {
	DayOfWeek int    `json:"day_of_week"` // 0 = Sunday
	Start     string `json:"start"`       // HH:MM
	End       string `json:"end"`         // HH:MM
}

type SetAvailabilityRequest struct {
	Rules []AvailabilityRuleRequest `json:"rules"`
}

type SetExceptionRequest struct {
	Date      string `json:"date"` // YYYY-MM-DD
	Available bool   `json:"available"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
