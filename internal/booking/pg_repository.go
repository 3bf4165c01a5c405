package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

// pgTime converts a TimeOfDay to the wire representation of a TIME column.
func pgTime(t TimeOfDay) pgtype.Time {
	return pgtype.Time{Microseconds: int64(t) * 60 * 1_000_000, Valid: true}
}

func fromPGTime(t pgtype.Time) TimeOfDay {
	return TimeOfDay(t.Microseconds / (60 * 1_000_000))
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var email *string

	err := row.Scan(
		&p.ID,
		&p.Name,
		&email,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.Email = email
	return &p, nil
}

func scanProfessional(row pgx.Row) (*Professional, error) {
	var p Professional

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Specialty,
		&p.ConsultationFeeSats,
		&p.PayoutAddress,
		&p.MeetingUserID,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfessionalNotFound
		}
		return nil, err
	}

	return &p, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var start, end pgtype.Time

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ProfessionalID,
		&a.Date,
		&start,
		&end,
		&a.Status,
		&a.MeetingID,
		&a.MeetingJoinURL,
		&a.MeetingStartURL,
		&a.HoldExpiresAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Start = fromPGTime(start)
	a.End = fromPGTime(end)
	return &a, nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment

	err := row.Scan(
		&p.ID,
		&p.AppointmentID,
		&p.AmountSats,
		&p.InvoiceID,
		&p.PaymentRequest,
		&p.QRCode,
		&p.Status,
		&p.ExpiresAt,
		&p.PaidAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}

	return &p, nil
}

const appointmentColumns = `id, patient_id, professional_id, appointment_date, start_time, end_time,
		       status, meeting_id, meeting_join_url, meeting_start_url, hold_expires_at, created_at, updated_at`

const paymentColumns = `id, appointment_id, amount_sats, invoice_id, payment_request, qr_code,
		       status, expires_at, paid_at, created_at, updated_at`

// Interface methods

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetProfessionalByID(ctx context.Context, id uuid.UUID) (*Professional, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, specialty, consultation_fee_sats, payout_address, meeting_user_id, created_at, updated_at
		FROM professionals
		WHERE id = $1
	`, id)
	return scanProfessional(row)
}

func (r *PgRepository) ListRules(ctx context.Context, professionalID uuid.UUID) ([]AvailabilityRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, professional_id, day_of_week, start_time, end_time, created_at, updated_at
		FROM availability_rules
		WHERE professional_id = $1
		ORDER BY day_of_week, start_time
	`, professionalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AvailabilityRule
	for rows.Next() {
		var rule AvailabilityRule
		var start, end pgtype.Time
		if err := rows.Scan(&rule.ID, &rule.ProfessionalID, &rule.DayOfWeek, &start, &end, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, err
		}
		rule.Start = fromPGTime(start)
		rule.End = fromPGTime(end)
		result = append(result, rule)
	}

	return result, rows.Err()
}

// ReplaceRules swaps a professional's whole weekly pattern in one transaction
// so availability queries never observe a half-written rule set.
func (r *PgRepository) ReplaceRules(ctx context.Context, professionalID uuid.UUID, rules []AvailabilityRule) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace rules: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM availability_rules WHERE professional_id = $1`, professionalID); err != nil {
		return fmt.Errorf("clear rules: %w", err)
	}

	for _, rule := range rules {
		id := rule.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO availability_rules (id, professional_id, day_of_week, start_time, end_time, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, now(), now())
		`, id, professionalID, rule.DayOfWeek, pgTime(rule.Start), pgTime(rule.End))
		if err != nil {
			return fmt.Errorf("insert rule: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (r *PgRepository) ListExceptions(ctx context.Context, professionalID uuid.UUID) ([]AvailabilityException, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, professional_id, exception_date, is_available, created_at
		FROM availability_exceptions
		WHERE professional_id = $1
		ORDER BY exception_date
	`, professionalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AvailabilityException
	for rows.Next() {
		var ex AvailabilityException
		if err := rows.Scan(&ex.ID, &ex.ProfessionalID, &ex.Date, &ex.Available, &ex.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, ex)
	}

	return result, rows.Err()
}

func (r *PgRepository) UpsertException(ctx context.Context, ex AvailabilityException) error {
	id := ex.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO availability_exceptions (id, professional_id, exception_date, is_available, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (professional_id, exception_date)
		DO UPDATE SET is_available = EXCLUDED.is_available
	`, id, ex.ProfessionalID, DateOf(ex.Date), ex.Available)
	if err != nil {
		return fmt.Errorf("upsert exception: %w", err)
	}
	return nil
}

func (r *PgRepository) ListAppointmentsForDate(ctx context.Context, professionalID uuid.UUID, date time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE professional_id = $1
		  AND appointment_date = $2
		  AND status <> 'cancelled'
		ORDER BY start_time
	`, professionalID, DateOf(date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	return result, rows.Err()
}

func (r *PgRepository) CreateScheduledAppointment(ctx context.Context, patientID, professionalID uuid.UUID, date time.Time, start, end TimeOfDay, holdExpiresAt time.Time) (*Appointment, error) {
	id := uuid.New()

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, professional_id, appointment_date, start_time, end_time, status, hold_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'scheduled', $7, now(), now())
		RETURNING `+appointmentColumns+`
	`, id, patientID, professionalID, DateOf(date), pgTime(start), pgTime(end), holdExpiresAt)

	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	appt, err := r.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &AppointmentDetail{Appointment: *appt}

	if patient, err := r.GetPatientByID(ctx, appt.PatientID); err == nil {
		detail.Patient = patient
	} else if !errors.Is(err, ErrPatientNotFound) {
		return nil, err
	}

	if prof, err := r.GetProfessionalByID(ctx, appt.ProfessionalID); err == nil {
		detail.Professional = prof
	} else if !errors.Is(err, ErrProfessionalNotFound) {
		return nil, err
	}

	if payment, err := r.GetPaymentByAppointmentID(ctx, appt.ID); err == nil {
		detail.Payment = payment
	} else if !errors.Is(err, ErrPaymentNotFound) {
		return nil, err
	}

	return detail, nil
}

// UpdateAppointmentStatus transitions only if the current status still matches
// from; a vanished row means another actor won the race.
func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns+`
	`, id, to, from)

	appt, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, ErrStaleTransition
	}
	return appt, err
}

func (r *PgRepository) AttachMeeting(ctx context.Context, id uuid.UUID, meetingID, joinURL, startURL string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET meeting_id = $2,
		    meeting_join_url = $3,
		    meeting_start_url = $4,
		    updated_at = now()
		WHERE id = $1
	`, id, meetingID, joinURL, startURL)
	if err != nil {
		return fmt.Errorf("attach meeting: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) FindExpiredHolds(ctx context.Context, now time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'scheduled'
		  AND hold_expires_at IS NOT NULL
		  AND hold_expires_at < $1
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	return result, rows.Err()
}

func (r *PgRepository) FindElapsedConfirmed(ctx context.Context, now time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'confirmed'
		  AND (appointment_date + end_time) AT TIME ZONE 'UTC' < $1
	`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	return result, rows.Err()
}

func (r *PgRepository) CreatePayment(ctx context.Context, p Payment) (*Payment, error) {
	id := p.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO payments (id, appointment_id, amount_sats, invoice_id, payment_request, qr_code, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING `+paymentColumns+`
	`, id, p.AppointmentID, p.AmountSats, p.InvoiceID, p.PaymentRequest, p.QRCode, p.Status, p.ExpiresAt)

	return scanPayment(row)
}

func (r *PgRepository) GetPaymentByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE id = $1
	`, id)
	return scanPayment(row)
}

func (r *PgRepository) GetPaymentByInvoiceID(ctx context.Context, invoiceID string) (*Payment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE invoice_id = $1
	`, invoiceID)
	return scanPayment(row)
}

func (r *PgRepository) GetPaymentByAppointmentID(ctx context.Context, appointmentID uuid.UUID) (*Payment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE appointment_id = $1
	`, appointmentID)
	return scanPayment(row)
}

// MarkPaymentPaid is the pending->paid compare-and-set; duplicate webhook
// deliveries after the first one surface as ErrStaleTransition.
func (r *PgRepository) MarkPaymentPaid(ctx context.Context, id uuid.UUID, paidAt time.Time) (*Payment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE payments
		SET status = 'paid',
		    paid_at = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING `+paymentColumns+`
	`, id, paidAt)

	p, err := scanPayment(row)
	if errors.Is(err, ErrPaymentNotFound) {
		return nil, ErrStaleTransition
	}
	return p, err
}

func (r *PgRepository) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, from, to PaymentStatus) (*Payment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE payments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+paymentColumns+`
	`, id, to, from)

	p, err := scanPayment(row)
	if errors.Is(err, ErrPaymentNotFound) {
		return nil, ErrStaleTransition
	}
	return p, err
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev BookingEvent) error {
	var appID *uuid.UUID
	if ev.AppointmentID != nil {
		appID = ev.AppointmentID
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO booking_events (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, appID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert booking event: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
