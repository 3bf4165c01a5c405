package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cryptocare/telehealth-booking/internal/config"
	redisclient "github.com/cryptocare/telehealth-booking/internal/redis"
	"github.com/cryptocare/telehealth-booking/pkg/logging"
)

const (
	EventAppointmentScheduled = "APPOINTMENT_SCHEDULED"
	EventAppointmentConfirmed = "APPOINTMENT_CONFIRMED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
	EventInvoiceOpened        = "INVOICE_OPENED"
	EventPaymentReceived      = "PAYMENT_RECEIVED"
	EventPaymentExpired       = "PAYMENT_EXPIRED"
	EventRefundRequested      = "REFUND_REQUESTED"
	EventMeetingProvisioned   = "MEETING_PROVISIONED"
	EventMeetingUnavailable   = "MEETING_UNAVAILABLE"
)

var (
	ErrSlotConflict    = errors.New("slot is no longer free")
	ErrCalendarBusy    = errors.New("calendar is currently being booked, please retry")
	ErrNotCancellable  = errors.New("appointment can no longer be cancelled")
	ErrInvalidInterval = errors.New("start and end do not form a bookable interval")
)

// Service implements the availability engine queries and the slot reservation
// manager on top of the repository and the per-calendar lock.
type Service struct {
	repo   Repository
	locker redisclient.Locker
	cfg    config.Config
	logger *logging.Logger
}

func NewService(repo Repository, locker redisclient.Locker, cfg config.Config, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		repo:   repo,
		locker: locker,
		cfg:    cfg,
		logger: logger,
	}
}

// Slots computes the bookable windows for a professional on a date. Results
// are always recomputed from the current rules, exceptions and appointments.
func (s *Service) Slots(ctx context.Context, professionalID uuid.UUID, date time.Time, slotDuration time.Duration) ([]TimeSlot, error) {
	if slotDuration <= 0 {
		slotDuration = s.cfg.SlotDuration
	}

	if _, err := s.repo.GetProfessionalByID(ctx, professionalID); err != nil {
		return nil, err
	}

	rules, err := s.repo.ListRules(ctx, professionalID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	exceptions, err := s.repo.ListExceptions(ctx, professionalID)
	if err != nil {
		return nil, fmt.Errorf("list exceptions: %w", err)
	}
	appts, err := s.repo.ListAppointmentsForDate(ctx, professionalID, date)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}

	return ComputeSlots(rules, exceptions, appts, date, slotDuration, s.cfg.MinLeadTime, time.Now()), nil
}

// Reserve turns a chosen slot into a scheduled appointment holding the slot
// until the hold window elapses. The check-then-insert runs under a lock
// scoped to the professional's day so two concurrent requests for the same
// slot cannot both succeed; the loser gets ErrSlotConflict.
func (s *Service) Reserve(ctx context.Context, professionalID uuid.UUID, date time.Time, start, end TimeOfDay, patientID uuid.UUID) (*Appointment, error) {
	if start >= end {
		return nil, ErrInvalidInterval
	}

	if _, err := s.repo.GetPatientByID(ctx, patientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if _, err := s.repo.GetProfessionalByID(ctx, professionalID); err != nil {
		if errors.Is(err, ErrProfessionalNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load professional: %w", err)
	}

	var created *Appointment

	err := s.locker.WithCalendarLock(ctx, professionalID, date, func(lockCtx context.Context) error {
		// Inside the critical section re-check the interval against the
		// availability engine; a slot that vanished since the client listed
		// it (new booking, calendar change) is a conflict.
		slots, err := s.Slots(lockCtx, professionalID, date, time.Duration(end-start)*time.Minute)
		if err != nil {
			return fmt.Errorf("recompute slots: %w", err)
		}
		if !containsSlot(slots, start, end) {
			return ErrSlotConflict
		}

		holdExpiresAt := time.Now().Add(s.cfg.HoldWindow)
		appt, err := s.repo.CreateScheduledAppointment(lockCtx, patientID, professionalID, date, start, end, holdExpiresAt)
		if err != nil {
			return fmt.Errorf("create scheduled appointment: %w", err)
		}

		created = appt

		s.logEvent(lockCtx, appt.ID, EventAppointmentScheduled, map[string]any{
			"professional_id": professionalID.String(),
			"patient_id":      patientID.String(),
			"date":            DateOf(date).Format("2006-01-02"),
			"start":           start.String(),
			"end":             end.String(),
			"hold_expires_at": holdExpiresAt,
		})

		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrCalendarBusy
		}
		return nil, err
	}

	return created, nil
}

func containsSlot(slots []TimeSlot, start, end TimeOfDay) bool {
	for _, sl := range slots {
		if sl.Start == start && sl.End == end {
			return true
		}
	}
	return false
}

// SetAvailability replaces a professional's weekly rules after validating
// that no two rules for the same day overlap.
func (s *Service) SetAvailability(ctx context.Context, professionalID uuid.UUID, rules []AvailabilityRule) error {
	if _, err := s.repo.GetProfessionalByID(ctx, professionalID); err != nil {
		return err
	}
	if err := ValidateRules(rules); err != nil {
		return err
	}
	if err := s.repo.ReplaceRules(ctx, professionalID, rules); err != nil {
		return fmt.Errorf("replace rules: %w", err)
	}
	return nil
}

// SetException blocks or opens a single calendar date.
func (s *Service) SetException(ctx context.Context, professionalID uuid.UUID, date time.Time, available bool) error {
	if _, err := s.repo.GetProfessionalByID(ctx, professionalID); err != nil {
		return err
	}
	ex := AvailabilityException{
		ProfessionalID: professionalID,
		Date:           DateOf(date),
		Available:      available,
	}
	if err := s.repo.UpsertException(ctx, ex); err != nil {
		return fmt.Errorf("upsert exception: %w", err)
	}
	return nil
}

// GetAppointment retrieves a fully hydrated appointment by ID
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	detail, err := s.repo.GetAppointmentDetail(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return detail, nil
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	logEvent(ctx, s.repo, s.logger, appointmentID, eventType, payload)
}

// logEvent records an audit row for a state transition. Failures are logged
// and swallowed; the event trail is best effort.
func logEvent(ctx context.Context, repo Repository, logger *logging.Logger, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("marshal event payload", "event_type", eventType, "error", err)
		data = nil
	}

	apptID := appointmentID

	ev := BookingEvent{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     time.Now(),
	}

	if err := repo.InsertEvent(ctx, ev); err != nil {
		logger.Error("insert booking event", "event_type", eventType, "appointment_id", appointmentID, "error", err)
	}
}
