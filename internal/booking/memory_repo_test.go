package booking

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryRepo is an in-memory Repository used by the service and orchestrator
// tests. It mirrors the compare-and-set semantics of the Postgres
// implementation, including ErrStaleTransition on a missed CAS.
type memoryRepo struct {
	mu           sync.Mutex
	patients     map[uuid.UUID]*Patient
	profs        map[uuid.UUID]*Professional
	rules        map[uuid.UUID][]AvailabilityRule
	exceptions   map[uuid.UUID][]AvailabilityException
	appointments map[uuid.UUID]*Appointment
	payments     map[uuid.UUID]*Payment
	events       []BookingEvent
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		patients:     make(map[uuid.UUID]*Patient),
		profs:        make(map[uuid.UUID]*Professional),
		rules:        make(map[uuid.UUID][]AvailabilityRule),
		exceptions:   make(map[uuid.UUID][]AvailabilityException),
		appointments: make(map[uuid.UUID]*Appointment),
		payments:     make(map[uuid.UUID]*Payment),
	}
}

func (m *memoryRepo) addPatient(p Patient) *Patient {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.patients[p.ID] = &p
	return &p
}

func (m *memoryRepo) addProfessional(p Professional) *Professional {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.profs[p.ID] = &p
	return &p
}

func (m *memoryRepo) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memoryRepo) GetProfessionalByID(_ context.Context, id uuid.UUID) (*Professional, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profs[id]
	if !ok {
		return nil, ErrProfessionalNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memoryRepo) ListRules(_ context.Context, professionalID uuid.UUID) ([]AvailabilityRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AvailabilityRule(nil), m.rules[professionalID]...), nil
}

func (m *memoryRepo) ReplaceRules(_ context.Context, professionalID uuid.UUID, rules []AvailabilityRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	replaced := make([]AvailabilityRule, len(rules))
	for i, r := range rules {
		r.ID = uuid.New()
		r.ProfessionalID = professionalID
		replaced[i] = r
	}
	m.rules[professionalID] = replaced
	return nil
}

func (m *memoryRepo) ListExceptions(_ context.Context, professionalID uuid.UUID) ([]AvailabilityException, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AvailabilityException(nil), m.exceptions[professionalID]...), nil
}

func (m *memoryRepo) UpsertException(_ context.Context, ex AvailabilityException) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.exceptions[ex.ProfessionalID]
	for i := range existing {
		if DateOf(existing[i].Date).Equal(DateOf(ex.Date)) {
			existing[i].Available = ex.Available
			return nil
		}
	}
	ex.ID = uuid.New()
	m.exceptions[ex.ProfessionalID] = append(existing, ex)
	return nil
}

func (m *memoryRepo) ListAppointmentsForDate(_ context.Context, professionalID uuid.UUID, date time.Time) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	day := DateOf(date)
	var out []Appointment
	for _, a := range m.appointments {
		if a.ProfessionalID == professionalID && DateOf(a.Date).Equal(day) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *memoryRepo) CreateScheduledAppointment(_ context.Context, patientID, professionalID uuid.UUID, date time.Time, start, end TimeOfDay, holdExpiresAt time.Time) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	appt := &Appointment{
		ID:             uuid.New(),
		PatientID:      patientID,
		ProfessionalID: professionalID,
		Date:           DateOf(date),
		Start:          start,
		End:            end,
		Status:         StatusScheduled,
		HoldExpiresAt:  &holdExpiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.appointments[appt.ID] = appt
	cp := *appt
	return &cp, nil
}

func (m *memoryRepo) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memoryRepo) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	appt, err := m.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &AppointmentDetail{Appointment: *appt}
	if p, err := m.GetPatientByID(ctx, appt.PatientID); err == nil {
		detail.Patient = p
	}
	if p, err := m.GetProfessionalByID(ctx, appt.ProfessionalID); err == nil {
		detail.Professional = p
	}
	if pay, err := m.GetPaymentByAppointmentID(ctx, id); err == nil {
		detail.Payment = pay
	}
	return detail, nil
}

func (m *memoryRepo) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrStaleTransition
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	cp := *a
	return &cp, nil
}

func (m *memoryRepo) AttachMeeting(_ context.Context, id uuid.UUID, meetingID, joinURL, startURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	a.MeetingID = &meetingID
	a.MeetingJoinURL = &joinURL
	a.MeetingStartURL = &startURL
	return nil
}

func (m *memoryRepo) FindExpiredHolds(_ context.Context, now time.Time) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.appointments {
		if a.Status == StatusScheduled && a.HoldExpiresAt != nil && a.HoldExpiresAt.Before(now) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *memoryRepo) FindElapsedConfirmed(_ context.Context, now time.Time) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.appointments {
		if a.Status == StatusConfirmed && a.End.On(a.Date).Before(now) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *memoryRepo) CreatePayment(_ context.Context, p Payment) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = uuid.New()
	if p.Status == "" {
		p.Status = PaymentPending
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	m.payments[p.ID] = &p
	cp := p
	return &cp, nil
}

func (m *memoryRepo) GetPaymentByID(_ context.Context, id uuid.UUID) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memoryRepo) GetPaymentByInvoiceID(_ context.Context, invoiceID string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.InvoiceID == invoiceID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *memoryRepo) GetPaymentByAppointmentID(_ context.Context, appointmentID uuid.UUID) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.AppointmentID == appointmentID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *memoryRepo) MarkPaymentPaid(_ context.Context, id uuid.UUID, paidAt time.Time) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok || p.Status != PaymentPending {
		return nil, ErrStaleTransition
	}
	p.Status = PaymentPaid
	p.PaidAt = &paidAt
	p.UpdatedAt = time.Now()
	cp := *p
	return &cp, nil
}

func (m *memoryRepo) UpdatePaymentStatus(_ context.Context, id uuid.UUID, from, to PaymentStatus) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok || p.Status != from {
		return nil, ErrStaleTransition
	}
	p.Status = to
	p.UpdatedAt = time.Now()
	cp := *p
	return &cp, nil
}

func (m *memoryRepo) InsertEvent(_ context.Context, ev BookingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}

func (m *memoryRepo) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.EventType
	}
	return out
}
