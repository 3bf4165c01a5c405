package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptocare/telehealth-booking/internal/config"
	redisclient "github.com/cryptocare/telehealth-booking/internal/redis"
)

func testConfig() config.Config {
	return config.Config{
		HoldWindow:   15 * time.Minute,
		LockTTL:      5 * time.Second,
		SlotDuration: 30 * time.Minute,
		MinLeadTime:  time.Hour,
	}
}

func newTestService(t *testing.T, repo Repository) *Service {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	locker := redisclient.NewRedisCalendarLocker(rdb, 5*time.Second)
	return NewService(repo, locker, testConfig(), nil)
}

// seedCalendar creates a professional with a Monday morning window and a
// patient, returning both plus the next Monday at least a week out.
func seedCalendar(t *testing.T, repo *memoryRepo) (*Professional, *Patient, time.Time) {
	t.Helper()

	prof := repo.addProfessional(Professional{Name: "Dr. Keller", ConsultationFeeSats: 50_000})
	patient := repo.addPatient(Patient{Name: "Ada Byron"})

	require.NoError(t, repo.ReplaceRules(context.Background(), prof.ID, []AvailabilityRule{
		{DayOfWeek: 1, Start: mustTime(t, "09:00"), End: mustTime(t, "12:00")},
	}))

	date := DateOf(time.Now().AddDate(0, 0, 7))
	for date.Weekday() != time.Monday {
		date = date.AddDate(0, 0, 1)
	}
	return prof, patient, date
}

func TestServiceSlots(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(t, repo)
	prof, _, date := seedCalendar(t, repo)

	slots, err := svc.Slots(context.Background(), prof.ID, date, 0)
	require.NoError(t, err)
	require.Len(t, slots, 6)
	assert.Equal(t, "09:00", slots[0].Start.String())
}

func TestServiceSlots_UnknownProfessional(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(t, repo)

	_, err := svc.Slots(context.Background(), uuid.New(), time.Now(), 0)
	assert.ErrorIs(t, err, ErrProfessionalNotFound)
}

func TestReserve(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(t, repo)
	prof, patient, date := seedCalendar(t, repo)

	appt, err := svc.Reserve(context.Background(), prof.ID, date, mustTime(t, "09:00"), mustTime(t, "09:30"), patient.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusScheduled, appt.Status)
	assert.Equal(t, prof.ID, appt.ProfessionalID)
	assert.Equal(t, patient.ID, appt.PatientID)
	require.NotNil(t, appt.HoldExpiresAt)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), *appt.HoldExpiresAt, 5*time.Second)

	assert.Contains(t, repo.eventTypes(), EventAppointmentScheduled)

	// The slot is gone from the calendar.
	slots, err := svc.Slots(context.Background(), prof.ID, date, 0)
	require.NoError(t, err)
	require.Len(t, slots, 5)
}

func TestReserve_TakenSlotConflicts(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(t, repo)
	prof, patient, date := seedCalendar(t, repo)

	other := repo.addPatient(Patient{Name: "Grace Hopper"})

	_, err := svc.Reserve(context.Background(), prof.ID, date, mustTime(t, "09:00"), mustTime(t, "09:30"), patient.ID)
	require.NoError(t, err)

	_, err = svc.Reserve(context.Background(), prof.ID, date, mustTime(t, "09:00"), mustTime(t, "09:30"), other.ID)
	assert.ErrorIs(t, err, ErrSlotConflict)
}

func TestReserve_OffCalendarInterval(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(t, repo)
	prof, patient, date := seedCalendar(t, repo)

	// 13:00 is outside the morning window.
	_, err := svc.Reserve(context.Background(), prof.ID, date, mustTime(t, "13:00"), mustTime(t, "13:30"), patient.ID)
	assert.ErrorIs(t, err, ErrSlotConflict)

	// Misaligned interval inside the window is not an offered slot either.
	_, err = svc.Reserve(context.Background(), prof.ID, date, mustTime(t, "09:10"), mustTime(t, "09:40"), patient.ID)
	assert.ErrorIs(t, err, ErrSlotConflict)
}

func TestReserve_InvalidInterval(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(t, repo)
	prof, patient, date := seedCalendar(t, repo)

	_, err := svc.Reserve(context.Background(), prof.ID, date, mustTime(t, "10:00"), mustTime(t, "09:30"), patient.ID)
	assert.ErrorIs(t, err, ErrInvalidInterval)
}

func TestReserve_UnknownParticipants(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(t, repo)
	prof, patient, date := seedCalendar(t, repo)

	_, err := svc.Reserve(context.Background(), prof.ID, date, mustTime(t, "09:00"), mustTime(t, "09:30"), uuid.New())
	assert.ErrorIs(t, err, ErrPatientNotFound)

	_, err = svc.Reserve(context.Background(), uuid.New(), date, mustTime(t, "09:00"), mustTime(t, "09:30"), patient.ID)
	assert.ErrorIs(t, err, ErrProfessionalNotFound)
}

func TestReserve_ConcurrentSameSlot(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(t, repo)
	prof, _, date := seedCalendar(t, repo)

	const workers = 8
	patients := make([]*Patient, workers)
	for i := range patients {
		patients[i] = repo.addPatient(Patient{Name: "Patient"})
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(p *Patient) {
			defer wg.Done()
			_, err := svc.Reserve(context.Background(), prof.ID, date, mustTime(t, "09:00"), mustTime(t, "09:30"), p.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrSlotConflict) || errors.Is(err, ErrCalendarBusy):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(patients[i])
	}
	wg.Wait()

	assert.Equal(t, 1, successes, "exactly one reservation must win")
	assert.Equal(t, workers-1, conflicts)
}

func TestSetAvailability(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(t, repo)
	prof := repo.addProfessional(Professional{Name: "Dr. Keller"})

	rules := []AvailabilityRule{
		{DayOfWeek: 2, Start: mustTime(t, "10:00"), End: mustTime(t, "16:00")},
	}
	require.NoError(t, svc.SetAvailability(context.Background(), prof.ID, rules))

	stored, err := repo.ListRules(context.Background(), prof.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, prof.ID, stored[0].ProfessionalID)

	bad := []AvailabilityRule{
		{DayOfWeek: 2, Start: mustTime(t, "10:00"), End: mustTime(t, "16:00")},
		{DayOfWeek: 2, Start: mustTime(t, "15:00"), End: mustTime(t, "18:00")},
	}
	err = svc.SetAvailability(context.Background(), prof.ID, bad)
	assert.ErrorIs(t, err, ErrInvalidAvailability)

	// The rejected set must not have replaced the stored one.
	stored, err = repo.ListRules(context.Background(), prof.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestSetException(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(t, repo)
	prof, _, date := seedCalendar(t, repo)

	require.NoError(t, svc.SetException(context.Background(), prof.ID, date, false))

	slots, err := svc.Slots(context.Background(), prof.ID, date, 0)
	require.NoError(t, err)
	assert.Empty(t, slots)

	// Flipping the same date back open replaces the stored exception.
	require.NoError(t, svc.SetException(context.Background(), prof.ID, date, true))

	slots, err = svc.Slots(context.Background(), prof.ID, date, 0)
	require.NoError(t, err)
	assert.Len(t, slots, 48)
}
