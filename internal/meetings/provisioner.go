package meetings

import (
	"context"
	"fmt"
	"time"

	"github.com/cryptocare/telehealth-booking/internal/booking"
	"github.com/cryptocare/telehealth-booking/internal/observability/metrics"
	"github.com/cryptocare/telehealth-booking/pkg/logging"
)

const (
	maxAttempts    = 3
	initialBackoff = 500 * time.Millisecond
)

// roomCreator lets tests substitute the provider client.
type roomCreator interface {
	CreateMeeting(ctx context.Context, userID, topic string, startTime time.Time, durationMinutes int) (*Meeting, error)
}

// Provisioner creates the video room for a confirmed appointment, retrying
// transient provider failures with exponential backoff. It implements
// booking.MeetingProvisioner.
type Provisioner struct {
	client  roomCreator
	metrics *metrics.BookingMetrics
	logger  *logging.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewProvisioner(client roomCreator, m *metrics.BookingMetrics, logger *logging.Logger) *Provisioner {
	if logger == nil {
		logger = logging.Default()
	}
	return &Provisioner{
		client:  client,
		metrics: m,
		logger:  logger,
		sleep:   waitBackoff,
	}
}

// waitBackoff blocks for d or until ctx is cancelled, whichever comes first.
func waitBackoff(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Provision requests a room keyed by the professional's provider identity,
// with topic, start and duration taken from the appointment.
func (p *Provisioner) Provision(ctx context.Context, appt *booking.Appointment, prof *booking.Professional) (*booking.MeetingRef, error) {
	if prof.MeetingUserID == nil || *prof.MeetingUserID == "" {
		p.metrics.ObserveProvision("no_host_identity")
		return nil, fmt.Errorf("%w: professional %s has no video host identity", ErrMeetingProvider, prof.ID)
	}

	topic := fmt.Sprintf("Consultation with %s", prof.Name)
	startTime := appt.Start.On(appt.Date)
	duration := int(appt.End - appt.Start)

	var lastErr error
	backoff := initialBackoff

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		meeting, err := p.client.CreateMeeting(ctx, *prof.MeetingUserID, topic, startTime, duration)
		if err == nil {
			p.metrics.ObserveProvision("ok")
			return &booking.MeetingRef{
				ID:       meeting.ID,
				JoinURL:  meeting.JoinURL,
				StartURL: meeting.StartURL,
			}, nil
		}

		lastErr = err
		p.logger.Warn("meeting creation attempt failed",
			"appointment_id", appt.ID,
			"attempt", attempt,
			"error", err,
		)

		if attempt < maxAttempts {
			if err := p.sleep(ctx, backoff); err != nil {
				p.metrics.ObserveProvision("cancelled")
				return nil, err
			}
			backoff *= 2
		}
	}

	p.metrics.ObserveProvision("exhausted")
	return nil, fmt.Errorf("meeting unavailable after %d attempts: %w", maxAttempts, lastErr)
}
