package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptocare/telehealth-booking/internal/booking"
)

type captureStore struct {
	created *booking.Payment
	fail    error
}

func (c *captureStore) CreatePayment(_ context.Context, p booking.Payment) (*booking.Payment, error) {
	if c.fail != nil {
		return nil, c.fail
	}
	p.ID = uuid.New()
	c.created = &p
	return &p, nil
}

func (c *captureStore) GetPaymentByInvoiceID(_ context.Context, invoiceID string) (*booking.Payment, error) {
	if c.created != nil && c.created.InvoiceID == invoiceID {
		return c.created, nil
	}
	return nil, booking.ErrPaymentNotFound
}

func TestCoordinatorOpen(t *testing.T) {
	var captured createInvoiceRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(Invoice{
			ID:             "inv-7",
			PaymentRequest: "lnbc...",
			QRCode:         "data:image/png;base64,...",
			Status:         "pending",
			ExpiresAt:      time.Now().Add(10 * time.Minute),
		})
	}))
	defer srv.Close()

	store := &captureStore{}
	coord := NewCoordinator(NewClient(srv.URL, "key", "", nil), store, 10*time.Minute, nil)

	appt := &booking.Appointment{
		ID:    uuid.New(),
		Date:  time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC),
		Start: 9 * 60,
		End:   9*60 + 30,
	}
	prof := &booking.Professional{ID: uuid.New(), Name: "Dr. Keller", ConsultationFeeSats: 50_000}

	payment, err := coord.Open(context.Background(), appt, prof)
	require.NoError(t, err)

	assert.Equal(t, "inv-7", payment.InvoiceID)
	assert.Equal(t, appt.ID, payment.AppointmentID)
	assert.EqualValues(t, 50_000, payment.AmountSats)
	assert.Equal(t, booking.PaymentPending, payment.Status)

	assert.Equal(t, "0.00050000", captured.AmountBTC)
	assert.Equal(t, "Consultation with Dr. Keller on 2026-09-07 at 09:00", captured.Description)
	assert.Equal(t, appt.ID.String(), captured.Metadata["appointment_id"])

	got, err := coord.GetStatus(context.Background(), "inv-7")
	require.NoError(t, err)
	assert.Equal(t, payment.ID, got.ID)
}

func TestCoordinatorOpen_ProviderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	store := &captureStore{}
	coord := NewCoordinator(NewClient(srv.URL, "key", "", nil), store, 10*time.Minute, nil)

	appt := &booking.Appointment{ID: uuid.New(), Date: time.Now(), Start: 9 * 60, End: 9*60 + 30}
	prof := &booking.Professional{ID: uuid.New(), Name: "Dr. Keller", ConsultationFeeSats: 50_000}

	_, err := coord.Open(context.Background(), appt, prof)
	assert.ErrorIs(t, err, ErrPaymentProvider)
	assert.Nil(t, store.created)
}
