package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cryptocare/telehealth-booking/internal/booking"
	"github.com/cryptocare/telehealth-booking/internal/observability/metrics"
	"github.com/cryptocare/telehealth-booking/internal/payments"
)

func listSlotsHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		professionalID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_professional_id", "id must be a valid UUID")
			return
		}

		dateStr := r.URL.Query().Get("date")
		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		var duration time.Duration
		if d := r.URL.Query().Get("duration"); d != "" {
			parsed, err := time.ParseDuration(d + "m")
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_duration", "duration must be minutes")
				return
			}
			duration = parsed
		}

		slots, err := svc.Slots(r.Context(), professionalID, date, duration)
		if err != nil {
			if errors.Is(err, booking.ErrProfessionalNotFound) {
				writeError(w, http.StatusNotFound, "professional_not_found", err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		resp := SlotsResponse{
			ProfessionalID: professionalID,
			Date:           booking.DateOf(date).Format("2006-01-02"),
			Slots:          make([]SlotResponse, 0, len(slots)),
		}
		for _, s := range slots {
			resp.Slots = append(resp.Slots, SlotResponse{
				Date:  s.Date.Format("2006-01-02"),
				Start: s.Start.String(),
				End:   s.End.String(),
			})
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func createAppointmentHandler(orc *booking.Orchestrator, m *metrics.BookingMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		professionalID, err := uuid.Parse(req.ProfessionalID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_professional_id", "professional_id must be a valid UUID")
			return
		}
		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}
		date, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}
		start, err := booking.ParseTimeOfDay(req.Start)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start", "start must be HH:MM")
			return
		}
		end, err := booking.ParseTimeOfDay(req.End)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_end", "end must be HH:MM")
			return
		}

		appt, payment, err := orc.Book(r.Context(), professionalID, date, start, end, patientID)
		if err != nil {
			m.ObserveReservation(reservationResult(err))
			handleBookError(w, err)
			return
		}
		m.ObserveReservation("ok")

		writeJSON(w, http.StatusCreated, appointmentResponse(appt, payment))
	}
}

func getAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		detail, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			if errors.Is(err, booking.ErrAppointmentNotFound) {
				writeError(w, http.StatusNotFound, "appointment_not_found", "appointment not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusOK, appointmentResponse(&detail.Appointment, detail.Payment))
	}
}

func cancelAppointmentHandler(orc *booking.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := orc.Cancel(r.Context(), id)
		if err != nil {
			switch {
			case errors.Is(err, booking.ErrAppointmentNotFound):
				writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
			case errors.Is(err, booking.ErrNotCancellable):
				writeError(w, http.StatusConflict, "not_cancellable", err.Error())
			default:
				writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			}
			return
		}

		writeJSON(w, http.StatusOK, appointmentResponse(appt, nil))
	}
}

func setAvailabilityHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		professionalID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_professional_id", "id must be a valid UUID")
			return
		}

		var req SetAvailabilityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		rules := make([]booking.AvailabilityRule, 0, len(req.Rules))
		for _, rr := range req.Rules {
			start, err := booking.ParseTimeOfDay(rr.Start)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_rule", "start must be HH:MM")
				return
			}
			end, err := booking.ParseTimeOfDay(rr.End)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_rule", "end must be HH:MM")
				return
			}
			rules = append(rules, booking.AvailabilityRule{
				ProfessionalID: professionalID,
				DayOfWeek:      rr.DayOfWeek,
				Start:          start,
				End:            end,
			})
		}

		if err := svc.SetAvailability(r.Context(), professionalID, rules); err != nil {
			switch {
			case errors.Is(err, booking.ErrProfessionalNotFound):
				writeError(w, http.StatusNotFound, "professional_not_found", err.Error())
			case errors.Is(err, booking.ErrInvalidAvailability):
				writeError(w, http.StatusUnprocessableEntity, "invalid_availability", err.Error())
			default:
				writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			}
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func setExceptionHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		professionalID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_professional_id", "id must be a valid UUID")
			return
		}

		var req SetExceptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		date, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		if err := svc.SetException(r.Context(), professionalID, date, req.Available); err != nil {
			if errors.Is(err, booking.ErrProfessionalNotFound) {
				writeError(w, http.StatusNotFound, "professional_not_found", err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func handleBookError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, booking.ErrProfessionalNotFound):
		writeError(w, http.StatusNotFound, "professional_not_found", err.Error())
	case errors.Is(err, booking.ErrInvalidInterval):
		writeError(w, http.StatusBadRequest, "invalid_interval", err.Error())
	case errors.Is(err, booking.ErrSlotConflict):
		writeError(w, http.StatusConflict, "slot_conflict", "slot is no longer free, pick another one")
	case errors.Is(err, booking.ErrCalendarBusy):
		writeError(w, http.StatusConflict, "calendar_busy", "calendar is currently being booked, please retry shortly")
	case errors.Is(err, payments.ErrPaymentProvider):
		writeError(w, http.StatusBadGateway, "payment_provider_unavailable", "could not open invoice, reservation released")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func reservationResult(err error) string {
	switch {
	case errors.Is(err, booking.ErrSlotConflict):
		return "conflict"
	case errors.Is(err, booking.ErrCalendarBusy):
		return "busy"
	case errors.Is(err, payments.ErrPaymentProvider):
		return "invoice_failed"
	default:
		return "error"
	}
}

func appointmentResponse(appt *booking.Appointment, payment *booking.Payment) AppointmentResponse {
	resp := AppointmentResponse{
		ID:             appt.ID,
		ProfessionalID: appt.ProfessionalID,
		PatientID:      appt.PatientID,
		Date:           appt.Date.Format("2006-01-02"),
		Start:          appt.Start.String(),
		End:            appt.End.String(),
		Status:         string(appt.Status),
		JoinURL:        appt.MeetingJoinURL,
		HoldExpiresAt:  appt.HoldExpiresAt,
	}
	if payment != nil {
		resp.Payment = &PaymentResponse{
			InvoiceID:      payment.InvoiceID,
			PaymentRequest: payment.PaymentRequest,
			QRCode:         payment.QRCode,
			AmountSats:     payment.AmountSats,
			Status:         string(payment.Status),
			ExpiresAt:      payment.ExpiresAt,
			PaidAt:         payment.PaidAt,
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
