package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hackgods/turnos/internal/payment"
	"github.com/hackgods/turnos/internal/turno"
)

// SlotService is the booking workflow the handlers drive.
type SlotService interface {
	ReserveDirect(ctx context.Context, in turno.ReserveInput) (*turno.Reservation, error)
	ReservePriced(ctx context.Context, in turno.ReserveInput) (*turno.Reservation, error)
	CreatePaymentPreference(ctx context.Context, in turno.PreferenceInput) (*turno.PreferenceResult, error)
	HandlePaymentNotification(ctx context.Context, n payment.Notification) (turno.WebhookResult, error)
	CreateSlot(ctx context.Context, in turno.CreateSlotInput) (*turno.Slot, error)
	UpdateSlot(ctx context.Context, id string, change turno.SlotChange) (*turno.Slot, error)
	DeleteSlot(ctx context.Context, id string) error
	ListByPatient(ctx context.Context, patientID string) ([]turno.SlotDetail, error)
	ListAvailableByDoctor(ctx context.Context, doctorID string) ([]turno.SlotDetail, error)
	ListAll(ctx context.Context) ([]turno.SlotDetail, error)
}

type Handler struct {
	svc        SlotService
	signatures *payment.SignatureVerifier
	log        *zap.Logger
}

func NewHandler(svc SlotService, signatures *payment.SignatureVerifier, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, signatures: signatures, log: log}
}

func (h *Handler) directReservation(w http.ResponseWriter, r *http.Request) {
	var req DirectReservationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !actingFor(r, req.PatientID) {
		writeError(w, http.StatusForbidden, "forbidden", "patients may only book for themselves")
		return
	}

	res, err := h.svc.ReserveDirect(r.Context(), turno.ReserveInput{
		SlotID:    req.SlotID,
		PatientID: req.PatientID,
		Insurance: turno.Insurance{Name: req.Insurance.Name, MemberNumber: req.Insurance.MemberNumber},
	})
	if err != nil {
		h.handleReservationError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ReservationResponse{Slot: toSlotResponse(res.Slot), CalendarLink: res.CalendarLink})
}

func (h *Handler) pricedReservation(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !actingFor(r, req.PatientID) {
		writeError(w, http.StatusForbidden, "forbidden", "patients may only book for themselves")
		return
	}

	res, err := h.svc.ReservePriced(r.Context(), turno.ReserveInput{
		SlotID:    chi.URLParam(r, "id"),
		PatientID: req.PatientID,
		Insurance: turno.Insurance{Name: req.Insurance.Name, MemberNumber: req.Insurance.MemberNumber},
	})
	if err != nil {
		h.handleReservationError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ReservationResponse{Slot: toSlotResponse(res.Slot), CalendarLink: res.CalendarLink})
}

func (h *Handler) createPreference(w http.ResponseWriter, r *http.Request) {
	var req PreferenceRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.svc.CreatePaymentPreference(r.Context(), turno.PreferenceInput{
		SlotID:        req.SlotID,
		InsuranceName: req.InsuranceName,
		PayerEmail:    req.PayerEmail,
	})
	if err != nil {
		h.handlePreferenceError(w, r, err)
		return
	}

	// prices carry two decimals, float64 holds them exactly enough for JSON
	price := res.Price.InexactFloat64()
	resp := PreferenceResponse{
		FullyCovered: res.FullyCovered,
		Price:        price,
		PreferenceID: res.PreferenceID,
	}
	if !res.FullyCovered {
		resp.InitPoint = &res.InitPoint
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listSlots(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListAll(r.Context())
	if err != nil {
		h.handleSlotError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDetailResponses(list))
}

func (h *Handler) availableByDoctor(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListAvailableByDoctor(r.Context(), chi.URLParam(r, "doctorID"))
	if err != nil {
		h.handleSlotError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDetailResponses(list))
}

func (h *Handler) slotsByPatient(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	if !actingFor(r, patientID) {
		writeError(w, http.StatusForbidden, "forbidden", "patients may only list their own slots")
		return
	}

	list, err := h.svc.ListByPatient(r.Context(), patientID)
	if err != nil {
		h.handleSlotError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDetailResponses(list))
}

func (h *Handler) createSlot(w http.ResponseWriter, r *http.Request) {
	var req CreateSlotRequest
	if !decodeBody(w, r, &req) {
		return
	}

	slot, err := h.svc.CreateSlot(r.Context(), turno.CreateSlotInput{
		DoctorID:    req.DoctorID,
		SpecialtyID: req.SpecialtyID,
		Date:        req.Date,
		Time:        req.Time,
	})
	if err != nil {
		h.handleSlotError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSlotResponse(slot))
}

func (h *Handler) updateSlot(w http.ResponseWriter, r *http.Request) {
	var req UpdateSlotRequest
	if !decodeBody(w, r, &req) {
		return
	}

	slot, err := h.svc.UpdateSlot(r.Context(), chi.URLParam(r, "id"), turno.SlotChange{
		DoctorID:    req.DoctorID,
		SpecialtyID: req.SpecialtyID,
		Date:        req.Date,
		Time:        req.Time,
	})
	if err != nil {
		h.handleSlotError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponse(slot))
}

func (h *Handler) deleteSlot(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteSlot(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.handleSlotError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "slot deleted"})
}

func (h *Handler) handleReservationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, turno.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, turno.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, turno.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, turno.ErrSpecialtyNotFound):
		writeError(w, http.StatusNotFound, "specialty_not_found", err.Error())
	case errors.Is(err, turno.ErrSlotNotAvailable):
		writeError(w, http.StatusConflict, "slot_not_available", err.Error())
	case errors.Is(err, turno.ErrInvalidInsurance):
		writeError(w, http.StatusBadRequest, "invalid_insurance", err.Error())
	case errors.Is(err, turno.ErrCalendarGateway):
		writeError(w, http.StatusBadGateway, "calendar_unavailable", "could not create the calendar event, the slot was not booked")
	case errors.Is(err, turno.ErrOrphanedCalendarEvent):
		h.internalError(w, r, "booking_incomplete", err)
	default:
		h.internalError(w, r, "internal_error", err)
	}
}

func (h *Handler) handlePreferenceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, turno.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, turno.ErrSlotNotAvailable):
		writeError(w, http.StatusConflict, "slot_not_available", err.Error())
	case errors.Is(err, turno.ErrInvalidInsurance):
		writeError(w, http.StatusBadRequest, "invalid_insurance", err.Error())
	case errors.Is(err, turno.ErrPaymentGateway):
		h.log.Error("payment preference failed", zap.String("request_id", GetRequestID(r.Context())), zap.Error(err))
		writeError(w, http.StatusBadGateway, "payment_provider_unavailable", "could not create the payment preference")
	default:
		h.internalError(w, r, "internal_error", err)
	}
}

func (h *Handler) handleSlotError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, turno.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, turno.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, turno.ErrSpecialtyNotFound):
		writeError(w, http.StatusNotFound, "specialty_not_found", err.Error())
	case errors.Is(err, turno.ErrSlotConflict):
		writeError(w, http.StatusConflict, "slot_conflict", err.Error())
	case errors.Is(err, turno.ErrInvalidSlotInput):
		writeError(w, http.StatusBadRequest, "invalid_slot", err.Error())
	case errors.Is(err, turno.ErrCalendarOutOfSync):
		writeError(w, http.StatusBadGateway, "calendar_out_of_sync", err.Error())
	default:
		h.internalError(w, r, "internal_error", err)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, code string, err error) {
	h.log.Error("request failed",
		zap.String("request_id", GetRequestID(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, code, err.Error())
}
