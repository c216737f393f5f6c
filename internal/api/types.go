package api

import (
	"time"

	"github.com/hackgods/turnos/internal/turno"
)

type InsuranceRequest struct {
	Name         string `json:"name" validate:"required"`
	MemberNumber string `json:"member_number"`
}

type DirectReservationRequest struct {
	SlotID    string           `json:"slot_id" validate:"required"`
	PatientID string           `json:"patient_id" validate:"required"`
	Insurance InsuranceRequest `json:"insurance"`
}

type ReserveRequest struct {
	PatientID string           `json:"patient_id" validate:"required"`
	Insurance InsuranceRequest `json:"insurance"`
}

type PreferenceRequest struct {
	SlotID        string `json:"slot_id" validate:"required"`
	InsuranceName string `json:"insurance_name" validate:"required"`
	PayerEmail    string `json:"payer_email" validate:"omitempty,email"`
}

type CreateSlotRequest struct {
	DoctorID    string `json:"doctor_id" validate:"required"`
	SpecialtyID string `json:"specialty_id"`
	Date        string `json:"date" validate:"required"`
	Time        string `json:"time" validate:"required"`
}

type UpdateSlotRequest struct {
	DoctorID    string `json:"doctor_id"`
	SpecialtyID string `json:"specialty_id"`
	Date        string `json:"date" validate:"required"`
	Time        string `json:"time" validate:"required"`
}

type InsuranceResponse struct {
	Name         string `json:"name"`
	MemberNumber string `json:"member_number"`
}

type SlotResponse struct {
	ID              string             `json:"id"`
	DoctorID        string             `json:"doctor_id"`
	SpecialtyID     string             `json:"specialty_id"`
	Date            string             `json:"date"`
	Time            string             `json:"time"`
	State           string             `json:"state"`
	PatientID       string             `json:"patient_id,omitempty"`
	Insurance       *InsuranceResponse `json:"insurance,omitempty"`
	PricePaid       float64            `json:"price_paid"`
	CalendarEventID string             `json:"calendar_event_id,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

type DoctorResponse struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type SpecialtyResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type PatientResponse struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	LastName   string  `json:"last_name,omitempty"`
	Email      string  `json:"email"`
	Role       string  `json:"role"`
	DocumentID *string `json:"document_id,omitempty"`
	Phone      *string `json:"phone,omitempty"`
}

type SlotDetailResponse struct {
	SlotResponse
	Doctor    *DoctorResponse    `json:"doctor"`
	Specialty *SpecialtyResponse `json:"specialty"`
	Patient   *PatientResponse   `json:"patient,omitempty"`
}

type ReservationResponse struct {
	Slot         SlotResponse `json:"slot"`
	CalendarLink string       `json:"calendar_link,omitempty"`
}

type PreferenceResponse struct {
	FullyCovered bool    `json:"fully_covered"`
	Price        float64 `json:"price"`
	PreferenceID string  `json:"preference_id,omitempty"`
	InitPoint    *string `json:"init_point"`
}

type WebhookResponse struct {
	Outcome   string `json:"outcome"`
	PaymentID string `json:"payment_id,omitempty"`
	SlotID    string `json:"slot_id,omitempty"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toSlotResponse(s *turno.Slot) SlotResponse {
	price := s.PricePaid.InexactFloat64()
	resp := SlotResponse{
		ID:              s.ID,
		DoctorID:        s.DoctorID,
		SpecialtyID:     s.SpecialtyID,
		Date:            s.Date,
		Time:            s.Time,
		State:           string(s.State),
		PatientID:       s.PatientID,
		PricePaid:       price,
		CalendarEventID: s.CalendarEventID,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
	if s.Insurance != nil {
		resp.Insurance = &InsuranceResponse{Name: s.Insurance.Name, MemberNumber: s.Insurance.MemberNumber}
	}
	return resp
}

func toDetailResponses(list []turno.SlotDetail) []SlotDetailResponse {
	out := make([]SlotDetailResponse, 0, len(list))
	for i := range list {
		d := &list[i]
		resp := SlotDetailResponse{SlotResponse: toSlotResponse(&d.Slot)}
		if d.Doctor != nil {
			resp.Doctor = &DoctorResponse{ID: d.Doctor.ID, FirstName: d.Doctor.FirstName, LastName: d.Doctor.LastName}
		}
		if d.Specialty != nil {
			resp.Specialty = &SpecialtyResponse{ID: d.Specialty.ID, Name: d.Specialty.Name}
		}
		if p := d.Patient; p != nil {
			resp.Patient = &PatientResponse{
				ID:         p.ID,
				Name:       p.Name,
				LastName:   p.LastName,
				Email:      p.Email,
				Role:       p.Role,
				DocumentID: p.DocumentID,
				Phone:      p.Phone,
			}
		}
		out = append(out, resp)
	}
	return out
}
