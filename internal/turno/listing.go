package turno

import (
	"context"
	"errors"
	"fmt"
)

// ListByPatient returns a patient's slots, newest date first and earliest
// time first within a date.
func (s *Service) ListByPatient(ctx context.Context, patientID string) ([]SlotDetail, error) {
	slots, err := s.repo.ListSlotsByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list slots by patient: %w", err)
	}
	SortByPatientOrder(slots)
	return s.details(ctx, slots, false)
}

func (s *Service) ListAvailableByDoctor(ctx context.Context, doctorID string) ([]SlotDetail, error) {
	slots, err := s.repo.ListAvailableByDoctor(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("list available slots: %w", err)
	}
	return s.details(ctx, slots, false)
}

// ListAll is the administrative view, with the patient projection and the
// profile fields when a profile exists.
func (s *Service) ListAll(ctx context.Context) ([]SlotDetail, error) {
	slots, err := s.repo.ListSlots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	return s.details(ctx, slots, true)
}

type lookup struct {
	repo        Repository
	doctors     map[string]*Doctor
	specialties map[string]*Specialty
	patients    map[string]*PatientSummary
}

func (s *Service) details(ctx context.Context, slots []Slot, withPatient bool) ([]SlotDetail, error) {
	lk := &lookup{
		repo:        s.repo,
		doctors:     make(map[string]*Doctor),
		specialties: make(map[string]*Specialty),
		patients:    make(map[string]*PatientSummary),
	}

	out := make([]SlotDetail, 0, len(slots))
	for _, slot := range slots {
		d := SlotDetail{Slot: slot}

		var err error
		if d.Doctor, err = lk.doctor(ctx, slot.DoctorID); err != nil {
			return nil, err
		}
		if d.Specialty, err = lk.specialty(ctx, slot.SpecialtyID); err != nil {
			return nil, err
		}
		if withPatient && slot.PatientID != "" {
			if d.Patient, err = lk.patient(ctx, slot.PatientID); err != nil {
				return nil, err
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// Dangling references resolve to nil instead of failing the listing.

func (lk *lookup) doctor(ctx context.Context, id string) (*Doctor, error) {
	if d, ok := lk.doctors[id]; ok {
		return d, nil
	}
	d, err := lk.repo.GetDoctor(ctx, id)
	if err != nil && !errors.Is(err, ErrDoctorNotFound) {
		return nil, fmt.Errorf("load doctor %s: %w", id, err)
	}
	lk.doctors[id] = d
	return d, nil
}

func (lk *lookup) specialty(ctx context.Context, id string) (*Specialty, error) {
	if id == "" {
		return nil, nil
	}
	if sp, ok := lk.specialties[id]; ok {
		return sp, nil
	}
	sp, err := lk.repo.GetSpecialty(ctx, id)
	if err != nil && !errors.Is(err, ErrSpecialtyNotFound) {
		return nil, fmt.Errorf("load specialty %s: %w", id, err)
	}
	lk.specialties[id] = sp
	return sp, nil
}

func (lk *lookup) patient(ctx context.Context, id string) (*PatientSummary, error) {
	if p, ok := lk.patients[id]; ok {
		return p, nil
	}

	p, err := lk.repo.GetPatient(ctx, id)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			lk.patients[id] = nil
			return nil, nil
		}
		return nil, fmt.Errorf("load patient %s: %w", id, err)
	}

	summary := &PatientSummary{
		ID:       p.ID,
		Name:     p.Name,
		LastName: p.LastName,
		Email:    p.Email,
		Role:     p.Role,
	}

	profile, err := lk.repo.GetPatientProfile(ctx, id)
	switch {
	case err == nil:
		documentID, phone := profile.DocumentID, profile.Phone
		summary.DocumentID = &documentID
		summary.Phone = &phone
	case errors.Is(err, ErrProfileNotFound):
	default:
		return nil, fmt.Errorf("load patient profile %s: %w", id, err)
	}

	lk.patients[id] = summary
	return summary, nil
}
