package turno

import (
	"context"
	"errors"
)

var (
	ErrSlotNotFound      = errors.New("slot not found")
	ErrPatientNotFound   = errors.New("patient not found")
	ErrDoctorNotFound    = errors.New("doctor not found")
	ErrSpecialtyNotFound = errors.New("specialty not found")
	ErrProfileNotFound   = errors.New("patient profile not found")
)

// Repository contains all storage interactions needed by the service.
type Repository interface {
	GetSlot(ctx context.Context, id string) (*Slot, error)
	// FindSlotAt returns the slot of a doctor at date and time, ignoring
	// excludeID. ErrSlotNotFound when there is none.
	FindSlotAt(ctx context.Context, doctorID, date, time, excludeID string) (*Slot, error)
	FindSlotByCalendarEvent(ctx context.Context, eventID string) (*Slot, error)

	CreateSlot(ctx context.Context, slot *Slot) error
	// BookSlot applies the booking only if the slot is still available.
	// ErrSlotNotAvailable when another writer got there first.
	BookSlot(ctx context.Context, id string, b Booking) (*Slot, error)
	RescheduleSlot(ctx context.Context, id string, change SlotChange) (*Slot, error)
	DeleteSlot(ctx context.Context, id string) (*Slot, error)

	// ListSlotsByPatient orders by date descending, then time ascending.
	ListSlotsByPatient(ctx context.Context, patientID string) ([]Slot, error)
	ListAvailableByDoctor(ctx context.Context, doctorID string) ([]Slot, error)
	ListSlots(ctx context.Context) ([]Slot, error)

	GetPatient(ctx context.Context, id string) (*Patient, error)
	GetPatientByEmail(ctx context.Context, email string) (*Patient, error)
	GetPatientProfile(ctx context.Context, patientID string) (*PatientProfile, error)
	GetDoctor(ctx context.Context, id string) (*Doctor, error)
	GetSpecialty(ctx context.Context, id string) (*Specialty, error)

	// Directory writes, used by seeding and tests.
	SaveSpecialty(ctx context.Context, sp *Specialty) error
	SaveDoctor(ctx context.Context, d *Doctor) error
	SavePatient(ctx context.Context, p *Patient) error
	SavePatientProfile(ctx context.Context, pp *PatientProfile) error

	InsertEvent(ctx context.Context, ev EventLog) error
	ListEvents(ctx context.Context, eventType string) ([]EventLog, error)

	Ping(ctx context.Context) error
}
