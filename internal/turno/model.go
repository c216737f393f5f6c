package turno

import (
	"time"

	"github.com/shopspring/decimal"
)

type SlotState string

const (
	StateAvailable SlotState = "available"
	StateOccupied  SlotState = "occupied"
)

const (
	RolePatient = "paciente"
	RoleDoctor  = "medico"
	RoleAdmin   = "admin"
)

// Layouts of the civil date and time stored on a slot.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

type Insurance struct {
	Name         string `json:"name"`
	MemberNumber string `json:"member_number"`
}

type Slot struct {
	ID              string
	DoctorID        string
	SpecialtyID     string
	Date            string // YYYY-MM-DD
	Time            string // HH:MM
	State           SlotState
	PatientID       string
	Insurance       *Insurance
	PricePaid       decimal.Decimal
	CalendarEventID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Booking is everything the occupied transition writes at once.
type Booking struct {
	PatientID       string
	Insurance       Insurance
	PricePaid       decimal.Decimal
	CalendarEventID string
}

// SlotChange moves a slot. An empty SpecialtyID keeps the current one.
type SlotChange struct {
	DoctorID    string
	SpecialtyID string
	Date        string
	Time        string
}

type Specialty struct {
	ID   string
	Name string
}

type Doctor struct {
	ID          string
	FirstName   string
	LastName    string
	SpecialtyID string
}

type Patient struct {
	ID       string
	Name     string
	LastName string
	Email    string
	Role     string
}

// PatientProfile is the clinical file kept apart from the account.
type PatientProfile struct {
	PatientID  string
	DocumentID string
	Phone      string
}

// PatientSummary is the patient projection shown in listings. DocumentID and
// Phone are nil when the patient has no profile.
type PatientSummary struct {
	ID         string
	Name       string
	LastName   string
	Email      string
	Role       string
	DocumentID *string
	Phone      *string
}

type SlotDetail struct {
	Slot
	Doctor    *Doctor
	Specialty *Specialty
	Patient   *PatientSummary
}

// Reservation is the result of a successful booking.
type Reservation struct {
	Slot         *Slot
	CalendarLink string
}

// PreferenceResult is what the checkout step returns. InitPoint is empty
// when the insurance covers the whole price.
type PreferenceResult struct {
	FullyCovered bool
	Price        decimal.Decimal
	PreferenceID string
	InitPoint    string
}

type EventLog struct {
	ID        string
	EventType string
	SlotID    string
	Payload   []byte
	CreatedAt time.Time
}
