package turno

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps everything in process. It backs STORE_DRIVER=memory
// and the workflow tests.
type MemoryRepository struct {
	mu          sync.RWMutex
	slots       map[string]*Slot
	patients    map[string]*Patient
	profiles    map[string]*PatientProfile
	doctors     map[string]*Doctor
	specialties map[string]*Specialty
	events      []EventLog
	now         func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		slots:       make(map[string]*Slot),
		patients:    make(map[string]*Patient),
		profiles:    make(map[string]*PatientProfile),
		doctors:     make(map[string]*Doctor),
		specialties: make(map[string]*Specialty),
		now:         time.Now,
	}
}

func copySlot(s *Slot) *Slot {
	out := *s
	if s.Insurance != nil {
		ins := *s.Insurance
		out.Insurance = &ins
	}
	return &out
}

func (r *MemoryRepository) GetSlot(_ context.Context, id string) (*Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return copySlot(s), nil
}

func (r *MemoryRepository) FindSlotAt(_ context.Context, doctorID, date, tm, excludeID string) (*Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.slots {
		if s.ID == excludeID {
			continue
		}
		if s.DoctorID == doctorID && s.Date == date && s.Time == tm {
			return copySlot(s), nil
		}
	}
	return nil, ErrSlotNotFound
}

func (r *MemoryRepository) FindSlotByCalendarEvent(_ context.Context, eventID string) (*Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.slots {
		if eventID != "" && s.CalendarEventID == eventID {
			return copySlot(s), nil
		}
	}
	return nil, ErrSlotNotFound
}

func (r *MemoryRepository) CreateSlot(_ context.Context, slot *Slot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.slots {
		if s.DoctorID == slot.DoctorID && s.Date == slot.Date && s.Time == slot.Time {
			return ErrSlotConflict
		}
	}

	if slot.ID == "" {
		slot.ID = uuid.NewString()
	} else if _, exists := r.slots[slot.ID]; exists {
		return ErrSlotConflict
	}
	if slot.State == "" {
		slot.State = StateAvailable
	}
	now := r.now()
	slot.CreatedAt = now
	slot.UpdatedAt = now

	r.slots[slot.ID] = copySlot(slot)
	return nil
}

func (r *MemoryRepository) BookSlot(_ context.Context, id string, b Booking) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if s.State != StateAvailable {
		return nil, ErrSlotNotAvailable
	}

	ins := b.Insurance
	s.State = StateOccupied
	s.PatientID = b.PatientID
	s.Insurance = &ins
	s.PricePaid = b.PricePaid
	s.CalendarEventID = b.CalendarEventID
	s.UpdatedAt = r.now()

	return copySlot(s), nil
}

func (r *MemoryRepository) RescheduleSlot(_ context.Context, id string, change SlotChange) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	for _, other := range r.slots {
		if other.ID != id && other.DoctorID == change.DoctorID && other.Date == change.Date && other.Time == change.Time {
			return nil, ErrSlotConflict
		}
	}

	s.DoctorID = change.DoctorID
	if change.SpecialtyID != "" {
		s.SpecialtyID = change.SpecialtyID
	}
	s.Date = change.Date
	s.Time = change.Time
	s.UpdatedAt = r.now()

	return copySlot(s), nil
}

func (r *MemoryRepository) DeleteSlot(_ context.Context, id string) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	delete(r.slots, id)
	return s, nil
}

func (r *MemoryRepository) filterSlots(keep func(*Slot) bool) []Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Slot, 0)
	for _, s := range r.slots {
		if keep(s) {
			out = append(out, *copySlot(s))
		}
	}
	return out
}

func (r *MemoryRepository) ListSlotsByPatient(_ context.Context, patientID string) ([]Slot, error) {
	out := r.filterSlots(func(s *Slot) bool { return s.PatientID == patientID })
	SortByPatientOrder(out)
	return out, nil
}

func (r *MemoryRepository) ListAvailableByDoctor(_ context.Context, doctorID string) ([]Slot, error) {
	out := r.filterSlots(func(s *Slot) bool { return s.DoctorID == doctorID && s.State == StateAvailable })
	sortChronological(out)
	return out, nil
}

func (r *MemoryRepository) ListSlots(_ context.Context) ([]Slot, error) {
	out := r.filterSlots(func(*Slot) bool { return true })
	sortChronological(out)
	return out, nil
}

func (r *MemoryRepository) GetPatient(_ context.Context, id string) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	out := *p
	return &out, nil
}

func (r *MemoryRepository) GetPatientByEmail(_ context.Context, email string) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	email = strings.ToLower(strings.TrimSpace(email))
	for _, p := range r.patients {
		if p.Email == email {
			out := *p
			return &out, nil
		}
	}
	return nil, ErrPatientNotFound
}

func (r *MemoryRepository) GetPatientProfile(_ context.Context, patientID string) (*PatientProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pp, ok := r.profiles[patientID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	out := *pp
	return &out, nil
}

func (r *MemoryRepository) GetDoctor(_ context.Context, id string) (*Doctor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	out := *d
	return &out, nil
}

func (r *MemoryRepository) GetSpecialty(_ context.Context, id string) (*Specialty, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sp, ok := r.specialties[id]
	if !ok {
		return nil, ErrSpecialtyNotFound
	}
	out := *sp
	return &out, nil
}

func (r *MemoryRepository) SaveSpecialty(_ context.Context, sp *Specialty) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sp.ID == "" {
		sp.ID = uuid.NewString()
	}
	out := *sp
	r.specialties[sp.ID] = &out
	return nil
}

func (r *MemoryRepository) SaveDoctor(_ context.Context, d *Doctor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	out := *d
	r.doctors[d.ID] = &out
	return nil
}

func (r *MemoryRepository) SavePatient(_ context.Context, p *Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	out := *p
	r.patients[p.ID] = &out
	return nil
}

func (r *MemoryRepository) SavePatientProfile(_ context.Context, pp *PatientProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := *pp
	r.profiles[pp.PatientID] = &out
	return nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now()
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *MemoryRepository) ListEvents(_ context.Context, eventType string) ([]EventLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]EventLog, 0)
	for _, ev := range r.events {
		if eventType == "" || ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r *MemoryRepository) Ping(context.Context) error { return nil }

// SortByPatientOrder sorts by date descending, then time ascending. Both are
// fixed-width strings so lexical order is chronological.
func SortByPatientOrder(slots []Slot) {
	sort.SliceStable(slots, func(i, j int) bool {
		if slots[i].Date != slots[j].Date {
			return slots[i].Date > slots[j].Date
		}
		return slots[i].Time < slots[j].Time
	})
}

func sortChronological(slots []Slot) {
	sort.SliceStable(slots, func(i, j int) bool {
		if slots[i].Date != slots[j].Date {
			return slots[i].Date < slots[j].Date
		}
		return slots[i].Time < slots[j].Time
	})
}
