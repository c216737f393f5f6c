package turno

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/turnos/internal/calendar"
	"github.com/hackgods/turnos/internal/payment"
	"github.com/hackgods/turnos/internal/pricing"
	redisclient "github.com/hackgods/turnos/internal/redis"
)

type fakeCalendar struct {
	mu        sync.Mutex
	seq       int
	live      map[string]calendar.Event
	created   int
	deleted   []string
	updates   map[string]calendar.Change
	createErr error
	updateErr error
	deleteErr error
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{
		live:    make(map[string]calendar.Event),
		updates: make(map[string]calendar.Change),
	}
}

func (f *fakeCalendar) Create(_ context.Context, ev calendar.Event) (*calendar.Created, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return nil, f.createErr
	}
	f.seq++
	f.created++
	id := fmt.Sprintf("ev-%d", f.seq)
	f.live[id] = ev
	return &calendar.Created{ID: id, HTMLLink: "https://calendar.test/" + id}, nil
}

func (f *fakeCalendar) Update(_ context.Context, eventID string, change calendar.Change) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates[eventID] = change
	return nil
}

func (f *fakeCalendar) Delete(_ context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.live, eventID)
	f.deleted = append(f.deleted, eventID)
	return nil
}

func (f *fakeCalendar) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeCalendar) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func (f *fakeCalendar) event(id string) (calendar.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.live[id]
	return ev, ok
}

type fakePayments struct {
	mu          sync.Mutex
	payments    map[string]*payment.Payment
	getErr      error
	prefErr     error
	preferences []payment.Preference
	gets        int
}

func newFakePayments() *fakePayments {
	return &fakePayments{payments: make(map[string]*payment.Payment)}
}

func (f *fakePayments) CreatePreference(_ context.Context, pref payment.Preference) (*payment.PreferenceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.prefErr != nil {
		return nil, f.prefErr
	}
	f.preferences = append(f.preferences, pref)
	id := fmt.Sprintf("pref-%d", len(f.preferences))
	return &payment.PreferenceResult{ID: id, InitPoint: "https://mp.test/checkout/" + id}, nil
}

func (f *fakePayments) GetPayment(_ context.Context, id string) (*payment.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	p, ok := f.payments[id]
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}
	return p, nil
}

func (f *fakePayments) preferenceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.preferences)
}

// scriptedRepo lets a test decide how the conditional write ends.
type scriptedRepo struct {
	*MemoryRepository
	bookErr error
}

func (r *scriptedRepo) BookSlot(ctx context.Context, id string, b Booking) (*Slot, error) {
	if r.bookErr != nil {
		return nil, r.bookErr
	}
	return r.MemoryRepository.BookSlot(ctx, id, b)
}

type busyLocker struct{}

func (busyLocker) WithLock(context.Context, string, func(context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

type fixture struct {
	svc       *Service
	repo      *MemoryRepository
	cal       *fakeCalendar
	pay       *fakePayments
	doctor    *Doctor
	specialty *Specialty
	patient   *Patient
	loc       *time.Location
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithRepo(t, nil)
}

func newFixtureWithRepo(t *testing.T, wrap func(*MemoryRepository) Repository) *fixture {
	t.Helper()

	ctx := context.Background()
	loc, err := time.LoadLocation(DefaultTimeZone)
	require.NoError(t, err)

	mem := NewMemoryRepository()
	sp := &Specialty{Name: "Cardiología"}
	require.NoError(t, mem.SaveSpecialty(ctx, sp))
	doc := &Doctor{FirstName: "Ana", LastName: "Pérez", SpecialtyID: sp.ID}
	require.NoError(t, mem.SaveDoctor(ctx, doc))
	pat := &Patient{Name: "Juan", LastName: "Gómez", Email: "Juan@Example.com", Role: RolePatient}
	require.NoError(t, mem.SavePatient(ctx, pat))

	var repo Repository = mem
	if wrap != nil {
		repo = wrap(mem)
	}

	cal := newFakeCalendar()
	pay := newFakePayments()
	policy := pricing.NewPolicy(decimal.NewFromInt(5000), pricing.DefaultReservation(), pricing.DefaultCheckout())

	svc := NewService(repo, cal, pay, NewLocalLocker(), policy, Settings{
		Location:    loc,
		TimeZone:    DefaultTimeZone,
		FrontendURL: "http://front.test/",
	}, zap.NewNop())

	return &fixture{
		svc:       svc,
		repo:      mem,
		cal:       cal,
		pay:       pay,
		doctor:    doc,
		specialty: sp,
		patient:   pat,
		loc:       loc,
	}
}

func (f *fixture) slot(t *testing.T, date, clock string) *Slot {
	t.Helper()
	s := &Slot{DoctorID: f.doctor.ID, SpecialtyID: f.specialty.ID, Date: date, Time: clock}
	require.NoError(t, f.repo.CreateSlot(context.Background(), s))
	return s
}

func (f *fixture) events(t *testing.T, eventType string) []EventLog {
	t.Helper()
	evs, err := f.repo.ListEvents(context.Background(), eventType)
	require.NoError(t, err)
	return evs
}

func approved(id, slotID, email, amount, insurance string) *payment.Payment {
	meta := map[string]any{payment.MetadataSlotID: slotID}
	if insurance != "" {
		meta[payment.MetadataInsuranceName] = insurance
	}
	return &payment.Payment{
		ID:                id,
		Status:            payment.StatusApproved,
		PayerEmail:        email,
		TransactionAmount: decimal.RequireFromString(amount),
		Metadata:          meta,
	}
}

func paymentNotification(id string) payment.Notification {
	var n payment.Notification
	n.Type = payment.TopicPayment
	n.Data.ID = payment.ResourceID(id)
	return n
}
