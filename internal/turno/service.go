package turno

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hackgods/turnos/internal/calendar"
	"github.com/hackgods/turnos/internal/payment"
	"github.com/hackgods/turnos/internal/pricing"
	redisclient "github.com/hackgods/turnos/internal/redis"
)

const (
	EventSlotCreated             = "SLOT_CREATED"
	EventSlotBooked              = "SLOT_BOOKED"
	EventSlotRescheduled         = "SLOT_RESCHEDULED"
	EventSlotDeleted             = "SLOT_DELETED"
	EventCalendarOrphaned        = "CALENDAR_EVENT_ORPHANED"
	EventCalendarSyncFailed      = "CALENDAR_SYNC_FAILED"
	EventCalendarEventReconciled = "CALENDAR_EVENT_RECONCILED"
	EventPaymentUnmatched        = "PAYMENT_UNMATCHED"
)

const (
	// DefaultMemberNumber is stored when the caller gives no member number.
	DefaultMemberNumber = "N/A"

	RescheduledSummary = "Turno actualizado"

	checkoutTitle = "Reserva de turno médico"
)

var (
	ErrSlotNotAvailable      = errors.New("slot is not available")
	ErrSlotConflict          = errors.New("doctor already has a slot at that date and time")
	ErrInvalidInsurance      = errors.New("insurance name is required")
	ErrInvalidSlotInput      = errors.New("invalid slot input")
	ErrCalendarGateway       = errors.New("calendar gateway failure")
	ErrPaymentGateway        = errors.New("payment gateway failure")
	ErrOrphanedCalendarEvent = errors.New("calendar event created but slot was not booked")
	ErrCalendarOutOfSync     = errors.New("slot changed but calendar event was not")
	ErrPaymentInFlight       = errors.New("payment is already being processed")
)

// Publisher forwards recorded events to other systems.
type Publisher interface {
	Publish(ctx context.Context, eventType string, body []byte) error
}

type Settings struct {
	Location      *time.Location
	TimeZone      string
	FrontendURL   string
	EventDuration time.Duration
	CurrencyID    string
}

type Service struct {
	repo      Repository
	calendar  calendar.Gateway
	payments  payment.Gateway
	locker    redisclient.Locker
	policy    pricing.Policy
	settings  Settings
	log       *zap.Logger
	publisher Publisher
}

func NewService(
	repo Repository,
	cal calendar.Gateway,
	pay payment.Gateway,
	locker redisclient.Locker,
	policy pricing.Policy,
	settings Settings,
	log *zap.Logger,
) *Service {
	if settings.TimeZone == "" {
		settings.TimeZone = DefaultTimeZone
	}
	if settings.Location == nil {
		loc, err := time.LoadLocation(settings.TimeZone)
		if err != nil {
			loc = time.UTC
		}
		settings.Location = loc
	}
	if settings.EventDuration <= 0 {
		settings.EventDuration = DefaultEventDuration
	}
	if settings.CurrencyID == "" {
		settings.CurrencyID = "ARS"
	}
	settings.FrontendURL = strings.TrimRight(settings.FrontendURL, "/")
	if locker == nil {
		locker = NewLocalLocker()
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Service{
		repo:     repo,
		calendar: cal,
		payments: pay,
		locker:   locker,
		policy:   policy,
		settings: settings,
		log:      log,
	}
}

// SetPublisher enables forwarding of every recorded event.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

type ReserveInput struct {
	SlotID    string
	PatientID string
	Insurance Insurance
}

type PreferenceInput struct {
	SlotID        string
	InsuranceName string
	PayerEmail    string
}

type CreateSlotInput struct {
	DoctorID    string
	SpecialtyID string
	Date        string
	Time        string
}

func normalizeInsurance(in Insurance) (Insurance, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.MemberNumber = strings.TrimSpace(in.MemberNumber)
	if in.Name == "" {
		return Insurance{}, ErrInvalidInsurance
	}
	if in.MemberNumber == "" {
		in.MemberNumber = DefaultMemberNumber
	}
	return in, nil
}

// ReserveDirect books a slot with no payment involved. The recorded price is 0.
func (s *Service) ReserveDirect(ctx context.Context, in ReserveInput) (*Reservation, error) {
	ins, err := normalizeInsurance(in.Insurance)
	if err != nil {
		return nil, err
	}

	return s.book(ctx, bookingRequest{
		slotID:    in.SlotID,
		patientID: in.PatientID,
		insurance: ins,
		price:     decimal.Zero,
		source:    "direct",
	})
}

// ReservePriced books a slot at the reservation table price without waiting
// for a payment confirmation.
func (s *Service) ReservePriced(ctx context.Context, in ReserveInput) (*Reservation, error) {
	ins, err := normalizeInsurance(in.Insurance)
	if err != nil {
		return nil, err
	}

	price, err := s.policy.Quote(pricing.TableReservation, ins.Name)
	if err != nil {
		return nil, fmt.Errorf("quote reservation: %w", err)
	}

	return s.book(ctx, bookingRequest{
		slotID:    in.SlotID,
		patientID: in.PatientID,
		insurance: ins,
		price:     price,
		source:    "priced",
	})
}

type bookingRequest struct {
	slotID    string
	patientID string
	patient   *Patient
	insurance Insurance
	price     decimal.Decimal
	source    string
	paymentID string
}

// book creates the calendar event first and then flips the slot with one
// conditional write. The event is never left behind silently: it is either
// deleted again or recorded as orphaned.
func (s *Service) book(ctx context.Context, req bookingRequest) (*Reservation, error) {
	slot, err := s.repo.GetSlot(ctx, req.slotID)
	if err != nil {
		return nil, fmt.Errorf("load slot: %w", err)
	}
	if slot.State != StateAvailable {
		return nil, ErrSlotNotAvailable
	}

	patient := req.patient
	if patient == nil {
		patient, err = s.repo.GetPatient(ctx, req.patientID)
		if err != nil {
			return nil, fmt.Errorf("load patient: %w", err)
		}
	}

	doctor, specialty, err := s.doctorAndSpecialty(ctx, slot.DoctorID, slot.SpecialtyID)
	if err != nil {
		return nil, err
	}

	ev, err := s.calendarEvent(slot, doctor, specialty, patient, req.insurance.Name)
	if err != nil {
		return nil, err
	}

	created, err := s.calendar.Create(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCalendarGateway, err)
	}

	booked, err := s.repo.BookSlot(ctx, slot.ID, Booking{
		PatientID:       patient.ID,
		Insurance:       req.insurance,
		PricePaid:       req.price.Round(2),
		CalendarEventID: created.ID,
	})
	if err != nil {
		if errors.Is(err, ErrSlotNotAvailable) || errors.Is(err, ErrSlotNotFound) {
			s.discardEvent(ctx, slot.ID, created.ID)
			return nil, fmt.Errorf("book slot %s: %w", slot.ID, err)
		}

		s.log.Error("calendar event orphaned",
			zap.String("slot_id", slot.ID),
			zap.String("calendar_event_id", created.ID),
			zap.Error(err),
		)
		s.recordEvent(ctx, EventCalendarOrphaned, slot.ID, map[string]any{
			"calendar_event_id": created.ID,
			"patient_id":        patient.ID,
			"source":            req.source,
			"error":             err.Error(),
		})
		return nil, fmt.Errorf("%w: event %s slot %s: %w", ErrOrphanedCalendarEvent, created.ID, slot.ID, err)
	}

	payload := map[string]any{
		"patient_id":        patient.ID,
		"insurance":         req.insurance.Name,
		"price_paid":        booked.PricePaid.StringFixed(2),
		"calendar_event_id": created.ID,
		"source":            req.source,
	}
	if req.paymentID != "" {
		payload["payment_id"] = req.paymentID
	}
	s.recordEvent(ctx, EventSlotBooked, booked.ID, payload)

	return &Reservation{Slot: booked, CalendarLink: created.HTMLLink}, nil
}

// discardEvent removes the event of a booking that lost the race.
func (s *Service) discardEvent(ctx context.Context, slotID, eventID string) {
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := s.calendar.Delete(delCtx, eventID); err != nil {
		s.log.Error("could not delete calendar event of a lost booking",
			zap.String("slot_id", slotID),
			zap.String("calendar_event_id", eventID),
			zap.Error(err),
		)
		s.recordEvent(ctx, EventCalendarOrphaned, slotID, map[string]any{
			"calendar_event_id": eventID,
			"source":            "lost_race",
			"error":             err.Error(),
		})
	}
}

func (s *Service) doctorAndSpecialty(ctx context.Context, doctorID, specialtyID string) (*Doctor, *Specialty, error) {
	doctor, err := s.repo.GetDoctor(ctx, doctorID)
	if err != nil {
		return nil, nil, fmt.Errorf("load doctor: %w", err)
	}
	if specialtyID == "" {
		specialtyID = doctor.SpecialtyID
	}
	specialty, err := s.repo.GetSpecialty(ctx, specialtyID)
	if err != nil {
		return nil, nil, fmt.Errorf("load specialty: %w", err)
	}
	return doctor, specialty, nil
}

type WebhookOutcome string

const (
	OutcomeIgnored    WebhookOutcome = "ignored"
	OutcomeBooked     WebhookOutcome = "booked"
	OutcomeDuplicate  WebhookOutcome = "duplicate"
	OutcomeUnmatched  WebhookOutcome = "unmatched"
	OutcomeInProgress WebhookOutcome = "in_progress" // another delivery holds the payment lock
)

type WebhookResult struct {
	Outcome   WebhookOutcome
	PaymentID string
	SlotID    string
}

// HandlePaymentNotification books the slot paid for by an approved payment.
// Anything it cannot act on is acknowledged without error; an error means the
// provider should deliver again.
func (s *Service) HandlePaymentNotification(ctx context.Context, n payment.Notification) (WebhookResult, error) {
	if n.Type != payment.TopicPayment {
		return WebhookResult{Outcome: OutcomeIgnored}, nil
	}
	paymentID := n.Data.ID.String()
	if paymentID == "" {
		return WebhookResult{Outcome: OutcomeIgnored}, nil
	}

	var res WebhookResult
	err := s.locker.WithLock(ctx, "payment:"+paymentID, func(lockCtx context.Context) error {
		var err error
		res, err = s.processPayment(lockCtx, paymentID)
		return err
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return WebhookResult{PaymentID: paymentID}, ErrPaymentInFlight
		}
		return WebhookResult{PaymentID: paymentID}, err
	}
	return res, nil
}

func (s *Service) processPayment(ctx context.Context, paymentID string) (WebhookResult, error) {
	res := WebhookResult{Outcome: OutcomeIgnored, PaymentID: paymentID}

	p, err := s.payments.GetPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, payment.ErrPaymentNotFound) {
			s.log.Warn("webhook for unknown payment", zap.String("payment_id", paymentID))
			return res, nil
		}
		return res, fmt.Errorf("%w: %w", ErrPaymentGateway, err)
	}

	if p.Status != payment.StatusApproved {
		return res, nil
	}
	slotID := p.MetadataString(payment.MetadataSlotID)
	if slotID == "" {
		return res, nil
	}
	res.SlotID = slotID

	slot, err := s.repo.GetSlot(ctx, slotID)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			s.log.Warn("approved payment for unknown slot",
				zap.String("payment_id", paymentID),
				zap.String("slot_id", slotID),
			)
			return res, nil
		}
		return res, fmt.Errorf("load slot: %w", err)
	}
	if slot.State != StateAvailable {
		res.Outcome = OutcomeDuplicate
		return res, nil
	}

	patient, err := s.patientForPayer(ctx, p.PayerEmail)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			s.log.Warn("approved payment does not match any patient",
				zap.String("payment_id", paymentID),
				zap.String("slot_id", slotID),
				zap.String("payer_email", p.PayerEmail),
			)
			s.recordEvent(ctx, EventPaymentUnmatched, slotID, map[string]any{
				"payment_id":         paymentID,
				"payer_email":        p.PayerEmail,
				"transaction_amount": p.TransactionAmount.String(),
			})
			res.Outcome = OutcomeUnmatched
			return res, nil
		}
		return res, err
	}

	insuranceName := p.MetadataString(payment.MetadataInsuranceName)
	if insuranceName == "" {
		insuranceName = pricing.SelfPay
	}

	_, err = s.book(ctx, bookingRequest{
		slotID:    slotID,
		patient:   patient,
		insurance: Insurance{Name: insuranceName, MemberNumber: DefaultMemberNumber},
		price:     p.TransactionAmount,
		source:    "webhook",
		paymentID: paymentID,
	})
	if err != nil {
		if errors.Is(err, ErrSlotNotAvailable) || errors.Is(err, ErrSlotNotFound) {
			res.Outcome = OutcomeDuplicate
			return res, nil
		}
		return res, err
	}

	res.Outcome = OutcomeBooked
	return res, nil
}

func (s *Service) patientForPayer(ctx context.Context, email string) (*Patient, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, ErrPatientNotFound
	}
	p, err := s.repo.GetPatientByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient by email: %w", err)
	}
	return p, nil
}

// CreatePaymentPreference prices the slot with the checkout table and opens a
// checkout for it. A fully covered price skips the payment provider.
func (s *Service) CreatePaymentPreference(ctx context.Context, in PreferenceInput) (*PreferenceResult, error) {
	name := strings.TrimSpace(in.InsuranceName)
	if name == "" {
		return nil, ErrInvalidInsurance
	}

	slot, err := s.repo.GetSlot(ctx, in.SlotID)
	if err != nil {
		return nil, fmt.Errorf("load slot: %w", err)
	}
	if slot.State != StateAvailable {
		return nil, ErrSlotNotAvailable
	}

	price, err := s.policy.Quote(pricing.TableCheckout, name)
	if err != nil {
		return nil, fmt.Errorf("quote checkout: %w", err)
	}
	if pricing.FullyCovered(price) {
		return &PreferenceResult{FullyCovered: true, Price: price}, nil
	}

	statusURL := s.settings.FrontendURL + "/pago/estatus?status="
	pref, err := s.payments.CreatePreference(ctx, payment.Preference{
		Items: []payment.Item{{
			Title:       checkoutTitle,
			Description: "Obra social: " + name,
			Quantity:    1,
			UnitPrice:   price,
			CurrencyID:  s.settings.CurrencyID,
		}},
		PayerEmail: strings.TrimSpace(in.PayerEmail),
		Metadata: map[string]string{
			payment.MetadataSlotID:        slot.ID,
			payment.MetadataInsuranceName: name,
		},
		BackURLs: payment.BackURLs{
			Success: statusURL + "approved",
			Failure: statusURL + "rejected",
			Pending: statusURL + "pending",
		},
		AutoReturn: payment.StatusApproved,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPaymentGateway, err)
	}

	return &PreferenceResult{
		Price:        price,
		PreferenceID: pref.ID,
		InitPoint:    pref.InitPoint,
	}, nil
}

// CreateSlot publishes a new available slot.
func (s *Service) CreateSlot(ctx context.Context, in CreateSlotInput) (*Slot, error) {
	date, err := NormalizeDate(in.Date)
	if err != nil {
		return nil, err
	}
	clock, err := NormalizeTime(in.Time)
	if err != nil {
		return nil, err
	}

	_, specialty, err := s.doctorAndSpecialty(ctx, in.DoctorID, in.SpecialtyID)
	if err != nil {
		return nil, err
	}

	if err := s.ensureFree(ctx, in.DoctorID, date, clock, ""); err != nil {
		return nil, err
	}

	slot := &Slot{
		DoctorID:    in.DoctorID,
		SpecialtyID: specialty.ID,
		Date:        date,
		Time:        clock,
		State:       StateAvailable,
	}
	if err := s.repo.CreateSlot(ctx, slot); err != nil {
		if errors.Is(err, ErrSlotConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("create slot: %w", err)
	}

	s.recordEvent(ctx, EventSlotCreated, slot.ID, map[string]any{
		"doctor_id": slot.DoctorID,
		"date":      slot.Date,
		"time":      slot.Time,
	})
	return slot, nil
}

func (s *Service) ensureFree(ctx context.Context, doctorID, date, clock, excludeID string) error {
	_, err := s.repo.FindSlotAt(ctx, doctorID, date, clock, excludeID)
	switch {
	case err == nil:
		return ErrSlotConflict
	case errors.Is(err, ErrSlotNotFound):
		return nil
	default:
		return fmt.Errorf("check slot uniqueness: %w", err)
	}
}

// UpdateSlot reschedules a slot and moves its calendar event along with it.
// An empty DoctorID keeps the current doctor.
func (s *Service) UpdateSlot(ctx context.Context, id string, change SlotChange) (*Slot, error) {
	date, err := NormalizeDate(change.Date)
	if err != nil {
		return nil, err
	}
	clock, err := NormalizeTime(change.Time)
	if err != nil {
		return nil, err
	}

	current, err := s.repo.GetSlot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load slot: %w", err)
	}

	change.Date = date
	change.Time = clock
	if change.DoctorID == "" {
		change.DoctorID = current.DoctorID
	}
	if _, err := s.repo.GetDoctor(ctx, change.DoctorID); err != nil {
		return nil, fmt.Errorf("load doctor: %w", err)
	}
	if change.SpecialtyID != "" {
		if _, err := s.repo.GetSpecialty(ctx, change.SpecialtyID); err != nil {
			return nil, fmt.Errorf("load specialty: %w", err)
		}
	}

	if err := s.ensureFree(ctx, change.DoctorID, date, clock, id); err != nil {
		return nil, err
	}

	updated, err := s.repo.RescheduleSlot(ctx, id, change)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) || errors.Is(err, ErrSlotConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("reschedule slot: %w", err)
	}

	s.recordEvent(ctx, EventSlotRescheduled, updated.ID, map[string]any{
		"from": current.Date + " " + current.Time,
		"to":   updated.Date + " " + updated.Time,
	})

	if updated.CalendarEventID == "" {
		return updated, nil
	}

	start, err := SlotStart(updated.Date, updated.Time, s.settings.Location)
	if err != nil {
		return nil, err
	}
	err = s.calendar.Update(ctx, updated.CalendarEventID, calendar.Change{
		Summary:  RescheduledSummary,
		Start:    start,
		End:      start.Add(s.settings.EventDuration),
		TimeZone: s.settings.TimeZone,
	})
	if err != nil {
		s.calendarSyncFailed(ctx, updated.ID, updated.CalendarEventID, "update", err)
		return nil, fmt.Errorf("%w: slot %s event %s: %w", ErrCalendarOutOfSync, updated.ID, updated.CalendarEventID, err)
	}

	return updated, nil
}

// DeleteSlot removes the slot and then its calendar event.
func (s *Service) DeleteSlot(ctx context.Context, id string) error {
	deleted, err := s.repo.DeleteSlot(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return err
		}
		return fmt.Errorf("delete slot: %w", err)
	}

	s.recordEvent(ctx, EventSlotDeleted, deleted.ID, map[string]any{
		"doctor_id":         deleted.DoctorID,
		"date":              deleted.Date,
		"time":              deleted.Time,
		"calendar_event_id": deleted.CalendarEventID,
	})

	if deleted.CalendarEventID == "" {
		return nil
	}
	if err := s.calendar.Delete(ctx, deleted.CalendarEventID); err != nil {
		s.calendarSyncFailed(ctx, deleted.ID, deleted.CalendarEventID, "delete", err)
		return fmt.Errorf("%w: slot %s event %s: %w", ErrCalendarOutOfSync, deleted.ID, deleted.CalendarEventID, err)
	}
	return nil
}

func (s *Service) calendarSyncFailed(ctx context.Context, slotID, eventID, op string, err error) {
	s.log.Error("calendar out of sync",
		zap.String("slot_id", slotID),
		zap.String("calendar_event_id", eventID),
		zap.String("operation", op),
		zap.Error(err),
	)
	s.recordEvent(ctx, EventCalendarSyncFailed, slotID, map[string]any{
		"calendar_event_id": eventID,
		"operation":         op,
		"error":             err.Error(),
	})
}

// recordEvent stores the event log entry and forwards it. Failures are
// logged only; the state change already happened.
func (s *Service) recordEvent(ctx context.Context, eventType, slotID string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("marshal event payload", zap.String("event_type", eventType), zap.Error(err))
		data = nil
	}

	ev := EventLog{
		EventType: eventType,
		SlotID:    slotID,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.repo.InsertEvent(writeCtx, ev); err != nil {
		s.log.Error("insert event log",
			zap.String("event_type", eventType),
			zap.String("slot_id", slotID),
			zap.Error(err),
		)
	}

	if s.publisher == nil {
		return
	}
	body, err := json.Marshal(map[string]any{
		"event_type": ev.EventType,
		"slot_id":    ev.SlotID,
		"payload":    json.RawMessage(orEmptyObject(data)),
		"created_at": ev.CreatedAt,
	})
	if err != nil {
		return
	}
	if err := s.publisher.Publish(writeCtx, eventType, body); err != nil {
		s.log.Warn("publish event",
			zap.String("event_type", eventType),
			zap.String("slot_id", slotID),
			zap.Error(err),
		)
	}
}

func orEmptyObject(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}
