package turno

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const slotColumns = `id, doctor_id, specialty_id, date, time, state, patient_id,
	insurance_name, insurance_member_number, price_paid::text, calendar_event_id, created_at, updated_at`

// Helpers

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	var state, price string
	var patientID, insName, insNumber, eventID *string

	err := row.Scan(
		&s.ID,
		&s.DoctorID,
		&s.SpecialtyID,
		&s.Date,
		&s.Time,
		&state,
		&patientID,
		&insName,
		&insNumber,
		&price,
		&eventID,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	s.State = SlotState(state)
	if patientID != nil {
		s.PatientID = *patientID
	}
	if insName != nil {
		s.Insurance = &Insurance{Name: *insName}
		if insNumber != nil {
			s.Insurance.MemberNumber = *insNumber
		}
	}
	if eventID != nil {
		s.CalendarEventID = *eventID
	}
	s.PricePaid, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("parse price_paid %q: %w", price, err)
	}
	return &s, nil
}

func (r *PgRepository) querySlots(ctx context.Context, sql string, args ...any) ([]Slot, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]Slot, 0)
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Interface methods

func (r *PgRepository) GetSlot(ctx context.Context, id string) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

func (r *PgRepository) FindSlotAt(ctx context.Context, doctorID, date, tm, excludeID string) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE doctor_id = $1
		  AND date = $2
		  AND time = $3
		  AND id <> $4
		LIMIT 1
	`, doctorID, date, tm, excludeID)
	return scanSlot(row)
}

func (r *PgRepository) FindSlotByCalendarEvent(ctx context.Context, eventID string) (*Slot, error) {
	if eventID == "" {
		return nil, ErrSlotNotFound
	}
	row := r.pool.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE calendar_event_id = $1
		LIMIT 1
	`, eventID)
	return scanSlot(row)
}

func (r *PgRepository) CreateSlot(ctx context.Context, slot *Slot) error {
	if slot.ID == "" {
		slot.ID = uuid.NewString()
	}
	if slot.State == "" {
		slot.State = StateAvailable
	}

	created, err := scanSlot(r.pool.QueryRow(ctx, `
		INSERT INTO slots (id, doctor_id, specialty_id, date, time, state, price_paid, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::text::numeric, now(), now())
		RETURNING `+slotColumns,
		slot.ID, slot.DoctorID, slot.SpecialtyID, slot.Date, slot.Time, string(slot.State), slot.PricePaid.String()))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSlotConflict
		}
		return fmt.Errorf("insert slot: %w", err)
	}

	*slot = *created
	return nil
}

// BookSlot is a single conditional UPDATE; a slot that is no longer
// available matches no row.
func (r *PgRepository) BookSlot(ctx context.Context, id string, b Booking) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE slots
		SET state = 'occupied',
		    patient_id = $2,
		    insurance_name = $3,
		    insurance_member_number = $4,
		    price_paid = $5::text::numeric,
		    calendar_event_id = $6,
		    updated_at = now()
		WHERE id = $1
		  AND state = 'available'
		RETURNING `+slotColumns,
		id, b.PatientID, b.Insurance.Name, b.Insurance.MemberNumber, b.PricePaid.String(), nullableString(b.CalendarEventID))

	slot, err := scanSlot(row)
	if err == nil {
		return slot, nil
	}
	if !errors.Is(err, ErrSlotNotFound) {
		return nil, fmt.Errorf("book slot: %w", err)
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM slots WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check slot: %w", err)
	}
	if !exists {
		return nil, ErrSlotNotFound
	}
	return nil, ErrSlotNotAvailable
}

func (r *PgRepository) RescheduleSlot(ctx context.Context, id string, change SlotChange) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE slots
		SET doctor_id = $2,
		    specialty_id = COALESCE(NULLIF($3, ''), specialty_id),
		    date = $4,
		    time = $5,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+slotColumns,
		id, change.DoctorID, change.SpecialtyID, change.Date, change.Time)

	slot, err := scanSlot(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrSlotConflict
		}
		if errors.Is(err, ErrSlotNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("reschedule slot: %w", err)
	}
	return slot, nil
}

func (r *PgRepository) DeleteSlot(ctx context.Context, id string) (*Slot, error) {
	slot, err := scanSlot(r.pool.QueryRow(ctx, `
		DELETE FROM slots
		WHERE id = $1
		RETURNING `+slotColumns, id))
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("delete slot: %w", err)
	}
	return slot, nil
}

func (r *PgRepository) ListSlotsByPatient(ctx context.Context, patientID string) ([]Slot, error) {
	return r.querySlots(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE patient_id = $1
		ORDER BY date DESC, time ASC
	`, patientID)
}

func (r *PgRepository) ListAvailableByDoctor(ctx context.Context, doctorID string) ([]Slot, error) {
	return r.querySlots(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE doctor_id = $1
		  AND state = 'available'
		ORDER BY date, time
	`, doctorID)
}

func (r *PgRepository) ListSlots(ctx context.Context) ([]Slot, error) {
	return r.querySlots(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		ORDER BY date, time
	`)
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.LastName, &p.Email, &p.Role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PgRepository) GetPatient(ctx context.Context, id string) (*Patient, error) {
	return scanPatient(r.pool.QueryRow(ctx, `
		SELECT id, name, last_name, email, role
		FROM patients
		WHERE id = $1
	`, id))
}

func (r *PgRepository) GetPatientByEmail(ctx context.Context, email string) (*Patient, error) {
	return scanPatient(r.pool.QueryRow(ctx, `
		SELECT id, name, last_name, email, role
		FROM patients
		WHERE email = $1
	`, strings.ToLower(strings.TrimSpace(email))))
}

func (r *PgRepository) GetPatientProfile(ctx context.Context, patientID string) (*PatientProfile, error) {
	var pp PatientProfile
	err := r.pool.QueryRow(ctx, `
		SELECT patient_id, document_id, phone
		FROM patient_profiles
		WHERE patient_id = $1
	`, patientID).Scan(&pp.PatientID, &pp.DocumentID, &pp.Phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return &pp, nil
}

func (r *PgRepository) GetDoctor(ctx context.Context, id string) (*Doctor, error) {
	var d Doctor
	err := r.pool.QueryRow(ctx, `
		SELECT id, first_name, last_name, specialty_id
		FROM doctors
		WHERE id = $1
	`, id).Scan(&d.ID, &d.FirstName, &d.LastName, &d.SpecialtyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (r *PgRepository) GetSpecialty(ctx context.Context, id string) (*Specialty, error) {
	var sp Specialty
	err := r.pool.QueryRow(ctx, `
		SELECT id, name
		FROM specialties
		WHERE id = $1
	`, id).Scan(&sp.ID, &sp.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSpecialtyNotFound
		}
		return nil, err
	}
	return &sp, nil
}

func (r *PgRepository) SaveSpecialty(ctx context.Context, sp *Specialty) error {
	if sp.ID == "" {
		sp.ID = uuid.NewString()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO specialties (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`, sp.ID, sp.Name)
	if err != nil {
		return fmt.Errorf("save specialty: %w", err)
	}
	return nil
}

func (r *PgRepository) SaveDoctor(ctx context.Context, d *Doctor) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO doctors (id, first_name, last_name, specialty_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET first_name = EXCLUDED.first_name,
		    last_name = EXCLUDED.last_name,
		    specialty_id = EXCLUDED.specialty_id
	`, d.ID, d.FirstName, d.LastName, d.SpecialtyID)
	if err != nil {
		return fmt.Errorf("save doctor: %w", err)
	}
	return nil
}

func (r *PgRepository) SavePatient(ctx context.Context, p *Patient) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	_, err := r.pool.Exec(ctx, `
		INSERT INTO patients (id, name, last_name, email, role)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    last_name = EXCLUDED.last_name,
		    email = EXCLUDED.email,
		    role = EXCLUDED.role
	`, p.ID, p.Name, p.LastName, p.Email, p.Role)
	if err != nil {
		return fmt.Errorf("save patient: %w", err)
	}
	return nil
}

func (r *PgRepository) SavePatientProfile(ctx context.Context, pp *PatientProfile) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO patient_profiles (patient_id, document_id, phone)
		VALUES ($1, $2, $3)
		ON CONFLICT (patient_id) DO UPDATE
		SET document_id = EXCLUDED.document_id,
		    phone = EXCLUDED.phone
	`, pp.PatientID, pp.DocumentID, pp.Phone)
	if err != nil {
		return fmt.Errorf("save patient profile: %w", err)
	}
	return nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	var payload any
	if len(ev.Payload) > 0 {
		payload = string(ev.Payload)
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (id, event_type, slot_id, payload, created_at)
		VALUES ($1, $2, $3, $4::jsonb, COALESCE($5, now()))
	`, ev.ID, ev.EventType, nullableString(ev.SlotID), payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func (r *PgRepository) ListEvents(ctx context.Context, eventType string) ([]EventLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_type, COALESCE(slot_id, ''), COALESCE(payload::text, ''), created_at
		FROM event_logs
		WHERE $1 = '' OR event_type = $1
		ORDER BY created_at
	`, eventType)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	result := make([]EventLog, 0)
	for rows.Next() {
		var ev EventLog
		var payload string
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.SlotID, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if payload != "" {
			ev.Payload = []byte(payload)
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

func (r *PgRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
