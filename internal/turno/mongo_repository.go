package turno

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collectionSlots       = "slots"
	collectionPatients    = "patients"
	collectionProfiles    = "patient_profiles"
	collectionDoctors     = "doctors"
	collectionSpecialties = "specialties"
	collectionEvents      = "event_logs"
)

type MongoRepository struct {
	db          *mongo.Database
	slots       *mongo.Collection
	patients    *mongo.Collection
	profiles    *mongo.Collection
	doctors     *mongo.Collection
	specialties *mongo.Collection
	events      *mongo.Collection
}

func NewMongoRepository(client *mongo.Client, dbName string) *MongoRepository {
	db := client.Database(dbName)
	return &MongoRepository{
		db:          db,
		slots:       db.Collection(collectionSlots),
		patients:    db.Collection(collectionPatients),
		profiles:    db.Collection(collectionProfiles),
		doctors:     db.Collection(collectionDoctors),
		specialties: db.Collection(collectionSpecialties),
		events:      db.Collection(collectionEvents),
	}
}

// EnsureIndexes creates the indexes the repository relies on. The unique
// doctor/date/time index backs ErrSlotConflict.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.slots.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "doctor_id", Value: 1}, {Key: "date", Value: 1}, {Key: "time", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_doctor_date_time"),
		},
		{Keys: bson.D{{Key: "patient_id", Value: 1}, {Key: "date", Value: -1}, {Key: "time", Value: 1}}},
		{Keys: bson.D{{Key: "calendar_event_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create slot indexes: %w", err)
	}

	_, err = r.patients.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create patient indexes: %w", err)
	}

	_, err = r.specialties.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create specialty indexes: %w", err)
	}

	_, err = r.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "event_type", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create event indexes: %w", err)
	}
	return nil
}

// Documents

type insuranceDocument struct {
	Name         string `bson:"name"`
	MemberNumber string `bson:"member_number"`
}

type slotDocument struct {
	ID              string               `bson:"_id"`
	DoctorID        string               `bson:"doctor_id"`
	SpecialtyID     string               `bson:"specialty_id"`
	Date            string               `bson:"date"`
	Time            string               `bson:"time"`
	State           string               `bson:"state"`
	PatientID       string               `bson:"patient_id,omitempty"`
	Insurance       *insuranceDocument   `bson:"insurance,omitempty"`
	PricePaid       primitive.Decimal128 `bson:"price_paid"`
	CalendarEventID string               `bson:"calendar_event_id,omitempty"`
	CreatedAt       time.Time            `bson:"created_at"`
	UpdatedAt       time.Time            `bson:"updated_at"`
}

func (d *slotDocument) toSlot() *Slot {
	s := &Slot{
		ID:              d.ID,
		DoctorID:        d.DoctorID,
		SpecialtyID:     d.SpecialtyID,
		Date:            d.Date,
		Time:            d.Time,
		State:           SlotState(d.State),
		PatientID:       d.PatientID,
		CalendarEventID: d.CalendarEventID,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
	if d.Insurance != nil {
		s.Insurance = &Insurance{Name: d.Insurance.Name, MemberNumber: d.Insurance.MemberNumber}
	}
	if price, err := decimal.NewFromString(d.PricePaid.String()); err == nil {
		s.PricePaid = price
	}
	return s
}

func toDecimal128(d decimal.Decimal) primitive.Decimal128 {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.NewDecimal128(0, 0)
	}
	return v
}

type patientDocument struct {
	ID       string `bson:"_id"`
	Name     string `bson:"name"`
	LastName string `bson:"last_name"`
	Email    string `bson:"email"`
	Role     string `bson:"role"`
}

type profileDocument struct {
	PatientID  string `bson:"_id"`
	DocumentID string `bson:"document_id"`
	Phone      string `bson:"phone"`
}

type doctorDocument struct {
	ID          string `bson:"_id"`
	FirstName   string `bson:"first_name"`
	LastName    string `bson:"last_name"`
	SpecialtyID string `bson:"specialty_id"`
}

type specialtyDocument struct {
	ID   string `bson:"_id"`
	Name string `bson:"name"`
}

type eventDocument struct {
	ID        string    `bson:"_id"`
	EventType string    `bson:"event_type"`
	SlotID    string    `bson:"slot_id,omitempty"`
	Payload   string    `bson:"payload"`
	CreatedAt time.Time `bson:"created_at"`
}

// Helpers

func findOneSlot(res *mongo.SingleResult) (*Slot, error) {
	var doc slotDocument
	if err := res.Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	return doc.toSlot(), nil
}

func (r *MongoRepository) findSlots(ctx context.Context, filter bson.M, sort bson.D) ([]Slot, error) {
	cur, err := r.slots.Find(ctx, filter, options.Find().SetSort(sort))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := make([]Slot, 0)
	for cur.Next(ctx) {
		var doc slotDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, *doc.toSlot())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var chronological = bson.D{{Key: "date", Value: 1}, {Key: "time", Value: 1}}

// Interface methods

func (r *MongoRepository) GetSlot(ctx context.Context, id string) (*Slot, error) {
	return findOneSlot(r.slots.FindOne(ctx, bson.M{"_id": id}))
}

func (r *MongoRepository) FindSlotAt(ctx context.Context, doctorID, date, tm, excludeID string) (*Slot, error) {
	filter := bson.M{"doctor_id": doctorID, "date": date, "time": tm}
	if excludeID != "" {
		filter["_id"] = bson.M{"$ne": excludeID}
	}
	return findOneSlot(r.slots.FindOne(ctx, filter))
}

func (r *MongoRepository) FindSlotByCalendarEvent(ctx context.Context, eventID string) (*Slot, error) {
	if eventID == "" {
		return nil, ErrSlotNotFound
	}
	return findOneSlot(r.slots.FindOne(ctx, bson.M{"calendar_event_id": eventID}))
}

func (r *MongoRepository) CreateSlot(ctx context.Context, slot *Slot) error {
	if slot.ID == "" {
		slot.ID = uuid.NewString()
	}
	if slot.State == "" {
		slot.State = StateAvailable
	}
	now := time.Now().UTC()
	slot.CreatedAt = now
	slot.UpdatedAt = now

	_, err := r.slots.InsertOne(ctx, slotDocument{
		ID:          slot.ID,
		DoctorID:    slot.DoctorID,
		SpecialtyID: slot.SpecialtyID,
		Date:        slot.Date,
		Time:        slot.Time,
		State:       string(slot.State),
		PricePaid:   toDecimal128(slot.PricePaid),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrSlotConflict
		}
		return fmt.Errorf("insert slot: %w", err)
	}
	return nil
}

// BookSlot only matches a slot that is still available, so exactly one of
// several concurrent callers gets a document back.
func (r *MongoRepository) BookSlot(ctx context.Context, id string, b Booking) (*Slot, error) {
	filter := bson.M{"_id": id, "state": string(StateAvailable)}
	update := bson.M{"$set": bson.M{
		"state":      string(StateOccupied),
		"patient_id": b.PatientID,
		"insurance": insuranceDocument{
			Name:         b.Insurance.Name,
			MemberNumber: b.Insurance.MemberNumber,
		},
		"price_paid":        toDecimal128(b.PricePaid),
		"calendar_event_id": b.CalendarEventID,
		"updated_at":        time.Now().UTC(),
	}}

	slot, err := findOneSlot(r.slots.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)))
	if err == nil {
		return slot, nil
	}
	if !errors.Is(err, ErrSlotNotFound) {
		return nil, fmt.Errorf("book slot: %w", err)
	}

	n, err := r.slots.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return nil, fmt.Errorf("count slot: %w", err)
	}
	if n == 0 {
		return nil, ErrSlotNotFound
	}
	return nil, ErrSlotNotAvailable
}

func (r *MongoRepository) RescheduleSlot(ctx context.Context, id string, change SlotChange) (*Slot, error) {
	set := bson.M{
		"doctor_id":  change.DoctorID,
		"date":       change.Date,
		"time":       change.Time,
		"updated_at": time.Now().UTC(),
	}
	if change.SpecialtyID != "" {
		set["specialty_id"] = change.SpecialtyID
	}

	slot, err := findOneSlot(r.slots.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrSlotConflict
		}
		if errors.Is(err, ErrSlotNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("reschedule slot: %w", err)
	}
	return slot, nil
}

func (r *MongoRepository) DeleteSlot(ctx context.Context, id string) (*Slot, error) {
	slot, err := findOneSlot(r.slots.FindOneAndDelete(ctx, bson.M{"_id": id}))
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("delete slot: %w", err)
	}
	return slot, nil
}

func (r *MongoRepository) ListSlotsByPatient(ctx context.Context, patientID string) ([]Slot, error) {
	return r.findSlots(ctx, bson.M{"patient_id": patientID},
		bson.D{{Key: "date", Value: -1}, {Key: "time", Value: 1}})
}

func (r *MongoRepository) ListAvailableByDoctor(ctx context.Context, doctorID string) ([]Slot, error) {
	return r.findSlots(ctx, bson.M{"doctor_id": doctorID, "state": string(StateAvailable)}, chronological)
}

func (r *MongoRepository) ListSlots(ctx context.Context) ([]Slot, error) {
	return r.findSlots(ctx, bson.M{}, chronological)
}

func (r *MongoRepository) GetPatient(ctx context.Context, id string) (*Patient, error) {
	return r.findPatient(ctx, bson.M{"_id": id})
}

func (r *MongoRepository) GetPatientByEmail(ctx context.Context, email string) (*Patient, error) {
	return r.findPatient(ctx, bson.M{"email": strings.ToLower(strings.TrimSpace(email))})
}

func (r *MongoRepository) findPatient(ctx context.Context, filter bson.M) (*Patient, error) {
	var doc patientDocument
	if err := r.patients.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &Patient{ID: doc.ID, Name: doc.Name, LastName: doc.LastName, Email: doc.Email, Role: doc.Role}, nil
}

func (r *MongoRepository) GetPatientProfile(ctx context.Context, patientID string) (*PatientProfile, error) {
	var doc profileDocument
	if err := r.profiles.FindOne(ctx, bson.M{"_id": patientID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return &PatientProfile{PatientID: doc.PatientID, DocumentID: doc.DocumentID, Phone: doc.Phone}, nil
}

func (r *MongoRepository) GetDoctor(ctx context.Context, id string) (*Doctor, error) {
	var doc doctorDocument
	if err := r.doctors.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	return &Doctor{ID: doc.ID, FirstName: doc.FirstName, LastName: doc.LastName, SpecialtyID: doc.SpecialtyID}, nil
}

func (r *MongoRepository) GetSpecialty(ctx context.Context, id string) (*Specialty, error) {
	var doc specialtyDocument
	if err := r.specialties.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSpecialtyNotFound
		}
		return nil, err
	}
	return &Specialty{ID: doc.ID, Name: doc.Name}, nil
}

func upsertByID(ctx context.Context, coll *mongo.Collection, id string, doc any) error {
	_, err := coll.ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	return err
}

func (r *MongoRepository) SaveSpecialty(ctx context.Context, sp *Specialty) error {
	if sp.ID == "" {
		sp.ID = uuid.NewString()
	}
	if err := upsertByID(ctx, r.specialties, sp.ID, specialtyDocument{ID: sp.ID, Name: sp.Name}); err != nil {
		return fmt.Errorf("save specialty: %w", err)
	}
	return nil
}

func (r *MongoRepository) SaveDoctor(ctx context.Context, d *Doctor) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	doc := doctorDocument{ID: d.ID, FirstName: d.FirstName, LastName: d.LastName, SpecialtyID: d.SpecialtyID}
	if err := upsertByID(ctx, r.doctors, d.ID, doc); err != nil {
		return fmt.Errorf("save doctor: %w", err)
	}
	return nil
}

func (r *MongoRepository) SavePatient(ctx context.Context, p *Patient) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	doc := patientDocument{ID: p.ID, Name: p.Name, LastName: p.LastName, Email: p.Email, Role: p.Role}
	if err := upsertByID(ctx, r.patients, p.ID, doc); err != nil {
		return fmt.Errorf("save patient: %w", err)
	}
	return nil
}

func (r *MongoRepository) SavePatientProfile(ctx context.Context, pp *PatientProfile) error {
	doc := profileDocument{PatientID: pp.PatientID, DocumentID: pp.DocumentID, Phone: pp.Phone}
	if err := upsertByID(ctx, r.profiles, pp.PatientID, doc); err != nil {
		return fmt.Errorf("save patient profile: %w", err)
	}
	return nil
}

func (r *MongoRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	_, err := r.events.InsertOne(ctx, eventDocument{
		ID:        ev.ID,
		EventType: ev.EventType,
		SlotID:    ev.SlotID,
		Payload:   string(ev.Payload),
		CreatedAt: ev.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func (r *MongoRepository) ListEvents(ctx context.Context, eventType string) ([]EventLog, error) {
	filter := bson.M{}
	if eventType != "" {
		filter["event_type"] = eventType
	}

	cur, err := r.events.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer cur.Close(ctx)

	out := make([]EventLog, 0)
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, EventLog{
			ID:        doc.ID,
			EventType: doc.EventType,
			SlotID:    doc.SlotID,
			Payload:   []byte(doc.Payload),
			CreatedAt: doc.CreatedAt,
		})
	}
	return out, cur.Err()
}

func (r *MongoRepository) Ping(ctx context.Context) error {
	return r.db.Client().Ping(ctx, nil)
}
