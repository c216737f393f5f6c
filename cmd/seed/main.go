// Command seed fills an empty store with fake specialties, doctors, patients
// and a couple of weeks of weekday slots.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"go.uber.org/zap"

	"github.com/hackgods/turnos/internal/config"
	"github.com/hackgods/turnos/internal/db"
	"github.com/hackgods/turnos/internal/logger"
	"github.com/hackgods/turnos/internal/turno"
)

var specialties = []string{
	"Cardiología",
	"Clínica Médica",
	"Dermatología",
	"Pediatría",
	"Traumatología",
	"Ginecología",
	"Oftalmología",
	"Neurología",
}

// Slots are published every half hour from 09:00 to 12:30.
var dailyTimes = []string{"09:00", "09:30", "10:00", "10:30", "11:00", "11:30", "12:00", "12:30"}

type seedConfig struct {
	Doctors  int
	Patients int
	Days     int
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	sc := seedConfig{
		Doctors:  getInt("SEED_DOCTORS", 20),
		Patients: getInt("SEED_PATIENTS", 500),
		Days:     getInt("SEED_DAYS", 14),
	}
	log.Info("seed starting", zap.String("store", cfg.StoreDriver), zap.Int("doctors", sc.Doctors),
		zap.Int("patients", sc.Patients), zap.Int("days", sc.Days))

	ctx := context.Background()
	store, err := db.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer store.Close()

	if err := seed(ctx, store.Repo, sc, cfg.Location(), log); err != nil {
		log.Fatal("seed", zap.Error(err))
	}
	log.Info("seed complete")
}

func seed(ctx context.Context, repo turno.Repository, sc seedConfig, loc *time.Location, log *zap.Logger) error {
	faker := gofakeit.New(0)

	specs := make([]*turno.Specialty, 0, len(specialties))
	for _, name := range specialties {
		sp := &turno.Specialty{Name: name}
		if err := repo.SaveSpecialty(ctx, sp); err != nil {
			return fmt.Errorf("save specialty %s: %w", name, err)
		}
		specs = append(specs, sp)
	}
	log.Info("specialties seeded", zap.Int("count", len(specs)))

	doctors := make([]*turno.Doctor, 0, sc.Doctors)
	for i := 0; i < sc.Doctors; i++ {
		doc := &turno.Doctor{
			FirstName:   faker.FirstName(),
			LastName:    faker.LastName(),
			SpecialtyID: specs[faker.Number(0, len(specs)-1)].ID,
		}
		if err := repo.SaveDoctor(ctx, doc); err != nil {
			return fmt.Errorf("save doctor: %w", err)
		}
		doctors = append(doctors, doc)
	}
	log.Info("doctors seeded", zap.Int("count", len(doctors)))

	for i := 0; i < sc.Patients; i++ {
		first, last := faker.FirstName(), faker.LastName()
		p := &turno.Patient{
			Name:     first,
			LastName: last,
			// the index keeps generated emails unique
			Email: fmt.Sprintf("%s.%s.%d@%s", strings.ToLower(first), strings.ToLower(last), i, faker.DomainName()),
			Role:  turno.RolePatient,
		}
		if err := repo.SavePatient(ctx, p); err != nil {
			return fmt.Errorf("save patient: %w", err)
		}
		// Roughly two thirds of the patients filled in their clinical file.
		if faker.Number(0, 2) > 0 {
			if err := repo.SavePatientProfile(ctx, &turno.PatientProfile{
				PatientID:  p.ID,
				DocumentID: strconv.Itoa(faker.Number(20_000_000, 45_000_000)),
				Phone:      faker.Phone(),
			}); err != nil {
				return fmt.Errorf("save patient profile: %w", err)
			}
		}
		if (i+1)%100 == 0 {
			log.Info("patients seeded", zap.Int("done", i+1), zap.Int("total", sc.Patients))
		}
	}

	today := time.Now().In(loc)
	created, skipped := 0, 0
	for day := 1; day <= sc.Days; day++ {
		date := today.AddDate(0, 0, day)
		if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		for _, doc := range doctors {
			for _, clock := range dailyTimes {
				slot := &turno.Slot{
					DoctorID:    doc.ID,
					SpecialtyID: doc.SpecialtyID,
					Date:        date.Format(turno.DateLayout),
					Time:        clock,
					State:       turno.StateAvailable,
				}
				err := repo.CreateSlot(ctx, slot)
				switch {
				case err == nil:
					created++
				case errors.Is(err, turno.ErrSlotConflict):
					skipped++
				default:
					return fmt.Errorf("create slot: %w", err)
				}
			}
		}
	}
	log.Info("slots seeded", zap.Int("created", created), zap.Int("already_present", skipped))
	return nil
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
