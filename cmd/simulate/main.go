// Command simulate drives concurrent reservations against a running
// api-server and then checks the store: no slot may end up booked twice and
// no booking may leave a second calendar event behind.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/hackgods/turnos/internal/auth"
	"github.com/hackgods/turnos/internal/config"
	"github.com/hackgods/turnos/internal/db"
	"github.com/hackgods/turnos/internal/logger"
	"github.com/hackgods/turnos/internal/turno"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	DirectRatio  float64
	PricedRatio  float64
	ReadRatio    float64
	Patients     int
	SlotLimit    int
	JWTSecret    string
	Insurances   []string
	RequestLimit time.Duration
}

type simPatient struct {
	ID    string
	Token string
}

type DataPool struct {
	Patients []simPatient
	Slots    []string
	Doctors  []string
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Direct        OperationMetrics
	Priced        OperationMetrics
	ListAvailable OperationMetrics
	ListByPatient OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     *zap.Logger
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(baseCfg.Env, baseCfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cfg := loadConfig(baseCfg)
	if err := validateConfig(cfg, baseCfg); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}
	log.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Float64("direct", cfg.DirectRatio),
		zap.Float64("priced", cfg.PricedRatio),
		zap.Float64("read", cfg.ReadRatio),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := db.OpenStore(ctx, baseCfg, log)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer store.Close()

	dataPool, err := loadDataPool(ctx, store.Repo, cfg)
	if err != nil {
		log.Fatal("load data pool", zap.Error(err))
	}
	log.Info("data pool loaded",
		zap.Int("patients", len(dataPool.Patients)),
		zap.Int("slots", len(dataPool.Slots)),
	)

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: cfg.RequestLimit},
		log:    log,
	}
	sim.Run()
	sim.PrintReport()

	checkCtx, checkCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer checkCancel()
	if err := verifyBookings(checkCtx, store.Repo, dataPool.Slots); err != nil {
		log.Fatal("booking invariant violated", zap.Error(err))
	}
	fmt.Println("booking invariant holds: every slot was booked at most once")
}

func loadConfig(base config.Config) SimConfig {
	cfg := SimConfig{
		APIBaseURL:   strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:"+base.HTTPPort), "/"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		DirectRatio:  getFloat("SIM_DIRECT_RATIO", 0.4),
		PricedRatio:  getFloat("SIM_PRICED_RATIO", 0.3),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.3),
		Patients:     getInt("SIM_PATIENTS", 50),
		SlotLimit:    getInt("SIM_SLOT_LIMIT", 40),
		JWTSecret:    base.JWTSecret,
		Insurances:   []string{"OSDE", "Swiss Medical", "IOSFA", "Otra", "Particular"},
		RequestLimit: getDuration("SIM_REQUEST_TIMEOUT", 20*time.Second),
	}

	total := cfg.DirectRatio + cfg.PricedRatio + cfg.ReadRatio
	if total > 0 {
		cfg.DirectRatio /= total
		cfg.PricedRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig, base config.Config) error {
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required to mint patient tokens")
	}
	if base.StoreDriver == config.StoreMemory {
		return fmt.Errorf("STORE_DRIVER=memory cannot be shared with the api-server")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

// loadDataPool registers throwaway patients and picks a small set of free
// slots so that workers collide on them.
func loadDataPool(ctx context.Context, repo turno.Repository, cfg SimConfig) (*DataPool, error) {
	pool := &DataPool{}
	faker := gofakeit.New(0)
	run := strconv.FormatInt(time.Now().Unix(), 36)

	for i := 0; i < cfg.Patients; i++ {
		p := &turno.Patient{
			Name:     faker.FirstName(),
			LastName: faker.LastName(),
			Email:    fmt.Sprintf("sim-%s-%d@turnos.test", run, i),
			Role:     turno.RolePatient,
		}
		if err := repo.SavePatient(ctx, p); err != nil {
			return nil, fmt.Errorf("save patient: %w", err)
		}
		token, err := auth.Issue(cfg.JWTSecret, auth.Claims{
			ID:     p.ID,
			Nombre: p.Name,
			Email:  p.Email,
			Rol:    turno.RolePatient,
		}, cfg.Duration+time.Hour)
		if err != nil {
			return nil, fmt.Errorf("issue token: %w", err)
		}
		pool.Patients = append(pool.Patients, simPatient{ID: p.ID, Token: token})
	}

	slots, err := repo.ListSlots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	doctors := make(map[string]bool)
	for _, s := range slots {
		if s.State != turno.StateAvailable {
			continue
		}
		pool.Slots = append(pool.Slots, s.ID)
		if !doctors[s.DoctorID] {
			doctors[s.DoctorID] = true
			pool.Doctors = append(pool.Doctors, s.DoctorID)
		}
		if len(pool.Slots) >= cfg.SlotLimit {
			break
		}
	}

	if len(pool.Patients) == 0 {
		return nil, fmt.Errorf("no patients created")
	}
	if len(pool.Slots) == 0 {
		return nil, fmt.Errorf("no available slots, run cmd/seed first")
	}
	return pool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info("starting simulation", zap.Duration("duration", s.config.Duration), zap.Int("workers", s.config.Workers))

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.DirectRatio:
				s.doReserve(ctx, rng, false)
			case r < s.config.DirectRatio+s.config.PricedRatio:
				s.doReserve(ctx, rng, true)
			case rng.Intn(2) == 0:
				s.doListAvailable(ctx, rng)
			default:
				s.doListByPatient(ctx, rng)
			}
		}
	}
}

func (s *Simulator) doReserve(ctx context.Context, rng *rand.Rand, priced bool) {
	slotID := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	patient := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	insurance := map[string]string{"name": s.config.Insurances[rng.Intn(len(s.config.Insurances))]}

	path := "/slots/direct-reservation"
	body := map[string]any{"slot_id": slotID, "patient_id": patient.ID, "insurance": insurance}
	metrics := &s.metrics.Direct
	if priced {
		path = "/slots/" + slotID + "/reserve"
		body = map[string]any{"patient_id": patient.ID, "insurance": insurance}
		metrics = &s.metrics.Priced
	}

	status, latency, err := s.send(ctx, http.MethodPost, path, patient.Token, body)
	if ctx.Err() != nil {
		return
	}
	metrics.Record(latency, err == nil && status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) doListAvailable(ctx context.Context, rng *rand.Rand) {
	if len(s.pool.Doctors) == 0 {
		return
	}
	doctorID := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	patient := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	status, latency, err := s.send(ctx, http.MethodGet, "/slots/doctor/"+doctorID+"/available", patient.Token, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.ListAvailable.Record(latency, err == nil && status == http.StatusOK, false)
}

func (s *Simulator) doListByPatient(ctx context.Context, rng *rand.Rand) {
	patient := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	status, latency, err := s.send(ctx, http.MethodGet, "/slots/patient/"+patient.ID, patient.Token, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.ListByPatient.Record(latency, err == nil && status == http.StatusOK, false)
}

func (s *Simulator) send(ctx context.Context, method, path, token string, body any) (int, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, 0, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, latency, nil
}

// verifyBookings counts SLOT_BOOKED events per contested slot.
func verifyBookings(ctx context.Context, repo turno.Repository, slotIDs []string) error {
	contested := make(map[string]bool, len(slotIDs))
	for _, id := range slotIDs {
		contested[id] = true
	}

	events, err := repo.ListEvents(ctx, turno.EventSlotBooked)
	if err != nil {
		return fmt.Errorf("list booked events: %w", err)
	}

	bookings := make(map[string]int)
	for _, ev := range events {
		if contested[ev.SlotID] {
			bookings[ev.SlotID]++
		}
	}

	var doubled []string
	for id, n := range bookings {
		if n > 1 {
			doubled = append(doubled, fmt.Sprintf("%s (%d)", id, n))
		}
	}
	if len(doubled) > 0 {
		sort.Strings(doubled)
		return fmt.Errorf("slots booked more than once: %s", strings.Join(doubled, ", "))
	}

	orphans, err := repo.ListEvents(ctx, turno.EventCalendarOrphaned)
	if err != nil {
		return fmt.Errorf("list orphaned events: %w", err)
	}
	fmt.Printf("slots booked: %d of %d, orphaned calendar events recorded so far: %d\n",
		len(bookings), len(slotIDs), len(orphans))
	return nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Contested slots: %d\n", len(s.pool.Slots))
	fmt.Println()

	printOperationReport("Direct reservation", &s.metrics.Direct)
	printOperationReport("Priced reservation", &s.metrics.Priced)
	printOperationReport("List available by doctor", &s.metrics.ListAvailable)
	printOperationReport("List by patient", &s.metrics.ListByPatient)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
