package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/turnos/internal/auth"
	"github.com/hackgods/turnos/internal/calendar"
	"github.com/hackgods/turnos/internal/payment"
	"github.com/hackgods/turnos/internal/pricing"
	"github.com/hackgods/turnos/internal/turno"
)

const testSecret = "test-secret"

type stubCalendar struct {
	mu  sync.Mutex
	seq int
	err error
}

func (c *stubCalendar) Create(context.Context, calendar.Event) (*calendar.Created, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.seq++
	id := fmt.Sprintf("ev-%d", c.seq)
	return &calendar.Created{ID: id, HTMLLink: "https://calendar.test/" + id}, nil
}

func (c *stubCalendar) Update(context.Context, string, calendar.Change) error { return c.err }
func (c *stubCalendar) Delete(context.Context, string) error                  { return c.err }

type stubPayments struct {
	mu       sync.Mutex
	payments map[string]*payment.Payment
	prefErr  error
}

func (p *stubPayments) CreatePreference(context.Context, payment.Preference) (*payment.PreferenceResult, error) {
	if p.prefErr != nil {
		return nil, p.prefErr
	}
	return &payment.PreferenceResult{ID: "pref-1", InitPoint: "https://mp.test/init"}, nil
}

func (p *stubPayments) GetPayment(_ context.Context, id string) (*payment.Payment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pay, ok := p.payments[id]; ok {
		return pay, nil
	}
	return nil, payment.ErrPaymentNotFound
}

type testServer struct {
	handler  http.Handler
	repo     *turno.MemoryRepository
	cal      *stubCalendar
	pay      *stubPayments
	doctor   *turno.Doctor
	patient  *turno.Patient
	slotID   string
	mpSecret string
}

func newTestServer(t *testing.T, mpSecret string) *testServer {
	t.Helper()
	ctx := context.Background()

	repo := turno.NewMemoryRepository()
	sp := &turno.Specialty{Name: "Clínica"}
	require.NoError(t, repo.SaveSpecialty(ctx, sp))
	doc := &turno.Doctor{FirstName: "Luis", LastName: "Díaz", SpecialtyID: sp.ID}
	require.NoError(t, repo.SaveDoctor(ctx, doc))
	pat := &turno.Patient{Name: "Sol", LastName: "Ruiz", Email: "sol@example.com", Role: turno.RolePatient}
	require.NoError(t, repo.SavePatient(ctx, pat))
	slot := &turno.Slot{DoctorID: doc.ID, SpecialtyID: sp.ID, Date: "2025-04-01", Time: "10:00"}
	require.NoError(t, repo.CreateSlot(ctx, slot))

	cal := &stubCalendar{}
	pay := &stubPayments{payments: map[string]*payment.Payment{}}
	policy := pricing.NewPolicy(decimal.NewFromInt(5000), pricing.DefaultReservation(), pricing.DefaultCheckout())
	svc := turno.NewService(repo, cal, pay, turno.NewLocalLocker(), policy, turno.Settings{FrontendURL: "http://front.test"}, zap.NewNop())

	handler := NewRouter(RouterConfig{
		Service:     svc,
		Verifier:    auth.NewVerifier(testSecret),
		Signatures:  payment.NewSignatureVerifier(mpSecret),
		Store:       repo,
		Env:         "test",
		Version:     "v-test",
		CORSOrigins: []string{"*"},
	})

	return &testServer{
		handler:  handler,
		repo:     repo,
		cal:      cal,
		pay:      pay,
		doctor:   doc,
		patient:  pat,
		slotID:   slot.ID,
		mpSecret: mpSecret,
	}
}

func token(t *testing.T, id, role string) string {
	t.Helper()
	tok, err := auth.Issue(testSecret, auth.Claims{ID: id, Nombre: "x", Email: id + "@example.com", Rol: role}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestDirectReservation(t *testing.T) {
	s := newTestServer(t, "")
	tok := token(t, s.patient.ID, turno.RolePatient)

	rec := s.do(t, http.MethodPost, "/slots/direct-reservation", tok, map[string]any{
		"slot_id":    s.slotID,
		"patient_id": s.patient.ID,
		"insurance":  map[string]string{"name": "OSDE", "member_number": "77"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[ReservationResponse](t, rec)
	assert.Equal(t, "occupied", resp.Slot.State)
	assert.Equal(t, s.patient.ID, resp.Slot.PatientID)
	assert.Equal(t, 0.0, resp.Slot.PricePaid)
	require.NotNil(t, resp.Slot.Insurance)
	assert.Equal(t, "77", resp.Slot.Insurance.MemberNumber)
	assert.Equal(t, "https://calendar.test/ev-1", resp.CalendarLink)

	rec = s.do(t, http.MethodPost, "/slots/direct-reservation", tok, map[string]any{
		"slot_id":    s.slotID,
		"patient_id": s.patient.ID,
		"insurance":  map[string]string{"name": "OSDE"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "slot_not_available", decode[ErrorResponse](t, rec).Error)
}

func TestReservationRequestErrors(t *testing.T) {
	s := newTestServer(t, "")
	patientTok := token(t, s.patient.ID, turno.RolePatient)

	cases := []struct {
		name   string
		bearer string
		body   any
		status int
		code   string
	}{
		{"no token", "", map[string]any{"slot_id": s.slotID}, http.StatusUnauthorized, "missing_token"},
		{"bad token", "garbage", map[string]any{"slot_id": s.slotID}, http.StatusUnauthorized, "invalid_token"},
		{"malformed json", patientTok, "{", http.StatusBadRequest, "invalid_request_body"},
		{"missing insurance", patientTok, map[string]any{"slot_id": s.slotID, "patient_id": s.patient.ID}, http.StatusBadRequest, "validation_failed"},
		{"blank insurance", patientTok, map[string]any{"slot_id": s.slotID, "patient_id": s.patient.ID, "insurance": map[string]string{"name": "  "}}, http.StatusBadRequest, "invalid_insurance"},
		{"someone else", patientTok, map[string]any{"slot_id": s.slotID, "patient_id": "other", "insurance": map[string]string{"name": "OSDE"}}, http.StatusForbidden, "forbidden"},
		{"unknown slot", patientTok, map[string]any{"slot_id": "nope", "patient_id": s.patient.ID, "insurance": map[string]string{"name": "OSDE"}}, http.StatusNotFound, "slot_not_found"},
		{"unknown patient", token(t, "admin-1", turno.RoleAdmin), map[string]any{"slot_id": s.slotID, "patient_id": "ghost", "insurance": map[string]string{"name": "OSDE"}}, http.StatusNotFound, "patient_not_found"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/slots/direct-reservation", tc.bearer, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, decode[ErrorResponse](t, rec).Error)
		})
	}

	rec := s.do(t, http.MethodPost, "/slots/direct-reservation", patientTok, map[string]any{"patient_id": s.patient.ID, "insurance": map[string]string{}})
	resp := decode[ErrorResponse](t, rec)
	assert.Contains(t, resp.Details, "slot_id is required")
	assert.Contains(t, resp.Details, "insurance.name is required")
}

func TestPricedReservationAndCalendarFailure(t *testing.T) {
	s := newTestServer(t, "")
	tok := token(t, s.patient.ID, turno.RolePatient)
	body := map[string]any{"patient_id": s.patient.ID, "insurance": map[string]string{"name": "IOSFA"}}

	s.cal.err = errors.New("calendar down")
	rec := s.do(t, http.MethodPost, "/slots/"+s.slotID+"/reserve", tok, body)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "calendar_unavailable", decode[ErrorResponse](t, rec).Error)

	s.cal.err = nil
	rec = s.do(t, http.MethodPost, "/slots/"+s.slotID+"/reserve", tok, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 4000.0, decode[ReservationResponse](t, rec).Slot.PricePaid)
}

func TestPaymentPreference(t *testing.T) {
	s := newTestServer(t, "")
	tok := token(t, s.patient.ID, turno.RolePatient)

	rec := s.do(t, http.MethodPost, "/payments/preference", tok, map[string]any{
		"slot_id": s.slotID, "insurance_name": "OSDE", "payer_email": "sol@example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"fully_covered":true,"price":0,"init_point":null}`, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/payments/preference", tok, map[string]any{
		"slot_id": s.slotID, "insurance_name": "Particular", "payer_email": "sol@example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[PreferenceResponse](t, rec)
	assert.False(t, resp.FullyCovered)
	assert.Equal(t, 5000.0, resp.Price)
	require.NotNil(t, resp.InitPoint)
	assert.Equal(t, "https://mp.test/init", *resp.InitPoint)

	rec = s.do(t, http.MethodPost, "/payments/preference", tok, map[string]any{
		"slot_id": s.slotID, "insurance_name": "Particular", "payer_email": "not-an-email",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.pay.prefErr = errors.New("401 from provider")
	rec = s.do(t, http.MethodPost, "/payments/preference", tok, map[string]any{
		"slot_id": s.slotID, "insurance_name": "Particular",
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "payment_provider_unavailable", decode[ErrorResponse](t, rec).Error)
}

func approvedPayment(id, slotID, email string) *payment.Payment {
	return &payment.Payment{
		ID:                id,
		Status:            payment.StatusApproved,
		PayerEmail:        email,
		TransactionAmount: decimal.NewFromInt(4000),
		Metadata:          map[string]any{payment.MetadataSlotID: slotID, payment.MetadataInsuranceName: "IOSFA"},
	}
}

func TestWebhookBooksAndAcknowledges(t *testing.T) {
	s := newTestServer(t, "")
	s.pay.payments["555"] = approvedPayment("555", s.slotID, "sol@example.com")

	rec := s.do(t, http.MethodPost, "/webhook", "", `{"type":"payment","data":{"id":555}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, WebhookResponse{Outcome: "booked", PaymentID: "555", SlotID: s.slotID}, decode[WebhookResponse](t, rec))

	rec = s.do(t, http.MethodPost, "/payments/webhook", "", `{"type":"payment","data":{"id":"555"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decode[WebhookResponse](t, rec).Outcome)

	rec = s.do(t, http.MethodPost, "/webhook?topic=merchant_order&id=9", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decode[WebhookResponse](t, rec).Outcome)

	stored, err := s.repo.GetSlot(context.Background(), s.slotID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(4000).Equal(stored.PricePaid))
}

func TestWebhookQueryStringNotification(t *testing.T) {
	s := newTestServer(t, "")
	s.pay.payments["777"] = approvedPayment("777", s.slotID, "sol@example.com")

	rec := s.do(t, http.MethodPost, "/webhook?type=payment&data.id=777", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "booked", decode[WebhookResponse](t, rec).Outcome)
}

func TestWebhookSignature(t *testing.T) {
	s := newTestServer(t, "mp-secret")
	s.pay.payments["555"] = approvedPayment("555", s.slotID, "sol@example.com")
	verifier := payment.NewSignatureVerifier("mp-secret")

	send := func(signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhook?data.id=555&type=payment", bytes.NewBufferString(`{"type":"payment","data":{"id":"555"}}`))
		req.Header.Set("x-request-id", "req-1")
		if signature != "" {
			req.Header.Set("x-signature", signature)
		}
		rec := httptest.NewRecorder()
		s.handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, send("").Code)
	assert.Equal(t, http.StatusUnauthorized, send("ts=1700000000,v1=deadbeef").Code)

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	rec := send(verifier.Sign("555", "req-1", ts))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "booked", decode[WebhookResponse](t, rec).Outcome)
}

func TestWebhookFailureAsksForRetry(t *testing.T) {
	s := newTestServer(t, "")
	s.pay.payments["555"] = approvedPayment("555", s.slotID, "sol@example.com")
	s.cal.err = errors.New("calendar down")

	rec := s.do(t, http.MethodPost, "/webhook", "", `{"type":"payment","data":{"id":"555"}}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "webhook_failed", decode[ErrorResponse](t, rec).Error)
}

func TestWebhookAcknowledgesMalformedNotifications(t *testing.T) {
	s := newTestServer(t, "")

	bodies := map[string]string{
		"truncated json":  `{"type":`,
		"object data id":  `{"type":"payment","data":{"id":{"x":1}}}`,
		"not json at all": `not json`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/webhook", "", body)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, "ignored", decode[WebhookResponse](t, rec).Outcome)
		})
	}

	slot, err := s.repo.GetSlot(context.Background(), s.slotID)
	require.NoError(t, err)
	assert.Equal(t, turno.StateAvailable, slot.State)
	assert.Zero(t, s.cal.seq, "no calendar event for an ignored notification")
}

type inFlightService struct{ SlotService }

func (inFlightService) HandlePaymentNotification(context.Context, payment.Notification) (turno.WebhookResult, error) {
	return turno.WebhookResult{}, turno.ErrPaymentInFlight
}

func TestWebhookInFlightIsAcknowledged(t *testing.T) {
	handler := NewRouter(RouterConfig{
		Service:    inFlightService{},
		Verifier:   auth.NewVerifier(testSecret),
		Store:      turno.NewMemoryRepository(),
		Signatures: payment.NewSignatureVerifier(""),
	})

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(`{"type":"payment","data":{"id":"1"}}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[WebhookResponse](t, rec)
	assert.Equal(t, "in_progress", res.Outcome)
	assert.Equal(t, "1", res.PaymentID)
}

func TestAdminSlotManagement(t *testing.T) {
	s := newTestServer(t, "")
	admin := token(t, "admin-1", turno.RoleAdmin)
	patient := token(t, s.patient.ID, turno.RolePatient)

	rec := s.do(t, http.MethodPost, "/slots", patient, map[string]any{"doctor_id": s.doctor.ID, "date": "2025-04-02", "time": "09:00"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/slots", admin, map[string]any{"doctor_id": s.doctor.ID, "date": "2025-04-02", "time": "9:00"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[SlotResponse](t, rec)
	assert.Equal(t, "09:00", created.Time)
	assert.Equal(t, "available", created.State)

	rec = s.do(t, http.MethodPost, "/slots", admin, map[string]any{"doctor_id": s.doctor.ID, "date": "2025-04-02", "time": "09:00"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/slots", admin, map[string]any{"doctor_id": s.doctor.ID, "date": "02/04/2025", "time": "09:00"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_slot", decode[ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodPut, "/slots/"+created.ID, admin, map[string]any{"date": "2025-04-01", "time": "10:00"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPut, "/slots/"+created.ID, admin, map[string]any{"date": "2025-04-03", "time": "11:30"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2025-04-03", decode[SlotResponse](t, rec).Date)

	rec = s.do(t, http.MethodGet, "/slots", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]SlotDetailResponse](t, rec)
	require.Len(t, list, 2)
	assert.Equal(t, "Díaz", list[0].Doctor.LastName)

	rec = s.do(t, http.MethodDelete, "/slots/"+created.ID, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodDelete, "/slots/"+created.ID, admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSlotListings(t *testing.T) {
	s := newTestServer(t, "")
	patient := token(t, s.patient.ID, turno.RolePatient)
	doctor := token(t, s.doctor.ID, turno.RoleDoctor)

	rec := s.do(t, http.MethodGet, "/slots/doctor/"+s.doctor.ID+"/available", patient, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]SlotDetailResponse](t, rec), 1)

	rec = s.do(t, http.MethodPost, "/slots/direct-reservation", patient, map[string]any{
		"slot_id": s.slotID, "patient_id": s.patient.ID, "insurance": map[string]string{"name": "OSDE"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/slots/patient/"+s.patient.ID, patient, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mine := decode[[]SlotDetailResponse](t, rec)
	require.Len(t, mine, 1)
	assert.Equal(t, "Clínica", mine[0].Specialty.Name)
	assert.Nil(t, mine[0].Patient)

	rec = s.do(t, http.MethodGet, "/slots/patient/"+s.patient.ID, doctor, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/slots/patient/someone-else", patient, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodGet, "/health/live", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","version":"v-test","env":"test"}`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/health/ready", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]string{"store": "ok"}, decode[ReadinessResponse](t, rec).Dependencies)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadinessReportsDependencies(t *testing.T) {
	down := PingFunc(func(context.Context) error { return errors.New("down") })
	up := PingFunc(func(context.Context) error { return nil })

	cases := []struct {
		name   string
		store  Pinger
		redis  Pinger
		status int
		want   string
	}{
		{"redis down", up, down, http.StatusOK, "degraded"},
		{"store down", down, up, http.StatusServiceUnavailable, "error"},
		{"all up", up, up, http.StatusOK, "ok"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthHandler(tc.store, tc.redis, "test", "")
			rec := httptest.NewRecorder()
			h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.want, decode[ReadinessResponse](t, rec).Status)
		})
	}
}
