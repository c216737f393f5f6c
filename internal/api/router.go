package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/hackgods/turnos/internal/auth"
	"github.com/hackgods/turnos/internal/payment"
	"github.com/hackgods/turnos/internal/turno"
)

type RouterConfig struct {
	Service        SlotService
	Verifier       *auth.Verifier
	Signatures     *payment.SignatureVerifier
	Store          Pinger
	Redis          Pinger
	Logger         *zap.Logger
	Env            string
	Version        string
	CORSOrigins    []string
	RateLimit      int
	RequestTimeout time.Duration
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if cfg.RateLimit > 0 {
		r.Use(httprate.LimitByIP(cfg.RateLimit, time.Second))
	}
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	health := NewHealthHandler(cfg.Store, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	h := NewHandler(cfg.Service, cfg.Signatures, log)

	// The payment provider calls these without a bearer token.
	r.Post("/webhook", h.paymentWebhook)
	r.Post("/payments/webhook", h.paymentWebhook)

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(cfg.Verifier))

		r.Post("/payments/preference", h.createPreference)

		r.Route("/slots", func(r chi.Router) {
			r.Post("/direct-reservation", h.directReservation)
			r.Post("/{id}/reserve", h.pricedReservation)
			r.Get("/doctor/{doctorID}/available", h.availableByDoctor)
			r.Get("/patient/{patientID}", h.slotsByPatient)

			r.Group(func(r chi.Router) {
				r.Use(RequireRole(turno.RoleAdmin))
				r.Get("/", h.listSlots)
				r.Post("/", h.createSlot)
				r.Put("/{id}", h.updateSlot)
				r.Delete("/{id}", h.deleteSlot)
			})
		})
	})

	return r
}
