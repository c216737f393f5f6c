package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/turnos/internal/api"
	"github.com/hackgods/turnos/internal/auth"
	"github.com/hackgods/turnos/internal/calendar"
	"github.com/hackgods/turnos/internal/config"
	"github.com/hackgods/turnos/internal/db"
	"github.com/hackgods/turnos/internal/logger"
	"github.com/hackgods/turnos/internal/messaging"
	"github.com/hackgods/turnos/internal/payment"
	"github.com/hackgods/turnos/internal/pricing"
	redisclient "github.com/hackgods/turnos/internal/redis"
	"github.com/hackgods/turnos/internal/turno"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "api-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("store", cfg.StoreDriver),
		zap.String("version", version),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.OpenStore(rootCtx, cfg, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	var (
		locker    redisclient.Locker
		redisPing api.Pinger
	)
	if cfg.RedisAddr != "" {
		rdb, err := redisclient.Connect(rootCtx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			return fmt.Errorf("redis connection: %w", err)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn("closing redis", zap.Error(err))
			}
		}()
		locker = redisclient.NewRedisLocker(rdb, cfg.LockTTL)
		redisPing = api.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	} else {
		log.Warn("REDIS_ADDR not set, payment locks only hold within this process")
		locker = turno.NewLocalLocker()
	}

	cal, err := calendar.NewGoogleGateway(rootCtx, cfg.GoogleCalendarID, calendar.CredentialOptions(cfg.GoogleCredentialsFile)...)
	if err != nil {
		return fmt.Errorf("google calendar: %w", err)
	}
	payments := payment.NewMercadoPago(cfg.MercadoPagoBaseURL, cfg.MercadoPagoAccessToken, 15*time.Second)

	policy := pricing.NewPolicy(cfg.BasePrice, cfg.ReservationDiscounts, cfg.CheckoutDiscounts)
	svc := turno.NewService(store.Repo, cal, payments, locker, policy, turno.Settings{
		Location:    cfg.Location(),
		TimeZone:    cfg.TimeZone,
		FrontendURL: cfg.FrontendURL,
	}, log)

	if cfg.AMQPURL != "" {
		pub, err := messaging.NewPublisher(cfg.AMQPURL, cfg.EventsQueue)
		if err != nil {
			return fmt.Errorf("rabbitmq: %w", err)
		}
		defer func() {
			if err := pub.Close(); err != nil {
				log.Warn("closing rabbitmq", zap.Error(err))
			}
		}()
		svc.SetPublisher(pub)
		log.Info("publishing booking events", zap.String("queue", cfg.EventsQueue))
	}

	signatures := payment.NewSignatureVerifier(cfg.MercadoPagoWebhookSecret)
	if !signatures.Enabled() {
		log.Warn("MERCADO_PAGO_WEBHOOK_SECRET not set, webhook signatures are not verified")
	}

	router := api.NewRouter(api.RouterConfig{
		Service:        svc,
		Verifier:       auth.NewVerifier(cfg.JWTSecret),
		Signatures:     signatures,
		Store:          store.Repo,
		Redis:          redisPing,
		Logger:         log,
		Env:            cfg.Env,
		Version:        version,
		CORSOrigins:    cfg.CORSOrigins,
		RateLimit:      cfg.RateLimit,
		RequestTimeout: cfg.RequestTimeout,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-rootCtx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Info("shutting down api-server", zap.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
