// Command server runs the kycbridge HTTP service: it brokers identity
// verification between authenticated users and the upstream provider,
// ingesting signed decision webhooks and reconciling pending sessions.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"kycbridge/internal/audit"
	jwttoken "kycbridge/internal/jwt_token"
	"kycbridge/internal/platform/config"
	"kycbridge/internal/platform/httpserver"
	"kycbridge/internal/platform/logger"
	platformmetrics "kycbridge/internal/platform/metrics"
	"kycbridge/internal/platform/middleware"
	platformredis "kycbridge/internal/platform/redis"
	"kycbridge/internal/verification/handler"
	vermetrics "kycbridge/internal/verification/metrics"
	"kycbridge/internal/verification/provider"
	"kycbridge/internal/verification/service"
	"kycbridge/internal/verification/store/session"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := newSessionStore(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	providerClient := provider.New(cfg.Provider, log)

	auditOpts := []audit.Option{}
	if len(cfg.Kafka.Brokers) > 0 {
		sink, err := audit.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.AuditTopic)
		if err != nil {
			return fmt.Errorf("kafka audit sink: %w", err)
		}
		defer sink.Close()
		auditOpts = append(auditOpts, audit.WithSink(sink))
		log.Info("audit events published to kafka", "topic", cfg.Kafka.AuditTopic)
	}
	publisher := audit.NewPublisher(audit.NewInMemoryStore(), log, auditOpts...)

	svc := service.NewService(store, providerClient, []byte(cfg.Provider.WebhookSecret), log,
		service.WithMetrics(vermetrics.New()),
		service.WithAuditPublisher(publisher),
	)
	reconciler := service.NewReconciler(svc, cfg.Verification.PollInterval, log)

	jwtService := jwttoken.NewJWTService(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer, cfg.Server.JWTAudience)
	validator := jwttoken.NewJWTServiceAdapter(jwtService)

	h := handler.New(svc, reconciler, log)
	router := newRouter(h, validator, log)
	srv := httpserver.New(cfg.Server.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("kycbridge listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newSessionStore picks the session backend from configuration: Postgres
// when a DSN is set, then Redis, then process memory for development.
func newSessionStore(cfg config.Config, log *slog.Logger) (service.SessionStore, func(), error) {
	switch {
	case cfg.Postgres.DSN != "":
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(context.Background()); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		log.Info("session store ready", "backend", "postgres")
		return session.NewPostgres(db), func() { _ = db.Close() }, nil

	case cfg.Redis.URL != "":
		client, err := platformredis.New(cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		log.Info("session store ready", "backend", "redis")
		return session.NewRedis(client.Client), func() { _ = client.Close() }, nil

	default:
		log.Warn("no POSTGRES_DSN or REDIS_URL set, sessions held in process memory")
		return session.NewInMemory(), func() {}, nil
	}
}

func newRouter(h *handler.Handler, validator middleware.JWTValidator, log *slog.Logger) chi.Router {
	httpMetrics := platformmetrics.New()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Logger(log))
	r.Use(middleware.LatencyMiddleware(httpMetrics))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(pr chi.Router) {
		// Timeout must outlast the decision wait endpoint's hold window.
		pr.Use(middleware.Timeout(90 * time.Second))
		pr.Use(middleware.ContentTypeJSON)
		pr.Use(middleware.RequireAuth(validator, log))
		h.Register(pr)
	})
	r.Group(func(wr chi.Router) {
		wr.Use(middleware.Timeout(15 * time.Second))
		h.RegisterWebhook(wr)
	})
	return r
}
