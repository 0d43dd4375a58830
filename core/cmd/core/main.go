package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"assistant-orchestrator/core/internal/channels"
	"assistant-orchestrator/core/internal/httpapi"
	"assistant-orchestrator/core/internal/memstore"
	"assistant-orchestrator/core/internal/middleware"
	"assistant-orchestrator/core/internal/models"
	"assistant-orchestrator/core/internal/queue"
	"assistant-orchestrator/core/internal/registry"
	"assistant-orchestrator/core/internal/repos"
	"assistant-orchestrator/core/internal/router"
	"assistant-orchestrator/core/internal/scheduler"
	"assistant-orchestrator/core/internal/seed"
	"assistant-orchestrator/core/internal/store"
	"assistant-orchestrator/core/internal/tasks"
	"assistant-orchestrator/core/internal/workflows"
	"assistant-orchestrator/shared/authx"
	"assistant-orchestrator/shared/cachex"
	"assistant-orchestrator/shared/config"
	"assistant-orchestrator/shared/dbx"
	"assistant-orchestrator/shared/events"
	"assistant-orchestrator/shared/httpx"
	"assistant-orchestrator/shared/influxx"
	"assistant-orchestrator/shared/lockx"
	"assistant-orchestrator/shared/logx"
	"assistant-orchestrator/shared/metricsx"
	"assistant-orchestrator/shared/mqx"
	"assistant-orchestrator/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, problems := config.Load("core", 8081)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
	}
	if len(problems) > 0 {
		fatal(logger, "config_invalid", "invalid config", "FAILED_PRECONDITION", nil, slog.Any("problems", problems))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OtelEnabled {
		shutdown, err := observability.InitTracer(ctx, observability.FromConfig(cfg, version))
		if err != nil {
			logger.Warn(ctx, "otel_init_failed", "tracing disabled", slog.String("error", err.Error()))
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}
	metricsx.Register()

	// Storage: Postgres when configured, otherwise process memory.
	var (
		dbPool *pgxpool.Pool
		stores store.Stores
	)
	if cfg.DatabaseURL != "" {
		var err error
		dbPool, err = dbx.NewPool(ctx, cfg)
		if err != nil {
			fatal(logger, "db_init_failed", "db init failed", "FAILED_PRECONDITION", err)
		}
		defer dbPool.Close()
		if err := repos.EnsureSchema(ctx, dbPool); err != nil {
			fatal(logger, "db_schema_failed", "schema migration failed", "FAILED_PRECONDITION", err)
		}
		stores = repos.New(dbPool)
	} else {
		logger.Warn(ctx, "memory_store", "DATABASE_URL not set; state is kept in memory")
		stores = memstore.New().Stores()
	}

	var (
		cache    *cachex.Client
		locker   lockx.Locker = lockx.NewKeyed()
		presence channels.Presence
	)
	if cfg.RedisAddr != "" {
		var err error
		cache, err = cachex.New(cfg)
		if err != nil {
			fatal(logger, "redis_init_failed", "redis init failed", "FAILED_PRECONDITION", err)
		}
		defer cache.Close()
		ttl := time.Duration(cfg.LockTTLSec) * time.Second
		locker = lockx.NewRedis(cache.Redis(), cfg.ServiceName+":lock:", ttl)
		presence = channels.NewRedisPresence(cache, 30*24*time.Hour)
	} else {
		presence = channels.NewMemoryPresence()
	}

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		fatal(logger, "kafka_init_failed", "kafka producer init failed", "FAILED_PRECONDITION", err)
	}
	defer producer.Close()

	queueClient, err := queue.NewClient(cfg)
	if err != nil {
		fatal(logger, "queue_init_failed", "queue client init failed", "FAILED_PRECONDITION", err)
	}
	defer queueClient.Close()

	reg := registry.New(stores.Agents, logger)
	if err := reg.Load(ctx); err != nil {
		fatal(logger, "registry_load_failed", "registry load failed", "INTERNAL_ERROR", err)
	}

	gateway := channels.NewGateway(cfg.DefaultChannel, presence, logger,
		channels.NewLogChannel(logger),
		channels.NewKafkaChannel("kafka", producer),
	)
	if cfg.WebhookChannelURL != "" {
		webhook, err := channels.NewWebhookChannel("webhook", cfg.WebhookChannelURL, cfg.WebhookChannelToken, cfg.RequestTimeout)
		if err != nil {
			fatal(logger, "channel_init_failed", "webhook channel init failed", "FAILED_PRECONDITION", err)
		}
		gateway.Register(webhook)
	}

	orchestrator := tasks.New(stores.Tasks, reg, queueClient, locker, tasks.Config{
		MaxRetries: cfg.TaskMaxRetries,
		Backoff: tasks.Exponential{
			Initial: time.Duration(cfg.TaskRetryBaseMS) * time.Millisecond,
			Max:     time.Duration(cfg.TaskRetryMaxMS) * time.Millisecond,
		},
	}, logger)
	if cfg.InfluxURL != "" {
		influx, err := influxx.New(cfg)
		if err != nil {
			logger.Warn(ctx, "influx_init_failed", "task telemetry disabled", slog.String("error", err.Error()))
		} else {
			defer influx.Close()
			orchestrator.SetRecorder(tasks.NewInfluxRecorder(influx))
		}
	}

	engine := workflows.New(stores.Workflows, orchestrator, gateway, locker, logger)

	table := router.KeywordTable{}
	if cfg.KeywordsPath != "" {
		table, err = router.LoadKeywords(cfg.KeywordsPath)
		if err != nil {
			fatal(logger, "keywords_load_failed", "keyword table load failed", "FAILED_PRECONDITION", err)
		}
	}
	classifier := router.NewKeywordClassifier(table, stores.Workflows, reg)

	interval := time.Duration(cfg.RedriveIntervalSec) * time.Second
	rt := router.New(stores.Events, orchestrator, engine, gateway, classifier, locker, router.Config{
		MaxDispatchAttempts: cfg.RedriveMaxAttempts,
		RedriveMinAge:       interval,
	}, logger)
	orchestrator.SetEmitter(rt)

	sched := scheduler.New(stores.Jobs, func(ctx context.Context, ev models.Event) error {
		_, err := rt.Submit(ctx, ev)
		return err
	}, locker, scheduler.Config{Tick: time.Duration(cfg.SchedulerTickSec) * time.Second}, logger)

	if cfg.DefinitionsPath != "" {
		defs, err := seed.Load(cfg.DefinitionsPath)
		if err != nil {
			fatal(logger, "definitions_load_failed", "definitions load failed", "FAILED_PRECONDITION", err)
		}
		if err := seed.Apply(ctx, defs, reg, engine, sched, logger); err != nil {
			fatal(logger, "definitions_apply_failed", "definitions apply failed", "FAILED_PRECONDITION", err)
		}
	}

	var verifier authx.Verifier
	if cfg.AuthEnabled {
		v, err := authx.NewJWTVerifier(ctx, authx.VerifierConfig{
			Issuer:           cfg.OIDCIssuer,
			Audience:         cfg.OIDCAudience,
			JWKSURL:          cfg.OIDCJWKSURL,
			TTLSeconds:       cfg.JWKSTTLSeconds,
			ClockSkewSeconds: cfg.JWTClockSkewSec,
		})
		if err != nil {
			fatal(logger, "auth_init_failed", "JWT verifier init failed", "FAILED_PRECONDITION", err)
		}
		verifier = v
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "ok", Service: cfg.ServiceName, Env: cfg.Env, Version: version})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if dbPool != nil {
			if err := dbx.Ping(r.Context(), dbPool); err != nil {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "service not ready: database unavailable", map[string]any{"problem": "db_ping_failed"})
				return
			}
		}
		if cache != nil {
			if err := cache.Ping(r.Context()); err != nil {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "service not ready: redis unavailable", map[string]any{"problem": "redis_ping_failed"})
				return
			}
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "ready", Service: cfg.ServiceName, Env: cfg.Env, Version: version})
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	(&httpapi.API{
		Router:    rt,
		Gateway:   gateway,
		Registry:  reg,
		Tasks:     orchestrator,
		Workflows: engine,
		Scheduler: sched,
	}).Register(mux)

	probe := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}
	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	handler := httpx.WrapServeMux(mux, notFound)
	if verifier != nil {
		handler = middleware.AuthMiddleware{Verifier: verifier, Skip: probe}.Wrap(handler)
	}
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 10000),
		Skip:    probe,
	}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = metricsx.Instrument(handler)
	handler = otelhttp.NewHandler(handler, "core.http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(gctx, "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
			slog.Any("channels", gateway.Names()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	submitEnvelope := func(ctx context.Context, env events.Envelope) error {
		ev, err := router.FromEnvelope(env)
		if err != nil {
			logger.Warn(ctx, "envelope_rejected", "envelope is not a valid event",
				slog.String("event_id", env.EventID.String()),
				slog.String("error", err.Error()),
			)
			return nil
		}
		if _, err := rt.Submit(ctx, ev); err != nil && !errors.Is(err, models.ErrMalformedEvent) {
			return err
		}
		return nil
	}
	for _, topic := range []string{events.TopicInbound, events.TopicTaskOutcomes} {
		reader, err := mqx.NewConsumer(cfg, topic, cfg.KafkaGroupID)
		if err != nil {
			fatal(logger, "kafka_init_failed", "kafka reader init failed", "FAILED_PRECONDITION", err, slog.String("topic", topic))
		}
		defer reader.Close()
		g.Go(func() error {
			return mqx.Consume(gctx, reader, cfg.KafkaGroupID, logger, submitEnvelope)
		})
	}

	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := rt.Redrive(gctx, cfg.RedriveBatchSize); err != nil {
					logger.Error(gctx, "redrive_failed", "event redrive failed",
						slog.String("error_code", "INTERNAL_ERROR"),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error(context.Background(), "server_failed", "server failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}

func fatal(logger logx.Logger, event string, msg string, code string, err error, attrs ...slog.Attr) {
	attrs = append(attrs, slog.String("error_code", code))
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	logger.Error(context.Background(), event, msg, attrs...)
	os.Exit(1)
}
