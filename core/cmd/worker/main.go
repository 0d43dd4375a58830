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

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"assistant-orchestrator/core/internal/queue"
	"assistant-orchestrator/shared/clients/agent"
	"assistant-orchestrator/shared/config"
	"assistant-orchestrator/shared/httpx"
	"assistant-orchestrator/shared/logx"
	"assistant-orchestrator/shared/metricsx"
	"assistant-orchestrator/shared/mqx"
	"assistant-orchestrator/shared/observability"
)

func main() {
	cfg, problems := config.Load("agent-worker", 8082)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.AgentServiceURL == "" {
		problems = append(problems, config.Problem{Field: "AGENT_SERVICE_URL", Message: "AGENT_SERVICE_URL is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(ctx, observability.FromConfig(cfg, version)); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}
	metricsx.Register()

	agents, err := agent.New(cfg)
	if err != nil {
		logger.Error(ctx, "agent_client_init_failed", "agent client init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(ctx, "kafka_init_failed", "kafka producer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer producer.Close()

	redisOpt := queue.RedisOpt(cfg)
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			logger.Warn(ctx, "work_item_error", "work item returned an error",
				slog.String("type", t.Type()),
				slog.String("error", err.Error()),
			)
		}),
	})
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	mux := asynq.NewServeMux()
	mux.Handle(queue.TypeAgentInvoke, queue.NewHandler(agents, producer, cfg.ServiceName, logger))

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": cfg.ServiceName})
	})
	httpMux.Handle("GET /metrics", metricsx.Handler())
	metricsServer := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           httpMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := server.Start(mux); err != nil {
		logger.Error(ctx, "worker_start_failed", "worker start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	logger.Info(ctx, "worker_start", "agent worker started",
		slog.String("queue", cfg.AsynqQueue),
		slog.Int("concurrency", cfg.AsynqConcurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return queue.NewDepthReporter(inspector, cfg.AsynqQueue, 10*time.Second, logger).Run(gctx)
	})
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	server.Shutdown()
	if err != nil {
		logger.Error(context.Background(), "worker_failed", "worker failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	logger.Info(context.Background(), "worker_stop", "agent worker stopped")
}
