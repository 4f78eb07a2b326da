// Package main is the entry point for the stateline workflow engine.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/statelinehq/stateline/internal/bus"
	"github.com/statelinehq/stateline/internal/config"
	"github.com/statelinehq/stateline/internal/definition"
	"github.com/statelinehq/stateline/internal/engine"
	"github.com/statelinehq/stateline/internal/idempotency"
	"github.com/statelinehq/stateline/internal/notify"
	"github.com/statelinehq/stateline/internal/observability"
	"github.com/statelinehq/stateline/internal/resilience"
	"github.com/statelinehq/stateline/internal/saga"
	"github.com/statelinehq/stateline/internal/scheduler"
	"github.com/statelinehq/stateline/internal/sla"
	"github.com/statelinehq/stateline/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "stateline", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Workflow definitions. A bad definition must never load partially, so
	// any validation error is fatal.
	graphs, err := definition.LoadRegistry(cfg.Definitions.Dir)
	if err != nil {
		logger.Error("workflow definition loading failed", zap.Error(err))
		return 1
	}
	logger.Info("workflow definitions loaded", zap.Strings("workflows", graphs.Workflows()))

	// Persistence.
	store, pool, err := buildInstanceStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("instance store initialization failed", zap.Error(err))
		return 1
	}
	if pool != nil {
		defer pool.Close()
	}

	// Definitions seeded in the database complement the YAML directory. On
	// an id collision the file definition wins.
	if pg, ok := store.(*engine.PgStore); ok {
		ids, err := pg.WorkflowIDs(ctx)
		if err != nil {
			logger.Error("database workflow listing failed", zap.Error(err))
			return 1
		}
		loaded := 0
		for _, id := range ids {
			if _, err := graphs.Graph(ctx, id); err == nil {
				continue
			}
			g, err := pg.LoadGraph(ctx, id)
			if err != nil {
				logger.Error("database workflow loading failed",
					zap.String("workflow_id", id), zap.Error(err))
				return 1
			}
			graphs.Register(g)
			loaded++
		}
		if loaded > 0 {
			logger.Info("database workflow definitions loaded", zap.Int("count", loaded))
		}
	}

	var redisClient *redis.Client
	if addr := cfg.RedisAddr(); addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Redis.DB})
		defer redisClient.Close()
	}

	// Resilience primitives shared by the engine, saga walk, and escalation
	// delivery.
	breakers := resilience.NewRegistry(resilience.BreakerSettings{
		FailureThreshold:     cfg.Resilience.FailureThreshold,
		OpenDuration:         cfg.Resilience.OpenDuration,
		HalfOpenMaxSuccesses: cfg.Resilience.HalfOpenMaxSuccesses,
		HalfOpenMaxTrials:    cfg.Resilience.HalfOpenMaxTrials,
	})
	runner := resilience.NewRunner(breakers)
	retry := resilience.Policy{
		Retries: cfg.Resilience.Retries,
		Backoff: resilience.Backoff{
			Type:   cfg.Resilience.BackoffType,
			Base:   cfg.Resilience.BackoffBase,
			Max:    cfg.Resilience.BackoffMax,
			Jitter: cfg.Resilience.Jitter,
		},
	}

	idemStore := buildIdempotencyStore(cfg.Idempotency, redisClient, logger)

	// Engine and collaborators.
	eng := engine.NewEngine(store, graphs, runner, retry, logger)
	eng.SetPolicies(cfg.Policies)

	queue := buildJobQueue(pool, cfg.Scheduler.AttemptTimeout, logger)
	sched := scheduler.New(queue, scheduler.Settings{
		Workers:         cfg.Scheduler.Workers,
		PollInterval:    cfg.Scheduler.PollInterval,
		AttemptTimeout:  cfg.Scheduler.AttemptTimeout,
		DefaultAttempts: cfg.Scheduler.DefaultAttempts,
		AttemptBudgets:  cfg.Scheduler.AttemptBudgets,
		RetryBackoff:    retry.Backoff,
	}, logger)
	eng.SetJobs(sched)

	compensator := saga.NewCoordinator(store, graphs, runner, retry, logger)
	// A typoed handler registration must fail at boot, not at the first
	// compensation walk.
	if err := compensator.Validate(ctx, graphs.Workflows()); err != nil {
		logger.Error("compensation handler validation failed", zap.Error(err))
		return 1
	}
	eng.SetCompensator(compensator)

	// Fan-out: outbox rows are written inside the engine transaction; the
	// dispatcher pushes them to the live transports, and the poller replays
	// anything a transport missed.
	dispatcher := bus.NewDispatcher(cfg.Bus.DispatchBuf, store, logger)
	if redisClient != nil {
		dispatcher.AddTransport(bus.NewStreamTransport(redisClient, cfg.Bus.StreamKey))
		dispatcher.AddTransport(bus.NewBroadcastTransport(redisClient, cfg.Bus.BroadcastChan))
	}
	dispatcher.Start(ctx)
	eng.SetAnnouncer(dispatcher)
	compensator.SetAnnouncer(dispatcher)

	poller := bus.NewOutboxPoller(store, dispatcher, 100, logger)

	monitor := sla.NewMonitor(eng, cfg.Policies, notify.NewLogNotifier(logger), runner, retry, idemStore, sla.Settings{
		DedupWindow:    cfg.SLA.DedupWindow,
		StuckThreshold: cfg.SLA.StuckThreshold,
	}, logger)
	monitor.SetAnnouncer(dispatcher)

	// Durable job handlers and recurring scans.
	sched.Handle(engine.JobMove, eng.HandleMoveJob)
	sched.Handle(engine.JobApplyEvent, eng.HandleApplyEventJob)
	sched.Handle(bus.JobOutboxDrain, poller.Job)

	slaCron := fmt.Sprintf("@every %s", cfg.SLA.ScanInterval)
	crons := []struct {
		name string
		spec string
		fn   func(ctx context.Context) error
	}{
		{"workflow.automation_scan", cfg.Scheduler.AutomationCron, eng.ScanAutomatic},
		{"sla.scan", slaCron, monitor.Scan},
		{"sla.stuck_scan", slaCron, monitor.ScanStuck},
		{"bus.outbox_drain", cfg.Scheduler.OutboxCron, poller.Drain},
	}
	for _, c := range crons {
		if err := sched.Every(c.name, c.spec, c.fn); err != nil {
			logger.Error("cron registration failed", zap.String("job", c.name), zap.Error(err))
			return 1
		}
	}
	sched.Start()

	// HTTP surface.
	readiness := observability.ReadinessChecks{
		GraphsLoaded: func() bool { return len(graphs.Workflows()) > 0 },
	}
	if pool != nil {
		readiness.InstanceStore = healthCheckFunc(pool.Ping)
		readiness.JobQueue = healthCheckFunc(pool.Ping)
	}
	if redisClient != nil {
		readiness.Redis = healthCheckFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:      cfg,
		Engine:      eng,
		Scheduler:   sched,
		Idempotency: idemStore,
		Policies:    cfg.Policies,
		Metrics:     metrics,
		Log:         logger,
		Ready:       observability.HandleReady(readiness),
		Tracing:     observability.TracingMiddleware,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("redis", redisClient != nil),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new work, then drain: in-flight requests, running
	// jobs, queued announcements.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	sched.Stop()
	dispatcher.Stop()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// healthCheckFunc adapts a ping function to observability.HealthChecker.
type healthCheckFunc func(ctx context.Context) error

func (f healthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// buildInstanceStore creates the instance store based on config. The pool is
// non-nil only for the postgres driver and is shared with the job queue.
func buildInstanceStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (engine.InstanceStore, *pgxpool.Pool, error) {
	switch cfg.Store.Driver {
	case "memory":
		logger.Info("using in-memory instance store")
		return engine.NewMemStore(), nil, nil
	case "postgres":
		dsn := cfg.StoreDSN()
		if dsn == "" {
			return nil, nil, fmt.Errorf("instance store: %s environment variable not set", cfg.Store.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("instance store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Store.MaxOpenConns)
		poolCfg.MaxConnLifetime = cfg.Store.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("instance store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("instance store: ping: %w", err)
		}

		return engine.NewPgStore(pool), pool, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Store.Driver)
	}
}

// buildJobQueue creates the durable job queue. It shares the instance store's
// pool so a delayed move commits in the same database as the instance row.
// The claim lease is sized to double the attempt timeout so a live attempt
// can never be reclaimed out from under its worker.
func buildJobQueue(pool *pgxpool.Pool, attemptTimeout time.Duration, logger *zap.Logger) scheduler.Queue {
	if pool != nil {
		return scheduler.NewPgQueue(pool, 2*attemptTimeout)
	}
	logger.Info("using in-memory job queue")
	return scheduler.NewMemQueue()
}

// buildIdempotencyStore creates the idempotency store based on config,
// falling back to memory when Redis is not configured.
func buildIdempotencyStore(cfg config.IdempotencyConfig, client *redis.Client, logger *zap.Logger) idempotency.Store {
	if cfg.Driver == "redis" && client != nil {
		return idempotency.NewRedisStore(client)
	}
	if cfg.Driver == "redis" {
		logger.Warn("redis idempotency store configured without a redis address, using memory")
	}
	return idempotency.NewMemoryStore()
}
