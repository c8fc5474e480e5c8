package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-queue/internal/api"
	"github.com/hackgods/clinic-queue/internal/billing"
	"github.com/hackgods/clinic-queue/internal/config"
	"github.com/hackgods/clinic-queue/internal/db"
	"github.com/hackgods/clinic-queue/internal/logging"
	"github.com/hackgods/clinic-queue/internal/queue"
	"github.com/hackgods/clinic-queue/internal/realtime"
	redisclient "github.com/hackgods/clinic-queue/internal/redis"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, cfg.LogLevel)
	logger.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Str("ticket_backend", cfg.TicketBackend).
		Str("timezone", cfg.Location.String()).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolConfig{MaxConns: cfg.DBMaxConns})
	if err == nil {
		err = db.Migrate(pgCtx, pgPool)
	}
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres setup error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	// Connect Redis
	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb, err = redisclient.Connect(rootCtx, cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error().Err(err).Msg("error closing redis")
			}
		}()
		logger.Info().Str("addr", cfg.Redis.Addr).Int("db", cfg.Redis.DB).Msg("connected to Redis")
	}

	var tickets queue.TicketAllocator = queue.NewMemoryAllocator()
	if cfg.TicketBackend == "redis" {
		tickets = redisclient.NewTicketAllocator(rdb, 0)
	}

	var wg sync.WaitGroup
	workersCtx, stopWorkers := context.WithCancel(context.Background())

	hub := realtime.NewHub(cfg.SubscriberBuf)
	publishers := queue.Publishers{hub}
	if cfg.EventRelay {
		relay := redisclient.NewEventRelay(rdb, cfg.HookQueueSize, logger)
		publishers = append(publishers, relay)
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay.Run(workersCtx)
		}()
	}

	repo := queue.NewPgRepository(pgPool)
	notifier := billing.NewKafkaNotifier(cfg.KafkaBrokers, cfg.BillingTopic, logger)
	defer func() {
		if err := notifier.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing kafka writer")
		}
	}()

	dispatcher := queue.NewDispatcher(queue.Hooks{
		Visits:  repo,
		Billing: notifier,
		Archive: repo,
		Events:  repo,
	}, cfg.HookQueueSize, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(workersCtx)
	}()

	coordinator := queue.NewCoordinator(queue.NewMemoryStore(), tickets, publishers, dispatcher, queue.Options{
		MaxAttempts: cfg.MaxAttempts,
		Location:    cfg.Location,
		NoShow: queue.NoShowPolicy{
			Default:       cfg.NoShowTimeout,
			PerDepartment: cfg.NoShowTimeouts,
		},
	}, logger)

	go runSweeper(rootCtx, coordinator, cfg.SweepInterval, logger)

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(api.RouterConfig{
			Coordinator:  coordinator,
			Hub:          hub,
			PgPool:       pgPool,
			Redis:        rdb,
			RedisTickets: cfg.TicketBackend == "redis",
			Logger:       logger,
			Env:          cfg.Env,
			Version:      version,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	<-rootCtx.Done()
	logger.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown error")
	}

	// Hooks of transitions accepted before shutdown still run.
	stopWorkers()
	wg.Wait()
	logger.Info().Msg("api-server stopped")
}

// runSweeper expires called patients who never showed up. ListQueue also
// sweeps lazily; this loop covers clinics nobody is looking at.
func runSweeper(ctx context.Context, c *queue.Coordinator, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		logger.Info().Msg("no-show sweeper disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutdown signal received, stopping no-show sweeper")
			return
		case <-ticker.C:
			sweepOnce(ctx, c, logger)
		}
	}
}

func sweepOnce(ctx context.Context, c *queue.Coordinator, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := c.SweepNoShows(runCtx, "")
	if err != nil {
		logger.Error().Err(err).Msg("no-show sweep error")
		return
	}
	if n > 0 {
		logger.Info().Int("expired", n).Dur("took", time.Since(start)).Msg("no-show sweep complete")
	}
}
