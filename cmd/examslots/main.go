package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"examslots/internal/api"
	"examslots/internal/audit"
	"examslots/internal/availability"
	"examslots/internal/booking"
	"examslots/internal/cache"
	"examslots/internal/config"
	"examslots/internal/db"
	"examslots/internal/events"
	"examslots/internal/manager"
	"examslots/internal/metrics"
	"examslots/internal/reminders"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)

	if err := cfg.EnsureDirs(); err != nil {
		logger.Fatal().Err(err).Msg("failed to create data directory")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, cfg.Database.Path, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db error")
	}
	defer database.Close()

	var rdb *redis.Client
	var datesCache *cache.AvailabilityCache
	if cfg.Redis.Enabled && cfg.Redis.Address != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		datesCache = cache.NewAvailabilityCache(rdb, cfg.CacheTTL(), logger)
	}

	bus := events.NewEventBus(logger)
	bus.SubscribeAll(events.LogHandler(logger))

	loc := cfg.TimeZone()
	aggregator := availability.NewAggregator(database, logger).
		UseClock(time.Now, loc).
		UseGranularity(cfg.Granularity())
	bookings := booking.NewService(database, bus, logger).
		UseReferenceGenerator(nil, cfg.ReferenceAttempts())
	slotManager := manager.NewService(database, bus, logger)
	if datesCache != nil {
		aggregator.UseCache(datesCache)
		bookings.UseCache(datesCache)
		slotManager.UseCache(datesCache)
	}

	reminderService := reminders.NewService(database, reminders.NewLogNotifier(logger), reminders.Config{
		RatePerSecond: cfg.Reminders.RatePerSecond,
		Burst:         cfg.Reminders.Burst,
		MaxRetries:    cfg.Reminders.MaxRetries,
		RetryDelay:    cfg.ReminderRetryDelay(),
	}, logger).UseClock(time.Now, loc)

	server := api.NewHTTPServer(api.Config{
		Address:       cfg.Server.Address,
		AdminKeys:     cfg.Admin.APIKeys,
		LookaheadDays: cfg.LookaheadDays(),
	}, api.Services{
		Availability: aggregator,
		Bookings:     bookings,
		Manager:      slotManager,
		Audit:        audit.NewService(database, logger),
		Reminders:    reminderService,
	}, logger)

	var wg sync.WaitGroup
	background := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	if cfg.Monitoring.HealthCheckPort == 0 {
		cfg.Monitoring.HealthCheckPort = 8081
	}
	background(func() { startHealthServer(ctx, cfg.Monitoring.HealthCheckPort, database, rdb, logger) })

	if cfg.Monitoring.PrometheusEnabled {
		if cfg.Monitoring.PrometheusPort == 0 {
			cfg.Monitoring.PrometheusPort = 9090
		}
		metrics.Register()
		background(func() { startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger) })
	}

	backups := db.NewBackupService(database, cfg.Backup, logger)
	background(func() { backups.Start(ctx) })

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown error")
		}
	}()

	logger.Info().Str("db", database.Path()).Bool("redis", rdb != nil).Str("time_zone", loc.String()).Msg("Exam slot service started")
	if err := server.Start(); err != nil {
		logger.Error().Err(err).Msg("http server error")
		stop()
	}

	wg.Wait()
	logger.Info().Msg("Exam slot service stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.Logging.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil || cfg.Logging.Level == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func startHealthServer(ctx context.Context, port int, database *db.DB, rdb *redis.Client, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		ctxPing, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := database.PingContext(ctxPing); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		if rdb != nil {
			if err := rdb.Ping(ctxPing).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	serve(ctx, fmt.Sprintf(":%d", port), mux, "health", logger)
}

func startMetricsServer(ctx context.Context, port int, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serve(ctx, fmt.Sprintf(":%d", port), mux, "metrics", logger)
}

func serve(ctx context.Context, addr string, h http.Handler, name string, logger zerolog.Logger) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Str("server", name).Msg("server error")
	}
}
