package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/neexbeast/weather-lookup/internal/api"
	"github.com/neexbeast/weather-lookup/internal/cache"
	"github.com/neexbeast/weather-lookup/internal/config"
	"github.com/neexbeast/weather-lookup/internal/events"
	"github.com/neexbeast/weather-lookup/internal/scheduler"
	"github.com/neexbeast/weather-lookup/internal/storage"
	"github.com/neexbeast/weather-lookup/internal/telemetry"
	"github.com/neexbeast/weather-lookup/internal/weather"
)

const (
	serviceName    = "weather-lookup"
	serviceVersion = "0.1.0"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := run(log); err != nil {
		log.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(serviceName, serviceVersion, cfg.ZipkinURL)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Warn("tracer shutdown failed", "err", err)
		}
	}()

	client, err := weather.NewOpenWeatherClient(weather.ClientConfig{
		APIKey:  cfg.OpenWeatherAPIKey,
		BaseURL: cfg.OpenWeatherBaseURL,
		Lang:    cfg.Lang,
		Timeout: cfg.HTTPTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating weather client: %w", err)
	}

	// Connect to PostgreSQL.
	pool, err := storage.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	if err := storage.RunMigrations(ctx, pool, cfg.MigrationsDir, log); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// Connect to Redis.
	redisClient, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() { _ = redisClient.Close() }()

	repo := storage.NewRepository(pool)

	opts := weather.Options{
		CountryCode:        cfg.CountryCode,
		DisableCountryCode: cfg.CountryCode == "",
		CacheTTL:           cfg.CacheTTL,
		QueryLog:           repo,
		Usage:              repo,
		Logger:             log,
	}

	var publisher *events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err = events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			return fmt.Errorf("creating event publisher: %w", err)
		}
		opts.Events = publisher
		log.Info("fetch events enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	svc := weather.NewService(client, cache.NewCache(redisClient), opts)

	warmer := scheduler.New(svc, cfg.FeaturedCities, cfg.WarmInterval, log)
	if err := warmer.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	handlers := api.NewHandlers(svc, repo, repo, cfg.FeaturedCities, log)
	router := api.NewRouter(handlers, cfg.BearerToken, storage.Pinger{Pool: pool}, cache.Pinger{Client: redisClient}, log)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("server goroutine panicked", "recover", r)
				errCh <- fmt.Errorf("server panicked: %v", r)
			}
		}()
		log.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listening: %w", err)
		}
	}()

	var runErr error
	select {
	case sig := <-quit:
		log.Info("shutdown signal received", "signal", sig)
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	warmer.Stop()

	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("graceful shutdown: %w", err)
	}

	// Let detached usage, query log and event writes finish before the
	// pool and clients close.
	svc.Wait()

	if publisher != nil {
		if err := publisher.Close(shutdownCtx); err != nil {
			log.Warn("closing event publisher", "err", err)
		}
	}

	if runErr == nil {
		log.Info("server shut down cleanly")
	}
	return runErr
}
