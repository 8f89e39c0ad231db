package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Stepan2222000/zamer-avito-system/internal/db"
	"github.com/Stepan2222000/zamer-avito-system/internal/reaper"
)

func main() {
	godotenv.Load(".env.local", ".env")

	env := getEnvWithDefault("APP_ENV", "development")
	setupLogging(env, getEnvWithDefault("LOG_LEVEL", "info"))

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Environment:      env,
			AttachStacktrace: true,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pgDB, err := db.InitFromEnvWithRetry(ctx)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
	}
	defer pgDB.Close()

	log.Info().Msg("Connected to PostgreSQL database")

	r := reaper.New(pgDB, reaper.Config{
		Interval:        getEnvDuration("REAPER_INTERVAL", 60*time.Second),
		TaskStaleAfter:  getEnvDuration("TASK_STALE_AFTER", 600*time.Second),
		ProxyStaleAfter: getEnvDuration("PROXY_STALE_AFTER", 300*time.Second),
		WorkerDeadAfter: getEnvDuration("WORKER_DEAD_AFTER", 240*time.Second),
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-stop
		log.Info().Str("signal", sig.String()).Msg("Shutting down reaper...")
		cancel()
	}()

	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Reaper failed")
	}

	log.Info().Msg("Reaper stopped")
}

func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
		return defaultValue
	}
	return result
}

func setupLogging(env, logLevel string) {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "zamer-avito-reaper").
			Logger()
	}
}
