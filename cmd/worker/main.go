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

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Stepan2222000/zamer-avito-system/internal/db"
	"github.com/Stepan2222000/zamer-avito-system/internal/fetch"
	"github.com/Stepan2222000/zamer-avito-system/internal/metrics"
	"github.com/Stepan2222000/zamer-avito-system/internal/worker"
)

// Config holds the application configuration loaded from environment variables
type Config struct {
	Env         string // Environment (development/production)
	SentryDSN   string // Sentry DSN for error tracking
	LogLevel    string // Log level (debug, info, warn, error)
	MetricsAddr string // Address for Prometheus metrics endpoint (":9464" style)
}

func main() {
	// Load .env files - .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	config := &Config{
		Env:         getEnvWithDefault("APP_ENV", "development"),
		SentryDSN:   os.Getenv("SENTRY_DSN"),
		LogLevel:    getEnvWithDefault("LOG_LEVEL", "info"),
		MetricsAddr: getEnvWithDefault("METRICS_ADDR", ":9464"),
	}

	setupLogging(config)

	// Initialise Sentry for error tracking and performance monitoring
	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1
				}
				return 1.0
			}(),
			AttachStacktrace: true,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to PostgreSQL, retrying while the database comes up
	pgDB, err := db.InitFromEnvWithRetry(ctx)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
	}
	defer pgDB.Close()

	log.Info().Msg("Connected to PostgreSQL database")

	// Serve Prometheus metrics
	var metricsSrv *http.Server
	if config.MetricsAddr != "" {
		metricsSrv = &http.Server{
			Addr:              config.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", config.MetricsAddr).Msg("Metrics server listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sentry.CaptureException(err)
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
			}
		}()
	}

	// Build the stores and the processing collaborator
	tasks := db.NewTaskQueue(pgDB)
	proxies := db.NewProxyPool(pgDB, getEnvInt("PROXY_BLOCK_THRESHOLD", 3))
	registry := db.NewWorkerRegistry(pgDB)
	results := db.NewResultStore(pgDB)

	fetcher := fetch.New(fetch.Config{
		BaseURL: os.Getenv("FETCH_BASE_URL"),
		Timeout: getEnvDuration("FETCH_TIMEOUT", 30*time.Second),
	})

	pool := worker.NewPool(tasks, proxies, registry, results, fetcher, worker.Config{
		ProgramID:         getEnvWithDefault("PROGRAM_ID", "scrape-worker"),
		Lanes:             getEnvInt("WORKER_LANES", 5),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		ProxyRetryDelay:   getEnvDuration("PROXY_RETRY_DELAY", 30*time.Second),
		IdleDelay:         getEnvDuration("IDLE_DELAY", 5*time.Second),
		ClaimRate:         rate.Limit(getEnvFloat("CLAIM_RATE", 0)),
	})

	// Wake idle lanes on new-task notifications
	listener, err := db.NewTaskListener(pgDB.GetConfig(), pool.Notify)
	if err != nil {
		log.Warn().Err(err).Msg("Task listener unavailable, lanes will poll")
	} else {
		go listener.Run(ctx)
	}

	pool.Start(ctx)

	// Exit on a termination signal or when the queue drains, whichever
	// comes first
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	drained := make(chan struct{})
	go func() {
		pool.Wait()
		close(drained)
	}()

	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("Shutting down worker pool...")
		pool.Stop()
	case <-drained:
		log.Info().Msg("All lanes exited, queue drained")
	}

	cancel()
	log.Info().Msg("Worker stopped")
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt retrieves an environment variable as an integer or returns a default value if not set or invalid
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var result int
	if _, err := fmt.Sscanf(value, "%d", &result); err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}
	return result
}

// getEnvFloat retrieves an environment variable as a float or returns a default value if not set or invalid
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var result float64
	if _, err := fmt.Sscanf(value, "%g", &result); err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Float64("default", defaultValue).
			Msg("Invalid float in environment variable, using default")
		return defaultValue
	}
	return result
}

// getEnvDuration retrieves an environment variable as a duration ("30s", "5m")
// or returns a default value if not set or invalid
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

func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	// Use console writer in development
	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "zamer-avito-worker").
			Logger()
	}
}
