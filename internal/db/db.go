package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB represents a PostgreSQL database connection
type DB struct {
	client *sql.DB
	config *Config
}

// GetDB returns the underlying sql.DB for raw queries
func (d *DB) GetDB() *sql.DB {
	return d.client
}

// GetConfig returns the original DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.client.Close()
}

// Execute runs a database operation in a transaction
func (d *DB) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.client.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host         string        // Database host
	Port         string        // Database port
	User         string        // Database user
	Password     string        // Database password
	Database     string        // Database name
	SSLMode      string        // SSL mode (disable, require, verify-ca, verify-full)
	MaxIdleConns int           // Maximum number of idle connections
	MaxOpenConns int           // Maximum number of open connections
	MaxLifetime  time.Duration // Maximum lifetime of a connection
	DatabaseURL  string        // Original DATABASE_URL if used
}

// ConnectionString returns the PostgreSQL connection string
func (c *Config) ConnectionString() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// New creates a new PostgreSQL database connection
func New(config *Config) (*DB, error) {
	if config.DatabaseURL == "" {
		if config.Host == "" {
			return nil, fmt.Errorf("database host is required")
		}
		if config.Port == "" {
			return nil, fmt.Errorf("database port is required")
		}
		if config.User == "" {
			return nil, fmt.Errorf("database user is required")
		}
		if config.Database == "" {
			return nil, fmt.Errorf("database name is required")
		}
	}

	// Set defaults for optional fields
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 10
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 40
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 20 * time.Minute
	}

	client, err := sql.Open("pgx", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	if err := setupSchema(client); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return &DB{client: client, config: config}, nil
}

// NewWithClient wraps an existing connection pool. The caller keeps
// ownership of the pool lifecycle; schema setup is skipped.
func NewWithClient(client *sql.DB, config *Config) *DB {
	return &DB{client: client, config: config}
}

// InitFromEnv creates a PostgreSQL connection using environment variables.
// DATABASE_URL takes priority over the discrete POSTGRES_* variables.
func InitFromEnv() (*DB, error) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return New(&Config{DatabaseURL: url})
	}

	config := &Config{
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     os.Getenv("POSTGRES_PORT"),
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Database: os.Getenv("POSTGRES_DB"),
		SSLMode:  os.Getenv("POSTGRES_SSL_MODE"),
	}

	// Use defaults if not set
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == "" {
		config.Port = "5432"
	}
	if config.User == "" {
		config.User = "postgres"
	}
	if config.Database == "" {
		config.Database = "zamer_avito_system"
	}

	return New(config)
}

// setupSchema creates the four record sets and their access-path indexes.
// Every statement is idempotent, so startup can run it unconditionally.
func setupSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id BIGSERIAL PRIMARY KEY,
			item_id BIGINT UNIQUE NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			worker_id TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_attempt_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create tasks table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS proxies (
			id BIGSERIAL PRIMARY KEY,
			proxy TEXT UNIQUE NOT NULL,
			status TEXT NOT NULL DEFAULT 'available',
			locked_by TEXT,
			locked_at TIMESTAMPTZ,
			uses_count BIGINT NOT NULL DEFAULT 0,
			blocks_count INTEGER NOT NULL DEFAULT 0,
			last_used_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create proxies table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS workers (
			worker_id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'active',
			tasks_processed BIGINT NOT NULL DEFAULT 0,
			tasks_failed BIGINT NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create workers table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS results (
			item_id BIGINT PRIMARY KEY,
			title TEXT,
			description TEXT,
			characteristics JSONB,
			price NUMERIC(12,2),
			published_at TIMESTAMPTZ,
			seller_name TEXT,
			seller_profile_url TEXT,
			location_address TEXT,
			location_metro TEXT,
			location_region TEXT,
			views_total BIGINT,
			status TEXT NOT NULL,
			failure_reason TEXT,
			worker_id TEXT,
			attempts INTEGER,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create results table: %w", err)
	}

	// One index per hot access path: claim scans, reaper sweeps, exports.
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks (status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_attempt ON tasks (status, last_attempt_at)`,
		`CREATE INDEX IF NOT EXISTS idx_proxies_status_uses ON proxies (status, uses_count)`,
		`CREATE INDEX IF NOT EXISTS idx_proxies_status_locked ON proxies (status, locked_at)`,
		`CREATE INDEX IF NOT EXISTS idx_workers_heartbeat ON workers (last_heartbeat)`,
		`CREATE INDEX IF NOT EXISTS idx_results_status_created ON results (status, created_at)`,
	}
	for _, stmt := range indexes {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}
