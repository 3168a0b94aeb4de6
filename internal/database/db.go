// Package database provides the PostgreSQL persistence layer: the trades
// ledger, the capital-guard audit log and the slippage log. Schema is owned
// here via in-code migrations.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"kis-trading-bot/internal/logging"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
	log  *logging.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logging.WithComponent("database")
	log.Info("Connected to PostgreSQL database", "database", cfg.Database)

	return &DB{Pool: pool, log: log}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info("Database connection closed")
	}
}

// Ping checks database reachability for the session preflight.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.log.Info("Running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id UUID PRIMARY KEY,
			ticker VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			quantity INTEGER NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8),
			entry_time TIMESTAMPTZ NOT NULL,
			exit_time TIMESTAMPTZ,
			realized_pnl DECIMAL(20, 8),
			realized_pnl_pct DECIMAL(10, 4),
			holding_minutes INTEGER,
			exit_reason VARCHAR(40),
			order_no VARCHAR(20),
			status VARCHAR(10) NOT NULL DEFAULT 'OPEN',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_ticker ON trades(ticker)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_entry_time ON trades(entry_time DESC)`,

		`CREATE TABLE IF NOT EXISTS capital_audit (
			id SERIAL PRIMARY KEY,
			check_name VARCHAR(20) NOT NULL,
			ticker VARCHAR(20),
			passed BOOLEAN NOT NULL,
			detail TEXT,
			checked_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_capital_audit_checked_at ON capital_audit(checked_at DESC)`,

		`CREATE TABLE IF NOT EXISTS slippage_log (
			id SERIAL PRIMARY KEY,
			trade_id UUID,
			ticker VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			reference_price DECIMAL(20, 8) NOT NULL,
			order_price DECIMAL(20, 8) NOT NULL,
			slippage_pct DECIMAL(10, 4) NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_slippage_recorded_at ON slippage_log(recorded_at DESC)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.log.Info("Database migrations completed")
	return nil
}
