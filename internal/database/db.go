package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"tradebot-platform/config"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB creates a new database connection pool from DATABASE_URL.
func NewDB(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	if cfg.StatementTimeout > 0 {
		poolConfig.ConnConfig.RuntimeParams["statement_timeout"] =
			fmt.Sprintf("%d", cfg.StatementTimeout.Milliseconds())
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		// Users
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			external_principal VARCHAR(255) UNIQUE,
			email VARCHAR(255) NOT NULL UNIQUE,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,

		// Bots
		`CREATE TABLE IF NOT EXISTS bots (
			id BIGSERIAL PRIMARY KEY,
			developer_id BIGINT NOT NULL REFERENCES users(id),
			name VARCHAR(100) NOT NULL,
			version VARCHAR(50) NOT NULL,
			object_key VARCHAR(500) NOT NULL,
			exchange_type VARCHAR(20) NOT NULL,
			trading_type VARCHAR(10) NOT NULL DEFAULT 'FUTURES',
			status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
			win_rate DECIMAL(5, 4),
			avg_win_loss DECIMAL(10, 4),
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bots_status ON bots(status)`,

		// Bot files (versioned artifacts)
		`CREATE TABLE IF NOT EXISTS bot_files (
			id BIGSERIAL PRIMARY KEY,
			bot_id BIGINT NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
			version VARCHAR(50) NOT NULL,
			file_type VARCHAR(20) NOT NULL DEFAULT 'code',
			object_key VARCHAR(500) NOT NULL,
			sha256 CHAR(64) NOT NULL,
			size_bytes BIGINT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (bot_id, version, file_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bot_files_lookup ON bot_files(bot_id, version, file_type)`,

		// Exchange credentials (stored encrypted, decrypted per use)
		`CREATE TABLE IF NOT EXISTS exchange_credentials (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id),
			exchange VARCHAR(20) NOT NULL,
			network VARCHAR(10) NOT NULL,
			credential_type VARCHAR(30) NOT NULL DEFAULT 'USER',
			api_key_encrypted TEXT NOT NULL,
			secret_encrypted TEXT NOT NULL,
			passphrase_encrypted TEXT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_credentials_one_active
			ON exchange_credentials(user_id, exchange, network, credential_type)
			WHERE is_active`,

		// Subscriptions
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id),
			bot_id BIGINT NOT NULL REFERENCES bots(id),
			instance_name VARCHAR(100) NOT NULL,
			exchange_type VARCHAR(20) NOT NULL,
			trading_pair VARCHAR(30) NOT NULL,
			timeframes JSONB NOT NULL DEFAULT '["1h"]',
			bot_version VARCHAR(50),
			strategy_config JSONB NOT NULL DEFAULT '{}',
			execution_config JSONB NOT NULL DEFAULT '{}',
			risk_config JSONB NOT NULL DEFAULT '{}',
			network_type VARCHAR(10) NOT NULL DEFAULT 'TESTNET',
			is_trial BOOLEAN NOT NULL DEFAULT FALSE,
			trial_expires_at TIMESTAMP,
			started_at TIMESTAMP NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMP,
			last_run_at TIMESTAMP,
			next_run_at TIMESTAMP,
			status VARCHAR(20) NOT NULL DEFAULT 'ACTIVE',
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_due ON subscriptions(status, next_run_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_instance_name
			ON subscriptions(user_id, instance_name)
			WHERE status <> 'CANCELLED'`,

		// Trades
		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			subscription_id BIGINT NOT NULL REFERENCES subscriptions(id),
			symbol VARCHAR(30) NOT NULL,
			side VARCHAR(4) NOT NULL,
			position_side VARCHAR(5) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			entry_time TIMESTAMP NOT NULL,
			leverage INT NOT NULL DEFAULT 1,
			stop_loss DECIMAL(20, 8),
			take_profit DECIMAL(20, 8),
			order_id VARCHAR(64),
			stop_loss_order_id VARCHAR(64),
			take_profit_order_ids JSONB NOT NULL DEFAULT '[]',
			status VARCHAR(10) NOT NULL DEFAULT 'OPEN',
			exit_price DECIMAL(20, 8),
			exit_time TIMESTAMP,
			exit_reason VARCHAR(20),
			realized_pnl DECIMAL(20, 8),
			unrealized_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			last_updated_price DECIMAL(20, 8),
			pnl_percentage DECIMAL(10, 4) NOT NULL DEFAULT 0,
			fees_paid DECIMAL(20, 8) NOT NULL DEFAULT 0,
			trade_duration_minutes INT,
			is_winning BOOLEAN,
			sizing_method VARCHAR(30),
			sizing_reason TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_subscription_status ON trades(subscription_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,

		// Action log (append-only)
		`CREATE TABLE IF NOT EXISTS action_logs (
			id BIGSERIAL PRIMARY KEY,
			subscription_id BIGINT NOT NULL REFERENCES subscriptions(id),
			timestamp TIMESTAMP NOT NULL DEFAULT NOW(),
			action VARCHAR(10) NOT NULL,
			description TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_action_logs_subscription
			ON action_logs(subscription_id, timestamp DESC)`,

		// updated_at trigger
		`CREATE OR REPLACE FUNCTION update_updated_at_column()
		RETURNS TRIGGER AS $$
		BEGIN
			NEW.updated_at = CURRENT_TIMESTAMP;
			RETURN NEW;
		END;
		$$ language 'plpgsql'`,

		`DROP TRIGGER IF EXISTS update_subscriptions_updated_at ON subscriptions`,
		`CREATE TRIGGER update_subscriptions_updated_at BEFORE UPDATE ON subscriptions
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,

		`DROP TRIGGER IF EXISTS update_trades_updated_at ON trades`,
		`CREATE TRIGGER update_trades_updated_at BEFORE UPDATE ON trades
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,

		`DROP TRIGGER IF EXISTS update_bots_updated_at ON bots`,
		`CREATE TRIGGER update_bots_updated_at BEFORE UPDATE ON bots
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}
