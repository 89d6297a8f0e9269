package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrActiveTrialExists is returned when a trial subscription would duplicate
// an existing active trial for the same (user, bot).
var ErrActiveTrialExists = errors.New("an active trial already exists for this user and bot")

const subscriptionColumns = `
	id, user_id, bot_id, instance_name, exchange_type, trading_pair,
	timeframes, bot_version, strategy_config, execution_config, risk_config,
	network_type, is_trial, trial_expires_at, started_at, expires_at,
	last_run_at, next_run_at, status, created_at, updated_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	sub := &Subscription{}
	var timeframes, strategyCfg, execCfg, riskCfg []byte
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.BotID, &sub.InstanceName, &sub.ExchangeType,
		&sub.TradingPair, &timeframes, &sub.BotVersion, &strategyCfg, &execCfg,
		&riskCfg, &sub.NetworkType, &sub.IsTrial, &sub.TrialExpiresAt,
		&sub.StartedAt, &sub.ExpiresAt, &sub.LastRunAt, &sub.NextRunAt,
		&sub.Status, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(timeframes, &sub.Timeframes); err != nil {
		return nil, fmt.Errorf("failed to parse timeframes: %w", err)
	}
	if err := json.Unmarshal(strategyCfg, &sub.StrategyConfig); err != nil {
		return nil, fmt.Errorf("failed to parse strategy_config: %w", err)
	}
	if err := json.Unmarshal(execCfg, &sub.ExecutionConfig); err != nil {
		return nil, fmt.Errorf("failed to parse execution_config: %w", err)
	}
	if err := json.Unmarshal(riskCfg, &sub.RiskConfig); err != nil {
		return nil, fmt.Errorf("failed to parse risk_config: %w", err)
	}
	return sub, nil
}

// CreateSubscription inserts a new subscription in ACTIVE status. Trial
// subscriptions are rejected when another active trial exists for the same
// (user, bot) pair.
func (r *Repository) CreateSubscription(ctx context.Context, sub *Subscription) error {
	if sub.IsTrial {
		var count int
		err := r.db.Pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM subscriptions
			WHERE user_id = $1 AND bot_id = $2 AND is_trial AND status = 'ACTIVE'
		`, sub.UserID, sub.BotID).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check existing trials: %w", err)
		}
		if count > 0 {
			return ErrActiveTrialExists
		}
	}

	timeframes, _ := json.Marshal(sub.Timeframes)
	strategyCfg, _ := json.Marshal(sub.StrategyConfig)
	execCfg, _ := json.Marshal(sub.ExecutionConfig)
	riskCfg, _ := json.Marshal(sub.RiskConfig)

	query := `
		INSERT INTO subscriptions (
			user_id, bot_id, instance_name, exchange_type, trading_pair,
			timeframes, bot_version, strategy_config, execution_config, risk_config,
			network_type, is_trial, trial_expires_at, expires_at, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 'ACTIVE')
		RETURNING id, started_at, status, created_at, updated_at
	`
	return r.db.Pool.QueryRow(ctx, query,
		sub.UserID, sub.BotID, sub.InstanceName, sub.ExchangeType, sub.TradingPair,
		timeframes, sub.BotVersion, strategyCfg, execCfg, riskCfg,
		sub.NetworkType, sub.IsTrial, sub.TrialExpiresAt, sub.ExpiresAt,
	).Scan(&sub.ID, &sub.StartedAt, &sub.Status, &sub.CreatedAt, &sub.UpdatedAt)
}

// GetSubscriptionByID retrieves a subscription by id
func (r *Repository) GetSubscriptionByID(ctx context.Context, id int64) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	return scanSubscription(r.db.Pool.QueryRow(ctx, query, id))
}

// GetActiveSubscriptions retrieves all ACTIVE and PAUSED subscriptions for
// the scheduler sweep. PAUSED rows stay sweepable so trial expiry still
// applies to them.
func (r *Repository) GetActiveSubscriptions(ctx context.Context) ([]*Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status IN ('ACTIVE', 'PAUSED')
		ORDER BY next_run_at NULLS FIRST
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// UpdateSubscriptionStatus transitions a subscription to a new status
func (r *Repository) UpdateSubscriptionStatus(ctx context.Context, id int64, status string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE subscriptions SET status = $2 WHERE id = $1`, id, status)
	return err
}

// UpdateSubscriptionRunTimes records a completed run and the next due time
func (r *Repository) UpdateSubscriptionRunTimes(ctx context.Context, id int64, lastRunAt, nextRunAt time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE subscriptions SET last_run_at = $2, next_run_at = $3 WHERE id = $1
	`, id, lastRunAt, nextRunAt)
	return err
}
