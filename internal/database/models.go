package database

import (
	"time"
)

// Subscription status values
const (
	SubscriptionActive    = "ACTIVE"
	SubscriptionPaused    = "PAUSED"
	SubscriptionCancelled = "CANCELLED"
	SubscriptionExpired   = "EXPIRED"
	SubscriptionError     = "ERROR"
)

// Trade status values
const (
	TradeOpen   = "OPEN"
	TradeClosed = "CLOSED"
)

// Exit reason values
const (
	ExitReasonTPHit       = "TP_HIT"
	ExitReasonSLHit       = "SL_HIT"
	ExitReasonManual      = "MANUAL"
	ExitReasonLiquidation = "LIQUIDATION"
	ExitReasonUnknown     = "UNKNOWN"
)

// Action log actions
const (
	ActionBuy   = "BUY"
	ActionSell  = "SELL"
	ActionHold  = "HOLD"
	ActionError = "ERROR"
	ActionInfo  = "INFO"
)

// Bot status values
const (
	BotPending  = "PENDING"
	BotApproved = "APPROVED"
	BotRejected = "REJECTED"
	BotArchived = "ARCHIVED"
)

// Network types
const (
	NetworkTestnet = "TESTNET"
	NetworkMainnet = "MAINNET"
)

// Credential types, in resolution precedence order
const (
	CredentialDeveloperTesting     = "DEVELOPER_TESTING"
	CredentialMarketplacePrincipal = "MARKETPLACE_PRINCIPAL"
	CredentialUser                 = "USER"
)

// Trading types
const (
	TradingTypeSpot    = "SPOT"
	TradingTypeFutures = "FUTURES"
)

// User is an account identity; owns subscriptions and credentials.
type User struct {
	ID                int64     `json:"id"`
	ExternalPrincipal *string   `json:"external_principal,omitempty"`
	Email             string    `json:"email"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
}

// Bot is a developer's strategy definition. Only APPROVED bots may back an
// active subscription.
type Bot struct {
	ID           int64     `json:"id"`
	DeveloperID  int64     `json:"developer_id"`
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	ObjectKey    string    `json:"object_key"`
	ExchangeType string    `json:"exchange_type"`
	TradingType  string    `json:"trading_type"` // SPOT or FUTURES
	Status       string    `json:"status"`
	WinRate      *float64  `json:"win_rate,omitempty"`
	AvgWinLoss   *float64  `json:"avg_win_loss,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// BotFile is a versioned artifact record pointing at an object-store key.
// The sha256 must match the fetched bytes on load.
type BotFile struct {
	ID        int64     `json:"id"`
	BotID     int64     `json:"bot_id"`
	Version   string    `json:"version"`
	FileType  string    `json:"file_type"`
	ObjectKey string    `json:"object_key"`
	SHA256    string    `json:"sha256"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// ExchangeCredentials holds a user's encrypted API credentials for one
// (exchange, network) pair. At most one active row per
// (user, exchange, network, credential_type).
type ExchangeCredentials struct {
	ID                  int64     `json:"id"`
	UserID              int64     `json:"user_id"`
	Exchange            string    `json:"exchange"`
	Network             string    `json:"network"` // TESTNET or MAINNET
	CredentialType      string    `json:"credential_type"`
	APIKeyEncrypted     string    `json:"-"`
	SecretEncrypted     string    `json:"-"`
	PassphraseEncrypted *string   `json:"-"`
	IsActive            bool      `json:"is_active"`
	CreatedAt           time.Time `json:"created_at"`
}

// ExecutionConfig holds buy/sell sizing rules for a subscription.
type ExecutionConfig struct {
	BaseSizePct  float64 `json:"base_size_pct"`
	MaxSizePct   float64 `json:"max_size_pct"`
	SizingMethod string  `json:"sizing_method,omitempty"`
}

// RiskConfig holds per-subscription SL/TP/leverage overrides.
type RiskConfig struct {
	StopLossPct   float64 `json:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct"`
	Leverage      int     `json:"leverage"`
}

// Subscription is one running instance of a bot for a user.
type Subscription struct {
	ID              int64                  `json:"id"`
	UserID          int64                  `json:"user_id"`
	BotID           int64                  `json:"bot_id"`
	InstanceName    string                 `json:"instance_name"`
	ExchangeType    string                 `json:"exchange_type"`
	TradingPair     string                 `json:"trading_pair"`
	Timeframes      []string               `json:"timeframes"` // ordered, primary first
	BotVersion      *string                `json:"bot_version,omitempty"`
	StrategyConfig  map[string]interface{} `json:"strategy_config"`
	ExecutionConfig ExecutionConfig        `json:"execution_config"`
	RiskConfig      RiskConfig             `json:"risk_config"`
	NetworkType     string                 `json:"network_type"`
	IsTrial         bool                   `json:"is_trial"`
	TrialExpiresAt  *time.Time             `json:"trial_expires_at,omitempty"`
	StartedAt       time.Time              `json:"started_at"`
	ExpiresAt       *time.Time             `json:"expires_at,omitempty"`
	LastRunAt       *time.Time             `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time             `json:"next_run_at,omitempty"`
	Status          string                 `json:"status"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Trade is a persisted record of one opened position, from entry to closure.
// Once CLOSED the row is immutable.
type Trade struct {
	ID                   int64      `json:"id"`
	SubscriptionID       int64      `json:"subscription_id"`
	Symbol               string     `json:"symbol"`
	Side                 string     `json:"side"`          // BUY or SELL
	PositionSide         string     `json:"position_side"` // LONG or SHORT
	Quantity             float64    `json:"quantity"`
	EntryPrice           float64    `json:"entry_price"`
	EntryTime            time.Time  `json:"entry_time"`
	Leverage             int        `json:"leverage"`
	StopLoss             *float64   `json:"stop_loss,omitempty"`
	TakeProfit           *float64   `json:"take_profit,omitempty"`
	OrderID              *string    `json:"order_id,omitempty"`
	StopLossOrderID      *string    `json:"stop_loss_order_id,omitempty"`
	TakeProfitOrderIDs   []string   `json:"take_profit_order_ids,omitempty"`
	Status               string     `json:"status"`
	ExitPrice            *float64   `json:"exit_price,omitempty"`
	ExitTime             *time.Time `json:"exit_time,omitempty"`
	ExitReason           *string    `json:"exit_reason,omitempty"`
	RealizedPnL          *float64   `json:"realized_pnl,omitempty"`
	UnrealizedPnL        float64    `json:"unrealized_pnl"`
	LastUpdatedPrice     *float64   `json:"last_updated_price,omitempty"`
	PnLPercentage        float64    `json:"pnl_percentage"`
	FeesPaid             float64    `json:"fees_paid"`
	TradeDurationMinutes *int       `json:"trade_duration_minutes,omitempty"`
	IsWinning            *bool      `json:"is_winning,omitempty"`
	SizingMethod         *string    `json:"sizing_method,omitempty"`
	SizingReason         *string    `json:"sizing_reason,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// ActionLog is an append-only audit row. Every decision a cycle makes
// produces exactly one row; rows are never updated.
type ActionLog struct {
	ID             int64     `json:"id"`
	SubscriptionID int64     `json:"subscription_id"`
	Timestamp      time.Time `json:"timestamp"`
	Action         string    `json:"action"`
	Description    string    `json:"description"`
}
