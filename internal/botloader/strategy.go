// Package botloader fetches versioned bot artifacts from the object store,
// verifies them and turns them into executable strategies.
package botloader

import (
	"context"

	"tradebot-platform/internal/exchange"
)

// Action kinds produced by a strategy cycle.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
	ActionHold = "HOLD"
)

// Recommendation carries the strategy's price levels for the entry. Zero
// fields mean "no opinion" and the engine falls back to its defaults.
type Recommendation struct {
	EntryPrice float64 `json:"entry_price,omitempty"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
}

// Action is the outcome of one strategy cycle. Value is the confidence in
// [0, 1].
type Action struct {
	Kind           string          `json:"kind"`
	Value          float64         `json:"value"`
	Reason         string          `json:"reason,omitempty"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`
}

// MarketSnapshot is the data a strategy cycle runs against: the current
// price and closed candles per timeframe, oldest first.
type MarketSnapshot struct {
	Symbol  string
	Price   float64
	Candles map[string][]exchange.Kline
}

// Strategy is an executable trading bot. Implementations must be safe for
// repeated calls and must never place orders themselves.
type Strategy interface {
	Name() string
	ExecuteFullCycle(ctx context.Context, timeframe string, snapshot *MarketSnapshot) (*Action, error)
}
