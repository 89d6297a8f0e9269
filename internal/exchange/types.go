package exchange

import (
	"context"
	"fmt"
	"time"
)

// Order sides, types and statuses normalized across exchanges.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	PositionLong  = "LONG"
	PositionShort = "SHORT"

	OrderTypeMarket           = "MARKET"
	OrderTypeLimit            = "LIMIT"
	OrderTypeStopMarket       = "STOP_MARKET"
	OrderTypeTakeProfitMarket = "TAKE_PROFIT_MARKET"
	OrderTypeOCO              = "OCO"

	OrderStatusNew             = "NEW"
	OrderStatusFilled          = "FILLED"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusRejected        = "REJECTED"
)

// OrderInfo is the unified order representation returned by every adapter.
type OrderInfo struct {
	OrderID       string  `json:"order_id"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	QuantityStr   string  `json:"quantity_str"`
	PriceStr      string  `json:"price_str,omitempty"`
	Status        string  `json:"status"`
	ExecutedQty   float64 `json:"executed_qty"`
	AvgPrice      float64 `json:"avg_price,omitempty"`
}

// Position is the unified open-position representation.
type Position struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"` // LONG or SHORT
	Size       float64 `json:"size"`
	EntryPrice float64 `json:"entry_price"`
	MarkPrice  float64 `json:"mark_price"`
	PnL        float64 `json:"pnl"`
	Percentage float64 `json:"percentage"`
	Leverage   int     `json:"leverage,omitempty"`
}

// AccountInfo is the unified account snapshot.
type AccountInfo struct {
	TotalWallet   float64                `json:"total_wallet"`
	Available     float64                `json:"available"`
	UsedMargin    float64                `json:"used_margin"`
	UnrealizedPnL float64                `json:"unrealized_pnl"`
	Raw           map[string]interface{} `json:"raw,omitempty"`
}

// Ticker is the last-traded price for a symbol.
type Ticker struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// SymbolPrecision carries the trading-rule metadata needed to round and
// validate quantities for a symbol. ContractValue is nonzero only on
// contract-denominated exchanges (OKX, Huobi).
type SymbolPrecision struct {
	Symbol         string  `json:"symbol"`
	QtyPrecision   int     `json:"qty_precision"`
	PricePrecision int     `json:"price_precision"`
	StepSize       float64 `json:"step_size"`
	TickSize       float64 `json:"tick_size"`
	MinQty         float64 `json:"min_qty"`
	MinNotional    float64 `json:"min_notional"`
	ContractValue  float64 `json:"contract_value,omitempty"`
}

// Kline is one OHLCV candle. OpenTime/CloseTime are ms since epoch.
type Kline struct {
	OpenTime  int64   `json:"open_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"close_time"`
}

// KlineQuery bounds a candle request. Start/End of zero mean "unbounded".
type KlineQuery struct {
	Symbol   string
	Interval string
	Limit    int
	Start    int64 // ms since epoch, inclusive
	End      int64 // ms since epoch, inclusive
}

// ManagedOrders is the result of placing a protective SL + TP set.
type ManagedOrders struct {
	StopLoss    *OrderInfo   `json:"stop_loss"`
	TakeProfits []*OrderInfo `json:"take_profits"`
}

// OrderIDs returns all order ids in the set, SL first.
func (m *ManagedOrders) OrderIDs() []string {
	var ids []string
	if m.StopLoss != nil {
		ids = append(ids, m.StopLoss.OrderID)
	}
	for _, tp := range m.TakeProfits {
		ids = append(ids, tp.OrderID)
	}
	return ids
}

// FuturesAdapter is the unified futures capability set. All operations take
// canonical symbols ("BTCUSDT" or "BTC/USDT"); adapters normalize internally.
type FuturesAdapter interface {
	Name() string
	TestConnectivity(ctx context.Context) error
	GetAccountInfo(ctx context.Context) (*AccountInfo, error)
	GetPositions(ctx context.Context, symbol string) ([]Position, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	GetSymbolPrecision(ctx context.Context, symbol string) (*SymbolPrecision, error)
	RoundQuantity(ctx context.Context, qty float64, symbol string) (string, error)
	CreateMarketOrder(ctx context.Context, symbol, side string, qty float64) (*OrderInfo, error)
	CreateStopLossOrder(ctx context.Context, symbol, side string, qty float64, stopPrice float64, reduceOnly bool) (*OrderInfo, error)
	CreateTakeProfitOrder(ctx context.Context, symbol, side string, qty float64, stopPrice float64, reduceOnly bool) (*OrderInfo, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetKlines(ctx context.Context, q KlineQuery) ([]Kline, error)
	CreateManagedOrders(ctx context.Context, symbol, closeSide string, qty, stopPrice, tpPrice float64, reduceOnly bool) (*ManagedOrders, error)
	NormalizeSymbol(symbol string) string
}

// SpotAdapter is the unified spot capability set.
type SpotAdapter interface {
	Name() string
	TestConnectivity(ctx context.Context) error
	GetAccountInfo(ctx context.Context) (*AccountInfo, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetSymbolPrecision(ctx context.Context, symbol string) (*SymbolPrecision, error)
	RoundQuantity(ctx context.Context, qty float64, symbol string) (string, error)
	CreateMarketOrder(ctx context.Context, symbol, side string, qty float64) (*OrderInfo, error)
	CreateOCOOrder(ctx context.Context, symbol, side string, qty, tpPrice, slPrice float64) (*ManagedOrders, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetKlines(ctx context.Context, q KlineQuery) ([]Kline, error)
	NormalizeSymbol(symbol string) string
}

// intervalDurations maps canonical timeframe names to their length.
var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
}

// IntervalDuration resolves a canonical timeframe ("1m", "1h", "1d") to a
// duration.
func IntervalDuration(interval string) (time.Duration, error) {
	d, ok := intervalDurations[interval]
	if !ok {
		return 0, fmt.Errorf("unknown interval: %s", interval)
	}
	return d, nil
}

// LastClosedCandleEnd returns the close boundary of the most recent fully
// closed candle for an interval: floor(now/interval) - interval, in ms.
func LastClosedCandleEnd(now time.Time, interval string) (int64, error) {
	d, err := IntervalDuration(interval)
	if err != nil {
		return 0, err
	}
	return now.Truncate(d).Add(-d).UnixMilli(), nil
}
