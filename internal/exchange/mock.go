package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockAdapter is an in-memory FuturesAdapter for tests and dry runs. Every
// operation records its call and serves canned state; Fail* switches inject
// errors at specific steps.
type MockAdapter struct {
	mu sync.Mutex

	Account    *AccountInfo
	Positions  []Position
	Price      float64
	Precision_ *SymbolPrecision
	Klines_    []Kline
	Leverage   map[string]int

	PlacedOrders    []OrderInfo
	CancelledOrders []string
	nextOrderID     int

	FailConnectivity bool
	FailMarketOrder  bool
	FailStopLoss     bool
	FailTakeProfit   bool
	FailOCO          bool
	FailCancel       bool
	FailTakeProfitAfter int // fail the Nth take-profit placement (1-based), 0 = never
	tpPlacements        int
}

// NewMockAdapter returns a mock with sane defaults: a funded account, a
// liquid BTCUSDT book and permissive trading rules.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		Account: &AccountInfo{
			TotalWallet:   10000,
			Available:     8000,
			UsedMargin:    2000,
			UnrealizedPnL: 0,
		},
		Price: 50000,
		Precision_: &SymbolPrecision{
			Symbol:      "BTCUSDT",
			StepSize:    0.001,
			TickSize:    0.1,
			MinQty:      0.001,
			MinNotional: 5,
		},
		Leverage: make(map[string]int),
	}
}

// Name returns the canonical exchange name.
func (m *MockAdapter) Name() string { return "mock" }

// NormalizeSymbol strips the slash and uppercases. Idempotent.
func (m *MockAdapter) NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

// TestConnectivity succeeds unless FailConnectivity is set.
func (m *MockAdapter) TestConnectivity(ctx context.Context) error {
	if m.FailConnectivity {
		return &ExchangeError{Exchange: "mock", Code: "503", Message: "connectivity failure"}
	}
	return nil
}

// GetAccountInfo returns the canned account snapshot.
func (m *MockAdapter) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := *m.Account
	return &acct, nil
}

// GetPositions returns canned positions, filtered by symbol when given.
func (m *MockAdapter) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if symbol == "" {
		return append([]Position(nil), m.Positions...), nil
	}
	norm := m.NormalizeSymbol(symbol)
	var out []Position
	for _, p := range m.Positions {
		if m.NormalizeSymbol(p.Symbol) == norm {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetTicker returns the canned price.
func (m *MockAdapter) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Ticker{Symbol: m.NormalizeSymbol(symbol), Price: m.Price}, nil
}

// SetLeverage records the requested leverage.
func (m *MockAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Leverage[m.NormalizeSymbol(symbol)] = leverage
	return nil
}

// GetSymbolPrecision returns the canned trading rules.
func (m *MockAdapter) GetSymbolPrecision(ctx context.Context, symbol string) (*SymbolPrecision, error) {
	prec := *m.Precision_
	prec.Symbol = m.NormalizeSymbol(symbol)
	return &prec, nil
}

// RoundQuantity floors to the canned step size with validation.
func (m *MockAdapter) RoundQuantity(ctx context.Context, qty float64, symbol string) (string, error) {
	prec, _ := m.GetSymbolPrecision(ctx, symbol)
	return roundAndValidate(qty, m.Price, prec)
}

func (m *MockAdapter) record(orderType, symbol, side, qtyStr, priceStr string) *OrderInfo {
	m.nextOrderID++
	info := OrderInfo{
		OrderID:     fmt.Sprintf("mock-%d", m.nextOrderID),
		Symbol:      m.NormalizeSymbol(symbol),
		Side:        side,
		Type:        orderType,
		QuantityStr: qtyStr,
		PriceStr:    priceStr,
		Status:      OrderStatusNew,
	}
	if orderType == OrderTypeMarket {
		info.Status = OrderStatusFilled
	}
	m.PlacedOrders = append(m.PlacedOrders, info)
	return &info
}

// CreateMarketOrder records a filled market order.
func (m *MockAdapter) CreateMarketOrder(ctx context.Context, symbol, side string, qty float64) (*OrderInfo, error) {
	if m.FailMarketOrder {
		return nil, &ExchangeError{Exchange: "mock", Code: "400", Message: "market order rejected"}
	}
	qtyStr, err := m.RoundQuantity(ctx, qty, symbol)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	info := m.record(OrderTypeMarket, symbol, side, qtyStr, "")
	info.ExecutedQty, _ = parseQty(qtyStr)
	info.AvgPrice = m.Price
	m.PlacedOrders[len(m.PlacedOrders)-1] = *info
	return info, nil
}

// CreateStopLossOrder records a stop-market order.
func (m *MockAdapter) CreateStopLossOrder(ctx context.Context, symbol, side string, qty, stopPrice float64, reduceOnly bool) (*OrderInfo, error) {
	if m.FailStopLoss {
		return nil, &ExchangeError{Exchange: "mock", Code: "400", Message: "stop loss rejected"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record(OrderTypeStopMarket, symbol, side,
		RoundToStep(qty, m.Precision_.StepSize), RoundToStep(stopPrice, m.Precision_.TickSize)), nil
}

// CreateTakeProfitOrder records a take-profit-market order.
func (m *MockAdapter) CreateTakeProfitOrder(ctx context.Context, symbol, side string, qty, stopPrice float64, reduceOnly bool) (*OrderInfo, error) {
	m.mu.Lock()
	m.tpPlacements++
	failNow := m.FailTakeProfit || (m.FailTakeProfitAfter > 0 && m.tpPlacements >= m.FailTakeProfitAfter)
	m.mu.Unlock()
	if failNow {
		return nil, &ExchangeError{Exchange: "mock", Code: "400", Message: "take profit rejected"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record(OrderTypeTakeProfitMarket, symbol, side,
		RoundToStep(qty, m.Precision_.StepSize), RoundToStep(stopPrice, m.Precision_.TickSize)), nil
}

// CreateOCOOrder records a paired take-profit limit and stop-loss order,
// which also makes the mock usable as a SpotAdapter.
func (m *MockAdapter) CreateOCOOrder(ctx context.Context, symbol, side string, qty, tpPrice, slPrice float64) (*ManagedOrders, error) {
	if m.FailOCO {
		return nil, &ExchangeError{Exchange: "mock", Code: "400", Message: "oco rejected"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	qtyStr := RoundToStep(qty, m.Precision_.StepSize)
	tp := m.record(OrderTypeLimit, symbol, side, qtyStr, RoundToStep(tpPrice, m.Precision_.TickSize))
	sl := m.record(OrderTypeStopMarket, symbol, side, qtyStr, RoundToStep(slPrice, m.Precision_.TickSize))
	return &ManagedOrders{StopLoss: sl, TakeProfits: []*OrderInfo{tp}}, nil
}

// GetOpenOrders returns non-cancelled protective orders.
func (m *MockAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancelled := make(map[string]bool, len(m.CancelledOrders))
	for _, id := range m.CancelledOrders {
		cancelled[id] = true
	}
	var out []OrderInfo
	for _, ord := range m.PlacedOrders {
		if ord.Status == OrderStatusNew && !cancelled[ord.OrderID] {
			out = append(out, ord)
		}
	}
	return out, nil
}

// CancelOrder records a cancellation.
func (m *MockAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if m.FailCancel {
		return &ExchangeError{Exchange: "mock", Code: "400", Message: "cancel rejected"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelledOrders = append(m.CancelledOrders, orderID)
	return nil
}

// CancelAllOrders cancels all open orders for a symbol.
func (m *MockAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	orders, _ := m.GetOpenOrders(ctx, symbol)
	for _, ord := range orders {
		if err := m.CancelOrder(ctx, symbol, ord.OrderID); err != nil {
			return err
		}
	}
	return nil
}

// GetKlines returns canned candles, honoring the limit.
func (m *MockAdapter) GetKlines(ctx context.Context, q KlineQuery) ([]Kline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	klines := m.Klines_
	if q.Limit > 0 && len(klines) > q.Limit {
		klines = klines[len(klines)-q.Limit:]
	}
	return append([]Kline(nil), klines...), nil
}

// CreateManagedOrders places the standard SL + split-TP protective set.
func (m *MockAdapter) CreateManagedOrders(ctx context.Context, symbol, closeSide string, qty, stopPrice, tpPrice float64, reduceOnly bool) (*ManagedOrders, error) {
	return placeManagedOrders(ctx, m, symbol, closeSide, qty, stopPrice, tpPrice, reduceOnly)
}

func parseQty(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%g", &f)
	return f, err
}
