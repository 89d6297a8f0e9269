package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"tradebot-platform/internal/logging"
)

// BybitSpotAdapter implements SpotAdapter over the same V5 API as the
// futures adapter, category=spot. Bybit spot has no native OCO;
// CreateOCOOrder falls back to a plain take-profit limit order.
type BybitSpotAdapter struct {
	fut    *BybitAdapter
	logger *logging.Logger
}

// NewBybitSpotAdapter creates a Bybit spot adapter.
func NewBybitSpotAdapter(apiKey, secretKey string, testnet bool) *BybitSpotAdapter {
	return &BybitSpotAdapter{
		fut:    NewBybitAdapter(apiKey, secretKey, testnet),
		logger: logging.Default().WithComponent("exchange.bybit-spot"),
	}
}

// Name returns the canonical exchange name.
func (a *BybitSpotAdapter) Name() string { return "bybit" }

// NormalizeSymbol maps "BTC/USDT" to "BTCUSDT". Idempotent.
func (a *BybitSpotAdapter) NormalizeSymbol(symbol string) string {
	return a.fut.NormalizeSymbol(symbol)
}

// TestConnectivity checks the public time endpoint.
func (a *BybitSpotAdapter) TestConnectivity(ctx context.Context) error {
	return a.fut.TestConnectivity(ctx)
}

// GetAccountInfo returns the unified-account snapshot; spot and derivatives
// share the same wallet on V5.
func (a *BybitSpotAdapter) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	return a.fut.GetAccountInfo(ctx)
}

// GetTicker returns the spot last price.
func (a *BybitSpotAdapter) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	body, err := a.fut.publicCall(ctx, "/v5/market/tickers", map[string]string{
		"category": "spot",
		"symbol":   a.NormalizeSymbol(symbol),
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching ticker: %w", err)
	}
	result, err := a.fut.unwrap(body)
	if err != nil {
		return nil, err
	}
	var resp struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil || len(resp.List) == 0 {
		return nil, fmt.Errorf("no ticker for symbol: %s", symbol)
	}
	price, _ := strconv.ParseFloat(resp.List[0].LastPrice, 64)
	return &Ticker{Symbol: resp.List[0].Symbol, Price: price}, nil
}

// GetSymbolPrecision fetches spot instrument rules, cached under a
// spot-scoped key.
func (a *BybitSpotAdapter) GetSymbolPrecision(ctx context.Context, symbol string) (*SymbolPrecision, error) {
	norm := a.NormalizeSymbol(symbol)
	cacheKey := "spot:" + norm
	if prec, ok := a.fut.precision.get(cacheKey); ok {
		return prec, nil
	}

	body, err := a.fut.publicCall(ctx, "/v5/market/instruments-info", map[string]string{
		"category": "spot",
		"symbol":   norm,
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching instrument info: %w", err)
	}
	result, err := a.fut.unwrap(body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		List []struct {
			Symbol        string `json:"symbol"`
			LotSizeFilter struct {
				BasePrecision  string `json:"basePrecision"`
				MinOrderQty    string `json:"minOrderQty"`
				MinOrderAmt    string `json:"minOrderAmt"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil || len(resp.List) == 0 {
		return nil, fmt.Errorf("symbol not found: %s", norm)
	}

	row := resp.List[0]
	prec := &SymbolPrecision{Symbol: norm}
	prec.StepSize, _ = strconv.ParseFloat(row.LotSizeFilter.BasePrecision, 64)
	prec.MinQty, _ = strconv.ParseFloat(row.LotSizeFilter.MinOrderQty, 64)
	prec.MinNotional, _ = strconv.ParseFloat(row.LotSizeFilter.MinOrderAmt, 64)
	prec.TickSize, _ = strconv.ParseFloat(row.PriceFilter.TickSize, 64)
	prec.QtyPrecision = decimalPlaces(row.LotSizeFilter.BasePrecision)
	prec.PricePrecision = decimalPlaces(row.PriceFilter.TickSize)

	a.fut.precision.put(cacheKey, prec)
	return prec, nil
}

// RoundQuantity floors qty to step size with minimum validation.
func (a *BybitSpotAdapter) RoundQuantity(ctx context.Context, qty float64, symbol string) (string, error) {
	prec, err := a.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return "", err
	}
	ticker, err := a.GetTicker(ctx, symbol)
	if err != nil {
		return "", err
	}
	return roundAndValidate(qty, ticker.Price, prec)
}

// CreateMarketOrder places a spot market order.
func (a *BybitSpotAdapter) CreateMarketOrder(ctx context.Context, symbol, side string, qty float64) (*OrderInfo, error) {
	qtyStr, err := a.RoundQuantity(ctx, qty, symbol)
	if err != nil {
		return nil, err
	}
	norm := a.NormalizeSymbol(symbol)
	body, err := a.fut.signedCall(ctx, http.MethodPost, "/v5/order/create", map[string]string{
		"category":  "spot",
		"symbol":    norm,
		"side":      bybitSide(side),
		"orderType": "Market",
		"qty":       qtyStr,
	})
	if err != nil {
		return nil, fmt.Errorf("error placing market order: %w", err)
	}
	result, err := a.fut.unwrap(body)
	if err != nil {
		return nil, err
	}
	info := a.fut.parseOrderResult(result, norm, side, OrderTypeMarket, qtyStr, "")
	info.Status = OrderStatusFilled
	info.ExecutedQty, _ = strconv.ParseFloat(qtyStr, 64)
	return info, nil
}

// CreateOCOOrder has no native support on Bybit spot: it falls back to a
// plain take-profit limit order and logs a warning that the stop side is
// unprotected.
func (a *BybitSpotAdapter) CreateOCOOrder(ctx context.Context, symbol, side string, qty, tpPrice, slPrice float64) (*ManagedOrders, error) {
	a.logger.Warn("oco not supported on bybit spot, placing plain take-profit limit",
		"symbol", symbol, "dropped_stop_price", slPrice)

	prec, err := a.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return nil, err
	}
	norm := a.NormalizeSymbol(symbol)
	qtyStr := RoundToStep(qty, prec.StepSize)
	priceStr := RoundToStep(tpPrice, prec.TickSize)

	body, err := a.fut.signedCall(ctx, http.MethodPost, "/v5/order/create", map[string]string{
		"category":    "spot",
		"symbol":      norm,
		"side":        bybitSide(side),
		"orderType":   "Limit",
		"qty":         qtyStr,
		"price":       priceStr,
		"timeInForce": "GTC",
	})
	if err != nil {
		return nil, fmt.Errorf("error placing take-profit limit: %w", err)
	}
	result, err := a.fut.unwrap(body)
	if err != nil {
		return nil, err
	}
	tp := a.fut.parseOrderResult(result, norm, side, OrderTypeLimit, qtyStr, priceStr)
	return &ManagedOrders{TakeProfits: []*OrderInfo{tp}}, nil
}

// GetOpenOrders lists open spot orders.
func (a *BybitSpotAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error) {
	body, err := a.fut.signedCall(ctx, http.MethodGet, "/v5/order/realtime", map[string]string{
		"category": "spot",
		"symbol":   a.NormalizeSymbol(symbol),
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching open orders: %w", err)
	}
	result, err := a.fut.unwrap(body)
	if err != nil {
		return nil, err
	}
	var resp struct {
		List []struct {
			OrderID     string `json:"orderId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			OrderType   string `json:"orderType"`
			Qty         string `json:"qty"`
			Price       string `json:"price"`
			OrderStatus string `json:"orderStatus"`
			CumExecQty  string `json:"cumExecQty"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("error parsing open orders: %w", err)
	}

	orders := make([]OrderInfo, 0, len(resp.List))
	for _, row := range resp.List {
		side := SideBuy
		if strings.EqualFold(row.Side, "Sell") {
			side = SideSell
		}
		orderType := OrderTypeLimit
		if strings.EqualFold(row.OrderType, "Market") {
			orderType = OrderTypeMarket
		}
		executed, _ := strconv.ParseFloat(row.CumExecQty, 64)
		orders = append(orders, OrderInfo{
			OrderID:     row.OrderID,
			Symbol:      row.Symbol,
			Side:        side,
			Type:        orderType,
			QuantityStr: row.Qty,
			PriceStr:    row.Price,
			Status:      normalizeBybitStatus(row.OrderStatus),
			ExecutedQty: executed,
		})
	}
	return orders, nil
}

// CancelOrder cancels one spot order by id.
func (a *BybitSpotAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body, err := a.fut.signedCall(ctx, http.MethodPost, "/v5/order/cancel", map[string]string{
		"category": "spot",
		"symbol":   a.NormalizeSymbol(symbol),
		"orderId":  orderID,
	})
	if err != nil {
		return fmt.Errorf("error cancelling order %s: %w", orderID, err)
	}
	_, err = a.fut.unwrap(body)
	return err
}

// CancelAllOrders cancels every open spot order for a symbol.
func (a *BybitSpotAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	body, err := a.fut.signedCall(ctx, http.MethodPost, "/v5/order/cancel-all", map[string]string{
		"category": "spot",
		"symbol":   a.NormalizeSymbol(symbol),
	})
	if err != nil {
		return fmt.Errorf("error cancelling all orders: %w", err)
	}
	_, err = a.fut.unwrap(body)
	return err
}

// GetKlines fetches spot OHLCV candles.
func (a *BybitSpotAdapter) GetKlines(ctx context.Context, q KlineQuery) ([]Kline, error) {
	interval, ok := bybitIntervals[q.Interval]
	if !ok {
		return nil, fmt.Errorf("unsupported interval: %s", q.Interval)
	}
	params := map[string]string{
		"category": "spot",
		"symbol":   a.NormalizeSymbol(q.Symbol),
		"interval": interval,
	}
	if q.Limit > 0 {
		params["limit"] = strconv.Itoa(q.Limit)
	}
	if q.Start > 0 {
		params["start"] = strconv.FormatInt(q.Start, 10)
	}
	if q.End > 0 {
		params["end"] = strconv.FormatInt(q.End, 10)
	}

	body, err := a.fut.publicCall(ctx, "/v5/market/kline", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}
	result, err := a.fut.unwrap(body)
	if err != nil {
		return nil, err
	}
	var resp struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	dur, _ := IntervalDuration(q.Interval)
	klines := make([]Kline, 0, len(resp.List))
	for i := len(resp.List) - 1; i >= 0; i-- {
		row := resp.List[i]
		if len(row) < 6 {
			continue
		}
		openTime, _ := strconv.ParseInt(row[0], 10, 64)
		k := Kline{
			OpenTime:  openTime,
			CloseTime: openTime + dur.Milliseconds() - 1,
		}
		k.Open, _ = strconv.ParseFloat(row[1], 64)
		k.High, _ = strconv.ParseFloat(row[2], 64)
		k.Low, _ = strconv.ParseFloat(row[3], 64)
		k.Close, _ = strconv.ParseFloat(row[4], 64)
		k.Volume, _ = strconv.ParseFloat(row[5], 64)
		klines = append(klines, k)
	}
	return klines, nil
}
