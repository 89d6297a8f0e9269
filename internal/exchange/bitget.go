package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	bitgetURL = "https://api.bitget.com"

	bitgetProductType     = "USDT-FUTURES"
	bitgetDemoProductType = "SUSDT-FUTURES"
)

// bitget kline granularity codes
var bitgetGranularities = map[string]string{
	"1m": "1m", "3m": "3m", "5m": "5m", "15m": "15m", "30m": "30m",
	"1h": "1H", "2h": "2H", "4h": "4H", "6h": "6H", "12h": "12H",
	"1d": "1D",
}

// BitgetAdapter implements FuturesAdapter against the Bitget V2 mix API,
// productType=USDT-FUTURES (SUSDT-FUTURES for demo trading).
type BitgetAdapter struct {
	apiKey      string
	secretKey   string
	passphrase  string
	productType string
	transport   *transport
	precision   *precisionCache

	offsetMu   sync.Mutex
	timeOffset int64
	offsetSet  bool
}

// NewBitgetAdapter creates a Bitget adapter. demo selects the simulated
// product type.
func NewBitgetAdapter(apiKey, secretKey, passphrase string, demo bool) *BitgetAdapter {
	productType := bitgetProductType
	if demo {
		productType = bitgetDemoProductType
	}
	return &BitgetAdapter{
		apiKey:      strings.TrimSpace(apiKey),
		secretKey:   strings.TrimSpace(secretKey),
		passphrase:  strings.TrimSpace(passphrase),
		productType: productType,
		transport:   newTransport("bitget", 8),
		precision:   newPrecisionCache(),
	}
}

// Name returns the canonical exchange name.
func (a *BitgetAdapter) Name() string { return "bitget" }

// NormalizeSymbol maps "BTC/USDT" to "BTCUSDT". Idempotent. The product
// type travels as a separate query parameter.
func (a *BitgetAdapter) NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

// ==================== SIGNING ====================

func (a *BitgetAdapter) serverNow() int64 {
	a.offsetMu.Lock()
	defer a.offsetMu.Unlock()
	return time.Now().UnixMilli() + a.timeOffset
}

func (a *BitgetAdapter) syncTimeOffset(ctx context.Context) error {
	body, err := a.publicCall(ctx, "/api/v2/public/time", nil)
	if err != nil {
		return err
	}
	data, err := a.unwrap(body)
	if err != nil {
		return err
	}
	var resp struct {
		ServerTime string `json:"serverTime"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return err
	}
	ts, err := strconv.ParseInt(resp.ServerTime, 10, 64)
	if err != nil {
		return err
	}
	a.offsetMu.Lock()
	a.timeOffset = ts - time.Now().UnixMilli()
	a.offsetSet = true
	a.offsetMu.Unlock()
	return nil
}

// signRequest computes base64(HMAC-SHA256(ts + method + path + body)).
func (a *BitgetAdapter) signRequest(timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(a.secretKey))
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (a *BitgetAdapter) unwrap(body []byte) (json.RawMessage, error) {
	var env struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("error parsing response: %w", err)
	}
	if env.Code != "00000" {
		return nil, &ExchangeError{
			Exchange:  "bitget",
			Code:      env.Code,
			Message:   env.Msg,
			Retriable: env.Code == "429" || strings.Contains(env.Msg, "too many"),
		}
	}
	return env.Data, nil
}

// ==================== HTTP ====================

func (a *BitgetAdapter) publicCall(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return a.transport.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, bitgetURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.URL.RawQuery = sortedQuery(params)
		return req, nil
	}, nil)
}

func (a *BitgetAdapter) signedCall(ctx context.Context, method, path string, params map[string]string, jsonBody interface{}) ([]byte, error) {
	a.offsetMu.Lock()
	needSync := !a.offsetSet
	a.offsetMu.Unlock()
	if needSync {
		if err := a.syncTimeOffset(ctx); err != nil {
			return nil, fmt.Errorf("time sync failed: %w", err)
		}
	}

	body, err := a.signedCallOnce(ctx, method, path, params, jsonBody)
	if err != nil && IsTimestampRejection("bitget", err) {
		if syncErr := a.syncTimeOffset(ctx); syncErr != nil {
			return nil, err
		}
		return a.signedCallOnce(ctx, method, path, params, jsonBody)
	}
	return body, err
}

func (a *BitgetAdapter) signedCallOnce(ctx context.Context, method, path string, params map[string]string, jsonBody interface{}) ([]byte, error) {
	return a.transport.do(ctx, func() (*http.Request, error) {
		requestPath := path
		if query := sortedQuery(params); query != "" {
			requestPath += "?" + query
		}

		var bodyStr string
		var reader *bytes.Reader
		if jsonBody != nil {
			raw, err := json.Marshal(jsonBody)
			if err != nil {
				return nil, err
			}
			bodyStr = string(raw)
			reader = bytes.NewReader(raw)
		} else {
			reader = bytes.NewReader(nil)
		}

		req, err := http.NewRequest(method, bitgetURL+requestPath, reader)
		if err != nil {
			return nil, err
		}

		timestamp := strconv.FormatInt(a.serverNow(), 10)
		req.Header.Set("ACCESS-KEY", a.apiKey)
		req.Header.Set("ACCESS-SIGN", a.signRequest(timestamp, method, requestPath, bodyStr))
		req.Header.Set("ACCESS-TIMESTAMP", timestamp)
		req.Header.Set("ACCESS-PASSPHRASE", a.passphrase)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("locale", "en-US")
		return req, nil
	}, nil)
}

// ==================== ACCOUNT ====================

// TestConnectivity checks the public time endpoint.
func (a *BitgetAdapter) TestConnectivity(ctx context.Context) error {
	_, err := a.publicCall(ctx, "/api/v2/public/time", nil)
	return err
}

// GetAccountInfo retrieves the USDT futures account snapshot.
func (a *BitgetAdapter) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	body, err := a.signedCall(ctx, http.MethodGet, "/api/v2/mix/account/accounts", map[string]string{
		"productType": a.productType,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching account info: %w", err)
	}
	data, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		MarginCoin       string `json:"marginCoin"`
		AccountEquity    string `json:"accountEquity"`
		Available        string `json:"available"`
		Locked           string `json:"locked"`
		UnrealizedPL     string `json:"unrealizedPL"`
		CrossedMaxAvail  string `json:"crossedMaxAvailable"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("error parsing account info: %w", err)
	}

	info := &AccountInfo{}
	for _, row := range rows {
		if row.MarginCoin != "USDT" {
			continue
		}
		info.TotalWallet, _ = strconv.ParseFloat(row.AccountEquity, 64)
		info.Available, _ = strconv.ParseFloat(row.Available, 64)
		info.UsedMargin, _ = strconv.ParseFloat(row.Locked, 64)
		info.UnrealizedPnL, _ = strconv.ParseFloat(row.UnrealizedPL, 64)
	}
	var raw map[string]interface{}
	_ = json.Unmarshal(data, &raw)
	info.Raw = raw
	return info, nil
}

// GetPositions lists open positions, optionally filtered by symbol.
func (a *BitgetAdapter) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	body, err := a.signedCall(ctx, http.MethodGet, "/api/v2/mix/position/all-position", map[string]string{
		"productType": a.productType,
		"marginCoin":  "USDT",
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching positions: %w", err)
	}
	data, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Symbol       string `json:"symbol"`
		HoldSide     string `json:"holdSide"`
		Total        string `json:"total"`
		OpenPriceAvg string `json:"openPriceAvg"`
		MarkPrice    string `json:"markPrice"`
		UnrealizedPL string `json:"unrealizedPL"`
		Leverage     string `json:"leverage"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("error parsing positions: %w", err)
	}

	norm := ""
	if symbol != "" {
		norm = a.NormalizeSymbol(symbol)
	}

	var positions []Position
	for _, row := range rows {
		if norm != "" && row.Symbol != norm {
			continue
		}
		size, _ := strconv.ParseFloat(row.Total, 64)
		if size == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(row.OpenPriceAvg, 64)
		mark, _ := strconv.ParseFloat(row.MarkPrice, 64)
		pnl, _ := strconv.ParseFloat(row.UnrealizedPL, 64)
		lev, _ := strconv.ParseFloat(row.Leverage, 64)

		side := PositionLong
		if strings.EqualFold(row.HoldSide, "short") {
			side = PositionShort
		}
		pct := 0.0
		if entry > 0 {
			pct = pnl / (entry * size) * 100
		}
		positions = append(positions, Position{
			Symbol:     row.Symbol,
			Side:       side,
			Size:       size,
			EntryPrice: entry,
			MarkPrice:  mark,
			PnL:        pnl,
			Percentage: pct,
			Leverage:   int(lev),
		})
	}
	return positions, nil
}

// GetTicker returns the last price. Public endpoint.
func (a *BitgetAdapter) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	norm := a.NormalizeSymbol(symbol)
	body, err := a.publicCall(ctx, "/api/v2/mix/market/ticker", map[string]string{
		"symbol":      norm,
		"productType": a.productType,
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching ticker: %w", err)
	}
	data, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Symbol string `json:"symbol"`
		LastPr string `json:"lastPr"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return nil, fmt.Errorf("no ticker for symbol: %s", norm)
	}
	price, _ := strconv.ParseFloat(rows[0].LastPr, 64)
	return &Ticker{Symbol: rows[0].Symbol, Price: price}, nil
}

// SetLeverage sets crossed leverage for a symbol.
func (a *BitgetAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	body, err := a.signedCall(ctx, http.MethodPost, "/api/v2/mix/account/set-leverage", nil, map[string]string{
		"symbol":      a.NormalizeSymbol(symbol),
		"productType": a.productType,
		"marginCoin":  "USDT",
		"leverage":    strconv.Itoa(leverage),
	})
	if err != nil {
		return fmt.Errorf("error setting leverage: %w", err)
	}
	_, err = a.unwrap(body)
	return err
}

// ==================== PRECISION ====================

// GetSymbolPrecision fetches contract rules, cached.
func (a *BitgetAdapter) GetSymbolPrecision(ctx context.Context, symbol string) (*SymbolPrecision, error) {
	norm := a.NormalizeSymbol(symbol)
	if prec, ok := a.precision.get(norm); ok {
		return prec, nil
	}

	body, err := a.publicCall(ctx, "/api/v2/mix/market/contracts", map[string]string{
		"symbol":      norm,
		"productType": a.productType,
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching contract info: %w", err)
	}
	data, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Symbol         string `json:"symbol"`
		MinTradeNum    string `json:"minTradeNum"`
		SizeMultiplier string `json:"sizeMultiplier"`
		VolumePlace    string `json:"volumePlace"`
		PricePlace     string `json:"pricePlace"`
		PriceEndStep   string `json:"priceEndStep"`
		MinTradeUSDT   string `json:"minTradeUSDT"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return nil, fmt.Errorf("contract not found: %s", norm)
	}

	row := rows[0]
	prec := &SymbolPrecision{Symbol: norm}
	prec.MinQty, _ = strconv.ParseFloat(row.MinTradeNum, 64)
	prec.MinNotional, _ = strconv.ParseFloat(row.MinTradeUSDT, 64)
	prec.QtyPrecision, _ = strconv.Atoi(row.VolumePlace)
	prec.PricePrecision, _ = strconv.Atoi(row.PricePlace)

	prec.StepSize, _ = strconv.ParseFloat(row.SizeMultiplier, 64)
	if prec.StepSize == 0 {
		prec.StepSize = math.Pow10(-prec.QtyPrecision)
	}
	endStep, _ := strconv.ParseFloat(row.PriceEndStep, 64)
	if endStep == 0 {
		endStep = 1
	}
	prec.TickSize = endStep * math.Pow10(-prec.PricePrecision)

	a.precision.put(norm, prec)
	return prec, nil
}

// RoundQuantity floors qty to step size with minimum validation.
func (a *BitgetAdapter) RoundQuantity(ctx context.Context, qty float64, symbol string) (string, error) {
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

// ==================== TRADING ====================

// CreateMarketOrder places a one-way-mode market order.
func (a *BitgetAdapter) CreateMarketOrder(ctx context.Context, symbol, side string, qty float64) (*OrderInfo, error) {
	qtyStr, err := a.RoundQuantity(ctx, qty, symbol)
	if err != nil {
		return nil, err
	}
	norm := a.NormalizeSymbol(symbol)
	body, err := a.signedCall(ctx, http.MethodPost, "/api/v2/mix/order/place-order", nil, map[string]string{
		"symbol":      norm,
		"productType": a.productType,
		"marginCoin":  "USDT",
		"marginMode":  "crossed",
		"side":        strings.ToLower(side),
		"orderType":   "market",
		"size":        qtyStr,
	})
	if err != nil {
		return nil, fmt.Errorf("error placing market order: %w", err)
	}
	data, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}
	var resp struct {
		OrderID   string `json:"orderId"`
		ClientOid string `json:"clientOid"`
	}
	_ = json.Unmarshal(data, &resp)
	executed, _ := strconv.ParseFloat(qtyStr, 64)
	return &OrderInfo{
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOid,
		Symbol:        norm,
		Side:          side,
		Type:          OrderTypeMarket,
		QuantityStr:   qtyStr,
		Status:        OrderStatusFilled,
		ExecutedQty:   executed,
	}, nil
}

// createTPSLOrder places a trigger-price protective order via the tpsl
// endpoint. holdSide is the side of the position being protected.
func (a *BitgetAdapter) createTPSLOrder(ctx context.Context, orderType, symbol, side string, qty, triggerPrice float64) (*OrderInfo, error) {
	prec, err := a.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return nil, err
	}
	norm := a.NormalizeSymbol(symbol)
	qtyStr := RoundToStep(qty, prec.StepSize)
	priceStr := RoundToStep(triggerPrice, prec.TickSize)

	planType := "loss_plan"
	if orderType == OrderTypeTakeProfitMarket {
		planType = "profit_plan"
	}
	// A SELL closes a long, a BUY closes a short.
	holdSide := "short"
	if side == SideSell {
		holdSide = "long"
	}

	body, err := a.signedCall(ctx, http.MethodPost, "/api/v2/mix/order/place-tpsl-order", nil, map[string]string{
		"symbol":       norm,
		"productType":  a.productType,
		"marginCoin":   "USDT",
		"planType":     planType,
		"triggerPrice": priceStr,
		"triggerType":  "mark_price",
		"holdSide":     holdSide,
		"size":         qtyStr,
	})
	if err != nil {
		return nil, fmt.Errorf("error placing %s order: %w", planType, err)
	}
	data, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}
	var resp struct {
		OrderID string `json:"orderId"`
	}
	_ = json.Unmarshal(data, &resp)
	return &OrderInfo{
		OrderID:     resp.OrderID,
		Symbol:      norm,
		Side:        side,
		Type:        orderType,
		QuantityStr: qtyStr,
		PriceStr:    priceStr,
		Status:      OrderStatusNew,
	}, nil
}

// CreateStopLossOrder places a loss_plan trigger order.
func (a *BitgetAdapter) CreateStopLossOrder(ctx context.Context, symbol, side string, qty, stopPrice float64, reduceOnly bool) (*OrderInfo, error) {
	return a.createTPSLOrder(ctx, OrderTypeStopMarket, symbol, side, qty, stopPrice)
}

// CreateTakeProfitOrder places a profit_plan trigger order.
func (a *BitgetAdapter) CreateTakeProfitOrder(ctx context.Context, symbol, side string, qty, stopPrice float64, reduceOnly bool) (*OrderInfo, error) {
	return a.createTPSLOrder(ctx, OrderTypeTakeProfitMarket, symbol, side, qty, stopPrice)
}

// GetOpenOrders lists pending plan (protective) orders for a symbol.
func (a *BitgetAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error) {
	body, err := a.signedCall(ctx, http.MethodGet, "/api/v2/mix/order/orders-plan-pending", map[string]string{
		"symbol":      a.NormalizeSymbol(symbol),
		"productType": a.productType,
		"planType":    "profit_loss",
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching plan orders: %w", err)
	}
	data, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		EntrustedList []struct {
			OrderID      string `json:"orderId"`
			Symbol       string `json:"symbol"`
			PlanType     string `json:"planType"`
			TriggerPrice string `json:"triggerPrice"`
			Size         string `json:"size"`
			Side         string `json:"side"`
		} `json:"entrustedList"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("error parsing plan orders: %w", err)
	}

	orders := make([]OrderInfo, 0, len(resp.EntrustedList))
	for _, row := range resp.EntrustedList {
		orderType := OrderTypeStopMarket
		if row.PlanType == "profit_plan" {
			orderType = OrderTypeTakeProfitMarket
		}
		orders = append(orders, OrderInfo{
			OrderID:     row.OrderID,
			Symbol:      row.Symbol,
			Side:        strings.ToUpper(row.Side),
			Type:        orderType,
			QuantityStr: row.Size,
			PriceStr:    row.TriggerPrice,
			Status:      OrderStatusNew,
		})
	}
	return orders, nil
}

// CancelOrder cancels one plan order by id, falling back to the regular
// order endpoint.
func (a *BitgetAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	norm := a.NormalizeSymbol(symbol)
	body, err := a.signedCall(ctx, http.MethodPost, "/api/v2/mix/order/cancel-plan-order", nil, map[string]string{
		"symbol":      norm,
		"productType": a.productType,
		"marginCoin":  "USDT",
		"orderId":     orderID,
	})
	if err == nil {
		if _, uerr := a.unwrap(body); uerr == nil {
			return nil
		}
	}
	body, err = a.signedCall(ctx, http.MethodPost, "/api/v2/mix/order/cancel-order", nil, map[string]string{
		"symbol":      norm,
		"productType": a.productType,
		"orderId":     orderID,
	})
	if err != nil {
		return fmt.Errorf("error cancelling order %s: %w", orderID, err)
	}
	_, err = a.unwrap(body)
	return err
}

// CancelAllOrders cancels every pending plan order for a symbol.
func (a *BitgetAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	orders, err := a.GetOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	var firstErr error
	for _, ord := range orders {
		if err := a.CancelOrder(ctx, symbol, ord.OrderID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ==================== MARKET DATA ====================

// GetKlines fetches OHLCV candles, returned oldest first.
func (a *BitgetAdapter) GetKlines(ctx context.Context, q KlineQuery) ([]Kline, error) {
	granularity, ok := bitgetGranularities[q.Interval]
	if !ok {
		return nil, fmt.Errorf("unsupported interval: %s", q.Interval)
	}
	params := map[string]string{
		"symbol":      a.NormalizeSymbol(q.Symbol),
		"productType": a.productType,
		"granularity": granularity,
	}
	if q.Limit > 0 {
		params["limit"] = strconv.Itoa(q.Limit)
	}
	if q.Start > 0 {
		params["startTime"] = strconv.FormatInt(q.Start, 10)
	}
	if q.End > 0 {
		params["endTime"] = strconv.FormatInt(q.End, 10)
	}

	body, err := a.publicCall(ctx, "/api/v2/mix/market/candles", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}
	data, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}

	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	dur, _ := IntervalDuration(q.Interval)
	klines := make([]Kline, 0, len(rows))
	for _, row := range rows {
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

// CreateManagedOrders places the standard SL + split-TP protective set.
func (a *BitgetAdapter) CreateManagedOrders(ctx context.Context, symbol, closeSide string, qty, stopPrice, tpPrice float64, reduceOnly bool) (*ManagedOrders, error) {
	return placeManagedOrders(ctx, a, symbol, closeSide, qty, stopPrice, tpPrice, reduceOnly)
}
