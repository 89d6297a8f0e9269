package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	binanceFuturesURL        = "https://fapi.binance.com"
	binanceFuturesTestnetURL = "https://testnet.binancefuture.com"
)

// BinanceAdapter implements FuturesAdapter against the Binance USDⓈ-M
// futures API. Constructed with empty credentials it still serves public
// market-data endpoints.
type BinanceAdapter struct {
	apiKey    string
	secretKey string
	baseURL   string
	transport *transport
	precision *precisionCache

	offsetMu   sync.Mutex
	timeOffset int64 // server time - local time, ms
	offsetSet  bool
}

// NewBinanceAdapter creates a Binance futures adapter. Keys are trimmed;
// stray whitespace breaks signature generation.
func NewBinanceAdapter(apiKey, secretKey string, testnet bool) *BinanceAdapter {
	baseURL := binanceFuturesURL
	if testnet {
		baseURL = binanceFuturesTestnetURL
	}
	return &BinanceAdapter{
		apiKey:    strings.TrimSpace(apiKey),
		secretKey: strings.TrimSpace(secretKey),
		baseURL:   baseURL,
		transport: newTransport("binance", 8),
		precision: newPrecisionCache(),
	}
}

// Name returns the canonical exchange name.
func (a *BinanceAdapter) Name() string { return "binance" }

// NormalizeSymbol maps "BTC/USDT" or "btcusdt" to "BTCUSDT". Idempotent.
func (a *BinanceAdapter) NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

// ==================== SIGNING ====================

func (a *BinanceAdapter) buildQueryString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, url.QueryEscape(params[k])))
	}
	return strings.Join(parts, "&")
}

func (a *BinanceAdapter) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(a.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// serverNow returns local time adjusted by the synced server offset, in ms.
func (a *BinanceAdapter) serverNow() int64 {
	a.offsetMu.Lock()
	defer a.offsetMu.Unlock()
	return time.Now().UnixMilli() + a.timeOffset
}

// syncTimeOffset fetches /fapi/v1/time and records server-local skew.
func (a *BinanceAdapter) syncTimeOffset(ctx context.Context) error {
	body, err := a.publicCall(ctx, "/fapi/v1/time", nil)
	if err != nil {
		return err
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return err
	}
	a.offsetMu.Lock()
	a.timeOffset = resp.ServerTime - time.Now().UnixMilli()
	a.offsetSet = true
	a.offsetMu.Unlock()
	return nil
}

func (a *BinanceAdapter) parseError(status int, body []byte) error {
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &apiErr)
	code := strconv.Itoa(apiErr.Code)
	if apiErr.Code == 0 {
		code = strconv.Itoa(status)
	}
	return &ExchangeError{
		Exchange:  "binance",
		Code:      code,
		Message:   apiErr.Msg,
		Retriable: isRetryableStatus(status, string(body)) || apiErr.Code == -1003,
	}
}

// ==================== HTTP ====================

func (a *BinanceAdapter) publicCall(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	return a.transport.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, a.baseURL+endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.URL.RawQuery = a.buildQueryString(params)
		return req, nil
	}, a.parseError)
}

// signedCall performs an authenticated request. On a timestamp rejection
// (-1021) it resyncs the server-time offset and retries once.
func (a *BinanceAdapter) signedCall(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	a.offsetMu.Lock()
	needSync := !a.offsetSet
	a.offsetMu.Unlock()
	if needSync {
		if err := a.syncTimeOffset(ctx); err != nil {
			return nil, fmt.Errorf("time sync failed: %w", err)
		}
	}

	body, err := a.signedCallOnce(ctx, method, endpoint, params)
	if err != nil && IsTimestampRejection("binance", err) {
		if syncErr := a.syncTimeOffset(ctx); syncErr != nil {
			return nil, err
		}
		return a.signedCallOnce(ctx, method, endpoint, params)
	}
	return body, err
}

func (a *BinanceAdapter) signedCallOnce(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	return a.transport.do(ctx, func() (*http.Request, error) {
		signed := make(map[string]string, len(params)+3)
		for k, v := range params {
			signed[k] = v
		}
		signed["timestamp"] = strconv.FormatInt(a.serverNow(), 10)
		signed["recvWindow"] = "10000"
		query := a.buildQueryString(signed)
		query += "&signature=" + a.sign(query)

		req, err := http.NewRequest(method, a.baseURL+endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.URL.RawQuery = query
		req.Header.Set("X-MBX-APIKEY", a.apiKey)
		return req, nil
	}, a.parseError)
}

// ==================== ACCOUNT ====================

// TestConnectivity pings the API without credentials.
func (a *BinanceAdapter) TestConnectivity(ctx context.Context) error {
	_, err := a.publicCall(ctx, "/fapi/v1/ping", nil)
	return err
}

// GetAccountInfo retrieves the futures account snapshot.
func (a *BinanceAdapter) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	body, err := a.signedCall(ctx, http.MethodGet, "/fapi/v2/account", map[string]string{})
	if err != nil {
		return nil, fmt.Errorf("error fetching account info: %w", err)
	}

	var resp struct {
		TotalWalletBalance       string `json:"totalWalletBalance"`
		AvailableBalance         string `json:"availableBalance"`
		TotalInitialMargin       string `json:"totalInitialMargin"`
		TotalUnrealizedProfit    string `json:"totalUnrealizedProfit"`
		TotalMarginBalance       string `json:"totalMarginBalance"`
		TotalMaintMargin         string `json:"totalMaintMargin"`
		TotalPositionInitialMarg string `json:"totalPositionInitialMargin"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing account info: %w", err)
	}

	total, _ := strconv.ParseFloat(resp.TotalWalletBalance, 64)
	avail, _ := strconv.ParseFloat(resp.AvailableBalance, 64)
	margin, _ := strconv.ParseFloat(resp.TotalInitialMargin, 64)
	upnl, _ := strconv.ParseFloat(resp.TotalUnrealizedProfit, 64)

	var raw map[string]interface{}
	_ = json.Unmarshal(body, &raw)

	return &AccountInfo{
		TotalWallet:   total,
		Available:     avail,
		UsedMargin:    margin,
		UnrealizedPnL: upnl,
		Raw:           raw,
	}, nil
}

// GetPositions retrieves open positions, optionally filtered by symbol.
// Zero-size rows are dropped.
func (a *BinanceAdapter) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = a.NormalizeSymbol(symbol)
	}
	body, err := a.signedCall(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching positions: %w", err)
	}

	var rows []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("error parsing positions: %w", err)
	}

	var positions []Position
	for _, row := range rows {
		amt, _ := strconv.ParseFloat(row.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(row.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(row.MarkPrice, 64)
		pnl, _ := strconv.ParseFloat(row.UnRealizedProfit, 64)
		lev, _ := strconv.Atoi(row.Leverage)

		side := PositionLong
		size := amt
		if amt < 0 {
			side = PositionShort
			size = -amt
		}
		pct := 0.0
		if entry > 0 && size > 0 {
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
			Leverage:   lev,
		})
	}
	return positions, nil
}

// GetTicker returns the last price for a symbol. Public endpoint.
func (a *BinanceAdapter) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	body, err := a.publicCall(ctx, "/fapi/v1/ticker/price", map[string]string{
		"symbol": a.NormalizeSymbol(symbol),
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching ticker: %w", err)
	}
	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing ticker: %w", err)
	}
	price, _ := strconv.ParseFloat(resp.Price, 64)
	return &Ticker{Symbol: resp.Symbol, Price: price}, nil
}

// SetLeverage sets position leverage for a symbol.
func (a *BinanceAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := a.signedCall(ctx, http.MethodPost, "/fapi/v1/leverage", map[string]string{
		"symbol":   a.NormalizeSymbol(symbol),
		"leverage": strconv.Itoa(leverage),
	})
	if err != nil {
		return fmt.Errorf("error setting leverage: %w", err)
	}
	return nil
}

// ==================== PRECISION ====================

// GetSymbolPrecision fetches trading rules from exchangeInfo, cached.
func (a *BinanceAdapter) GetSymbolPrecision(ctx context.Context, symbol string) (*SymbolPrecision, error) {
	norm := a.NormalizeSymbol(symbol)
	if prec, ok := a.precision.get(norm); ok {
		return prec, nil
	}

	body, err := a.publicCall(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching exchange info: %w", err)
	}

	var resp struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			QuantityPrecision int    `json:"quantityPrecision"`
			PricePrecision    int    `json:"pricePrecision"`
			Filters           []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				TickSize    string `json:"tickSize"`
				MinQty      string `json:"minQty"`
				Notional    string `json:"notional"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing exchange info: %w", err)
	}

	for _, s := range resp.Symbols {
		if s.Symbol != norm {
			continue
		}
		prec := &SymbolPrecision{
			Symbol:         norm,
			QtyPrecision:   s.QuantityPrecision,
			PricePrecision: s.PricePrecision,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				prec.StepSize, _ = strconv.ParseFloat(f.StepSize, 64)
				prec.MinQty, _ = strconv.ParseFloat(f.MinQty, 64)
			case "PRICE_FILTER":
				prec.TickSize, _ = strconv.ParseFloat(f.TickSize, 64)
			case "MIN_NOTIONAL":
				if f.Notional != "" {
					prec.MinNotional, _ = strconv.ParseFloat(f.Notional, 64)
				} else {
					prec.MinNotional, _ = strconv.ParseFloat(f.MinNotional, 64)
				}
			}
		}
		a.precision.put(norm, prec)
		return prec, nil
	}
	return nil, fmt.Errorf("symbol not found in exchange info: %s", norm)
}

// RoundQuantity floors qty to the symbol's step size and validates minimums
// against the current price.
func (a *BinanceAdapter) RoundQuantity(ctx context.Context, qty float64, symbol string) (string, error) {
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

func (a *BinanceAdapter) parseOrderResponse(body []byte) (*OrderInfo, error) {
	var resp struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		Type          string `json:"type"`
		OrigQty       string `json:"origQty"`
		Price         string `json:"price"`
		StopPrice     string `json:"stopPrice"`
		Status        string `json:"status"`
		ExecutedQty   string `json:"executedQty"`
		AvgPrice      string `json:"avgPrice"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}
	executed, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	avg, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	price := resp.Price
	if price == "" || price == "0" {
		price = resp.StopPrice
	}
	return &OrderInfo{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Side:          resp.Side,
		Type:          resp.Type,
		QuantityStr:   resp.OrigQty,
		PriceStr:      price,
		Status:        resp.Status,
		ExecutedQty:   executed,
		AvgPrice:      avg,
	}, nil
}

// CreateMarketOrder places a market order for qty, rounded to step size.
func (a *BinanceAdapter) CreateMarketOrder(ctx context.Context, symbol, side string, qty float64) (*OrderInfo, error) {
	qtyStr, err := a.RoundQuantity(ctx, qty, symbol)
	if err != nil {
		return nil, err
	}
	body, err := a.signedCall(ctx, http.MethodPost, "/fapi/v1/order", map[string]string{
		"symbol":   a.NormalizeSymbol(symbol),
		"side":     side,
		"type":     "MARKET",
		"quantity": qtyStr,
	})
	if err != nil {
		return nil, fmt.Errorf("error placing market order: %w", err)
	}
	return a.parseOrderResponse(body)
}

func (a *BinanceAdapter) createStopOrder(ctx context.Context, orderType, symbol, side string, qty, stopPrice float64, reduceOnly bool) (*OrderInfo, error) {
	prec, err := a.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return nil, err
	}
	params := map[string]string{
		"symbol":    a.NormalizeSymbol(symbol),
		"side":      side,
		"type":      orderType,
		"quantity":  RoundToStep(qty, prec.StepSize),
		"stopPrice": RoundToStep(stopPrice, prec.TickSize),
	}
	if reduceOnly {
		params["reduceOnly"] = "true"
	}
	body, err := a.signedCall(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return nil, fmt.Errorf("error placing %s order: %w", orderType, err)
	}
	return a.parseOrderResponse(body)
}

// CreateStopLossOrder places a STOP_MARKET order.
func (a *BinanceAdapter) CreateStopLossOrder(ctx context.Context, symbol, side string, qty, stopPrice float64, reduceOnly bool) (*OrderInfo, error) {
	return a.createStopOrder(ctx, "STOP_MARKET", symbol, side, qty, stopPrice, reduceOnly)
}

// CreateTakeProfitOrder places a TAKE_PROFIT_MARKET order.
func (a *BinanceAdapter) CreateTakeProfitOrder(ctx context.Context, symbol, side string, qty, stopPrice float64, reduceOnly bool) (*OrderInfo, error) {
	return a.createStopOrder(ctx, "TAKE_PROFIT_MARKET", symbol, side, qty, stopPrice, reduceOnly)
}

// GetOpenOrders lists open orders for a symbol.
func (a *BinanceAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error) {
	body, err := a.signedCall(ctx, http.MethodGet, "/fapi/v1/openOrders", map[string]string{
		"symbol": a.NormalizeSymbol(symbol),
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching open orders: %w", err)
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("error parsing open orders: %w", err)
	}
	orders := make([]OrderInfo, 0, len(rows))
	for _, row := range rows {
		ord, err := a.parseOrderResponse(row)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *ord)
	}
	return orders, nil
}

// CancelOrder cancels a single order by id.
func (a *BinanceAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := a.signedCall(ctx, http.MethodDelete, "/fapi/v1/order", map[string]string{
		"symbol":  a.NormalizeSymbol(symbol),
		"orderId": orderID,
	})
	if err != nil {
		return fmt.Errorf("error cancelling order %s: %w", orderID, err)
	}
	return nil
}

// CancelAllOrders cancels every open order for a symbol.
func (a *BinanceAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	_, err := a.signedCall(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", map[string]string{
		"symbol": a.NormalizeSymbol(symbol),
	})
	if err != nil {
		return fmt.Errorf("error cancelling all orders: %w", err)
	}
	return nil
}

// ==================== MARKET DATA ====================

// GetKlines fetches OHLCV candles. Public endpoint.
func (a *BinanceAdapter) GetKlines(ctx context.Context, q KlineQuery) ([]Kline, error) {
	params := map[string]string{
		"symbol":   a.NormalizeSymbol(q.Symbol),
		"interval": q.Interval,
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

	body, err := a.publicCall(ctx, "/fapi/v1/klines", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}

	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		k := Kline{}
		if v, ok := row[0].(float64); ok {
			k.OpenTime = int64(v)
		}
		k.Open = parseFloatField(row[1])
		k.High = parseFloatField(row[2])
		k.Low = parseFloatField(row[3])
		k.Close = parseFloatField(row[4])
		k.Volume = parseFloatField(row[5])
		if v, ok := row[6].(float64); ok {
			k.CloseTime = int64(v)
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// CreateManagedOrders places the standard SL + split-TP protective set.
func (a *BinanceAdapter) CreateManagedOrders(ctx context.Context, symbol, closeSide string, qty, stopPrice, tpPrice float64, reduceOnly bool) (*ManagedOrders, error) {
	return placeManagedOrders(ctx, a, symbol, closeSide, qty, stopPrice, tpPrice, reduceOnly)
}

// parseFloatField handles the string-or-number fields in kline arrays.
func parseFloatField(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	}
	return 0
}
