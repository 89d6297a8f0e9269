package exchange

import (
	"bytes"
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
	bybitURL        = "https://api.bybit.com"
	bybitTestnetURL = "https://api-testnet.bybit.com"

	bybitRecvWindow = "10000"

	// Bybit returns 110043 when the requested leverage equals the current
	// one. Treated as success.
	bybitLeverageNotModified = "110043"
)

// bybit kline interval codes
var bybitIntervals = map[string]string{
	"1m": "1", "3m": "3", "5m": "5", "15m": "15", "30m": "30",
	"1h": "60", "2h": "120", "4h": "240", "6h": "360", "12h": "720",
	"1d": "D",
}

// BybitAdapter implements FuturesAdapter against the Bybit V5 unified API,
// category=linear (USDT perpetuals).
type BybitAdapter struct {
	apiKey    string
	secretKey string
	baseURL   string
	transport *transport
	precision *precisionCache

	offsetMu   sync.Mutex
	timeOffset int64
	offsetSet  bool
}

// NewBybitAdapter creates a Bybit V5 adapter.
func NewBybitAdapter(apiKey, secretKey string, testnet bool) *BybitAdapter {
	baseURL := bybitURL
	if testnet {
		baseURL = bybitTestnetURL
	}
	return &BybitAdapter{
		apiKey:    strings.TrimSpace(apiKey),
		secretKey: strings.TrimSpace(secretKey),
		baseURL:   baseURL,
		transport: newTransport("bybit", 8),
		precision: newPrecisionCache(),
	}
}

// Name returns the canonical exchange name.
func (a *BybitAdapter) Name() string { return "bybit" }

// NormalizeSymbol maps "BTC/USDT" to "BTCUSDT". Idempotent.
func (a *BybitAdapter) NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

// ==================== SIGNING ====================

func (a *BybitAdapter) serverNow() int64 {
	a.offsetMu.Lock()
	defer a.offsetMu.Unlock()
	return time.Now().UnixMilli() + a.timeOffset
}

func (a *BybitAdapter) syncTimeOffset(ctx context.Context) error {
	body, err := a.publicCall(ctx, "/v5/market/time", nil)
	if err != nil {
		return err
	}
	var resp struct {
		Result struct {
			TimeNano string `json:"timeNano"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return err
	}
	nanos, err := strconv.ParseInt(resp.Result.TimeNano, 10, 64)
	if err != nil {
		return err
	}
	a.offsetMu.Lock()
	a.timeOffset = nanos/int64(time.Millisecond) - time.Now().UnixMilli()
	a.offsetSet = true
	a.offsetMu.Unlock()
	return nil
}

// signPayload computes HMAC-SHA256 over timestamp + apiKey + recvWindow +
// payload, per the V5 signing rule.
func (a *BybitAdapter) signPayload(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(a.secretKey))
	mac.Write([]byte(timestamp + a.apiKey + bybitRecvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func sortedQuery(params map[string]string) string {
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

// bybitEnvelope is the common V5 response wrapper.
type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// unwrap decodes the V5 envelope and converts a nonzero retCode to an
// ExchangeError. okCodes lists extra retCodes accepted as success.
func (a *BybitAdapter) unwrap(body []byte, okCodes ...int) (json.RawMessage, error) {
	var env bybitEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("error parsing response: %w", err)
	}
	if env.RetCode != 0 {
		for _, ok := range okCodes {
			if env.RetCode == ok {
				return env.Result, nil
			}
		}
		code := strconv.Itoa(env.RetCode)
		return nil, &ExchangeError{
			Exchange:  "bybit",
			Code:      code,
			Message:   env.RetMsg,
			Retriable: env.RetCode == 10006 || env.RetCode == 10016, // rate limit, internal
		}
	}
	return env.Result, nil
}

// ==================== HTTP ====================

func (a *BybitAdapter) publicCall(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	return a.transport.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, a.baseURL+endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.URL.RawQuery = sortedQuery(params)
		return req, nil
	}, nil)
}

func (a *BybitAdapter) signedCall(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	a.offsetMu.Lock()
	needSync := !a.offsetSet
	a.offsetMu.Unlock()
	if needSync {
		if err := a.syncTimeOffset(ctx); err != nil {
			return nil, fmt.Errorf("time sync failed: %w", err)
		}
	}

	body, err := a.signedCallOnce(ctx, method, endpoint, params)
	if err != nil && IsTimestampRejection("bybit", err) {
		if syncErr := a.syncTimeOffset(ctx); syncErr != nil {
			return nil, err
		}
		return a.signedCallOnce(ctx, method, endpoint, params)
	}
	return body, err
}

func (a *BybitAdapter) signedCallOnce(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	return a.transport.do(ctx, func() (*http.Request, error) {
		timestamp := strconv.FormatInt(a.serverNow(), 10)

		var req *http.Request
		var err error
		var payload string

		if method == http.MethodGet {
			payload = sortedQuery(params)
			req, err = http.NewRequest(method, a.baseURL+endpoint, nil)
			if err != nil {
				return nil, err
			}
			req.URL.RawQuery = payload
		} else {
			jsonBody, merr := json.Marshal(params)
			if merr != nil {
				return nil, merr
			}
			payload = string(jsonBody)
			req, err = http.NewRequest(method, a.baseURL+endpoint, bytes.NewReader(jsonBody))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
		}

		req.Header.Set("X-BAPI-API-KEY", a.apiKey)
		req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
		req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
		req.Header.Set("X-BAPI-SIGN-TYPE", "2")
		req.Header.Set("X-BAPI-SIGN", a.signPayload(timestamp, payload))
		return req, nil
	}, nil)
}

// ==================== ACCOUNT ====================

// TestConnectivity checks the public time endpoint.
func (a *BybitAdapter) TestConnectivity(ctx context.Context) error {
	_, err := a.publicCall(ctx, "/v5/market/time", nil)
	return err
}

// GetAccountInfo retrieves the unified-account USDT snapshot.
func (a *BybitAdapter) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	body, err := a.signedCall(ctx, http.MethodGet, "/v5/account/wallet-balance", map[string]string{
		"accountType": "UNIFIED",
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching account info: %w", err)
	}
	result, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		List []struct {
			TotalWalletBalance    string `json:"totalWalletBalance"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
			TotalInitialMargin    string `json:"totalInitialMargin"`
			TotalPerpUPL          string `json:"totalPerpUPL"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("error parsing account info: %w", err)
	}
	if len(resp.List) == 0 {
		return &AccountInfo{}, nil
	}

	acct := resp.List[0]
	total, _ := strconv.ParseFloat(acct.TotalWalletBalance, 64)
	avail, _ := strconv.ParseFloat(acct.TotalAvailableBalance, 64)
	margin, _ := strconv.ParseFloat(acct.TotalInitialMargin, 64)
	upnl, _ := strconv.ParseFloat(acct.TotalPerpUPL, 64)

	var raw map[string]interface{}
	_ = json.Unmarshal(result, &raw)

	return &AccountInfo{
		TotalWallet:   total,
		Available:     avail,
		UsedMargin:    margin,
		UnrealizedPnL: upnl,
		Raw:           raw,
	}, nil
}

// GetPositions lists open linear positions, optionally for one symbol.
func (a *BybitAdapter) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	params := map[string]string{"category": "linear"}
	if symbol != "" {
		params["symbol"] = a.NormalizeSymbol(symbol)
	} else {
		params["settleCoin"] = "USDT"
	}
	body, err := a.signedCall(ctx, http.MethodGet, "/v5/position/list", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching positions: %w", err)
	}
	result, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"` // Buy / Sell
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
			Leverage      string `json:"leverage"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("error parsing positions: %w", err)
	}

	var positions []Position
	for _, row := range resp.List {
		size, _ := strconv.ParseFloat(row.Size, 64)
		if size == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(row.AvgPrice, 64)
		mark, _ := strconv.ParseFloat(row.MarkPrice, 64)
		pnl, _ := strconv.ParseFloat(row.UnrealisedPnl, 64)
		lev, _ := strconv.ParseFloat(row.Leverage, 64)

		side := PositionLong
		if strings.EqualFold(row.Side, "Sell") {
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
func (a *BybitAdapter) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	body, err := a.publicCall(ctx, "/v5/market/tickers", map[string]string{
		"category": "linear",
		"symbol":   a.NormalizeSymbol(symbol),
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching ticker: %w", err)
	}
	result, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}
	var resp struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("error parsing ticker: %w", err)
	}
	if len(resp.List) == 0 {
		return nil, fmt.Errorf("no ticker for symbol: %s", symbol)
	}
	price, _ := strconv.ParseFloat(resp.List[0].LastPrice, 64)
	return &Ticker{Symbol: resp.List[0].Symbol, Price: price}, nil
}

// SetLeverage sets leverage for both sides. "leverage not modified" counts
// as success.
func (a *BybitAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	lev := strconv.Itoa(leverage)
	body, err := a.signedCall(ctx, http.MethodPost, "/v5/position/set-leverage", map[string]string{
		"category":     "linear",
		"symbol":       a.NormalizeSymbol(symbol),
		"buyLeverage":  lev,
		"sellLeverage": lev,
	})
	if err != nil {
		return fmt.Errorf("error setting leverage: %w", err)
	}
	if _, err := a.unwrap(body, 110043); err != nil {
		return err
	}
	return nil
}

// ==================== PRECISION ====================

// GetSymbolPrecision fetches instrument rules, cached.
func (a *BybitAdapter) GetSymbolPrecision(ctx context.Context, symbol string) (*SymbolPrecision, error) {
	norm := a.NormalizeSymbol(symbol)
	if prec, ok := a.precision.get(norm); ok {
		return prec, nil
	}

	body, err := a.publicCall(ctx, "/v5/market/instruments-info", map[string]string{
		"category": "linear",
		"symbol":   norm,
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching instrument info: %w", err)
	}
	result, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		List []struct {
			Symbol          string `json:"symbol"`
			LotSizeFilter   struct {
				QtyStep        string `json:"qtyStep"`
				MinOrderQty    string `json:"minOrderQty"`
				MinNotionalVal string `json:"minNotionalValue"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("error parsing instrument info: %w", err)
	}
	if len(resp.List) == 0 {
		return nil, fmt.Errorf("symbol not found: %s", norm)
	}

	row := resp.List[0]
	prec := &SymbolPrecision{Symbol: norm}
	prec.StepSize, _ = strconv.ParseFloat(row.LotSizeFilter.QtyStep, 64)
	prec.MinQty, _ = strconv.ParseFloat(row.LotSizeFilter.MinOrderQty, 64)
	prec.MinNotional, _ = strconv.ParseFloat(row.LotSizeFilter.MinNotionalVal, 64)
	prec.TickSize, _ = strconv.ParseFloat(row.PriceFilter.TickSize, 64)
	prec.QtyPrecision = decimalPlaces(row.LotSizeFilter.QtyStep)
	prec.PricePrecision = decimalPlaces(row.PriceFilter.TickSize)

	a.precision.put(norm, prec)
	return prec, nil
}

// RoundQuantity floors qty to step size with minimum validation.
func (a *BybitAdapter) RoundQuantity(ctx context.Context, qty float64, symbol string) (string, error) {
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

func bybitSide(side string) string {
	if side == SideBuy {
		return "Buy"
	}
	return "Sell"
}

func (a *BybitAdapter) parseOrderResult(result json.RawMessage, symbol, side, orderType, qtyStr, priceStr string) *OrderInfo {
	var resp struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	_ = json.Unmarshal(result, &resp)
	return &OrderInfo{
		OrderID:       resp.OrderID,
		ClientOrderID: resp.OrderLinkID,
		Symbol:        symbol,
		Side:          side,
		Type:          orderType,
		QuantityStr:   qtyStr,
		PriceStr:      priceStr,
		Status:        OrderStatusNew,
	}
}

// CreateMarketOrder places a market order.
func (a *BybitAdapter) CreateMarketOrder(ctx context.Context, symbol, side string, qty float64) (*OrderInfo, error) {
	qtyStr, err := a.RoundQuantity(ctx, qty, symbol)
	if err != nil {
		return nil, err
	}
	norm := a.NormalizeSymbol(symbol)
	body, err := a.signedCall(ctx, http.MethodPost, "/v5/order/create", map[string]string{
		"category":  "linear",
		"symbol":    norm,
		"side":      bybitSide(side),
		"orderType": "Market",
		"qty":       qtyStr,
	})
	if err != nil {
		return nil, fmt.Errorf("error placing market order: %w", err)
	}
	result, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}
	info := a.parseOrderResult(result, norm, side, OrderTypeMarket, qtyStr, "")
	q, _ := strconv.ParseFloat(qtyStr, 64)
	info.Status = OrderStatusFilled
	info.ExecutedQty = q
	return info, nil
}

// createConditionalOrder places a trigger-price market order (SL or TP).
// triggerDirection: 1 = trigger when price rises to triggerPrice, 2 = falls.
func (a *BybitAdapter) createConditionalOrder(ctx context.Context, orderType, symbol, side string, qty, triggerPrice float64, reduceOnly bool) (*OrderInfo, error) {
	prec, err := a.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return nil, err
	}
	norm := a.NormalizeSymbol(symbol)
	qtyStr := RoundToStep(qty, prec.StepSize)
	priceStr := RoundToStep(triggerPrice, prec.TickSize)

	// A SELL that triggers below market is a stop loss on a long; above is a
	// take profit. Mirrored for BUY closing a short.
	direction := "2"
	if (side == SideSell && orderType == OrderTypeTakeProfitMarket) ||
		(side == SideBuy && orderType == OrderTypeStopMarket) {
		direction = "1"
	}

	params := map[string]string{
		"category":         "linear",
		"symbol":           norm,
		"side":             bybitSide(side),
		"orderType":        "Market",
		"qty":              qtyStr,
		"triggerPrice":     priceStr,
		"triggerDirection": direction,
	}
	if reduceOnly {
		params["reduceOnly"] = "true"
	}
	body, err := a.signedCall(ctx, http.MethodPost, "/v5/order/create", params)
	if err != nil {
		return nil, fmt.Errorf("error placing conditional order: %w", err)
	}
	result, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}
	return a.parseOrderResult(result, norm, side, orderType, qtyStr, priceStr), nil
}

// CreateStopLossOrder places a trigger-market stop loss.
func (a *BybitAdapter) CreateStopLossOrder(ctx context.Context, symbol, side string, qty, stopPrice float64, reduceOnly bool) (*OrderInfo, error) {
	return a.createConditionalOrder(ctx, OrderTypeStopMarket, symbol, side, qty, stopPrice, reduceOnly)
}

// CreateTakeProfitOrder places a trigger-market take profit.
func (a *BybitAdapter) CreateTakeProfitOrder(ctx context.Context, symbol, side string, qty, stopPrice float64, reduceOnly bool) (*OrderInfo, error) {
	return a.createConditionalOrder(ctx, OrderTypeTakeProfitMarket, symbol, side, qty, stopPrice, reduceOnly)
}

// GetOpenOrders lists open (including untriggered conditional) orders.
func (a *BybitAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error) {
	body, err := a.signedCall(ctx, http.MethodGet, "/v5/order/realtime", map[string]string{
		"category": "linear",
		"symbol":   a.NormalizeSymbol(symbol),
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching open orders: %w", err)
	}
	result, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		List []struct {
			OrderID      string `json:"orderId"`
			OrderLinkID  string `json:"orderLinkId"`
			Symbol       string `json:"symbol"`
			Side         string `json:"side"`
			OrderType    string `json:"orderType"`
			Qty          string `json:"qty"`
			Price        string `json:"price"`
			TriggerPrice string `json:"triggerPrice"`
			OrderStatus  string `json:"orderStatus"`
			CumExecQty   string `json:"cumExecQty"`
			StopOrderType string `json:"stopOrderType"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("error parsing open orders: %w", err)
	}

	orders := make([]OrderInfo, 0, len(resp.List))
	for _, row := range resp.List {
		executed, _ := strconv.ParseFloat(row.CumExecQty, 64)
		side := SideBuy
		if strings.EqualFold(row.Side, "Sell") {
			side = SideSell
		}
		orderType := OrderTypeLimit
		switch {
		case row.StopOrderType == "StopLoss" || row.StopOrderType == "Stop":
			orderType = OrderTypeStopMarket
		case row.StopOrderType == "TakeProfit" || row.StopOrderType == "PartialTakeProfit":
			orderType = OrderTypeTakeProfitMarket
		case row.TriggerPrice != "" && row.TriggerPrice != "0":
			orderType = OrderTypeStopMarket
		case strings.EqualFold(row.OrderType, "Market"):
			orderType = OrderTypeMarket
		}
		price := row.Price
		if row.TriggerPrice != "" && row.TriggerPrice != "0" {
			price = row.TriggerPrice
		}
		orders = append(orders, OrderInfo{
			OrderID:       row.OrderID,
			ClientOrderID: row.OrderLinkID,
			Symbol:        row.Symbol,
			Side:          side,
			Type:          orderType,
			QuantityStr:   row.Qty,
			PriceStr:      price,
			Status:        normalizeBybitStatus(row.OrderStatus),
			ExecutedQty:   executed,
		})
	}
	return orders, nil
}

func normalizeBybitStatus(status string) string {
	switch status {
	case "Filled":
		return OrderStatusFilled
	case "PartiallyFilled":
		return OrderStatusPartiallyFilled
	case "Cancelled", "Deactivated":
		return OrderStatusCanceled
	case "Rejected":
		return OrderStatusRejected
	}
	return OrderStatusNew
}

// CancelOrder cancels one order by id.
func (a *BybitAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body, err := a.signedCall(ctx, http.MethodPost, "/v5/order/cancel", map[string]string{
		"category": "linear",
		"symbol":   a.NormalizeSymbol(symbol),
		"orderId":  orderID,
	})
	if err != nil {
		return fmt.Errorf("error cancelling order %s: %w", orderID, err)
	}
	_, err = a.unwrap(body)
	return err
}

// CancelAllOrders cancels every open order for a symbol.
func (a *BybitAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	body, err := a.signedCall(ctx, http.MethodPost, "/v5/order/cancel-all", map[string]string{
		"category": "linear",
		"symbol":   a.NormalizeSymbol(symbol),
	})
	if err != nil {
		return fmt.Errorf("error cancelling all orders: %w", err)
	}
	_, err = a.unwrap(body)
	return err
}

// ==================== MARKET DATA ====================

// GetKlines fetches OHLCV candles. Bybit returns newest first; the result is
// reversed to chronological order.
func (a *BybitAdapter) GetKlines(ctx context.Context, q KlineQuery) ([]Kline, error) {
	interval, ok := bybitIntervals[q.Interval]
	if !ok {
		return nil, fmt.Errorf("unsupported interval: %s", q.Interval)
	}
	params := map[string]string{
		"category": "linear",
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

	body, err := a.publicCall(ctx, "/v5/market/kline", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}
	result, err := a.unwrap(body)
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

// CreateManagedOrders places the standard SL + split-TP protective set.
func (a *BybitAdapter) CreateManagedOrders(ctx context.Context, symbol, closeSide string, qty, stopPrice, tpPrice float64, reduceOnly bool) (*ManagedOrders, error) {
	return placeManagedOrders(ctx, a, symbol, closeSide, qty, stopPrice, tpPrice, reduceOnly)
}

// decimalPlaces counts fractional digits in a decimal string like "0.001".
func decimalPlaces(s string) int {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(strings.TrimRight(s[i+1:], "0"))
	}
	return 0
}
