package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"tradebot-platform/internal/logging"
)

const krakenSpotURL = "https://api.kraken.com"

// kraken spot OHLC intervals, in minutes
var krakenSpotIntervals = map[string]string{
	"1m": "1", "5m": "5", "15m": "15", "30m": "30",
	"1h": "60", "4h": "240", "1d": "1440",
}

// KrakenSpotAdapter implements SpotAdapter against the Kraken spot REST API,
// which signs differently from Kraken Futures. Kraken spot has no native
// OCO; CreateOCOOrder falls back to a plain take-profit limit order.
type KrakenSpotAdapter struct {
	apiKey    string
	secretKey string // base64-encoded
	transport *transport
	precision *precisionCache
	logger    *logging.Logger
	nonce     atomic.Int64
}

// NewKrakenSpotAdapter creates a Kraken spot adapter. Kraken offers no spot
// test environment; testnet subscriptions should use another exchange.
func NewKrakenSpotAdapter(apiKey, secretKey string) *KrakenSpotAdapter {
	a := &KrakenSpotAdapter{
		apiKey:    strings.TrimSpace(apiKey),
		secretKey: strings.TrimSpace(secretKey),
		transport: newTransport("kraken", 8),
		precision: newPrecisionCache(),
		logger:    logging.Default().WithComponent("exchange.kraken-spot"),
	}
	a.nonce.Store(time.Now().UnixMilli())
	return a
}

// Name returns the canonical exchange name.
func (a *KrakenSpotAdapter) Name() string { return "kraken" }

// NormalizeSymbol maps "BTC/USDT" or "BTCUSDT" to the spot pair "XBTUSDT".
// BTC is renamed XBT. Idempotent.
func (a *KrakenSpotAdapter) NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
	if strings.HasPrefix(s, "BTC") {
		s = "XBT" + s[3:]
	}
	return s
}

// ==================== SIGNING ====================

// nextNonce returns a strictly increasing nonce.
func (a *KrakenSpotAdapter) nextNonce() string {
	for {
		prev := a.nonce.Load()
		next := time.Now().UnixMilli()
		if next <= prev {
			next = prev + 1
		}
		if a.nonce.CompareAndSwap(prev, next) {
			return strconv.FormatInt(next, 10)
		}
	}
}

// sign computes base64(HMAC-SHA512(path + sha256(nonce + postData),
// base64decode(secret))), the Kraken spot signature.
func (a *KrakenSpotAdapter) sign(path, nonce, postData string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(a.secretKey)
	if err != nil {
		return "", fmt.Errorf("invalid kraken secret: %w", err)
	}
	inner := sha256.Sum256([]byte(nonce + postData))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(inner[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// kraken spot envelope: a non-empty error array means failure.
func (a *KrakenSpotAdapter) unwrap(body []byte) (json.RawMessage, error) {
	var env struct {
		Error  []string        `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("error parsing response: %w", err)
	}
	if len(env.Error) > 0 {
		msg := strings.Join(env.Error, "; ")
		return nil, &ExchangeError{
			Exchange:  "kraken",
			Code:      env.Error[0],
			Message:   msg,
			Retriable: strings.Contains(msg, "Rate limit") || strings.Contains(msg, "Unavailable"),
		}
	}
	return env.Result, nil
}

// ==================== HTTP ====================

func (a *KrakenSpotAdapter) publicCall(ctx context.Context, path string, params map[string]string) (json.RawMessage, error) {
	body, err := a.transport.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, krakenSpotURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.URL.RawQuery = sortedQuery(params)
		return req, nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return a.unwrap(body)
}

func (a *KrakenSpotAdapter) privateCall(ctx context.Context, path string, params map[string]string) (json.RawMessage, error) {
	body, err := a.transport.do(ctx, func() (*http.Request, error) {
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		nonce := a.nextNonce()
		values.Set("nonce", nonce)
		postData := values.Encode()

		sig, err := a.sign(path, nonce, postData)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequest(http.MethodPost, krakenSpotURL+path, strings.NewReader(postData))
		if err != nil {
			return nil, err
		}
		req.Header.Set("API-Key", a.apiKey)
		req.Header.Set("API-Sign", sig)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return a.unwrap(body)
}

// ==================== ACCOUNT ====================

// TestConnectivity checks the public time endpoint.
func (a *KrakenSpotAdapter) TestConnectivity(ctx context.Context) error {
	_, err := a.publicCall(ctx, "/0/public/Time", nil)
	return err
}

// GetAccountInfo reads spot balances. Spot has no margin, so available and
// total report the USDT balance.
func (a *KrakenSpotAdapter) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	result, err := a.privateCall(ctx, "/0/private/Balance", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching account info: %w", err)
	}
	var balances map[string]string
	if err := json.Unmarshal(result, &balances); err != nil {
		return nil, fmt.Errorf("error parsing account info: %w", err)
	}

	usdt, _ := strconv.ParseFloat(balances["USDT"], 64)
	raw := make(map[string]interface{}, len(balances))
	for asset, bal := range balances {
		raw[asset] = bal
	}
	return &AccountInfo{
		TotalWallet: usdt,
		Available:   usdt,
		Raw:         raw,
	}, nil
}

// GetTicker returns the last trade price. Public endpoint.
func (a *KrakenSpotAdapter) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	norm := a.NormalizeSymbol(symbol)
	result, err := a.publicCall(ctx, "/0/public/Ticker", map[string]string{"pair": norm})
	if err != nil {
		return nil, fmt.Errorf("error fetching ticker: %w", err)
	}
	var pairs map[string]struct {
		C []string `json:"c"` // [last price, lot volume]
	}
	if err := json.Unmarshal(result, &pairs); err != nil || len(pairs) == 0 {
		return nil, fmt.Errorf("no ticker for symbol: %s", norm)
	}
	for _, row := range pairs {
		if len(row.C) == 0 {
			continue
		}
		price, _ := strconv.ParseFloat(row.C[0], 64)
		return &Ticker{Symbol: norm, Price: price}, nil
	}
	return nil, fmt.Errorf("no ticker for symbol: %s", norm)
}

// ==================== PRECISION ====================

// GetSymbolPrecision fetches pair trading rules, cached under a spot-scoped
// key.
func (a *KrakenSpotAdapter) GetSymbolPrecision(ctx context.Context, symbol string) (*SymbolPrecision, error) {
	norm := a.NormalizeSymbol(symbol)
	cacheKey := "spot:" + norm
	if prec, ok := a.precision.get(cacheKey); ok {
		return prec, nil
	}

	result, err := a.publicCall(ctx, "/0/public/AssetPairs", map[string]string{"pair": norm})
	if err != nil {
		return nil, fmt.Errorf("error fetching pair info: %w", err)
	}
	var pairs map[string]struct {
		LotDecimals  int    `json:"lot_decimals"`
		PairDecimals int    `json:"pair_decimals"`
		OrderMin     string `json:"ordermin"`
		CostMin      string `json:"costmin"`
	}
	if err := json.Unmarshal(result, &pairs); err != nil || len(pairs) == 0 {
		return nil, fmt.Errorf("pair not found: %s", norm)
	}

	for _, row := range pairs {
		prec := &SymbolPrecision{
			Symbol:         norm,
			QtyPrecision:   row.LotDecimals,
			PricePrecision: row.PairDecimals,
			StepSize:       math.Pow10(-row.LotDecimals),
			TickSize:       math.Pow10(-row.PairDecimals),
		}
		prec.MinQty, _ = strconv.ParseFloat(row.OrderMin, 64)
		prec.MinNotional, _ = strconv.ParseFloat(row.CostMin, 64)
		a.precision.put(cacheKey, prec)
		return prec, nil
	}
	return nil, fmt.Errorf("pair not found: %s", norm)
}

// RoundQuantity floors qty to step size with minimum validation.
func (a *KrakenSpotAdapter) RoundQuantity(ctx context.Context, qty float64, symbol string) (string, error) {
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

func (a *KrakenSpotAdapter) addOrder(ctx context.Context, params map[string]string, orderType string) (*OrderInfo, error) {
	result, err := a.privateCall(ctx, "/0/private/AddOrder", params)
	if err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}
	var resp struct {
		TxID []string `json:"txid"`
	}
	if err := json.Unmarshal(result, &resp); err != nil || len(resp.TxID) == 0 {
		return nil, fmt.Errorf("error parsing order response")
	}

	side := SideBuy
	if params["type"] == "sell" {
		side = SideSell
	}
	status := OrderStatusNew
	executed := 0.0
	if orderType == OrderTypeMarket {
		status = OrderStatusFilled
		executed, _ = strconv.ParseFloat(params["volume"], 64)
	}
	return &OrderInfo{
		OrderID:     resp.TxID[0],
		Symbol:      params["pair"],
		Side:        side,
		Type:        orderType,
		QuantityStr: params["volume"],
		PriceStr:    params["price"],
		Status:      status,
		ExecutedQty: executed,
	}, nil
}

// CreateMarketOrder places a spot market order.
func (a *KrakenSpotAdapter) CreateMarketOrder(ctx context.Context, symbol, side string, qty float64) (*OrderInfo, error) {
	volume, err := a.RoundQuantity(ctx, qty, symbol)
	if err != nil {
		return nil, err
	}
	return a.addOrder(ctx, map[string]string{
		"pair":      a.NormalizeSymbol(symbol),
		"type":      strings.ToLower(side),
		"ordertype": "market",
		"volume":    volume,
	}, OrderTypeMarket)
}

// CreateOCOOrder has no native support on Kraken spot: it falls back to a
// plain take-profit limit order and logs a warning that the stop side is
// unprotected.
func (a *KrakenSpotAdapter) CreateOCOOrder(ctx context.Context, symbol, side string, qty, tpPrice, slPrice float64) (*ManagedOrders, error) {
	a.logger.Warn("oco not supported on kraken spot, placing plain take-profit limit",
		"symbol", symbol, "dropped_stop_price", slPrice)

	prec, err := a.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return nil, err
	}
	tp, err := a.addOrder(ctx, map[string]string{
		"pair":      a.NormalizeSymbol(symbol),
		"type":      strings.ToLower(side),
		"ordertype": "limit",
		"volume":    RoundToStep(qty, prec.StepSize),
		"price":     RoundToStep(tpPrice, prec.TickSize),
	}, OrderTypeLimit)
	if err != nil {
		return nil, fmt.Errorf("error placing take-profit limit: %w", err)
	}
	return &ManagedOrders{TakeProfits: []*OrderInfo{tp}}, nil
}

// GetOpenOrders lists open spot orders, filtered by pair client-side.
func (a *KrakenSpotAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error) {
	result, err := a.privateCall(ctx, "/0/private/OpenOrders", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching open orders: %w", err)
	}
	var resp struct {
		Open map[string]struct {
			Descr struct {
				Pair      string `json:"pair"`
				Type      string `json:"type"`
				OrderType string `json:"ordertype"`
				Price     string `json:"price"`
			} `json:"descr"`
			Vol     string `json:"vol"`
			VolExec string `json:"vol_exec"`
		} `json:"open"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("error parsing open orders: %w", err)
	}

	norm := a.NormalizeSymbol(symbol)
	var orders []OrderInfo
	for txid, row := range resp.Open {
		if symbol != "" && a.NormalizeSymbol(row.Descr.Pair) != norm {
			continue
		}
		side := SideBuy
		if strings.EqualFold(row.Descr.Type, "sell") {
			side = SideSell
		}
		orderType := OrderTypeLimit
		switch row.Descr.OrderType {
		case "market":
			orderType = OrderTypeMarket
		case "stop-loss":
			orderType = OrderTypeStopMarket
		case "take-profit":
			orderType = OrderTypeTakeProfitMarket
		}
		executed, _ := strconv.ParseFloat(row.VolExec, 64)
		status := OrderStatusNew
		if executed > 0 {
			status = OrderStatusPartiallyFilled
		}
		orders = append(orders, OrderInfo{
			OrderID:     txid,
			Symbol:      a.NormalizeSymbol(row.Descr.Pair),
			Side:        side,
			Type:        orderType,
			QuantityStr: row.Vol,
			PriceStr:    row.Descr.Price,
			Status:      status,
			ExecutedQty: executed,
		})
	}
	return orders, nil
}

// CancelOrder cancels one order by transaction id.
func (a *KrakenSpotAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := a.privateCall(ctx, "/0/private/CancelOrder", map[string]string{"txid": orderID})
	if err != nil {
		return fmt.Errorf("error cancelling order %s: %w", orderID, err)
	}
	return nil
}

// CancelAllOrders cancels every open order for a pair.
func (a *KrakenSpotAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
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

// GetKlines fetches OHLC candles, oldest first. Kraken's OHLC endpoint only
// paginates forward via "since"; End and Limit are applied client-side.
func (a *KrakenSpotAdapter) GetKlines(ctx context.Context, q KlineQuery) ([]Kline, error) {
	interval, ok := krakenSpotIntervals[q.Interval]
	if !ok {
		return nil, fmt.Errorf("unsupported interval: %s", q.Interval)
	}
	norm := a.NormalizeSymbol(q.Symbol)

	params := map[string]string{"pair": norm, "interval": interval}
	dur, _ := IntervalDuration(q.Interval)
	start := q.Start
	if start == 0 && q.End > 0 && q.Limit > 0 {
		start = q.End - int64(q.Limit)*dur.Milliseconds()
	}
	if start > 0 {
		params["since"] = strconv.FormatInt(start/1000-1, 10)
	}

	result, err := a.publicCall(ctx, "/0/public/OHLC", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	var rows [][]json.RawMessage
	for key, raw := range payload {
		if key == "last" {
			continue
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("error parsing klines: %w", err)
		}
		break
	}

	klines := make([]Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		var ts int64
		if err := json.Unmarshal(row[0], &ts); err != nil {
			continue
		}
		k := Kline{
			OpenTime:  ts * 1000,
			CloseTime: ts*1000 + dur.Milliseconds() - 1,
		}
		k.Open = krakenSpotFloat(row[1])
		k.High = krakenSpotFloat(row[2])
		k.Low = krakenSpotFloat(row[3])
		k.Close = krakenSpotFloat(row[4])
		k.Volume = krakenSpotFloat(row[6])
		if q.End > 0 && k.CloseTime > q.End {
			continue
		}
		klines = append(klines, k)
	}

	if q.Limit > 0 && len(klines) > q.Limit {
		klines = klines[len(klines)-q.Limit:]
	}
	return klines, nil
}

// krakenSpotFloat parses Kraken's string-encoded OHLC numbers.
func krakenSpotFloat(raw json.RawMessage) float64 {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	var f float64
	_ = json.Unmarshal(raw, &f)
	return f
}
