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
)

const (
	krakenURL        = "https://futures.kraken.com"
	krakenDemoURL    = "https://demo-futures.kraken.com"
	krakenAPIPrefix  = "/derivatives"
)

// kraken chart resolutions
var krakenResolutions = map[string]string{
	"1m": "1m", "5m": "5m", "15m": "15m", "30m": "30m",
	"1h": "1h", "4h": "4h", "12h": "12h", "1d": "1d",
}

// KrakenAdapter implements FuturesAdapter against the Kraken Futures API
// (linear perpetuals, PF_ symbols). Kraken fixes leverage per contract, so
// SetLeverage is a successful no-op.
type KrakenAdapter struct {
	apiKey    string
	secretKey string // base64-encoded
	baseURL   string
	transport *transport
	precision *precisionCache
	nonce     atomic.Int64
}

// NewKrakenAdapter creates a Kraken Futures adapter. demo targets the demo
// environment.
func NewKrakenAdapter(apiKey, secretKey string, demo bool) *KrakenAdapter {
	baseURL := krakenURL
	if demo {
		baseURL = krakenDemoURL
	}
	a := &KrakenAdapter{
		apiKey:    strings.TrimSpace(apiKey),
		secretKey: strings.TrimSpace(secretKey),
		baseURL:   baseURL,
		transport: newTransport("kraken", 8),
		precision: newPrecisionCache(),
	}
	a.nonce.Store(time.Now().UnixMilli())
	return a
}

// Name returns the canonical exchange name.
func (a *KrakenAdapter) Name() string { return "kraken" }

// NormalizeSymbol maps "BTC/USDT" or "BTCUSDT" to the perpetual-futures
// code "PF_XBTUSD". BTC is renamed XBT; USDT collapses to USD. Idempotent.
func (a *KrakenAdapter) NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	if strings.HasPrefix(s, "PF_") || strings.HasPrefix(s, "PI_") {
		return s
	}
	s = strings.ReplaceAll(s, "/", "")
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			base := s[:len(s)-len(quote)]
			if base == "BTC" {
				base = "XBT"
			}
			return "PF_" + base + "USD"
		}
	}
	return "PF_" + s + "USD"
}

// ==================== SIGNING ====================

// nextNonce returns a strictly increasing nonce.
func (a *KrakenAdapter) nextNonce() string {
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

// authent computes base64(HMAC-SHA512(sha256(postData + nonce + path),
// base64decode(secret))), the Kraken Futures signature.
func (a *KrakenAdapter) authent(postData, nonce, endpointPath string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(a.secretKey)
	if err != nil {
		return "", fmt.Errorf("invalid kraken secret: %w", err)
	}
	inner := sha256.Sum256([]byte(postData + nonce + endpointPath))
	mac := hmac.New(sha512.New, secret)
	mac.Write(inner[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

type krakenEnvelope struct {
	Result string `json:"result"`
	Error  string `json:"error"`
}

func (a *KrakenAdapter) checkResult(body []byte) error {
	var env krakenEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("error parsing response: %w", err)
	}
	if env.Result != "" && env.Result != "success" {
		return &ExchangeError{
			Exchange:  "kraken",
			Code:      env.Error,
			Message:   env.Error,
			Retriable: strings.Contains(env.Error, "throttle") || strings.Contains(env.Error, "unavailable"),
		}
	}
	return nil
}

// ==================== HTTP ====================

func (a *KrakenAdapter) publicCall(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return a.transport.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, a.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.URL.RawQuery = sortedQuery(params)
		return req, nil
	}, nil)
}

// signedCall performs an authenticated call. endpointPath excludes the
// /derivatives prefix per the signing rule. Params travel in the query for
// GET and as form data in the query string for POST (Kraken accepts both).
func (a *KrakenAdapter) signedCall(ctx context.Context, method, endpointPath string, params map[string]string) ([]byte, error) {
	body, err := a.signedCallOnce(ctx, method, endpointPath, params)
	if err != nil && IsTimestampRejection("kraken", err) {
		return a.signedCallOnce(ctx, method, endpointPath, params)
	}
	return body, err
}

func (a *KrakenAdapter) signedCallOnce(ctx context.Context, method, endpointPath string, params map[string]string) ([]byte, error) {
	raw, err := a.transport.do(ctx, func() (*http.Request, error) {
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		postData := values.Encode()
		nonce := a.nextNonce()

		auth, err := a.authent(postData, nonce, endpointPath)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequest(method, a.baseURL+krakenAPIPrefix+endpointPath, nil)
		if err != nil {
			return nil, err
		}
		req.URL.RawQuery = postData
		req.Header.Set("APIKey", a.apiKey)
		req.Header.Set("Nonce", nonce)
		req.Header.Set("Authent", auth)
		return req, nil
	}, nil)
	if err != nil {
		return nil, err
	}
	if err := a.checkResult(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// ==================== ACCOUNT ====================

// TestConnectivity checks the public instruments endpoint.
func (a *KrakenAdapter) TestConnectivity(ctx context.Context) error {
	_, err := a.publicCall(ctx, krakenAPIPrefix+"/api/v3/instruments", nil)
	return err
}

// GetAccountInfo retrieves the multi-collateral (flex) account snapshot.
func (a *KrakenAdapter) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	body, err := a.signedCall(ctx, http.MethodGet, "/api/v3/accounts", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching account info: %w", err)
	}

	var resp struct {
		Accounts struct {
			Flex struct {
				BalanceValue    float64 `json:"balanceValue"`
				AvailableMargin float64 `json:"availableMargin"`
				InitialMargin   float64 `json:"initialMargin"`
				TotalUnrealized float64 `json:"totalUnrealized"`
			} `json:"flex"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing account info: %w", err)
	}

	var raw map[string]interface{}
	_ = json.Unmarshal(body, &raw)

	flex := resp.Accounts.Flex
	return &AccountInfo{
		TotalWallet:   flex.BalanceValue,
		Available:     flex.AvailableMargin,
		UsedMargin:    flex.InitialMargin,
		UnrealizedPnL: flex.TotalUnrealized,
		Raw:           raw,
	}, nil
}

// GetPositions lists open positions, optionally filtered by symbol.
func (a *KrakenAdapter) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	body, err := a.signedCall(ctx, http.MethodGet, "/api/v3/openpositions", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching positions: %w", err)
	}

	var resp struct {
		OpenPositions []struct {
			Symbol string  `json:"symbol"`
			Side   string  `json:"side"` // long / short
			Size   float64 `json:"size"`
			Price  float64 `json:"price"`
			PnL    float64 `json:"unrealizedFunding"`
		} `json:"openPositions"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing positions: %w", err)
	}

	norm := ""
	if symbol != "" {
		norm = a.NormalizeSymbol(symbol)
	}

	var positions []Position
	for _, row := range resp.OpenPositions {
		if norm != "" && !strings.EqualFold(row.Symbol, norm) {
			continue
		}
		if row.Size == 0 {
			continue
		}
		side := PositionLong
		if strings.EqualFold(row.Side, "short") {
			side = PositionShort
		}

		mark := row.Price
		pnl := 0.0
		if ticker, err := a.GetTicker(ctx, row.Symbol); err == nil {
			mark = ticker.Price
			if side == PositionLong {
				pnl = (mark - row.Price) * row.Size
			} else {
				pnl = (row.Price - mark) * row.Size
			}
		}
		pct := 0.0
		if row.Price > 0 {
			pct = pnl / (row.Price * row.Size) * 100
		}
		positions = append(positions, Position{
			Symbol:     strings.ToUpper(row.Symbol),
			Side:       side,
			Size:       row.Size,
			EntryPrice: row.Price,
			MarkPrice:  mark,
			PnL:        pnl,
			Percentage: pct,
		})
	}
	return positions, nil
}

// GetTicker returns the last price. Public endpoint.
func (a *KrakenAdapter) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	norm := a.NormalizeSymbol(symbol)
	body, err := a.publicCall(ctx, krakenAPIPrefix+"/api/v3/tickers/"+norm, nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching ticker: %w", err)
	}
	var resp struct {
		Ticker struct {
			Symbol string  `json:"symbol"`
			Last   float64 `json:"last"`
		} `json:"ticker"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing ticker: %w", err)
	}
	return &Ticker{Symbol: strings.ToUpper(resp.Ticker.Symbol), Price: resp.Ticker.Last}, nil
}

// SetLeverage is a no-op: Kraken Futures fixes leverage per contract.
func (a *KrakenAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

// ==================== PRECISION ====================

// GetSymbolPrecision fetches instrument rules, cached.
func (a *KrakenAdapter) GetSymbolPrecision(ctx context.Context, symbol string) (*SymbolPrecision, error) {
	norm := a.NormalizeSymbol(symbol)
	if prec, ok := a.precision.get(norm); ok {
		return prec, nil
	}

	body, err := a.publicCall(ctx, krakenAPIPrefix+"/api/v3/instruments", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching instruments: %w", err)
	}
	var resp struct {
		Instruments []struct {
			Symbol                       string  `json:"symbol"`
			TickSize                     float64 `json:"tickSize"`
			ContractValueTradePrecision  float64 `json:"contractValueTradePrecision"`
		} `json:"instruments"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing instruments: %w", err)
	}

	for _, row := range resp.Instruments {
		if !strings.EqualFold(row.Symbol, norm) {
			continue
		}
		step := math.Pow10(-int(row.ContractValueTradePrecision))
		prec := &SymbolPrecision{
			Symbol:         norm,
			QtyPrecision:   int(row.ContractValueTradePrecision),
			StepSize:       step,
			MinQty:         step,
			TickSize:       row.TickSize,
			PricePrecision: decimalPlaces(strconv.FormatFloat(row.TickSize, 'f', -1, 64)),
		}
		a.precision.put(norm, prec)
		return prec, nil
	}
	return nil, fmt.Errorf("instrument not found: %s", norm)
}

// RoundQuantity floors qty to the instrument's size precision.
func (a *KrakenAdapter) RoundQuantity(ctx context.Context, qty float64, symbol string) (string, error) {
	prec, err := a.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return "", err
	}
	return roundAndValidate(qty, 0, prec)
}

// ==================== TRADING ====================

func (a *KrakenAdapter) sendOrder(ctx context.Context, params map[string]string) (*OrderInfo, error) {
	body, err := a.signedCall(ctx, http.MethodPost, "/api/v3/sendorder", params)
	if err != nil {
		return nil, fmt.Errorf("error sending order: %w", err)
	}
	var resp struct {
		SendStatus struct {
			OrderID string `json:"order_id"`
			Status  string `json:"status"`
		} `json:"sendStatus"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}
	if resp.SendStatus.Status != "placed" && resp.SendStatus.Status != "" {
		return nil, &ExchangeError{
			Exchange: "kraken",
			Code:     resp.SendStatus.Status,
			Message:  "order not placed: " + resp.SendStatus.Status,
		}
	}

	side := SideBuy
	if params["side"] == "sell" {
		side = SideSell
	}
	orderType := OrderTypeMarket
	switch params["orderType"] {
	case "stp":
		orderType = OrderTypeStopMarket
	case "take_profit":
		orderType = OrderTypeTakeProfitMarket
	}
	status := OrderStatusNew
	executed := 0.0
	if orderType == OrderTypeMarket {
		status = OrderStatusFilled
		executed, _ = strconv.ParseFloat(params["size"], 64)
	}
	return &OrderInfo{
		OrderID:     resp.SendStatus.OrderID,
		Symbol:      params["symbol"],
		Side:        side,
		Type:        orderType,
		QuantityStr: params["size"],
		PriceStr:    params["stopPrice"],
		Status:      status,
		ExecutedQty: executed,
	}, nil
}

// CreateMarketOrder places a market order.
func (a *KrakenAdapter) CreateMarketOrder(ctx context.Context, symbol, side string, qty float64) (*OrderInfo, error) {
	size, err := a.RoundQuantity(ctx, qty, symbol)
	if err != nil {
		return nil, err
	}
	return a.sendOrder(ctx, map[string]string{
		"orderType": "mkt",
		"symbol":    a.NormalizeSymbol(symbol),
		"side":      strings.ToLower(side),
		"size":      size,
	})
}

func (a *KrakenAdapter) createTriggerOrder(ctx context.Context, krakenType, symbol, side string, qty, stopPrice float64, reduceOnly bool) (*OrderInfo, error) {
	prec, err := a.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return nil, err
	}
	params := map[string]string{
		"orderType": krakenType,
		"symbol":    a.NormalizeSymbol(symbol),
		"side":      strings.ToLower(side),
		"size":      RoundToStep(qty, prec.StepSize),
		"stopPrice": RoundToStep(stopPrice, prec.TickSize),
	}
	if reduceOnly {
		params["reduceOnly"] = "true"
	}
	return a.sendOrder(ctx, params)
}

// CreateStopLossOrder places a stop (stp) order.
func (a *KrakenAdapter) CreateStopLossOrder(ctx context.Context, symbol, side string, qty, stopPrice float64, reduceOnly bool) (*OrderInfo, error) {
	return a.createTriggerOrder(ctx, "stp", symbol, side, qty, stopPrice, reduceOnly)
}

// CreateTakeProfitOrder places a take_profit order.
func (a *KrakenAdapter) CreateTakeProfitOrder(ctx context.Context, symbol, side string, qty, stopPrice float64, reduceOnly bool) (*OrderInfo, error) {
	return a.createTriggerOrder(ctx, "take_profit", symbol, side, qty, stopPrice, reduceOnly)
}

// GetOpenOrders lists open orders, filtered by symbol client-side.
func (a *KrakenAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error) {
	body, err := a.signedCall(ctx, http.MethodGet, "/api/v3/openorders", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching open orders: %w", err)
	}
	var resp struct {
		OpenOrders []struct {
			OrderID      string  `json:"order_id"`
			Symbol       string  `json:"symbol"`
			Side         string  `json:"side"`
			OrderType    string  `json:"orderType"`
			UnfilledSize float64 `json:"unfilledSize"`
			FilledSize   float64 `json:"filledSize"`
			StopPrice    float64 `json:"stopPrice"`
			LimitPrice   float64 `json:"limitPrice"`
		} `json:"openOrders"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing open orders: %w", err)
	}

	norm := a.NormalizeSymbol(symbol)
	var orders []OrderInfo
	for _, row := range resp.OpenOrders {
		if symbol != "" && !strings.EqualFold(row.Symbol, norm) {
			continue
		}
		side := SideBuy
		if strings.EqualFold(row.Side, "sell") {
			side = SideSell
		}
		orderType := OrderTypeLimit
		switch row.OrderType {
		case "stp", "stop":
			orderType = OrderTypeStopMarket
		case "take_profit":
			orderType = OrderTypeTakeProfitMarket
		case "mkt":
			orderType = OrderTypeMarket
		}
		price := row.StopPrice
		if price == 0 {
			price = row.LimitPrice
		}
		status := OrderStatusNew
		if row.FilledSize > 0 {
			status = OrderStatusPartiallyFilled
		}
		orders = append(orders, OrderInfo{
			OrderID:     row.OrderID,
			Symbol:      strings.ToUpper(row.Symbol),
			Side:        side,
			Type:        orderType,
			QuantityStr: strconv.FormatFloat(row.UnfilledSize+row.FilledSize, 'f', -1, 64),
			PriceStr:    strconv.FormatFloat(price, 'f', -1, 64),
			Status:      status,
			ExecutedQty: row.FilledSize,
		})
	}
	return orders, nil
}

// CancelOrder cancels one order by id.
func (a *KrakenAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := a.signedCall(ctx, http.MethodPost, "/api/v3/cancelorder", map[string]string{
		"order_id": orderID,
	})
	if err != nil {
		return fmt.Errorf("error cancelling order %s: %w", orderID, err)
	}
	return nil
}

// CancelAllOrders cancels every open order for a symbol.
func (a *KrakenAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	_, err := a.signedCall(ctx, http.MethodPost, "/api/v3/cancelallorders", map[string]string{
		"symbol": a.NormalizeSymbol(symbol),
	})
	if err != nil {
		return fmt.Errorf("error cancelling all orders: %w", err)
	}
	return nil
}

// ==================== MARKET DATA ====================

// GetKlines fetches OHLCV candles from the charts API, oldest first.
func (a *KrakenAdapter) GetKlines(ctx context.Context, q KlineQuery) ([]Kline, error) {
	resolution, ok := krakenResolutions[q.Interval]
	if !ok {
		return nil, fmt.Errorf("unsupported interval: %s", q.Interval)
	}
	norm := a.NormalizeSymbol(q.Symbol)

	params := map[string]string{}
	dur, _ := IntervalDuration(q.Interval)
	if q.End > 0 {
		params["to"] = strconv.FormatInt(q.End/1000, 10)
		start := q.Start
		if start == 0 && q.Limit > 0 {
			start = q.End - int64(q.Limit)*dur.Milliseconds()
		}
		if start > 0 {
			params["from"] = strconv.FormatInt(start/1000, 10)
		}
	}

	path := fmt.Sprintf("/api/charts/v1/trade/%s/%s", norm, resolution)
	body, err := a.publicCall(ctx, path, params)
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}

	var resp struct {
		Candles []struct {
			Time   int64  `json:"time"` // ms
			Open   string `json:"open"`
			High   string `json:"high"`
			Low    string `json:"low"`
			Close  string `json:"close"`
			Volume json.Number `json:"volume"`
		} `json:"candles"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	klines := make([]Kline, 0, len(resp.Candles))
	for _, row := range resp.Candles {
		k := Kline{
			OpenTime:  row.Time,
			CloseTime: row.Time + dur.Milliseconds() - 1,
		}
		k.Open, _ = strconv.ParseFloat(row.Open, 64)
		k.High, _ = strconv.ParseFloat(row.High, 64)
		k.Low, _ = strconv.ParseFloat(row.Low, 64)
		k.Close, _ = strconv.ParseFloat(row.Close, 64)
		k.Volume, _ = row.Volume.Float64()
		klines = append(klines, k)
	}

	if q.Limit > 0 && len(klines) > q.Limit {
		klines = klines[len(klines)-q.Limit:]
	}
	return klines, nil
}

// CreateManagedOrders places the standard SL + split-TP protective set.
func (a *KrakenAdapter) CreateManagedOrders(ctx context.Context, symbol, closeSide string, qty, stopPrice, tpPrice float64, reduceOnly bool) (*ManagedOrders, error) {
	return placeManagedOrders(ctx, a, symbol, closeSide, qty, stopPrice, tpPrice, reduceOnly)
}
