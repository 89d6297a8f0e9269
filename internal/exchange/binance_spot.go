package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	binanceSpotURL        = "https://api.binance.com"
	binanceSpotTestnetURL = "https://testnet.binance.vision"
)

// BinanceSpotAdapter implements SpotAdapter against the Binance spot API,
// including native OCO protective orders.
type BinanceSpotAdapter struct {
	apiKey    string
	secretKey string
	baseURL   string
	transport *transport
	precision *precisionCache

	offsetMu   sync.Mutex
	timeOffset int64
	offsetSet  bool
}

// NewBinanceSpotAdapter creates a Binance spot adapter.
func NewBinanceSpotAdapter(apiKey, secretKey string, testnet bool) *BinanceSpotAdapter {
	baseURL := binanceSpotURL
	if testnet {
		baseURL = binanceSpotTestnetURL
	}
	return &BinanceSpotAdapter{
		apiKey:    strings.TrimSpace(apiKey),
		secretKey: strings.TrimSpace(secretKey),
		baseURL:   baseURL,
		transport: newTransport("binance-spot", 8),
		precision: newPrecisionCache(),
	}
}

// Name returns the canonical exchange name.
func (a *BinanceSpotAdapter) Name() string { return "binance" }

// NormalizeSymbol maps "BTC/USDT" to "BTCUSDT". Idempotent.
func (a *BinanceSpotAdapter) NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

func (a *BinanceSpotAdapter) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(a.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *BinanceSpotAdapter) serverNow() int64 {
	a.offsetMu.Lock()
	defer a.offsetMu.Unlock()
	return time.Now().UnixMilli() + a.timeOffset
}

func (a *BinanceSpotAdapter) syncTimeOffset(ctx context.Context) error {
	body, err := a.publicCall(ctx, "/api/v3/time", nil)
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

func (a *BinanceSpotAdapter) parseError(status int, body []byte) error {
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
		Retriable: isRetryableStatus(status, string(body)),
	}
}

func (a *BinanceSpotAdapter) publicCall(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	return a.transport.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, a.baseURL+endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.URL.RawQuery = sortedQuery(params)
		return req, nil
	}, a.parseError)
}

func (a *BinanceSpotAdapter) signedCall(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	a.offsetMu.Lock()
	needSync := !a.offsetSet
	a.offsetMu.Unlock()
	if needSync {
		if err := a.syncTimeOffset(ctx); err != nil {
			return nil, fmt.Errorf("time sync failed: %w", err)
		}
	}

	call := func() ([]byte, error) {
		return a.transport.do(ctx, func() (*http.Request, error) {
			signed := make(map[string]string, len(params)+2)
			for k, v := range params {
				signed[k] = v
			}
			signed["timestamp"] = strconv.FormatInt(a.serverNow(), 10)
			signed["recvWindow"] = "10000"
			query := sortedQuery(signed)
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

	body, err := call()
	if err != nil && IsTimestampRejection("binance", err) {
		if syncErr := a.syncTimeOffset(ctx); syncErr != nil {
			return nil, err
		}
		return call()
	}
	return body, err
}

// TestConnectivity pings the API without credentials.
func (a *BinanceSpotAdapter) TestConnectivity(ctx context.Context) error {
	_, err := a.publicCall(ctx, "/api/v3/ping", nil)
	return err
}

// GetAccountInfo returns the USDT balance view of the spot account.
func (a *BinanceSpotAdapter) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	body, err := a.signedCall(ctx, http.MethodGet, "/api/v3/account", map[string]string{})
	if err != nil {
		return nil, fmt.Errorf("error fetching account info: %w", err)
	}
	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing account info: %w", err)
	}

	info := &AccountInfo{}
	for _, b := range resp.Balances {
		if b.Asset == "USDT" {
			free, _ := strconv.ParseFloat(b.Free, 64)
			locked, _ := strconv.ParseFloat(b.Locked, 64)
			info.Available = free
			info.TotalWallet = free + locked
			info.UsedMargin = locked
		}
	}
	var raw map[string]interface{}
	_ = json.Unmarshal(body, &raw)
	info.Raw = raw
	return info, nil
}

// GetTicker returns the last price. Public endpoint.
func (a *BinanceSpotAdapter) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	body, err := a.publicCall(ctx, "/api/v3/ticker/price", map[string]string{
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

// GetSymbolPrecision fetches spot trading rules, cached.
func (a *BinanceSpotAdapter) GetSymbolPrecision(ctx context.Context, symbol string) (*SymbolPrecision, error) {
	norm := a.NormalizeSymbol(symbol)
	if prec, ok := a.precision.get(norm); ok {
		return prec, nil
	}

	body, err := a.publicCall(ctx, "/api/v3/exchangeInfo", map[string]string{"symbol": norm})
	if err != nil {
		return nil, fmt.Errorf("error fetching exchange info: %w", err)
	}
	var resp struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				TickSize    string `json:"tickSize"`
				MinQty      string `json:"minQty"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Symbols) == 0 {
		return nil, fmt.Errorf("symbol not found: %s", norm)
	}

	prec := &SymbolPrecision{Symbol: norm}
	for _, f := range resp.Symbols[0].Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			prec.StepSize, _ = strconv.ParseFloat(f.StepSize, 64)
			prec.MinQty, _ = strconv.ParseFloat(f.MinQty, 64)
			prec.QtyPrecision = decimalPlaces(f.StepSize)
		case "PRICE_FILTER":
			prec.TickSize, _ = strconv.ParseFloat(f.TickSize, 64)
			prec.PricePrecision = decimalPlaces(f.TickSize)
		case "NOTIONAL", "MIN_NOTIONAL":
			prec.MinNotional, _ = strconv.ParseFloat(f.MinNotional, 64)
		}
	}
	a.precision.put(norm, prec)
	return prec, nil
}

// RoundQuantity floors qty to step size with minimum validation.
func (a *BinanceSpotAdapter) RoundQuantity(ctx context.Context, qty float64, symbol string) (string, error) {
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
func (a *BinanceSpotAdapter) CreateMarketOrder(ctx context.Context, symbol, side string, qty float64) (*OrderInfo, error) {
	qtyStr, err := a.RoundQuantity(ctx, qty, symbol)
	if err != nil {
		return nil, err
	}
	body, err := a.signedCall(ctx, http.MethodPost, "/api/v3/order", map[string]string{
		"symbol":   a.NormalizeSymbol(symbol),
		"side":     side,
		"type":     "MARKET",
		"quantity": qtyStr,
	})
	if err != nil {
		return nil, fmt.Errorf("error placing market order: %w", err)
	}
	var resp struct {
		OrderID     int64  `json:"orderId"`
		Symbol      string `json:"symbol"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}
	executed, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	return &OrderInfo{
		OrderID:     strconv.FormatInt(resp.OrderID, 10),
		Symbol:      resp.Symbol,
		Side:        side,
		Type:        OrderTypeMarket,
		QuantityStr: qtyStr,
		Status:      resp.Status,
		ExecutedQty: executed,
	}, nil
}

// CreateOCOOrder places an atomic TP-limit + SL pair. side is the closing
// side (SELL after a BUY entry).
func (a *BinanceSpotAdapter) CreateOCOOrder(ctx context.Context, symbol, side string, qty, tpPrice, slPrice float64) (*ManagedOrders, error) {
	prec, err := a.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return nil, err
	}
	norm := a.NormalizeSymbol(symbol)
	body, err := a.signedCall(ctx, http.MethodPost, "/api/v3/order/oco", map[string]string{
		"symbol":               norm,
		"side":                 side,
		"quantity":             RoundToStep(qty, prec.StepSize),
		"price":                RoundToStep(tpPrice, prec.TickSize),
		"stopPrice":            RoundToStep(slPrice, prec.TickSize),
		"stopLimitPrice":       RoundToStep(slPrice, prec.TickSize),
		"stopLimitTimeInForce": "GTC",
	})
	if err != nil {
		return nil, fmt.Errorf("error placing oco order: %w", err)
	}

	var resp struct {
		OrderReports []struct {
			OrderID   int64  `json:"orderId"`
			Type      string `json:"type"`
			Price     string `json:"price"`
			StopPrice string `json:"stopPrice"`
			OrigQty   string `json:"origQty"`
			Status    string `json:"status"`
		} `json:"orderReports"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing oco response: %w", err)
	}

	result := &ManagedOrders{}
	for _, report := range resp.OrderReports {
		info := &OrderInfo{
			OrderID:     strconv.FormatInt(report.OrderID, 10),
			Symbol:      norm,
			Side:        side,
			Type:        OrderTypeOCO,
			QuantityStr: report.OrigQty,
			Status:      report.Status,
		}
		if strings.Contains(report.Type, "STOP") {
			info.PriceStr = report.StopPrice
			result.StopLoss = info
		} else {
			info.PriceStr = report.Price
			result.TakeProfits = append(result.TakeProfits, info)
		}
	}
	return result, nil
}

// GetOpenOrders lists open spot orders for a symbol.
func (a *BinanceSpotAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error) {
	body, err := a.signedCall(ctx, http.MethodGet, "/api/v3/openOrders", map[string]string{
		"symbol": a.NormalizeSymbol(symbol),
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching open orders: %w", err)
	}
	var rows []struct {
		OrderID     int64  `json:"orderId"`
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		Type        string `json:"type"`
		OrigQty     string `json:"origQty"`
		Price       string `json:"price"`
		StopPrice   string `json:"stopPrice"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("error parsing open orders: %w", err)
	}

	orders := make([]OrderInfo, 0, len(rows))
	for _, row := range rows {
		executed, _ := strconv.ParseFloat(row.ExecutedQty, 64)
		price := row.Price
		if price == "" || price == "0" {
			price = row.StopPrice
		}
		orders = append(orders, OrderInfo{
			OrderID:     strconv.FormatInt(row.OrderID, 10),
			Symbol:      row.Symbol,
			Side:        row.Side,
			Type:        row.Type,
			QuantityStr: row.OrigQty,
			PriceStr:    price,
			Status:      row.Status,
			ExecutedQty: executed,
		})
	}
	return orders, nil
}

// CancelOrder cancels one spot order by id.
func (a *BinanceSpotAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := a.signedCall(ctx, http.MethodDelete, "/api/v3/order", map[string]string{
		"symbol":  a.NormalizeSymbol(symbol),
		"orderId": orderID,
	})
	if err != nil {
		return fmt.Errorf("error cancelling order %s: %w", orderID, err)
	}
	return nil
}

// CancelAllOrders cancels every open spot order for a symbol.
func (a *BinanceSpotAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	_, err := a.signedCall(ctx, http.MethodDelete, "/api/v3/openOrders", map[string]string{
		"symbol": a.NormalizeSymbol(symbol),
	})
	if err != nil {
		return fmt.Errorf("error cancelling all orders: %w", err)
	}
	return nil
}

// GetKlines fetches spot OHLCV candles. Public endpoint.
func (a *BinanceSpotAdapter) GetKlines(ctx context.Context, q KlineQuery) ([]Kline, error) {
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

	body, err := a.publicCall(ctx, "/api/v3/klines", params)
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
