package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const okxURL = "https://www.okx.com"

// okx account position modes
const (
	okxLongShortMode = "long_short_mode"
	okxNetMode       = "net_mode"
)

// okx kline bar codes
var okxBars = map[string]string{
	"1m": "1m", "3m": "3m", "5m": "5m", "15m": "15m", "30m": "30m",
	"1h": "1H", "2h": "2H", "4h": "4H", "6h": "6H", "12h": "12H",
	"1d": "1D",
}

// OKXAdapter implements FuturesAdapter against the OKX V5 API for USDT
// perpetual swaps. Sizes on the wire are contract counts; the adapter
// converts from base-asset quantities using the instrument's ctVal.
//
// The account's position mode is read once from /api/v5/account/config:
// long/short mode sets leverage for both sides and attaches a posSide to
// every order; net mode must omit posSide or OKX rejects with 51000.
type OKXAdapter struct {
	apiKey     string
	secretKey  string
	passphrase string
	demo       bool
	transport  *transport
	precision  *precisionCache

	offsetMu   sync.Mutex
	timeOffset int64
	offsetSet  bool

	posModeMu  sync.Mutex
	posMode    string
	posModeSet bool
}

// NewOKXAdapter creates an OKX adapter. demo enables simulated trading.
func NewOKXAdapter(apiKey, secretKey, passphrase string, demo bool) *OKXAdapter {
	return &OKXAdapter{
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		passphrase: strings.TrimSpace(passphrase),
		demo:       demo,
		transport:  newTransport("okx", 8),
		precision:  newPrecisionCache(),
	}
}

// Name returns the canonical exchange name.
func (a *OKXAdapter) Name() string { return "okx" }

// NormalizeSymbol maps "BTC/USDT" or "BTCUSDT" to "BTC-USDT-SWAP".
// Idempotent: an already-normalized instId passes through unchanged.
func (a *OKXAdapter) NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	if strings.HasSuffix(s, "-SWAP") {
		return s
	}
	if strings.Contains(s, "/") {
		return strings.ReplaceAll(s, "/", "-") + "-SWAP"
	}
	if strings.Contains(s, "-") {
		return s + "-SWAP"
	}
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)] + "-" + quote + "-SWAP"
		}
	}
	return s + "-SWAP"
}

// ==================== SIGNING ====================

func (a *OKXAdapter) serverNow() time.Time {
	a.offsetMu.Lock()
	defer a.offsetMu.Unlock()
	return time.Now().Add(time.Duration(a.timeOffset) * time.Millisecond)
}

func (a *OKXAdapter) syncTimeOffset(ctx context.Context) error {
	body, err := a.publicCall(ctx, "/api/v5/public/time", nil)
	if err != nil {
		return err
	}
	data, err := a.unwrap(body)
	if err != nil {
		return err
	}
	var rows []struct {
		TS string `json:"ts"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return fmt.Errorf("error parsing server time")
	}
	ts, err := strconv.ParseInt(rows[0].TS, 10, 64)
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
func (a *OKXAdapter) signRequest(timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(a.secretKey))
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// okx response envelope: code "0" means success.
func (a *OKXAdapter) unwrap(body []byte) (json.RawMessage, error) {
	var env struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("error parsing response: %w", err)
	}
	if env.Code != "0" {
		return nil, &ExchangeError{
			Exchange:  "okx",
			Code:      env.Code,
			Message:   env.Msg,
			Retriable: env.Code == "50011" || env.Code == "50013", // rate limit, busy
		}
	}
	return env.Data, nil
}

// ==================== HTTP ====================

func (a *OKXAdapter) publicCall(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return a.transport.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, okxURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.URL.RawQuery = sortedQuery(params)
		return req, nil
	}, nil)
}

func (a *OKXAdapter) signedCall(ctx context.Context, method, path string, params map[string]string, jsonBody interface{}) ([]byte, error) {
	a.offsetMu.Lock()
	needSync := !a.offsetSet
	a.offsetMu.Unlock()
	if needSync {
		if err := a.syncTimeOffset(ctx); err != nil {
			return nil, fmt.Errorf("time sync failed: %w", err)
		}
	}

	body, err := a.signedCallOnce(ctx, method, path, params, jsonBody)
	if err != nil && IsTimestampRejection("okx", err) {
		if syncErr := a.syncTimeOffset(ctx); syncErr != nil {
			return nil, err
		}
		return a.signedCallOnce(ctx, method, path, params, jsonBody)
	}
	return body, err
}

func (a *OKXAdapter) signedCallOnce(ctx context.Context, method, path string, params map[string]string, jsonBody interface{}) ([]byte, error) {
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

		req, err := http.NewRequest(method, okxURL+requestPath, reader)
		if err != nil {
			return nil, err
		}

		timestamp := a.serverNow().UTC().Format("2006-01-02T15:04:05.000Z")
		req.Header.Set("OK-ACCESS-KEY", a.apiKey)
		req.Header.Set("OK-ACCESS-SIGN", a.signRequest(timestamp, method, requestPath, bodyStr))
		req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
		req.Header.Set("OK-ACCESS-PASSPHRASE", a.passphrase)
		req.Header.Set("Content-Type", "application/json")
		if a.demo {
			req.Header.Set("x-simulated-trading", "1")
		}
		return req, nil
	}, nil)
}

// ==================== ACCOUNT ====================

// TestConnectivity checks the public time endpoint.
func (a *OKXAdapter) TestConnectivity(ctx context.Context) error {
	_, err := a.publicCall(ctx, "/api/v5/public/time", nil)
	return err
}

// GetAccountInfo retrieves the unified-account USDT snapshot.
func (a *OKXAdapter) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	body, err := a.signedCall(ctx, http.MethodGet, "/api/v5/account/balance", map[string]string{"ccy": "USDT"}, nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching account info: %w", err)
	}
	data, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		TotalEq string `json:"totalEq"`
		Details []struct {
			Ccy     string `json:"ccy"`
			AvailEq string `json:"availEq"`
			Imr     string `json:"imr"`
			Upl     string `json:"upl"`
		} `json:"details"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("error parsing account info: %w", err)
	}
	if len(rows) == 0 {
		return &AccountInfo{}, nil
	}

	info := &AccountInfo{}
	info.TotalWallet, _ = strconv.ParseFloat(rows[0].TotalEq, 64)
	for _, d := range rows[0].Details {
		if d.Ccy == "USDT" {
			info.Available, _ = strconv.ParseFloat(d.AvailEq, 64)
			info.UsedMargin, _ = strconv.ParseFloat(d.Imr, 64)
			info.UnrealizedPnL, _ = strconv.ParseFloat(d.Upl, 64)
		}
	}
	var raw map[string]interface{}
	_ = json.Unmarshal(data, &raw)
	info.Raw = raw
	return info, nil
}

// GetPositions lists open swap positions. Contract counts are converted to
// base-asset size via the instrument's ctVal.
func (a *OKXAdapter) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	params := map[string]string{"instType": "SWAP"}
	if symbol != "" {
		params["instId"] = a.NormalizeSymbol(symbol)
	}
	body, err := a.signedCall(ctx, http.MethodGet, "/api/v5/account/positions", params, nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching positions: %w", err)
	}
	data, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		InstID  string `json:"instId"`
		PosSide string `json:"posSide"`
		Pos     string `json:"pos"`
		AvgPx   string `json:"avgPx"`
		MarkPx  string `json:"markPx"`
		Upl     string `json:"upl"`
		UplRatio string `json:"uplRatio"`
		Lever   string `json:"lever"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("error parsing positions: %w", err)
	}

	var positions []Position
	for _, row := range rows {
		contracts, _ := strconv.ParseFloat(row.Pos, 64)
		if contracts == 0 {
			continue
		}

		side := PositionLong
		if row.PosSide == "short" || contracts < 0 {
			side = PositionShort
		}
		if contracts < 0 {
			contracts = -contracts
		}

		size := contracts
		if prec, err := a.GetSymbolPrecision(ctx, row.InstID); err == nil && prec.ContractValue > 0 {
			size = contracts * prec.ContractValue
		}

		entry, _ := strconv.ParseFloat(row.AvgPx, 64)
		mark, _ := strconv.ParseFloat(row.MarkPx, 64)
		pnl, _ := strconv.ParseFloat(row.Upl, 64)
		ratio, _ := strconv.ParseFloat(row.UplRatio, 64)
		lever, _ := strconv.ParseFloat(row.Lever, 64)

		positions = append(positions, Position{
			Symbol:     row.InstID,
			Side:       side,
			Size:       size,
			EntryPrice: entry,
			MarkPrice:  mark,
			PnL:        pnl,
			Percentage: ratio * 100,
			Leverage:   int(lever),
		})
	}
	return positions, nil
}

// GetTicker returns the last price. Public endpoint.
func (a *OKXAdapter) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	instID := a.NormalizeSymbol(symbol)
	body, err := a.publicCall(ctx, "/api/v5/market/ticker", map[string]string{"instId": instID})
	if err != nil {
		return nil, fmt.Errorf("error fetching ticker: %w", err)
	}
	data, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return nil, fmt.Errorf("no ticker for symbol: %s", instID)
	}
	price, _ := strconv.ParseFloat(rows[0].Last, 64)
	return &Ticker{Symbol: rows[0].InstID, Price: price}, nil
}

// positionMode reads the account's position mode from the account config,
// cached for the adapter lifetime. A failed read falls back to long/short
// mode without caching, so the next call retries.
func (a *OKXAdapter) positionMode(ctx context.Context) string {
	a.posModeMu.Lock()
	if a.posModeSet {
		mode := a.posMode
		a.posModeMu.Unlock()
		return mode
	}
	a.posModeMu.Unlock()

	mode := okxLongShortMode
	body, err := a.signedCall(ctx, http.MethodGet, "/api/v5/account/config", nil, nil)
	if err == nil {
		if data, uerr := a.unwrap(body); uerr == nil {
			var rows []struct {
				PosMode string `json:"posMode"`
			}
			if json.Unmarshal(data, &rows) == nil && len(rows) > 0 && rows[0].PosMode != "" {
				mode = rows[0].PosMode
			} else {
				err = fmt.Errorf("error parsing account config")
			}
		} else {
			err = uerr
		}
	}

	a.posModeMu.Lock()
	a.posMode = mode
	a.posModeSet = err == nil
	a.posModeMu.Unlock()
	return mode
}

// SetLeverage sets leverage: once per side in long/short mode, once without
// a posSide in net mode.
func (a *OKXAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	instID := a.NormalizeSymbol(symbol)
	sides := []string{"long", "short"}
	if a.positionMode(ctx) == okxNetMode {
		sides = []string{""}
	}
	for _, posSide := range sides {
		params := map[string]string{
			"instId":  instID,
			"lever":   strconv.Itoa(leverage),
			"mgnMode": "cross",
		}
		if posSide != "" {
			params["posSide"] = posSide
		}
		body, err := a.signedCall(ctx, http.MethodPost, "/api/v5/account/set-leverage", nil, params)
		if err != nil {
			return fmt.Errorf("error setting leverage: %w", err)
		}
		if _, err := a.unwrap(body); err != nil {
			return err
		}
	}
	return nil
}

// ==================== PRECISION ====================

// GetSymbolPrecision fetches instrument rules, cached. StepSize and MinQty
// are in contract units; ContractValue converts contracts to base asset.
func (a *OKXAdapter) GetSymbolPrecision(ctx context.Context, symbol string) (*SymbolPrecision, error) {
	instID := a.NormalizeSymbol(symbol)
	if prec, ok := a.precision.get(instID); ok {
		return prec, nil
	}

	body, err := a.publicCall(ctx, "/api/v5/public/instruments", map[string]string{
		"instType": "SWAP",
		"instId":   instID,
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching instrument info: %w", err)
	}
	data, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		InstID string `json:"instId"`
		CtVal  string `json:"ctVal"`
		LotSz  string `json:"lotSz"`
		MinSz  string `json:"minSz"`
		TickSz string `json:"tickSz"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("error parsing instrument info: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("instrument not found: %s", instID)
	}

	row := rows[0]
	prec := &SymbolPrecision{Symbol: instID}
	prec.ContractValue, _ = strconv.ParseFloat(row.CtVal, 64)
	prec.StepSize, _ = strconv.ParseFloat(row.LotSz, 64)
	prec.MinQty, _ = strconv.ParseFloat(row.MinSz, 64)
	prec.TickSize, _ = strconv.ParseFloat(row.TickSz, 64)
	prec.QtyPrecision = decimalPlaces(row.LotSz)
	prec.PricePrecision = decimalPlaces(row.TickSz)

	a.precision.put(instID, prec)
	return prec, nil
}

// RoundQuantity converts a base-asset quantity to contracts and validates
// the instrument minimum. The returned string is a contract count.
func (a *OKXAdapter) RoundQuantity(ctx context.Context, qty float64, symbol string) (string, error) {
	prec, err := a.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return "", err
	}
	sz := ToContracts(qty, prec.ContractValue, prec.StepSize)
	contracts, _ := strconv.ParseFloat(sz, 64)
	if contracts < prec.MinQty {
		return "", &InvalidQuantityError{
			Symbol: prec.Symbol,
			Qty:    qty,
			Reason: "contract count below minimum size",
		}
	}
	return sz, nil
}

// ==================== TRADING ====================

// okxPosSide resolves the position side an order acts on: an opening order
// follows its own direction, a reducing order acts on the opposite side.
func okxPosSide(side string, reduceOnly bool) string {
	long := side == SideBuy
	if reduceOnly {
		long = !long
	}
	if long {
		return "long"
	}
	return "short"
}

// okxApplyPosSide attaches posSide to order params in long/short mode and
// leaves net-mode orders bare, since OKX rejects posSide there with 51000.
func okxApplyPosSide(params map[string]string, mode, side string, reduceOnly bool) {
	if mode != okxLongShortMode {
		return
	}
	params["posSide"] = okxPosSide(side, reduceOnly)
}

// CreateMarketOrder places a market order. qty is in base asset and is
// converted to contracts.
func (a *OKXAdapter) CreateMarketOrder(ctx context.Context, symbol, side string, qty float64) (*OrderInfo, error) {
	sz, err := a.RoundQuantity(ctx, qty, symbol)
	if err != nil {
		return nil, err
	}
	instID := a.NormalizeSymbol(symbol)
	params := map[string]string{
		"instId":  instID,
		"tdMode":  "cross",
		"side":    strings.ToLower(side),
		"ordType": "market",
		"sz":      sz,
	}
	okxApplyPosSide(params, a.positionMode(ctx), side, false)
	body, err := a.signedCall(ctx, http.MethodPost, "/api/v5/trade/order", nil, params)
	if err != nil {
		return nil, fmt.Errorf("error placing market order: %w", err)
	}
	data, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return nil, fmt.Errorf("error parsing order response")
	}
	executed, _ := strconv.ParseFloat(sz, 64)
	return &OrderInfo{
		OrderID:       rows[0].OrdID,
		ClientOrderID: rows[0].ClOrdID,
		Symbol:        instID,
		Side:          side,
		Type:          OrderTypeMarket,
		QuantityStr:   sz,
		Status:        OrderStatusFilled,
		ExecutedQty:   executed,
	}, nil
}

// createAlgoOrder places a conditional trigger order (SL or TP) via the algo
// endpoint.
func (a *OKXAdapter) createAlgoOrder(ctx context.Context, orderType, symbol, side string, qty, triggerPrice float64, reduceOnly bool) (*OrderInfo, error) {
	prec, err := a.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return nil, err
	}
	instID := a.NormalizeSymbol(symbol)
	sz := ToContracts(qty, prec.ContractValue, prec.StepSize)
	pxStr := RoundToStep(triggerPrice, prec.TickSize)

	params := map[string]string{
		"instId":  instID,
		"tdMode":  "cross",
		"side":    strings.ToLower(side),
		"ordType": "conditional",
		"sz":      sz,
	}
	okxApplyPosSide(params, a.positionMode(ctx), side, reduceOnly)
	if orderType == OrderTypeStopMarket {
		params["slTriggerPx"] = pxStr
		params["slOrdPx"] = "-1" // market execution on trigger
	} else {
		params["tpTriggerPx"] = pxStr
		params["tpOrdPx"] = "-1"
	}
	if reduceOnly {
		params["reduceOnly"] = "true"
	}

	body, err := a.signedCall(ctx, http.MethodPost, "/api/v5/trade/order-algo", nil, params)
	if err != nil {
		return nil, fmt.Errorf("error placing algo order: %w", err)
	}
	data, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		AlgoID string `json:"algoId"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return nil, fmt.Errorf("error parsing algo order response")
	}
	return &OrderInfo{
		OrderID:     rows[0].AlgoID,
		Symbol:      instID,
		Side:        side,
		Type:        orderType,
		QuantityStr: sz,
		PriceStr:    pxStr,
		Status:      OrderStatusNew,
	}, nil
}

// CreateStopLossOrder places a conditional stop-loss algo order.
func (a *OKXAdapter) CreateStopLossOrder(ctx context.Context, symbol, side string, qty, stopPrice float64, reduceOnly bool) (*OrderInfo, error) {
	return a.createAlgoOrder(ctx, OrderTypeStopMarket, symbol, side, qty, stopPrice, reduceOnly)
}

// CreateTakeProfitOrder places a conditional take-profit algo order.
func (a *OKXAdapter) CreateTakeProfitOrder(ctx context.Context, symbol, side string, qty, stopPrice float64, reduceOnly bool) (*OrderInfo, error) {
	return a.createAlgoOrder(ctx, OrderTypeTakeProfitMarket, symbol, side, qty, stopPrice, reduceOnly)
}

// GetOpenOrders lists pending algo (protective) orders for a symbol.
func (a *OKXAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error) {
	body, err := a.signedCall(ctx, http.MethodGet, "/api/v5/trade/orders-algo-pending", map[string]string{
		"ordType": "conditional",
		"instId":  a.NormalizeSymbol(symbol),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching algo orders: %w", err)
	}
	data, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		AlgoID      string `json:"algoId"`
		InstID      string `json:"instId"`
		Side        string `json:"side"`
		Sz          string `json:"sz"`
		SlTriggerPx string `json:"slTriggerPx"`
		TpTriggerPx string `json:"tpTriggerPx"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("error parsing algo orders: %w", err)
	}

	orders := make([]OrderInfo, 0, len(rows))
	for _, row := range rows {
		orderType := OrderTypeStopMarket
		price := row.SlTriggerPx
		if row.TpTriggerPx != "" {
			orderType = OrderTypeTakeProfitMarket
			price = row.TpTriggerPx
		}
		orders = append(orders, OrderInfo{
			OrderID:     row.AlgoID,
			Symbol:      row.InstID,
			Side:        strings.ToUpper(row.Side),
			Type:        orderType,
			QuantityStr: row.Sz,
			PriceStr:    price,
			Status:      OrderStatusNew,
		})
	}
	return orders, nil
}

// CancelOrder cancels one algo order by id, falling back to the regular
// order endpoint for non-algo ids.
func (a *OKXAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	instID := a.NormalizeSymbol(symbol)
	body, err := a.signedCall(ctx, http.MethodPost, "/api/v5/trade/cancel-algos", nil,
		[]map[string]string{{"instId": instID, "algoId": orderID}})
	if err == nil {
		if _, uerr := a.unwrap(body); uerr == nil {
			return nil
		}
	}
	body, err = a.signedCall(ctx, http.MethodPost, "/api/v5/trade/cancel-order", nil, map[string]string{
		"instId": instID,
		"ordId":  orderID,
	})
	if err != nil {
		return fmt.Errorf("error cancelling order %s: %w", orderID, err)
	}
	_, err = a.unwrap(body)
	return err
}

// CancelAllOrders cancels every pending algo order for a symbol.
func (a *OKXAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
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

// GetKlines fetches OHLCV candles. OKX returns newest first; the result is
// reversed to chronological order.
func (a *OKXAdapter) GetKlines(ctx context.Context, q KlineQuery) ([]Kline, error) {
	bar, ok := okxBars[q.Interval]
	if !ok {
		return nil, fmt.Errorf("unsupported interval: %s", q.Interval)
	}
	params := map[string]string{
		"instId": a.NormalizeSymbol(q.Symbol),
		"bar":    bar,
	}
	if q.Limit > 0 {
		params["limit"] = strconv.Itoa(q.Limit)
	}
	if q.End > 0 {
		// "after" paginates to records with ts strictly earlier.
		params["after"] = strconv.FormatInt(q.End+1, 10)
	}
	if q.Start > 0 {
		params["before"] = strconv.FormatInt(q.Start-1, 10)
	}

	body, err := a.publicCall(ctx, "/api/v5/market/candles", params)
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
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
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
func (a *OKXAdapter) CreateManagedOrders(ctx context.Context, symbol, closeSide string, qty, stopPrice, tpPrice float64, reduceOnly bool) (*ManagedOrders, error) {
	return placeManagedOrders(ctx, a, symbol, closeSide, qty, stopPrice, tpPrice, reduceOnly)
}
