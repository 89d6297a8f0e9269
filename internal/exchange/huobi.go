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
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	huobiHost = "api.hbdm.com"
	huobiURL  = "https://" + huobiHost
)

// huobi kline period codes
var huobiPeriods = map[string]string{
	"1m": "1min", "5m": "5min", "15m": "15min", "30m": "30min",
	"1h": "60min", "4h": "4hour", "1d": "1day",
}

// HuobiAdapter implements FuturesAdapter against the HTX (Huobi) USDT-margined
// linear-swap API in cross-margin mode. Order volumes are integer contract
// counts; contract_size converts to base asset.
type HuobiAdapter struct {
	apiKey    string
	secretKey string
	transport *transport
	precision *precisionCache
}

// NewHuobiAdapter creates an HTX linear-swap adapter. HTX has no public
// futures testnet; the testnet flag only exists for interface symmetry and
// is ignored.
func NewHuobiAdapter(apiKey, secretKey string, _ bool) *HuobiAdapter {
	return &HuobiAdapter{
		apiKey:    strings.TrimSpace(apiKey),
		secretKey: strings.TrimSpace(secretKey),
		transport: newTransport("huobi", 8),
		precision: newPrecisionCache(),
	}
}

// Name returns the canonical exchange name.
func (a *HuobiAdapter) Name() string { return "huobi" }

// NormalizeSymbol maps "BTC/USDT" or "BTCUSDT" to the contract code
// "BTC-USDT". Idempotent.
func (a *HuobiAdapter) NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	if strings.Contains(s, "-") {
		return s
	}
	if strings.Contains(s, "/") {
		return strings.ReplaceAll(s, "/", "-")
	}
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)] + "-" + quote
		}
	}
	return s
}

// ==================== SIGNING ====================

// signedURL builds a request URL with the HTX v2 signature: base64 of
// HMAC-SHA256 over "METHOD\nhost\npath\nsorted-query".
func (a *HuobiAdapter) signedURL(method, path string) string {
	params := url.Values{}
	params.Set("AccessKeyId", a.apiKey)
	params.Set("SignatureMethod", "HmacSHA256")
	params.Set("SignatureVersion", "2")
	params.Set("Timestamp", time.Now().UTC().Format("2006-01-02T15:04:05"))

	canonical := method + "\n" + huobiHost + "\n" + path + "\n" + params.Encode()
	mac := hmac.New(sha256.New, []byte(a.secretKey))
	mac.Write([]byte(canonical))
	params.Set("Signature", base64.StdEncoding.EncodeToString(mac.Sum(nil)))

	return huobiURL + path + "?" + params.Encode()
}

type huobiEnvelope struct {
	Status string          `json:"status"`
	ErrCode json.RawMessage `json:"err_code"`
	ErrMsg string          `json:"err_msg"`
	Data   json.RawMessage `json:"data"`
	Tick   json.RawMessage `json:"tick"`
}

func (a *HuobiAdapter) unwrap(body []byte) (*huobiEnvelope, error) {
	var env huobiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("error parsing response: %w", err)
	}
	if env.Status != "" && env.Status != "ok" {
		code := strings.Trim(string(env.ErrCode), `"`)
		return nil, &ExchangeError{
			Exchange:  "huobi",
			Code:      code,
			Message:   env.ErrMsg,
			Retriable: code == "1040" || strings.Contains(env.ErrMsg, "too many"),
		}
	}
	return &env, nil
}

// ==================== HTTP ====================

func (a *HuobiAdapter) publicCall(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return a.transport.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, huobiURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.URL.RawQuery = sortedQuery(params)
		return req, nil
	}, nil)
}

// signedPost performs an authenticated POST with a JSON body. The timestamp
// inside the signature is rebuilt per attempt, which also covers the
// clock-skew retry.
func (a *HuobiAdapter) signedPost(ctx context.Context, path string, jsonBody interface{}) ([]byte, error) {
	raw, err := json.Marshal(jsonBody)
	if err != nil {
		return nil, err
	}
	return a.transport.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, a.signedURL(http.MethodPost, path), bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, nil)
}

// ==================== ACCOUNT ====================

// TestConnectivity checks the public timestamp endpoint.
func (a *HuobiAdapter) TestConnectivity(ctx context.Context) error {
	_, err := a.publicCall(ctx, "/api/v1/timestamp", nil)
	return err
}

// GetAccountInfo retrieves the cross-margin USDT account snapshot.
func (a *HuobiAdapter) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	body, err := a.signedPost(ctx, "/linear-swap-api/v1/swap_cross_account_info", map[string]string{
		"margin_account": "USDT",
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching account info: %w", err)
	}
	env, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		MarginBalance   float64 `json:"margin_balance"`
		MarginAvailable float64 `json:"margin_available"`
		MarginPosition  float64 `json:"margin_position"`
		ProfitUnreal    float64 `json:"profit_unreal"`
	}
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("error parsing account info: %w", err)
	}
	if len(rows) == 0 {
		return &AccountInfo{}, nil
	}

	var raw map[string]interface{}
	_ = json.Unmarshal(env.Data, &raw)

	return &AccountInfo{
		TotalWallet:   rows[0].MarginBalance,
		Available:     rows[0].MarginAvailable,
		UsedMargin:    rows[0].MarginPosition,
		UnrealizedPnL: rows[0].ProfitUnreal,
		Raw:           raw,
	}, nil
}

// GetPositions lists open cross positions. Contract volumes are converted to
// base-asset size via contract_size.
func (a *HuobiAdapter) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	params := map[string]string{}
	if symbol != "" {
		params["contract_code"] = a.NormalizeSymbol(symbol)
	}
	body, err := a.signedPost(ctx, "/linear-swap-api/v1/swap_cross_position_info", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching positions: %w", err)
	}
	env, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		ContractCode string  `json:"contract_code"`
		Volume       float64 `json:"volume"`
		CostOpen     float64 `json:"cost_open"`
		LastPrice    float64 `json:"last_price"`
		ProfitUnreal float64 `json:"profit_unreal"`
		ProfitRate   float64 `json:"profit_rate"`
		Direction    string  `json:"direction"`
		LeverRate    int     `json:"lever_rate"`
	}
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("error parsing positions: %w", err)
	}

	var positions []Position
	for _, row := range rows {
		if row.Volume == 0 {
			continue
		}
		size := row.Volume
		if prec, err := a.GetSymbolPrecision(ctx, row.ContractCode); err == nil && prec.ContractValue > 0 {
			size = row.Volume * prec.ContractValue
		}
		side := PositionLong
		if row.Direction == "sell" {
			side = PositionShort
		}
		positions = append(positions, Position{
			Symbol:     row.ContractCode,
			Side:       side,
			Size:       size,
			EntryPrice: row.CostOpen,
			MarkPrice:  row.LastPrice,
			PnL:        row.ProfitUnreal,
			Percentage: row.ProfitRate * 100,
			Leverage:   row.LeverRate,
		})
	}
	return positions, nil
}

// GetTicker returns the merged-ticker close price. Public endpoint.
func (a *HuobiAdapter) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	code := a.NormalizeSymbol(symbol)
	body, err := a.publicCall(ctx, "/linear-swap-ex/market/detail/merged", map[string]string{
		"contract_code": code,
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching ticker: %w", err)
	}
	env, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}
	var tick struct {
		Close float64 `json:"close"`
	}
	if err := json.Unmarshal(env.Tick, &tick); err != nil {
		return nil, fmt.Errorf("error parsing ticker: %w", err)
	}
	return &Ticker{Symbol: code, Price: tick.Close}, nil
}

// SetLeverage switches the cross lever rate for a contract.
func (a *HuobiAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	body, err := a.signedPost(ctx, "/linear-swap-api/v1/swap_cross_switch_lever_rate", map[string]interface{}{
		"contract_code": a.NormalizeSymbol(symbol),
		"lever_rate":    leverage,
	})
	if err != nil {
		return fmt.Errorf("error setting leverage: %w", err)
	}
	_, err = a.unwrap(body)
	return err
}

// ==================== PRECISION ====================

// GetSymbolPrecision fetches contract rules, cached. StepSize is 1 (whole
// contracts); ContractValue is contract_size in base asset.
func (a *HuobiAdapter) GetSymbolPrecision(ctx context.Context, symbol string) (*SymbolPrecision, error) {
	code := a.NormalizeSymbol(symbol)
	if prec, ok := a.precision.get(code); ok {
		return prec, nil
	}

	body, err := a.publicCall(ctx, "/linear-swap-api/v1/swap_contract_info", map[string]string{
		"contract_code": code,
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching contract info: %w", err)
	}
	env, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		ContractCode string  `json:"contract_code"`
		ContractSize float64 `json:"contract_size"`
		PriceTick    float64 `json:"price_tick"`
	}
	if err := json.Unmarshal(env.Data, &rows); err != nil || len(rows) == 0 {
		return nil, fmt.Errorf("contract not found: %s", code)
	}

	prec := &SymbolPrecision{
		Symbol:        code,
		ContractValue: rows[0].ContractSize,
		StepSize:      1, // whole contracts only
		MinQty:        1,
		TickSize:      rows[0].PriceTick,
		PricePrecision: decimalPlaces(strconv.FormatFloat(rows[0].PriceTick, 'f', -1, 64)),
	}
	a.precision.put(code, prec)
	return prec, nil
}

// RoundQuantity converts a base-asset quantity to whole contracts.
func (a *HuobiAdapter) RoundQuantity(ctx context.Context, qty float64, symbol string) (string, error) {
	prec, err := a.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return "", err
	}
	volume := ToContracts(qty, prec.ContractValue, prec.StepSize)
	v, _ := strconv.ParseFloat(volume, 64)
	if v < prec.MinQty {
		return "", &InvalidQuantityError{
			Symbol: prec.Symbol,
			Qty:    qty,
			Reason: "contract count below minimum volume",
		}
	}
	return volume, nil
}

// ==================== TRADING ====================

// CreateMarketOrder places an opponent-price (market) order. reduce-close
// semantics are carried by offset.
func (a *HuobiAdapter) CreateMarketOrder(ctx context.Context, symbol, side string, qty float64) (*OrderInfo, error) {
	return a.placeOrder(ctx, symbol, side, qty, "open")
}

func (a *HuobiAdapter) placeOrder(ctx context.Context, symbol, side string, qty float64, offset string) (*OrderInfo, error) {
	volume, err := a.RoundQuantity(ctx, qty, symbol)
	if err != nil {
		return nil, err
	}
	code := a.NormalizeSymbol(symbol)
	vol, _ := strconv.ParseFloat(volume, 64)

	body, err := a.signedPost(ctx, "/linear-swap-api/v1/swap_cross_order", map[string]interface{}{
		"contract_code":    code,
		"volume":           int64(vol),
		"direction":        strings.ToLower(side),
		"offset":           offset,
		"order_price_type": "opponent",
	})
	if err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}
	env, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}
	var resp struct {
		OrderIDStr string `json:"order_id_str"`
	}
	_ = json.Unmarshal(env.Data, &resp)
	return &OrderInfo{
		OrderID:     resp.OrderIDStr,
		Symbol:      code,
		Side:        side,
		Type:        OrderTypeMarket,
		QuantityStr: volume,
		Status:      OrderStatusFilled,
		ExecutedQty: vol,
	}, nil
}

// createTriggerOrder places a close-offset trigger order. The trigger
// direction follows the position being protected: a SELL that closes a long
// stops out below (le) and takes profit above (ge); mirrored for BUY.
func (a *HuobiAdapter) createTriggerOrder(ctx context.Context, orderType, symbol, side string, qty, triggerPrice float64) (*OrderInfo, error) {
	prec, err := a.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return nil, err
	}
	code := a.NormalizeSymbol(symbol)
	volume := ToContracts(qty, prec.ContractValue, prec.StepSize)
	vol, _ := strconv.ParseFloat(volume, 64)
	priceStr := RoundToStep(triggerPrice, prec.TickSize)

	triggerType := "le"
	if (side == SideSell && orderType == OrderTypeTakeProfitMarket) ||
		(side == SideBuy && orderType == OrderTypeStopMarket) {
		triggerType = "ge"
	}

	body, err := a.signedPost(ctx, "/linear-swap-api/v1/swap_cross_trigger_order", map[string]interface{}{
		"contract_code":    code,
		"trigger_type":     triggerType,
		"trigger_price":    priceStr,
		"volume":           int64(vol),
		"direction":        strings.ToLower(side),
		"offset":           "close",
		"order_price_type": "optimal_5",
	})
	if err != nil {
		return nil, fmt.Errorf("error placing trigger order: %w", err)
	}
	env, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}
	var resp struct {
		OrderIDStr string `json:"order_id_str"`
	}
	_ = json.Unmarshal(env.Data, &resp)
	return &OrderInfo{
		OrderID:     resp.OrderIDStr,
		Symbol:      code,
		Side:        side,
		Type:        orderType,
		QuantityStr: volume,
		PriceStr:    priceStr,
		Status:      OrderStatusNew,
	}, nil
}

// CreateStopLossOrder places a stop trigger order.
func (a *HuobiAdapter) CreateStopLossOrder(ctx context.Context, symbol, side string, qty, stopPrice float64, reduceOnly bool) (*OrderInfo, error) {
	return a.createTriggerOrder(ctx, OrderTypeStopMarket, symbol, side, qty, stopPrice)
}

// CreateTakeProfitOrder places a take-profit trigger order.
func (a *HuobiAdapter) CreateTakeProfitOrder(ctx context.Context, symbol, side string, qty, stopPrice float64, reduceOnly bool) (*OrderInfo, error) {
	return a.createTriggerOrder(ctx, OrderTypeTakeProfitMarket, symbol, side, qty, stopPrice)
}

// GetOpenOrders lists pending trigger orders for a contract.
func (a *HuobiAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error) {
	code := a.NormalizeSymbol(symbol)
	body, err := a.signedPost(ctx, "/linear-swap-api/v1/swap_cross_trigger_openorders", map[string]string{
		"contract_code": code,
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching trigger orders: %w", err)
	}
	env, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Orders []struct {
			OrderIDStr   string  `json:"order_id_str"`
			ContractCode string  `json:"contract_code"`
			Direction    string  `json:"direction"`
			TriggerType  string  `json:"trigger_type"`
			TriggerPrice float64 `json:"trigger_price"`
			Volume       float64 `json:"volume"`
		} `json:"orders"`
	}
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		return nil, fmt.Errorf("error parsing trigger orders: %w", err)
	}

	orders := make([]OrderInfo, 0, len(resp.Orders))
	for _, row := range resp.Orders {
		side := SideBuy
		if row.Direction == "sell" {
			side = SideSell
		}
		// le on a sell (or ge on a buy) is the stop side of the pair.
		orderType := OrderTypeTakeProfitMarket
		if (side == SideSell && row.TriggerType == "le") ||
			(side == SideBuy && row.TriggerType == "ge") {
			orderType = OrderTypeStopMarket
		}
		orders = append(orders, OrderInfo{
			OrderID:     row.OrderIDStr,
			Symbol:      row.ContractCode,
			Side:        side,
			Type:        orderType,
			QuantityStr: strconv.FormatFloat(row.Volume, 'f', -1, 64),
			PriceStr:    strconv.FormatFloat(row.TriggerPrice, 'f', -1, 64),
			Status:      OrderStatusNew,
		})
	}
	return orders, nil
}

// CancelOrder cancels a trigger order by id, falling back to the regular
// cancel endpoint.
func (a *HuobiAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	code := a.NormalizeSymbol(symbol)
	body, err := a.signedPost(ctx, "/linear-swap-api/v1/swap_cross_trigger_cancel", map[string]string{
		"contract_code": code,
		"order_id":      orderID,
	})
	if err == nil {
		if _, uerr := a.unwrap(body); uerr == nil {
			return nil
		}
	}
	body, err = a.signedPost(ctx, "/linear-swap-api/v1/swap_cross_cancel", map[string]string{
		"contract_code": code,
		"order_id":      orderID,
	})
	if err != nil {
		return fmt.Errorf("error cancelling order %s: %w", orderID, err)
	}
	_, err = a.unwrap(body)
	return err
}

// CancelAllOrders cancels all pending trigger orders for a contract.
func (a *HuobiAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	body, err := a.signedPost(ctx, "/linear-swap-api/v1/swap_cross_trigger_cancelall", map[string]string{
		"contract_code": a.NormalizeSymbol(symbol),
	})
	if err != nil {
		return fmt.Errorf("error cancelling all orders: %w", err)
	}
	_, err = a.unwrap(body)
	return err
}

// ==================== MARKET DATA ====================

// GetKlines fetches OHLCV candles, returned oldest first. HTX timestamps
// are in seconds and converted to ms.
func (a *HuobiAdapter) GetKlines(ctx context.Context, q KlineQuery) ([]Kline, error) {
	period, ok := huobiPeriods[q.Interval]
	if !ok {
		return nil, fmt.Errorf("unsupported interval: %s", q.Interval)
	}
	params := map[string]string{
		"contract_code": a.NormalizeSymbol(q.Symbol),
		"period":        period,
	}
	if q.Start > 0 && q.End > 0 {
		params["from"] = strconv.FormatInt(q.Start/1000, 10)
		params["to"] = strconv.FormatInt(q.End/1000, 10)
	} else if q.Limit > 0 {
		params["size"] = strconv.Itoa(q.Limit)
	}

	body, err := a.publicCall(ctx, "/linear-swap-ex/market/history/kline", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}
	env, err := a.unwrap(body)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		ID    int64   `json:"id"`
		Open  float64 `json:"open"`
		High  float64 `json:"high"`
		Low   float64 `json:"low"`
		Close float64 `json:"close"`
		Vol   float64 `json:"vol"`
	}
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	dur, _ := IntervalDuration(q.Interval)
	klines := make([]Kline, 0, len(rows))
	for _, row := range rows {
		openTime := row.ID * 1000
		klines = append(klines, Kline{
			OpenTime:  openTime,
			Open:      row.Open,
			High:      row.High,
			Low:       row.Low,
			Close:     row.Close,
			Volume:    row.Vol,
			CloseTime: openTime + dur.Milliseconds() - 1,
		})
	}
	return klines, nil
}

// CreateManagedOrders places the standard SL + split-TP protective set.
func (a *HuobiAdapter) CreateManagedOrders(ctx context.Context, symbol, closeSide string, qty, stopPrice, tpPrice float64, reduceOnly bool) (*ManagedOrders, error) {
	return placeManagedOrders(ctx, a, symbol, closeSide, qty, stopPrice, tpPrice, reduceOnly)
}
