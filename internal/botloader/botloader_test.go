package botloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"testing"

	"tradebot-platform/internal/database"
	"tradebot-platform/internal/exchange"
)

func flatKlines(n int, close float64) []exchange.Kline {
	klines := make([]exchange.Kline, n)
	for i := range klines {
		klines[i] = exchange.Kline{Open: close, High: close + 1, Low: close - 1, Close: close}
	}
	return klines
}

func trendingKlines(n int, start, step float64) []exchange.Kline {
	klines := make([]exchange.Kline, n)
	for i := range klines {
		c := start + step*float64(i)
		klines[i] = exchange.Kline{Open: c - step, High: c + 1, Low: c - step - 1, Close: c}
	}
	return klines
}

func TestRSI(t *testing.T) {
	// Monotonic rally: no losses, RSI pegs at 100.
	if got := RSI(trendingKlines(30, 100, 1), 14); got != 100 {
		t.Errorf("RSI of pure uptrend = %v, want 100", got)
	}
	// Monotonic selloff drives RSI to 0.
	if got := RSI(trendingKlines(30, 100, -1), 14); got != 0 {
		t.Errorf("RSI of pure downtrend = %v, want 0", got)
	}
	// Not enough data: neutral.
	if got := RSI(flatKlines(5, 100), 14); got != 50 {
		t.Errorf("RSI with short series = %v, want 50", got)
	}
}

func TestMovingAverages(t *testing.T) {
	klines := flatKlines(50, 200)
	if got := SMA(klines, 20); got != 200 {
		t.Errorf("SMA of flat series = %v, want 200", got)
	}
	if got := EMA(klines, 20); math.Abs(got-200) > 1e-9 {
		t.Errorf("EMA of flat series = %v, want 200", got)
	}
	if got := SMA(klines, 100); got != 0 {
		t.Errorf("SMA with insufficient data = %v, want 0", got)
	}
}

func TestATRFlatRange(t *testing.T) {
	// Constant 2-point range and no gaps: ATR is exactly 2.
	if got := ATR(flatKlines(30, 100), 14); math.Abs(got-2) > 1e-9 {
		t.Errorf("ATR = %v, want 2", got)
	}
}

func TestParseRuleDocumentValidation(t *testing.T) {
	valid := []byte(`{
		"name": "rsi-dip",
		"side": "LONG",
		"confidence": 0.7,
		"stop_loss_pct": 0.02,
		"take_profit_pct": 0.04,
		"entry": {"all": [{"indicator": "rsi", "period": 14, "op": "lt", "value": 30}]}
	}`)
	doc, err := ParseRuleDocument(valid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Name != "rsi-dip" || doc.Side != "LONG" {
		t.Errorf("parsed doc = %+v", doc)
	}

	bad := [][]byte{
		[]byte(`not json`),
		[]byte(`{"confidence": 0.5, "entry": {"all": [{"indicator": "rsi", "op": "lt", "value": 30}]}}`), // no name
		[]byte(`{"name": "x", "confidence": 0.5}`),                                                       // no entry rules
		[]byte(`{"name": "x", "confidence": 0.5, "entry": {"all": [{"indicator": "vibes", "op": "lt", "value": 1}]}}`),
		[]byte(`{"name": "x", "confidence": 0.5, "entry": {"all": [{"indicator": "rsi", "op": "between", "value": 1}]}}`),
		[]byte(`{"name": "x", "confidence": 2, "entry": {"all": [{"indicator": "rsi", "op": "lt", "value": 30}]}}`),
		[]byte(`{"name": "x", "side": "SIDEWAYS", "confidence": 0.5, "entry": {"all": [{"indicator": "rsi", "op": "lt", "value": 30}]}}`),
	}
	for i, raw := range bad {
		if _, err := ParseRuleDocument(raw); err == nil {
			t.Errorf("case %d: expected a validation error", i)
		}
	}
}

func TestRuleStrategySignals(t *testing.T) {
	doc, err := ParseRuleDocument([]byte(`{
		"name": "rsi-extremes",
		"confidence": 0.8,
		"stop_loss_pct": 0.02,
		"take_profit_pct": 0.04,
		"entry": {"all": [{"indicator": "rsi", "period": 14, "op": "lt", "value": 30}]},
		"exit": {"all": [{"indicator": "rsi", "period": 14, "op": "gt", "value": 70}]}
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	strat := NewRuleStrategy(doc)
	ctx := context.Background()

	// Selloff: RSI near 0, entry fires BUY with levels around the price.
	snapshot := &MarketSnapshot{
		Symbol:  "BTCUSDT",
		Price:   50000,
		Candles: map[string][]exchange.Kline{"1h": trendingKlines(40, 52000, -50)},
	}
	action, err := strat.ExecuteFullCycle(ctx, "1h", snapshot)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if action.Kind != ActionBuy || action.Value != 0.8 {
		t.Fatalf("action = %s@%v, want BUY@0.8", action.Kind, action.Value)
	}
	if action.Recommendation == nil {
		t.Fatal("entry action must carry a recommendation")
	}
	if want := 50000 * 0.98; math.Abs(action.Recommendation.StopLoss-want) > 1e-6 {
		t.Errorf("stop loss = %v, want %v", action.Recommendation.StopLoss, want)
	}
	if want := 50000 * 1.04; math.Abs(action.Recommendation.TakeProfit-want) > 1e-6 {
		t.Errorf("take profit = %v, want %v", action.Recommendation.TakeProfit, want)
	}

	// Rally: exit rules win and emit the closing side.
	snapshot.Candles["1h"] = trendingKlines(40, 48000, 50)
	action, _ = strat.ExecuteFullCycle(ctx, "1h", snapshot)
	if action.Kind != ActionSell {
		t.Errorf("action = %s, want SELL on exit rules", action.Kind)
	}

	// Flat chop: neither fires.
	snapshot.Candles["1h"] = flatKlines(40, 50000)
	action, _ = strat.ExecuteFullCycle(ctx, "1h", snapshot)
	if action.Kind != ActionHold {
		t.Errorf("action = %s, want HOLD", action.Kind)
	}

	// Missing timeframe is an error, not a silent HOLD.
	if _, err := strat.ExecuteFullCycle(ctx, "4h", snapshot); err == nil {
		t.Error("expected error for missing timeframe")
	}
}

func TestRuleStrategyIndicatorComparison(t *testing.T) {
	doc, err := ParseRuleDocument([]byte(`{
		"name": "ema-cross",
		"confidence": 0.6,
		"entry": {"all": [{"indicator": "ema", "period": 5, "op": "gt", "against": {"indicator": "ema", "period": 20}}]}
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	strat := NewRuleStrategy(doc)

	// Uptrend: fast EMA above slow EMA.
	snapshot := &MarketSnapshot{
		Price:   51950,
		Candles: map[string][]exchange.Kline{"1h": trendingKlines(40, 50000, 50)},
	}
	action, err := strat.ExecuteFullCycle(context.Background(), "1h", snapshot)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if action.Kind != ActionBuy {
		t.Errorf("action = %s, want BUY in uptrend", action.Kind)
	}

	// Downtrend: condition fails.
	snapshot.Candles["1h"] = trendingKlines(40, 52000, -50)
	action, _ = strat.ExecuteFullCycle(context.Background(), "1h", snapshot)
	if action.Kind != ActionHold {
		t.Errorf("action = %s, want HOLD in downtrend", action.Kind)
	}
}

func TestRuleStrategyShortSide(t *testing.T) {
	doc, _ := ParseRuleDocument([]byte(`{
		"name": "short-the-rip",
		"side": "SHORT",
		"confidence": 0.7,
		"stop_loss_pct": 0.02,
		"take_profit_pct": 0.04,
		"entry": {"all": [{"indicator": "rsi", "period": 14, "op": "gt", "value": 70}]}
	}`))
	strat := NewRuleStrategy(doc)

	snapshot := &MarketSnapshot{
		Price:   52000,
		Candles: map[string][]exchange.Kline{"1h": trendingKlines(40, 48000, 50)},
	}
	action, err := strat.ExecuteFullCycle(context.Background(), "1h", snapshot)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if action.Kind != ActionSell {
		t.Fatalf("action = %s, want SELL for a short entry", action.Kind)
	}
	// Short levels flip: stop above, target below.
	if action.Recommendation.StopLoss <= 52000 || action.Recommendation.TakeProfit >= 52000 {
		t.Errorf("short levels wrong: %+v", action.Recommendation)
	}
}

// ==================== LOADER ====================

type fakeStore struct {
	objects map[string][]byte
}

func (f *fakeStore) Download(ctx context.Context, key string) ([]byte, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return data, nil
}

type fakeFileRepo struct {
	files map[string]*database.BotFile // keyed by version, "" = latest
}

func (f *fakeFileRepo) GetBotFile(ctx context.Context, botID int64, version, fileType string) (*database.BotFile, error) {
	file, ok := f.files[version]
	if !ok {
		return nil, fmt.Errorf("no artifact for version %s", version)
	}
	return file, nil
}

func (f *fakeFileRepo) GetLatestBotFile(ctx context.Context, botID int64, fileType string) (*database.BotFile, error) {
	return f.GetBotFile(ctx, botID, "", fileType)
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestLoadStrategy(t *testing.T) {
	artifact := []byte(`{"name": "rsi-dip", "confidence": 0.7, "entry": {"all": [{"indicator": "rsi", "op": "lt", "value": 30}]}}`)
	store := &fakeStore{objects: map[string][]byte{
		"bots/7/code/v2/strategy.json": artifact,
		"bots/7/code/v1/strategy.json": artifact,
	}}
	repo := &fakeFileRepo{files: map[string]*database.BotFile{
		"": {BotID: 7, Version: "v2", ObjectKey: "bots/7/code/v2/strategy.json", SHA256: digestOf(artifact)},
		"v1": {BotID: 7, Version: "v1", ObjectKey: "bots/7/code/v1/strategy.json", SHA256: digestOf(artifact)},
	}}
	loader := NewLoader(store, repo)

	// Latest when unpinned.
	strat, err := loader.LoadStrategy(context.Background(), 7, "", nil)
	if err != nil {
		t.Fatalf("load latest: %v", err)
	}
	if strat.Name() != "rsi-dip" {
		t.Errorf("name = %s", strat.Name())
	}

	// Pinned version resolves through GetBotFile.
	if _, err := loader.LoadStrategy(context.Background(), 7, "v1", nil); err != nil {
		t.Errorf("load pinned: %v", err)
	}

	// Unknown pin fails.
	if _, err := loader.LoadStrategy(context.Background(), 7, "v9", nil); err == nil {
		t.Error("expected error for unknown version")
	}

	// Invalid runtime overrides fail the load, not the cycle.
	if _, err := loader.LoadStrategy(context.Background(), 7, "", map[string]interface{}{"confidence": 1.5}); err == nil {
		t.Error("expected error for out-of-range confidence override")
	}
}

func TestLoadStrategyChecksumMismatch(t *testing.T) {
	artifact := []byte(`{"name": "x", "confidence": 0.5, "entry": {"all": [{"indicator": "rsi", "op": "lt", "value": 30}]}}`)
	store := &fakeStore{objects: map[string][]byte{"k": artifact}}
	repo := &fakeFileRepo{files: map[string]*database.BotFile{
		"": {ObjectKey: "k", SHA256: "deadbeef"},
	}}

	if _, err := NewLoader(store, repo).LoadStrategy(context.Background(), 1, "", nil); err == nil {
		t.Fatal("expected checksum error")
	}
}

func TestRuleDocumentApplyOverrides(t *testing.T) {
	doc, err := ParseRuleDocument([]byte(`{
		"name": "rsi-dip",
		"confidence": 0.7,
		"stop_loss_pct": 0.02,
		"take_profit_pct": 0.04,
		"entry": {"all": [{"indicator": "rsi", "op": "lt", "value": 30}]}
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	// Subscription config wins over document defaults; unknown keys pass.
	err = doc.ApplyOverrides(map[string]interface{}{
		"confidence":    0.9,
		"stop_loss_pct": 0.015,
		"lookback":      200,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if doc.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", doc.Confidence)
	}
	if doc.StopLossPct != 0.015 {
		t.Errorf("stop_loss_pct = %v, want 0.015", doc.StopLossPct)
	}
	if doc.TakeProfitPct != 0.04 {
		t.Errorf("take_profit_pct = %v, want untouched 0.04", doc.TakeProfitPct)
	}

	// The merged levels flow into cycle output.
	strat := NewRuleStrategy(doc)
	snapshot := &MarketSnapshot{
		Price:   50000,
		Candles: map[string][]exchange.Kline{"1h": trendingKlines(40, 52000, -50)},
	}
	action, err := strat.ExecuteFullCycle(context.Background(), "1h", snapshot)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if action.Kind != ActionBuy {
		t.Fatalf("action = %s, want BUY", action.Kind)
	}
	if action.Value != 0.9 {
		t.Errorf("confidence = %v, want overridden 0.9", action.Value)
	}
	if want := 50000 * (1 - 0.015); math.Abs(action.Recommendation.StopLoss-want) > 1e-6 {
		t.Errorf("stop loss = %v, want %v", action.Recommendation.StopLoss, want)
	}

	if err := doc.ApplyOverrides(map[string]interface{}{"stop_loss_pct": -0.1}); err == nil {
		t.Error("expected error for negative stop_loss_pct override")
	}
}
