package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"tradebot-platform/config"
	"tradebot-platform/internal/ai/llm"
	"tradebot-platform/internal/botloader"
	"tradebot-platform/internal/capital"
	"tradebot-platform/internal/credentials"
	"tradebot-platform/internal/database"
	"tradebot-platform/internal/exchange"
)

// ==================== FAKES ====================

type loggedAction struct {
	action      string
	description string
}

type fakeRepo struct {
	sub         *database.Subscription
	bot         *database.Bot
	actions     []loggedAction
	statuses    []string
	trades      []*database.Trade
	runAdvanced bool
}

func (f *fakeRepo) GetSubscriptionByID(ctx context.Context, id int64) (*database.Subscription, error) {
	if f.sub == nil {
		return nil, fmt.Errorf("subscription %d not found", id)
	}
	return f.sub, nil
}

func (f *fakeRepo) GetBotByID(ctx context.Context, id int64) (*database.Bot, error) {
	return f.bot, nil
}

func (f *fakeRepo) UpdateSubscriptionStatus(ctx context.Context, id int64, status string) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeRepo) UpdateSubscriptionRunTimes(ctx context.Context, id int64, lastRunAt, nextRunAt time.Time) error {
	f.runAdvanced = true
	return nil
}

func (f *fakeRepo) LogAction(ctx context.Context, subscriptionID int64, action, description string) error {
	f.actions = append(f.actions, loggedAction{action, description})
	return nil
}

func (f *fakeRepo) CountConsecutiveErrors(ctx context.Context, subscriptionID int64, window int) (int, error) {
	count := 0
	for i := len(f.actions) - 1; i >= 0 && count < window; i-- {
		if f.actions[i].action != database.ActionError {
			break
		}
		count++
	}
	return count, nil
}

func (f *fakeRepo) CreateTrade(ctx context.Context, trade *database.Trade) error {
	trade.ID = int64(len(f.trades) + 1)
	f.trades = append(f.trades, trade)
	return nil
}

func (f *fakeRepo) GetBotPerformance(ctx context.Context, botID int64) (float64, float64, int, error) {
	return 0.55, 1.4, 40, nil
}

func (f *fakeRepo) lastAction() loggedAction {
	if len(f.actions) == 0 {
		return loggedAction{}
	}
	return f.actions[len(f.actions)-1]
}

type fakeResolver struct {
	err error
}

func (f *fakeResolver) Resolve(ctx context.Context, userID int64, exchangeName, network string) (exchange.Credentials, string, error) {
	if f.err != nil {
		return exchange.Credentials{}, "", f.err
	}
	return exchange.Credentials{APIKey: "k", SecretKey: "s"}, credentials.TypeUser, nil
}

type fakeStrategy struct {
	action *botloader.Action
	err    error
}

func (f *fakeStrategy) Name() string { return "fake" }

func (f *fakeStrategy) ExecuteFullCycle(ctx context.Context, timeframe string, snapshot *botloader.MarketSnapshot) (*botloader.Action, error) {
	return f.action, f.err
}

type fakeLoader struct {
	strategy   botloader.Strategy
	err        error
	gotRuntime map[string]interface{}
}

func (f *fakeLoader) LoadStrategy(ctx context.Context, botID int64, pinnedVersion string, runtimeConfig map[string]interface{}) (botloader.Strategy, error) {
	f.gotRuntime = runtimeConfig
	return f.strategy, f.err
}

// fakeAdvisor serves both the sizing hook and the directional advisory.
type fakeAdvisor struct {
	analysis *llm.MarketAnalysis
	err      error
}

func (f *fakeAdvisor) CapitalAdvice(ctx context.Context, marketContext string, basePct, maxPct float64) (float64, error) {
	return basePct, nil
}

func (f *fakeAdvisor) AnalyzeMarket(ctx context.Context, symbol string, data []llm.TimeframeData) (*llm.MarketAnalysis, error) {
	return f.analysis, f.err
}

// ==================== HARNESS ====================

func testSubscription() *database.Subscription {
	return &database.Subscription{
		ID:           11,
		UserID:       42,
		BotID:        7,
		ExchangeType: "mock",
		TradingPair:  "BTCUSDT",
		Timeframes:   []string{"1h"},
		NetworkType:  database.NetworkMainnet,
		Status:       database.SubscriptionActive,
		RiskConfig:   database.RiskConfig{StopLossPct: 0.02, TakeProfitPct: 0.04, Leverage: 3},
	}
}

func capitalManager() *capital.Manager {
	return capital.NewManager(config.CapitalConfig{
		BasePositionSizePct:  0.02,
		MaxPositionSizePct:   0.08,
		MaxPortfolioExposure: 0.5,
		KellyMultiplier:      0.5,
		MinWinRate:           0.35,
		VolLowThreshold:      0.02,
		VolHighThreshold:     0.08,
	})
}

func testKlines(n int) []exchange.Kline {
	klines := make([]exchange.Kline, n)
	for i := range klines {
		c := 50000 + 10*float64(i%7)
		klines[i] = exchange.Kline{
			OpenTime: int64(i) * 3_600_000,
			Open:     c - 5, High: c + 20, Low: c - 20, Close: c,
		}
	}
	return klines
}

type harness struct {
	engine *Engine
	repo   *fakeRepo
	loader *fakeLoader
	mock   *exchange.MockAdapter
}

func newHarness(action *botloader.Action) *harness {
	repo := &fakeRepo{
		sub: testSubscription(),
		bot: &database.Bot{ID: 7, Name: "rsi-dip", TradingType: database.TradingTypeFutures, Status: database.BotApproved},
	}
	mock := exchange.NewMockAdapter()
	mock.Klines_ = testKlines(90)

	loader := &fakeLoader{strategy: &fakeStrategy{action: action}}
	e := New(repo, &fakeResolver{}, loader, capitalManager(), nil, nil)
	e.newTrader = func(name, network string, creds exchange.Credentials) (exchange.FuturesAdapter, error) {
		return mock, nil
	}
	e.newSpot = func(name, network string, creds exchange.Credentials) (exchange.SpotAdapter, error) {
		return mock, nil
	}
	e.newData = func(name string) (exchange.FuturesAdapter, error) {
		return mock, nil
	}
	return &harness{engine: e, repo: repo, loader: loader, mock: mock}
}

// ==================== TESTS ====================

func TestRunCycleBuySignalOpensTrade(t *testing.T) {
	h := newHarness(&botloader.Action{Kind: botloader.ActionBuy, Value: 0.8, Reason: "entry rules matched"})

	if err := h.engine.RunCycle(context.Background(), 11); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if len(h.repo.trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(h.repo.trades))
	}
	trade := h.repo.trades[0]
	if trade.Side != "BUY" || trade.PositionSide != exchange.PositionLong {
		t.Errorf("trade side = %s/%s", trade.Side, trade.PositionSide)
	}
	if trade.Leverage != 3 {
		t.Errorf("leverage = %d, want 3", trade.Leverage)
	}
	if trade.StopLoss == nil || *trade.StopLoss >= trade.EntryPrice {
		t.Errorf("long stop loss must sit below entry: %+v", trade.StopLoss)
	}
	if trade.TakeProfit == nil || *trade.TakeProfit <= trade.EntryPrice {
		t.Errorf("long take profit must sit above entry: %+v", trade.TakeProfit)
	}
	if trade.StopLossOrderID == nil || len(trade.TakeProfitOrderIDs) == 0 {
		t.Error("protective order ids must be persisted")
	}
	if trade.SizingMethod == nil || trade.SizingReason == nil {
		t.Error("sizing decision must be persisted")
	}

	// Leverage applied before entry.
	if h.mock.Leverage["BTCUSDT"] != 3 {
		t.Errorf("exchange leverage = %d, want 3", h.mock.Leverage["BTCUSDT"])
	}
	// Action row first, then next_run_at advanced.
	if h.repo.actions[0].action != database.ActionBuy {
		t.Errorf("first action = %s, want BUY", h.repo.actions[0].action)
	}
	if !h.repo.runAdvanced {
		t.Error("run times must advance on success")
	}
}

func TestRunCycleHoldPlacesNothing(t *testing.T) {
	h := newHarness(&botloader.Action{Kind: botloader.ActionHold, Reason: "no rules matched"})

	if err := h.engine.RunCycle(context.Background(), 11); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(h.mock.PlacedOrders) != 0 {
		t.Errorf("orders placed on HOLD: %d", len(h.mock.PlacedOrders))
	}
	if len(h.repo.trades) != 0 {
		t.Error("no trade row expected on HOLD")
	}
	if !h.repo.runAdvanced {
		t.Error("run times must still advance on HOLD")
	}
}

func TestRunCycleSkipsNonActive(t *testing.T) {
	h := newHarness(&botloader.Action{Kind: botloader.ActionBuy, Value: 0.9})
	h.repo.sub.Status = database.SubscriptionPaused

	if err := h.engine.RunCycle(context.Background(), 11); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(h.repo.actions) != 0 || len(h.mock.PlacedOrders) != 0 {
		t.Error("paused subscription must be a no-op")
	}
}

func TestRunCycleMissingCredentials(t *testing.T) {
	h := newHarness(&botloader.Action{Kind: botloader.ActionBuy, Value: 0.9})
	h.engine.creds = &fakeResolver{err: credentials.ErrNoCredentials}

	// Handled terminally: no error returned, subscription moves to ERROR.
	if err := h.engine.RunCycle(context.Background(), 11); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(h.repo.statuses) != 1 || h.repo.statuses[0] != database.SubscriptionError {
		t.Errorf("statuses = %v, want [ERROR]", h.repo.statuses)
	}
	if h.repo.lastAction().action != database.ActionError {
		t.Errorf("last action = %s, want ERROR", h.repo.lastAction().action)
	}
}

func TestRunCycleUnapprovedBotIsTerminal(t *testing.T) {
	for _, status := range []string{database.BotPending, database.BotRejected} {
		h := newHarness(&botloader.Action{Kind: botloader.ActionBuy, Value: 0.9, Reason: "entry"})
		h.repo.bot.Status = status

		if err := h.engine.RunCycle(context.Background(), 11); err != nil {
			t.Fatalf("%s: RunCycle: %v", status, err)
		}
		if len(h.mock.PlacedOrders) != 0 || len(h.repo.trades) != 0 {
			t.Errorf("%s bot placed %d orders and %d trades, want none",
				status, len(h.mock.PlacedOrders), len(h.repo.trades))
		}
		if len(h.repo.statuses) != 1 || h.repo.statuses[0] != database.SubscriptionError {
			t.Errorf("%s: statuses = %v, want [ERROR]", status, h.repo.statuses)
		}
		if h.repo.lastAction().action != database.ActionError {
			t.Errorf("%s: last action = %s, want ERROR", status, h.repo.lastAction().action)
		}
	}
}

func TestRunCycleStrategyLoadFailureIsTerminal(t *testing.T) {
	h := newHarness(nil)
	h.engine.loader = &fakeLoader{err: fmt.Errorf("checksum mismatch")}

	if err := h.engine.RunCycle(context.Background(), 11); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(h.repo.statuses) != 1 || h.repo.statuses[0] != database.SubscriptionError {
		t.Errorf("statuses = %v, want [ERROR]", h.repo.statuses)
	}
}

func TestRunCycleStrategyConfigReachesLoader(t *testing.T) {
	h := newHarness(&botloader.Action{Kind: botloader.ActionHold, Reason: "no rules matched"})
	h.repo.sub.StrategyConfig = map[string]interface{}{"confidence": 0.9}

	if err := h.engine.RunCycle(context.Background(), 11); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if got, ok := h.loader.gotRuntime["confidence"]; !ok || got != 0.9 {
		t.Errorf("loader runtime config = %v, want the subscription's strategy config", h.loader.gotRuntime)
	}
}

func TestRunCycleZeroSizingDowngradesToHold(t *testing.T) {
	h := newHarness(&botloader.Action{Kind: botloader.ActionBuy, Value: 0.9, Reason: "entry"})
	// Exposure already over the portfolio limit: sizing clamps to zero.
	h.mock.Positions = []exchange.Position{
		{Symbol: "ETHUSDT", Side: exchange.PositionLong, Size: 2, MarkPrice: 3000, EntryPrice: 2900},
		{Symbol: "BTCUSDT", Side: exchange.PositionLong, Size: 0.1, MarkPrice: 50000, EntryPrice: 49000},
	}

	if err := h.engine.RunCycle(context.Background(), 11); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(h.repo.trades) != 0 {
		t.Fatal("no trade expected when sizing clamps to zero")
	}
	last := h.repo.lastAction()
	if last.action != database.ActionHold || !strings.Contains(last.description, "downgraded") {
		t.Errorf("last action = %+v, want HOLD downgrade", last)
	}
}

func TestRunCycleBelowMinimumQuantityHolds(t *testing.T) {
	h := newHarness(&botloader.Action{Kind: botloader.ActionBuy, Value: 0.8, Reason: "entry"})
	// A minimum lot far above anything the account can fund.
	h.mock.Precision_.MinQty = 1

	if err := h.engine.RunCycle(context.Background(), 11); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(h.repo.trades) != 0 {
		t.Fatal("no trade expected below the exchange minimum")
	}
	last := h.repo.lastAction()
	if last.action != database.ActionHold || !strings.Contains(last.description, "downgraded") {
		t.Errorf("last action = %+v, want HOLD downgrade", last)
	}
	if !h.repo.runAdvanced {
		t.Error("run times must advance on a below-minimum downgrade")
	}
}

func TestRunCycleSizesFromAvailableBalance(t *testing.T) {
	h := newHarness(&botloader.Action{Kind: botloader.ActionBuy, Value: 0.8, Reason: "entry"})
	// A wallet dominated by locked margin: sizing from the total would buy
	// far more than the free balance permits.
	h.mock.Account.TotalWallet = 100000
	h.mock.Account.Available = 1000

	if err := h.engine.RunCycle(context.Background(), 11); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(h.repo.trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(h.repo.trades))
	}
	// Available-based sizing tops out at 1000 * 0.08 * 3 / 50000 = 0.0048;
	// total-based sizing would start at 0.006 even at the base size.
	if qty := h.repo.trades[0].Quantity; qty >= 0.006 {
		t.Errorf("quantity = %v, sized beyond the available balance", qty)
	}
}

func TestRunCycleManagedOrderFailureFlattens(t *testing.T) {
	h := newHarness(&botloader.Action{Kind: botloader.ActionBuy, Value: 0.8, Reason: "entry"})
	h.mock.FailTakeProfit = true

	err := h.engine.RunCycle(context.Background(), 11)
	if err == nil {
		t.Fatal("expected cycle failure")
	}

	// Entry market order plus the opposite flattening market order.
	var marketSides []string
	for _, ord := range h.mock.PlacedOrders {
		if ord.Type == exchange.OrderTypeMarket {
			marketSides = append(marketSides, ord.Side)
		}
	}
	if len(marketSides) != 2 || marketSides[0] != exchange.SideBuy || marketSides[1] != exchange.SideSell {
		t.Errorf("market orders = %v, want [BUY SELL]", marketSides)
	}
	// The fill happened, so the row must exist, with no protective IDs.
	if len(h.repo.trades) != 1 {
		t.Fatalf("trades = %d, want the flattened entry persisted", len(h.repo.trades))
	}
	trade := h.repo.trades[0]
	if trade.StopLossOrderID != nil || len(trade.TakeProfitOrderIDs) != 0 {
		t.Errorf("flattened trade carries protective ids: %v / %v",
			trade.StopLossOrderID, trade.TakeProfitOrderIDs)
	}
}

func TestRunCycleThreeStrikesToError(t *testing.T) {
	h := newHarness(nil)
	h.engine.loader = &fakeLoader{strategy: &fakeStrategy{err: fmt.Errorf("indicator blew up")}}

	for i := 0; i < 3; i++ {
		if err := h.engine.RunCycle(context.Background(), 11); err == nil {
			t.Fatalf("run %d: expected error", i)
		}
	}

	if len(h.repo.statuses) == 0 || h.repo.statuses[len(h.repo.statuses)-1] != database.SubscriptionError {
		t.Errorf("statuses = %v, want trailing ERROR after 3 failures", h.repo.statuses)
	}
	// Not before the third failure.
	count := 0
	for _, s := range h.repo.statuses {
		if s == database.SubscriptionError {
			count++
		}
	}
	if count != 1 {
		t.Errorf("ERROR transitions = %d, want exactly 1", count)
	}
}

func TestRunCycleShortEntryLevels(t *testing.T) {
	h := newHarness(&botloader.Action{Kind: botloader.ActionSell, Value: 0.8, Reason: "short entry"})

	if err := h.engine.RunCycle(context.Background(), 11); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(h.repo.trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(h.repo.trades))
	}
	trade := h.repo.trades[0]
	if trade.PositionSide != exchange.PositionShort {
		t.Errorf("position side = %s, want SHORT", trade.PositionSide)
	}
	if *trade.StopLoss <= trade.EntryPrice || *trade.TakeProfit >= trade.EntryPrice {
		t.Errorf("short levels wrong: entry %v, sl %v, tp %v",
			trade.EntryPrice, *trade.StopLoss, *trade.TakeProfit)
	}
}

// ==================== SPOT ====================

func TestRunCycleSpotBotOpensTradeWithOCO(t *testing.T) {
	h := newHarness(&botloader.Action{Kind: botloader.ActionBuy, Value: 0.8, Reason: "entry"})
	h.repo.bot.TradingType = database.TradingTypeSpot

	if err := h.engine.RunCycle(context.Background(), 11); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(h.repo.trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(h.repo.trades))
	}
	trade := h.repo.trades[0]
	if trade.Leverage != 1 {
		t.Errorf("spot leverage = %d, want 1", trade.Leverage)
	}
	if trade.StopLossOrderID == nil || len(trade.TakeProfitOrderIDs) != 1 {
		t.Errorf("protective ids = %v / %v, want the OCO pair persisted",
			trade.StopLossOrderID, trade.TakeProfitOrderIDs)
	}
	// Spot never touches leverage on the exchange.
	if len(h.mock.Leverage) != 0 {
		t.Errorf("leverage set on a spot entry: %v", h.mock.Leverage)
	}
}

func TestRunCycleSpotOCOFailurePersistsTrade(t *testing.T) {
	h := newHarness(&botloader.Action{Kind: botloader.ActionBuy, Value: 0.8, Reason: "entry"})
	h.repo.bot.TradingType = database.TradingTypeSpot
	h.mock.FailOCO = true

	if err := h.engine.RunCycle(context.Background(), 11); err == nil {
		t.Fatal("expected cycle failure")
	}
	var marketSides []string
	for _, ord := range h.mock.PlacedOrders {
		if ord.Type == exchange.OrderTypeMarket {
			marketSides = append(marketSides, ord.Side)
		}
	}
	if len(marketSides) != 2 || marketSides[0] != exchange.SideBuy || marketSides[1] != exchange.SideSell {
		t.Errorf("market orders = %v, want [BUY SELL]", marketSides)
	}
	if len(h.repo.trades) != 1 {
		t.Fatalf("trades = %d, want the flattened entry persisted", len(h.repo.trades))
	}
	if trade := h.repo.trades[0]; trade.StopLossOrderID != nil || len(trade.TakeProfitOrderIDs) != 0 {
		t.Error("flattened spot trade must carry no protective ids")
	}
}

func TestRunCycleSpotAdapterFailureIsTerminal(t *testing.T) {
	h := newHarness(&botloader.Action{Kind: botloader.ActionBuy, Value: 0.8, Reason: "entry"})
	h.repo.bot.TradingType = database.TradingTypeSpot
	h.engine.newSpot = func(name, network string, creds exchange.Credentials) (exchange.SpotAdapter, error) {
		return nil, fmt.Errorf("spot trading not supported on exchange: okx")
	}

	if err := h.engine.RunCycle(context.Background(), 11); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(h.repo.statuses) != 1 || h.repo.statuses[0] != database.SubscriptionError {
		t.Errorf("statuses = %v, want [ERROR]", h.repo.statuses)
	}
	if len(h.repo.trades) != 0 || len(h.mock.PlacedOrders) != 0 {
		t.Error("no orders expected when the spot adapter cannot be built")
	}
}

// ==================== ADVISORY ====================

func TestRunCycleAdvisoryOverrulesEntry(t *testing.T) {
	h := newHarness(&botloader.Action{Kind: botloader.ActionBuy, Value: 0.6, Reason: "entry"})
	h.engine.advisor = &fakeAdvisor{analysis: &llm.MarketAnalysis{
		Advice: llm.Advice{Action: "SELL", Confidence: 0.9, Reasoning: "distribution on the 4h"},
		Symbol: "BTCUSDT",
	}}

	if err := h.engine.RunCycle(context.Background(), 11); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(h.mock.PlacedOrders) != 0 || len(h.repo.trades) != 0 {
		t.Error("an overruled entry must place nothing")
	}
	last := h.repo.lastAction()
	if last.action != database.ActionHold || !strings.Contains(last.description, "overrules") {
		t.Errorf("last action = %+v, want the advisory HOLD", last)
	}
	if !h.repo.runAdvanced {
		t.Error("run times must advance after an advisory HOLD")
	}
}

func TestRunCycleWeakerAdvisoryDoesNotOverrule(t *testing.T) {
	h := newHarness(&botloader.Action{Kind: botloader.ActionBuy, Value: 0.8, Reason: "entry"})
	h.engine.advisor = &fakeAdvisor{analysis: &llm.MarketAnalysis{
		Advice: llm.Advice{Action: "SELL", Confidence: 0.3},
		Symbol: "BTCUSDT",
	}}

	if err := h.engine.RunCycle(context.Background(), 11); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(h.repo.trades) != 1 {
		t.Fatalf("trades = %d, want the entry to stand", len(h.repo.trades))
	}
}

func TestRunCycleAdvisoryAgreementFillsLevels(t *testing.T) {
	h := newHarness(&botloader.Action{Kind: botloader.ActionBuy, Value: 0.8, Reason: "entry"})
	h.engine.advisor = &fakeAdvisor{analysis: &llm.MarketAnalysis{
		Advice: llm.Advice{Action: "BUY", Confidence: 0.5, StopLoss: 48000, TakeProfit: 55000},
		Symbol: "BTCUSDT",
	}}

	if err := h.engine.RunCycle(context.Background(), 11); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(h.repo.trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(h.repo.trades))
	}
	trade := h.repo.trades[0]
	if trade.StopLoss == nil || *trade.StopLoss != 48000 {
		t.Errorf("stop loss = %v, want the advisory's 48000", trade.StopLoss)
	}
	if trade.TakeProfit == nil || *trade.TakeProfit != 55000 {
		t.Errorf("take profit = %v, want the advisory's 55000", trade.TakeProfit)
	}
}

func TestRunCycleAdvisoryFailureKeepsSignal(t *testing.T) {
	h := newHarness(&botloader.Action{Kind: botloader.ActionBuy, Value: 0.8, Reason: "entry"})
	h.engine.advisor = &fakeAdvisor{err: llm.ErrAnalysisUnavailable}

	if err := h.engine.RunCycle(context.Background(), 11); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(h.repo.trades) != 1 {
		t.Fatalf("trades = %d, want the entry to stand when advice is unavailable", len(h.repo.trades))
	}
}

// ==================== EXECUTION OVERRIDES ====================

func TestRunCycleExecutionOverridesApplied(t *testing.T) {
	h := newHarness(&botloader.Action{Kind: botloader.ActionBuy, Value: 0.8, Reason: "entry"})
	h.repo.sub.ExecutionConfig = database.ExecutionConfig{BaseSizePct: 0.01, SizingMethod: "fixed"}

	if err := h.engine.RunCycle(context.Background(), 11); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(h.repo.trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(h.repo.trades))
	}
	trade := h.repo.trades[0]
	if trade.SizingMethod == nil || *trade.SizingMethod != "fixed" {
		t.Errorf("sizing method = %v, want the pinned fixed method", trade.SizingMethod)
	}
	// fixed = 0.01 * (0.5 + 1.5*0.8) = 0.017, so qty = 8000*0.017*3/50000
	// floored to the 0.001 step.
	if trade.Quantity != 0.008 {
		t.Errorf("quantity = %v, want 0.008 from the overridden base size", trade.Quantity)
	}
}
