// Package engine runs one full execution cycle for a subscription: resolve
// credentials, load the strategy, crawl market data, decide, size, place
// orders and persist the outcome.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"tradebot-platform/internal/ai/llm"
	"tradebot-platform/internal/botloader"
	"tradebot-platform/internal/capital"
	"tradebot-platform/internal/credentials"
	"tradebot-platform/internal/database"
	"tradebot-platform/internal/exchange"
	"tradebot-platform/internal/logging"
	"tradebot-platform/internal/notification"
)

const (
	minCandles          = 20
	crawlHeadroom       = 1.5
	backfillRetries     = 3
	maxConsecutiveFails = 3

	// Minimum distance of protective prices from the mark; anything closer
	// gets adjusted outward.
	slMinDistancePct = 0.001
	tpMinDistancePct = 0.002

	defaultStopLossPct   = 0.02
	defaultTakeProfitPct = 0.04
)

// defaultCandlesPerTimeframe mirrors the advisory layer's horizon per
// timeframe; the crawl requests 1.5x this (minimum 20).
var defaultCandlesPerTimeframe = map[string]int{
	"1m": 60, "5m": 60, "15m": 60,
	"1h": 24, "4h": 12, "12h": 12, "1d": 7,
}

// Repository is the slice of the database layer the engine uses.
type Repository interface {
	GetSubscriptionByID(ctx context.Context, id int64) (*database.Subscription, error)
	GetBotByID(ctx context.Context, id int64) (*database.Bot, error)
	UpdateSubscriptionStatus(ctx context.Context, id int64, status string) error
	UpdateSubscriptionRunTimes(ctx context.Context, id int64, lastRunAt, nextRunAt time.Time) error
	LogAction(ctx context.Context, subscriptionID int64, action, description string) error
	CountConsecutiveErrors(ctx context.Context, subscriptionID int64, window int) (int, error)
	CreateTrade(ctx context.Context, trade *database.Trade) error
	GetBotPerformance(ctx context.Context, botID int64) (winRate, avgWinLoss float64, sampleSize int, err error)
}

// CredentialResolver resolves decrypted trading credentials.
type CredentialResolver interface {
	Resolve(ctx context.Context, userID int64, exchangeName, network string) (exchange.Credentials, string, error)
}

// StrategyLoader materializes a subscription's strategy with its runtime
// config merged over the artifact's defaults.
type StrategyLoader interface {
	LoadStrategy(ctx context.Context, botID int64, pinnedVersion string, runtimeConfig map[string]interface{}) (botloader.Strategy, error)
}

// MarketAdvisor is the optional directional advisory. A capital advisor that
// also implements it gets consulted on every non-HOLD signal: a
// higher-confidence contradiction downgrades the entry, an agreement can
// contribute price levels the strategy left open. Advisory failures never
// block the strategy's decision.
type MarketAdvisor interface {
	AnalyzeMarket(ctx context.Context, symbol string, data []llm.TimeframeData) (*llm.MarketAnalysis, error)
}

// Engine orchestrates execution cycles.
type Engine struct {
	repo     Repository
	creds    CredentialResolver
	loader   StrategyLoader
	capital  *capital.Manager
	advisor  capital.CapitalAdvisor // nil disables the LLM-hybrid method
	notifier *notification.Manager  // nil disables notifications
	logger   *logging.Logger

	// Adapter constructors, swappable in tests.
	newTrader func(exchangeName, network string, creds exchange.Credentials) (exchange.FuturesAdapter, error)
	newSpot   func(exchangeName, network string, creds exchange.Credentials) (exchange.SpotAdapter, error)
	newData   func(exchangeName string) (exchange.FuturesAdapter, error)
	now       func() time.Time
}

// New creates an engine. advisor and notifier may be nil.
func New(repo Repository, creds CredentialResolver, loader StrategyLoader, capitalMgr *capital.Manager, advisor capital.CapitalAdvisor, notifier *notification.Manager) *Engine {
	return &Engine{
		repo:      repo,
		creds:     creds,
		loader:    loader,
		capital:   capitalMgr,
		advisor:   advisor,
		notifier:  notifier,
		logger:    logging.Default().WithComponent("engine"),
		newTrader: exchange.NewFuturesAdapter,
		newSpot:   exchange.NewSpotAdapter,
		newData:   exchange.NewMarketDataAdapter,
		now:       time.Now,
	}
}

// RunCycle executes one full cycle for a subscription. A nil return means
// the cycle reached a terminal decision (including a clean HOLD or a
// handled ERROR transition); a non-nil return is an execution failure that
// counts toward the three-strikes ERROR transition.
func (e *Engine) RunCycle(ctx context.Context, subscriptionID int64) error {
	sub, err := e.repo.GetSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("error fetching subscription %d: %w", subscriptionID, err)
	}
	if sub.Status != database.SubscriptionActive {
		e.logger.Debug("skipping non-active subscription", "subscription_id", subscriptionID, "status", sub.Status)
		return nil
	}

	if err := e.runCycle(ctx, sub); err != nil {
		e.recordFailure(ctx, sub, err)
		return err
	}
	return nil
}

// recordFailure appends the ERROR action row and applies the three-strikes
// transition.
func (e *Engine) recordFailure(ctx context.Context, sub *database.Subscription, cause error) {
	e.logger.Error("cycle failed", "subscription_id", sub.ID, cause)
	if err := e.repo.LogAction(ctx, sub.ID, database.ActionError, cause.Error()); err != nil {
		e.logger.Error("failed to log cycle error", "subscription_id", sub.ID, err)
		return
	}

	count, err := e.repo.CountConsecutiveErrors(ctx, sub.ID, maxConsecutiveFails)
	if err != nil {
		e.logger.Error("failed to count consecutive errors", "subscription_id", sub.ID, err)
		return
	}
	if count >= maxConsecutiveFails {
		if err := e.repo.UpdateSubscriptionStatus(ctx, sub.ID, database.SubscriptionError); err != nil {
			e.logger.Error("failed to mark subscription ERROR", "subscription_id", sub.ID, err)
			return
		}
		e.logger.Warn("subscription moved to ERROR after consecutive failures",
			"subscription_id", sub.ID, "failures", count)
		e.notifier.ExecutionError(ctx, sub.ID, sub.TradingPair,
			fmt.Sprintf("stopped after %d consecutive failures; last: %v", count, cause))
	}
}

// terminate records a condition that will never self-heal on retry: ERROR
// action row, ERROR status, notification. The nil return stops the
// three-strikes counter from ticking for it.
func (e *Engine) terminate(ctx context.Context, sub *database.Subscription, msg string) error {
	e.repo.LogAction(ctx, sub.ID, database.ActionError, msg)
	e.repo.UpdateSubscriptionStatus(ctx, sub.ID, database.SubscriptionError)
	e.notifier.ExecutionError(ctx, sub.ID, sub.TradingPair, msg)
	return nil
}

func (e *Engine) runCycle(ctx context.Context, sub *database.Subscription) error {
	// Preflight: credentials. Missing credentials are terminal, not a
	// retriable failure.
	creds, credType, err := e.creds.Resolve(ctx, sub.UserID, sub.ExchangeType, sub.NetworkType)
	if errors.Is(err, credentials.ErrNoCredentials) {
		return e.terminate(ctx, sub,
			fmt.Sprintf("no active %s/%s credentials", sub.ExchangeType, sub.NetworkType))
	}
	if err != nil {
		return fmt.Errorf("credential resolution: %w", err)
	}

	bot, err := e.repo.GetBotByID(ctx, sub.BotID)
	if err != nil {
		return fmt.Errorf("error fetching bot %d: %w", sub.BotID, err)
	}
	// Only APPROVED bots may trade. A bot pulled from review after the
	// subscription was created stops executing immediately.
	if bot.Status != database.BotApproved {
		return e.terminate(ctx, sub,
			fmt.Sprintf("bot %d is %s, not %s", bot.ID, bot.Status, database.BotApproved))
	}

	spot := bot.TradingType == database.TradingTypeSpot
	var (
		trader     exchange.FuturesAdapter
		spotTrader exchange.SpotAdapter
	)
	if spot {
		spotTrader, err = e.newSpot(sub.ExchangeType, sub.NetworkType, creds)
		if err != nil {
			// Wrong exchange or network for spot is a config problem, never
			// a transient one.
			return e.terminate(ctx, sub, fmt.Sprintf("spot trading unavailable: %v", err))
		}
	} else {
		trader, err = e.newTrader(sub.ExchangeType, sub.NetworkType, creds)
		if err != nil {
			return fmt.Errorf("trading adapter: %w", err)
		}
	}
	// Data crawls always read mainnet futures so candles reflect real prices.
	data, err := e.newData(sub.ExchangeType)
	if err != nil {
		return fmt.Errorf("market data adapter: %w", err)
	}

	pinned := ""
	if sub.BotVersion != nil {
		pinned = *sub.BotVersion
	}
	strategy, err := e.loader.LoadStrategy(ctx, bot.ID, pinned, sub.StrategyConfig)
	if err != nil {
		// Load failures are terminal for the subscription, never retried.
		return e.terminate(ctx, sub, fmt.Sprintf("strategy load failed: %v", err))
	}

	snapshot, err := e.crawlMarketData(ctx, data, sub)
	if err != nil {
		return fmt.Errorf("market data crawl: %w", err)
	}

	if len(sub.Timeframes) == 0 {
		return fmt.Errorf("subscription %d has no timeframes", sub.ID)
	}
	primaryTF := sub.Timeframes[0]

	action, err := strategy.ExecuteFullCycle(ctx, primaryTF, snapshot)
	if err != nil {
		return fmt.Errorf("strategy cycle: %w", err)
	}
	action = e.applyAdvisory(ctx, sub, snapshot, action)

	if err := e.repo.LogAction(ctx, sub.ID, action.Kind,
		fmt.Sprintf("%s (confidence %.2f)", action.Reason, action.Value)); err != nil {
		return fmt.Errorf("error logging action: %w", err)
	}

	if action.Kind != botloader.ActionHold {
		if spot {
			err = e.placeSpotEntry(ctx, sub, bot, spotTrader, snapshot, action, credType)
		} else {
			err = e.placeEntry(ctx, sub, bot, trader, snapshot, action, credType)
		}
		if err != nil {
			return err
		}
	}

	now := e.now()
	interval, err := exchange.IntervalDuration(primaryTF)
	if err != nil {
		return fmt.Errorf("invalid primary timeframe %s: %w", primaryTF, err)
	}
	if err := e.repo.UpdateSubscriptionRunTimes(ctx, sub.ID, now, now.Add(interval)); err != nil {
		return fmt.Errorf("error advancing run times: %w", err)
	}
	return nil
}

// applyAdvisory consults the market advisory on a non-HOLD signal. An
// opposing read at higher confidence than the strategy's downgrades the
// entry to HOLD; an agreeing read fills in price levels when the strategy
// offered none. Any advisory error leaves the action untouched.
func (e *Engine) applyAdvisory(ctx context.Context, sub *database.Subscription, snapshot *botloader.MarketSnapshot, action *botloader.Action) *botloader.Action {
	advisor, ok := e.advisor.(MarketAdvisor)
	if !ok || action.Kind == botloader.ActionHold {
		return action
	}

	data := make([]llm.TimeframeData, 0, len(sub.Timeframes))
	for _, tf := range sub.Timeframes {
		data = append(data, llm.TimeframeData{Timeframe: tf, Klines: snapshot.Candles[tf]})
	}
	analysis, err := advisor.AnalyzeMarket(ctx, snapshot.Symbol, data)
	if err != nil {
		e.logger.Debug("market advisory unavailable", "subscription_id", sub.ID, err)
		return action
	}

	opposed := (action.Kind == botloader.ActionBuy && analysis.Action == botloader.ActionSell) ||
		(action.Kind == botloader.ActionSell && analysis.Action == botloader.ActionBuy)
	if opposed && analysis.Confidence > action.Value {
		e.logger.Info("advisory overruled entry signal",
			"subscription_id", sub.ID, "signal", action.Kind, "signal_confidence", action.Value,
			"advisory", analysis.Action, "advisory_confidence", analysis.Confidence)
		return &botloader.Action{
			Kind:  botloader.ActionHold,
			Value: action.Value,
			Reason: fmt.Sprintf("advisory %s at %.2f overrules %s at %.2f: %s",
				analysis.Action, analysis.Confidence, action.Kind, action.Value, analysis.Reasoning),
		}
	}
	if !opposed && action.Recommendation == nil && (analysis.StopLoss > 0 || analysis.TakeProfit > 0) {
		action.Recommendation = &botloader.Recommendation{
			EntryPrice: analysis.EntryPrice,
			StopLoss:   analysis.StopLoss,
			TakeProfit: analysis.TakeProfit,
		}
	}
	return action
}

// crawlMarketData fetches closed candles for every configured timeframe.
// Short series are retained and flagged; only a total failure of the
// primary timeframe is fatal.
func (e *Engine) crawlMarketData(ctx context.Context, data exchange.FuturesAdapter, sub *database.Subscription) (*botloader.MarketSnapshot, error) {
	symbol := data.NormalizeSymbol(sub.TradingPair)

	ticker, err := data.GetTicker(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("error fetching ticker: %w", err)
	}

	snapshot := &botloader.MarketSnapshot{
		Symbol:  symbol,
		Price:   ticker.Price,
		Candles: make(map[string][]exchange.Kline, len(sub.Timeframes)),
	}

	for _, tf := range sub.Timeframes {
		end, err := exchange.LastClosedCandleEnd(e.now(), tf)
		if err != nil {
			return nil, fmt.Errorf("timeframe %s: %w", tf, err)
		}

		want := defaultCandlesPerTimeframe[tf]
		if want < minCandles {
			want = minCandles
		}
		limit := int(float64(want) * crawlHeadroom)

		var klines []exchange.Kline
		for attempt := 0; attempt <= backfillRetries; attempt++ {
			klines, err = data.GetKlines(ctx, exchange.KlineQuery{
				Symbol:   symbol,
				Interval: tf,
				Limit:    limit,
				End:      end,
			})
			if err != nil {
				return nil, fmt.Errorf("error fetching %s klines: %w", tf, err)
			}
			if len(klines) >= minCandles {
				break
			}
			limit *= 2
		}
		if len(klines) < minCandles {
			e.logger.Warn("short candle series retained",
				"subscription_id", sub.ID, "timeframe", tf, "candles", len(klines))
		}
		snapshot.Candles[tf] = klines
	}
	return snapshot, nil
}

// sizingManager applies the subscription's execution overrides, if any.
func (e *Engine) sizingManager(sub *database.Subscription) *capital.Manager {
	o := sub.ExecutionConfig
	if o.BaseSizePct > 0 || o.MaxSizePct > 0 || o.SizingMethod != "" {
		return e.capital.WithOverrides(o.BaseSizePct, o.MaxSizePct, o.SizingMethod)
	}
	return e.capital
}

// entryPlan is the sized and priced entry shared by the spot and futures
// paths.
type entryPlan struct {
	rec        capital.SizeRecommendation
	entryPrice float64
	slPrice    float64
	tpPrice    float64
	long       bool
}

// planEntry runs risk metrics and sizing, then derives the protective price
// levels from the action's recommendation or the subscription's risk config.
func (e *Engine) planEntry(ctx context.Context, sub *database.Subscription, bot *database.Bot, symbol string, account *exchange.AccountInfo, positions []exchange.Position, snapshot *botloader.MarketSnapshot, action *botloader.Action) entryPlan {
	primaryTF := sub.Timeframes[0]

	winRate, avgWinLoss, sampleSize, err := e.repo.GetBotPerformance(ctx, bot.ID)
	if err != nil {
		e.logger.Warn("bot performance unavailable, using defaults", "bot_id", bot.ID, err)
	}
	metrics := capital.ComputeRiskMetrics(account, positions, snapshot.Candles[primaryTF], capital.PerformanceHistory{
		WinRate:    winRate,
		AvgWinLoss: avgWinLoss,
		SampleSize: sampleSize,
	})

	rec := e.sizingManager(sub).RecommendSize(ctx, action.Value, metrics, capital.MarketData{
		Symbol: symbol,
		Klines: snapshot.Candles[primaryTF],
		Price:  snapshot.Price,
	}, e.advisor)

	entryPrice := snapshot.Price
	var slPrice, tpPrice float64
	if r := action.Recommendation; r != nil {
		if r.EntryPrice > 0 {
			entryPrice = r.EntryPrice
		}
		slPrice, tpPrice = r.StopLoss, r.TakeProfit
	}

	slPct := sub.RiskConfig.StopLossPct
	if slPct <= 0 {
		slPct = defaultStopLossPct
	}
	tpPct := sub.RiskConfig.TakeProfitPct
	if tpPct <= 0 {
		tpPct = defaultTakeProfitPct
	}

	long := action.Kind == botloader.ActionBuy
	if slPrice <= 0 {
		if long {
			slPrice = entryPrice * (1 - slPct)
		} else {
			slPrice = entryPrice * (1 + slPct)
		}
	}
	if tpPrice <= 0 {
		if long {
			tpPrice = entryPrice * (1 + tpPct)
		} else {
			tpPrice = entryPrice * (1 - tpPct)
		}
	}
	slPrice, tpPrice = e.guardProtectiveDistances(sub.ID, snapshot.Price, slPrice, tpPrice, long)

	return entryPlan{rec: rec, entryPrice: entryPrice, slPrice: slPrice, tpPrice: tpPrice, long: long}
}

// persistTrade writes the OPEN trade row. managed may be nil when the
// protective orders never made it up; the row then carries no protective
// order IDs so the reconciler and cleanup can still see the entry.
func (e *Engine) persistTrade(ctx context.Context, sub *database.Subscription, symbol string, action *botloader.Action, plan entryPlan, fillQty, fillPrice float64, leverage int, entryOrderID string, managed *exchange.ManagedOrders) error {
	positionSide := exchange.PositionLong
	if !plan.long {
		positionSide = exchange.PositionShort
	}
	trade := &database.Trade{
		SubscriptionID: sub.ID,
		Symbol:         symbol,
		Side:           action.Kind,
		PositionSide:   positionSide,
		Quantity:       fillQty,
		EntryPrice:     fillPrice,
		EntryTime:      e.now(),
		Leverage:       leverage,
		StopLoss:       &plan.slPrice,
		TakeProfit:     &plan.tpPrice,
		OrderID:        &entryOrderID,
		SizingMethod:   &plan.rec.SizingMethod,
		SizingReason:   &plan.rec.Reasoning,
	}
	if managed != nil {
		if managed.StopLoss != nil {
			trade.StopLossOrderID = &managed.StopLoss.OrderID
		}
		for _, tp := range managed.TakeProfits {
			trade.TakeProfitOrderIDs = append(trade.TakeProfitOrderIDs, tp.OrderID)
		}
	}
	if err := e.repo.CreateTrade(ctx, trade); err != nil {
		return fmt.Errorf("error persisting trade: %w", err)
	}
	return nil
}

// placeEntry sizes and places the futures market entry plus its protective
// orders, and persists the OPEN trade.
func (e *Engine) placeEntry(ctx context.Context, sub *database.Subscription, bot *database.Bot, trader exchange.FuturesAdapter, snapshot *botloader.MarketSnapshot, action *botloader.Action, credType string) error {
	symbol := trader.NormalizeSymbol(sub.TradingPair)

	account, err := trader.GetAccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("error fetching account: %w", err)
	}
	positions, err := trader.GetPositions(ctx, "")
	if err != nil {
		return fmt.Errorf("error fetching positions: %w", err)
	}

	plan := e.planEntry(ctx, sub, bot, symbol, account, positions, snapshot, action)
	if plan.rec.RecommendedSizePct <= 0 {
		e.repo.LogAction(ctx, sub.ID, database.ActionHold,
			fmt.Sprintf("sizing returned zero, downgraded to HOLD: %s", plan.rec.Reasoning))
		return nil
	}

	leverage := sub.RiskConfig.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	if err := trader.SetLeverage(ctx, symbol, leverage); err != nil {
		e.logger.Warn("leverage not applied", "subscription_id", sub.ID, "symbol", symbol, err)
	}

	// Sizing works from the free margin, not the wallet total: balance
	// locked under open positions is not available to this entry.
	qty := account.Available * plan.rec.RecommendedSizePct * float64(leverage) / plan.entryPrice
	if qty <= 0 {
		return fmt.Errorf("computed non-positive quantity for %s", symbol)
	}

	entry, err := trader.CreateMarketOrder(ctx, symbol, action.Kind, qty)
	if err != nil {
		if exchange.IsInvalidQuantity(err) {
			// Too small for the exchange is a sizing outcome, not a failure.
			e.repo.LogAction(ctx, sub.ID, database.ActionHold,
				fmt.Sprintf("quantity below exchange minimum, downgraded to HOLD: %v", err))
			return nil
		}
		return fmt.Errorf("entry order: %w", err)
	}
	fillPrice := entry.AvgPrice
	if fillPrice <= 0 {
		fillPrice = plan.entryPrice
	}
	fillQty := entry.ExecutedQty
	if fillQty <= 0 {
		fillQty = qty
	}

	closeSide := exchange.SideSell
	if !plan.long {
		closeSide = exchange.SideBuy
	}

	managed, err := trader.CreateManagedOrders(ctx, symbol, closeSide, fillQty, plan.slPrice, plan.tpPrice, true)
	if err != nil {
		// Flatten best-effort: a naked position is worse than a missed entry.
		if _, closeErr := trader.CreateMarketOrder(ctx, symbol, closeSide, fillQty); closeErr != nil {
			e.logger.Error("failed to flatten after managed-order failure",
				"subscription_id", sub.ID, "symbol", symbol, closeErr)
		}
		e.repo.LogAction(ctx, sub.ID, database.ActionError,
			fmt.Sprintf("protective orders failed, position flattened: %v", err))
		// The entry did fill; the row must exist even though the position
		// was flattened, or the audit trail loses the fill.
		if dbErr := e.persistTrade(ctx, sub, symbol, action, plan, fillQty, fillPrice, leverage, entry.OrderID, nil); dbErr != nil {
			e.logger.Error("failed to persist flattened trade", "subscription_id", sub.ID, dbErr)
		}
		return fmt.Errorf("managed orders: %w", err)
	}

	if err := e.persistTrade(ctx, sub, symbol, action, plan, fillQty, fillPrice, leverage, entry.OrderID, managed); err != nil {
		return err
	}

	e.logger.Info("trade opened",
		"subscription_id", sub.ID, "symbol", symbol, "side", action.Kind,
		"qty", fillQty, "entry", fillPrice, "credential_type", credType,
		"size_pct", plan.rec.RecommendedSizePct, "risk_level", plan.rec.RiskLevel)
	e.notifier.TradeOpened(ctx, symbol, action.Kind, fillPrice, fillQty, plan.slPrice, plan.tpPrice)
	return nil
}

// placeSpotEntry sizes and places a spot market entry plus its protective
// OCO pair. Spot carries no leverage and no position book; sizing works
// from the available quote balance alone.
func (e *Engine) placeSpotEntry(ctx context.Context, sub *database.Subscription, bot *database.Bot, trader exchange.SpotAdapter, snapshot *botloader.MarketSnapshot, action *botloader.Action, credType string) error {
	symbol := trader.NormalizeSymbol(sub.TradingPair)

	account, err := trader.GetAccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("error fetching account: %w", err)
	}

	plan := e.planEntry(ctx, sub, bot, symbol, account, nil, snapshot, action)
	if plan.rec.RecommendedSizePct <= 0 {
		e.repo.LogAction(ctx, sub.ID, database.ActionHold,
			fmt.Sprintf("sizing returned zero, downgraded to HOLD: %s", plan.rec.Reasoning))
		return nil
	}

	qty := account.Available * plan.rec.RecommendedSizePct / plan.entryPrice
	if qty <= 0 {
		return fmt.Errorf("computed non-positive quantity for %s", symbol)
	}

	entry, err := trader.CreateMarketOrder(ctx, symbol, action.Kind, qty)
	if err != nil {
		if exchange.IsInvalidQuantity(err) {
			e.repo.LogAction(ctx, sub.ID, database.ActionHold,
				fmt.Sprintf("quantity below exchange minimum, downgraded to HOLD: %v", err))
			return nil
		}
		return fmt.Errorf("entry order: %w", err)
	}
	fillPrice := entry.AvgPrice
	if fillPrice <= 0 {
		fillPrice = plan.entryPrice
	}
	fillQty := entry.ExecutedQty
	if fillQty <= 0 {
		fillQty = qty
	}

	closeSide := exchange.SideSell
	if !plan.long {
		closeSide = exchange.SideBuy
	}

	managed, err := trader.CreateOCOOrder(ctx, symbol, closeSide, fillQty, plan.tpPrice, plan.slPrice)
	if err != nil {
		if _, closeErr := trader.CreateMarketOrder(ctx, symbol, closeSide, fillQty); closeErr != nil {
			e.logger.Error("failed to flatten after oco failure",
				"subscription_id", sub.ID, "symbol", symbol, closeErr)
		}
		e.repo.LogAction(ctx, sub.ID, database.ActionError,
			fmt.Sprintf("protective orders failed, position flattened: %v", err))
		if dbErr := e.persistTrade(ctx, sub, symbol, action, plan, fillQty, fillPrice, 1, entry.OrderID, nil); dbErr != nil {
			e.logger.Error("failed to persist flattened trade", "subscription_id", sub.ID, dbErr)
		}
		return fmt.Errorf("protective oco: %w", err)
	}

	if err := e.persistTrade(ctx, sub, symbol, action, plan, fillQty, fillPrice, 1, entry.OrderID, managed); err != nil {
		return err
	}

	e.logger.Info("trade opened",
		"subscription_id", sub.ID, "symbol", symbol, "side", action.Kind,
		"qty", fillQty, "entry", fillPrice, "credential_type", credType,
		"size_pct", plan.rec.RecommendedSizePct, "risk_level", plan.rec.RiskLevel)
	e.notifier.TradeOpened(ctx, symbol, action.Kind, fillPrice, fillQty, plan.slPrice, plan.tpPrice)
	return nil
}

// guardProtectiveDistances pushes SL/TP outward when they sit too close to
// the mark to survive placement.
func (e *Engine) guardProtectiveDistances(subID int64, mark, slPrice, tpPrice float64, long bool) (float64, float64) {
	slMin := mark * slMinDistancePct
	tpMin := mark * tpMinDistancePct

	adjusted := false
	if math.Abs(mark-slPrice) < slMin {
		if long {
			slPrice = mark - slMin
		} else {
			slPrice = mark + slMin
		}
		adjusted = true
	}
	if math.Abs(mark-tpPrice) < tpMin {
		if long {
			tpPrice = mark + tpMin
		} else {
			tpPrice = mark - tpMin
		}
		adjusted = true
	}
	if adjusted {
		e.logger.Warn("protective prices adjusted to minimum distance",
			"subscription_id", subID, "mark", mark, "stop_loss", slPrice, "take_profit", tpPrice)
	}
	return slPrice, tpPrice
}
