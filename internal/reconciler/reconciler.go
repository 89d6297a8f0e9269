// Package reconciler keeps persisted trades in sync with the exchange. The
// exchange is the source of truth for position state: an OPEN trade whose
// position is gone was closed out there (SL/TP fill, liquidation, manual
// close) and the row is settled from the last known price.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"tradebot-platform/config"
	"tradebot-platform/internal/database"
	"tradebot-platform/internal/exchange"
	"tradebot-platform/internal/logging"
	"tradebot-platform/internal/notification"
)

const (
	defaultInterval      = 30 * time.Second
	defaultTakerFeeRate  = 0.0005
	defaultExitTolerance = 0.01

	jobKindBotMetrics = "bot_metrics"
)

// Repository is the database slice the reconciler needs.
type Repository interface {
	GetOpenTrades(ctx context.Context) ([]*database.Trade, error)
	GetSubscriptionByID(ctx context.Context, id int64) (*database.Subscription, error)
	UpdateTradeMarkPrice(ctx context.Context, id int64, markPrice, unrealizedPnL, pnlPercentage float64, leverage int) error
	CloseTrade(ctx context.Context, trade *database.Trade) error
}

// CredentialResolver resolves decrypted exchange credentials for a user.
type CredentialResolver interface {
	Resolve(ctx context.Context, userID int64, exchangeName, network string) (exchange.Credentials, string, error)
}

// Queue enqueues bot-metrics refresh jobs after a close. May be nil.
type Queue interface {
	Enqueue(ctx context.Context, queue string, job database.QueueJob) error
}

// SweepSummary reports what one reconciliation pass did.
type SweepSummary struct {
	Updated int
	Closed  int
	Errors  int
}

// Reconciler owns the position-sync loop.
type Reconciler struct {
	repo     Repository
	creds    CredentialResolver
	queue    Queue
	notifier *notification.Manager
	cfg      config.ReconcilerConfig
	logger   *logging.Logger

	newTrader func(exchangeName, network string, creds exchange.Credentials) (exchange.FuturesAdapter, error)

	sweeping bool
	now      func() time.Time
}

// New creates a reconciler with config defaults applied.
func New(repo Repository, creds CredentialResolver, queue Queue, notifier *notification.Manager, cfg config.ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.TakerFeeRate <= 0 {
		cfg.TakerFeeRate = defaultTakerFeeRate
	}
	if cfg.ExitTolerance <= 0 {
		cfg.ExitTolerance = defaultExitTolerance
	}
	return &Reconciler{
		repo:      repo,
		creds:     creds,
		queue:     queue,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logging.Default().WithComponent("reconciler"),
		newTrader: exchange.NewFuturesAdapter,
		now:       time.Now,
	}
}

// Run drives the sync loop until ctx is cancelled. Overrunning ticks are
// skipped.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("reconciler started", "interval", r.cfg.Interval.String())

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reconciler) sweepOnce(ctx context.Context) {
	if r.sweeping {
		r.logger.Warn("reconciler sweep overran its interval, skipping tick")
		return
	}
	r.sweeping = true
	defer func() { r.sweeping = false }()

	summary := r.Sweep(ctx)
	if summary.Updated > 0 || summary.Closed > 0 || summary.Errors > 0 {
		r.logger.Info("reconciliation complete",
			"updated", summary.Updated, "closed", summary.Closed, "errors", summary.Errors)
	}
}

// Sweep walks every OPEN trade once. Per-trade failures are counted and
// skipped; one broken subscription never stalls the rest.
func (r *Reconciler) Sweep(ctx context.Context) SweepSummary {
	var summary SweepSummary

	trades, err := r.repo.GetOpenTrades(ctx)
	if err != nil {
		r.logger.Error("open trade query failed", err)
		summary.Errors++
		return summary
	}
	if len(trades) == 0 {
		return summary
	}

	// Adapters are resolved once per subscription per sweep. A subscription
	// whose credentials cannot be resolved is logged once and skipped.
	adapters := make(map[int64]exchange.FuturesAdapter)
	unresolvable := make(map[int64]bool)

	for _, trade := range trades {
		if unresolvable[trade.SubscriptionID] {
			continue
		}
		adapter, ok := adapters[trade.SubscriptionID]
		if !ok {
			adapter, err = r.resolveAdapter(ctx, trade.SubscriptionID)
			if err != nil {
				r.logger.Warn("skipping subscription, adapter unresolvable",
					"subscription_id", trade.SubscriptionID, err)
				unresolvable[trade.SubscriptionID] = true
				continue
			}
			adapters[trade.SubscriptionID] = adapter
		}

		closed, err := r.reconcileTrade(ctx, trade, adapter)
		if err != nil {
			r.logger.Error("trade reconciliation failed",
				"trade_id", trade.ID, "symbol", trade.Symbol, err)
			summary.Errors++
			continue
		}
		if closed {
			summary.Closed++
		} else {
			summary.Updated++
		}
	}
	return summary
}

func (r *Reconciler) resolveAdapter(ctx context.Context, subscriptionID int64) (exchange.FuturesAdapter, error) {
	sub, err := r.repo.GetSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("error loading subscription: %w", err)
	}
	creds, _, err := r.creds.Resolve(ctx, sub.UserID, sub.ExchangeType, sub.NetworkType)
	if err != nil {
		return nil, fmt.Errorf("error resolving credentials: %w", err)
	}
	adapter, err := r.newTrader(sub.ExchangeType, sub.NetworkType, creds)
	if err != nil {
		return nil, fmt.Errorf("error creating adapter: %w", err)
	}
	return adapter, nil
}

// reconcileTrade syncs one trade against the live position. Returns true
// when the trade was closed.
func (r *Reconciler) reconcileTrade(ctx context.Context, trade *database.Trade, adapter exchange.FuturesAdapter) (bool, error) {
	positions, err := adapter.GetPositions(ctx, trade.Symbol)
	if err != nil {
		return false, fmt.Errorf("error fetching positions: %w", err)
	}

	if pos := matchPosition(positions, trade); pos != nil {
		return false, r.updateOpenTrade(ctx, trade, pos)
	}
	return true, r.closeTrade(ctx, trade, adapter)
}

// matchPosition finds the live position backing a trade: same symbol,
// nonzero size, and the same side when the adapter reports one. Order IDs
// are weak references and are deliberately not used for matching.
func matchPosition(positions []exchange.Position, trade *database.Trade) *exchange.Position {
	for i := range positions {
		pos := &positions[i]
		if pos.Symbol != trade.Symbol || pos.Size == 0 {
			continue
		}
		if pos.Side != "" && pos.Side != trade.PositionSide {
			continue
		}
		return pos
	}
	return nil
}

// updateOpenTrade refreshes the live fields of a still-open trade from the
// exchange's mark price.
func (r *Reconciler) updateOpenTrade(ctx context.Context, trade *database.Trade, pos *exchange.Position) error {
	uPnL := unrealizedPnL(trade.PositionSide, trade.EntryPrice, pos.MarkPrice, trade.Quantity)

	pnlPct := 0.0
	if basis := trade.EntryPrice * trade.Quantity * float64(trade.Leverage); basis > 0 {
		pnlPct = uPnL / basis * 100
	}

	leverage := trade.Leverage
	if pos.Leverage > 0 && pos.Leverage != leverage {
		leverage = pos.Leverage
	}

	if err := r.repo.UpdateTradeMarkPrice(ctx, trade.ID, pos.MarkPrice, uPnL, pnlPct, leverage); err != nil {
		return fmt.Errorf("error updating trade mark price: %w", err)
	}
	return nil
}

// closeTrade settles a trade whose position is gone from the exchange. The
// last mark price the reconciler saw stands in for the unknown fill price.
func (r *Reconciler) closeTrade(ctx context.Context, trade *database.Trade, adapter exchange.FuturesAdapter) error {
	exitPrice := trade.EntryPrice
	if trade.LastUpdatedPrice != nil && *trade.LastUpdatedPrice > 0 {
		exitPrice = *trade.LastUpdatedPrice
	}

	now := r.now()
	gross := unrealizedPnL(trade.PositionSide, trade.EntryPrice, exitPrice, trade.Quantity)
	fee := exitPrice * trade.Quantity * r.cfg.TakerFeeRate
	realized := gross - fee
	reason := r.classifyExit(trade, exitPrice)
	duration := int(now.Sub(trade.EntryTime).Minutes())
	winning := realized > 0

	pnlPct := 0.0
	if basis := trade.EntryPrice * trade.Quantity * float64(trade.Leverage); basis > 0 {
		pnlPct = realized / basis * 100
	}

	trade.ExitPrice = &exitPrice
	trade.ExitTime = &now
	trade.ExitReason = &reason
	trade.RealizedPnL = &realized
	trade.UnrealizedPnL = 0
	trade.PnLPercentage = pnlPct
	trade.FeesPaid = fee
	trade.TradeDurationMinutes = &duration
	trade.IsWinning = &winning

	if err := r.repo.CloseTrade(ctx, trade); err != nil {
		return fmt.Errorf("error closing trade: %w", err)
	}

	r.logger.Info("trade closed",
		"trade_id", trade.ID, "symbol", trade.Symbol, "exit_reason", reason,
		"exit_price", exitPrice, "realized_pnl", realized)

	// Leftover protective orders are cancelled best-effort; a failure here
	// never rolls back the close.
	result := r.CleanupOrders(ctx, trade, adapter)
	if !result.Success {
		r.logger.Warn("order cleanup incomplete",
			"trade_id", trade.ID, "symbol", trade.Symbol, "cancelled", result.CancelledCount)
	}

	r.notifier.TradeClosed(ctx, trade.Symbol, trade.EntryPrice, exitPrice, realized, pnlPct, reason)
	r.enqueueMetricsRefresh(ctx, trade.SubscriptionID)
	return nil
}

// classifyExit guesses why the position disappeared from the exit price's
// proximity to the protective levels.
func (r *Reconciler) classifyExit(trade *database.Trade, exitPrice float64) string {
	if trade.TakeProfit != nil && withinTolerance(exitPrice, *trade.TakeProfit, r.cfg.ExitTolerance) {
		return database.ExitReasonTPHit
	}
	if trade.StopLoss != nil && withinTolerance(exitPrice, *trade.StopLoss, r.cfg.ExitTolerance) {
		return database.ExitReasonSLHit
	}
	return database.ExitReasonManual
}

func (r *Reconciler) enqueueMetricsRefresh(ctx context.Context, subscriptionID int64) {
	if r.queue == nil {
		return
	}
	sub, err := r.repo.GetSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		r.logger.Warn("metrics refresh skipped, subscription lookup failed",
			"subscription_id", subscriptionID, err)
		return
	}
	job := database.QueueJob{
		Kind:    jobKindBotMetrics,
		BotID:   sub.BotID,
		ReadyAt: r.now(),
	}
	if err := r.queue.Enqueue(ctx, database.QueueMaintenance, job); err != nil {
		r.logger.Warn("metrics refresh enqueue failed", "bot_id", sub.BotID, err)
	}
}

func unrealizedPnL(positionSide string, entry, mark, qty float64) float64 {
	if positionSide == "SHORT" {
		return (entry - mark) * qty
	}
	return (mark - entry) * qty
}

func withinTolerance(price, target, tolerance float64) bool {
	if target <= 0 {
		return false
	}
	diff := price - target
	if diff < 0 {
		diff = -diff
	}
	return diff/target <= tolerance
}
