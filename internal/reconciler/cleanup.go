package reconciler

import (
	"context"

	"tradebot-platform/internal/database"
	"tradebot-platform/internal/exchange"
)

// CleanupResult reports what order cleanup achieved for one closed trade.
type CleanupResult struct {
	CancelledCount int
	Success        bool
}

// CleanupOrders best-effort-cancels the protective orders left behind by a
// closed trade. Persisted order IDs are cancelled individually; any miss or
// rejection falls through to CancelAllOrders for the symbol so nothing
// dangles on the exchange.
func (r *Reconciler) CleanupOrders(ctx context.Context, trade *database.Trade, adapter exchange.FuturesAdapter) CleanupResult {
	var result CleanupResult
	allCancelled := true

	cancel := func(orderID string) {
		if err := adapter.CancelOrder(ctx, trade.Symbol, orderID); err != nil {
			// An already-filled or already-cancelled order rejects here;
			// the fallback sweep below covers anything real.
			r.logger.Debug("protective order cancel rejected",
				"trade_id", trade.ID, "order_id", orderID, err)
			allCancelled = false
			return
		}
		result.CancelledCount++
	}

	hadIDs := false
	if trade.StopLossOrderID != nil && *trade.StopLossOrderID != "" {
		hadIDs = true
		cancel(*trade.StopLossOrderID)
	}
	for _, id := range trade.TakeProfitOrderIDs {
		if id == "" {
			continue
		}
		hadIDs = true
		cancel(id)
	}

	if hadIDs && allCancelled {
		result.Success = true
		return result
	}

	if err := adapter.CancelAllOrders(ctx, trade.Symbol); err != nil {
		r.logger.Warn("cancel-all fallback failed",
			"trade_id", trade.ID, "symbol", trade.Symbol, err)
		return result
	}
	result.Success = true
	return result
}
