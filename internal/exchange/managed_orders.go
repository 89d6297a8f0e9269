package exchange

import (
	"context"
	"strconv"

	"tradebot-platform/internal/logging"
)

// splitBuffer requires each TP leg to clear min_qty with headroom so that
// step-size rounding cannot push a leg below the exchange minimum.
const splitBuffer = 1.1

// tpExtensionPct places the second take-profit 2% beyond the first, in the
// profit direction of the position.
const tpExtensionPct = 0.02

// placeManagedOrders is the default protective-order algorithm shared by all
// futures adapters: a stop loss for the full quantity plus either a split
// take-profit (two legs, second extended 2% further) or a single TP when the
// quantity cannot be split. Any failure after a partial placement cancels the
// already-created orders and propagates the original error.
//
// closeSide is the side that closes the position: SELL for a long, BUY for a
// short.
func placeManagedOrders(ctx context.Context, a FuturesAdapter, symbol, closeSide string, qty, stopPrice, tpPrice float64, reduceOnly bool) (*ManagedOrders, error) {
	logger := logging.Default().WithComponent("exchange." + a.Name())

	// Best-effort cancel of stale protective orders for the symbol.
	if open, err := a.GetOpenOrders(ctx, symbol); err == nil {
		for _, ord := range open {
			if ord.Type == OrderTypeStopMarket || ord.Type == OrderTypeTakeProfitMarket {
				if err := a.CancelOrder(ctx, symbol, ord.OrderID); err != nil {
					logger.Warn("failed to cancel stale protective order",
						"symbol", symbol, "order_id", ord.OrderID, err)
				}
			}
		}
	}

	prec, err := a.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return nil, err
	}

	// Split math runs in the exchange's native units: contracts on
	// contract-denominated venues, base asset elsewhere. Legs are converted
	// back to base quantities before placement.
	unit := 1.0
	if prec.ContractValue > 0 {
		unit = prec.ContractValue
	}
	native := qty / unit

	leg1Str := RoundToStep(native/2, prec.StepSize)
	leg1Native, _ := strconv.ParseFloat(leg1Str, 64)
	leg2Str := RoundToStep(native-leg1Native, prec.StepSize)
	leg2Native, _ := strconv.ParseFloat(leg2Str, 64)
	leg1 := leg1Native * unit
	leg2 := leg2Native * unit

	splittable := native/2 >= splitBuffer*prec.MinQty &&
		leg1Native >= prec.MinQty && leg2Native >= prec.MinQty &&
		(prec.MinNotional <= 0 || (leg1*tpPrice >= prec.MinNotional && leg2*tpPrice >= prec.MinNotional))

	result := &ManagedOrders{}
	rollback := func(cause error) error {
		for _, id := range result.OrderIDs() {
			if err := a.CancelOrder(ctx, symbol, id); err != nil {
				logger.Error("rollback cancel failed", "symbol", symbol, "order_id", id, err)
			}
		}
		return cause
	}

	sl, err := a.CreateStopLossOrder(ctx, symbol, closeSide, qty, stopPrice, reduceOnly)
	if err != nil {
		return nil, err
	}
	result.StopLoss = sl

	if !splittable {
		tp, err := a.CreateTakeProfitOrder(ctx, symbol, closeSide, qty, tpPrice, reduceOnly)
		if err != nil {
			return nil, rollback(err)
		}
		result.TakeProfits = append(result.TakeProfits, tp)
		return result, nil
	}

	tp1, err := a.CreateTakeProfitOrder(ctx, symbol, closeSide, leg1, tpPrice, reduceOnly)
	if err != nil {
		return nil, rollback(err)
	}
	result.TakeProfits = append(result.TakeProfits, tp1)

	// Second leg extends beyond the first in the position's profit direction:
	// a long (closed by SELL) profits upward, a short downward.
	tp2Price := tpPrice * (1 - tpExtensionPct)
	if closeSide == SideSell {
		tp2Price = tpPrice * (1 + tpExtensionPct)
	}
	tp2, err := a.CreateTakeProfitOrder(ctx, symbol, closeSide, leg2, tp2Price, reduceOnly)
	if err != nil {
		return nil, rollback(err)
	}
	result.TakeProfits = append(result.TakeProfits, tp2)

	return result, nil
}
