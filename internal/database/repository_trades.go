package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const tradeColumns = `
	id, subscription_id, symbol, side, position_side, quantity, entry_price,
	entry_time, leverage, stop_loss, take_profit, order_id, stop_loss_order_id,
	take_profit_order_ids, status, exit_price, exit_time, exit_reason,
	realized_pnl, unrealized_pnl, last_updated_price, pnl_percentage,
	fees_paid, trade_duration_minutes, is_winning, sizing_method,
	sizing_reason, created_at, updated_at`

func scanTrade(row pgx.Row) (*Trade, error) {
	trade := &Trade{}
	var tpOrderIDs []byte
	err := row.Scan(
		&trade.ID, &trade.SubscriptionID, &trade.Symbol, &trade.Side,
		&trade.PositionSide, &trade.Quantity, &trade.EntryPrice, &trade.EntryTime,
		&trade.Leverage, &trade.StopLoss, &trade.TakeProfit, &trade.OrderID,
		&trade.StopLossOrderID, &tpOrderIDs, &trade.Status, &trade.ExitPrice,
		&trade.ExitTime, &trade.ExitReason, &trade.RealizedPnL, &trade.UnrealizedPnL,
		&trade.LastUpdatedPrice, &trade.PnLPercentage, &trade.FeesPaid,
		&trade.TradeDurationMinutes, &trade.IsWinning, &trade.SizingMethod,
		&trade.SizingReason, &trade.CreatedAt, &trade.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tpOrderIDs, &trade.TakeProfitOrderIDs); err != nil {
		return nil, fmt.Errorf("failed to parse take_profit_order_ids: %w", err)
	}
	return trade, nil
}

// CreateTrade inserts a new OPEN trade
func (r *Repository) CreateTrade(ctx context.Context, trade *Trade) error {
	tpOrderIDs, _ := json.Marshal(trade.TakeProfitOrderIDs)
	query := `
		INSERT INTO trades (
			subscription_id, symbol, side, position_side, quantity, entry_price,
			entry_time, leverage, stop_loss, take_profit, order_id,
			stop_loss_order_id, take_profit_order_ids, status, sizing_method,
			sizing_reason
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 'OPEN', $14, $15)
		RETURNING id, status, created_at, updated_at
	`
	return r.db.Pool.QueryRow(ctx, query,
		trade.SubscriptionID, trade.Symbol, trade.Side, trade.PositionSide,
		trade.Quantity, trade.EntryPrice, trade.EntryTime, trade.Leverage,
		trade.StopLoss, trade.TakeProfit, trade.OrderID, trade.StopLossOrderID,
		tpOrderIDs, trade.SizingMethod, trade.SizingReason,
	).Scan(&trade.ID, &trade.Status, &trade.CreatedAt, &trade.UpdatedAt)
}

// GetOpenTrades retrieves all OPEN trades across subscriptions for the
// reconciler sweep.
func (r *Repository) GetOpenTrades(ctx context.Context) ([]*Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE status = 'OPEN' ORDER BY entry_time`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

// GetTradeByID retrieves a trade by id
func (r *Repository) GetTradeByID(ctx context.Context, id int64) (*Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE id = $1`
	return scanTrade(r.db.Pool.QueryRow(ctx, query, id))
}

// UpdateTradeMarkPrice refreshes the live-position fields of an OPEN trade.
// The status guard makes the update a no-op if the trade closed concurrently.
func (r *Repository) UpdateTradeMarkPrice(ctx context.Context, id int64, markPrice, unrealizedPnL, pnlPercentage float64, leverage int) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE trades
		SET last_updated_price = $2, unrealized_pnl = $3, pnl_percentage = $4, leverage = $5
		WHERE id = $1 AND status = 'OPEN'
	`, id, markPrice, unrealizedPnL, pnlPercentage, leverage)
	return err
}

// CloseTrade transitions an OPEN trade to CLOSED with its final figures.
// Returns pgx.ErrNoRows if the trade was not OPEN (idempotent close).
func (r *Repository) CloseTrade(ctx context.Context, trade *Trade) error {
	query := `
		UPDATE trades
		SET status = 'CLOSED', exit_price = $2, exit_time = $3, exit_reason = $4,
		    realized_pnl = $5, unrealized_pnl = 0, pnl_percentage = $6,
		    fees_paid = $7, trade_duration_minutes = $8, is_winning = $9
		WHERE id = $1 AND status = 'OPEN'
		RETURNING id
	`
	var id int64
	return r.db.Pool.QueryRow(ctx, query,
		trade.ID, trade.ExitPrice, trade.ExitTime, trade.ExitReason,
		trade.RealizedPnL, trade.PnLPercentage, trade.FeesPaid,
		trade.TradeDurationMinutes, trade.IsWinning,
	).Scan(&id)
}

// GetBotPerformance aggregates closed-trade statistics for a bot, feeding
// the capital manager's historical inputs.
func (r *Repository) GetBotPerformance(ctx context.Context, botID int64) (winRate, avgWinLoss float64, sampleSize int, err error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE is_winning),
			COUNT(*) FILTER (WHERE NOT is_winning),
			COALESCE(AVG(realized_pnl) FILTER (WHERE is_winning), 0),
			COALESCE(ABS(AVG(realized_pnl) FILTER (WHERE NOT is_winning)), 0)
		FROM trades t
		JOIN subscriptions s ON s.id = t.subscription_id
		WHERE s.bot_id = $1 AND t.status = 'CLOSED' AND t.is_winning IS NOT NULL
	`
	var wins, losses int
	var avgWin, avgLoss float64
	if err = r.db.Pool.QueryRow(ctx, query, botID).Scan(&wins, &losses, &avgWin, &avgLoss); err != nil {
		return 0, 0, 0, err
	}
	sampleSize = wins + losses
	if sampleSize == 0 {
		return 0, 0, 0, nil
	}
	winRate = float64(wins) / float64(sampleSize)
	if avgLoss > 0 {
		avgWinLoss = avgWin / avgLoss
	}
	return winRate, avgWinLoss, sampleSize, nil
}

// UpdateBotPerformance persists aggregated bot statistics
func (r *Repository) UpdateBotPerformance(ctx context.Context, botID int64, winRate, avgWinLoss float64) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE bots SET win_rate = $2, avg_win_loss = $3 WHERE id = $1
	`, botID, winRate, avgWinLoss)
	return err
}
