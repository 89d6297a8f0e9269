package reconciler

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"tradebot-platform/config"
	"tradebot-platform/internal/database"
	"tradebot-platform/internal/exchange"
)

type markUpdate struct {
	tradeID   int64
	markPrice float64
	uPnL      float64
	pnlPct    float64
	leverage  int
}

type fakeReconRepo struct {
	trades  []*database.Trade
	subs    map[int64]*database.Subscription
	updates []markUpdate
	closed  []*database.Trade
}

func (f *fakeReconRepo) GetOpenTrades(ctx context.Context) ([]*database.Trade, error) {
	return f.trades, nil
}

func (f *fakeReconRepo) GetSubscriptionByID(ctx context.Context, id int64) (*database.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription %d not found", id)
	}
	return sub, nil
}

func (f *fakeReconRepo) UpdateTradeMarkPrice(ctx context.Context, id int64, markPrice, unrealizedPnL, pnlPercentage float64, leverage int) error {
	f.updates = append(f.updates, markUpdate{id, markPrice, unrealizedPnL, pnlPercentage, leverage})
	return nil
}

func (f *fakeReconRepo) CloseTrade(ctx context.Context, trade *database.Trade) error {
	f.closed = append(f.closed, trade)
	return nil
}

type fakeCredResolver struct {
	failUsers map[int64]bool
}

func (f *fakeCredResolver) Resolve(ctx context.Context, userID int64, exchangeName, network string) (exchange.Credentials, string, error) {
	if f.failUsers[userID] {
		return exchange.Credentials{}, "", fmt.Errorf("no active credentials")
	}
	return exchange.Credentials{APIKey: "k", SecretKey: "s"}, database.CredentialUser, nil
}

type fakeMetricsQueue struct {
	jobs []database.QueueJob
}

func (f *fakeMetricsQueue) Enqueue(ctx context.Context, queue string, job database.QueueJob) error {
	f.jobs = append(f.jobs, job)
	return nil
}

func ptr[T any](v T) *T { return &v }

func openTrade(id, subID int64) *database.Trade {
	return &database.Trade{
		ID:               id,
		SubscriptionID:   subID,
		Symbol:           "BTCUSDT",
		Side:             "BUY",
		PositionSide:     "LONG",
		Quantity:         0.035,
		EntryPrice:       44500,
		EntryTime:        time.Now().Add(-90 * time.Minute),
		Leverage:         10,
		StopLoss:         ptr(43200.0),
		TakeProfit:       ptr(47000.0),
		StopLossOrderID:  ptr("sl-1"),
		TakeProfitOrderIDs: []string{"tp-1", "tp-2"},
		Status:           database.TradeOpen,
	}
}

func newHarness(t *testing.T, trades []*database.Trade, mock *exchange.MockAdapter) (*Reconciler, *fakeReconRepo, *fakeMetricsQueue) {
	t.Helper()
	repo := &fakeReconRepo{
		trades: trades,
		subs: map[int64]*database.Subscription{
			1: {ID: 1, UserID: 100, BotID: 42, ExchangeType: "mock", NetworkType: "TESTNET", TradingPair: "BTCUSDT"},
		},
	}
	queue := &fakeMetricsQueue{}
	r := New(repo, &fakeCredResolver{}, queue, nil, config.ReconcilerConfig{
		TakerFeeRate:  0.0005,
		ExitTolerance: 0.01,
	})
	r.newTrader = func(exchangeName, network string, creds exchange.Credentials) (exchange.FuturesAdapter, error) {
		return mock, nil
	}
	return r, repo, queue
}

func TestSweepUpdatesOpenPosition(t *testing.T) {
	mock := exchange.NewMockAdapter()
	mock.Positions = []exchange.Position{
		{Symbol: "BTCUSDT", Side: "LONG", Size: 0.035, EntryPrice: 44500, MarkPrice: 45500, Leverage: 20},
	}
	r, repo, _ := newHarness(t, []*database.Trade{openTrade(1, 1)}, mock)

	summary := r.Sweep(context.Background())

	if summary.Updated != 1 || summary.Closed != 0 || summary.Errors != 0 {
		t.Fatalf("summary = %+v, want 1 updated", summary)
	}
	if len(repo.updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(repo.updates))
	}
	up := repo.updates[0]
	wantPnL := (45500.0 - 44500.0) * 0.035 // 35
	if math.Abs(up.uPnL-wantPnL) > 1e-9 {
		t.Errorf("uPnL = %v, want %v", up.uPnL, wantPnL)
	}
	wantPct := wantPnL / (44500 * 0.035 * 10) * 100
	if math.Abs(up.pnlPct-wantPct) > 1e-9 {
		t.Errorf("pnlPct = %v, want %v", up.pnlPct, wantPct)
	}
	if up.leverage != 20 {
		t.Errorf("leverage = %d, want refreshed to 20", up.leverage)
	}
}

func TestSweepClosesVanishedPosition(t *testing.T) {
	mock := exchange.NewMockAdapter() // no positions
	trade := openTrade(1, 1)
	trade.LastUpdatedPrice = ptr(46950.0)
	r, repo, queue := newHarness(t, []*database.Trade{trade}, mock)

	summary := r.Sweep(context.Background())

	if summary.Closed != 1 || summary.Errors != 0 {
		t.Fatalf("summary = %+v, want 1 closed", summary)
	}
	if len(repo.closed) != 1 {
		t.Fatalf("closed trades = %d, want 1", len(repo.closed))
	}
	got := repo.closed[0]
	if *got.ExitPrice != 46950 {
		t.Errorf("exit price = %v, want 46950", *got.ExitPrice)
	}
	if *got.ExitReason != database.ExitReasonTPHit {
		t.Errorf("exit reason = %s, want TP_HIT", *got.ExitReason)
	}
	wantPnL := (46950.0-44500.0)*0.035 - 0.0005*46950*0.035 // ~84.929
	if math.Abs(*got.RealizedPnL-wantPnL) > 1e-6 {
		t.Errorf("realized pnl = %v, want %v", *got.RealizedPnL, wantPnL)
	}
	if got.UnrealizedPnL != 0 {
		t.Errorf("unrealized pnl = %v, want 0", got.UnrealizedPnL)
	}
	if got.TradeDurationMinutes == nil || *got.TradeDurationMinutes < 89 {
		t.Errorf("duration = %v, want ~90 minutes", got.TradeDurationMinutes)
	}
	if got.IsWinning == nil || !*got.IsWinning {
		t.Error("trade should be marked winning")
	}
	// Persisted protective orders are cancelled.
	if len(mock.CancelledOrders) != 3 {
		t.Errorf("cancelled orders = %v, want [sl-1 tp-1 tp-2]", mock.CancelledOrders)
	}
	// A metrics refresh is enqueued for the owning bot.
	if len(queue.jobs) != 1 || queue.jobs[0].BotID != 42 {
		t.Errorf("metrics jobs = %v, want one for bot 42", queue.jobs)
	}
}

func TestCloseClassifiesStopLoss(t *testing.T) {
	mock := exchange.NewMockAdapter()
	trade := openTrade(1, 1)
	trade.LastUpdatedPrice = ptr(43150.0) // within 1% of SL 43200
	r, repo, _ := newHarness(t, []*database.Trade{trade}, mock)

	r.Sweep(context.Background())

	got := repo.closed[0]
	if *got.ExitReason != database.ExitReasonSLHit {
		t.Errorf("exit reason = %s, want SL_HIT", *got.ExitReason)
	}
	if got.IsWinning == nil || *got.IsWinning {
		t.Error("stopped-out long must not be winning")
	}
}

func TestCloseClassifiesManual(t *testing.T) {
	mock := exchange.NewMockAdapter()
	trade := openTrade(1, 1)
	trade.LastUpdatedPrice = ptr(45000.0) // nowhere near SL or TP
	r, repo, _ := newHarness(t, []*database.Trade{trade}, mock)

	r.Sweep(context.Background())

	if *repo.closed[0].ExitReason != database.ExitReasonManual {
		t.Errorf("exit reason = %s, want MANUAL", *repo.closed[0].ExitReason)
	}
}

func TestCloseWithoutMarkPriceFallsBackToEntry(t *testing.T) {
	mock := exchange.NewMockAdapter()
	trade := openTrade(1, 1)
	trade.LastUpdatedPrice = nil
	r, repo, _ := newHarness(t, []*database.Trade{trade}, mock)

	r.Sweep(context.Background())

	got := repo.closed[0]
	if *got.ExitPrice != trade.EntryPrice {
		t.Errorf("exit price = %v, want entry %v", *got.ExitPrice, trade.EntryPrice)
	}
	// Zero gross minus fees: a small loss.
	if *got.RealizedPnL >= 0 {
		t.Errorf("realized pnl = %v, want negative (fees only)", *got.RealizedPnL)
	}
}

func TestShortPositionPnL(t *testing.T) {
	mock := exchange.NewMockAdapter()
	mock.Positions = []exchange.Position{
		{Symbol: "BTCUSDT", Side: "SHORT", Size: 0.035, MarkPrice: 43500},
	}
	trade := openTrade(1, 1)
	trade.Side = "SELL"
	trade.PositionSide = "SHORT"
	r, repo, _ := newHarness(t, []*database.Trade{trade}, mock)

	r.Sweep(context.Background())

	if len(repo.updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(repo.updates))
	}
	wantPnL := (44500.0 - 43500.0) * 0.035 // profit on the way down
	if math.Abs(repo.updates[0].uPnL-wantPnL) > 1e-9 {
		t.Errorf("uPnL = %v, want %v", repo.updates[0].uPnL, wantPnL)
	}
}

func TestSideMismatchClosesTrade(t *testing.T) {
	mock := exchange.NewMockAdapter()
	mock.Positions = []exchange.Position{
		{Symbol: "BTCUSDT", Side: "SHORT", Size: 0.5, MarkPrice: 45000},
	}
	r, repo, _ := newHarness(t, []*database.Trade{openTrade(1, 1)}, mock)

	summary := r.Sweep(context.Background())

	if summary.Closed != 1 {
		t.Fatalf("a LONG trade must not match a SHORT position: %+v", summary)
	}
	if len(repo.updates) != 0 {
		t.Error("no mark update expected")
	}
}

func TestUnresolvableSubscriptionSkippedOnce(t *testing.T) {
	mock := exchange.NewMockAdapter()
	repo := &fakeReconRepo{
		trades: []*database.Trade{openTrade(1, 5), openTrade(2, 5)},
		subs: map[int64]*database.Subscription{
			5: {ID: 5, UserID: 999, ExchangeType: "mock", NetworkType: "TESTNET"},
		},
	}
	r := New(repo, &fakeCredResolver{failUsers: map[int64]bool{999: true}}, nil, nil, config.ReconcilerConfig{})
	r.newTrader = func(string, string, exchange.Credentials) (exchange.FuturesAdapter, error) {
		return mock, nil
	}

	summary := r.Sweep(context.Background())

	if summary.Updated != 0 || summary.Closed != 0 {
		t.Fatalf("unresolvable trades must be skipped: %+v", summary)
	}
	if len(repo.closed) != 0 || len(repo.updates) != 0 {
		t.Error("no trade rows may be touched without an adapter")
	}
}

func TestCleanupFallsBackToCancelAll(t *testing.T) {
	mock := exchange.NewMockAdapter()
	r, _, _ := newHarness(t, nil, mock)

	// No persisted IDs: the symbol-wide fallback runs.
	trade := openTrade(1, 1)
	trade.StopLossOrderID = nil
	trade.TakeProfitOrderIDs = nil

	result := r.CleanupOrders(context.Background(), trade, mock)
	if !result.Success {
		t.Error("cancel-all fallback should succeed on a clean book")
	}

	// Rejected cancels: with an order still on the book the cancel-all
	// fallback fails too, Success=false.
	mock.FailCancel = true
	mock.PlacedOrders = append(mock.PlacedOrders, exchange.OrderInfo{
		OrderID: "dangling-1", Symbol: "BTCUSDT", Status: exchange.OrderStatusNew,
	})
	trade.StopLossOrderID = ptr("sl-1")
	result = r.CleanupOrders(context.Background(), trade, mock)
	if result.Success {
		t.Error("cleanup must report failure when cancels are rejected")
	}
	if result.CancelledCount != 0 {
		t.Errorf("cancelled count = %d, want 0", result.CancelledCount)
	}
}
