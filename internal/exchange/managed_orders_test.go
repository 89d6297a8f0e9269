package exchange

import (
	"context"
	"math"
	"strconv"
	"testing"
)

func TestManagedOrdersSplitTakeProfit(t *testing.T) {
	m := NewMockAdapter()
	ctx := context.Background()

	// 0.01 >> 1.1 * 0.001, both legs clear minimums: expect SL + 2 TPs.
	result, err := m.CreateManagedOrders(ctx, "BTCUSDT", SideSell, 0.01, 48000, 52000, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.StopLoss == nil || result.StopLoss.Type != OrderTypeStopMarket {
		t.Fatal("missing stop-loss order")
	}
	if result.StopLoss.QuantityStr != "0.01" {
		t.Errorf("stop loss qty = %s, want full 0.01", result.StopLoss.QuantityStr)
	}
	if len(result.TakeProfits) != 2 {
		t.Fatalf("take profits = %d, want 2", len(result.TakeProfits))
	}

	tp1Price, _ := strconv.ParseFloat(result.TakeProfits[0].PriceStr, 64)
	tp2Price, _ := strconv.ParseFloat(result.TakeProfits[1].PriceStr, 64)
	if tp1Price != 52000 {
		t.Errorf("tp1 price = %v, want 52000", tp1Price)
	}
	// SELL closes a long, so the second leg extends 2% above.
	if want := 52000 * 1.02; math.Abs(tp2Price-want) > 0.2 {
		t.Errorf("tp2 price = %v, want ~%v", tp2Price, want)
	}

	// Leg quantities sum back to the full quantity.
	q1, _ := strconv.ParseFloat(result.TakeProfits[0].QuantityStr, 64)
	q2, _ := strconv.ParseFloat(result.TakeProfits[1].QuantityStr, 64)
	if math.Abs(q1+q2-0.01) > 1e-9 {
		t.Errorf("tp legs sum = %v, want 0.01", q1+q2)
	}
}

func TestManagedOrdersShortExtendsDown(t *testing.T) {
	m := NewMockAdapter()
	result, err := m.CreateManagedOrders(context.Background(), "BTCUSDT", SideBuy, 0.01, 52000, 48000, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tp2Price, _ := strconv.ParseFloat(result.TakeProfits[1].PriceStr, 64)
	if want := 48000 * 0.98; math.Abs(tp2Price-want) > 0.2 {
		t.Errorf("tp2 price = %v, want ~%v (below tp1 for a short)", tp2Price, want)
	}
}

func TestManagedOrdersSingleTPWhenNotSplittable(t *testing.T) {
	m := NewMockAdapter()

	// Half of 0.0018 is below the 1.1x buffered minimum of 0.0011.
	result, err := m.CreateManagedOrders(context.Background(), "BTCUSDT", SideSell, 0.0018, 48000, 52000, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.TakeProfits) != 1 {
		t.Fatalf("take profits = %d, want 1 (unsplittable)", len(result.TakeProfits))
	}
	if result.TakeProfits[0].QuantityStr != "0.001" {
		t.Errorf("single tp qty = %s, want full rounded qty", result.TakeProfits[0].QuantityStr)
	}
}

func TestManagedOrdersRollbackOnFailure(t *testing.T) {
	m := NewMockAdapter()
	m.FailTakeProfitAfter = 2 // SL and TP1 succeed, TP2 fails

	_, err := m.CreateManagedOrders(context.Background(), "BTCUSDT", SideSell, 0.01, 48000, 52000, true)
	if err == nil {
		t.Fatal("expected error from failed take profit")
	}

	// SL and TP1 were placed, then both must be cancelled.
	if len(m.CancelledOrders) != 2 {
		t.Fatalf("cancelled = %d orders, want 2 (rollback)", len(m.CancelledOrders))
	}
}

func TestManagedOrdersMinNotionalForcesSingleTP(t *testing.T) {
	m := NewMockAdapter()
	m.Precision_.MinNotional = 200 // each half (0.0025 * 52000 = 130) is below

	result, err := m.CreateManagedOrders(context.Background(), "BTCUSDT", SideSell, 0.005, 48000, 52000, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.TakeProfits) != 1 {
		t.Errorf("take profits = %d, want 1 when legs fail min notional", len(result.TakeProfits))
	}
}
