package capital

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"

	"tradebot-platform/config"
	"tradebot-platform/internal/exchange"
)

func testConfig() config.CapitalConfig {
	return config.CapitalConfig{
		BasePositionSizePct:  0.02,
		MaxPositionSizePct:   0.08,
		MaxPortfolioExposure: 0.5,
		KellyMultiplier:      0.5,
		MinWinRate:           0.35,
		VolLowThreshold:      0.02,
		VolHighThreshold:     0.08,
		LLMWeight:            0.4,
	}
}

func healthyMetrics() RiskMetrics {
	return RiskMetrics{
		AccountBalance:   10000,
		AvailableBalance: 9000,
		Volatility:       0.03,
		WinRate:          0.55,
		AvgWinLossRatio:  1.4,
		SharpeRatio:      0.8,
	}
}

func testKlines(n int, price float64) []exchange.Kline {
	klines := make([]exchange.Kline, n)
	for i := range klines {
		// Gentle drift so returns are non-degenerate.
		c := price * (1 + 0.001*float64(i%5-2))
		klines[i] = exchange.Kline{Open: c * 0.999, High: c * 1.002, Low: c * 0.998, Close: c}
	}
	return klines
}

func TestRecommendSizeHealthyAccount(t *testing.T) {
	m := NewManager(testConfig())
	rec := m.RecommendSize(context.Background(), 0.8, healthyMetrics(),
		MarketData{Symbol: "BTCUSDT", Price: 50000, Klines: testKlines(50, 50000)}, nil)

	if rec.RecommendedSizePct <= 0 {
		t.Fatalf("expected a positive size, got %v (%s)", rec.RecommendedSizePct, rec.Reasoning)
	}
	if rec.RecommendedSizePct > 0.08 {
		t.Errorf("size %v exceeds max position size", rec.RecommendedSizePct)
	}
	if rec.RiskLevel == "" || rec.SizingMethod == "" {
		t.Error("risk level and sizing method must be populated")
	}
}

func TestRecommendSizeCappedAtMax(t *testing.T) {
	cfg := testConfig()
	cfg.BasePositionSizePct = 0.2 // force every method above the 8% cap
	m := NewManager(cfg)

	rec := m.RecommendSize(context.Background(), 1.0, healthyMetrics(), MarketData{}, nil)
	if rec.RecommendedSizePct != cfg.MaxPositionSizePct {
		t.Errorf("size = %v, want capped at %v", rec.RecommendedSizePct, cfg.MaxPositionSizePct)
	}
	if !strings.Contains(rec.Reasoning, "capped") {
		t.Errorf("reasoning should mention the cap: %s", rec.Reasoning)
	}
}

func TestRecommendSizeExposureLimit(t *testing.T) {
	m := NewManager(testConfig())
	metrics := healthyMetrics()
	metrics.PortfolioExposure = 0.49 // only 1% of headroom left

	rec := m.RecommendSize(context.Background(), 1.0, metrics, MarketData{}, nil)
	if rec.RecommendedSizePct > 0.5-0.49+1e-9 {
		t.Errorf("size %v breaks the portfolio exposure limit", rec.RecommendedSizePct)
	}
}

func TestRecommendSizeDrawdownBoundary(t *testing.T) {
	m := NewManager(testConfig())

	// Exactly at 10% the multiplier must NOT fire.
	metrics := healthyMetrics()
	metrics.CurrentDrawdown = 0.10
	atBoundary := m.RecommendSize(context.Background(), 0.8, metrics, MarketData{}, nil)
	if atBoundary.DrawdownAdjustment != 0 {
		t.Errorf("drawdown multiplier applied at exactly 10%%: %v", atBoundary.DrawdownAdjustment)
	}

	// Just past it the multiplier is max(0.2, 1-2*dd).
	metrics.CurrentDrawdown = 0.15
	past := m.RecommendSize(context.Background(), 0.8, metrics, MarketData{}, nil)
	if want := 1 - 2*0.15; math.Abs(past.DrawdownAdjustment-want) > 1e-9 {
		t.Errorf("drawdown multiplier = %v, want %v", past.DrawdownAdjustment, want)
	}

	// Deep drawdowns floor at 0.2.
	metrics.CurrentDrawdown = 0.45
	deep := m.RecommendSize(context.Background(), 0.8, metrics, MarketData{}, nil)
	if deep.DrawdownAdjustment != 0.2 {
		t.Errorf("deep drawdown multiplier = %v, want 0.2 floor", deep.DrawdownAdjustment)
	}
}

func TestRecommendSizeClampsToZero(t *testing.T) {
	m := NewManager(testConfig())
	metrics := healthyMetrics()
	metrics.PortfolioExposure = 0.4999 // leaves less than 0.1% headroom

	rec := m.RecommendSize(context.Background(), 1.0, metrics, MarketData{}, nil)
	if rec.RecommendedSizePct != 0 {
		t.Errorf("size = %v, want 0 below the minimum", rec.RecommendedSizePct)
	}
}

func TestWithOverrides(t *testing.T) {
	m := NewManager(testConfig())

	// Pinning the fixed method makes the result exactly base*(0.5+1.5*conf).
	pinned := m.WithOverrides(0.01, 0, "fixed")
	rec := pinned.RecommendSize(context.Background(), 0.8, healthyMetrics(), MarketData{}, nil)
	if rec.SizingMethod != "fixed" {
		t.Errorf("sizing method = %s, want fixed", rec.SizingMethod)
	}
	if want := 0.01 * (0.5 + 1.5*0.8); math.Abs(rec.RecommendedSizePct-want) > 1e-12 {
		t.Errorf("size = %v, want %v", rec.RecommendedSizePct, want)
	}

	// The override max only ever tightens the platform cap.
	tight := m.WithOverrides(0.2, 0.03, "")
	rec = tight.RecommendSize(context.Background(), 1.0, healthyMetrics(), MarketData{}, nil)
	if rec.RecommendedSizePct != 0.03 {
		t.Errorf("size = %v, want capped at the override max 0.03", rec.RecommendedSizePct)
	}
	loose := m.WithOverrides(0.2, 0.5, "")
	rec = loose.RecommendSize(context.Background(), 1.0, healthyMetrics(), MarketData{}, nil)
	if rec.RecommendedSizePct != 0.08 {
		t.Errorf("size = %v, want the platform max 0.08", rec.RecommendedSizePct)
	}

	// The base manager is untouched.
	if m.cfg.BasePositionSizePct != 0.02 || m.method != "" {
		t.Error("WithOverrides must not mutate the receiver")
	}
}

func TestKellySize(t *testing.T) {
	m := NewManager(testConfig())

	// b=1.4, p=0.55: f = (1.4*0.55 - 0.45)/1.4, then * 0.5 kelly mult * conf.
	f := (1.4*0.55 - 0.45) / 1.4
	want := f * 0.5 * 0.8
	got := m.kellySize(0.8, healthyMetrics())
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("kellySize = %v, want %v", got, want)
	}

	// A losing record floors win rate at min_win_rate instead of going negative.
	losing := healthyMetrics()
	losing.WinRate = 0.1
	losing.AvgWinLossRatio = 0.5 // floored to 1
	if got := m.kellySize(1.0, losing); got < 0 {
		t.Errorf("kellySize = %v, must never be negative", got)
	}
}

func TestVolatilityMultiplier(t *testing.T) {
	m := NewManager(testConfig())
	tests := []struct {
		vol  float64
		want float64
	}{
		{0.01, 1.5},
		{0.02, 1.5},
		{0.05, 1.0}, // midpoint of [0.02, 0.08]
		{0.08, 0.5},
		{0.20, 0.5},
	}
	for _, tt := range tests {
		if got := m.volatilityMultiplier(tt.vol); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("volatilityMultiplier(%v) = %v, want %v", tt.vol, got, tt.want)
		}
	}
}

type stubAdvisor struct {
	pct float64
	err error
}

func (s *stubAdvisor) CapitalAdvice(ctx context.Context, marketContext string, basePct, maxPct float64) (float64, error) {
	return s.pct, s.err
}

func TestLLMHybridBlend(t *testing.T) {
	m := NewManager(testConfig())
	metrics := healthyMetrics()

	got, err := m.llmHybridSize(context.Background(), 0.8, metrics, MarketData{}, &stubAdvisor{pct: 0.05})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := 0.4*0.05 + 0.6*m.confidenceSize(0.8, metrics)
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("llmHybridSize = %v, want %v", got, want)
	}
}

func TestFailingMethodIsSkipped(t *testing.T) {
	m := NewManager(testConfig())

	// A failing LLM advisor must not sink the recommendation.
	rec := m.RecommendSize(context.Background(), 0.8, healthyMetrics(), MarketData{},
		&stubAdvisor{err: fmt.Errorf("provider timeout")})
	if rec.RecommendedSizePct <= 0 {
		t.Errorf("expected a positive size despite LLM failure, got %v", rec.RecommendedSizePct)
	}
	if strings.Contains(rec.Reasoning, "llm_hybrid") {
		t.Errorf("failed method should not appear in reasoning: %s", rec.Reasoning)
	}
}

func TestComputeRiskMetricsDefaults(t *testing.T) {
	// No account, no candles, no history: conservative defaults.
	m := ComputeRiskMetrics(nil, nil, nil, PerformanceHistory{})
	if m.Volatility != defaultVolatility {
		t.Errorf("volatility = %v, want default %v", m.Volatility, defaultVolatility)
	}
	if m.WinRate != defaultWinRate || m.AvgWinLossRatio != defaultAvgWinLoss {
		t.Errorf("win stats = %v/%v, want defaults", m.WinRate, m.AvgWinLossRatio)
	}

	// Thin history (below the sample floor) keeps defaults too.
	thin := ComputeRiskMetrics(nil, nil, nil, PerformanceHistory{WinRate: 0.9, AvgWinLoss: 3, SampleSize: 3})
	if thin.WinRate != defaultWinRate {
		t.Errorf("thin history should keep default win rate, got %v", thin.WinRate)
	}
}

func TestComputeRiskMetricsExposureAndDrawdown(t *testing.T) {
	account := &exchange.AccountInfo{TotalWallet: 9000, Available: 5000}
	positions := []exchange.Position{
		{Symbol: "BTCUSDT", Size: 0.05, MarkPrice: 50000}, // 2500 notional
		{Symbol: "ETHUSDT", Size: -0.5, MarkPrice: 3000},  // 1500 notional
	}
	m := ComputeRiskMetrics(account, positions, nil, PerformanceHistory{PeakBalance: 10000})

	if want := 4000.0 / 9000.0; math.Abs(m.PortfolioExposure-want) > 1e-9 {
		t.Errorf("exposure = %v, want %v", m.PortfolioExposure, want)
	}
	if want := 0.1; math.Abs(m.CurrentDrawdown-want) > 1e-9 {
		t.Errorf("drawdown = %v, want %v", m.CurrentDrawdown, want)
	}
}

func TestATR(t *testing.T) {
	klines := make([]exchange.Kline, 20)
	for i := range klines {
		klines[i] = exchange.Kline{Open: 100, High: 102, Low: 98, Close: 100}
	}
	// Constant 4-point true range.
	if got := ATR(klines, 14); math.Abs(got-4) > 1e-9 {
		t.Errorf("ATR = %v, want 4", got)
	}
	if got := ATR(klines[:5], 14); got != 0 {
		t.Errorf("ATR with short series = %v, want 0", got)
	}
}
