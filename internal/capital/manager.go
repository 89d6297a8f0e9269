package capital

import (
	"context"
	"fmt"
	"math"
	"strings"

	"tradebot-platform/config"
	"tradebot-platform/internal/exchange"
	"tradebot-platform/internal/logging"
)

// Risk levels for a size recommendation.
const (
	RiskLow    = "LOW"
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"
)

// RiskMetrics is the risk snapshot feeding the sizing methods.
type RiskMetrics struct {
	AccountBalance    float64 `json:"account_balance"`
	AvailableBalance  float64 `json:"available_balance"`
	CurrentDrawdown   float64 `json:"current_drawdown"`
	MaxDrawdown       float64 `json:"max_drawdown"`
	PortfolioExposure float64 `json:"portfolio_exposure"`
	Volatility        float64 `json:"volatility"`
	VaR95             float64 `json:"var_95"`
	SharpeRatio       float64 `json:"sharpe_ratio"`
	WinRate           float64 `json:"win_rate"`
	AvgWinLossRatio   float64 `json:"avg_win_loss_ratio"`
}

// MarketData carries the candles and price the ATR and volatility methods
// work from.
type MarketData struct {
	Symbol string
	Klines []exchange.Kline
	Price  float64
}

// SizeRecommendation is the output of RecommendSize: a fraction of account
// balance plus the adjustments that produced it.
type SizeRecommendation struct {
	RecommendedSizePct   float64 `json:"recommended_size_pct"`
	MaxSizePct           float64 `json:"max_size_pct"`
	RiskLevel            string  `json:"risk_level"`
	SizingMethod         string  `json:"sizing_method"`
	ConfidenceAdjustment float64 `json:"confidence_adjustment"`
	VolatilityAdjustment float64 `json:"volatility_adjustment"`
	DrawdownAdjustment   float64 `json:"drawdown_adjustment"`
	Reasoning            string  `json:"reasoning"`
}

// CapitalAdvisor is the LLM hook for the hybrid method. A nil advisor
// silently disables it.
type CapitalAdvisor interface {
	CapitalAdvice(ctx context.Context, marketContext string, basePct, maxPct float64) (float64, error)
}

// Manager aggregates the sizing methods under the configured safety
// constraints.
type Manager struct {
	cfg    config.CapitalConfig
	method string // non-empty pins sizing to one named method
	logger *logging.Logger
}

// NewManager creates a capital manager.
func NewManager(cfg config.CapitalConfig) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logging.Default().WithComponent("capital"),
	}
}

// WithOverrides derives a manager carrying a subscription's execution
// config. Zero fields keep the platform defaults; the override max never
// exceeds the platform max, and method pins sizing to one named method
// instead of the weighted aggregate.
func (m *Manager) WithOverrides(basePct, maxPct float64, method string) *Manager {
	derived := *m
	if basePct > 0 {
		derived.cfg.BasePositionSizePct = basePct
	}
	if maxPct > 0 && maxPct < derived.cfg.MaxPositionSizePct {
		derived.cfg.MaxPositionSizePct = maxPct
	}
	if method != "" {
		derived.method = strings.ToLower(method)
	}
	return &derived
}

// RecommendSize computes the position size for a signal. Each sizing method
// runs independently; a failing method is recorded as unavailable and the
// rest aggregate. llm may be nil.
func (m *Manager) RecommendSize(ctx context.Context, confidence float64, metrics RiskMetrics, market MarketData, llm CapitalAdvisor) SizeRecommendation {
	confidence = clamp(confidence, 0, 1)

	type methodResult struct {
		name   string
		size   float64
		weight float64
	}
	var results []methodResult

	run := func(name string, weight float64, fn func() (float64, error)) {
		if m.method != "" && name != m.method {
			return
		}
		size, err := fn()
		if err != nil {
			m.logger.Warn("sizing method unavailable", "method", name, err)
			return
		}
		results = append(results, methodResult{name: name, size: size, weight: weight})
	}

	// Market-condition skew: volatile markets lean on the volatility-aware
	// methods, drawdowns lean on the conservative fixed method.
	fixedWeight, volWeight, atrWeight, kellyWeight, confWeight := 1.0, 1.0, 1.0, 1.0, 1.0
	if metrics.Volatility > m.cfg.VolHighThreshold {
		volWeight, atrWeight = 2.0, 2.0
	}
	if metrics.CurrentDrawdown > 0.05 {
		fixedWeight = 2.0
	}

	run("fixed", fixedWeight, func() (float64, error) { return m.fixedSize(confidence), nil })
	run("kelly", kellyWeight, func() (float64, error) { return m.kellySize(confidence, metrics), nil })
	run("volatility", volWeight, func() (float64, error) { return m.volatilitySize(confidence, metrics), nil })
	run("atr", atrWeight, func() (float64, error) { return m.atrSize(confidence, market) })
	run("confidence", confWeight, func() (float64, error) { return m.confidenceSize(confidence, metrics), nil })
	if llm != nil {
		run("llm_hybrid", 1.0, func() (float64, error) {
			return m.llmHybridSize(ctx, confidence, metrics, market, llm)
		})
	}

	if len(results) == 0 {
		return SizeRecommendation{
			RiskLevel:    RiskLow,
			SizingMethod: "none",
			MaxSizePct:   m.cfg.MaxPositionSizePct,
			Reasoning:    "no sizing method available",
		}
	}

	var weightedSum, weightTotal float64
	var names []string
	for _, r := range results {
		weightedSum += r.size * r.weight
		weightTotal += r.weight
		names = append(names, fmt.Sprintf("%s=%.4f", r.name, r.size))
	}
	aggregated := weightedSum / weightTotal

	sizingMethod := "weighted_aggregate"
	if len(results) == 1 && m.method != "" {
		sizingMethod = m.method
	}
	rec := SizeRecommendation{
		MaxSizePct:           m.cfg.MaxPositionSizePct,
		SizingMethod:         sizingMethod,
		ConfidenceAdjustment: confidence,
		VolatilityAdjustment: m.volatilityMultiplier(metrics.Volatility),
	}

	// Safety constraints, in order. Each may only shrink the size.
	size := aggregated
	var notes []string

	if size > m.cfg.MaxPositionSizePct {
		size = m.cfg.MaxPositionSizePct
		notes = append(notes, "capped at max position size")
	}
	if metrics.PortfolioExposure+size > m.cfg.MaxPortfolioExposure {
		size = math.Max(0, m.cfg.MaxPortfolioExposure-metrics.PortfolioExposure)
		notes = append(notes, "reduced for portfolio exposure limit")
	}
	if metrics.CurrentDrawdown > 0.10 {
		mult := math.Max(0.2, 1-2*metrics.CurrentDrawdown)
		size *= mult
		rec.DrawdownAdjustment = mult
		notes = append(notes, fmt.Sprintf("drawdown multiplier %.2f", mult))
	}
	if size < 0.001 {
		size = 0
		notes = append(notes, "below minimum size, no position")
	}

	rec.RecommendedSizePct = size
	rec.RiskLevel = m.riskLevel(size)
	rec.Reasoning = fmt.Sprintf("methods: %s; aggregate %.4f", strings.Join(names, ", "), aggregated)
	if len(notes) > 0 {
		rec.Reasoning += "; " + strings.Join(notes, "; ")
	}
	return rec
}

// ==================== SIZING METHODS ====================

// fixedSize scales the base size linearly with confidence:
// base * (0.5 + 1.5 * confidence).
func (m *Manager) fixedSize(confidence float64) float64 {
	return m.cfg.BasePositionSizePct * (0.5 + 1.5*confidence)
}

// kellySize applies the Kelly criterion damped by the configured multiplier:
// f = (b*p - q)/b with b = max(avg_win_loss, 1), p floored at min_win_rate.
func (m *Manager) kellySize(confidence float64, metrics RiskMetrics) float64 {
	b := math.Max(metrics.AvgWinLossRatio, 1)
	p := math.Max(metrics.WinRate, m.cfg.MinWinRate)
	q := 1 - p
	f := (b*p - q) / b
	return math.Max(0, f*m.cfg.KellyMultiplier*confidence)
}

// volatilityMultiplier is 1.5 below vol_low, 0.5 above vol_high and linear
// in between.
func (m *Manager) volatilityMultiplier(vol float64) float64 {
	switch {
	case vol <= m.cfg.VolLowThreshold:
		return 1.5
	case vol >= m.cfg.VolHighThreshold:
		return 0.5
	default:
		frac := (vol - m.cfg.VolLowThreshold) / (m.cfg.VolHighThreshold - m.cfg.VolLowThreshold)
		return 1.5 - frac
	}
}

func (m *Manager) volatilitySize(confidence float64, metrics RiskMetrics) float64 {
	return m.cfg.BasePositionSizePct * m.volatilityMultiplier(metrics.Volatility) * confidence
}

// atrSize risks 1% of balance over the ATR-relative stop distance.
func (m *Manager) atrSize(confidence float64, market MarketData) (float64, error) {
	if len(market.Klines) < atrPeriod+1 || market.Price <= 0 {
		return 0, fmt.Errorf("insufficient market data for atr sizing")
	}
	atr := ATR(market.Klines, atrPeriod)
	if atr <= 0 {
		return 0, fmt.Errorf("zero atr")
	}
	riskFraction := 0.01
	return riskFraction / (atr / market.Price) * confidence, nil
}

// confidenceSize is base * confidence^0.8 with drawdown and sharpe damping.
func (m *Manager) confidenceSize(confidence float64, metrics RiskMetrics) float64 {
	drawdownMult := 1.0
	if metrics.CurrentDrawdown > 0.05 {
		drawdownMult = math.Max(0.3, 1-metrics.CurrentDrawdown*2)
	}
	sharpeMult := 1.0
	if metrics.SharpeRatio > 1 {
		sharpeMult = math.Min(1.3, 1+metrics.SharpeRatio*0.1)
	} else if metrics.SharpeRatio < 0 {
		sharpeMult = 0.7
	}
	return m.cfg.BasePositionSizePct * math.Pow(confidence, 0.8) * drawdownMult * sharpeMult
}

// llmHybridSize blends the LLM's recommended percent with the confidence
// method: llm_weight * llm + (1 - llm_weight) * confidence_method.
func (m *Manager) llmHybridSize(ctx context.Context, confidence float64, metrics RiskMetrics, market MarketData, llm CapitalAdvisor) (float64, error) {
	marketContext := fmt.Sprintf(
		"symbol=%s price=%.4f volatility=%.4f drawdown=%.4f exposure=%.4f win_rate=%.2f signal_confidence=%.2f",
		market.Symbol, market.Price, metrics.Volatility, metrics.CurrentDrawdown,
		metrics.PortfolioExposure, metrics.WinRate, confidence)

	llmPct, err := llm.CapitalAdvice(ctx, marketContext, m.cfg.BasePositionSizePct, m.cfg.MaxPositionSizePct)
	if err != nil {
		return 0, err
	}
	base := m.confidenceSize(confidence, metrics)
	return m.cfg.LLMWeight*llmPct + (1-m.cfg.LLMWeight)*base, nil
}

// riskLevel classifies the final size against the base size.
func (m *Manager) riskLevel(size float64) string {
	switch {
	case size <= 0.7*m.cfg.BasePositionSizePct:
		return RiskLow
	case size >= 1.5*m.cfg.BasePositionSizePct:
		return RiskHigh
	default:
		return RiskMedium
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
