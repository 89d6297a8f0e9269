package capital

import (
	"math"
	"sort"

	"tradebot-platform/internal/exchange"
)

const atrPeriod = 14

// Conservative fallbacks applied when the trade history is too thin to
// estimate from.
const (
	defaultVolatility = 0.05
	defaultWinRate    = 0.5
	defaultAvgWinLoss = 1.0
	minSampleSize     = 10
)

// ATR computes the average true range over the last period candles.
func ATR(klines []exchange.Kline, period int) float64 {
	if len(klines) < period+1 {
		return 0
	}
	var sum float64
	start := len(klines) - period
	for i := start; i < len(klines); i++ {
		high, low, prevClose := klines[i].High, klines[i].Low, klines[i-1].Close
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		sum += tr
	}
	return sum / float64(period)
}

// closeReturns converts candles to simple period-over-period returns.
func closeReturns(klines []exchange.Kline) []float64 {
	if len(klines) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(klines)-1)
	for i := 1; i < len(klines); i++ {
		if klines[i-1].Close <= 0 {
			continue
		}
		returns = append(returns, klines[i].Close/klines[i-1].Close-1)
	}
	return returns
}

// Volatility is the standard deviation of close-to-close returns. Falls back
// to the conservative default when there are too few candles.
func Volatility(klines []exchange.Kline) float64 {
	returns := closeReturns(klines)
	if len(returns) < 5 {
		return defaultVolatility
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance)
}

// VaR95 is the 5th-percentile loss of the return distribution, as a positive
// fraction.
func VaR95(klines []exchange.Kline) float64 {
	returns := closeReturns(klines)
	if len(returns) < 20 {
		return 0
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)) * 0.05)
	return math.Max(0, -sorted[idx])
}

// SharpeRatio estimates a sharpe from the return series, annualization left
// to the caller's timeframe. Zero when the series is too short or flat.
func SharpeRatio(klines []exchange.Kline) float64 {
	returns := closeReturns(klines)
	if len(returns) < 5 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return mean / std
}

// PerformanceHistory is a bot's realized trading record, as persisted by the
// reconciler. SampleSize below minSampleSize means the record is too thin
// and defaults apply.
type PerformanceHistory struct {
	WinRate     float64
	AvgWinLoss  float64
	SampleSize  int
	PeakBalance float64
}

// ComputeRiskMetrics assembles the risk snapshot from an account, the open
// positions and recent candles. Missing history degrades to conservative
// defaults rather than failing.
func ComputeRiskMetrics(account *exchange.AccountInfo, positions []exchange.Position, klines []exchange.Kline, history PerformanceHistory) RiskMetrics {
	m := RiskMetrics{
		Volatility:      Volatility(klines),
		VaR95:           VaR95(klines),
		SharpeRatio:     SharpeRatio(klines),
		WinRate:         defaultWinRate,
		AvgWinLossRatio: defaultAvgWinLoss,
	}

	if account != nil {
		m.AccountBalance = account.TotalWallet
		m.AvailableBalance = account.Available
		if account.TotalWallet > 0 {
			var exposure float64
			for _, p := range positions {
				exposure += math.Abs(p.Size) * p.MarkPrice
			}
			m.PortfolioExposure = exposure / account.TotalWallet
		}
		if history.PeakBalance > account.TotalWallet && history.PeakBalance > 0 {
			m.CurrentDrawdown = (history.PeakBalance - account.TotalWallet) / history.PeakBalance
		}
	}
	m.MaxDrawdown = m.CurrentDrawdown

	if history.SampleSize >= minSampleSize {
		if history.WinRate > 0 {
			m.WinRate = history.WinRate
		}
		if history.AvgWinLoss > 0 {
			m.AvgWinLossRatio = history.AvgWinLoss
		}
	}
	return m
}
