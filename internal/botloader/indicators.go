package botloader

import (
	"math"

	"tradebot-platform/internal/exchange"
)

// ==================== MOVING AVERAGES ====================

// SMA calculates the simple moving average of closes.
func SMA(klines []exchange.Kline, period int) float64 {
	if period <= 0 || len(klines) < period {
		return 0
	}
	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		sum += klines[i].Close
	}
	return sum / float64(period)
}

// EMA calculates the exponential moving average of closes, seeded with the
// SMA of the first period.
func EMA(klines []exchange.Kline, period int) float64 {
	if period <= 0 || len(klines) < period {
		return 0
	}
	ema := SMA(klines[:period], period)
	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(klines); i++ {
		ema = klines[i].Close*multiplier + ema*(1-multiplier)
	}
	return ema
}

// ==================== OSCILLATORS ====================

// RSI calculates the relative strength index. Returns the neutral 50 when
// there is not enough history.
func RSI(klines []exchange.Kline, period int) float64 {
	if period <= 0 || len(klines) < period+1 {
		return 50.0
	}

	gains, losses := 0.0, 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		change := klines[i].Close - klines[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACDResult holds the MACD line, signal line and histogram.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD calculates the MACD line and a signal EMA over the MACD series.
func MACD(klines []exchange.Kline, fastPeriod, slowPeriod, signalPeriod int) *MACDResult {
	if len(klines) < slowPeriod+signalPeriod {
		return &MACDResult{}
	}

	// Build the MACD series over the window the signal EMA needs.
	series := make([]float64, 0, signalPeriod+1)
	for i := len(klines) - signalPeriod; i <= len(klines); i++ {
		window := klines[:i]
		if len(window) < slowPeriod {
			continue
		}
		series = append(series, EMA(window, fastPeriod)-EMA(window, slowPeriod))
	}
	if len(series) == 0 {
		return &MACDResult{}
	}

	macdLine := series[len(series)-1]
	signal := series[0]
	multiplier := 2.0 / float64(signalPeriod+1)
	for _, v := range series[1:] {
		signal = v*multiplier + signal*(1-multiplier)
	}

	return &MACDResult{
		MACD:      macdLine,
		Signal:    signal,
		Histogram: macdLine - signal,
	}
}

// ==================== VOLATILITY ====================

// ATR calculates the average true range.
func ATR(klines []exchange.Kline, period int) float64 {
	if period <= 0 || len(klines) < period+1 {
		return 0
	}
	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		high, low, prevClose := klines[i].High, klines[i].Low, klines[i-1].Close
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		sum += tr
	}
	return sum / float64(period)
}
