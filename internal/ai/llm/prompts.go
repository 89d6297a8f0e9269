package llm

import (
	"fmt"
	"strings"
	"time"
)

const analysisSystemPrompt = `You are a quantitative crypto trading analyst. You are given OHLCV candles
for one symbol across several timeframes. Respond with a single JSON object
and nothing else:

{
  "action": "BUY" | "SELL" | "HOLD",
  "confidence": 0.0-1.0,
  "entry_price": number or null,
  "stop_loss": number or null,
  "take_profit": number or null,
  "reasoning": "one or two sentences"
}

Rules:
- HOLD when the timeframes disagree or the structure is unclear.
- stop_loss and take_profit must make sense for the action's direction.
- Never invent prices outside the recent range.`

const capitalSystemPrompt = `You are a risk manager sizing a crypto position. Given the market context
and the allowed range, respond with a single JSON object and nothing else:

{"position_size_pct": number, "reasoning": "one sentence"}

position_size_pct is a fraction of account balance and must stay within the
given range. Prefer the low end in volatile or drawn-down conditions.`

// candlesPerTimeframe bounds how much history goes into the prompt; wider
// timeframes need fewer candles to cover the same horizon.
var candlesPerTimeframe = map[string]int{
	"1m":  60,
	"5m":  60,
	"15m": 60,
	"1h":  24,
	"4h":  12,
	"12h": 12,
	"1d":  7,
}

func promptCandleCount(timeframe string) int {
	if n, ok := candlesPerTimeframe[timeframe]; ok {
		return n
	}
	return 24
}

// buildAnalysisPrompt renders the per-timeframe candles into the user
// prompt, newest last.
func buildAnalysisPrompt(symbol string, data []TimeframeData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s\nTime: %s\n", symbol, time.Now().UTC().Format(time.RFC3339))

	for _, tf := range data {
		klines := tf.Klines
		if max := promptCandleCount(tf.Timeframe); len(klines) > max {
			klines = klines[len(klines)-max:]
		}
		fmt.Fprintf(&b, "\n=== %s (%d candles, oldest first) ===\n", tf.Timeframe, len(klines))
		b.WriteString("time,open,high,low,close,volume\n")
		for _, k := range klines {
			fmt.Fprintf(&b, "%s,%s,%s,%s,%s,%s\n",
				time.UnixMilli(k.OpenTime).UTC().Format("2006-01-02T15:04"),
				trimFloat(k.Open), trimFloat(k.High), trimFloat(k.Low),
				trimFloat(k.Close), trimFloat(k.Volume))
		}
	}

	b.WriteString("\nAnalyze the structure across timeframes and respond with the JSON object.")
	return b.String()
}

func buildCapitalPrompt(marketContext string, basePct, maxPct float64) string {
	return fmt.Sprintf(
		"Market context: %s\nBaseline size: %.4f\nAllowed range: 0 to %.4f\nRespond with the JSON object.",
		marketContext, basePct, maxPct)
}

func trimFloat(v float64) string {
	s := fmt.Sprintf("%.8f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
