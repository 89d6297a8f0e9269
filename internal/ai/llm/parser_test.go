package llm

import (
	"math"
	"testing"
	"time"

	"tradebot-platform/config"
)

func TestParseAdviceCleanJSON(t *testing.T) {
	raw := `{"action": "BUY", "confidence": 0.82, "entry_price": 50100, "stop_loss": 49000, "take_profit": 52500, "reasoning": "higher lows on 1h and 4h"}`
	adv := ParseAdvice(raw)

	if adv.Action != "BUY" {
		t.Errorf("action = %s, want BUY", adv.Action)
	}
	if adv.Confidence != 0.82 {
		t.Errorf("confidence = %v, want 0.82", adv.Confidence)
	}
	if adv.EntryPrice != 50100 || adv.StopLoss != 49000 || adv.TakeProfit != 52500 {
		t.Errorf("prices = %v/%v/%v", adv.EntryPrice, adv.StopLoss, adv.TakeProfit)
	}
}

func TestParseAdviceMarkdownFence(t *testing.T) {
	raw := "Here is my analysis:\n```json\n{\"action\": \"SELL\", \"confidence\": 0.6}\n```\nGood luck."
	adv := ParseAdvice(raw)
	if adv.Action != "SELL" || adv.Confidence != 0.6 {
		t.Errorf("got %+v, want SELL@0.6", adv)
	}
}

func TestParseAdvicePercentConfidence(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
	}{
		{`{"action": "BUY", "confidence": "75%"}`, 0.75},
		{`{"action": "BUY", "confidence": 75}`, 0.75},
		{`{"action": "BUY", "confidence": 0.75}`, 0.75},
	}
	for _, tt := range tests {
		adv := ParseAdvice(tt.raw)
		if math.Abs(adv.Confidence-tt.want) > 1e-9 {
			t.Errorf("ParseAdvice(%s).Confidence = %v, want %v", tt.raw, adv.Confidence, tt.want)
		}
	}
}

func TestParseAdviceCloseMapsToSell(t *testing.T) {
	adv := ParseAdvice(`{"action": "CLOSE", "confidence": 0.9}`)
	if adv.Action != "SELL" {
		t.Errorf("CLOSE should normalize to SELL, got %s", adv.Action)
	}
}

func TestParseAdviceProse(t *testing.T) {
	raw := "I would BUY here. Confidence: 70%. Entry around 50200, stop loss at 49100, take profit near 53000."
	adv := ParseAdvice(raw)

	if adv.Action != "BUY" {
		t.Errorf("action = %s, want BUY", adv.Action)
	}
	if math.Abs(adv.Confidence-0.7) > 1e-9 {
		t.Errorf("confidence = %v, want 0.7", adv.Confidence)
	}
	if adv.EntryPrice != 50200 || adv.StopLoss != 49100 || adv.TakeProfit != 53000 {
		t.Errorf("prices = %v/%v/%v", adv.EntryPrice, adv.StopLoss, adv.TakeProfit)
	}
}

func TestParseAdviceGarbage(t *testing.T) {
	for _, raw := range []string{"", "lorem ipsum dolor", "{broken json", "42"} {
		adv := ParseAdvice(raw)
		if adv.Action != "HOLD" || adv.Confidence != 0 {
			t.Errorf("ParseAdvice(%q) = %s@%v, want HOLD@0", raw, adv.Action, adv.Confidence)
		}
	}
}

func TestParseCapitalAdvice(t *testing.T) {
	got, err := parseCapitalAdvice(`{"position_size_pct": 0.035, "reasoning": "moderate volatility"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0.035 {
		t.Errorf("got %v, want 0.035", got)
	}

	got, err = parseCapitalAdvice("I recommend a position size of 3%.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(got-0.03) > 1e-9 {
		t.Errorf("prose size = %v, want 0.03", got)
	}

	if _, err := parseCapitalAdvice("no numbers here"); err == nil {
		t.Error("expected error for unparseable advice")
	}
}

func TestCacheKeyMinuteBucket(t *testing.T) {
	a := NewAnalyzer(nil, nil, config.LLMConfig{})
	base := time.Date(2025, 6, 1, 12, 30, 5, 0, time.UTC)
	data := []TimeframeData{{Timeframe: "1h"}, {Timeframe: "15m"}}
	reordered := []TimeframeData{{Timeframe: "15m"}, {Timeframe: "1h"}}

	a.now = func() time.Time { return base }
	k1 := a.cacheKey("BTCUSDT", data)

	// Same minute, different seconds and timeframe order: same key.
	a.now = func() time.Time { return base.Add(40 * time.Second) }
	if k2 := a.cacheKey("BTCUSDT", reordered); k2 != k1 {
		t.Errorf("keys differ within one minute: %s vs %s", k1, k2)
	}

	// Next minute rolls the key.
	a.now = func() time.Time { return base.Add(time.Minute) }
	if k3 := a.cacheKey("BTCUSDT", data); k3 == k1 {
		t.Error("key must change across minute buckets")
	}

	// Different symbols never share a key.
	a.now = func() time.Time { return base }
	if k4 := a.cacheKey("ETHUSDT", data); k4 == k1 {
		t.Error("key must depend on symbol")
	}
}
