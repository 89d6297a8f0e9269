package botloader

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"tradebot-platform/internal/exchange"
)

// RuleDocument is the declarative strategy format stored as a bot's code
// artifact. A document names one side (LONG or SHORT), an entry rule set and
// an optional exit rule set evaluated against indicator values.
type RuleDocument struct {
	Name          string   `json:"name"`
	Side          string   `json:"side"` // LONG or SHORT, default LONG
	Confidence    float64  `json:"confidence"`
	StopLossPct   float64  `json:"stop_loss_pct,omitempty"`
	TakeProfitPct float64  `json:"take_profit_pct,omitempty"`
	Entry         *RuleSet `json:"entry"`
	Exit          *RuleSet `json:"exit,omitempty"`
}

// RuleSet groups conditions: All must hold AND Any needs one match. An
// empty group is vacuously true.
type RuleSet struct {
	All []Condition `json:"all,omitempty"`
	Any []Condition `json:"any,omitempty"`
}

// Condition compares an indicator against a constant or another indicator.
//
//	{"indicator": "rsi", "period": 14, "op": "lt", "value": 30}
//	{"indicator": "ema", "period": 9, "op": "gt", "against": {"indicator": "ema", "period": 21}}
type Condition struct {
	Indicator string    `json:"indicator"`
	Period    int       `json:"period,omitempty"`
	Op        string    `json:"op"`
	Value     *float64  `json:"value,omitempty"`
	Against   *Operand  `json:"against,omitempty"`
}

// Operand is the right-hand side of an indicator comparison.
type Operand struct {
	Indicator string `json:"indicator"`
	Period    int    `json:"period,omitempty"`
}

var validOps = map[string]bool{
	"lt": true, "lte": true, "gt": true, "gte": true, "eq": true,
}

// ParseRuleDocument decodes and validates a rule document artifact.
func ParseRuleDocument(data []byte) (*RuleDocument, error) {
	var doc RuleDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("error parsing rule document: %w", err)
	}
	if doc.Name == "" {
		return nil, fmt.Errorf("rule document missing name")
	}
	if doc.Entry == nil || (len(doc.Entry.All) == 0 && len(doc.Entry.Any) == 0) {
		return nil, fmt.Errorf("rule document %s has no entry rules", doc.Name)
	}
	switch strings.ToUpper(doc.Side) {
	case "", "LONG":
		doc.Side = "LONG"
	case "SHORT":
		doc.Side = "SHORT"
	default:
		return nil, fmt.Errorf("rule document %s: invalid side %q", doc.Name, doc.Side)
	}
	if doc.Confidence <= 0 || doc.Confidence > 1 {
		return nil, fmt.Errorf("rule document %s: confidence %v out of (0, 1]", doc.Name, doc.Confidence)
	}

	sets := []*RuleSet{doc.Entry}
	if doc.Exit != nil {
		sets = append(sets, doc.Exit)
	}
	for _, set := range sets {
		for _, cond := range append(append([]Condition(nil), set.All...), set.Any...) {
			if err := validateCondition(cond); err != nil {
				return nil, fmt.Errorf("rule document %s: %w", doc.Name, err)
			}
		}
	}
	return &doc, nil
}

// ApplyOverrides merges a subscription's runtime config over the document's
// defaults. Recognized keys are confidence, stop_loss_pct and
// take_profit_pct; unknown keys are ignored so documents can grow without
// breaking older subscriptions.
func (d *RuleDocument) ApplyOverrides(overrides map[string]interface{}) error {
	for key, raw := range overrides {
		val, ok := toFloat(raw)
		if !ok {
			continue
		}
		switch key {
		case "confidence":
			if val <= 0 || val > 1 {
				return fmt.Errorf("override confidence %v out of (0, 1]", val)
			}
			d.Confidence = val
		case "stop_loss_pct":
			if val < 0 {
				return fmt.Errorf("override stop_loss_pct %v is negative", val)
			}
			d.StopLossPct = val
		case "take_profit_pct":
			if val < 0 {
				return fmt.Errorf("override take_profit_pct %v is negative", val)
			}
			d.TakeProfitPct = val
		}
	}
	return nil
}

// toFloat coerces the numeric shapes JSON decoding produces.
func toFloat(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func validateCondition(c Condition) error {
	if !validOps[c.Op] {
		return fmt.Errorf("invalid op %q", c.Op)
	}
	if c.Value == nil && c.Against == nil {
		return fmt.Errorf("condition on %s has neither value nor against", c.Indicator)
	}
	switch strings.ToLower(c.Indicator) {
	case "rsi", "ema", "sma", "atr", "macd_histogram", "macd", "price":
		return nil
	}
	return fmt.Errorf("unknown indicator %q", c.Indicator)
}

// ruleStrategy evaluates a RuleDocument against market snapshots.
type ruleStrategy struct {
	doc *RuleDocument
}

// NewRuleStrategy wraps a parsed document as an executable strategy.
func NewRuleStrategy(doc *RuleDocument) Strategy {
	return &ruleStrategy{doc: doc}
}

func (s *ruleStrategy) Name() string { return s.doc.Name }

// ExecuteFullCycle evaluates exit rules first (flat signals beat entries),
// then entry rules, and otherwise holds.
func (s *ruleStrategy) ExecuteFullCycle(ctx context.Context, timeframe string, snapshot *MarketSnapshot) (*Action, error) {
	klines := snapshot.Candles[timeframe]
	if len(klines) == 0 {
		return nil, fmt.Errorf("no candles for timeframe %s", timeframe)
	}

	entrySide, exitSide := ActionBuy, ActionSell
	if s.doc.Side == "SHORT" {
		entrySide, exitSide = ActionSell, ActionBuy
	}

	if s.doc.Exit != nil && s.evalSet(s.doc.Exit, klines, snapshot.Price) {
		return &Action{
			Kind:   exitSide,
			Value:  s.doc.Confidence,
			Reason: fmt.Sprintf("%s exit rules matched on %s", s.doc.Name, timeframe),
		}, nil
	}

	if s.evalSet(s.doc.Entry, klines, snapshot.Price) {
		return &Action{
			Kind:           entrySide,
			Value:          s.doc.Confidence,
			Reason:         fmt.Sprintf("%s entry rules matched on %s", s.doc.Name, timeframe),
			Recommendation: s.recommendation(entrySide, snapshot.Price),
		}, nil
	}

	return &Action{Kind: ActionHold, Reason: "no rules matched"}, nil
}

// recommendation derives SL/TP levels from the document's percent offsets.
func (s *ruleStrategy) recommendation(side string, price float64) *Recommendation {
	if price <= 0 || (s.doc.StopLossPct == 0 && s.doc.TakeProfitPct == 0) {
		return nil
	}
	rec := &Recommendation{EntryPrice: price}
	if side == ActionBuy {
		if s.doc.StopLossPct > 0 {
			rec.StopLoss = price * (1 - s.doc.StopLossPct)
		}
		if s.doc.TakeProfitPct > 0 {
			rec.TakeProfit = price * (1 + s.doc.TakeProfitPct)
		}
	} else {
		if s.doc.StopLossPct > 0 {
			rec.StopLoss = price * (1 + s.doc.StopLossPct)
		}
		if s.doc.TakeProfitPct > 0 {
			rec.TakeProfit = price * (1 - s.doc.TakeProfitPct)
		}
	}
	return rec
}

func (s *ruleStrategy) evalSet(set *RuleSet, klines []exchange.Kline, price float64) bool {
	for _, cond := range set.All {
		if !evalCondition(cond, klines, price) {
			return false
		}
	}
	if len(set.Any) == 0 {
		return true
	}
	for _, cond := range set.Any {
		if evalCondition(cond, klines, price) {
			return true
		}
	}
	return false
}

func evalCondition(c Condition, klines []exchange.Kline, price float64) bool {
	left := indicatorValue(c.Indicator, c.Period, klines, price)

	var right float64
	switch {
	case c.Value != nil:
		right = *c.Value
	case c.Against != nil:
		right = indicatorValue(c.Against.Indicator, c.Against.Period, klines, price)
	default:
		return false
	}

	switch c.Op {
	case "lt":
		return left < right
	case "lte":
		return left <= right
	case "gt":
		return left > right
	case "gte":
		return left >= right
	case "eq":
		return left == right
	}
	return false
}

func indicatorValue(name string, period int, klines []exchange.Kline, price float64) float64 {
	switch strings.ToLower(name) {
	case "rsi":
		return RSI(klines, defaultPeriod(period, 14))
	case "ema":
		return EMA(klines, defaultPeriod(period, 20))
	case "sma":
		return SMA(klines, defaultPeriod(period, 20))
	case "atr":
		return ATR(klines, defaultPeriod(period, 14))
	case "macd":
		return MACD(klines, 12, 26, 9).MACD
	case "macd_histogram":
		return MACD(klines, 12, 26, 9).Histogram
	case "price":
		if price > 0 {
			return price
		}
		return klines[len(klines)-1].Close
	}
	return 0
}

func defaultPeriod(period, fallback int) int {
	if period > 0 {
		return period
	}
	return fallback
}
