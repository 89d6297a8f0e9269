package llm

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Advice is the normalized trading recommendation extracted from model
// output. Action is always one of BUY, SELL or HOLD.
type Advice struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	EntryPrice float64 `json:"entry_price,omitempty"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

var (
	fenceRe      = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")
	actionRe     = regexp.MustCompile(`(?i)\b(BUY|SELL|HOLD|LONG|SHORT|CLOSE)\b`)
	confidenceRe = regexp.MustCompile(`(?i)confidence[^0-9]{0,12}([0-9]+(?:\.[0-9]+)?)\s*(%)?`)
	entryRe      = regexp.MustCompile(`(?i)entry[^0-9]{0,16}([0-9]+(?:\.[0-9]+)?)`)
	stopRe       = regexp.MustCompile(`(?i)stop[ _-]?loss[^0-9]{0,16}([0-9]+(?:\.[0-9]+)?)`)
	targetRe     = regexp.MustCompile(`(?i)(?:take[ _-]?profit|target)[^0-9]{0,16}([0-9]+(?:\.[0-9]+)?)`)
	sizeRe       = regexp.MustCompile(`(?i)size[^0-9]{0,16}([0-9]+(?:\.[0-9]+)?)\s*(%)?`)
)

// ParseAdvice extracts a trading recommendation from raw model text. The
// parser is deliberately forgiving: markdown fences, percent-style
// confidences and prose all degrade gracefully, and completely unparseable
// output becomes a HOLD at zero confidence instead of an error.
func ParseAdvice(raw string) *Advice {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return &Advice{Action: "HOLD"}
	}

	// Prefer fenced JSON blocks, then the raw text as JSON, then prose.
	if m := fenceRe.FindStringSubmatch(raw); m != nil {
		if adv := parseJSONAdvice(m[1]); adv != nil {
			return adv
		}
	}
	if adv := parseJSONAdvice(raw); adv != nil {
		return adv
	}
	return parseProseAdvice(raw)
}

// looseAdvice tolerates the field spellings and types models actually emit.
type looseAdvice struct {
	Action         json.RawMessage `json:"action"`
	Recommendation json.RawMessage `json:"recommendation"`
	Signal         json.RawMessage `json:"signal"`
	Confidence     json.RawMessage `json:"confidence"`
	EntryPrice     json.RawMessage `json:"entry_price"`
	Entry          json.RawMessage `json:"entry"`
	StopLoss       json.RawMessage `json:"stop_loss"`
	TakeProfit     json.RawMessage `json:"take_profit"`
	Target         json.RawMessage `json:"target"`
	Reasoning      string          `json:"reasoning"`
	Analysis       string          `json:"analysis"`
}

func parseJSONAdvice(s string) *Advice {
	var loose looseAdvice
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &loose); err != nil {
		return nil
	}

	adv := &Advice{Reasoning: loose.Reasoning}
	if adv.Reasoning == "" {
		adv.Reasoning = loose.Analysis
	}

	action := rawString(loose.Action)
	if action == "" {
		action = rawString(loose.Recommendation)
	}
	if action == "" {
		action = rawString(loose.Signal)
	}
	adv.Action = normalizeAction(action)
	if adv.Action == "" {
		return nil
	}

	adv.Confidence = normalizeConfidence(rawNumberOrString(loose.Confidence))
	adv.EntryPrice = firstNonZero(rawFloat(loose.EntryPrice), rawFloat(loose.Entry))
	adv.StopLoss = rawFloat(loose.StopLoss)
	adv.TakeProfit = firstNonZero(rawFloat(loose.TakeProfit), rawFloat(loose.Target))
	return adv
}

func parseProseAdvice(raw string) *Advice {
	adv := &Advice{Action: "HOLD"}

	if m := actionRe.FindString(raw); m != "" {
		adv.Action = normalizeAction(m)
	}
	if m := confidenceRe.FindStringSubmatch(raw); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		if m[2] == "%" || v > 1 {
			v /= 100
		}
		adv.Confidence = clampConfidence(v)
	}
	if m := entryRe.FindStringSubmatch(raw); m != nil {
		adv.EntryPrice, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := stopRe.FindStringSubmatch(raw); m != nil {
		adv.StopLoss, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := targetRe.FindStringSubmatch(raw); m != nil {
		adv.TakeProfit, _ = strconv.ParseFloat(m[1], 64)
	}

	// An action buried in prose without any stated confidence is not a
	// tradeable signal.
	if adv.Action == "HOLD" {
		adv.Confidence = 0
	}
	return adv
}

func normalizeAction(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return "BUY"
	case "SELL", "SHORT", "CLOSE":
		return "SELL"
	case "HOLD", "WAIT", "NEUTRAL":
		return "HOLD"
	}
	return ""
}

// normalizeConfidence accepts 0.75, 75, or "75%" and returns [0, 1].
func normalizeConfidence(s string) float64 {
	s = strings.TrimSpace(s)
	pct := strings.HasSuffix(s, "%")
	s = strings.TrimSuffix(s, "%")
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	if pct || v > 1 {
		v /= 100
	}
	return clampConfidence(v)
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// rawString unquotes a JSON string value, tolerating bare tokens.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

// rawNumberOrString returns the textual form of a JSON number or string.
func rawNumberOrString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func rawFloat(raw json.RawMessage) float64 {
	s := rawNumberOrString(raw)
	if s == "" {
		return 0
	}
	v, _ := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(s), "%"), 64)
	return v
}

func firstNonZero(a, b float64) float64 {
	if a != 0 {
		return a
	}
	return b
}
