// Package notification fans platform events out to Telegram and Discord.
// Delivery is fire-and-forget: a failed sink is logged, never propagated
// into the trading path.
package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"tradebot-platform/config"
	"tradebot-platform/internal/logging"
)

// Event types.
type EventType string

const (
	EventTradeOpen    EventType = "trade_open"
	EventTradeClose   EventType = "trade_close"
	EventExecError    EventType = "execution_error"
	EventTrialExpired EventType = "trial_expired"
)

// Event is one platform occurrence worth telling the user about.
type Event struct {
	Type       EventType
	Title      string
	Message    string
	Symbol     string
	Price      float64
	PnL        float64
	PnLPercent float64
	Timestamp  time.Time
}

// Sink delivers events to one channel.
type Sink interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, event *Event) error
}

// Manager fans events out to all configured sinks.
type Manager struct {
	sinks   []Sink
	enabled bool
	logger  *logging.Logger
}

// NewManager builds a manager with the configured sinks.
func NewManager(cfg config.NotificationConfig) *Manager {
	m := &Manager{
		enabled: cfg.Enabled,
		logger:  logging.Default().WithComponent("notification"),
	}
	m.sinks = append(m.sinks, newTelegramSink(cfg.Telegram), newDiscordSink(cfg.Discord))
	return m
}

// Notify delivers an event to every enabled sink. Failures are logged and
// swallowed.
func (m *Manager) Notify(ctx context.Context, event *Event) {
	if m == nil || !m.enabled {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, sink := range m.sinks {
		if !sink.Enabled() {
			continue
		}
		if err := sink.Send(ctx, event); err != nil {
			m.logger.Warn("notification delivery failed", "sink", sink.Name(), "type", event.Type, err)
		}
	}
}

// TradeOpened announces a filled entry with its protective levels.
func (m *Manager) TradeOpened(ctx context.Context, symbol, side string, price, qty, stopLoss, takeProfit float64) {
	emoji := "🟢"
	if side == "SELL" {
		emoji = "🔴"
	}
	m.Notify(ctx, &Event{
		Type:   EventTradeOpen,
		Title:  fmt.Sprintf("%s Trade Opened: %s", emoji, symbol),
		Symbol: symbol,
		Price:  price,
		Message: fmt.Sprintf("%s %s @ %.4f\nQty: %.8f\nSL: %.4f | TP: %.4f",
			side, symbol, price, qty, stopLoss, takeProfit),
	})
}

// TradeClosed announces a reconciled close with its realized result.
func (m *Manager) TradeClosed(ctx context.Context, symbol string, entryPrice, exitPrice, pnl, pnlPercent float64, reason string) {
	emoji := "✅"
	if pnl < 0 {
		emoji = "❌"
	}
	m.Notify(ctx, &Event{
		Type:       EventTradeClose,
		Title:      fmt.Sprintf("%s Trade Closed: %s", emoji, symbol),
		Symbol:     symbol,
		Price:      exitPrice,
		PnL:        pnl,
		PnLPercent: pnlPercent,
		Message: fmt.Sprintf("Entry %.4f -> Exit %.4f\nP&L: %.4f (%.2f%%)\nReason: %s",
			entryPrice, exitPrice, pnl, pnlPercent, reason),
	})
}

// ExecutionError announces a subscription entering ERROR state.
func (m *Manager) ExecutionError(ctx context.Context, subscriptionID int64, symbol, detail string) {
	m.Notify(ctx, &Event{
		Type:    EventExecError,
		Title:   fmt.Sprintf("⚠️ Execution Error (subscription %d)", subscriptionID),
		Symbol:  symbol,
		Message: detail,
	})
}

// TrialExpired announces a trial subscription being swept to EXPIRED.
func (m *Manager) TrialExpired(ctx context.Context, subscriptionID int64, botName string) {
	m.Notify(ctx, &Event{
		Type:    EventTrialExpired,
		Title:   "⏰ Trial Expired",
		Message: fmt.Sprintf("Trial for %s (subscription %d) has ended. The bot stopped trading.", botName, subscriptionID),
	})
}

// ==================== TELEGRAM ====================

type telegramSink struct {
	cfg  config.TelegramConfig
	http *resty.Client
}

func newTelegramSink(cfg config.TelegramConfig) *telegramSink {
	return &telegramSink{
		cfg:  cfg,
		http: resty.New().SetTimeout(10 * time.Second),
	}
}

func (t *telegramSink) Name() string { return "telegram" }

func (t *telegramSink) Enabled() bool {
	return t.cfg.Enabled && t.cfg.BotToken != "" && t.cfg.ChatID != ""
}

func (t *telegramSink) Send(ctx context.Context, event *Event) error {
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"chat_id":    t.cfg.ChatID,
			"text":       fmt.Sprintf("*%s*\n\n%s", event.Title, event.Message),
			"parse_mode": "Markdown",
		}).
		Post(fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.cfg.BotToken))
	if err != nil {
		return fmt.Errorf("error sending telegram message: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram api returned status %d", resp.StatusCode())
	}
	return nil
}

// ==================== DISCORD ====================

type discordSink struct {
	cfg  config.DiscordConfig
	http *resty.Client
}

func newDiscordSink(cfg config.DiscordConfig) *discordSink {
	return &discordSink{
		cfg:  cfg,
		http: resty.New().SetTimeout(10 * time.Second),
	}
}

func (d *discordSink) Name() string { return "discord" }

func (d *discordSink) Enabled() bool {
	return d.cfg.Enabled && d.cfg.WebhookURL != ""
}

func (d *discordSink) Send(ctx context.Context, event *Event) error {
	color := 0x2ECC71
	if event.Type == EventExecError || (event.Type == EventTradeClose && event.PnL < 0) {
		color = 0xE74C3C
	}

	embed := map[string]interface{}{
		"title":       event.Title,
		"description": event.Message,
		"color":       color,
		"timestamp":   event.Timestamp.Format(time.RFC3339),
	}
	if event.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": event.Symbol, "inline": true},
		}
		if event.Price > 0 {
			fields = append(fields, map[string]interface{}{
				"name": "Price", "value": fmt.Sprintf("%.4f", event.Price), "inline": true,
			})
		}
		if event.PnL != 0 {
			fields = append(fields, map[string]interface{}{
				"name": "P&L", "value": fmt.Sprintf("%.4f (%.2f%%)", event.PnL, event.PnLPercent), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	resp, err := d.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{"embeds": []map[string]interface{}{embed}}).
		Post(d.cfg.WebhookURL)
	if err != nil {
		return fmt.Errorf("error sending discord message: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("discord api returned status %d", resp.StatusCode())
	}
	return nil
}
