// Package notification forwards trading events to chat services.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"martingale-futures-bot/internal/events"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyTradeOpen  NotificationType = "trade_open"
	NotifyTradeClose NotificationType = "trade_close"
	NotifyBreaker    NotificationType = "circuit_breaker"
	NotifyError      NotificationType = "error"
	NotifyInfo       NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Symbol    string
	NetPnL    decimal.Decimal
	Timestamp time.Time
}

// Notifier sends one message to a provider.
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
	Name() string
}

// Config enables the providers. A provider without credentials stays off.
type Config struct {
	Enabled  bool           `json:"enabled" env:"ENABLED"`
	Timeout  time.Duration  `json:"timeout" env:"TIMEOUT"`
	Telegram TelegramConfig `json:"telegram" envPrefix:"TELEGRAM_"`
	Discord  DiscordConfig  `json:"discord" envPrefix:"DISCORD_"`
}

// Manager fans notifications out to every configured provider.
type Manager struct {
	notifiers  []Notifier
	timeout    time.Duration
	maxRetries uint64
	logger     zerolog.Logger
}

// NewManager builds the providers enabled in cfg.
func NewManager(cfg Config, logger zerolog.Logger) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	m := &Manager{
		timeout:    cfg.Timeout,
		maxRetries: 2,
		logger:     logger.With().Str("component", "notification").Logger(),
	}
	if !cfg.Enabled {
		return m
	}
	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.Telegram.Enabled && cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		m.AddNotifier(NewTelegramNotifier(cfg.Telegram, client))
	}
	if cfg.Discord.Enabled && cfg.Discord.WebhookURL != "" {
		m.AddNotifier(NewDiscordNotifier(cfg.Discord, client))
	}
	return m
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
	m.logger.Info().Str("provider", n.Name()).Msg("Notifications enabled")
}

// Enabled reports whether any provider is configured.
func (m *Manager) Enabled() bool { return len(m.notifiers) > 0 }

// Subscribe forwards bus events to the providers.
func (m *Manager) Subscribe(bus *events.EventBus) {
	if !m.Enabled() {
		return
	}
	bus.SubscribeAll(m.HandleEvent)
}

// HandleEvent sends the notification for ev, if it warrants one.
func (m *Manager) HandleEvent(ev events.Event) {
	n, ok := FromEvent(ev)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.Send(ctx, n); err != nil {
		m.logger.Warn().Err(err).Str("type", string(n.Type)).Msg("Failed to send notification")
	}
}

// Send delivers n to every provider, retrying each a few times. The last
// provider error is returned.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	var lastErr error
	for _, p := range m.notifiers {
		op := func() error { return p.Send(ctx, n) }
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), m.maxRetries), ctx)
		if err := backoff.Retry(op, policy); err != nil {
			lastErr = fmt.Errorf("%s: %w", p.Name(), err)
		}
	}
	return lastErr
}

// FromEvent maps a bus event to a notification. Only events a trader acts
// on produce one.
func FromEvent(ev events.Event) (*Notification, bool) {
	str := func(key string) string {
		if v, ok := ev.Data[key].(string); ok {
			return v
		}
		return ""
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	switch ev.Type {
	case events.EventTradeOpened:
		return &Notification{
			Type:      NotifyTradeOpen,
			Title:     fmt.Sprintf("Position opened: %s %s", str("side"), str("symbol")),
			Message:   fmt.Sprintf("Entry: %s\nQuantity: %s\nLeverage: %v", str("entry_price"), str("quantity"), ev.Data["leverage"]),
			Symbol:    str("symbol"),
			Timestamp: ts,
		}, true
	case events.EventTradeClosed:
		net, _ := decimal.NewFromString(str("net"))
		return &Notification{
			Type:  NotifyTradeClose,
			Title: fmt.Sprintf("Position closed: %s (%s)", str("symbol"), str("reason")),
			Message: fmt.Sprintf("Entry: %s -> Exit: %s\nPnL: %s\nFees: %s\nNet: %s",
				str("entry_price"), str("exit_price"), str("pnl"), str("fees"), str("net")),
			Symbol:    str("symbol"),
			NetPnL:    net,
			Timestamp: ts,
		}, true
	case events.EventCircuitBreakerUpdate:
		if str("action") != "tripped" {
			return nil, false
		}
		return &Notification{
			Type:      NotifyBreaker,
			Title:     "Circuit breaker tripped",
			Message:   fmt.Sprintf("Reason: %s\nConsecutive losses: %v", str("reason"), ev.Data["consecutive_losses"]),
			Timestamp: ts,
		}, true
	case events.EventError:
		msg := str("message")
		if e := str("error"); e != "" {
			msg += ": " + e
		}
		return &Notification{
			Type:      NotifyError,
			Title:     "Error in " + str("source"),
			Message:   msg,
			Timestamp: ts,
		}, true
	case events.EventBotStopped:
		return &Notification{
			Type:      NotifyInfo,
			Title:     "Bot stopped",
			Message:   "Trading loop finished for " + str("symbol"),
			Symbol:    str("symbol"),
			Timestamp: ts,
		}, true
	}
	return nil, false
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// DefaultTelegramAPI is the Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	Enabled  bool   `json:"enabled" env:"ENABLED"`
	BotToken string `json:"-" env:"BOT_TOKEN"`
	ChatID   string `json:"chat_id" env:"CHAT_ID"`
	APIURL   string `json:"api_url" env:"API_URL"`
}

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	cfg    TelegramConfig
	client *http.Client
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(cfg TelegramConfig, client *http.Client) *TelegramNotifier {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultTelegramAPI
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &TelegramNotifier{cfg: cfg, client: client}
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) Send(ctx context.Context, n *Notification) error {
	payload := map[string]interface{}{
		"chat_id":    t.cfg.ChatID,
		"text":       fmt.Sprintf("*%s*\n\n%s", n.Title, n.Message),
		"parse_mode": "Markdown",
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.cfg.APIURL, t.cfg.BotToken)
	return postJSON(ctx, t.client, url, payload, http.StatusOK)
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	Enabled    bool   `json:"enabled" env:"ENABLED"`
	WebhookURL string `json:"-" env:"WEBHOOK_URL"`
}

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(cfg DiscordConfig, client *http.Client) *DiscordNotifier {
	return &DiscordNotifier{webhookURL: cfg.WebhookURL, client: client}
}

func (d *DiscordNotifier) Name() string { return "discord" }

const (
	colorGreen = 0x00FF00
	colorRed   = 0xFF0000
)

func (d *DiscordNotifier) Send(ctx context.Context, n *Notification) error {
	color := colorGreen
	if n.Type == NotifyError || n.Type == NotifyBreaker || (n.Type == NotifyTradeClose && n.NetPnL.IsNegative()) {
		color = colorRed
	}

	embed := map[string]interface{}{
		"title":       n.Title,
		"description": n.Message,
		"color":       color,
		"timestamp":   n.Timestamp.UTC().Format(time.RFC3339),
	}
	if n.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": n.Symbol, "inline": true},
		}
		if !n.NetPnL.IsZero() {
			fields = append(fields, map[string]interface{}{"name": "Net PnL", "value": n.NetPnL.String(), "inline": true})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{"embeds": []map[string]interface{}{embed}}
	return postJSON(ctx, d.client, d.webhookURL, payload, http.StatusOK, http.StatusNoContent)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}, okStatus ...int) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to marshal payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	for _, s := range okStatus {
		if resp.StatusCode == s {
			return nil
		}
	}
	err = fmt.Errorf("unexpected status %d", resp.StatusCode)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}
