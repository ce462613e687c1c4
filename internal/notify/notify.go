// Package notify implements the pluggable outbound notifier: fills and
// errors fan out to every configured channel.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"botcore/internal/config"
	"botcore/internal/core"

	"github.com/shopspring/decimal"
)

// Level grades a message for channel formatting.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelError Level = "ERROR"
)

// Message is one outbound notification.
type Message struct {
	Level     Level
	Title     string
	Body      string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers messages to one destination.
type Channel interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Manager implements core.Notifier over a set of channels. Sends run
// concurrently with a per-channel timeout; a failing channel never blocks
// the others.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	logger   core.Logger
}

// NewManager builds an empty manager; with no channels it is a no-op.
func NewManager(logger core.Logger) *Manager {
	return &Manager{logger: logger.WithField("component", "notifier")}
}

// FromConfig installs the channels the configuration enables.
func FromConfig(cfg config.NotifyConfig, logger core.Logger) *Manager {
	m := NewManager(logger)
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		m.AddChannel(NewTelegramChannel(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.SlackWebhookURL != "" {
		m.AddChannel(NewSlackChannel(cfg.SlackWebhookURL))
	}
	return m
}

// AddChannel registers a delivery channel.
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Notification channel added", "channel", ch.Name())
}

// NotifyOrderFilled reports a fill to every channel.
func (m *Manager) NotifyOrderFilled(ctx context.Context, userID, symbol string, side core.Side, qty, price decimal.Decimal) error {
	return m.broadcast(ctx, Message{
		Level:     LevelInfo,
		Title:     "Order filled",
		Body:      fmt.Sprintf("%s %s %s @ %s", side, qty, symbol, price),
		Timestamp: time.Now(),
		Fields: map[string]string{
			"user":   userID,
			"symbol": symbol,
		},
	})
}

// NotifyError reports a bot error to every channel.
func (m *Manager) NotifyError(ctx context.Context, userID, message string) error {
	return m.broadcast(ctx, Message{
		Level:     LevelError,
		Title:     "Bot error",
		Body:      message,
		Timestamp: time.Now(),
		Fields:    map[string]string{"user": userID},
	})
}

func (m *Manager) broadcast(ctx context.Context, msg Message) error {
	m.mu.RLock()
	channels := append([]Channel(nil), m.channels...)
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(c Channel) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := c.Send(sendCtx, msg); err != nil {
				m.logger.Error("Notification delivery failed", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
	wg.Wait()
	return nil
}

// Noop is a notifier that discards everything; installed when no channel
// resolves at startup.
type Noop struct{}

func (Noop) NotifyOrderFilled(context.Context, string, string, core.Side, decimal.Decimal, decimal.Decimal) error {
	return nil
}

func (Noop) NotifyError(context.Context, string, string) error { return nil }
