package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"botcore/internal/config"
	"botcore/internal/core"
	"botcore/internal/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingChannel struct {
	mu   sync.Mutex
	name string
	got  []Message
	err  error
}

func (c *recordingChannel) Send(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, msg)
	return c.err
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.got...)
}

func TestManagerBroadcastsToAllChannels(t *testing.T) {
	m := NewManager(logging.NewNop())
	a := &recordingChannel{name: "a"}
	b := &recordingChannel{name: "b"}
	m.AddChannel(a)
	m.AddChannel(b)

	err := m.NotifyOrderFilled(context.Background(), "user-1", "BTC/USDT", core.SideBuy,
		decimal.RequireFromString("0.5"), decimal.RequireFromString("50000"))
	require.NoError(t, err)

	require.Len(t, a.messages(), 1)
	require.Len(t, b.messages(), 1)
	msg := a.messages()[0]
	assert.Equal(t, LevelInfo, msg.Level)
	assert.Equal(t, "Order filled", msg.Title)
	assert.Contains(t, msg.Body, "BTC/USDT")
	assert.Equal(t, "user-1", msg.Fields["user"])
}

func TestManagerFailingChannelDoesNotBlockOthers(t *testing.T) {
	m := NewManager(logging.NewNop())
	bad := &recordingChannel{name: "bad", err: errors.New("webhook down")}
	good := &recordingChannel{name: "good"}
	m.AddChannel(bad)
	m.AddChannel(good)

	err := m.NotifyError(context.Background(), "user-1", "tick failed")
	require.NoError(t, err, "delivery failures are logged, not returned")

	require.Len(t, good.messages(), 1)
	assert.Equal(t, LevelError, good.messages()[0].Level)
}

func TestManagerWithoutChannelsIsNoop(t *testing.T) {
	m := NewManager(logging.NewNop())
	assert.NoError(t, m.NotifyError(context.Background(), "user-1", "anything"))
}

func TestFromConfigChannelSelection(t *testing.T) {
	m := FromConfig(config.NotifyConfig{}, logging.NewNop())
	assert.Empty(t, m.channels)

	m = FromConfig(config.NotifyConfig{
		TelegramBotToken: "123:abc",
		TelegramChatID:   "42",
		SlackWebhookURL:  "https://hooks.slack.example/T000/B000/x",
	}, logging.NewNop())
	require.Len(t, m.channels, 2)
	assert.Equal(t, "telegram", m.channels[0].Name())
	assert.Equal(t, "slack", m.channels[1].Name())

	// Telegram needs both the token and the chat id.
	m = FromConfig(config.NotifyConfig{TelegramBotToken: "123:abc"}, logging.NewNop())
	assert.Empty(t, m.channels)
}

func TestNoopNotifier(t *testing.T) {
	var n Noop
	assert.NoError(t, n.NotifyOrderFilled(context.Background(), "u", "BTC/USDT", core.SideSell,
		decimal.New(1, 0), decimal.New(50000, 0)))
	assert.NoError(t, n.NotifyError(context.Background(), "u", "boom"))
}
