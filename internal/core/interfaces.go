// Package core defines the shared domain types and interfaces of the bot
// execution core.
package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange is the uniform adapter contract over venue SDKs.
type Exchange interface {
	Name() string

	// Connect validates credentials and loads market metadata for the
	// symbols the adapter was constructed with.
	Connect(ctx context.Context) error

	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	FetchBalance(ctx context.Context) (*Balance, error)

	// CreateOrder rejects limit orders without a price.
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderAck, error)
	CancelOrder(ctx context.Context, exchangeID, symbol string) error
	FetchOrder(ctx context.Context, exchangeID, symbol string) (*OrderStatusInfo, error)

	FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]Candle, error)
	FetchMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]RemoteTrade, error)

	SymbolInfo(symbol string) (*SymbolInfo, error)

	Close() error
}

// UserStream is an authenticated per-venue private WebSocket delivering
// order and balance events. Callbacks must be registered before Start.
type UserStream interface {
	Start(ctx context.Context) error
	Stop() error
	OnOrderUpdate(fn func(OrderUpdate))
	OnBalanceUpdate(fn func(BalanceUpdate))
}

// Strategy is the pure decision contract implemented by grid and DCA.
type Strategy interface {
	// CalculateOrders emits candidate orders for the current tick. It never
	// submits anything itself.
	CalculateOrders(currentPrice decimal.Decimal, openOrders []*ManagedOrder) []OrderRequest

	// OnOrderFilled updates internal position tracking and returns the
	// realized P&L delta for the fill (zero for buys).
	OnOrderFilled(order *ManagedOrder, fillPrice decimal.Decimal) decimal.Decimal

	// ShouldStop reports whether the bot should wind down.
	ShouldStop(currentPrice decimal.Decimal) bool

	// Snapshot and Restore round-trip the strategy's tracked state.
	Snapshot() (json.RawMessage, error)
	Restore(state json.RawMessage) error
}

// Notifier is the pluggable outbound messaging hook.
type Notifier interface {
	NotifyOrderFilled(ctx context.Context, userID, symbol string, side Side, qty, price decimal.Decimal) error
	NotifyError(ctx context.Context, userID, message string) error
}

// Logger is the structured logging contract with variadic key/value fields.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) Logger
}

// Store is the SQL persistence surface used by the core.
type Store interface {
	// Bots
	GetBot(ctx context.Context, id string) (*Bot, error)
	ListBotStatuses(ctx context.Context) (map[string]BotStatus, error)
	ListBotsByStatus(ctx context.Context, statuses ...BotStatus) ([]*Bot, error)
	UpdateBotStatus(ctx context.Context, id string, status BotStatus, errorMessage string) error
	UpdateBotPnL(ctx context.Context, id string, realized, unrealized decimal.Decimal) error
	SaveStrategyState(ctx context.Context, id string, state json.RawMessage) error

	// Orders
	SaveOrder(ctx context.Context, o *ManagedOrder) error
	ListOpenOrders(ctx context.Context, botID string) ([]*ManagedOrder, error)
	FindOrderByExchangeID(ctx context.Context, botID, exchangeID string) (*ManagedOrder, error)

	// Trades
	InsertTrade(ctx context.Context, t *Trade) error
	ListTrades(ctx context.Context, botID string, since time.Time) ([]*Trade, error)
	FindTradeByExchangeID(ctx context.Context, credentialID, exchangeTradeID string) (*Trade, error)
	FindTradeByOrderFill(ctx context.Context, orderID string, price, qty decimal.Decimal) (*Trade, error)
	SumRealizedPnL(ctx context.Context, botID string) (decimal.Decimal, error)

	// Risk
	GetRiskState(ctx context.Context, botID string) (*RiskState, error)
	SaveRiskState(ctx context.Context, s *RiskState) error
	InsertRiskEvent(ctx context.Context, e *RiskEvent) error

	// Events
	InsertBotEvent(ctx context.Context, e *BotEvent) error
}
