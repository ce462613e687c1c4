package core

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the execution type of an order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderState is the lifecycle state of a managed order.
type OrderState string

const (
	OrderStatePending    OrderState = "PENDING"
	OrderStateSubmitting OrderState = "SUBMITTING"
	OrderStateOpen       OrderState = "OPEN"
	OrderStatePartial    OrderState = "PARTIAL"
	OrderStateFilled     OrderState = "FILLED"
	OrderStateCancelling OrderState = "CANCELLING"
	OrderStateCancelled  OrderState = "CANCELLED"
	OrderStateRejected   OrderState = "REJECTED"
	OrderStateError      OrderState = "ERROR"
)

// IsTerminal reports whether the state admits no further transitions.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateError:
		return true
	}
	return false
}

// BotStatus is the supervisor-visible status of a bot.
type BotStatus string

const (
	BotStatusStopped  BotStatus = "stopped"
	BotStatusStarting BotStatus = "starting"
	BotStatusRunning  BotStatus = "running"
	BotStatusPaused   BotStatus = "paused"
	BotStatusStopping BotStatus = "stopping"
	BotStatusError    BotStatus = "error"
)

// StrategyKind selects the decision engine for a bot.
type StrategyKind string

const (
	StrategyGrid StrategyKind = "grid"
	StrategyDCA  StrategyKind = "dca"
)

// Bot is the persistent configuration and runtime status of a trading bot.
type Bot struct {
	ID            string
	UserID        string
	CredentialID  string
	Exchange      string
	Strategy      StrategyKind
	Symbol        string // BASE/QUOTE
	Config        json.RawMessage
	Status        BotStatus
	Investment    decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	StrategyState json.RawMessage
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ManagedOrder is an order tracked through the local state machine, distinct
// from the raw exchange order record.
type ManagedOrder struct {
	ID             string
	BotID          string
	Symbol         string
	Side           Side
	Type           OrderType
	Quantity       decimal.Decimal
	Price          decimal.Decimal // zero for market orders
	State          OrderState
	ExchangeID     string // empty until submitted
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	Fee            decimal.Decimal
	FeeAsset       string
	GridLevel      *int
	RetryCount     int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Trade is an append-only record of a single execution.
type Trade struct {
	ID              string
	BotID           string
	OrderID         string // empty when only known remotely
	ExchangeTradeID string
	Symbol          string
	Side            Side
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	Fee             decimal.Decimal
	FeeCurrency     string
	RealizedPnL     *decimal.Decimal
	Timestamp       time.Time
}

// OrderRequest is a candidate order emitted by a strategy before filtering.
type OrderRequest struct {
	Side      Side
	Type      OrderType
	Quantity  decimal.Decimal
	Price     decimal.Decimal // zero for market orders
	GridLevel *int
}

// Ticker is a point-in-time market price snapshot.
type Ticker struct {
	Last decimal.Decimal
	Bid  decimal.Decimal
	Ask  decimal.Decimal
}

// Balance holds per-asset free and total amounts.
type Balance struct {
	Free  map[string]decimal.Decimal
	Total map[string]decimal.Decimal
}

// FreeOf returns the free amount for asset, zero when absent.
func (b *Balance) FreeOf(asset string) decimal.Decimal {
	if b == nil || b.Free == nil {
		return decimal.Zero
	}
	return b.Free[asset]
}

// TotalOf returns the total amount for asset, zero when absent.
func (b *Balance) TotalOf(asset string) decimal.Decimal {
	if b == nil || b.Total == nil {
		return decimal.Zero
	}
	return b.Total[asset]
}

// Candle is a single OHLCV bar.
type Candle struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// SymbolInfo carries the exchange trading rules for one symbol.
type SymbolInfo struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	MinNotional decimal.Decimal
	MinQty      decimal.Decimal
	StepSize    decimal.Decimal
	TickSize    decimal.Decimal
}

// OrderAck is the exchange response to order creation.
type OrderAck struct {
	ExchangeID string
	Status     string // "open", "closed", "canceled"
}

// CreateOrderRequest is the normalized order-creation call to an adapter.
type CreateOrderRequest struct {
	Symbol   string
	Side     Side
	Type     OrderType
	Quantity decimal.Decimal
	Price    decimal.Decimal // required for limit orders
}

// OrderStatusInfo is the normalized result of fetching one order.
type OrderStatusInfo struct {
	ExchangeID string
	Status     string // normalized: open, partially_filled, filled, cancelled, rejected
	Filled     decimal.Decimal
	Average    decimal.Decimal
	Fee        decimal.Decimal
	FeeAsset   string
}

// RemoteTrade is a trade pulled from exchange history (reconciler input).
type RemoteTrade struct {
	ID        string
	OrderID   string
	Side      Side
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Fee       decimal.Decimal
	FeeAsset  string
	Timestamp time.Time
}

// OrderUpdate is a normalized user-data stream order event.
type OrderUpdate struct {
	ExchangeID string
	Symbol     string
	Status     string // normalized: open, partially_filled, filled, cancelled, rejected
	Price      decimal.Decimal
	FilledQty  decimal.Decimal
	AvgPrice   decimal.Decimal
	// Fee semantics depend on ExecID: with an ExecID set the fee belongs to
	// that single execution; without one it is the order's cumulative fee.
	Fee      decimal.Decimal
	FeeAsset string
	ExecID   string
}

// BalanceUpdate is a normalized user-data stream balance event.
type BalanceUpdate struct {
	Asset string
	Free  decimal.Decimal
	Total decimal.Decimal
}

// Credential identifies an exchange account.
type Credential struct {
	ID          string
	Exchange    string
	APIKey      string
	SecretKey   string
	Testnet     bool
	CanTrade    bool
	CanWithdraw bool
}

// RiskAction is the decision emitted by the risk manager on each update.
type RiskAction string

const (
	RiskActionNone               RiskAction = "NONE"
	RiskActionPause              RiskAction = "PAUSE"
	RiskActionPendingLiquidation RiskAction = "PENDING_LIQUIDATION"
	RiskActionLiquidate          RiskAction = "LIQUIDATE"
	RiskActionResume             RiskAction = "RESUME"
)

// RiskStatus is the persisted risk state of a bot.
type RiskStatus string

const (
	RiskStatusOK                 RiskStatus = "OK"
	RiskStatusPaused             RiskStatus = "PAUSED"
	RiskStatusPendingLiquidation RiskStatus = "PENDING_LIQUIDATION"
	RiskStatusLiquidated         RiskStatus = "LIQUIDATED"
)

// RiskDecision is the result of one risk manager update.
type RiskDecision struct {
	Status   RiskStatus
	Action   RiskAction
	Reason   string
	Metadata map[string]string
}

// RiskWindow tracks a rolling drawdown window (daily/weekly/monthly).
type RiskWindow struct {
	Start time.Time
	Peak  decimal.Decimal
}

// RiskState is the persisted per-bot risk manager state.
type RiskState struct {
	BotID                  string
	Status                 RiskStatus
	EquityPeak             decimal.Decimal
	LastEquity             decimal.Decimal
	Daily                  RiskWindow
	Weekly                 RiskWindow
	Monthly                RiskWindow
	PausedUntil            time.Time
	TrailingPauseUntil     time.Time
	PendingLiquidationTill time.Time
	PendingReason          string
	ReferencePrice         decimal.Decimal
	ReinforcementsUsed     int
	InvestmentOverride     decimal.Decimal
	UpdatedAt              time.Time
}

// RiskEvent is a persisted record of a non-NONE risk decision.
type RiskEvent struct {
	ID        string
	BotID     string
	Action    RiskAction
	Status    RiskStatus
	Reason    string
	Equity    decimal.Decimal
	Timestamp time.Time
}

// BotEvent is a persisted bot lifecycle event.
type BotEvent struct {
	ID        string
	BotID     string
	Kind      string
	Message   string
	Timestamp time.Time
}
