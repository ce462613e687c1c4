// Package mock provides scriptable in-memory fakes for tests.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"botcore/internal/core"
	apperrors "botcore/pkg/errors"

	"github.com/shopspring/decimal"
)

// Exchange is a scriptable core.Exchange. Limit orders rest as open until
// FillOrder is called; market orders fill immediately at the current ticker.
type Exchange struct {
	mu sync.Mutex

	ticker  core.Ticker
	balance core.Balance
	info    map[string]*core.SymbolInfo
	candles []core.Candle
	trades  []core.RemoteTrade

	nextID  int64
	orders  map[string]*core.OrderStatusInfo
	history []core.CreateOrderRequest

	// error injection
	CreateErr  error
	TickerErr  error
	BalanceErr error
	CancelErr  error
}

// NewExchange builds a mock with sane defaults for one symbol.
func NewExchange() *Exchange {
	return &Exchange{
		balance: core.Balance{
			Free:  map[string]decimal.Decimal{},
			Total: map[string]decimal.Decimal{},
		},
		info:   make(map[string]*core.SymbolInfo),
		orders: make(map[string]*core.OrderStatusInfo),
	}
}

func (m *Exchange) Name() string { return "mock" }

func (m *Exchange) Connect(context.Context) error { return nil }

// SetTicker scripts the next ticker response.
func (m *Exchange) SetTicker(last decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticker = core.Ticker{Last: last, Bid: last, Ask: last}
}

// SetBalance scripts one asset's balance.
func (m *Exchange) SetBalance(asset string, free, total decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance.Free[asset] = free
	m.balance.Total[asset] = total
}

// SetSymbolInfo scripts the trading rules for a symbol.
func (m *Exchange) SetSymbolInfo(info *core.SymbolInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info[info.Symbol] = info
}

// SetCandles scripts the OHLCV response.
func (m *Exchange) SetCandles(candles []core.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles = candles
}

// SetRemoteTrades scripts the my-trades response.
func (m *Exchange) SetRemoteTrades(trades []core.RemoteTrade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = trades
}

func (m *Exchange) FetchTicker(context.Context, string) (*core.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TickerErr != nil {
		return nil, m.TickerErr
	}
	t := m.ticker
	return &t, nil
}

func (m *Exchange) FetchBalance(context.Context) (*core.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BalanceErr != nil {
		return nil, m.BalanceErr
	}
	out := core.Balance{
		Free:  make(map[string]decimal.Decimal, len(m.balance.Free)),
		Total: make(map[string]decimal.Decimal, len(m.balance.Total)),
	}
	for k, v := range m.balance.Free {
		out.Free[k] = v
	}
	for k, v := range m.balance.Total {
		out.Total[k] = v
	}
	return &out, nil
}

func (m *Exchange) CreateOrder(_ context.Context, req core.CreateOrderRequest) (*core.OrderAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}

	m.nextID++
	id := fmt.Sprintf("mock-%d", m.nextID)
	m.history = append(m.history, req)

	if req.Type == core.OrderTypeMarket {
		m.orders[id] = &core.OrderStatusInfo{
			ExchangeID: id,
			Status:     "filled",
			Filled:     req.Quantity,
			Average:    m.ticker.Last,
		}
		return &core.OrderAck{ExchangeID: id, Status: "closed"}, nil
	}

	m.orders[id] = &core.OrderStatusInfo{ExchangeID: id, Status: "open"}
	return &core.OrderAck{ExchangeID: id, Status: "open"}, nil
}

func (m *Exchange) CancelOrder(_ context.Context, exchangeID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CancelErr != nil {
		return m.CancelErr
	}
	o, ok := m.orders[exchangeID]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, exchangeID)
	}
	if o.Status == "open" || o.Status == "partially_filled" {
		o.Status = "cancelled"
	}
	return nil
}

func (m *Exchange) FetchOrder(_ context.Context, exchangeID, _ string) (*core.OrderStatusInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[exchangeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, exchangeID)
	}
	cp := *o
	return &cp, nil
}

// FillOrder marks a resting order filled, as if the venue matched it.
func (m *Exchange) FillOrder(exchangeID string, qty, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[exchangeID]; ok {
		o.Status = "filled"
		o.Filled = qty
		o.Average = price
	}
}

func (m *Exchange) FetchOHLCV(context.Context, string, string, time.Time, int) ([]core.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.Candle(nil), m.candles...), nil
}

func (m *Exchange) FetchMyTrades(context.Context, string, time.Time, int) ([]core.RemoteTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.RemoteTrade(nil), m.trades...), nil
}

func (m *Exchange) SymbolInfo(symbol string) (*core.SymbolInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.info[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	return info, nil
}

func (m *Exchange) Close() error { return nil }

// CreatedOrders returns every create request seen, in order.
func (m *Exchange) CreatedOrders() []core.CreateOrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.CreateOrderRequest(nil), m.history...)
}
