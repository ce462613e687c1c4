package mock

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"botcore/internal/core"

	"github.com/shopspring/decimal"
)

// StatusChange records one UpdateBotStatus call.
type StatusChange struct {
	BotID  string
	Status core.BotStatus
}

// Store is an in-memory core.Store for tests.
type Store struct {
	mu sync.Mutex

	Bots          map[string]*core.Bot
	Orders        map[string]*core.ManagedOrder
	Trades        []*core.Trade
	RiskStates    map[string]*core.RiskState
	RiskEvents    []*core.RiskEvent
	BotEvents     []*core.BotEvent
	StatusHistory []StatusChange

	SaveOrderErr error
}

// NewStore builds an empty in-memory store.
func NewStore() *Store {
	return &Store{
		Bots:       make(map[string]*core.Bot),
		Orders:     make(map[string]*core.ManagedOrder),
		RiskStates: make(map[string]*core.RiskState),
	}
}

func (s *Store) GetBot(_ context.Context, id string) (*core.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.Bots[id]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *Store) ListBotStatuses(context.Context) (map[string]core.BotStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]core.BotStatus, len(s.Bots))
	for id, b := range s.Bots {
		out[id] = b.Status
	}
	return out, nil
}

func (s *Store) ListBotsByStatus(_ context.Context, statuses ...core.BotStatus) ([]*core.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Bot
	for _, b := range s.Bots {
		for _, st := range statuses {
			if b.Status == st {
				cp := *b
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (s *Store) UpdateBotStatus(_ context.Context, id string, status core.BotStatus, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.Bots[id]; ok {
		b.Status = status
		b.ErrorMessage = errorMessage
	}
	s.StatusHistory = append(s.StatusHistory, StatusChange{BotID: id, Status: status})
	return nil
}

// StatusesFor returns the recorded status transitions of one bot, in order.
func (s *Store) StatusesFor(botID string) []core.BotStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.BotStatus
	for _, c := range s.StatusHistory {
		if c.BotID == botID {
			out = append(out, c.Status)
		}
	}
	return out
}

func (s *Store) UpdateBotPnL(_ context.Context, id string, realized, unrealized decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.Bots[id]; ok {
		b.RealizedPnL = realized
		b.UnrealizedPnL = unrealized
	}
	return nil
}

func (s *Store) SaveStrategyState(_ context.Context, id string, state json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.Bots[id]; ok {
		b.StrategyState = state
	}
	return nil
}

func (s *Store) SaveOrder(_ context.Context, o *core.ManagedOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveOrderErr != nil {
		return s.SaveOrderErr
	}
	cp := *o
	s.Orders[o.ID] = &cp
	return nil
}

func (s *Store) ListOpenOrders(_ context.Context, botID string) ([]*core.ManagedOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.ManagedOrder
	for _, o := range s.Orders {
		if o.BotID == botID && !o.State.IsTerminal() {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) FindOrderByExchangeID(_ context.Context, botID, exchangeID string) (*core.ManagedOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.Orders {
		if o.BotID == botID && o.ExchangeID == exchangeID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) InsertTrade(_ context.Context, t *core.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.Trades = append(s.Trades, &cp)
	return nil
}

func (s *Store) ListTrades(_ context.Context, botID string, since time.Time) ([]*core.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Trade
	for _, t := range s.Trades {
		if t.BotID == botID && !t.Timestamp.Before(since) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) FindTradeByExchangeID(_ context.Context, credentialID, exchangeTradeID string) (*core.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.Trades {
		b := s.Bots[t.BotID]
		if b == nil || b.CredentialID != credentialID {
			continue
		}
		if t.ExchangeTradeID == exchangeTradeID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) FindTradeByOrderFill(_ context.Context, orderID string, price, qty decimal.Decimal) (*core.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.Trades {
		if t.OrderID == orderID && t.Price.Equal(price) && t.Quantity.Equal(qty) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) SumRealizedPnL(_ context.Context, botID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := decimal.Zero
	for _, t := range s.Trades {
		if t.BotID == botID && t.RealizedPnL != nil {
			sum = sum.Add(*t.RealizedPnL)
		}
	}
	return sum, nil
}

func (s *Store) GetRiskState(_ context.Context, botID string) (*core.RiskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.RiskStates[botID]
	if !ok {
		return nil, nil
	}
	cp := *rs
	return &cp, nil
}

func (s *Store) SaveRiskState(_ context.Context, rs *core.RiskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rs
	s.RiskStates[rs.BotID] = &cp
	return nil
}

func (s *Store) InsertRiskEvent(_ context.Context, e *core.RiskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.RiskEvents = append(s.RiskEvents, &cp)
	return nil
}

func (s *Store) InsertBotEvent(_ context.Context, e *core.BotEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.BotEvents = append(s.BotEvents, &cp)
	return nil
}
