// Package order implements the managed order state machine: submission with a
// retry budget, cancellation, grid-level dedupe, WebSocket fill handling and
// exchange reconciliation.
package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"botcore/internal/core"
	apperrors "botcore/pkg/errors"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Config holds the submission retry budget and persistence timeout.
type Config struct {
	MaxRetries     int
	RetryBackoff   time.Duration
	RetryCap       time.Duration
	PersistTimeout time.Duration
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		RetryBackoff:   500 * time.Millisecond,
		RetryCap:       10 * time.Second,
		PersistTimeout: 5 * time.Second,
	}
}

// Manager tracks all orders of one bot through the state machine.
type Manager struct {
	botID    string
	symbol   string
	exchange core.Exchange
	store    core.Store
	logger   core.Logger
	cfg      Config

	mu           sync.Mutex
	orders       map[string]*core.ManagedOrder // internal id -> order
	byExchangeID map[string]string             // exchange id -> internal id
	countedExecs map[string]map[string]bool    // internal id -> exec ids already fee-counted

	onFilled func(o *core.ManagedOrder)
}

// NewManager creates a manager for one bot.
func NewManager(botID, symbol string, exchange core.Exchange, store core.Store, logger core.Logger, cfg Config) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		botID:        botID,
		symbol:       symbol,
		exchange:     exchange,
		store:        store,
		logger:       logger.WithField("component", "order_manager").WithField("bot", botID),
		cfg:          cfg,
		orders:       make(map[string]*core.ManagedOrder),
		byExchangeID: make(map[string]string),
		countedExecs: make(map[string]map[string]bool),
	}
}

// SetFillHandler registers the callback invoked when an order reaches FILLED.
func (m *Manager) SetFillHandler(fn func(o *core.ManagedOrder)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFilled = fn
}

// SubmitOrder creates a managed order from the candidate request and drives it
// through PENDING -> SUBMITTING -> {OPEN, FILLED, CANCELLED, REJECTED, ERROR}.
// The adapter call runs under the retry budget; failure beyond the budget
// leaves the order in a terminal ERROR state before the error propagates.
func (m *Manager) SubmitOrder(ctx context.Context, req core.OrderRequest) (*core.ManagedOrder, error) {
	o := &core.ManagedOrder{
		ID:        uuid.NewString(),
		BotID:     m.botID,
		Symbol:    m.symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     req.Price,
		State:     core.OrderStatePending,
		GridLevel: req.GridLevel,
		CreatedAt: time.Now(),
	}

	if o.Type == core.OrderTypeLimit && o.Price.IsZero() {
		return nil, fmt.Errorf("%w: limit order without price", apperrors.ErrInvalidOrderParams)
	}

	m.track(o)
	m.persist(o)

	if err := m.transitionAndPersist(o, core.OrderStateSubmitting); err != nil {
		return nil, err
	}

	retry := retrypolicy.NewBuilder[*core.OrderAck]().
		HandleIf(func(_ *core.OrderAck, err error) bool {
			if err == nil {
				return false
			}
			m.mu.Lock()
			o.RetryCount++
			o.LastError = err.Error()
			m.mu.Unlock()
			return apperrors.IsRetryable(err)
		}).
		WithBackoff(m.cfg.RetryBackoff, m.cfg.RetryCap).
		WithMaxRetries(m.cfg.MaxRetries).
		Build()

	ack, err := failsafe.With[*core.OrderAck](retry).WithContext(ctx).Get(func() (*core.OrderAck, error) {
		return m.exchange.CreateOrder(ctx, core.CreateOrderRequest{
			Symbol:   o.Symbol,
			Side:     o.Side,
			Type:     o.Type,
			Quantity: o.Quantity,
			Price:    o.Price,
		})
	})
	if err != nil {
		target := core.OrderStateError
		if errIsRejection(err) {
			target = core.OrderStateRejected
		}
		m.mu.Lock()
		o.LastError = err.Error()
		m.mu.Unlock()
		if terr := m.transitionAndPersist(o, target); terr != nil {
			m.logger.Error("Failed to mark order after submit failure", "order", o.ID, "error", terr)
		}
		return o, err
	}

	m.mu.Lock()
	o.ExchangeID = ack.ExchangeID
	m.byExchangeID[ack.ExchangeID] = o.ID
	m.mu.Unlock()

	var target core.OrderState
	switch ack.Status {
	case "closed":
		target = core.OrderStateFilled
		m.mu.Lock()
		o.FilledQuantity = o.Quantity
		if o.AvgFillPrice.IsZero() {
			o.AvgFillPrice = o.Price
		}
		m.mu.Unlock()
	case "canceled":
		target = core.OrderStateCancelled
	default:
		target = core.OrderStateOpen
	}
	if err := m.transitionAndPersist(o, target); err != nil {
		return o, err
	}

	if target == core.OrderStateFilled {
		m.emitFilled(o)
	}

	m.logger.Info("Order submitted",
		"order", o.ID, "exchange_id", o.ExchangeID,
		"side", o.Side, "type", o.Type,
		"qty", o.Quantity, "price", o.Price, "state", o.State)
	return o, nil
}

// CancelOrder cancels an order. Orders that never reached the exchange move
// directly to CANCELLED; OPEN and PARTIAL orders go through CANCELLING.
func (m *Manager) CancelOrder(ctx context.Context, id string) error {
	m.mu.Lock()
	o, ok := m.orders[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, id)
	}

	if o.ExchangeID == "" {
		return m.transitionAndPersist(o, core.OrderStateCancelled)
	}

	if o.State != core.OrderStateOpen && o.State != core.OrderStatePartial {
		return fmt.Errorf("%w: cancel from %s", apperrors.ErrInvalidTransition, o.State)
	}
	if err := m.transitionAndPersist(o, core.OrderStateCancelling); err != nil {
		return err
	}

	if err := m.exchange.CancelOrder(ctx, o.ExchangeID, o.Symbol); err != nil {
		m.mu.Lock()
		o.LastError = err.Error()
		m.mu.Unlock()
		if terr := m.transitionAndPersist(o, core.OrderStateError); terr != nil {
			m.logger.Error("Failed to mark order after cancel failure", "order", o.ID, "error", terr)
		}
		return err
	}
	return m.transitionAndPersist(o, core.OrderStateCancelled)
}

// CancelAllOpen cancels every non-terminal order; the first error is returned
// after all cancels were attempted.
func (m *Manager) CancelAllOpen(ctx context.Context) error {
	var firstErr error
	for _, o := range m.OpenOrders() {
		if o.State == core.OrderStateCancelling {
			continue
		}
		if err := m.CancelOrder(ctx, o.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OpenOrders returns a snapshot of all non-terminal orders.
func (m *Manager) OpenOrders() []*core.ManagedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.ManagedOrder
	for _, o := range m.orders {
		if !o.State.IsTerminal() {
			out = append(out, o)
		}
	}
	return out
}

// Get returns the tracked order by internal id.
func (m *Manager) Get(id string) (*core.ManagedOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	return o, ok
}

// HasActiveGridOrder reports whether any non-terminal order exists for the
// (side, grid level) pair. Orders without a grid level never collide.
func (m *Manager) HasActiveGridOrder(side core.Side, level int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.GridLevel == nil || o.State.IsTerminal() {
			continue
		}
		if o.Side == side && *o.GridLevel == level {
			return true
		}
	}
	return false
}

// HandleUpdate applies a normalized user-data stream event. Late updates that
// would violate the transition matrix are dropped; filled quantity only moves
// forward, so a WS fill racing a REST sync converges.
func (m *Manager) HandleUpdate(update core.OrderUpdate) {
	m.mu.Lock()
	id, ok := m.byExchangeID[update.ExchangeID]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("Update for unknown order", "exchange_id", update.ExchangeID)
		return
	}
	o := m.orders[id]
	m.mu.Unlock()

	m.applyStatus(o, update.Status, update.FilledQty, update.AvgPrice, update.Fee, update.FeeAsset, update.ExecID)
}

// SyncOrderStatus fetches the order from the exchange and runs the same
// normalization pipeline as the WS path. Idempotent by construction.
func (m *Manager) SyncOrderStatus(ctx context.Context, id string) error {
	m.mu.Lock()
	o, ok := m.orders[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, id)
	}
	if o.ExchangeID == "" || o.State.IsTerminal() {
		return nil
	}

	info, err := m.exchange.FetchOrder(ctx, o.ExchangeID, o.Symbol)
	if err != nil {
		return err
	}
	m.applyStatus(o, info.Status, info.Filled, info.Average, info.Fee, info.FeeAsset, "")
	return nil
}

// LoadFromStore rebuilds the in-memory map from persisted non-terminal orders
// and reconciles those that reached the exchange (rehydrate path).
func (m *Manager) LoadFromStore(ctx context.Context) error {
	persisted, err := m.store.ListOpenOrders(ctx, m.botID)
	if err != nil {
		return fmt.Errorf("failed to load open orders: %w", err)
	}

	m.mu.Lock()
	for _, o := range persisted {
		m.orders[o.ID] = o
		if o.ExchangeID != "" {
			m.byExchangeID[o.ExchangeID] = o.ID
		}
	}
	m.mu.Unlock()

	for _, o := range persisted {
		if o.ExchangeID == "" {
			continue
		}
		if err := m.SyncOrderStatus(ctx, o.ID); err != nil {
			m.logger.Warn("Failed to reconcile order on rehydrate", "order", o.ID, "error", err)
		}
	}
	m.logger.Info("Rehydrated orders", "count", len(persisted))
	return nil
}

// applyStatus is the single normalization pipeline shared by WS updates and
// REST syncs.
func (m *Manager) applyStatus(o *core.ManagedOrder, status string, filled, avgPrice, fee decimal.Decimal, feeAsset, execID string) {
	m.mu.Lock()

	// Monotonic fill progress: never move backwards.
	if filled.GreaterThan(o.FilledQuantity) {
		if filled.GreaterThan(o.Quantity) {
			filled = o.Quantity
		}
		o.FilledQuantity = filled
	}
	if avgPrice.IsPositive() {
		o.AvgFillPrice = avgPrice
	}
	m.mergeFee(o, fee, execID)
	if feeAsset != "" {
		o.FeeAsset = feeAsset
	}

	target := stateForStatus(status)
	moved := false
	if target != "" && target != o.State && CanTransition(o.State, target) {
		o.State = target
		moved = true
	}
	if o.State.IsTerminal() {
		delete(m.countedExecs, o.ID)
	}
	m.mu.Unlock()

	m.persist(o)

	if moved && o.State == core.OrderStateFilled {
		m.emitFilled(o)
	} else if !moved && target != "" && target != o.State {
		m.logger.Debug("Dropped late order update",
			"order", o.ID, "state", o.State, "proposed", target)
	}
}

// mergeFee folds a fee report into the order. Per-execution fees (execID set,
// e.g. Binance's executionReport commission) sum once per execution; reports
// without an execution id carry the cumulative fee and only move it forward.
// Caller holds mu.
func (m *Manager) mergeFee(o *core.ManagedOrder, fee decimal.Decimal, execID string) {
	if !fee.IsPositive() {
		return
	}
	if execID == "" {
		if fee.GreaterThan(o.Fee) {
			o.Fee = fee
		}
		return
	}
	// The exec set is dropped on terminal; a frame replayed after that must
	// not double-count.
	if o.State.IsTerminal() {
		return
	}
	seen := m.countedExecs[o.ID]
	if seen == nil {
		seen = make(map[string]bool)
		m.countedExecs[o.ID] = seen
	}
	if seen[execID] {
		return
	}
	seen[execID] = true
	o.Fee = o.Fee.Add(fee)
}

// stateForStatus maps a normalized exchange status onto the state machine.
func stateForStatus(status string) core.OrderState {
	switch status {
	case "open":
		return core.OrderStateOpen
	case "partially_filled":
		return core.OrderStatePartial
	case "filled":
		return core.OrderStateFilled
	case "cancelled":
		return core.OrderStateCancelled
	case "rejected":
		return core.OrderStateRejected
	}
	return ""
}

func (m *Manager) transitionAndPersist(o *core.ManagedOrder, to core.OrderState) error {
	m.mu.Lock()
	err := Transition(o, to)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.persist(o)
	return nil
}

func (m *Manager) track(o *core.ManagedOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
}

// persist writes the order with a bounded timeout so a slow database never
// wedges the update path.
func (m *Manager) persist(o *core.ManagedOrder) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PersistTimeout)
	defer cancel()
	if err := m.store.SaveOrder(ctx, o); err != nil {
		m.logger.Error("Failed to persist order", "order", o.ID, "error", err)
	}
}

func (m *Manager) emitFilled(o *core.ManagedOrder) {
	m.mu.Lock()
	fn := m.onFilled
	m.mu.Unlock()
	if fn != nil {
		fn(o)
	}
}

func errIsRejection(err error) bool {
	return errors.Is(err, apperrors.ErrOrderRejected) ||
		errors.Is(err, apperrors.ErrInsufficientFunds) ||
		errors.Is(err, apperrors.ErrInvalidOrderParams)
}
