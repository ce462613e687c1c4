// Package risk holds the per-bot safety layers: the KV-backed circuit breaker
// and the drawdown-driven risk manager.
package risk

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"botcore/internal/core"
	"botcore/internal/kv"
	"botcore/pkg/mathx"

	"github.com/shopspring/decimal"
)

// CircuitState is the breaker state for one bot.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// Trip reasons and per-order denial reasons.
const (
	ReasonOrderRate      = "ORDER_RATE_EXCEEDED"
	ReasonLossLimit      = "LOSS_LIMIT_EXCEEDED"
	ReasonBreakerOpen    = "circuit_breaker_open"
	ReasonPriceDeviation = "price_deviation_exceeded"
	ReasonHalfOpenLimit  = "half_open_order_limit"
)

// CircuitConfig carries the breaker thresholds.
type CircuitConfig struct {
	MaxOrdersPerMinute       int
	MaxLossPercentPerHour    float64
	MaxPriceDeviationPercent float64
	Cooldown                 time.Duration
	HalfOpenOrders           int
}

// DefaultCircuitConfig mirrors the documented defaults.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		MaxOrdersPerMinute:       50,
		MaxLossPercentPerHour:    5.0,
		MaxPriceDeviationPercent: 10.0,
		Cooldown:                 5 * time.Minute,
		HalfOpenOrders:           3,
	}
}

const (
	orderWindowTTL = time.Minute
	lossWindowTTL  = time.Hour
)

// CircuitBreaker enforces per-bot order-rate, loss-rate and price-deviation
// limits with state shared through the key-value store, so every process
// watching a bot sees the same breaker.
type CircuitBreaker struct {
	store  kv.Store
	cfg    CircuitConfig
	logger core.Logger
}

// NewCircuitBreaker builds a breaker over the given KV store.
func NewCircuitBreaker(store kv.Store, cfg CircuitConfig, logger core.Logger) *CircuitBreaker {
	if cfg.MaxOrdersPerMinute <= 0 {
		cfg = DefaultCircuitConfig()
	}
	return &CircuitBreaker{
		store:  store,
		cfg:    cfg,
		logger: logger.WithField("component", "circuit_breaker"),
	}
}

// State returns the current breaker state, promoting OPEN to HALF_OPEN once
// the cooldown key has expired. The promotion is a compare-and-set so only
// one reader wins when several check concurrently.
func (cb *CircuitBreaker) State(ctx context.Context, botID string) (CircuitState, error) {
	raw, ok, err := cb.store.Get(ctx, kv.CBState(botID))
	if err != nil {
		return CircuitClosed, err
	}
	if !ok || raw == string(CircuitClosed) {
		return CircuitClosed, nil
	}
	state := CircuitState(raw)
	if state != CircuitOpen {
		return state, nil
	}

	cooling, err := cb.store.Exists(ctx, kv.CBCooldown(botID))
	if err != nil {
		return state, err
	}
	if cooling {
		return CircuitOpen, nil
	}

	swapped, err := cb.store.SetIfEqual(ctx, kv.CBState(botID), string(CircuitOpen), string(CircuitHalfOpen), 0)
	if err != nil {
		return state, err
	}
	if swapped {
		cb.logger.Info("Circuit breaker half-open", "bot", botID)
	}
	return CircuitHalfOpen, nil
}

// CheckOrderAllowed evaluates the breaker for one candidate order. A zero
// currentPrice counts as full price deviation.
func (cb *CircuitBreaker) CheckOrderAllowed(ctx context.Context, botID string, orderPrice, currentPrice, investment decimal.Decimal) (bool, string, error) {
	state, err := cb.State(ctx, botID)
	if err != nil {
		return false, "", err
	}
	if state == CircuitOpen {
		return false, ReasonBreakerOpen, nil
	}

	count, err := cb.orderCount(ctx, botID)
	if err != nil {
		return false, "", err
	}
	if state == CircuitHalfOpen && count >= int64(cb.cfg.HalfOpenOrders) {
		return false, ReasonHalfOpenLimit, nil
	}
	if count >= int64(cb.cfg.MaxOrdersPerMinute) {
		if err := cb.Trip(ctx, botID, ReasonOrderRate); err != nil {
			return false, "", err
		}
		return false, ReasonOrderRate, nil
	}

	if investment.IsPositive() {
		loss, err := cb.lossWindow(ctx, botID)
		if err != nil {
			return false, "", err
		}
		pct := loss.Div(investment).Mul(decimal.NewFromInt(100))
		if pct.GreaterThanOrEqual(decimal.NewFromFloat(cb.cfg.MaxLossPercentPerHour)) {
			if err := cb.Trip(ctx, botID, ReasonLossLimit); err != nil {
				return false, "", err
			}
			return false, ReasonLossLimit, nil
		}
	}

	if orderPrice.IsPositive() {
		dev := mathx.AbsDeviationPercent(orderPrice, currentPrice)
		if dev.GreaterThan(decimal.NewFromFloat(cb.cfg.MaxPriceDeviationPercent)) {
			// Scoped to this order, the breaker stays closed.
			return false, ReasonPriceDeviation, nil
		}
	}

	return true, "", nil
}

// RecordOrderPlaced increments the rolling order counter, arming the 60s
// window on first increment.
func (cb *CircuitBreaker) RecordOrderPlaced(ctx context.Context, botID string) error {
	n, err := cb.store.Incr(ctx, kv.CBOrders(botID))
	if err != nil {
		return err
	}
	if n == 1 {
		return cb.store.Expire(ctx, kv.CBOrders(botID), orderWindowTTL)
	}
	return nil
}

// RecordPnL accumulates losses into the rolling 1h window. Gains are ignored.
func (cb *CircuitBreaker) RecordPnL(ctx context.Context, botID string, pnl decimal.Decimal) error {
	if !pnl.IsNegative() {
		return nil
	}
	abs, _ := pnl.Abs().Float64()
	if _, err := cb.store.IncrByFloat(ctx, kv.CBLoss(botID), abs); err != nil {
		return err
	}
	return cb.store.Expire(ctx, kv.CBLoss(botID), lossWindowTTL)
}

// Trip opens the breaker and arms the cooldown.
func (cb *CircuitBreaker) Trip(ctx context.Context, botID, reason string) error {
	if err := cb.store.Set(ctx, kv.CBState(botID), string(CircuitOpen), 0); err != nil {
		return err
	}
	if err := cb.store.Set(ctx, kv.CBReason(botID), reason, 0); err != nil {
		return err
	}
	if err := cb.store.Set(ctx, kv.CBCooldown(botID), "1", cb.cfg.Cooldown); err != nil {
		return err
	}
	cb.logger.Warn("Circuit breaker tripped", "bot", botID, "reason", reason)
	return nil
}

// Reset clears the breaker state and trip reason.
func (cb *CircuitBreaker) Reset(ctx context.Context, botID string) error {
	err := cb.store.Del(ctx,
		kv.CBState(botID), kv.CBReason(botID), kv.CBCooldown(botID))
	if err != nil {
		return err
	}
	cb.logger.Info("Circuit breaker reset", "bot", botID)
	return nil
}

// TripReason returns the last trip reason, empty when never tripped.
func (cb *CircuitBreaker) TripReason(ctx context.Context, botID string) (string, error) {
	reason, _, err := cb.store.Get(ctx, kv.CBReason(botID))
	return reason, err
}

func (cb *CircuitBreaker) orderCount(ctx context.Context, botID string) (int64, error) {
	raw, ok, err := cb.store.Get(ctx, kv.CBOrders(botID))
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt order counter %q: %w", raw, err)
	}
	return n, nil
}

func (cb *CircuitBreaker) lossWindow(ctx context.Context, botID string) (decimal.Decimal, error) {
	raw, ok, err := cb.store.Get(ctx, kv.CBLoss(botID))
	if err != nil || !ok {
		return decimal.Zero, err
	}
	loss, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt loss counter %q: %w", raw, err)
	}
	return loss, nil
}
