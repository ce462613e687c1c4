package risk

import (
	"context"
	"fmt"
	"time"

	"botcore/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RiskConfig carries the drawdown stops and capital split.
type RiskConfig struct {
	DailyStopPercent          float64
	WeeklyStopPercent         float64
	MonthlyStopPercent        float64
	DailyPauseHours           int
	TwoStepWaitMinutes        int
	TrailingPercent           float64
	TrailingWaitMinutes       int
	ActiveCapitalPercent      float64
	ReserveCapitalPercent     float64
	ReinforcementLevelsPercent []float64
}

// DefaultRiskConfig mirrors the documented defaults.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		DailyStopPercent:          4,
		WeeklyStopPercent:         10,
		MonthlyStopPercent:        20,
		DailyPauseHours:           24,
		TwoStepWaitMinutes:        30,
		TrailingPercent:           3,
		TrailingWaitMinutes:       30,
		ActiveCapitalPercent:      60,
		ReserveCapitalPercent:     40,
		ReinforcementLevelsPercent: []float64{8, 15},
	}
}

const (
	dailyWindow   = 24 * time.Hour
	weeklyWindow  = 7 * 24 * time.Hour
	monthlyWindow = 30 * 24 * time.Hour
)

// Manager applies drawdown stops over rolling windows, a trailing equity
// stop, a two-step liquidation path and staged reserve deployment. State is
// persisted per bot so restarts resume pauses in progress.
type Manager struct {
	store  core.Store
	cfg    RiskConfig
	logger core.Logger
	now    func() time.Time
}

// NewManager builds a risk manager over the persistence layer.
func NewManager(store core.Store, cfg RiskConfig, logger core.Logger) *Manager {
	if cfg.DailyStopPercent <= 0 {
		cfg = DefaultRiskConfig()
	}
	return &Manager{
		store:  store,
		cfg:    cfg,
		logger: logger.WithField("component", "risk_manager"),
		now:    time.Now,
	}
}

// SetClock overrides the time source (tests).
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// UpdateState runs one risk evaluation for the bot. Equity is the quote value
// of the account at currentPrice; freeQuote gates reinforcement deployment.
func (m *Manager) UpdateState(ctx context.Context, bot *core.Bot, currentPrice, equity, freeQuote decimal.Decimal) (core.RiskDecision, error) {
	now := m.now()
	decision := core.RiskDecision{Status: core.RiskStatusOK, Action: core.RiskActionNone}

	state, err := m.store.GetRiskState(ctx, bot.ID)
	if err != nil {
		return decision, fmt.Errorf("failed to load risk state: %w", err)
	}
	if state == nil {
		state = &core.RiskState{
			BotID:      bot.ID,
			Status:     core.RiskStatusOK,
			EquityPeak: equity,
			Daily:      core.RiskWindow{Start: now, Peak: equity},
			Weekly:     core.RiskWindow{Start: now, Peak: equity},
			Monthly:    core.RiskWindow{Start: now, Peak: equity},
		}
	}

	state.LastEquity = equity
	if equity.GreaterThan(state.EquityPeak) {
		state.EquityPeak = equity
	}
	rollWindow(&state.Daily, now, dailyWindow, equity)
	rollWindow(&state.Weekly, now, weeklyWindow, equity)
	rollWindow(&state.Monthly, now, monthlyWindow, equity)

	decision = m.applyPauses(state, now, equity)
	if decision.Action == core.RiskActionNone && decision.Status == state.Status {
		switch state.Status {
		case core.RiskStatusLiquidated, core.RiskStatusPendingLiquidation, core.RiskStatusPaused:
			// An active pause or terminal state short-circuits the stop checks.
			return m.finish(ctx, state, equity, decision)
		}
	}

	if d := m.stopChecks(state, now, equity); d.Action != core.RiskActionNone {
		decision = d
	} else if d := m.trailingCheck(state, now, equity); d.Action != core.RiskActionNone {
		decision = d
	} else if d := m.reinforcementCheck(state, bot, currentPrice, freeQuote); d.Action != core.RiskActionNone {
		decision = d
	}

	return m.finish(ctx, state, equity, decision)
}

// CheckOrder denies orders while the bot is paused or liquidating.
func (m *Manager) CheckOrder(ctx context.Context, botID string) (bool, string, error) {
	state, err := m.store.GetRiskState(ctx, botID)
	if err != nil {
		return false, "", err
	}
	if state == nil {
		return true, "", nil
	}
	switch state.Status {
	case core.RiskStatusPaused, core.RiskStatusPendingLiquidation, core.RiskStatusLiquidated:
		return false, "risk_" + string(state.Status), nil
	}
	return true, "", nil
}

// rollWindow restarts the window when its period elapsed, otherwise raises
// the window peak.
func rollWindow(w *core.RiskWindow, now time.Time, period time.Duration, equity decimal.Decimal) {
	if w.Start.IsZero() || now.Sub(w.Start) >= period {
		w.Start = now
		w.Peak = equity
		return
	}
	if equity.GreaterThan(w.Peak) {
		w.Peak = equity
	}
}

// applyPauses resolves pauses already in effect: expiry, two-step escalation
// and trailing recovery.
func (m *Manager) applyPauses(state *core.RiskState, now time.Time, equity decimal.Decimal) core.RiskDecision {
	none := core.RiskDecision{Status: state.Status, Action: core.RiskActionNone}

	if state.Status == core.RiskStatusLiquidated {
		return none
	}

	if !state.PendingLiquidationTill.IsZero() {
		if now.Before(state.PendingLiquidationTill) {
			return none
		}
		// Second step: liquidate only if equity is still below the stop that
		// started the countdown.
		if m.stillBelowStop(state, equity) {
			state.Status = core.RiskStatusLiquidated
			state.PendingLiquidationTill = time.Time{}
			return core.RiskDecision{
				Status: core.RiskStatusLiquidated,
				Action: core.RiskActionLiquidate,
				Reason: state.PendingReason,
			}
		}
		state.Status = core.RiskStatusOK
		state.PendingLiquidationTill = time.Time{}
		state.PendingReason = ""
		return core.RiskDecision{Status: core.RiskStatusOK, Action: core.RiskActionResume, Reason: "recovered_before_liquidation"}
	}

	if !state.PausedUntil.IsZero() {
		if now.Before(state.PausedUntil) {
			return none
		}
		state.Status = core.RiskStatusOK
		state.PausedUntil = time.Time{}
		return core.RiskDecision{Status: core.RiskStatusOK, Action: core.RiskActionResume, Reason: "pause_expired"}
	}

	if !state.TrailingPauseUntil.IsZero() {
		if now.Before(state.TrailingPauseUntil) {
			return none
		}
		floor := state.EquityPeak.Mul(pctComplement(m.cfg.TrailingPercent))
		if equity.GreaterThanOrEqual(floor) {
			state.Status = core.RiskStatusOK
			state.TrailingPauseUntil = time.Time{}
			return core.RiskDecision{Status: core.RiskStatusOK, Action: core.RiskActionResume, Reason: "trailing_recovered"}
		}
		state.TrailingPauseUntil = now.Add(time.Duration(m.cfg.TrailingWaitMinutes) * time.Minute)
		return core.RiskDecision{Status: core.RiskStatusPaused, Action: core.RiskActionPause, Reason: "trailing_extended"}
	}

	return none
}

// stillBelowStop rechecks the stop that armed the pending liquidation.
func (m *Manager) stillBelowStop(state *core.RiskState, equity decimal.Decimal) bool {
	switch state.PendingReason {
	case "monthly_stop":
		return drawdownPercent(equity, state.Monthly.Peak) <= -m.cfg.MonthlyStopPercent
	case "weekly_stop":
		return drawdownPercent(equity, state.Weekly.Peak) <= -m.cfg.WeeklyStopPercent
	}
	return false
}

// stopChecks evaluates the drawdown stops worst-first so a monthly breach
// escalates even when the daily stop also fired.
func (m *Manager) stopChecks(state *core.RiskState, now time.Time, equity decimal.Decimal) core.RiskDecision {
	if state.Status != core.RiskStatusOK {
		return core.RiskDecision{Status: state.Status, Action: core.RiskActionNone}
	}

	if drawdownPercent(equity, state.Monthly.Peak) <= -m.cfg.MonthlyStopPercent {
		return m.enterPendingLiquidation(state, now, "monthly_stop")
	}
	if drawdownPercent(equity, state.Weekly.Peak) <= -m.cfg.WeeklyStopPercent {
		return m.enterPendingLiquidation(state, now, "weekly_stop")
	}
	if drawdownPercent(equity, state.Daily.Peak) <= -m.cfg.DailyStopPercent {
		state.Status = core.RiskStatusPaused
		state.PausedUntil = now.Add(time.Duration(m.cfg.DailyPauseHours) * time.Hour)
		return core.RiskDecision{Status: core.RiskStatusPaused, Action: core.RiskActionPause, Reason: "daily_stop"}
	}
	return core.RiskDecision{Status: state.Status, Action: core.RiskActionNone}
}

func (m *Manager) enterPendingLiquidation(state *core.RiskState, now time.Time, reason string) core.RiskDecision {
	state.Status = core.RiskStatusPendingLiquidation
	state.PendingReason = reason
	state.PendingLiquidationTill = now.Add(time.Duration(m.cfg.TwoStepWaitMinutes) * time.Minute)
	return core.RiskDecision{
		Status: core.RiskStatusPendingLiquidation,
		Action: core.RiskActionPendingLiquidation,
		Reason: reason,
	}
}

// trailingCheck pauses when equity falls off the all-time peak.
func (m *Manager) trailingCheck(state *core.RiskState, now time.Time, equity decimal.Decimal) core.RiskDecision {
	if state.Status != core.RiskStatusOK || !state.EquityPeak.IsPositive() {
		return core.RiskDecision{Status: state.Status, Action: core.RiskActionNone}
	}
	floor := state.EquityPeak.Mul(pctComplement(m.cfg.TrailingPercent))
	if equity.LessThan(floor) {
		state.Status = core.RiskStatusPaused
		state.TrailingPauseUntil = now.Add(time.Duration(m.cfg.TrailingWaitMinutes) * time.Minute)
		return core.RiskDecision{Status: core.RiskStatusPaused, Action: core.RiskActionPause, Reason: "trailing_stop"}
	}
	return core.RiskDecision{Status: state.Status, Action: core.RiskActionNone}
}

// reinforcementCheck deploys the next reserve tranche when price reaches its
// trigger level below the reference price.
func (m *Manager) reinforcementCheck(state *core.RiskState, bot *core.Bot, currentPrice, freeQuote decimal.Decimal) core.RiskDecision {
	none := core.RiskDecision{Status: state.Status, Action: core.RiskActionNone}

	if !currentPrice.IsPositive() || state.Status != core.RiskStatusOK {
		return none
	}
	if state.ReferencePrice.IsZero() {
		state.ReferencePrice = currentPrice
		return none
	}
	levels := m.cfg.ReinforcementLevelsPercent
	if state.ReinforcementsUsed >= len(levels) {
		return none
	}

	trigger := state.ReferencePrice.Mul(pctComplement(levels[state.ReinforcementsUsed]))
	if currentPrice.GreaterThan(trigger) {
		return none
	}

	tranche := bot.Investment.
		Mul(decimal.NewFromFloat(m.cfg.ReserveCapitalPercent / 100)).
		Div(decimal.NewFromInt(int64(len(levels))))
	if freeQuote.LessThan(tranche) {
		return none
	}

	if state.InvestmentOverride.IsZero() {
		state.InvestmentOverride = bot.Investment.
			Mul(decimal.NewFromFloat(m.cfg.ActiveCapitalPercent / 100))
	}
	state.InvestmentOverride = state.InvestmentOverride.Add(tranche)
	state.ReinforcementsUsed++

	return core.RiskDecision{
		Status: state.Status,
		Action: core.RiskActionNone,
		Reason: "reinforcement_deployed",
		Metadata: map[string]string{
			"tranche":             tranche.String(),
			"reinforcements_used": fmt.Sprintf("%d", state.ReinforcementsUsed),
			"investment_override": state.InvestmentOverride.String(),
		},
	}
}

// finish persists state and records non-NONE decisions as events.
func (m *Manager) finish(ctx context.Context, state *core.RiskState, equity decimal.Decimal, decision core.RiskDecision) (core.RiskDecision, error) {
	state.UpdatedAt = m.now()
	if err := m.store.SaveRiskState(ctx, state); err != nil {
		return decision, fmt.Errorf("failed to save risk state: %w", err)
	}

	if decision.Action != core.RiskActionNone {
		event := &core.RiskEvent{
			ID:        uuid.NewString(),
			BotID:     state.BotID,
			Action:    decision.Action,
			Status:    decision.Status,
			Reason:    decision.Reason,
			Equity:    equity,
			Timestamp: m.now(),
		}
		if err := m.store.InsertRiskEvent(ctx, event); err != nil {
			m.logger.Error("Failed to persist risk event", "bot", state.BotID, "error", err)
		}
		m.logger.Warn("Risk action",
			"bot", state.BotID, "action", decision.Action,
			"status", decision.Status, "reason", decision.Reason,
			"equity", equity)
	}
	return decision, nil
}

// drawdownPercent is negative when equity sits below the peak.
func drawdownPercent(equity, peak decimal.Decimal) float64 {
	if !peak.IsPositive() {
		return 0
	}
	dd, _ := equity.Sub(peak).Div(peak).Mul(decimal.NewFromInt(100)).Float64()
	return dd
}

func pctComplement(pct float64) decimal.Decimal {
	return decimal.NewFromFloat(1 - pct/100)
}
