// Package store provides SQL persistence for bots, orders, trades and risk
// state on SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"botcore/internal/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS bots (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	credential_id  TEXT NOT NULL,
	exchange       TEXT NOT NULL,
	strategy       TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	config         TEXT NOT NULL DEFAULT '{}',
	status         TEXT NOT NULL DEFAULT 'stopped',
	investment     TEXT NOT NULL DEFAULT '0',
	realized_pnl   TEXT NOT NULL DEFAULT '0',
	unrealized_pnl TEXT NOT NULL DEFAULT '0',
	strategy_state TEXT,
	error_message  TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	id              TEXT PRIMARY KEY,
	bot_id          TEXT NOT NULL REFERENCES bots(id),
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	type            TEXT NOT NULL,
	quantity        TEXT NOT NULL,
	price           TEXT,
	state           TEXT NOT NULL,
	exchange_id     TEXT,
	filled_quantity TEXT NOT NULL DEFAULT '0',
	avg_fill_price  TEXT NOT NULL DEFAULT '0',
	fee             TEXT NOT NULL DEFAULT '0',
	fee_asset       TEXT NOT NULL DEFAULT '',
	grid_level      INTEGER,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_bot_state ON orders(bot_id, state);
CREATE INDEX IF NOT EXISTS idx_orders_exchange ON orders(exchange_id);

CREATE TABLE IF NOT EXISTS trades (
	id                TEXT PRIMARY KEY,
	bot_id            TEXT NOT NULL REFERENCES bots(id),
	order_id          TEXT,
	exchange_trade_id TEXT,
	symbol            TEXT NOT NULL,
	side              TEXT NOT NULL,
	price             TEXT NOT NULL,
	quantity          TEXT NOT NULL,
	fee               TEXT NOT NULL DEFAULT '0',
	fee_currency      TEXT NOT NULL DEFAULT '',
	realized_pnl      TEXT,
	timestamp         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_bot_ts ON trades(bot_id, timestamp);
CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_exchange_trade
	ON trades(bot_id, exchange_trade_id) WHERE exchange_trade_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS risk_state (
	bot_id                   TEXT PRIMARY KEY REFERENCES bots(id),
	status                   TEXT NOT NULL DEFAULT 'OK',
	equity_peak              TEXT NOT NULL DEFAULT '0',
	last_equity              TEXT NOT NULL DEFAULT '0',
	daily_window_start       INTEGER NOT NULL DEFAULT 0,
	daily_peak               TEXT NOT NULL DEFAULT '0',
	weekly_window_start      INTEGER NOT NULL DEFAULT 0,
	weekly_peak              TEXT NOT NULL DEFAULT '0',
	monthly_window_start     INTEGER NOT NULL DEFAULT 0,
	monthly_peak             TEXT NOT NULL DEFAULT '0',
	paused_until             INTEGER NOT NULL DEFAULT 0,
	trailing_pause_until     INTEGER NOT NULL DEFAULT 0,
	pending_liquidation_till INTEGER NOT NULL DEFAULT 0,
	pending_reason           TEXT NOT NULL DEFAULT '',
	reference_price          TEXT NOT NULL DEFAULT '0',
	reinforcements_used      INTEGER NOT NULL DEFAULT 0,
	investment_override      TEXT NOT NULL DEFAULT '0',
	updated_at               INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS risk_events (
	id        TEXT PRIMARY KEY,
	bot_id    TEXT NOT NULL REFERENCES bots(id),
	action    TEXT NOT NULL,
	status    TEXT NOT NULL,
	reason    TEXT NOT NULL,
	equity    TEXT NOT NULL DEFAULT '0',
	timestamp INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bot_events (
	id        TEXT PRIMARY KEY,
	bot_id    TEXT NOT NULL REFERENCES bots(id),
	kind      TEXT NOT NULL,
	message   TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL
);
`

// Store implements core.Store on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating when absent) the database at path with WAL mode for
// crash recovery.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateBot inserts a new bot row.
func (s *Store) CreateBot(ctx context.Context, b *core.Bot) error {
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	cfg := b.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bots (id, user_id, credential_id, exchange, strategy, symbol,
			config, status, investment, realized_pnl, unrealized_pnl,
			strategy_state, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.UserID, b.CredentialID, b.Exchange, string(b.Strategy), b.Symbol,
		string(cfg), string(b.Status), b.Investment.String(),
		b.RealizedPnL.String(), b.UnrealizedPnL.String(),
		nullString(string(b.StrategyState)), b.ErrorMessage,
		b.CreatedAt.UnixMilli(), b.UpdatedAt.UnixMilli())
	return err
}

// GetBot loads one bot by id.
func (s *Store) GetBot(ctx context.Context, id string) (*core.Bot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, credential_id, exchange, strategy, symbol, config,
			status, investment, realized_pnl, unrealized_pnl, strategy_state,
			error_message, created_at, updated_at
		FROM bots WHERE id = ?`, id)
	b, err := scanBot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

// ListBotStatuses returns the id -> status map for all bots.
func (s *Store) ListBotStatuses(ctx context.Context) (map[string]core.BotStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, status FROM bots`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	statuses := make(map[string]core.BotStatus)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		statuses[id] = core.BotStatus(status)
	}
	return statuses, rows.Err()
}

// ListBotsByStatus returns all bots whose status is one of the given values.
func (s *Store) ListBotsByStatus(ctx context.Context, statuses ...core.BotStatus) ([]*core.Bot, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT id, user_id, credential_id, exchange, strategy, symbol, config,
		status, investment, realized_pnl, unrealized_pnl, strategy_state,
		error_message, created_at, updated_at FROM bots WHERE status IN (?` +
		strings.Repeat(",?", len(statuses)-1) + `)`
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bots []*core.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

// UpdateBotStatus sets status and error message for one bot.
func (s *Store) UpdateBotStatus(ctx context.Context, id string, status core.BotStatus, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bots SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), errorMessage, time.Now().UnixMilli(), id)
	return err
}

// UpdateBotPnL persists the bot's realized and unrealized P&L.
func (s *Store) UpdateBotPnL(ctx context.Context, id string, realized, unrealized decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bots SET realized_pnl = ?, unrealized_pnl = ?, updated_at = ? WHERE id = ?`,
		realized.String(), unrealized.String(), time.Now().UnixMilli(), id)
	return err
}

// SaveStrategyState persists the serialized strategy snapshot.
func (s *Store) SaveStrategyState(ctx context.Context, id string, state json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bots SET strategy_state = ?, updated_at = ? WHERE id = ?`,
		nullString(string(state)), time.Now().UnixMilli(), id)
	return err
}

// SaveOrder upserts a managed order after every state transition.
func (s *Store) SaveOrder(ctx context.Context, o *core.ManagedOrder) error {
	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	var gridLevel interface{}
	if o.GridLevel != nil {
		gridLevel = *o.GridLevel
	}
	var price interface{}
	if !o.Price.IsZero() {
		price = o.Price.String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, bot_id, symbol, side, type, quantity, price,
			state, exchange_id, filled_quantity, avg_fill_price, fee, fee_asset,
			grid_level, retry_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			exchange_id = excluded.exchange_id,
			filled_quantity = excluded.filled_quantity,
			avg_fill_price = excluded.avg_fill_price,
			fee = excluded.fee,
			fee_asset = excluded.fee_asset,
			retry_count = excluded.retry_count,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		o.ID, o.BotID, o.Symbol, string(o.Side), string(o.Type),
		o.Quantity.String(), price, string(o.State), nullString(o.ExchangeID),
		o.FilledQuantity.String(), o.AvgFillPrice.String(), o.Fee.String(),
		o.FeeAsset, gridLevel, o.RetryCount, o.LastError,
		o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli())
	return err
}

// ListOpenOrders returns the bot's orders in non-terminal states.
func (s *Store) ListOpenOrders(ctx context.Context, botID string) ([]*core.ManagedOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_id, symbol, side, type, quantity, price, state,
			exchange_id, filled_quantity, avg_fill_price, fee, fee_asset,
			grid_level, retry_count, last_error, created_at, updated_at
		FROM orders
		WHERE bot_id = ? AND state NOT IN ('FILLED', 'CANCELLED', 'REJECTED', 'ERROR')`,
		botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*core.ManagedOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// FindOrderByExchangeID resolves the local order carrying the venue's id.
func (s *Store) FindOrderByExchangeID(ctx context.Context, botID, exchangeID string) (*core.ManagedOrder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, bot_id, symbol, side, type, quantity, price, state,
			exchange_id, filled_quantity, avg_fill_price, fee, fee_asset,
			grid_level, retry_count, last_error, created_at, updated_at
		FROM orders WHERE bot_id = ? AND exchange_id = ?`,
		botID, exchangeID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

// InsertTrade appends one execution record.
func (s *Store) InsertTrade(ctx context.Context, t *core.Trade) error {
	var pnl interface{}
	if t.RealizedPnL != nil {
		pnl = t.RealizedPnL.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (id, bot_id, order_id, exchange_trade_id, symbol,
			side, price, quantity, fee, fee_currency, realized_pnl, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.BotID, nullString(t.OrderID), nullString(t.ExchangeTradeID),
		t.Symbol, string(t.Side), t.Price.String(), t.Quantity.String(),
		t.Fee.String(), t.FeeCurrency, pnl, t.Timestamp.UnixMilli())
	return err
}

// ListTrades returns the bot's trades at or after since, oldest first.
func (s *Store) ListTrades(ctx context.Context, botID string, since time.Time) ([]*core.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_id, order_id, exchange_trade_id, symbol, side, price,
			quantity, fee, fee_currency, realized_pnl, timestamp
		FROM trades WHERE bot_id = ? AND timestamp >= ? ORDER BY timestamp ASC`,
		botID, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*core.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// FindTradeByExchangeID looks up a trade by its remote trade id within the
// credential's bots.
func (s *Store) FindTradeByExchangeID(ctx context.Context, credentialID, exchangeTradeID string) (*core.Trade, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT t.id, t.bot_id, t.order_id, t.exchange_trade_id, t.symbol,
			t.side, t.price, t.quantity, t.fee, t.fee_currency, t.realized_pnl,
			t.timestamp
		FROM trades t JOIN bots b ON t.bot_id = b.id
		WHERE b.credential_id = ? AND t.exchange_trade_id = ?`,
		credentialID, exchangeTradeID)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// FindTradeByOrderFill matches a trade by the (order, price, quantity) tuple,
// the fallback when the remote trade id is absent locally.
func (s *Store) FindTradeByOrderFill(ctx context.Context, orderID string, price, qty decimal.Decimal) (*core.Trade, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, bot_id, order_id, exchange_trade_id, symbol, side, price,
			quantity, fee, fee_currency, realized_pnl, timestamp
		FROM trades WHERE order_id = ? AND price = ? AND quantity = ?`,
		orderID, price.String(), qty.String())
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// SumRealizedPnL totals the realized P&L over the bot's trade history.
func (s *Store) SumRealizedPnL(ctx context.Context, botID string) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT realized_pnl FROM trades WHERE bot_id = ? AND realized_pnl IS NOT NULL`, botID)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, err
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(d)
	}
	return total, rows.Err()
}

// GetRiskState loads the bot's risk state, nil when absent.
func (s *Store) GetRiskState(ctx context.Context, botID string) (*core.RiskState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT bot_id, status, equity_peak, last_equity,
			daily_window_start, daily_peak, weekly_window_start, weekly_peak,
			monthly_window_start, monthly_peak, paused_until,
			trailing_pause_until, pending_liquidation_till, pending_reason,
			reference_price, reinforcements_used, investment_override, updated_at
		FROM risk_state WHERE bot_id = ?`, botID)

	var rs core.RiskState
	var status string
	var equityPeak, lastEquity, dailyPeak, weeklyPeak, monthlyPeak, refPrice, override string
	var dailyStart, weeklyStart, monthlyStart, pausedUntil, trailingUntil, pendingTill, updatedAt int64

	err := row.Scan(&rs.BotID, &status, &equityPeak, &lastEquity,
		&dailyStart, &dailyPeak, &weeklyStart, &weeklyPeak,
		&monthlyStart, &monthlyPeak, &pausedUntil,
		&trailingUntil, &pendingTill, &rs.PendingReason,
		&refPrice, &rs.ReinforcementsUsed, &override, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rs.Status = core.RiskStatus(status)
	rs.EquityPeak = mustDecimal(equityPeak)
	rs.LastEquity = mustDecimal(lastEquity)
	rs.Daily = core.RiskWindow{Start: msTime(dailyStart), Peak: mustDecimal(dailyPeak)}
	rs.Weekly = core.RiskWindow{Start: msTime(weeklyStart), Peak: mustDecimal(weeklyPeak)}
	rs.Monthly = core.RiskWindow{Start: msTime(monthlyStart), Peak: mustDecimal(monthlyPeak)}
	rs.PausedUntil = msTime(pausedUntil)
	rs.TrailingPauseUntil = msTime(trailingUntil)
	rs.PendingLiquidationTill = msTime(pendingTill)
	rs.ReferencePrice = mustDecimal(refPrice)
	rs.InvestmentOverride = mustDecimal(override)
	rs.UpdatedAt = msTime(updatedAt)
	return &rs, nil
}

// SaveRiskState upserts the bot's risk state.
func (s *Store) SaveRiskState(ctx context.Context, rs *core.RiskState) error {
	rs.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_state (bot_id, status, equity_peak, last_equity,
			daily_window_start, daily_peak, weekly_window_start, weekly_peak,
			monthly_window_start, monthly_peak, paused_until,
			trailing_pause_until, pending_liquidation_till, pending_reason,
			reference_price, reinforcements_used, investment_override, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bot_id) DO UPDATE SET
			status = excluded.status,
			equity_peak = excluded.equity_peak,
			last_equity = excluded.last_equity,
			daily_window_start = excluded.daily_window_start,
			daily_peak = excluded.daily_peak,
			weekly_window_start = excluded.weekly_window_start,
			weekly_peak = excluded.weekly_peak,
			monthly_window_start = excluded.monthly_window_start,
			monthly_peak = excluded.monthly_peak,
			paused_until = excluded.paused_until,
			trailing_pause_until = excluded.trailing_pause_until,
			pending_liquidation_till = excluded.pending_liquidation_till,
			pending_reason = excluded.pending_reason,
			reference_price = excluded.reference_price,
			reinforcements_used = excluded.reinforcements_used,
			investment_override = excluded.investment_override,
			updated_at = excluded.updated_at`,
		rs.BotID, string(rs.Status), rs.EquityPeak.String(), rs.LastEquity.String(),
		msInt(rs.Daily.Start), rs.Daily.Peak.String(),
		msInt(rs.Weekly.Start), rs.Weekly.Peak.String(),
		msInt(rs.Monthly.Start), rs.Monthly.Peak.String(),
		msInt(rs.PausedUntil), msInt(rs.TrailingPauseUntil),
		msInt(rs.PendingLiquidationTill), rs.PendingReason,
		rs.ReferencePrice.String(), rs.ReinforcementsUsed,
		rs.InvestmentOverride.String(), rs.UpdatedAt.UnixMilli())
	return err
}

// InsertRiskEvent appends one risk decision record.
func (s *Store) InsertRiskEvent(ctx context.Context, e *core.RiskEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_events (id, bot_id, action, status, reason, equity, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.BotID, string(e.Action), string(e.Status), e.Reason,
		e.Equity.String(), e.Timestamp.UnixMilli())
	return err
}

// InsertBotEvent appends one lifecycle event record.
func (s *Store) InsertBotEvent(ctx context.Context, e *core.BotEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_events (id, bot_id, kind, message, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.BotID, e.Kind, e.Message, e.Timestamp.UnixMilli())
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBot(row rowScanner) (*core.Bot, error) {
	var b core.Bot
	var strategy, status, investment, realized, unrealized, config string
	var strategyState sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&b.ID, &b.UserID, &b.CredentialID, &b.Exchange, &strategy,
		&b.Symbol, &config, &status, &investment, &realized, &unrealized,
		&strategyState, &b.ErrorMessage, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	b.Strategy = core.StrategyKind(strategy)
	b.Status = core.BotStatus(status)
	b.Config = json.RawMessage(config)
	b.Investment = mustDecimal(investment)
	b.RealizedPnL = mustDecimal(realized)
	b.UnrealizedPnL = mustDecimal(unrealized)
	if strategyState.Valid {
		b.StrategyState = json.RawMessage(strategyState.String)
	}
	b.CreatedAt = msTime(createdAt)
	b.UpdatedAt = msTime(updatedAt)
	return &b, nil
}

func scanOrder(row rowScanner) (*core.ManagedOrder, error) {
	var o core.ManagedOrder
	var side, typ, state, quantity, filled, avgPrice, fee string
	var price, exchangeID sql.NullString
	var gridLevel sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&o.ID, &o.BotID, &o.Symbol, &side, &typ, &quantity, &price,
		&state, &exchangeID, &filled, &avgPrice, &fee, &o.FeeAsset,
		&gridLevel, &o.RetryCount, &o.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	o.Side = core.Side(side)
	o.Type = core.OrderType(typ)
	o.State = core.OrderState(state)
	o.Quantity = mustDecimal(quantity)
	if price.Valid {
		o.Price = mustDecimal(price.String)
	}
	if exchangeID.Valid {
		o.ExchangeID = exchangeID.String
	}
	o.FilledQuantity = mustDecimal(filled)
	o.AvgFillPrice = mustDecimal(avgPrice)
	o.Fee = mustDecimal(fee)
	if gridLevel.Valid {
		lvl := int(gridLevel.Int64)
		o.GridLevel = &lvl
	}
	o.CreatedAt = msTime(createdAt)
	o.UpdatedAt = msTime(updatedAt)
	return &o, nil
}

func scanTrade(row rowScanner) (*core.Trade, error) {
	var t core.Trade
	var side, price, quantity, fee string
	var orderID, exchangeTradeID, pnl sql.NullString
	var ts int64

	err := row.Scan(&t.ID, &t.BotID, &orderID, &exchangeTradeID, &t.Symbol,
		&side, &price, &quantity, &fee, &t.FeeCurrency, &pnl, &ts)
	if err != nil {
		return nil, err
	}

	t.Side = core.Side(side)
	t.Price = mustDecimal(price)
	t.Quantity = mustDecimal(quantity)
	t.Fee = mustDecimal(fee)
	if orderID.Valid {
		t.OrderID = orderID.String
	}
	if exchangeTradeID.Valid {
		t.ExchangeTradeID = exchangeTradeID.String
	}
	if pnl.Valid {
		d := mustDecimal(pnl.String)
		t.RealizedPnL = &d
	}
	t.Timestamp = msTime(ts)
	return &t, nil
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func msTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func msInt(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
