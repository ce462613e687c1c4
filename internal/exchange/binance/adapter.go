// Package binance implements the exchange adapter and private user stream
// for Binance spot.
package binance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"botcore/internal/core"
	apperrors "botcore/pkg/errors"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
)

// Adapter is the core.Exchange implementation for Binance spot.
type Adapter struct {
	client  *binance.Client
	symbols []string
	logger  core.Logger

	// populated by Connect
	info map[string]*core.SymbolInfo
}

// Options configures an adapter.
type Options struct {
	APIKey    string
	SecretKey string
	Testnet   bool
	BaseURL   string // optional override
}

// New creates a Binance spot adapter for the given symbols (BASE/QUOTE).
func New(opts Options, symbols []string, logger core.Logger) *Adapter {
	binance.UseTestnet = opts.Testnet
	client := binance.NewClient(opts.APIKey, opts.SecretKey)
	if opts.BaseURL != "" {
		client.BaseURL = opts.BaseURL
	}
	return &Adapter{
		client:  client,
		symbols: symbols,
		logger:  logger.WithField("component", "binance_adapter"),
		info:    make(map[string]*core.SymbolInfo),
	}
}

func (a *Adapter) Name() string { return "binance" }

// Connect verifies credentials and loads the trading rules for the
// configured symbols.
func (a *Adapter) Connect(ctx context.Context) error {
	account, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return wrapErr(err)
	}
	if !account.CanTrade {
		return fmt.Errorf("%w: account cannot trade", apperrors.ErrAuthenticationFailed)
	}

	native := make([]string, len(a.symbols))
	for i, s := range a.symbols {
		native[i] = nativeSymbol(s)
	}
	info, err := a.client.NewExchangeInfoService().Symbols(native...).Do(ctx)
	if err != nil {
		return wrapErr(err)
	}
	for _, s := range info.Symbols {
		si := &core.SymbolInfo{
			Symbol:     s.BaseAsset + "/" + s.QuoteAsset,
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
		}
		if f := s.LotSizeFilter(); f != nil {
			si.MinQty = mustDecimal(f.MinQuantity)
			si.StepSize = mustDecimal(f.StepSize)
		}
		if f := s.PriceFilter(); f != nil {
			si.TickSize = mustDecimal(f.TickSize)
		}
		if f := s.NotionalFilter(); f != nil {
			si.MinNotional = mustDecimal(f.MinNotional)
		}
		a.info[s.Symbol] = si
	}

	a.logger.Info("Connected to Binance", "symbols", len(a.info), "testnet", binance.UseTestnet)
	return nil
}

func (a *Adapter) FetchTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	native := nativeSymbol(symbol)

	prices, err := a.client.NewListPricesService().Symbol(native).Do(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	ticker := &core.Ticker{Last: mustDecimal(prices[0].Price)}

	books, err := a.client.NewListBookTickersService().Symbol(native).Do(ctx)
	if err == nil && len(books) > 0 {
		ticker.Bid = mustDecimal(books[0].BidPrice)
		ticker.Ask = mustDecimal(books[0].AskPrice)
	}
	return ticker, nil
}

func (a *Adapter) FetchBalance(ctx context.Context) (*core.Balance, error) {
	account, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	balance := &core.Balance{
		Free:  make(map[string]decimal.Decimal),
		Total: make(map[string]decimal.Decimal),
	}
	for _, b := range account.Balances {
		free := mustDecimal(b.Free)
		locked := mustDecimal(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		balance.Free[b.Asset] = free
		balance.Total[b.Asset] = free.Add(locked)
	}
	return balance, nil
}

func (a *Adapter) CreateOrder(ctx context.Context, req core.CreateOrderRequest) (*core.OrderAck, error) {
	svc := a.client.NewCreateOrderService().
		Symbol(nativeSymbol(req.Symbol)).
		Side(sideType(req.Side)).
		Quantity(req.Quantity.String())

	switch req.Type {
	case core.OrderTypeLimit:
		if req.Price.IsZero() {
			return nil, fmt.Errorf("%w: limit order without price", apperrors.ErrInvalidOrderParams)
		}
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(req.Price.String())
	case core.OrderTypeMarket:
		svc = svc.Type(binance.OrderTypeMarket)
	default:
		return nil, fmt.Errorf("%w: order type %q", apperrors.ErrInvalidOrderParams, req.Type)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &core.OrderAck{
		ExchangeID: fmt.Sprintf("%d", resp.OrderID),
		Status:     ackStatus(resp.Status),
	}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, exchangeID, symbol string) error {
	id, err := parseOrderID(exchangeID)
	if err != nil {
		return err
	}
	_, err = a.client.NewCancelOrderService().
		Symbol(nativeSymbol(symbol)).
		OrderID(id).
		Do(ctx)
	if err != nil {
		// An unknown order was already cancelled or filled; treat as done.
		if apiCode(err) == -2011 {
			return nil
		}
		return wrapErr(err)
	}
	return nil
}

func (a *Adapter) FetchOrder(ctx context.Context, exchangeID, symbol string) (*core.OrderStatusInfo, error) {
	id, err := parseOrderID(exchangeID)
	if err != nil {
		return nil, err
	}
	o, err := a.client.NewGetOrderService().
		Symbol(nativeSymbol(symbol)).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}

	filled := mustDecimal(o.ExecutedQuantity)
	avg := decimal.Zero
	if filled.IsPositive() {
		avg = mustDecimal(o.CummulativeQuoteQuantity).Div(filled)
	}
	return &core.OrderStatusInfo{
		ExchangeID: exchangeID,
		Status:     normalizeStatus(o.Status),
		Filled:     filled,
		Average:    avg,
	}, nil
}

func (a *Adapter) FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]core.Candle, error) {
	svc := a.client.NewKlinesService().
		Symbol(nativeSymbol(symbol)).
		Interval(timeframe)
	if !since.IsZero() {
		svc = svc.StartTime(since.UnixMilli())
	}
	if limit > 0 {
		svc = svc.Limit(limit)
	}
	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}

	candles := make([]core.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, core.Candle{
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     mustDecimal(k.Open),
			High:     mustDecimal(k.High),
			Low:      mustDecimal(k.Low),
			Close:    mustDecimal(k.Close),
			Volume:   mustDecimal(k.Volume),
		})
	}
	return candles, nil
}

func (a *Adapter) FetchMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]core.RemoteTrade, error) {
	svc := a.client.NewListTradesService().Symbol(nativeSymbol(symbol))
	if !since.IsZero() {
		svc = svc.StartTime(since.UnixMilli())
	}
	if limit > 0 {
		svc = svc.Limit(limit)
	}
	raw, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}

	trades := make([]core.RemoteTrade, 0, len(raw))
	for _, t := range raw {
		side := core.SideSell
		if t.IsBuyer {
			side = core.SideBuy
		}
		trades = append(trades, core.RemoteTrade{
			ID:        fmt.Sprintf("%d", t.ID),
			OrderID:   fmt.Sprintf("%d", t.OrderID),
			Side:      side,
			Price:     mustDecimal(t.Price),
			Quantity:  mustDecimal(t.Quantity),
			Fee:       mustDecimal(t.Commission),
			FeeAsset:  t.CommissionAsset,
			Timestamp: time.UnixMilli(t.Time),
		})
	}
	return trades, nil
}

func (a *Adapter) SymbolInfo(symbol string) (*core.SymbolInfo, error) {
	info, ok := a.info[nativeSymbol(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	return info, nil
}

func (a *Adapter) Close() error { return nil }

// nativeSymbol converts BASE/QUOTE to Binance's concatenated form.
func nativeSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

func sideType(s core.Side) binance.SideType {
	if s == core.SideBuy {
		return binance.SideTypeBuy
	}
	return binance.SideTypeSell
}

func ackStatus(s binance.OrderStatusType) string {
	switch s {
	case binance.OrderStatusTypeFilled:
		return "closed"
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return "canceled"
	}
	return "open"
}

func normalizeStatus(s binance.OrderStatusType) string {
	switch s {
	case binance.OrderStatusTypeNew:
		return "open"
	case binance.OrderStatusTypePartiallyFilled:
		return "partially_filled"
	case binance.OrderStatusTypeFilled:
		return "filled"
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return "cancelled"
	case binance.OrderStatusTypeRejected:
		return "rejected"
	}
	return "open"
}

func parseOrderID(exchangeID string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(exchangeID, "%d", &id); err != nil {
		return 0, fmt.Errorf("%w: bad exchange id %q", apperrors.ErrInvalidOrderParams, exchangeID)
	}
	return id, nil
}

func apiCode(err error) int64 {
	if apiErr, ok := err.(*common.APIError); ok {
		return apiErr.Code
	}
	return 0
}

// wrapErr maps Binance API errors onto the shared error kinds so retry and
// rejection handling stay venue-agnostic.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	switch apiCode(err) {
	case -2010:
		return fmt.Errorf("%w: %v", apperrors.ErrInsufficientFunds, err)
	case -1013:
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidOrderParams, err)
	case -2011:
		return fmt.Errorf("%w: %v", apperrors.ErrOrderNotFound, err)
	case -1021, -1022, -2014, -2015:
		return fmt.Errorf("%w: %v", apperrors.ErrAuthenticationFailed, err)
	case -1003:
		return apperrors.Retryable(fmt.Errorf("%w: %v", apperrors.ErrRateLimitExceeded, err))
	case 0:
		// Transport-level failure, not an API rejection.
		return apperrors.Retryable(fmt.Errorf("%w: %v", apperrors.ErrNetwork, err))
	}
	if apiErr, ok := err.(*common.APIError); ok && apiErr.Code <= -1000 && apiErr.Code > -1100 {
		// General server/network error family.
		return apperrors.Retryable(err)
	}
	return err
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
