// Package bybit implements the exchange adapter and private user stream for
// Bybit spot over the v5 API.
package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"botcore/internal/core"
	apperrors "botcore/pkg/errors"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	mainnetBaseURL = "https://api.bybit.com"
	testnetBaseURL = "https://api-testnet.bybit.com"
	recvWindow     = "5000"
)

// Options configures an adapter.
type Options struct {
	APIKey    string
	SecretKey string
	Testnet   bool
	BaseURL   string // optional override
}

// Adapter is the core.Exchange implementation for Bybit spot.
type Adapter struct {
	opts    Options
	baseURL string
	symbols []string
	http    *http.Client
	limiter *rate.Limiter
	logger  core.Logger

	info map[string]*core.SymbolInfo
}

// New creates a Bybit spot adapter for the given symbols (BASE/QUOTE).
func New(opts Options, symbols []string, logger core.Logger) *Adapter {
	baseURL := mainnetBaseURL
	if opts.Testnet {
		baseURL = testnetBaseURL
	}
	if opts.BaseURL != "" {
		baseURL = opts.BaseURL
	}
	return &Adapter{
		opts:    opts,
		baseURL: baseURL,
		symbols: symbols,
		http:    &http.Client{Timeout: 15 * time.Second},
		// Stays under the v5 per-key REST quota.
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		logger:  logger.WithField("component", "bybit_adapter"),
		info:    make(map[string]*core.SymbolInfo),
	}
}

func (a *Adapter) Name() string { return "bybit" }

// Connect loads instrument rules for the configured symbols and verifies the
// credentials with a wallet query.
func (a *Adapter) Connect(ctx context.Context) error {
	for _, symbol := range a.symbols {
		info, err := a.fetchInstrument(ctx, symbol)
		if err != nil {
			return err
		}
		a.info[nativeSymbol(symbol)] = info
	}
	if _, err := a.FetchBalance(ctx); err != nil {
		return err
	}
	a.logger.Info("Connected to Bybit", "symbols", len(a.info), "testnet", a.opts.Testnet)
	return nil
}

func (a *Adapter) fetchInstrument(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			BaseCoin      string `json:"baseCoin"`
			QuoteCoin     string `json:"quoteCoin"`
			LotSizeFilter struct {
				BasePrecision string `json:"basePrecision"`
				MinOrderQty   string `json:"minOrderQty"`
				MinOrderAmt   string `json:"minOrderAmt"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	params := url.Values{"category": {"spot"}, "symbol": {nativeSymbol(symbol)}}
	if err := a.get(ctx, "/v5/market/instruments-info", params, false, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}

	raw := result.List[0]
	return &core.SymbolInfo{
		Symbol:      raw.BaseCoin + "/" + raw.QuoteCoin,
		BaseAsset:   raw.BaseCoin,
		QuoteAsset:  raw.QuoteCoin,
		MinQty:      mustDecimal(raw.LotSizeFilter.MinOrderQty),
		MinNotional: mustDecimal(raw.LotSizeFilter.MinOrderAmt),
		StepSize:    mustDecimal(raw.LotSizeFilter.BasePrecision),
		TickSize:    mustDecimal(raw.PriceFilter.TickSize),
	}, nil
}

func (a *Adapter) FetchTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	var result struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
		} `json:"list"`
	}
	params := url.Values{"category": {"spot"}, "symbol": {nativeSymbol(symbol)}}
	if err := a.get(ctx, "/v5/market/tickers", params, false, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	raw := result.List[0]
	return &core.Ticker{
		Last: mustDecimal(raw.LastPrice),
		Bid:  mustDecimal(raw.Bid1Price),
		Ask:  mustDecimal(raw.Ask1Price),
	}, nil
}

func (a *Adapter) FetchBalance(ctx context.Context) (*core.Balance, error) {
	var result struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
				Locked        string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	params := url.Values{"accountType": {"UNIFIED"}}
	if err := a.get(ctx, "/v5/account/wallet-balance", params, true, &result); err != nil {
		return nil, err
	}

	balance := &core.Balance{
		Free:  make(map[string]decimal.Decimal),
		Total: make(map[string]decimal.Decimal),
	}
	for _, acct := range result.List {
		for _, c := range acct.Coin {
			total := mustDecimal(c.WalletBalance)
			if total.IsZero() {
				continue
			}
			balance.Total[c.Coin] = total
			balance.Free[c.Coin] = total.Sub(mustDecimal(c.Locked))
		}
	}
	return balance, nil
}

func (a *Adapter) CreateOrder(ctx context.Context, req core.CreateOrderRequest) (*core.OrderAck, error) {
	body := map[string]interface{}{
		"category":  "spot",
		"symbol":    nativeSymbol(req.Symbol),
		"side":      sideString(req.Side),
		"qty":       req.Quantity.String(),
		"orderType": "Market",
	}
	switch req.Type {
	case core.OrderTypeLimit:
		if req.Price.IsZero() {
			return nil, fmt.Errorf("%w: limit order without price", apperrors.ErrInvalidOrderParams)
		}
		body["orderType"] = "Limit"
		body["price"] = req.Price.String()
		body["timeInForce"] = "GTC"
	case core.OrderTypeMarket:
		if req.Side == core.SideBuy {
			// Spot market buys are quoted in quote units.
			body["marketUnit"] = "baseCoin"
		}
	default:
		return nil, fmt.Errorf("%w: order type %q", apperrors.ErrInvalidOrderParams, req.Type)
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := a.post(ctx, "/v5/order/create", body, &result); err != nil {
		return nil, err
	}
	return &core.OrderAck{ExchangeID: result.OrderID, Status: "open"}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, exchangeID, symbol string) error {
	body := map[string]interface{}{
		"category": "spot",
		"symbol":   nativeSymbol(symbol),
		"orderId":  exchangeID,
	}
	var result struct{}
	err := a.post(ctx, "/v5/order/cancel", body, &result)
	if err != nil && strings.Contains(err.Error(), "order not exists") {
		return nil
	}
	return err
}

type rawOrder struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	CumExecFee  string `json:"cumExecFee"`
}

func (a *Adapter) FetchOrder(ctx context.Context, exchangeID, symbol string) (*core.OrderStatusInfo, error) {
	params := url.Values{
		"category": {"spot"},
		"symbol":   {nativeSymbol(symbol)},
		"orderId":  {exchangeID},
	}

	var result struct {
		List []rawOrder `json:"list"`
	}
	if err := a.get(ctx, "/v5/order/realtime", params, true, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		// Settled orders drop out of realtime; fall back to history.
		if err := a.get(ctx, "/v5/order/history", params, true, &result); err != nil {
			return nil, err
		}
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, exchangeID)
	}

	raw := result.List[0]
	return &core.OrderStatusInfo{
		ExchangeID: raw.OrderID,
		Status:     normalizeStatus(raw.OrderStatus),
		Filled:     mustDecimal(raw.CumExecQty),
		Average:    mustDecimal(raw.AvgPrice),
		Fee:        mustDecimal(raw.CumExecFee),
	}, nil
}

func (a *Adapter) FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]core.Candle, error) {
	interval, err := nativeInterval(timeframe)
	if err != nil {
		return nil, err
	}
	params := url.Values{
		"category": {"spot"},
		"symbol":   {nativeSymbol(symbol)},
		"interval": {interval},
	}
	if !since.IsZero() {
		params.Set("start", fmt.Sprintf("%d", since.UnixMilli()))
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}

	var result struct {
		List [][]string `json:"list"`
	}
	if err := a.get(ctx, "/v5/market/kline", params, false, &result); err != nil {
		return nil, err
	}

	// Bybit returns newest first; callers expect ascending time.
	candles := make([]core.Candle, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			continue
		}
		var openMS int64
		fmt.Sscanf(row[0], "%d", &openMS)
		candles = append(candles, core.Candle{
			OpenTime: time.UnixMilli(openMS),
			Open:     mustDecimal(row[1]),
			High:     mustDecimal(row[2]),
			Low:      mustDecimal(row[3]),
			Close:    mustDecimal(row[4]),
			Volume:   mustDecimal(row[5]),
		})
	}
	return candles, nil
}

func (a *Adapter) FetchMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]core.RemoteTrade, error) {
	params := url.Values{
		"category": {"spot"},
		"symbol":   {nativeSymbol(symbol)},
	}
	if !since.IsZero() {
		params.Set("startTime", fmt.Sprintf("%d", since.UnixMilli()))
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}

	var result struct {
		List []struct {
			ExecID      string `json:"execId"`
			OrderID     string `json:"orderId"`
			Side        string `json:"side"`
			ExecPrice   string `json:"execPrice"`
			ExecQty     string `json:"execQty"`
			ExecFee     string `json:"execFee"`
			FeeCurrency string `json:"feeCurrency"`
			ExecTime    string `json:"execTime"`
		} `json:"list"`
	}
	if err := a.get(ctx, "/v5/execution/list", params, true, &result); err != nil {
		return nil, err
	}

	trades := make([]core.RemoteTrade, 0, len(result.List))
	for _, t := range result.List {
		side := core.SideSell
		if t.Side == "Buy" {
			side = core.SideBuy
		}
		var execMS int64
		fmt.Sscanf(t.ExecTime, "%d", &execMS)
		trades = append(trades, core.RemoteTrade{
			ID:        t.ExecID,
			OrderID:   t.OrderID,
			Side:      side,
			Price:     mustDecimal(t.ExecPrice),
			Quantity:  mustDecimal(t.ExecQty),
			Fee:       mustDecimal(t.ExecFee),
			FeeAsset:  t.FeeCurrency,
			Timestamp: time.UnixMilli(execMS),
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

// get issues a GET request, signing it when the endpoint is private.
func (a *Adapter) get(ctx context.Context, path string, params url.Values, private bool, out interface{}) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	reqURL := a.baseURL + path
	query := params.Encode()
	if query != "" {
		reqURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	if private {
		a.sign(req, query)
	}
	return a.do(req, out)
}

func (a *Adapter) post(ctx context.Context, path string, body map[string]interface{}, out interface{}) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	a.sign(req, string(payload))
	return a.do(req, out)
}

// sign applies the v5 header signature:
// HMAC_SHA256(timestamp + key + recv_window + payload, secret).
func (a *Adapter) sign(req *http.Request, payload string) {
	timestamp := fmt.Sprintf("%d", time.Now().UnixMilli())
	mac := hmac.New(sha256.New, []byte(a.opts.SecretKey))
	mac.Write([]byte(timestamp + a.opts.APIKey + recvWindow + payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-BAPI-API-KEY", a.opts.APIKey)
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
}

func (a *Adapter) do(req *http.Request, out interface{}) error {
	resp, err := a.http.Do(req)
	if err != nil {
		return apperrors.Retryable(fmt.Errorf("%w: %v", apperrors.ErrNetwork, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Retryable(fmt.Errorf("%w: %v", apperrors.ErrNetwork, err))
	}
	if resp.StatusCode >= 500 {
		return apperrors.Retryable(fmt.Errorf("%w: http %d", apperrors.ErrNetwork, resp.StatusCode))
	}

	var envelope struct {
		RetCode int             `json:"retCode"`
		RetMsg  string          `json:"retMsg"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("unparseable bybit response: %s", string(body))
	}
	if err := mapRetCode(envelope.RetCode, envelope.RetMsg); err != nil {
		return err
	}
	if out != nil && len(envelope.Result) > 0 {
		return json.Unmarshal(envelope.Result, out)
	}
	return nil
}

// mapRetCode translates v5 error codes to the shared error kinds.
func mapRetCode(code int, msg string) error {
	switch code {
	case 0:
		return nil
	case 10001, 10002, 170140:
		return fmt.Errorf("%w: %s (%d)", apperrors.ErrInvalidOrderParams, msg, code)
	case 10003, 10004, 10005:
		return fmt.Errorf("%w: %s (%d)", apperrors.ErrAuthenticationFailed, msg, code)
	case 10006:
		return apperrors.Retryable(fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, msg))
	case 110007, 170131:
		return fmt.Errorf("%w: %s (%d)", apperrors.ErrInsufficientFunds, msg, code)
	case 110001, 170213:
		return fmt.Errorf("%w: %s (%d)", apperrors.ErrOrderNotFound, msg, code)
	case 170193, 170194:
		return fmt.Errorf("%w: %s (%d)", apperrors.ErrOrderRejected, msg, code)
	}
	return fmt.Errorf("bybit error: %s (%d)", msg, code)
}

func normalizeStatus(status string) string {
	switch status {
	case "Created", "New":
		return "open"
	case "PartiallyFilled":
		return "partially_filled"
	case "Filled":
		return "filled"
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return "cancelled"
	case "Rejected":
		return "rejected"
	}
	return "open"
}

func nativeSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

func nativeInterval(timeframe string) (string, error) {
	switch timeframe {
	case "1m":
		return "1", nil
	case "5m":
		return "5", nil
	case "15m":
		return "15", nil
	case "30m":
		return "30", nil
	case "1h":
		return "60", nil
	case "4h":
		return "240", nil
	case "1d":
		return "D", nil
	}
	return "", fmt.Errorf("unsupported timeframe %q", timeframe)
}

func sideString(s core.Side) string {
	if s == core.SideBuy {
		return "Buy"
	}
	return "Sell"
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
