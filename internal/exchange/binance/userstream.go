package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"botcore/internal/core"
	"botcore/pkg/websocket"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

const (
	mainnetStreamURL = "wss://stream.binance.com:9443/ws/"
	testnetStreamURL = "wss://stream.testnet.binance.vision/ws/"
)

// UserStream is the Binance private stream: a listen key kept alive every 30
// minutes and a WebSocket delivering executionReport and
// outboundAccountPosition events.
type UserStream struct {
	client    *binance.Client
	testnet   bool
	wsCfg     websocket.Config
	keepalive time.Duration
	logger    core.Logger

	mu        sync.Mutex
	listenKey string
	ws        *websocket.Client
	cancel    context.CancelFunc

	onOrder   func(core.OrderUpdate)
	onBalance func(core.BalanceUpdate)
}

// NewUserStream builds the stream from the same credentials as the adapter.
func NewUserStream(opts Options, wsCfg websocket.Config, keepalive time.Duration, logger core.Logger) *UserStream {
	binance.UseTestnet = opts.Testnet
	if keepalive <= 0 {
		keepalive = 30 * time.Minute
	}
	return &UserStream{
		client:    binance.NewClient(opts.APIKey, opts.SecretKey),
		testnet:   opts.Testnet,
		wsCfg:     wsCfg,
		keepalive: keepalive,
		logger:    logger.WithField("component", "binance_user_stream"),
	}
}

func (s *UserStream) OnOrderUpdate(fn func(core.OrderUpdate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOrder = fn
}

func (s *UserStream) OnBalanceUpdate(fn func(core.BalanceUpdate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBalance = fn
}

// Start obtains a listen key, connects the stream and launches the keepalive
// loop. The loop stops when ctx ends.
func (s *UserStream) Start(ctx context.Context) error {
	listenKey, err := s.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to start user data stream: %w", err)
	}

	base := mainnetStreamURL
	if s.testnet {
		base = testnetStreamURL
	}
	ws := websocket.NewClient(base+listenKey, s.wsCfg, s.handleMessage, s.logger)

	loopCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.listenKey = listenKey
	s.ws = ws
	s.cancel = cancel
	s.mu.Unlock()

	ws.Start()
	go s.keepaliveLoop(loopCtx, listenKey)

	s.logger.Info("User data stream started", "testnet", s.testnet)
	return nil
}

// Stop tears down the stream and deletes the listen key.
func (s *UserStream) Stop() error {
	s.mu.Lock()
	ws := s.ws
	cancel := s.cancel
	listenKey := s.listenKey
	s.ws = nil
	s.cancel = nil
	s.listenKey = ""
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		ws.Stop()
	}
	if listenKey != "" {
		ctx, cancelDel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelDel()
		if err := s.client.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
			s.logger.Debug("Failed to close listen key", "error", err)
		}
	}
	return nil
}

func (s *UserStream) keepaliveLoop(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := s.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(callCtx)
			cancel()
			if err != nil {
				s.logger.Warn("Listen key keepalive failed", "error", err)
			}
		}
	}
}

// executionReport is the order lifecycle event frame.
type executionReport struct {
	EventType       string `json:"e"`
	Symbol          string `json:"s"`
	OrderID         int64  `json:"i"`
	TradeID         int64  `json:"t"`
	Status          string `json:"X"`
	Price           string `json:"p"`
	CumFilledQty    string `json:"z"`
	CumQuoteQty     string `json:"Z"`
	Commission      string `json:"n"`
	CommissionAsset string `json:"N"`
}

// accountPosition is the balance snapshot frame.
type accountPosition struct {
	EventType string `json:"e"`
	Balances  []struct {
		Asset  string `json:"a"`
		Free   string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
}

func (s *UserStream) handleMessage(message []byte) {
	var probe struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(message, &probe); err != nil {
		s.logger.Debug("Unparseable stream frame", "error", err)
		return
	}

	switch probe.EventType {
	case "executionReport":
		var report executionReport
		if err := json.Unmarshal(message, &report); err != nil {
			s.logger.Warn("Bad executionReport frame", "error", err)
			return
		}
		s.dispatchOrder(report)
	case "outboundAccountPosition":
		var pos accountPosition
		if err := json.Unmarshal(message, &pos); err != nil {
			s.logger.Warn("Bad outboundAccountPosition frame", "error", err)
			return
		}
		s.dispatchBalances(pos)
	}
}

func (s *UserStream) dispatchOrder(report executionReport) {
	s.mu.Lock()
	fn := s.onOrder
	s.mu.Unlock()
	if fn == nil {
		return
	}

	filled := mustDecimal(report.CumFilledQty)
	avg := decimal.Zero
	if filled.IsPositive() {
		avg = mustDecimal(report.CumQuoteQty).Div(filled)
	}

	// The commission field is per execution; the trade id keys it so the
	// manager sums executions instead of treating it as cumulative.
	execID := ""
	if report.TradeID > 0 {
		execID = fmt.Sprintf("%d", report.TradeID)
	}

	fn(core.OrderUpdate{
		ExchangeID: fmt.Sprintf("%d", report.OrderID),
		Symbol:     report.Symbol,
		Status:     normalizeStreamStatus(report.Status),
		Price:      mustDecimal(report.Price),
		FilledQty:  filled,
		AvgPrice:   avg,
		Fee:        mustDecimal(report.Commission),
		FeeAsset:   report.CommissionAsset,
		ExecID:     execID,
	})
}

func (s *UserStream) dispatchBalances(pos accountPosition) {
	s.mu.Lock()
	fn := s.onBalance
	s.mu.Unlock()
	if fn == nil {
		return
	}
	for _, b := range pos.Balances {
		free := mustDecimal(b.Free)
		fn(core.BalanceUpdate{
			Asset: b.Asset,
			Free:  free,
			Total: free.Add(mustDecimal(b.Locked)),
		})
	}
}

func normalizeStreamStatus(status string) string {
	switch status {
	case "NEW":
		return "open"
	case "PARTIALLY_FILLED":
		return "partially_filled"
	case "FILLED":
		return "filled"
	case "CANCELED", "EXPIRED":
		return "cancelled"
	case "REJECTED":
		return "rejected"
	}
	return "open"
}
