package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"botcore/internal/core"
	"botcore/pkg/websocket"
)

const (
	mainnetPrivateWS = "wss://stream.bybit.com/v5/private"
	testnetPrivateWS = "wss://stream-testnet.bybit.com/v5/private"
)

// UserStream is the Bybit v5 private stream: an authenticated WebSocket
// subscribed to order and execution topics.
type UserStream struct {
	opts   Options
	wsCfg  websocket.Config
	logger core.Logger

	mu        sync.Mutex
	ws        *websocket.Client
	onOrder   func(core.OrderUpdate)
	onBalance func(core.BalanceUpdate)
}

// NewUserStream builds the stream from the same credentials as the adapter.
func NewUserStream(opts Options, wsCfg websocket.Config, logger core.Logger) *UserStream {
	return &UserStream{
		opts:   opts,
		wsCfg:  wsCfg,
		logger: logger.WithField("component", "bybit_user_stream"),
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

// Start connects, authenticates and subscribes. Reconnects re-run the same
// auth and subscribe sequence.
func (s *UserStream) Start(_ context.Context) error {
	endpoint := mainnetPrivateWS
	if s.opts.Testnet {
		endpoint = testnetPrivateWS
	}

	ws := websocket.NewClient(endpoint, s.wsCfg, s.handleMessage, s.logger)
	ws.SetOnConnected(func() {
		if err := ws.SendJSON(s.authFrame()); err != nil {
			s.logger.Error("Failed to send auth frame", "error", err)
			return
		}
		// Subscribe after the auth frame settles.
		go func() {
			time.Sleep(100 * time.Millisecond)
			sub := map[string]interface{}{
				"op":   "subscribe",
				"args": []string{"order", "execution", "wallet"},
			}
			if err := ws.SendJSON(sub); err != nil {
				s.logger.Error("Failed to send subscribe frame", "error", err)
			}
		}()
	})

	s.mu.Lock()
	s.ws = ws
	s.mu.Unlock()

	ws.Start()
	s.logger.Info("Private stream started", "testnet", s.opts.Testnet)
	return nil
}

// Stop closes the stream.
func (s *UserStream) Stop() error {
	s.mu.Lock()
	ws := s.ws
	s.ws = nil
	s.mu.Unlock()
	if ws != nil {
		ws.Stop()
	}
	return nil
}

// authFrame builds {op:auth, args:[key, expires, hmac("GET/realtime{expires}")]}.
func (s *UserStream) authFrame() map[string]interface{} {
	expires := time.Now().UnixMilli() + 10000
	mac := hmac.New(sha256.New, []byte(s.opts.SecretKey))
	mac.Write([]byte(fmt.Sprintf("GET/realtime%d", expires)))
	signature := hex.EncodeToString(mac.Sum(nil))
	return map[string]interface{}{
		"op":   "auth",
		"args": []interface{}{s.opts.APIKey, expires, signature},
	}
}

type orderFrame struct {
	Topic string `json:"topic"`
	Data  []struct {
		OrderID     string `json:"orderId"`
		Symbol      string `json:"symbol"`
		OrderStatus string `json:"orderStatus"`
		Price       string `json:"price"`
		CumExecQty  string `json:"cumExecQty"`
		AvgPrice    string `json:"avgPrice"`
		CumExecFee  string `json:"cumExecFee"`
		FeeCurrency string `json:"feeCurrency"`
	} `json:"data"`
}

type executionFrame struct {
	Topic string `json:"topic"`
	Data  []struct {
		OrderID     string `json:"orderId"`
		Symbol      string `json:"symbol"`
		ExecID      string `json:"execId"`
		ExecPrice   string `json:"execPrice"`
		ExecQty     string `json:"execQty"`
		ExecFee     string `json:"execFee"`
		FeeCurrency string `json:"feeCurrency"`
	} `json:"data"`
}

type walletFrame struct {
	Topic string `json:"topic"`
	Data  []struct {
		Coin []struct {
			Coin          string `json:"coin"`
			WalletBalance string `json:"walletBalance"`
			Locked        string `json:"locked"`
		} `json:"coin"`
	} `json:"data"`
}

func (s *UserStream) handleMessage(message []byte) {
	var probe struct {
		Topic   string `json:"topic"`
		Op      string `json:"op"`
		Success *bool  `json:"success"`
	}
	if err := json.Unmarshal(message, &probe); err != nil {
		return
	}

	if probe.Op == "auth" && probe.Success != nil && !*probe.Success {
		s.logger.Error("Private stream auth rejected")
		return
	}

	switch probe.Topic {
	case "order":
		var frame orderFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.logger.Warn("Bad order frame", "error", err)
			return
		}
		s.dispatchOrders(frame)
	case "execution":
		var frame executionFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.logger.Warn("Bad execution frame", "error", err)
			return
		}
		s.dispatchExecutions(frame)
	case "wallet":
		var frame walletFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.logger.Warn("Bad wallet frame", "error", err)
			return
		}
		s.dispatchWallet(frame)
	}
}

func (s *UserStream) dispatchOrders(frame orderFrame) {
	s.mu.Lock()
	fn := s.onOrder
	s.mu.Unlock()
	if fn == nil {
		return
	}

	for _, d := range frame.Data {
		fn(core.OrderUpdate{
			ExchangeID: d.OrderID,
			Symbol:     d.Symbol,
			Status:     normalizeStatus(d.OrderStatus),
			Price:      mustDecimal(d.Price),
			FilledQty:  mustDecimal(d.CumExecQty),
			AvgPrice:   mustDecimal(d.AvgPrice),
			Fee:        mustDecimal(d.CumExecFee),
			FeeAsset:   d.FeeCurrency,
		})
	}
}

// dispatchExecutions relays per-fill fee reports. The order topic only
// carries the cumulative fee; execution frames key each fill by execId so
// fees merge exactly once. No status travels on this path.
func (s *UserStream) dispatchExecutions(frame executionFrame) {
	s.mu.Lock()
	fn := s.onOrder
	s.mu.Unlock()
	if fn == nil {
		return
	}

	for _, d := range frame.Data {
		fn(core.OrderUpdate{
			ExchangeID: d.OrderID,
			Symbol:     d.Symbol,
			Price:      mustDecimal(d.ExecPrice),
			Fee:        mustDecimal(d.ExecFee),
			FeeAsset:   d.FeeCurrency,
			ExecID:     d.ExecID,
		})
	}
}

func (s *UserStream) dispatchWallet(frame walletFrame) {
	s.mu.Lock()
	fn := s.onBalance
	s.mu.Unlock()
	if fn == nil {
		return
	}

	for _, d := range frame.Data {
		for _, c := range d.Coin {
			total := mustDecimal(c.WalletBalance)
			fn(core.BalanceUpdate{
				Asset: c.Coin,
				Free:  total.Sub(mustDecimal(c.Locked)),
				Total: total,
			})
		}
	}
}
