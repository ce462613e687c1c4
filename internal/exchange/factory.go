// Package exchange builds venue adapters and private streams from
// configuration.
package exchange

import (
	"fmt"
	"time"

	"botcore/internal/config"
	"botcore/internal/core"
	"botcore/internal/exchange/binance"
	"botcore/internal/exchange/bybit"
	"botcore/pkg/websocket"
)

// Factory creates adapters and user streams keyed on the venue name.
type Factory struct {
	cfg    *config.Config
	logger core.Logger
}

// NewFactory builds a factory over the loaded configuration.
func NewFactory(cfg *config.Config, logger core.Logger) *Factory {
	return &Factory{cfg: cfg, logger: logger}
}

// Adapter constructs the venue adapter for the given symbols.
func (f *Factory) Adapter(venue string, symbols []string) (core.Exchange, error) {
	ex, ok := f.cfg.Exchanges[venue]
	if !ok {
		return nil, fmt.Errorf("no credentials configured for exchange %q", venue)
	}

	switch venue {
	case "binance":
		return binance.New(binance.Options{
			APIKey:    ex.APIKey,
			SecretKey: ex.SecretKey,
			Testnet:   ex.Testnet,
			BaseURL:   ex.BaseURL,
		}, symbols, f.logger), nil
	case "bybit":
		return bybit.New(bybit.Options{
			APIKey:    ex.APIKey,
			SecretKey: ex.SecretKey,
			Testnet:   ex.Testnet,
			BaseURL:   ex.BaseURL,
		}, symbols, f.logger), nil
	}
	return nil, fmt.Errorf("unsupported exchange %q", venue)
}

// UserStream constructs the venue's private stream.
func (f *Factory) UserStream(venue string) (core.UserStream, error) {
	ex, ok := f.cfg.Exchanges[venue]
	if !ok {
		return nil, fmt.Errorf("no credentials configured for exchange %q", venue)
	}

	wsCfg := websocket.Config{
		ReconnectBase: time.Duration(f.cfg.Timing.WSReconnectBaseSeconds) * time.Second,
		ReconnectCap:  time.Duration(f.cfg.Timing.WSReconnectCapSeconds) * time.Second,
		MaxAttempts:   f.cfg.Timing.WSMaxReconnectAttempts,
		PingInterval:  30 * time.Second,
		PingWait:      10 * time.Second,
		PongWait:      60 * time.Second,
	}

	switch venue {
	case "binance":
		keepalive := time.Duration(f.cfg.Timing.ListenKeyKeepaliveMinutes) * time.Minute
		return binance.NewUserStream(binance.Options{
			APIKey:    ex.APIKey,
			SecretKey: ex.SecretKey,
			Testnet:   ex.Testnet,
		}, wsCfg, keepalive, f.logger), nil
	case "bybit":
		return bybit.NewUserStream(bybit.Options{
			APIKey:    ex.APIKey,
			SecretKey: ex.SecretKey,
			Testnet:   ex.Testnet,
		}, wsCfg, f.logger), nil
	}
	return nil, fmt.Errorf("unsupported exchange %q", venue)
}
