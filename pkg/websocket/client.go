// Package websocket provides a reusable WebSocket client with automatic
// reconnection and exponential backoff.
package websocket

import (
	"fmt"
	"sync"
	"time"

	"botcore/internal/core"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// MessageHandler handles incoming WebSocket messages.
type MessageHandler func(message []byte)

// Config tunes reconnection and heartbeat behavior.
type Config struct {
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	MaxAttempts   int // consecutive failed connects before giving up; 0 = unlimited
	PingInterval  time.Duration
	PingWait      time.Duration
	PongWait      time.Duration
}

// DefaultConfig returns the standard timing values.
func DefaultConfig() Config {
	return Config{
		ReconnectBase: time.Second,
		ReconnectCap:  60 * time.Second,
		MaxAttempts:   10,
		PingInterval:  30 * time.Second,
		PingWait:      10 * time.Second,
		PongWait:      60 * time.Second,
	}
}

// Client is a resilient WebSocket client. The connection is rebuilt with
// exponential backoff; the backoff resets after every successful connect.
type Client struct {
	url     string
	handler MessageHandler
	cfg     Config
	logger  core.Logger

	conn *websocket.Conn
	mu   sync.Mutex

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	onConnected func()
	onGiveUp    func(err error)
}

// NewClient creates a client; Start begins the connect loop.
func NewClient(url string, cfg Config, handler MessageHandler, logger core.Logger) *Client {
	if cfg.ReconnectBase <= 0 {
		cfg = DefaultConfig()
	}
	return &Client{
		url:     url,
		handler: handler,
		cfg:     cfg,
		logger:  logger.WithField("component", "ws_client"),
		done:    make(chan struct{}),
	}
}

// SetOnConnected registers a callback invoked after each successful connect,
// useful for auth and subscription frames.
func (c *Client) SetOnConnected(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = cb
}

// SetOnGiveUp registers a callback invoked when the reconnect budget is
// exhausted.
func (c *Client) SetOnGiveUp(cb func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onGiveUp = cb
}

// SendJSON writes a JSON frame on the current connection.
func (c *Client) SendJSON(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return c.conn.WriteJSON(message)
}

// Start launches the connect loop.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.runLoop()
}

// Stop terminates the loop and closes the connection.
func (c *Client) Stop() {
	c.once.Do(func() { close(c.done) })

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		c.logger.Warn("WebSocket goroutines did not exit within timeout", "url", c.url)
	}
	c.closeConn()
}

func (c *Client) runLoop() {
	defer c.wg.Done()

	bo := &backoff.Backoff{
		Min:    c.cfg.ReconnectBase,
		Max:    c.cfg.ReconnectCap,
		Factor: 2,
		Jitter: true,
	}
	failures := 0

	for {
		select {
		case <-c.done:
			return
		default:
		}

		if err := c.connect(); err != nil {
			failures++
			c.logger.Error("WebSocket connect failed", "url", c.url, "attempt", failures, "error", err)
			if c.cfg.MaxAttempts > 0 && failures >= c.cfg.MaxAttempts {
				c.logger.Error("WebSocket reconnect budget exhausted", "url", c.url)
				c.mu.Lock()
				giveUp := c.onGiveUp
				c.mu.Unlock()
				if giveUp != nil {
					giveUp(err)
				}
				return
			}
			select {
			case <-c.done:
				return
			case <-time.After(bo.Duration()):
			}
			continue
		}

		failures = 0
		bo.Reset()

		c.mu.Lock()
		onConnected := c.onConnected
		c.mu.Unlock()
		if onConnected != nil {
			onConnected()
		}

		heartbeatStop := make(chan struct{})
		if c.cfg.PingInterval > 0 {
			c.wg.Add(1)
			go c.heartbeat(heartbeatStop)
		}

		c.readLoop()
		close(heartbeatStop)

		select {
		case <-c.done:
			return
		case <-time.After(bo.Duration()):
		}
	}
}

func (c *Client) heartbeat(stop chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(c.cfg.PingWait)); err != nil {
				// Failed ping forces a reconnect via readLoop exit.
				c.closeConn()
				return
			}
		}
	}
}

func (c *Client) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop() {
	defer c.closeConn()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if c.handler != nil {
			c.handler(message)
		}
	}
}
