package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"qms/branch-queue/internal/models"
	"qms/branch-queue/internal/realtime"
)

type State string

const (
	StateIdle         State = "idle"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// ErrSessionLost is returned by Run once the attempt ceiling is reached; callers fall back to polling.
var ErrSessionLost = errors.New("realtime session lost: reconnect attempts exhausted")

type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebsocketDialer dials the raw WebSocket endpoint with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

type Config struct {
	URL         string
	Header      http.Header
	MaxAttempts int
	Delay       time.Duration
	Dialer      Dialer

	OnEvent       func(event models.Event)
	OnResync      func(ctx context.Context) error
	OnStateChange func(state State, attempts int)

	Logger *zap.Logger
}

type Client struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	attempts  int
	lastSeen  *int64
	sessionID string
	conn      Conn
	closed    bool
}

func New(cfg Config) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{cfg: cfg, logger: cfg.Logger, state: StateIdle}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts counts failed dials since the last successful connection.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Client) LastSeen() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastSeen == nil {
		return 0, false
	}
	return *c.lastSeen, true
}

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Run connects and keeps the session alive until ctx ends, Close is called, or
// reconnection fails MaxAttempts times in a row.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := c.connect(ctx)
		if err != nil {
			if c.isClosed() {
				return nil
			}
			if ctx.Err() != nil {
				c.setState(StateClosed)
				return ctx.Err()
			}
			c.setState(StateFailed)
			c.logger.Warn("realtime session lost", zap.Int("attempts", c.Attempts()), zap.Error(err))
			return ErrSessionLost
		}

		err = c.session(ctx, conn)
		_ = conn.Close()
		if c.isClosed() {
			return nil
		}
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return ctx.Err()
		}
		c.logger.Info("realtime connection dropped", zap.Error(err))
		c.setState(StateReconnecting)
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	c.setState(StateClosed)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) connect(ctx context.Context) (Conn, error) {
	operation := func() (Conn, error) {
		if c.isClosed() {
			return nil, backoff.Permanent(errors.New("client closed"))
		}
		conn, err := c.cfg.Dialer.Dial(ctx, c.cfg.URL, c.cfg.Header)
		if err != nil {
			c.mu.Lock()
			c.attempts++
			attempts := c.attempts
			c.mu.Unlock()
			c.transition(StateReconnecting, true)
			c.logger.Debug("dial failed", zap.Int("attempt", attempts), zap.Error(err))
			return nil, err
		}
		return conn, nil
	}

	conn, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.Delay)),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
	)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, errors.New("client closed")
	}
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()
	c.setState(StateConnected)
	return conn, nil
}

func (c *Client) session(ctx context.Context, conn Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	c.mu.Lock()
	subscribe := realtime.ClientMessage{Type: realtime.TypeSubscribe, SessionID: c.sessionID}
	if c.lastSeen != nil {
		seq := *c.lastSeen
		subscribe.LastSeen = &seq
	}
	c.mu.Unlock()
	if err := c.write(conn, subscribe); err != nil {
		return err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg realtime.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("ignoring malformed server message", zap.Error(err))
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Client) handle(ctx context.Context, msg realtime.ServerMessage) {
	switch msg.Type {
	case realtime.TypeSubscribed:
		c.mu.Lock()
		c.sessionID = msg.SessionID
		c.mu.Unlock()
	case realtime.TypeResync:
		c.logger.Info("server requested resync", zap.Int64("sequence", msg.Sequence))
		if c.cfg.OnResync != nil {
			if err := c.cfg.OnResync(ctx); err != nil {
				c.logger.Warn("resync fetch failed", zap.Error(err))
			}
		}
		seq := msg.Sequence
		c.mu.Lock()
		c.lastSeen = &seq
		c.mu.Unlock()
	case realtime.TypeEvent:
		if msg.Event == nil {
			return
		}
		c.mu.Lock()
		duplicate := c.lastSeen != nil && msg.Event.Sequence <= *c.lastSeen
		if !duplicate {
			seq := msg.Event.Sequence
			c.lastSeen = &seq
		}
		c.mu.Unlock()
		if !duplicate && c.cfg.OnEvent != nil {
			c.cfg.OnEvent(*msg.Event)
		}
	case realtime.TypeError:
		if msg.Error != nil {
			c.logger.Warn("server error", zap.String("code", msg.Error.Code), zap.String("message", msg.Error.Message))
		}
	}
}

func (c *Client) write(conn Conn, msg realtime.ClientMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) setState(state State) {
	c.transition(state, false)
}

// transition records state and reports it when it changed, or always when
// force is set so every failed attempt reaches the callback.
func (c *Client) transition(state State, force bool) {
	c.mu.Lock()
	if c.closed && state != StateClosed {
		c.mu.Unlock()
		return
	}
	changed := c.state != state
	c.state = state
	attempts := c.attempts
	c.mu.Unlock()
	if (changed || force) && c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(state, attempts)
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
