package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/wayfarer/internal/interactions"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultMinBackoff   = 500 * time.Millisecond
	defaultMaxBackoff   = 10 * time.Second
	defaultWriteWait    = 10 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultReadLimit    = 1 << 20
	handshakeTimeout    = 10 * time.Second
	pingIntervalPercent = 90

	opEmit    = "channel.emit"
	opConnect = "channel.connect"
)

var errMissingEndpoint = errors.New("channel: endpoint is required")

// Listener receives connection lifecycle events and server frames. All calls
// for one connection come from a single goroutine, in order.
type Listener interface {
	OnOpen()
	OnClose(err error)
	OnEvent(frame protocol.Frame)
}

// TokenProvider supplies the handshake token. An empty token dials anonymously.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider returning a fixed token.
type StaticToken string

// Token implements TokenProvider.
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// ConnectionConfig describes the event channel endpoint and its timing.
type ConnectionConfig struct {
	Endpoint     string
	Tokens       TokenProvider
	Dialer       *websocket.Dialer
	Logger       *zap.Logger
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	WriteWait    time.Duration
	PongWait     time.Duration
	PingInterval time.Duration
}

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateRunning
	stateClosed
)

// Connection owns one WebSocket to the relay and re-establishes it after
// unexpected closes. Emit is safe for concurrent use.
type Connection struct {
	cfg    ConnectionConfig
	dialer *websocket.Dialer
	logger *zap.Logger

	mu        sync.Mutex
	state     connState
	conn      *websocket.Conn
	listeners map[int]Listener
	nextID    int
	cancel    context.CancelFunc
	done      chan struct{}

	writeMu sync.Mutex
}

// NewConnection validates cfg and returns an idle Connection.
func NewConnection(cfg ConnectionConfig) (*Connection, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errMissingEndpoint
	}
	if !strings.HasPrefix(endpoint, "ws://") && !strings.HasPrefix(endpoint, "wss://") {
		return nil, fmt.Errorf("channel: endpoint must use ws or wss scheme: %q", endpoint)
	}
	cfg.Endpoint = endpoint
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * pingIntervalPercent / 100
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		cfg:       cfg,
		dialer:    dialer,
		logger:    logger,
		listeners: make(map[int]Listener),
	}, nil
}

// Connect dials the endpoint. Calling it while connected or reconnecting
// returns nil without opening a second socket.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateClosed:
		c.mu.Unlock()
		return interactions.NewError(interactions.CodeChannelDisconnected, opConnect, errors.New("connection closed"))
	case stateConnecting, stateRunning:
		c.mu.Unlock()
		return nil
	}
	c.state = stateConnecting
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		if c.state == stateConnecting {
			c.state = stateIdle
		}
		c.mu.Unlock()
		return interactions.NewError(interactions.CodeChannelDisconnected, opConnect, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.state != stateConnecting {
		c.mu.Unlock()
		cancel()
		_ = conn.Close()
		return interactions.NewError(interactions.CodeChannelDisconnected, opConnect, errors.New("connection closed"))
	}
	c.state = stateRunning
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.run(loopCtx, conn, done)
	return nil
}

// Subscribe registers listener and returns a function that removes it.
func (c *Connection) Subscribe(listener Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = listener
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Connected reports whether a socket is currently open.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Emit sends one fire-and-forget frame. It fails fast when no socket is open.
func (c *Connection) Emit(event string, payload interface{}) error {
	frame, err := protocol.NewFrame(event, payload)
	if err != nil {
		return fmt.Errorf("%s: encode %s: %w", opEmit, event, err)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return interactions.NewError(interactions.CodeChannelDisconnected, opEmit, errors.New("no open socket"))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return interactions.NewError(interactions.CodeChannelDisconnected, opEmit, err)
	}
	if err := conn.WriteJSON(frame); err != nil {
		return interactions.NewError(interactions.CodeChannelDisconnected, opEmit, err)
	}
	c.logger.Debug("frame sent", zap.String("event", event))
	return nil
}

// Close stops reconnecting and closes the socket. Only the owner of the
// connection calls Close; listeners receive OnClose(nil).
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	wasRunning := c.state == stateRunning
	c.state = stateClosed
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteWait))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	if !wasRunning {
		c.logger.Debug("channel closed before it was connected")
	}
	return nil
}

// Wait blocks until the connection loop has exited after Close.
func (c *Connection) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Tokens != nil {
		token, err := c.cfg.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve token: %w", err)
		}
		if token = strings.TrimSpace(token); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	conn, response, err := c.dialer.DialContext(ctx, c.cfg.Endpoint, header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", c.cfg.Endpoint, response.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.Endpoint, err)
	}
	conn.SetReadLimit(defaultReadLimit)
	return conn, nil
}

// run serves one socket at a time and redials with exponential backoff until Close.
func (c *Connection) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	backoff := c.cfg.MinBackoff
	for {
		c.mu.Lock()
		if c.state == stateClosed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.logger.Info("channel open", zap.String("endpoint", c.cfg.Endpoint))
		c.notify(func(listener Listener) { listener.OnOpen() })
		backoff = c.cfg.MinBackoff

		readErr := c.serve(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		closed := c.state == stateClosed
		c.mu.Unlock()
		_ = conn.Close()

		if closed {
			c.notify(func(listener Listener) { listener.OnClose(nil) })
			return
		}
		c.logger.Warn("channel lost", zap.Error(readErr))
		c.notify(func(listener Listener) { listener.OnClose(readErr) })

		next, ok := c.redial(ctx, &backoff)
		if !ok {
			return
		}
		conn = next
	}
}

func (c *Connection) redial(ctx context.Context, backoff *time.Duration) (*websocket.Conn, bool) {
	for {
		timer := time.NewTimer(*backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		conn, err := c.dial(ctx)
		if err == nil {
			return conn, true
		}
		c.logger.Warn("channel redial failed", zap.Duration("backoff", *backoff), zap.Error(err))
		*backoff *= 2
		if *backoff > c.cfg.MaxBackoff {
			*backoff = c.cfg.MaxBackoff
		}
	}
}

// serve pumps frames to listeners until the socket fails.
func (c *Connection) serve(ctx context.Context, conn *websocket.Conn) error {
	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.ping(conn, pingDone)

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		var frame protocol.Frame
		if err := json.Unmarshal(message, &frame); err != nil || frame.Event == "" {
			c.logger.Debug("unreadable frame dropped", zap.Int("bytes", len(message)), zap.Error(err))
			continue
		}
		c.notify(func(listener Listener) { listener.OnEvent(frame) })
	}
}

func (c *Connection) ping(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Connection) notify(deliver func(Listener)) {
	c.mu.Lock()
	listeners := make([]Listener, 0, len(c.listeners))
	for _, listener := range c.listeners {
		listeners = append(listeners, listener)
	}
	c.mu.Unlock()
	for _, listener := range listeners {
		deliver(listener)
	}
}
