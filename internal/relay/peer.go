package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/wayfarer/internal/auth"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// PeerConfig bounds a single websocket peer.
type PeerConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

// DefaultPeerConfig returns the limits used when none are configured.
func DefaultPeerConfig() PeerConfig {
	return PeerConfig{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   54 * time.Second,
		MaxMessageSize: 16 * 1024,
		SendBuffer:     256,
	}
}

func (c PeerConfig) withDefaults() PeerConfig {
	defaults := DefaultPeerConfig()
	if c.WriteWait <= 0 {
		c.WriteWait = defaults.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = defaults.PongWait
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaults.SendBuffer
	}
	return c
}

// Peer is one authenticated websocket connection.
type Peer struct {
	ID       string
	Identity auth.Identity

	conn   *websocket.Conn
	hub    *Hub
	cfg    PeerConfig
	logger *zap.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newPeer(id string, identity auth.Identity, conn *websocket.Conn, hub *Hub, cfg PeerConfig, logger *zap.Logger) *Peer {
	return &Peer{
		ID:       id,
		Identity: identity,
		conn:     conn,
		hub:      hub,
		cfg:      cfg,
		logger:   logger.With(zap.String("peer_id", id), zap.String("user_id", identity.UserID)),
		send:     make(chan []byte, cfg.SendBuffer),
	}
}

// Send queues a frame for this peer only.
func (p *Peer) Send(event string, payload interface{}) error {
	frame, err := protocol.NewFrame(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if !p.enqueue(data) {
		p.logger.Warn("peer send buffer full, dropping peer", zap.String("event", event))
		p.drop()
	}
	return nil
}

// enqueue reports false when the buffer is full. A closed peer silently drops.
func (p *Peer) enqueue(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return true
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

func (p *Peer) closeSend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.send)
}

// drop forces the read pump to exit, which unregisters the peer.
func (p *Peer) drop() {
	if p.conn != nil {
		p.conn.Close() //nolint:errcheck
	}
}

// ReadPump reads frames until the connection fails and hands each to handler.
func (p *Peer) ReadPump(handler func(*Peer, protocol.Frame)) {
	defer func() {
		p.hub.Unregister(p)
		p.conn.Close() //nolint:errcheck
	}()

	p.conn.SetReadLimit(p.cfg.MaxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(p.cfg.PongWait)) //nolint:errcheck
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(p.cfg.PongWait))
	})

	for {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				p.logger.Info("peer read failed", zap.Error(err))
			}
			return
		}
		var frame protocol.Frame
		if err := json.Unmarshal(message, &frame); err != nil || frame.Event == "" {
			p.logger.Warn("discarding malformed frame", zap.Error(err))
			continue
		}
		handler(p, frame)
	}
}

// WritePump drains the send queue and keeps the connection alive with pings.
func (p *Peer) WritePump() {
	ticker := time.NewTicker(p.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		p.conn.Close() //nolint:errcheck
	}()

	for {
		select {
		case message, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteWait)) //nolint:errcheck
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				p.logger.Debug("peer write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteWait)) //nolint:errcheck
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
