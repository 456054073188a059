package relay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/MarcoPoloResearchLab/wayfarer/internal/interactions"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/protocol"
	"go.uber.org/zap"
)

// RoomName renders the broker-wide name of a room key.
func RoomName(key interactions.RoomKey) string {
	return key.String()
}

// Hub tracks local peers and their room memberships. Broadcasts go through
// the broker so every relay instance delivers them to its own members.
type Hub struct {
	mu     sync.RWMutex
	peers  map[string]*Peer
	rooms  map[string]map[string]*Peer
	broker Broker
	logger *zap.Logger
}

// NewHub constructs a hub over broker. A nil broker uses NewMemoryBroker.
func NewHub(broker Broker, logger *zap.Logger) *Hub {
	if broker == nil {
		broker = NewMemoryBroker()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		peers:  make(map[string]*Peer),
		rooms:  make(map[string]map[string]*Peer),
		broker: broker,
		logger: logger,
	}
}

// Start subscribes the hub to the broker.
func (h *Hub) Start(ctx context.Context) error {
	return h.broker.Start(ctx, h.deliver)
}

// Close releases the broker.
func (h *Hub) Close() error {
	return h.broker.Close()
}

func (h *Hub) Register(peer *Peer) {
	h.mu.Lock()
	h.peers[peer.ID] = peer
	total := len(h.peers)
	h.mu.Unlock()
	h.logger.Debug("peer registered", zap.String("peer_id", peer.ID), zap.Int("peers", total))
}

// Unregister removes peer from every room and closes its send queue.
func (h *Hub) Unregister(peer *Peer) {
	h.mu.Lock()
	if _, ok := h.peers[peer.ID]; !ok {
		h.mu.Unlock()
		return
	}
	for room, members := range h.rooms {
		delete(members, peer.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(h.peers, peer.ID)
	h.mu.Unlock()
	peer.closeSend()
	h.logger.Debug("peer unregistered", zap.String("peer_id", peer.ID))
}

func (h *Hub) Join(peer *Peer, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Peer)
		h.rooms[room] = members
	}
	members[peer.ID] = peer
}

// Leave reports whether peer was a member of room.
func (h *Hub) Leave(peer *Peer, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		return false
	}
	if _, member := members[peer.ID]; !member {
		return false
	}
	delete(members, peer.ID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	return true
}

func (h *Hub) InRoom(peer *Peer, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][peer.ID]
	return ok
}

// Members returns the number of local peers in room.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Broadcast publishes an event to every member of room on every instance.
func (h *Hub) Broadcast(ctx context.Context, room string, event string, payload interface{}) error {
	frame, err := protocol.NewFrame(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return h.broker.Publish(ctx, room, data)
}

func (h *Hub) deliver(room string, payload []byte) {
	h.mu.RLock()
	members := make([]*Peer, 0, len(h.rooms[room]))
	for _, peer := range h.rooms[room] {
		members = append(members, peer)
	}
	h.mu.RUnlock()

	for _, peer := range members {
		if !peer.enqueue(payload) {
			h.logger.Warn("peer send buffer full, dropping peer",
				zap.String("peer_id", peer.ID),
				zap.String("room", room))
			peer.drop()
		}
	}
}
