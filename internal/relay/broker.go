package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultChannelPrefix = "wayfarer:rooms:"

var errBrokerNotStarted = errors.New("relay: broker not started")

// DeliverFunc receives a room frame published by any relay instance.
type DeliverFunc func(room string, payload []byte)

// Broker fans room frames out to every relay instance, including the publisher.
type Broker interface {
	Start(ctx context.Context, deliver DeliverFunc) error
	Publish(ctx context.Context, room string, payload []byte) error
	Close() error
}

// MemoryBroker serves a single relay instance.
type MemoryBroker struct {
	mu      sync.RWMutex
	deliver DeliverFunc
}

// NewMemoryBroker constructs an in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

func (b *MemoryBroker) Start(_ context.Context, deliver DeliverFunc) error {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroker) Publish(_ context.Context, room string, payload []byte) error {
	b.mu.RLock()
	deliver := b.deliver
	b.mu.RUnlock()
	if deliver == nil {
		return errBrokerNotStarted
	}
	deliver(room, payload)
	return nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.deliver = nil
	b.mu.Unlock()
	return nil
}

// RedisBrokerConfig configures a RedisBroker.
type RedisBrokerConfig struct {
	Address       string
	Password      string
	DB            int
	ChannelPrefix string
	DialTimeout   time.Duration
	Logger        *zap.Logger
}

// RedisBroker relays room frames through Redis pub/sub so several relay
// instances can share rooms.
type RedisBroker struct {
	client *redis.Client
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// NewRedisBroker connects to Redis and verifies the connection.
func NewRedisBroker(ctx context.Context, cfg RedisBrokerConfig) (*RedisBroker, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, fmt.Errorf("relay: redis address is required")
	}
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisBroker{client: client, prefix: prefix, logger: logger}, nil
}

func (b *RedisBroker) Start(ctx context.Context, deliver DeliverFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return nil
	}
	pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close() //nolint:errcheck
		return fmt.Errorf("failed to subscribe to room channels: %w", err)
	}
	b.pubsub = pubsub
	go b.processMessages(ctx, pubsub, deliver)
	return nil
}

func (b *RedisBroker) Publish(ctx context.Context, room string, payload []byte) error {
	return b.client.Publish(ctx, b.channelFor(room), payload).Err()
}

func (b *RedisBroker) Close() error {
	b.mu.Lock()
	pubsub := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()
	if pubsub != nil {
		if err := pubsub.Close(); err != nil {
			b.logger.Warn("failed to close room subscription", zap.Error(err))
		}
	}
	return b.client.Close()
}

func (b *RedisBroker) channelFor(room string) string {
	return b.prefix + room
}

func (b *RedisBroker) roomFor(channel string) (string, bool) {
	if !strings.HasPrefix(channel, b.prefix) {
		return "", false
	}
	room := strings.TrimPrefix(channel, b.prefix)
	return room, room != ""
}

func (b *RedisBroker) processMessages(ctx context.Context, pubsub *redis.PubSub, deliver DeliverFunc) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			room, ok := b.roomFor(msg.Channel)
			if !ok {
				b.logger.Debug("ignoring foreign channel", zap.String("channel", msg.Channel))
				continue
			}
			deliver(room, []byte(msg.Payload))
		}
	}
}
