package backplane

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"examrelay/pkg/interfaces"
	"examrelay/pkg/types"
)

// DefaultChannel is the pub/sub channel shared by every node
const DefaultChannel = "examrelay:broadcast"

// DefaultOutboxSize bounds publishes waiting for Redis
const DefaultOutboxSize = 1024

// Options configures the Redis connection
type Options struct {
	Addr       string
	Password   string
	DB         int
	Channel    string
	OutboxSize int
}

// RedisBus shares fan-out between relay nodes over one Redis pub/sub
// channel. Publish only enqueues; a background goroutine talks to Redis
// so the hub never waits on the network.
type RedisBus struct {
	rdb     *redis.Client
	nodeID  string
	channel string
	logger  *zap.Logger

	outbox chan []byte
	done   chan struct{}
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewRedisBus connects to Redis, verifies connectivity and starts the
// publisher.
func NewRedisBus(ctx context.Context, opts Options, logger *zap.Logger) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", opts.Addr, err)
	}
	return newBus(rdb, opts, logger), nil
}

func newBus(rdb *redis.Client, opts Options, logger *zap.Logger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = DefaultOutboxSize
	}

	b := &RedisBus{
		rdb:     rdb,
		nodeID:  uuid.New().String(),
		channel: opts.Channel,
		outbox:  make(chan []byte, opts.OutboxSize),
		done:    make(chan struct{}),
	}
	b.logger = logger.Named("backplane").With(zap.String("node", b.nodeID))

	b.wg.Add(1)
	go b.publishLoop()
	return b
}

// NodeID identifies this node in published messages
func (b *RedisBus) NodeID() string { return b.nodeID }

// Publish queues msg for the shared channel. The origin is always this
// node.
func (b *RedisBus) Publish(ctx context.Context, msg types.BusMessage) error {
	msg.Origin = b.nodeID
	raw, err := encode(msg)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	select {
	case b.outbox <- raw:
		return nil
	default:
		return ErrOutboxFull
	}
}

func (b *RedisBus) publishLoop() {
	defer b.wg.Done()

	send := func(raw []byte) {
		if err := b.rdb.Publish(context.Background(), b.channel, raw).Err(); err != nil {
			b.logger.Warn("Redis publish failed", zap.Error(err))
		}
	}

	for {
		select {
		case raw := <-b.outbox:
			send(raw)
		case <-b.done:
			for {
				select {
				case raw := <-b.outbox:
					send(raw)
				default:
					return
				}
			}
		}
	}
}

// Subscribe listens on the shared channel and calls fn for every message
// published by another node. It blocks until ctx is cancelled.
func (b *RedisBus) Subscribe(ctx context.Context, fn func(types.BusMessage)) error {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	b.logger.Info("Subscribed to backplane", zap.String("channel", b.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			msg, ok := b.accept(m.Payload)
			if ok {
				fn(msg)
			}
		}
	}
}

// accept decodes one payload and filters out this node's own messages
func (b *RedisBus) accept(payload string) (types.BusMessage, bool) {
	msg, err := decode(payload)
	if err != nil {
		b.logger.Debug("Ignoring undecodable backplane message", zap.Error(err))
		return types.BusMessage{}, false
	}
	if msg.Origin == b.nodeID {
		return types.BusMessage{}, false
	}
	return msg, true
}

// Close flushes queued publishes and disconnects. Safe to call twice.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
	return b.rdb.Close()
}

func encode(msg types.BusMessage) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode backplane message: %w", err)
	}
	return raw, nil
}

func decode(payload string) (types.BusMessage, error) {
	var msg types.BusMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return types.BusMessage{}, fmt.Errorf("failed to decode backplane message: %w", err)
	}
	if msg.Origin == "" || msg.Event == "" || len(msg.Targets) == 0 {
		return types.BusMessage{}, fmt.Errorf("incomplete backplane message")
	}
	return msg, nil
}

var _ interfaces.Backplane = (*RedisBus)(nil)
