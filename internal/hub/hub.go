package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"examrelay/internal/broker"
	"examrelay/pkg/interfaces"
	"examrelay/pkg/metrics"
	"examrelay/pkg/types"
)

// DefaultQueueSize bounds the number of items waiting for the hub loop
const DefaultQueueSize = 1000

type itemKind int

const (
	itemAttach itemKind = iota
	itemEvent
	itemDisconnect
)

// item is one unit of work for the hub loop
type item struct {
	kind   itemKind
	conn   interfaces.Connection
	connID string
	event  types.Event
}

// Option configures a Hub
type Option func(*Hub)

func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithIdleSweep ends sessions idle for longer than timeout, checking
// every interval. A zero timeout disables the sweep.
func WithIdleSweep(timeout, interval time.Duration) Option {
	return func(h *Hub) {
		h.idleTimeout = timeout
		h.sweepInterval = interval
	}
}

// Hub is the single logical thread of the relay. Transport goroutines
// enqueue attaches, events and disconnects onto one queue; one goroutine
// drains it into the broker, so events from a connection are processed
// in arrival order and no two events are processed at once.
type Hub struct {
	broker  *broker.Broker
	logger  *zap.Logger
	metrics *metrics.Metrics

	queueSize     int
	idleTimeout   time.Duration
	sweepInterval time.Duration

	queue chan item

	mu      sync.RWMutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewHub creates a hub feeding b
func NewHub(b *broker.Broker, logger *zap.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		broker:    b,
		logger:    logger.Named("hub"),
		queueSize: DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.idleTimeout > 0 && h.sweepInterval <= 0 {
		h.sweepInterval = time.Minute
	}
	h.queue = make(chan item, h.queueSize)
	return h
}

// Start begins processing. The loop ends on Stop or when ctx is cancelled.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.stop = make(chan struct{})

	h.logger.Info("Starting hub",
		zap.Int("queue_size", h.queueSize),
		zap.Duration("idle_timeout", h.idleTimeout))

	h.wg.Add(1)
	go h.run(ctx, h.stop)
	return nil
}

// Stop ends the loop and waits for it to exit. Items already queued are
// processed before the loop returns.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.stop)
	h.mu.Unlock()

	h.wg.Wait()
	h.logger.Info("Hub stopped")
	return nil
}

// IsRunning reports whether the loop is accepting work
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Attach queues a new connection, waiting for queue space until ctx is
// done. Events submitted afterwards for the same connection are
// processed after the attach.
func (h *Hub) Attach(ctx context.Context, conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	return h.enqueueWait(ctx, item{kind: itemAttach, conn: conn, connID: conn.ID()})
}

// Disconnect queues the removal of connID behind its pending events,
// waiting for queue space until ctx is done.
func (h *Hub) Disconnect(ctx context.Context, connID string) error {
	return h.enqueueWait(ctx, item{kind: itemDisconnect, connID: connID})
}

// Submit queues one inbound event without blocking. A saturated queue
// drops the event with ErrQueueFull.
func (h *Hub) Submit(connID string, event types.Event) error {
	stop, err := h.stopChan()
	if err != nil {
		return err
	}

	select {
	case <-stop:
		return ErrHubNotRunning
	case h.queue <- item{kind: itemEvent, connID: connID, event: event}:
		return nil
	default:
		h.metrics.Dropped(metrics.ReasonQueueFull)
		return ErrQueueFull
	}
}

func (h *Hub) enqueueWait(ctx context.Context, it item) error {
	stop, err := h.stopChan()
	if err != nil {
		return err
	}

	select {
	case h.queue <- it:
		return nil
	case <-stop:
		return ErrHubNotRunning
	case <-ctx.Done():
		return fmt.Errorf("enqueue %s: %w", it.connID, ctx.Err())
	}
}

func (h *Hub) stopChan() (chan struct{}, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return nil, ErrHubNotRunning
	}
	return h.stop, nil
}

func (h *Hub) run(ctx context.Context, stop chan struct{}) {
	defer h.wg.Done()

	var sweep <-chan time.Time
	if h.idleTimeout > 0 {
		ticker := time.NewTicker(h.sweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case it := <-h.queue:
			h.process(it)

		case <-sweep:
			h.safely("idle sweep", func() {
				if n := h.broker.ExpireIdleSessions(h.idleTimeout); n > 0 {
					h.logger.Info("Expired idle sessions", zap.Int("count", n))
				}
			})

		case <-stop:
			h.drain()
			return

		case <-ctx.Done():
			h.logger.Info("Hub context cancelled")
			h.mu.Lock()
			if h.running {
				h.running = false
				close(h.stop)
			}
			h.mu.Unlock()
			h.drain()
			return
		}
	}
}

// drain processes whatever is still queued once the hub stops accepting work
func (h *Hub) drain() {
	for {
		select {
		case it := <-h.queue:
			h.process(it)
		default:
			return
		}
	}
}

func (h *Hub) process(it item) {
	switch it.kind {
	case itemAttach:
		h.safely("attach", func() {
			if err := h.broker.Attach(it.conn); err != nil {
				h.logger.Warn("Attach failed", zap.String("conn", it.connID), zap.Error(err))
				if closeErr := it.conn.Close(); closeErr != nil {
					h.logger.Debug("Close after failed attach", zap.Error(closeErr))
				}
			}
		})
	case itemEvent:
		h.safely(it.event.Name(), func() { h.broker.Publish(it.connID, it.event) })
	case itemDisconnect:
		h.safely("disconnect", func() { h.broker.Disconnect(it.connID) })
	}
}

// safely keeps one failing event from taking the loop down
func (h *Hub) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Recovered from panic in hub loop",
				zap.String("item", what),
				zap.Any("panic", r))
		}
	}()
	fn()
}
