package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"examrelay/internal/hub"
	"examrelay/pkg/metrics"
	"examrelay/pkg/types"
)

// Options tunes the transport. Zero values take the defaults.
type Options struct {
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	SendBuffer      int
	MaxMessageSize  int64
	EventsPerMinute int
	// AllowedOrigins restricts the Origin header; empty or "*" allows all
	AllowedOrigins []string
}

// DefaultOptions returns the transport defaults
func DefaultOptions() Options {
	return Options{
		PingInterval:    30 * time.Second,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    DefaultWriteTimeout,
		SendBuffer:      DefaultSendBuffer,
		MaxMessageSize:  64 * 1024,
		EventsPerMinute: DefaultEventsPerMinute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	return o
}

// lifecycleTimeout bounds how long attach and disconnect wait for the hub
const lifecycleTimeout = 5 * time.Second

// Handler upgrades HTTP requests and pumps frames between sockets and the hub.
type Handler struct {
	hub      *hub.Hub
	opts     Options
	limiter  *RateLimiter
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewHandler creates a handler feeding h. m may be nil.
func NewHandler(h *hub.Hub, opts Options, logger *zap.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()

	handler := &Handler{
		hub:     h,
		opts:    opts,
		limiter: NewRateLimiter(opts.EventsPerMinute),
		logger:  logger.Named("websocket"),
		metrics: m,
	}
	handler.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      handler.checkOrigin,
	}
	return handler
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.hub.IsRunning() {
		http.Error(w, "relay is not accepting connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(h.opts.MaxMessageSize)

	conn := NewConnection(ws, h.opts.SendBuffer, h.opts.WriteTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancel()
	if err := h.hub.Attach(ctx, conn); err != nil {
		h.logger.Warn("Failed to attach connection", zap.String("conn", conn.ID()), zap.Error(err))
		_ = conn.Close()
		return
	}

	go h.handleConnection(conn)
}

// handleConnection runs the heartbeat and the read pump until the peer
// goes away, then detaches the connection.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
		defer cancel()
		if err := h.hub.Disconnect(ctx, conn.ID()); err != nil {
			h.logger.Warn("Failed to detach connection", zap.String("conn", conn.ID()), zap.Error(err))
		}
		h.limiter.Forget(conn.ID())
		_ = conn.Close()
	}()

	if err := conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	go h.heartbeat(conn)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read error", zap.String("conn", conn.ID()), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.handleFrame(conn.ID(), data)
	}
}

func (h *Handler) heartbeat(conn *Connection) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.writePing(); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// handleFrame decodes one inbound frame and submits it to the hub.
// Every failure is logged and dropped; nothing goes back to the peer.
func (h *Handler) handleFrame(connID string, data []byte) {
	event, err := ParseFrame(data)
	if err != nil {
		h.metrics.Dropped(metrics.ReasonMalformed)
		h.logger.Debug("Dropping malformed frame", zap.String("conn", connID), zap.Error(err))
		return
	}

	if !h.limiter.Allow(connID) {
		h.metrics.Dropped(metrics.ReasonRateLimited)
		h.logger.Warn("Dropping event over rate limit",
			zap.String("conn", connID),
			zap.String("event", event.Name()))
		return
	}

	if err := h.hub.Submit(connID, event); err != nil {
		h.logger.Warn("Failed to submit event",
			zap.String("conn", connID),
			zap.String("event", event.Name()),
			zap.Error(err))
	}
}

// ParseFrame decodes a {"event","data"} frame into a typed event.
func ParseFrame(data []byte) (types.Event, error) {
	var frame types.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if frame.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrInvalidFrame)
	}
	event, err := types.DecodeEvent(frame.Event, frame.Data)
	if err != nil {
		return nil, err
	}
	return event, nil
}
