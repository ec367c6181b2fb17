package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"examrelay/internal/registry"
	"examrelay/internal/router"
	"examrelay/internal/session"
	"examrelay/pkg/interfaces"
	"examrelay/pkg/metrics"
	"examrelay/pkg/types"
)

// Fallback and system sender identities stamped on envelopes
const (
	UnknownSenderName = "Unknown"
	SystemSenderID    = "system"
	SystemSenderName  = "System"
	// EndReasonIdle marks sessions ended by the idle sweep
	EndReasonIdle = "idle_timeout"
)

// Option configures a Broker
type Option func(*Broker)

// WithJournal archives every fanned-out envelope and session snapshot
func WithJournal(journal interfaces.EventJournal) Option {
	return func(b *Broker) { b.journal = journal }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithEnvelopeIDs replaces the uuid envelope id generator
func WithEnvelopeIDs(newID func() string) Option {
	return func(b *Broker) { b.newID = newID }
}

// Broker is the entry point for everything a connection does. It stamps
// inbound events into envelopes, applies session mutations and hands the
// result to the router. It is not safe for concurrent Publish calls;
// the hub serializes them.
type Broker struct {
	registry *registry.Registry
	router   *router.Router
	store    *session.Store
	journal  interfaces.EventJournal
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

// NewBroker wires the broker to its three state components
func NewBroker(reg *registry.Registry, rt *router.Router, store *session.Store, logger *zap.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broker{
		registry: reg,
		router:   rt,
		store:    store,
		logger:   logger.Named("broker"),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach registers a freshly accepted connection and tells it its id.
func (b *Broker) Attach(conn interfaces.Connection) error {
	if err := b.registry.Attach(conn); err != nil {
		return err
	}
	b.metrics.SetConnections(b.registry.Count())

	hello := types.OutboundFrame{
		Event: types.EventConnected,
		Data:  map[string]any{"connectionId": conn.ID()},
	}
	if err := conn.WriteJSON(hello); err != nil {
		b.logger.Debug("Failed to greet connection", zap.String("conn", conn.ID()), zap.Error(err))
	}

	b.logger.Info("Connection attached", zap.String("conn", conn.ID()))
	return nil
}

// Publish processes one event from connID. It never reports back to the
// sender: drops are logged and counted.
func (b *Broker) Publish(connID string, event types.Event) {
	b.metrics.Received(event.Name())

	switch ev := event.(type) {
	case types.Authenticate:
		b.authenticate(connID, ev.Identity)

	case types.JoinSession:
		if err := b.router.Join(types.SessionRoom(ev.SessionID).Room(), connID); err != nil {
			b.drop(connID, event, metrics.ReasonMalformed, err)
		}

	case types.LeaveSession:
		b.router.Leave(types.SessionRoom(ev.SessionID).Room(), connID)

	case types.SendMessage:
		b.fanOut(connID, types.EventNewMessage, ev.Fields, true,
			sessionRef(ev.Fields), ev.Receiver)

	case types.ReportIncident:
		b.fanOut(connID, types.EventIncidentReported, ev.Fields, true,
			sessionRef(ev.Fields),
			types.RoleRoom(types.RoleSupervisor), types.RoleRoom(types.RoleAdmin))

	case types.IssueWarning:
		b.fanOut(connID, types.EventWarningIssued, ev.Fields, true,
			ev.SessionID,
			types.SessionRoom(ev.SessionID), types.RoleRoom(types.RoleSupervisor))

	case types.UpdateSessionStatus:
		record, ok := b.store.UpdateStatus(ev.SessionID, ev.Status)
		if !ok {
			b.drop(connID, event, metrics.ReasonUnknownSession, nil)
			return
		}
		b.sessionChanged(connID, types.EventSessionUpdate, record,
			types.SessionRoom(record.ID), types.Monitoring())

	case types.AIDetection:
		b.fanOut(connID, types.EventAIDetection, ev.Fields, false,
			sessionRef(ev.Fields),
			types.RoleRoom(types.RoleProctor), types.RoleRoom(types.RoleSupervisor))

	case types.StartExam:
		record := b.store.Start(ev.Exam)
		b.logger.Info("Exam session started",
			zap.String("session", record.ID), zap.String("conn", connID))
		b.sessionChanged(connID, types.EventExamStarted, record, types.Monitoring())

	case types.EndExam:
		record, ok := b.store.End(ev.SessionID)
		if !ok {
			b.drop(connID, event, metrics.ReasonUnknownSession, nil)
			return
		}
		b.logger.Info("Exam session ended",
			zap.String("session", record.ID), zap.String("conn", connID))
		b.sessionChanged(connID, types.EventExamEnded, record, types.Monitoring())

	case types.Disconnect:
		b.registry.Forget(connID)
		b.router.Purge(connID)
		b.metrics.SetConnections(b.registry.Count())
		b.logger.Info("Connection detached", zap.String("conn", connID))

	default:
		b.drop(connID, event, metrics.ReasonMalformed, types.ErrUnknownEvent)
	}
}

// Disconnect is shorthand for publishing types.Disconnect
func (b *Broker) Disconnect(connID string) {
	b.Publish(connID, types.Disconnect{})
}

// ExpireIdleSessions ends live sessions idle for longer than timeout and
// announces each to the monitoring room. A zero timeout does nothing.
func (b *Broker) ExpireIdleSessions(timeout time.Duration) int {
	ended := b.store.ExpireIdle(b.now(), timeout, EndReasonIdle)
	for _, record := range ended {
		b.logger.Info("Exam session expired",
			zap.String("session", record.ID),
			zap.Time("last_activity", record.LastActivity()))
		b.broadcastSession(SystemSenderID, SystemSenderName, types.EventExamEnded, record, types.Monitoring())
	}
	return len(ended)
}

func (b *Broker) authenticate(connID string, identity types.Identity) {
	previous, had := b.registry.Authenticate(connID, identity)
	if had {
		if previous.Role != identity.Role {
			b.router.Leave(types.RoleRoom(previous.Role).Room(), connID)
		}
		if previous.Role.Monitors() && !identity.Role.Monitors() {
			b.router.Leave(types.MonitoringRoom, connID)
		}
	}

	// Join only fails on empty names, which cannot happen here
	_ = b.router.Join(types.RoleRoom(identity.Role).Room(), connID)
	if identity.Role.Monitors() {
		_ = b.router.Join(types.MonitoringRoom, connID)
	}

	b.logger.Info("Connection authenticated",
		zap.String("conn", connID),
		zap.String("user", identity.UserID),
		zap.String("role", string(identity.Role)))
}

// sender resolves the stamped identity, falling back to the raw
// connection id for unauthenticated connections.
func (b *Broker) sender(connID string) (string, string) {
	if identity, ok := b.registry.Lookup(connID); ok {
		return identity.UserID, identity.Name
	}
	return connID, UnknownSenderName
}

func (b *Broker) fanOut(connID, event string, fields map[string]any, unread bool, sessionID string, targets ...types.Target) {
	senderID, senderName := b.sender(connID)
	env := b.envelope(senderID, senderName, fields, unread)
	b.deliver(event, env, sessionID, targets)
}

func (b *Broker) sessionChanged(connID, event string, record types.SessionRecord, targets ...types.Target) {
	senderID, senderName := b.sender(connID)
	b.broadcastSession(senderID, senderName, event, record, targets...)
}

func (b *Broker) broadcastSession(senderID, senderName, event string, record types.SessionRecord, targets ...types.Target) {
	b.metrics.SetLiveSessions(b.store.LiveCount())
	b.saveSession(record)

	env := b.envelope(senderID, senderName, record.Fields(), false)
	b.deliver(event, env, record.ID, targets)
}

func (b *Broker) envelope(senderID, senderName string, payload map[string]any, unread bool) types.Envelope {
	env := types.Envelope{
		ID:         b.newID(),
		SenderID:   senderID,
		SenderName: senderName,
		Timestamp:  b.now(),
		Payload:    payload,
	}
	if unread {
		isRead := false
		env.IsRead = &isRead
	}
	return env
}

func (b *Broker) deliver(event string, env types.Envelope, sessionID string, targets []types.Target) {
	n := b.router.Deliver(targets, event, env)
	b.logger.Debug("Event delivered",
		zap.String("event", event),
		zap.String("id", env.ID),
		zap.Int("recipients", n))

	if b.journal == nil {
		return
	}
	rooms := make([]string, len(targets))
	for i, target := range targets {
		rooms[i] = target.String()
	}
	entry := types.JournalEntry{
		ID:        env.ID,
		Event:     event,
		SenderID:  env.SenderID,
		SessionID: sessionID,
		Rooms:     rooms,
		Payload:   env.Fields(),
		Timestamp: env.Timestamp,
	}
	if err := b.journal.RecordEvent(context.Background(), entry); err != nil {
		b.logger.Warn("Failed to journal event", zap.String("id", env.ID), zap.Error(err))
	}
}

func (b *Broker) saveSession(record types.SessionRecord) {
	if b.journal == nil {
		return
	}
	if err := b.journal.SaveSession(context.Background(), record); err != nil {
		b.logger.Warn("Failed to journal session", zap.String("session", record.ID), zap.Error(err))
	}
}

func (b *Broker) drop(connID string, event types.Event, reason string, err error) {
	b.metrics.Dropped(reason)
	fields := []zap.Field{
		zap.String("conn", connID),
		zap.String("event", event.Name()),
		zap.String("reason", reason),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	b.logger.Debug("Event dropped", fields...)
}

// sessionRef pulls an optional sessionId out of a free-form payload
func sessionRef(fields map[string]any) string {
	switch v := fields["sessionId"].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
