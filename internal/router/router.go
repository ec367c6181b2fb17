package router

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"

	"examrelay/internal/registry"
	"examrelay/pkg/interfaces"
	"examrelay/pkg/metrics"
	"examrelay/pkg/types"
)

// Router keeps room membership and fans events out to room members.
// It has no per-event logic: callers decide the targets, the router
// resolves them to connections and writes best-effort.
type Router struct {
	mu          sync.RWMutex
	rooms       map[string]map[string]struct{} // room -> connIDs
	memberships map[string]map[string]struct{} // connID -> rooms

	registry *registry.Registry
	bus      interfaces.Backplane
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewRouter creates a router resolving connections through reg.
// m may be nil.
func NewRouter(reg *registry.Registry, logger *zap.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		rooms:       make(map[string]map[string]struct{}),
		memberships: make(map[string]map[string]struct{}),
		registry:    reg,
		logger:      logger.Named("router"),
		metrics:     m,
	}
}

// SetBackplane makes every local delivery also publish to other nodes.
// Call before the hub starts.
func (r *Router) SetBackplane(bus interfaces.Backplane) {
	r.bus = bus
}

// Join adds connID to room, creating the room if needed. Idempotent.
func (r *Router) Join(room, connID string) error {
	if room == "" {
		return ErrEmptyRoom
	}
	if connID == "" {
		return ErrEmptyConnectionID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]struct{})
	}
	r.rooms[room][connID] = struct{}{}

	if r.memberships[connID] == nil {
		r.memberships[connID] = make(map[string]struct{})
	}
	r.memberships[connID][room] = struct{}{}
	return nil
}

// Leave removes connID from room. Empty rooms are kept.
func (r *Router) Leave(room, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if members, ok := r.rooms[room]; ok {
		delete(members, connID)
	}
	if rooms, ok := r.memberships[connID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.memberships, connID)
		}
	}
}

// Purge removes connID from every room it belongs to.
func (r *Router) Purge(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for room := range r.memberships[connID] {
		delete(r.rooms[room], connID)
	}
	delete(r.memberships, connID)
}

// Members returns the connection ids in room, sorted
func (r *Router) Members(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.rooms[room])
}

// MemberCount returns how many connections are in room
func (r *Router) MemberCount(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// IsMember reports whether connID is in room
func (r *Router) IsMember(room, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][connID]
	return ok
}

// Rooms returns the rooms connID belongs to, sorted
func (r *Router) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.memberships[connID])
}

// Broadcast delivers event to every member of room and returns the
// number of connections written.
func (r *Router) Broadcast(room, event string, payload any) int {
	return r.Deliver([]types.Target{types.ParseRoom(room)}, event, payload)
}

// Deliver writes event once to every connection addressed by targets.
// A connection reachable through several targets receives it once.
// Unwritable connections are skipped. Returns the number written.
func (r *Router) Deliver(targets []types.Target, event string, payload any) int {
	if len(targets) == 0 {
		return 0
	}

	n := r.deliverLocal(targets, event, payload)
	r.publish(targets, event, payload)
	return n
}

// DeliverRemote delivers a message published by another node to local
// connections only.
func (r *Router) DeliverRemote(msg types.BusMessage) int {
	return r.deliverLocal(msg.Targets, msg.Event, msg.Payload)
}

func (r *Router) deliverLocal(targets []types.Target, event string, payload any) int {
	conns := r.resolve(targets)
	if len(conns) == 0 {
		r.metrics.Delivered(event, 0)
		return 0
	}

	// Encode once; every recipient queues the same bytes
	data, err := json.Marshal(types.OutboundFrame{Event: event, Data: payload})
	if err != nil {
		r.logger.Warn("Failed to encode outbound frame",
			zap.String("event", event), zap.Error(err))
		return 0
	}
	frame := json.RawMessage(data)

	delivered := 0
	for _, conn := range conns {
		if err := conn.WriteJSON(frame); err != nil {
			r.logger.Debug("Skipping unwritable connection",
				zap.String("conn", conn.ID()),
				zap.String("event", event),
				zap.Error(err))
			r.metrics.DeliveryFailed()
			continue
		}
		delivered++
	}

	r.metrics.Delivered(event, delivered)
	return delivered
}

// resolve maps targets to a deduplicated connection list. Room members
// no longer in the registry are ignored.
func (r *Router) resolve(targets []types.Target) []interfaces.Connection {
	seen := make(map[string]struct{})
	var conns []interfaces.Connection

	add := func(conn interfaces.Connection) {
		if _, dup := seen[conn.ID()]; dup {
			return
		}
		seen[conn.ID()] = struct{}{}
		conns = append(conns, conn)
	}

	for _, target := range targets {
		if target.IsDirect() {
			if conn, ok := r.registry.Connection(target.ID); ok {
				add(conn)
				continue
			}
			for _, conn := range r.registry.ConnectionsForUser(target.ID) {
				add(conn)
			}
			continue
		}

		for _, connID := range r.Members(target.Room()) {
			if conn, ok := r.registry.Connection(connID); ok {
				add(conn)
			}
		}
	}
	return conns
}

func (r *Router) publish(targets []types.Target, event string, payload any) {
	if r.bus == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("Failed to encode payload for backplane",
			zap.String("event", event), zap.Error(err))
		return
	}

	msg := types.BusMessage{
		Origin:  r.bus.NodeID(),
		Targets: targets,
		Event:   event,
		Payload: data,
	}
	if err := r.bus.Publish(context.Background(), msg); err != nil {
		r.logger.Warn("Backplane publish failed",
			zap.String("event", event), zap.Error(err))
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
