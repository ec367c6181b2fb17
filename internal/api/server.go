package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"examrelay/pkg/interfaces"
	"examrelay/pkg/types"
)

// healthTimeout bounds the journal probe in /health
const healthTimeout = 5 * time.Second

// Component status values reported by /health
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDisabled  = "disabled"
	StatusEnabled   = "enabled"
)

// ConnectionCounter reports how many connections are attached
type ConnectionCounter interface {
	Count() int
}

// RoomCounter reports how many connections are in a room
type RoomCounter interface {
	MemberCount(room string) int
}

// SessionArchive is implemented by journals that keep session snapshots
type SessionArchive interface {
	GetSession(ctx context.Context, sessionID string) (types.SessionRecord, error)
	ListSessions(ctx context.Context) ([]types.SessionRecord, error)
}

// Deps are the read-only views the API serves from. Journal, Backplane,
// Metrics and WebSocket may be nil.
type Deps struct {
	Sessions    interfaces.SessionReader
	Connections ConnectionCounter
	Rooms       RoomCounter
	Journal     interfaces.EventJournal
	Backplane   interfaces.Backplane
	Metrics     http.Handler
	WebSocket   http.Handler
	CORSOrigins []string
}

// Server exposes health, session inspection and metrics over HTTP. It
// never mutates relay state.
type Server struct {
	deps   Deps
	logger *zap.Logger
	router chi.Router
	now    func() time.Time
}

// NewServer builds the HTTP surface
func NewServer(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		logger: logger.Named("api"),
		router: chi.NewRouter(),
		now:    time.Now,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(corsMiddleware(s.deps.CORSOrigins))

	// The upgrade needs the raw ResponseWriter, so /ws skips request logging
	if s.deps.WebSocket != nil {
		s.router.Handle("/ws", s.deps.WebSocket)
	}
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics)
	}

	s.router.Group(func(r chi.Router) {
		r.Use(loggingMiddleware(s.logger))
		r.Use(jsonMiddleware)

		r.Get("/health", s.healthCheck)
		r.Route("/api/sessions", func(r chi.Router) {
			r.Get("/", s.listSessions)
			r.Get("/{id}", s.getSession)
			r.Get("/{id}/events", s.sessionEvents)
		})
	})
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	Connections  int       `json:"connections"`
	Sessions     int       `json:"sessions"`
	LiveSessions int       `json:"liveSessions"`
	Journal      string    `json:"journal"`
	Backplane    string    `json:"backplane"`
	Node         string    `json:"node,omitempty"`
}

type SessionResponse struct {
	Session         types.SessionRecord `json:"session"`
	ConnectionCount int                 `json:"connectionCount"`
	// Archived is set when the session came from the journal rather than
	// the live store
	Archived bool `json:"archived,omitempty"`
}

type ListSessionsResponse struct {
	Sessions []types.SessionRecord `json:"sessions"`
}

type EventsResponse struct {
	SessionID string         `json:"sessionId"`
	Events    []EventPayload `json:"events"`
}

// EventPayload is one archived envelope as served to reviewers
type EventPayload struct {
	Event string         `json:"event"`
	Rooms []string       `json:"rooms"`
	Data  map[string]any `json:"data"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:       StatusHealthy,
		Timestamp:    s.now(),
		Connections:  s.deps.Connections.Count(),
		Sessions:     s.deps.Sessions.Count(),
		LiveSessions: s.deps.Sessions.LiveCount(),
		Journal:      StatusDisabled,
		Backplane:    StatusDisabled,
	}

	if s.deps.Journal != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		resp.Journal = StatusHealthy
		if err := s.deps.Journal.HealthCheck(ctx); err != nil {
			Logger(r.Context()).Warn("Journal health check failed", zap.Error(err))
			resp.Journal = StatusUnhealthy
			resp.Status = StatusUnhealthy
		}
	}
	if s.deps.Backplane != nil {
		resp.Backplane = StatusEnabled
		resp.Node = s.deps.Backplane.NodeID()
	}

	code := http.StatusOK
	if resp.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, code, resp)
}

// listSessions serves the live store, or the journal's snapshots with
// ?archived=true
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	var sessions []types.SessionRecord
	if r.URL.Query().Get("archived") == "true" {
		archive, ok := s.deps.Journal.(SessionArchive)
		if !ok {
			s.sendError(w, r, interfaces.ErrJournalDisabled.Error(), http.StatusServiceUnavailable)
			return
		}
		var err error
		if sessions, err = archive.ListSessions(r.Context()); err != nil {
			Logger(r.Context()).Error("Failed to list archived sessions", zap.Error(err))
			s.sendError(w, r, "Failed to list archived sessions", http.StatusInternalServerError)
			return
		}
	} else {
		sessions = s.deps.Sessions.List()
	}
	if sessions == nil {
		sessions = []types.SessionRecord{}
	}
	s.writeJSON(w, r, http.StatusOK, ListSessionsResponse{Sessions: sessions})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	resp := SessionResponse{
		ConnectionCount: s.deps.Rooms.MemberCount(types.SessionRoom(sessionID).Room()),
	}

	record, ok := s.deps.Sessions.Get(sessionID)
	if !ok {
		record, ok = s.archived(r, sessionID)
		resp.Archived = ok
	}
	if !ok {
		s.sendError(w, r, "Session not found", http.StatusNotFound)
		return
	}

	resp.Session = record
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) archived(r *http.Request, sessionID string) (types.SessionRecord, bool) {
	archive, ok := s.deps.Journal.(SessionArchive)
	if !ok {
		return types.SessionRecord{}, false
	}
	record, err := archive.GetSession(r.Context(), sessionID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrSessionNotFound) {
			Logger(r.Context()).Warn("Failed to read archived session", zap.String("session", sessionID), zap.Error(err))
		}
		return types.SessionRecord{}, false
	}
	return record, true
}

func (s *Server) sessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		s.sendError(w, r, interfaces.ErrJournalDisabled.Error(), http.StatusServiceUnavailable)
		return
	}

	sessionID := chi.URLParam(r, "id")
	entries, err := s.deps.Journal.SessionEvents(r.Context(), sessionID)
	if err != nil {
		Logger(r.Context()).Error("Failed to read session events", zap.String("session", sessionID), zap.Error(err))
		code := http.StatusInternalServerError
		if errors.Is(err, interfaces.ErrJournalDisabled) {
			code = http.StatusServiceUnavailable
		}
		s.sendError(w, r, "Failed to read session events", code)
		return
	}

	events := make([]EventPayload, len(entries))
	for i, e := range entries {
		events[i] = EventPayload{Event: e.Event, Rooms: e.Rooms, Data: e.Payload}
	}
	s.writeJSON(w, r, http.StatusOK, EventsResponse{SessionID: sessionID, Events: events})
}

func (s *Server) sendError(w http.ResponseWriter, r *http.Request, message string, code int) {
	s.writeJSON(w, r, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		Logger(r.Context()).Debug("Failed to write response", zap.Error(err))
	}
}
