package types

import (
	"encoding/json"
	"time"
)

// Role is the fixed set of parties that can connect to the relay.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSupervisor Role = "supervisor"
	RoleProctor    Role = "proctor"
	RoleTeacher    Role = "teacher"
	RoleStudent    Role = "student"
)

// Session status values the relay itself writes. Clients may set any
// other free-form status through update_session_status.
const (
	SessionStatusActive    = "active"
	SessionStatusCompleted = "completed"
)

// Outbound event names
const (
	EventConnected        = "connected"
	EventNewMessage       = "new_message"
	EventIncidentReported = "incident_reported"
	EventWarningIssued    = "warning_issued"
	EventSessionUpdate    = "session_update"
	EventAIDetection      = "ai_detection"
	EventExamStarted      = "exam_started"
	EventExamEnded        = "exam_ended"
)

// Roles returns every known role in a stable order.
func Roles() []Role {
	return []Role{RoleAdmin, RoleSupervisor, RoleProctor, RoleTeacher, RoleStudent}
}

// Monitors reports whether connections with this role join the monitoring room.
func (r Role) Monitors() bool {
	return r == RoleProctor || r == RoleSupervisor
}

// Identity is what a connection claims about itself on authenticate.
type Identity struct {
	UserID string `json:"id"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
}

// SessionRecord is one proctoring session held by the session store.
// Metadata carries whatever the starter supplied; the stamped fields
// always win over metadata keys of the same name when serialized.
type SessionRecord struct {
	ID         string
	Metadata   map[string]any
	Status     string
	IsLive     bool
	StartTime  time.Time
	LastUpdate *time.Time
	EndTime    *time.Time
	EndReason  string
}

// LastActivity is the most recent of the start time and the last status update.
func (s SessionRecord) LastActivity() time.Time {
	if s.LastUpdate != nil && s.LastUpdate.After(s.StartTime) {
		return *s.LastUpdate
	}
	return s.StartTime
}

// Fields flattens the record into a JSON-ready map.
func (s SessionRecord) Fields() map[string]any {
	out := make(map[string]any, len(s.Metadata)+7)
	for k, v := range s.Metadata {
		out[k] = v
	}
	out["sessionId"] = s.ID
	out["status"] = s.Status
	out["isLive"] = s.IsLive
	out["startTime"] = s.StartTime
	if s.LastUpdate != nil {
		out["lastUpdate"] = *s.LastUpdate
	}
	if s.EndTime != nil {
		out["endTime"] = *s.EndTime
	}
	if s.EndReason != "" {
		out["endReason"] = s.EndReason
	}
	return out
}

// MarshalJSON implements json.Marshaler
func (s SessionRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Fields())
}

// Envelope is an inbound event after the broker has stamped it.
type Envelope struct {
	ID         string
	SenderID   string
	SenderName string
	Timestamp  time.Time
	// IsRead is set for message, incident and warning envelopes only.
	IsRead  *bool
	Payload map[string]any
}

// Fields flattens the payload with the stamped fields on top.
func (e Envelope) Fields() map[string]any {
	out := make(map[string]any, len(e.Payload)+5)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["id"] = e.ID
	out["senderId"] = e.SenderID
	out["senderName"] = e.SenderName
	out["timestamp"] = e.Timestamp
	if e.IsRead != nil {
		out["isRead"] = *e.IsRead
	}
	return out
}

// MarshalJSON implements json.Marshaler
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Fields())
}

// Frame is the wire shape for both directions: a named event plus data.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundFrame is a frame whose data has not been encoded yet.
type OutboundFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// BusMessage carries one broadcast between relay nodes.
type BusMessage struct {
	Origin  string          `json:"origin"`
	Targets []Target        `json:"targets"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// JournalEntry is one fanned-out envelope as archived by the event journal.
type JournalEntry struct {
	ID        string
	Event     string
	SenderID  string
	SessionID string
	Rooms     []string
	Payload   map[string]any
	Timestamp time.Time
}
