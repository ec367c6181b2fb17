package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound event names
const (
	EventAuthenticate        = "authenticate"
	EventJoinSession         = "join_session"
	EventLeaveSession        = "leave_session"
	EventSendMessage         = "send_message"
	EventReportIncident      = "report_incident"
	EventIssueWarning        = "issue_warning"
	EventUpdateSessionStatus = "update_session_status"
	EventAIDetectionIn       = "ai_detection"
	EventStartExam           = "start_exam"
	EventEndExam             = "end_exam"
	EventDisconnect          = "disconnect"
)

// Event is the closed set of things a connection can ask the broker to do.
// Only the types in this file implement it.
type Event interface {
	Name() string
	sealed()
}

type Authenticate struct {
	Identity Identity
}

type JoinSession struct {
	SessionID string
}

type LeaveSession struct {
	SessionID string
}

type SendMessage struct {
	ReceiverID string
	Receiver   Target
	Fields     map[string]any
}

type ReportIncident struct {
	Fields map[string]any
}

type IssueWarning struct {
	SessionID string
	Fields    map[string]any
}

type UpdateSessionStatus struct {
	SessionID string
	Status    string
}

type AIDetection struct {
	Fields map[string]any
}

type StartExam struct {
	Exam map[string]any
}

type EndExam struct {
	SessionID string
}

// Disconnect is raised by the transport, never decoded from the wire.
type Disconnect struct{}

func (Authenticate) Name() string        { return EventAuthenticate }
func (JoinSession) Name() string         { return EventJoinSession }
func (LeaveSession) Name() string        { return EventLeaveSession }
func (SendMessage) Name() string         { return EventSendMessage }
func (ReportIncident) Name() string      { return EventReportIncident }
func (IssueWarning) Name() string        { return EventIssueWarning }
func (UpdateSessionStatus) Name() string { return EventUpdateSessionStatus }
func (AIDetection) Name() string         { return EventAIDetectionIn }
func (StartExam) Name() string           { return EventStartExam }
func (EndExam) Name() string             { return EventEndExam }
func (Disconnect) Name() string          { return EventDisconnect }

func (Authenticate) sealed()        {}
func (JoinSession) sealed()         {}
func (LeaveSession) sealed()        {}
func (SendMessage) sealed()         {}
func (ReportIncident) sealed()      {}
func (IssueWarning) sealed()        {}
func (UpdateSessionStatus) sealed() {}
func (AIDetection) sealed()         {}
func (StartExam) sealed()           {}
func (EndExam) sealed()             {}
func (Disconnect) sealed()          {}

// DecodeEvent builds the typed event for a named inbound frame, enforcing
// the required fields of that kind. Errors wrap ErrUnknownEvent or
// ErrMalformedEvent.
func DecodeEvent(name string, data json.RawMessage) (Event, error) {
	switch name {
	case EventAuthenticate:
		fields, err := decodeObject(data)
		if err != nil {
			return nil, err
		}
		role := Role(stringField(fields, "role"))
		if !IsValidRole(role) {
			return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, ErrInvalidRole)
		}
		userID := stringField(fields, "id")
		if userID == "" {
			return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, ErrMissingUserID)
		}
		return Authenticate{Identity: Identity{
			UserID: userID,
			Name:   stringField(fields, "name"),
			Role:   role,
		}}, nil

	case EventJoinSession, EventLeaveSession:
		sessionID, err := decodeSessionRef(data)
		if err != nil {
			return nil, err
		}
		if name == EventJoinSession {
			return JoinSession{SessionID: sessionID}, nil
		}
		return LeaveSession{SessionID: sessionID}, nil

	case EventSendMessage:
		fields, err := decodeObject(data)
		if err != nil {
			return nil, err
		}
		receiverID := stringField(fields, "receiverId")
		if receiverID == "" {
			return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, ErrMissingReceiverID)
		}
		return SendMessage{
			ReceiverID: receiverID,
			Receiver:   ResolveReceiver(receiverID),
			Fields:     fields,
		}, nil

	case EventReportIncident:
		fields, err := decodeObject(data)
		if err != nil {
			return nil, err
		}
		return ReportIncident{Fields: fields}, nil

	case EventIssueWarning:
		fields, err := decodeObject(data)
		if err != nil {
			return nil, err
		}
		sessionID := stringField(fields, "sessionId")
		if sessionID == "" {
			return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, ErrMissingSessionID)
		}
		fields["sessionId"] = sessionID
		return IssueWarning{SessionID: sessionID, Fields: fields}, nil

	case EventUpdateSessionStatus:
		fields, err := decodeObject(data)
		if err != nil {
			return nil, err
		}
		sessionID := stringField(fields, "sessionId")
		if sessionID == "" {
			return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, ErrMissingSessionID)
		}
		status := stringField(fields, "status")
		if status == "" {
			return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, ErrMissingStatus)
		}
		return UpdateSessionStatus{SessionID: sessionID, Status: status}, nil

	case EventAIDetectionIn:
		fields, err := decodeObject(data)
		if err != nil {
			return nil, err
		}
		return AIDetection{Fields: fields}, nil

	case EventStartExam:
		fields, err := decodeObject(data)
		if err != nil {
			return nil, err
		}
		return StartExam{Exam: fields}, nil

	case EventEndExam:
		sessionID, err := decodeSessionRef(data)
		if err != nil {
			return nil, err
		}
		return EndExam{SessionID: sessionID}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
}

// decodeObject parses a JSON object, keeping numbers exact. An empty
// payload decodes to an empty map.
func decodeObject(data json.RawMessage) (map[string]any, error) {
	fields := map[string]any{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return fields, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return fields, nil
}

// decodeSessionRef accepts "1001", 1001 or {"sessionId": ...}.
func decodeSessionRef(data json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(data)
	var sessionID string
	if len(trimmed) > 0 && trimmed[0] == '{' {
		fields, err := decodeObject(trimmed)
		if err != nil {
			return "", err
		}
		sessionID = stringField(fields, "sessionId")
	} else if len(trimmed) > 0 {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		sessionID = stringify(v)
	}
	if sessionID == "" {
		return "", fmt.Errorf("%w: %w", ErrMalformedEvent, ErrMissingSessionID)
	}
	return sessionID, nil
}

func stringField(fields map[string]any, key string) string {
	return stringify(fields[key])
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	default:
		return ""
	}
}
