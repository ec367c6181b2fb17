package types

import "strings"

// Room name conventions
const (
	RoleRoomPrefix    = "role_"
	SessionRoomPrefix = "session_"
	MonitoringRoom    = "monitoring_room"
)

// TargetKind discriminates Target.
type TargetKind string

const (
	TargetRole       TargetKind = "role"
	TargetSession    TargetKind = "session"
	TargetMonitoring TargetKind = "monitoring"
	TargetDirect     TargetKind = "direct"
	// TargetRoom addresses a room by its literal name
	TargetRoom TargetKind = "room"
)

// Target says who an outbound event is for. Construct it with RoleRoom,
// SessionRoom, Monitoring or DirectConnection.
type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id,omitempty"`
}

func RoleRoom(role Role) Target { return Target{Kind: TargetRole, ID: string(role)} }

func SessionRoom(sessionID string) Target { return Target{Kind: TargetSession, ID: sessionID} }

func Monitoring() Target { return Target{Kind: TargetMonitoring} }

func DirectConnection(id string) Target { return Target{Kind: TargetDirect, ID: id} }

// Room returns the room name behind a target. Direct targets have no
// room and return "".
func (t Target) Room() string {
	switch t.Kind {
	case TargetRole:
		return RoleRoomPrefix + t.ID
	case TargetSession:
		return SessionRoomPrefix + t.ID
	case TargetMonitoring:
		return MonitoringRoom
	case TargetRoom:
		return t.ID
	default:
		return ""
	}
}

// IsDirect reports whether the target addresses one connection or user.
func (t Target) IsDirect() bool { return t.Kind == TargetDirect }

func (t Target) String() string {
	if t.IsDirect() {
		return "direct:" + t.ID
	}
	return t.Room()
}

// ResolveReceiver turns a client-supplied receiverId into a Target.
// role_<role> addresses a role room; anything else is a direct channel.
func ResolveReceiver(receiverID string) Target {
	if strings.HasPrefix(receiverID, RoleRoomPrefix) {
		return RoleRoom(Role(strings.TrimPrefix(receiverID, RoleRoomPrefix)))
	}
	return DirectConnection(receiverID)
}

// ParseRoom converts a room name back into a Target. Names outside the
// role, session and monitoring conventions become TargetRoom.
func ParseRoom(room string) Target {
	switch {
	case strings.HasPrefix(room, RoleRoomPrefix):
		return RoleRoom(Role(strings.TrimPrefix(room, RoleRoomPrefix)))
	case strings.HasPrefix(room, SessionRoomPrefix):
		return SessionRoom(strings.TrimPrefix(room, SessionRoomPrefix))
	case room == MonitoringRoom:
		return Monitoring()
	default:
		return Target{Kind: TargetRoom, ID: room}
	}
}
