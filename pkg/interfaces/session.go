package interfaces

import "examrelay/pkg/types"

// SessionReader is the read side of the session store.
type SessionReader interface {
	Get(sessionID string) (types.SessionRecord, bool)
	List() []types.SessionRecord
	Count() int
	LiveCount() int
}
