package interfaces

import (
	"context"

	"examrelay/pkg/types"
)

// EventJournal archives fanned-out envelopes and session snapshots.
// Record methods enqueue and return immediately; the core never waits on
// the journal.
type EventJournal interface {
	RecordEvent(ctx context.Context, entry types.JournalEntry) error
	SaveSession(ctx context.Context, session types.SessionRecord) error

	// SessionEvents returns a session's archived envelopes, oldest first
	SessionEvents(ctx context.Context, sessionID string) ([]types.JournalEntry, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
