package session

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"examrelay/pkg/types"
)

// IDGenerator hands out session ids. Ids are never reused.
type IDGenerator interface {
	NextID() string
}

// Sequence is a monotonic numeric IDGenerator.
type Sequence struct {
	last atomic.Int64
}

// NewSequence returns a generator whose first id is start+1.
func NewSequence(start int64) *Sequence {
	s := &Sequence{}
	s.last.Store(start)
	return s
}

// NextID implements IDGenerator
func (s *Sequence) NextID() string {
	return strconv.FormatInt(s.last.Add(1), 10)
}

// TimeOrdered is the default IDGenerator. Ids are version 7 uuids: they
// sort by creation time within a process and never collide across
// restarts or backplane peers.
type TimeOrdered struct{}

// NextID implements IDGenerator
func (TimeOrdered) NextID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Option configures a Store
type Option func(*Store)

// WithIDGenerator replaces the default TimeOrdered generator
func WithIDGenerator(ids IDGenerator) Option {
	return func(s *Store) { s.ids = ids }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the authoritative map of exam sessions. Records are created
// by Start, mutated by UpdateStatus and End, and never deleted.
// Every method returns copies.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*types.SessionRecord
	ids      IDGenerator
	now      func() time.Time
}

// NewStore creates an empty store. Without WithIDGenerator, ids come
// from TimeOrdered.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*types.SessionRecord),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ids == nil {
		s.ids = TimeOrdered{}
	}
	return s
}

// Start creates a live session from the starter's exam metadata.
func (s *Store) Start(exam map[string]any) types.SessionRecord {
	metadata := make(map[string]any, len(exam))
	for k, v := range exam {
		metadata[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record := &types.SessionRecord{
		ID:        s.ids.NextID(),
		Metadata:  metadata,
		Status:    types.SessionStatusActive,
		IsLive:    true,
		StartTime: s.now(),
	}
	s.sessions[record.ID] = record
	return copyRecord(record)
}

// UpdateStatus sets a free-form status on an existing session. The
// bool is false when the session does not exist.
func (s *Store) UpdateStatus(sessionID, status string) (types.SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.sessions[sessionID]
	if !ok {
		return types.SessionRecord{}, false
	}

	now := s.now()
	record.Status = status
	record.LastUpdate = &now
	return copyRecord(record), true
}

// End marks a session completed. Ending an ended session changes
// nothing and returns the record again.
func (s *Store) End(sessionID string) (types.SessionRecord, bool) {
	return s.end(sessionID, "")
}

// ExpireIdle ends every live session whose last activity is older than
// timeout, tagging it with reason. Returns the ended records.
func (s *Store) ExpireIdle(now time.Time, timeout time.Duration, reason string) []types.SessionRecord {
	if timeout <= 0 {
		return nil
	}

	s.mu.RLock()
	var stale []string
	for id, record := range s.sessions {
		if record.IsLive && now.Sub(record.LastActivity()) > timeout {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(stale)

	var ended []types.SessionRecord
	for _, id := range stale {
		if record, ok := s.end(id, reason); ok {
			ended = append(ended, record)
		}
	}
	return ended
}

func (s *Store) end(sessionID, reason string) (types.SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.sessions[sessionID]
	if !ok {
		return types.SessionRecord{}, false
	}
	if !record.IsLive {
		return copyRecord(record), true
	}

	now := s.now()
	record.Status = types.SessionStatusCompleted
	record.IsLive = false
	record.EndTime = &now
	if reason != "" {
		record.EndReason = reason
	}
	return copyRecord(record), true
}

// Get returns the session with the given id
func (s *Store) Get(sessionID string) (types.SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.sessions[sessionID]
	if !ok {
		return types.SessionRecord{}, false
	}
	return copyRecord(record), true
}

// List returns every session, oldest first
func (s *Store) List() []types.SessionRecord {
	s.mu.RLock()
	records := make([]types.SessionRecord, 0, len(s.sessions))
	for _, record := range s.sessions {
		records = append(records, copyRecord(record))
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].StartTime.Equal(records[j].StartTime) {
			return records[i].ID < records[j].ID
		}
		return records[i].StartTime.Before(records[j].StartTime)
	})
	return records
}

// Count returns the number of sessions ever started
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// LiveCount returns the number of sessions not yet ended
func (s *Store) LiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, record := range s.sessions {
		if record.IsLive {
			n++
		}
	}
	return n
}

func copyRecord(record *types.SessionRecord) types.SessionRecord {
	out := *record
	out.Metadata = make(map[string]any, len(record.Metadata))
	for k, v := range record.Metadata {
		out.Metadata[k] = v
	}
	if record.LastUpdate != nil {
		t := *record.LastUpdate
		out.LastUpdate = &t
	}
	if record.EndTime != nil {
		t := *record.EndTime
		out.EndTime = &t
	}
	return out
}
