package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	dbconfig "examrelay/pkg/database"
	"examrelay/pkg/interfaces"
	"examrelay/pkg/types"
)

// writeTimeout bounds a single SQLite write attempt
const writeTimeout = 10 * time.Second

// Manager is the SQLite event journal. Reads run concurrently on the pool;
// every write goes through one goroutine so SQLite never sees competing
// writers.
type Manager struct {
	db      *sql.DB
	config  *dbconfig.Config
	logger  *zap.Logger
	writeCh chan writeOperation

	shutdown chan struct{}
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type writeOperation struct {
	name      string
	operation func(ctx context.Context, db *sql.DB) error
	// result is nil for fire-and-forget writes
	result chan error
}

// NewManager opens and migrates the journal at config.Path and starts
// the writer.
func NewManager(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("journal")

	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, err
	}
	if err := dbconfig.Migrate(db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	m := &Manager{
		db:       db,
		config:   config,
		logger:   logger,
		writeCh:  make(chan writeOperation, config.WriteQueueSize),
		shutdown: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.writeLoop()

	logger.Info("Event journal opened", zap.String("path", config.Path))
	return m, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeCh:
			m.execute(op)
		case <-m.shutdown:
			// Drain what was accepted before Close
			for {
				select {
				case op := <-m.writeCh:
					m.execute(op)
				default:
					return
				}
			}
		}
	}
}

// execute runs op, retrying once after the configured delay
func (m *Manager) execute(op writeOperation) {
	err := m.attempt(op)
	if err != nil {
		m.logger.Warn("Journal write failed, retrying",
			zap.String("op", op.name),
			zap.Duration("delay", m.config.RetryDelay),
			zap.Error(err))
		time.Sleep(m.config.RetryDelay)
		if err = m.attempt(op); err != nil {
			m.logger.Error("Journal write failed after retry", zap.String("op", op.name), zap.Error(err))
		}
	}
	if op.result != nil {
		op.result <- err
	}
}

func (m *Manager) attempt(op writeOperation) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return op.operation(ctx, m.db)
}

// enqueue hands op to the writer without blocking
func (m *Manager) enqueue(op writeOperation) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrJournalClosed
	}

	select {
	case m.writeCh <- op:
		return nil
	default:
		return ErrWriteQueueFull
	}
}

// RecordEvent queues an envelope for archiving. It returns once queued;
// ctx is not retained.
func (m *Manager) RecordEvent(ctx context.Context, entry types.JournalEntry) error {
	if entry.ID == "" {
		return ErrInvalidEntry
	}
	rooms, err := json.Marshal(nonNil(entry.Rooms))
	if err != nil {
		return fmt.Errorf("failed to marshal rooms: %w", err)
	}
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	return m.enqueue(writeOperation{
		name: "record_event",
		operation: func(ctx context.Context, db *sql.DB) error {
			// The unique id makes a retried insert a no-op
			_, err := db.ExecContext(ctx, `
				INSERT OR IGNORE INTO events (id, event, sender_id, session_id, rooms, payload, timestamp)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				entry.ID,
				entry.Event,
				entry.SenderID,
				nullString(entry.SessionID),
				string(rooms),
				string(payload),
				entry.Timestamp.UTC(),
			)
			if err != nil {
				return fmt.Errorf("failed to insert event: %w", err)
			}
			return nil
		},
	})
}

// SaveSession queues an upsert of the session's latest snapshot.
func (m *Manager) SaveSession(ctx context.Context, record types.SessionRecord) error {
	if record.ID == "" {
		return ErrInvalidSnapshot
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	return m.enqueue(writeOperation{
		name: "save_session",
		operation: func(ctx context.Context, db *sql.DB) error {
			_, err := db.ExecContext(ctx, `
				INSERT INTO sessions (id, status, is_live, start_time, last_update, end_time, end_reason, record, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					status = excluded.status,
					is_live = excluded.is_live,
					last_update = excluded.last_update,
					end_time = excluded.end_time,
					end_reason = excluded.end_reason,
					record = excluded.record,
					updated_at = excluded.updated_at`,
				record.ID,
				record.Status,
				record.IsLive,
				record.StartTime.UTC(),
				nullTime(record.LastUpdate),
				nullTime(record.EndTime),
				nullString(record.EndReason),
				string(raw),
				time.Now().UTC(),
			)
			if err != nil {
				return fmt.Errorf("failed to upsert session: %w", err)
			}
			return nil
		},
	})
}

// Flush waits until every write queued before the call has been applied.
func (m *Manager) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	op := writeOperation{
		name:      "flush",
		operation: func(context.Context, *sql.DB) error { return nil },
		result:    done,
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrJournalClosed
	}
	select {
	case m.writeCh <- op:
		m.mu.RUnlock()
	case <-ctx.Done():
		m.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetSession returns the latest archived snapshot of a session
func (m *Manager) GetSession(ctx context.Context, sessionID string) (types.SessionRecord, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, status, is_live, start_time, last_update, end_time, end_reason, record
		FROM sessions
		WHERE id = ?`, sessionID)

	record, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.SessionRecord{}, interfaces.ErrSessionNotFound
	}
	if err != nil {
		return types.SessionRecord{}, fmt.Errorf("failed to query session: %w", err)
	}
	return record, nil
}

// ListSessions returns every archived session, oldest first
func (m *Manager) ListSessions(ctx context.Context) ([]types.SessionRecord, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, status, is_live, start_time, last_update, end_time, end_reason, record
		FROM sessions
		ORDER BY start_time ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []types.SessionRecord
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return records, nil
}

// SessionEvents returns a session's archived envelopes in the order they
// were fanned out.
func (m *Manager) SessionEvents(ctx context.Context, sessionID string) ([]types.JournalEntry, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, event, sender_id, session_id, rooms, payload, timestamp
		FROM events
		WHERE session_id = ?
		ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []types.JournalEntry{}
	for rows.Next() {
		var (
			entry          types.JournalEntry
			session        sql.NullString
			rooms, payload string
		)
		if err := rows.Scan(&entry.ID, &entry.Event, &entry.SenderID, &session, &rooms, &payload, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		entry.SessionID = session.String
		if err := json.Unmarshal([]byte(rooms), &entry.Rooms); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rooms: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &entry.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return entries, nil
}

// HealthCheck validates connectivity and that the schema is readable
func (m *Manager) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrJournalClosed
	}

	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close stops accepting writes, applies the ones already queued and
// closes the database. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	m.logger.Info("Event journal closed")
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (types.SessionRecord, error) {
	var (
		record     types.SessionRecord
		lastUpdate sql.NullTime
		endTime    sql.NullTime
		endReason  sql.NullString
		raw        string
	)
	err := row.Scan(
		&record.ID,
		&record.Status,
		&record.IsLive,
		&record.StartTime,
		&lastUpdate,
		&endTime,
		&endReason,
		&raw,
	)
	if err != nil {
		return types.SessionRecord{}, err
	}
	if lastUpdate.Valid {
		record.LastUpdate = &lastUpdate.Time
	}
	if endTime.Valid {
		record.EndTime = &endTime.Time
	}
	record.EndReason = endReason.String

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return types.SessionRecord{}, fmt.Errorf("failed to unmarshal session record: %w", err)
	}
	record.Metadata = metadataOf(fields)
	return record, nil
}

// metadataOf strips the stamped keys from a flattened session record
func metadataOf(fields map[string]any) map[string]any {
	for _, key := range []string{"sessionId", "status", "isLive", "startTime", "lastUpdate", "endTime", "endReason"} {
		delete(fields, key)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nonNil(rooms []string) []string {
	if rooms == nil {
		return []string{}
	}
	return rooms
}

var _ interfaces.EventJournal = (*Manager)(nil)
