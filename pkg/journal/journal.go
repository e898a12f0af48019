// Package journal provides an append-only SQLite record of lifecycle events
// for post-mortem diagnostics. It stores bus events, not task history: task
// state itself lives only in process memory.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // sqlite driver

	"agentmesh/pkg/logx"
	"agentmesh/pkg/proto"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id     TEXT NOT NULL,
	msg_type       TEXT NOT NULL,
	sender         TEXT NOT NULL,
	recipient      TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	payload        TEXT NOT NULL DEFAULT '{}',
	recorded_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_events_msg_type ON events(msg_type);
CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id);
`

// Entry is one recorded lifecycle event.
type Entry struct {
	ID            int64
	MessageID     string
	MsgType       proto.MsgType
	Sender        string
	Recipient     string
	CorrelationID string
	Payload       string
	RecordedAt    time.Time
}

// Journal is an append-only event store backed by a single SQLite file.
type Journal struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open creates or opens the journal at the given path, applying the schema.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db, logger: logx.NewLogger("journal")}
	j.logger.Info("Journal opened at %s", path)
	return j, nil
}

// Append records one message.
func (j *Journal) Append(ctx context.Context, msg *proto.Message) error {
	payload, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize message %s: %w", msg.ID, err)
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO events (message_id, msg_type, sender, recipient, correlation_id, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, string(msg.Type), msg.From, msg.To, msg.CorrelationID, string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to append event %s: %w", msg.ID, err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, message_id, msg_type, sender, recipient, correlation_id, payload, recorded_at
		FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ByCorrelation returns every event recorded for a correlation id, oldest
// first.
func (j *Journal) ByCorrelation(ctx context.Context, correlationID string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, message_id, msg_type, sender, recipient, correlation_id, payload, recorded_at
		FROM events WHERE correlation_id = ? ORDER BY id ASC`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for %s: %w", correlationID, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Count returns the number of recorded events.
func (j *Journal) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// Close releases the underlying database.
func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var msgType string
		if err := rows.Scan(&e.ID, &e.MessageID, &msgType, &e.Sender, &e.Recipient,
			&e.CorrelationID, &e.Payload, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.MsgType = proto.MsgType(msgType)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return entries, nil
}
