// Package queuestore is the durable, single-writer queue backing the
// routing core (§4.2). It is backed by an embedded SQLite database
// (github.com/mattn/go-sqlite3) opened with a single connection so SQLite
// serializes writers itself, giving short serialized transactions without
// a hand-rolled mutex around database/sql.
package queuestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Status is the terminal/non-terminal state of a QueueEntry (§3).
type Status string

const (
	StatusQueued         Status = "queued"
	StatusDelivered      Status = "delivered"
	StatusTTLExpired     Status = "ttl_expired"
	StatusMaxRetries     Status = "max_retries"
	StatusInvalidEnvelope Status = "invalid_envelope"
)

// IsTerminal reports whether a row in this status is never re-selected by
// the forwarder (§3 invariant).
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusTTLExpired, StatusMaxRetries, StatusInvalidEnvelope:
		return true
	default:
		return false
	}
}

var (
	ErrDuplicate = errors.New("queuestore: duplicate msg_id")
	ErrCapacity  = errors.New("queuestore: capacity exhausted")
	ErrNotFound  = errors.New("queuestore: row not found")
)

// QueueEntry mirrors the table row (§3).
type QueueEntry struct {
	RowID        int64
	MsgID        string
	EnvelopeJSON string
	TTL          int
	Retries      int
	Status       Status
	Delivered    bool
	LastUpdate   time.Time
}

// Store owns the single SQLite connection for the queue, replay log, and
// device credentials tables: one embedded database per §6.
type Store struct {
	db           *sql.DB
	maxQueueSize int
}

// Open opens (creating if absent) the SQLite database at path and ensures
// schema. maxQueueSize bounds Enqueue capacity (§4.2).
func Open(path string, maxQueueSize int) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("queuestore: open: %w", err)
	}
	// A single connection turns SQLite's own locking into our serialization
	// primitive: every mutating call is a short transaction and readers see
	// only committed state, matching §5's ordering guarantees without extra
	// application-level locking.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, maxQueueSize: maxQueueSize}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// init creates schema if absent (§4.2 `init()`).
func (s *Store) init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			msg_id TEXT UNIQUE NOT NULL,
			envelope_json TEXT NOT NULL,
			delivered INTEGER NOT NULL DEFAULT 0,
			retries INTEGER NOT NULL DEFAULT 0,
			ttl INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			last_update TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_outgoing ON queue(delivered, status, id)`,
		`CREATE TABLE IF NOT EXISTS replay_log (
			msg_id TEXT PRIMARY KEY,
			seen_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS device_credentials (
			device_fp TEXT PRIMARY KEY,
			token_hash TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("queuestore: init: %w", err)
		}
	}
	return nil
}

// EnqueueOutcome is the result of an Enqueue call.
type EnqueueOutcome struct {
	Inserted bool
	RowID    int64
}

// Enqueue inserts a new row (§4.2). On msg_id conflict it does not
// overwrite: it reports a duplicate via ErrDuplicate so callers return
// {queued:false, reason:"duplicate"}. Returns ErrCapacity if the queue is
// at MAX_QUEUE_SIZE.
func (s *Store) Enqueue(ctx context.Context, msgID, envelopeJSON string, ttl int) (EnqueueOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return EnqueueOutcome{}, fmt.Errorf("queuestore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM queue WHERE msg_id = ?`, msgID).Scan(&existing)
	switch {
	case err == nil:
		return EnqueueOutcome{}, ErrDuplicate
	case !errors.Is(err, sql.ErrNoRows):
		return EnqueueOutcome{}, fmt.Errorf("queuestore: lookup: %w", err)
	}

	if s.maxQueueSize > 0 {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM queue WHERE status NOT IN (?,?,?,?)`,
			StatusDelivered, StatusTTLExpired, StatusMaxRetries, StatusInvalidEnvelope).Scan(&count); err != nil {
			return EnqueueOutcome{}, fmt.Errorf("queuestore: count: %w", err)
		}
		if count >= s.maxQueueSize {
			return EnqueueOutcome{}, ErrCapacity
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO queue (msg_id, envelope_json, ttl, status, delivered, last_update)
		 VALUES (?, ?, ?, ?, 0, CURRENT_TIMESTAMP)`,
		msgID, envelopeJSON, ttl, StatusQueued)
	if err != nil {
		return EnqueueOutcome{}, fmt.Errorf("queuestore: insert: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return EnqueueOutcome{}, fmt.Errorf("queuestore: last insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return EnqueueOutcome{}, fmt.Errorf("queuestore: commit: %w", err)
	}
	return EnqueueOutcome{Inserted: true, RowID: rowID}, nil
}

// GetOutgoing returns rows with delivered=0 and non-terminal status, FIFO
// by row_id (§4.2). Priority is advisory and does not preempt FIFO in the
// base design (§9).
func (s *Store) GetOutgoing(ctx context.Context, limit int) ([]QueueEntry, error) {
	query := `SELECT id, msg_id, envelope_json, ttl, retries, status, delivered, last_update
		FROM queue
		WHERE delivered = 0 AND status NOT IN (?, ?, ?, ?)
		ORDER BY id ASC`
	args := []any{StatusDelivered, StatusTTLExpired, StatusMaxRetries, StatusInvalidEnvelope}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queuestore: get_outgoing: %w", err)
	}
	defer rows.Close()

	var out []QueueEntry
	for rows.Next() {
		var e QueueEntry
		var delivered int
		var lastUpdate string
		if err := rows.Scan(&e.RowID, &e.MsgID, &e.EnvelopeJSON, &e.TTL, &e.Retries, &e.Status, &delivered, &lastUpdate); err != nil {
			return nil, fmt.Errorf("queuestore: scan: %w", err)
		}
		e.Delivered = delivered != 0
		e.LastUpdate = parseTimestamp(lastUpdate)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queuestore: rows: %w", err)
	}
	return out, nil
}

// MarkDelivered transitions row_id to terminal `delivered` (§4.2).
// Idempotent: a second call against an already-terminal row is a no-op.
func (s *Store) MarkDelivered(ctx context.Context, rowID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue SET delivered = 1, status = ?, last_update = CURRENT_TIMESTAMP WHERE id = ? AND status = ?`,
		StatusDelivered, rowID, StatusQueued)
	if err != nil {
		return fmt.Errorf("queuestore: mark_delivered: %w", err)
	}
	return nil
}

// MarkDropped transitions row_id to one of the terminal drop states
// (§4.2). Dropped rows never reappear in GetOutgoing.
func (s *Store) MarkDropped(ctx context.Context, rowID int64, reason Status) error {
	if !reason.IsTerminal() || reason == StatusDelivered {
		return fmt.Errorf("queuestore: mark_dropped: invalid terminal reason %q", reason)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue SET delivered = 0, status = ?, last_update = CURRENT_TIMESTAMP WHERE id = ?`,
		reason, rowID)
	if err != nil {
		return fmt.Errorf("queuestore: mark_dropped: %w", err)
	}
	return nil
}

// IncrementRetry atomically bumps retries and last_update (§4.2).
func (s *Store) IncrementRetry(ctx context.Context, rowID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue SET retries = retries + 1, last_update = CURRENT_TIMESTAMP WHERE id = ?`,
		rowID)
	if err != nil {
		return fmt.Errorf("queuestore: increment_retry: %w", err)
	}
	return nil
}

// GetByRowID fetches a single row by its row id, regardless of status.
func (s *Store) GetByRowID(ctx context.Context, rowID int64) (QueueEntry, error) {
	var e QueueEntry
	var delivered int
	var lastUpdate string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, msg_id, envelope_json, ttl, retries, status, delivered, last_update FROM queue WHERE id = ?`,
		rowID).Scan(&e.RowID, &e.MsgID, &e.EnvelopeJSON, &e.TTL, &e.Retries, &e.Status, &delivered, &lastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueEntry{}, ErrNotFound
	}
	if err != nil {
		return QueueEntry{}, fmt.Errorf("queuestore: get: %w", err)
	}
	e.Delivered = delivered != 0
	e.LastUpdate = parseTimestamp(lastUpdate)
	return e, nil
}

// Stats summarizes queue occupancy, used by /v1/router/stats (§4.4).
type Stats struct {
	Queued         int64
	Delivered      int64
	TTLExpired     int64
	MaxRetries     int64
	InvalidEnvelope int64
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM queue GROUP BY status`)
	if err != nil {
		return st, fmt.Errorf("queuestore: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return st, fmt.Errorf("queuestore: stats scan: %w", err)
		}
		switch Status(status) {
		case StatusQueued:
			st.Queued = count
		case StatusDelivered:
			st.Delivered = count
		case StatusTTLExpired:
			st.TTLExpired = count
		case StatusMaxRetries:
			st.MaxRetries = count
		case StatusInvalidEnvelope:
			st.InvalidEnvelope = count
		}
	}
	return st, rows.Err()
}

// AllRows returns every row regardless of status, for /v1/router/queue_debug.
func (s *Store) AllRows(ctx context.Context) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, msg_id, envelope_json, ttl, retries, status, delivered, last_update FROM queue ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("queuestore: all_rows: %w", err)
	}
	defer rows.Close()
	var out []QueueEntry
	for rows.Next() {
		var e QueueEntry
		var delivered int
		var lastUpdate string
		if err := rows.Scan(&e.RowID, &e.MsgID, &e.EnvelopeJSON, &e.TTL, &e.Retries, &e.Status, &delivered, &lastUpdate); err != nil {
			return nil, fmt.Errorf("queuestore: scan: %w", err)
		}
		e.Delivered = delivered != 0
		e.LastUpdate = parseTimestamp(lastUpdate)
		out = append(out, e)
	}
	return out, rows.Err()
}

func parseTimestamp(s string) time.Time {
	layouts := []string{"2006-01-02 15:04:05", time.RFC3339, time.RFC3339Nano}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
