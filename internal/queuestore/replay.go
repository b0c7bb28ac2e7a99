package queuestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ReplaySeen records that msg_id was observed at seenAt, persisting
// duplicate suppression across restarts (§9 "Duplicate suppression
// durability"). Re-recording an already-seen id is a no-op, not an error.
func (s *Store) ReplaySeen(ctx context.Context, msgID string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO replay_log (msg_id, seen_at) VALUES (?, ?)
		 ON CONFLICT(msg_id) DO NOTHING`,
		msgID, seenAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("queuestore: replay_seen: %w", err)
	}
	return nil
}

// ReplayWasSeen reports whether msg_id has been recorded and is still
// within dupTTL of seenAt, per the caller's reference time now.
func (s *Store) ReplayWasSeen(ctx context.Context, msgID string, now time.Time, dupTTL time.Duration) (bool, error) {
	var seenAtStr string
	err := s.db.QueryRowContext(ctx, `SELECT seen_at FROM replay_log WHERE msg_id = ?`, msgID).Scan(&seenAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("queuestore: replay_was_seen: %w", err)
	}
	seenAt, err := time.Parse(time.RFC3339Nano, seenAtStr)
	if err != nil {
		return false, nil
	}
	return now.Sub(seenAt) <= dupTTL, nil
}

// PruneReplayLog deletes replay_log entries older than dupTTL relative to
// now. Called lazily by the Ingress API (api.Server.recordSeen), not on a
// dedicated schedule.
func (s *Store) PruneReplayLog(ctx context.Context, now time.Time, dupTTL time.Duration) error {
	cutoff := now.Add(-dupTTL).UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `DELETE FROM replay_log WHERE seen_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("queuestore: prune_replay_log: %w", err)
	}
	return nil
}
