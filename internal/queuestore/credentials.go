package queuestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PutDeviceCredential upserts a (device_fp, token_hash) pair (§3
// DeviceCredential). Only the hash is persisted; the caller is
// responsible for hashing before calling this.
func (s *Store) PutDeviceCredential(ctx context.Context, deviceFP, tokenHashHex string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_credentials (device_fp, token_hash) VALUES (?, ?)
		 ON CONFLICT(device_fp) DO UPDATE SET token_hash = excluded.token_hash`,
		deviceFP, tokenHashHex)
	if err != nil {
		return fmt.Errorf("queuestore: put_device_credential: %w", err)
	}
	return nil
}

// DeviceTokenHash returns the stored token hash for deviceFP, or
// ErrNotFound if no credential is registered.
func (s *Store) DeviceTokenHash(ctx context.Context, deviceFP string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT token_hash FROM device_credentials WHERE device_fp = ?`, deviceFP).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("queuestore: device_token_hash: %w", err)
	}
	return hash, nil
}
