package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"routeledger/internal/models"
)

// Append records a local mutation in the log. Table names are not
// validated here: validation is a push/server concern, so unusual local
// states are still captured for later triage. Call inside the same
// transaction as the mutation itself via AppendTx when durability of
// the pairing matters.
func (s *Store) Append(ctx context.Context, userID, table, recordID, action string, payload json.RawMessage) (string, error) {
	var id string
	err := s.WithTx(func(tx *sql.Tx) error {
		var err error
		id, err = s.AppendTx(ctx, tx, userID, table, recordID, action, payload)
		return err
	})
	if err != nil {
		return "", err
	}
	s.notifyChange()
	return id, nil
}

// AppendTx is Append running inside a caller-owned transaction. The
// change notification fires only from Append; callers holding their own
// tx notify after commit via NotifyAppended.
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, userID, table, recordID, action string, payload json.RawMessage) (string, error) {
	id := uuid.NewString()
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_log (id, user_id, table_name, record_id, action, payload, local_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, userID, table, recordID, action, string(payload), time.Now().UTC())
	if err != nil {
		return "", err
	}
	return id, nil
}

// NotifyAppended signals the change channel after a caller-owned
// transaction containing AppendTx calls has committed.
func (s *Store) NotifyAppended() {
	s.notifyChange()
}

// Pending returns all unsynced entries oldest-first, preserving causal
// order for push.
func (s *Store) Pending(ctx context.Context) ([]models.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, table_name, record_id, action, payload, local_timestamp
		FROM sync_log
		WHERE synced_at IS NULL
		ORDER BY local_timestamp ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LogEntry
	for rows.Next() {
		var (
			e       models.LogEntry
			payload string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.TableName, &e.RecordID, &e.Action, &payload, &e.LocalTimestamp); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkSynced stamps the given entries as acknowledged by the server.
// A no-op when ids is empty.
func (s *Store) MarkSynced(ctx context.Context, ids []string, serverTimestamp time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	args := make([]any, 0, len(ids)+2)
	args = append(args, now, serverTimestamp.UTC())
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_log SET synced_at = ?, server_timestamp = ?
		WHERE id IN (`+placeholders+`)
	`, args...)
	return err
}

// LastSyncedTimestamp returns the newest server timestamp acknowledged
// locally, or nil when nothing has ever synced. Used as the pull cursor
// fallback when no explicit cursor is cached. The column is selected
// directly rather than through MAX: aggregate columns carry no declared
// type, so the driver hands them back as raw strings.
func (s *Store) LastSyncedTimestamp(ctx context.Context) (*time.Time, error) {
	var latest time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT server_timestamp FROM sync_log
		WHERE synced_at IS NOT NULL AND server_timestamp IS NOT NULL
		ORDER BY server_timestamp DESC
		LIMIT 1
	`).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ts := latest.UTC()
	return &ts, nil
}

// HasEntry reports whether any log entry exists for the given record.
// Reconciliation uses it to avoid re-emitting entries for rows already
// logged.
func (s *Store) HasEntry(ctx context.Context, table, recordID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM sync_log WHERE table_name = ? AND record_id = ?
	`, table, recordID).Scan(&n)
	return n > 0, err
}

// HasEntryTx is HasEntry inside a caller-owned transaction.
func (s *Store) HasEntryTx(ctx context.Context, tx *sql.Tx, table, recordID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM sync_log WHERE table_name = ? AND record_id = ?
	`, table, recordID).Scan(&n)
	return n > 0, err
}

// Prune deletes synced entries older than before. Unsynced entries are
// never pruned; the remote copy is the durable history.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_log WHERE synced_at IS NOT NULL AND synced_at < ?
	`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// WipeLog clears the mutation log entirely. Only reconciliation's
// blank-slate path uses it.
func (s *Store) WipeLog(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM sync_log`)
	return err
}
