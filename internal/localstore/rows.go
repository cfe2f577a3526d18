package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"routeledger/internal/models"
)

// RowSnapshot is one owned row serialized to its replicated fields.
type RowSnapshot struct {
	ID      string
	Payload json.RawMessage
}

// LocalUser returns the replica's identity row, or nil when the replica
// has never been used.
func (s *Store) LocalUser(ctx context.Context) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, base_currency, created_at, updated_at FROM users LIMIT 1
	`)
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.BaseCurrency, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// EnsureUser inserts the given identity row if the replica has none and
// returns the replica's identity either way. The app calls this with a
// freshly generated provisional identity so it works before sign-in.
func (s *Store) EnsureUser(ctx context.Context, u models.User) (*models.User, error) {
	existing, err := s.LocalUser(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = now
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, base_currency, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, u.ID, u.Email, u.BaseCurrency, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CountActiveExpenses counts the user's non-deleted expenses. This is
// the "does the local replica hold data worth keeping" probe that picks
// the reconciliation path.
func (s *Store) CountActiveExpenses(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM expenses WHERE user_id = ? AND deleted_at IS NULL
	`, userID).Scan(&n)
	return n, err
}

// RewriteUserIDTx renames the identity's primary key and every foreign
// key referencing it, including mutation-log rows. Foreign key
// enforcement must already be off: intermediate states violate
// referential integrity.
func (s *Store) RewriteUserIDTx(ctx context.Context, tx *sql.Tx, oldID, newID, email string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET id = ?, email = ?, updated_at = ? WHERE id = ?
	`, newID, email, time.Now().UTC(), oldID); err != nil {
		return fmt.Errorf("rewriting users: %w", err)
	}
	for _, table := range ownedTables {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET user_id = ? WHERE user_id = ?", table),
			newID, oldID,
		); err != nil {
			return fmt.Errorf("rewriting %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sync_log SET user_id = ? WHERE user_id = ?
	`, newID, oldID); err != nil {
		return fmt.Errorf("rewriting sync_log: %w", err)
	}
	if err := rewriteLogPayloadsTx(ctx, tx, oldID, newID, email); err != nil {
		return fmt.Errorf("rewriting sync_log payloads: %w", err)
	}
	return nil
}

// rewriteLogPayloadsTx renames the identity inside unsynced entries'
// payloads, so push uploads rows keyed to the server identity rather
// than the dead provisional id. Synced entries are history the server
// already holds and stay untouched.
func rewriteLogPayloadsTx(ctx context.Context, tx *sql.Tx, oldID, newID, email string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, table_name, record_id, payload FROM sync_log WHERE synced_at IS NULL
	`)
	if err != nil {
		return err
	}
	type logRow struct {
		id, table, recordID, payload string
	}
	var pending []logRow
	for rows.Next() {
		var r logRow
		if err := rows.Scan(&r.id, &r.table, &r.recordID, &r.payload); err != nil {
			rows.Close()
			return err
		}
		pending = append(pending, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range pending {
		var fields map[string]any
		if err := json.Unmarshal([]byte(r.payload), &fields); err != nil {
			return fmt.Errorf("decoding payload of entry %s: %w", r.id, err)
		}
		changed := false
		if v, ok := fields["user_id"].(string); ok && v == oldID {
			fields["user_id"] = newID
			changed = true
		}
		recordID := r.recordID
		if r.table == models.TableUsers && r.recordID == oldID {
			recordID = newID
			if v, ok := fields["id"].(string); ok && v == oldID {
				fields["id"] = newID
			}
			if _, ok := fields["email"]; ok {
				fields["email"] = email
			}
			changed = true
		}
		if !changed {
			continue
		}
		raw, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_log SET record_id = ?, payload = ? WHERE id = ?
		`, recordID, string(raw), r.id); err != nil {
			return err
		}
	}
	return nil
}

// AdoptUserTx replaces the provisional identity row with the server
// identity's base fields (the blank-slate path).
func (s *Store) AdoptUserTx(ctx context.Context, tx *sql.Tx, oldID string, u models.User) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE users SET id = ?, email = ?, base_currency = ?, updated_at = ? WHERE id = ?
	`, u.ID, u.Email, u.BaseCurrency, time.Now().UTC(), oldID)
	return err
}

// DeleteOwnedRowsTx discards the user's structural rows, children
// before parents.
func (s *Store) DeleteOwnedRowsTx(ctx context.Context, tx *sql.Tx, userID string) error {
	for i := len(ownedTables) - 1; i >= 0; i-- {
		table := ownedTables[i]
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE user_id = ?", table), userID,
		); err != nil {
			return fmt.Errorf("deleting %s: %w", table, err)
		}
	}
	return nil
}

// queryer abstracts *sql.DB and *sql.Tx for read helpers that need to
// run both standalone and inside reconciliation's transaction.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SnapshotRows serializes every row the user owns in the given table to
// its replicated columns. For the users table the snapshot is the
// identity row itself.
func (s *Store) SnapshotRows(ctx context.Context, table, userID string) ([]RowSnapshot, error) {
	return snapshotRows(ctx, s.db, table, userID)
}

// SnapshotRowsTx is SnapshotRows inside a caller-owned transaction.
func (s *Store) SnapshotRowsTx(ctx context.Context, tx *sql.Tx, table, userID string) ([]RowSnapshot, error) {
	return snapshotRows(ctx, tx, table, userID)
}

func snapshotRows(ctx context.Context, q queryer, table, userID string) ([]RowSnapshot, error) {
	spec, ok := tableSpecs[table]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", table)
	}

	where := "user_id = ?"
	if table == models.TableUsers {
		where = "id = ?"
	}
	stmt := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s",
		strings.Join(spec.columns, ", "), table, where,
	)
	rows, err := q.QueryContext(ctx, stmt, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RowSnapshot
	for rows.Next() {
		vals := make([]any, len(spec.columns))
		ptrs := make([]any, len(spec.columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		fields := make(map[string]any, len(spec.columns))
		for i, c := range spec.columns {
			fields[c] = normalizeValue(vals[i])
		}
		payload, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		id, _ := fields[spec.pk].(string)
		out = append(out, RowSnapshot{ID: id, Payload: payload})
	}
	return out, rows.Err()
}

// OwnedTables returns the replicated tables holding user-owned rows, in
// parent-before-child order.
func OwnedTables() []string {
	out := make([]string, len(ownedTables))
	copy(out, ownedTables)
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}
