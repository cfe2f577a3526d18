package remotelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"routeledger/internal/models"
)

const (
	// MaxPushBatch is the largest entry count accepted in one push.
	MaxPushBatch = 500

	// PullPageSize caps the number of entries returned per pull.
	PullPageSize = 1000
)

var ErrNotFound = errors.New("not found")

// ValidationError rejects a whole push batch before anything is written.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Store is the authoritative per-user append log. It is the only
// component that assigns server timestamps.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// validateBatch checks every entry before any write. All-or-nothing:
// one bad entry fails the whole batch.
func validateBatch(entries []models.LogEntry) error {
	if len(entries) == 0 {
		return &ValidationError{Message: "empty batch"}
	}
	if len(entries) > MaxPushBatch {
		return &ValidationError{Message: fmt.Sprintf("batch of %d exceeds limit of %d", len(entries), MaxPushBatch)}
	}
	for _, e := range entries {
		if e.ID == "" {
			return &ValidationError{Message: "entry id is required"}
		}
		if !models.TableReplicated(e.TableName) {
			return &ValidationError{Message: fmt.Sprintf("table %q is not replicated", e.TableName)}
		}
		if !models.ValidAction(e.Action) {
			return &ValidationError{Message: fmt.Sprintf("invalid action %q", e.Action)}
		}
	}
	return nil
}

// Push validates and appends a batch atomically. Writes are
// insert-or-replace keyed by entry id, so retried pushes are idempotent.
// Every entry in the batch shares one server timestamp, strictly greater
// than any timestamp previously assigned to this user.
func (s *Store) Push(ctx context.Context, userID string, entries []models.LogEntry) (int, time.Time, error) {
	if err := validateBatch(entries); err != nil {
		return 0, time.Time{}, err
	}

	var stamp time.Time
	err := s.withTx(func(tx *sql.Tx) error {
		latest, err := latestTimestampTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		stamp = time.Now().UTC()
		if !stamp.After(latest) {
			stamp = latest.Add(time.Millisecond)
		}
		for _, e := range entries {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO sync_entries (id, user_id, table_name, record_id, action, payload, local_timestamp, server_timestamp)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					user_id = excluded.user_id,
					table_name = excluded.table_name,
					record_id = excluded.record_id,
					action = excluded.action,
					payload = excluded.payload,
					local_timestamp = excluded.local_timestamp,
					server_timestamp = excluded.server_timestamp
			`, e.ID, userID, e.TableName, e.RecordID, e.Action, string(e.Payload), e.LocalTimestamp.UTC(), stamp)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, time.Time{}, err
	}
	return len(entries), stamp, nil
}

// Pull returns entries newer than since, ordered by server timestamp
// and, within one batch, by local timestamp, so the pusher's causal
// order survives the round trip. The page targets limit entries
// (PullPageSize when limit is zero or out of range) but never splits a
// shared-timestamp batch: the page is cut before a straddling batch, or
// widened to hold it whole when the batch alone is larger than the
// target. hasMore is true iff entries remain beyond the page.
func (s *Store) Pull(ctx context.Context, userID string, since time.Time, limit int) ([]models.LogEntry, time.Time, bool, error) {
	if limit <= 0 || limit > PullPageSize {
		limit = PullPageSize
	}
	// One overflow row tells us whether a batch straddles the cap.
	entries, err := s.pullSince(ctx, userID, since, limit+1)
	if err != nil {
		return nil, time.Time{}, false, err
	}

	hasMore := false
	if len(entries) > limit {
		boundary := *entries[limit].ServerTimestamp
		cut := limit
		for cut > 0 && entries[cut-1].ServerTimestamp.Equal(boundary) {
			cut--
		}
		if cut > 0 {
			entries = entries[:cut]
			hasMore = true
		} else {
			// The whole window is one batch wider than the target.
			// Deliver it whole so the cursor can move past it.
			entries, err = s.pullThrough(ctx, userID, since, boundary)
			if err != nil {
				return nil, time.Time{}, false, err
			}
			hasMore, err = s.hasNewer(ctx, userID, boundary)
			if err != nil {
				return nil, time.Time{}, false, err
			}
		}
	}

	latest, err := s.LatestTimestamp(ctx, userID)
	if err != nil {
		return nil, time.Time{}, false, err
	}
	return entries, latest, hasMore, nil
}

func (s *Store) pullSince(ctx context.Context, userID string, since time.Time, limit int) ([]models.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, table_name, record_id, action, payload, local_timestamp, server_timestamp
		FROM sync_entries
		WHERE user_id = ? AND server_timestamp > ?
		ORDER BY server_timestamp ASC, local_timestamp ASC, id ASC
		LIMIT ?
	`, userID, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// pullThrough fetches every entry in (since, through], i.e. the full
// batch sharing the through timestamp plus anything before it.
func (s *Store) pullThrough(ctx context.Context, userID string, since, through time.Time) ([]models.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, table_name, record_id, action, payload, local_timestamp, server_timestamp
		FROM sync_entries
		WHERE user_id = ? AND server_timestamp > ? AND server_timestamp <= ?
		ORDER BY server_timestamp ASC, local_timestamp ASC, id ASC
	`, userID, since.UTC(), through.UTC())
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *Store) hasNewer(ctx context.Context, userID string, after time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM sync_entries WHERE user_id = ? AND server_timestamp > ?
	`, userID, after.UTC()).Scan(&n)
	return n > 0, err
}

func scanEntries(rows *sql.Rows) ([]models.LogEntry, error) {
	defer rows.Close()
	var entries []models.LogEntry
	for rows.Next() {
		var (
			e       models.LogEntry
			payload string
			stamp   time.Time
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.TableName, &e.RecordID, &e.Action, &payload, &e.LocalTimestamp, &stamp); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		ts := stamp.UTC()
		e.ServerTimestamp = &ts
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LatestTimestamp returns the newest server timestamp assigned to the
// user, or the zero time when the log is empty. The column is selected
// directly rather than through MAX: aggregate columns carry no declared
// type, so the driver hands them back as raw strings.
func (s *Store) LatestTimestamp(ctx context.Context, userID string) (time.Time, error) {
	return latestTimestamp(ctx, s.db, userID)
}

func latestTimestampTx(ctx context.Context, tx *sql.Tx, userID string) (time.Time, error) {
	return latestTimestamp(ctx, tx, userID)
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func latestTimestamp(ctx context.Context, q rowQueryer, userID string) (time.Time, error) {
	var latest time.Time
	err := q.QueryRowContext(ctx, `
		SELECT server_timestamp FROM sync_entries
		WHERE user_id = ?
		ORDER BY server_timestamp DESC
		LIMIT 1
	`, userID).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return latest.UTC(), nil
}
