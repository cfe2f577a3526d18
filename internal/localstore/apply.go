package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"routeledger/internal/models"
)

// ApplyError wraps a single pulled entry's apply failure. The engine
// skips the entry and keeps going; each apply is independently
// idempotent.
type ApplyError struct {
	EntryID string
	Table   string
	Err     error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("applying entry %s (%s): %v", e.EntryID, e.Table, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Apply writes one pulled log entry into the local relational state.
// create is a whole-record insert-or-replace, update sets only the
// payload's columns, delete soft-deletes where the table supports it.
// Applying the same entry twice converges on the same row.
func (s *Store) Apply(ctx context.Context, entry models.LogEntry) error {
	spec, ok := tableSpecs[entry.TableName]
	if !ok {
		return &ApplyError{EntryID: entry.ID, Table: entry.TableName, Err: fmt.Errorf("unknown table")}
	}

	var err error
	switch entry.Action {
	case models.ActionCreate:
		err = s.applyCreate(ctx, entry, spec)
	case models.ActionUpdate:
		err = s.applyUpdate(ctx, entry, spec)
	case models.ActionDelete:
		err = s.applyDelete(ctx, entry, spec)
	default:
		err = fmt.Errorf("unknown action %q", entry.Action)
	}
	if err != nil {
		return &ApplyError{EntryID: entry.ID, Table: entry.TableName, Err: err}
	}
	return nil
}

func (s *Store) applyCreate(ctx context.Context, entry models.LogEntry, spec tableSpec) error {
	cols, vals, err := payloadColumns(entry, spec, true)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return fmt.Errorf("empty payload")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	stmt := fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		entry.TableName, strings.Join(cols, ", "), placeholders,
	)
	_, err = s.db.ExecContext(ctx, stmt, vals...)
	return err
}

func (s *Store) applyUpdate(ctx context.Context, entry models.LogEntry, spec tableSpec) error {
	cols, vals, err := payloadColumns(entry, spec, false)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		// A sparse update touching no non-id columns is a no-op.
		return nil
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", entry.TableName, strings.Join(sets, ", "), spec.pk)
	vals = append(vals, entry.RecordID)
	_, err = s.db.ExecContext(ctx, stmt, vals...)
	return err
}

func (s *Store) applyDelete(ctx context.Context, entry models.LogEntry, spec tableSpec) error {
	if spec.softDelete {
		now := time.Now().UTC()
		stmt := fmt.Sprintf("UPDATE %s SET deleted_at = ?, updated_at = ? WHERE %s = ?", entry.TableName, spec.pk)
		_, err := s.db.ExecContext(ctx, stmt, now, now, entry.RecordID)
		return err
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", entry.TableName, spec.pk)
	_, err := s.db.ExecContext(ctx, stmt, entry.RecordID)
	return err
}

// payloadColumns decodes the entry payload into an ordered column/value
// pair list, keeping only columns the table spec allows. includePK
// false drops the primary key (update semantics). The primary key falls
// back to the entry's record id when the payload omits it.
func payloadColumns(entry models.LogEntry, spec tableSpec, includePK bool) ([]string, []any, error) {
	var fields map[string]any
	if err := json.Unmarshal(entry.Payload, &fields); err != nil {
		return nil, nil, fmt.Errorf("decoding payload: %w", err)
	}
	if includePK {
		if _, ok := fields[spec.pk]; !ok {
			fields[spec.pk] = entry.RecordID
		}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if !spec.allowsColumn(k) {
			continue
		}
		if !includePK && k == spec.pk {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	vals := make([]any, len(keys))
	for i, k := range keys {
		vals[i] = fields[k]
	}
	return keys, vals, nil
}
