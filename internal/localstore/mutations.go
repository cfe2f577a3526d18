package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"routeledger/internal/models"
)

// CreateRecord inserts a row and appends its create log entry in one
// transaction, so a crash cannot leave a mutation un-logged or a log
// entry orphaned from its mutation.
func (s *Store) CreateRecord(ctx context.Context, userID, table string, fields map[string]any) error {
	spec, ok := tableSpecs[table]
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}
	recordID, _ := fields[spec.pk].(string)
	if recordID == "" {
		return fmt.Errorf("%s is required", spec.pk)
	}

	cols, vals := orderedFields(fields, spec, true)
	payload, err := json.Marshal(pick(fields, cols))
	if err != nil {
		return err
	}

	err = s.WithTx(func(tx *sql.Tx) error {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders)
		if _, err := tx.ExecContext(ctx, stmt, vals...); err != nil {
			return err
		}
		_, err := s.AppendTx(ctx, tx, userID, table, recordID, models.ActionCreate, payload)
		return err
	})
	if err != nil {
		return err
	}
	s.notifyChange()
	return nil
}

// UpdateRecord updates the given columns and appends a sparse update
// log entry in one transaction.
func (s *Store) UpdateRecord(ctx context.Context, userID, table, recordID string, fields map[string]any) error {
	spec, ok := tableSpecs[table]
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}
	cols, vals := orderedFields(fields, spec, false)
	if len(cols) == 0 {
		return nil
	}
	payload, err := json.Marshal(pick(fields, cols))
	if err != nil {
		return err
	}

	err = s.WithTx(func(tx *sql.Tx) error {
		sets := make([]string, len(cols))
		for i, c := range cols {
			sets[i] = c + " = ?"
		}
		stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", table, strings.Join(sets, ", "), spec.pk)
		args := append(vals, recordID)
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return err
		}
		_, err := s.AppendTx(ctx, tx, userID, table, recordID, models.ActionUpdate, payload)
		return err
	})
	if err != nil {
		return err
	}
	s.notifyChange()
	return nil
}

// DeleteRecord soft- or hard-deletes a row (per table) and appends a
// tombstone log entry in one transaction.
func (s *Store) DeleteRecord(ctx context.Context, userID, table, recordID string) error {
	spec, ok := tableSpecs[table]
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}
	payload, err := json.Marshal(map[string]any{spec.pk: recordID})
	if err != nil {
		return err
	}

	err = s.WithTx(func(tx *sql.Tx) error {
		if spec.softDelete {
			now := time.Now().UTC()
			stmt := fmt.Sprintf("UPDATE %s SET deleted_at = ?, updated_at = ? WHERE %s = ?", table, spec.pk)
			if _, err := tx.ExecContext(ctx, stmt, now, now, recordID); err != nil {
				return err
			}
		} else {
			stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, spec.pk)
			if _, err := tx.ExecContext(ctx, stmt, recordID); err != nil {
				return err
			}
		}
		_, err := s.AppendTx(ctx, tx, userID, table, recordID, models.ActionDelete, payload)
		return err
	})
	if err != nil {
		return err
	}
	s.notifyChange()
	return nil
}

func orderedFields(fields map[string]any, spec tableSpec, includePK bool) ([]string, []any) {
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
	return keys, vals
}

func pick(fields map[string]any, cols []string) map[string]any {
	out := make(map[string]any, len(cols))
	for _, c := range cols {
		out[c] = fields[c]
	}
	return out
}
