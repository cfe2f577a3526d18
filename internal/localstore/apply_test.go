package localstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routeledger/internal/models"
)

func pulled(table, recordID, action, payload string) models.LogEntry {
	ts := time.Now().UTC()
	return models.LogEntry{
		ID:              "srv-" + table + "-" + recordID + "-" + action,
		UserID:          "u1",
		TableName:       table,
		RecordID:        recordID,
		Action:          action,
		Payload:         json.RawMessage(payload),
		LocalTimestamp:  ts,
		ServerTimestamp: &ts,
	}
}

func TestApplyCreateIsIdempotent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1")

	e := pulled(models.TableCategories, "c1", models.ActionCreate,
		`{"id":"c1","user_id":"u1","name":"Food","color":"#fff","created_at":"2026-01-02T03:04:05Z","updated_at":"2026-01-02T03:04:05Z"}`)

	require.NoError(t, s.Apply(ctx, e))
	require.NoError(t, s.Apply(ctx, e))

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(1) FROM categories`).Scan(&n))
	assert.Equal(t, 1, n)

	var name string
	require.NoError(t, s.DB().QueryRow(`SELECT name FROM categories WHERE id = 'c1'`).Scan(&name))
	assert.Equal(t, "Food", name)
}

func TestApplyCreateReplacesExistingRow(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1")

	require.NoError(t, s.Apply(ctx, pulled(models.TableCategories, "c1", models.ActionCreate,
		`{"id":"c1","user_id":"u1","name":"Food","color":"#fff","created_at":"2026-01-02T03:04:05Z","updated_at":"2026-01-02T03:04:05Z"}`)))
	require.NoError(t, s.Apply(ctx, pulled(models.TableCategories, "c1", models.ActionCreate,
		`{"id":"c1","user_id":"u1","name":"Dining","color":"#000","created_at":"2026-01-02T03:04:05Z","updated_at":"2026-01-03T03:04:05Z"}`)))

	var name string
	require.NoError(t, s.DB().QueryRow(`SELECT name FROM categories WHERE id = 'c1'`).Scan(&name))
	assert.Equal(t, "Dining", name)
}

func TestApplyUpdateSetsOnlyPayloadColumns(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1")

	require.NoError(t, s.Apply(ctx, pulled(models.TableCategories, "c1", models.ActionCreate,
		`{"id":"c1","user_id":"u1","name":"Food","color":"#fff","created_at":"2026-01-02T03:04:05Z","updated_at":"2026-01-02T03:04:05Z"}`)))
	require.NoError(t, s.Apply(ctx, pulled(models.TableCategories, "c1", models.ActionUpdate, `{"name":"Groceries"}`)))

	var name, color string
	require.NoError(t, s.DB().QueryRow(`SELECT name, color FROM categories WHERE id = 'c1'`).Scan(&name, &color))
	assert.Equal(t, "Groceries", name)
	assert.Equal(t, "#fff", color)
}

func TestApplyUpdateWithOnlyIDIsNoop(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1")

	require.NoError(t, s.Apply(ctx, pulled(models.TableCategories, "c1", models.ActionCreate,
		`{"id":"c1","user_id":"u1","name":"Food","color":"#fff","created_at":"2026-01-02T03:04:05Z","updated_at":"2026-01-02T03:04:05Z"}`)))
	require.NoError(t, s.Apply(ctx, pulled(models.TableCategories, "c1", models.ActionUpdate, `{"id":"c1"}`)))

	var name string
	require.NoError(t, s.DB().QueryRow(`SELECT name FROM categories WHERE id = 'c1'`).Scan(&name))
	assert.Equal(t, "Food", name)
}

func TestApplyDeleteSoftAndHard(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1")

	require.NoError(t, s.Apply(ctx, pulled(models.TableTags, "t1", models.ActionCreate,
		`{"id":"t1","user_id":"u1","name":"travel","created_at":"2026-01-02T03:04:05Z","updated_at":"2026-01-02T03:04:05Z"}`)))
	require.NoError(t, s.Apply(ctx, pulled(models.TableTags, "t1", models.ActionDelete, `{"id":"t1"}`)))

	// Tags soft-delete: row survives with a deletion marker.
	var deleted any
	require.NoError(t, s.DB().QueryRow(`SELECT deleted_at FROM tags WHERE id = 't1'`).Scan(&deleted))
	assert.NotNil(t, deleted)

	// expense_tags are pure join rows and hard-delete.
	require.NoError(t, s.Apply(ctx, pulled(models.TableExpenses, "x1", models.ActionCreate,
		`{"id":"x1","user_id":"u1","amount":10,"currency":"USD","description":"","created_at":"2026-01-02T03:04:05Z","updated_at":"2026-01-02T03:04:05Z"}`)))
	require.NoError(t, s.Apply(ctx, pulled(models.TableExpenseTags, "xt1", models.ActionCreate,
		`{"id":"xt1","expense_id":"x1","tag_id":"t1","user_id":"u1","created_at":"2026-01-02T03:04:05Z"}`)))
	require.NoError(t, s.Apply(ctx, pulled(models.TableExpenseTags, "xt1", models.ActionDelete, `{"id":"xt1"}`)))

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(1) FROM expense_tags`).Scan(&n))
	assert.Zero(t, n)
}

func TestApplyIgnoresUnknownColumns(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1")

	require.NoError(t, s.Apply(ctx, pulled(models.TableTags, "t1", models.ActionCreate,
		`{"id":"t1","user_id":"u1","name":"travel","bogus_column":"x","created_at":"2026-01-02T03:04:05Z","updated_at":"2026-01-02T03:04:05Z"}`)))

	var name string
	require.NoError(t, s.DB().QueryRow(`SELECT name FROM tags WHERE id = 't1'`).Scan(&name))
	assert.Equal(t, "travel", name)
}

func TestApplyUnknownTableFails(t *testing.T) {
	s := setupStore(t)

	err := s.Apply(context.Background(), pulled("nope", "r1", models.ActionCreate, `{"id":"r1"}`))
	var ae *ApplyError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "nope", ae.Table)
}

func TestApplyReferentialViolationFailsEntryOnly(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1")

	// panels.route_id references routes; no such route exists.
	err := s.Apply(ctx, pulled(models.TablePanels, "p1", models.ActionCreate,
		`{"id":"p1","route_id":"missing","user_id":"u1","name":"Day 1","position":0,"created_at":"2026-01-02T03:04:05Z","updated_at":"2026-01-02T03:04:05Z"}`))
	var ae *ApplyError
	require.ErrorAs(t, err, &ae)
}
