package models

import (
	"encoding/json"
	"time"
)

// Actions a LogEntry can describe.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Replicated tables. Push rejects anything outside this set.
const (
	TableUsers       = "users"
	TableRoutes      = "routes"
	TableCategories  = "categories"
	TablePanels      = "panels"
	TableExpenses    = "expenses"
	TableTags        = "tags"
	TableExpenseTags = "expense_tags"
)

var replicatedTables = map[string]struct{}{
	TableUsers:       {},
	TableRoutes:      {},
	TableCategories:  {},
	TablePanels:      {},
	TableExpenses:    {},
	TableTags:        {},
	TableExpenseTags: {},
}

// TableReplicated reports whether table is in the replication allow-list.
func TableReplicated(table string) bool {
	_, ok := replicatedTables[table]
	return ok
}

// ValidAction reports whether action is one of create/update/delete.
func ValidAction(action string) bool {
	return action == ActionCreate || action == ActionUpdate || action == ActionDelete
}

// LogEntry is one row-level mutation record in the replication log.
// The id is client-generated and doubles as the push idempotency key.
// ServerTimestamp is nil until the server has accepted the entry;
// SyncedAt is local bookkeeping and never travels on the wire.
type LogEntry struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	TableName       string          `json:"table_name"`
	RecordID        string          `json:"record_id"`
	Action          string          `json:"action"`
	Payload         json.RawMessage `json:"payload"`
	LocalTimestamp  time.Time       `json:"local_timestamp"`
	ServerTimestamp *time.Time      `json:"server_timestamp,omitempty"`
	SyncedAt        *time.Time      `json:"-"`
}

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	Entries []LogEntry `json:"entries"`
}

// PushResponse is the success body of POST /sync/push.
type PushResponse struct {
	OK              bool      `json:"ok"`
	Synced          int       `json:"synced"`
	ServerTimestamp time.Time `json:"server_timestamp"`
}

// PullResponse is the success body of GET /sync/pull.
type PullResponse struct {
	Entries         []LogEntry `json:"entries"`
	ServerTimestamp time.Time  `json:"server_timestamp"`
	HasMore         bool       `json:"has_more"`
}

// User is the replicated identity record.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	BaseCurrency string    `json:"baseCurrency"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AuthResult is what the external authentication flow (magic link /
// one-time code) yields. The engine and reconciliation only consume it.
type AuthResult struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}
