package localstore

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// changeChanSize buffers change notifications between the write path
// and the sync engine's debounce loop.
const changeChanSize = 64

// Store is the device-local replica: the replicated relational tables
// plus the mutation log. Construct one and hand it to the engine and
// reconciler; there is no package-level singleton.
type Store struct {
	db      *sql.DB
	changes chan struct{}
}

// Open opens (creating if needed) the local replica at path.
// ":memory:"-style paths work for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening local db: %w", err)
	}
	// The log append must share a transaction with the mutation it
	// records; a single connection keeps tx semantics simple.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db, changes: make(chan struct{}, changeChanSize)}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Changes delivers a signal after every local mutation-log append. The
// engine subscribes and debounces; senders never block (signals collapse
// when the buffer is full).
func (s *Store) Changes() <-chan struct{} {
	return s.changes
}

func (s *Store) notifyChange() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// WithTx runs fn inside one transaction, rolling back on error.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
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

// SetForeignKeys toggles foreign key enforcement. Reconciliation relaxes
// it around the identity rewrite because intermediate states transiently
// violate referential integrity. Must be called outside a transaction.
func (s *Store) SetForeignKeys(on bool) error {
	stmt := "PRAGMA foreign_keys = OFF"
	if on {
		stmt = "PRAGMA foreign_keys = ON"
	}
	_, err := s.db.Exec(stmt)
	return err
}
