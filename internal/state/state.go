package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"routeledger/internal/models"
)

const (
	stateDirPerm  = fs.FileMode(0o700)
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout bounds the wait for the bolt file lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	deviceBucket = []byte("device")
	tokenKey     = []byte("token")
	userKey      = []byte("user")
	cursorKey    = []byte("cursor")
)

// Store persists the device's sync identity: the bearer credential, the
// bound user, and the pull cursor. Credential and cursor are cleared
// together on sign-out.
type Store struct {
	db *bolt.DB
}

// Open opens the state database at path, creating it (and its
// directory) if needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, stateDirPerm); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}
	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(deviceBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetCredentials stores the bearer token and the bound server identity.
func (s *Store) SetCredentials(token string, user models.User) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(deviceBucket)
		if err := b.Put(tokenKey, []byte(token)); err != nil {
			return err
		}
		return b.Put(userKey, raw)
	})
}

// Token returns the stored credential. ok is false when the device has
// never bound an identity.
func (s *Store) Token() (token string, ok bool) {
	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(deviceBucket).Get(tokenKey); len(v) > 0 {
			token = string(v)
			ok = true
		}
		return nil
	})
	return token, ok
}

// User returns the bound server identity, or nil when unbound.
func (s *Store) User() (*models.User, error) {
	var raw []byte
	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(deviceBucket).Get(userKey); len(v) > 0 {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if raw == nil {
		return nil, nil
	}
	var u models.User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("decoding stored user: %w", err)
	}
	return &u, nil
}

// SetCursor caches the pull cursor.
func (s *Store) SetCursor(t time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(deviceBucket).Put(cursorKey, []byte(t.UTC().Format(time.RFC3339Nano)))
	})
}

// Cursor returns the cached pull cursor, or nil when none is cached.
func (s *Store) Cursor() (*time.Time, error) {
	var raw []byte
	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(deviceBucket).Get(cursorKey); len(v) > 0 {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if raw == nil {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return nil, fmt.Errorf("decoding stored cursor: %w", err)
	}
	return &t, nil
}

// ClearCursor forgets the pull cursor so the next sync repopulates from
// full history.
func (s *Store) ClearCursor() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(deviceBucket).Delete(cursorKey)
	})
}

// Clear wipes credential, identity and cursor together (sign-out).
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(deviceBucket)
		for _, k := range [][]byte{tokenKey, userKey, cursorKey} {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
