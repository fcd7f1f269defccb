// Package store provides key-namespaced persistence over bbolt, the
// embedded ordered KV engine. All mutations of existing keys go through
// byte-exact compare-and-swap; plain puts are reserved for seeding.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const databaseFileName = "broker.db"

// Key prefixes of the single ordered keyspace.
const (
	UserPrefix  = "_u_"
	EventPrefix = "_v_"
)

var (
	// ErrCASConflict is returned when the stored bytes no longer match the
	// expected previous value. Callers treat it as a retry candidate.
	ErrCASConflict = errors.New("store: compare-and-swap conflict")

	recordsBucket = []byte("records")
)

// Store wraps a bbolt database holding every user and event record in a
// single bucket. It is opened exactly once per process and shared.
type Store struct {
	db   *bolt.DB
	path string
}

// Open initializes the bbolt database under the directory path, creating
// the directory and the records bucket as needed.
func Open(dirPath string) (*Store, error) {
	if err := os.MkdirAll(dirPath, 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	datafile := filepath.Join(dirPath, databaseFileName)
	db, err := bolt.Open(datafile, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if err == bolt.ErrTimeout {
			return nil, errors.New("cannot obtain database lock, database may be in use by another process")
		}
		return nil, err
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	}); err != nil {
		return nil, err
	}

	return &Store{db: db, path: dirPath}, nil
}

// Close releases the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the directory the store was opened at
func (s *Store) Path() string {
	return s.path
}

// Get returns the value stored at key, or nil when the key is absent.
func (s *Store) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(recordsBucket).Get([]byte(key)); v != nil {
			value = make([]byte, len(v))
			copy(value, v)
		}
		return nil
	})
	return value, err
}

// Put writes the value unconditionally. Production mutations go through
// CAS; Put exists for seeding and tests.
func (s *Store) Put(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put([]byte(key), value)
	})
}

// CAS writes newValue only when the current bytes at key equal old.
// A nil old means the key must be absent. Mismatch returns ErrCASConflict.
func (s *Store) CAS(key string, old, newValue []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		current := b.Get([]byte(key))
		if old == nil {
			if current != nil {
				return ErrCASConflict
			}
		} else if !bytes.Equal(current, old) {
			return ErrCASConflict
		}
		return b.Put([]byte(key), newValue)
	})
}

// Iter walks all keys with the prefix in lexicographic order. The value
// passed to fn is a copy and safe to retain. A non-nil error from fn stops
// the scan.
func (s *Store) Iter(prefix string, fn func(key string, value []byte) error) error {
	p := []byte(prefix)
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			value := make([]byte, len(v))
			copy(value, v)
			if err := fn(string(k), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Flush forces an fsync of the database file
func (s *Store) Flush() error {
	return s.db.Sync()
}

// Ping verifies the database answers a read transaction
func (s *Store) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(recordsBucket) == nil {
			return errors.New("records bucket missing")
		}
		return nil
	})
}

// UserKey returns the storage key for a user id
func UserKey(id string) string {
	return UserPrefix + id
}

// EventKey returns the storage key for an event id
func EventKey(id string) string {
	return EventPrefix + id
}
