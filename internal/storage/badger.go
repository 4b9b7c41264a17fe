// Package storage opens the embedded database shared by the node registry
// and the budget store.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("storage: not found")

// Options configures the database.
type Options struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	ReadOnly bool
}

// DB wraps a badger database with JSON helpers.
type DB struct {
	db *badger.DB
}

// Open opens the database. Writes are synced to disk before Update returns.
func Open(o Options) (*DB, error) {
	var opts badger.Options
	if o.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(o.Path)).
			WithSyncWrites(true).
			WithReadOnly(o.ReadOnly)
	}
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 24)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Update runs fn in a read-write transaction committed atomically.
func (d *DB) Update(fn func(txn *badger.Txn) error) error {
	return d.db.Update(fn)
}

// View runs fn in a read-only transaction.
func (d *DB) View(fn func(txn *badger.Txn) error) error {
	return d.db.View(fn)
}

// GetJSON decodes the value at key into out.
func GetJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
}

// SetJSON encodes v and stores it at key.
func SetJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// Exists reports whether key is present.
func Exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ScanJSON decodes every value under prefix in key order, calling fn with
// a fresh decoder for each.
func ScanJSON(txn *badger.Txn, prefix []byte, fn func(key []byte, decode func(out any) error) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		decode := func(out any) error {
			return item.Value(func(v []byte) error {
				return json.Unmarshal(v, out)
			})
		}
		if err := fn(key, decode); err != nil {
			return err
		}
	}
	return nil
}
