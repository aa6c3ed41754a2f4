package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"tenantly.dev/internal/auth"
)

const badgerKeyPrefix = "client_state:"

var _ auth.Persistence = (*Badger)(nil)

// Badger stores values in an embedded badger database.
type Badger struct {
	db      *badger.DB
	profile string
	owned   bool
}

// OpenBadger opens (or creates) a database at path. An empty path opens an
// in-memory database.
func OpenBadger(path, profile string) (*Badger, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	b := NewBadger(db, profile)
	b.owned = true
	return b, nil
}

// NewBadger wraps an already opened database. Close leaves db open.
func NewBadger(db *badger.DB, profile string) *Badger {
	if profile == "" {
		profile = DefaultProfile
	}
	return &Badger{db: db, profile: profile}
}

func (b *Badger) Get(_ context.Context, key auth.Key) (string, error) {
	var value string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (b *Badger) Set(_ context.Context, key auth.Key, value string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		if value == "" {
			return txn.Delete(b.key(key))
		}
		return txn.Set(b.key(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Clear removes every value of this profile.
func (b *Badger) Clear(context.Context) error {
	prefix := []byte(badgerKeyPrefix + b.profile + ":")
	return b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return fmt.Errorf("clear: %w", err)
			}
		}
		return nil
	})
}

// Close closes the database if OpenBadger created it.
func (b *Badger) Close() error {
	if !b.owned {
		return nil
	}
	return b.db.Close()
}

func (b *Badger) key(k auth.Key) []byte {
	return []byte(badgerKeyPrefix + b.profile + ":" + string(k))
}
