// Package cache is the ephemeral keyed store with per-key expiry. It is a
// read-side fallback only: the durable decision row remains the source of
// truth for authentication codes, and a missing or evicted entry always
// degrades to "treat as absent".
package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("cache: key not found")

// Cache is the ephemeral store surface used by the core services.
type Cache interface {
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Close() error
}

type badgerCache struct {
	db *badger.DB
}

// Options configures the badger-backed cache.
type Options struct {
	// Dir is the on-disk location. Ignored when InMemory is set.
	Dir string
	// InMemory avoids disk entirely; used in tests.
	InMemory bool
}

// Open creates or opens the badger-backed cache.
func Open(opts Options) (Cache, error) {
	var badgerOpts badger.Options
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(opts.Dir)
	}
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return &badgerCache{db: db}, nil
}

func (c *badgerCache) Set(key string, value []byte, ttl time.Duration) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

func (c *badgerCache) Get(key string) ([]byte, error) {
	var value []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %q: %w", key, err)
	}
	return value, nil
}

func (c *badgerCache) Delete(key string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("cache delete %q: %w", key, err)
	}
	return nil
}

func (c *badgerCache) Close() error {
	return c.db.Close()
}

// AuthCodeKey is the cache key holding the mirrored authentication code for
// a proposal.
func AuthCodeKey(proposalID string) string {
	return "authcode:" + proposalID
}
