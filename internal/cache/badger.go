// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// BadgerCache is an embedded, on-disk Cache backend for deployments that run
// without a Redis instance. It trades cross-process sharing for zero external
// dependencies; per SPEC_FULL §5 the cache tier is already last-writer-wins
// and reconciler-corrected, so a single-process embedded store is an
// acceptable substitute.
type BadgerCache struct {
	db     *badger.DB
	logger zerolog.Logger
	stats  Stats
}

// NewBadgerCache opens (or creates) a Badger database at dir.
func NewBadgerCache(dir string, logger zerolog.Logger) (*BadgerCache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerCache{db: db, logger: logger}, nil
}

func (c *BadgerCache) Get(_ context.Context, key string) ([]byte, bool) {
	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return out, true
}

func (c *BadgerCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("badger set failed")
		return err
	}
	c.stats.Sets++
	return nil
}

func (c *BadgerCache) Delete(_ context.Context, key string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("badger delete failed")
		return err
	}
	c.stats.Evictions++
	return nil
}

func (c *BadgerCache) Clear(_ context.Context) error {
	return c.db.DropAll()
}

func (c *BadgerCache) Stats() Stats {
	return c.stats
}

func (c *BadgerCache) Close() error {
	return c.db.Close()
}

// Keys returns all keys with the given prefix, used by the startup malformed-
// entry purge sweep.
func (c *BadgerCache) Keys(prefix string) ([]string, error) {
	var keys []string
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys, err
}
