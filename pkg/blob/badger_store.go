package blob

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures the badger-backed store.
type BadgerConfig struct {
	Path     string
	MaxBytes int64
	InMemory bool
}

// BadgerStore persists blobs in a badger key-value database. Badger suits
// chunk-heavy workloads better than bbolt: values land in the value log and
// deletes reclaim space on GC.
type BadgerStore struct {
	cfg  BadgerConfig
	db   *badger.DB
	used atomic.Int64
}

// NewBadgerStore opens (creating if needed) a badger blob store.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if cfg.Path == "" && !cfg.InMemory {
		return nil, fmt.Errorf("badger: path is required")
	}
	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}
	store := &BadgerStore{cfg: cfg, db: db}
	if err := store.countUsed(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// countUsed rebuilds the usage counter from the key index at open.
func (b *BadgerStore) countUsed() error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		var used int64
		for it.Rewind(); it.Valid(); it.Next() {
			used += it.Item().ValueSize()
		}
		b.used.Store(used)
		return nil
	})
}

func (b *BadgerStore) Put(ctx context.Context, key Identity, data []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		delta := int64(len(data))
		if item, err := txn.Get(key[:]); err == nil {
			delta -= item.ValueSize()
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key[:], data); err != nil {
			return err
		}
		b.used.Add(delta)
		return nil
	})
}

func (b *BadgerStore) Get(ctx context.Context, key Identity) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key[:])
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrMissing
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	return data, err
}

func (b *BadgerStore) Delete(ctx context.Context, key Identity) error {
	return b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key[:])
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		size := item.ValueSize()
		if err := txn.Delete(key[:]); err != nil {
			return err
		}
		b.used.Add(-size)
		return nil
	})
}

func (b *BadgerStore) Exists(ctx context.Context, key Identity) (bool, error) {
	var ok bool
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key[:])
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

func (b *BadgerStore) MaxDiskUsage() int64     { return b.cfg.MaxBytes }
func (b *BadgerStore) CurrentDiskUsage() int64 { return b.used.Load() }

func (b *BadgerStore) Close() error { return b.db.Close() }
