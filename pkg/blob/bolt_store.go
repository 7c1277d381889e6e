package blob

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketBlobs = []byte("blobs")
	bucketStats = []byte("stats")

	statsUsedKey = []byte("used")
)

// BoltConfig configures the bbolt-backed store.
type BoltConfig struct {
	Path     string
	MaxBytes int64
	NoSync   bool
	Timeout  time.Duration
}

// BoltStore persists blobs in a single bbolt file. The used-bytes counter is
// kept inside the same transaction as the blob write so it survives restarts.
type BoltStore struct {
	cfg  BoltConfig
	db   *bolt.DB
	used atomic.Int64
}

// NewBoltStore opens (creating if needed) a bbolt blob store.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("bolt: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	opts := bolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	}
	db, err := bolt.Open(cfg.Path, 0o600, &opts)
	if err != nil {
		return nil, fmt.Errorf("bolt: open: %w", err)
	}
	store := &BoltStore{cfg: cfg, db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (b *BoltStore) init() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBlobs, bucketStats} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("bolt: create bucket %s: %w", bucket, err)
			}
		}
		stats := tx.Bucket(bucketStats)
		if raw := stats.Get(statsUsedKey); raw != nil {
			b.used.Store(int64(binary.BigEndian.Uint64(raw)))
		}
		return nil
	})
}

func (b *BoltStore) Put(ctx context.Context, key Identity, data []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		blobs := tx.Bucket(bucketBlobs)
		delta := int64(len(data))
		if old := blobs.Get(key[:]); old != nil {
			delta -= int64(len(old))
		}
		if err := blobs.Put(key[:], data); err != nil {
			return err
		}
		return b.adjustUsed(tx, delta)
	})
}

func (b *BoltStore) Get(ctx context.Context, key Identity) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketBlobs).Get(key[:])
		if raw == nil {
			return ErrMissing
		}
		data = append([]byte(nil), raw...)
		return nil
	})
	return data, err
}

func (b *BoltStore) Delete(ctx context.Context, key Identity) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		blobs := tx.Bucket(bucketBlobs)
		old := blobs.Get(key[:])
		if old == nil {
			return nil
		}
		if err := blobs.Delete(key[:]); err != nil {
			return err
		}
		return b.adjustUsed(tx, -int64(len(old)))
	})
}

func (b *BoltStore) Exists(ctx context.Context, key Identity) (bool, error) {
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketBlobs).Get(key[:]) != nil
		return nil
	})
	return ok, err
}

func (b *BoltStore) adjustUsed(tx *bolt.Tx, delta int64) error {
	used := b.used.Add(delta)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(used))
	return tx.Bucket(bucketStats).Put(statsUsedKey, buf[:])
}

func (b *BoltStore) MaxDiskUsage() int64     { return b.cfg.MaxBytes }
func (b *BoltStore) CurrentDiskUsage() int64 { return b.used.Load() }

func (b *BoltStore) Close() error { return b.db.Close() }
