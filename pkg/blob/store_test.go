package blob

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	boltStore, err := NewBoltStore(BoltConfig{Path: filepath.Join(t.TempDir(), "blobs.db")})
	if err != nil {
		t.Fatalf("bolt: %v", err)
	}
	badgerStore, err := NewBadgerStore(BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("badger: %v", err)
	}
	stores := map[string]Store{
		"memory": NewMemoryStore(0),
		"bolt":   boltStore,
		"badger": badgerStore,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestStoreCRUD(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			key := NewRandomIdentity()
			data := []byte("payload")

			if _, err := store.Get(ctx, key); !errors.Is(err, ErrMissing) {
				t.Fatalf("get absent: %v", err)
			}
			if err := store.Put(ctx, key, data); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, err := store.Get(ctx, key)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Fatalf("got %q want %q", got, data)
			}
			ok, err := store.Exists(ctx, key)
			if err != nil || !ok {
				t.Fatalf("exists = %v, %v", ok, err)
			}

			// Idempotent overwrite.
			if err := store.Put(ctx, key, []byte("other")); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			got, _ = store.Get(ctx, key)
			if string(got) != "other" {
				t.Fatalf("overwrite lost: %q", got)
			}

			if err := store.Delete(ctx, key); err != nil {
				t.Fatalf("delete: %v", err)
			}
			// Delete of absent key is a no-op.
			if err := store.Delete(ctx, key); err != nil {
				t.Fatalf("delete absent: %v", err)
			}
			if _, err := store.Get(ctx, key); !errors.Is(err, ErrMissing) {
				t.Fatalf("get deleted: %v", err)
			}
		})
	}
}

func TestStoreUsageCounters(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			base := store.CurrentDiskUsage()
			key := NewRandomIdentity()
			if err := store.Put(ctx, key, make([]byte, 100)); err != nil {
				t.Fatalf("put: %v", err)
			}
			if got := store.CurrentDiskUsage() - base; got != 100 {
				t.Fatalf("usage after put = %d", got)
			}
			if err := store.Put(ctx, key, make([]byte, 40)); err != nil {
				t.Fatalf("replace: %v", err)
			}
			if got := store.CurrentDiskUsage() - base; got != 40 {
				t.Fatalf("usage after replace = %d", got)
			}
			if err := store.Delete(ctx, key); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if got := store.CurrentDiskUsage() - base; got != 0 {
				t.Fatalf("usage after delete = %d", got)
			}
		})
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	id := NewRandomIdentity()
	parsed, err := IdentityFromHex(id.Hex())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != id {
		t.Fatal("hex round trip mismatch")
	}
	if _, err := IdentityFromBytes(make([]byte, 63)); err == nil {
		t.Fatal("short identity accepted")
	}
	if id.IsZero() {
		t.Fatal("random identity reported zero")
	}
}

func TestFactory(t *testing.T) {
	store, err := Open(Config{Backend: "memory"})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	store.Close()

	store, err = Open(Config{Backend: "bolt", Path: filepath.Join(t.TempDir(), "b.db"), MaxBytes: 1 << 20})
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	if store.MaxDiskUsage() != 1<<20 {
		t.Fatalf("max usage = %d", store.MaxDiskUsage())
	}
	store.Close()

	if _, err := Open(Config{Backend: "bogus"}); err == nil {
		t.Fatal("unknown backend accepted")
	}
}
