package selfenc

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/vaultfs/vaultfs/pkg/blob"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	rng := rand.New(rand.NewSource(42))
	rng.Read(data)
	return data
}

func TestInlineRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore(0)
	dm := NewDataMap()

	enc := NewSelfEncryptor(dm, store)
	payload := []byte("hello")
	if _, err := enc.WriteAt(ctx, payload, 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(dm.Chunks) != 0 {
		t.Fatalf("small payload must stay in-band, got %d chunks", len(dm.Chunks))
	}
	if dm.Size() != 5 {
		t.Fatalf("size = %d", dm.Size())
	}
	if store.Len() != 0 {
		t.Fatalf("no blobs expected for inline content, got %d", store.Len())
	}

	dec := NewSelfEncryptor(dm, store)
	buf := make([]byte, 5)
	n, err := dec.ReadAt(ctx, buf, 0)
	if err != nil || n != 5 || !bytes.Equal(buf, payload) {
		t.Fatalf("read back: n=%d err=%v buf=%q", n, err, buf)
	}
}

func TestChunkedRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore(0)
	dm := NewDataMap()
	dm.ChunkSize = 1 << 16

	payload := randomBytes(t, 3*(1<<16)+777)
	enc := NewSelfEncryptor(dm, store)
	if _, err := enc.WriteAt(ctx, payload, 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(dm.Chunks) != 4 {
		t.Fatalf("chunks = %d", len(dm.Chunks))
	}
	if dm.Size() != uint64(len(payload)) {
		t.Fatalf("size = %d want %d", dm.Size(), len(payload))
	}

	// Fresh encryptor reads all chunks back from the store.
	dec := NewSelfEncryptor(dm, store)
	buf := make([]byte, len(payload))
	n, err := dec.ReadAt(ctx, buf, 0)
	if err != nil || n != len(payload) {
		t.Fatalf("read: n=%d err=%v", n, err)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatal("payload mismatch")
	}

	// Offset read.
	tail := make([]byte, 777)
	if _, err := dec.ReadAt(ctx, tail, int64(len(payload)-777)); err != nil {
		t.Fatalf("tail read: %v", err)
	}
	if !bytes.Equal(tail, payload[len(payload)-777:]) {
		t.Fatal("tail mismatch")
	}
}

func TestConvergentDedup(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore(0)

	write := func(dm *DataMap, payload []byte) {
		enc := NewSelfEncryptor(dm, store)
		if _, err := enc.WriteAt(ctx, payload, 0); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := enc.Flush(ctx); err != nil {
			t.Fatalf("flush: %v", err)
		}
	}

	payload := randomBytes(t, 2*MaxInlineContent)
	a, b := NewDataMap(), NewDataMap()
	write(a, payload)
	blobs := store.Len()
	write(b, payload)
	if store.Len() != blobs {
		t.Fatalf("identical payloads must dedupe: %d -> %d blobs", blobs, store.Len())
	}
	if !bytes.Equal(a.Chunks[0].Hash, b.Chunks[0].Hash) {
		t.Fatal("fingerprints differ for identical plaintext")
	}
}

func TestTruncatePadsWithZeros(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore(0)
	dm := NewDataMap()
	enc := NewSelfEncryptor(dm, store)

	if _, err := enc.WriteAt(ctx, []byte("abc"), 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.Truncate(ctx, 10); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if enc.Size() != 10 {
		t.Fatalf("size = %d", enc.Size())
	}
	buf := make([]byte, 10)
	if _, err := enc.ReadAt(ctx, buf, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	want := append([]byte("abc"), make([]byte, 7)...)
	if !bytes.Equal(buf, want) {
		t.Fatalf("padded read = %q", buf)
	}

	if err := enc.Truncate(ctx, 2); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if enc.Size() != 2 {
		t.Fatalf("size after shrink = %d", enc.Size())
	}
}

func TestFlushRetiresStaleChunks(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore(0)
	dm := NewDataMap()
	dm.ChunkSize = 1 << 16

	enc := NewSelfEncryptor(dm, store)
	payload := randomBytes(t, 2*(1<<16))
	if _, err := enc.WriteAt(ctx, payload, 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	first := store.Len()

	// Rewrite the first chunk only; its old blob must disappear.
	if _, err := enc.WriteAt(ctx, bytes.Repeat([]byte{0xAB}, 100), 0); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := enc.Flush(ctx); err != nil {
		t.Fatalf("reflush: %v", err)
	}
	if store.Len() != first {
		t.Fatalf("stale chunk not retired: %d -> %d", first, store.Len())
	}
}

func TestDeleteAllChunks(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore(0)
	dm := NewDataMap()
	dm.ChunkSize = 1 << 16

	enc := NewSelfEncryptor(dm, store)
	if _, err := enc.WriteAt(ctx, randomBytes(t, 3*(1<<16)), 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if store.Len() == 0 {
		t.Fatal("expected chunk blobs")
	}
	if err := enc.DeleteAllChunks(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("%d orphan blobs after delete", store.Len())
	}
	if dm.Size() != 0 {
		t.Fatalf("size = %d after delete", dm.Size())
	}
}

func TestEmptyFile(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore(0)
	dm := NewDataMap()
	enc := NewSelfEncryptor(dm, store)

	if enc.Size() != 0 {
		t.Fatalf("size = %d", enc.Size())
	}
	buf := make([]byte, 8)
	n, err := enc.ReadAt(ctx, buf, 0)
	if err != nil || n != 0 {
		t.Fatalf("zero-length read: n=%d err=%v", n, err)
	}
}

func TestDataMapSerializeParse(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore(0)
	dm := NewDataMap()
	dm.ChunkSize = 1 << 16
	enc := NewSelfEncryptor(dm, store)
	payload := randomBytes(t, 1<<16+500)
	if _, err := enc.WriteAt(ctx, payload, 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	raw, err := SerializeDataMap(dm)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	parsed, err := ParseDataMap(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Size() != dm.Size() || len(parsed.Chunks) != len(dm.Chunks) {
		t.Fatal("parsed map differs")
	}

	// The parsed map reads the same bytes.
	dec := NewSelfEncryptor(parsed, store)
	buf := make([]byte, len(payload))
	if _, err := dec.ReadAt(ctx, buf, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatal("content mismatch after serialize/parse")
	}
}

func TestDataMapEnvelope(t *testing.T) {
	parent := blob.NewRandomIdentity()
	dir := blob.NewRandomIdentity()
	dm := NewDataMap()
	dm.Content = []byte("listing bytes")

	envelope, err := EncryptDataMap(parent, dir, dm)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	out, err := DecryptDataMap(parent, dir, envelope)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(out.Content, dm.Content) {
		t.Fatal("content mismatch")
	}

	// Wrong associated ids must fail authentication.
	if _, err := DecryptDataMap(dir, parent, envelope); err == nil {
		t.Fatal("swapped ids accepted")
	}
	if _, err := DecryptDataMap(parent, blob.NewRandomIdentity(), envelope); err == nil {
		t.Fatal("foreign directory id accepted")
	}
}
