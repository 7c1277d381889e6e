package selfenc

import (
	"context"
	"fmt"

	"github.com/vaultfs/vaultfs/pkg/blob"
)

// SelfEncryptor provides random-access reads and writes over the plaintext
// a DataMap describes. Mutations accumulate in memory; Flush re-chunks the
// buffer, persists fresh chunks and retires chunks the new DataMap no
// longer references. The DataMap is updated in place so the caller's
// metadata sees the committed state.
type SelfEncryptor struct {
	store blob.Store
	dm    *DataMap

	buf    []byte
	loaded bool
	dirty  bool
}

// NewSelfEncryptor attaches an encryptor to dm. The plaintext loads lazily
// on first access.
func NewSelfEncryptor(dm *DataMap, store blob.Store) *SelfEncryptor {
	if dm.ChunkSize == 0 {
		dm.ChunkSize = DefaultChunkSize
	}
	return &SelfEncryptor{store: store, dm: dm}
}

// DataMap exposes the attached map.
func (s *SelfEncryptor) DataMap() *DataMap { return s.dm }

// Size reports the current plaintext size, including unflushed writes.
func (s *SelfEncryptor) Size() uint64 {
	if s.loaded {
		return uint64(len(s.buf))
	}
	return s.dm.Size()
}

func (s *SelfEncryptor) load(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	if len(s.dm.Chunks) == 0 {
		s.buf = append([]byte(nil), s.dm.Content...)
		s.loaded = true
		return nil
	}
	buf := make([]byte, 0, s.dm.Size())
	for i, chunk := range s.dm.Chunks {
		name, err := blob.IdentityFromBytes(chunk.Hash)
		if err != nil {
			return err
		}
		data, err := s.store.Get(ctx, name)
		if err != nil {
			return fmt.Errorf("selfenc: chunk %d: %w", i, err)
		}
		plain, err := decryptChunk(data, chunk.PreHash)
		if err != nil {
			return fmt.Errorf("selfenc: chunk %d: %w", i, err)
		}
		if uint32(len(plain)) != chunk.Size {
			return fmt.Errorf("selfenc: chunk %d size mismatch: got %d want %d",
				i, len(plain), chunk.Size)
		}
		buf = append(buf, plain...)
	}
	s.buf = buf
	s.loaded = true
	return nil
}

// ReadAt copies plaintext starting at off into p. Reads past the end are
// truncated; a read wholly past the end returns 0 bytes.
func (s *SelfEncryptor) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("selfenc: negative offset")
	}
	if err := s.load(ctx); err != nil {
		return 0, err
	}
	if off >= int64(len(s.buf)) {
		return 0, nil
	}
	return copy(p, s.buf[off:]), nil
}

// WriteAt writes p at off, zero-filling any gap beyond the current end.
func (s *SelfEncryptor) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("selfenc: negative offset")
	}
	if err := s.load(ctx); err != nil {
		return 0, err
	}
	end := off + int64(len(p))
	if end > int64(len(s.buf)) {
		grown := make([]byte, end)
		copy(grown, s.buf)
		s.buf = grown
	}
	copy(s.buf[off:end], p)
	s.dirty = true
	return len(p), nil
}

// Truncate resizes the plaintext, padding with zero bytes on extension.
func (s *SelfEncryptor) Truncate(ctx context.Context, size uint64) error {
	if err := s.load(ctx); err != nil {
		return err
	}
	switch {
	case size < uint64(len(s.buf)):
		s.buf = s.buf[:size]
	case size > uint64(len(s.buf)):
		grown := make([]byte, size)
		copy(grown, s.buf)
		s.buf = grown
	default:
		return nil
	}
	s.dirty = true
	return nil
}

// Flush commits buffered writes: the buffer is re-chunked, fresh chunks are
// stored, and previously referenced chunks that fell out of the new map are
// deleted. Flush with no pending writes is a no-op.
func (s *SelfEncryptor) Flush(ctx context.Context) error {
	if !s.dirty {
		return nil
	}
	old := s.dm.Chunks
	if err := s.commit(ctx); err != nil {
		return err
	}
	s.deleteUnreferenced(ctx, old)
	s.dirty = false
	return nil
}

func (s *SelfEncryptor) commit(ctx context.Context) error {
	if len(s.buf) <= MaxInlineContent {
		s.dm.Chunks = nil
		s.dm.Content = append([]byte(nil), s.buf...)
		return nil
	}
	chunkSize := int(s.dm.ChunkSize)
	chunks := make([]ChunkDetail, 0, (len(s.buf)+chunkSize-1)/chunkSize)
	for off := 0; off < len(s.buf); off += chunkSize {
		end := off + chunkSize
		if end > len(s.buf) {
			end = len(s.buf)
		}
		name, preHash, data, err := encryptChunk(s.buf[off:end])
		if err != nil {
			return err
		}
		if err := s.store.Put(ctx, name, data); err != nil {
			return err
		}
		chunks = append(chunks, ChunkDetail{
			Hash:    name[:],
			PreHash: preHash,
			Size:    uint32(end - off),
		})
	}
	s.dm.Chunks = chunks
	s.dm.Content = nil
	return nil
}

// deleteUnreferenced removes chunks present in old but absent from the
// current map. Store failures here are the store's responsibility; the
// commit has already succeeded.
func (s *SelfEncryptor) deleteUnreferenced(ctx context.Context, old []ChunkDetail) {
	live := make(map[string]struct{}, len(s.dm.Chunks))
	for _, c := range s.dm.Chunks {
		live[string(c.Hash)] = struct{}{}
	}
	for _, c := range old {
		if _, ok := live[string(c.Hash)]; ok {
			continue
		}
		if name, err := blob.IdentityFromBytes(c.Hash); err == nil {
			s.store.Delete(ctx, name)
		}
	}
}

// DeleteAllChunks removes every chunk blob the DataMap references and
// resets the map to empty.
func (s *SelfEncryptor) DeleteAllChunks(ctx context.Context) error {
	for _, chunk := range s.dm.Chunks {
		name, err := blob.IdentityFromBytes(chunk.Hash)
		if err != nil {
			return err
		}
		if err := s.store.Delete(ctx, name); err != nil {
			return err
		}
	}
	s.dm.Chunks = nil
	s.dm.Content = nil
	s.buf = nil
	s.loaded = true
	s.dirty = false
	return nil
}
