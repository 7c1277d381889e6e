package selfenc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/vaultfs/vaultfs/pkg/blob"
)

// DefaultChunkSize is the plaintext chunk size used for new files.
const DefaultChunkSize = 1 << 20

// MaxInlineContent is the largest payload kept in-band in the DataMap
// instead of being chunked out to the store.
const MaxInlineContent = 4096

// ChunkDetail names one stored chunk: the fingerprint of its ciphertext
// (which is also its store key), the digest of its plaintext (the cipher
// material derives from it), and its plaintext size.
type ChunkDetail struct {
	Hash    []byte `cbor:"1,keyasint"`
	PreHash []byte `cbor:"2,keyasint"`
	Size    uint32 `cbor:"3,keyasint"`
}

// DataMap reconstitutes one file: an ordered chunk list plus residual
// in-band content. Exactly one of Chunks/Content is populated for non-empty
// files; both are empty for an empty file.
type DataMap struct {
	ChunkSize uint32        `cbor:"1,keyasint"`
	Chunks    []ChunkDetail `cbor:"2,keyasint,omitempty"`
	Content   []byte        `cbor:"3,keyasint,omitempty"`
}

// NewDataMap returns an empty DataMap with the default chunk size.
func NewDataMap() *DataMap {
	return &DataMap{ChunkSize: DefaultChunkSize}
}

// Size computes the total plaintext size: (n-1)·chunk_size plus the last
// chunk's size, or the residual content length when there are no chunks.
func (dm *DataMap) Size() uint64 {
	n := len(dm.Chunks)
	if n == 0 {
		return uint64(len(dm.Content))
	}
	return uint64(n-1)*uint64(dm.ChunkSize) + uint64(dm.Chunks[n-1].Size)
}

// Clone deep-copies the DataMap.
func (dm *DataMap) Clone() *DataMap {
	if dm == nil {
		return nil
	}
	out := &DataMap{ChunkSize: dm.ChunkSize}
	if dm.Chunks != nil {
		out.Chunks = make([]ChunkDetail, len(dm.Chunks))
		for i, c := range dm.Chunks {
			out.Chunks[i] = ChunkDetail{
				Hash:    append([]byte(nil), c.Hash...),
				PreHash: append([]byte(nil), c.PreHash...),
				Size:    c.Size,
			}
		}
	}
	if dm.Content != nil {
		out.Content = append([]byte(nil), dm.Content...)
	}
	return out
}

// SerializeDataMap encodes dm for transfer or envelope storage.
func SerializeDataMap(dm *DataMap) ([]byte, error) {
	if dm == nil {
		return nil, fmt.Errorf("selfenc: nil data map")
	}
	return cbor.Marshal(dm)
}

// ParseDataMap decodes bytes produced by SerializeDataMap.
func ParseDataMap(data []byte) (*DataMap, error) {
	var dm DataMap
	if err := cbor.Unmarshal(data, &dm); err != nil {
		return nil, fmt.Errorf("selfenc: parse data map: %w", err)
	}
	if dm.ChunkSize == 0 {
		dm.ChunkSize = DefaultChunkSize
	}
	return &dm, nil
}

var envelopeKeyDomain = []byte("vaultfs.dirmap.key.v1")

// envelopeKey derives the symmetric envelope key from the two directory
// identities. The ids also ride along as associated data so an envelope
// re-keyed under the wrong pair fails authentication rather than parsing.
func envelopeKey(parentID, directoryID blob.Identity) []byte {
	buf := make([]byte, 0, len(envelopeKeyDomain)+2*blob.IdentitySize)
	buf = append(buf, envelopeKeyDomain...)
	buf = append(buf, parentID[:]...)
	buf = append(buf, directoryID[:]...)
	sum := blake3.Sum256(buf)
	return sum[:chacha20poly1305.KeySize]
}

func envelopeAAD(parentID, directoryID blob.Identity) []byte {
	aad := make([]byte, 0, 2*blob.IdentitySize)
	aad = append(aad, parentID[:]...)
	return append(aad, directoryID[:]...)
}

// EncryptDataMap seals dm under a key derived from (parentID, directoryID),
// binding both ids as associated data.
func EncryptDataMap(parentID, directoryID blob.Identity, dm *DataMap) ([]byte, error) {
	plain, err := SerializeDataMap(dm)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(envelopeKey(parentID, directoryID))
	if err != nil {
		return nil, err
	}
	nonce := randomNonce(aead.NonceSize())
	out := make([]byte, 0, len(nonce)+len(plain)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, envelopeAAD(parentID, directoryID)), nil
}

// DecryptDataMap opens an envelope produced by EncryptDataMap.
func DecryptDataMap(parentID, directoryID blob.Identity, envelope []byte) (*DataMap, error) {
	aead, err := chacha20poly1305.NewX(envelopeKey(parentID, directoryID))
	if err != nil {
		return nil, err
	}
	if len(envelope) < aead.NonceSize() {
		return nil, fmt.Errorf("selfenc: envelope too short")
	}
	nonce, sealed := envelope[:aead.NonceSize()], envelope[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, envelopeAAD(parentID, directoryID))
	if err != nil {
		return nil, fmt.Errorf("selfenc: open envelope: %w", err)
	}
	return ParseDataMap(plain)
}
