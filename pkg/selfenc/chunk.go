package selfenc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/vaultfs/vaultfs/pkg/blob"
)

// Hash-domain prefixes. Changing one re-keys every derived value, so they
// carry a version suffix.
var (
	chunkKeyDomain  = []byte("vaultfs.chunk.key.v1")
	chunkNameDomain = []byte("vaultfs.chunk.name.v1")
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(err)
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
}

func randomNonce(n int) []byte {
	nonce := make([]byte, n)
	if _, err := rand.Read(nonce); err != nil {
		panic("selfenc: rand failed: " + err.Error())
	}
	return nonce
}

func domainSum512(domain, data []byte) [64]byte {
	buf := make([]byte, 0, len(domain)+len(data))
	buf = append(buf, domain...)
	buf = append(buf, data...)
	return blake3.Sum512(buf)
}

// chunkCipherMaterial derives the AES key and IV from a chunk's plaintext
// digest. The digest travels in the DataMap (ChunkDetail.PreHash), so only
// holders of the DataMap can decrypt, and identical plaintext chunks
// encrypt to identical ciphertext and dedupe in the store.
func chunkCipherMaterial(preHash []byte) (key, iv []byte) {
	sum := domainSum512(chunkKeyDomain, preHash)
	return sum[:32], sum[32 : 32+aes.BlockSize]
}

// encryptChunk compresses and encrypts one plaintext chunk. It returns the
// store key (fingerprint of the ciphertext), the plaintext digest the
// cipher material derives from, and the ciphertext itself.
func encryptChunk(plain []byte) (name blob.Identity, preHash, data []byte, err error) {
	sum := blake3.Sum256(plain)
	preHash = sum[:]

	compressed := zstdEncoder.EncodeAll(plain, nil)
	key, iv := chunkCipherMaterial(preHash)
	block, err := aes.NewCipher(key)
	if err != nil {
		return blob.Identity{}, nil, nil, err
	}
	data = make([]byte, len(compressed))
	cipher.NewCTR(block, iv).XORKeyStream(data, compressed)

	name = blob.Identity(domainSum512(chunkNameDomain, data))
	return name, preHash, data, nil
}

// decryptChunk reverses encryptChunk using the plaintext digest carried in
// the DataMap.
func decryptChunk(data, preHash []byte) ([]byte, error) {
	key, iv := chunkCipherMaterial(preHash)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	compressed := make([]byte, len(data))
	cipher.NewCTR(block, iv).XORKeyStream(compressed, data)
	plain, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("selfenc: decompress chunk: %w", err)
	}
	return plain, nil
}
