package blob

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// IdentitySize is the length of every store key.
const IdentitySize = 64

// Identity is an opaque 64-byte store key. Directory nodes, credential
// envelopes and self-encryption chunks all live under Identity keys.
type Identity [IdentitySize]byte

// NewRandomIdentity draws a fresh identity from the system CSPRNG.
func NewRandomIdentity() Identity {
	var id Identity
	if _, err := rand.Read(id[:]); err != nil {
		panic("blob: rand failed: " + err.Error())
	}
	return id
}

// IdentityFromBytes copies b into an Identity, rejecting wrong lengths.
func IdentityFromBytes(b []byte) (Identity, error) {
	var id Identity
	if len(b) != IdentitySize {
		return id, fmt.Errorf("blob: identity must be %d bytes, got %d", IdentitySize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// IsZero reports whether the identity is the all-zero value.
func (id Identity) IsZero() bool {
	return id == Identity{}
}

// String returns the hex form, abbreviated for logs.
func (id Identity) String() string {
	return hex.EncodeToString(id[:8])
}

// Hex returns the full hex encoding.
func (id Identity) Hex() string {
	return hex.EncodeToString(id[:])
}

// IdentityFromHex parses a full hex encoding.
func IdentityFromHex(s string) (Identity, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Identity{}, fmt.Errorf("blob: bad identity hex: %w", err)
	}
	return IdentityFromBytes(b)
}

// ErrMissing is returned by Get for absent keys.
var ErrMissing = errors.New("blob: missing")

// Store is the key→bytes backend the drive persists into. Put overwrites
// idempotently, Delete on an absent key is a no-op, and both usage counters
// are advisory bounds reported by the backend.
type Store interface {
	Put(ctx context.Context, key Identity, data []byte) error
	Get(ctx context.Context, key Identity) ([]byte, error)
	Delete(ctx context.Context, key Identity) error
	Exists(ctx context.Context, key Identity) (bool, error)

	MaxDiskUsage() int64
	CurrentDiskUsage() int64

	Close() error
}
