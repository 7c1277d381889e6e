package session

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"github.com/vaultfs/vaultfs/pkg/blob"
	"github.com/vaultfs/vaultfs/pkg/xerrors"
)

// Credentials are the three user secrets the root bootstrap derives
// everything from. All three are treated as opaque high-entropy strings.
type Credentials struct {
	Keyword  string
	Pin      string
	Password string
}

// Validate rejects empty credential components.
func (c Credentials) Validate() error {
	if c.Keyword == "" || c.Pin == "" || c.Password == "" {
		return xerrors.E(xerrors.KindInvalid, "credentials", "")
	}
	return nil
}

// Hash-domain prefixes for credential-derived values.
var (
	midNameDomain    = []byte("vaultfs.mid.name.v1")
	midKeyDomain     = []byte("vaultfs.mid.key.v1")
	tmidNameDomain   = []byte("vaultfs.tmid.name.v1")
	sessionKeyDomain = []byte("vaultfs.session.key.v1")
)

const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// lenPrefixed concatenates parts with length framing so distinct credential
// splits can never produce the same digest input.
func lenPrefixed(domain []byte, parts ...string) []byte {
	buf := append([]byte(nil), domain...)
	for _, p := range parts {
		buf = append(buf,
			byte(len(p)>>24), byte(len(p)>>16), byte(len(p)>>8), byte(len(p)))
		buf = append(buf, p...)
	}
	return buf
}

// MidName derives the store key of the MID indirection blob. Deterministic
// in (keyword, pin) alone: it is the probe that distinguishes first run
// from recovery.
func MidName(keyword, pin string) blob.Identity {
	return blob.Identity(blake3.Sum512(lenPrefixed(midNameDomain, keyword, pin)))
}

// stretch runs scrypt over the password with a salt bound to keyword+pin.
func stretch(c Credentials) ([]byte, error) {
	salt := blake3.Sum256(lenPrefixed(tmidNameDomain, c.Keyword, c.Pin))
	return scrypt.Key([]byte(c.Password), salt[:], scryptN, scryptR, scryptP, 32)
}

// TmidName derives the store key of the TMID envelope from all three
// credentials, through the scrypt stretch.
func TmidName(c Credentials) (blob.Identity, error) {
	seed, err := stretch(c)
	if err != nil {
		return blob.Identity{}, err
	}
	buf := append(append([]byte(nil), tmidNameDomain...), seed...)
	return blob.Identity(blake3.Sum512(buf)), nil
}

func midKey(keyword, pin string) []byte {
	sum := blake3.Sum256(lenPrefixed(midKeyDomain, keyword, pin))
	return sum[:]
}

func sessionKey(c Credentials) ([]byte, error) {
	seed, err := stretch(c)
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(append(append([]byte(nil), sessionKeyDomain...), seed...))
	return sum[:], nil
}

func seal(key, plain, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plain)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, aad), nil
}

func open(key, sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("session: envelope too short")
	}
	return aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], aad)
}

// Session is the persisted per-user state: the two identities pinning the
// tree plus the signing key that authenticates directory envelopes.
type Session struct {
	UniqueUserID blob.Identity
	RootParentID blob.Identity
	PrivateKey   ed25519.PrivateKey
}

type sessionRecord struct {
	UniqueUserID []byte `cbor:"1,keyasint"`
	RootParentID []byte `cbor:"2,keyasint"`
	PrivateKey   []byte `cbor:"3,keyasint"`
}

// NewSession draws fresh identities and a fresh signing key.
func NewSession() (*Session, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Session{
		UniqueUserID: blob.NewRandomIdentity(),
		RootParentID: blob.NewRandomIdentity(),
		PrivateKey:   priv,
	}, nil
}

// PublicKey returns the verifying half of the signing key.
func (s *Session) PublicKey() ed25519.PublicKey {
	return s.PrivateKey.Public().(ed25519.PublicKey)
}

// Sign signs msg with the session key.
func (s *Session) Sign(msg []byte) []byte {
	return ed25519.Sign(s.PrivateKey, msg)
}

// Serialize encodes the session record.
func (s *Session) Serialize() ([]byte, error) {
	return cbor.Marshal(sessionRecord{
		UniqueUserID: s.UniqueUserID[:],
		RootParentID: s.RootParentID[:],
		PrivateKey:   s.PrivateKey,
	})
}

// ParseSession decodes bytes produced by Serialize.
func ParseSession(data []byte) (*Session, error) {
	var rec sessionRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("session: parse: %w", err)
	}
	uid, err := blob.IdentityFromBytes(rec.UniqueUserID)
	if err != nil {
		return nil, fmt.Errorf("session: parse: %w", err)
	}
	rpid, err := blob.IdentityFromBytes(rec.RootParentID)
	if err != nil {
		return nil, fmt.Errorf("session: parse: %w", err)
	}
	if len(rec.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("session: parse: bad key length %d", len(rec.PrivateKey))
	}
	return &Session{
		UniqueUserID: uid,
		RootParentID: rpid,
		PrivateKey:   ed25519.PrivateKey(rec.PrivateKey),
	}, nil
}

// EncryptSession seals a serialized session under the credential-derived key.
func EncryptSession(c Credentials, s *Session) ([]byte, error) {
	key, err := sessionKey(c)
	if err != nil {
		return nil, err
	}
	plain, err := s.Serialize()
	if err != nil {
		return nil, err
	}
	return seal(key, plain, sessionKeyDomain)
}

// DecryptSession reverses EncryptSession.
func DecryptSession(c Credentials, sealed []byte) (*Session, error) {
	key, err := sessionKey(c)
	if err != nil {
		return nil, err
	}
	plain, err := open(key, sealed, sessionKeyDomain)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindDecryption, "session", "", err)
	}
	s, err := ParseSession(plain)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindParsing, "session", "", err)
	}
	return s, nil
}

// Mid is the first indirection blob: stored under MidName, it points at the
// TMID through an encrypted name.
type Mid struct {
	EncryptedTmidName []byte `cbor:"1,keyasint"`
}

// Tmid is the second indirection blob: stored under TmidName, it holds the
// encrypted session.
type Tmid struct {
	EncryptedSession []byte `cbor:"1,keyasint"`
}

// EncryptTmidName seals the TMID's store key under the (keyword, pin) key.
func EncryptTmidName(keyword, pin string, tmidName blob.Identity) ([]byte, error) {
	return seal(midKey(keyword, pin), tmidName[:], midNameDomain)
}

// DecryptTmidName reverses EncryptTmidName.
func DecryptTmidName(keyword, pin string, sealed []byte) (blob.Identity, error) {
	plain, err := open(midKey(keyword, pin), sealed, midNameDomain)
	if err != nil {
		return blob.Identity{}, xerrors.Wrap(xerrors.KindDecryption, "tmid name", "", err)
	}
	return blob.IdentityFromBytes(plain)
}

// Bootstrap probes the store under the credential-derived MID name. A miss
// is a first run: fresh identities and a fresh signing key are drawn and
// the MID/TMID envelopes written (TMID first, so a crash between the two
// writes leaves no dangling pointer). A hit recovers the stored session.
// The returned bool is true on first run; the caller creates the root
// directories in that case.
func Bootstrap(ctx context.Context, store blob.Store, c Credentials) (*Session, bool, error) {
	if err := c.Validate(); err != nil {
		return nil, false, err
	}
	midName := MidName(c.Keyword, c.Pin)
	rawMid, err := store.Get(ctx, midName)
	if errors.Is(err, blob.ErrMissing) {
		s, err := firstRun(ctx, store, c, midName)
		return s, true, err
	}
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.KindIO, "bootstrap", "", err)
	}
	s, err := recoverSession(ctx, store, c, rawMid)
	return s, false, err
}

func firstRun(ctx context.Context, store blob.Store, c Credentials, midName blob.Identity) (*Session, error) {
	s, err := NewSession()
	if err != nil {
		return nil, err
	}
	sealedSession, err := EncryptSession(c, s)
	if err != nil {
		return nil, err
	}
	tmidName, err := TmidName(c)
	if err != nil {
		return nil, err
	}
	rawTmid, err := cbor.Marshal(Tmid{EncryptedSession: sealedSession})
	if err != nil {
		return nil, err
	}
	sealedName, err := EncryptTmidName(c.Keyword, c.Pin, tmidName)
	if err != nil {
		return nil, err
	}
	rawMid, err := cbor.Marshal(Mid{EncryptedTmidName: sealedName})
	if err != nil {
		return nil, err
	}
	if err := store.Put(ctx, tmidName, rawTmid); err != nil {
		return nil, xerrors.Wrap(xerrors.KindIO, "bootstrap", "", err)
	}
	if err := store.Put(ctx, midName, rawMid); err != nil {
		return nil, xerrors.Wrap(xerrors.KindIO, "bootstrap", "", err)
	}
	return s, nil
}

func recoverSession(ctx context.Context, store blob.Store, c Credentials, rawMid []byte) (*Session, error) {
	var mid Mid
	if err := cbor.Unmarshal(rawMid, &mid); err != nil {
		return nil, xerrors.Wrap(xerrors.KindParsing, "mid", "", err)
	}
	tmidName, err := DecryptTmidName(c.Keyword, c.Pin, mid.EncryptedTmidName)
	if err != nil {
		return nil, err
	}
	rawTmid, err := store.Get(ctx, tmidName)
	if errors.Is(err, blob.ErrMissing) {
		return nil, xerrors.E(xerrors.KindNotFound, "tmid", "")
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindIO, "tmid", "", err)
	}
	var tmid Tmid
	if err := cbor.Unmarshal(rawTmid, &tmid); err != nil {
		return nil, xerrors.Wrap(xerrors.KindParsing, "tmid", "", err)
	}
	return DecryptSession(c, tmid.EncryptedSession)
}
