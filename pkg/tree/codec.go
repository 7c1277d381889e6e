package tree

import (
	"context"
	"crypto/ed25519"
	"errors"

	"github.com/fxamacker/cbor/v2"

	"github.com/vaultfs/vaultfs/pkg/blob"
	"github.com/vaultfs/vaultfs/pkg/meta"
	"github.com/vaultfs/vaultfs/pkg/selfenc"
	"github.com/vaultfs/vaultfs/pkg/xerrors"
)

// DirectoryData pairs a decoded listing with the identity of its enclosing
// directory. ParentID is a back-reference only: the enclosing listing owns
// the membership, ParentID feeds the envelope AEAD and consistency checks.
type DirectoryData struct {
	ParentID blob.Identity
	Listing  *meta.DirectoryListing
}

// Clone deep-copies the pair.
func (d DirectoryData) Clone() DirectoryData {
	return DirectoryData{ParentID: d.ParentID, Listing: d.Listing.Clone()}
}

// ownerDirectory is the on-store envelope of one directory node, keyed by
// the directory's identity.
type ownerDirectory struct {
	Name             []byte `cbor:"1,keyasint"`
	EncryptedDataMap []byte `cbor:"2,keyasint"`
	Signature        []byte `cbor:"3,keyasint"`
}

// putToStorage serializes, self-encrypts and stores a directory node under
// its DirectoryId, signing the envelope with the session key.
func (h *Handler) putToStorage(ctx context.Context, dir DirectoryData) error {
	directoryID := dir.Listing.DirectoryID()
	serialized, err := dir.Listing.Serialize()
	if err != nil {
		return xerrors.Wrap(xerrors.KindParsing, "store directory", "", err)
	}

	dataMap := selfenc.NewDataMap()
	encryptor := selfenc.NewSelfEncryptor(dataMap, h.store)
	if _, err := encryptor.WriteAt(ctx, serialized, 0); err != nil {
		return xerrors.Wrap(xerrors.KindIO, "store directory", "", err)
	}
	if err := encryptor.Flush(ctx); err != nil {
		return xerrors.Wrap(xerrors.KindIO, "store directory", "", err)
	}

	envelope, err := selfenc.EncryptDataMap(dir.ParentID, directoryID, dataMap)
	if err != nil {
		return xerrors.Wrap(xerrors.KindIO, "store directory", "", err)
	}
	record, err := cbor.Marshal(ownerDirectory{
		Name:             directoryID[:],
		EncryptedDataMap: envelope,
		Signature:        h.sess.Sign(envelope),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.KindParsing, "store directory", "", err)
	}
	if err := h.store.Put(ctx, directoryID, record); err != nil {
		return xerrors.Wrap(xerrors.KindIO, "store directory", "", err)
	}
	h.cache.Set(directoryID.Hex(), dir.Clone())
	return nil
}

// retrieveFromStorage loads and decodes the directory stored under
// directoryID, asserting the decoded listing agrees on the identity.
func (h *Handler) retrieveFromStorage(ctx context.Context, parentID, directoryID blob.Identity) (DirectoryData, error) {
	if cached, ok := h.cache.Get(directoryID.Hex()); ok {
		return cached.(DirectoryData).Clone(), nil
	}

	dataMap, err := h.retrieveDataMap(ctx, parentID, directoryID)
	if err != nil {
		return DirectoryData{}, err
	}

	encryptor := selfenc.NewSelfEncryptor(dataMap, h.store)
	serialized := make([]byte, dataMap.Size())
	if n, err := encryptor.ReadAt(ctx, serialized, 0); err != nil || uint64(n) != dataMap.Size() {
		return DirectoryData{}, xerrors.Wrap(xerrors.KindIO, "load directory", "", err)
	}

	listing, err := meta.ParseDirectoryListing(serialized)
	if err != nil {
		return DirectoryData{}, xerrors.Wrap(xerrors.KindParsing, "load directory", "", err)
	}
	if listing.DirectoryID() != directoryID {
		return DirectoryData{}, xerrors.E(xerrors.KindParsing, "load directory", "")
	}

	dir := DirectoryData{ParentID: parentID, Listing: listing}
	h.cache.Set(directoryID.Hex(), dir.Clone())
	return dir, nil
}

// retrieveDataMap fetches a directory envelope and opens its DataMap.
func (h *Handler) retrieveDataMap(ctx context.Context, parentID, directoryID blob.Identity) (*selfenc.DataMap, error) {
	raw, err := h.store.Get(ctx, directoryID)
	if errors.Is(err, blob.ErrMissing) {
		return nil, xerrors.E(xerrors.KindNotFound, "load directory", "")
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindIO, "load directory", "", err)
	}

	var envelope ownerDirectory
	if err := cbor.Unmarshal(raw, &envelope); err != nil {
		return nil, xerrors.Wrap(xerrors.KindParsing, "load directory", "", err)
	}
	name, err := blob.IdentityFromBytes(envelope.Name)
	if err != nil || name != directoryID {
		return nil, xerrors.E(xerrors.KindParsing, "load directory", "")
	}
	if !ed25519.Verify(h.sess.PublicKey(), envelope.EncryptedDataMap, envelope.Signature) {
		return nil, xerrors.E(xerrors.KindDecryption, "load directory", "")
	}

	dataMap, err := selfenc.DecryptDataMap(parentID, directoryID, envelope.EncryptedDataMap)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindDecryption, "load directory", "", err)
	}
	return dataMap, nil
}

// deleteStored removes a directory node: its listing's chunk blobs first,
// then the envelope itself.
func (h *Handler) deleteStored(ctx context.Context, parentID, directoryID blob.Identity) error {
	dataMap, err := h.retrieveDataMap(ctx, parentID, directoryID)
	if err != nil {
		return err
	}
	encryptor := selfenc.NewSelfEncryptor(dataMap, h.store)
	if err := encryptor.DeleteAllChunks(ctx); err != nil {
		return xerrors.Wrap(xerrors.KindIO, "delete directory", "", err)
	}
	if err := h.store.Delete(ctx, directoryID); err != nil {
		return xerrors.Wrap(xerrors.KindIO, "delete directory", "", err)
	}
	h.cache.Delete(directoryID.Hex())
	return nil
}
