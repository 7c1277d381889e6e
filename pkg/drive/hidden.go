package drive

import (
	"context"
	"strings"

	"github.com/vaultfs/vaultfs/pkg/meta"
	"github.com/vaultfs/vaultfs/pkg/selfenc"
	"github.com/vaultfs/vaultfs/pkg/tree"
	"github.com/vaultfs/vaultfs/pkg/xerrors"
)

// Hidden files carry the reserved ".ms_hidden" extension. They live in the
// same tree as everything else but are excluded from normal enumeration;
// SearchHiddenFiles lists them and the operations below require the
// extension.

func hiddenPathOK(relPath string) bool {
	return tree.CleanPath(relPath) != "" &&
		strings.HasSuffix(strings.ToLower(tree.BaseName(relPath)), meta.HiddenExtension)
}

// ReadHiddenFile returns the full content of the hidden file at relPath.
func (d *Drive) ReadHiddenFile(ctx context.Context, relPath string) ([]byte, error) {
	if !hiddenPathOK(relPath) {
		return nil, xerrors.E(xerrors.KindInvalid, "read hidden", relPath)
	}
	d.apiMu.Lock()
	defer d.apiMu.Unlock()
	m, _, _, err := d.getMetaData(ctx, relPath)
	if err != nil {
		return nil, err
	}
	if m.IsDirectory() {
		return nil, xerrors.E(xerrors.KindInvalid, "read hidden", relPath)
	}
	encryptor := selfenc.NewSelfEncryptor(m.DataMap, d.store)
	content := make([]byte, encryptor.Size())
	if _, err := encryptor.ReadAt(ctx, content, 0); err != nil {
		return nil, xerrors.Wrap(xerrors.KindIO, "read hidden", relPath, err)
	}
	return content, nil
}

// WriteHiddenFile stores content at relPath, creating the file if absent.
// Overwriting an existing hidden file requires overwriteExisting.
func (d *Drive) WriteHiddenFile(ctx context.Context, relPath string, content []byte, overwriteExisting bool) error {
	if !hiddenPathOK(relPath) {
		return xerrors.E(xerrors.KindInvalid, "write hidden", relPath)
	}
	d.apiMu.Lock()
	defer d.apiMu.Unlock()

	m, _, _, err := d.getMetaData(ctx, relPath)
	switch {
	case err == nil:
		if !overwriteExisting {
			return xerrors.E(xerrors.KindAlreadyExists, "write hidden", relPath)
		}
	case xerrors.Is(err, xerrors.KindNotFound):
		m = meta.New(tree.BaseName(relPath), false)
		if _, _, err := d.handler.AddElement(ctx, relPath, m); err != nil {
			return err
		}
	default:
		return err
	}

	encryptor := selfenc.NewSelfEncryptor(m.DataMap, d.store)
	if encryptor.Size() > uint64(len(content)) {
		if err := encryptor.Truncate(ctx, uint64(len(content))); err != nil {
			return xerrors.Wrap(xerrors.KindIO, "write hidden", relPath, err)
		}
	}
	if _, err := encryptor.WriteAt(ctx, content, 0); err != nil {
		return xerrors.Wrap(xerrors.KindIO, "write hidden", relPath, err)
	}
	if err := encryptor.Flush(ctx); err != nil {
		return xerrors.Wrap(xerrors.KindIO, "write hidden", relPath, err)
	}
	m.SetSize(encryptor.Size())
	m.UpdateLastModified()
	return d.handler.UpdateParentDirectoryListing(ctx, tree.ParentPath(relPath), m)
}

// DeleteHiddenFile removes the hidden file at relPath.
func (d *Drive) DeleteHiddenFile(ctx context.Context, relPath string) error {
	if !hiddenPathOK(relPath) {
		return xerrors.E(xerrors.KindInvalid, "delete hidden", relPath)
	}
	return d.RemoveFile(ctx, relPath)
}

// SearchHiddenFiles lists the hidden children of the directory at relPath.
func (d *Drive) SearchHiddenFiles(ctx context.Context, relPath string) ([]string, error) {
	d.apiMu.Lock()
	defer d.apiMu.Unlock()
	dir, err := d.handler.GetFromPath(ctx, relPath)
	if err != nil {
		return nil, err
	}
	return dir.Listing.HiddenChildNames(), nil
}
