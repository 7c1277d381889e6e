package drive

import (
	"context"

	"github.com/vaultfs/vaultfs/pkg/blob"
	"github.com/vaultfs/vaultfs/pkg/meta"
	"github.com/vaultfs/vaultfs/pkg/selfenc"
	"github.com/vaultfs/vaultfs/pkg/tree"
	"github.com/vaultfs/vaultfs/pkg/xerrors"
)

// FileContext is an open-file handle: a private copy of the file's record,
// the encryptor over its DataMap, and the ids of the two enclosing
// directories. Mutations mark the handle dirty; Close writes the record
// back to the parent listing.
type FileContext struct {
	Meta           meta.MetaData
	GrandparentID  blob.Identity
	ParentID       blob.Identity
	relPath        string
	drive          *Drive
	encryptor      *selfenc.SelfEncryptor
	contentChanged bool
	closed         bool
}

// Path returns the rooted path the handle was opened at.
func (fc *FileContext) Path() string { return fc.relPath }

// ContentChanged reports whether the handle carries unpersisted record
// changes.
func (fc *FileContext) ContentChanged() bool { return fc.contentChanged }

// OpenFile opens the file at relPath.
func (d *Drive) OpenFile(ctx context.Context, relPath string) (*FileContext, error) {
	d.apiMu.Lock()
	defer d.apiMu.Unlock()
	m, grandparentID, parentID, err := d.getMetaData(ctx, relPath)
	if err != nil {
		return nil, err
	}
	if m.IsDirectory() {
		return nil, xerrors.E(xerrors.KindInvalid, "open", relPath)
	}
	return &FileContext{
		Meta:          m,
		GrandparentID: grandparentID,
		ParentID:      parentID,
		relPath:       tree.CleanPath(relPath),
		drive:         d,
	}, nil
}

// CreateFile creates an empty file at relPath and returns an open handle.
// The handle starts dirty so close persists the final attributes even if
// nothing is written.
func (d *Drive) CreateFile(ctx context.Context, relPath string) (*FileContext, error) {
	m := meta.New(tree.BaseName(relPath), false)
	grandparentID, parentID, err := d.AddFile(ctx, relPath, m)
	if err != nil {
		return nil, err
	}
	return &FileContext{
		Meta:           m,
		GrandparentID:  grandparentID,
		ParentID:       parentID,
		relPath:        tree.CleanPath(relPath),
		drive:          d,
		contentChanged: true,
	}, nil
}

func (fc *FileContext) ensureEncryptor() *selfenc.SelfEncryptor {
	if fc.encryptor == nil {
		fc.encryptor = selfenc.NewSelfEncryptor(fc.Meta.DataMap, fc.drive.store)
	}
	return fc.encryptor
}

// Read copies file content at off into p, bumping the access time.
func (fc *FileContext) Read(ctx context.Context, p []byte, off int64) (int, error) {
	fc.drive.apiMu.Lock()
	defer fc.drive.apiMu.Unlock()
	if fc.closed {
		return 0, xerrors.E(xerrors.KindStaleHandle, "read", fc.relPath)
	}
	n, err := fc.ensureEncryptor().ReadAt(ctx, p, off)
	if err != nil {
		return n, xerrors.Wrap(xerrors.KindIO, "read", fc.relPath, err)
	}
	fc.Meta.LastAccessTime = nowUTC()
	fc.contentChanged = true
	return n, nil
}

// Write writes p at off, growing the file as needed.
func (fc *FileContext) Write(ctx context.Context, p []byte, off int64) (int, error) {
	fc.drive.apiMu.Lock()
	defer fc.drive.apiMu.Unlock()
	if fc.closed {
		return 0, xerrors.E(xerrors.KindStaleHandle, "write", fc.relPath)
	}
	encryptor := fc.ensureEncryptor()
	n, err := encryptor.WriteAt(ctx, p, off)
	if err != nil {
		return n, xerrors.Wrap(xerrors.KindIO, "write", fc.relPath, err)
	}
	fc.Meta.SetSize(encryptor.Size())
	fc.Meta.UpdateLastModified()
	fc.contentChanged = true
	return n, nil
}

// Truncate resizes the file, zero-padding on extension.
func (fc *FileContext) Truncate(ctx context.Context, size uint64) error {
	fc.drive.apiMu.Lock()
	defer fc.drive.apiMu.Unlock()
	if fc.closed {
		return xerrors.E(xerrors.KindStaleHandle, "truncate", fc.relPath)
	}
	encryptor := fc.ensureEncryptor()
	if err := encryptor.Truncate(ctx, size); err != nil {
		return xerrors.Wrap(xerrors.KindIO, "truncate", fc.relPath, err)
	}
	fc.Meta.SetSize(encryptor.Size())
	fc.Meta.UpdateLastModified()
	fc.contentChanged = true
	return nil
}

// Size reports the current file size, unflushed writes included.
func (fc *FileContext) Size() uint64 {
	fc.drive.apiMu.Lock()
	defer fc.drive.apiMu.Unlock()
	if fc.encryptor != nil {
		return fc.encryptor.Size()
	}
	return fc.Meta.DataMap.Size()
}

// Flush commits buffered content to the store without closing the handle.
func (fc *FileContext) Flush(ctx context.Context) error {
	fc.drive.apiMu.Lock()
	defer fc.drive.apiMu.Unlock()
	return fc.flushLocked(ctx)
}

func (fc *FileContext) flushLocked(ctx context.Context) error {
	if fc.closed {
		return xerrors.E(xerrors.KindStaleHandle, "flush", fc.relPath)
	}
	if fc.encryptor == nil {
		return nil
	}
	if err := fc.encryptor.Flush(ctx); err != nil {
		return xerrors.Wrap(xerrors.KindIO, "flush", fc.relPath, err)
	}
	fc.Meta.SetSize(fc.encryptor.Size())
	return nil
}

// Close flushes the handle and, if the record changed, writes it back to
// the parent listing. Errors are logged, not returned: close always
// releases the handle. Closing twice is a no-op.
func (fc *FileContext) Close(ctx context.Context) error {
	fc.drive.apiMu.Lock()
	if fc.closed {
		fc.drive.apiMu.Unlock()
		return nil
	}
	if err := fc.flushLocked(ctx); err != nil {
		fc.drive.logf("drive: close %s: flush: %v", fc.relPath, err)
	}
	changed := fc.contentChanged
	fc.closed = true
	fc.encryptor = nil
	d := fc.drive
	fc.drive.apiMu.Unlock()

	if changed {
		if err := d.UpdateParent(ctx, fc, tree.ParentPath(fc.relPath)); err != nil {
			d.logf("drive: close %s: update parent: %v", fc.relPath, err)
		} else {
			d.notifyChange(tree.ParentPath(fc.relPath))
		}
	}
	return nil
}
