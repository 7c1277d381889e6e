package drive

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/vaultfs/vaultfs/pkg/blob"
	"github.com/vaultfs/vaultfs/pkg/meta"
	"github.com/vaultfs/vaultfs/pkg/selfenc"
	"github.com/vaultfs/vaultfs/pkg/session"
	"github.com/vaultfs/vaultfs/pkg/tree"
	"github.com/vaultfs/vaultfs/pkg/xerrors"
)

// Stage tracks the drive's mount lifecycle.
type Stage int

const (
	StageUninitialised Stage = iota
	StageInitialised
	StageMounted
	StageUnmounted
)

// mountWaitTimeout caps WaitUntilMounted.
const mountWaitTimeout = 10 * time.Second

// Config parameterises a Drive.
type Config struct {
	// MountDir is where the mount adapter exposes the tree (informational
	// for the core).
	MountDir string
	// CacheSize / CacheTTL tune the decoded-listing cache.
	CacheSize int
	CacheTTL  time.Duration
	// Logf receives swallowed non-critical failures.
	Logf func(format string, args ...any)
}

// Drive is the callback surface a mount adapter drives: the directory tree
// manager plus open-file handling, hidden files, notes and DataMap
// transfer. One coarse mutex serializes the public API; mount-state
// transitions have their own lock.
type Drive struct {
	store    blob.Store
	handler  *tree.Handler
	mountDir string
	logf     func(format string, args ...any)

	apiMu sync.Mutex

	mountMu   sync.Mutex
	mountCond *sync.Cond
	stage     Stage

	notify func(relPath string)
}

// New bootstraps (or recovers) the tree behind store and returns an
// initialised drive.
func New(ctx context.Context, store blob.Store, creds session.Credentials, cfg Config) (*Drive, error) {
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	handler, err := tree.NewHandler(ctx, store, creds, tree.Options{
		CacheSize: cfg.CacheSize,
		CacheTTL:  cfg.CacheTTL,
		Logf:      logf,
	})
	if err != nil {
		return nil, err
	}
	d := &Drive{
		store:    store,
		handler:  handler,
		mountDir: cfg.MountDir,
		logf:     logf,
		stage:    StageInitialised,
	}
	d.mountCond = sync.NewCond(&d.mountMu)
	return d, nil
}

// UniqueUserID returns the identity enclosing the root-parent node.
func (d *Drive) UniqueUserID() blob.Identity { return d.handler.UniqueUserID() }

// RootParentID returns the root-parent directory's identity.
func (d *Drive) RootParentID() blob.Identity { return d.handler.RootParentID() }

// MountDir reports the configured mount point.
func (d *Drive) MountDir() string { return d.mountDir }

// MaxDiskUsage reports the store's advertised bound.
func (d *Drive) MaxDiskUsage() int64 { return d.store.MaxDiskUsage() }

// CurrentDiskUsage reports the store's current usage.
func (d *Drive) CurrentDiskUsage() int64 { return d.store.CurrentDiskUsage() }

// SetChangeNotifier registers the hook invoked when a mutation becomes
// externally visible. Pass nil to clear.
func (d *Drive) SetChangeNotifier(fn func(relPath string)) {
	d.apiMu.Lock()
	defer d.apiMu.Unlock()
	d.notify = fn
}

func (d *Drive) notifyChange(relPath string) {
	if d.notify != nil {
		d.notify(relPath)
	}
}

// SetMountState records a transition performed by the mount adapter.
func (d *Drive) SetMountState(mounted bool) {
	d.mountMu.Lock()
	if mounted {
		d.stage = StageMounted
	} else {
		d.stage = StageUnmounted
	}
	d.mountMu.Unlock()
	d.mountCond.Broadcast()
}

// WaitUntilMounted blocks until the adapter reports the drive mounted,
// giving up after ten seconds.
func (d *Drive) WaitUntilMounted() bool {
	deadline := time.Now().Add(mountWaitTimeout)
	timer := time.AfterFunc(mountWaitTimeout, func() { d.mountCond.Broadcast() })
	defer timer.Stop()

	d.mountMu.Lock()
	defer d.mountMu.Unlock()
	for d.stage != StageMounted {
		if time.Now().After(deadline) {
			return false
		}
		d.mountCond.Wait()
	}
	return true
}

// WaitUntilUnmounted blocks without a timeout until the drive unmounts.
func (d *Drive) WaitUntilUnmounted() {
	d.mountMu.Lock()
	defer d.mountMu.Unlock()
	for d.stage != StageUnmounted {
		d.mountCond.Wait()
	}
}

// Unmount marks the drive unmounted. Idempotent.
func (d *Drive) Unmount() {
	d.SetMountState(false)
}

// MountStage reports the current lifecycle stage.
func (d *Drive) MountStage() Stage {
	d.mountMu.Lock()
	defer d.mountMu.Unlock()
	return d.stage
}

// GetMetaData looks up the record at relPath, returning the enclosing
// directory's parent id and id alongside.
func (d *Drive) GetMetaData(ctx context.Context, relPath string) (meta.MetaData, blob.Identity, blob.Identity, error) {
	d.apiMu.Lock()
	defer d.apiMu.Unlock()
	return d.getMetaData(ctx, relPath)
}

func (d *Drive) getMetaData(ctx context.Context, relPath string) (meta.MetaData, blob.Identity, blob.Identity, error) {
	if tree.CleanPath(relPath) == "" {
		return meta.MetaData{}, blob.Identity{}, blob.Identity{}, xerrors.E(xerrors.KindInvalid, "stat", relPath)
	}
	parent, err := d.handler.GetFromPath(ctx, tree.ParentPath(relPath))
	if err != nil {
		return meta.MetaData{}, blob.Identity{}, blob.Identity{}, err
	}
	m, err := parent.Listing.GetChild(tree.BaseName(relPath))
	if err != nil {
		return meta.MetaData{}, blob.Identity{}, blob.Identity{}, xerrors.Wrap(xerrors.KindNotFound, "stat", relPath, err)
	}
	return m, parent.ParentID, parent.Listing.DirectoryID(), nil
}

// ListDirectory returns the visible children of the directory at relPath.
func (d *Drive) ListDirectory(ctx context.Context, relPath string) ([]meta.MetaData, error) {
	d.apiMu.Lock()
	defer d.apiMu.Unlock()
	dir, err := d.handler.GetFromPath(ctx, relPath)
	if err != nil {
		return nil, err
	}
	return dir.Listing.VisibleChildren(), nil
}

// SearchFiles returns the visible children of the directory at relPath
// whose names match the wildcard mask ('*' any run, '?' one character,
// case-insensitive).
func (d *Drive) SearchFiles(ctx context.Context, relPath, mask string) ([]meta.MetaData, error) {
	entries, err := d.ListDirectory(ctx, relPath)
	if err != nil {
		return nil, err
	}
	matched := entries[:0]
	for _, entry := range entries {
		if meta.MatchesMask(mask, entry.Name) {
			matched = append(matched, entry)
		}
	}
	return matched, nil
}

// AddFile appends a prepared record under relPath's parent.
func (d *Drive) AddFile(ctx context.Context, relPath string, m meta.MetaData) (grandparentID, parentID blob.Identity, err error) {
	d.apiMu.Lock()
	defer d.apiMu.Unlock()
	grandparentID, parentID, err = d.handler.AddElement(ctx, relPath, m)
	if err == nil {
		d.notifyChange(tree.ParentPath(relPath))
	}
	return
}

// MakeDirectory creates a directory at relPath and returns its record.
func (d *Drive) MakeDirectory(ctx context.Context, relPath string) (meta.MetaData, error) {
	m := meta.New(tree.BaseName(relPath), true)
	_, _, err := d.AddFile(ctx, relPath, m)
	return m, err
}

// CanRemove reports whether relPath is deletable by policy.
func (d *Drive) CanRemove(relPath string) bool {
	return d.handler.CanDelete(relPath)
}

// RemoveFile deletes the entry at relPath: the parent listing drops the
// record, a directory's node is deleted, and a file's chunks are released.
func (d *Drive) RemoveFile(ctx context.Context, relPath string) error {
	d.apiMu.Lock()
	defer d.apiMu.Unlock()
	m, err := d.handler.DeleteElement(ctx, relPath)
	if err != nil {
		return err
	}
	if !m.IsDirectory() {
		encryptor := selfenc.NewSelfEncryptor(m.DataMap, d.store)
		if err := encryptor.DeleteAllChunks(ctx); err != nil {
			return xerrors.Wrap(xerrors.KindIO, "remove", relPath, err)
		}
	}
	d.notifyChange(tree.ParentPath(relPath))
	return nil
}

// RenameFile moves oldPath to newPath. m is updated in place; reclaimed
// reports the allocated size of a displaced target.
func (d *Drive) RenameFile(ctx context.Context, oldPath, newPath string, m *meta.MetaData) (reclaimed int64, err error) {
	d.apiMu.Lock()
	defer d.apiMu.Unlock()
	reclaimed, err = d.handler.RenameElement(ctx, oldPath, newPath, m)
	if err == nil {
		d.notifyChange(tree.ParentPath(oldPath))
		if tree.ParentPath(oldPath) != tree.ParentPath(newPath) {
			d.notifyChange(tree.ParentPath(newPath))
		}
	}
	return
}

// UpdateParent writes a handle's record back into the directory at
// parentPath.
func (d *Drive) UpdateParent(ctx context.Context, fc *FileContext, parentPath string) error {
	d.apiMu.Lock()
	defer d.apiMu.Unlock()
	return d.handler.UpdateParentDirectoryListing(ctx, parentPath, fc.Meta)
}

func nowUTC() time.Time { return time.Now().UTC() }

// RelativePath rebases an absolute path inside mountDir onto the drive's
// rooted form. ok is false for paths outside the mount.
func RelativePath(mountDir, absPath string) (string, bool) {
	mount := tree.CleanPath(mountDir)
	abs := tree.CleanPath(absPath)
	if mount == "" || abs == "" {
		return "", false
	}
	if abs == mount {
		return "/", true
	}
	if !strings.HasPrefix(abs, mount+"/") {
		return "", false
	}
	return abs[len(mount):], true
}
