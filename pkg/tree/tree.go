package tree

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/vaultfs/vaultfs/pkg/blob"
	"github.com/vaultfs/vaultfs/pkg/cache"
	"github.com/vaultfs/vaultfs/pkg/meta"
	"github.com/vaultfs/vaultfs/pkg/selfenc"
	"github.com/vaultfs/vaultfs/pkg/session"
	"github.com/vaultfs/vaultfs/pkg/xerrors"
)

// Options tunes the handler.
type Options struct {
	// CacheSize caps the decoded-listing cache (0 picks a default).
	CacheSize int
	// CacheTTL expires cached listings (0 keeps them until invalidated).
	CacheTTL time.Duration
	// Logf receives non-critical failures that are swallowed by design.
	Logf func(format string, args ...any)
}

// Handler is the directory tree manager: it walks paths, mutates listings
// and keeps every directory node persisted as a self-encrypted blob under
// its DirectoryId. Callers serialize access (the drive holds the API
// mutex); the handler itself takes no locks.
type Handler struct {
	store blob.Store
	sess  *session.Session
	cache *cache.Cache
	logf  func(format string, args ...any)
}

// NewHandler bootstraps a session from the credentials and, on first run,
// creates the root-parent and root directory nodes: the root-parent listing
// (id = RootParentId, enclosed by UniqueUserId) holds the single child "/"
// pointing at a freshly drawn root directory id.
func NewHandler(ctx context.Context, store blob.Store, creds session.Credentials, opts Options) (*Handler, error) {
	sess, firstRun, err := session.Bootstrap(ctx, store, creds)
	if err != nil {
		return nil, err
	}
	h := &Handler{
		store: store,
		sess:  sess,
		cache: cache.New(opts.CacheSize, opts.CacheTTL),
		logf:  opts.Logf,
	}
	if h.logf == nil {
		h.logf = log.Printf
	}
	if firstRun {
		if err := h.createRoots(ctx); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *Handler) createRoots(ctx context.Context) error {
	rootMeta := meta.New(RootName, true)
	rootID, err := rootMeta.Directory()
	if err != nil {
		return err
	}

	rootParent := DirectoryData{
		ParentID: h.sess.UniqueUserID,
		Listing:  meta.NewDirectoryListing(h.sess.RootParentID),
	}
	root := DirectoryData{
		ParentID: h.sess.RootParentID,
		Listing:  meta.NewDirectoryListing(rootID),
	}
	if err := rootParent.Listing.AddChild(rootMeta); err != nil {
		return err
	}
	if err := h.putToStorage(ctx, rootParent); err != nil {
		return err
	}
	return h.putToStorage(ctx, root)
}

// UniqueUserID returns the identity enclosing the root-parent node.
func (h *Handler) UniqueUserID() blob.Identity { return h.sess.UniqueUserID }

// RootParentID returns the root-parent directory's identity.
func (h *Handler) RootParentID() blob.Identity { return h.sess.RootParentID }

// Session exposes the bootstrapped session.
func (h *Handler) Session() *session.Session { return h.sess }

// Store exposes the underlying blob store.
func (h *Handler) Store() blob.Store { return h.store }

// GetFromPath walks the tree from the root-parent down to relPath and
// returns the directory stored there. Every component must name a
// directory; a file component fails with an invalid-parameter error.
func (h *Handler) GetFromPath(ctx context.Context, relPath string) (DirectoryData, error) {
	dir, err := h.retrieveFromStorage(ctx, h.sess.UniqueUserID, h.sess.RootParentID)
	if err != nil {
		return DirectoryData{}, err
	}
	for _, component := range splitPath(relPath) {
		child, err := dir.Listing.GetChild(component)
		if err != nil {
			return DirectoryData{}, xerrors.Wrap(xerrors.KindNotFound, "lookup", relPath, err)
		}
		if !child.IsDirectory() {
			return DirectoryData{}, xerrors.E(xerrors.KindInvalid, "lookup", relPath)
		}
		childID, err := child.Directory()
		if err != nil {
			return DirectoryData{}, xerrors.Wrap(xerrors.KindParsing, "lookup", relPath, err)
		}
		dir, err = h.retrieveFromStorage(ctx, dir.Listing.DirectoryID(), childID)
		if err != nil {
			return DirectoryData{}, err
		}
	}
	return dir, nil
}

// getParentAndGrandparent resolves the two listings enclosing relPath plus
// the parent's own child record in the grandparent.
func (h *Handler) getParentAndGrandparent(ctx context.Context, relPath string) (grandparent, parent DirectoryData, parentMeta meta.MetaData, err error) {
	parentRel := ParentPath(relPath)
	grandparent, err = h.GetFromPath(ctx, ParentPath(parentRel))
	if err != nil {
		return
	}
	parentMeta, err = grandparent.Listing.GetChild(BaseName(parentRel))
	if err != nil {
		err = xerrors.Wrap(xerrors.KindNotFound, "lookup parent", relPath, err)
		return
	}
	if !parentMeta.IsDirectory() {
		err = xerrors.E(xerrors.KindInvalid, "lookup parent", relPath)
		return
	}
	parent, err = h.GetFromPath(ctx, parentRel)
	return
}

// AddElement appends m under relPath's parent. Directory children get their
// node stored before the parent is persisted, and are unwound from the
// in-memory parent if that store fails. Timestamps propagate to the
// grandparent; a failed grandparent persist is logged, not surfaced.
func (h *Handler) AddElement(ctx context.Context, relPath string, m meta.MetaData) (grandparentID, parentID blob.Identity, err error) {
	if CleanPath(relPath) == "" {
		return blob.Identity{}, blob.Identity{}, xerrors.E(xerrors.KindInvalid, "add", relPath)
	}
	if err := m.Validate(); err != nil {
		return blob.Identity{}, blob.Identity{}, xerrors.Wrap(xerrors.KindInvalid, "add", relPath, err)
	}
	if meta.ExcludedName(m.Name) {
		return blob.Identity{}, blob.Identity{}, xerrors.E(xerrors.KindInvalid, "add", relPath)
	}
	if !h.CanAdd(relPath) {
		return blob.Identity{}, blob.Identity{}, xerrors.E(xerrors.KindPermission, "add", relPath)
	}

	grandparent, parent, parentMeta, err := h.getParentAndGrandparent(ctx, relPath)
	if err != nil {
		return blob.Identity{}, blob.Identity{}, err
	}
	if err := parent.Listing.AddChild(m); err != nil {
		if errors.Is(err, meta.ErrChildExists) {
			return blob.Identity{}, blob.Identity{}, xerrors.Wrap(xerrors.KindAlreadyExists, "add", relPath, err)
		}
		return blob.Identity{}, blob.Identity{}, xerrors.Wrap(xerrors.KindInvalid, "add", relPath, err)
	}

	if m.IsDirectory() {
		childID, err := m.Directory()
		if err != nil {
			return blob.Identity{}, blob.Identity{}, xerrors.Wrap(xerrors.KindInvalid, "add", relPath, err)
		}
		child := DirectoryData{
			ParentID: parent.Listing.DirectoryID(),
			Listing:  meta.NewDirectoryListing(childID),
		}
		if err := h.putToStorage(ctx, child); err != nil {
			parent.Listing.RemoveChild(m)
			return blob.Identity{}, blob.Identity{}, err
		}
	}

	parentMeta.UpdateLastModified()
	if m.IsDirectory() {
		parentMeta.Nlink++
	}

	if err := h.putToStorage(ctx, parent); err != nil {
		parent.Listing.RemoveChild(m)
		return blob.Identity{}, blob.Identity{}, err
	}
	h.touchParentMeta(ctx, grandparent, parentMeta)

	return grandparent.Listing.DirectoryID(), parent.Listing.DirectoryID(), nil
}

// touchParentMeta writes the parent's refreshed child record into the
// grandparent and persists it. The timestamp propagation is not
// load-bearing: failures are logged and swallowed.
func (h *Handler) touchParentMeta(ctx context.Context, grandparent DirectoryData, parentMeta meta.MetaData) {
	// Reload: the grandparent listing may be stale when parent and
	// grandparent paths overlap (rename across adjacent levels).
	fresh, err := h.retrieveFromStorage(ctx, grandparent.ParentID, grandparent.Listing.DirectoryID())
	if err != nil {
		h.logf("tree: refresh grandparent %s: %v", grandparent.Listing.DirectoryID(), err)
		return
	}
	if err := fresh.Listing.UpdateChild(parentMeta); err != nil {
		h.logf("tree: update parent record %q: %v", parentMeta.Name, err)
		return
	}
	if err := h.putToStorage(ctx, fresh); err != nil {
		h.logf("tree: persist grandparent %s: %v", fresh.Listing.DirectoryID(), err)
	}
}

// DeleteElement removes the child at relPath from its parent. A directory
// child's stored node is deleted first (one level; recursing over a
// subtree is the caller's loop). The removed record is returned so the
// caller can release file chunks.
func (h *Handler) DeleteElement(ctx context.Context, relPath string) (meta.MetaData, error) {
	if CleanPath(relPath) == "" {
		return meta.MetaData{}, xerrors.E(xerrors.KindInvalid, "delete", relPath)
	}
	if !h.CanDelete(relPath) {
		return meta.MetaData{}, xerrors.E(xerrors.KindPermission, "delete", relPath)
	}

	grandparent, parent, parentMeta, err := h.getParentAndGrandparent(ctx, relPath)
	if err != nil {
		return meta.MetaData{}, err
	}
	m, err := parent.Listing.GetChild(BaseName(relPath))
	if err != nil {
		return meta.MetaData{}, xerrors.Wrap(xerrors.KindNotFound, "delete", relPath, err)
	}

	if m.IsDirectory() {
		childID, err := m.Directory()
		if err != nil {
			return meta.MetaData{}, xerrors.Wrap(xerrors.KindParsing, "delete", relPath, err)
		}
		if err := h.deleteStored(ctx, parent.Listing.DirectoryID(), childID); err != nil {
			return meta.MetaData{}, err
		}
	}

	parent.Listing.RemoveChild(m)
	parentMeta.UpdateLastModified()
	if m.IsDirectory() && parentMeta.Nlink > 0 {
		parentMeta.Nlink--
	}

	if err := h.putToStorage(ctx, parent); err != nil {
		parent.Listing.AddChild(m)
		return meta.MetaData{}, err
	}
	h.touchParentMeta(ctx, grandparent, parentMeta)
	return m, nil
}

// RenameElement moves the entry at oldPath to newPath, updating m (the
// entry's record) in place. A displaced target's allocated size is returned
// as reclaimed space and its storage is released.
func (h *Handler) RenameElement(ctx context.Context, oldPath, newPath string, m *meta.MetaData) (reclaimed int64, err error) {
	oldClean, newClean := CleanPath(oldPath), CleanPath(newPath)
	if oldClean == "" || newClean == "" || m == nil {
		return 0, xerrors.E(xerrors.KindInvalid, "rename", oldPath)
	}
	if oldClean == newClean {
		return 0, nil
	}
	if meta.ExcludedName(BaseName(newPath)) {
		return 0, xerrors.E(xerrors.KindInvalid, "rename", newPath)
	}
	if !h.CanRename(oldPath, newPath) {
		return 0, xerrors.E(xerrors.KindPermission, "rename", oldPath)
	}
	if ParentPath(oldClean) == ParentPath(newClean) {
		return h.renameSameParent(ctx, oldClean, newClean, m)
	}
	return h.renameDifferentParent(ctx, oldClean, newClean, m)
}

func (h *Handler) renameSameParent(ctx context.Context, oldPath, newPath string, m *meta.MetaData) (reclaimed int64, err error) {
	grandparent, parent, parentMeta, err := h.getParentAndGrandparent(ctx, oldPath)
	if err != nil {
		return 0, err
	}

	oldWrite, oldChange := m.LastWriteTime, m.ChangeTime
	restore := func() { m.LastWriteTime, m.ChangeTime = oldWrite, oldChange }
	m.UpdateLastModified()

	newName := BaseName(newPath)
	sameEntry := strings.EqualFold(newName, m.Name)
	if !sameEntry && parent.Listing.HasChild(newName) {
		target, err := parent.Listing.GetChild(newName)
		if err != nil {
			restore()
			return 0, xerrors.Wrap(xerrors.KindNotFound, "rename", newPath, err)
		}
		if !h.renameTargetCanBeRemoved(ctx, parent.Listing.DirectoryID(), target) {
			restore()
			return 0, xerrors.E(xerrors.KindPermission, "rename", newPath)
		}
		parent.Listing.RemoveChild(target)
		reclaimed = int64(target.AllocatedSize())
		h.releaseDisplaced(ctx, parent.Listing.DirectoryID(), target)
	}
	parent.Listing.RemoveChild(*m)
	m.Name = newName
	if err := parent.Listing.AddChild(*m); err != nil {
		restore()
		return 0, xerrors.Wrap(xerrors.KindInvalid, "rename", newPath, err)
	}

	parentMeta.LastWriteTime = m.LastWriteTime
	parentMeta.ChangeTime = m.LastWriteTime
	if err := h.putToStorage(ctx, parent); err != nil {
		restore()
		return 0, err
	}
	h.touchParentMeta(ctx, grandparent, parentMeta)
	return reclaimed, nil
}

func (h *Handler) renameDifferentParent(ctx context.Context, oldPath, newPath string, m *meta.MetaData) (reclaimed int64, err error) {
	oldGrandparent, oldParent, oldParentMeta, err := h.getParentAndGrandparent(ctx, oldPath)
	if err != nil {
		return 0, err
	}
	newGrandparent, newParent, newParentMeta, err := h.getParentAndGrandparent(ctx, newPath)
	if err != nil {
		return 0, err
	}

	oldWrite, oldChange := m.LastWriteTime, m.ChangeTime
	restore := func() { m.LastWriteTime, m.ChangeTime = oldWrite, oldChange }

	newName := BaseName(newPath)
	if newParent.Listing.HasChild(newName) {
		target, err := newParent.Listing.GetChild(newName)
		if err != nil {
			return 0, xerrors.Wrap(xerrors.KindNotFound, "rename", newPath, err)
		}
		if !h.renameTargetCanBeRemoved(ctx, newParent.Listing.DirectoryID(), target) {
			return 0, xerrors.E(xerrors.KindPermission, "rename", newPath)
		}
	}
	m.UpdateLastModified()

	// A moving directory is re-homed first: its node is re-stored under the
	// same DirectoryId with the new parent in the envelope's associated
	// data.
	if m.IsDirectory() {
		childID, err := m.Directory()
		if err != nil {
			restore()
			return 0, xerrors.Wrap(xerrors.KindParsing, "rename", oldPath, err)
		}
		moving, err := h.retrieveFromStorage(ctx, oldParent.Listing.DirectoryID(), childID)
		if err != nil {
			restore()
			return 0, err
		}
		if err := h.deleteStored(ctx, moving.ParentID, childID); err != nil {
			restore()
			return 0, err
		}
		moving.ParentID = newParent.Listing.DirectoryID()
		if err := h.putToStorage(ctx, moving); err != nil {
			restore()
			return 0, err
		}
	}

	oldParent.Listing.RemoveChild(*m)

	if newParent.Listing.HasChild(newName) {
		target, err := newParent.Listing.GetChild(newName)
		if err != nil {
			restore()
			return 0, xerrors.Wrap(xerrors.KindNotFound, "rename", newPath, err)
		}
		newParent.Listing.RemoveChild(target)
		reclaimed = int64(target.AllocatedSize())
		h.releaseDisplaced(ctx, newParent.Listing.DirectoryID(), target)
	}
	m.Name = newName
	if err := newParent.Listing.AddChild(*m); err != nil {
		restore()
		return 0, xerrors.Wrap(xerrors.KindInvalid, "rename", newPath, err)
	}

	oldParentMeta.LastWriteTime = m.LastWriteTime
	oldParentMeta.ChangeTime = m.LastWriteTime
	if m.IsDirectory() {
		if oldParentMeta.Nlink > 0 {
			oldParentMeta.Nlink--
		}
		newParentMeta.Nlink++
		newParentMeta.LastWriteTime = oldParentMeta.LastWriteTime
		newParentMeta.ChangeTime = oldParentMeta.ChangeTime
	}

	if err := h.putToStorage(ctx, oldParent); err != nil {
		restore()
		return 0, err
	}
	if err := h.putToStorage(ctx, newParent); err != nil {
		restore()
		return 0, err
	}
	h.touchParentMeta(ctx, oldGrandparent, oldParentMeta)
	h.touchParentMeta(ctx, newGrandparent, newParentMeta)
	return reclaimed, nil
}

// renameTargetCanBeRemoved reports whether an existing entry may be
// displaced by a rename: any file can be, a directory only when empty.
func (h *Handler) renameTargetCanBeRemoved(ctx context.Context, parentID blob.Identity, target meta.MetaData) bool {
	if !target.IsDirectory() {
		return true
	}
	targetID, err := target.Directory()
	if err != nil {
		return false
	}
	dir, err := h.retrieveFromStorage(ctx, parentID, targetID)
	if err != nil {
		return false
	}
	return dir.Listing.Empty()
}

// releaseDisplaced frees the storage of an entry a rename displaced: chunk
// blobs for a file, the stored node for an (empty) directory. Failures are
// logged; the rename itself has already committed in memory.
func (h *Handler) releaseDisplaced(ctx context.Context, parentID blob.Identity, target meta.MetaData) {
	if target.IsDirectory() {
		childID, err := target.Directory()
		if err == nil {
			err = h.deleteStored(ctx, parentID, childID)
		}
		if err != nil {
			h.logf("tree: release displaced directory %q: %v", target.Name, err)
		}
		return
	}
	encryptor := selfenc.NewSelfEncryptor(target.DataMap, h.store)
	if err := encryptor.DeleteAllChunks(ctx); err != nil {
		h.logf("tree: release displaced file %q: %v", target.Name, err)
	}
}

// UpdateParentDirectoryListing replaces m's record (matched by name) in the
// directory at parentRelPath and persists it.
func (h *Handler) UpdateParentDirectoryListing(ctx context.Context, parentRelPath string, m meta.MetaData) error {
	parent, err := h.GetFromPath(ctx, parentRelPath)
	if err != nil {
		return err
	}
	if err := parent.Listing.UpdateChild(m); err != nil {
		return xerrors.Wrap(xerrors.KindNotFound, "update", parentRelPath, err)
	}
	return h.putToStorage(ctx, parent)
}

// Protected slots: the root-parent ("") and the single root child ("/")
// can never be added, deleted or renamed. Everything below is writeable.

// CanAdd reports whether relPath may gain an entry.
func (h *Handler) CanAdd(relPath string) bool { return Depth(relPath) >= 2 }

// CanDelete reports whether the entry at relPath may be removed.
func (h *Handler) CanDelete(relPath string) bool { return Depth(relPath) >= 2 }

// CanRename reports whether the entry may move between the two paths.
func (h *Handler) CanRename(oldPath, newPath string) bool {
	return Depth(oldPath) >= 2 && Depth(newPath) >= 2
}
