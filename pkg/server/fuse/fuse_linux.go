//go:build linux

package fuse

import (
	"context"
	"fmt"
	"hash/fnv"
	stdpath "path"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/vaultfs/vaultfs/pkg/drive"
	"github.com/vaultfs/vaultfs/pkg/meta"
	"github.com/vaultfs/vaultfs/pkg/tree"
	"github.com/vaultfs/vaultfs/pkg/xerrors"
)

const (
	attrTimeout  = 2 * time.Second
	entryTimeout = 2 * time.Second
)

// Mount exposes d at mountpoint and blocks until unmount or ctx
// cancellation.
func Mount(ctx context.Context, d *drive.Drive, mountpoint string) error {
	if d == nil {
		return fmt.Errorf("fuse: nil drive")
	}
	root := newDirNode(d, "/")
	server, err := gofuse.Mount(mountpoint, root, &gofuse.Options{
		MountOptions: fuse.MountOptions{
			FsName: "vaultfs",
			Name:   "vaultfs",
		},
	})
	if err != nil {
		return err
	}
	d.SetMountState(true)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = server.Unmount()
		case <-done:
		}
	}()
	server.Wait()
	close(done)
	d.Unmount()
	if err := ctx.Err(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// dirNode represents a directory inode in FUSE space.
type dirNode struct {
	gofuse.Inode
	back *drive.Drive
	path string
}

var (
	_ gofuse.NodeLookuper  = (*dirNode)(nil)
	_ gofuse.NodeReaddirer = (*dirNode)(nil)
	_ gofuse.NodeMkdirer   = (*dirNode)(nil)
	_ gofuse.NodeCreater   = (*dirNode)(nil)
	_ gofuse.NodeUnlinker  = (*dirNode)(nil)
	_ gofuse.NodeRmdirer   = (*dirNode)(nil)
	_ gofuse.NodeRenamer   = (*dirNode)(nil)
	_ gofuse.NodeGetattrer = (*dirNode)(nil)
)

func newDirNode(back *drive.Drive, p string) *dirNode {
	return &dirNode{back: back, path: tree.CleanPath(p)}
}

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	childPath := joinPath(d.path, name)
	m, _, _, err := d.back.GetMetaData(ctx, childPath)
	if err != nil {
		return nil, errnoForError(err)
	}
	attr := metaAttr(m, childPath)
	fillEntry(out, attr)
	if m.IsDirectory() {
		return d.NewInode(ctx, newDirNode(d.back, childPath), stableAttr(childPath, fuse.S_IFDIR)), 0
	}
	if m.LinkTo != "" {
		return d.NewInode(ctx, &symlinkNode{target: m.LinkTo, path: childPath}, stableAttr(childPath, fuse.S_IFLNK)), 0
	}
	return d.NewInode(ctx, newFileNode(d.back, childPath), stableAttr(childPath, fuse.S_IFREG)), 0
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	entries, err := d.back.ListDirectory(ctx, d.path)
	if err != nil {
		return nil, errnoForError(err)
	}
	dirEntries := make([]fuse.DirEntry, 0, len(entries)+2)
	dirEntries = append(dirEntries, fuse.DirEntry{Name: ".", Mode: fuse.S_IFDIR, Ino: inodeForPath(d.path)})
	dirEntries = append(dirEntries, fuse.DirEntry{Name: "..", Mode: fuse.S_IFDIR, Ino: inodeForPath(fuseParent(d.path))})
	for i := range entries {
		childPath := joinPath(d.path, entries[i].Name)
		dirEntries = append(dirEntries, fuse.DirEntry{
			Name: entries[i].Name,
			Mode: entryMode(&entries[i]),
			Ino:  inodeForPath(childPath),
		})
	}
	return gofuse.NewListDirStream(dirEntries), 0
}

func (d *dirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	childPath := joinPath(d.path, name)
	m, err := d.back.MakeDirectory(ctx, childPath)
	if err != nil {
		return nil, errnoForError(err)
	}
	fillEntry(out, metaAttr(m, childPath))
	return d.NewInode(ctx, newDirNode(d.back, childPath), stableAttr(childPath, fuse.S_IFDIR)), 0
}

func (d *dirNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	childPath := joinPath(d.path, name)
	fc, err := d.back.CreateFile(ctx, childPath)
	if err != nil {
		return nil, nil, 0, errnoForError(err)
	}
	fillEntry(out, metaAttr(fc.Meta, childPath))
	node := d.NewInode(ctx, newFileNode(d.back, childPath), stableAttr(childPath, fuse.S_IFREG))
	return node, &fileHandle{fc: fc}, 0, 0
}

func (d *dirNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return errnoForError(d.back.RemoveFile(ctx, joinPath(d.path, name)))
}

func (d *dirNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	childPath := joinPath(d.path, name)
	entries, err := d.back.ListDirectory(ctx, childPath)
	if err != nil {
		return errnoForError(err)
	}
	hidden, err := d.back.SearchHiddenFiles(ctx, childPath)
	if err != nil {
		return errnoForError(err)
	}
	if len(entries)+len(hidden) > 0 {
		return syscall.ENOTEMPTY
	}
	return errnoForError(d.back.RemoveFile(ctx, childPath))
}

func (d *dirNode) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	target, ok := newParent.(*dirNode)
	if !ok {
		return syscall.ENOTSUP
	}
	oldPath := joinPath(d.path, name)
	newPath := joinPath(target.path, newName)
	m, _, _, err := d.back.GetMetaData(ctx, oldPath)
	if err != nil {
		return errnoForError(err)
	}
	if _, err := d.back.RenameFile(ctx, oldPath, newPath, &m); err != nil {
		return errnoForError(err)
	}
	return 0
}

func (d *dirNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if d.path == "/" {
		fillAttrOut(out, fuse.Attr{
			Ino:   inodeForPath("/"),
			Mode:  fuse.S_IFDIR | 0o755,
			Nlink: 2,
		})
		return 0
	}
	m, _, _, err := d.back.GetMetaData(ctx, d.path)
	if err != nil {
		return errnoForError(err)
	}
	fillAttrOut(out, metaAttr(m, d.path))
	return 0
}

// fileNode exposes file semantics; open handles wrap a FileContext.
type fileNode struct {
	gofuse.Inode
	back *drive.Drive
	path string
}

var (
	_ gofuse.NodeOpener    = (*fileNode)(nil)
	_ gofuse.NodeGetattrer = (*fileNode)(nil)
	_ gofuse.NodeSetattrer = (*fileNode)(nil)
)

func newFileNode(back *drive.Drive, p string) *fileNode {
	return &fileNode{back: back, path: tree.CleanPath(p)}
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	fc, err := f.back.OpenFile(ctx, f.path)
	if err != nil {
		return nil, 0, errnoForError(err)
	}
	if flags&uint32(syscall.O_TRUNC) != 0 {
		if err := fc.Truncate(ctx, 0); err != nil {
			fc.Close(ctx)
			return nil, 0, errnoForError(err)
		}
	}
	return &fileHandle{fc: fc}, 0, 0
}

func (f *fileNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if handle, ok := fh.(*fileHandle); ok {
		fillAttrOut(out, metaAttr(handle.fc.Meta, f.path))
		return 0
	}
	m, _, _, err := f.back.GetMetaData(ctx, f.path)
	if err != nil {
		return errnoForError(err)
	}
	fillAttrOut(out, metaAttr(m, f.path))
	return 0
}

func (f *fileNode) Setattr(ctx context.Context, fh gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if handle, hok := fh.(*fileHandle); hok {
			if err := handle.fc.Truncate(ctx, size); err != nil {
				return errnoForError(err)
			}
		} else {
			fc, err := f.back.OpenFile(ctx, f.path)
			if err != nil {
				return errnoForError(err)
			}
			if err := fc.Truncate(ctx, size); err != nil {
				fc.Close(ctx)
				return errnoForError(err)
			}
			if err := fc.Close(ctx); err != nil {
				return errnoForError(err)
			}
		}
	}
	return f.Getattr(ctx, fh, out)
}

// fileHandle adapts a FileContext to the FUSE handle interfaces.
type fileHandle struct {
	fc *drive.FileContext
}

var (
	_ gofuse.FileReader   = (*fileHandle)(nil)
	_ gofuse.FileWriter   = (*fileHandle)(nil)
	_ gofuse.FileFlusher  = (*fileHandle)(nil)
	_ gofuse.FileReleaser = (*fileHandle)(nil)
)

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.fc.Read(ctx, dest, off)
	if err != nil {
		return nil, errnoForError(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.fc.Write(ctx, data, off)
	if err != nil {
		return uint32(n), errnoForError(err)
	}
	return uint32(n), 0
}

func (h *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return errnoForError(h.fc.Flush(ctx))
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	return errnoForError(h.fc.Close(ctx))
}

// symlinkNode implements readlink + getattr for symbolic links.
type symlinkNode struct {
	gofuse.Inode
	path   string
	target string
}

var (
	_ gofuse.NodeReadlinker = (*symlinkNode)(nil)
	_ gofuse.NodeGetattrer  = (*symlinkNode)(nil)
)

func (l *symlinkNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	return []byte(l.target), 0
}

func (l *symlinkNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillAttrOut(out, fuse.Attr{
		Ino:  inodeForPath(l.path),
		Mode: fuse.S_IFLNK | 0o777,
		Size: uint64(len(l.target)),
	})
	return 0
}

// Helper functions.

func joinPath(base, name string) string {
	if base == "/" {
		return tree.CleanPath("/" + name)
	}
	return tree.CleanPath(stdpath.Join(base, name))
}

func fuseParent(p string) string {
	if p == "/" {
		return "/"
	}
	parent := stdpath.Dir(p)
	if parent == "" {
		return "/"
	}
	return tree.CleanPath(parent)
}

func entryMode(m *meta.MetaData) uint32 {
	switch {
	case m.IsDirectory():
		return fuse.S_IFDIR
	case m.LinkTo != "":
		return fuse.S_IFLNK
	default:
		return fuse.S_IFREG
	}
}

func metaAttr(m meta.MetaData, p string) fuse.Attr {
	mode := m.Mode & 0o777
	typ := entryMode(&m)
	if mode == 0 {
		if typ == fuse.S_IFDIR {
			mode = 0o755
		} else {
			mode = 0o644
		}
	}
	attr := fuse.Attr{
		Ino:     inodeForPath(p),
		Mode:    typ | mode,
		Size:    m.EndOfFile,
		Blocks:  m.Blocks,
		Blksize: m.BlockSize,
		Nlink:   m.Nlink,
		Owner:   fuse.Owner{Uid: m.UID, Gid: m.GID},
	}
	if !m.LastWriteTime.IsZero() {
		attr.Mtime = uint64(m.LastWriteTime.Unix())
		attr.Mtimensec = uint32(m.LastWriteTime.Nanosecond())
	}
	if !m.ChangeTime.IsZero() {
		attr.Ctime = uint64(m.ChangeTime.Unix())
		attr.Ctimensec = uint32(m.ChangeTime.Nanosecond())
	}
	if !m.LastAccessTime.IsZero() {
		attr.Atime = uint64(m.LastAccessTime.Unix())
		attr.Atimensec = uint32(m.LastAccessTime.Nanosecond())
	}
	return attr
}

func fillEntry(out *fuse.EntryOut, attr fuse.Attr) {
	out.NodeId = attr.Ino
	out.Attr = attr
	out.SetEntryTimeout(entryTimeout)
	out.SetAttrTimeout(attrTimeout)
}

func fillAttrOut(out *fuse.AttrOut, attr fuse.Attr) {
	out.Attr = attr
	out.SetTimeout(attrTimeout)
}

func stableAttr(p string, typ uint32) gofuse.StableAttr {
	return gofuse.StableAttr{Mode: typ, Ino: inodeForPath(p)}
}

func inodeForPath(p string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(p))
	ino := h.Sum64()
	if ino == 0 {
		return 1
	}
	return ino
}

// errnoForError maps the error taxonomy onto OS error codes.
func errnoForError(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		return syscall.ENOENT
	case xerrors.KindAlreadyExists:
		return syscall.EEXIST
	case xerrors.KindPermission:
		return syscall.EACCES
	case xerrors.KindInvalid:
		return syscall.EINVAL
	case xerrors.KindParsing, xerrors.KindDecryption:
		return syscall.EIO
	case xerrors.KindStaleHandle:
		return syscall.ESTALE
	default:
		return syscall.EIO
	}
}
