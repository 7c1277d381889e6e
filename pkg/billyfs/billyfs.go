// Package billyfs exposes a Drive as a billy.Filesystem so it can be
// exported over NFS.
package billyfs

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path"
	"strings"
	"time"

	billy "github.com/go-git/go-billy/v5"

	"github.com/vaultfs/vaultfs/pkg/drive"
	"github.com/vaultfs/vaultfs/pkg/meta"
	"github.com/vaultfs/vaultfs/pkg/tree"
	"github.com/vaultfs/vaultfs/pkg/xerrors"
)

type filesystem struct {
	ctx  context.Context
	back *drive.Drive
	root string
}

// New wraps a drive. export names the subtree to expose ("/" for all).
func New(ctx context.Context, back *drive.Drive, export string) (billy.Filesystem, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if export == "" {
		export = "/"
	}
	export = cleanPath(export)
	fsys := &filesystem{ctx: ctx, back: back, root: export}
	if export != "/" {
		if m, _, _, err := back.GetMetaData(ctx, export); err != nil {
			return nil, translateErr(err)
		} else if !m.IsDirectory() {
			return nil, os.ErrInvalid
		}
	}
	return fsys, nil
}

func (f *filesystem) Create(filename string) (billy.File, error) {
	return f.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o666)
}

func (f *filesystem) Open(filename string) (billy.File, error) {
	return f.OpenFile(filename, os.O_RDONLY, 0)
}

func (f *filesystem) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	full, err := f.resolve(filename)
	if err != nil {
		return nil, err
	}
	fc, err := f.back.OpenFile(f.ctx, full)
	switch {
	case err == nil:
		if flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0 {
			fc.Close(f.ctx)
			return nil, os.ErrExist
		}
	case xerrors.Is(err, xerrors.KindNotFound):
		if flag&os.O_CREATE == 0 {
			return nil, os.ErrNotExist
		}
		fc, err = f.back.CreateFile(f.ctx, full)
		if err != nil {
			return nil, translateErr(err)
		}
	default:
		return nil, translateErr(err)
	}
	if flag&(os.O_RDWR|os.O_WRONLY) != 0 && flag&os.O_TRUNC != 0 {
		if err := fc.Truncate(f.ctx, 0); err != nil {
			fc.Close(f.ctx)
			return nil, translateErr(err)
		}
	}
	offset := int64(0)
	if flag&os.O_APPEND != 0 {
		offset = int64(fc.Size())
	}
	return newFile(f.ctx, fc, full, flag, offset), nil
}

func (f *filesystem) Stat(filename string) (os.FileInfo, error) {
	full, err := f.resolve(filename)
	if err != nil {
		return nil, err
	}
	if full == "/" {
		return dirInfo("/", time.Time{}), nil
	}
	m, _, _, err := f.back.GetMetaData(f.ctx, full)
	if err != nil {
		return nil, translateErr(err)
	}
	return metaToInfo(m), nil
}

func (f *filesystem) Lstat(filename string) (os.FileInfo, error) {
	return f.Stat(filename)
}

func (f *filesystem) Rename(oldpath, newpath string) error {
	oldFull, err := f.resolve(oldpath)
	if err != nil {
		return err
	}
	newFull, err := f.resolve(newpath)
	if err != nil {
		return err
	}
	m, _, _, err := f.back.GetMetaData(f.ctx, oldFull)
	if err != nil {
		return translateErr(err)
	}
	_, err = f.back.RenameFile(f.ctx, oldFull, newFull, &m)
	return translateErr(err)
}

func (f *filesystem) Remove(filename string) error {
	full, err := f.resolve(filename)
	if err != nil {
		return err
	}
	m, _, _, err := f.back.GetMetaData(f.ctx, full)
	if err != nil {
		return translateErr(err)
	}
	if m.IsDirectory() {
		entries, err := f.back.ListDirectory(f.ctx, full)
		if err != nil {
			return translateErr(err)
		}
		hidden, err := f.back.SearchHiddenFiles(f.ctx, full)
		if err != nil {
			return translateErr(err)
		}
		if len(entries)+len(hidden) > 0 {
			return fmt.Errorf("remove %s: directory not empty", filename)
		}
	}
	return translateErr(f.back.RemoveFile(f.ctx, full))
}

func (f *filesystem) ReadDir(p string) ([]os.FileInfo, error) {
	full, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	entries, err := f.back.ListDirectory(f.ctx, full)
	if err != nil {
		return nil, translateErr(err)
	}
	out := make([]os.FileInfo, 0, len(entries))
	for i := range entries {
		out = append(out, metaToInfo(entries[i]))
	}
	return out, nil
}

func (f *filesystem) MkdirAll(filename string, perm os.FileMode) error {
	full, err := f.resolve(filename)
	if err != nil {
		return err
	}
	if full == "/" {
		return nil
	}
	partial := ""
	for _, component := range strings.Split(strings.TrimPrefix(full, "/"), "/") {
		partial = partial + "/" + component
		m, _, _, err := f.back.GetMetaData(f.ctx, partial)
		switch {
		case err == nil:
			if !m.IsDirectory() {
				return os.ErrExist
			}
			continue
		case xerrors.Is(err, xerrors.KindNotFound):
			if _, err := f.back.MakeDirectory(f.ctx, partial); err != nil {
				return translateErr(err)
			}
		default:
			return translateErr(err)
		}
	}
	return nil
}

func (f *filesystem) Symlink(target, link string) error {
	full, err := f.resolve(link)
	if err != nil {
		return err
	}
	m := meta.New(tree.BaseName(full), false)
	m.LinkTo = target
	_, _, err = f.back.AddFile(f.ctx, full, m)
	return translateErr(err)
}

func (f *filesystem) Readlink(link string) (string, error) {
	full, err := f.resolve(link)
	if err != nil {
		return "", err
	}
	m, _, _, err := f.back.GetMetaData(f.ctx, full)
	if err != nil {
		return "", translateErr(err)
	}
	if m.LinkTo == "" {
		return "", os.ErrInvalid
	}
	return m.LinkTo, nil
}

func (f *filesystem) TempFile(dir, prefix string) (billy.File, error) {
	if dir == "" {
		dir = "/"
	}
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("%s%d", prefix, rand.Int())
		file, err := f.OpenFile(f.Join(dir, name), os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		return file, err
	}
	return nil, fmt.Errorf("tempfile: unable to allocate")
}

func (f *filesystem) Chroot(p string) (billy.Filesystem, error) {
	full, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	return New(f.ctx, f.back, full)
}

func (f *filesystem) Root() string { return f.root }

func (f *filesystem) Join(elem ...string) string {
	res := path.Join(elem...)
	if res == "" {
		return "/"
	}
	return res
}

func (f *filesystem) resolve(p string) (string, error) {
	if p == "" {
		p = "."
	}
	clean := cleanPath(p)
	if f.root == "/" {
		return clean, nil
	}
	combined := path.Join(f.root, strings.TrimPrefix(clean, "/"))
	if !strings.HasPrefix(combined, f.root) {
		return "", os.ErrPermission
	}
	return combined, nil
}

func cleanPath(p string) string {
	res := path.Clean("/" + strings.TrimSpace(p))
	if res == "" {
		return "/"
	}
	return res
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		return os.ErrNotExist
	case xerrors.KindAlreadyExists:
		return os.ErrExist
	case xerrors.KindPermission:
		return os.ErrPermission
	case xerrors.KindInvalid:
		return os.ErrInvalid
	default:
		return err
	}
}
