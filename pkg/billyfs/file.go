package billyfs

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/vaultfs/vaultfs/pkg/drive"
	"github.com/vaultfs/vaultfs/pkg/meta"
)

type file struct {
	mu     sync.Mutex
	ctx    context.Context
	fc     *drive.FileContext
	path   string
	flag   int
	offset int64
	closed bool
}

func newFile(ctx context.Context, fc *drive.FileContext, path string, flag int, offset int64) *file {
	return &file{ctx: ctx, fc: fc, path: path, flag: flag, offset: offset}
}

func (f *file) Name() string { return f.path }

func (f *file) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	n, err := f.fc.Read(f.ctx, p, f.offset)
	f.offset += int64(n)
	if err != nil {
		return n, err
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	n, err := f.fc.Read(f.ctx, p, off)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *file) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	if f.flag&os.O_WRONLY == 0 && f.flag&os.O_RDWR == 0 {
		return 0, os.ErrPermission
	}
	n, err := f.fc.Write(f.ctx, p, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = f.offset + offset
	case io.SeekEnd:
		next = int64(f.fc.Size()) + offset
	default:
		return 0, os.ErrInvalid
	}
	if next < 0 {
		return f.offset, os.ErrInvalid
	}
	f.offset = next
	return f.offset, nil
}

func (f *file) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	return f.fc.Truncate(f.ctx, uint64(size))
}

func (f *file) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.fc.Close(f.ctx)
}

func (f *file) Lock() error   { return nil }
func (f *file) Unlock() error { return nil }

type fileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	isDir   bool
	sys     any
}

func (e fileInfo) Name() string       { return e.name }
func (e fileInfo) Size() int64        { return e.size }
func (e fileInfo) Mode() os.FileMode  { return e.mode }
func (e fileInfo) ModTime() time.Time { return e.modTime }
func (e fileInfo) IsDir() bool        { return e.isDir }
func (e fileInfo) Sys() any           { return e.sys }

func dirInfo(name string, modTime time.Time) os.FileInfo {
	return fileInfo{name: name, mode: os.ModeDir | 0o755, modTime: modTime, isDir: true}
}

func metaToInfo(m meta.MetaData) os.FileInfo {
	switch {
	case m.IsDirectory():
		return fileInfo{
			name:    m.Name,
			mode:    os.ModeDir | 0o755,
			modTime: m.LastWriteTime,
			isDir:   true,
			sys:     m,
		}
	case m.LinkTo != "":
		return fileInfo{
			name:    m.Name,
			mode:    os.ModeSymlink | 0o777,
			modTime: m.LastWriteTime,
			sys:     m,
		}
	default:
		return fileInfo{
			name:    m.Name,
			size:    int64(m.EndOfFile),
			mode:    0o644,
			modTime: m.LastWriteTime,
			sys:     m,
		}
	}
}
