package stage

import (
	"bytes"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	mdaerrors "github.com/infodancer/mda/errors"
)

// Append is a message staged for appending to a single-file mailbox.
// Nothing reaches the file before Commit.
type Append struct {
	path string
	file *os.File
	orig int64
	buf  bytes.Buffer
	opts Options

	committed bool
	done      bool
}

// NewAppend opens path for appending, creating it if needed. Symlinks and
// non-regular files are refused.
func NewAppend(path string, opts Options) (*Append, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE|unix.O_NOFOLLOW, opts.perm())
	if err != nil {
		return nil, mdaerrors.Filesystem("open", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, mdaerrors.Filesystem("stat", path, err)
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, mdaerrors.New(mdaerrors.ErrInvalidTarget, "open", path, nil)
	}

	return &Append{path: path, file: f, orig: info.Size(), opts: opts}, nil
}

// Write buffers p for the commit.
func (a *Append) Write(p []byte) (int, error) {
	if a.file == nil {
		return 0, mdaerrors.Filesystem("write", a.path, os.ErrClosed)
	}
	return a.buf.Write(p)
}

// Len returns the number of buffered bytes.
func (a *Append) Len() int {
	return a.buf.Len()
}

// Tail returns up to n of the last bytes currently in the mailbox file.
func (a *Append) Tail(n int) ([]byte, error) {
	if a.file == nil {
		return nil, mdaerrors.Filesystem("read", a.path, os.ErrClosed)
	}
	info, err := a.file.Stat()
	if err != nil {
		return nil, mdaerrors.Filesystem("stat", a.path, err)
	}
	size := info.Size()
	if int64(n) > size {
		n = int(size)
	}
	tail := make([]byte, n)
	if _, err := a.file.ReadAt(tail, size-int64(n)); err != nil {
		return nil, mdaerrors.Filesystem("read", a.path, err)
	}
	return tail, nil
}

// Commit writes the buffered message, fsyncs the file and, if configured,
// its directory. A failure truncates the file back to its previous length.
func (a *Append) Commit() (string, error) {
	if a.committed {
		return a.path, nil
	}
	if a.file == nil {
		return "", mdaerrors.Filesystem("commit", a.path, os.ErrClosed)
	}

	info, err := a.file.Stat()
	if err != nil {
		return "", mdaerrors.Filesystem("stat", a.path, err)
	}
	a.orig = info.Size()

	if _, err := a.file.Write(a.buf.Bytes()); err != nil {
		a.rollback()
		return "", mdaerrors.Filesystem("append", a.path, err)
	}
	if err := a.file.Sync(); err != nil {
		a.rollback()
		return "", mdaerrors.New(mdaerrors.ErrFsyncFailed, "fsync", a.path, err)
	}
	if a.opts.FsyncDirectory {
		dir := filepath.Dir(a.path)
		if err := SyncDir(dir); err != nil {
			a.rollback()
			return "", mdaerrors.New(mdaerrors.ErrFsyncFailed, "fsync dir", dir, err)
		}
	}

	a.committed = true
	a.buf.Reset()
	return a.path, nil
}

// rollback restores the file to its length before the commit started.
func (a *Append) rollback() {
	_ = a.file.Truncate(a.orig)
	_ = a.file.Sync()
}

// Abort discards buffered data and closes the descriptor. It is idempotent;
// after a successful commit it only closes.
func (a *Append) Abort() error {
	if a.done {
		return nil
	}
	a.done = true
	a.buf.Reset()
	if a.file != nil {
		_ = a.file.Close()
		a.file = nil
	}
	return nil
}
