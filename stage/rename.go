package stage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	mdaerrors "github.com/infodancer/mda/errors"
)

// maxNameAttempts bounds retries when a generated name already exists.
const maxNameAttempts = 16

// Namer returns a fresh, collision-resistant file name.
type Namer func() string

// Rename is a message staged in a temporary file, published by link or rename.
type Rename struct {
	tmpDir   string
	finalDir string
	namer    Namer
	opts     Options

	name    string
	tmpPath string
	file    *os.File
	written int64

	final     string
	committed bool
	done      bool
}

// NewRename creates a temporary file in tmpDir. tmpDir and finalDir must be
// on the same filesystem.
func NewRename(tmpDir, finalDir string, namer Namer, opts Options) (*Rename, error) {
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		name := namer()
		tmpPath := filepath.Join(tmpDir, name)
		f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, opts.perm())
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			return nil, mdaerrors.Filesystem("create temp", tmpPath, err)
		}
		return &Rename{
			tmpDir:   tmpDir,
			finalDir: finalDir,
			namer:    namer,
			opts:     opts,
			name:     name,
			tmpPath:  tmpPath,
			file:     f,
		}, nil
	}
	return nil, mdaerrors.Filesystem("create temp", tmpDir, fs.ErrExist)
}

// TempPath returns the path of the staged temporary file.
func (r *Rename) TempPath() string {
	return r.tmpPath
}

// Size returns the number of bytes written so far.
func (r *Rename) Size() int64 {
	return r.written
}

// Write appends p to the temporary file.
func (r *Rename) Write(p []byte) (int, error) {
	if r.file == nil {
		return 0, mdaerrors.Filesystem("write", r.tmpPath, os.ErrClosed)
	}
	n, err := r.file.Write(p)
	r.written += int64(n)
	if err != nil {
		return n, mdaerrors.Filesystem("write", r.tmpPath, err)
	}
	return n, nil
}

// Commit fsyncs the temporary file, publishes it in the final directory and
// fsyncs the directories if configured. It returns the final path. On
// failure the staged write is aborted and nothing is left in finalDir.
func (r *Rename) Commit() (string, error) {
	if r.committed {
		return r.final, nil
	}
	if r.file == nil {
		return "", mdaerrors.Filesystem("commit", r.tmpPath, os.ErrClosed)
	}

	if err := r.file.Sync(); err != nil {
		_ = r.Abort()
		return "", mdaerrors.New(mdaerrors.ErrFsyncFailed, "fsync", r.tmpPath, err)
	}
	err := r.file.Close()
	r.file = nil
	if err != nil {
		_ = r.Abort()
		return "", mdaerrors.Filesystem("close", r.tmpPath, err)
	}

	final, err := r.publish()
	if err != nil {
		_ = r.Abort()
		return "", err
	}

	if r.opts.FsyncDirectory {
		if err := SyncDir(r.finalDir); err != nil {
			_ = os.Remove(final)
			_ = r.Abort()
			return "", mdaerrors.New(mdaerrors.ErrFsyncFailed, "fsync dir", r.finalDir, err)
		}
		if r.tmpDir != r.finalDir {
			// Only the removal of the temp entry rides on this; debris in
			// tmp is harmless.
			_ = SyncDir(r.tmpDir)
		}
	}

	r.final = final
	r.committed = true
	return final, nil
}

// publish makes the temporary file visible under finalDir without ever
// replacing an existing entry.
func (r *Rename) publish() (string, error) {
	name := r.name
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		final := filepath.Join(r.finalDir, name)

		err := os.Link(r.tmpPath, final)
		switch {
		case err == nil:
			_ = os.Remove(r.tmpPath)
			return final, nil
		case os.IsExist(err):
			name = r.namer()
			continue
		case linkUnsupported(err):
			if _, statErr := os.Lstat(final); statErr == nil {
				name = r.namer()
				continue
			}
			if err := os.Rename(r.tmpPath, final); err != nil {
				return "", mdaerrors.Filesystem("rename", final, err)
			}
			return final, nil
		default:
			return "", mdaerrors.Filesystem("link", final, err)
		}
	}
	return "", mdaerrors.Filesystem("link", r.finalDir, fs.ErrExist)
}

// linkUnsupported reports link(2) errors that mean the filesystem cannot
// hard-link at all.
func linkUnsupported(err error) bool {
	return errors.Is(err, syscall.EPERM) ||
		errors.Is(err, syscall.ENOTSUP) ||
		errors.Is(err, syscall.EOPNOTSUPP) ||
		errors.Is(err, syscall.ENOSYS)
}

// Abort removes the temporary file. It is idempotent and leaves a committed
// file in place.
func (r *Rename) Abort() error {
	if r.done {
		return nil
	}
	r.done = true

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
	if r.committed {
		return nil
	}
	if err := os.Remove(r.tmpPath); err != nil && !os.IsNotExist(err) {
		return mdaerrors.Filesystem("remove temp", r.tmpPath, err)
	}
	return nil
}

// Link publishes an existing file under a fresh name in finalDir with a hard
// link, so one message can appear in several mailboxes on the same
// filesystem. It never replaces an existing entry and never falls back to
// copying; callers write a new copy when it fails.
func Link(src, finalDir string, namer Namer, opts Options) (string, error) {
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		final := filepath.Join(finalDir, namer())
		err := os.Link(src, final)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", mdaerrors.Filesystem("link", final, err)
		}
		if opts.FsyncDirectory {
			if err := SyncDir(finalDir); err != nil {
				_ = os.Remove(final)
				return "", mdaerrors.New(mdaerrors.ErrFsyncFailed, "fsync dir", finalDir, err)
			}
		}
		return final, nil
	}
	return "", mdaerrors.Filesystem("link", finalDir, fs.ErrExist)
}
