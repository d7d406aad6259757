// Package stage makes mailbox writes all-or-nothing.
//
// Two strategies are provided:
//
//   - Rename stages the message in a temporary file inside the mailbox's own
//     tmp directory, fsyncs it and publishes it with a hard link (or rename
//     where links are unsupported) into the final directory.
//   - Append buffers the complete encoded message in memory and writes it to
//     an already-open O_APPEND descriptor in one go at commit time. A failed
//     write or fsync truncates the file back to its previous length.
//
// Abort is idempotent on both and safe to call after Commit.
package stage

import (
	"errors"
	"os"
	"syscall"
)

// Options controls durability and permissions of staged files.
type Options struct {
	// FsyncDirectory also fsyncs the containing directory on commit, making
	// the new directory entry durable.
	FsyncDirectory bool

	// Perm is used for newly created files (default 0600).
	Perm os.FileMode
}

func (o Options) perm() os.FileMode {
	if o.Perm == 0 {
		return 0600
	}
	return o.Perm
}

// SyncDir fsyncs a directory. Filesystems that do not support fsync on
// directories are tolerated.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	if closeErr := d.Close(); err == nil {
		err = closeErr
	}
	if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTSUP) {
		return nil
	}
	return err
}
