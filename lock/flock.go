package lock

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fileLock holds an exclusive flock(2) on a mailbox file.
// flock locks belong to the open file description, so two opens of the same
// mailbox conflict even inside one process.
type fileLock struct {
	path string
	file *os.File
}

// tryFlock attempts a non-blocking exclusive flock on path, creating the
// file with perm if it does not exist. It returns (nil, nil) when the lock
// is held elsewhere. Symlinks are refused.
func tryFlock(path string, perm os.FileMode) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|unix.O_NOFOLLOW, perm)
	if err != nil {
		return nil, err
	}

	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, fmt.Errorf("flock: %w", err)
	}

	return &fileLock{path: path, file: f}, nil
}

// unlock releases the flock and closes the descriptor. Safe on nil.
func (fl *fileLock) unlock() error {
	if fl == nil || fl.file == nil {
		return nil
	}

	err := unix.Flock(int(fl.file.Fd()), unix.LOCK_UN)
	if closeErr := fl.file.Close(); err == nil {
		err = closeErr
	}
	fl.file = nil
	if err != nil {
		return fmt.Errorf("funlock: %w", err)
	}
	return nil
}
