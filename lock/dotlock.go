package lock

import (
	"fmt"
	"os"
)

// dotlock is a companion sentinel file created with exclusive-create
// semantics next to the mailbox.
type dotlock struct {
	path string
	info os.FileInfo // as created; used to recognise our own file on release
}

// createDotlock creates path exclusively and writes the holder pid into it.
// It returns (nil, nil) if the file already exists.
func createDotlock(path string) (*dotlock, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, nil
		}
		return nil, err
	}

	_, err = fmt.Fprintf(f, "%d\n", os.Getpid())
	info, statErr := f.Stat()
	if err == nil {
		err = statErr
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	return &dotlock{path: path, info: info}, nil
}

// release removes the dotlock if it is still the file this process created.
// A lock that was already removed, or replaced by someone else after being
// judged stale, is left alone.
func (d *dotlock) release() error {
	if d == nil || d.info == nil {
		return nil
	}
	defer func() { d.info = nil }()

	cur, err := os.Lstat(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !os.SameFile(cur, d.info) {
		return nil
	}

	if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
