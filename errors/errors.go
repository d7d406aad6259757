// Package errors provides centralized error definitions for mda.
package errors

import (
	"errors"
	"fmt"
	"syscall"
)

// Lock errors.
var (
	// ErrLockTimeout indicates the mailbox lock could not be obtained in time.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrStaleLockRace indicates a stale dotlock changed or was in use while
	// being removed; removal was refused.
	ErrStaleLockRace = errors.New("stale lock removal race")
)

// Message errors.
var (
	// ErrTruncatedMessage indicates the declared message length does not
	// match the bytes actually read.
	ErrTruncatedMessage = errors.New("truncated message")

	// ErrMessageTooLarge indicates the message exceeds the configured size limit.
	ErrMessageTooLarge = errors.New("message too large")
)

// Filesystem errors.
var (
	// ErrFilesystem indicates a filesystem operation failed (disk full,
	// permission denied, missing path).
	ErrFilesystem = errors.New("filesystem error")

	// ErrFsyncFailed indicates data could not be made durable.
	ErrFsyncFailed = errors.New("fsync failed")
)

// Configuration errors.
var (
	// ErrInvalidTarget indicates the delivery target is malformed or unusable.
	ErrInvalidTarget = errors.New("invalid delivery target")

	// ErrFormatNotRegistered indicates no writer is registered for the target format.
	ErrFormatNotRegistered = errors.New("mailbox format not registered")

	// ErrInvalidConfig indicates a configuration value could not be parsed.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Encryption errors.
var (
	// ErrKeyNotFound indicates the mailbox owner has no public key.
	ErrKeyNotFound = errors.New("key not found")
)

// Error describes a failed delivery step. It unwraps to both its Kind
// sentinel and the underlying cause, so callers can match either.
type Error struct {
	// Kind is one of the sentinel errors above.
	Kind error

	// Op names the step that failed (e.g. "lock", "commit", "fsync").
	Op string

	// Path is the file or directory involved, if any.
	Path string

	// Err is the underlying cause, if any.
	Err error
}

// New returns an *Error of the given kind.
func New(kind error, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Filesystem wraps err as an ErrFilesystem error. A nil err returns nil.
func Filesystem(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return New(ErrFilesystem, op, path, err)
}

// Temporary reports whether err is worth retrying: lock contention and
// transient filesystem contention. Everything else is permanent.
func Temporary(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrLockTimeout), errors.Is(err, ErrStaleLockRace):
		return true
	case errors.Is(err, ErrFsyncFailed), errors.Is(err, ErrTruncatedMessage):
		return false
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EBUSY), errors.Is(err, syscall.EINTR):
		return true
	}
	return false
}
