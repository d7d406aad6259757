package main

import (
	"errors"
	"syscall"

	mdaerrors "github.com/infodancer/mda/errors"
)

// Exit codes from sysexits.h, as understood by MTAs invoking an MDA.
const (
	exitOK          = 0
	exitUsage       = 64 // EX_USAGE
	exitDataErr     = 65 // EX_DATAERR
	exitUnavailable = 69 // EX_UNAVAILABLE
	exitSoftware    = 70 // EX_SOFTWARE
	exitCantCreate  = 73 // EX_CANTCREAT
	exitIOErr       = 74 // EX_IOERR
	exitTempFail    = 75 // EX_TEMPFAIL
	exitConfig      = 78 // EX_CONFIG
)

// ErrorWithExitCode carries the process exit code for an error.
type ErrorWithExitCode struct {
	Err  error
	Code int
}

func (e *ErrorWithExitCode) Error() string {
	return e.Err.Error()
}

func (e *ErrorWithExitCode) Unwrap() error {
	return e.Err
}

func usageError(err error) error {
	return &ErrorWithExitCode{Err: err, Code: exitUsage}
}

// exitCode maps a delivery error to a sysexits code. Temporary conditions
// take precedence so that a partly failed multi-target delivery is retried.
func exitCode(err error) int {
	var coded *ErrorWithExitCode
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &coded):
		return coded.Code
	case mdaerrors.Temporary(err),
		errors.Is(err, syscall.ENOSPC),
		errors.Is(err, syscall.EDQUOT):
		return exitTempFail
	case errors.Is(err, mdaerrors.ErrTruncatedMessage):
		return exitDataErr
	case errors.Is(err, mdaerrors.ErrMessageTooLarge):
		return exitUnavailable
	case errors.Is(err, mdaerrors.ErrInvalidTarget),
		errors.Is(err, mdaerrors.ErrInvalidConfig),
		errors.Is(err, mdaerrors.ErrFormatNotRegistered):
		return exitUsage
	case errors.Is(err, syscall.ENOENT),
		errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EPERM),
		errors.Is(err, syscall.ENOTDIR),
		errors.Is(err, syscall.ELOOP):
		return exitCantCreate
	case errors.Is(err, mdaerrors.ErrKeyNotFound):
		return exitConfig
	case errors.Is(err, mdaerrors.ErrFsyncFailed), errors.Is(err, mdaerrors.ErrFilesystem):
		return exitIOErr
	}
	return exitSoftware
}
