// Package mbox delivers messages to mbox files.
//
// Messages are appended under a dotlock plus flock(2), framed with a
// "From " separator line and mboxrd quoting so that a later reader can
// split the file unambiguously. The package registers the "mbox" format
// with mda on import.
package mbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/infodancer/mda"
	"github.com/infodancer/mda/errors"
	"github.com/infodancer/mda/lock"
	"github.com/infodancer/mda/stage"
)

// Writer appends messages to mbox files.
type Writer struct {
	locks  *lock.Manager
	opts   stage.Options
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Writer from cfg.
func New(cfg mda.Config) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Log().With(slog.String("format", string(mda.FormatMbox)))
	locks := lock.NewManager(lock.Config{
		Timeout:    cfg.LockTimeout,
		StaleAfter: cfg.StaleLockThreshold,
		Dotlock:    cfg.Dotlock,
		Suffix:     cfg.DotlockSuffix,
		Perm:       cfg.FileMode,
		MinBackoff: cfg.LockMinBackoff,
		MaxBackoff: cfg.LockMaxBackoff,
		Logger:     logger,
	})
	return &Writer{
		locks:  locks,
		opts:   stage.Options{FsyncDirectory: cfg.FsyncDirectory, Perm: cfg.FileMode},
		logger: logger,
		now:    time.Now,
	}, nil
}

// Lock takes the mailbox dotlock and flock.
func (w *Writer) Lock(ctx context.Context, target mda.Target) (mda.Unlocker, error) {
	return w.locks.Acquire(ctx, target.Path)
}

// Stage opens the mbox file for a buffered append.
func (w *Writer) Stage(target mda.Target) (mda.Staged, error) {
	return stage.NewAppend(target.Path, w.opts)
}

// Place encodes payload as an mbox entry into staged, preceded by any
// newlines the existing file needs to end in a blank line.
func (w *Writer) Place(staged mda.Staged, env mda.Envelope, payload []byte) (int64, error) {
	a, ok := staged.(*stage.Append)
	if !ok {
		return 0, errors.New(errors.ErrInvalidTarget, "place", "", fmt.Errorf("mbox cannot write to %T", staged))
	}

	tail, err := a.Tail(2)
	if err != nil {
		return 0, err
	}
	var n int64
	if pad := padding(tail); pad != "" {
		w.logger.Debug("padding mailbox before append", slog.Int("newlines", len(pad)))
		k, err := a.Write([]byte(pad))
		n += int64(k)
		if err != nil {
			return n, err
		}
	}

	received := env.ReceivedTime
	if received.IsZero() {
		received = w.now()
	}
	k, err := Encode(a, env.From, received, payload)
	return n + k, err
}
