package maildir

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/infodancer/mda"
	"github.com/infodancer/mda/errors"
	"github.com/infodancer/mda/lock"
	"github.com/infodancer/mda/stage"
)

// dirPerm is used for maildir directories created on demand.
const dirPerm = 0700

// Writer delivers messages into maildirs.
type Writer struct {
	opts   stage.Options
	logger *slog.Logger
	namer  stage.Namer
}

// New creates a Writer from cfg.
func New(cfg mda.Config) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Writer{
		opts:   stage.Options{FsyncDirectory: cfg.FsyncDirectory, Perm: cfg.FileMode},
		logger: cfg.Log().With(slog.String("format", string(mda.FormatMaildir))),
		namer:  generateFilename,
	}, nil
}

// Lock returns a no-op lock: unique names and atomic links make concurrent
// maildir deliveries safe without one.
func (w *Writer) Lock(ctx context.Context, target mda.Target) (mda.Unlocker, error) {
	return lock.Nop(), nil
}

// Stage creates the maildir if needed and opens a temporary file in tmp.
func (w *Writer) Stage(target mda.Target) (mda.Staged, error) {
	md, err := w.ensure(target)
	if err != nil {
		return nil, err
	}
	return stage.NewRename(md.TmpDir(), md.NewDir(), w.namer, w.opts)
}

// Place writes payload unmodified.
func (w *Writer) Place(staged mda.Staged, env mda.Envelope, payload []byte) (int64, error) {
	n, err := staged.Write(payload)
	return int64(n), err
}

// Link adds the already delivered file src to target's new directory
// without copying it. It fails if src is on another filesystem.
func (w *Writer) Link(src string, target mda.Target) (string, error) {
	md, err := w.ensure(target)
	if err != nil {
		return "", err
	}
	return stage.Link(src, md.NewDir(), w.namer, w.opts)
}

func (w *Writer) ensure(target mda.Target) (*Maildir, error) {
	md := Open(target.Path)
	if md.Exists() {
		return md, nil
	}
	if info, err := os.Lstat(target.Path); err == nil && !info.IsDir() {
		return nil, errors.New(errors.ErrInvalidTarget, "open maildir", target.Path, fmt.Errorf("not a directory"))
	}
	w.logger.Info("creating maildir", slog.String("mailbox", target.Path))
	if err := md.Create(dirPerm); err != nil {
		return nil, err
	}
	return md, nil
}

// Compile-time interface verification.
var (
	_ mda.Writer = (*Writer)(nil)
	_ mda.Linker = (*Writer)(nil)
)
