// Package lock serializes writers of single-file mailboxes.
//
// A lock combines a companion dotlock file (<mailbox><suffix>, created with
// O_EXCL) with an advisory flock(2) on the mailbox itself, so that tools
// honouring either mechanism stay out of the way. The dotlock is taken
// first, then the flock; both share one deadline. Acquisition retries with
// exponential backoff and never blocks past the configured timeout.
//
// A dotlock older than the staleness threshold is treated as abandoned, but
// it is only removed while holding a probe flock on the mailbox and after
// re-checking that the file did not change underneath us.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	mdaerrors "github.com/infodancer/mda/errors"
)

// Default settings.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultStaleAfter = 5 * time.Minute
	DefaultSuffix     = ".lock"
	DefaultMinBackoff = 50 * time.Millisecond
	DefaultMaxBackoff = 2 * time.Second
)

// Config configures a Manager.
type Config struct {
	// Timeout bounds the whole acquisition (dotlock and flock together).
	Timeout time.Duration

	// StaleAfter is the dotlock age after which it is considered abandoned.
	StaleAfter time.Duration

	// Dotlock enables the companion dotlock file.
	Dotlock bool

	// Suffix is appended to the mailbox path to name the dotlock.
	Suffix string

	// Perm is used when the mailbox file has to be created.
	Perm os.FileMode

	// MinBackoff and MaxBackoff bound the delay between attempts.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// Logger receives lock diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with dotlocking enabled.
func DefaultConfig() Config {
	return Config{
		Timeout:    DefaultTimeout,
		StaleAfter: DefaultStaleAfter,
		Dotlock:    true,
		Suffix:     DefaultSuffix,
		Perm:       0600,
		MinBackoff: DefaultMinBackoff,
		MaxBackoff: DefaultMaxBackoff,
	}
}

// Manager acquires mailbox locks.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a Manager. Zero-valued fields fall back to defaults,
// except Timeout and Dotlock which are taken as given.
func NewManager(cfg Config) *Manager {
	if cfg.Suffix == "" {
		cfg.Suffix = DefaultSuffix
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Perm == 0 {
		cfg.Perm = 0600
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger, now: time.Now}
}

// Config returns the effective settings after defaults were applied.
func (m *Manager) Config() Config {
	return m.cfg
}

// DotlockPath returns the dotlock file name used for mailbox.
func (m *Manager) DotlockPath(mailbox string) string {
	return mailbox + m.cfg.Suffix
}

// Handle is a held mailbox lock.
type Handle struct {
	mu     sync.Mutex
	dot    *dotlock
	file   *fileLock
	waited time.Duration
}

// Release drops the flock and removes the dotlock. It is idempotent and
// safe on a nil Handle.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	// Reverse acquisition order.
	err := h.file.unlock()
	h.file = nil
	if dotErr := h.dot.release(); err == nil {
		err = dotErr
	}
	h.dot = nil
	return err
}

// Waited returns how long acquisition took.
func (h *Handle) Waited() time.Duration {
	if h == nil {
		return 0
	}
	return h.waited
}

// Nop returns an already-acquired Handle that holds nothing. Used by
// formats that need no locking.
func Nop() *Handle {
	return &Handle{}
}

// errBusy reports a lock that is legitimately held; the caller waits.
var errBusy = errors.New("lock busy")

// Acquire locks mailbox for exclusive writing. It fails with
// errors.ErrLockTimeout once the timeout elapses, errors.ErrStaleLockRace if
// a stale dotlock could not be removed safely, or the context's error.
func (m *Manager) Acquire(ctx context.Context, mailbox string) (*Handle, error) {
	start := m.now()
	deadline := start.Add(m.cfg.Timeout)
	bo := &backoff.Backoff{
		Min:    m.cfg.MinBackoff,
		Max:    m.cfg.MaxBackoff,
		Factor: 2,
		Jitter: true,
	}

	h := &Handle{}

	if m.cfg.Dotlock {
		dotPath := m.DotlockPath(mailbox)
		err := m.poll(ctx, mailbox, deadline, bo, func() (bool, error) {
			dot, err := createDotlock(dotPath)
			if err != nil {
				return false, mdaerrors.Filesystem("dotlock", dotPath, err)
			}
			if dot != nil {
				h.dot = dot
				return true, nil
			}
			if err := m.breakStale(mailbox, dotPath); err != nil {
				if err == errBusy {
					return false, nil
				}
				return false, err
			}
			// Removed a stale lock; retry creation without sleeping.
			dot, err = createDotlock(dotPath)
			if err != nil {
				return false, mdaerrors.Filesystem("dotlock", dotPath, err)
			}
			if dot == nil {
				return false, nil
			}
			h.dot = dot
			return true, nil
		})
		if err != nil {
			return nil, err
		}
	}

	bo.Reset()
	err := m.poll(ctx, mailbox, deadline, bo, func() (bool, error) {
		fl, err := tryFlock(mailbox, m.cfg.Perm)
		if err != nil {
			return false, mdaerrors.Filesystem("flock", mailbox, err)
		}
		if fl == nil {
			return false, nil
		}
		h.file = fl
		return true, nil
	})
	if err != nil {
		_ = h.Release()
		return nil, err
	}

	h.waited = m.now().Sub(start)
	m.logger.Debug("mailbox locked",
		slog.String("mailbox", mailbox),
		slog.Bool("dotlock", h.dot != nil),
		slog.Duration("waited", h.waited))
	return h, nil
}

// poll calls try until it succeeds, fails, the deadline passes or ctx ends.
func (m *Manager) poll(ctx context.Context, mailbox string, deadline time.Time, bo *backoff.Backoff, try func() (bool, error)) error {
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		remaining := deadline.Sub(m.now())
		if remaining <= 0 {
			return mdaerrors.New(mdaerrors.ErrLockTimeout, "lock", mailbox, nil)
		}
		wait := bo.Duration()
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("lock %s: %w", mailbox, ctx.Err())
		case <-timer.C:
		}
	}
}

// breakStale removes the dotlock at dotPath if it is older than the
// staleness threshold and no process holds the mailbox flock. It returns
// errBusy if the lock is fresh, nil if the lock is gone (removed or vanished).
func (m *Manager) breakStale(mailbox, dotPath string) error {
	info, err := os.Lstat(dotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return mdaerrors.Filesystem("stat dotlock", dotPath, err)
	}

	age := m.now().Sub(info.ModTime())
	if age <= m.cfg.StaleAfter {
		return errBusy
	}

	probe, err := tryFlock(mailbox, m.cfg.Perm)
	if err != nil {
		return mdaerrors.Filesystem("flock", mailbox, err)
	}
	if probe == nil {
		// Someone is working on the mailbox; the dotlock is not abandoned.
		return mdaerrors.New(mdaerrors.ErrStaleLockRace, "stale dotlock", dotPath, nil)
	}
	defer func() { _ = probe.unlock() }()

	again, err := os.Lstat(dotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return mdaerrors.Filesystem("stat dotlock", dotPath, err)
	}
	if !os.SameFile(info, again) || !again.ModTime().Equal(info.ModTime()) {
		return mdaerrors.New(mdaerrors.ErrStaleLockRace, "stale dotlock", dotPath, nil)
	}

	if err := os.Remove(dotPath); err != nil && !os.IsNotExist(err) {
		return mdaerrors.Filesystem("remove stale dotlock", dotPath, err)
	}

	m.logger.Warn("removed stale dotlock",
		slog.String("dotlock", dotPath),
		slog.Duration("age", age))
	return nil
}
