package mda

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/infodancer/mda/errors"
)

// Format names a mailbox format.
type Format string

// Supported formats. Writers for them live in the mbox and maildir packages.
const (
	// FormatMbox is a single file of messages separated by "From " lines.
	FormatMbox Format = "mbox"

	// FormatMaildir is a tmp/new/cur directory triad with one file per message.
	FormatMaildir Format = "maildir"
)

// Target identifies a mailbox. The host resolves users to paths.
type Target struct {
	// Path is the absolute path of the mbox file or maildir directory.
	Path string

	// Format selects the writer.
	Format Format

	// Owner optionally names the mailbox owner, used for key lookup.
	Owner string
}

// String returns the target as format:path.
func (t Target) String() string {
	return string(t.Format) + ":" + t.Path
}

// Validate checks that the target is usable.
func (t Target) Validate() error {
	if t.Format == "" {
		return errors.New(errors.ErrInvalidTarget, "validate", t.Path, fmt.Errorf("no format"))
	}
	if t.Path == "" || !filepath.IsAbs(t.Path) {
		return errors.New(errors.ErrInvalidTarget, "validate", t.Path, fmt.Errorf("path must be absolute"))
	}
	return nil
}

// ParseTarget parses "maildir:/path", "mbox:/path" or a bare path. A bare
// path ending in "/" is a maildir, anything else an mbox file.
func ParseTarget(s string) (Target, error) {
	var t Target
	switch {
	case strings.HasPrefix(s, "maildir:"):
		t = Target{Format: FormatMaildir, Path: strings.TrimPrefix(s, "maildir:")}
	case strings.HasPrefix(s, "mbox:"):
		t = Target{Format: FormatMbox, Path: strings.TrimPrefix(s, "mbox:")}
	case strings.HasSuffix(s, "/"):
		t = Target{Format: FormatMaildir, Path: s}
	default:
		t = Target{Format: FormatMbox, Path: s}
	}
	if t.Path != "" {
		t.Path = filepath.Clean(t.Path)
	}
	if err := t.Validate(); err != nil {
		return Target{}, err
	}
	return t, nil
}
