package maildir

import (
	"os"
	"path/filepath"

	"github.com/emersion/go-maildir"

	"github.com/infodancer/mda/errors"
)

// Maildir represents a single maildir directory.
type Maildir struct {
	path string
}

// Open returns a Maildir for the given path.
// It does not create the directory; use Create() for that.
func Open(path string) *Maildir {
	return &Maildir{path: path}
}

// Path returns the maildir path.
func (m *Maildir) Path() string {
	return m.path
}

// TmpDir returns the staging directory.
func (m *Maildir) TmpDir() string {
	return filepath.Join(m.path, "tmp")
}

// NewDir returns the directory new messages are published to.
func (m *Maildir) NewDir() string {
	return filepath.Join(m.path, "new")
}

// Create creates the maildir directory structure (new, cur, tmp) and any
// missing parents.
func (m *Maildir) Create(perm os.FileMode) error {
	if m.Exists() {
		return nil
	}
	if err := os.MkdirAll(m.path, perm); err != nil {
		return errors.Filesystem("create maildir", m.path, err)
	}
	if err := maildir.Dir(m.path).Init(); err != nil {
		// Another delivery may have created it concurrently.
		if m.Exists() {
			return nil
		}
		return errors.Filesystem("create maildir", m.path, err)
	}
	return nil
}

// Exists checks if the maildir exists and has the required structure.
func (m *Maildir) Exists() bool {
	for _, sub := range []string{"new", "cur", "tmp"} {
		info, err := os.Stat(filepath.Join(m.path, sub))
		if err != nil || !info.IsDir() {
			return false
		}
	}
	return true
}
