package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const lockFileName = ".plughost.lock"

// lockFile is the startup crash sentinel. While plugins load it names
// the plugin currently being worked on; a previous run that crashed
// during startup leaves the file behind, so the next run knows which
// plugin to suspect and can start with it disabled.
type lockFile struct {
	path    string
	session string
}

// readStaleLock returns the plugin named in a leftover lock file, or
// "" when the previous run exited cleanly.
func readStaleLock(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, lockFileName))
	if err != nil {
		return ""
	}
	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	if len(lines) < 2 {
		return ""
	}
	return strings.TrimSpace(lines[1])
}

// newLockFile creates the sentinel with a fresh session id.
func newLockFile(dir string) (*lockFile, error) {
	lf := &lockFile{
		path:    filepath.Join(dir, lockFileName),
		session: uuid.NewString(),
	}
	if err := lf.update(""); err != nil {
		return nil, err
	}
	return lf, nil
}

// update records the plugin currently loading.
func (lf *lockFile) update(plugin string) error {
	return os.WriteFile(lf.path, []byte(lf.session+"\n"+plugin+"\n"), 0o644)
}

// remove deletes the sentinel; startup survived.
func (lf *lockFile) remove() {
	_ = os.Remove(lf.path)
}
