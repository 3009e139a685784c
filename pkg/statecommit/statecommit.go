package statecommit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Committer atomically snapshots an in-memory structure to a single named
// file. Commit writes to a temp file in the same directory and renames it
// over the target, so readers never observe a torn file.
type Committer struct {
	path string
}

// New returns a committer bound to path. The parent directory must exist.
func New(path string) *Committer {
	return &Committer{path: path}
}

// Path returns the backing file location.
func (c *Committer) Path() string { return c.path }

// Commit serializes state as JSON and atomically replaces the target file.
func (c *Committer) Commit(state any) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close state file: %w", err)
	}

	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit state: %w", err)
	}
	return nil
}

// Load reads the snapshot into out. A missing file is recoverable: out is
// left holding the caller's default and Load returns false. A file that
// exists but cannot be parsed is corruption and is returned as an error;
// callers treat that as fatal rather than silently starting fresh.
func (c *Committer) Load(out any) (bool, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read state file: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("state file %s is corrupted: %w", c.path, err)
	}
	return true, nil
}

// SerializedLen returns the JSON-encoded length of state without writing it.
// The dependency cache bounds its snapshot size with this.
func SerializedLen(state any) (int, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}
