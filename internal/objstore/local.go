package objstore

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Local implements ObjectStore on the local filesystem. Writes go through a
// .tmp sibling and a rename so a crash mid-write never leaves a truncated
// object behind.
type Local struct {
	root string
}

// NewLocal creates (if needed) and opens a store rooted at root.
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive root %s: %w", root, err)
	}
	return &Local{root: root}, nil
}

// Root returns the absolute root directory of the store.
func (s *Local) Root() string { return s.root }

func (s *Local) Put(path string, data []byte) error {
	full := filepath.Join(s.root, path)

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(full), err)
	}

	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", full, err)
	}
	return nil
}

func (s *Local) Delete(path string) error {
	return os.Remove(filepath.Join(s.root, path))
}

func (s *Local) Walk(root string, fn fs.WalkDirFunc) error {
	full := filepath.Join(s.root, root)
	if _, err := os.Stat(full); os.IsNotExist(err) {
		return nil
	}
	return filepath.WalkDir(full, fn)
}
