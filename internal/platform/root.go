package platform

import (
	"errors"
	"os"
	"path/filepath"
)

// ErrRootNotFound is returned by FindRoot when no indicator exists up to the
// filesystem root.
var ErrRootNotFound = errors.New("root not found")

// FindRoot looks upwards from startDir for a workspace root, a directory
// holding ConfigFile or a .notesync data directory, and returns its
// absolute path.
func FindRoot(startDir string) (string, error) {
	abs, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	dir := abs
	for {
		if hasFile(dir, ConfigFile) || hasFile(dir, ".notesync") {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrRootNotFound
		}
		dir = parent
	}
}

// ConfigPath returns the config file of the root above startDir, or "" when
// there is none.
func ConfigPath(startDir string) string {
	root, err := FindRoot(startDir)
	if err != nil || !hasFile(root, ConfigFile) {
		return ""
	}
	return filepath.Join(root, ConfigFile)
}

func hasFile(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
