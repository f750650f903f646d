package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateFilePath rejects empty paths and paths that try to climb out of
// their directory with ".." components
func ValidateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("path contains NUL byte")
	}

	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("path contains directory traversal: %s", path)
		}
	}

	return nil
}

// ValidateKeyFilePath validates a key file location and requires a .pem extension
func ValidateKeyFilePath(path string) error {
	if err := ValidateFilePath(path); err != nil {
		return err
	}
	if !strings.EqualFold(filepath.Ext(path), ".pem") {
		return fmt.Errorf("key file must have a .pem extension: %s", path)
	}
	return nil
}
