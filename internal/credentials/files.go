package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnsureParentDir creates the directory holding path with 0700.
func EnsureParentDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WriteWayKey writes the access token as a bearer header value for local
// MCP tooling.
func WriteWayKey(path, accessToken string) error {
	if err := EnsureParentDir(path); err != nil {
		return err
	}
	value := "Bearer " + strings.TrimSpace(accessToken)
	if err := os.WriteFile(path, []byte(value), 0600); err != nil {
		return fmt.Errorf("failed to write way key: %w", err)
	}
	return nil
}

// RemoveWayKey deletes the way key file if present.
func RemoveWayKey(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove way key: %w", err)
	}
	return nil
}
