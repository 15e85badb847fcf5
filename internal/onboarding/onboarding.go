// Package onboarding tracks whether the first-run flow has been completed.
package onboarding

import (
	"fmt"
	"os"
	"path/filepath"
)

// Flag is a marker file: present means onboarding is completed.
type Flag struct {
	path string
}

func NewFlag(path string) *Flag {
	return &Flag{path: path}
}

// Completed reports whether the marker exists.
func (f *Flag) Completed() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// MarkCompleted creates the marker.
func (f *Flag) MarkCompleted() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("failed to create directory for onboarding flag: %w", err)
	}
	if err := os.WriteFile(f.path, []byte("true"), 0600); err != nil {
		return fmt.Errorf("failed to write onboarding flag: %w", err)
	}
	return nil
}

// Reset removes the marker so onboarding runs again.
func (f *Flag) Reset() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to reset onboarding flag: %w", err)
	}
	return nil
}
