package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/dvcrn/waystation-auth/internal/errors"
)

// FSStore persists the credential as JSON in a single file.
type FSStore struct {
	Path string
	mu   sync.Mutex
}

func NewFSStore(path string) *FSStore {
	return &FSStore{Path: path}
}

// Load reads the stored credential.
func (f *FSStore) Load() (*Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(errors.ErrNotFound, "credentials file %s", f.Path)
		}
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	var c Credential
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	if c.AccessToken == "" {
		return nil, fmt.Errorf("missing access_token in credentials file")
	}
	return &c, nil
}

// Save writes the credential, creating the parent directory if needed.
func (f *FSStore) Save(c Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := EnsureParentDir(f.Path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	if err := os.WriteFile(f.Path, data, 0600); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	return nil
}

// Clear removes the credentials file. A missing file is not an error.
func (f *FSStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove credentials file: %w", err)
	}
	return nil
}
