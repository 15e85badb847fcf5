package credentials

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/dvcrn/waystation-auth/internal/errors"
	"github.com/rs/zerolog"
)

const (
	keychainService = "waystation-credentials"
	keychainAccount = "waystation"
)

// commandRunner runs an external command and returns its stdout.
type commandRunner func(name string, args ...string) ([]byte, error)

func runCommand(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).Output()
}

// KeychainStore persists the credential in the macOS keychain through the
// security command.
type KeychainStore struct {
	mu     sync.Mutex
	run    commandRunner
	logger *zerolog.Logger
}

// NewKeychainStore creates a new keychain-backed persister
func NewKeychainStore() *KeychainStore {
	return &KeychainStore{run: runCommand}
}

// NewKeychainStoreWithLogger creates a new keychain-backed persister with logger
func NewKeychainStoreWithLogger(logger zerolog.Logger) *KeychainStore {
	return &KeychainStore{run: runCommand, logger: &logger}
}

// Load reads the credential from the keychain.
func (k *KeychainStore) Load() (*Credential, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	output, err := k.run("security", "find-generic-password", "-s", keychainService, "-w")
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 44 {
			return nil, errors.Wrapf(errors.ErrNotFound, "keychain item %s", keychainService)
		}
		return nil, fmt.Errorf("failed to retrieve password from Keychain: %w", err)
	}

	var c Credential
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(output))), &c); err != nil {
		return nil, fmt.Errorf("failed to parse JSON from keychain: %w", err)
	}

	if c.AccessToken == "" {
		return nil, fmt.Errorf("access_token is empty in keychain credentials")
	}
	return &c, nil
}

// Save replaces the keychain item.
func (k *KeychainStore) Save(c Credential) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	if _, err := k.run("security", "add-generic-password", "-s", keychainService, "-a", keychainAccount, "-w", string(data), "-U"); err != nil {
		return fmt.Errorf("failed to update keychain: %w", err)
	}

	if k.logger != nil {
		k.logger.Debug().Str("service", keychainService).Msg("Saved credentials to keychain")
	}
	return nil
}

// Clear deletes the keychain item. A missing item is not an error.
func (k *KeychainStore) Clear() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, err := k.run("security", "delete-generic-password", "-s", keychainService); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 44 {
			return nil
		}
		return fmt.Errorf("failed to delete keychain item: %w", err)
	}
	return nil
}
