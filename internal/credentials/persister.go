package credentials

import (
	"fmt"

	"github.com/dvcrn/waystation-auth/internal/config"
	"github.com/rs/zerolog"
)

// Persister stores the credential across restarts. It belongs to the
// broker; the session core never touches it directly.
type Persister interface {
	// Load returns the stored credential or an error wrapping
	// errors.ErrNotFound when there is none.
	Load() (*Credential, error)
	Save(Credential) error
	Clear() error
}

// NewPersister builds the persister selected by cfg.CredentialBackend.
func NewPersister(cfg config.Config, logger zerolog.Logger) (Persister, error) {
	switch cfg.CredentialBackend {
	case config.BackendFile, "":
		return NewFSStore(cfg.AuthStorePath), nil
	case config.BackendKeychain:
		return NewKeychainStoreWithLogger(logger), nil
	case config.BackendEnv:
		return NewEnvStore(), nil
	default:
		return nil, fmt.Errorf("unknown credential backend %q", cfg.CredentialBackend)
	}
}
